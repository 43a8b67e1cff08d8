package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"bountyline/internal/app"
	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/repo"
	"bountyline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Bountyline CLI",
	Long: `Bountyline is a task marketplace: clients escrow tokens against a batch of
tasks and annotators get paid as their work is claimed or approved.
- Workspace: a directory holding .bountyline (the sqlite database) and an optional bountyline.yml.
- Project: a bounty with a task count, a reward per task and an optional deadline.
- Payout modes: immediate (claims pay at once) or approval (the client approves each submission).
- Escrow: tokens deposited by the client; pending approvals hold part of it.
- Ledger: the double-entry token ledger every transfer goes through.
- Reputation: scores that gate projects and grow with approved work.
- Event log: every state change, replayed on startup; view with 'bl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BOUNTYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(claimCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(rejectCmd())
	rootCmd.AddCommand(payoutCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(reputationCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Workspace config",
		Long:  "bountyline.yml holds the marketplace owner, the escrow holder account, delegation limits, logging, server and webhook settings.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default bountyline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate bountyline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if file != "" {
				_, err = config.FromFile(file)
			} else {
				_, err = config.Load(viper.GetString("workspace"))
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "validate this file instead of the workspace config")
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage bounty projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectDepositCmd())
	prj.AddCommand(projectRefundCmd())
	prj.AddCommand(projectWorkCmd())
	prj.AddCommand(projectPendingCmd())
	prj.AddCommand(projectFundsCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var (
		mode          string
		tasks, reward int64
		deadline      string
		minRep, bonus int64
		dataset       string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project funded by the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			payoutMode, err := domain.ParsePayoutMode(mode)
			if err != nil {
				return err
			}
			due, err := parseDeadline(deadline, time.Now())
			if err != nil {
				return err
			}
			req := engine.CreateRequest{
				Client:        viper.GetString("actor-id"),
				PayoutMode:    payoutMode,
				TotalTasks:    tasks,
				RewardPerTask: reward,
				Deadline:      due,
				MinReputation: minRep,
				DatasetURI:    dataset,
			}
			if cmd.Flags().Changed("reputation-bonus") {
				req.ReputationBonus = &bonus
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Registry.CreateProject(ctx, req)
				if err != nil {
					return err
				}
				return printResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "immediate", "payout mode (immediate, approval)")
	cmd.Flags().Int64Var(&tasks, "tasks", 0, "total tasks")
	cmd.Flags().Int64Var(&reward, "reward", 0, "reward per task")
	cmd.Flags().StringVar(&deadline, "deadline", "", "deadline as RFC3339 or a duration from now (e.g. 72h)")
	cmd.Flags().Int64Var(&minRep, "min-reputation", 0, "minimum reputation to participate")
	cmd.Flags().Int64Var(&bonus, "reputation-bonus", 0, "reputation awarded per approval (default from config)")
	cmd.Flags().StringVar(&dataset, "dataset", "", "dataset URI")
	_ = cmd.MarkFlagRequired("tasks")
	_ = cmd.MarkFlagRequired("reward")
	return cmd
}

func projectListCmd() *cobra.Command {
	var client, state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items := a.Registry.Projects(engine.ProjectFilter{Client: client, State: domain.ProjectState(state)})
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Client", "Mode", "State", "Tasks", "Reward", "Escrow", "Held", "Paid", "Deadline"})
				for _, p := range items {
					due := "-"
					if p.Deadline != nil {
						due = p.Deadline.Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{
						p.ID, p.Client, p.PayoutMode, p.State,
						fmt.Sprintf("%d/%d", p.CompletedTasks, p.TotalTasks),
						p.RewardPerTask, p.EscrowBalance, p.Locked, p.PaidOut, due,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&client, "client", "", "filter by client")
	cmd.Flags().StringVar(&state, "state", "", "filter by state")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				snap, err := a.Registry.Project(id)
				if err != nil {
					return err
				}
				return printJSON(snap)
			})
		},
	}
}

func projectDepositCmd() *cobra.Command {
	var amount int64
	cmd := &cobra.Command{
		Use:   "deposit <id>",
		Short: "Move tokens from the client into escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOp(cmd.Context(), args[0], func(ctx context.Context, a *app.App, id int64, actor string) (engine.Result, error) {
				return a.Registry.Deposit(ctx, id, actor, amount)
			})
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "tokens to deposit")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func projectRefundCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refund <id>",
		Short: "Return unspent escrow to the client after the deadline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOp(cmd.Context(), args[0], func(ctx context.Context, a *app.App, id int64, actor string) (engine.Result, error) {
				return a.Registry.Refund(ctx, id, actor)
			})
		},
	}
}

func projectWorkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "work <id>",
		Short: "Per-worker earnings on a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Registry.Work(id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Worker", "Tasks", "Earned"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.Worker, w.TasksCompleted, w.TotalEarned})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending <id>",
		Short: "Submissions awaiting approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Registry.Pending(id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Worker", "Held", "URI"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.Worker, s.Amount, s.URI})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectFundsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "funds <id>",
		Short: "Escrow not held for pending submissions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				free, err := a.Registry.AvailableFunds(id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int64{"project_id": id, "available_funds": free})
				}
				fmt.Println(free)
				return nil
			})
		},
	}
}

func claimCmd() *cobra.Command {
	var tasks int64
	cmd := &cobra.Command{
		Use:   "claim <project-id>",
		Short: "Submit completed tasks on an immediate-payout project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOp(cmd.Context(), args[0], func(ctx context.Context, a *app.App, id int64, actor string) (engine.Result, error) {
				return a.Registry.SubmitAndClaim(ctx, id, actor, tasks)
			})
		},
	}
	cmd.Flags().Int64Var(&tasks, "tasks", 1, "number of tasks completed")
	return cmd
}

func submitCmd() *cobra.Command {
	var uri string
	cmd := &cobra.Command{
		Use:   "submit <project-id>",
		Short: "Submit an annotation for approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOp(cmd.Context(), args[0], func(ctx context.Context, a *app.App, id int64, actor string) (engine.Result, error) {
				return a.Registry.SubmitAnnotation(ctx, id, actor, uri)
			})
		},
	}
	cmd.Flags().StringVar(&uri, "uri", "", "location of the annotation")
	return cmd
}

func approveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <project-id> <worker>",
		Short: "Approve a pending submission and pay the worker",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOp(cmd.Context(), args[0], func(ctx context.Context, a *app.App, id int64, actor string) (engine.Result, error) {
				return a.Registry.Approve(ctx, id, actor, args[1])
			})
		},
	}
}

func rejectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reject <project-id> <worker>",
		Short: "Reject a pending submission and release its hold",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOp(cmd.Context(), args[0], func(ctx context.Context, a *app.App, id int64, actor string) (engine.Result, error) {
				return a.Registry.Reject(ctx, id, actor, args[1])
			})
		},
	}
}

func payoutCmd() *cobra.Command {
	var amount int64
	cmd := &cobra.Command{
		Use:   "payout <project-id> <worker>",
		Short: "Pay a worker from free escrow",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOp(cmd.Context(), args[0], func(ctx context.Context, a *app.App, id int64, actor string) (engine.Result, error) {
				return a.Registry.ApprovePayout(ctx, id, actor, args[1], amount)
			})
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "tokens to pay")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "ledger", Short: "Token ledger"}
	cmd.AddCommand(ledgerMintCmd())
	cmd.AddCommand(ledgerBalanceCmd())
	return cmd
}

func ledgerMintCmd() *cobra.Command {
	var amount int64
	cmd := &cobra.Command{
		Use:   "mint <account>",
		Short: "Issue tokens to an account (owner only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if amount <= 0 {
				return fmt.Errorf("--amount must be positive")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Auth.RequireOwner(viper.GetString("actor-id"), "mint tokens"); err != nil {
					return err
				}
				if err := a.Ledger.Mint(ctx, args[0], amount); err != nil {
					return err
				}
				bal, err := a.Ledger.Balance(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"account": args[0], "balance": bal})
			})
		},
	}
	cmd.Flags().Int64Var(&amount, "amount", 0, "tokens to mint")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func ledgerBalanceCmd() *cobra.Command {
	var entries int
	cmd := &cobra.Command{
		Use:   "balance [account]",
		Short: "Show an account balance (defaults to the current actor)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account := viper.GetString("actor-id")
			if len(args) == 1 {
				account = args[0]
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				bal, err := a.Ledger.Balance(ctx, account)
				if err != nil {
					return err
				}
				var items []domain.LedgerEntry
				if entries > 0 {
					if items, err = a.Ledger.Entries(ctx, account, entries); err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"account": account, "balance": bal, "entries": items})
				}
				fmt.Printf("%s: %d\n", account, bal)
				if len(items) > 0 {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Tx", "Direction", "Amount", "Balance", "Memo", "At"})
					for _, e := range items {
						tw.AppendRow(table.Row{e.TxID, e.Direction, e.Amount, e.BalanceAfter, e.Memo, e.CreatedAt})
					}
					tw.Render()
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&entries, "entries", 0, "also list this many recent entries")
	return cmd
}

func reputationCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "reputation", Short: "Reputation scores"}
	cmd.AddCommand(reputationGetCmd())
	cmd.AddCommand(reputationSetCmd())
	cmd.AddCommand(reputationTopCmd())
	return cmd
}

func reputationGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <identity>",
		Short: "Show a reputation score",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				score, err := a.Reputation.Reputation(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"identity": args[0], "score": score})
				}
				fmt.Printf("%s: %d\n", args[0], score)
				return nil
			})
		},
	}
}

func reputationSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <identity> <score>",
		Short: "Set a reputation score (owner only)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			score, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || score < 0 {
				return fmt.Errorf("score must be a non-negative integer")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Auth.RequireOwner(viper.GetString("actor-id"), "set reputation"); err != nil {
					return err
				}
				return a.Reputation.Set(ctx, args[0], score)
			})
		},
	}
}

func reputationTopCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "top",
		Short: "Highest reputation scores",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Reputation.Top(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Identity", "Score", "Updated"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.Identity, s.Score, s.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 10, "number of identities")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "API keys for the HTTP API"}
	cmd.AddCommand(apiKeyCreateCmd())
	cmd.AddCommand(apiKeyListCmd())
	cmd.AddCommand(apiKeyRevokeCmd())
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				key, plain, err := r.IssueAPIKey(ctx, viper.GetString("actor-id"), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "key": plain})
				}
				fmt.Printf("API key %s for %s (shown once):\n%s\n", key.ID, key.ActorID, plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List keys of the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func apiKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.RevokeAPIKey(ctx, args[0])
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every committed state change: creations, deposits, claims, approvals, payouts and refunds.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var (
		n         int
		evtType   string
		actorID   string
		projectID int64
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, repo.EventFilter{ProjectID: projectID, Type: evtType, ActorID: actorID})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Time", "Project", "Type", "Actor", "Payload"})
				for _, e := range events {
					payload, _ := json.Marshal(e.Payload)
					tw.AppendRow(table.Row{e.Seq, e.TS.Format(time.RFC3339), e.ProjectID, e.Type, e.ActorID, string(payload)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	cmd.Flags().Int64Var(&projectID, "project", 0, "project filter")
	return cmd
}

func replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Rebuild every project from the event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items := a.Registry.Projects(engine.ProjectFilter{})
				count, err := a.Repo.CountEvents(ctx)
				if err != nil {
					return err
				}
				out := map[string]any{"projects": len(items), "events": count, "last_id": a.Registry.LastID()}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("replayed %d events into %d projects (last id %d)\n", count, len(items), a.Registry.LastID())
				return nil
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the workspace database, schema version and log size",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := app.Open(ctx, viper.GetString("workspace"), app.Options{SkipReplay: true})
			if err != nil {
				return err
			}
			defer a.Close()
			st, err := a.Status(ctx)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(st)
			}
			fmt.Printf("database: %s\n", st.DBPath)
			fmt.Printf("schema:   %d (latest %d)\n", st.SchemaVersion, st.LatestSchema)
			fmt.Printf("events:   %d (last seq %d)\n", st.Events, st.LastSeq)
			fmt.Printf("projects: %d\n", st.Projects)
			return nil
		},
	}
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Compare replayed state with the stored snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				mismatches, err := a.Registry.Verify(ctx, a.Repo)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(map[string]any{"ok": len(mismatches) == 0, "mismatches": mismatches}); err != nil {
						return err
					}
				} else if len(mismatches) == 0 {
					fmt.Println("snapshots match the event log")
				} else {
					for _, m := range mismatches {
						fmt.Printf("project %d: stored and replayed state differ\n", m.ProjectID)
					}
				}
				if len(mismatches) > 0 {
					return fmt.Errorf("%d project(s) drifted from the event log", len(mismatches))
				}
				return nil
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var legacyHeader bool
	var webhookInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := app.Open(ctx, viper.GetString("workspace"), app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()
			if !cmd.Flags().Changed("addr") && a.Config.Server.Addr != "" {
				addr = a.Config.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && a.Config.Server.BasePath != "" {
				basePath = a.Config.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: legacyHeader,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("BOUNTYLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{App: a, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhooks(ctx, a, webhookInterval)
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			a.Logger.Info("serving",
				zap.String("addr", addr),
				zap.String("base_path", basePath),
				zap.Int("projects", len(a.Registry.Projects(engine.ProjectFilter{}))))
			fmt.Printf("Serving Bountyline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path (default from config)")
	cmd.Flags().BoolVar(&legacyHeader, "allow-actor-header", false, "accept the unauthenticated X-Actor-Id header (development only)")
	cmd.Flags().DurationVar(&webhookInterval, "webhook-interval", 2*time.Second, "webhook polling interval")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"), app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// withRepo skips the replay for commands that only touch stored rows.
func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"), app.Options{SkipReplay: true})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Repo)
}

func runOp(ctx context.Context, rawID string, op func(context.Context, *app.App, int64, string) (engine.Result, error)) error {
	id, err := parseID(rawID)
	if err != nil {
		return err
	}
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		res, err := op(ctx, a, id, viper.GetString("actor-id"))
		if err != nil {
			return err
		}
		return printResult(res)
	})
}

func printResult(res engine.Result) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	p := res.Project
	fmt.Printf("project %d: %s (%s), tasks %d/%d, escrow %d, held %d, paid %d\n",
		p.ID, p.State, p.PayoutMode, p.CompletedTasks, p.TotalTasks, p.EscrowBalance, p.Locked, p.PaidOut)
	if res.Transferred > 0 {
		fmt.Printf("transferred %d\n", res.Transferred)
	}
	for _, e := range res.Events {
		fmt.Printf("  #%d %s\n", e.Seq, e.Type)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid project id %q", raw)
	}
	return id, nil
}

// parseDeadline accepts an RFC3339 timestamp or a duration relative to now.
func parseDeadline(raw string, now time.Time) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		t = t.UTC()
		return &t, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid --deadline %q: want RFC3339 or a duration", raw)
	}
	t := now.Add(d).UTC()
	return &t, nil
}
