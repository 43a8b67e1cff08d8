// Package app assembles a workspace into a running marketplace: database,
// migrations, collaborators and a registry rebuilt from the event log.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/delegation"
	"bountyline/internal/engine"
	"bountyline/internal/engine/auth"
	"bountyline/internal/events"
	"bountyline/internal/ledger"
	"bountyline/internal/logging"
	"bountyline/internal/metrics"
	"bountyline/internal/migrate"
	"bountyline/internal/project"
	"bountyline/internal/repo"
	"bountyline/internal/reputation"
)

type App struct {
	Workspace  string
	DB         *sql.DB
	Config     *config.Config
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Bus        *events.Bus
	Repo       repo.Repo
	Ledger     *ledger.Ledger
	Reputation *reputation.Store
	Auth       auth.Service
	Registry   *engine.Registry
}

// Options override parts of the workspace setup.
type Options struct {
	// Config replaces bountyline.yml when set.
	Config *config.Config
	// Logger replaces the logger built from the config when set.
	Logger *zap.Logger
	// SkipReplay leaves the registry empty, for commands that only read the log.
	SkipReplay bool
}

// Open migrates the workspace database and replays the event log.
func Open(ctx context.Context, workspace string, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOrDefault(workspace); err != nil {
			return nil, err
		}
	}
	log := opts.Logger
	if log == nil {
		var err error
		if log, err = logging.New(cfg.Logging); err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
	}

	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	a := &App{
		Workspace:  workspace,
		DB:         conn,
		Config:     cfg,
		Logger:     log,
		Metrics:    metrics.New(),
		Bus:        events.NewBus(),
		Repo:       repo.Repo{DB: conn},
		Ledger:     ledger.New(conn),
		Reputation: reputation.New(conn),
		Auth:       auth.Service{Owner: cfg.Marketplace.Owner},
	}
	deps := &project.Deps{
		Ledger:       a.Ledger,
		Reputation:   a.Reputation,
		EscrowHolder: cfg.Marketplace.EscrowHolder,
		Owner:        cfg.Marketplace.Owner,
	}
	if cfg.Delegation.Enabled {
		deps.Authorizer = delegation.New(delegation.Rules{
			MaxPayment:         cfg.Delegation.MaxPayment,
			MaxTotalPerProject: cfg.Delegation.MaxTotalPerProject,
			AllowedPurposes:    cfg.Delegation.AllowedPurposes,
		})
	}
	a.Registry = engine.New(engine.Options{
		Deps:                   deps,
		DB:                     conn,
		Sink:                   events.Writer{},
		Bus:                    a.Bus,
		Logger:                 log,
		Metrics:                a.Metrics,
		DefaultReputationBonus: cfg.Marketplace.DefaultReputationBonus,
	})
	if !opts.SkipReplay {
		if _, err := a.Registry.Replay(ctx, a.Repo); err != nil {
			a.Close()
			return nil, fmt.Errorf("replay: %w", err)
		}
	}
	return a, nil
}

func (a *App) Close() error {
	_ = a.Logger.Sync()
	return a.DB.Close()
}
