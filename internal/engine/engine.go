package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"bountyline/internal/domain"
	"bountyline/internal/events"
	"bountyline/internal/metrics"
	"bountyline/internal/project"
	"bountyline/internal/repo"
)

// Sink appends one operation's events with the resulting snapshot inside the
// operation's transaction and returns the events with their sequence numbers.
type Sink interface {
	Append(ctx context.Context, tx *sql.Tx, batch domain.Batch) ([]domain.Event, error)
}

// Source reads the event log in sequence order.
type Source interface {
	Events(ctx context.Context, afterSeq int64, limit int) ([]domain.Event, error)
}

// SnapshotStore lists the snapshots persisted alongside the log.
type SnapshotStore interface {
	ListSnapshots(ctx context.Context, client, state string) ([]domain.Snapshot, error)
}

// TxLedger is a ledger that can post a transfer inside the operation's
// transaction. Ledgers without it are called directly.
type TxLedger interface {
	project.Ledger
	TransferTx(ctx context.Context, tx *sql.Tx, from, to string, amount int64) error
}

// TxReputation is an oracle that can read through the operation's transaction.
type TxReputation interface {
	project.ReputationOracle
	ReputationTx(ctx context.Context, tx *sql.Tx, identity string) (int64, error)
}

type Options struct {
	Deps *project.Deps
	// DB holds the event log. Every operation, including its ledger
	// transfer when the ledger is a TxLedger, commits in one transaction.
	DB   *sql.DB
	Sink Sink
	// Bus, Logger and Metrics are optional.
	Bus                    *events.Bus
	Logger                 *zap.Logger
	Metrics                *metrics.Metrics
	DefaultReputationBonus int64
}

// Registry owns every project machine. Operations on one project are
// serialized by that project's slot lock. Each one re-reads the project's
// log inside its transaction first, so processes sharing a workspace never
// act on stale state.
type Registry struct {
	opts Options
	log  *zap.Logger

	createMu sync.Mutex
	lastID   int64

	mu    sync.RWMutex
	slots map[int64]*slot

	syncMu sync.Mutex
	synced int64
}

type slot struct {
	mu sync.Mutex
	m  *project.Machine
}

// Result is the state after a committed operation.
type Result struct {
	Project     domain.Snapshot `json:"project"`
	Events      []domain.Event  `json:"events"`
	Transferred int64           `json:"transferred"`
}

func New(opts Options) *Registry {
	if opts.Deps == nil {
		opts.Deps = &project.Deps{}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		opts:  opts,
		log:   log.Named("engine"),
		slots: make(map[int64]*slot),
	}
}

// CreateRequest are the parameters a client supplies for a new project.
type CreateRequest struct {
	Client        string
	PayoutMode    domain.PayoutMode
	TotalTasks    int64
	RewardPerTask int64
	Deadline      *time.Time
	MinReputation int64
	// ReputationBonus overrides the configured default when set.
	ReputationBonus *int64
	DatasetURI      string
}

// CreateProject validates req, assigns the next id and commits ProjectCreated.
// The id is one past the highest of the log and this registry, so a failed
// commit leaves a gap for the life of the process.
func (r *Registry) CreateProject(ctx context.Context, req CreateRequest) (res Result, err error) {
	started := time.Now()
	defer func() { r.observe("create", res.Project.ID, req.Client, started, res, err) }()

	mode := req.PayoutMode
	if mode == "" {
		mode = domain.PayoutImmediate
	}
	bonus := r.opts.DefaultReputationBonus
	if req.ReputationBonus != nil {
		bonus = *req.ReputationBonus
	}

	r.createMu.Lock()
	defer r.createMu.Unlock()

	tx, err := r.begin(ctx)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()
	logged, err := repo.MaxProjectID(ctx, tx)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", domain.ErrEventLogUnavailable, err)
	}
	id := r.lastID
	if logged > id {
		id = logged
	}

	params := domain.ProjectParams{
		ID:              id + 1,
		Client:          req.Client,
		PayoutMode:      mode,
		TotalTasks:      req.TotalTasks,
		RewardPerTask:   req.RewardPerTask,
		Deadline:        req.Deadline,
		MinReputation:   req.MinReputation,
		ReputationBonus: bonus,
		DatasetURI:      req.DatasetURI,
	}
	out, err := project.Create(r.opts.Deps, params)
	if err != nil {
		return Result{}, err
	}
	r.lastID = params.ID
	m, stored, err := r.commit(ctx, tx, project.New(r.opts.Deps), out)
	if err != nil {
		return Result{}, err
	}

	r.mu.Lock()
	if _, ok := r.slots[params.ID]; !ok {
		r.slots[params.ID] = &slot{m: m}
	}
	n := len(r.slots)
	r.mu.Unlock()
	r.opts.Metrics.SetProjects(n)

	return Result{Project: m.Snapshot(), Events: stored}, nil
}

// Deposit moves amount from the client's ledger account into escrow.
func (r *Registry) Deposit(ctx context.Context, id int64, caller string, amount int64) (Result, error) {
	return r.do(ctx, "deposit", id, caller, func(m *project.Machine) (project.Outcome, error) {
		return m.DepositFunds(ctx, caller, amount)
	})
}

// SubmitAndClaim pays worker for taskCount tasks on an immediate-mode project.
func (r *Registry) SubmitAndClaim(ctx context.Context, id int64, worker string, taskCount int64) (Result, error) {
	return r.do(ctx, "claim", id, worker, func(m *project.Machine) (project.Outcome, error) {
		return m.SubmitAndClaim(ctx, worker, taskCount)
	})
}

// SubmitAnnotation queues a submission on an approval-mode project.
func (r *Registry) SubmitAnnotation(ctx context.Context, id int64, worker, uri string) (Result, error) {
	return r.do(ctx, "submit", id, worker, func(m *project.Machine) (project.Outcome, error) {
		return m.SubmitAnnotation(ctx, worker, uri)
	})
}

func (r *Registry) Approve(ctx context.Context, id int64, caller, worker string) (Result, error) {
	return r.do(ctx, "approve", id, caller, func(m *project.Machine) (project.Outcome, error) {
		return m.ApproveAnnotation(ctx, caller, worker)
	})
}

func (r *Registry) Reject(ctx context.Context, id int64, caller, worker string) (Result, error) {
	return r.do(ctx, "reject", id, caller, func(m *project.Machine) (project.Outcome, error) {
		return m.RejectAnnotation(ctx, caller, worker)
	})
}

// ApprovePayout is the manual override paying worker from free escrow.
func (r *Registry) ApprovePayout(ctx context.Context, id int64, caller, worker string, amount int64) (Result, error) {
	return r.do(ctx, "payout", id, caller, func(m *project.Machine) (project.Outcome, error) {
		return m.ApprovePayout(ctx, caller, worker, amount)
	})
}

// Refund returns unspent escrow to the client once the deadline has passed.
func (r *Registry) Refund(ctx context.Context, id int64, caller string) (Result, error) {
	return r.do(ctx, "refund", id, caller, func(m *project.Machine) (project.Outcome, error) {
		return m.RefundProject(ctx, caller)
	})
}

func (r *Registry) do(ctx context.Context, op string, id int64, actor string, fn func(*project.Machine) (project.Outcome, error)) (res Result, err error) {
	started := time.Now()
	defer func() { r.observe(op, id, actor, started, res, err) }()

	s, err := r.slot(ctx, id)
	if err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := r.begin(ctx)
	if err != nil {
		return Result{}, err
	}
	defer tx.Rollback()
	base, err := r.catchUp(ctx, tx, s.m)
	if err != nil {
		return Result{}, err
	}
	s.m = base

	out, err := fn(base.WithDeps(r.bind(tx)))
	if err != nil {
		return Result{}, err
	}
	next, stored, err := r.commit(ctx, tx, base, out)
	if err != nil {
		return Result{}, err
	}
	s.m = next
	return Result{Project: next.Snapshot(), Events: stored, Transferred: out.Transferred}, nil
}

func (r *Registry) begin(ctx context.Context) (*sql.Tx, error) {
	if r.opts.DB == nil {
		return nil, fmt.Errorf("%w: no database configured", domain.ErrEventLogUnavailable)
	}
	tx, err := r.opts.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEventLogUnavailable, err)
	}
	return tx, nil
}

// bind returns the shared deps with the ledger and oracle routed through tx.
func (r *Registry) bind(tx *sql.Tx) *project.Deps {
	deps := *r.opts.Deps
	if l, ok := deps.Ledger.(TxLedger); ok {
		deps.Ledger = txLedger{TxLedger: l, tx: tx}
	}
	if o, ok := deps.Reputation.(TxReputation); ok {
		deps.Reputation = txReputation{TxReputation: o, tx: tx}
	}
	return &deps
}

type txLedger struct {
	TxLedger
	tx *sql.Tx
}

func (l txLedger) Transfer(ctx context.Context, from, to string, amount int64) error {
	return l.TransferTx(ctx, l.tx, from, to, amount)
}

type txReputation struct {
	TxReputation
	tx *sql.Tx
}

func (o txReputation) Reputation(ctx context.Context, identity string) (int64, error) {
	return o.ReputationTx(ctx, o.tx, identity)
}

// catchUp returns m advanced by events other processes committed after it.
func (r *Registry) catchUp(ctx context.Context, q repo.Queryer, m *project.Machine) (*project.Machine, error) {
	evts, err := repo.ProjectEvents(ctx, q, m.ID(), m.LastSeq())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEventLogUnavailable, err)
	}
	if len(evts) == 0 {
		return m, nil
	}
	next := m.Clone()
	for _, evt := range evts {
		if err := next.Apply(evt); err != nil {
			return nil, fmt.Errorf("catch up project %d at event %d: %w", m.ID(), evt.Seq, err)
		}
	}
	r.log.Debug("caught up with log", zap.Int64("project", m.ID()), zap.Int("events", len(evts)), zap.Int64("last_seq", next.LastSeq()))
	return next, nil
}

// commit appends out's events in tx, commits, and returns m advanced by
// them. m itself is never modified, and on any error tx is left for the
// caller to roll back, undoing the ledger transfer with it.
func (r *Registry) commit(ctx context.Context, tx *sql.Tx, m *project.Machine, out project.Outcome) (*project.Machine, []domain.Event, error) {
	if len(out.Events) == 0 {
		return m, nil, nil
	}
	dry := m.Clone()
	for _, evt := range out.Events {
		if err := dry.Apply(evt); err != nil {
			return nil, nil, fmt.Errorf("apply %s: %w", evt.Type, err)
		}
	}
	if r.opts.Sink == nil {
		return nil, nil, fmt.Errorf("%w: no event sink configured", domain.ErrEventLogUnavailable)
	}
	stored, err := r.opts.Sink.Append(ctx, tx, domain.Batch{Events: out.Events, Snapshot: dry.Snapshot(), PrevSeq: m.LastSeq()})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrEventLogUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("%w: commit: %v", domain.ErrEventLogUnavailable, err)
	}
	next := m.Clone()
	for _, evt := range stored {
		if err := next.Apply(evt); err != nil {
			return nil, nil, fmt.Errorf("apply stored %s: %w", evt.Type, err)
		}
	}
	for _, evt := range stored {
		r.opts.Metrics.ObserveEvent(evt)
		r.opts.Bus.Publish(evt)
	}
	if out.Award != nil && out.Award.Points > 0 && r.opts.Deps.Reputation != nil {
		if err := r.opts.Deps.Reputation.Award(ctx, out.Award.Worker, out.Award.Points); err != nil {
			r.log.Warn("reputation award failed",
				zap.Int64("project", m.ID()),
				zap.String("worker", out.Award.Worker),
				zap.Int64("points", out.Award.Points),
				zap.Error(err))
		}
	}
	return next, stored, nil
}

func (r *Registry) observe(op string, id int64, actor string, started time.Time, res Result, err error) {
	r.opts.Metrics.ObserveOperation(op, started, err)
	if err != nil {
		r.log.Debug("operation rejected",
			zap.String("op", op),
			zap.Int64("project", id),
			zap.String("actor", actor),
			zap.String("code", domain.ErrorCode(err)),
			zap.Error(err))
		return
	}
	r.log.Info("operation committed",
		zap.String("op", op),
		zap.Int64("project", res.Project.ID),
		zap.String("actor", actor),
		zap.Int64("amount", res.Transferred),
		zap.String("state", string(res.Project.State)),
		zap.Int("events", len(res.Events)))
}

// slot returns the project's slot, loading it from the log when another
// process created it.
func (r *Registry) slot(ctx context.Context, id int64) (*slot, error) {
	if s, ok := r.cached(id); ok {
		return s, nil
	}
	return r.load(ctx, id)
}

func (r *Registry) cached(id int64) (*slot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.slots[id]
	return s, ok
}

func (r *Registry) load(ctx context.Context, id int64) (*slot, error) {
	if r.opts.DB == nil || id <= 0 {
		return nil, fmt.Errorf("%w: %d", domain.ErrProjectNotFound, id)
	}
	evts, err := repo.ProjectEvents(ctx, r.opts.DB, id, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEventLogUnavailable, err)
	}
	if len(evts) == 0 {
		return nil, fmt.Errorf("%w: %d", domain.ErrProjectNotFound, id)
	}
	m := project.New(r.opts.Deps)
	for _, evt := range evts {
		if err := m.Apply(evt); err != nil {
			return nil, fmt.Errorf("load project %d at event %d: %w", id, evt.Seq, err)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.slots[id]; ok {
		return s, nil
	}
	s := &slot{m: m}
	r.slots[id] = s
	r.opts.Metrics.SetProjects(len(r.slots))
	return s, nil
}

func (r *Registry) read(id int64, fn func(*project.Machine)) error {
	s, ok := r.cached(id)
	if !ok {
		return fmt.Errorf("%w: %d", domain.ErrProjectNotFound, id)
	}
	s.mu.Lock()
	fn(s.m)
	s.mu.Unlock()
	return nil
}

func (r *Registry) Project(id int64) (domain.Snapshot, error) {
	var snap domain.Snapshot
	err := r.read(id, func(m *project.Machine) { snap = m.Snapshot() })
	return snap, err
}

// ProjectFilter narrows Projects. Zero values match everything.
type ProjectFilter struct {
	Client string
	State  domain.ProjectState
}

// Projects returns matching snapshots ordered by id.
func (r *Registry) Projects(f ProjectFilter) []domain.Snapshot {
	r.mu.RLock()
	slots := make([]*slot, 0, len(r.slots))
	for _, s := range r.slots {
		slots = append(slots, s)
	}
	r.mu.RUnlock()

	out := make([]domain.Snapshot, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		snap := s.m.Snapshot()
		s.mu.Unlock()
		if f.Client != "" && snap.Client != f.Client {
			continue
		}
		if f.State != "" && snap.State != f.State {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Work(id int64) ([]domain.WorkRecord, error) {
	var out []domain.WorkRecord
	err := r.read(id, func(m *project.Machine) { out = m.Work() })
	return out, err
}

func (r *Registry) Pending(id int64) ([]domain.Submission, error) {
	var out []domain.Submission
	err := r.read(id, func(m *project.Machine) { out = m.Pending() })
	return out, err
}

// AvailableFunds is the escrow not held for pending submissions.
func (r *Registry) AvailableFunds(id int64) (int64, error) {
	var free int64
	err := r.read(id, func(m *project.Machine) { free = m.Escrow().Free() })
	return free, err
}

// LastID is the highest project id issued so far.
func (r *Registry) LastID() int64 {
	r.createMu.Lock()
	defer r.createMu.Unlock()
	return r.lastID
}

const replayPage = 500

// Replay rebuilds every project from src. It must run before any operation;
// it never calls the ledger, the oracle or the authorizer.
func (r *Registry) Replay(ctx context.Context, src Source) (int, error) {
	r.syncMu.Lock()
	defer r.syncMu.Unlock()
	r.createMu.Lock()
	defer r.createMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.slots) > 0 {
		return 0, errors.New("replay into a non-empty registry")
	}

	machines := make(map[int64]*project.Machine)
	var after int64
	applied := 0
	for {
		page, err := src.Events(ctx, after, replayPage)
		if err != nil {
			return applied, fmt.Errorf("read events after %d: %w", after, err)
		}
		for _, evt := range page {
			m, ok := machines[evt.ProjectID]
			if !ok {
				if evt.Type != domain.EventProjectCreated {
					return applied, fmt.Errorf("event %d (%s) for unknown project %d", evt.Seq, evt.Type, evt.ProjectID)
				}
				m = project.New(r.opts.Deps)
				machines[evt.ProjectID] = m
			}
			if err := m.Apply(evt); err != nil {
				return applied, fmt.Errorf("replay event %d: %w", evt.Seq, err)
			}
			if evt.ProjectID > r.lastID {
				r.lastID = evt.ProjectID
			}
			after = evt.Seq
			applied++
		}
		if len(page) < replayPage {
			break
		}
	}
	for id, m := range machines {
		r.slots[id] = &slot{m: m}
	}
	r.synced = after
	r.opts.Metrics.SetProjects(len(r.slots))
	r.log.Info("replayed event log", zap.Int("events", applied), zap.Int("projects", len(machines)), zap.Int64("last_id", r.lastID))
	return applied, nil
}

// Sync applies events committed by other processes since the last Replay or
// Sync and returns how many it applied. Read paths call it before serving
// from memory.
func (r *Registry) Sync(ctx context.Context) (int, error) {
	if r.opts.DB == nil {
		return 0, nil
	}
	r.syncMu.Lock()
	defer r.syncMu.Unlock()
	src := repo.Repo{DB: r.opts.DB}
	applied := 0
	for {
		page, err := src.Events(ctx, r.synced, replayPage)
		if err != nil {
			return applied, fmt.Errorf("%w: read events after %d: %v", domain.ErrEventLogUnavailable, r.synced, err)
		}
		for _, evt := range page {
			ok, err := r.syncEvent(ctx, evt)
			if err != nil {
				return applied, err
			}
			if ok {
				applied++
			}
			r.synced = evt.Seq
		}
		if len(page) < replayPage {
			break
		}
	}
	if applied > 0 {
		r.log.Debug("synced with log", zap.Int("events", applied), zap.Int64("seq", r.synced))
	}
	return applied, nil
}

func (r *Registry) syncEvent(ctx context.Context, evt domain.Event) (bool, error) {
	if evt.Type == domain.EventProjectCreated {
		r.createMu.Lock()
		if evt.ProjectID > r.lastID {
			r.lastID = evt.ProjectID
		}
		r.createMu.Unlock()
	}
	s, ok := r.cached(evt.ProjectID)
	if !ok {
		// load reads the project's whole log, this event included.
		_, err := r.load(ctx, evt.ProjectID)
		return err == nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if evt.Seq <= s.m.LastSeq() {
		return false, nil
	}
	next := s.m.Clone()
	if err := next.Apply(evt); err != nil {
		return false, fmt.Errorf("sync event %d: %w", evt.Seq, err)
	}
	s.m = next
	return true, nil
}

// Mismatch is a project whose stored snapshot differs from the replayed state.
type Mismatch struct {
	ProjectID int64            `json:"project_id"`
	Stored    *domain.Snapshot `json:"stored,omitempty"`
	Rebuilt   *domain.Snapshot `json:"rebuilt,omitempty"`
}

// Verify compares the in-memory projects with the persisted snapshots.
func (r *Registry) Verify(ctx context.Context, store SnapshotStore) ([]Mismatch, error) {
	stored, err := store.ListSnapshots(ctx, "", "")
	if err != nil {
		return nil, err
	}
	seen := make(map[int64]bool, len(stored))
	var out []Mismatch
	for i := range stored {
		s := stored[i]
		seen[s.ID] = true
		rebuilt, err := r.Project(s.ID)
		if errors.Is(err, domain.ErrProjectNotFound) {
			out = append(out, Mismatch{ProjectID: s.ID, Stored: &s})
			continue
		}
		if err != nil {
			return nil, err
		}
		same, err := sameSnapshot(s, rebuilt)
		if err != nil {
			return nil, err
		}
		if !same {
			out = append(out, Mismatch{ProjectID: s.ID, Stored: &s, Rebuilt: &rebuilt})
		}
	}
	for _, snap := range r.Projects(ProjectFilter{}) {
		if !seen[snap.ID] {
			snap := snap
			out = append(out, Mismatch{ProjectID: snap.ID, Rebuilt: &snap})
		}
	}
	return out, nil
}

// sameSnapshot compares encoded forms so time zones and pointers don't matter.
func sameSnapshot(a, b domain.Snapshot) (bool, error) {
	ja, err := json.Marshal(a)
	if err != nil {
		return false, err
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false, err
	}
	return string(ja) == string(jb), nil
}
