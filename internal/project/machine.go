// Package project implements the per-project escrow state machine.
//
// Operations validate against the current state, call the external
// capabilities, and return the events describing the change. They never
// mutate the machine: state only moves through Apply, which is also the
// replay path.
package project

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"bountyline/internal/domain"
	"bountyline/internal/escrow"
)

// Ledger moves tokens between identities. A transfer fully succeeds or fully fails.
type Ledger interface {
	Transfer(ctx context.Context, from, to string, amount int64) error
}

type ReputationOracle interface {
	Reputation(ctx context.Context, identity string) (int64, error)
	Award(ctx context.Context, identity string, delta int64) error
}

// Authorizer approves or denies an outgoing or incoming payment.
type Authorizer interface {
	Authorize(ctx context.Context, a domain.Authorization) error
}

// Deps are the collaborators shared by every machine of a registry.
type Deps struct {
	Ledger     Ledger
	Reputation ReputationOracle
	// Authorizer may be nil, in which case every payment is allowed.
	Authorizer   Authorizer
	EscrowHolder string
	Owner        string
	Now          func() time.Time
}

func (d *Deps) now() time.Time {
	if d != nil && d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Award is a reputation grant to perform once the events are durable.
type Award struct {
	Worker string
	Points int64
}

// Outcome is the result of a successful operation.
type Outcome struct {
	Events []domain.Event
	Award  *Award
	// Transferred is the amount moved by the ledger, zero if none.
	Transferred int64
}

type Machine struct {
	deps      *Deps
	params    domain.ProjectParams
	policy    PayoutPolicy
	state     domain.ProjectState
	completed int64
	escrow    escrow.Account
	work      *escrow.WorkLedger
	pending   map[string]domain.Submission
	lastSeq   int64
}

// New returns an empty machine. The first event applied must be ProjectCreated.
func New(deps *Deps) *Machine {
	return &Machine{
		deps:    deps,
		work:    escrow.NewWorkLedger(),
		pending: make(map[string]domain.Submission),
	}
}

// Validate checks creation parameters against the clock.
func Validate(p domain.ProjectParams, now time.Time) error {
	if p.Client == "" {
		return fmt.Errorf("%w: client identity required", domain.ErrNotAuthorized)
	}
	if p.TotalTasks <= 0 {
		return domain.ErrInvalidTaskCount
	}
	if p.RewardPerTask <= 0 {
		return domain.ErrInvalidReward
	}
	if p.RewardPerTask > math.MaxInt64/p.TotalTasks {
		return fmt.Errorf("%w: total budget overflows", domain.ErrInvalidReward)
	}
	if p.Deadline != nil && !p.Deadline.After(now) {
		return domain.ErrDeadlineInPast
	}
	if p.MinReputation < 0 {
		return fmt.Errorf("%w: min reputation %d", domain.ErrInvalidAmount, p.MinReputation)
	}
	if p.ReputationBonus < 0 {
		return fmt.Errorf("%w: reputation bonus %d", domain.ErrInvalidAmount, p.ReputationBonus)
	}
	if _, err := PolicyFor(p.PayoutMode); err != nil {
		return err
	}
	return nil
}

// Create validates params and returns the ProjectCreated event.
func Create(deps *Deps, params domain.ProjectParams) (Outcome, error) {
	now := deps.now()
	if err := Validate(params, now); err != nil {
		return Outcome{}, err
	}
	params.CreatedAt = now.UTC()
	if params.Deadline != nil {
		d := params.Deadline.UTC()
		params.Deadline = &d
	}
	evt := newEvent(deps, params.ID, domain.EventProjectCreated, params.Client, domain.ProjectCreated{Params: params})
	return Outcome{Events: []domain.Event{evt}}, nil
}

func (m *Machine) ID() int64 { return m.params.ID }

// LastSeq is the sequence number of the last event applied.
func (m *Machine) LastSeq() int64 { return m.lastSeq }
func (m *Machine) Params() domain.ProjectParams { return m.params }
func (m *Machine) State() domain.ProjectState { return m.state }
func (m *Machine) Escrow() escrow.Account { return m.escrow }
func (m *Machine) CompletedTasks() int64 { return m.completed }
func (m *Machine) Work() []domain.WorkRecord { return m.work.Records() }
func (m *Machine) WorkFor(w string) domain.WorkRecord { return m.work.Get(w) }

// Pending returns outstanding submissions ordered by worker.
func (m *Machine) Pending() []domain.Submission {
	out := make([]domain.Submission, 0, len(m.pending))
	for _, s := range m.pending {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Worker < out[j].Worker })
	return out
}

func (m *Machine) Snapshot() domain.Snapshot {
	return domain.Snapshot{
		ProjectParams:      m.params,
		State:              m.state,
		CompletedTasks:     m.completed,
		PendingSubmissions: int64(len(m.pending)),
		TotalDeposited:     m.escrow.Deposited,
		EscrowBalance:      m.escrow.Balance,
		PaidOut:            m.escrow.PaidOut,
		Refunded:           m.escrow.Refunded,
		Locked:             m.escrow.Locked,
		LastSeq:            m.lastSeq,
	}
}

// Clone returns an independent copy sharing only the collaborators.
func (m *Machine) Clone() *Machine {
	cp := *m
	cp.work = m.work.Clone()
	cp.pending = make(map[string]domain.Submission, len(m.pending))
	for k, v := range m.pending {
		cp.pending[k] = v
	}
	return &cp
}

// WithDeps returns a clone that calls deps instead of the shared collaborators.
func (m *Machine) WithDeps(deps *Deps) *Machine {
	cp := m.Clone()
	cp.deps = deps
	return cp
}

// DepositFunds pulls amount from the client into escrow.
func (m *Machine) DepositFunds(ctx context.Context, caller string, amount int64) (Outcome, error) {
	if caller == "" || caller != m.params.Client {
		return Outcome{}, domain.ErrOnlyClientCanCall
	}
	if m.state.Terminal() {
		return Outcome{}, domain.ErrProjectAlreadyCompleted
	}
	if amount <= 0 {
		return Outcome{}, domain.ErrInvalidAmount
	}
	if err := m.authorize(ctx, amount, domain.PurposeDeposit); err != nil {
		return Outcome{}, err
	}
	if err := m.transfer(ctx, m.params.Client, m.deps.EscrowHolder, amount); err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Events:      []domain.Event{m.event(domain.EventProjectFunded, caller, domain.ProjectFunded{Amount: amount})},
		Transferred: amount,
	}, nil
}

// SubmitAndClaim submits taskCount completed tasks and pays them at once.
func (m *Machine) SubmitAndClaim(ctx context.Context, worker string, taskCount int64) (Outcome, error) {
	if worker == "" {
		return Outcome{}, fmt.Errorf("%w: worker identity required", domain.ErrNotAuthorized)
	}
	return m.policy.Claim(ctx, m, worker, taskCount)
}

// SubmitAnnotation records a submission awaiting approval.
func (m *Machine) SubmitAnnotation(ctx context.Context, worker, uri string) (Outcome, error) {
	if worker == "" {
		return Outcome{}, fmt.Errorf("%w: worker identity required", domain.ErrNotAuthorized)
	}
	return m.policy.Submit(ctx, m, worker, uri)
}

// ApproveAnnotation pays a pending submission and awards reputation.
func (m *Machine) ApproveAnnotation(ctx context.Context, caller, worker string) (Outcome, error) {
	if err := m.requireClientOrOwner(caller); err != nil {
		return Outcome{}, err
	}
	return m.policy.Settle(ctx, m, caller, worker, true)
}

// RejectAnnotation drops a pending submission and releases its hold.
func (m *Machine) RejectAnnotation(ctx context.Context, caller, worker string) (Outcome, error) {
	if err := m.requireClientOrOwner(caller); err != nil {
		return Outcome{}, err
	}
	return m.policy.Settle(ctx, m, caller, worker, false)
}

// ApprovePayout pays worker from free escrow without touching task counts.
func (m *Machine) ApprovePayout(ctx context.Context, caller, worker string, amount int64) (Outcome, error) {
	if err := m.requireClientOrOwner(caller); err != nil {
		return Outcome{}, err
	}
	if m.state.Terminal() {
		return Outcome{}, domain.ErrProjectAlreadyCompleted
	}
	if amount <= 0 {
		return Outcome{}, domain.ErrInvalidAmount
	}
	if worker == "" {
		return Outcome{}, fmt.Errorf("%w: worker identity required", domain.ErrNotAuthorized)
	}
	r, err := m.escrow.Reserve(amount)
	if err != nil {
		return Outcome{}, err
	}
	if err := m.authorize(ctx, amount, domain.PurposeManualPayout); err != nil {
		return Outcome{}, err
	}
	if err := m.transfer(ctx, m.deps.EscrowHolder, worker, amount); err != nil {
		return Outcome{}, err
	}
	evt := m.event(domain.EventFundsReleased, caller, domain.FundsReleased{
		Worker: worker,
		Amount: r.Amount,
		Source: domain.SourceManual,
	})
	return Outcome{Events: []domain.Event{evt}, Transferred: amount}, nil
}

// RefundProject returns the remaining escrow to the client after the deadline.
func (m *Machine) RefundProject(ctx context.Context, caller string) (Outcome, error) {
	if caller == "" || caller != m.params.Client {
		return Outcome{}, domain.ErrOnlyClientCanCall
	}
	if m.params.Deadline == nil {
		return Outcome{}, fmt.Errorf("%w: project has no deadline", domain.ErrDeadlineNotReached)
	}
	if m.deps.now().Before(*m.params.Deadline) {
		return Outcome{}, domain.ErrDeadlineNotReached
	}
	if m.state.Terminal() {
		return Outcome{}, domain.ErrProjectAlreadyCompleted
	}
	amount := m.escrow.AvailableForRefund()
	if amount > 0 {
		if err := m.authorize(ctx, amount, domain.PurposeRefund); err != nil {
			return Outcome{}, err
		}
		if err := m.transfer(ctx, m.deps.EscrowHolder, m.params.Client, amount); err != nil {
			return Outcome{}, err
		}
	}
	evt := m.event(domain.EventEmergencyRefund, caller, domain.EmergencyRefund{Client: m.params.Client, Amount: amount})
	return Outcome{Events: []domain.Event{evt}, Transferred: amount}, nil
}

// Apply folds one event into the machine.
func (m *Machine) Apply(evt domain.Event) error {
	if created, ok := evt.Payload.(domain.ProjectCreated); ok {
		if m.state != "" {
			return fmt.Errorf("project %d already created", m.params.ID)
		}
		policy, err := PolicyFor(created.Params.PayoutMode)
		if err != nil {
			return err
		}
		m.params = created.Params
		m.params.ID = evt.ProjectID
		m.policy = policy
		m.state = domain.StateCreated
		m.bump(evt)
		return nil
	}
	if m.state == "" {
		return fmt.Errorf("event %s before project.created", evt.Type)
	}
	if evt.ProjectID != m.params.ID {
		return fmt.Errorf("event for project %d applied to project %d", evt.ProjectID, m.params.ID)
	}
	switch p := evt.Payload.(type) {
	case domain.ProjectFunded:
		if err := m.escrow.Deposit(p.Amount); err != nil {
			return err
		}
		if m.state == domain.StateCreated {
			m.state = domain.StateFunded
		}
	case domain.TaskSubmitted:
		m.activate()
	case domain.AnnotationSubmitted:
		if _, err := m.escrow.Hold(p.Amount); err != nil {
			return err
		}
		m.pending[p.Worker] = domain.Submission{Worker: p.Worker, URI: p.URI, Amount: p.Amount, SubmittedAt: evt.TS}
		m.activate()
	case domain.AnnotationRejected:
		m.escrow.Release(escrow.Held(p.Amount))
		delete(m.pending, p.Worker)
	case domain.FundsReleased:
		if err := m.escrow.Commit(escrow.Reservation{Amount: p.Amount, Held: p.Held}); err != nil {
			return err
		}
		if p.TaskCount < 0 || p.TaskCount > m.params.TotalTasks-m.completed {
			return fmt.Errorf("%w: %d more after %d completed of %d", domain.ErrExceedsTaskLimit, p.TaskCount, m.completed, m.params.TotalTasks)
		}
		m.completed += p.TaskCount
		m.work.RecordPayout(p.Worker, p.TaskCount, p.Amount)
		if p.Held {
			delete(m.pending, p.Worker)
		}
	case domain.ProjectStateChanged:
		m.state = p.To
	case domain.EmergencyRefund:
		if got := m.escrow.RefundAll(); got != p.Amount {
			return fmt.Errorf("refund of %d recorded, escrow held %d", p.Amount, got)
		}
		m.pending = make(map[string]domain.Submission)
		m.state = domain.StateRefunded
	default:
		return fmt.Errorf("unsupported event payload %T", evt.Payload)
	}
	m.bump(evt)
	return nil
}

func (m *Machine) bump(evt domain.Event) {
	if evt.Seq > m.lastSeq {
		m.lastSeq = evt.Seq
	}
}

func (m *Machine) activate() {
	if m.state == domain.StateFunded {
		m.state = domain.StateActive
	}
}

// requireOpen gates worker submissions on a funded, non-terminal project.
func (m *Machine) requireOpen() error {
	switch m.state {
	case domain.StateFunded, domain.StateActive:
		return nil
	case domain.StateCreated:
		return domain.ErrProjectNotFunded
	default:
		return domain.ErrProjectAlreadyCompleted
	}
}

func (m *Machine) requireClientOrOwner(caller string) error {
	if caller == "" {
		return domain.ErrNotAuthorized
	}
	if caller == m.params.Client || (m.deps.Owner != "" && caller == m.deps.Owner) {
		return nil
	}
	return fmt.Errorf("%w: %s is neither client nor owner", domain.ErrNotAuthorized, caller)
}

func (m *Machine) checkReputation(ctx context.Context, worker string) error {
	min := m.params.MinReputation
	if min == 0 {
		return nil
	}
	if m.deps.Reputation == nil {
		return domain.ErrReputationUnavailable
	}
	rep, err := m.deps.Reputation.Reputation(ctx, worker)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrReputationUnavailable, err)
	}
	if rep < min {
		return fmt.Errorf("%w: have %d, need %d", domain.ErrInsufficientReputation, rep, min)
	}
	return nil
}

func (m *Machine) authorize(ctx context.Context, amount int64, purpose string) error {
	if m.deps.Authorizer == nil {
		return nil
	}
	err := m.deps.Authorizer.Authorize(ctx, domain.Authorization{
		ProjectID: m.params.ID,
		Amount:    amount,
		Purpose:   purpose,
		Spent:     m.escrow.PaidOut,
	})
	if err == nil || errors.Is(err, domain.ErrPaymentNotAuthorized) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrPaymentNotAuthorized, err)
}

func (m *Machine) transfer(ctx context.Context, from, to string, amount int64) error {
	if m.deps.Ledger == nil {
		return fmt.Errorf("%w: no ledger configured", domain.ErrTransferFailed)
	}
	if err := m.deps.Ledger.Transfer(ctx, from, to, amount); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransferFailed, err)
	}
	return nil
}

func (m *Machine) event(typ domain.EventType, actor string, payload any) domain.Event {
	return newEvent(m.deps, m.params.ID, typ, actor, payload)
}

func newEvent(deps *Deps, projectID int64, typ domain.EventType, actor string, payload any) domain.Event {
	return domain.Event{
		ID:        uuid.NewString(),
		Type:      typ,
		ProjectID: projectID,
		ActorID:   actor,
		TS:        deps.now().UTC(),
		Payload:   payload,
	}
}
