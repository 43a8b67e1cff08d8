package events_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"bountyline/internal/db"
	"bountyline/internal/domain"
	"bountyline/internal/events"
	"bountyline/internal/migrate"
	"bountyline/internal/repo"
)

// appendTx runs one Append in its own transaction, committing on success.
func appendTx(ctx context.Context, conn *sql.DB, w events.Writer, batch domain.Batch) ([]domain.Event, error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	stored, err := w.Append(ctx, tx, batch)
	if err != nil {
		return nil, err
	}
	return stored, tx.Commit()
}

func newWriter(t *testing.T) (events.Writer, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return events.Writer{Now: func() time.Time { return now }}, repo.Repo{DB: conn}
}

func TestAppendAssignsSeqAndStoresSnapshot(t *testing.T) {
	ctx := context.Background()
	w, r := newWriter(t)
	snap := domain.Snapshot{
		ProjectParams:  domain.ProjectParams{ID: 1, Client: "acme", PayoutMode: domain.PayoutImmediate, TotalTasks: 2, RewardPerTask: 5},
		State:          domain.StateFunded,
		TotalDeposited: 10,
		EscrowBalance:  10,
	}
	batch := domain.Batch{
		Snapshot: snap,
		Events: []domain.Event{
			{ID: "e1", Type: domain.EventProjectCreated, ProjectID: 1, ActorID: "acme", Payload: domain.ProjectCreated{Params: snap.ProjectParams}},
			{ID: "e2", Type: domain.EventProjectFunded, ProjectID: 1, ActorID: "acme", Payload: domain.ProjectFunded{Amount: 10}},
		},
	}
	stored, err := appendTx(ctx, r.DB, w, batch)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(stored) != 2 || stored[0].Seq != 1 || stored[1].Seq != 2 {
		t.Fatalf("unexpected seqs %+v", stored)
	}

	got, err := r.GetSnapshot(ctx, 1)
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if got.LastSeq != 2 || got.EscrowBalance != 10 || got.State != domain.StateFunded {
		t.Fatalf("unexpected snapshot %+v", got)
	}

	evts, err := r.Events(ctx, 0, 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evts))
	}
	funded, ok := evts[1].Payload.(domain.ProjectFunded)
	if !ok || funded.Amount != 10 {
		t.Fatalf("payload not decoded: %#v", evts[1].Payload)
	}
	if !evts[1].TS.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("zero timestamp not filled from clock: %s", evts[1].TS)
	}
}

func TestAppendIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	w, r := newWriter(t)
	batch := domain.Batch{
		Snapshot: domain.Snapshot{ProjectParams: domain.ProjectParams{ID: 1, Client: "acme"}},
		Events: []domain.Event{
			{ID: "e1", Type: domain.EventProjectFunded, ProjectID: 1, Payload: domain.ProjectFunded{Amount: 1}},
			{ID: "e2", Type: domain.EventProjectFunded, ProjectID: 2, Payload: domain.ProjectFunded{Amount: 1}},
		},
	}
	if _, err := appendTx(ctx, r.DB, w, batch); err == nil {
		t.Fatalf("expected error for mixed projects")
	}
	n, err := r.CountEvents(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("partial batch written: %d events", n)
	}
	if _, err := r.GetSnapshot(ctx, 1); err != repo.ErrNotFound {
		t.Fatalf("expected no snapshot, got %v", err)
	}
	if _, err := appendTx(ctx, r.DB, w, domain.Batch{}); err == nil {
		t.Fatalf("expected error for empty batch")
	}
}

func TestAppendRejectsStaleBatches(t *testing.T) {
	ctx := context.Background()
	w, r := newWriter(t)
	params := domain.ProjectParams{ID: 1, Client: "acme", PayoutMode: domain.PayoutImmediate, TotalTasks: 2, RewardPerTask: 5}
	created := domain.Batch{
		Snapshot: domain.Snapshot{ProjectParams: params, State: domain.StateCreated},
		Events:   []domain.Event{{ID: "c1", Type: domain.EventProjectCreated, ProjectID: 1, Payload: domain.ProjectCreated{Params: params}}},
	}
	if _, err := appendTx(ctx, r.DB, w, created); err != nil {
		t.Fatalf("create: %v", err)
	}

	// A second writer that also thinks it is creating project 1.
	dup := created
	dup.Events = []domain.Event{{ID: "c2", Type: domain.EventProjectCreated, ProjectID: 1, Payload: domain.ProjectCreated{Params: params}}}
	if _, err := appendTx(ctx, r.DB, w, dup); !errors.Is(err, events.ErrConflict) {
		t.Fatalf("expected conflict for duplicate create, got %v", err)
	}

	fund := func(id string, prev int64) domain.Batch {
		return domain.Batch{
			PrevSeq:  prev,
			Snapshot: domain.Snapshot{ProjectParams: params, State: domain.StateFunded, TotalDeposited: 5, EscrowBalance: 5},
			Events:   []domain.Event{{ID: id, Type: domain.EventProjectFunded, ProjectID: 1, Payload: domain.ProjectFunded{Amount: 5}}},
		}
	}
	if _, err := appendTx(ctx, r.DB, w, fund("f1", 1)); err != nil {
		t.Fatalf("fund: %v", err)
	}
	// Built on seq 1 again, after the log has moved to seq 2.
	if _, err := appendTx(ctx, r.DB, w, fund("f2", 1)); !errors.Is(err, events.ErrConflict) {
		t.Fatalf("expected conflict for stale batch, got %v", err)
	}
	n, err := r.CountEvents(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("rejected batches left events behind: %d", n)
	}
	snap, err := r.GetSnapshot(ctx, 1)
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if snap.LastSeq != 2 {
		t.Fatalf("snapshot at seq %d, want 2", snap.LastSeq)
	}
}

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := events.NewBus()
	var got []domain.EventType
	fn := func(evt domain.Event) { got = append(got, evt.Type) }
	if err := bus.Subscribe(fn); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bus.Publish(domain.Event{Type: domain.EventProjectFunded})
	if err := bus.Unsubscribe(fn); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	bus.Publish(domain.Event{Type: domain.EventFundsReleased})
	if len(got) != 1 || got[0] != domain.EventProjectFunded {
		t.Fatalf("unexpected deliveries %v", got)
	}

	var nilBus *events.Bus
	nilBus.Publish(domain.Event{})
}

func TestBusAsyncSubscribers(t *testing.T) {
	bus := events.NewBus()
	var total int64
	if err := bus.SubscribeAsync(func(evt domain.Event) {
		if p, ok := evt.Payload.(domain.ProjectFunded); ok {
			total += p.Amount
		}
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := 0; i < 5; i++ {
		bus.Publish(domain.Event{Type: domain.EventProjectFunded, Payload: domain.ProjectFunded{Amount: 3}})
	}
	bus.WaitAsync()
	if total != 15 {
		t.Fatalf("async total %d, want 15", total)
	}
}
