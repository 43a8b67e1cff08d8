package escrow

import (
	"sort"

	"bountyline/internal/domain"
)

// WorkLedger accumulates per-worker payouts for one project. It is
// reporting only and never consulted for authorization or payout.
type WorkLedger struct {
	records map[string]domain.WorkRecord
}

func NewWorkLedger() *WorkLedger {
	return &WorkLedger{records: make(map[string]domain.WorkRecord)}
}

func (w *WorkLedger) RecordPayout(worker string, taskCount, amount int64) {
	if w.records == nil {
		w.records = make(map[string]domain.WorkRecord)
	}
	rec := w.records[worker]
	rec.Worker = worker
	rec.TasksCompleted += taskCount
	rec.TotalEarned += amount
	w.records[worker] = rec
}

func (w *WorkLedger) Get(worker string) domain.WorkRecord {
	if rec, ok := w.records[worker]; ok {
		return rec
	}
	return domain.WorkRecord{Worker: worker}
}

// Records returns all workers ordered by identity.
func (w *WorkLedger) Records() []domain.WorkRecord {
	out := make([]domain.WorkRecord, 0, len(w.records))
	for _, rec := range w.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Worker < out[j].Worker })
	return out
}

func (w *WorkLedger) Clone() *WorkLedger {
	cp := NewWorkLedger()
	for k, v := range w.records {
		cp.records[k] = v
	}
	return cp
}
