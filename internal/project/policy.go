package project

import (
	"context"
	"fmt"

	"bountyline/internal/domain"
)

// PayoutPolicy is the payout flow chosen when a project is created.
type PayoutPolicy interface {
	Mode() domain.PayoutMode
	Claim(ctx context.Context, m *Machine, worker string, taskCount int64) (Outcome, error)
	Submit(ctx context.Context, m *Machine, worker, uri string) (Outcome, error)
	// Settle approves or rejects a pending submission. Callers have already
	// been checked against the client and owner.
	Settle(ctx context.Context, m *Machine, caller, worker string, approve bool) (Outcome, error)
}

func PolicyFor(mode domain.PayoutMode) (PayoutPolicy, error) {
	switch mode {
	case domain.PayoutImmediate:
		return Immediate{}, nil
	case domain.PayoutApproval:
		return ApprovalGated{}, nil
	default:
		return nil, fmt.Errorf("invalid payout mode %q", mode)
	}
}

// Immediate pays every accepted submission at once.
type Immediate struct{}

func (Immediate) Mode() domain.PayoutMode { return domain.PayoutImmediate }

func (Immediate) Claim(ctx context.Context, m *Machine, worker string, taskCount int64) (Outcome, error) {
	if taskCount <= 0 {
		return Outcome{}, domain.ErrInvalidTaskCount
	}
	if err := m.requireOpen(); err != nil {
		return Outcome{}, err
	}
	total := m.params.TotalTasks
	if taskCount > total-m.completed {
		return Outcome{}, fmt.Errorf("%w: %d completed + %d submitted > %d", domain.ErrExceedsTaskLimit, m.completed, taskCount, total)
	}
	if err := m.checkReputation(ctx, worker); err != nil {
		return Outcome{}, err
	}
	amount := taskCount * m.params.RewardPerTask
	r, err := m.escrow.Reserve(amount)
	if err != nil {
		return Outcome{}, err
	}
	if err := m.authorize(ctx, amount, domain.PurposeTaskCompletion); err != nil {
		m.escrow.Release(r)
		return Outcome{}, err
	}
	if err := m.transfer(ctx, m.deps.EscrowHolder, worker, amount); err != nil {
		m.escrow.Release(r)
		return Outcome{}, err
	}
	out := Outcome{Transferred: amount}
	out.Events = append(out.Events,
		m.event(domain.EventTaskSubmitted, worker, domain.TaskSubmitted{Worker: worker, TaskCount: taskCount}),
		m.event(domain.EventFundsReleased, worker, domain.FundsReleased{
			Worker:    worker,
			Amount:    amount,
			TaskCount: taskCount,
			Source:    domain.SourceClaim,
		}),
	)
	if m.completed+taskCount == total {
		out.Events = append(out.Events, m.event(domain.EventProjectStateChanged, worker, domain.ProjectStateChanged{
			From: domain.StateActive,
			To:   domain.StateCompleted,
		}))
	}
	return out, nil
}

func (Immediate) Submit(context.Context, *Machine, string, string) (Outcome, error) {
	return Outcome{}, fmt.Errorf("%w: use submit-and-claim", domain.ErrWrongPayoutMode)
}

func (Immediate) Settle(context.Context, *Machine, string, string, bool) (Outcome, error) {
	return Outcome{}, fmt.Errorf("%w: submissions are paid on claim", domain.ErrWrongPayoutMode)
}

// ApprovalGated holds one task reward per submission until the client decides.
type ApprovalGated struct{}

func (ApprovalGated) Mode() domain.PayoutMode { return domain.PayoutApproval }

func (ApprovalGated) Claim(context.Context, *Machine, string, int64) (Outcome, error) {
	return Outcome{}, fmt.Errorf("%w: submissions require approval", domain.ErrWrongPayoutMode)
}

func (ApprovalGated) Submit(ctx context.Context, m *Machine, worker, uri string) (Outcome, error) {
	if err := m.requireOpen(); err != nil {
		return Outcome{}, err
	}
	if err := m.checkReputation(ctx, worker); err != nil {
		return Outcome{}, err
	}
	if _, ok := m.pending[worker]; ok {
		return Outcome{}, domain.ErrAlreadySubmitted
	}
	slots := m.completed + int64(len(m.pending))
	if slots+1 > m.params.TotalTasks {
		return Outcome{}, fmt.Errorf("%w: %d tasks completed or pending of %d", domain.ErrExceedsTaskLimit, slots, m.params.TotalTasks)
	}
	reward := m.params.RewardPerTask
	probe := m.escrow
	if _, err := probe.Hold(reward); err != nil {
		return Outcome{}, err
	}
	evt := m.event(domain.EventAnnotationSubmitted, worker, domain.AnnotationSubmitted{Worker: worker, URI: uri, Amount: reward})
	return Outcome{Events: []domain.Event{evt}}, nil
}

func (ApprovalGated) Settle(ctx context.Context, m *Machine, caller, worker string, approve bool) (Outcome, error) {
	if m.state.Terminal() {
		return Outcome{}, domain.ErrProjectAlreadyCompleted
	}
	sub, ok := m.pending[worker]
	if !ok {
		return Outcome{}, domain.ErrNoSubmissionFound
	}
	if !approve {
		evt := m.event(domain.EventAnnotationRejected, caller, domain.AnnotationRejected{Worker: worker, Amount: sub.Amount})
		return Outcome{Events: []domain.Event{evt}}, nil
	}
	if err := m.authorize(ctx, sub.Amount, domain.PurposeTaskCompletion); err != nil {
		return Outcome{}, err
	}
	if err := m.transfer(ctx, m.deps.EscrowHolder, worker, sub.Amount); err != nil {
		return Outcome{}, err
	}
	bonus := m.params.ReputationBonus
	out := Outcome{Transferred: sub.Amount}
	out.Events = append(out.Events, m.event(domain.EventFundsReleased, caller, domain.FundsReleased{
		Worker:          worker,
		Amount:          sub.Amount,
		TaskCount:       1,
		Source:          domain.SourceApproval,
		Held:            true,
		ReputationBonus: bonus,
	}))
	if m.completed+1 == m.params.TotalTasks {
		out.Events = append(out.Events, m.event(domain.EventProjectStateChanged, caller, domain.ProjectStateChanged{
			From: m.state,
			To:   domain.StateCompleted,
		}))
	}
	if bonus > 0 {
		out.Award = &Award{Worker: worker, Points: bonus}
	}
	return out, nil
}
