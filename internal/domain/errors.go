package domain

import (
	"errors"
	"fmt"
)

// Validation.
var (
	ErrInvalidTaskCount = errors.New("task count must be positive")
	ErrInvalidReward    = errors.New("reward cannot be zero")
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrDeadlineInPast   = errors.New("deadline must be in future")
)

// Authorization.
var (
	ErrNotAuthorized        = errors.New("not authorized")
	ErrOnlyClientCanCall    = fmt.Errorf("%w: only client can call", ErrNotAuthorized)
	ErrPaymentNotAuthorized = errors.New("payment not authorized")
)

// State.
var (
	ErrProjectNotFound         = errors.New("project not found")
	ErrProjectAlreadyCompleted = errors.New("project already completed")
	ErrProjectNotFunded        = errors.New("project not funded")
	ErrDeadlineNotReached      = errors.New("deadline not reached")
	ErrAlreadySubmitted        = errors.New("already submitted")
	ErrNoSubmissionFound       = errors.New("no submission found")
	ErrWrongPayoutMode         = errors.New("operation not available in this payout mode")
)

// Capacity.
var (
	ErrExceedsTaskLimit        = errors.New("exceeds task limit")
	ErrInsufficientEscrow      = errors.New("insufficient escrow")
	ErrInsufficientEscrowFunds = errors.New("insufficient escrow funds")
)

// Gating.
var ErrInsufficientReputation = errors.New("insufficient reputation")

// Collaborator failures.
var (
	ErrTransferFailed        = errors.New("transfer failed")
	ErrReputationUnavailable = errors.New("reputation unavailable")
	ErrEventLogUnavailable   = errors.New("event log unavailable")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrInvalidTaskCount, "invalid_task_count"},
	{ErrInvalidReward, "invalid_reward"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrDeadlineInPast, "deadline_in_past"},
	{ErrOnlyClientCanCall, "only_client_can_call"},
	{ErrNotAuthorized, "not_authorized"},
	{ErrPaymentNotAuthorized, "payment_not_authorized"},
	{ErrProjectNotFound, "project_not_found"},
	{ErrProjectAlreadyCompleted, "project_already_completed"},
	{ErrProjectNotFunded, "project_not_funded"},
	{ErrDeadlineNotReached, "deadline_not_reached"},
	{ErrAlreadySubmitted, "already_submitted"},
	{ErrNoSubmissionFound, "no_submission_found"},
	{ErrWrongPayoutMode, "wrong_payout_mode"},
	{ErrExceedsTaskLimit, "exceeds_task_limit"},
	{ErrInsufficientEscrowFunds, "insufficient_escrow_funds"},
	{ErrInsufficientEscrow, "insufficient_escrow"},
	{ErrInsufficientReputation, "insufficient_reputation"},
	{ErrTransferFailed, "transfer_failed"},
	{ErrReputationUnavailable, "reputation_unavailable"},
	{ErrEventLogUnavailable, "event_log_unavailable"},
}

// ErrorCode maps err to a stable snake_case code. Nil maps to "ok" and
// unrecognised errors to "internal".
func ErrorCode(err error) string {
	if err == nil {
		return "ok"
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal"
}
