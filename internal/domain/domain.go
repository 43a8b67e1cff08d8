package domain

import (
	"fmt"
	"strings"
	"time"
)

type ProjectState string

const (
	StateCreated   ProjectState = "created"
	StateFunded    ProjectState = "funded"
	StateActive    ProjectState = "active"
	StateCompleted ProjectState = "completed"
	StateRefunded  ProjectState = "refunded"
)

// Terminal reports whether no further mutation is accepted.
func (s ProjectState) Terminal() bool {
	return s == StateCompleted || s == StateRefunded
}

type PayoutMode string

const (
	PayoutImmediate PayoutMode = "immediate"
	PayoutApproval  PayoutMode = "approval"
)

func ParsePayoutMode(v string) (PayoutMode, error) {
	switch PayoutMode(strings.ToLower(strings.TrimSpace(v))) {
	case PayoutImmediate, "":
		return PayoutImmediate, nil
	case PayoutApproval, "approval-gated":
		return PayoutApproval, nil
	default:
		return "", fmt.Errorf("invalid payout mode %q", v)
	}
}

// Authorization purposes passed to the delegated authorizer.
const (
	PurposeDeposit        = "deposit"
	PurposeTaskCompletion = "task-completion"
	PurposeManualPayout   = "manual-payout"
	PurposeRefund         = "refund"
)

// Authorization is one payment presented to the delegated authorizer.
type Authorization struct {
	ProjectID int64  `json:"project_id"`
	Amount    int64  `json:"amount"`
	Purpose   string `json:"purpose"`
	// Spent is the project's cumulative payout before this payment.
	Spent int64 `json:"spent"`
}

// ProjectParams are the immutable inputs of a project.
type ProjectParams struct {
	ID              int64      `json:"id"`
	Client          string     `json:"client"`
	PayoutMode      PayoutMode `json:"payout_mode"`
	TotalTasks      int64      `json:"total_tasks"`
	RewardPerTask   int64      `json:"reward_per_task"`
	Deadline        *time.Time `json:"deadline,omitempty"`
	MinReputation   int64      `json:"min_reputation"`
	ReputationBonus int64      `json:"reputation_bonus"`
	DatasetURI      string     `json:"dataset_uri,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Snapshot is the externally visible state of one project.
type Snapshot struct {
	ProjectParams
	State              ProjectState `json:"state"`
	CompletedTasks     int64        `json:"completed_tasks"`
	PendingSubmissions int64        `json:"pending_submissions"`
	TotalDeposited     int64        `json:"total_deposited"`
	EscrowBalance      int64        `json:"escrow_balance"`
	PaidOut            int64        `json:"paid_out"`
	Refunded           int64        `json:"refunded"`
	Locked             int64        `json:"locked"`
	// LastSeq is the sequence of the last event applied.
	LastSeq int64 `json:"last_seq"`
}

// AvailableFunds is the escrow not already held for pending submissions.
func (s Snapshot) AvailableFunds() int64 {
	return s.EscrowBalance - s.Locked
}

type Submission struct {
	Worker      string    `json:"worker"`
	URI         string    `json:"uri,omitempty"`
	Amount      int64     `json:"amount"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type WorkRecord struct {
	Worker         string `json:"worker"`
	TasksCompleted int64  `json:"tasks_completed"`
	TotalEarned    int64  `json:"total_earned"`
}

// Batch is the unit written to the event log by one operation.
type Batch struct {
	Events   []Event
	Snapshot Snapshot
	// PrevSeq is the project's last sequence number the batch was built on,
	// zero for a new project.
	PrevSeq int64
}

type LedgerEntry struct {
	ID           int64  `json:"id"`
	TxID         string `json:"tx_id"`
	Account      string `json:"account"`
	Direction    string `json:"direction"`
	Amount       int64  `json:"amount"`
	BalanceAfter int64  `json:"balance_after"`
	Memo         string `json:"memo,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
