package server

import (
	"time"

	"bountyline/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	PayoutMode      string     `json:"payout_mode,omitempty" enum:"immediate,approval" doc:"Defaults to immediate"`
	TotalTasks      int64      `json:"total_tasks"`
	RewardPerTask   int64      `json:"reward_per_task"`
	Deadline        *time.Time `json:"deadline,omitempty"`
	MinReputation   int64      `json:"min_reputation,omitempty"`
	ReputationBonus *int64     `json:"reputation_bonus,omitempty"`
	DatasetURI      string     `json:"dataset_uri,omitempty"`
}

type DepositRequest struct {
	Amount int64 `json:"amount"`
}

type ClaimRequest struct {
	TaskCount int64 `json:"task_count" doc:"Tasks to claim, at most the project's remaining tasks"`
}

type SubmitRequest struct {
	URI string `json:"uri"`
}

type PayoutRequest struct {
	Worker string `json:"worker"`
	Amount int64  `json:"amount"`
}

type MintRequest struct {
	Account string `json:"account"`
	Amount  int64  `json:"amount"`
}

type SetReputationRequest struct {
	Score int64 `json:"score"`
}

type CreateAPIKeyRequest struct {
	Name    string `json:"name,omitempty"`
	ActorID string `json:"actor_id,omitempty" doc:"Defaults to the caller; only the owner may issue keys for others"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Response payloads

type ProjectResponse struct {
	ID                 int64      `json:"id"`
	Client             string     `json:"client"`
	PayoutMode         string     `json:"payout_mode"`
	State              string     `json:"state"`
	TotalTasks         int64      `json:"total_tasks"`
	CompletedTasks     int64      `json:"completed_tasks"`
	PendingSubmissions int64      `json:"pending_submissions"`
	RewardPerTask      int64      `json:"reward_per_task"`
	Deadline           *time.Time `json:"deadline,omitempty"`
	MinReputation      int64      `json:"min_reputation"`
	ReputationBonus    int64      `json:"reputation_bonus"`
	DatasetURI         string     `json:"dataset_uri,omitempty"`
	TotalDeposited     int64      `json:"total_deposited"`
	EscrowBalance      int64      `json:"escrow_balance"`
	Locked             int64      `json:"locked"`
	AvailableFunds     int64      `json:"available_funds"`
	PaidOut            int64      `json:"paid_out"`
	Refunded           int64      `json:"refunded"`
	CreatedAt          time.Time  `json:"created_at"`
	LastSeq            int64      `json:"last_seq"`
}

type EventResponse struct {
	Seq       int64     `json:"seq"`
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	ProjectID int64     `json:"project_id"`
	ActorID   string    `json:"actor_id"`
	TS        time.Time `json:"ts"`
	Payload   any       `json:"payload"`
}

type OperationResponse struct {
	Project     ProjectResponse `json:"project"`
	Events      []EventResponse `json:"events"`
	Transferred int64           `json:"transferred"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type ProjectListResponse struct {
	Items []ProjectResponse `json:"items"`
}

type WorkListResponse struct {
	Items []domain.WorkRecord `json:"items"`
}

type SubmissionListResponse struct {
	Items []domain.Submission `json:"items"`
}

type FundsResponse struct {
	ProjectID      int64 `json:"project_id"`
	AvailableFunds int64 `json:"available_funds"`
}

type AccountResponse struct {
	Account string               `json:"account"`
	Balance int64                `json:"balance"`
	Entries []domain.LedgerEntry `json:"entries"`
}

type ReputationResponse struct {
	Identity string `json:"identity"`
	Score    int64  `json:"score"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
	Key       string `json:"key,omitempty" doc:"Plaintext key, shown only once"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source"`
	Owner   bool   `json:"owner"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func projectResponse(s domain.Snapshot) ProjectResponse {
	return ProjectResponse{
		ID:                 s.ID,
		Client:             s.Client,
		PayoutMode:         string(s.PayoutMode),
		State:              string(s.State),
		TotalTasks:         s.TotalTasks,
		CompletedTasks:     s.CompletedTasks,
		PendingSubmissions: s.PendingSubmissions,
		RewardPerTask:      s.RewardPerTask,
		Deadline:           s.Deadline,
		MinReputation:      s.MinReputation,
		ReputationBonus:    s.ReputationBonus,
		DatasetURI:         s.DatasetURI,
		TotalDeposited:     s.TotalDeposited,
		EscrowBalance:      s.EscrowBalance,
		Locked:             s.Locked,
		AvailableFunds:     s.AvailableFunds(),
		PaidOut:            s.PaidOut,
		Refunded:           s.Refunded,
		CreatedAt:          s.CreatedAt,
		LastSeq:            s.LastSeq,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		Seq:       e.Seq,
		ID:        e.ID,
		Type:      string(e.Type),
		ProjectID: e.ProjectID,
		ActorID:   e.ActorID,
		TS:        e.TS,
		Payload:   e.Payload,
	}
}

func mapProjects(items []domain.Snapshot) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(items))
	for _, s := range items {
		out = append(out, projectResponse(s))
	}
	return out
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, eventResponse(e))
	}
	return out
}

func apiKeyResponse(k domain.APIKey, plain string) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		ActorID:   k.ActorID,
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
		Key:       plain,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
