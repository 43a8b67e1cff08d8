package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	EventProjectCreated      EventType = "project.created"
	EventProjectFunded       EventType = "project.funded"
	EventTaskSubmitted       EventType = "task.submitted"
	EventAnnotationSubmitted EventType = "annotation.submitted"
	EventAnnotationRejected  EventType = "annotation.rejected"
	EventFundsReleased       EventType = "funds.released"
	EventProjectStateChanged EventType = "project.state_changed"
	EventEmergencyRefund     EventType = "project.emergency_refund"
)

// Payout sources carried by FundsReleased.
const (
	SourceClaim    = "claim"
	SourceApproval = "approval"
	SourceManual   = "manual"
)

// Event is one entry of the project event log. Seq is assigned by the sink.
type Event struct {
	Seq       int64     `json:"seq"`
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	ProjectID int64     `json:"project_id"`
	ActorID   string    `json:"actor_id"`
	TS        time.Time `json:"ts"`
	Payload   any       `json:"payload"`
}

type ProjectCreated struct {
	Params ProjectParams `json:"params"`
}

type ProjectFunded struct {
	Amount int64 `json:"amount"`
}

type TaskSubmitted struct {
	Worker    string `json:"worker"`
	TaskCount int64  `json:"task_count"`
}

type AnnotationSubmitted struct {
	Worker string `json:"worker"`
	URI    string `json:"uri,omitempty"`
	Amount int64  `json:"amount"`
}

type AnnotationRejected struct {
	Worker string `json:"worker"`
	Amount int64  `json:"amount"`
}

type FundsReleased struct {
	Worker          string `json:"worker"`
	Amount          int64  `json:"amount"`
	TaskCount       int64  `json:"task_count"`
	Source          string `json:"source"`
	Held            bool   `json:"held"`
	ReputationBonus int64  `json:"reputation_bonus,omitempty"`
}

type ProjectStateChanged struct {
	From ProjectState `json:"from"`
	To   ProjectState `json:"to"`
}

type EmergencyRefund struct {
	Client string `json:"client"`
	Amount int64  `json:"amount"`
}

// DecodePayload decodes a stored payload into the typed struct for evtType.
func DecodePayload(evtType EventType, data []byte) (any, error) {
	var target any
	switch evtType {
	case EventProjectCreated:
		target = &ProjectCreated{}
	case EventProjectFunded:
		target = &ProjectFunded{}
	case EventTaskSubmitted:
		target = &TaskSubmitted{}
	case EventAnnotationSubmitted:
		target = &AnnotationSubmitted{}
	case EventAnnotationRejected:
		target = &AnnotationRejected{}
	case EventFundsReleased:
		target = &FundsReleased{}
	case EventProjectStateChanged:
		target = &ProjectStateChanged{}
	case EventEmergencyRefund:
		target = &EmergencyRefund{}
	default:
		return nil, fmt.Errorf("unknown event type %s", evtType)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, target); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", evtType, err)
		}
	}
	return deref(target), nil
}

func deref(v any) any {
	switch p := v.(type) {
	case *ProjectCreated:
		return *p
	case *ProjectFunded:
		return *p
	case *TaskSubmitted:
		return *p
	case *AnnotationSubmitted:
		return *p
	case *AnnotationRejected:
		return *p
	case *FundsReleased:
		return *p
	case *ProjectStateChanged:
		return *p
	case *EmergencyRefund:
		return *p
	}
	return v
}

func (e *Event) UnmarshalJSON(data []byte) error {
	type alias Event
	var raw struct {
		alias
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	payload, err := DecodePayload(raw.Type, raw.Payload)
	if err != nil {
		return err
	}
	*e = Event(raw.alias)
	e.Payload = payload
	return nil
}
