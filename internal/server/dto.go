package server

import (
	"encoding/json"

	"delaycatcher/internal/domain"
)

type SnapshotResponse struct {
	TaskID      string  `json:"task_id"`
	Name        string  `json:"name"`
	DueOn       *string `json:"due_on,omitempty"`
	FirstDueOn  *string `json:"first_due_on,omitempty"`
	DelayReason *string `json:"delay_reason,omitempty"`
	DelayCount  int     `json:"delay_count"`
	UpdatedAt   string  `json:"updated_at"`
}

func snapshotResponse(s domain.TaskSnapshot) SnapshotResponse {
	return SnapshotResponse{
		TaskID:      s.TaskID,
		Name:        s.Name,
		DueOn:       s.DueOn,
		FirstDueOn:  s.FirstDueOn,
		DelayReason: s.DelayReason,
		DelayCount:  s.DelayCount,
		UpdatedAt:   s.UpdatedAt,
	}
}

func mapSnapshots(items []domain.TaskSnapshot) []SnapshotResponse {
	out := make([]SnapshotResponse, 0, len(items))
	for _, s := range items {
		out = append(out, snapshotResponse(s))
	}
	return out
}

type EventResponse struct {
	ID      int64           `json:"id"`
	TS      string          `json:"ts"`
	Type    string          `json:"type"`
	TaskID  string          `json:"task_id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

func eventResponse(e domain.Event) EventResponse {
	payload := json.RawMessage([]byte("{}"))
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage([]byte(e.Payload))
	}
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    e.Type,
		TaskID:  e.TaskID,
		Payload: payload,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, eventResponse(e))
	}
	return out
}
