package bus

import (
	"time"

	"github.com/buildkite/agentrelay/internal/session"
)

type EventType string

const (
	EventStatus EventType = "status"
	EventText   EventType = "text"
	EventDone   EventType = "done"
	EventError  EventType = "error"
)

// Event is one message on a session's stream.
type Event struct {
	Type          EventType       `json:"type"`
	SessionID     string          `json:"session_id"`
	State         session.State   `json:"state,omitempty"`
	Content       string          `json:"content,omitempty"`
	Result        *session.Result `json:"result,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

func StatusEvent(id string, state session.State) Event {
	return Event{Type: EventStatus, SessionID: id, State: state, OccurredAt: time.Now().UTC()}
}

func TextEvent(id string, chunk string) Event {
	return Event{Type: EventText, SessionID: id, Content: chunk, OccurredAt: time.Now().UTC()}
}

func ErrorEvent(id string, message string) Event {
	return Event{Type: EventError, SessionID: id, Content: message, OccurredAt: time.Now().UTC()}
}

// DoneEvent carries the terminal snapshot of s.
func DoneEvent(s session.Session) Event {
	occurred := time.Now().UTC()
	if s.CompletedAt != nil {
		occurred = *s.CompletedAt
	}
	return Event{
		Type:          EventDone,
		SessionID:     s.ID,
		State:         s.State,
		Result:        s.Result,
		FailureReason: s.FailureReason,
		OccurredAt:    occurred,
	}
}
