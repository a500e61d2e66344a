// Package controlapi holds the wire types of the agentrelay session API,
// shared by the connect service, the REST routes and the client.
package controlapi

import (
	"time"

	"github.com/buildkite/agentrelay/internal/bus"
	"github.com/buildkite/agentrelay/internal/session"
)

type InvokeRequest struct {
	Profile           string `json:"profile"`
	Overlay           string `json:"overlay,omitempty"`
	Target            string `json:"target"`
	Input             string `json:"input"`
	Scope             string `json:"scope,omitempty"`
	TimeBudgetSeconds int64  `json:"time_budget_seconds,omitempty"`
}

type InvokeResponse struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
}

type GetSessionRequest struct {
	SessionID string `json:"session_id"`
}

type GetSessionResponse struct {
	Session *Session `json:"session"`
}

type CancelSessionRequest struct {
	SessionID string `json:"session_id"`
}

type CancelSessionResponse struct {
	SessionID string `json:"session_id"`
	Accepted  bool   `json:"accepted"`
	State     string `json:"state"`
}

type StreamSessionRequest struct {
	SessionID string `json:"session_id"`
}

type Session struct {
	ID                string     `json:"id"`
	State             string     `json:"state"`
	Scope             string     `json:"scope"`
	Principal         string     `json:"principal"`
	Profile           string     `json:"profile"`
	ProfileVersion    string     `json:"profile_version,omitempty"`
	Image             string     `json:"image,omitempty"`
	Overlay           string     `json:"overlay,omitempty"`
	Target            string     `json:"target"`
	Input             string     `json:"input"`
	TimeBudgetSeconds int64      `json:"time_budget_seconds"`
	SandboxHandle     string     `json:"sandbox_handle,omitempty"`
	Output            string     `json:"output,omitempty"`
	Result            *Result    `json:"result,omitempty"`
	FailureReason     string     `json:"failure_reason,omitempty"`
	Metrics           Metrics    `json:"metrics"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

type Result struct {
	ArtifactRef string `json:"artifact_ref,omitempty"`
	Branch      string `json:"branch,omitempty"`
	ExitCode    int    `json:"exit_code"`
	Truncated   bool   `json:"truncated,omitempty"`
}

type Metrics struct {
	DurationMS    int64 `json:"duration_ms"`
	OutputBytes   int64 `json:"output_bytes"`
	StoredBytes   int64 `json:"stored_bytes"`
	DroppedChunks int64 `json:"dropped_chunks,omitempty"`
}

// Event is one message of a session stream. Type is status, text, done or
// error.
type Event struct {
	Type          string    `json:"type"`
	SessionID     string    `json:"session_id"`
	State         string    `json:"state,omitempty"`
	Content       string    `json:"content,omitempty"`
	Result        *Result   `json:"result,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Terminal reports whether the event ends the stream.
func (e *Event) Terminal() bool {
	return e.Type == string(bus.EventDone) || e.Type == string(bus.EventError)
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func FromSession(s session.Session) *Session {
	out := &Session{
		ID:                s.ID,
		State:             string(s.State),
		Scope:             s.Config.Scope,
		Principal:         s.Config.Principal,
		Profile:           s.Config.Profile.Name,
		ProfileVersion:    s.Config.Profile.Version,
		Image:             s.Config.Profile.Image,
		Overlay:           s.Config.Overlay,
		Target:            s.Config.Target.Ref,
		Input:             s.Config.Input,
		TimeBudgetSeconds: int64(s.Config.TimeBudget / time.Second),
		SandboxHandle:     s.SandboxHandle,
		Output:            s.Output,
		Result:            fromResult(s.Result),
		FailureReason:     s.FailureReason,
		Metrics: Metrics{
			DurationMS:    s.Metrics.Duration.Milliseconds(),
			OutputBytes:   s.Metrics.OutputBytes,
			StoredBytes:   s.Metrics.StoredBytes,
			DroppedChunks: s.Metrics.DroppedChunks,
		},
		CreatedAt:   s.CreatedAt,
		StartedAt:   s.StartedAt,
		CompletedAt: s.CompletedAt,
	}
	return out
}

func FromEvent(ev bus.Event) *Event {
	return &Event{
		Type:          string(ev.Type),
		SessionID:     ev.SessionID,
		State:         string(ev.State),
		Content:       ev.Content,
		Result:        fromResult(ev.Result),
		FailureReason: ev.FailureReason,
		OccurredAt:    ev.OccurredAt,
	}
}

func fromResult(r *session.Result) *Result {
	if r == nil {
		return nil
	}
	return &Result{
		ArtifactRef: r.ArtifactRef,
		Branch:      r.Branch,
		ExitCode:    r.ExitCode,
		Truncated:   r.Truncated,
	}
}
