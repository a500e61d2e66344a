// Package collab holds the narrow contracts the orchestration core consumes
// from the rest of the product, with config-backed implementations.
package collab

import (
	"context"
	"time"

	"github.com/buildkite/agentrelay/internal/session"
)

// ProfileRegistry resolves execution profiles by name.
type ProfileRegistry interface {
	Profile(ctx context.Context, name string) (session.Profile, error)
}

// OverlayResolver returns the instruction text of a behavior overlay.
type OverlayResolver interface {
	Overlay(ctx context.Context, name string) (string, error)
}

// WorkItemResolver resolves a target reference.
type WorkItemResolver interface {
	WorkItem(ctx context.Context, ref string) (session.WorkItem, error)
}

// TokenSource returns a short-lived credential for a provider. Callers
// must not persist or log the value.
type TokenSource interface {
	Token(ctx context.Context, provider string) (string, error)
}

// ResultSink is notified when a session completes.
type ResultSink interface {
	Deliver(ctx context.Context, n Notification) error
}

type Notification struct {
	SessionID   string    `json:"session_id"`
	Scope       string    `json:"scope"`
	Target      string    `json:"target"`
	Principal   string    `json:"principal"`
	ArtifactRef string    `json:"artifact_ref,omitempty"`
	Branch      string    `json:"branch,omitempty"`
	Truncated   bool      `json:"truncated,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

func NotificationFor(s session.Session) Notification {
	n := Notification{
		SessionID: s.ID,
		Scope:     s.Config.Scope,
		Target:    s.Config.Target.Ref,
		Principal: s.Config.Principal,
	}
	if s.Result != nil {
		n.ArtifactRef = s.Result.ArtifactRef
		n.Branch = s.Result.Branch
		n.Truncated = s.Result.Truncated
	}
	if s.CompletedAt != nil {
		n.CompletedAt = *s.CompletedAt
	}
	return n
}
