// Package store persists agent sessions. Lifecycle changes go through
// CompareAndSetState only.
package store

import (
	"context"
	"time"

	"github.com/buildkite/agentrelay/internal/session"
)

// Store is the durable session record. Implementations must make
// CreateWithinQuota atomic with respect to concurrent callers in the same
// scope and must never let CompareAndSetState apply a stale transition.
type Store interface {
	Create(ctx context.Context, s session.Session) error
	// CreateWithinQuota inserts s only if fewer than max sessions in its
	// scope are non-terminal. It returns session.ErrQuotaExceeded otherwise.
	CreateWithinQuota(ctx context.Context, s session.Session, max int) error
	CompareAndSetState(ctx context.Context, id string, expected, next session.State, fields Fields) (session.Session, error)
	AppendOutput(ctx context.Context, id string, chunk string) error
	Get(ctx context.Context, id string) (session.Session, error)
	CountActive(ctx context.Context, scope string) (int, error)
	ListNonTerminal(ctx context.Context) ([]session.Session, error)
	Close() error
}

// Fields are written in the same statement as a state transition. Zero
// values leave the stored column untouched.
type Fields struct {
	// SandboxHandle may only be set when entering running.
	SandboxHandle string
	StartedAt     time.Time
	// CompletedAt defaults to now when entering a terminal state and is
	// rejected otherwise.
	CompletedAt   time.Time
	Result        *session.Result
	FailureReason string
	Metrics       *session.Metrics
	// Output is appended to the accumulated output.
	Output string
}
