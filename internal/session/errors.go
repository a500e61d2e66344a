package session

import "errors"

var (
	ErrInvalidConfig     = errors.New("invalid session config")
	ErrUnknownProfile    = errors.New("unknown profile")
	ErrUnknownOverlay    = errors.New("unknown overlay")
	ErrUnknownTarget     = errors.New("unknown target")
	ErrQuotaExceeded     = errors.New("concurrent session quota exceeded")
	ErrNotFound          = errors.New("session not found")
	ErrAlreadyTerminal   = errors.New("session already terminal")
	ErrStateConflict     = errors.New("session state conflict")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrForbidden         = errors.New("forbidden")
)

// Failure reasons recorded on sessions that did not complete.
const (
	ReasonStateCommitFailed = "state-commit-failed"
	ReasonUserCancelled     = "cancelled by request"
	ReasonOrphaned          = "orphaned: supervisor restarted"
	ReasonShutdown          = "interrupted: server shutting down"
)
