package collab

import (
	"context"
	"crypto/subtle"
	"fmt"
	"slices"
	"strings"

	"github.com/buildkite/agentrelay/internal/session"
)

type Action string

const (
	ActionInvoke    Action = "invoke"
	ActionRead      Action = "read"
	ActionCancel    Action = "cancel"
	ActionSubscribe Action = "subscribe"
)

// AnonymousPrincipal is used when no access tokens are configured.
const AnonymousPrincipal = "anonymous"

type Principal struct {
	Name string
	// Scopes the principal may act in. Empty means every scope.
	Scopes []string
}

func (p Principal) Allows(scope string) bool {
	return len(p.Scopes) == 0 || slices.Contains(p.Scopes, scope)
}

// Identity authenticates callers and authorizes them per scope.
type Identity interface {
	Authenticate(ctx context.Context, bearer string) (Principal, error)
	Authorize(ctx context.Context, p Principal, action Action, scope string) error
}

type AccessToken struct {
	Token     string
	Principal string
	Scopes    []string
}

// TokenTable authenticates static bearer tokens. With no tokens configured
// every caller is the anonymous principal with access to every scope.
type TokenTable struct {
	Tokens []AccessToken
}

func (t *TokenTable) Open() bool {
	return t == nil || len(t.Tokens) == 0
}

func (t *TokenTable) Authenticate(_ context.Context, bearer string) (Principal, error) {
	if t.Open() {
		return Principal{Name: AnonymousPrincipal}, nil
	}
	bearer = strings.TrimSpace(bearer)
	if bearer == "" {
		return Principal{}, fmt.Errorf("%w: missing bearer token", session.ErrUnauthenticated)
	}
	for _, entry := range t.Tokens {
		if subtle.ConstantTimeCompare([]byte(entry.Token), []byte(bearer)) == 1 {
			return Principal{Name: entry.Principal, Scopes: append([]string(nil), entry.Scopes...)}, nil
		}
	}
	return Principal{}, fmt.Errorf("%w: unknown bearer token", session.ErrUnauthenticated)
}

func (t *TokenTable) Authorize(_ context.Context, p Principal, action Action, scope string) error {
	if t.Open() {
		return nil
	}
	if !p.Allows(scope) {
		return fmt.Errorf("%w: %s may not %s in scope %q", session.ErrForbidden, p.Name, action, scope)
	}
	return nil
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored by WithPrincipal.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
