package collab

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvTokens reads provider credentials from the server's environment.
// Vars maps a provider name to the variable holding its credential.
type EnvTokens struct {
	Vars   map[string]string
	lookup func(string) (string, bool)
}

func (e *EnvTokens) Token(_ context.Context, provider string) (string, error) {
	provider = strings.TrimSpace(provider)
	name, ok := e.Vars[provider]
	if !ok {
		return "", fmt.Errorf("no credential source configured for provider %q", provider)
	}
	lookup := e.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	value, ok := lookup(name)
	if !ok || strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("credential for provider %q is not set", provider)
	}
	return value, nil
}
