package runtimeconfig

import (
	"fmt"
	"maps"
	"os"
	"strings"

	"github.com/buildkite/agentrelay/internal/collab"
	"github.com/buildkite/agentrelay/internal/session"
)

func (p ProfileConfig) Profile() session.Profile {
	return session.Profile{
		Name:    strings.TrimSpace(p.Name),
		Version: p.Version,
		Image:   strings.TrimSpace(p.Image),
		Command: append([]string(nil), p.Command...),
		Limits: session.Limits{
			MemoryMiB: p.Memory.MiB(),
			CPUs:      p.CPUs,
		},
		TimeBudget:  p.TimeBudget,
		CLITool:     p.CLITool,
		ModelID:     p.ModelID,
		Credentials: maps.Clone(p.Credentials),
		Disabled:    p.Disabled,
	}
}

func (c Config) SessionProfiles() []session.Profile {
	out := make([]session.Profile, 0, len(c.Profiles))
	for _, p := range c.Profiles {
		out = append(out, p.Profile())
	}
	return out
}

func (c Config) StaticWorkItems() map[string]session.WorkItem {
	items := make(map[string]session.WorkItem, len(c.WorkItems.Items))
	for ref, item := range c.WorkItems.Items {
		items[ref] = session.WorkItem{
			Ref:         ref,
			Title:       item.Title,
			Description: item.Description,
			Scope:       item.Scope,
		}
	}
	return items
}

// AccessTokens resolves the access table, reading token_env entries with
// lookup (os.LookupEnv when nil).
func (c Config) AccessTokens(lookup func(string) (string, bool)) ([]collab.AccessToken, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	out := make([]collab.AccessToken, 0, len(c.Access))
	for i, a := range c.Access {
		token := a.Token
		if a.TokenEnv != "" {
			v, ok := lookup(a.TokenEnv)
			if !ok || strings.TrimSpace(v) == "" {
				return nil, fmt.Errorf("access[%d]: %s is not set", i, a.TokenEnv)
			}
			token = v
		}
		out = append(out, collab.AccessToken{
			Token:     strings.TrimSpace(token),
			Principal: strings.TrimSpace(a.Principal),
			Scopes:    append([]string(nil), a.Scopes...),
		})
	}
	return out, nil
}
