package supervisor

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/buildkite/agentrelay/internal/sandbox"
	"github.com/buildkite/agentrelay/internal/session"
)

const (
	defaultMemoryMiB = 2048
	defaultCPUs      = 1
)

// sandboxSpec builds what the driver needs to start the agent for sess.
// Provider credentials only ever live in the returned env map.
func (s *Supervisor) sandboxSpec(ctx context.Context, sess session.Session) (sandbox.Spec, error) {
	cfg := sess.Config
	profile := cfg.Profile

	env := map[string]string{
		"SESSION_ID":    sess.ID,
		"PROFILE":       profile.Name,
		"WORK_ITEM_REF": cfg.Target.Ref,
		"COMMENT_TEXT":  cfg.Input,
		"REQUESTED_BY":  cfg.Principal,
	}
	optional := map[string]string{
		"PROFILE_VERSION":    profile.Version,
		"MODEL_ID":           profile.ModelID,
		"CLI_TOOL":           profile.CLITool,
		"ISSUE_TITLE":        cfg.Target.Title,
		"ISSUE_DESCRIPTION":  cfg.Target.Description,
		"SKILL_TRIGGER":      cfg.Overlay,
		"SKILL_INSTRUCTIONS": cfg.OverlayInstructions,
	}
	for k, v := range optional {
		if v != "" {
			env[k] = v
		}
	}

	for _, name := range slices.Sorted(maps.Keys(profile.Credentials)) {
		provider := strings.TrimSpace(profile.Credentials[name])
		if _, taken := env[name]; taken {
			return sandbox.Spec{}, fmt.Errorf("profile %q: credential variable %s collides with the session environment", profile.Name, name)
		}
		if s.Tokens == nil {
			return sandbox.Spec{}, fmt.Errorf("profile %q needs a %s credential but no token source is configured", profile.Name, provider)
		}
		token, err := s.Tokens.Token(ctx, provider)
		if err != nil {
			return sandbox.Spec{}, fmt.Errorf("resolve %s credential for %s: %w", provider, name, err)
		}
		env[name] = token
	}

	limits := profile.Limits
	if limits.MemoryMiB <= 0 {
		limits.MemoryMiB = defaultMemoryMiB
	}
	if limits.CPUs <= 0 {
		limits.CPUs = defaultCPUs
	}

	return sandbox.Spec{
		SessionID: sess.ID,
		Image:     profile.Image,
		Command:   append([]string(nil), profile.Command...),
		Env:       env,
		Limits:    limits,
		Labels: map[string]string{
			"agentrelay.scope":   cfg.Scope,
			"agentrelay.profile": profile.Name,
		},
	}, nil
}
