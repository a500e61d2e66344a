package collab

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/buildkite/agentrelay/internal/imageref"
	"github.com/buildkite/agentrelay/internal/session"
)

// StaticProfiles is a ProfileRegistry over a fixed set of profiles.
type StaticProfiles struct {
	profiles map[string]session.Profile
}

// NewStaticProfiles validates and indexes profiles by name. Profiles without
// an image must carry a command.
func NewStaticProfiles(profiles []session.Profile) (*StaticProfiles, error) {
	out := &StaticProfiles{profiles: make(map[string]session.Profile, len(profiles))}
	for _, p := range profiles {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: profile without a name", session.ErrInvalidConfig)
		}
		if _, dup := out.profiles[name]; dup {
			return nil, fmt.Errorf("%w: duplicate profile %q", session.ErrInvalidConfig, name)
		}
		if strings.TrimSpace(p.Image) != "" {
			ref, err := imageref.Parse(p.Image)
			if err != nil {
				return nil, fmt.Errorf("%w: profile %q: %v", session.ErrInvalidConfig, name, err)
			}
			p.Image = ref.Original
		} else if len(p.Command) == 0 {
			return nil, fmt.Errorf("%w: profile %q needs an image or a command", session.ErrInvalidConfig, name)
		}
		p.Name = name
		out.profiles[name] = p
	}
	return out, nil
}

func (s *StaticProfiles) Profile(_ context.Context, name string) (session.Profile, error) {
	p, ok := s.profiles[strings.TrimSpace(name)]
	if !ok {
		return session.Profile{}, fmt.Errorf("%w: %q", session.ErrUnknownProfile, name)
	}
	if p.Disabled {
		return session.Profile{}, fmt.Errorf("%w: %q is disabled", session.ErrUnknownProfile, name)
	}
	return p, nil
}

// Names returns every configured profile name, sorted.
func (s *StaticProfiles) Names() []string {
	names := make([]string, 0, len(s.profiles))
	for name := range s.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
