package collab

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/buildkite/agentrelay/internal/session"
)

var overlayNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// Overlays resolves overlays from inline text first, then from
// Dir/<name>.md.
type Overlays struct {
	Inline map[string]string
	Dir    string
}

func (o *Overlays) Overlay(_ context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if !overlayNamePattern.MatchString(name) {
		return "", fmt.Errorf("%w: invalid overlay name %q", session.ErrUnknownOverlay, name)
	}
	if text, ok := o.Inline[name]; ok {
		return text, nil
	}
	if o.Dir != "" {
		b, err := os.ReadFile(filepath.Join(o.Dir, name+".md"))
		if err == nil {
			return string(b), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("read overlay %q: %w", name, err)
		}
	}
	return "", fmt.Errorf("%w: %q", session.ErrUnknownOverlay, name)
}
