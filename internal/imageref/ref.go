// Package imageref validates container image references used by execution
// profiles.
package imageref

import (
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
)

type Reference struct {
	Original   string
	Name       string
	Repository string
	Registry   string
	// Identifier is the tag or the digest.
	Identifier string
	Pinned     bool
}

// Parse validates raw and returns its fully qualified form. Tags default to
// latest; digest references are marked as pinned.
func Parse(raw string) (Reference, error) {
	ref := strings.TrimSpace(raw)
	if ref == "" {
		return Reference{}, fmt.Errorf("image reference is empty")
	}
	if strings.ContainsAny(ref, " \t\n\r") {
		return Reference{}, fmt.Errorf("image reference %q contains whitespace", ref)
	}

	parsed, err := name.ParseReference(ref)
	if err != nil {
		return Reference{}, fmt.Errorf("invalid image reference %q: %w", ref, err)
	}

	out := Reference{
		Original:   ref,
		Name:       parsed.Name(),
		Repository: parsed.Context().RepositoryStr(),
		Registry:   parsed.Context().RegistryStr(),
		Identifier: parsed.Identifier(),
	}
	if _, ok := parsed.(name.Digest); ok {
		out.Pinned = true
	}
	return out, nil
}

// ParsePinned is Parse, but rejects references without a digest.
func ParsePinned(raw string) (Reference, error) {
	ref, err := Parse(raw)
	if err != nil {
		return Reference{}, err
	}
	if !ref.Pinned {
		return Reference{}, fmt.Errorf("image reference %q is not digest-pinned (expected repo/image@sha256:<digest>)", ref.Original)
	}
	return ref, nil
}
