package imageref

import (
	"context"
	"fmt"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

// Resolve asks the registry for the manifest digest raw currently points
// at and returns the digest-pinned reference. Pinned references are
// returned unchanged without a registry round trip.
func Resolve(ctx context.Context, raw string) (Reference, error) {
	ref, err := Parse(raw)
	if err != nil {
		return Reference{}, err
	}
	if ref.Pinned {
		return ref, nil
	}

	parsed, err := name.ParseReference(ref.Original)
	if err != nil {
		return Reference{}, fmt.Errorf("invalid image reference %q: %w", ref.Original, err)
	}
	desc, err := remote.Head(parsed,
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(authn.DefaultKeychain),
	)
	if err != nil {
		return Reference{}, fmt.Errorf("resolve %s: %w", ref.Name, err)
	}
	return ParsePinned(parsed.Context().Digest(desc.Digest.String()).String())
}
