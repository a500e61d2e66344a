package controlservice

import (
	"errors"
	"strings"
	"testing"

	"go.jetify.com/typeid"
)

func TestNewSessionIDIsTypeID(t *testing.T) {
	id := newSessionID()
	parsed, err := typeid.FromString(id)
	if err != nil {
		t.Fatalf("expected a parseable typeid, got %q: %v", id, err)
	}
	if got := parsed.Prefix(); got != "as" {
		t.Fatalf("unexpected prefix: %q", got)
	}
	if newSessionID() == id {
		t.Fatal("expected unique ids")
	}
}

func TestNewIDFallsBackWhenGeneratorFails(t *testing.T) {
	original := generateTypeID
	t.Cleanup(func() {
		generateTypeID = original
	})
	generateTypeID = func(string) (string, error) {
		return "", errors.New("boom")
	}

	if id := newSessionID(); !strings.HasPrefix(id, "as-") {
		t.Fatalf("expected fallback id shape, got %q", id)
	}
}
