package cli

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/buildkite/agentrelay/internal/runtimeconfig"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/registry"
	"github.com/google/go-containerregistry/pkg/v1/random"
	"github.com/google/go-containerregistry/pkg/v1/remote"
)

const defaultTestTimeout = 30 * time.Second

func pushTestImage(t *testing.T, repoTag string) (string, string) {
	t.Helper()
	srv := httptest.NewServer(registry.New())
	t.Cleanup(srv.Close)
	ref := strings.TrimPrefix(srv.URL, "http://") + "/" + repoTag

	img, err := random.Image(128, 1)
	if err != nil {
		t.Fatalf("random image: %v", err)
	}
	tag, err := name.NewTag(ref)
	if err != nil {
		t.Fatalf("tag: %v", err)
	}
	if err := remote.Write(tag, img); err != nil {
		t.Fatalf("push image: %v", err)
	}
	digest, err := img.Digest()
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	return ref, digest.String()
}

func TestImageResolvePrintsPinnedReference(t *testing.T) {
	ref, digest := pushTestImage(t, "acme/agent:3")
	rt, stdout, _ := newTestContext(t, runtimeconfig.Config{})

	cmd := &ImageResolveCommand{Ref: ref, Timeout: defaultTestTimeout}
	if err := cmd.Run(rt); err != nil {
		t.Fatalf("image resolve: %v", err)
	}
	got := strings.TrimSpace(stdout.String())
	if !strings.HasSuffix(got, "/acme/agent@"+digest) {
		t.Fatalf("unexpected pinned reference %q", got)
	}
}

func TestDoctorResolvesUnpinnedImages(t *testing.T) {
	ref, digest := pushTestImage(t, "acme/agent:3")
	dir := t.TempDir()
	cfg := parseConfig(t, `
sandbox:
  driver: process
  run_dir: `+filepath.Join(dir, "run")+`
profiles:
  - name: floating
    image: `+ref+`
`)

	report := runDoctor(context.Background(), cfg, filepath.Join(dir, "config.yaml"), filepath.Join(dir, "sessions.db"), true)
	for _, c := range report.Checks {
		if c.Name != "profile_floating" {
			continue
		}
		if c.Status != "warn" || !strings.Contains(c.Message, digest) {
			t.Fatalf("unexpected check %+v", c)
		}
		return
	}
	t.Fatalf("missing profile_floating check in %+v", report.Checks)
}

func TestTLSInitCommand(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tls")
	rt, stdout, _ := newTestContext(t, runtimeconfig.Config{})

	cmd := &TLSInitCommand{Dir: dir, Host: []string{"relay.internal"}}
	if err := cmd.Run(rt); err != nil {
		t.Fatalf("tls init: %v", err)
	}
	for _, f := range []string{"ca.pem", "server.pem", "server.key"} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			t.Fatalf("missing %s: %v", f, err)
		}
	}
	if !strings.Contains(stdout.String(), dir) {
		t.Fatalf("expected directory in output, got %q", stdout.String())
	}
	if err := cmd.Run(rt); err == nil {
		t.Fatal("expected tls init to refuse overwriting")
	}
}

func TestTLSInitDefaultsToConfigDir(t *testing.T) {
	configHome := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", configHome)
	rt, stdout, _ := newTestContext(t, runtimeconfig.Config{})

	if err := (&TLSInitCommand{}).Run(rt); err != nil {
		t.Fatalf("tls init: %v", err)
	}
	if _, err := os.Stat(filepath.Join(configHome, "agentrelay", "tls", "ca.pem")); err != nil {
		t.Fatalf("expected material in the default TLS directory: %v (output %q)", err, stdout.String())
	}
}
