// Package sandbox defines the contract between the session supervisor and
// the isolated environments agents run in.
package sandbox

import (
	"context"
	"maps"
	"sort"

	"github.com/buildkite/agentrelay/internal/session"
)

const (
	CapabilityResourceLimits   = "sandbox.resource_limits"
	CapabilityNetworkIsolation = "sandbox.network_isolation"
	CapabilityImages           = "sandbox.images"
	CapabilityRemoveByHandle   = "sandbox.remove_by_handle"
)

var knownCapabilityKeys = []string{
	CapabilityResourceLimits,
	CapabilityNetworkIsolation,
	CapabilityImages,
	CapabilityRemoveByHandle,
}

// Driver provisions sandboxes.
type Driver interface {
	Name() string
	// Provision creates and starts a sandbox for spec. Output is delivered
	// through stream until the sandbox exits; every callback has returned
	// before Instance.Wait reports the exit.
	Provision(ctx context.Context, spec Spec, stream OutputStream) (Instance, error)
}

// Remover can clean up a sandbox from its recorded handle alone, for
// sandboxes left behind by a previous process.
type Remover interface {
	Remove(ctx context.Context, handle string) error
}

// CapabilityReporter allows drivers to publish capability flags.
type CapabilityReporter interface {
	Capabilities() map[string]bool
}

// Doctor is implemented by drivers that can diagnose their host.
type Doctor interface {
	Doctor(ctx context.Context) (*DoctorReport, error)
}

// Instance is a running sandbox.
type Instance interface {
	Handle() string
	// Wait blocks until the sandbox exits or ctx is done.
	Wait(ctx context.Context) (ExitStatus, error)
	// Stop asks the sandbox to terminate.
	Stop(ctx context.Context) error
	// Kill terminates the sandbox without waiting for it to cooperate.
	Kill(ctx context.Context) error
	// Dispose releases anything left behind after exit.
	Dispose(ctx context.Context) error
}

type Spec struct {
	SessionID string
	Image     string
	Command   []string
	Env       map[string]string
	Limits    session.Limits
	Labels    map[string]string
}

type OutputStream struct {
	OnStdout func([]byte)
	OnStderr func([]byte)
}

type ExitStatus struct {
	Code   int
	Signal string
}

// CapabilitiesForDriver returns the capability map for driver, with every
// known key present.
func CapabilitiesForDriver(driver Driver) map[string]bool {
	caps := make(map[string]bool, len(knownCapabilityKeys))
	for _, key := range knownCapabilityKeys {
		caps[key] = false
	}
	if driver == nil {
		return caps
	}
	if _, ok := driver.(Remover); ok {
		caps[CapabilityRemoveByHandle] = true
	}
	if reporter, ok := driver.(CapabilityReporter); ok {
		maps.Copy(caps, reporter.Capabilities())
	}
	return caps
}

// SortedCapabilityKeys returns deterministic capability keys for presentation.
func SortedCapabilityKeys(caps map[string]bool) []string {
	keys := make([]string, 0, len(caps))
	for key := range caps {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

type DoctorReport struct {
	Driver string        `json:"driver"`
	Checks []DoctorCheck `json:"checks"`
}

type DoctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // pass|warn|fail
	Message string `json:"message"`
}
