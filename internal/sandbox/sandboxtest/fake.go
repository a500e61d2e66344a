// Package sandboxtest provides an in-memory sandbox driver whose instances
// are driven by the test.
package sandboxtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/buildkite/agentrelay/internal/sandbox"
)

// Driver hands out Instances. ProvisionErrors are returned, in order, by
// the first calls to Provision.
type Driver struct {
	// ExitOnStop makes instances exit with code 143 when stopped.
	ExitOnStop bool
	// OnProvision runs in its own goroutine for every new instance.
	OnProvision func(*Instance)

	mu              sync.Mutex
	ProvisionErrors []error
	attempts        int
	instances       []*Instance
	removed         []string
	started         chan *Instance
}

var _ sandbox.Driver = (*Driver)(nil)
var _ sandbox.Remover = (*Driver)(nil)

func New() *Driver {
	return &Driver{ExitOnStop: true}
}

func (d *Driver) Name() string {
	return "fake"
}

func (d *Driver) startedLocked() chan *Instance {
	if d.started == nil {
		d.started = make(chan *Instance, 64)
	}
	return d.started
}

// Started delivers each instance as it is provisioned.
func (d *Driver) Started() <-chan *Instance {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.startedLocked()
}

func (d *Driver) Provision(ctx context.Context, spec sandbox.Spec, stream sandbox.OutputStream) (sandbox.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.attempts++
	if len(d.ProvisionErrors) > 0 {
		err := d.ProvisionErrors[0]
		d.ProvisionErrors = d.ProvisionErrors[1:]
		d.mu.Unlock()
		return nil, err
	}
	inst := &Instance{
		Spec:       spec,
		handle:     fmt.Sprintf("fake-%d", len(d.instances)+1),
		stream:     stream,
		exitOnStop: d.ExitOnStop,
		exited:     make(chan struct{}),
	}
	d.instances = append(d.instances, inst)
	started := d.startedLocked()
	hook := d.OnProvision
	d.mu.Unlock()

	started <- inst
	if hook != nil {
		go hook(inst)
	}
	return inst, nil
}

func (d *Driver) Remove(_ context.Context, handle string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed = append(d.removed, handle)
	return nil
}

func (d *Driver) Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

func (d *Driver) Instances() []*Instance {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Instance(nil), d.instances...)
}

func (d *Driver) Removed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.removed...)
}

// Instance is a fake sandbox. Output is emitted with Emit and the exit is
// triggered with Exit.
type Instance struct {
	Spec sandbox.Spec

	handle     string
	stream     sandbox.OutputStream
	exitOnStop bool

	mu       sync.Mutex
	emitMu   sync.Mutex
	exited   chan struct{}
	status   sandbox.ExitStatus
	stops    int
	kills    int
	disposed bool
}

func (i *Instance) Handle() string {
	return i.handle
}

// Emit delivers chunk as stdout. It is a no-op after exit.
func (i *Instance) Emit(chunk string) {
	i.emitMu.Lock()
	defer i.emitMu.Unlock()
	if i.Exited() {
		return
	}
	if i.stream.OnStdout != nil {
		i.stream.OnStdout([]byte(chunk))
	}
}

// EmitStderr delivers chunk as stderr.
func (i *Instance) EmitStderr(chunk string) {
	i.emitMu.Lock()
	defer i.emitMu.Unlock()
	if i.Exited() {
		return
	}
	if i.stream.OnStderr != nil {
		i.stream.OnStderr([]byte(chunk))
	}
}

// Exit ends the instance with code. Later calls are ignored.
func (i *Instance) Exit(code int) {
	i.finish(sandbox.ExitStatus{Code: code})
}

func (i *Instance) finish(status sandbox.ExitStatus) {
	// Output callbacks finish before the exit becomes visible to Wait.
	i.emitMu.Lock()
	defer i.emitMu.Unlock()
	i.mu.Lock()
	defer i.mu.Unlock()
	select {
	case <-i.exited:
		return
	default:
	}
	i.status = status
	close(i.exited)
}

func (i *Instance) Exited() bool {
	select {
	case <-i.exited:
		return true
	default:
		return false
	}
}

func (i *Instance) Wait(ctx context.Context) (sandbox.ExitStatus, error) {
	select {
	case <-ctx.Done():
		return sandbox.ExitStatus{}, ctx.Err()
	case <-i.exited:
		i.mu.Lock()
		defer i.mu.Unlock()
		return i.status, nil
	}
}

func (i *Instance) Stop(context.Context) error {
	i.mu.Lock()
	i.stops++
	exit := i.exitOnStop
	i.mu.Unlock()
	if exit {
		i.finish(sandbox.ExitStatus{Code: 143, Signal: "SIGTERM"})
	}
	return nil
}

func (i *Instance) Kill(context.Context) error {
	i.mu.Lock()
	i.kills++
	i.mu.Unlock()
	i.finish(sandbox.ExitStatus{Code: 137, Signal: "SIGKILL"})
	return nil
}

func (i *Instance) Dispose(context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.disposed = true
	return nil
}

func (i *Instance) Stops() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stops
}

func (i *Instance) Kills() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.kills
}

func (i *Instance) Disposed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.disposed
}
