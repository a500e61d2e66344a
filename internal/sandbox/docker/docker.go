// Package docker runs sandboxes as containers through the docker CLI.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/buildkite/agentrelay/internal/sandbox"
	"github.com/buildkite/agentrelay/internal/sandbox/process"
	"github.com/charmbracelet/log"
)

const (
	defaultBinary  = "docker"
	defaultNetwork = "bridge"
	sessionLabel   = "agentrelay.session"
)

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

type Driver struct {
	Binary  string
	Network string
	// ExtraArgs are inserted into every create command before the image.
	ExtraArgs []string
	Logger    *log.Logger
}

var _ sandbox.Driver = (*Driver)(nil)
var _ sandbox.Remover = (*Driver)(nil)

func (d *Driver) Name() string {
	return "docker"
}

func (d *Driver) Capabilities() map[string]bool {
	return map[string]bool{
		sandbox.CapabilityResourceLimits:   true,
		sandbox.CapabilityNetworkIsolation: true,
		sandbox.CapabilityImages:           true,
	}
}

func (d *Driver) binary() string {
	if strings.TrimSpace(d.Binary) != "" {
		return d.Binary
	}
	return defaultBinary
}

func (d *Driver) exec(ctx context.Context, env []string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, d.binary(), args...)
	if env != nil {
		cmd.Env = env
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return out, fmt.Errorf("docker %s: %w", args[0], err)
		}
		return out, fmt.Errorf("docker %s: %w: %s", args[0], err, msg)
	}
	return out, nil
}

// ContainerName derives a stable container name for a session.
func ContainerName(sessionID string) string {
	return "agentrelay-" + invalidNameChars.ReplaceAllString(sessionID, "-")
}

// CreateArgs builds the docker create argument list for spec. Environment
// values are not part of the arguments; they are passed through the docker
// client's own environment so they never show up in process listings.
func (d *Driver) CreateArgs(spec sandbox.Spec) []string {
	args := []string{"create", "--name", ContainerName(spec.SessionID), "--init"}

	network := d.Network
	if strings.TrimSpace(network) == "" {
		network = defaultNetwork
	}
	args = append(args, "--network", network)

	if spec.Limits.MemoryMiB > 0 {
		args = append(args, "--memory", strconv.FormatInt(spec.Limits.MemoryMiB, 10)+"m")
	}
	if spec.Limits.CPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(spec.Limits.CPUs, 'f', -1, 64))
	}

	labels := map[string]string{sessionLabel: spec.SessionID}
	for key, value := range spec.Labels {
		labels[key] = value
	}
	for _, key := range sortedKeys(labels) {
		args = append(args, "--label", key+"="+labels[key])
	}
	for _, key := range sortedKeys(spec.Env) {
		args = append(args, "--env", key)
	}

	args = append(args, d.ExtraArgs...)
	args = append(args, spec.Image)
	args = append(args, spec.Command...)
	return args
}

func (d *Driver) Provision(ctx context.Context, spec sandbox.Spec, stream sandbox.OutputStream) (sandbox.Instance, error) {
	if strings.TrimSpace(spec.Image) == "" {
		return nil, errors.New("docker sandbox requires an image")
	}

	env := os.Environ()
	for _, key := range sortedKeys(spec.Env) {
		env = append(env, key+"="+spec.Env[key])
	}
	out, err := d.exec(ctx, env, d.CreateArgs(spec)...)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	id := strings.TrimSpace(string(out))
	if id == "" {
		id = ContainerName(spec.SessionID)
	}

	start := exec.Command(d.binary(), "start", "--attach", id)
	proc, err := process.Start(start, stream)
	if err != nil {
		_, _ = d.exec(context.Background(), nil, "rm", "--force", id)
		return nil, fmt.Errorf("start container: %w", err)
	}
	if d.Logger != nil {
		d.Logger.Debug("container started", "session_id", spec.SessionID, "container", id, "image", spec.Image)
	}
	return &Instance{driver: d, id: id, proc: proc}, nil
}

// Remove force-removes the container recorded in handle.
func (d *Driver) Remove(ctx context.Context, handle string) error {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return errors.New("missing container handle")
	}
	_, err := d.exec(ctx, nil, "rm", "--force", handle)
	return err
}

func (d *Driver) Doctor(ctx context.Context) (*sandbox.DoctorReport, error) {
	report := &sandbox.DoctorReport{Driver: d.Name()}
	path, err := exec.LookPath(d.binary())
	if err != nil {
		report.Checks = append(report.Checks, sandbox.DoctorCheck{
			Name:    "docker_binary",
			Status:  "fail",
			Message: fmt.Sprintf("%s not found: %v", d.binary(), err),
		})
		return report, nil
	}
	report.Checks = append(report.Checks, sandbox.DoctorCheck{Name: "docker_binary", Status: "pass", Message: path})

	out, err := d.exec(ctx, nil, "version", "--format", "{{.Server.Version}}")
	if err != nil {
		report.Checks = append(report.Checks, sandbox.DoctorCheck{
			Name:    "docker_daemon",
			Status:  "fail",
			Message: err.Error(),
		})
		return report, nil
	}
	report.Checks = append(report.Checks, sandbox.DoctorCheck{
		Name:    "docker_daemon",
		Status:  "pass",
		Message: "server version " + strings.TrimSpace(string(out)),
	})
	return report, nil
}

// Instance is a started container. Its output comes from an attached
// docker start process.
type Instance struct {
	driver      *Driver
	id          string
	proc        *process.Instance
	disposeOnce sync.Once
}

func (i *Instance) Handle() string {
	return i.id
}

func (i *Instance) Wait(ctx context.Context) (sandbox.ExitStatus, error) {
	return i.proc.Wait(ctx)
}

func (i *Instance) Stop(ctx context.Context) error {
	_, err := i.driver.exec(ctx, nil, "kill", "--signal", "TERM", i.id)
	return ignoreNotRunning(err)
}

func (i *Instance) Kill(ctx context.Context) error {
	_, err := i.driver.exec(ctx, nil, "kill", i.id)
	if err := ignoreNotRunning(err); err != nil {
		return err
	}
	return i.proc.Kill(ctx)
}

func (i *Instance) Dispose(ctx context.Context) error {
	var err error
	i.disposeOnce.Do(func() {
		_, err = i.driver.exec(ctx, nil, "rm", "--force", i.id)
		_ = i.proc.Dispose(ctx)
	})
	return err
}

func ignoreNotRunning(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "is not running") || strings.Contains(msg, "no such container") {
		return nil
	}
	return err
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
