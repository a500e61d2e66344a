// Package runtimeconfig loads the agentrelay server configuration.
package runtimeconfig

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/buildkite/agentrelay/internal/paths"
	"gopkg.in/yaml.v3"
)

// PathEnv overrides the config file location.
const PathEnv = "AGENTRELAY_CONFIG"

const (
	DriverDocker  = "docker"
	DriverProcess = "process"

	DefaultMaxConcurrent     = 3
	DefaultTimeBudget        = 15 * time.Minute
	DefaultMaxTimeBudget     = 2 * time.Hour
	DefaultStreamGrace       = 30 * time.Second
	DefaultOutputCap         = ByteSize(1 << 20)
	DefaultTailWindow        = ByteSize(16 << 10)
	DefaultProvisionRetries  = 1
	DefaultScope             = "default"
	defaultDriver            = DriverDocker
	defaultDockerNetwork     = "bridge"
	defaultResultSinkTimeout = 10 * time.Second
)

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type Config struct {
	Listen   string    `yaml:"listen"`
	Database string    `yaml:"database"`
	LogLevel string    `yaml:"log_level"`
	TLS      TLSConfig `yaml:"tls"`

	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Sessions SessionsConfig `yaml:"sessions"`

	Profiles    []ProfileConfig   `yaml:"profiles"`
	Overlays    map[string]string `yaml:"overlays"`
	OverlaysDir string            `yaml:"overlays_dir"`
	WorkItems   WorkItemsConfig   `yaml:"work_items"`
	// Tokens maps a credential provider to the server environment variable
	// holding its credential.
	Tokens     map[string]string `yaml:"tokens"`
	Access     []AccessConfig    `yaml:"access"`
	ResultSink ResultSinkConfig  `yaml:"result_sink"`
}

type TLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
	CA   string `yaml:"ca"`
}

type SandboxConfig struct {
	Driver       string   `yaml:"driver"`
	DockerBinary string   `yaml:"docker_binary"`
	Network      string   `yaml:"network"`
	DockerArgs   []string `yaml:"docker_args"`
	// Command is the process driver's fallback for profiles without one.
	Command          []string      `yaml:"command"`
	RunDir           string        `yaml:"run_dir"`
	StopGrace        time.Duration `yaml:"stop_grace"`
	KillTimeout      time.Duration `yaml:"kill_timeout"`
	ProvisionRetries *int          `yaml:"provision_retries"`
}

type SessionsConfig struct {
	MaxConcurrent     int            `yaml:"max_concurrent"`
	ScopeLimits       map[string]int `yaml:"scope_limits"`
	OutputCap         ByteSize       `yaml:"output_cap"`
	TailWindow        ByteSize       `yaml:"tail_window"`
	DefaultTimeBudget time.Duration  `yaml:"default_time_budget"`
	MaxTimeBudget     time.Duration  `yaml:"max_time_budget"`
	StreamGrace       time.Duration  `yaml:"stream_grace"`
	CommitRetries     int            `yaml:"commit_retries"`
	CommitBackoff     time.Duration  `yaml:"commit_backoff"`
	RelayQueue        int            `yaml:"relay_queue"`
	FlushInterval     time.Duration  `yaml:"flush_interval"`
	RecoverOnStart    *bool          `yaml:"recover_on_start"`
}

// Limit returns the concurrency limit for scope.
func (s SessionsConfig) Limit(scope string) int {
	if n, ok := s.ScopeLimits[scope]; ok {
		return n
	}
	return s.MaxConcurrent
}

type ProfileConfig struct {
	Name       string        `yaml:"name"`
	Version    string        `yaml:"version"`
	Image      string        `yaml:"image"`
	Command    []string      `yaml:"command"`
	Memory     ByteSize      `yaml:"memory"`
	CPUs       float64       `yaml:"cpus"`
	TimeBudget time.Duration `yaml:"time_budget"`
	CLITool    string        `yaml:"cli_tool"`
	ModelID    string        `yaml:"model_id"`
	// Credentials maps a sandbox environment variable to a provider in
	// Tokens.
	Credentials map[string]string `yaml:"credentials"`
	Disabled    bool              `yaml:"disabled"`
}

type WorkItemsConfig struct {
	// AllowUnregistered accepts references that no resolver knows.
	AllowUnregistered bool   `yaml:"allow_unregistered"`
	BaseURL           string `yaml:"base_url"`
	// TokenEnv names the variable holding the bearer token for BaseURL.
	TokenEnv string                    `yaml:"token_env"`
	Items    map[string]WorkItemConfig `yaml:"items"`
}

type WorkItemConfig struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Scope       string `yaml:"scope"`
}

type AccessConfig struct {
	Principal string   `yaml:"principal"`
	Token     string   `yaml:"token"`
	TokenEnv  string   `yaml:"token_env"`
	Scopes    []string `yaml:"scopes"`
}

type ResultSinkConfig struct {
	Log        bool          `yaml:"log"`
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Path returns the config file path: $AGENTRELAY_CONFIG, or config.yaml in
// the agentrelay config directory.
func Path() (string, error) {
	if p := strings.TrimSpace(os.Getenv(PathEnv)); p != "" {
		return p, nil
	}
	dir, err := paths.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads the config at Path. A missing file yields the defaults.
func Load() (Config, string, error) {
	path, err := Path()
	if err != nil {
		return Config{}, "", err
	}
	cfg, err := LoadFile(path)
	return cfg, path, err
}

func LoadFile(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg := Config{}
			cfg.applyDefaults()
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	cfg, err := Parse(b)
	if err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes, defaults and validates a config document. Unknown keys
// are rejected.
func Parse(b []byte) (Config, error) {
	cfg := Config{}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	c.Listen = strings.TrimSpace(c.Listen)
	c.Sandbox.Driver = strings.ToLower(strings.TrimSpace(c.Sandbox.Driver))
	if c.Sandbox.Driver == "" {
		c.Sandbox.Driver = defaultDriver
	}
	if c.Sandbox.Network == "" {
		c.Sandbox.Network = defaultDockerNetwork
	}
	if c.Sandbox.ProvisionRetries == nil {
		n := DefaultProvisionRetries
		c.Sandbox.ProvisionRetries = &n
	}

	s := &c.Sessions
	if s.MaxConcurrent == 0 {
		s.MaxConcurrent = DefaultMaxConcurrent
	}
	if s.OutputCap == 0 {
		s.OutputCap = DefaultOutputCap
	}
	if s.TailWindow == 0 {
		s.TailWindow = DefaultTailWindow
	}
	if s.DefaultTimeBudget == 0 {
		s.DefaultTimeBudget = DefaultTimeBudget
	}
	if s.MaxTimeBudget == 0 {
		s.MaxTimeBudget = max(DefaultMaxTimeBudget, s.DefaultTimeBudget)
	}
	if s.StreamGrace == 0 {
		s.StreamGrace = DefaultStreamGrace
	}
	if s.RecoverOnStart == nil {
		enabled := true
		s.RecoverOnStart = &enabled
	}
	if c.ResultSink.Timeout == 0 {
		c.ResultSink.Timeout = defaultResultSinkTimeout
	}
}

// Validate reports configuration errors that would otherwise surface as
// failed sessions.
func (c Config) Validate() error {
	var errs []error
	switch c.Sandbox.Driver {
	case DriverDocker, DriverProcess:
	default:
		errs = append(errs, fmt.Errorf("sandbox.driver: unsupported driver %q (expected %s or %s)", c.Sandbox.Driver, DriverDocker, DriverProcess))
	}
	if c.Sandbox.ProvisionRetries != nil && *c.Sandbox.ProvisionRetries < 0 {
		errs = append(errs, errors.New("sandbox.provision_retries must not be negative"))
	}
	if c.Sessions.MaxConcurrent < 0 {
		errs = append(errs, errors.New("sessions.max_concurrent must not be negative"))
	}
	for _, scope := range sortedKeys(c.Sessions.ScopeLimits) {
		if c.Sessions.ScopeLimits[scope] < 0 {
			errs = append(errs, fmt.Errorf("sessions.scope_limits.%s must not be negative", scope))
		}
	}
	if c.Sessions.DefaultTimeBudget > c.Sessions.MaxTimeBudget {
		errs = append(errs, fmt.Errorf("sessions.default_time_budget %s exceeds max_time_budget %s", c.Sessions.DefaultTimeBudget, c.Sessions.MaxTimeBudget))
	}
	seen := map[string]bool{}
	for i, p := range c.Profiles {
		name := strings.TrimSpace(p.Name)
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("profiles[%d]: missing name", i))
		case seen[name]:
			errs = append(errs, fmt.Errorf("profiles[%d]: duplicate name %q", i, name))
		}
		seen[name] = true
		if p.TimeBudget > c.Sessions.MaxTimeBudget {
			errs = append(errs, fmt.Errorf("profiles[%d]: time_budget %s exceeds max_time_budget %s", i, p.TimeBudget, c.Sessions.MaxTimeBudget))
		}
		for _, env := range sortedKeys(p.Credentials) {
			if !envNamePattern.MatchString(env) {
				errs = append(errs, fmt.Errorf("profiles[%d].credentials: invalid variable name %q", i, env))
			}
			if strings.TrimSpace(p.Credentials[env]) == "" {
				errs = append(errs, fmt.Errorf("profiles[%d].credentials.%s: missing provider", i, env))
			}
		}
	}
	for i, a := range c.Access {
		if strings.TrimSpace(a.Principal) == "" {
			errs = append(errs, fmt.Errorf("access[%d]: missing principal", i))
		}
		if (a.Token == "") == (a.TokenEnv == "") {
			errs = append(errs, fmt.Errorf("access[%d]: set exactly one of token or token_env", i))
		}
	}
	return errors.Join(errs...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
