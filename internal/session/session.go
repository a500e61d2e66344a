// Package session holds the agent session model shared by the store,
// supervisor and control plane.
package session

import "time"

// Limits bounds the resources a sandbox may consume.
type Limits struct {
	MemoryMiB int64   `json:"memory_mib,omitempty"`
	CPUs      float64 `json:"cpus,omitempty"`
}

// Profile is a named, versioned execution profile.
type Profile struct {
	Name       string        `json:"name"`
	Version    string        `json:"version,omitempty"`
	Image      string        `json:"image,omitempty"`
	Command    []string      `json:"command,omitempty"`
	Limits     Limits        `json:"limits"`
	TimeBudget time.Duration `json:"time_budget,omitempty"`
	CLITool    string        `json:"cli_tool,omitempty"`
	ModelID    string        `json:"model_id,omitempty"`
	// Credentials maps a sandbox environment variable to the provider whose
	// credential it receives.
	Credentials map[string]string `json:"credentials,omitempty"`
	Disabled    bool              `json:"disabled,omitempty"`
}

// WorkItem is the resolved target of an invocation.
type WorkItem struct {
	Ref         string `json:"ref"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Scope       string `json:"scope,omitempty"`
}

// Config is fixed when the session is created.
type Config struct {
	Target              WorkItem      `json:"target"`
	Principal           string        `json:"principal"`
	Profile             Profile       `json:"profile"`
	Overlay             string        `json:"overlay,omitempty"`
	OverlayInstructions string        `json:"overlay_instructions,omitempty"`
	Input               string        `json:"input"`
	TimeBudget          time.Duration `json:"time_budget"`
	Scope               string        `json:"scope"`
}

type Result struct {
	ArtifactRef string `json:"artifact_ref,omitempty"`
	Branch      string `json:"branch,omitempty"`
	ExitCode    int    `json:"exit_code"`
	Truncated   bool   `json:"truncated,omitempty"`
}

type Metrics struct {
	Duration      time.Duration `json:"duration,omitempty"`
	OutputBytes   int64         `json:"output_bytes,omitempty"`
	StoredBytes   int64         `json:"stored_bytes,omitempty"`
	DroppedChunks int64         `json:"dropped_chunks,omitempty"`
}

type Session struct {
	ID            string
	Config        Config
	State         State
	SandboxHandle string
	Output        string
	Result        *Result
	FailureReason string
	Metrics       Metrics
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// Deadline is the latest moment the time budget can run out. Sessions that
// have not started yet report false.
func (s Session) Deadline() (time.Time, bool) {
	if s.StartedAt == nil {
		return time.Time{}, false
	}
	return s.StartedAt.Add(s.Config.TimeBudget), true
}
