package runtime

import (
	"context"
	"time"
)

// Mode names a backend implementation. It is chosen once at startup and
// passed explicitly to everything that cares.
type Mode string

const (
	ModeLocal   Mode = "local"
	ModeCluster Mode = "cluster"
)

// State is the backend's view of a sandbox.
type State string

const (
	StateCreated State = "created"
	StateRunning State = "running"
	StateExited  State = "exited"
	StateMissing State = "missing"
	StateError   State = "error"
)

// Limits are the abstract resource limits every backend maps to its own knobs.
type Limits struct {
	MemoryLimitMB int
	CPUCores      float64
	DiskLimitMB   int
}

type CreateSpec struct {
	OwnerID           string
	Image             string
	Command           []string
	Env               map[string]string
	Labels            map[string]string
	Limits            Limits
	WorkspaceHostPath string
	WorkspaceMount    string
	NetworkMode       string
}

type Info struct {
	ID         string
	State      State
	Image      string
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	IPAddress  string
	Error      string
}

type ExecOptions struct {
	WorkDir string
	Env     map[string]string
	User    string
	Timeout time.Duration
}

type ExecResult struct {
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"duration_ms"`
}

func (r *ExecResult) Success() bool {
	return r != nil && r.ExitCode == 0
}

type ResourceUsage struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemUsedMB  float64 `json:"mem_used_mb"`
	MemLimitMB float64 `json:"mem_limit_mb"`
	NetRxMB    float64 `json:"net_rx_mb"`
	NetTxMB    float64 `json:"net_tx_mb"`
}

// Backend is implemented identically by the local and cluster runtimes.
// Every call blocks on an external system and honors ctx deadlines.
type Backend interface {
	Mode() Mode
	Ping(ctx context.Context) error
	Create(ctx context.Context, spec CreateSpec) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Remove(ctx context.Context, id string, force bool) error
	Info(ctx context.Context, id string) (*Info, error)
	Exec(ctx context.Context, id string, argv []string, opts ExecOptions) (*ExecResult, error)
	Logs(ctx context.Context, id string, tail int) (string, error)
	ResourceUsage(ctx context.Context, id string) (*ResourceUsage, error)
	Close() error
}
