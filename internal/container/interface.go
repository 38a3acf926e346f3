// Package container is a thin, typed façade over the host container
// runtime with hardened defaults and byte-level exec streams. Every
// workspace maps to one managed container plus a persistent home volume.
package container

import (
	"context"
	"io"
	"time"
)

// Handle identifies a provisioned workspace container.
type Handle struct {
	ContainerID string
	Name        string
}

// ProvisionConfig carries everything Provision needs to create a
// workspace container.
type ProvisionConfig struct {
	WorkspaceID string
	UserID      string
	Image       string
	CPUCores    float64           // whole cores, converted to nanocores
	MemoryMiB   int64             // converted to bytes
	Env         map[string]string // merged with mandatory env
}

// Status values returned by Driver.Status.
type Status string

const (
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusNotFound Status = "not_found"
)

// Stats is a point-in-time resource snapshot for a workspace container.
type Stats struct {
	CPUPercent float64
	MemUsed    int64
	MemLimit   int64
	NetRx      int64
	NetTx      int64
}

// ExecOptions configures Driver.Exec. The attach path always allocates a
// TTY; one-shot execs never do.
type ExecOptions struct {
	WorkingDir string   // default /home/dev
	Env        []string // KEY=VALUE
	User       string   // default 1000:1000
}

// ExecResult is the outcome of a one-shot exec (Driver.Exec).
type ExecResult struct {
	Output   []byte
	ExitCode int
}

// Driver is the container driver's public interface. Operations surface
// transport errors verbatim; a missing container on Remove/Stop is not an
// error.
type Driver interface {
	Provision(ctx context.Context, cfg ProvisionConfig) (Handle, error)
	InitFilesystem(ctx context.Context, workspaceID string) error

	Exec(ctx context.Context, workspaceID string, argv []string, opts ExecOptions) (ExecResult, error)
	AttachStream(ctx context.Context, workspaceID string, argv []string) (io.ReadWriteCloser, error)

	Status(ctx context.Context, workspaceID string) (Status, error)
	Stats(ctx context.Context, workspaceID string) (Stats, error)
	StartedAt(ctx context.Context, workspaceID string) (time.Time, error)
	Stop(ctx context.Context, workspaceID string, graceSec int) error
	Remove(ctx context.Context, workspaceID string, removeVolume bool) error
	List(ctx context.Context) ([]Handle, error)
	Cleanup(ctx context.Context, age time.Duration) (int, error)

	Close() error
}
