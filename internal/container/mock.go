package container

import (
	"context"
	"io"
	"sync"
	"time"
)

// Mock is a test double for Driver: one func field per method, defaulted
// to a reasonable success, overridable per test.
type Mock struct {
	mu sync.Mutex

	ProvisionFunc      func(ctx context.Context, cfg ProvisionConfig) (Handle, error)
	InitFilesystemFunc func(ctx context.Context, workspaceID string) error
	ExecFunc           func(ctx context.Context, workspaceID string, argv []string, opts ExecOptions) (ExecResult, error)
	AttachStreamFunc   func(ctx context.Context, workspaceID string, argv []string) (io.ReadWriteCloser, error)
	StatusFunc         func(ctx context.Context, workspaceID string) (Status, error)
	StatsFunc          func(ctx context.Context, workspaceID string) (Stats, error)
	StartedAtFunc      func(ctx context.Context, workspaceID string) (time.Time, error)
	StopFunc           func(ctx context.Context, workspaceID string, graceSec int) error
	RemoveFunc         func(ctx context.Context, workspaceID string, removeVolume bool) error
	ListFunc           func(ctx context.Context) ([]Handle, error)
	CleanupFunc        func(ctx context.Context, age time.Duration) (int, error)

	Statuses map[string]Status
	Execs    []ExecCall
}

// ExecCall records one invocation of Exec, for assertions in tests.
type ExecCall struct {
	WorkspaceID string
	Argv        []string
	Opts        ExecOptions
}

func NewMock() *Mock {
	return &Mock{Statuses: map[string]Status{}}
}

func (m *Mock) Provision(ctx context.Context, cfg ProvisionConfig) (Handle, error) {
	if m.ProvisionFunc != nil {
		return m.ProvisionFunc(ctx, cfg)
	}
	m.mu.Lock()
	m.Statuses[cfg.WorkspaceID] = StatusRunning
	m.mu.Unlock()
	return Handle{ContainerID: "mock-" + cfg.WorkspaceID, Name: NamePrefix + cfg.WorkspaceID}, nil
}

func (m *Mock) InitFilesystem(ctx context.Context, workspaceID string) error {
	if m.InitFilesystemFunc != nil {
		return m.InitFilesystemFunc(ctx, workspaceID)
	}
	return nil
}

func (m *Mock) Exec(ctx context.Context, workspaceID string, argv []string, opts ExecOptions) (ExecResult, error) {
	m.mu.Lock()
	m.Execs = append(m.Execs, ExecCall{WorkspaceID: workspaceID, Argv: argv, Opts: opts})
	m.mu.Unlock()
	if m.ExecFunc != nil {
		return m.ExecFunc(ctx, workspaceID, argv, opts)
	}
	return ExecResult{ExitCode: 0}, nil
}

func (m *Mock) AttachStream(ctx context.Context, workspaceID string, argv []string) (io.ReadWriteCloser, error) {
	if m.AttachStreamFunc != nil {
		return m.AttachStreamFunc(ctx, workspaceID, argv)
	}
	return newPipeStream(), nil
}

func (m *Mock) Status(ctx context.Context, workspaceID string) (Status, error) {
	if m.StatusFunc != nil {
		return m.StatusFunc(ctx, workspaceID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.Statuses[workspaceID]; ok {
		return s, nil
	}
	return StatusNotFound, nil
}

func (m *Mock) Stats(ctx context.Context, workspaceID string) (Stats, error) {
	if m.StatsFunc != nil {
		return m.StatsFunc(ctx, workspaceID)
	}
	return Stats{}, nil
}

func (m *Mock) StartedAt(ctx context.Context, workspaceID string) (time.Time, error) {
	if m.StartedAtFunc != nil {
		return m.StartedAtFunc(ctx, workspaceID)
	}
	return time.Time{}, nil
}

func (m *Mock) Stop(ctx context.Context, workspaceID string, graceSec int) error {
	if m.StopFunc != nil {
		return m.StopFunc(ctx, workspaceID, graceSec)
	}
	m.mu.Lock()
	m.Statuses[workspaceID] = StatusStopped
	m.mu.Unlock()
	return nil
}

func (m *Mock) Remove(ctx context.Context, workspaceID string, removeVolume bool) error {
	if m.RemoveFunc != nil {
		return m.RemoveFunc(ctx, workspaceID, removeVolume)
	}
	m.mu.Lock()
	delete(m.Statuses, workspaceID)
	m.mu.Unlock()
	return nil
}

func (m *Mock) List(ctx context.Context) ([]Handle, error) {
	if m.ListFunc != nil {
		return m.ListFunc(ctx)
	}
	return nil, nil
}

func (m *Mock) Cleanup(ctx context.Context, age time.Duration) (int, error) {
	if m.CleanupFunc != nil {
		return m.CleanupFunc(ctx, age)
	}
	return 0, nil
}

func (m *Mock) Close() error { return nil }

var _ Driver = (*Mock)(nil)

// pipeStream is an in-memory io.ReadWriteCloser used as the default
// AttachStream result in tests that don't care about stream content.
type pipeStream struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newPipeStream() *pipeStream {
	r, w := io.Pipe()
	return &pipeStream{r: r, w: w}
}

func (p *pipeStream) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeStream) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeStream) Close() error {
	_ = p.w.Close()
	return p.r.Close()
}
