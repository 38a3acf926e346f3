package container

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/termflux/termflux/internal/errs"
)

// stripFraming removes the container runtime's 8-byte exec stream header
// ([streamType, 0, 0, 0, size32BE]) from chunks not attached to a TTY.
// TTY-attached streams (the attach path) are passed through unmodified, so
// this is only ever applied from Exec, never AttachStream.
func stripFraming(raw []byte) []byte {
	var out bytes.Buffer
	for len(raw) > 0 {
		if len(raw) < 9 || (raw[0] != 1 && raw[0] != 2) {
			out.Write(raw)
			break
		}
		size := binary.BigEndian.Uint32(raw[4:8])
		raw = raw[8:]
		n := int(size)
		if n > len(raw) {
			n = len(raw)
		}
		out.Write(raw[:n])
		raw = raw[n:]
	}
	return out.Bytes()
}

// Exec runs argv as uid:gid 1000:1000 in /home/dev by default, capturing
// combined stdout/stderr with the 8-byte stream framing stripped, and
// returns the inspect-reported exit code once the stream closes. No
// timeout is imposed here; callers own that.
func (c *Client) Exec(ctx context.Context, workspaceID string, argv []string, opts ExecOptions) (ExecResult, error) {
	name := containerName(workspaceID)

	user := opts.User
	if user == "" {
		user = runtimeUser
	}
	workDir := opts.WorkingDir
	if workDir == "" {
		workDir = homeDir
	}

	execCfg := container.ExecOptions{
		Cmd:          argv,
		Env:          opts.Env,
		User:         user,
		WorkingDir:   workDir,
		AttachStdout: true,
		AttachStderr: true,
	}

	created, err := c.cli.ContainerExecCreate(ctx, name, execCfg)
	if err != nil {
		return ExecResult{}, errs.Backend(err, "exec create in %s", name)
	}

	resp, err := c.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return ExecResult{}, errs.Backend(err, "exec attach in %s", name)
	}
	defer resp.Close()

	raw, err := io.ReadAll(resp.Reader)
	if err != nil {
		return ExecResult{}, errs.Backend(err, "read exec output in %s", name)
	}

	inspect, err := c.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, errs.Backend(err, "exec inspect in %s", name)
	}

	return ExecResult{Output: stripFraming(raw), ExitCode: inspect.ExitCode}, nil
}

// hijackedStream adapts a Docker SDK HijackedResponse into io.ReadWriteCloser.
type hijackedStream struct {
	conn   io.ReadWriteCloser
	closer func() error
}

func (h *hijackedStream) Read(p []byte) (int, error)  { return h.conn.Read(p) }
func (h *hijackedStream) Write(p []byte) (int, error) { return h.conn.Write(p) }
func (h *hijackedStream) Close() error                { return h.closer() }

// AttachStream opens a hijacked, TTY-attached bidirectional stream suitable
// for the terminal gateway's multiplexer attach command (C5). The caller
// owns its lifetime; bytes are passed through unmodified (no framing, since
// the exec is created with Tty:true).
func (c *Client) AttachStream(ctx context.Context, workspaceID string, argv []string) (io.ReadWriteCloser, error) {
	name := containerName(workspaceID)

	execCfg := container.ExecOptions{
		Cmd:          argv,
		User:         runtimeUser,
		WorkingDir:   homeDir,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}

	created, err := c.cli.ContainerExecCreate(ctx, name, execCfg)
	if err != nil {
		return nil, errs.Backend(err, "exec create (attach) in %s", name)
	}

	resp, err := c.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{Tty: true})
	if err != nil {
		return nil, errs.Backend(err, "exec attach (tty) in %s", name)
	}

	return &hijackedStream{conn: resp.Conn, closer: func() error { resp.Close(); return nil }}, nil
}
