package container

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-units"
	"github.com/termflux/termflux/internal/errs"
)

// hardenedCapAdd is the capability set added back after dropping ALL.
// Workspaces always run hardened; there are no relaxation tiers.
var hardenedCapAdd = []string{
	"CHOWN", "DAC_OVERRIDE", "FOWNER", "FSETID", "KILL", "SETGID", "SETUID",
	"SETPCAP", "NET_BIND_SERVICE", "SYS_CHROOT", "MKNOD", "AUDIT_WRITE", "SETFCAP",
}

const (
	homeDir        = "/home/dev"
	runtimeUser    = "1000:1000"
	pidsLimit      = 256
	restartRetries = 3
	logMaxSizeMiB  = "10m"
	logMaxFiles    = "3"
)

// Provision creates the named volume if absent, removes any stale
// container of the same name, creates a new hardened container bound to
// that volume at /home/dev, and starts it.
func (c *Client) Provision(ctx context.Context, cfg ProvisionConfig) (Handle, error) {
	name := containerName(cfg.WorkspaceID)
	vol := volumeName(cfg.WorkspaceID)

	if _, err := c.cli.VolumeInspect(ctx, vol); err != nil {
		if _, createErr := c.cli.VolumeCreate(ctx, volume.CreateOptions{Name: vol}); createErr != nil {
			return Handle{}, errs.Backend(createErr, "create volume %s", vol)
		}
	}

	if existing, err := c.cli.ContainerInspect(ctx, name); err == nil {
		if removeErr := c.cli.ContainerRemove(ctx, existing.ID, container.RemoveOptions{Force: true}); removeErr != nil {
			return Handle{}, errs.Conflict("container %s already exists and could not be removed: %v", name, removeErr)
		}
	}

	env := []string{
		"WORKSPACE_ID=" + cfg.WorkspaceID,
		"USER_ID=" + cfg.UserID,
		"TERM=xterm-256color",
		"HOME=" + homeDir,
	}
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	nanoCPUs := int64(cfg.CPUCores * 1e9)
	memBytes := cfg.MemoryMiB * (1 << 20)
	swapBytes := memBytes * 2
	pids := int64(pidsLimit)
	retries := restartRetries

	containerCfg := &container.Config{
		Image:      cfg.Image,
		User:       runtimeUser,
		WorkingDir: homeDir,
		Env:        env,
		Tty:        false,
		Cmd:        []string{"sleep", "infinity"},
		Labels:     map[string]string{ManagedLabel: "true"},
	}

	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: vol,
			Target: homeDir,
		}},
		Resources: container.Resources{
			NanoCPUs:   nanoCPUs,
			Memory:     memBytes,
			MemorySwap: swapBytes,
			PidsLimit:  &pids,
		},
		CapDrop:        []string{"ALL"},
		CapAdd:         hardenedCapAdd,
		SecurityOpt:    []string{"no-new-privileges:true"},
		RestartPolicy:  container.RestartPolicy{Name: container.RestartPolicyUnlessStopped, MaximumRetryCount: retries},
		LogConfig: container.LogConfig{
			Type: "json-file",
			Config: map[string]string{
				"max-size": logMaxSizeMiB,
				"max-file": logMaxFiles,
			},
		},
	}

	c.log.WithField("workspace_id", cfg.WorkspaceID).
		WithField("memory", units.BytesSize(float64(memBytes))).
		WithField("swap", units.BytesSize(float64(swapBytes))).
		Info("container: provisioning")

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return Handle{}, classifyCreateError(err)
	}

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = c.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return Handle{}, errs.Backend(err, "start container %s", name)
	}

	return Handle{ContainerID: resp.ID, Name: name}, nil
}

func classifyCreateError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "Conflict") || strings.Contains(msg, "already in use") {
		return errs.Conflict("container name collision: %v", err)
	}
	if strings.Contains(msg, "no space") || strings.Contains(msg, "resource") || strings.Contains(msg, "cgroup") {
		return errs.Resource("container runtime refused resource request: %v", err)
	}
	return errs.Backend(err, "create container")
}

// Status reports whether the workspace's container is running, stopped, or
// absent entirely.
func (c *Client) Status(ctx context.Context, workspaceID string) (Status, error) {
	info, err := c.cli.ContainerInspect(ctx, containerName(workspaceID))
	if err != nil {
		if client.IsErrNotFound(err) {
			return StatusNotFound, nil
		}
		return "", errs.Backend(err, "inspect container")
	}
	if info.State != nil && info.State.Running {
		return StatusRunning, nil
	}
	return StatusStopped, nil
}

// StartedAt returns the container's start time as reported by inspect,
// used by internal/provisioner.Health to compute uptime.
func (c *Client) StartedAt(ctx context.Context, workspaceID string) (time.Time, error) {
	info, err := c.cli.ContainerInspect(ctx, containerName(workspaceID))
	if err != nil {
		return time.Time{}, errs.Backend(err, "inspect container")
	}
	if info.State == nil || info.State.StartedAt == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, info.State.StartedAt)
	if err != nil {
		return time.Time{}, errs.Backend(err, "parse container start time")
	}
	return t, nil
}

// Stop stops a running container with the given grace period. A missing
// container is not an error.
func (c *Client) Stop(ctx context.Context, workspaceID string, graceSec int) error {
	name := containerName(workspaceID)
	if err := c.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &graceSec}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return errs.Backend(err, "stop container %s", name)
	}
	return nil
}

// Remove removes a workspace's container, optionally its backing volume.
// A missing container is not an error.
func (c *Client) Remove(ctx context.Context, workspaceID string, removeVolume bool) error {
	name := containerName(workspaceID)
	if err := c.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		if !client.IsErrNotFound(err) {
			return errs.Backend(err, "remove container %s", name)
		}
	}
	if removeVolume {
		_ = c.cli.VolumeRemove(ctx, volumeName(workspaceID), true)
	}
	return nil
}

// List returns every container termflux manages (label termflux.managed=true).
func (c *Client) List(ctx context.Context) ([]Handle, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", ManagedLabel+"=true")

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		return nil, errs.Backend(err, "list containers")
	}

	result := make([]Handle, 0, len(containers))
	for _, ct := range containers {
		name := ""
		if len(ct.Names) > 0 {
			name = strings.TrimPrefix(ct.Names[0], "/")
		}
		result = append(result, Handle{ContainerID: ct.ID, Name: name})
	}
	return result, nil
}

// Cleanup removes managed containers that have been stopped for longer
// than age, leaving volumes intact so a retried provision can reattach.
func (c *Client) Cleanup(ctx context.Context, age time.Duration) (int, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", ManagedLabel+"=true")
	filterArgs.Add("status", "exited")

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		return 0, errs.Backend(err, "list containers for cleanup")
	}

	cutoff := time.Now().Add(-age)
	removed := 0
	for _, ct := range containers {
		info, err := c.cli.ContainerInspect(ctx, ct.ID)
		if err != nil {
			continue
		}
		finishedAt, parseErr := time.Parse(time.RFC3339Nano, info.State.FinishedAt)
		if parseErr != nil || finishedAt.After(cutoff) {
			continue
		}
		if err := c.cli.ContainerRemove(ctx, ct.ID, container.RemoveOptions{Force: true}); err == nil {
			removed++
		}
	}
	return removed, nil
}
