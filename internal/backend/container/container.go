// Package container implements the Backend contract on Docker. Unlike the
// local-namespace backend it has a true pause primitive, so suspend keeps
// in-memory process state.
package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	units "github.com/docker/go-units"

	"github.com/p-arndt/runspace/internal/backend"
	"github.com/p-arndt/runspace/internal/config"
	"github.com/p-arndt/runspace/internal/registry"
	"github.com/p-arndt/runspace/protocol"
)

const labelPrefix = "runspace."

// workspaceTarget is where the project path is bind-mounted inside the
// container.
const workspaceTarget = "/workspace"

type Backend struct {
	docker *client.Client
	cfg    config.BackendDefaults
	logger *slog.Logger
}

func New(cfg config.BackendDefaults, logger *slog.Logger) (*Backend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Backend{docker: cli, cfg: cfg, logger: logger}, nil
}

func (b *Backend) Close() error {
	return b.docker.Close()
}

// Ping verifies the Docker daemon is reachable.
func (b *Backend) Ping(ctx context.Context) error {
	_, err := b.docker.Ping(ctx)
	return err
}

func (b *Backend) Type() registry.BackendType {
	return registry.BackendContainer
}

func containerName(rs *registry.Runspace) string {
	return "runspace-" + rs.ID
}

func containerEnv(rs *registry.Runspace) []string {
	return []string{
		protocol.EnvRunspaceID + "=" + rs.ID,
		protocol.EnvRunspaceName + "=" + rs.Name,
		protocol.EnvRunspacePath + "=" + workspaceTarget,
		"PS1=" + protocol.Prompt(rs.DisplayName),
		"TERM=xterm-256color",
	}
}

func (b *Backend) Start(ctx context.Context, rs *registry.Runspace) (backend.Handle, error) {
	// Idempotent: an existing live container for this runspace is the
	// handle.
	if id, state, err := b.findContainer(ctx, rs.ID); err == nil && id != "" {
		switch state {
		case "running":
			return backend.Handle{ContainerID: id}, nil
		case "paused":
			if err := b.docker.ContainerUnpause(ctx, id); err != nil {
				return backend.Handle{}, fmt.Errorf("%w: unpause: %v", backend.ErrFailure, err)
			}
			return backend.Handle{ContainerID: id}, nil
		default:
			if err := b.docker.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
				return backend.Handle{}, fmt.Errorf("%w: restart: %v", backend.ErrFailure, err)
			}
			return backend.Handle{ContainerID: id}, nil
		}
	}

	labels := map[string]string{
		labelPrefix + "id":      rs.ID,
		labelPrefix + "name":    rs.Name,
		labelPrefix + "managed": "true",
	}

	resources := container.Resources{
		NanoCPUs: int64(b.cfg.ContainerCPULimit * 1e9),
		Memory:   int64(b.cfg.ContainerMemLimitMB) * units.MiB,
	}
	if b.cfg.ContainerPidsLimit > 0 {
		pids := int64(b.cfg.ContainerPidsLimit)
		resources.PidsLimit = &pids
	}

	hostCfg := &container.HostConfig{
		Resources:   resources,
		AutoRemove:  false,
		SecurityOpt: []string{"no-new-privileges"},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: rs.Path,
				Target: workspaceTarget,
			},
		},
	}

	containerCfg := &container.Config{
		Image:      b.cfg.ContainerImage,
		Labels:     labels,
		Env:        containerEnv(rs),
		WorkingDir: workspaceTarget,
		Tty:        false,
		// Keep the environment alive without a workload process.
		Cmd: []string{"sleep", "infinity"},
	}

	resp, err := b.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, containerName(rs))
	if err != nil {
		return backend.Handle{}, fmt.Errorf("%w: container create: %v", backend.ErrFailure, err)
	}

	if err := b.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Clean up on start failure.
		b.docker.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return backend.Handle{}, fmt.Errorf("%w: container start: %v", backend.ErrFailure, err)
	}

	b.logger.Info("runspace container started", "runspace_id", rs.ID, "container_id", resp.ID[:12])
	return backend.Handle{ContainerID: resp.ID}, nil
}

func (b *Backend) Stop(ctx context.Context, rs *registry.Runspace) error {
	id := rs.ContainerID
	if id == "" {
		found, _, err := b.findContainer(ctx, rs.ID)
		if err != nil || found == "" {
			return nil // already stopped
		}
		id = found
	}

	grace := b.cfg.StopGraceSeconds
	if err := b.docker.ContainerStop(ctx, id, container.StopOptions{Timeout: &grace}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("%w: container stop: %v", backend.ErrFailure, err)
	}
	if err := b.docker.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("%w: container remove: %v", backend.ErrFailure, err)
	}
	return nil
}

func (b *Backend) Suspend(ctx context.Context, rs *registry.Runspace) error {
	if rs.ContainerID == "" {
		return nil
	}
	err := b.docker.ContainerPause(ctx, rs.ContainerID)
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("%w: container pause: %v", backend.ErrFailure, err)
	}
	return nil
}

func (b *Backend) Resume(ctx context.Context, rs *registry.Runspace) (backend.Handle, error) {
	return b.Start(ctx, rs)
}

func (b *Backend) Execute(ctx context.Context, rs *registry.Runspace, command string) (string, error) {
	if rs.ContainerID == "" {
		return "", fmt.Errorf("%w: runspace %s", backend.ErrUnavailable, rs.ID)
	}

	execCfg := container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", command},
		WorkingDir:   workspaceTarget,
		Env:          containerEnv(rs),
		AttachStdout: true,
		AttachStderr: true,
	}

	execResp, err := b.docker.ContainerExecCreate(ctx, rs.ContainerID, execCfg)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", fmt.Errorf("%w: runspace %s", backend.ErrUnavailable, rs.ID)
		}
		return "", fmt.Errorf("%w: exec create: %v", backend.ErrFailure, err)
	}

	attachResp, err := b.docker.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", fmt.Errorf("%w: exec attach: %v", backend.ErrFailure, err)
	}
	defer attachResp.Close()

	// Demultiplex Docker's stdout/stderr stream (8-byte headers).
	var stdoutBuf, stderrBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, attachResp.Reader); err != nil {
		return "", fmt.Errorf("%w: exec read: %v", backend.ErrFailure, err)
	}
	stdoutBuf.Write(stderrBuf.Bytes())
	return stdoutBuf.String(), nil
}

// ShellCommand hands out an interactive shell inside the container via the
// docker CLI: creack/pty drives an os/exec process, not a stream, so the
// SDK's hijacked connection cannot be used here.
func (b *Backend) ShellCommand(rs *registry.Runspace) (*exec.Cmd, error) {
	if rs.ContainerID == "" {
		return nil, fmt.Errorf("%w: runspace %s", backend.ErrUnavailable, rs.ID)
	}
	args := []string{"exec", "-it", "-w", workspaceTarget}
	for _, kv := range containerEnv(rs) {
		args = append(args, "-e", kv)
	}
	args = append(args, rs.ContainerID, b.shell())
	return exec.Command("docker", args...), nil
}

func (b *Backend) Health(ctx context.Context, rs *registry.Runspace) (backend.Health, error) {
	if rs.ContainerID == "" {
		return backend.StoppedHealth(), nil
	}

	info, err := b.docker.ContainerInspect(ctx, rs.ContainerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return backend.StoppedHealth(), nil
		}
		return backend.StoppedHealth(), nil
	}
	if info.State == nil || !(info.State.Running || info.State.Paused) {
		return backend.StoppedHealth(), nil
	}

	h := backend.Health{Status: backend.Healthy, LastCheck: time.Now().UTC()}
	if info.State.Paused {
		h.Status = backend.Degraded
	}
	if started, perr := time.Parse(time.RFC3339Nano, info.State.StartedAt); perr == nil {
		h.UptimeSeconds = int64(time.Since(started).Seconds())
	}

	if stats, serr := b.docker.ContainerStatsOneShot(ctx, rs.ContainerID); serr == nil {
		var v container.StatsResponse
		if derr := decodeStats(stats.Body, &v); derr == nil {
			h.MemoryMB = float64(v.MemoryStats.Usage) / float64(units.MiB)
			if sys := v.CPUStats.SystemUsage; sys > 0 {
				h.CPUPercent = float64(v.CPUStats.CPUUsage.TotalUsage) / float64(sys) * 100
			}
		}
		stats.Body.Close()
	}

	return h, nil
}

// findContainer locates a managed container for the runspace id, returning
// its full id and state.
func (b *Backend) findContainer(ctx context.Context, runspaceID string) (string, string, error) {
	f := filters.NewArgs()
	f.Add("label", labelPrefix+"id="+runspaceID)

	containers, err := b.docker.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return "", "", fmt.Errorf("container list: %w", err)
	}
	if len(containers) == 0 {
		return "", "", nil
	}
	return containers[0].ID, string(containers[0].State), nil
}

func (b *Backend) shell() string {
	if b.cfg.Shell != "" {
		return b.cfg.Shell
	}
	return "/bin/sh"
}

func decodeStats(r io.Reader, v *container.StatsResponse) error {
	return json.NewDecoder(r).Decode(v)
}
