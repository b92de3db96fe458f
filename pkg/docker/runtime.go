package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"
)

// Runtime is the isolated execution capability the executor drives. Implementations start a unit,
// report its state, return its combined output and release it.
type Runtime interface {
	Start(ctx context.Context, req ExecutionRequest) (string, error)
	Inspect(ctx context.Context, id string) (UnitState, error)
	Logs(ctx context.Context, id string) (string, error)
	Remove(ctx context.Context, id string) error
}

// UnitState is the observed phase of a started unit.
type UnitState struct {
	Status   string
	ExitCode int
}

// IsActive reports whether the unit is still in the created or running phase.
func (s UnitState) IsActive() bool {
	return s.Status == "running" || s.Status == "created"
}

// RuntimeConfig groups Docker runtime configuration values.
type RuntimeConfig struct {
	Host          string
	BindTarget    string
	MemoryLimitMB int64
	Logger        zerolog.Logger
}

// DockerRuntime implements Runtime on top of the Docker engine API.
type DockerRuntime struct {
	client *client.Client
	cfg    RuntimeConfig
	logger zerolog.Logger
}

// NewDockerRuntime constructs a Docker backed runtime.
func NewDockerRuntime(cfg RuntimeConfig) (*DockerRuntime, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	if cfg.BindTarget == "" {
		cfg.BindTarget = "/home/jupyter"
	}

	return &DockerRuntime{
		client: cli,
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "docker_runtime").Logger(),
	}, nil
}

// Start creates and starts a container for the request, binding the working directory read-write.
func (r *DockerRuntime) Start(ctx context.Context, req ExecutionRequest) (string, error) {
	if req.Image == "" {
		return "", &StartError{Kind: StartFailureUnknown, Err: errors.New("image is required")}
	}

	memory := req.MemoryLimitMB
	if memory <= 0 {
		memory = r.cfg.MemoryLimitMB
	}

	hostCfg := &container.HostConfig{
		AutoRemove: false,
		Resources: container.Resources{
			Memory: memory * 1024 * 1024,
		},
	}

	target := req.BindTarget
	if target == "" {
		target = r.cfg.BindTarget
	}

	if req.WorkingDir != "" {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   req.WorkingDir,
			Target:   target,
			ReadOnly: false,
		})
	}

	config := &container.Config{
		Image:        req.Image,
		Cmd:          req.Cmd,
		Env:          req.Env,
		WorkingDir:   target,
		AttachStdout: true,
		AttachStderr: true,
	}

	resp, err := r.client.ContainerCreate(ctx, config, hostCfg, &network.NetworkingConfig{}, nil, "")
	if err != nil {
		return "", classifyStartError("container create", err)
	}

	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := r.Remove(ctx, resp.ID); removeErr != nil {
			r.logger.Error().Err(removeErr).Str("container_id", resp.ID).Msg("failed to remove container that did not start")
		}
		return "", classifyStartError("container start", err)
	}

	return resp.ID, nil
}

// Inspect reports the container's current phase and exit code.
func (r *DockerRuntime) Inspect(ctx context.Context, id string) (UnitState, error) {
	info, err := r.client.ContainerInspect(ctx, id)
	if err != nil {
		return UnitState{}, fmt.Errorf("container inspect: %w", err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return UnitState{}, fmt.Errorf("container inspect: no state reported for %s", id)
	}
	return UnitState{Status: info.State.Status, ExitCode: info.State.ExitCode}, nil
}

// Logs returns stdout and stderr of the container interleaved into one log.
func (r *DockerRuntime) Logs(ctx context.Context, id string) (string, error) {
	reader, err := r.client.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("container logs: %w", err)
	}
	defer reader.Close()

	return combineDockerLogs(reader)
}

// Remove force-removes the container.
func (r *DockerRuntime) Remove(ctx context.Context, id string) error {
	if err := r.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

// Close shuts down the runtime's underlying client.
func (r *DockerRuntime) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

func combineDockerLogs(reader io.Reader) (string, error) {
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func classifyStartError(op string, err error) error {
	wrapped := fmt.Errorf("%s: %w", op, err)
	switch {
	case errdefs.IsNotFound(err):
		return &StartError{Kind: StartFailureImageNotFound, Err: wrapped}
	case errdefs.IsUnavailable(err), errdefs.IsSystem(err), errdefs.IsConflict(err):
		return &StartError{Kind: StartFailureResourceUnavailable, Err: wrapped}
	default:
		return &StartError{Kind: StartFailureUnknown, Err: wrapped}
	}
}
