// Package sandbox manages the per-session container: one isolated desktop
// plus tool server per live session.
package sandbox

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/ottobot/ottobot/internal/common/apperr"
	"github.com/ottobot/ottobot/internal/common/logger"
)

// BindMount maps a host path into the container.
type BindMount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// PortMapping publishes a container port on a fixed host port.
type PortMapping struct {
	HostPort      int
	ContainerPort int
}

// ContainerSpec describes a sandbox container to create.
type ContainerSpec struct {
	Name        string
	Image       string
	Env         []string
	Labels      map[string]string
	Mounts      []BindMount
	Ports       []PortMapping
	NetworkMode string
	Memory      int64 // bytes
	NanoCPUs    int64
}

// Info is the runtime's view of a container.
type Info struct {
	ID        string
	Name      string
	State     string
	Running   bool
	CreatedAt time.Time
	Labels    map[string]string
}

// Runtime is the container engine surface the supervisor depends on.
type Runtime interface {
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string, grace time.Duration) error
	Remove(ctx context.Context, containerID string, force bool) error
	Inspect(ctx context.Context, containerID string) (*Info, error)
	List(ctx context.Context, labels map[string]string) ([]Info, error)
	Ping(ctx context.Context) error
	Close() error
}

// DockerRuntime implements Runtime on the Docker Engine API.
type DockerRuntime struct {
	cli    *client.Client
	logger *logger.Logger
}

// NewDockerRuntime connects to the daemon at host (empty = environment default).
func NewDockerRuntime(host string, log *logger.Logger) (*DockerRuntime, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	log.Info("Docker client created", zap.String("host", host))
	return &DockerRuntime{
		cli:    cli,
		logger: log.WithFields(zap.String("component", "docker-runtime")),
	}, nil
}

// Close closes the daemon connection.
func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

// Ping checks daemon availability.
func (r *DockerRuntime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return apperr.WrapCause(apperr.ErrSandbox, err, "docker ping")
	}
	return nil
}

// Create creates the container without starting it.
func (r *DockerRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	r.logger.Info("Creating container",
		zap.String("name", spec.Name),
		zap.String("image", spec.Image),
	)

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range spec.Ports {
		port, err := nat.NewPort("tcp", strconv.Itoa(p.ContainerPort))
		if err != nil {
			return "", apperr.WrapCause(apperr.ErrSandbox, err, "invalid container port")
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{
			HostIP:   "0.0.0.0",
			HostPort: strconv.Itoa(p.HostPort),
		}}
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	containerCfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Labels:       spec.Labels,
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{
		Mounts:       mounts,
		NetworkMode:  container.NetworkMode(spec.NetworkMode),
		PortBindings: bindings,
		SecurityOpt:  []string{"no-new-privileges"},
		Resources: container.Resources{
			Memory:   spec.Memory,
			NanoCPUs: spec.NanoCPUs,
		},
	}

	resp, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		r.logger.Error("Failed to create container",
			zap.String("name", spec.Name),
			zap.Error(err),
		)
		return "", apperr.WrapCause(apperr.ErrSandbox, err, "create container")
	}

	r.logger.Info("Container created", zap.String("container_id", resp.ID), zap.String("name", spec.Name))
	return resp.ID, nil
}

// Start starts a created container.
func (r *DockerRuntime) Start(ctx context.Context, containerID string) error {
	r.logger.Info("Starting container", zap.String("container_id", containerID))

	if err := r.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		r.logger.Error("Failed to start container", zap.String("container_id", containerID), zap.Error(err))
		return apperr.WrapCause(apperr.ErrSandbox, err, "start container")
	}
	return nil
}

// Stop stops a container, escalating to SIGKILL after grace. Stopping a
// missing container is not an error.
func (r *DockerRuntime) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	r.logger.Info("Stopping container",
		zap.String("container_id", containerID),
		zap.Duration("grace", grace),
	)

	seconds := int(grace.Seconds())
	err := r.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		r.logger.Error("Failed to stop container", zap.String("container_id", containerID), zap.Error(err))
		return apperr.WrapCause(apperr.ErrSandbox, err, "stop container")
	}
	return nil
}

// Remove deletes a container and its anonymous volumes. Removing a missing
// container is not an error.
func (r *DockerRuntime) Remove(ctx context.Context, containerID string, force bool) error {
	r.logger.Info("Removing container",
		zap.String("container_id", containerID),
		zap.Bool("force", force),
	)

	err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		r.logger.Error("Failed to remove container", zap.String("container_id", containerID), zap.Error(err))
		return apperr.WrapCause(apperr.ErrSandbox, err, "remove container")
	}
	return nil
}

// Inspect returns container state; ErrNotFound when it does not exist.
func (r *DockerRuntime) Inspect(ctx context.Context, containerID string) (*Info, error) {
	inspect, err := r.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, apperr.Wrap(apperr.ErrNotFound, "container %s", containerID)
		}
		return nil, apperr.WrapCause(apperr.ErrSandbox, err, "inspect container")
	}

	info := &Info{
		ID:      inspect.ID,
		Name:    trimSlash(inspect.Name),
		State:   inspect.State.Status,
		Running: inspect.State.Running,
	}
	if inspect.Config != nil {
		info.Labels = inspect.Config.Labels
	}
	if created, err := time.Parse(time.RFC3339Nano, inspect.Created); err == nil {
		info.CreatedAt = created
	}
	return info, nil
}

// List returns containers (running or not) matching every given label.
func (r *DockerRuntime) List(ctx context.Context, labels map[string]string) ([]Info, error) {
	filterArgs := filters.NewArgs()
	for key, value := range labels {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", key, value))
	}

	containers, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, apperr.WrapCause(apperr.ErrSandbox, err, "list containers")
	}

	infos := make([]Info, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = trimSlash(ctr.Names[0])
		}
		infos = append(infos, Info{
			ID:        ctr.ID,
			Name:      name,
			State:     ctr.State,
			Running:   ctr.State == "running",
			CreatedAt: time.Unix(ctr.Created, 0),
			Labels:    ctr.Labels,
		})
	}
	return infos, nil
}

func trimSlash(name string) string {
	if len(name) > 0 && name[0] == '/' {
		return name[1:]
	}
	return name
}
