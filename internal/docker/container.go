package docker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/trymist/Mist/internal/domain"
)

const composeProjectLabel = "com.docker.compose.project"

// ContainerState is the inspected runtime view of one container.
type ContainerState struct {
	Name      string
	Status    string
	State     string
	Running   bool
	StartedAt time.Time
}

// InspectContainer returns the runtime state of a named container.
func (c *Client) InspectContainer(ctx context.Context, name string) (ContainerState, error) {
	inspect, err := c.inner.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return ContainerState{}, ErrNotFound
		}
		return ContainerState{}, fmt.Errorf("container inspect: %w", err)
	}
	state := ContainerState{Name: strings.TrimPrefix(inspect.Name, "/")}
	if inspect.State != nil {
		state.State = inspect.State.Status
		state.Running = inspect.State.Running
		state.Status = inspect.State.Status
		if started, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
			state.StartedAt = started
		}
	}
	return state, nil
}

// ListStackContainers returns all containers belonging to a compose project.
func (c *Client) ListStackContainers(ctx context.Context, project string) ([]domain.ServiceStatus, error) {
	args := filters.NewArgs(filters.Arg("label", composeProjectLabel+"="+project))
	containers, err := c.inner.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list stack containers: %w", err)
	}
	services := make([]domain.ServiceStatus, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}
		services = append(services, domain.ServiceStatus{
			Name:   name,
			Status: ctr.Status,
			State:  ctr.State,
		})
	}
	return services, nil
}

// StartContainer starts a stopped container. Starting a running container is
// a no-op.
func (c *Client) StartContainer(ctx context.Context, name string) error {
	if err := c.inner.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("container start: %w", err)
	}
	return nil
}

// StopContainer stops a running container. Stopping a stopped container is a
// no-op.
func (c *Client) StopContainer(ctx context.Context, name string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	opts := container.StopOptions{}
	if seconds > 0 {
		opts.Timeout = &seconds
	}
	if err := c.inner.ContainerStop(ctx, name, opts); err != nil {
		if client.IsErrNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("container stop: %w", err)
	}
	return nil
}

// RestartContainer restarts a container regardless of current state.
func (c *Client) RestartContainer(ctx context.Context, name string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	opts := container.StopOptions{}
	if seconds > 0 {
		opts.Timeout = &seconds
	}
	if err := c.inner.ContainerRestart(ctx, name, opts); err != nil {
		if client.IsErrNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("container restart: %w", err)
	}
	return nil
}

// RemoveContainer force-removes a container if it exists.
func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := c.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// RunContainer creates and starts a container for an app, publishing its
// configured port on the host.
func (c *Client) RunContainer(ctx context.Context, name, image string, env []string, port int) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(image) == "" {
		return "", fmt.Errorf("image name cannot be empty")
	}

	config := &container.Config{
		Image: image,
		Env:   env,
	}
	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: "always"},
	}
	if port > 0 {
		containerPort, err := nat.NewPort("tcp", strconv.Itoa(port))
		if err != nil {
			return "", fmt.Errorf("invalid port %d: %w", port, err)
		}
		config.ExposedPorts = nat.PortSet{containerPort: struct{}{}}
		hostCfg.PortBindings = nat.PortMap{
			containerPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(port)}},
		}
	}

	created, err := c.inner.ContainerCreate(ctx, config, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}
	if err := c.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("container start: %w", err)
	}
	return created.ID, nil
}
