// Package runtime answers "what is actually running" by reconciling app
// configuration against the live container engine, and applies lifecycle
// actions to app workloads.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/trymist/Mist/internal/docker"
	"github.com/trymist/Mist/internal/domain"
	"github.com/trymist/Mist/internal/repository"
)

const stopTimeout = 10 * time.Second

// ErrStackLifecycle signals a lifecycle action that only applies to
// single-container apps.
var ErrStackLifecycle = errors.New("runtime: action not supported for compose stacks")

// containerEngine is the slice of the engine client the reconciler needs.
type containerEngine interface {
	InspectContainer(ctx context.Context, name string) (docker.ContainerState, error)
	ListStackContainers(ctx context.Context, project string) ([]domain.ServiceStatus, error)
	StartContainer(ctx context.Context, name string) error
	StopContainer(ctx context.Context, name string, timeout time.Duration) error
	RestartContainer(ctx context.Context, name string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, name string) error
	RunContainer(ctx context.Context, name, image string, env []string, port int) (string, error)
}

// Service reconciles and manages app workloads.
type Service struct {
	apps   repository.AppRepository
	engine containerEngine
	logger *slog.Logger

	now func() time.Time
}

// New constructs the runtime service.
func New(apps repository.AppRepository, engine containerEngine, logger *slog.Logger) *Service {
	return &Service{
		apps:   apps,
		engine: engine,
		logger: logger.With("component", "runtime"),
		now:    time.Now,
	}
}

// Status reports the live aggregate state of an app's workload. The engine is
// queried fresh on every call; when it is unreachable the status degrades to
// unknown instead of failing the request.
func (s *Service) Status(ctx context.Context, appID int64) (*domain.StackStatus, error) {
	app, err := s.apps.GetAppByID(ctx, appID)
	if err != nil {
		return nil, err
	}
	if app.IsStack() {
		return s.stackStatus(ctx, *app), nil
	}
	return s.containerStatus(ctx, *app), nil
}

func (s *Service) stackStatus(ctx context.Context, app domain.App) *domain.StackStatus {
	services, err := s.engine.ListStackContainers(ctx, app.ComposeProject)
	if err != nil {
		s.logger.Warn("stack status query failed", "app_id", app.ID, "error", err)
		return &domain.StackStatus{State: domain.StackUnknown, Error: err.Error()}
	}
	if len(services) == 0 {
		return &domain.StackStatus{State: domain.StackStopped, Status: "Not deployed"}
	}

	running := 0
	for _, svc := range services {
		if svc.State == "running" {
			running++
		}
	}
	state := domain.StackPartial
	switch running {
	case len(services):
		state = domain.StackRunning
	case 0:
		state = domain.StackStopped
	}
	return &domain.StackStatus{
		State:    state,
		Status:   fmt.Sprintf("%d/%d Running", running, len(services)),
		Services: services,
	}
}

func (s *Service) containerStatus(ctx context.Context, app domain.App) *domain.StackStatus {
	state, err := s.engine.InspectContainer(ctx, app.ContainerName())
	if err != nil {
		if errors.Is(err, docker.ErrNotFound) {
			return &domain.StackStatus{State: domain.StackStopped, Status: "Not deployed"}
		}
		s.logger.Warn("container status query failed", "app_id", app.ID, "error", err)
		return &domain.StackStatus{State: domain.StackUnknown, Error: err.Error()}
	}

	aggregate := domain.StackStopped
	statusText := "0/1 Running"
	if state.Running {
		aggregate = domain.StackRunning
		statusText = "1/1 Running"
	}
	now := s.now()
	service := domain.ServiceStatus{
		Name:   state.Name,
		Status: containerStatusText(state, now),
		State:  state.State,
		Uptime: containerUptime(state, now),
	}
	return &domain.StackStatus{
		State:    aggregate,
		Status:   statusText,
		Services: []domain.ServiceStatus{service},
	}
}

// Start starts an app's workload. Starting an already running workload is a
// no-op.
func (s *Service) Start(ctx context.Context, appID int64) error {
	return s.eachContainer(ctx, appID, func(name string) error {
		return s.engine.StartContainer(ctx, name)
	})
}

// Stop stops an app's workload. Stopping an already stopped workload is a
// no-op.
func (s *Service) Stop(ctx context.Context, appID int64) error {
	return s.eachContainer(ctx, appID, func(name string) error {
		return s.engine.StopContainer(ctx, name, stopTimeout)
	})
}

// Restart restarts an app's workload regardless of current state.
func (s *Service) Restart(ctx context.Context, appID int64) error {
	return s.eachContainer(ctx, appID, func(name string) error {
		return s.engine.RestartContainer(ctx, name, stopTimeout)
	})
}

// Recreate removes the app's container and runs a fresh one from the current
// image and configuration. Compose stacks are rebuilt through a redeploy
// instead.
func (s *Service) Recreate(ctx context.Context, appID int64) error {
	app, err := s.apps.GetAppByID(ctx, appID)
	if err != nil {
		return err
	}
	if app.IsStack() {
		return ErrStackLifecycle
	}
	name := app.ContainerName()
	if err := s.engine.RemoveContainer(ctx, name); err != nil {
		return fmt.Errorf("remove container: %w", err)
	}
	if _, err := s.engine.RunContainer(ctx, name, app.ImageTag(), app.Env, app.Port); err != nil {
		return fmt.Errorf("recreate container: %w", err)
	}
	s.logger.Info("container recreated", "app_id", appID)
	return nil
}

// eachContainer applies an engine action to every container the app owns.
func (s *Service) eachContainer(ctx context.Context, appID int64, action func(name string) error) error {
	app, err := s.apps.GetAppByID(ctx, appID)
	if err != nil {
		return err
	}
	if !app.IsStack() {
		return action(app.ContainerName())
	}
	services, err := s.engine.ListStackContainers(ctx, app.ComposeProject)
	if err != nil {
		return fmt.Errorf("list stack containers: %w", err)
	}
	for _, svc := range services {
		if err := action(svc.Name); err != nil {
			return fmt.Errorf("service %s: %w", svc.Name, err)
		}
	}
	return nil
}

func containerStatusText(state docker.ContainerState, now time.Time) string {
	if !state.Running {
		return state.Status
	}
	uptime := containerUptime(state, now)
	if uptime == "" {
		return "Up"
	}
	return "Up " + uptime
}

// containerUptime is empty for stopped containers and for engines that did
// not report a start time.
func containerUptime(state docker.ContainerState, now time.Time) string {
	if !state.Running || state.StartedAt.IsZero() {
		return ""
	}
	uptime := now.Sub(state.StartedAt).Truncate(time.Second)
	if uptime < 0 {
		uptime = 0
	}
	return uptime.String()
}
