// Package deploy drives a deployment through clone, build and deploy stages
// as a tracked state machine. One pipeline run owns all writes for its
// deployment; stage failures and cancellations are absorbed into the record,
// never propagated as faults.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/trymist/Mist/internal/domain"
	"github.com/trymist/Mist/internal/logparse"
	"github.com/trymist/Mist/internal/repository"
	"github.com/trymist/Mist/internal/state"
	"github.com/trymist/Mist/internal/stream"
	"github.com/trymist/Mist/internal/workspace"
)

var (
	// ErrDeploymentInProgress signals the app already has an active pipeline.
	ErrDeploymentInProgress = errors.New("deploy: app already has an active deployment")
	// ErrNotStoppable signals a stop request for a terminal deployment.
	ErrNotStoppable = errors.New("deploy: deployment is not stoppable")
)

// stoppedByUserMessage is the standard record message for user cancellation.
const stoppedByUserMessage = "deployment stopped by user"

// Stage progress milestones. Progress is monotonic across the whole run:
// clone owns 0-10, build 10-80, deploy 80-100.
const (
	progressCloning   = 10
	progressBuilding  = 40
	progressDeploying = 80
)

const teardownTimeout = 30 * time.Second

// sourceCloner fetches the app revision into a working directory and
// reports the checked-out commit.
type sourceCloner interface {
	Clone(ctx context.Context, app domain.App, dir string) (hash, message string, err error)
}

// imageBuilder builds the app image, streaming raw output lines in order.
type imageBuilder interface {
	Build(ctx context.Context, dir, tag string, onOutput func(string)) error
}

// containerRunner swaps the app's container for one running the new image.
type containerRunner interface {
	Replace(ctx context.Context, app domain.App) (containerID string, err error)
	Remove(ctx context.Context, name string) error
}

// Service orchestrates deployment pipelines.
type Service struct {
	apps       repository.AppRepository
	store      *state.Store
	streams    *stream.Registry
	cloner     sourceCloner
	builder    imageBuilder
	runner     containerRunner
	workspaces *workspace.Manager
	logger     *slog.Logger
	timeout    time.Duration

	mu         sync.Mutex
	activeApps map[int64]int64
	cancels    map[int64]context.CancelFunc
}

// New constructs the pipeline service.
func New(apps repository.AppRepository, store *state.Store, streams *stream.Registry, cloner sourceCloner, builder imageBuilder, runner containerRunner, workspaces *workspace.Manager, logger *slog.Logger, timeout time.Duration) *Service {
	return &Service{
		apps:       apps,
		store:      store,
		streams:    streams,
		cloner:     cloner,
		builder:    builder,
		runner:     runner,
		workspaces: workspaces,
		logger:     logger.With("component", "deploy"),
		timeout:    timeout,
		activeApps: make(map[int64]int64),
		cancels:    make(map[int64]context.CancelFunc),
	}
}

// Start validates the request, creates the deployment record and launches the
// pipeline asynchronously. At most one pipeline runs per app; a concurrent
// request fails fast with ErrDeploymentInProgress.
func (s *Service) Start(ctx context.Context, appID int64) (int64, error) {
	app, err := s.apps.GetAppByID(ctx, appID)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	if _, busy := s.activeApps[appID]; busy {
		s.mu.Unlock()
		return 0, ErrDeploymentInProgress
	}
	s.activeApps[appID] = 0
	s.mu.Unlock()

	dep, err := s.store.Create(ctx, appID, "", "")
	if err != nil {
		s.releaseApp(appID)
		// The database backstop fires when a non-terminal row survived a
		// process restart; report it as the same conflict.
		if errors.Is(err, repository.ErrConflict) {
			return 0, ErrDeploymentInProgress
		}
		return 0, fmt.Errorf("create deployment: %w", err)
	}

	runCtx := context.Background()
	var cancel context.CancelFunc
	if s.timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, s.timeout)
	} else {
		runCtx, cancel = context.WithCancel(runCtx)
	}

	s.mu.Lock()
	s.activeApps[appID] = dep.ID
	s.cancels[dep.ID] = cancel
	s.mu.Unlock()

	s.streams.Open(dep.ID)
	s.streams.Publish(dep.ID, stream.NewStatusEvent(*dep))
	s.logger.Info("deployment started", "deployment_id", dep.ID, "app_id", appID)

	go s.execute(runCtx, *app, dep.ID)
	return dep.ID, nil
}

// Stop cancels an active deployment. Stopping a terminal deployment returns
// ErrNotStoppable and does not mutate the record.
func (s *Service) Stop(ctx context.Context, deploymentID int64) error {
	dep, err := s.store.Get(ctx, deploymentID)
	if err != nil {
		return err
	}
	if dep.Status.Terminal() {
		return ErrNotStoppable
	}

	s.mu.Lock()
	cancel, running := s.cancels[deploymentID]
	s.mu.Unlock()
	if running {
		// The pipeline observes the cancellation at its next suspension
		// point and finalizes the record itself.
		cancel()
		return nil
	}

	// Orphaned record: no pipeline owns it (e.g. the process restarted
	// mid-run). Finalize directly.
	app, err := s.apps.GetAppByID(ctx, dep.AppID)
	if err == nil {
		s.teardownContainer(*app)
	}
	return s.finishStopped(deploymentID)
}

// Get returns one deployment record.
func (s *Service) Get(ctx context.Context, deploymentID int64) (*domain.Deployment, error) {
	return s.store.Get(ctx, deploymentID)
}

// History lists recent deployments for an app.
func (s *Service) History(ctx context.Context, appID int64, limit int) ([]domain.Deployment, error) {
	return s.store.ListByApp(ctx, appID, limit)
}

// execute runs the pipeline stages sequentially. Every external call is a
// suspension point where cancellation is observed and failures are caught.
func (s *Service) execute(ctx context.Context, app domain.App, deploymentID int64) {
	defer s.release(app.ID, deploymentID)

	dir, err := s.workspaces.Prepare(fmt.Sprintf("deployment-%d", deploymentID))
	if err != nil {
		s.fail(deploymentID, "workspace", err)
		return
	}
	defer func() {
		if err := s.workspaces.Cleanup(dir); err != nil {
			s.logger.Warn("workspace cleanup failed", "deployment_id", deploymentID, "error", err)
		}
	}()

	// Clone stage.
	if err := s.advance(deploymentID, domain.StatusCloning, "cloning", progressCloning); err != nil {
		return
	}
	s.emitLog(deploymentID, domain.LogEntry{Line: "Cloning " + app.RepoURL, Stream: domain.StreamStdout})
	hash, message, err := s.cloner.Clone(ctx, app, dir)
	if err != nil {
		s.stageFailed(ctx, deploymentID, app, "cloning", err)
		return
	}
	if err := s.store.SetCommit(context.Background(), deploymentID, hash, message); err != nil {
		s.logger.Warn("record commit failed", "deployment_id", deploymentID, "error", err)
	}

	// Build stage.
	if err := s.advance(deploymentID, domain.StatusBuilding, "building", progressBuilding); err != nil {
		return
	}
	err = s.builder.Build(ctx, dir, app.ImageTag(), func(line string) {
		if entry, ok := logparse.Parse(line); ok {
			s.emitLog(deploymentID, entry)
		}
	})
	if err != nil {
		s.stageFailed(ctx, deploymentID, app, "building", err)
		return
	}

	// Deploy stage.
	if err := s.advance(deploymentID, domain.StatusDeploying, "deploying", progressDeploying); err != nil {
		return
	}
	containerID, err := s.runner.Replace(ctx, app)
	if err != nil {
		s.stageFailed(ctx, deploymentID, app, "deploying", err)
		return
	}

	s.emitLog(deploymentID, domain.LogEntry{Line: "Container started: " + containerID, Stream: domain.StreamStdout})
	s.finishSuccess(deploymentID)
}

// advance applies one non-terminal transition and publishes it. A state
// error here means the record was finalized from outside the pipeline (stop
// of an orphan) and the run must end quietly.
func (s *Service) advance(deploymentID int64, status domain.DeploymentStatus, stage string, progress int) error {
	if err := s.store.UpdateStatus(context.Background(), deploymentID, status, stage, progress); err != nil {
		s.logger.Warn("status transition rejected", "deployment_id", deploymentID, "status", status, "error", err)
		return err
	}
	s.publishStatus(deploymentID)
	return nil
}

// stageFailed translates a stage error into the correct terminal state:
// stopped for cancellation, failed for timeouts and everything else.
func (s *Service) stageFailed(ctx context.Context, deploymentID int64, app domain.App, stage string, err error) {
	if errors.Is(ctx.Err(), context.Canceled) {
		s.teardownContainer(app)
		if ferr := s.finishStopped(deploymentID); ferr != nil {
			s.logger.Error("finalize stopped failed", "deployment_id", deploymentID, "error", ferr)
		}
		return
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("deployment timed out after %s", s.timeout)
	}
	s.fail(deploymentID, stage, err)
}

// fail finalizes the deployment as failed and publishes the terminal event.
func (s *Service) fail(deploymentID int64, stage string, err error) {
	s.logger.Error("deployment stage failed", "deployment_id", deploymentID, "stage", stage, "error", err)
	s.emitLog(deploymentID, domain.LogEntry{Line: err.Error(), Stream: domain.StreamStderr})
	if ferr := s.store.Finalize(context.Background(), deploymentID, domain.StatusFailed, err.Error()); ferr != nil {
		s.logger.Error("finalize failed", "deployment_id", deploymentID, "error", ferr)
		return
	}
	s.streams.Publish(deploymentID, stream.NewErrorEvent(err.Error()))
	s.publishStatus(deploymentID)
}

func (s *Service) finishStopped(deploymentID int64) error {
	s.emitLog(deploymentID, domain.LogEntry{Line: stoppedByUserMessage, Stream: domain.StreamStdout})
	if err := s.store.Finalize(context.Background(), deploymentID, domain.StatusStopped, stoppedByUserMessage); err != nil {
		return err
	}
	s.logger.Info("deployment stopped", "deployment_id", deploymentID)
	s.publishStatus(deploymentID)
	return nil
}

func (s *Service) finishSuccess(deploymentID int64) {
	if err := s.store.Finalize(context.Background(), deploymentID, domain.StatusSuccess, ""); err != nil {
		s.logger.Error("finalize success failed", "deployment_id", deploymentID, "error", err)
		return
	}
	s.logger.Info("deployment succeeded", "deployment_id", deploymentID)
	s.publishStatus(deploymentID)
}

// emitLog appends an entry to the durable log and publishes it live.
func (s *Service) emitLog(deploymentID int64, entry domain.LogEntry) {
	if err := s.store.AppendLog(context.Background(), deploymentID, entry); err != nil {
		s.logger.Warn("append log failed", "deployment_id", deploymentID, "error", err)
	}
	s.streams.Publish(deploymentID, stream.NewLogEvent(entry))
}

func (s *Service) publishStatus(deploymentID int64) {
	dep, err := s.store.Get(context.Background(), deploymentID)
	if err != nil {
		s.logger.Warn("load deployment for status event failed", "deployment_id", deploymentID, "error", err)
		return
	}
	s.streams.Publish(deploymentID, stream.NewStatusEvent(*dep))
}

// teardownContainer force-removes the app container so a cancelled deploy
// never leaves a half-started workload behind.
func (s *Service) teardownContainer(app domain.App) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := s.runner.Remove(ctx, app.ContainerName()); err != nil {
		s.logger.Warn("container teardown failed", "app_id", app.ID, "error", err)
	}
}

func (s *Service) release(appID, deploymentID int64) {
	s.mu.Lock()
	if cancel, ok := s.cancels[deploymentID]; ok {
		cancel()
		delete(s.cancels, deploymentID)
	}
	delete(s.activeApps, appID)
	s.mu.Unlock()
}

func (s *Service) releaseApp(appID int64) {
	s.mu.Lock()
	delete(s.activeApps, appID)
	s.mu.Unlock()
}
