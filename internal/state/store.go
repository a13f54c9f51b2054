// Package state implements the durable deployment record with the transition
// rules the pipeline relies on: monotonic progress, terminal states that
// never move again, and an append-only log per deployment.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/trymist/Mist/internal/domain"
	"github.com/trymist/Mist/internal/logstore"
	"github.com/trymist/Mist/internal/repository"
)

var (
	// ErrTerminal indicates an update was attempted after a terminal status.
	ErrTerminal = errors.New("state: deployment already terminal")
	// ErrProgressRegression indicates an update would move progress backward.
	ErrProgressRegression = errors.New("state: progress cannot decrease")
)

// Store is the single source of truth for deployment records. One pipeline
// instance owns writes for a given deployment id; reads may happen
// concurrently from any caller.
type Store struct {
	deployments repository.DeploymentRepository
	logs        *logstore.Store
	logger      *slog.Logger

	mu      sync.Mutex
	writers map[int64]*logstore.Writer

	now func() time.Time
}

// New constructs a Store over the deployment repository and log files.
func New(deployments repository.DeploymentRepository, logs *logstore.Store, logger *slog.Logger) *Store {
	return &Store{
		deployments: deployments,
		logs:        logs,
		logger:      logger,
		writers:     make(map[int64]*logstore.Writer),
		now:         time.Now,
	}
}

// Create records a new deployment in status pending with progress 0 and opens
// its log artifact.
func (s *Store) Create(ctx context.Context, appID int64, commitHash, commitMessage string) (*domain.Deployment, error) {
	now := s.now().UTC()
	dep := &domain.Deployment{
		AppID:         appID,
		CommitHash:    commitHash,
		CommitMessage: commitMessage,
		Status:        domain.StatusPending,
		Stage:         "pending",
		Progress:      0,
		CreatedAt:     now,
		StartedAt:     now,
	}
	if err := s.deployments.CreateDeployment(ctx, dep); err != nil {
		return nil, fmt.Errorf("create deployment: %w", err)
	}

	w, err := s.logs.Open(dep.ID)
	if err != nil {
		// Fail the freshly inserted row so it does not hold the app's
		// active-deployment slot until the stale sweep.
		s.releaseRow(ctx, dep.ID, "failed to open build log")
		return nil, fmt.Errorf("open deployment log: %w", err)
	}
	s.mu.Lock()
	s.writers[dep.ID] = w
	s.mu.Unlock()
	return dep, nil
}

func (s *Store) releaseRow(ctx context.Context, deploymentID int64, message string) {
	now := s.now().UTC()
	var duration int64
	update := domain.DeploymentStatusUpdate{
		DeploymentID: deploymentID,
		Status:       domain.StatusFailed,
		Stage:        string(domain.StatusFailed),
		ErrorMessage: message,
		Duration:     &duration,
		FinishedAt:   &now,
	}
	if err := s.deployments.UpdateDeploymentStatus(ctx, update); err != nil {
		s.logger.Error("release deployment row failed", "deployment_id", deploymentID, "error", err)
	}
}

// AppendLog durably appends one entry to the deployment's log.
func (s *Store) AppendLog(ctx context.Context, deploymentID int64, entry domain.LogEntry) error {
	w, err := s.writer(deploymentID)
	if err != nil {
		return err
	}
	return w.Append(entry)
}

// UpdateStatus applies one non-terminal transition. Updates after a terminal
// status fail with ErrTerminal; backward progress fails with
// ErrProgressRegression.
func (s *Store) UpdateStatus(ctx context.Context, deploymentID int64, status domain.DeploymentStatus, stage string, progress int) error {
	current, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		if status == current.Status {
			return nil
		}
		return ErrTerminal
	}
	if progress < current.Progress {
		return ErrProgressRegression
	}
	return s.deployments.UpdateDeploymentStatus(ctx, domain.DeploymentStatusUpdate{
		DeploymentID: deploymentID,
		Status:       status,
		Stage:        stage,
		Progress:     progress,
		ErrorMessage: current.ErrorMessage,
	})
}

// SetCommit records the revision resolved during the clone stage.
func (s *Store) SetCommit(ctx context.Context, deploymentID int64, hash, message string) error {
	current, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return ErrTerminal
	}
	return s.deployments.SetDeploymentCommit(ctx, deploymentID, hash, message)
}

// Finalize transitions the deployment to a terminal status, freezing its
// duration. Retrying the same terminal status is a no-op; any other write
// after that fails with ErrTerminal.
func (s *Store) Finalize(ctx context.Context, deploymentID int64, status domain.DeploymentStatus, errorMessage string) error {
	if !status.Terminal() {
		return fmt.Errorf("state: %q is not a terminal status", status)
	}
	current, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		if status == current.Status {
			return nil
		}
		return ErrTerminal
	}

	finishedAt := s.now().UTC()
	duration := int64(finishedAt.Sub(current.StartedAt).Seconds())
	if duration < 0 {
		duration = 0
	}
	progress := current.Progress
	if status == domain.StatusSuccess {
		progress = 100
	}
	update := domain.DeploymentStatusUpdate{
		DeploymentID: deploymentID,
		Status:       status,
		Stage:        string(status),
		Progress:     progress,
		ErrorMessage: errorMessage,
		Duration:     &duration,
		FinishedAt:   &finishedAt,
	}
	if err := s.deployments.UpdateDeploymentStatus(ctx, update); err != nil {
		return err
	}
	s.closeWriter(deploymentID)
	return nil
}

// Read returns the record and the full persisted log text. For in-flight
// deployments the text is a best-effort snapshot; a missing artifact is an
// error only once the deployment is terminal.
func (s *Store) Read(ctx context.Context, deploymentID int64) (*domain.Deployment, string, error) {
	dep, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return nil, "", err
	}
	text, err := s.logs.ReadAll(deploymentID)
	if err != nil {
		if errors.Is(err, logstore.ErrNotFound) && !dep.Status.Terminal() {
			return dep, "", nil
		}
		return dep, "", err
	}
	return dep, text, nil
}

// Get returns the bare deployment record.
func (s *Store) Get(ctx context.Context, deploymentID int64) (*domain.Deployment, error) {
	return s.deployments.GetDeploymentByID(ctx, deploymentID)
}

// ListByApp lists recent deployments for an app.
func (s *Store) ListByApp(ctx context.Context, appID int64, limit int) ([]domain.Deployment, error) {
	return s.deployments.ListDeploymentsByApp(ctx, appID, limit)
}

func (s *Store) writer(deploymentID int64) (*logstore.Writer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.writers[deploymentID]; ok {
		return w, nil
	}
	w, err := s.logs.Open(deploymentID)
	if err != nil {
		return nil, fmt.Errorf("open deployment log: %w", err)
	}
	s.writers[deploymentID] = w
	return w, nil
}

func (s *Store) closeWriter(deploymentID int64) {
	s.mu.Lock()
	w, ok := s.writers[deploymentID]
	delete(s.writers, deploymentID)
	s.mu.Unlock()
	if ok {
		if err := w.Close(); err != nil {
			s.logger.Warn("close deployment log failed", "deployment_id", deploymentID, "error", err)
		}
	}
}
