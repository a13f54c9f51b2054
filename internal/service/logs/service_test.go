package logs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/trymist/Mist/internal/domain"
	"github.com/trymist/Mist/internal/logstore"
	"github.com/trymist/Mist/internal/repository"
	"github.com/trymist/Mist/internal/state"
)

type fakeDeploymentRepo struct {
	nextID      int64
	deployments map[int64]domain.Deployment
}

func (f *fakeDeploymentRepo) CreateDeployment(_ context.Context, dep *domain.Deployment) error {
	f.nextID++
	dep.ID = f.nextID
	f.deployments[dep.ID] = *dep
	return nil
}

func (f *fakeDeploymentRepo) GetDeploymentByID(_ context.Context, id int64) (*domain.Deployment, error) {
	dep, ok := f.deployments[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := dep
	return &copied, nil
}

func (f *fakeDeploymentRepo) UpdateDeploymentStatus(_ context.Context, update domain.DeploymentStatusUpdate) error {
	dep, ok := f.deployments[update.DeploymentID]
	if !ok {
		return repository.ErrNotFound
	}
	dep.Status = update.Status
	dep.Stage = update.Stage
	dep.Progress = update.Progress
	dep.ErrorMessage = update.ErrorMessage
	if update.Duration != nil {
		dep.Duration = update.Duration
	}
	if update.FinishedAt != nil {
		dep.FinishedAt = update.FinishedAt
	}
	f.deployments[update.DeploymentID] = dep
	return nil
}

func (f *fakeDeploymentRepo) SetDeploymentCommit(_ context.Context, id int64, hash, message string) error {
	dep, ok := f.deployments[id]
	if !ok {
		return repository.ErrNotFound
	}
	dep.CommitHash = hash
	dep.CommitMessage = message
	f.deployments[id] = dep
	return nil
}

func (f *fakeDeploymentRepo) ListDeploymentsByApp(_ context.Context, _ int64, _ int) ([]domain.Deployment, error) {
	return nil, nil
}

func (f *fakeDeploymentRepo) ListDeploymentsWithStatusUpdatedBefore(_ context.Context, _ []domain.DeploymentStatus, _ time.Time) ([]domain.Deployment, error) {
	return nil, nil
}

func newTestService(t *testing.T) (*Service, *state.Store) {
	t.Helper()
	files, err := logstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("logstore.New returned error: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := state.New(&fakeDeploymentRepo{deployments: make(map[int64]domain.Deployment)}, files, logger)
	return New(store, logger), store
}

func TestFetchFinishedDeployment(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	dep, err := store.Create(ctx, 7, "", "")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := store.AppendLog(ctx, dep.ID, domain.LogEntry{Line: "Step 1/4 : FROM node:20", Stream: domain.StreamStdout}); err != nil {
		t.Fatalf("AppendLog returned error: %v", err)
	}
	if err := store.Finalize(ctx, dep.ID, domain.StatusSuccess, ""); err != nil {
		t.Fatalf("Finalize returned error: %v", err)
	}

	got, text, err := svc.Fetch(ctx, dep.ID)
	if err != nil {
		t.Fatalf("Fetch returned error: %v", err)
	}
	if got.Status != domain.StatusSuccess {
		t.Fatalf("expected success record, got %s", got.Status)
	}
	if text != "Step 1/4 : FROM node:20\n" {
		t.Fatalf("unexpected log text %q", text)
	}
}

func TestFetchInProgressDeployment(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	dep, err := store.Create(ctx, 7, "", "")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	got, _, err := svc.Fetch(ctx, dep.ID)
	if !errors.Is(err, ErrInProgress) {
		t.Fatalf("expected ErrInProgress, got %v", err)
	}
	if got == nil || got.Status != domain.StatusPending {
		t.Fatalf("expected the pending record alongside the sentinel, got %+v", got)
	}
}

func TestFetchUnknownDeployment(t *testing.T) {
	svc, _ := newTestService(t)
	if _, _, err := svc.Fetch(context.Background(), 404); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected repository.ErrNotFound, got %v", err)
	}
}
