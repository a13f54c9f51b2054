// Package logs serves persisted build logs for finished deployments. Live
// deployments are followed over the stream instead.
package logs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/trymist/Mist/internal/domain"
	"github.com/trymist/Mist/internal/state"
)

// ErrInProgress signals the deployment has not reached a terminal status yet,
// so its build log is still being written.
var ErrInProgress = errors.New("logs: deployment still in progress")

// Service reads finalized build logs.
type Service struct {
	store  *state.Store
	logger *slog.Logger
}

// New constructs the log service.
func New(store *state.Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger.With("component", "logs")}
}

// Fetch returns the deployment record and its full build log text. While the
// deployment is non-terminal it returns ErrInProgress; callers should follow
// the live stream instead.
func (s *Service) Fetch(ctx context.Context, deploymentID int64) (*domain.Deployment, string, error) {
	dep, text, err := s.store.Read(ctx, deploymentID)
	if err != nil {
		return nil, "", err
	}
	if !dep.Status.Terminal() {
		return dep, "", ErrInProgress
	}
	return dep, text, nil
}
