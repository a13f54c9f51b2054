package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/trymist/Mist/internal/domain"
	"github.com/trymist/Mist/internal/repository"
	"github.com/trymist/Mist/internal/state"
	"github.com/trymist/Mist/internal/stream"
)

const (
	defaultInterval  = 30 * time.Second
	reconcileTimeout = 15 * time.Second
)

// activeStatuses are the deployment states a live pipeline moves through. A
// record stuck in one of them past the TTL has lost its pipeline.
var activeStatuses = []domain.DeploymentStatus{
	domain.StatusPending,
	domain.StatusCloning,
	domain.StatusBuilding,
	domain.StatusDeploying,
}

// Controller periodically sweeps deployment records that stopped making
// progress, for example after a process crash mid-pipeline, and finalizes
// them as failed. It returns nil from New when no TTL is configured.
type Controller struct {
	deployments repository.DeploymentRepository
	store       *state.Store
	streams     *stream.Registry
	logger      *slog.Logger

	interval      time.Duration
	deploymentTTL time.Duration

	now func() time.Time
}

// NewController constructs the sweep loop. It returns nil when the TTL guard
// is disabled.
func NewController(deployments repository.DeploymentRepository, store *state.Store, streams *stream.Registry, logger *slog.Logger, interval, deploymentTTL time.Duration) *Controller {
	if deployments == nil || store == nil || deploymentTTL <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Controller{
		deployments:   deployments,
		store:         store,
		streams:       streams,
		logger:        logger.With("component", "runtime_controller"),
		interval:      interval,
		deploymentTTL: deploymentTTL,
		now:           time.Now,
	}
}

// Run executes the sweep loop until the context is cancelled.
func (c *Controller) Run(ctx context.Context) {
	if c == nil {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info("runtime controller started", "interval", c.interval, "deployment_ttl", c.deploymentTTL)
	c.runIteration(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("runtime controller stopped")
			return
		case <-ticker.C:
			c.runIteration(ctx)
		}
	}
}

func (c *Controller) runIteration(parent context.Context) {
	timeout := reconcileTimeout
	if c.interval > 0 && c.interval < timeout {
		timeout = c.interval
	}
	opCtx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	cutoff := c.now().Add(-c.deploymentTTL)
	stale, err := c.deployments.ListDeploymentsWithStatusUpdatedBefore(opCtx, activeStatuses, cutoff)
	if err != nil {
		c.logger.Warn("list stale deployments failed", "error", err)
		return
	}

	for _, dep := range stale {
		msg := fmt.Sprintf("deployment timed out after %s", c.deploymentTTL)
		if err := c.store.Finalize(opCtx, dep.ID, domain.StatusFailed, msg); err != nil {
			c.logger.Warn("finalize stale deployment failed", "deployment_id", dep.ID, "error", err)
			continue
		}
		c.publishFailure(opCtx, dep.ID)
		c.logger.Info("stale deployment marked failed", "deployment_id", dep.ID, "app_id", dep.AppID)
	}
}

// publishFailure pushes the terminal status to any live subscribers. The
// broadcaster is usually gone by the time a record goes stale, in which case
// this is a no-op.
func (c *Controller) publishFailure(ctx context.Context, deploymentID int64) {
	if c.streams == nil {
		return
	}
	dep, err := c.store.Get(ctx, deploymentID)
	if err != nil {
		c.logger.Warn("load deployment for failure event failed", "deployment_id", deploymentID, "error", err)
		return
	}
	c.streams.Publish(deploymentID, stream.NewStatusEvent(*dep))
}
