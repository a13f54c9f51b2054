package repository

import (
	"context"
	"time"

	"github.com/trymist/Mist/internal/domain"
)

// AppRepository reads app configuration.
type AppRepository interface {
	GetAppByID(ctx context.Context, appID int64) (*domain.App, error)
	ListApps(ctx context.Context) ([]domain.App, error)
}

// DeploymentRepository stores deployment history.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByID(ctx context.Context, deploymentID int64) (*domain.Deployment, error)
	UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error
	SetDeploymentCommit(ctx context.Context, deploymentID int64, hash, message string) error
	ListDeploymentsByApp(ctx context.Context, appID int64, limit int) ([]domain.Deployment, error)
	ListDeploymentsWithStatusUpdatedBefore(ctx context.Context, statuses []domain.DeploymentStatus, updatedBefore time.Time) ([]domain.Deployment, error)
}
