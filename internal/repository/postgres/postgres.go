package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trymist/Mist/internal/domain"
	"github.com/trymist/Mist/internal/repository"
)

// uniqueViolationCode is the PostgreSQL error code for unique constraint
// violations, raised here by the one-active-deployment-per-app index.
const uniqueViolationCode = "23505"

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.AppRepository        = (*Repository)(nil)
	_ repository.DeploymentRepository = (*Repository)(nil)
)

// GetAppByID fetches app configuration.
func (r *Repository) GetAppByID(ctx context.Context, appID int64) (*domain.App, error) {
	const query = `SELECT id, name, repo_url, branch, port, build_command, start_command, compose_project, env, created_at
		FROM apps WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, appID)
	var app domain.App
	if err := row.Scan(&app.ID, &app.Name, &app.RepoURL, &app.Branch, &app.Port, &app.BuildCommand, &app.StartCommand, &app.ComposeProject, &app.Env, &app.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &app, nil
}

// ListApps returns all registered apps.
func (r *Repository) ListApps(ctx context.Context) ([]domain.App, error) {
	const query = `SELECT id, name, repo_url, branch, port, build_command, start_command, compose_project, env, created_at
		FROM apps ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	apps := make([]domain.App, 0)
	for rows.Next() {
		var app domain.App
		if err := rows.Scan(&app.ID, &app.Name, &app.RepoURL, &app.Branch, &app.Port, &app.BuildCommand, &app.StartCommand, &app.ComposeProject, &app.Env, &app.CreatedAt); err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

// CreateDeployment inserts a deployment and assigns its identifier. An insert
// rejected by the active-deployment index returns ErrConflict, so callers can
// report the conflict even when the row predates this process.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (app_id, commit_hash, commit_message, status, stage, progress, created_at, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $7)
		RETURNING id`
	row := r.pool.QueryRow(ctx, query,
		deployment.AppID, deployment.CommitHash, deployment.CommitMessage,
		deployment.Status, deployment.Stage, deployment.Progress,
		deployment.CreatedAt, deployment.StartedAt)
	if err := row.Scan(&deployment.ID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return fmt.Errorf("%w: app %d already has an active deployment", repository.ErrConflict, deployment.AppID)
		}
		return err
	}
	return nil
}

// GetDeploymentByID retrieves a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID int64) (*domain.Deployment, error) {
	const query = `SELECT id, app_id, commit_hash, commit_message, status, stage, progress, error_message, duration_seconds, created_at, started_at, finished_at
		FROM deployments WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, deploymentID)
	dep, err := scanDeployment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return dep, nil
}

// UpdateDeploymentStatus persists one status transition.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error {
	const query = `UPDATE deployments
		SET status = $2, stage = $3, progress = $4,
			error_message = NULLIF($5, ''),
			duration_seconds = COALESCE($6, duration_seconds),
			finished_at = COALESCE($7, finished_at),
			updated_at = NOW()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query,
		update.DeploymentID, update.Status, update.Stage, update.Progress,
		update.ErrorMessage, update.Duration, update.FinishedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// SetDeploymentCommit records the revision resolved during the clone stage.
func (r *Repository) SetDeploymentCommit(ctx context.Context, deploymentID int64, hash, message string) error {
	const query = `UPDATE deployments SET commit_hash = $2, commit_message = $3, updated_at = NOW() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, deploymentID, hash, message)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListDeploymentsByApp returns recent deployments for an app.
func (r *Repository) ListDeploymentsByApp(ctx context.Context, appID int64, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT id, app_id, commit_hash, commit_message, status, stage, progress, error_message, duration_seconds, created_at, started_at, finished_at
		FROM deployments WHERE app_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, appID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeployments(rows)
}

// ListDeploymentsWithStatusUpdatedBefore returns deployments stuck in one of
// the given statuses with no update since the cutoff.
func (r *Repository) ListDeploymentsWithStatusUpdatedBefore(ctx context.Context, statuses []domain.DeploymentStatus, updatedBefore time.Time) ([]domain.Deployment, error) {
	const query = `SELECT id, app_id, commit_hash, commit_message, status, stage, progress, error_message, duration_seconds, created_at, started_at, finished_at
		FROM deployments WHERE status = ANY($1) AND updated_at < $2 ORDER BY updated_at ASC`
	names := make([]string, 0, len(statuses))
	for _, status := range statuses {
		names = append(names, string(status))
	}
	rows, err := r.pool.Query(ctx, query, names, updatedBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDeployments(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row rowScanner) (*domain.Deployment, error) {
	var dep domain.Deployment
	var errorMessage *string
	if err := row.Scan(&dep.ID, &dep.AppID, &dep.CommitHash, &dep.CommitMessage,
		&dep.Status, &dep.Stage, &dep.Progress, &errorMessage, &dep.Duration,
		&dep.CreatedAt, &dep.StartedAt, &dep.FinishedAt); err != nil {
		return nil, err
	}
	if errorMessage != nil {
		dep.ErrorMessage = *errorMessage
	}
	return &dep, nil
}

func collectDeployments(rows pgx.Rows) ([]domain.Deployment, error) {
	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		dep, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *dep)
	}
	return deployments, rows.Err()
}
