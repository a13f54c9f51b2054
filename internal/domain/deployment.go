package domain

import "time"

// DeploymentStatus is the canonical machine state of a deployment.
type DeploymentStatus string

const (
	StatusPending   DeploymentStatus = "pending"
	StatusCloning   DeploymentStatus = "cloning"
	StatusBuilding  DeploymentStatus = "building"
	StatusDeploying DeploymentStatus = "deploying"
	StatusSuccess   DeploymentStatus = "success"
	StatusFailed    DeploymentStatus = "failed"
	StatusStopped   DeploymentStatus = "stopped"
)

// Terminal reports whether the status admits no further transitions.
func (s DeploymentStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// Deployment captures a single attempt to build and run an app revision.
type Deployment struct {
	ID            int64            `json:"id"`
	AppID         int64            `json:"appId"`
	CommitHash    string           `json:"commitHash"`
	CommitMessage string           `json:"commitMessage,omitempty"`
	Status        DeploymentStatus `json:"status"`
	Stage         string           `json:"stage"`
	Progress      int              `json:"progress"`
	ErrorMessage  string           `json:"errorMessage,omitempty"`
	Duration      *int64           `json:"duration,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	StartedAt     time.Time        `json:"startedAt"`
	FinishedAt    *time.Time       `json:"finishedAt,omitempty"`
}

// DeploymentStatusUpdate captures the mutable fields for one transition.
type DeploymentStatusUpdate struct {
	DeploymentID int64
	Status       DeploymentStatus
	Stage        string
	Progress     int
	ErrorMessage string
	Duration     *int64
	FinishedAt   *time.Time
}
