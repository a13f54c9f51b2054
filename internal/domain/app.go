package domain

import "time"

// App is the deployable unit. App configuration is CRUD-managed elsewhere;
// the orchestration core reads it as input to the pipeline and reconciler.
type App struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	RepoURL        string    `json:"repoUrl"`
	Branch         string    `json:"branch"`
	Port           int       `json:"port"`
	BuildCommand   string    `json:"buildCommand,omitempty"`
	StartCommand   string    `json:"startCommand,omitempty"`
	ComposeProject string    `json:"composeProject,omitempty"`
	Env            []string  `json:"-"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ContainerName is the canonical container name for a single-container app.
func (a App) ContainerName() string {
	return "mist-app-" + a.Name
}

// ImageTag is the canonical image tag produced by the pipeline for the app.
func (a App) ImageTag() string {
	return "mist/" + a.Name + ":latest"
}

// IsStack reports whether the app runs as a multi-service compose stack.
func (a App) IsStack() bool {
	return a.ComposeProject != ""
}
