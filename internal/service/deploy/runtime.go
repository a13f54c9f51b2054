package deploy

import (
	"context"
	"fmt"

	"github.com/trymist/Mist/internal/docker"
	"github.com/trymist/Mist/internal/domain"
	"github.com/trymist/Mist/internal/git"
)

// GitCloner fetches app sources with the git CLI.
type GitCloner struct{}

// Clone performs a shallow clone and reports the checked-out revision.
func (GitCloner) Clone(ctx context.Context, app domain.App, dir string) (string, string, error) {
	if err := git.Clone(ctx, app.RepoURL, app.Branch, dir); err != nil {
		return "", "", err
	}
	hash, message, err := git.Head(ctx, dir)
	if err != nil {
		return "", "", fmt.Errorf("resolve cloned revision: %w", err)
	}
	return hash, message, nil
}

// DockerBuilder builds images through the Docker engine.
type DockerBuilder struct {
	Client *docker.Client
}

// Build streams the image build, forwarding each raw output line.
func (b DockerBuilder) Build(ctx context.Context, dir, tag string, onOutput func(string)) error {
	return b.Client.BuildImage(ctx, dir, tag, nil, onOutput)
}

// DockerRunner swaps app containers through the Docker engine.
type DockerRunner struct {
	Client *docker.Client
}

// Replace removes any previous app container and starts one from the freshly
// built image.
func (r DockerRunner) Replace(ctx context.Context, app domain.App) (string, error) {
	name := app.ContainerName()
	if err := r.Client.RemoveContainer(ctx, name); err != nil {
		return "", fmt.Errorf("remove previous container: %w", err)
	}
	containerID, err := r.Client.RunContainer(ctx, name, app.ImageTag(), app.Env, app.Port)
	if err != nil {
		return "", err
	}
	return containerID, nil
}

// Remove force-removes a named container.
func (r DockerRunner) Remove(ctx context.Context, name string) error {
	return r.Client.RemoveContainer(ctx, name)
}
