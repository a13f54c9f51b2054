package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Clone clones a repository branch into the destination directory.
func Clone(ctx context.Context, repoURL, branch, dest string) error {
	if repoURL == "" {
		return fmt.Errorf("repository URL cannot be empty")
	}
	if dest == "" {
		return fmt.Errorf("destination cannot be empty")
	}
	args := []string{"clone", "--depth", "1"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, repoURL, ".")
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dest
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git clone failed: %w: %s", err, string(output))
	}
	return nil
}

// Head returns the checked-out commit hash and subject line.
func Head(ctx context.Context, dir string) (hash, message string, err error) {
	cmd := exec.CommandContext(ctx, "git", "log", "-1", "--format=%H%n%s")
	cmd.Dir = dir
	output, err := cmd.Output()
	if err != nil {
		return "", "", fmt.Errorf("git log failed: %w", err)
	}
	parts := strings.SplitN(strings.TrimSpace(string(output)), "\n", 2)
	hash = parts[0]
	if len(parts) > 1 {
		message = parts[1]
	}
	return hash, message, nil
}
