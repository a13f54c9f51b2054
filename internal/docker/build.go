package docker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/archive"
)

// BuildOutputCallback receives each raw line of the image build stream in
// publish order. Lines may be plain text or JSON progress frames; callers
// normalize them downstream.
type BuildOutputCallback func(string)

// buildErrorFrame captures the error shape of a build stream message.
type buildErrorFrame struct {
	Error       string `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
}

func (f buildErrorFrame) message() string {
	if msg := strings.TrimSpace(f.Error); msg != "" {
		return msg
	}
	return strings.TrimSpace(f.ErrorDetail.Message)
}

// BuildImage creates a Docker image from the provided directory using the
// default Dockerfile. The build stream is consumed by a single reader so
// multi-layer pull progress arrives as one ordered sequence.
func (c *Client) BuildImage(ctx context.Context, dir, tag string, buildArgs map[string]*string, onOutput BuildOutputCallback) error {
	if c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	if dir == "" {
		return fmt.Errorf("build directory cannot be empty")
	}
	if tag == "" {
		return fmt.Errorf("image tag cannot be empty")
	}
	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("create build context: %w", err)
	}
	defer buildCtx.Close()

	opts := types.ImageBuildOptions{
		Tags:        []string{tag},
		Remove:      true,
		ForceRemove: true,
		BuildArgs:   buildArgs,
	}
	resp, err := c.inner.ImageBuild(ctx, buildCtx, opts)
	if err != nil {
		return fmt.Errorf("docker image build: %w", err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if onOutput != nil {
			onOutput(line)
		}
		var frame buildErrorFrame
		if err := json.Unmarshal([]byte(line), &frame); err == nil {
			if msg := frame.message(); msg != "" {
				return fmt.Errorf("docker image build: %s", msg)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read build output: %w", err)
	}
	return nil
}
