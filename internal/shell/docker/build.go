package docker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/moby/go-archive"
)

// =============================================================================
// Image Build
// =============================================================================

// BuildImage builds an image from a workspace directory. The directory is
// streamed to the daemon as a tar context honoring .dockerignore, and every
// build output line is forwarded to onOutput as it arrives.
func (c *Client) BuildImage(ctx context.Context, opts BuildOptions, onOutput BuildOutput) (*BuildResult, error) {
	start := time.Now()

	if opts.ContextDir == "" {
		return nil, NewRuntimeError("BuildImage", "image", "", "build context directory is empty", ErrInvalidContext)
	}
	info, err := os.Stat(opts.ContextDir)
	if err != nil || !info.IsDir() {
		return nil, NewRuntimeError("BuildImage", "image", "", fmt.Sprintf("build context %s is not a directory", opts.ContextDir), ErrInvalidContext)
	}
	if len(opts.Tags) == 0 {
		return nil, NewRuntimeError("BuildImage", "image", "", "at least one image tag is required", ErrInvalidContext)
	}

	dockerfile := opts.Dockerfile
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}

	excludes := readDockerignore(opts.ContextDir)
	if len(excludes) > 0 {
		// The daemon always needs these two, whatever the ignore file says.
		excludes = append(excludes, "!"+dockerfile, "!.dockerignore")
	}

	buildCtx, err := archive.TarWithOptions(opts.ContextDir, &archive.TarOptions{
		ExcludePatterns: excludes,
	})
	if err != nil {
		return nil, NewRuntimeError("BuildImage", "image", opts.Tags[0], err.Error(), ErrInvalidContext)
	}
	defer buildCtx.Close()

	resp, err := c.cli.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:        opts.Tags,
		Dockerfile:  dockerfile,
		BuildArgs:   opts.BuildArgs,
		Target:      opts.Target,
		Labels:      opts.Labels,
		NoCache:     opts.NoCache,
		PullParent:  opts.Pull,
		Platform:    opts.Platform,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return nil, NewRuntimeError("BuildImage", "image", opts.Tags[0], err.Error(), ErrBuildFailed)
	}
	defer resp.Body.Close()

	imageID, err := consumeBuildStream(resp.Body, onOutput)
	if err != nil {
		return nil, NewRuntimeError("BuildImage", "image", opts.Tags[0], err.Error(), ErrBuildFailed)
	}

	return &BuildResult{
		ImageID:  imageID,
		Tags:     opts.Tags,
		Duration: time.Since(start),
	}, nil
}

// =============================================================================
// Build Stream
// =============================================================================

// buildMessage is one JSON message from the daemon's build progress stream.
type buildMessage struct {
	Stream      string         `json:"stream"`
	Status      string         `json:"status"`
	ID          string         `json:"id"`
	Progress    string         `json:"progress"`
	Error       string         `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
	Aux struct {
		ID string `json:"ID"`
	} `json:"aux"`
}

func (m buildMessage) errorMessage() string {
	if msg := strings.TrimSpace(m.Error); msg != "" {
		return msg
	}
	return strings.TrimSpace(m.ErrorDetail.Message)
}

func (m buildMessage) render() string {
	if m.Stream != "" {
		return strings.TrimRight(m.Stream, "\n")
	}
	if m.Status != "" {
		parts := make([]string, 0, 3)
		if id := strings.TrimSpace(m.ID); id != "" {
			parts = append(parts, id)
		}
		parts = append(parts, strings.TrimSpace(m.Status))
		if progress := strings.TrimSpace(m.Progress); progress != "" {
			parts = append(parts, progress)
		}
		return strings.Join(parts, " ")
	}
	return ""
}

// consumeBuildStream drains the build progress stream, forwarding rendered
// lines and returning the built image id. A daemon-reported error anywhere in
// the stream fails the build.
func consumeBuildStream(body io.Reader, onOutput BuildOutput) (string, error) {
	imageID := ""
	decoder := json.NewDecoder(body)
	for {
		var msg buildMessage
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return "", fmt.Errorf("decode build output: %w", err)
		}

		if errMsg := msg.errorMessage(); errMsg != "" {
			return "", fmt.Errorf("%s", errMsg)
		}
		if msg.Aux.ID != "" {
			imageID = msg.Aux.ID
		}

		if line := msg.render(); line != "" && onOutput != nil {
			onOutput(line)
		}
	}
	return imageID, nil
}

// readDockerignore loads exclude patterns from the context's .dockerignore,
// if present.
func readDockerignore(contextDir string) []string {
	f, err := os.Open(filepath.Join(contextDir, ".dockerignore"))
	if err != nil {
		return nil
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns
}
