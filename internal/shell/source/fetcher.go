// Package source fetches deployment sources into per-deployment build
// workspaces. Git-hosted sources are cloned shallowly with go-git; local
// sources are copied from the host filesystem.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/slipway-sh/slipway/internal/core/domain"
)

// =============================================================================
// Errors
// =============================================================================

var (
	ErrRepoNotFound  = errors.New("repository not found")
	ErrAuthRequired  = errors.New("repository requires authentication")
	ErrCloneFailed   = errors.New("clone failed")
	ErrBadSourcePath = errors.New("source path escapes the workspace")
)

// =============================================================================
// Fetcher
// =============================================================================

// Fetcher materializes a deployment's source into a workspace directory.
type Fetcher struct {
	token  string // optional token for hosted providers
	logger *slog.Logger
}

// NewFetcher creates a fetcher. token, when non-empty, authenticates clones
// from hosted providers (github, gitlab).
func NewFetcher(token string, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		token:  token,
		logger: logger.With("component", "source-fetcher"),
	}
}

// Fetch places the configured source into dest and returns the directory the
// build should run from: dest itself, or the configured subdirectory inside
// it.
func (f *Fetcher) Fetch(ctx context.Context, cfg domain.SourceConfig, dest string) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}

	switch cfg.Provider {
	case domain.SourceLocal:
		f.logger.Debug("copying local source", "path", cfg.LocalPath, "dest", dest)
		if err := copyTree(cfg.LocalPath, dest); err != nil {
			return "", fmt.Errorf("copy local source: %w", err)
		}
	default:
		f.logger.Info("cloning source", "url", cfg.CloneURL(), "branch", cfg.Branch)
		if err := f.clone(ctx, cfg, dest); err != nil {
			return "", err
		}
	}

	return resolveAppDir(dest, cfg.Path)
}

// clone performs a shallow single-branch clone of the configured repository.
func (f *Fetcher) clone(ctx context.Context, cfg domain.SourceConfig, dest string) error {
	opts := &git.CloneOptions{
		URL:          cfg.CloneURL(),
		Depth:        1,
		SingleBranch: true,
		Tags:         git.NoTags,
	}
	if cfg.Branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(cfg.Branch)
	}
	if f.token != "" && (cfg.Provider == domain.SourceGitHub || cfg.Provider == domain.SourceGitLab) {
		// Hosted providers accept a token over basic auth; the username is
		// ignored but must be non-empty.
		opts.Auth = &githttp.BasicAuth{Username: "x-access-token", Password: f.token}
	}

	if _, err := git.PlainCloneContext(ctx, dest, false, opts); err != nil {
		return mapCloneError(cfg.CloneURL(), err)
	}
	return nil
}

// mapCloneError converts go-git transport failures into package sentinels.
func mapCloneError(url string, err error) error {
	switch {
	case errors.Is(err, transport.ErrRepositoryNotFound):
		return fmt.Errorf("%w: %s", ErrRepoNotFound, url)
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed):
		return fmt.Errorf("%w: %s", ErrAuthRequired, url)
	default:
		return fmt.Errorf("%w: %s: %v", ErrCloneFailed, url, err)
	}
}

// resolveAppDir joins the configured subdirectory onto the workspace root,
// rejecting paths that climb out of it.
func resolveAppDir(dest, sub string) (string, error) {
	if sub == "" {
		return dest, nil
	}
	joined := filepath.Join(dest, sub)
	rel, err := filepath.Rel(dest, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrBadSourcePath, sub)
	}
	info, err := os.Stat(joined)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: %q is not a directory in the source", ErrBadSourcePath, sub)
	}
	return joined, nil
}

// copyTree copies a directory tree, skipping VCS metadata and symlinks.
func copyTree(src, dest string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", src)
	}

	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if info.IsDir() && info.Name() == ".git" {
			return filepath.SkipDir
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}

		target := filepath.Join(dest, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dest string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
