package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// =============================================================================
// Sync Triggers
// =============================================================================

// Trigger modes selectable through configuration.
const (
	TriggerNone = "none"
	TriggerFile = "file"
	TriggerHTTP = "http"
)

// SyncTrigger nudges the proxy daemon after a publish. File-provider setups
// touch a watched marker; http-provider setups poke a reload endpoint.
type SyncTrigger interface {
	Fire(ctx context.Context) error
}

// NewTrigger builds the configured trigger. Mode none (or empty) returns
// nil: the daemon watches the document file itself.
func NewTrigger(mode, target string) (SyncTrigger, error) {
	switch mode {
	case "", TriggerNone:
		return nil, nil
	case TriggerFile:
		if target == "" {
			return nil, errors.New("file sync trigger requires a path")
		}
		return FileTrigger{Path: target}, nil
	case TriggerHTTP:
		if target == "" {
			return nil, errors.New("http sync trigger requires a url")
		}
		return HTTPTrigger{URL: target}, nil
	default:
		return nil, fmt.Errorf("unknown sync trigger mode %q", mode)
	}
}

// =============================================================================
// File Trigger
// =============================================================================

// FileTrigger bumps the mtime of a watched marker file, creating it when
// missing.
type FileTrigger struct {
	Path string
}

func (t FileTrigger) Fire(ctx context.Context) error {
	now := time.Now()
	err := os.Chtimes(t.Path, now, now)
	if err == nil {
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("touch %s: %w", t.Path, err)
	}

	f, err := os.OpenFile(t.Path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", t.Path, err)
	}
	return f.Close()
}

// =============================================================================
// HTTP Trigger
// =============================================================================

const defaultTriggerTimeout = 5 * time.Second

// HTTPTrigger posts to a reload endpoint. A nil Client uses a short-timeout
// default.
type HTTPTrigger struct {
	URL    string
	Client *http.Client
}

func (t HTTPTrigger) Fire(ctx context.Context) error {
	client := t.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTriggerTimeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, nil)
	if err != nil {
		return fmt.Errorf("sync request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("sync %s: %w", t.URL, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sync %s: unexpected status %d", t.URL, resp.StatusCode)
	}
	return nil
}
