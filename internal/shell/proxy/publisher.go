// Package proxy publishes the routing document the edge proxy consumes.
// The proxy daemon itself is external: this package builds the dynamic
// configuration, writes it where the daemon's file provider watches, and
// nudges the daemon once a write has landed. For daemons using an http
// provider instead, ProviderServer serves the same document over HTTP.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/slipway-sh/slipway/internal/core/traefik"
)

// =============================================================================
// Backend Source
// =============================================================================

// BackendSource lists the routable services together with the backend
// address their live container answers on. The store implements it.
type BackendSource interface {
	RouteTargets(ctx context.Context) ([]traefik.RouteTarget, error)
}

// =============================================================================
// Publisher
// =============================================================================

// Publisher regenerates and writes the routing document. Every publish is a
// full rebuild from the source of truth, so a missed publish is repaired by
// the next one.
type Publisher struct {
	source  BackendSource
	path    string
	options traefik.DocumentOptions
	trigger SyncTrigger
	logger  *slog.Logger

	mu sync.Mutex
}

// NewPublisher creates a publisher writing to path. trigger may be nil when
// the daemon watches the document file itself.
func NewPublisher(source BackendSource, path string, options traefik.DocumentOptions, trigger SyncTrigger, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		source:  source,
		path:    path,
		options: options,
		trigger: trigger,
		logger:  logger.With("component", "route-publisher"),
	}
}

// Document builds the current routing document without writing it.
func (p *Publisher) Document(ctx context.Context) (*traefik.Document, error) {
	targets, err := p.source.RouteTargets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list route targets: %w", err)
	}
	return traefik.BuildDocument(targets, p.options), nil
}

// Publish rebuilds the document, replaces the file atomically and fires the
// sync trigger. Concurrent publishes serialize on the file.
func (p *Publisher) Publish(ctx context.Context) error {
	doc, err := p.Document(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	err = p.write(doc)
	p.mu.Unlock()
	if err != nil {
		return err
	}

	p.logger.Info("routing document published",
		"path", p.path,
		"routers", len(doc.HTTP.Routers),
		"services", len(doc.HTTP.Services))

	if p.trigger != nil {
		if err := p.trigger.Fire(ctx); err != nil {
			return fmt.Errorf("sync trigger: %w", err)
		}
	}
	return nil
}

// write lands the document with a write-then-rename so the daemon's watcher
// never sees a torn file.
func (p *Publisher) write(doc *traefik.Document) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode routing document: %w", err)
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".dynamic-*.yml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write routing document: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod routing document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), p.path); err != nil {
		return fmt.Errorf("replace routing document: %w", err)
	}
	return nil
}
