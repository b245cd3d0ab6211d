package api

import (
	"log/slog"
	"sync"

	"github.com/slipway-sh/slipway/internal/core/domain"
)

// =============================================================================
// Stream Hub
// =============================================================================

// Hub fans deployment events out to websocket subscribers, keyed by
// deployment ID. It satisfies the orchestrator's Notifier so events reach
// clients the moment they are persisted.
//
// Delivery never blocks the publisher: a subscriber that cannot keep up is
// dropped and has to reconnect, replaying from its last seen sequence.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	streams map[string]map[*streamClient]struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger.With("component", "stream"),
		streams: make(map[string]map[*streamClient]struct{}),
	}
}

// Notify delivers an event to every subscriber of its deployment.
func (h *Hub) Notify(event domain.DeploymentEvent) {
	h.mu.RLock()
	var stalled []*streamClient
	for c := range h.streams[event.DeploymentID] {
		if !c.deliver(event) {
			stalled = append(stalled, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stalled {
		h.logger.Warn("dropping slow stream client", "deployment_id", event.DeploymentID)
		h.unregister(event.DeploymentID, c)
		c.close()
	}
}

func (h *Hub) register(deploymentID string, c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.streams[deploymentID]
	if !ok {
		clients = make(map[*streamClient]struct{})
		h.streams[deploymentID] = clients
	}
	clients[c] = struct{}{}
}

func (h *Hub) unregister(deploymentID string, c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.streams[deploymentID]
	if !ok {
		return
	}
	delete(clients, c)
	if len(clients) == 0 {
		delete(h.streams, deploymentID)
	}
}

// ClientCount reports subscribers for one deployment.
func (h *Hub) ClientCount(deploymentID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams[deploymentID])
}
