package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/slipway-sh/slipway/internal/core/domain"
)

// =============================================================================
// Stream Client
// =============================================================================

const (
	// writeWait bounds a single socket write.
	writeWait = 10 * time.Second

	// pongWait is how long a client may stay silent before the connection
	// is considered dead. Pings go out at pingPeriod to keep it alive.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Clients send nothing but control frames.
	maxMessageSize = 512

	// sendBuffer absorbs bursts between socket writes; pending absorbs
	// live events that arrive while history is still replaying. A client
	// that overflows either is dropped and reconnects with after_sequence.
	sendBuffer       = 64
	maxPendingEvents = 512
)

// streamClient is one websocket subscriber. Events flow through send in
// sequence order: first the persisted history, then live events. Live
// events arriving during the replay are parked in pending and flushed once
// the replay cursor passes them, so a reconnecting client never sees a gap
// or a duplicate.
type streamClient struct {
	conn *websocket.Conn
	send chan domain.DeploymentEvent

	mu        sync.Mutex
	replaying bool
	pending   []domain.DeploymentEvent
	lastSeq   int64

	done      chan struct{}
	stop      chan struct{}
	closeOnce sync.Once
	stopOnce  sync.Once
}

func newStreamClient(conn *websocket.Conn, afterSeq int64) *streamClient {
	return &streamClient{
		conn:      conn,
		send:      make(chan domain.DeploymentEvent, sendBuffer),
		replaying: true,
		lastSeq:   afterSeq,
		done:      make(chan struct{}),
		stop:      make(chan struct{}),
	}
}

// deliver hands a live event to the client. It never blocks: during replay
// the event is parked, afterwards it is queued for the write pump. A false
// return means the client fell too far behind and must be dropped.
func (c *streamClient) deliver(ev domain.DeploymentEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.replaying {
		if len(c.pending) >= maxPendingEvents {
			return false
		}
		c.pending = append(c.pending, ev)
		return true
	}
	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

// replay streams persisted history to the client, returning the last
// sequence sent. A false return means the client went away mid-replay.
func (c *streamClient) replay(history []domain.DeploymentEvent) (int64, bool) {
	last := c.lastSeq
	for _, ev := range history {
		select {
		case c.send <- ev:
			last = ev.Sequence
		case <-c.done:
			return last, false
		}
	}
	return last, true
}

// finishReplay switches the client to live delivery. Parked events at or
// below the replay cursor were already sent from history and are discarded;
// the rest flush in order before any new live event can jump the queue.
func (c *streamClient) finishReplay(lastReplayed int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lastReplayed > c.lastSeq {
		c.lastSeq = lastReplayed
	}
	for _, ev := range c.pending {
		if ev.Sequence <= c.lastSeq {
			continue
		}
		select {
		case c.send <- ev:
			c.lastSeq = ev.Sequence
		case <-c.done:
			c.pending = nil
			c.replaying = false
			return
		}
	}
	c.pending = nil
	c.replaying = false
}

func (c *streamClient) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// requestClose asks the write pump to drain queued events and then send a
// normal close frame.
func (c *streamClient) requestClose() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// writePump owns all data writes on the connection. gorilla/websocket
// permits one concurrent writer; control frames from other goroutines must
// go through WriteControl.
func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		c.conn.Close()
	}()
	for {
		select {
		case ev := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.stop:
			c.drainAndClose()
			return
		case <-c.done:
			return
		}
	}
}

func (c *streamClient) drainAndClose() {
	for {
		select {
		case ev := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		default:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "deployment finished"))
			return
		}
	}
}

// =============================================================================
// Stream Handler
// =============================================================================

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API carries no browser credentials, so cross-origin dashboards
	// may subscribe directly.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleDeploymentStream subscribes a websocket client to one deployment's
// event stream. History after ?after_sequence plays back first, then live
// events. For finished deployments the server closes once the backlog is
// sent.
func (h *Handler) handleDeploymentStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	dep, err := h.store.GetDeployment(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			h.writeError(w, http.StatusNotFound, "deployment not found", "not_found")
			return
		}
		h.logger.Error("loading deployment", "deployment_id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to load deployment", "store_error")
		return
	}

	var afterSeq int64
	if s := r.URL.Query().Get("after_sequence"); s != "" {
		afterSeq, err = strconv.ParseInt(s, 10, 64)
		if err != nil || afterSeq < 0 {
			h.writeError(w, http.StatusBadRequest,
				"after_sequence must be a non-negative integer", "invalid_sequence")
			return
		}
	}

	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the handshake error.
		h.logger.Warn("websocket upgrade failed", "deployment_id", id, "error", err)
		return
	}

	c := newStreamClient(conn, afterSeq)
	h.stream.register(id, c)
	h.metrics.StreamConnected(1)
	defer func() {
		h.stream.unregister(id, c)
		c.close()
		conn.Close()
		h.metrics.StreamConnected(-1)
	}()

	go c.writePump()

	history, err := h.store.ListEvents(r.Context(), id, afterSeq)
	if err != nil {
		h.logger.Error("loading event history", "deployment_id", id, "error", err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "event history unavailable"),
			time.Now().Add(writeWait))
		return
	}
	lastReplayed, ok := c.replay(history)
	if !ok {
		return
	}
	c.finishReplay(lastReplayed)

	h.logger.Debug("stream client connected",
		"deployment_id", id,
		"after_sequence", afterSeq,
		"replayed", len(history))

	if dep.Status.Terminal() {
		// The run is over and its history is queued; nothing live will
		// follow, so close once the pump drains.
		c.requestClose()
	}

	// Reads only service control frames. Clients watching a live run close
	// from their side, typically after a terminal phase event.
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
