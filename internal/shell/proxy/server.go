package proxy

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
)

// =============================================================================
// Provider Server
// =============================================================================

// ProviderServer exposes the routing document for proxy daemons configured
// with an http provider, plus a sync hook that forces a republish.
type ProviderServer struct {
	publisher *Publisher
	router    *mux.Router
	logger    *slog.Logger
}

// NewProviderServer wraps a publisher.
func NewProviderServer(publisher *Publisher, logger *slog.Logger) *ProviderServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &ProviderServer{
		publisher: publisher,
		logger:    logger.With("component", "proxy-provider"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/traefik/dynamic-config", s.handleDocument).Methods(http.MethodGet)
	r.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)
	s.router = r
	return s
}

func (s *ProviderServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleDocument builds the document fresh on every poll, so the http
// provider always sees current routes even if no file was ever written.
func (s *ProviderServer) handleDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.publisher.Document(r.Context())
	if err != nil {
		s.logger.Error("building routing document", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "could not build routing document")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *ProviderServer) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := s.publisher.Publish(r.Context()); err != nil {
		s.logger.Error("sync requested but publish failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "publish failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "published"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
