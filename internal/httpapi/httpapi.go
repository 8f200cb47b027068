// Package httpapi exposes the demo daemon's debug and operational HTTP
// surface: view introspection, a health probe, and the Prometheus scrape
// endpoint. This is ambient tooling around the Coordinator, not part of
// the peer protocol itself.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"peersvc/internal/coordinator"
	"peersvc/internal/membership"
	"peersvc/internal/metrics"
)

// Server wraps the Coordinator and its metrics registry with a router.
type Server struct {
	coord   *coordinator.Coordinator
	metrics *metrics.Collectors
	started time.Time
}

// New builds a Server for coord, scraping m's registry at /metrics.
func New(coord *coordinator.Coordinator, m *metrics.Collectors) *Server {
	return &Server{coord: coord, metrics: m, started: time.Now()}
}

// Router builds the mux.Router exposing the debug and operational
// endpoints.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/debug/views", s.viewsHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return r
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).String(),
	})
}

type viewsResponse struct {
	Self     string               `json:"self"`
	Active   []string             `json:"active"`
	Passive  []string             `json:"passive"`
	Reserved map[string]*string   `json:"reserved"`
}

func (s *Server) viewsHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.coord.ViewSnapshot()

	resp := viewsResponse{
		Self:     snap.Self.Name,
		Active:   peerNames(snap.Active),
		Passive:  peerNames(snap.Passive),
		Reserved: make(map[string]*string, len(snap.Reserved)),
	}
	for tag, p := range snap.Reserved {
		if p == nil {
			resp.Reserved[string(tag)] = nil
			continue
		}
		name := p.Name
		resp.Reserved[string(tag)] = &name
	}

	writeJSON(w, http.StatusOK, resp)
}

func peerNames(peers []membership.PeerSpec) []string {
	out := make([]string, len(peers))
	for i, p := range peers {
		out[i] = p.Name
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
