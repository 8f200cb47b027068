package httpapi

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"

	"peersvc/internal/broadcasttree"
	"peersvc/internal/config"
	"peersvc/internal/coordinator"
	"peersvc/internal/epoch"
	"peersvc/internal/frame"
	"peersvc/internal/membership"
	"peersvc/internal/metrics"
	"peersvc/internal/msgid"
	"peersvc/internal/transport"
)

// stubAdapter is a minimal no-op transport.Adapter sufficient to construct
// a Coordinator for exercising the HTTP surface; none of these tests drive
// actual peer traffic.
type stubAdapter struct{}

func (stubAdapter) MaybeConnect(ctx context.Context, p membership.PeerSpec) error { return nil }
func (stubAdapter) Dispatch(ctx context.Context, p membership.PeerSpec, f frame.Frame) error {
	return nil
}
func (stubAdapter) DispatchID(name string) (transport.DriverID, transport.DispatchStatus) {
	return 0, transport.StatusOK
}
func (stubAdapter) IsConnected(p membership.PeerSpec) bool { return false }
func (stubAdapter) Prune(id transport.DriverID) (membership.PeerSpec, int, error) {
	return membership.PeerSpec{}, 0, nil
}
func (stubAdapter) Processes(name string) []transport.DriverID { return nil }
func (stubAdapter) Foreach(fn func(membership.PeerSpec))       {}
func (stubAdapter) Disconnect(p membership.PeerSpec)           {}
func (stubAdapter) Exits() <-chan transport.Exit               { return nil }
func (stubAdapter) SetHandler(h transport.Handler)             {}
func (stubAdapter) Close() error                               { return nil }

func newTestServer(t *testing.T) (*Server, *coordinator.Coordinator) {
	t.Helper()
	self := membership.PeerSpec{Name: "self"}
	cfg := config.Default()
	views, err := membership.New(self, cfg.MaxActiveSize, cfg.MinActiveSize, cfg.MaxPassiveSize, nil, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("membership.New: %v", err)
	}
	tr := &stubAdapter{}
	tree := broadcasttree.NewActiveViewTree(views.ActiveMembers)
	m := metrics.New()
	coord := coordinator.New(self, cfg, views, msgid.NewStore(), &epoch.Store{}, 1, tr, tree, m, nil)
	coord.Start()
	t.Cleanup(coord.Close)
	return New(coord, m), coord
}

func TestHealthzReportsOK(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", body["status"])
	}
}

func TestDebugViewsReportsSelfName(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/debug/views", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp viewsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if resp.Self != "self" {
		t.Fatalf("expected self name 'self', got %q", resp.Self)
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("expected a non-empty metrics body")
	}
}
