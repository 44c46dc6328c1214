package configapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/encryptor-sim/controlplane/internal/components/api"
	"github.com/encryptor-sim/controlplane/internal/store"
)

func newRouteRouter(h *RouteHandler) http.Handler {
	r := chi.NewRouter()
	r.Get("/routes", h.HandleList)
	r.Post("/routes", h.HandleCreate)
	r.Delete("/routes/{id}", h.HandleDelete)
	return r
}

func createTestPeer(t *testing.T, s store.ConfigStore, enabled bool) *store.Peer {
	t.Helper()
	peer := &store.Peer{
		Name:          "Site B",
		RemoteIP:      "198.51.100.9",
		PSKEncrypted:  []byte{1, 2, 3},
		PSKNonce:      []byte{4, 5, 6},
		IKEVersion:    store.IKEv2,
		Enabled:       enabled,
		DPDAction:     store.DPDActionClear,
		DPDDelaySec:   30,
		DPDTimeoutSec: 120,
		RekeyTimeSec:  3600,
	}
	if err := s.CreatePeer(context.Background(), peer); err != nil {
		t.Fatal(err)
	}
	return peer
}

// TestRouteHandler_DeleteSendsExactlyOneUpdateRoutesCall models spec §8
// scenario #6: deleting a route on an enabled peer results in exactly one
// update_routes call carrying the remaining (empty) route set.
func TestRouteHandler_DeleteSendsExactlyOneUpdateRoutesCall(t *testing.T) {
	s := newTestStore(t)
	peer := createTestPeer(t, s, true)
	route := &store.Route{PeerID: peer.ID, DestinationCIDR: "10.0.0.0/24"}
	if err := s.CreateRoute(context.Background(), route); err != nil {
		t.Fatal(err)
	}

	fd := &fakeDaemon{}
	h := NewRouteHandler(s, fd, nil, nil)
	router := newRouteRouter(h)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/routes/"+strconv.FormatInt(route.ID, 10), nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	updateCalls := 0
	var lastRoutes []string
	for _, c := range fd.calls {
		if c.Command == "update_routes" {
			updateCalls++
			if routes, ok := c.Payload["routes"].([]string); ok {
				lastRoutes = routes
			}
		}
	}
	if updateCalls != 1 {
		t.Fatalf("expected exactly one update_routes call, got %d", updateCalls)
	}
	if len(lastRoutes) != 0 {
		t.Fatalf("expected empty route set after delete, got %v", lastRoutes)
	}
}

func TestRouteHandler_DisabledPeerIsDBOnly(t *testing.T) {
	s := newTestStore(t)
	peer := createTestPeer(t, s, false)

	fd := &fakeDaemon{}
	h := NewRouteHandler(s, fd, nil, nil)
	router := newRouteRouter(h)

	body, _ := json.Marshal(routeRequest{PeerID: peer.ID, DestinationCIDR: "10.0.0.0/24"})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/routes", bytes.NewReader(body)))
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var env struct {
		Meta api.Meta `json:"meta"`
	}
	json.Unmarshal(w.Body.Bytes(), &env)
	if env.Meta.Warning == "" {
		t.Fatal("expected a warning for a disabled peer's route create")
	}
	if len(fd.calls) != 0 {
		t.Fatalf("expected no daemon calls for a disabled peer, got %d", len(fd.calls))
	}
}

func TestRouteHandler_CreateUnknownPeerIs404(t *testing.T) {
	s := newTestStore(t)
	h := NewRouteHandler(s, &fakeDaemon{}, nil, nil)
	router := newRouteRouter(h)

	body, _ := json.Marshal(routeRequest{PeerID: 999, DestinationCIDR: "10.0.0.0/24"})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/routes", bytes.NewReader(body)))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestRouteHandler_ListFilterByPeerID(t *testing.T) {
	s := newTestStore(t)
	peer := createTestPeer(t, s, true)
	ctx := context.Background()
	if err := s.CreateRoute(ctx, &store.Route{PeerID: peer.ID, DestinationCIDR: "10.0.0.0/24"}); err != nil {
		t.Fatal(err)
	}

	h := NewRouteHandler(s, &fakeDaemon{}, nil, nil)
	router := newRouteRouter(h)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/routes?peerId="+strconv.FormatInt(peer.ID, 10), nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var env struct {
		Data []routeView `json:"data"`
	}
	json.Unmarshal(w.Body.Bytes(), &env)
	if len(env.Data) != 1 {
		t.Fatalf("expected one route, got %d", len(env.Data))
	}
}
