package configapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/encryptor-sim/controlplane/internal/components/api"
	"github.com/encryptor-sim/controlplane/internal/store"
)

func newInterfaceRouter(h *InterfaceHandler) http.Handler {
	r := chi.NewRouter()
	r.Get("/interfaces", h.HandleList)
	r.Get("/interfaces/{name}", h.HandleGet)
	r.Post("/interfaces/{name}/configure", h.HandleConfigure)
	return r
}

func TestInterfaceHandler_ListAndGet(t *testing.T) {
	s := newTestStore(t)
	h := NewInterfaceHandler(s, nil, nil, nil)
	router := newInterfaceRouter(h)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/interfaces", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var env api.Envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatal(err)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/interfaces/CT", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for CT, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/interfaces/NOPE", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown interface, got %d", w.Code)
	}
}

func TestInterfaceHandler_ConfigureSuccess(t *testing.T) {
	s := newTestStore(t)
	fd := &fakeDaemon{results: map[string]interface{}{
		"configure_interface": map[string]interface{}{"isolation": map[string]interface{}{"status": "pass"}},
	}}
	bc := &fakeBroadcaster{}
	h := NewInterfaceHandler(s, fd, bc, nil)
	router := newInterfaceRouter(h)

	body, _ := json.Marshal(interfaceConfigureRequest{IPAddress: "10.0.1.5", Netmask: "255.255.255.0", Gateway: "10.0.1.1"})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/interfaces/CT/configure", bytes.NewReader(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	iface, err := s.GetInterface(context.Background(), store.InterfaceCT)
	if err != nil {
		t.Fatal(err)
	}
	if iface.IPAddress == nil || *iface.IPAddress != "10.0.1.5" {
		t.Fatalf("expected ip persisted, got %+v", iface)
	}

	found := false
	for _, ty := range bc.types() {
		if ty == "interface.config_changed" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected interface.config_changed broadcast")
	}
}

// TestInterfaceHandler_ConfigureIsolationFailureRollsBack models spec §8
// scenario #4: a failing post-reprogram isolation recheck must roll back
// the store write and surface a 500 RFC 7807 problem, not a soft warning.
func TestInterfaceHandler_ConfigureIsolationFailureRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	origIP, origNetmask := "10.0.0.1", "255.255.255.0"
	if err := s.UpdateInterfaceConfig(ctx, store.InterfaceCT, &origIP, &origNetmask, nil); err != nil {
		t.Fatal(err)
	}

	fd := &fakeDaemon{results: map[string]interface{}{
		"configure_interface": map[string]interface{}{"isolation": map[string]interface{}{"status": "fail", "message": "policy drop missing"}},
	}}
	h := NewInterfaceHandler(s, fd, nil, nil)
	router := newInterfaceRouter(h)

	body, _ := json.Marshal(interfaceConfigureRequest{IPAddress: "10.0.1.5", Netmask: "255.255.255.0"})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/interfaces/CT/configure", bytes.NewReader(body)))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 on isolation failure, got %d: %s", w.Code, w.Body.String())
	}

	var problem api.Problem
	if err := json.Unmarshal(w.Body.Bytes(), &problem); err != nil {
		t.Fatal(err)
	}
	if problem.Instance != "/interfaces/CT/configure" {
		t.Fatalf("expected instance to match request path, got %q", problem.Instance)
	}

	iface, err := s.GetInterface(ctx, store.InterfaceCT)
	if err != nil {
		t.Fatal(err)
	}
	if iface.IPAddress == nil || *iface.IPAddress != origIP {
		t.Fatalf("expected rollback to original ip %q, got %+v", origIP, iface.IPAddress)
	}
}

func TestInterfaceHandler_ConfigureDaemonUnreachableIsSoftWarning(t *testing.T) {
	s := newTestStore(t)
	fd := &fakeDaemon{err: errUnreachable}
	h := NewInterfaceHandler(s, fd, nil, nil)
	router := newInterfaceRouter(h)

	body, _ := json.Marshal(interfaceConfigureRequest{IPAddress: "10.0.1.5", Netmask: "255.255.255.0"})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/interfaces/CT/configure", bytes.NewReader(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 even when daemon unreachable, got %d", w.Code)
	}

	var env api.Envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatal(err)
	}
	if env.Meta == nil || env.Meta.DaemonAvailable == nil || *env.Meta.DaemonAvailable {
		t.Fatalf("expected meta.daemonAvailable=false, got %+v", env.Meta)
	}
}

func TestInterfaceHandler_ConfigureValidationError(t *testing.T) {
	s := newTestStore(t)
	h := NewInterfaceHandler(s, nil, nil, nil)
	router := newInterfaceRouter(h)

	body, _ := json.Marshal(interfaceConfigureRequest{IPAddress: "not-an-ip", Netmask: "255.255.255.0"})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/interfaces/CT/configure", bytes.NewReader(body)))
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
}
