// Package configapi implements the REST surface for physical interfaces,
// IPsec peers, and their routes (spec §4.9, §6). Every mutating handler
// follows the same invariant pipeline: validate, commit to the store,
// best-effort notify the daemon, broadcast a config-change event - with one
// documented exception for interface isolation failures.
package configapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/encryptor-sim/controlplane/internal/components/api"
	"github.com/encryptor-sim/controlplane/internal/components/events"
	"github.com/encryptor-sim/controlplane/internal/platform/logutil"
	"github.com/encryptor-sim/controlplane/internal/store"
)

// InterfaceHandler serves /api/v1/interfaces.
type InterfaceHandler struct {
	store   store.ConfigStore
	daemon  *daemon
	events  events.Broadcaster
	log     *slog.Logger
}

// NewInterfaceHandler builds an InterfaceHandler. client may be nil, which
// disables all daemon calls (used only in tests that exercise store-only
// behavior); production wiring always supplies a real *ipc.Client.
func NewInterfaceHandler(s store.ConfigStore, client daemonCaller, broadcaster events.Broadcaster, log *slog.Logger) *InterfaceHandler {
	log = logutil.NoopIfNil(log)
	if broadcaster == nil {
		broadcaster = events.NoopBroadcaster{}
	}
	var d *daemon
	if client != nil {
		d = newDaemon(client)
	}
	return &InterfaceHandler{store: s, daemon: d, events: broadcaster, log: log}
}

// HandleList handles GET /api/v1/interfaces.
func (h *InterfaceHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.ListInterfaces(r.Context())
	if err != nil {
		h.log.Error("failed to list interfaces", "error", err)
		api.WriteInternalError(w, "failed to list interfaces", r.URL.Path)
		return
	}
	views := make([]interfaceView, 0, len(list))
	for _, i := range list {
		views = append(views, newInterfaceView(i))
	}
	api.WriteData(w, http.StatusOK, views)
}

// HandleGet handles GET /api/v1/interfaces/{name}.
func (h *InterfaceHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	iface, err := h.store.GetInterface(r.Context(), name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			api.WriteNotFound(w, "interface not found", r.URL.Path)
			return
		}
		h.log.Error("failed to get interface", "name", name, "error", err)
		api.WriteInternalError(w, "failed to get interface", r.URL.Path)
		return
	}
	api.WriteData(w, http.StatusOK, newInterfaceView(iface))
}

// HandleConfigure handles POST /api/v1/interfaces/{name}/configure.
//
// This is the one endpoint where the usual "DB first, daemon best-effort"
// order inverts: if the daemon's post-reprogram isolation recheck fails, the
// store commit is rolled back and the caller sees a hard 500 (spec §4.9,
// §7).
func (h *InterfaceHandler) HandleConfigure(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ctx := r.Context()

	iface, err := h.store.GetInterface(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			api.WriteNotFound(w, "interface not found", r.URL.Path)
			return
		}
		h.log.Error("failed to get interface", "name", name, "error", err)
		api.WriteInternalError(w, "failed to get interface", r.URL.Path)
		return
	}

	var req interfaceConfigureRequest
	if jsonErr := json.NewDecoder(r.Body).Decode(&req); jsonErr != nil {
		api.WriteValidationError(w, "invalid request body", r.URL.Path)
		return
	}
	if verr := validateInterfaceConfigureInput(req); verr != nil {
		api.WriteValidationError(w, verr.Error(), r.URL.Path)
		return
	}

	prevIP, prevNetmask, prevGateway := iface.IPAddress, iface.Netmask, iface.Gateway

	ip, netmask, gateway := req.IPAddress, req.Netmask, req.Gateway
	if updErr := h.store.UpdateInterfaceConfig(ctx, name, &ip, &netmask, &gateway); updErr != nil {
		h.log.Error("failed to update interface config", "name", name, "error", updErr)
		api.WriteInternalError(w, "failed to update interface config", r.URL.Path)
		return
	}

	daemonAvailable := api.BoolPtr(true)
	var warning string

	if h.daemon != nil {
		result, callErr := h.daemon.ConfigureInterface(iface.Namespace, iface.Device, ip, netmask, gateway)
		if callErr != nil {
			h.log.Warn("daemon unreachable for configure_interface", "name", name, "error", callErr)
			daemonAvailable = api.BoolPtr(false)
			warning = "daemon unavailable, interface programmed in database only"
		} else if result.Isolation.Status == store.ValidationFail {
			if rbErr := h.store.RollbackInterfaceConfig(ctx, name, prevIP, prevNetmask, prevGateway); rbErr != nil {
				h.log.Error("failed to roll back interface config after isolation failure", "name", name, "error", rbErr)
			}
			h.log.Error("isolation check failed after interface reconfiguration, rolled back", "name", name, "detail", result.Isolation.Message)
			api.WriteProblem(w, http.StatusInternalServerError, api.ProblemDaemonFailure, "Isolation check failed", result.Isolation.Message, r.URL.Path)
			return
		}
	} else {
		daemonAvailable = nil
	}

	updated, getErr := h.store.GetInterface(ctx, name)
	if getErr != nil {
		h.log.Error("failed to reload interface after configure", "name", name, "error", getErr)
		api.WriteInternalError(w, "failed to reload interface", r.URL.Path)
		return
	}

	h.events.Broadcast(events.Event{
		Type: events.InterfaceConfigChanged,
		Data: events.InterfaceConfigChangedData{Action: events.ActionUpdated, Interface: name},
	})

	api.WriteDataWithMeta(w, http.StatusOK, newInterfaceView(updated), api.Meta{DaemonAvailable: daemonAvailable, Warning: warning})
}
