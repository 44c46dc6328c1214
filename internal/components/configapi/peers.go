package configapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/encryptor-sim/controlplane/internal/components/api"
	"github.com/encryptor-sim/controlplane/internal/components/events"
	"github.com/encryptor-sim/controlplane/internal/platform/logutil"
	"github.com/encryptor-sim/controlplane/internal/pskvault"
	"github.com/encryptor-sim/controlplane/internal/store"
)

// PeerHandler serves /api/v1/peers.
type PeerHandler struct {
	store  store.ConfigStore
	vault  *pskvault.Vault
	daemon *daemon
	events events.Broadcaster
	log    *slog.Logger
}

// NewPeerHandler builds a PeerHandler. client may be nil to disable daemon
// calls in store-only tests.
func NewPeerHandler(s store.ConfigStore, vault *pskvault.Vault, client daemonCaller, broadcaster events.Broadcaster, log *slog.Logger) *PeerHandler {
	log = logutil.NoopIfNil(log)
	if broadcaster == nil {
		broadcaster = events.NoopBroadcaster{}
	}
	var d *daemon
	if client != nil {
		d = newDaemon(client)
	}
	return &PeerHandler{store: s, vault: vault, daemon: d, events: broadcaster, log: log}
}

func parsePeerID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil
}

func (h *PeerHandler) loadPeerWithRoutes(w http.ResponseWriter, r *http.Request, id int64) (*store.Peer, []*store.Route, bool) {
	peer, err := h.store.GetPeer(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			api.WriteNotFound(w, "peer not found", r.URL.Path)
			return nil, nil, false
		}
		h.log.Error("failed to get peer", "id", id, "error", err)
		api.WriteInternalError(w, "failed to get peer", r.URL.Path)
		return nil, nil, false
	}
	routes, err := h.store.ListRoutesForPeer(r.Context(), id)
	if err != nil {
		h.log.Error("failed to list routes for peer", "id", id, "error", err)
		api.WriteInternalError(w, "failed to list routes", r.URL.Path)
		return nil, nil, false
	}
	return peer, routes, true
}

// HandleList handles GET /api/v1/peers.
func (h *PeerHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	peers, err := h.store.ListPeers(r.Context())
	if err != nil {
		h.log.Error("failed to list peers", "error", err)
		api.WriteInternalError(w, "failed to list peers", r.URL.Path)
		return
	}
	views := make([]peerView, 0, len(peers))
	for _, p := range peers {
		routes, rErr := h.store.ListRoutesForPeer(r.Context(), p.ID)
		if rErr != nil {
			h.log.Error("failed to list routes for peer", "id", p.ID, "error", rErr)
			api.WriteInternalError(w, "failed to list routes", r.URL.Path)
			return
		}
		views = append(views, newPeerView(p, routes))
	}
	api.WriteData(w, http.StatusOK, views)
}

// HandleGet handles GET /api/v1/peers/{id}.
func (h *PeerHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePeerID(r)
	if !ok {
		api.WriteNotFound(w, "peer not found", r.URL.Path)
		return
	}
	peer, routes, ok := h.loadPeerWithRoutes(w, r, id)
	if !ok {
		return
	}
	api.WriteData(w, http.StatusOK, newPeerView(peer, routes))
}

// HandleCreate handles POST /api/v1/peers.
func (h *PeerHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req peerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteValidationError(w, "invalid request body", r.URL.Path)
		return
	}
	if verr := validatePeerInput(req, true); verr != nil {
		api.WriteValidationError(w, verr.Error(), r.URL.Path)
		return
	}

	ctx := r.Context()

	if _, err := h.store.GetPeerByName(ctx, req.Name); err == nil {
		api.WriteConflict(w, "a peer with this name already exists", r.URL.Path)
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		h.log.Error("failed to check existing peer by name", "name", req.Name, "error", err)
		api.WriteInternalError(w, "failed to check existing peer", r.URL.Path)
		return
	}

	ciphertext, nonce, err := h.vault.Encrypt([]byte(req.PSK))
	if err != nil {
		h.log.Error("failed to encrypt psk", "error", err)
		api.WriteInternalError(w, "failed to store pre-shared key", r.URL.Path)
		return
	}

	peer := &store.Peer{
		Name:          req.Name,
		RemoteIP:      req.RemoteIP,
		PSKEncrypted:  ciphertext,
		PSKNonce:      nonce,
		IKEVersion:    req.IKEVersion,
		Enabled:       req.Enabled,
		DPDAction:     req.DPDAction,
		DPDDelaySec:   req.DPDDelaySec,
		DPDTimeoutSec: req.DPDTimeoutSec,
		RekeyTimeSec:  req.RekeyTimeSec,
	}
	if createErr := h.store.CreatePeer(ctx, peer); createErr != nil {
		h.log.Error("failed to create peer", "name", req.Name, "error", createErr)
		api.WriteInternalError(w, "failed to create peer", r.URL.Path)
		return
	}

	routes := make([]*store.Route, 0, len(req.Routes))
	for _, cidr := range req.Routes {
		normalized, _ := normalizeCIDR(cidr)
		route := &store.Route{PeerID: peer.ID, DestinationCIDR: normalized}
		if routeErr := h.store.CreateRoute(ctx, route); routeErr != nil {
			h.log.Error("failed to create route", "peer_id", peer.ID, "cidr", normalized, "error", routeErr)
			api.WriteInternalError(w, "failed to create route", r.URL.Path)
			return
		}
		routes = append(routes, route)
	}

	var daemonAvailable *bool
	var warning string
	if peer.Enabled {
		daemonAvailable, warning = h.notifyDaemonOnUpsert(peer, routes)
	} else {
		warning = "Peer is disabled - daemon not contacted"
	}

	h.events.Broadcast(events.Event{
		Type: events.PeerConfigChanged,
		Data: events.PeerConfigChangedData{Action: events.ActionCreated, PeerID: peer.ID},
	})

	api.WriteDataWithMeta(w, http.StatusCreated, newPeerView(peer, routes), api.Meta{DaemonAvailable: daemonAvailable, Warning: warning})
}

// HandleUpdate handles PUT /api/v1/peers/{id}. An empty PSK in the request
// means "leave the stored secret unchanged".
func (h *PeerHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePeerID(r)
	if !ok {
		api.WriteNotFound(w, "peer not found", r.URL.Path)
		return
	}

	ctx := r.Context()
	existing, routes, ok := h.loadPeerWithRoutes(w, r, id)
	if !ok {
		return
	}

	var req peerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteValidationError(w, "invalid request body", r.URL.Path)
		return
	}
	if verr := validatePeerInput(req, false); verr != nil {
		api.WriteValidationError(w, verr.Error(), r.URL.Path)
		return
	}

	if req.Name != existing.Name {
		if _, err := h.store.GetPeerByName(ctx, req.Name); err == nil {
			api.WriteConflict(w, "a peer with this name already exists", r.URL.Path)
			return
		} else if !errors.Is(err, store.ErrNotFound) {
			h.log.Error("failed to check existing peer by name", "name", req.Name, "error", err)
			api.WriteInternalError(w, "failed to check existing peer", r.URL.Path)
			return
		}
	}

	wasEnabled := existing.Enabled

	existing.Name = req.Name
	existing.RemoteIP = req.RemoteIP
	existing.IKEVersion = req.IKEVersion
	existing.Enabled = req.Enabled
	existing.DPDAction = req.DPDAction
	existing.DPDDelaySec = req.DPDDelaySec
	existing.DPDTimeoutSec = req.DPDTimeoutSec
	existing.RekeyTimeSec = req.RekeyTimeSec

	if req.PSK != "" {
		ciphertext, nonce, err := h.vault.Encrypt([]byte(req.PSK))
		if err != nil {
			h.log.Error("failed to encrypt psk", "error", err)
			api.WriteInternalError(w, "failed to store pre-shared key", r.URL.Path)
			return
		}
		existing.PSKEncrypted = ciphertext
		existing.PSKNonce = nonce
	}

	if err := h.store.UpdatePeer(ctx, existing); err != nil {
		h.log.Error("failed to update peer", "id", id, "error", err)
		api.WriteInternalError(w, "failed to update peer", r.URL.Path)
		return
	}

	var daemonAvailable *bool
	var warning string

	switch {
	case !wasEnabled && existing.Enabled:
		// false -> true: bring the tunnel up, then push the current routes.
		daemonAvailable, warning = h.notifyDaemonOnUpsert(existing, routes)
	case wasEnabled && !existing.Enabled:
		// true -> false: tear down and drop the connection file.
		daemonAvailable, warning = h.notifyDaemonOnDisable(existing)
		h.events.Broadcast(events.Event{
			Type: events.TunnelStatusChanged,
			Data: events.TunnelStatusChangedData{PeerID: existing.ID, PeerName: existing.Name, Status: "down", Timestamp: nowUTC()},
		})
	case existing.Enabled:
		// Still enabled: DPD/rekey/PSK may have changed, resend the config.
		daemonAvailable, warning = h.notifyDaemonOnUpsert(existing, routes)
	default:
		// Stayed disabled: nothing to tell the daemon.
		daemonAvailable = nil
	}

	h.events.Broadcast(events.Event{
		Type: events.PeerConfigChanged,
		Data: events.PeerConfigChangedData{Action: events.ActionUpdated, PeerID: existing.ID},
	})

	api.WriteDataWithMeta(w, http.StatusOK, newPeerView(existing, routes), api.Meta{DaemonAvailable: daemonAvailable, Warning: warning})
}

// HandleDelete handles DELETE /api/v1/peers/{id}. The store cascades to
// routes in one transaction; when the peer was enabled, the daemon is told
// best-effort to tear down and remove its connection file.
func (h *PeerHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePeerID(r)
	if !ok {
		api.WriteNotFound(w, "peer not found", r.URL.Path)
		return
	}
	ctx := r.Context()

	peer, err := h.store.GetPeer(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			api.WriteNotFound(w, "peer not found", r.URL.Path)
			return
		}
		h.log.Error("failed to get peer", "id", id, "error", err)
		api.WriteInternalError(w, "failed to get peer", r.URL.Path)
		return
	}

	if err := h.store.DeletePeer(ctx, id); err != nil {
		h.log.Error("failed to delete peer", "id", id, "error", err)
		api.WriteInternalError(w, "failed to delete peer", r.URL.Path)
		return
	}

	var daemonAvailable *bool
	var warning string
	if peer.Enabled {
		daemonAvailable, warning = h.notifyDaemonOnDisable(peer)
	}

	h.events.Broadcast(events.Event{
		Type: events.PeerConfigChanged,
		Data: events.PeerConfigChangedData{Action: events.ActionDeleted, PeerID: id},
	})
	h.events.Broadcast(events.Event{
		Type: events.TunnelStatusChanged,
		Data: events.TunnelStatusChangedData{PeerID: id, PeerName: peer.Name, Status: "down", Timestamp: nowUTC()},
	})

	api.WriteDataWithMeta(w, http.StatusOK, map[string]any{"id": id}, api.Meta{DaemonAvailable: daemonAvailable, Warning: warning})
}

// HandleInitiate handles POST /api/v1/peers/{id}/initiate.
func (h *PeerHandler) HandleInitiate(w http.ResponseWriter, r *http.Request) {
	id, ok := parsePeerID(r)
	if !ok {
		api.WriteNotFound(w, "peer not found", r.URL.Path)
		return
	}
	peer, _, ok := h.loadPeerWithRoutes(w, r, id)
	if !ok {
		return
	}

	if peer.ComputeOperationalStatus() != store.StatusReady {
		api.WriteConflict(w, "peer is not fully configured", r.URL.Path)
		return
	}

	if h.daemon == nil {
		api.WriteDaemonUnavailable(w, "daemon is unavailable", r.URL.Path)
		return
	}

	result, err := h.daemon.InitiatePeer(peer.Name)
	if err != nil {
		h.log.Error("daemon unreachable for initiate_peer", "name", peer.Name, "error", err)
		api.WriteDaemonUnavailable(w, "daemon is unavailable", r.URL.Path)
		return
	}
	if result.Status == "warning" {
		api.WriteDaemonUnavailable(w, result.Message, r.URL.Path)
		return
	}

	if !alreadyUp(result.Message) {
		h.events.Broadcast(events.Event{
			Type: events.TunnelStatusChanged,
			Data: events.TunnelStatusChangedData{PeerID: peer.ID, PeerName: peer.Name, Status: "negotiating", Timestamp: nowUTC()},
		})
	}

	api.WriteDataWithMeta(w, http.StatusOK, map[string]any{"status": result.Status, "message": result.Message}, api.Meta{DaemonAvailable: api.BoolPtr(true)})
}

func alreadyUp(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "already installed") || strings.Contains(lower, "already established")
}

// notifyDaemonOnUpsert configures (or reconfigures) a peer's connection on
// the daemon and pushes its current route set. PSK is decrypted only for
// this one IPC call and never logged.
func (h *PeerHandler) notifyDaemonOnUpsert(peer *store.Peer, routes []*store.Route) (*bool, string) {
	if h.daemon == nil {
		return nil, ""
	}

	psk, err := h.vault.Decrypt(peer.PSKEncrypted, peer.PSKNonce)
	if err != nil {
		h.log.Error("failed to decrypt psk for daemon call", "peer_id", peer.ID, "error", err)
		return api.BoolPtr(false), "failed to prepare pre-shared key for daemon"
	}

	_, callErr := h.daemon.ConfigurePeer(configurePeerPayload{
		Name:          peer.Name,
		RemoteIP:      peer.RemoteIP,
		PSK:           string(psk),
		IKEVersion:    peer.IKEVersion,
		DPDAction:     peer.DPDAction,
		DPDDelaySec:   peer.DPDDelaySec,
		DPDTimeoutSec: peer.DPDTimeoutSec,
		RekeyTimeSec:  peer.RekeyTimeSec,
		Routes:        routeCIDRs(routes),
	})
	if callErr != nil {
		h.log.Warn("daemon unreachable for configure_peer", "peer_id", peer.ID, "error", callErr)
		return api.BoolPtr(false), "daemon unavailable, peer configured in database only"
	}

	if _, err := h.daemon.UpdateRoutes(peer.Name, routeCIDRs(routes)); err != nil {
		h.log.Warn("daemon unreachable for update_routes", "peer_id", peer.ID, "error", err)
		return api.BoolPtr(false), "daemon unavailable, routes configured in database only"
	}

	return api.BoolPtr(true), ""
}

// notifyDaemonOnDisable tears down an established tunnel and removes its
// connection file.
func (h *PeerHandler) notifyDaemonOnDisable(peer *store.Peer) (*bool, string) {
	if h.daemon == nil {
		return nil, ""
	}
	if _, err := h.daemon.TeardownPeer(peer.Name); err != nil {
		h.log.Warn("daemon unreachable for teardown_peer", "peer_id", peer.ID, "error", err)
		return api.BoolPtr(false), "daemon unavailable, tunnel not torn down"
	}
	if _, err := h.daemon.RemovePeerConfig(peer.Name); err != nil {
		h.log.Warn("daemon unreachable for remove_peer_config", "peer_id", peer.ID, "error", err)
		return api.BoolPtr(false), "daemon unavailable, connection file not removed"
	}
	return api.BoolPtr(true), ""
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}
