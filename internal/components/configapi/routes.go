package configapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/encryptor-sim/controlplane/internal/components/api"
	"github.com/encryptor-sim/controlplane/internal/components/events"
	"github.com/encryptor-sim/controlplane/internal/platform/logutil"
	"github.com/encryptor-sim/controlplane/internal/store"
)

// RouteHandler serves /api/v1/routes. Every mutation recomputes the full
// route set for the owning peer and, if that peer is enabled, sends it to
// the daemon as a single update_routes call rather than an incremental
// patch (spec §4.9).
type RouteHandler struct {
	store  store.ConfigStore
	daemon *daemon
	events events.Broadcaster
	log    *slog.Logger
}

// NewRouteHandler builds a RouteHandler. client may be nil to disable
// daemon calls in store-only tests.
func NewRouteHandler(s store.ConfigStore, client daemonCaller, broadcaster events.Broadcaster, log *slog.Logger) *RouteHandler {
	log = logutil.NoopIfNil(log)
	if broadcaster == nil {
		broadcaster = events.NoopBroadcaster{}
	}
	var d *daemon
	if client != nil {
		d = newDaemon(client)
	}
	return &RouteHandler{store: s, daemon: d, events: broadcaster, log: log}
}

// HandleList handles GET /api/v1/routes and GET /api/v1/routes?peerId=N.
func (h *RouteHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if peerIDParam := r.URL.Query().Get("peerId"); peerIDParam != "" {
		peerID, err := strconv.ParseInt(peerIDParam, 10, 64)
		if err != nil {
			api.WriteValidationError(w, "peerId must be numeric", r.URL.Path)
			return
		}
		routes, err := h.store.ListRoutesForPeer(ctx, peerID)
		if err != nil {
			h.log.Error("failed to list routes for peer", "peer_id", peerID, "error", err)
			api.WriteInternalError(w, "failed to list routes", r.URL.Path)
			return
		}
		views := make([]routeView, 0, len(routes))
		for _, rt := range routes {
			views = append(views, newRouteView(rt))
		}
		api.WriteData(w, http.StatusOK, views)
		return
	}

	peers, err := h.store.ListPeers(ctx)
	if err != nil {
		h.log.Error("failed to list peers for route listing", "error", err)
		api.WriteInternalError(w, "failed to list routes", r.URL.Path)
		return
	}
	views := make([]routeView, 0)
	for _, p := range peers {
		routes, rErr := h.store.ListRoutesForPeer(ctx, p.ID)
		if rErr != nil {
			h.log.Error("failed to list routes for peer", "peer_id", p.ID, "error", rErr)
			api.WriteInternalError(w, "failed to list routes", r.URL.Path)
			return
		}
		for _, rt := range routes {
			views = append(views, newRouteView(rt))
		}
	}
	api.WriteData(w, http.StatusOK, views)
}

// HandleCreate handles POST /api/v1/routes.
func (h *RouteHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteValidationError(w, "invalid request body", r.URL.Path)
		return
	}
	if verr := validateRouteInput(req); verr != nil {
		api.WriteValidationError(w, verr.Error(), r.URL.Path)
		return
	}

	ctx := r.Context()
	peer, err := h.store.GetPeer(ctx, req.PeerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			api.WriteNotFound(w, "peer not found", r.URL.Path)
			return
		}
		h.log.Error("failed to get peer", "peer_id", req.PeerID, "error", err)
		api.WriteInternalError(w, "failed to get peer", r.URL.Path)
		return
	}

	normalized, _ := normalizeCIDR(req.DestinationCIDR)
	route := &store.Route{PeerID: peer.ID, DestinationCIDR: normalized}
	if err := h.store.CreateRoute(ctx, route); err != nil {
		h.log.Error("failed to create route", "peer_id", peer.ID, "error", err)
		api.WriteInternalError(w, "failed to create route", r.URL.Path)
		return
	}

	daemonAvailable, warning := h.syncRoutesWithDaemon(ctx, peer)

	h.events.Broadcast(events.Event{
		Type: events.RouteConfigChanged,
		Data: events.RouteConfigChangedData{Action: events.ActionCreated, RouteID: route.ID, PeerID: peer.ID},
	})

	api.WriteDataWithMeta(w, http.StatusCreated, newRouteView(route), api.Meta{DaemonAvailable: daemonAvailable, Warning: warning})
}

// HandleDelete handles DELETE /api/v1/routes/{id}.
func (h *RouteHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		api.WriteNotFound(w, "route not found", r.URL.Path)
		return
	}
	ctx := r.Context()

	route, err := h.store.GetRoute(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			api.WriteNotFound(w, "route not found", r.URL.Path)
			return
		}
		h.log.Error("failed to look up route", "id", id, "error", err)
		api.WriteInternalError(w, "failed to look up route", r.URL.Path)
		return
	}
	peerID := route.PeerID

	if err := h.store.DeleteRoute(ctx, id); err != nil {
		h.log.Error("failed to delete route", "id", id, "error", err)
		api.WriteInternalError(w, "failed to delete route", r.URL.Path)
		return
	}

	peer, err := h.store.GetPeer(ctx, peerID)
	if err != nil {
		h.log.Error("failed to get peer after route delete", "peer_id", peerID, "error", err)
		api.WriteInternalError(w, "failed to get peer", r.URL.Path)
		return
	}

	daemonAvailable, warning := h.syncRoutesWithDaemon(ctx, peer)

	h.events.Broadcast(events.Event{
		Type: events.RouteConfigChanged,
		Data: events.RouteConfigChangedData{Action: events.ActionDeleted, RouteID: id, PeerID: peerID},
	})

	api.WriteDataWithMeta(w, http.StatusOK, map[string]any{"id": id}, api.Meta{DaemonAvailable: daemonAvailable, Warning: warning})
}

// syncRoutesWithDaemon reloads the peer's full route set and, if the peer
// is enabled, sends it to the daemon as a single update_routes call. A
// disabled peer is updated in the database only (spec §4.9).
func (h *RouteHandler) syncRoutesWithDaemon(ctx context.Context, peer *store.Peer) (*bool, string) {
	if !peer.Enabled {
		return nil, "Peer is disabled - daemon not updated"
	}
	if h.daemon == nil {
		return nil, ""
	}

	routes, err := h.store.ListRoutesForPeer(ctx, peer.ID)
	if err != nil {
		h.log.Error("failed to reload routes for daemon sync", "peer_id", peer.ID, "error", err)
		return api.BoolPtr(false), "failed to reload routes"
	}

	if _, err := h.daemon.UpdateRoutes(peer.Name, routeCIDRs(routes)); err != nil {
		h.log.Warn("daemon unreachable for update_routes", "peer_id", peer.ID, "error", err)
		return api.BoolPtr(false), "daemon unavailable, routes configured in database only"
	}
	return api.BoolPtr(true), ""
}
