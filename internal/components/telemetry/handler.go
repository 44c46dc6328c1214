package telemetry

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/encryptor-sim/controlplane/internal/components/api"
	"github.com/encryptor-sim/controlplane/internal/components/events"
	"github.com/encryptor-sim/controlplane/internal/platform/logutil"
	"github.com/encryptor-sim/controlplane/internal/store"
	"github.com/encryptor-sim/controlplane/internal/tokens"
)

// Handler serves the WebSocket event stream and the two REST monitoring
// snapshots (spec §4.10, §6).
type Handler struct {
	store    store.ConfigStore
	daemon   *daemon
	manager  *Manager
	tokens   *tokens.Service
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler builds a Handler. client may be nil, disabling every daemon
// call (snapshots come back empty, which is still a valid 200 per §6).
func NewHandler(s store.ConfigStore, client daemonCaller, manager *Manager, tokenSvc *tokens.Service, log *slog.Logger) *Handler {
	log = logutil.NoopIfNil(log)
	var d *daemon
	if client != nil {
		d = newDaemon(client)
	}
	return &Handler{
		store:   s,
		daemon:  d,
		manager: manager,
		tokens:  tokenSvc,
		log:     log,
		upgrader: websocket.Upgrader{
			// The appliance's REST/WS surface is same-origin by design
			// (spec §6 lists no separate browser client origin); accept
			// any origin the HTTP layer itself already let through.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleWS handles GET /api/v1/ws. Auth is out-of-band of the normal bearer
// gate because a WebSocket upgrade request carries no Authorization header
// a browser can set: the access token travels in the token query parameter
// instead (spec §4.10).
func (h *Handler) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if _, err := h.tokens.Verify(token, tokens.KindAccess); err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	s := newSession(conn)
	h.manager.add(s)
	h.log.Debug("websocket session connected", "session", s.id)
	defer func() {
		h.manager.remove(s)
		conn.Close()
	}()

	h.sendInitialSnapshot(r.Context(), s)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// sendInitialSnapshot sends one tunnel.status_changed per known peer and one
// interface.stats_updated per interface, best-effort, immediately after
// upgrade (spec §4.10 "WebSocket connect").
func (h *Handler) sendInitialSnapshot(ctx context.Context, s *session) {
	peers, err := h.store.ListPeers(ctx)
	if err == nil && h.daemon != nil {
		conns := connectionNames(peers)
		readings := h.daemon.collectReadings(conns)
		for _, p := range peers {
			r := readings[p.ID]
			s.send(events.Event{
				Type: events.TunnelStatusChanged,
				Data: events.TunnelStatusChangedData{
					PeerID:           p.ID,
					PeerName:         p.Name,
					Status:           r.status,
					EstablishedSec:   r.established,
					BytesIn:          r.bytesIn,
					BytesOut:         r.bytesOut,
					PacketsIn:        r.packetsIn,
					PacketsOut:       r.packetsOut,
					IsPassingTraffic: false,
					LastTrafficAt:    nil,
					Timestamp:        nowUTC(),
				},
			})
		}
	}

	ifaces, err := h.store.ListInterfaces(ctx)
	if err == nil && h.daemon != nil {
		for _, iface := range ifaces {
			stats, statErr := h.daemon.GetInterfaceStats(iface.Namespace, iface.Device)
			if statErr != nil {
				continue
			}
			s.send(events.Event{
				Type: events.InterfaceStatsUpdated,
				Data: events.InterfaceStatsUpdatedData{
					Interface: iface.Name,
					BytesRx:   stats.BytesRx,
					BytesTx:   stats.BytesTx,
					PacketsRx: stats.PacketsRx,
					PacketsTx: stats.PacketsTx,
					ErrorsRx:  stats.ErrorsRx,
					ErrorsTx:  stats.ErrorsTx,
					Timestamp: nowUTC(),
				},
			})
		}
	}
}

// HandleMonitoringTunnels handles GET /api/v1/monitoring/tunnels: always 200,
// a best-effort snapshot equivalent to the poller's own view (spec §6).
func (h *Handler) HandleMonitoringTunnels(w http.ResponseWriter, r *http.Request) {
	peers, err := h.store.ListPeers(r.Context())
	if err != nil {
		h.log.Error("monitoring tunnels: failed to list peers", "error", err)
		api.WriteData(w, http.StatusOK, []any{})
		return
	}

	views := make([]tunnelView, 0, len(peers))
	if h.daemon != nil {
		conns := connectionNames(peers)
		readings := h.daemon.collectReadings(conns)
		for _, p := range peers {
			r := readings[p.ID]
			views = append(views, tunnelView{
				PeerID: p.ID, PeerName: p.Name, Status: r.status,
				EstablishedSec: r.established,
				BytesIn: r.bytesIn, BytesOut: r.bytesOut,
				PacketsIn: r.packetsIn, PacketsOut: r.packetsOut,
			})
		}
	} else {
		for _, p := range peers {
			views = append(views, tunnelView{PeerID: p.ID, PeerName: p.Name, Status: "unknown"})
		}
	}

	api.WriteData(w, http.StatusOK, views)
}

// HandleMonitoringInterfaces handles GET /api/v1/monitoring/interfaces:
// always 200, a best-effort snapshot (spec §6).
func (h *Handler) HandleMonitoringInterfaces(w http.ResponseWriter, r *http.Request) {
	ifaces, err := h.store.ListInterfaces(r.Context())
	if err != nil {
		h.log.Error("monitoring interfaces: failed to list interfaces", "error", err)
		api.WriteData(w, http.StatusOK, []any{})
		return
	}

	views := make([]interfaceStatsView, 0, len(ifaces))
	for _, iface := range ifaces {
		v := interfaceStatsView{Interface: iface.Name}
		if h.daemon != nil {
			stats, statErr := h.daemon.GetInterfaceStats(iface.Namespace, iface.Device)
			if statErr == nil {
				v.BytesRx, v.BytesTx = stats.BytesRx, stats.BytesTx
				v.PacketsRx, v.PacketsTx = stats.PacketsRx, stats.PacketsTx
				v.ErrorsRx, v.ErrorsTx = stats.ErrorsRx, stats.ErrorsTx
			}
		}
		views = append(views, v)
	}

	api.WriteData(w, http.StatusOK, views)
}

type tunnelView struct {
	PeerID         int64  `json:"peerId"`
	PeerName       string `json:"peerName"`
	Status         string `json:"status"`
	EstablishedSec int    `json:"establishedSec"`
	BytesIn        int64  `json:"bytesIn"`
	BytesOut       int64  `json:"bytesOut"`
	PacketsIn      int64  `json:"packetsIn"`
	PacketsOut     int64  `json:"packetsOut"`
}

type interfaceStatsView struct {
	Interface string `json:"interface"`
	BytesRx   int64  `json:"bytesRx"`
	BytesTx   int64  `json:"bytesTx"`
	PacketsRx int64  `json:"packetsRx"`
	PacketsTx int64  `json:"packetsTx"`
	ErrorsRx  int64  `json:"errorsRx"`
	ErrorsTx  int64  `json:"errorsTx"`
}
