package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/encryptor-sim/controlplane/internal/components/events"
	"github.com/encryptor-sim/controlplane/internal/daemon/ipsec"
	"github.com/encryptor-sim/controlplane/internal/store"
)

const (
	tunnelPollInterval    = 500 * time.Millisecond
	interfacePollInterval = 2 * time.Second
)

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func connectionNames(peers []*store.Peer) map[string]int64 {
	out := make(map[string]int64, len(peers))
	for _, p := range peers {
		out[ipsec.SanitizeName(p.Name)] = p.ID
	}
	return out
}

// tunnelState is the previous-poll snapshot used to compute deltas and
// decide whether a tunnel.status_changed event is due (spec §4.10 step 3-4).
type tunnelState struct {
	status           string
	bytesIn          int64
	bytesOut         int64
	packetsIn        int64
	packetsOut       int64
	isPassingTraffic bool
	lastTrafficAt    *string
}

// TunnelPoller polls daemon tunnel telemetry on a fixed interval and
// broadcasts tunnel.status_changed on first observation or on status/
// traffic-flag change. Its previous-state cache is single-writer (this
// goroutine), so it needs no locking of its own (spec §5).
type TunnelPoller struct {
	store   store.ConfigStore
	daemon  *daemon
	events  events.Broadcaster
	log     *slog.Logger
	prev    map[int64]tunnelState
}

// NewTunnelPoller builds a poller. client may be nil, in which case every
// poll tick is a no-op (used in daemon-less tests).
func NewTunnelPoller(s store.ConfigStore, client daemonCaller, broadcaster events.Broadcaster, log *slog.Logger) *TunnelPoller {
	var d *daemon
	if client != nil {
		d = newDaemon(client)
	}
	return &TunnelPoller{
		store:  s,
		daemon: d,
		events: broadcaster,
		log:    log,
		prev:   make(map[int64]tunnelState),
	}
}

// Run blocks, polling every tunnelPollInterval until ctx is cancelled.
func (p *TunnelPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(tunnelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *TunnelPoller) poll(ctx context.Context) {
	if p.daemon == nil {
		return
	}
	peers, err := p.store.ListPeers(ctx)
	if err != nil {
		p.log.Warn("tunnel poller: failed to list peers", "error", err)
		return
	}
	if len(peers) == 0 {
		return
	}
	conns := connectionNames(peers)

	readings := p.daemon.collectReadings(conns)
	if len(readings) == 0 {
		p.log.Warn("tunnel poller: get_tunnel_telemetry and get_tunnel_status both failed")
	}

	for _, peer := range peers {
		reading, ok := readings[peer.ID]
		if !ok {
			continue
		}
		p.emitIfChanged(peer, reading)
	}
}

func (p *TunnelPoller) emitIfChanged(peer *store.Peer, r reading) {
	prev, known := p.prev[peer.ID]

	bytesDelta := int64(0)
	packetsDelta := int64(0)
	if known {
		bytesDelta = (r.bytesIn - prev.bytesIn) + (r.bytesOut - prev.bytesOut)
		packetsDelta = (r.packetsIn - prev.packetsIn) + (r.packetsOut - prev.packetsOut)
	}
	isPassingTraffic := bytesDelta > 0 || packetsDelta > 0

	lastTrafficAt := prev.lastTrafficAt
	if isPassingTraffic {
		ts := nowUTC()
		lastTrafficAt = &ts
	}

	changed := !known || r.status != prev.status || isPassingTraffic != prev.isPassingTraffic

	p.prev[peer.ID] = tunnelState{
		status:           r.status,
		bytesIn:          r.bytesIn,
		bytesOut:         r.bytesOut,
		packetsIn:        r.packetsIn,
		packetsOut:       r.packetsOut,
		isPassingTraffic: isPassingTraffic,
		lastTrafficAt:    lastTrafficAt,
	}

	if !changed {
		return
	}

	p.events.Broadcast(events.Event{
		Type: events.TunnelStatusChanged,
		Data: events.TunnelStatusChangedData{
			PeerID:           peer.ID,
			PeerName:         peer.Name,
			Status:           r.status,
			EstablishedSec:   r.established,
			BytesIn:          r.bytesIn,
			BytesOut:         r.bytesOut,
			PacketsIn:        r.packetsIn,
			PacketsOut:       r.packetsOut,
			IsPassingTraffic: isPassingTraffic,
			LastTrafficAt:    lastTrafficAt,
			Timestamp:        nowUTC(),
		},
	})
}

// InterfacePoller polls daemon interface counters on a fixed interval and
// broadcasts interface.stats_updated unconditionally, once per interface per
// tick (spec §4.10).
type InterfacePoller struct {
	store  store.ConfigStore
	daemon *daemon
	events events.Broadcaster
	log    *slog.Logger
}

// NewInterfacePoller builds a poller. client may be nil, in which case every
// poll tick is a no-op.
func NewInterfacePoller(s store.ConfigStore, client daemonCaller, broadcaster events.Broadcaster, log *slog.Logger) *InterfacePoller {
	var d *daemon
	if client != nil {
		d = newDaemon(client)
	}
	return &InterfacePoller{store: s, daemon: d, events: broadcaster, log: log}
}

// Run blocks, polling every interfacePollInterval until ctx is cancelled.
func (p *InterfacePoller) Run(ctx context.Context) {
	ticker := time.NewTicker(interfacePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *InterfacePoller) poll(ctx context.Context) {
	if p.daemon == nil {
		return
	}
	ifaces, err := p.store.ListInterfaces(ctx)
	if err != nil {
		p.log.Warn("interface poller: failed to list interfaces", "error", err)
		return
	}
	for _, iface := range ifaces {
		stats, statErr := p.daemon.GetInterfaceStats(iface.Namespace, iface.Device)
		if statErr != nil {
			p.log.Warn("interface poller: get_interface_stats failed", "interface", iface.Name, "error", statErr)
			continue
		}
		p.events.Broadcast(events.Event{
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
