package telemetry

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/encryptor-sim/controlplane/internal/components/events"
	"github.com/encryptor-sim/controlplane/internal/ipc"
	"github.com/encryptor-sim/controlplane/internal/store"
	_ "github.com/encryptor-sim/controlplane/internal/store/sqlite"
)

func newTestStore(t *testing.T) store.Driver {
	t.Helper()
	dir, err := os.MkdirTemp("", "telemetry-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	driver, err := store.New(&store.DriverConfig{Driver: "sqlite", DataDir: dir})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { driver.Close() })
	if err := driver.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return driver
}

// fakeDaemon is a scriptable daemonCaller, mirroring configapi's test fake.
type fakeDaemon struct {
	mu      sync.Mutex
	err     error
	results map[string]interface{}
	calls   []string
}

func (f *fakeDaemon) Call(command string, payload map[string]interface{}) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, command)
	if f.err != nil {
		return nil, f.err
	}
	if r, ok := f.results[command]; ok {
		return r, nil
	}
	return map[string]interface{}{}, nil
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []events.Event
}

func (f *fakeBroadcaster) Broadcast(e events.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeBroadcaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeBroadcaster) last() events.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[len(f.events)-1]
}

func mkPeer(t *testing.T, s store.Driver, name string) *store.Peer {
	t.Helper()
	p := &store.Peer{
		Name:       name,
		RemoteIP:   "203.0.113.5",
		IKEVersion: store.IKEv2,
		Enabled:    true,
	}
	if err := s.CreatePeer(context.Background(), p); err != nil {
		t.Fatalf("CreatePeer: %v", err)
	}
	return p
}

func TestDaemon_GetTunnelTelemetry_RemapsByPeerID(t *testing.T) {
	fd := &fakeDaemon{results: map[string]interface{}{
		ipc.CmdGetTunnelTelemetry: map[string]interface{}{
			"telemetry": map[string]interface{}{
				"42": map[string]interface{}{
					"status":         "established",
					"establishedSec": 120,
					"bytesIn":        1000,
					"bytesOut":       2000,
					"packetsIn":      10,
					"packetsOut":     20,
				},
			},
		},
	}}
	d := newDaemon(fd)

	out, err := d.GetTunnelTelemetry(map[string]int64{"peer-42": 42})
	if err != nil {
		t.Fatalf("GetTunnelTelemetry: %v", err)
	}
	got, ok := out[42]
	if !ok {
		t.Fatalf("expected peer id 42 in result, got %v", out)
	}
	if got.Status != "established" || got.BytesIn != 1000 || got.PacketsOut != 20 {
		t.Errorf("unexpected telemetry: %+v", got)
	}
}

func TestDaemon_CollectReadings_FallsBackToStatusOnTelemetryFailure(t *testing.T) {
	fd := &fakeDaemon{results: map[string]interface{}{
		ipc.CmdGetTunnelTelemetry: map[string]interface{}{"telemetry": map[string]interface{}{}},
		ipc.CmdGetTunnelStatus: map[string]interface{}{
			"statuses": map[string]interface{}{"7": "connecting"},
		},
	}}
	d := newDaemon(fd)

	readings := d.collectReadings(map[string]int64{"peer-7": 7})
	r, ok := readings[7]
	if !ok {
		t.Fatalf("expected fallback status reading for peer 7, got %v", readings)
	}
	if r.status != "connecting" {
		t.Errorf("expected status %q, got %q", "connecting", r.status)
	}
	if r.bytesIn != 0 || r.established != 0 {
		t.Errorf("expected zeroed counters on fallback, got %+v", r)
	}
}

func TestDaemon_CollectReadings_EmptyOnBothFailing(t *testing.T) {
	fd := &fakeDaemon{err: context.DeadlineExceeded}
	d := newDaemon(fd)

	readings := d.collectReadings(map[string]int64{"peer-1": 1})
	if len(readings) != 0 {
		t.Errorf("expected empty readings when both daemon calls fail, got %v", readings)
	}
}

func TestDaemon_GetInterfaceStats_Decodes(t *testing.T) {
	fd := &fakeDaemon{results: map[string]interface{}{
		ipc.CmdGetInterfaceStats: map[string]interface{}{
			"bytesRx": 5000, "bytesTx": 6000,
			"packetsRx": 50, "packetsTx": 60,
			"errorsRx": 0, "errorsTx": 1,
		},
	}}
	d := newDaemon(fd)

	stats, err := d.GetInterfaceStats("ns_ct", "eth1")
	if err != nil {
		t.Fatalf("GetInterfaceStats: %v", err)
	}
	if stats.BytesRx != 5000 || stats.ErrorsTx != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestTunnelPoller_EmitsOnlyOnFirstObservationAndOnChange(t *testing.T) {
	s := newTestStore(t)
	peer := mkPeer(t, s, "branch-1")

	fd := &fakeDaemon{results: map[string]interface{}{
		ipc.CmdGetTunnelTelemetry: map[string]interface{}{
			"telemetry": map[string]interface{}{
				"1": map[string]interface{}{
					"status": "established", "establishedSec": 10,
					"bytesIn": 100, "bytesOut": 100, "packetsIn": 1, "packetsOut": 1,
				},
			},
		},
	}}
	broadcaster := &fakeBroadcaster{}
	poller := NewTunnelPoller(s, fd, broadcaster, slog.Default())

	poller.poll(context.Background())
	if broadcaster.count() != 1 {
		t.Fatalf("expected 1 event after first observation, got %d", broadcaster.count())
	}
	first := broadcaster.last()
	data := first.Data.(events.TunnelStatusChangedData)
	// First observation has no previous counters, so there is no delta yet.
	if data.PeerID != peer.ID || data.IsPassingTraffic {
		t.Errorf("unexpected first event data: %+v", data)
	}

	// Same status, no byte/packet movement: no new event.
	poller.poll(context.Background())
	if broadcaster.count() != 1 {
		t.Errorf("expected no new event on unchanged status/traffic, got %d total", broadcaster.count())
	}

	// Status changes: must emit again.
	fd.results[ipc.CmdGetTunnelTelemetry] = map[string]interface{}{
		"telemetry": map[string]interface{}{
			"1": map[string]interface{}{
				"status": "disconnected", "establishedSec": 0,
				"bytesIn": 100, "bytesOut": 100, "packetsIn": 1, "packetsOut": 1,
			},
		},
	}
	poller.poll(context.Background())
	if broadcaster.count() != 2 {
		t.Errorf("expected a new event on status change, got %d total", broadcaster.count())
	}
}

func TestTunnelPoller_NoPeersIsNoop(t *testing.T) {
	s := newTestStore(t)
	fd := &fakeDaemon{}
	broadcaster := &fakeBroadcaster{}
	poller := NewTunnelPoller(s, fd, broadcaster, slog.Default())

	poller.poll(context.Background())
	if broadcaster.count() != 0 {
		t.Errorf("expected no events with no peers configured, got %d", broadcaster.count())
	}
}

func TestInterfacePoller_EmitsUnconditionallyPerInterface(t *testing.T) {
	s := newTestStore(t)
	fd := &fakeDaemon{results: map[string]interface{}{
		ipc.CmdGetInterfaceStats: map[string]interface{}{
			"bytesRx": 10, "bytesTx": 20, "packetsRx": 1, "packetsTx": 2,
			"errorsRx": 0, "errorsTx": 0,
		},
	}}
	broadcaster := &fakeBroadcaster{}
	poller := NewInterfacePoller(s, fd, broadcaster, slog.Default())

	poller.poll(context.Background())
	// Seeded store ships exactly 3 fixed interfaces (CT, PT, MGMT).
	if broadcaster.count() != 3 {
		t.Errorf("expected one event per seeded interface (3), got %d", broadcaster.count())
	}

	// A second tick with identical counters must still emit (no change-gating
	// for interface stats, unlike tunnel status).
	poller.poll(context.Background())
	if broadcaster.count() != 6 {
		t.Errorf("expected unconditional re-emit on second tick, got %d total", broadcaster.count())
	}
}

func TestManager_BroadcastWithNoSessionsIsNoop(t *testing.T) {
	m := NewManager(slog.Default())
	// With zero sessions Broadcast must simply be a no-op, not panic.
	m.Broadcast(events.Event{Type: events.InterfaceStatsUpdated})
}
