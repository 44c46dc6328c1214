package telemetry

import (
	"strconv"

	"github.com/mitchellh/mapstructure"

	"github.com/encryptor-sim/controlplane/internal/ipc"
)

// daemonCaller is the subset of *ipc.Client used here, narrowed so poller
// tests can substitute a fake without touching a real UNIX socket.
type daemonCaller interface {
	Call(command string, payload map[string]interface{}) (interface{}, error)
}

// daemon wraps an ipc.Client with typed response shapes for the telemetry
// commands in the closed set (spec §4.5). Kept separate from configapi's
// identically-shaped daemon type: the two packages share no code so neither
// has to export internals purely for the other's benefit.
type daemon struct {
	client daemonCaller
}

func newDaemon(client daemonCaller) *daemon {
	return &daemon{client: client}
}

// telemetryResult mirrors internal/daemon/ipsec.Telemetry.
type telemetryResult struct {
	Status         string `mapstructure:"status" json:"status"`
	EstablishedSec int    `mapstructure:"establishedSec" json:"establishedSec"`
	BytesIn        int64  `mapstructure:"bytesIn" json:"bytesIn"`
	BytesOut       int64  `mapstructure:"bytesOut" json:"bytesOut"`
	PacketsIn      int64  `mapstructure:"packetsIn" json:"packetsIn"`
	PacketsOut     int64  `mapstructure:"packetsOut" json:"packetsOut"`
}

// interfaceStatsResult mirrors internal/daemon/netprog.InterfaceCounters.
type interfaceStatsResult struct {
	BytesRx   int64 `mapstructure:"bytesRx" json:"bytesRx"`
	BytesTx   int64 `mapstructure:"bytesTx" json:"bytesTx"`
	PacketsRx int64 `mapstructure:"packetsRx" json:"packetsRx"`
	PacketsTx int64 `mapstructure:"packetsTx" json:"packetsTx"`
	ErrorsRx  int64 `mapstructure:"errorsRx" json:"errorsRx"`
	ErrorsTx  int64 `mapstructure:"errorsTx" json:"errorsTx"`
}

func parsePeerIDKey(s string) (int64, bool) {
	id, err := strconv.ParseInt(s, 10, 64)
	return id, err == nil
}

// GetTunnelTelemetry asks the daemon for full per-peer telemetry. peers maps
// the strongSwan connection name to its store peer id, resolved by the
// caller (the daemon holds no store connection of its own).
func (d *daemon) GetTunnelTelemetry(peers map[string]int64) (map[int64]telemetryResult, error) {
	raw, err := d.client.Call(ipc.CmdGetTunnelTelemetry, map[string]interface{}{"peers": peers})
	if err != nil {
		return nil, err
	}
	var decoded struct {
		Telemetry map[string]telemetryResult `mapstructure:"telemetry"`
	}
	if decErr := mapstructure.Decode(raw, &decoded); decErr != nil {
		return nil, decErr
	}
	return remapByPeerID(decoded.Telemetry), nil
}

// GetTunnelStatus asks the daemon for bare per-peer status, used as a
// fallback when GetTunnelTelemetry comes back empty or erroring.
func (d *daemon) GetTunnelStatus(peers map[string]int64) (map[int64]string, error) {
	raw, err := d.client.Call(ipc.CmdGetTunnelStatus, map[string]interface{}{"peers": peers})
	if err != nil {
		return nil, err
	}
	var decoded struct {
		Statuses map[string]string `mapstructure:"statuses"`
	}
	if decErr := mapstructure.Decode(raw, &decoded); decErr != nil {
		return nil, decErr
	}
	result := make(map[int64]string, len(decoded.Statuses))
	for k, v := range decoded.Statuses {
		if id, ok := parsePeerIDKey(k); ok {
			result[id] = v
		}
	}
	return result, nil
}

// GetInterfaceStats asks the daemon for one interface's counters.
func (d *daemon) GetInterfaceStats(namespace, device string) (interfaceStatsResult, error) {
	var out interfaceStatsResult
	raw, err := d.client.Call(ipc.CmdGetInterfaceStats, map[string]interface{}{
		"namespace": namespace,
		"device":    device,
	})
	if err != nil {
		return out, err
	}
	if decErr := mapstructure.Decode(raw, &out); decErr != nil {
		return out, decErr
	}
	return out, nil
}

// reading is one peer's polled values for a single tick, before delta
// computation against any previous tick.
type reading struct {
	status      string
	established int
	bytesIn     int64
	bytesOut    int64
	packetsIn   int64
	packetsOut  int64
}

// collectReadings fetches the current tick's readings for conns, preferring
// full telemetry and falling back to bare status with zeroed counters (spec
// §4.10 step 2). Shared by the tunnel poller and the WebSocket initial
// snapshot so both apply the same fallback rule.
func (d *daemon) collectReadings(conns map[string]int64) map[int64]reading {
	out := make(map[int64]reading, len(conns))

	telemetry, err := d.GetTunnelTelemetry(conns)
	if err == nil && len(telemetry) > 0 {
		for id, t := range telemetry {
			out[id] = reading{
				status:      t.Status,
				established: t.EstablishedSec,
				bytesIn:     t.BytesIn,
				bytesOut:    t.BytesOut,
				packetsIn:   t.PacketsIn,
				packetsOut:  t.PacketsOut,
			}
		}
		return out
	}

	statuses, statusErr := d.GetTunnelStatus(conns)
	if statusErr != nil {
		return out
	}
	for id, status := range statuses {
		out[id] = reading{status: status}
	}
	return out
}

func remapByPeerID[T any](byStringKey map[string]T) map[int64]T {
	result := make(map[int64]T, len(byStringKey))
	for k, v := range byStringKey {
		if id, ok := parsePeerIDKey(k); ok {
			result[id] = v
		}
	}
	return result
}
