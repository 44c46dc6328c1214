package configapi

import (
	"strconv"

	"github.com/mitchellh/mapstructure"

	"github.com/encryptor-sim/controlplane/internal/ipc"
)

func parsePeerIDKey(s string) (int64, bool) {
	id, err := strconv.ParseInt(s, 10, 64)
	return id, err == nil
}

// daemonCaller is the subset of *ipc.Client used here, narrowed so handler
// tests can substitute a fake without touching a real UNIX socket.
type daemonCaller interface {
	Call(command string, payload map[string]interface{}) (interface{}, error)
}

// daemon wraps an ipc.Client with typed request/response shapes for each
// command in the closed set (spec §4.5).
type daemon struct {
	client daemonCaller
}

func newDaemon(client daemonCaller) *daemon {
	return &daemon{client: client}
}

// isolationResult mirrors internal/daemon/netprog.IsolationStatus over the
// wire.
type isolationResult struct {
	Status  string `mapstructure:"status" json:"status"`
	Message string `mapstructure:"message" json:"message,omitempty"`
}

// configureInterfaceResult is configure_interface's result shape: the
// isolation recheck outcome performed after reprogramming the interface.
type configureInterfaceResult struct {
	Isolation isolationResult `mapstructure:"isolation"`
}

func (d *daemon) ConfigureInterface(namespace, device, ip, netmask, gateway string) (configureInterfaceResult, error) {
	var out configureInterfaceResult
	raw, err := d.client.Call(ipc.CmdConfigureInterface, map[string]interface{}{
		"namespace": namespace,
		"device":    device,
		"ip":        ip,
		"netmask":   netmask,
		"gateway":   gateway,
	})
	if err != nil {
		return out, err
	}
	if decErr := mapstructure.Decode(raw, &out); decErr != nil {
		return out, decErr
	}
	return out, nil
}

// interfaceStatsResult mirrors internal/daemon/netprog.InterfaceCounters.
type interfaceStatsResult struct {
	BytesRx    int64 `mapstructure:"bytesRx" json:"bytesRx"`
	BytesTx    int64 `mapstructure:"bytesTx" json:"bytesTx"`
	PacketsRx  int64 `mapstructure:"packetsRx" json:"packetsRx"`
	PacketsTx  int64 `mapstructure:"packetsTx" json:"packetsTx"`
	ErrorsRx   int64 `mapstructure:"errorsRx" json:"errorsRx"`
	ErrorsTx   int64 `mapstructure:"errorsTx" json:"errorsTx"`
}

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

// lifecycleResult mirrors internal/daemon/ipsec.Result.
type lifecycleResult struct {
	Status     string `mapstructure:"status" json:"status"`
	Message    string `mapstructure:"message" json:"message,omitempty"`
	ConfigFile string `mapstructure:"configFile" json:"configFile,omitempty"`
}

type configurePeerPayload struct {
	Name          string   `json:"name"`
	RemoteIP      string   `json:"remoteIp"`
	PSK           string   `json:"psk"`
	IKEVersion    string   `json:"ikeVersion"`
	DPDAction     string   `json:"dpdAction"`
	DPDDelaySec   int      `json:"dpdDelaySec"`
	DPDTimeoutSec int      `json:"dpdTimeoutSec"`
	RekeyTimeSec  int      `json:"rekeyTimeSec"`
	Routes        []string `json:"routes"`
}

func (d *daemon) ConfigurePeer(p configurePeerPayload) (lifecycleResult, error) {
	return d.callLifecycle(ipc.CmdConfigurePeer, map[string]interface{}{
		"name":          p.Name,
		"remoteIp":      p.RemoteIP,
		"psk":           p.PSK,
		"ikeVersion":    p.IKEVersion,
		"dpdAction":     p.DPDAction,
		"dpdDelaySec":   p.DPDDelaySec,
		"dpdTimeoutSec": p.DPDTimeoutSec,
		"rekeyTimeSec":  p.RekeyTimeSec,
		"routes":        p.Routes,
	})
}

func (d *daemon) RemovePeerConfig(name string) (lifecycleResult, error) {
	return d.callLifecycle(ipc.CmdRemovePeerConfig, map[string]interface{}{"name": name})
}

func (d *daemon) TeardownPeer(name string) (lifecycleResult, error) {
	return d.callLifecycle(ipc.CmdTeardownPeer, map[string]interface{}{"name": name})
}

func (d *daemon) InitiatePeer(name string) (lifecycleResult, error) {
	return d.callLifecycle(ipc.CmdInitiatePeer, map[string]interface{}{"name": name})
}

func (d *daemon) UpdateRoutes(name string, routes []string) (lifecycleResult, error) {
	return d.callLifecycle(ipc.CmdUpdateRoutes, map[string]interface{}{"name": name, "routes": routes})
}

func (d *daemon) callLifecycle(command string, payload map[string]interface{}) (lifecycleResult, error) {
	var out lifecycleResult
	raw, err := d.client.Call(command, payload)
	if err != nil {
		return out, err
	}
	if decErr := mapstructure.Decode(raw, &out); decErr != nil {
		return out, decErr
	}
	return out, nil
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

// GetTunnelStatus asks the daemon for bare per-peer status.
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

func remapByPeerID[T any](byStringKey map[string]T) map[int64]T {
	result := make(map[int64]T, len(byStringKey))
	for k, v := range byStringKey {
		if id, ok := parsePeerIDKey(k); ok {
			result[id] = v
		}
	}
	return result
}
