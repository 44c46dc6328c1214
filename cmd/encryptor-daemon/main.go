// Package main is the entrypoint for encryptor-daemon, the privileged
// process that owns every network namespace, nftables, XFRM, and strongSwan
// operation (spec §1, §4.5): it speaks the closed IPC command set over a
// UNIX socket and keeps no database of its own beyond the latest isolation
// self-test result, held in memory.
package main

import (
	"context"
	"flag"
	"hash/fnv"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/encryptor-sim/controlplane/internal/daemon/ipsec"
	"github.com/encryptor-sim/controlplane/internal/daemon/netprog"
	"github.com/encryptor-sim/controlplane/internal/daemon/nspolicy"
	"github.com/encryptor-sim/controlplane/internal/daemon/shellrunner"
	"github.com/encryptor-sim/controlplane/internal/ipc"
	"github.com/encryptor-sim/controlplane/internal/platform/config"
	"github.com/encryptor-sim/controlplane/internal/store"
)

// defaultSwanctlConfDir is where per-peer swanctl connection files are
// written; overridable for test rigs that cannot write to /etc.
const defaultSwanctlConfDir = "/etc/swanctl/conf.d"

func main() {
	configPath := flag.String("config", "", "Path to TOML config file (optional)")
	swanctlConfDir := flag.String("swanctl-conf-dir", defaultSwanctlConfDir, "Directory for generated swanctl connection files")
	flag.Parse()

	bootstrapLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(config.LoaderOptions{ConfigPath: *configPath, Logger: bootstrapLogger})
	if err != nil {
		bootstrapLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	var level slog.Level
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	nsEngine := nspolicy.New(shellrunner.Exec, logger)
	netProg := netprog.New(shellrunner.Exec, nsEngine, logger, "")
	ipsecMgr := ipsec.New(shellrunner.Exec, *swanctlConfDir, logger)

	selftest := newSelftestCache()

	startupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	result := nsEngine.SelfTest(startupCtx)
	cancel()
	selftest.set(result)
	logger.Info("isolation self-test complete", "status", result.Status, "duration_ms", result.DurationMS)

	handlers := buildHandlers(nsEngine, netProg, ipsecMgr, selftest)
	server := ipc.NewServer(cfg.SocketPath, handlers, logger)

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("encryptor-daemon started", "socket", cfg.SocketPath)
	if err := server.Serve(sigCtx); err != nil {
		logger.Error("ipc server error", "error", err)
		os.Exit(1)
	}
	logger.Info("encryptor-daemon stopped")
}

// selftestCache holds the daemon's one piece of persistent state: the
// latest isolation self-test result, held in memory only (spec §3, §4.5
// get_validation_result).
type selftestCache struct {
	mu     sync.RWMutex
	result *store.IsolationValidationResult
}

func newSelftestCache() *selftestCache {
	return &selftestCache{}
}

func (c *selftestCache) set(r *store.IsolationValidationResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result = r
}

func (c *selftestCache) get() *store.IsolationValidationResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.result
}

// isolationResultWire is the get_validation_result wire shape: the cached
// *store.IsolationValidationResult with its timestamp rendered as RFC3339.
type isolationResultWire struct {
	Status     string           `json:"status"`
	RanAt      string           `json:"ranAt"`
	SubChecks  []store.SubCheck `json:"subChecks"`
	Failures   []string         `json:"failures"`
	DurationMS int64            `json:"durationMs"`
}

// xfrmIfID derives a stable per-peer XFRM interface id from the peer's
// sanitised connection name. The daemon keeps no database of its own (spec
// §1 "has no database of its own except an in-memory latest isolation
// result"), and none of the closed IPC commands carry the store's surrogate
// peer id (spec §4.5's configure_peer/update_routes/teardown_peer/
// remove_peer_config payloads only ever carry the peer name) - so the
// XFRM if_id, which only needs to be stable and collision-free per peer
// rather than equal to any particular database row, is computed here
// instead of threaded through the wire protocol.
func xfrmIfID(name string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ipsec.SanitizeName(name)))
	return int64(h.Sum32() & 0x7fffffff)
}

func buildHandlers(nsEngine *nspolicy.Engine, netProg *netprog.Programmer, ipsecMgr *ipsec.Manager, selftest *selftestCache) map[string]ipc.Handler {
	return map[string]ipc.Handler{
		ipc.CmdEnforceIsolation:    handleEnforceIsolation(nsEngine),
		ipc.CmdGetValidationResult: handleGetValidationResult(selftest),
		ipc.CmdConfigureInterface:  handleConfigureInterface(netProg),
		ipc.CmdGetInterfaceStats:   handleGetInterfaceStats(netProg),
		ipc.CmdConfigurePeer:       handleConfigurePeer(ipsecMgr, netProg),
		ipc.CmdRemovePeerConfig:    handleRemovePeerConfig(ipsecMgr, netProg),
		ipc.CmdTeardownPeer:        handleTeardownPeer(ipsecMgr),
		ipc.CmdInitiatePeer:        handleInitiatePeer(ipsecMgr),
		ipc.CmdUpdateRoutes:        handleUpdateRoutes(ipsecMgr, netProg),
		ipc.CmdGetTunnelStatus:     handleGetTunnelStatus(ipsecMgr),
		ipc.CmdGetTunnelTelemetry:  handleGetTunnelTelemetry(ipsecMgr),
	}
}

func handleEnforceIsolation(nsEngine *nspolicy.Engine) ipc.Handler {
	return func(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
		var p struct {
			Namespace string `mapstructure:"namespace"`
		}
		if err := mapstructure.Decode(payload, &p); err != nil {
			return nil, err
		}
		if err := nsEngine.EnforceIsolation(ctx, p.Namespace); err != nil {
			return nil, err
		}
		return map[string]interface{}{"status": "ok"}, nil
	}
}

func handleGetValidationResult(selftest *selftestCache) ipc.Handler {
	return func(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
		result := selftest.get()
		if result == nil {
			return isolationResultWire{Status: "unknown"}, nil
		}
		return isolationResultWire{
			Status:     result.Status,
			RanAt:      result.RanAt.UTC().Format(time.RFC3339),
			SubChecks:  result.SubChecks,
			Failures:   result.Failures,
			DurationMS: result.DurationMS,
		}, nil
	}
}

func handleConfigureInterface(netProg *netprog.Programmer) ipc.Handler {
	return func(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
		var p struct {
			Namespace string `mapstructure:"namespace"`
			Device    string `mapstructure:"device"`
			IP        string `mapstructure:"ip"`
			Netmask   string `mapstructure:"netmask"`
			Gateway   string `mapstructure:"gateway"`
		}
		if err := mapstructure.Decode(payload, &p); err != nil {
			return nil, err
		}
		isolation, err := netProg.ConfigureInterface(ctx, p.Namespace, p.Device, p.IP, p.Netmask, p.Gateway)
		if err != nil {
			return nil, err
		}
		return struct {
			Isolation netprog.IsolationStatus `json:"isolation"`
		}{Isolation: isolation}, nil
	}
}

func handleGetInterfaceStats(netProg *netprog.Programmer) ipc.Handler {
	return func(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
		var p struct {
			Namespace string `mapstructure:"namespace"`
			Device    string `mapstructure:"device"`
		}
		if err := mapstructure.Decode(payload, &p); err != nil {
			return nil, err
		}
		return netProg.ReadInterfaceStats(ctx, p.Namespace, p.Device), nil
	}
}

type configurePeerPayload struct {
	Name          string   `mapstructure:"name"`
	RemoteIP      string   `mapstructure:"remoteIp"`
	PSK           string   `mapstructure:"psk"`
	IKEVersion    string   `mapstructure:"ikeVersion"`
	DPDAction     string   `mapstructure:"dpdAction"`
	DPDDelaySec   int      `mapstructure:"dpdDelaySec"`
	DPDTimeoutSec int      `mapstructure:"dpdTimeoutSec"`
	RekeyTimeSec  int      `mapstructure:"rekeyTimeSec"`
	Routes        []string `mapstructure:"routes"`
}

// handleConfigurePeer writes the peer's swanctl config, then creates (or
// re-confirms, since creation is idempotent) its XFRM tunnel interface.
// Both results are folded into one {status, message} reply; an XFRM
// failure downgrades an otherwise-successful swanctl write to a warning
// rather than discarding it, since the connection file is already on disk.
func handleConfigurePeer(ipsecMgr *ipsec.Manager, netProg *netprog.Programmer) ipc.Handler {
	return func(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
		var p configurePeerPayload
		if err := mapstructure.Decode(payload, &p); err != nil {
			return nil, err
		}

		result := ipsecMgr.ConfigurePeer(ipsec.ConfigOptions{
			Name:          p.Name,
			RemoteIP:      p.RemoteIP,
			PSK:           p.PSK,
			IKEVersion:    p.IKEVersion,
			DPDAction:     p.DPDAction,
			DPDDelaySec:   p.DPDDelaySec,
			DPDTimeoutSec: p.DPDTimeoutSec,
			RekeyTimeSec:  p.RekeyTimeSec,
			Routes:        p.Routes,
		})
		if result.Status == ipsec.StatusError {
			return result, nil
		}

		ifID := xfrmIfID(p.Name)
		if err := netProg.CreateXFRMInterface(ctx, ifID); err != nil {
			result.Status = ipsec.StatusWarning
			result.Message = result.Message + "; xfrm interface creation failed: " + err.Error()
			return result, nil
		}
		for _, cidr := range p.Routes {
			if err := netProg.AddTunnelRoute(ctx, ifID, cidr); err != nil {
				result.Status = ipsec.StatusWarning
				result.Message = result.Message + "; route " + cidr + " failed: " + err.Error()
			}
		}
		return result, nil
	}
}

func handleRemovePeerConfig(ipsecMgr *ipsec.Manager, netProg *netprog.Programmer) ipc.Handler {
	return func(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
		var p struct {
			Name string `mapstructure:"name"`
		}
		if err := mapstructure.Decode(payload, &p); err != nil {
			return nil, err
		}
		result := ipsecMgr.RemovePeerConfig(p.Name)
		if err := netProg.DeleteXFRMInterface(ctx, xfrmIfID(p.Name)); err != nil {
			result.Status = ipsec.StatusWarning
			result.Message = result.Message + "; xfrm interface removal failed: " + err.Error()
		}
		return result, nil
	}
}

func handleTeardownPeer(ipsecMgr *ipsec.Manager) ipc.Handler {
	return func(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
		var p struct {
			Name string `mapstructure:"name"`
		}
		if err := mapstructure.Decode(payload, &p); err != nil {
			return nil, err
		}
		return ipsecMgr.TeardownPeer(ctx, p.Name), nil
	}
}

func handleInitiatePeer(ipsecMgr *ipsec.Manager) ipc.Handler {
	return func(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
		var p struct {
			Name string `mapstructure:"name"`
		}
		if err := mapstructure.Decode(payload, &p); err != nil {
			return nil, err
		}
		return ipsecMgr.InitiatePeer(ctx, p.Name), nil
	}
}

// handleUpdateRoutes rewrites the swanctl traffic-selector line, then
// replaces the peer's XFRM routes. `ip route replace` is idempotent by
// construction, so re-pushing the full route set on every call (spec
// §4.9's "not incremental deltas") needs no prior-state diff; routes
// dropped from the set are not actively withdrawn, since the daemon keeps
// no record of what it previously installed to diff against (spec §1:
// stateless except the in-memory isolation result).
func handleUpdateRoutes(ipsecMgr *ipsec.Manager, netProg *netprog.Programmer) ipc.Handler {
	return func(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
		var p struct {
			Name   string   `mapstructure:"name"`
			Routes []string `mapstructure:"routes"`
		}
		if err := mapstructure.Decode(payload, &p); err != nil {
			return nil, err
		}
		result := ipsecMgr.UpdateRoutes(p.Name, p.Routes)
		ifID := xfrmIfID(p.Name)
		for _, cidr := range p.Routes {
			if err := netProg.AddTunnelRoute(ctx, ifID, cidr); err != nil {
				result.Status = ipsec.StatusWarning
				result.Message = result.Message + "; route " + cidr + " failed: " + err.Error()
			}
		}
		return result, nil
	}
}

func decodePeerIDs(payload map[string]interface{}) map[string]int64 {
	raw, _ := payload["peers"].(map[string]interface{})
	out := make(map[string]int64, len(raw))
	for name, v := range raw {
		switch n := v.(type) {
		case float64:
			out[name] = int64(n)
		case int64:
			out[name] = n
		case int:
			out[name] = int64(n)
		case string:
			if id, err := strconv.ParseInt(n, 10, 64); err == nil {
				out[name] = id
			}
		}
	}
	return out
}

func lookupFor(peerIDs map[string]int64) ipsec.PeerIDLookup {
	return func(names []string) map[string]int64 {
		out := make(map[string]int64, len(names))
		for _, name := range names {
			if id, ok := peerIDs[name]; ok {
				out[name] = id
			}
		}
		return out
	}
}

func handleGetTunnelStatus(ipsecMgr *ipsec.Manager) ipc.Handler {
	return func(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
		peerIDs := decodePeerIDs(payload)
		byID := ipsecMgr.GetTunnelStatus(ctx, lookupFor(peerIDs))
		statuses := make(map[string]string, len(byID))
		for id, status := range byID {
			statuses[strconv.FormatInt(id, 10)] = status
		}
		return struct {
			Statuses map[string]string `json:"statuses"`
		}{Statuses: statuses}, nil
	}
}

func handleGetTunnelTelemetry(ipsecMgr *ipsec.Manager) ipc.Handler {
	return func(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
		peerIDs := decodePeerIDs(payload)
		byID := ipsecMgr.GetTunnelTelemetry(ctx, lookupFor(peerIDs))
		telemetry := make(map[string]ipsec.Telemetry, len(byID))
		for id, t := range byID {
			telemetry[strconv.FormatInt(id, 10)] = t
		}
		return struct {
			Telemetry map[string]ipsec.Telemetry `json:"telemetry"`
		}{Telemetry: telemetry}, nil
	}
}
