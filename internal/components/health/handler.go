// Package health implements GET /api/v1/system/health (spec §4.11):
// per-service status, boot-duration-against-target, and an MGMT interface
// snapshot. Every probe here stands in for an external collaborator the
// spec treats as out of scope (OpenRC supervision, the serial-console
// static-IP configurator) — this package only reads their on-disk traces.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/encryptor-sim/controlplane/internal/components/api"
	"github.com/encryptor-sim/controlplane/internal/daemon/shellrunner"
	"github.com/encryptor-sim/controlplane/internal/platform/logutil"
	"github.com/encryptor-sim/controlplane/internal/store"
)

// Service status values reported per-component (spec §4.11). Only
// namespaces, daemon, and api gate the overall healthy/degraded verdict;
// database, isolation, and webUi are informational.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
	StatusUnknown = "unknown"
)

const (
	bootTargetSeconds  = 30.0
	bootTimestampDir   = "/var/run/encryptor"
	networkConfigFlag  = "/etc/encryptor/network-config"
	mgmtInterfacesFile = "/etc/network/interfaces.d/mgmt"
	netnsDir           = "/var/run/netns"
	uiRootDir          = "/var/www/encryptor-ui"
)

// Handler serves GET /api/v1/system/health.
type Handler struct {
	store      store.ConfigStore
	socketPath string
	run        shellrunner.Runner
	log        *slog.Logger
}

// NewHandler builds a Handler. run defaults to shellrunner.Exec; tests
// substitute a fake so the OpenRC probe never shells out.
func NewHandler(s store.ConfigStore, socketPath string, run shellrunner.Runner, log *slog.Logger) *Handler {
	if run == nil {
		run = shellrunner.Exec
	}
	return &Handler{store: s, socketPath: socketPath, run: run, log: logutil.NoopIfNil(log)}
}

type serviceStatus struct {
	Namespaces string `json:"namespaces"`
	Daemon     string `json:"daemon"`
	API        string `json:"api"`
	Database   string `json:"database"`
	Isolation  string `json:"isolation"`
	WebUI      string `json:"webUi"`
}

type mgmtInterfaceStatus struct {
	Interface   string  `json:"interface"`
	IP          *string `json:"ip"`
	Netmask     *string `json:"netmask"`
	Gateway     *string `json:"gateway"`
	Method      string  `json:"method"`
	LeaseStatus string  `json:"leaseStatus"`
	Status      string  `json:"status"`
}

type healthData struct {
	Status            string              `json:"status"`
	BootDuration      *float64            `json:"bootDuration"`
	BootTarget        *bool               `json:"bootTarget"`
	BootTargetSeconds float64             `json:"bootTargetSeconds"`
	BootWithinTarget  *bool               `json:"bootWithinTarget"`
	Services          serviceStatus       `json:"services"`
	MgmtInterface     mgmtInterfaceStatus `json:"mgmtInterface"`
	Timestamp         string              `json:"timestamp"`
}

// HandleHealth handles GET /api/v1/system/health.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	services := serviceStatus{
		Namespaces: h.probeNamespaces(ctx),
		Daemon:     h.probeDaemon(ctx),
		API:        StatusRunning,
		Database:   h.probeDatabase(ctx),
		Isolation:  h.probeIsolation(ctx),
		WebUI:      h.probeWebUI(ctx),
	}

	overall := "degraded"
	if services.Namespaces == StatusRunning && services.Daemon == StatusRunning && services.API == StatusRunning {
		overall = "healthy"
	}

	duration, target, withinTarget := bootMetrics()

	data := healthData{
		Status:            overall,
		BootDuration:      duration,
		BootTarget:        target,
		BootTargetSeconds: bootTargetSeconds,
		BootWithinTarget:  withinTarget,
		Services:          services,
		MgmtInterface:     mgmtInterfaceSnapshot(),
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
	}

	api.WriteData(w, http.StatusOK, data)
}

// probeNamespaces checks OpenRC first (best-effort, swallowed on any error
// since OpenRC is an external collaborator this package does not depend
// on), then falls back to namespace directory presence under /var/run/netns.
func (h *Handler) probeNamespaces(ctx context.Context) string {
	if h.openrcStatus(ctx, "encryptor-namespaces") == StatusRunning {
		return StatusRunning
	}
	for _, ns := range []string{"ns_ct", "ns_pt", "ns_mgmt"} {
		if _, err := os.Stat(netnsDir + "/" + ns); err != nil {
			return StatusStopped
		}
	}
	return StatusRunning
}

// probeDaemon checks OpenRC first, then falls back to UNIX socket presence.
func (h *Handler) probeDaemon(ctx context.Context) string {
	if h.openrcStatus(ctx, "encryptor-daemon") == StatusRunning {
		return StatusRunning
	}
	if h.socketPath == "" {
		return StatusUnknown
	}
	if _, err := os.Stat(h.socketPath); err != nil {
		return StatusStopped
	}
	return StatusRunning
}

// probeDatabase is the SELECT-1 fallback: any successful store call proves
// the sqlite connection and schema are reachable.
func (h *Handler) probeDatabase(ctx context.Context) string {
	if h.store == nil {
		return StatusUnknown
	}
	if _, err := h.store.ListInterfaces(ctx); err != nil {
		return StatusStopped
	}
	return StatusRunning
}

// probeIsolation reports the latest self-test row's outcome.
func (h *Handler) probeIsolation(ctx context.Context) string {
	if h.store == nil {
		return StatusUnknown
	}
	result, err := h.store.LatestIsolationResult(ctx)
	if err != nil || result == nil {
		return StatusUnknown
	}
	if result.Status == store.ValidationPass {
		return StatusRunning
	}
	return StatusStopped
}

// probeWebUI checks for the built single-page app's entry point on disk.
func (h *Handler) probeWebUI(ctx context.Context) string {
	if h.openrcStatus(ctx, "nginx") == StatusRunning {
		return StatusRunning
	}
	if _, err := os.Stat(uiRootDir + "/index.html"); err != nil {
		return StatusUnknown
	}
	return StatusRunning
}

// openrcStatus runs `rc-service <name> status` and maps its exit code.
// Absent binary or any execution error yields StatusUnknown so callers fall
// through to their own independent probe.
func (h *Handler) openrcStatus(ctx context.Context, name string) string {
	out, err := h.run(ctx, "rc-service", name, "status")
	if err != nil {
		return StatusUnknown
	}
	if strings.Contains(strings.ToLower(string(out)), "started") {
		return StatusRunning
	}
	return StatusStopped
}

// bootMetrics computes boot duration from the boot-start/boot-complete
// timestamp files, each one line of seconds.nanoseconds (spec §4.11,
// §6 "Persistent files on disk").
func bootMetrics() (*float64, *bool, *bool) {
	start, startOK := readTimestamp(bootTimestampDir + "/boot-start")
	complete, completeOK := readTimestamp(bootTimestampDir + "/boot-complete")
	if !startOK || !completeOK {
		return nil, nil, nil
	}
	d := roundToOneDecimal(complete - start)
	within := d < bootTargetSeconds
	return &d, &within, &within
}

func readTimestamp(path string) (float64, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func roundToOneDecimal(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}

// mgmtInterfaceSnapshot reports the MGMT interface's configuration method
// and addressing, read from the flag file and static stanza the
// out-of-scope serial-console configurator writes (spec §4.11, §6).
func mgmtInterfaceSnapshot() mgmtInterfaceStatus {
	method := "unknown"
	if raw, err := os.ReadFile(networkConfigFlag); err == nil {
		line := strings.TrimSpace(string(raw))
		switch {
		case strings.Contains(line, "mode=static"):
			method = "static"
		case strings.Contains(line, "mode=dhcp"):
			method = "dhcp"
		}
	}

	snapshot := mgmtInterfaceStatus{
		Interface:   store.InterfaceMGMT,
		Method:      method,
		LeaseStatus: "unknown",
		Status:      "unknown",
	}

	switch method {
	case "static":
		ip, netmask, gateway := parseStaticMGMTStanza()
		snapshot.IP, snapshot.Netmask, snapshot.Gateway = ip, netmask, gateway
		snapshot.LeaseStatus = "static"
		if ip != nil {
			snapshot.Status = "up"
		}
	case "dhcp":
		// Lease state for a DHCP-managed MGMT interface is owned by udhcpc,
		// an external collaborator (spec §1); without its lease file this
		// package cannot distinguish obtained from failed.
		snapshot.LeaseStatus = "unknown"
	}

	return snapshot
}

// parseStaticMGMTStanza reads the ifupdown-style stanza the static-IP
// configurator writes to /etc/network/interfaces.d/mgmt.
func parseStaticMGMTStanza() (ip, netmask, gateway *string) {
	raw, err := os.ReadFile(mgmtInterfacesFile)
	if err != nil {
		return nil, nil, nil
	}
	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) != 2 {
			continue
		}
		switch fields[0] {
		case "address":
			v := fields[1]
			ip = &v
		case "netmask":
			v := fields[1]
			netmask = &v
		case "gateway":
			v := fields[1]
			gateway = &v
		}
	}
	return ip, netmask, gateway
}
