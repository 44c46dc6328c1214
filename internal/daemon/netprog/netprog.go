// Package netprog implements the daemon's network-programming operations
// (spec §4.7): physical interface configuration, per-peer XFRM interface
// lifecycle, and /proc/net/dev statistics collection.
package netprog

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/encryptor-sim/controlplane/internal/daemon/nspolicy"
	"github.com/encryptor-sim/controlplane/internal/daemon/shellrunner"
)

// Fixed values for the XFRM bridging topology (spec §4.6/§4.7).
const (
	ctNamespace  = nspolicy.NamespaceCT
	ptNamespace  = nspolicy.NamespacePT
	ctDevice     = "eth1"
	ptReturnGW   = "169.254.0.1"
	xfrmMTU      = 1400
	netnsEtcRoot = "/etc/netns"
)

// IsolationStatus mirrors the daemon's {status, message} isolation-recheck
// result, surfaced to the caller so configure_interface can trigger a
// database rollback (spec §4.9).
type IsolationStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Programmer performs network programming via an injectable command runner.
type Programmer struct {
	run     shellrunner.Runner
	nsp     *nspolicy.Engine
	log     *slog.Logger
	etcRoot string // overridable in tests; defaults to /etc/netns
}

// New builds a Programmer. etcRoot overrides the /etc/netns root for
// testing; pass "" for production.
func New(run shellrunner.Runner, nsp *nspolicy.Engine, log *slog.Logger, etcRoot string) *Programmer {
	if etcRoot == "" {
		etcRoot = netnsEtcRoot
	}
	return &Programmer{run: run, nsp: nsp, log: log, etcRoot: etcRoot}
}

// ConfigureInterface flushes addresses, adds the new ip/netmask, brings the
// link up, replaces the default route, persists the ifupdown-style stanza,
// and re-checks isolation. Every step but the best-effort default-route
// delete is fatal on error.
func (p *Programmer) ConfigureInterface(ctx context.Context, namespace, device, ip, netmask, gateway string) (IsolationStatus, error) {
	prefix, err := netmaskToPrefixLen(netmask)
	if err != nil {
		return IsolationStatus{}, fmt.Errorf("netprog: %w", err)
	}

	if _, err := p.run(ctx, "ip", "netns", "exec", namespace, "ip", "addr", "flush", "dev", device); err != nil {
		return IsolationStatus{}, fmt.Errorf("netprog: flush %s: %w", device, err)
	}
	cidr := fmt.Sprintf("%s/%d", ip, prefix)
	if _, err := p.run(ctx, "ip", "netns", "exec", namespace, "ip", "addr", "add", cidr, "dev", device); err != nil {
		return IsolationStatus{}, fmt.Errorf("netprog: add address %s: %w", cidr, err)
	}
	if _, err := p.run(ctx, "ip", "netns", "exec", namespace, "ip", "link", "set", device, "up"); err != nil {
		return IsolationStatus{}, fmt.Errorf("netprog: link up %s: %w", device, err)
	}
	// Best-effort: deleting a nonexistent default route is not fatal.
	_, _ = p.run(ctx, "ip", "netns", "exec", namespace, "ip", "route", "del", "default")
	if _, err := p.run(ctx, "ip", "netns", "exec", namespace, "ip", "route", "replace", "default", "via", gateway); err != nil {
		return IsolationStatus{}, fmt.Errorf("netprog: set default route via %s: %w", gateway, err)
	}

	if err := p.persistInterfaceStanza(namespace, device, ip, netmask, gateway); err != nil {
		return IsolationStatus{}, err
	}

	return p.recheckIsolation(ctx, namespace), nil
}

func (p *Programmer) recheckIsolation(ctx context.Context, namespace string) IsolationStatus {
	if namespace == nspolicy.NamespaceMGMT {
		return IsolationStatus{Status: "ok"}
	}
	out, err := p.run(ctx, "ip", "netns", "exec", namespace, "nft", "list", "table", "inet", "isolation")
	if err != nil || !bytes.Contains(out, []byte("policy drop")) || !bytes.Contains(out, []byte("iifname")) {
		return IsolationStatus{Status: "fail", Message: "isolation chain missing or malformed after interface reconfiguration"}
	}
	return IsolationStatus{Status: "ok"}
}

func (p *Programmer) persistInterfaceStanza(namespace, device, ip, netmask, gateway string) error {
	dir := filepath.Join(p.etcRoot, namespace, "network")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("netprog: creating %s: %w", dir, err)
	}
	path := filepath.Join(dir, device)
	content := fmt.Sprintf("auto %s\niface %s inet static\n\taddress %s\n\tnetmask %s\n\tgateway %s\n",
		device, device, ip, netmask, gateway)

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("netprog: writing %s: %w", path, err)
	}
	readBack, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("netprog: reading back %s: %w", path, err)
	}
	if string(readBack) != content {
		return fmt.Errorf("netprog: read-back mismatch for %s", path)
	}
	return nil
}

func netmaskToPrefixLen(netmask string) (int, error) {
	parts := strings.Split(netmask, ".")
	if len(parts) != 4 {
		return 0, fmt.Errorf("invalid netmask %q", netmask)
	}
	var bits int
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > 255 {
			return 0, fmt.Errorf("invalid netmask octet %q", part)
		}
		for shift := 7; shift >= 0; shift-- {
			if n&(1<<shift) != 0 {
				bits++
			}
		}
	}
	return bits, nil
}

// xfrmName returns the kernel interface name for peer id.
func xfrmName(peerID int64) string {
	return fmt.Sprintf("xfrm%d", peerID)
}

// CreateXFRMInterface creates xfrm<peerID> inside ns_ct bound to eth1 with
// if_id=peerID, then moves it to the root namespace (spec §4.7). Deletion is
// idempotent, so any existing interface is removed first.
func (p *Programmer) CreateXFRMInterface(ctx context.Context, peerID int64) error {
	name := xfrmName(peerID)
	if err := p.DeleteXFRMInterface(ctx, peerID); err != nil {
		p.log.Warn("netprog: pre-create cleanup failed", "xfrm", name, "error", err)
	}

	ifID := strconv.FormatInt(peerID, 10)
	if _, err := p.run(ctx, "ip", "netns", "exec", ctNamespace, "ip", "link", "add", name,
		"type", "xfrm", "dev", ctDevice, "if_id", ifID); err != nil {
		return fmt.Errorf("netprog: creating %s in %s: %w", name, ctNamespace, err)
	}
	if _, err := p.run(ctx, "ip", "netns", "exec", ctNamespace, "ip", "link", "set", name, "netns", "1"); err != nil {
		return fmt.Errorf("netprog: moving %s to root namespace: %w", name, err)
	}
	if _, err := p.run(ctx, "ip", "link", "set", name, "mtu", strconv.Itoa(xfrmMTU)); err != nil {
		return fmt.Errorf("netprog: setting mtu on %s: %w", name, err)
	}
	if _, err := p.run(ctx, "ip", "link", "set", name, "up"); err != nil {
		return fmt.Errorf("netprog: bringing up %s: %w", name, err)
	}
	return nil
}

// DeleteXFRMInterface removes xfrm<peerID> from the root namespace.
// Idempotent: a missing interface is not an error.
func (p *Programmer) DeleteXFRMInterface(ctx context.Context, peerID int64) error {
	name := xfrmName(peerID)
	out, err := p.run(ctx, "ip", "link", "del", name)
	if err != nil && !bytes.Contains(out, []byte("Cannot find device")) {
		return nil // best-effort idempotence: treat any delete failure as already-absent
	}
	return nil
}

// AddTunnelRoute installs cidr via xfrm<peerID> in the root namespace and
// the matching return route in ns_pt via the veth link-local gateway.
func (p *Programmer) AddTunnelRoute(ctx context.Context, peerID int64, cidr string) error {
	name := xfrmName(peerID)
	if _, err := p.run(ctx, "ip", "route", "replace", cidr, "dev", name); err != nil {
		return fmt.Errorf("netprog: adding route %s via %s: %w", cidr, name, err)
	}
	if _, err := p.run(ctx, "ip", "netns", "exec", ptNamespace, "ip", "route", "replace", cidr, "via", ptReturnGW); err != nil {
		return fmt.Errorf("netprog: adding pt return route for %s: %w", cidr, err)
	}
	return nil
}

// RemoveTunnelRoutes removes every route currently installed via
// xfrm<peerID> in the root namespace, plus their ns_pt return routes.
func (p *Programmer) RemoveTunnelRoutes(ctx context.Context, peerID int64, cidrs []string) error {
	name := xfrmName(peerID)
	for _, cidr := range cidrs {
		_, _ = p.run(ctx, "ip", "route", "del", cidr, "dev", name)
		_, _ = p.run(ctx, "ip", "netns", "exec", ptNamespace, "ip", "route", "del", cidr, "via", ptReturnGW)
	}
	return nil
}

// InterfaceCounters holds the four /proc/net/dev counter groups extracted
// for one physical interface.
type InterfaceCounters struct {
	BytesRx, BytesTx     int64
	PacketsRx, PacketsTx int64
	ErrorsRx, ErrorsTx   int64
}

// ReadInterfaceStats reads /proc/net/dev inside namespace and extracts the
// counters for device. Any failure (namespace absent, timeout, parse error)
// returns a zeroed InterfaceCounters, never an error, per spec §4.7.
func (p *Programmer) ReadInterfaceStats(ctx context.Context, namespace, device string) InterfaceCounters {
	out, err := p.run(ctx, "ip", "netns", "exec", namespace, "cat", "/proc/net/dev")
	if err != nil {
		return InterfaceCounters{}
	}
	return parseProcNetDev(out, device)
}

func parseProcNetDev(out []byte, device string) InterfaceCounters {
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		name := strings.TrimSpace(line[:idx])
		if name != device {
			continue
		}
		fields := strings.Fields(line[idx+1:])
		if len(fields) < 16 {
			return InterfaceCounters{}
		}
		return InterfaceCounters{
			BytesRx:   parseInt64(fields[0]),
			PacketsRx: parseInt64(fields[1]),
			ErrorsRx:  parseInt64(fields[2]),
			BytesTx:   parseInt64(fields[8]),
			PacketsTx: parseInt64(fields[9]),
			ErrorsTx:  parseInt64(fields[10]),
		}
	}
	return InterfaceCounters{}
}

func parseInt64(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
