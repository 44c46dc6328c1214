package ipsec

import (
	"context"
	"regexp"
	"strconv"
	"strings"
)

// saRecord holds one peer's parsed state from `swanctl --list-sas` output.
type saRecord struct {
	name           string
	state          string
	establishedSec int
	bytesIn        int64
	bytesOut       int64
	packetsIn      int64
	packetsOut     int64
}

var (
	ikeHeaderPattern  = regexp.MustCompile(`^(\S+): #\d+, ([A-Z]+), IKEv\d`)
	establishedPattern = regexp.MustCompile(`established:\s*(\d+) seconds ago`)
	bytesPattern       = regexp.MustCompile(`bytes_in:\s*(\S+),\s*bytes_out:\s*(\S+)`)
	packetsPattern     = regexp.MustCompile(`packets_in:\s*(\S+),\s*packets_out:\s*(\S+)`)
)

func parseListSAs(output string) []saRecord {
	var records []saRecord
	var current *saRecord

	for _, line := range strings.Split(output, "\n") {
		if m := ikeHeaderPattern.FindStringSubmatch(line); m != nil {
			records = append(records, saRecord{name: m[1], state: m[2]})
			current = &records[len(records)-1]
			continue
		}
		if current == nil {
			continue
		}
		if m := establishedPattern.FindStringSubmatch(line); m != nil {
			current.establishedSec = parsePositiveInt(m[1])
			continue
		}
		if m := bytesPattern.FindStringSubmatch(line); m != nil {
			current.bytesIn = parseNonNegativeInt64(m[1])
			current.bytesOut = parseNonNegativeInt64(m[2])
			continue
		}
		if m := packetsPattern.FindStringSubmatch(line); m != nil {
			current.packetsIn = parseNonNegativeInt64(m[1])
			current.packetsOut = parseNonNegativeInt64(m[2])
			continue
		}
	}
	return records
}

func parsePositiveInt(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func parseNonNegativeInt64(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Status maps an IKE SA state keyword to the daemon's tunnel status
// vocabulary (spec §4.8).
func Status(state string) string {
	switch state {
	case "ESTABLISHED":
		return "up"
	case "CONNECTING", "REKEYING":
		return "negotiating"
	default:
		return "down"
	}
}

// PeerIDLookup resolves swanctl connection names to known peer ids,
// dropping any name it does not recognise.
type PeerIDLookup func(names []string) map[string]int64

func (m *Manager) listSAs(ctx context.Context) ([]saRecord, error) {
	out, err := m.runSwanctl(ctx, "--list-sas")
	if err != nil {
		return nil, err
	}
	return parseListSAs(string(out)), nil
}

func namesOf(records []saRecord) []string {
	names := make([]string, len(records))
	for i, r := range records {
		names[i] = r.name
	}
	return names
}

// GetTunnelStatus returns peerId -> status for every peer swanctl reports
// that the lookup resolves. Any command failure yields an empty map
// rather than an error (spec §4.8 "never crashes the caller").
func (m *Manager) GetTunnelStatus(ctx context.Context, lookup PeerIDLookup) map[int64]string {
	records, err := m.listSAs(ctx)
	if err != nil || len(records) == 0 {
		return map[int64]string{}
	}
	ids := lookup(namesOf(records))
	result := make(map[int64]string, len(records))
	for _, r := range records {
		if id, ok := ids[r.name]; ok {
			result[id] = Status(r.state)
		}
	}
	return result
}

// Telemetry is the per-peer shape published to tunnel.status_changed and
// returned by get_tunnel_telemetry (spec §4.8, §4.10).
type Telemetry struct {
	Status         string `json:"status"`
	EstablishedSec int    `json:"establishedSec"`
	BytesIn        int64  `json:"bytesIn"`
	BytesOut       int64  `json:"bytesOut"`
	PacketsIn      int64  `json:"packetsIn"`
	PacketsOut     int64  `json:"packetsOut"`
}

// GetTunnelTelemetry extracts full per-peer telemetry from
// `swanctl --list-sas`. Missing or malformed counters default to zero;
// status is still reported. Empty on any command failure.
func (m *Manager) GetTunnelTelemetry(ctx context.Context, lookup PeerIDLookup) map[int64]Telemetry {
	records, err := m.listSAs(ctx)
	if err != nil || len(records) == 0 {
		return map[int64]Telemetry{}
	}
	ids := lookup(namesOf(records))
	result := make(map[int64]Telemetry, len(records))
	for _, r := range records {
		id, ok := ids[r.name]
		if !ok {
			continue
		}
		result[id] = Telemetry{
			Status:         Status(r.state),
			EstablishedSec: r.establishedSec,
			BytesIn:        r.bytesIn,
			BytesOut:       r.bytesOut,
			PacketsIn:      r.packetsIn,
			PacketsOut:     r.packetsOut,
		}
	}
	return result
}
