package configapi

import (
	"fmt"
	"net"
	"strings"
)

// fieldError is a single validation failure, joined into one 422 detail
// message by validationError.Error().
type fieldError struct {
	Field  string
	Reason string
}

func (e fieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// validationError collects every fieldError found for one request so the
// 422 body can report all of them at once rather than one at a time.
type validationError struct {
	errs []fieldError
}

func (v *validationError) add(field, reason string) {
	v.errs = append(v.errs, fieldError{Field: field, Reason: reason})
}

func (v *validationError) any() bool { return len(v.errs) > 0 }

func (v *validationError) Error() string {
	parts := make([]string, len(v.errs))
	for i, e := range v.errs {
		parts[i] = e.Error()
	}
	return strings.Join(parts, "; ")
}

func isValidIPv4(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil
}

const (
	minDPDDelaySec   = 10
	maxDPDDelaySec   = 300
	minDPDTimeoutSec = 10
	maxDPDTimeoutSec = 600
	minRekeyTimeSec  = 300
	maxRekeyTimeSec  = 86400
)

var validIKEVersions = map[string]bool{"ikev1": true, "ikev2": true}
var validDPDActions = map[string]bool{"clear": true, "hold": true, "restart": true}

// validatePeerInput applies the entity rules of spec §3 to a peer create or
// update request. PSK is validated for presence only on create; callers
// pass requirePSK=false when PSK was omitted to mean "leave unchanged".
func validatePeerInput(req peerRequest, requirePSK bool) *validationError {
	v := &validationError{}

	if len(req.Name) == 0 || len(req.Name) > 100 {
		v.add("name", "must be 1-100 characters")
	}
	if req.RemoteIP != "" && !isValidIPv4(req.RemoteIP) {
		v.add("remoteIp", "must be a valid IPv4 address")
	}
	if req.IKEVersion != "" && !validIKEVersions[req.IKEVersion] {
		v.add("ikeVersion", "must be ikev1 or ikev2")
	}
	if requirePSK && req.PSK == "" {
		v.add("psk", "is required")
	}
	if req.DPDAction != "" && !validDPDActions[req.DPDAction] {
		v.add("dpdAction", "must be clear, hold, or restart")
	}
	if req.DPDDelaySec != 0 && (req.DPDDelaySec < minDPDDelaySec || req.DPDDelaySec > maxDPDDelaySec) {
		v.add("dpdDelaySec", fmt.Sprintf("must be between %d and %d", minDPDDelaySec, maxDPDDelaySec))
	}
	if req.DPDTimeoutSec != 0 && (req.DPDTimeoutSec < minDPDTimeoutSec || req.DPDTimeoutSec > maxDPDTimeoutSec) {
		v.add("dpdTimeoutSec", fmt.Sprintf("must be between %d and %d", minDPDTimeoutSec, maxDPDTimeoutSec))
	}
	if req.DPDDelaySec != 0 && req.DPDTimeoutSec != 0 && req.DPDTimeoutSec <= req.DPDDelaySec {
		v.add("dpdTimeoutSec", "must exceed dpdDelaySec")
	}
	if req.RekeyTimeSec != 0 && (req.RekeyTimeSec < minRekeyTimeSec || req.RekeyTimeSec > maxRekeyTimeSec) {
		v.add("rekeyTimeSec", fmt.Sprintf("must be between %d and %d", minRekeyTimeSec, maxRekeyTimeSec))
	}
	for _, r := range req.Routes {
		if _, err := normalizeCIDR(r); err != nil {
			v.add("routes", fmt.Sprintf("%q is not a valid destination CIDR", r))
		}
	}

	if !v.any() {
		return nil
	}
	return v
}

func validateInterfaceConfigureInput(req interfaceConfigureRequest) *validationError {
	v := &validationError{}
	if !isValidIPv4(req.IPAddress) {
		v.add("ipAddress", "must be a valid IPv4 address")
	}
	if !isValidIPv4(req.Netmask) {
		v.add("netmask", "must be a valid IPv4 netmask")
	}
	if req.Gateway != "" && !isValidIPv4(req.Gateway) {
		v.add("gateway", "must be a valid IPv4 address")
	}
	if !v.any() {
		return nil
	}
	return v
}

func validateRouteInput(req routeRequest) *validationError {
	v := &validationError{}
	if req.PeerID <= 0 {
		v.add("peerId", "is required")
	}
	if _, err := normalizeCIDR(req.DestinationCIDR); err != nil {
		v.add("destinationCidr", "must be a valid IPv4 CIDR from /0 to /32")
	}
	if !v.any() {
		return nil
	}
	return v
}

// normalizeCIDR parses an IPv4 CIDR and returns its strict-normalised form
// (host bits cleared), e.g. "10.1.2.3/8" -> "10.0.0.0/8". Idempotent:
// normalizeCIDR(normalizeCIDR(x)) == normalizeCIDR(x) for any valid x.
func normalizeCIDR(s string) (string, error) {
	ip, network, err := net.ParseCIDR(s)
	if err != nil {
		return "", err
	}
	if ip.To4() == nil || network.IP.To4() == nil {
		return "", fmt.Errorf("configapi: only IPv4 CIDRs are supported")
	}
	return network.String(), nil
}
