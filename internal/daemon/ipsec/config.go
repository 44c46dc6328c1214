// Package ipsec generates strongSwan swanctl configuration and drives its
// lifecycle operations via swanctl (spec §4.8): config file generation with
// a brace-balance syntax guard, configure/initiate/teardown/remove/
// update-routes operations with idempotent error handling, and telemetry
// extraction from `swanctl --list-sas`.
package ipsec

import (
	"fmt"
	"regexp"
	"strings"
)

var nameSanitizePattern = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeName replaces every character outside [A-Za-z0-9_-] with `_`.
// All swanctl filenames, connection names, and CHILD_SA names use the
// sanitised form; the original name is preserved only in a leading comment
// and in the database.
func SanitizeName(name string) string {
	return nameSanitizePattern.ReplaceAllString(name, "_")
}

// ChildName returns the CHILD_SA name swanctl commands address.
func ChildName(name string) string {
	return SanitizeName(name) + "-child"
}

// ConfigOptions holds everything needed to render one peer's swanctl
// connection and secret blocks.
type ConfigOptions struct {
	Name          string
	RemoteIP      string
	PSK           string
	IKEVersion    string // "ikev1" or "ikev2"
	DPDAction     string
	DPDDelaySec   int
	DPDTimeoutSec int
	RekeyTimeSec  int
	Routes        []string // destination CIDRs; empty means 0.0.0.0/0
}

func ikeVersionNumber(ikeVersion string) string {
	if ikeVersion == "ikev1" {
		return "1"
	}
	return "2"
}

func localTS(routes []string) string {
	if len(routes) == 0 {
		return "0.0.0.0/0"
	}
	return strings.Join(routes, ",")
}

// GenerateConfig renders the `connections { }` / `secrets { }` swanctl
// configuration text for one peer (spec §4.8).
func GenerateConfig(opts ConfigOptions) string {
	sanitised := SanitizeName(opts.Name)
	return fmt.Sprintf(`# Peer: %s
connections {
    %s {
        version = %s
        remote_addrs = %s
        local_addrs = %%any
        proposals = default
        dpd_delay = %ds
        dpd_timeout = %ds
        children {
            %s-child {
                mode = tunnel
                local_ts = %s
                remote_ts = 0.0.0.0/0
                dpd_action = %s
                rekey_time = %ds
                start_action = none
            }
        }
    }
}
secrets {
    ike-%s {
        id_remote = %s
        secret = "%s"
    }
}
`,
		opts.Name,
		sanitised, ikeVersionNumber(opts.IKEVersion), opts.RemoteIP,
		opts.DPDDelaySec, opts.DPDTimeoutSec,
		sanitised, localTS(opts.Routes), opts.DPDAction, opts.RekeyTimeSec,
		sanitised, opts.RemoteIP, opts.PSK,
	)
}

// ValidateSyntax performs the brace-balance and block-presence guard
// required before a config is written to disk (spec §4.8).
func ValidateSyntax(config string) (bool, string) {
	balance := 0
	for _, r := range config {
		switch r {
		case '{':
			balance++
		case '}':
			balance--
		}
		if balance < 0 {
			return false, "brace mismatch: unexpected closing brace"
		}
	}
	if balance != 0 {
		return false, "brace mismatch: unbalanced braces"
	}
	if !strings.Contains(config, "connections {") {
		return false, "missing required connections block"
	}
	return true, ""
}
