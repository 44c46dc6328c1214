package ipsec

import (
	"strings"
	"testing"
)

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"site-a":         "site-a",
		"Site A":         "Site_A",
		"My Remote Site": "My_Remote_Site",
		"peer@office#1":  "peer_office_1",
		"my-peer_name":   "my-peer_name",
	}
	for in, want := range cases {
		if got := SanitizeName(in); got != want {
			t.Errorf("SanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestGenerateConfigIKEv2(t *testing.T) {
	config := GenerateConfig(ConfigOptions{
		Name: "site-a", RemoteIP: "10.1.1.100", PSK: "my-secret", IKEVersion: "ikev2",
	})
	for _, want := range []string{"version = 2", "remote_addrs = 10.1.1.100", `secret = "my-secret"`, "site-a"} {
		if !strings.Contains(config, want) {
			t.Errorf("expected config to contain %q:\n%s", want, config)
		}
	}
}

func TestGenerateConfigIKEv1(t *testing.T) {
	config := GenerateConfig(ConfigOptions{Name: "site-b", RemoteIP: "10.2.2.200", PSK: "x", IKEVersion: "ikev1"})
	if !strings.Contains(config, "version = 1") {
		t.Fatalf("expected ikev1 config, got:\n%s", config)
	}
}

func TestGenerateConfigIncludesDPDAndRekey(t *testing.T) {
	config := GenerateConfig(ConfigOptions{
		Name: "dpd-peer", RemoteIP: "10.3.3.3", PSK: "psk", IKEVersion: "ikev2",
		DPDAction: "hold", DPDDelaySec: 60, DPDTimeoutSec: 300, RekeyTimeSec: 7200,
	})
	for _, want := range []string{"dpd_action = hold", "dpd_delay = 60s", "dpd_timeout = 300s", "rekey_time = 7200s"} {
		if !strings.Contains(config, want) {
			t.Errorf("expected config to contain %q:\n%s", want, config)
		}
	}
}

func TestGenerateConfigUsesSanitizedIdentifiers(t *testing.T) {
	config := GenerateConfig(ConfigOptions{Name: "Site A", RemoteIP: "10.1.1.100", PSK: "secret", IKEVersion: "ikev2"})
	for _, want := range []string{"Site_A {", "Site_A-child {", "ike-Site_A {", "# Peer: Site A"} {
		if !strings.Contains(config, want) {
			t.Errorf("expected config to contain %q:\n%s", want, config)
		}
	}
}

func TestGenerateConfigDefaultRoutesIsAnyAny(t *testing.T) {
	config := GenerateConfig(ConfigOptions{Name: "x", RemoteIP: "10.0.0.1", PSK: "x", IKEVersion: "ikev2"})
	if !strings.Contains(config, "local_ts = 0.0.0.0/0") {
		t.Fatalf("expected default local_ts, got:\n%s", config)
	}
}

func TestValidateSyntaxAcceptsGeneratedConfig(t *testing.T) {
	config := GenerateConfig(ConfigOptions{Name: "test", RemoteIP: "10.0.0.1", PSK: "x", IKEVersion: "ikev2"})
	ok, _ := ValidateSyntax(config)
	if !ok {
		t.Fatal("expected generated config to pass syntax guard")
	}
}

func TestValidateSyntaxRejectsBraceMismatch(t *testing.T) {
	ok, msg := ValidateSyntax("connections { missing close")
	if ok {
		t.Fatal("expected brace mismatch to fail")
	}
	if !strings.Contains(strings.ToLower(msg), "mismatch") {
		t.Fatalf("expected mismatch in message, got %q", msg)
	}
}

func TestValidateSyntaxRejectsMissingConnectionsBlock(t *testing.T) {
	ok, msg := ValidateSyntax("secrets { }")
	if ok {
		t.Fatal("expected missing connections block to fail")
	}
	if !strings.Contains(strings.ToLower(msg), "connections") {
		t.Fatalf("expected connections mentioned in message, got %q", msg)
	}
}
