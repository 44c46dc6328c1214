// Package nspolicy installs and self-tests the network-namespace isolation
// ruleset (spec §4.6): default-drop nftables forwarding between the
// encrypted and plaintext namespaces, opened only for already-established
// traffic and the IKE/ESP ports needed to keep a tunnel alive.
package nspolicy

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/encryptor-sim/controlplane/internal/daemon/shellrunner"
	"github.com/encryptor-sim/controlplane/internal/store"
)

// Fixed namespace names (spec §4.6).
const (
	NamespaceCT   = "ns_ct"
	NamespacePT   = "ns_pt"
	NamespaceMGMT = "ns_mgmt"
)

const allowedIfnames = "{ ct, pt }"

// Engine applies and self-tests the isolation ruleset via an injectable
// command runner.
type Engine struct {
	run shellrunner.Runner
	log *slog.Logger
}

// New builds an Engine. Pass shellrunner.Exec for production use.
func New(run shellrunner.Runner, log *slog.Logger) *Engine {
	return &Engine{run: run, log: log}
}

// ApplyIsolation installs the `inet isolation` nftables table in namespace,
// replacing any prior instance of it. ns_mgmt is deliberately never passed
// here — it carries no isolation chain per spec §4.6 and §9's preserved
// open-question decision.
func (e *Engine) ApplyIsolation(ctx context.Context, namespace string) error {
	// Idempotent: drop any previous instance of the table before
	// reinstalling it. A missing table errors harmlessly; ignored.
	_, _ = e.run(ctx, "ip", "netns", "exec", namespace, "nft", "delete", "table", "inet", "isolation")

	script := fmt.Sprintf("echo %q | nft -f -", isolationRuleset())
	if _, err := e.run(ctx, "ip", "netns", "exec", namespace, "sh", "-c", script); err != nil {
		return fmt.Errorf("nspolicy: applying isolation ruleset in %s: %w", namespace, err)
	}
	return nil
}

// EnforceIsolation applies the isolation ruleset, but only to the allowlisted
// namespaces {ns_ct, ns_pt}; any other namespace, notably ns_mgmt, is a
// silent no-op (spec §9 open question, preserved behaviour: MGMT must not be
// firewalled off from itself, and the original daemon never documented this
// exception beyond the allowlist check itself).
func (e *Engine) EnforceIsolation(ctx context.Context, namespace string) error {
	switch namespace {
	case NamespaceCT, NamespacePT:
		return e.ApplyIsolation(ctx, namespace)
	default:
		return nil
	}
}

func isolationRuleset() string {
	return fmt.Sprintf(`table inet isolation {
	chain forward {
		type filter hook forward priority 0; policy drop;
		ct state established,related iifname %[1]s oifname %[1]s accept
		udp dport { 500, 4500 } iifname %[1]s oifname %[1]s accept
		ip protocol esp iifname %[1]s oifname %[1]s accept
	}
}`, allowedIfnames)
}

// SelfTest creates two ephemeral namespaces joined by a veth pair, brings
// them up on a link-local /30, applies the isolation ruleset to both, lists
// the installed chain, and checks it contains the literal fragments
// `iifname { ... } oifname { ... }` and `policy drop`. Cleanup always runs,
// even on failure.
func (e *Engine) SelfTest(ctx context.Context) *store.IsolationValidationResult {
	start := time.Now()
	const (
		nsA    = "selftest_a"
		nsB    = "selftest_b"
		vethA  = "veth_st_a"
		vethB  = "veth_st_b"
		subnet = "169.254.100.0/30"
		ipA    = "169.254.100.1/30"
		ipB    = "169.254.100.2/30"
	)

	var checks []store.SubCheck
	var failures []string

	step := func(name string, err error) {
		if err != nil {
			checks = append(checks, store.SubCheck{Name: name, Passed: false, Details: err.Error()})
			failures = append(failures, fmt.Sprintf("%s: %v", name, err))
		} else {
			checks = append(checks, store.SubCheck{Name: name, Passed: true})
		}
	}

	defer func() {
		_, _ = e.run(ctx, "ip", "netns", "del", nsA)
		_, _ = e.run(ctx, "ip", "netns", "del", nsB)
	}()

	_, err := e.run(ctx, "ip", "netns", "add", nsA)
	step("create-namespace-a", err)
	_, err = e.run(ctx, "ip", "netns", "add", nsB)
	step("create-namespace-b", err)

	_, err = e.run(ctx, "ip", "link", "add", vethA, "type", "veth", "peer", "name", vethB)
	step("create-veth-pair", err)
	_, err = e.run(ctx, "ip", "link", "set", vethA, "netns", nsA)
	step("move-veth-a", err)
	_, err = e.run(ctx, "ip", "link", "set", vethB, "netns", nsB)
	step("move-veth-b", err)

	_, err = e.run(ctx, "ip", "netns", "exec", nsA, "ip", "addr", "add", ipA, "dev", vethA)
	step("address-veth-a", err)
	_, err = e.run(ctx, "ip", "netns", "exec", nsB, "ip", "addr", "add", ipB, "dev", vethB)
	step("address-veth-b", err)
	_, err = e.run(ctx, "ip", "netns", "exec", nsA, "ip", "link", "set", vethA, "up")
	step("link-up-a", err)
	_, err = e.run(ctx, "ip", "netns", "exec", nsB, "ip", "link", "set", vethB, "up")
	step("link-up-b", err)

	step("apply-isolation-a", e.ApplyIsolation(ctx, nsA))
	step("apply-isolation-b", e.ApplyIsolation(ctx, nsB))

	out, err := e.run(ctx, "ip", "netns", "exec", nsA, "nft", "list", "table", "inet", "isolation")
	step("list-chain", err)
	if err == nil {
		if !bytes.Contains(out, []byte("policy drop")) {
			step("chain-contains-policy-drop", fmt.Errorf("chain listing missing %q", "policy drop"))
		} else {
			checks = append(checks, store.SubCheck{Name: "chain-contains-policy-drop", Passed: true})
		}
		if !bytes.Contains(out, []byte("iifname")) || !bytes.Contains(out, []byte("oifname")) {
			step("chain-contains-iifname-oifname", fmt.Errorf("chain listing missing iifname/oifname fragments"))
		} else {
			checks = append(checks, store.SubCheck{Name: "chain-contains-iifname-oifname", Passed: true})
		}
	}

	status := store.ValidationPass
	if len(failures) > 0 {
		status = store.ValidationFail
	}

	return &store.IsolationValidationResult{
		Status:     status,
		RanAt:      start.UTC(),
		SubChecks:  checks,
		Failures:   failures,
		DurationMS: time.Since(start).Milliseconds(),
	}
}
