package ipsec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/encryptor-sim/controlplane/internal/daemon/shellrunner"
)

const defaultCommandTimeout = 5 * time.Second

// Result mirrors the daemon's structured {status, message} lifecycle-op
// result (spec §4.8). Status is one of "success", "warning", "error".
type Result struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	ConfigFile string `json:"configFile,omitempty"`
}

const (
	StatusSuccess = "success"
	StatusWarning = "warning"
	StatusError   = "error"
)

// Manager drives swanctl config generation and lifecycle commands via an
// injectable command runner.
type Manager struct {
	run     shellrunner.Runner
	confDir string
	log     *slog.Logger
}

// New builds a Manager writing configs under confDir.
func New(run shellrunner.Runner, confDir string, log *slog.Logger) *Manager {
	return &Manager{run: run, confDir: confDir, log: log}
}

func (m *Manager) configPath(name string) string {
	return filepath.Join(m.confDir, SanitizeName(name)+".conf")
}

// ConfigurePeer generates, syntax-checks, and writes the connection file
// for a peer.
func (m *Manager) ConfigurePeer(opts ConfigOptions) Result {
	config := GenerateConfig(opts)
	if ok, msg := ValidateSyntax(config); !ok {
		return Result{Status: StatusError, Message: fmt.Sprintf("generated config failed syntax guard: %s", msg)}
	}

	path := m.configPath(opts.Name)
	if err := os.MkdirAll(m.confDir, 0o755); err != nil {
		return Result{Status: StatusError, Message: fmt.Sprintf("failed to create config directory: %v", err)}
	}
	if err := os.WriteFile(path, []byte(config), 0o600); err != nil {
		return Result{Status: StatusError, Message: fmt.Sprintf("failed to write config: %v", err)}
	}
	return Result{Status: StatusSuccess, Message: "connection configured", ConfigFile: path}
}

// RemovePeerConfig deletes the peer's config file. A missing file is
// success (idempotent removal).
func (m *Manager) RemovePeerConfig(name string) Result {
	path := m.configPath(name)
	err := os.Remove(path)
	switch {
	case err == nil:
		return Result{Status: StatusSuccess, Message: fmt.Sprintf("removed %s", path)}
	case errors.Is(err, os.ErrNotExist):
		return Result{Status: StatusSuccess, Message: fmt.Sprintf("%s already removed", path)}
	default:
		return Result{Status: StatusError, Message: fmt.Sprintf("failed to remove %s: %v", path, err)}
	}
}

var localTSLinePattern = regexp.MustCompile(`(?m)^([ \t]*)local_ts\s*=.*$`)
var modeLinePattern = regexp.MustCompile(`(?m)^([ \t]*)mode\s*=\s*tunnel.*$`)

// UpdateRoutes rewrites the local_ts line of the named connection's child
// block. A missing config file is success; an empty route list yields
// local_ts = 0.0.0.0/0.
func (m *Manager) UpdateRoutes(name string, routes []string) Result {
	path := m.configPath(name)
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Result{Status: StatusSuccess, Message: fmt.Sprintf("%s not found, skipping route update", path)}
	}
	if err != nil {
		return Result{Status: StatusError, Message: fmt.Sprintf("failed to read %s: %v", path, err)}
	}

	newLine := fmt.Sprintf("local_ts = %s", localTS(routes))
	text := string(content)
	var updated string
	if localTSLinePattern.MatchString(text) {
		updated = localTSLinePattern.ReplaceAllString(text, "${1}"+newLine)
	} else if loc := modeLinePattern.FindStringSubmatchIndex(text); loc != nil {
		indent := text[loc[2]:loc[3]]
		lineEnd := loc[1]
		updated = text[:lineEnd] + "\n" + indent + newLine + text[lineEnd:]
	} else {
		return Result{Status: StatusError, Message: fmt.Sprintf("no child block found in %s", path)}
	}

	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		return Result{Status: StatusError, Message: fmt.Sprintf("failed to write %s: %v", path, err)}
	}
	return Result{Status: StatusSuccess, Message: fmt.Sprintf("routes updated for %s", name)}
}

// ReloadPeerConfig issues `swanctl --load-conns`. Missing binary and
// timeout are reported as success, matching swanctl's best-effort
// lifecycle-op contract.
func (m *Manager) ReloadPeerConfig(ctx context.Context) Result {
	_, err := m.runSwanctl(ctx, "--load-conns")
	switch classifyErr(err) {
	case errKindNone:
		return Result{Status: StatusSuccess, Message: "connections reloaded"}
	case errKindTimeout:
		return Result{Status: StatusSuccess, Message: "swanctl reload timed out"}
	case errKindNotFound:
		return Result{Status: StatusSuccess, Message: "swanctl not available"}
	default:
		return Result{Status: StatusSuccess, Message: fmt.Sprintf("reload reported an error: %v", err)}
	}
}

// InitiatePeer loads connections then initiates the peer's CHILD_SA.
// Output mentioning "already INSTALLED" or "already established" is
// treated as success regardless of exit code (idempotence).
func (m *Manager) InitiatePeer(ctx context.Context, name string) Result {
	if _, err := m.runSwanctl(ctx, "--load-conns"); err != nil {
		if kind := classifyErr(err); kind != errKindNone {
			return lifecycleNonSuccess(kind, err, "initiation")
		}
	}

	out, err := m.runSwanctl(ctx, "--initiate", "--child", ChildName(name))
	return initiateOrTeardownResult(out, err, "initiated", "initiation failed")
}

// TeardownPeer terminates the peer's CHILD_SA. "no matching connection"
// is treated as success (the tunnel is already down).
func (m *Manager) TeardownPeer(ctx context.Context, name string) Result {
	out, err := m.runSwanctl(ctx, "--terminate", "--child", ChildName(name))
	result := initiateOrTeardownResult(out, err, "torn down", "teardown failed")
	if result.Status == StatusError && strings.Contains(strings.ToLower(string(out)), "no matching connection") {
		return Result{Status: StatusSuccess, Message: "tunnel already down"}
	}
	return result
}

func initiateOrTeardownResult(out []byte, err error, successVerb, failureVerb string) Result {
	combined := strings.ToLower(string(out))
	alreadyUp := strings.Contains(combined, "already installed") || strings.Contains(combined, "already established")
	alreadyDown := strings.Contains(combined, "no matching connection")

	switch classifyErr(err) {
	case errKindNone:
		if alreadyUp {
			return Result{Status: StatusSuccess, Message: "tunnel already established"}
		}
		return Result{Status: StatusSuccess, Message: fmt.Sprintf("tunnel %s", successVerb)}
	case errKindTimeout:
		return Result{Status: StatusWarning, Message: "swanctl command timed out"}
	case errKindNotFound:
		return Result{Status: StatusWarning, Message: "swanctl not available"}
	default:
		if alreadyUp || alreadyDown {
			return Result{Status: StatusSuccess, Message: "tunnel already in requested state"}
		}
		return Result{Status: StatusError, Message: fmt.Sprintf("%s: %v", failureVerb, err)}
	}
}

func (m *Manager) runSwanctl(ctx context.Context, args ...string) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, defaultCommandTimeout)
	defer cancel()
	return m.run(cctx, "swanctl", args...)
}

type errKind int

const (
	errKindNone errKind = iota
	errKindTimeout
	errKindNotFound
	errKindOther
)

func classifyErr(err error) errKind {
	switch {
	case err == nil:
		return errKindNone
	case errors.Is(err, context.DeadlineExceeded):
		return errKindTimeout
	case errors.Is(err, os.ErrNotExist):
		return errKindNotFound
	default:
		return errKindOther
	}
}

func lifecycleNonSuccess(kind errKind, err error, op string) Result {
	switch kind {
	case errKindTimeout:
		return Result{Status: StatusWarning, Message: fmt.Sprintf("swanctl %s timed out", op)}
	case errKindNotFound:
		return Result{Status: StatusWarning, Message: "swanctl not available"}
	default:
		return Result{Status: StatusError, Message: fmt.Sprintf("%s failed: %v", op, err)}
	}
}
