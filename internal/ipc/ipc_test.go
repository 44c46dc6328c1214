package ipc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startTestServer(t *testing.T, handlers map[string]Handler) (socketPath string, stop func()) {
	t.Helper()
	socketPath = filepath.Join(t.TempDir(), "daemon.sock")
	srv := NewServer(socketPath, handlers, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()

	// Wait for the socket file to appear before returning.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(socketPath); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	return socketPath, func() {
		cancel()
		<-done
	}
}

func TestClientServerRoundTrip(t *testing.T) {
	handlers := map[string]Handler{
		CmdGetTunnelStatus: func(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"state": "up"}, nil
		},
	}
	socketPath, stop := startTestServer(t, handlers)
	defer stop()

	client := NewClient(socketPath)
	result, err := client.Call(CmdGetTunnelStatus, map[string]interface{}{"peer_id": 1})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	m, ok := result.(map[string]interface{})
	if !ok || m["state"] != "up" {
		t.Fatalf("unexpected result: %#v", result)
	}
}

func TestClientReceivesHandlerError(t *testing.T) {
	handlers := map[string]Handler{
		CmdTeardownPeer: func(ctx context.Context, payload map[string]interface{}) (interface{}, error) {
			return nil, errors.New("swanctl exited with status 3")
		},
	}
	socketPath, stop := startTestServer(t, handlers)
	defer stop()

	client := NewClient(socketPath)
	_, err := client.Call(CmdTeardownPeer, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, ErrIPC) {
		t.Fatalf("expected ErrIPC, got %v", err)
	}
}

func TestClientRejectsUnknownCommand(t *testing.T) {
	socketPath, stop := startTestServer(t, map[string]Handler{})
	defer stop()

	client := NewClient(socketPath)
	_, err := client.Call("not_a_real_command", nil)
	if err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestClientFailsFastWhenDaemonNotListening(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "nonexistent.sock"))
	if _, err := client.Call(CmdGetTunnelStatus, nil); !errors.Is(err, ErrIPC) {
		t.Fatalf("expected ErrIPC, got %v", err)
	}
}

func TestServerSocketHasOwnerOnlyPermissions(t *testing.T) {
	socketPath, stop := startTestServer(t, map[string]Handler{})
	defer stop()

	info, err := os.Stat(socketPath)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected socket mode 0600, got %v", info.Mode().Perm())
	}
}

func TestHealthTimeoutIsShorterThanDefault(t *testing.T) {
	c := NewClient("/tmp/does-not-matter.sock")
	if c.timeout != DefaultTimeout {
		t.Fatalf("expected default client timeout, got %v", c.timeout)
	}
	healthClient := c.WithTimeout(HealthTimeout)
	if healthClient.timeout != HealthTimeout {
		t.Fatalf("expected HealthTimeout, got %v", healthClient.timeout)
	}
	if HealthTimeout >= DefaultTimeout {
		t.Fatal("expected health timeout to be shorter than the default")
	}
}

// Ensure the unix package is actually exercised via a direct dial, guarding
// against the socket path being silently skipped if Serve failed to bind.
func TestRawDialSucceeds(t *testing.T) {
	socketPath, stop := startTestServer(t, map[string]Handler{})
	defer stop()

	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	if err != nil {
		t.Fatalf("DialTimeout: %v", err)
	}
	conn.Close()
}
