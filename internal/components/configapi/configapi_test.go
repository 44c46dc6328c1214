package configapi

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/encryptor-sim/controlplane/internal/components/events"
	"github.com/encryptor-sim/controlplane/internal/pskvault"
	"github.com/encryptor-sim/controlplane/internal/store"
	_ "github.com/encryptor-sim/controlplane/internal/store/sqlite"
)

var errUnreachable = errors.New("configapi test: daemon unreachable")

func newTestStore(t *testing.T) store.Driver {
	t.Helper()
	dir, err := os.MkdirTemp("", "configapi-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	driver, err := store.New(&store.DriverConfig{Driver: "sqlite", DataDir: dir})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { driver.Close() })
	if err := driver.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return driver
}

func newTestVault(t *testing.T) *pskvault.Vault {
	t.Helper()
	v, err := pskvault.New(make([]byte, 32))
	if err != nil {
		t.Fatal(err)
	}
	return v
}

// fakeBroadcaster records every event handed to it for assertions.
type fakeBroadcaster struct {
	mu     sync.Mutex
	events []events.Event
}

func (f *fakeBroadcaster) Broadcast(e events.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeBroadcaster) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, e := range f.events {
		out[i] = e.Type
	}
	return out
}

// fakeDaemon is a scriptable daemonCaller used across interfaces/peers/routes
// tests. Set Err to simulate an unreachable daemon; set Results to control
// the per-command payload handed back.
type fakeDaemon struct {
	calls   []fakeDaemonCall
	err     error
	results map[string]interface{}
}

type fakeDaemonCall struct {
	Command string
	Payload map[string]interface{}
}

func (f *fakeDaemon) Call(command string, payload map[string]interface{}) (interface{}, error) {
	f.calls = append(f.calls, fakeDaemonCall{Command: command, Payload: payload})
	if f.err != nil {
		return nil, f.err
	}
	if f.results != nil {
		if r, ok := f.results[command]; ok {
			return r, nil
		}
	}
	return map[string]interface{}{"status": "success"}, nil
}
