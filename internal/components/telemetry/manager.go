// Package telemetry implements the WebSocket fan-out and the two
// background pollers that keep it fed (spec §4.10): a tunnel-status poller
// at ~500ms and an interface-counters poller at ~2s, plus the REST
// snapshots at /monitoring/tunnels and /monitoring/interfaces.
package telemetry

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/encryptor-sim/controlplane/internal/components/events"
	"github.com/encryptor-sim/controlplane/internal/platform/logutil"
)

// Manager is the WebSocket connection set. It implements events.Broadcaster
// so both the config API handlers and the pollers in this package can push
// events through the same interface.
//
// The session set is guarded by mu (accessed from handler goroutines adding
// sessions, the pollers broadcasting, and the read loop removing on
// disconnect); each session's writes are additionally serialised by its own
// mutex, since a gorilla/websocket connection does not tolerate concurrent
// writers even when callers never touch the same *Manager method at once.
type Manager struct {
	mu       sync.RWMutex
	sessions map[*session]struct{}
	log      *slog.Logger
}

type session struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// newSession wraps conn with a random id, used only to correlate this
// connection's log lines across add/broadcast/remove without printing the
// pointer address.
func newSession(conn *websocket.Conn) *session {
	return &session{id: uuid.NewString(), conn: conn}
}

// NewManager builds an empty connection manager.
func NewManager(log *slog.Logger) *Manager {
	return &Manager{
		sessions: make(map[*session]struct{}),
		log:      logutil.NoopIfNil(log),
	}
}

// Broadcast sends e to every connected session. A send that errors drops
// that session from the set; the broadcast still reaches the others (spec
// §5). Never blocks on a slow peer beyond gorilla's own write deadline
// handling, since each session's write is independent of the others.
func (m *Manager) Broadcast(e events.Event) {
	m.mu.RLock()
	targets := make([]*session, 0, len(m.sessions))
	for s := range m.sessions {
		targets = append(targets, s)
	}
	m.mu.RUnlock()

	for _, s := range targets {
		if err := s.send(e); err != nil {
			m.log.Debug("dropping websocket session after send error", "session", s.id, "error", err)
			m.remove(s)
			s.conn.Close()
		}
	}
}

func (m *Manager) add(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s] = struct{}{}
}

func (m *Manager) remove(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, s)
}

func (s *session) send(e events.Event) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(e)
}
