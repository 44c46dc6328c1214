package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Handler dispatches one decoded command to its implementation. The payload
// is the raw decoded JSON object; handlers use mapstructure to decode it into
// a typed struct.
type Handler func(ctx context.Context, payload map[string]interface{}) (interface{}, error)

// acceptPollInterval bounds how long Accept blocks between checks of the
// shutdown context, so Serve returns promptly after cancellation (spec §4.5:
// "accept blocks for 1 s at a time so shutdown is prompt").
const acceptPollInterval = time.Second

// connectionTimeout bounds how long the server waits on a single
// connection's read and write.
const connectionTimeout = 5 * time.Second

// Server is the daemon side of the IPC transport: a UNIX stream socket
// listener that dispatches one decoded request per connection to a command
// table.
type Server struct {
	socketPath string
	handlers   map[string]Handler
	log        *slog.Logger
}

// NewServer builds a Server bound to socketPath with the given command
// table. The listener is not yet opened; call Serve.
func NewServer(socketPath string, handlers map[string]Handler, log *slog.Logger) *Server {
	return &Server{socketPath: socketPath, handlers: handlers, log: log}
}

// Serve opens the socket and accepts connections until ctx is cancelled.
// Each connection is handled synchronously to completion before the next
// Accept, matching the single-request-per-connection, one-at-a-time shape
// of the original daemon loop.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.RemoveAll(s.socketPath); err != nil {
		return fmt.Errorf("ipc: removing stale socket: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("ipc: creating socket directory: %w", err)
	}

	// Narrow the umask for the brief window between bind and the explicit
	// chmod below, so the socket is never momentarily world-accessible.
	oldMask := unix.Umask(0o177)
	ln, err := net.Listen("unix", s.socketPath)
	unix.Umask(oldMask)
	if err != nil {
		return fmt.Errorf("ipc: listening on %s: %w", s.socketPath, err)
	}
	defer ln.Close()

	if err := s.restrictSocketPermissions(); err != nil {
		return err
	}

	unixLn := ln.(*net.UnixListener)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		unixLn.SetDeadline(time.Now().Add(acceptPollInterval))
		conn, err := unixLn.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("ipc accept failed", "error", err)
			continue
		}

		s.handleConnection(ctx, conn)
	}
}

func (s *Server) restrictSocketPermissions() error {
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("ipc: chmod socket: %w", err)
	}
	if os.Geteuid() == 0 {
		if err := os.Chown(s.socketPath, 0, 0); err != nil {
			return fmt.Errorf("ipc: chown socket: %w", err)
		}
	}
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(connectionTimeout))

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		if !errors.Is(err, io.EOF) {
			s.log.Warn("ipc read failed", "error", err)
		}
		return
	}

	resp := s.dispatch(ctx, line)
	s.writeResponse(conn, resp)
}

func (s *Server) dispatch(ctx context.Context, line string) Response {
	var req Request
	if err := json.Unmarshal([]byte(strings.TrimRight(line, "\n")), &req); err != nil {
		return Response{Status: statusError, Error: fmt.Sprintf("invalid request: %v", err)}
	}

	handler, ok := s.handlers[req.Command]
	if !ok {
		return Response{Status: statusError, Error: ErrUnknownCommand.Error()}
	}

	result, err := func() (result interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return handler(ctx, req.Payload)
	}()
	if err != nil {
		return Response{Status: statusError, Error: err.Error()}
	}
	return Response{Status: statusOK, Result: result}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("ipc marshal response failed", "error", err)
		return
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		// A client that closed its end early surfaces as EPIPE; treat it as
		// a logged warning rather than propagating, matching the original
		// daemon's handling of BrokenPipeError.
		s.log.Warn("ipc write failed", "error", err, "broken_pipe", errors.Is(err, unix.EPIPE))
	}
}
