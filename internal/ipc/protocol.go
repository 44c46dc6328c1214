// Package ipc implements the UNIX-socket JSON protocol between the
// unprivileged API process and the privileged daemon (spec §4.5).
package ipc

import "errors"

// Command names. The set is closed: an unrecognized command fails with
// ErrUnknownCommand.
const (
	CmdEnforceIsolation    = "enforce_isolation"
	CmdGetValidationResult = "get_validation_result"
	CmdConfigureInterface  = "configure_interface"
	CmdGetInterfaceStats   = "get_interface_stats"
	CmdConfigurePeer       = "configure_peer"
	CmdRemovePeerConfig    = "remove_peer_config"
	CmdTeardownPeer        = "teardown_peer"
	CmdInitiatePeer        = "initiate_peer"
	CmdUpdateRoutes        = "update_routes"
	CmdGetTunnelStatus     = "get_tunnel_status"
	CmdGetTunnelTelemetry  = "get_tunnel_telemetry"
)

// Commands lists every command accepted by the dispatcher, in the order
// given by spec §4.5.
var Commands = []string{
	CmdEnforceIsolation,
	CmdGetValidationResult,
	CmdConfigureInterface,
	CmdGetInterfaceStats,
	CmdConfigurePeer,
	CmdRemovePeerConfig,
	CmdTeardownPeer,
	CmdInitiatePeer,
	CmdUpdateRoutes,
	CmdGetTunnelStatus,
	CmdGetTunnelTelemetry,
}

// ErrUnknownCommand is returned by the dispatcher for any command outside
// the closed set.
var ErrUnknownCommand = errors.New("Unknown command")

// ErrIPC is returned by the client for any transport-level failure: empty
// response, connection refused, timeout, or a malformed frame.
var ErrIPC = errors.New("ipc: daemon request failed")

// Request is the single-line JSON frame sent by the client.
type Request struct {
	Command string                 `json:"command"`
	Payload map[string]interface{} `json:"payload"`
}

// Response is the single-line JSON frame sent by the server.
type Response struct {
	Status string      `json:"status"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

const (
	statusOK    = "ok"
	statusError = "error"
)
