// Package store provides the config-store persistence layer (spec §3, §4.4):
// users, the three fixed physical interfaces, IPsec peers, their routes, and
// the isolation self-test log.
package store

import (
	"context"
	"errors"
	"time"
)

// Common errors for store operations.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrClosed        = errors.New("store closed")
)

// Driver defines the interface for a persistence backend. Implementations
// must be safe for concurrent use by the request-handling goroutines and the
// telemetry pollers sharing the same process.
type Driver interface {
	// Init opens the backing store and ensures schema/seed rows exist.
	Init(ctx context.Context) error

	// Close releases resources held by the driver.
	Close() error

	// Name returns the driver name (e.g. "sqlite").
	Name() string

	ConfigStore
}

// Fixed interface names, per spec §3/§4.6.
const (
	InterfaceCT   = "CT"
	InterfacePT   = "PT"
	InterfaceMGMT = "MGMT"
)

// IKE version enum values.
const (
	IKEv1 = "ikev1"
	IKEv2 = "ikev2"
)

// DPD action enum values.
const (
	DPDActionClear   = "clear"
	DPDActionHold    = "hold"
	DPDActionRestart = "restart"
)

// Operational status values for Peer.OperationalStatus (derived, never
// persisted).
const (
	StatusReady      = "ready"
	StatusIncomplete = "incomplete"
)

// Isolation self-test result status values.
const (
	ValidationPass = "pass"
	ValidationFail = "fail"
)

// User is the single-tier account record (spec §3). The canonical Go type
// lives in internal/identity; this is its persisted shape, kept separate so
// the store package has no dependency on the identity package's business
// logic.
type User struct {
	ID                    int64      `gorm:"primaryKey;autoIncrement"`
	Username              string     `gorm:"uniqueIndex;size:50;not null"`
	PasswordHash          string     `gorm:"not null"`
	RequirePasswordChange bool       `gorm:"not null;default:false"`
	CreatedAt             time.Time  `gorm:"not null"`
	LastLogin             *time.Time
}

// Interface is one of the three fixed physical interfaces, seeded at schema
// creation. Name/Namespace/Device are immutable identity; the IPv4 fields are
// mutable and nullable until configured.
type Interface struct {
	ID        int64   `gorm:"primaryKey;autoIncrement"`
	Name      string  `gorm:"uniqueIndex;size:8;not null"` // CT, PT, MGMT
	Namespace string  `gorm:"size:32;not null"`
	Device    string  `gorm:"size:16;not null"`
	IPAddress *string
	Netmask   *string
	Gateway   *string
}

// Peer is an IPsec peer configuration. OperationalStatus is computed on read
// by the caller (see ComputeOperationalStatus) and is never persisted.
type Peer struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	Name           string `gorm:"uniqueIndex;size:100;not null"`
	RemoteIP       string `gorm:"size:45"`
	PSKEncrypted   []byte
	PSKNonce       []byte
	IKEVersion     string `gorm:"size:8"`
	Enabled        bool   `gorm:"not null;default:false"`
	DPDAction      string `gorm:"size:16;not null;default:clear"`
	DPDDelaySec    int    `gorm:"not null;default:30"`
	DPDTimeoutSec  int    `gorm:"not null;default:120"`
	RekeyTimeSec   int    `gorm:"not null;default:3600"`
	Routes         []Route `gorm:"constraint:OnDelete:CASCADE"`
}

// ComputeOperationalStatus derives Peer.operationalStatus per spec §3: ready
// only when name, remote IP, PSK, and IKE version are all present.
func (p *Peer) ComputeOperationalStatus() string {
	if p.Name == "" || p.RemoteIP == "" || len(p.PSKEncrypted) == 0 || p.IKEVersion == "" {
		return StatusIncomplete
	}
	return StatusReady
}

// Route is a destination CIDR associated with exactly one peer, stored in
// strict-normalised form (host bits cleared).
type Route struct {
	ID              int64 `gorm:"primaryKey;autoIncrement"`
	PeerID          int64 `gorm:"index;not null"`
	DestinationCIDR string `gorm:"size:18;not null"`
}

// SubCheck is one named step of an isolation self-test run.
type SubCheck struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Details string `json:"details,omitempty"`
}

// IsolationValidationResult is one append-only row of the isolation
// self-test log (spec §3, §4.6).
type IsolationValidationResult struct {
	ID         int64      `gorm:"primaryKey;autoIncrement"`
	Status     string     `gorm:"size:8;not null"`
	RanAt      time.Time  `gorm:"not null"`
	SubChecks  []SubCheck `gorm:"serializer:json"`
	Failures   []string   `gorm:"serializer:json"`
	DurationMS int64      `gorm:"not null"`
}

// ConfigStore exposes every persistence operation named in spec §3/§4.4.
type ConfigStore interface {
	// Users
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id int64) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	UpdateUser(ctx context.Context, u *User) error
	ListUsers(ctx context.Context) ([]*User, error)
	CountUsers(ctx context.Context) (int64, error)

	// Interfaces (exactly three rows, seeded at Init)
	GetInterface(ctx context.Context, name string) (*Interface, error)
	ListInterfaces(ctx context.Context) ([]*Interface, error)
	UpdateInterfaceConfig(ctx context.Context, name string, ip, netmask, gateway *string) error
	// RollbackInterfaceConfig restores the previously-known IPv4 values in a
	// single commit (spec §4.4, used after a daemon isolation-check failure).
	RollbackInterfaceConfig(ctx context.Context, name string, prevIP, prevNetmask, prevGateway *string) error

	// Peers
	CreatePeer(ctx context.Context, p *Peer) error
	GetPeer(ctx context.Context, id int64) (*Peer, error)
	GetPeerByName(ctx context.Context, name string) (*Peer, error)
	UpdatePeer(ctx context.Context, p *Peer) error
	// DeletePeer atomically removes the peer and cascades to its routes.
	DeletePeer(ctx context.Context, id int64) error
	ListPeers(ctx context.Context) ([]*Peer, error)

	// Routes
	CreateRoute(ctx context.Context, r *Route) error
	GetRoute(ctx context.Context, id int64) (*Route, error)
	DeleteRoute(ctx context.Context, id int64) error
	ListRoutesForPeer(ctx context.Context, peerID int64) ([]*Route, error)

	// Isolation validation log
	AppendIsolationResult(ctx context.Context, r *IsolationValidationResult) error
	LatestIsolationResult(ctx context.Context) (*IsolationValidationResult, error)
}
