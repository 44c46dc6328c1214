// Package sqlite implements the config-store persistence driver using GORM
// over a single on-disk SQLite file (spec §4.4).
package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/encryptor-sim/controlplane/internal/store"
)

func init() {
	store.Register("sqlite", NewDriver)
}

const dbFileName = "encryptor.db"

// Driver implements store.Driver and store.ConfigStore using SQLite via GORM.
type Driver struct {
	dataDir string
	dbPath  string
	db      *gorm.DB
}

// NewDriver creates a new SQLite driver instance.
func NewDriver(cfg *store.DriverConfig) (store.Driver, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data_dir is required for sqlite driver")
	}
	return &Driver{dataDir: cfg.DataDir}, nil
}

// Name returns the driver name.
func (d *Driver) Name() string {
	return "sqlite"
}

// Init opens the database file, enforces its 0600 mode, and runs
// AutoMigrate, seeding the three fixed physical interfaces if absent.
func (d *Driver) Init(ctx context.Context) error {
	d.dbPath = filepath.Join(d.dataDir, dbFileName)

	db, err := gorm.Open(sqlite.Open(d.dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	d.db = db

	if err := db.AutoMigrate(
		&store.User{},
		&store.Interface{},
		&store.Peer{},
		&store.Route{},
		&store.IsolationValidationResult{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	if err := os.Chmod(d.dbPath, 0o600); err != nil {
		return fmt.Errorf("failed to set database file mode: %w", err)
	}

	return d.seedInterfaces(ctx)
}

func (d *Driver) seedInterfaces(ctx context.Context) error {
	seeds := []store.Interface{
		{Name: store.InterfaceCT, Namespace: "ns_ct", Device: "eth1"},
		{Name: store.InterfacePT, Namespace: "ns_pt", Device: "eth2"},
		{Name: store.InterfaceMGMT, Namespace: "ns_mgmt", Device: "eth0"},
	}
	for _, seed := range seeds {
		var existing store.Interface
		result := d.db.WithContext(ctx).Where("name = ?", seed.Name).First(&existing)
		if result.Error == nil {
			continue
		}
		if result.Error != gorm.ErrRecordNotFound {
			return result.Error
		}
		if err := d.db.WithContext(ctx).Create(&seed).Error; err != nil {
			return fmt.Errorf("failed to seed interface %s: %w", seed.Name, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (d *Driver) Close() error {
	if d.db == nil {
		return nil
	}
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Users

func (d *Driver) CreateUser(ctx context.Context, u *store.User) error {
	var existing store.User
	if err := d.db.WithContext(ctx).Where("username = ?", u.Username).First(&existing).Error; err == nil {
		return store.ErrAlreadyExists
	}
	return d.db.WithContext(ctx).Create(u).Error
}

func (d *Driver) GetUser(ctx context.Context, id int64) (*store.User, error) {
	var u store.User
	if err := d.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (d *Driver) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	var u store.User
	if err := d.db.WithContext(ctx).First(&u, "username = ?", username).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (d *Driver) UpdateUser(ctx context.Context, u *store.User) error {
	return d.db.WithContext(ctx).Save(u).Error
}

func (d *Driver) ListUsers(ctx context.Context) ([]*store.User, error) {
	var users []*store.User
	if err := d.db.WithContext(ctx).Order("id").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func (d *Driver) CountUsers(ctx context.Context) (int64, error) {
	var count int64
	if err := d.db.WithContext(ctx).Model(&store.User{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// Interfaces

func (d *Driver) GetInterface(ctx context.Context, name string) (*store.Interface, error) {
	var iface store.Interface
	if err := d.db.WithContext(ctx).First(&iface, "name = ?", name).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &iface, nil
}

func (d *Driver) ListInterfaces(ctx context.Context) ([]*store.Interface, error) {
	var ifaces []*store.Interface
	if err := d.db.WithContext(ctx).Order("id").Find(&ifaces).Error; err != nil {
		return nil, err
	}
	return ifaces, nil
}

func (d *Driver) UpdateInterfaceConfig(ctx context.Context, name string, ip, netmask, gateway *string) error {
	result := d.db.WithContext(ctx).Model(&store.Interface{}).Where("name = ?", name).
		Updates(map[string]interface{}{"ip_address": ip, "netmask": netmask, "gateway": gateway})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (d *Driver) RollbackInterfaceConfig(ctx context.Context, name string, prevIP, prevNetmask, prevGateway *string) error {
	return d.UpdateInterfaceConfig(ctx, name, prevIP, prevNetmask, prevGateway)
}

// Peers

func (d *Driver) CreatePeer(ctx context.Context, p *store.Peer) error {
	var existing store.Peer
	if err := d.db.WithContext(ctx).Where("name = ?", p.Name).First(&existing).Error; err == nil {
		return store.ErrAlreadyExists
	}
	return d.db.WithContext(ctx).Create(p).Error
}

func (d *Driver) GetPeer(ctx context.Context, id int64) (*store.Peer, error) {
	var p store.Peer
	if err := d.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (d *Driver) GetPeerByName(ctx context.Context, name string) (*store.Peer, error) {
	var p store.Peer
	if err := d.db.WithContext(ctx).First(&p, "name = ?", name).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (d *Driver) UpdatePeer(ctx context.Context, p *store.Peer) error {
	return d.db.WithContext(ctx).Save(p).Error
}

// DeletePeer atomically removes the peer and cascades to its routes within a
// single transaction (spec §4.4).
func (d *Driver) DeletePeer(ctx context.Context, id int64) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Delete(&store.Peer{}, "id = ?", id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return store.ErrNotFound
		}
		return tx.Delete(&store.Route{}, "peer_id = ?", id).Error
	})
}

func (d *Driver) ListPeers(ctx context.Context) ([]*store.Peer, error) {
	var peers []*store.Peer
	if err := d.db.WithContext(ctx).Order("id").Find(&peers).Error; err != nil {
		return nil, err
	}
	return peers, nil
}

// Routes

func (d *Driver) CreateRoute(ctx context.Context, r *store.Route) error {
	return d.db.WithContext(ctx).Create(r).Error
}

func (d *Driver) GetRoute(ctx context.Context, id int64) (*store.Route, error) {
	var r store.Route
	if err := d.db.WithContext(ctx).First(&r, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (d *Driver) DeleteRoute(ctx context.Context, id int64) error {
	result := d.db.WithContext(ctx).Delete(&store.Route{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (d *Driver) ListRoutesForPeer(ctx context.Context, peerID int64) ([]*store.Route, error) {
	var routes []*store.Route
	if err := d.db.WithContext(ctx).Order("id").Find(&routes, "peer_id = ?", peerID).Error; err != nil {
		return nil, err
	}
	return routes, nil
}

// Isolation validation log

func (d *Driver) AppendIsolationResult(ctx context.Context, r *store.IsolationValidationResult) error {
	return d.db.WithContext(ctx).Create(r).Error
}

func (d *Driver) LatestIsolationResult(ctx context.Context) (*store.IsolationValidationResult, error) {
	var r store.IsolationValidationResult
	if err := d.db.WithContext(ctx).Order("ran_at DESC, id DESC").First(&r).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

var _ store.Driver = (*Driver)(nil)
