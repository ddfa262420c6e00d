package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"wa_sync/internal/config"
	"wa_sync/internal/logging"
	"wa_sync/internal/services"
	"wa_sync/internal/sessionstore"
)

// DeviceProvider opens the whatsmeow device store of a tenant and keeps it
// recoverable across restarts.
type DeviceProvider interface {
	Open(ctx context.Context, tenant string) (*store.Device, error)
	// Snapshot copies the device state to durable storage
	Snapshot(ctx context.Context, tenant string) error
	// Release closes the device store and keeps its data
	Release(tenant string) error
	// Remove closes the device store and deletes its data everywhere
	Remove(ctx context.Context, tenant string) error
	Close() error
}

// NewDeviceProvider picks the device backend from cfg.StoreDriver
func NewDeviceProvider(ctx context.Context, cfg config.WhatsAppConfig, blobs sessionstore.Store, records *services.Store) (DeviceProvider, error) {
	switch strings.ToLower(cfg.StoreDriver) {
	case "postgres", "pgx":
		if cfg.StoreDSN == "" {
			return nil, errors.New("WA_STORE_DSN is required when WA_STORE_DRIVER=postgres")
		}
		container, err := sqlstore.New(ctx, "pgx", cfg.StoreDSN, logging.WALogger("Database"))
		if err != nil {
			return nil, fmt.Errorf("open device store: %w", err)
		}
		return &postgresDevices{container: container, records: records}, nil
	case "", "sqlite":
		return newSQLiteDevices(cfg.SessionDir, blobs)
	default:
		return nil, fmt.Errorf("unsupported WA_STORE_DRIVER %q", cfg.StoreDriver)
	}
}

// sqliteDevices keeps one SQLite file per tenant. The file is rebuilt from
// the session store when missing and copied back to it on Snapshot.
type sqliteDevices struct {
	dir   string
	blobs sessionstore.Store
	locks *keyedMutex

	mu   sync.Mutex
	open map[string]*sqlstore.Container
}

func newSQLiteDevices(dir string, blobs sessionstore.Store) (*sqliteDevices, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	if blobs == nil {
		blobs = sessionstore.NewNoopStore()
	}
	return &sqliteDevices{
		dir:   dir,
		blobs: blobs,
		locks: newKeyedMutex(),
		open:  make(map[string]*sqlstore.Container),
	}, nil
}

func (d *sqliteDevices) path(tenant string) string {
	return filepath.Join(d.dir, "whatsapp_session_"+tenant+".db")
}

func (d *sqliteDevices) Open(ctx context.Context, tenant string) (*store.Device, error) {
	if !sessionstore.ValidKey(tenant) {
		return nil, fmt.Errorf("invalid tenant key %q", tenant)
	}
	unlock := d.locks.Lock(tenant)
	defer unlock()

	d.release(tenant)

	path := d.path(tenant)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := d.restore(ctx, tenant, path); err != nil {
			zap.L().Warn("session restore failed, starting fresh", zap.String("tenant", tenant), zap.Error(err))
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(DELETE)&_pragma=busy_timeout(5000)", path)
	container, err := sqlstore.New(ctx, "sqlite", dsn, logging.WALogger("Database").Sub(tenant))
	if err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = container.Close()
		return nil, fmt.Errorf("failed to get device store: %w", err)
	}

	d.mu.Lock()
	d.open[tenant] = container
	d.mu.Unlock()
	return device, nil
}

func (d *sqliteDevices) restore(ctx context.Context, tenant, path string) error {
	data, err := d.blobs.Load(ctx, tenant)
	if errors.Is(err, sessionstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	zap.L().Info("restoring device session from store", zap.String("tenant", tenant), zap.Int("bytes", len(data)))
	return os.WriteFile(path, data, 0o600)
}

// Snapshot uses VACUUM INTO so the copy is consistent while whatsmeow keeps writing
func (d *sqliteDevices) Snapshot(ctx context.Context, tenant string) error {
	unlock := d.locks.Lock(tenant)
	defer unlock()

	d.mu.Lock()
	_, isOpen := d.open[tenant]
	d.mu.Unlock()
	if !isOpen {
		return nil
	}

	path := d.path(tenant)
	tmp := path + ".snapshot"
	_ = os.Remove(tmp)
	defer os.Remove(tmp)

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return err
	}
	defer db.Close()
	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", tmp); err != nil {
		return fmt.Errorf("snapshot device store: %w", err)
	}

	data, err := os.ReadFile(tmp)
	if err != nil {
		return err
	}
	if err := d.blobs.Save(ctx, tenant, data); err != nil {
		return fmt.Errorf("save device snapshot: %w", err)
	}
	zap.L().Debug("device session snapshotted", zap.String("tenant", tenant), zap.Int("bytes", len(data)))
	return nil
}

func (d *sqliteDevices) Release(tenant string) error {
	unlock := d.locks.Lock(tenant)
	defer unlock()
	return d.release(tenant)
}

func (d *sqliteDevices) release(tenant string) error {
	d.mu.Lock()
	container, ok := d.open[tenant]
	delete(d.open, tenant)
	d.mu.Unlock()
	if !ok {
		return nil
	}
	return container.Close()
}

func (d *sqliteDevices) Remove(ctx context.Context, tenant string) error {
	unlock := d.locks.Lock(tenant)
	defer unlock()

	if err := d.release(tenant); err != nil {
		zap.L().Warn("closing device store failed", zap.String("tenant", tenant), zap.Error(err))
	}
	path := d.path(tenant)
	for _, f := range []string{path, path + "-journal", path + "-wal", path + "-shm", path + ".snapshot"} {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return d.blobs.Delete(ctx, tenant)
}

func (d *sqliteDevices) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for tenant, container := range d.open {
		errs = append(errs, container.Close())
		delete(d.open, tenant)
	}
	return errors.Join(errs...)
}

// postgresDevices shares one whatsmeow container between tenants. Devices are
// found again through the device JID recorded on the integration.
type postgresDevices struct {
	container *sqlstore.Container
	records   *services.Store
}

func (d *postgresDevices) Open(ctx context.Context, tenant string) (*store.Device, error) {
	if d.records == nil {
		return d.container.NewDevice(), nil
	}
	integration, err := d.records.IntegrationByID(ctx, tenant)
	if errors.Is(err, services.ErrNotFound) {
		return d.container.NewDevice(), nil
	}
	if err != nil {
		return nil, err
	}

	device, err := d.pairedDevice(ctx, integration.DeviceJID, integration.WhatsAppID)
	if err != nil {
		return nil, fmt.Errorf("failed to get device store: %w", err)
	}
	if device == nil {
		return d.container.NewDevice(), nil
	}
	return device, nil
}

// pairedDevice looks a device up by its full JID, falling back to the first
// device of the account for integrations that only carry the user JID.
func (d *postgresDevices) pairedDevice(ctx context.Context, deviceJID, userJID string) (*store.Device, error) {
	if deviceJID != "" {
		if jid, err := types.ParseJID(deviceJID); err == nil {
			device, err := d.container.GetDevice(ctx, jid)
			if err != nil || device != nil {
				return device, err
			}
		}
	}
	if userJID == "" {
		return nil, nil
	}

	devices, err := d.container.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	for _, device := range devices {
		if device.ID != nil && device.ID.ToNonAD().String() == userJID {
			return device, nil
		}
	}
	return nil, nil
}

// Snapshot is a no-op; the shared database is already durable
func (d *postgresDevices) Snapshot(context.Context, string) error { return nil }
func (d *postgresDevices) Release(string) error                   { return nil }

// Remove is a no-op; logging out deletes the device rows
func (d *postgresDevices) Remove(context.Context, string) error { return nil }

func (d *postgresDevices) Close() error {
	return d.container.Close()
}
