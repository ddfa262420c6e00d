package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"gorm.io/gorm"

	"wa_sync/internal/config"
)

// ErrNotFound is returned by Load when no blob exists for the tenant
var ErrNotFound = errors.New("session not found")

// Store persists opaque session blobs keyed by tenant id
type Store interface {
	Load(ctx context.Context, tenantID string) ([]byte, error)
	Save(ctx context.Context, tenantID string, data []byte) error
	Delete(ctx context.Context, tenantID string) error
	Close() error
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidKey reports whether id can be used as a tenant key in every backend
// (file names, object keys, document ids).
func ValidKey(id string) bool {
	return keyPattern.MatchString(id)
}

func checkKey(id string) error {
	if !ValidKey(id) {
		return fmt.Errorf("invalid tenant id %q", id)
	}
	return nil
}

// New builds the backend selected by cfg.Backend. db backs the "database"
// backend and dir the "file" backend. When an encryption key is configured
// the backend is wrapped so blobs are sealed at rest.
func New(ctx context.Context, cfg config.SessionConfig, db *gorm.DB, dir string) (Store, error) {
	var (
		store Store
		err   error
	)

	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "file", "local":
		store, err = NewFileStore(filepath.Join(dir, "blobs"))
	case "database", "db", "sql":
		store, err = NewDatabaseStore(db)
	case "mongo", "mongodb":
		store, err = NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
	case "s3":
		store, err = NewS3Store(ctx, S3Options{
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.AWSRegion,
			AccessKey: cfg.AWSKeyID,
			SecretKey: cfg.AWSSecret,
		})
	case "redis":
		store, err = NewRedisStore(ctx, cfg.RedisURL)
	case "none", "memory":
		store = NewNoopStore()
	default:
		return nil, fmt.Errorf("unsupported session store backend: %s", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("session store %s: %w", cfg.Backend, err)
	}

	if cfg.EncryptionKey != "" {
		return NewSealedStore(store, cfg.EncryptionKey)
	}
	return store, nil
}

// NoopStore keeps nothing; every Load misses
type NoopStore struct{}

func NewNoopStore() *NoopStore { return &NoopStore{} }

func (NoopStore) Load(context.Context, string) ([]byte, error) { return nil, ErrNotFound }
func (NoopStore) Save(context.Context, string, []byte) error   { return nil }
func (NoopStore) Delete(context.Context, string) error         { return nil }
func (NoopStore) Close() error                                 { return nil }
