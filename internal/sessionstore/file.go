package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore keeps one file per tenant under a directory
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(tenantID string) string {
	return filepath.Join(s.dir, tenantID+".session")
}

func (s *FileStore) Load(_ context.Context, tenantID string) ([]byte, error) {
	if err := checkKey(tenantID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(tenantID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// Save writes through a temp file so a crash never leaves a torn blob
func (s *FileStore) Save(_ context.Context, tenantID string, data []byte) error {
	if err := checkKey(tenantID); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, tenantID+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path(tenantID))
}

func (s *FileStore) Delete(_ context.Context, tenantID string) error {
	if err := checkKey(tenantID); err != nil {
		return err
	}
	err := os.Remove(s.path(tenantID))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *FileStore) Close() error { return nil }
