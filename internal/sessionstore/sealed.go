package sessionstore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

var errSealedCorrupt = errors.New("session blob failed authentication")

// SealedStore encrypts blobs with NaCl secretbox before handing them to the
// wrapped backend. The key is derived from a passphrase with HKDF-SHA256.
type SealedStore struct {
	inner Store
	key   [32]byte
}

func NewSealedStore(inner Store, passphrase string) (*SealedStore, error) {
	if passphrase == "" {
		return nil, errors.New("empty session encryption key")
	}
	s := &SealedStore{inner: inner}
	kdf := hkdf.New(sha256.New, []byte(passphrase), nil, []byte("wa_sync session blob"))
	if _, err := io.ReadFull(kdf, s.key[:]); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return s, nil
}

func (s *SealedStore) Load(ctx context.Context, tenantID string) ([]byte, error) {
	box, err := s.inner.Load(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if len(box) < nonceSize+secretbox.Overhead {
		return nil, errSealedCorrupt
	}

	var nonce [nonceSize]byte
	copy(nonce[:], box[:nonceSize])
	plain, ok := secretbox.Open(nil, box[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, errSealedCorrupt
	}
	return plain, nil
}

func (s *SealedStore) Save(ctx context.Context, tenantID string, data []byte) error {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], data, &nonce, &s.key)
	return s.inner.Save(ctx, tenantID, box)
}

func (s *SealedStore) Delete(ctx context.Context, tenantID string) error {
	return s.inner.Delete(ctx, tenantID)
}

func (s *SealedStore) Close() error {
	return s.inner.Close()
}
