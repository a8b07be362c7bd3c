package infra

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/eliteGoblin/rootmm/internal/domain"
)

const (
	permissionKeyName = "permissions.key"
	permissionKeySize = 32
)

// FileKeyProvider keeps the permission database key in a hex file next to
// the database. The file must not be readable by group or others.
type FileKeyProvider struct {
	path string
}

// NewFileKeyProvider returns the provider for dataDir.
func NewFileKeyProvider(dataDir string) *FileKeyProvider {
	return &FileKeyProvider{path: filepath.Join(dataDir, permissionKeyName)}
}

// GetKey reads and validates the stored key.
func (p *FileKeyProvider) GetKey() ([]byte, error) {
	info, err := os.Stat(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	if info.Mode().Perm()&0077 != 0 {
		return nil, fmt.Errorf("key file %s is accessible by other users (mode %04o)", p.path, info.Mode().Perm())
	}

	raw, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	if len(key) != permissionKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(key), permissionKeySize)
	}
	return key, nil
}

// StoreKey replaces the key file atomically.
func (p *FileKeyProvider) StoreKey(key []byte) error {
	if len(key) != permissionKeySize {
		return fmt.Errorf("invalid key size: got %d, want %d", len(key), permissionKeySize)
	}
	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, permissionKeyName+".*")
	if err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	// CreateTemp already opens with 0600.
	if _, err := tmp.WriteString(hex.EncodeToString(key) + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return os.Rename(tmpPath, p.path)
}

// KeyExists reports whether a key file is present.
func (p *FileKeyProvider) KeyExists() bool {
	_, err := os.Stat(p.path)
	return err == nil
}

// GenerateKey returns a fresh random SQLCipher raw key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, permissionKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	return key, nil
}

// EnsureKey returns the stored key, creating one on first use.
func EnsureKey(provider domain.KeyProvider) ([]byte, error) {
	if provider.KeyExists() {
		return provider.GetKey()
	}
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := provider.StoreKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

var _ domain.KeyProvider = (*FileKeyProvider)(nil)
