package infra

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/rootmm/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

const permissionDBName = "permissions.db"

// SQLPermissionStore implements domain.PermissionStore on a SQLCipher database.
// Each permission kind is an allow-list of module ids.
type SQLPermissionStore struct {
	db     *sql.DB
	dbPath string
}

// NewPermissionStore opens (or creates) the encrypted permission database in dataDir.
func NewPermissionStore(dataDir string, key []byte) (*SQLPermissionStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, permissionDBName)
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096",
		dbPath, hex.EncodeToString(key))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open permission database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to permission database: %w", err)
	}

	store := &SQLPermissionStore{db: db, dbPath: dbPath}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return store, nil
}

// OpenPermissionStore opens the store, generating the key on first use.
func OpenPermissionStore(dataDir string) (*SQLPermissionStore, error) {
	key, err := EnsureKey(NewFileKeyProvider(dataDir))
	if err != nil {
		return nil, fmt.Errorf("failed to load permission key: %w", err)
	}
	return NewPermissionStore(dataDir, key)
}

func (s *SQLPermissionStore) createTables() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS grants (
		permission TEXT NOT NULL,
		module_id TEXT NOT NULL,
		granted_at INTEGER NOT NULL,
		PRIMARY KEY (permission, module_id)
	);
	`)
	return err
}

// IsGranted reports whether moduleID is allow-listed for p.
func (s *SQLPermissionStore) IsGranted(moduleID string, p domain.Permission) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM grants WHERE permission = ? AND module_id = ?`,
		string(p), moduleID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Grant adds moduleID to the allow-list for p. Granting twice is a no-op.
func (s *SQLPermissionStore) Grant(moduleID string, p domain.Permission) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO grants (permission, module_id, granted_at) VALUES (?, ?, ?)`,
		string(p), moduleID, time.Now().Unix())
	return err
}

// Revoke removes moduleID from the allow-list for p.
func (s *SQLPermissionStore) Revoke(moduleID string, p domain.Permission) error {
	_, err := s.db.Exec(`DELETE FROM grants WHERE permission = ? AND module_id = ?`,
		string(p), moduleID)
	return err
}

// List returns the allow-list for p ordered by module id.
func (s *SQLPermissionStore) List(p domain.Permission) ([]string, error) {
	rows, err := s.db.Query(`SELECT module_id FROM grants WHERE permission = ? ORDER BY module_id`, string(p))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Path returns the database file path.
func (s *SQLPermissionStore) Path() string {
	return s.dbPath
}

// Close releases the database connection.
func (s *SQLPermissionStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ensure SQLPermissionStore implements domain.PermissionStore.
var _ domain.PermissionStore = (*SQLPermissionStore)(nil)
