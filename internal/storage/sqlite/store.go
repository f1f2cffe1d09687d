// Package sqlite provides the SQLite-backed persistence layer.
//
// One database file holds the whole engine state: quotes, reference data,
// policies, the append-only audit journal, pricing snapshots, flow states,
// approvals, idempotency keys, and telemetry. Money is stored as canonical
// decimal text, never as floating point. Timestamps persist as UTC
// millisecond integers.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/quoteforge/quoteforge/internal/platform/storage/sqlitemigrate"
	"github.com/quoteforge/quoteforge/internal/storage"
	"github.com/quoteforge/quoteforge/internal/storage/integrity"
	"github.com/quoteforge/quoteforge/internal/storage/sqlite/migrations"
)

// Store provides a SQLite-backed store implementing all storage interfaces.
type Store struct {
	sqlDB   *sql.DB
	keyring *integrity.Keyring
	// appendMu serializes journal appends so sequence assignment and chain
	// linking stay consistent across concurrent writers.
	appendMu sync.Mutex
}

var _ storage.Store = (*Store)(nil)

// Open opens and migrates the engine database at the provided path. The
// keyring signs audit chain hashes; nil disables signing.
func Open(path string, keyring *integrity.Keyring) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if err := sqlitemigrate.Apply(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{sqlDB: sqlDB, keyring: keyring}, nil
}

// Close releases the underlying SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func toNullMillis(value *time.Time) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*value), Valid: true}
}

func fromNullMillis(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	t := fromMillis(value.Int64)
	return &t
}

func decimalText(value decimal.Decimal) string {
	return value.String()
}

func decimalFromText(value string) (decimal.Decimal, error) {
	if strings.TrimSpace(value) == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(value)
}

func nullDecimalText(value decimal.NullDecimal) sql.NullString {
	if !value.Valid {
		return sql.NullString{}
	}
	return sql.NullString{String: value.Decimal.String(), Valid: true}
}

func nullDecimalFromText(value sql.NullString) (decimal.NullDecimal, error) {
	if !value.Valid {
		return decimal.NullDecimal{}, nil
	}
	parsed, err := decimal.NewFromString(value.String)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(parsed), nil
}

// encodeJSON persists maps and slices as JSON text, normalizing nil to the
// given empty literal so scans never face NULL.
func encodeJSON(value any, empty string) (string, error) {
	if value == nil {
		return empty, nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode json column: %w", err)
	}
	return string(encoded), nil
}

func decodeJSON(raw string, target any) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), target)
}

func boolToInt(value bool) int64 {
	if value {
		return 1
	}
	return 0
}

// isUniqueConstraint matches SQLite unique or primary key violations. The
// modernc driver exposes them only through the error text.
func isUniqueConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
