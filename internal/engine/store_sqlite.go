package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/flyingwolf1701/hypertrader/internal/core"
)

// SQLiteStore persists snapshots in SQLite with WAL journaling and a
// content checksum so a torn write surfaces as corruption, not bad state.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS snapshots (
		symbol TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		checksum BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *core.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	// Round-trip validation before the write
	var check core.Snapshot
	if err := json.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("snapshot validation failed: %w", err)
	}

	checksum := sha256.Sum256(data)
	query := `INSERT OR REPLACE INTO snapshots (symbol, data, checksum, updated_at) VALUES (?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, query, snap.Symbol, string(data), checksum[:], time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to write snapshot to db: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) LoadSnapshot(ctx context.Context, symbol string) (*core.Snapshot, error) {
	query := `SELECT data, checksum FROM snapshots WHERE symbol = ?`
	var data string
	var storedChecksum []byte
	err := s.db.QueryRowContext(ctx, query, symbol).Scan(&data, &storedChecksum)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read snapshot from db: %w", err)
	}

	computedChecksum := sha256.Sum256([]byte(data))
	if len(storedChecksum) != len(computedChecksum) {
		return nil, fmt.Errorf("checksum length mismatch: expected %d, got %d", len(computedChecksum), len(storedChecksum))
	}
	for i := range computedChecksum {
		if storedChecksum[i] != computedChecksum[i] {
			return nil, fmt.Errorf("checksum verification failed: data corruption detected")
		}
	}

	var snap core.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
