// Package store provides storage backends for DeviceIntake.
//
// This file implements an SQLite-backed store for intake requests and inbound dedup.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"

	"github.com/BTreeMap/DeviceIntake/internal/models"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "dsn", dsn)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveIntakeRequest(r models.IntakeRequest) error {
	data, err := json.Marshal(r.Data)
	if err != nil {
		return fmt.Errorf("failed to encode intake request %s: %w", r.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO intake_requests (id, session_id, data, recommendation_status, created_at) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.SessionID, string(data), r.RecommendationStatus, r.CreatedAt.UTC(),
	)
	if err != nil {
		slog.Error("SQLiteStore SaveIntakeRequest failed", "error", err, "id", r.ID, "session_id", r.SessionID)
		return fmt.Errorf("failed to insert intake request %s: %w", r.ID, err)
	}
	slog.Debug("SQLiteStore SaveIntakeRequest succeeded", "id", r.ID, "session_id", r.SessionID)
	return nil
}

func (s *SQLiteStore) GetIntakeRequest(id string) (*models.IntakeRequest, error) {
	row := s.db.QueryRow(`SELECT id, session_id, data, recommendation_status, created_at FROM intake_requests WHERE id = ?`, id)
	r, err := scanIntakeRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetIntakeRequest failed", "error", err, "id", id)
		return nil, err
	}
	return r, nil
}

func (s *SQLiteStore) ListIntakeRequests() ([]models.IntakeRequest, error) {
	rows, err := s.db.Query(`SELECT id, session_id, data, recommendation_status, created_at FROM intake_requests ORDER BY created_at`)
	if err != nil {
		slog.Error("SQLiteStore ListIntakeRequests query failed", "error", err)
		return nil, fmt.Errorf("failed to query intake requests: %w", err)
	}
	defer rows.Close()

	out, err := scanIntakeRequests(rows)
	if err != nil {
		slog.Error("SQLiteStore ListIntakeRequests scan failed", "error", err)
		return nil, err
	}
	slog.Debug("SQLiteStore ListIntakeRequests succeeded", "count", len(out))
	return out, nil
}

func (s *SQLiteStore) IsDuplicate(messageID string) (bool, error) {
	var id string
	err := s.db.QueryRow(`SELECT message_id FROM inbound_dedup WHERE message_id = ?`, messageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) RecordInbound(messageID, sessionID string) (bool, error) {
	result, err := s.db.Exec(
		`INSERT OR IGNORE INTO inbound_dedup (message_id, session_id, received_at) VALUES (?, ?, ?)`,
		messageID, sessionID, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) MarkProcessed(messageID string) error {
	_, err := s.db.Exec(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`, time.Now().UTC(), messageID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
