// Package store provides storage backends for DeviceIntake.
//
// This file implements a PostgreSQL-backed store for intake requests and inbound dedup.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"

	"github.com/BTreeMap/DeviceIntake/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveIntakeRequest(r models.IntakeRequest) error {
	data, err := json.Marshal(r.Data)
	if err != nil {
		return fmt.Errorf("failed to encode intake request %s: %w", r.ID, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO intake_requests (id, session_id, data, recommendation_status, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, recommendation_status = EXCLUDED.recommendation_status`,
		r.ID, r.SessionID, string(data), r.RecommendationStatus, r.CreatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore SaveIntakeRequest failed", "error", err, "id", r.ID, "session_id", r.SessionID)
		return fmt.Errorf("failed to insert intake request %s: %w", r.ID, err)
	}
	slog.Debug("PostgresStore SaveIntakeRequest succeeded", "id", r.ID, "session_id", r.SessionID)
	return nil
}

func (s *PostgresStore) GetIntakeRequest(id string) (*models.IntakeRequest, error) {
	row := s.db.QueryRow(`SELECT id, session_id, data, recommendation_status, created_at FROM intake_requests WHERE id = $1`, id)
	r, err := scanIntakeRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetIntakeRequest failed", "error", err, "id", id)
		return nil, err
	}
	return r, nil
}

func (s *PostgresStore) ListIntakeRequests() ([]models.IntakeRequest, error) {
	rows, err := s.db.Query(`SELECT id, session_id, data, recommendation_status, created_at FROM intake_requests ORDER BY created_at`)
	if err != nil {
		slog.Error("PostgresStore ListIntakeRequests query failed", "error", err)
		return nil, fmt.Errorf("failed to query intake requests: %w", err)
	}
	defer rows.Close()

	out, err := scanIntakeRequests(rows)
	if err != nil {
		slog.Error("PostgresStore ListIntakeRequests scan failed", "error", err)
		return nil, err
	}
	slog.Debug("PostgresStore ListIntakeRequests succeeded", "count", len(out))
	return out, nil
}

func (s *PostgresStore) IsDuplicate(messageID string) (bool, error) {
	var id string
	err := s.db.QueryRow(`SELECT message_id FROM inbound_dedup WHERE message_id = $1`, messageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) RecordInbound(messageID, sessionID string) (bool, error) {
	result, err := s.db.Exec(
		`INSERT INTO inbound_dedup (message_id, session_id, received_at) VALUES ($1, $2, $3) ON CONFLICT (message_id) DO NOTHING`,
		messageID, sessionID, time.Now(),
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

func (s *PostgresStore) MarkProcessed(messageID string) error {
	_, err := s.db.Exec(`UPDATE inbound_dedup SET processed_at = $1 WHERE message_id = $2`, time.Now(), messageID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
