// Package store provides storage backends for DeviceIntake.
//
// It records confirmed intake requests and inbound channel message IDs. An
// in-memory store is the default; SQLite and PostgreSQL are selected by DSN.
package store

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/DeviceIntake/internal/models"
)

// Store persists confirmed intake requests and inbound dedup records.
type Store interface {
	SaveIntakeRequest(r models.IntakeRequest) error
	// GetIntakeRequest returns nil, nil when id is unknown.
	GetIntakeRequest(id string) (*models.IntakeRequest, error)
	ListIntakeRequests() ([]models.IntakeRequest, error)
	DedupRepo
	Close() error
}

// Opts holds configuration for store backends.
type Opts struct {
	DSN string
}

// Option configures a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL URLs or key/value
// connection strings and "sqlite3" for anything else.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(d, "host=") || strings.Contains(d, "dbname=") || strings.Contains(d, "user=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open returns the backend selected by the configured DSN. Without a DSN
// the in-memory store is used.
func Open(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	switch {
	case cfg.DSN == "":
		slog.Debug("store.Open: no DSN, using in-memory store")
		return NewInMemoryStore(), nil
	case DetectDSNType(cfg.DSN) == "postgres":
		return NewPostgresStore(opts...)
	default:
		return NewSQLiteStore(opts...)
	}
}

// InMemoryStore keeps everything in process memory.
type InMemoryStore struct {
	mu       sync.RWMutex
	requests map[string]models.IntakeRequest
	inbound  map[string]*DedupRecord
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		requests: make(map[string]models.IntakeRequest),
		inbound:  make(map[string]*DedupRecord),
	}
}

var _ Store = (*InMemoryStore)(nil)

func (s *InMemoryStore) SaveIntakeRequest(r models.IntakeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[r.ID] = r
	return nil
}

func (s *InMemoryStore) GetIntakeRequest(id string) (*models.IntakeRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *InMemoryStore) ListIntakeRequests() ([]models.IntakeRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.IntakeRequest, 0, len(s.requests))
	for _, r := range s.requests {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) IsDuplicate(messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.inbound[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(messageID, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inbound[messageID]; ok {
		return false, nil
	}
	s.inbound[messageID] = &DedupRecord{MessageID: messageID, SessionID: sessionID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.inbound[messageID]; ok {
		now := time.Now()
		rec.ProcessedAt = &now
	}
	return nil
}

// Close is a no-op.
func (s *InMemoryStore) Close() error {
	return nil
}
