// Package session keeps per-conversation intake state in memory.
//
// Every session identifier has its own exclusive region: callers mutate state
// only inside With, which serialises messages for one identifier while
// leaving other identifiers untouched. Sessions are replaced lazily on access
// when idle-expired or over the turn cap, and Sweep reclaims idle entries.
package session

import (
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

// IntentDeviceRental is the only workflow handled today.
const IntentDeviceRental = "device_rental"

// Defaults for the lifecycle limits.
const (
	DefaultTTL      = 60 * time.Minute
	DefaultMaxTurns = 40
	DefaultShards   = 32
)

// State is the accumulated intake state of one conversation.
type State struct {
	Intent       string         `json:"intent"`
	Data         map[string]any `json:"data"`
	CurrentSlot  string         `json:"current_slot"`
	LastPrompted string         `json:"last_prompted"`
	ErrorsInRow  int            `json:"errors_in_row"`
	Done         bool           `json:"done"`
	Confirmed    bool           `json:"confirmed"`
	Turns        int            `json:"turns"`
	UpdatedAt    time.Time      `json:"updated_at"`

	// RecommendationStatus is the outcome shown with the last summary.
	RecommendationStatus string `json:"recommendation_status,omitempty"`
}

// Clone returns a deep copy safe to hand outside the session lock.
func (s *State) Clone() State {
	c := *s
	c.Data = make(map[string]any, len(s.Data))
	for k, v := range s.Data {
		if list, ok := v.([]string); ok {
			v = append([]string(nil), list...)
		}
		c.Data[k] = v
	}
	return c
}

// Opts holds configuration for the Store.
type Opts struct {
	TTL      time.Duration
	MaxTurns int
	Shards   int
	Now      func() time.Time
}

// Option configures the Store.
type Option func(*Opts)

// WithTTL sets the idle time after which a session is replaced.
func WithTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.TTL = ttl }
}

// WithMaxTurns sets the turn cap after which a session is replaced.
func WithMaxTurns(n int) Option {
	return func(o *Opts) { o.MaxTurns = n }
}

// WithShards sets the number of lock shards.
func WithShards(n int) Option {
	return func(o *Opts) { o.Shards = n }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

type entry struct {
	mu      sync.Mutex
	state   *State
	removed bool
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Store maps session identifiers to state.
type Store struct {
	ttl      time.Duration
	maxTurns int
	now      func() time.Time
	shards   []*shard
}

// NewStore creates a Store.
func NewStore(opts ...Option) *Store {
	cfg := Opts{TTL: DefaultTTL, MaxTurns: DefaultMaxTurns, Shards: DefaultShards, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Store{ttl: cfg.TTL, maxTurns: cfg.MaxTurns, now: cfg.Now, shards: make([]*shard, cfg.Shards)}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	slog.Debug("session.NewStore", "ttl", cfg.TTL, "max_turns", cfg.MaxTurns, "shards", cfg.Shards)
	return s
}

// New builds a fresh state positioned at firstField.
func (s *Store) New(firstField string) *State {
	return &State{
		Intent:       IntentDeviceRental,
		Data:         make(map[string]any),
		CurrentSlot:  firstField,
		LastPrompted: firstField,
		UpdatedAt:    s.now(),
	}
}

func (s *Store) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// lock returns the entry for id with its mutex held, creating it if needed.
func (s *Store) lock(id string) *entry {
	sh := s.shardFor(id)
	for {
		sh.mu.Lock()
		e, ok := sh.entries[id]
		if !ok {
			e = &entry{}
			sh.entries[id] = e
		}
		sh.mu.Unlock()

		e.mu.Lock()
		if !e.removed {
			return e
		}
		// Swept between lookup and lock; retry against the live map.
		e.mu.Unlock()
	}
}

func (s *Store) expired(st *State) bool {
	if s.ttl > 0 && s.now().Sub(st.UpdatedAt) > s.ttl {
		return true
	}
	return st.Turns > s.maxTurns
}

// With runs fn against the state for id while holding that session's lock.
// An absent, idle-expired or over-cap session is first replaced by a fresh
// state positioned at firstField.
func (s *Store) With(id, firstField string, fn func(*State)) {
	e := s.lock(id)
	defer e.mu.Unlock()

	if e.state == nil || s.expired(e.state) {
		if e.state != nil {
			slog.Debug("session.Store: replacing exhausted session", "session_id", id, "turns", e.state.Turns, "updated_at", e.state.UpdatedAt)
		}
		e.state = s.New(firstField)
	}
	fn(e.state)
}

// Replace installs a fresh state for id. It takes the session lock, so code
// already running inside With resets by assigning *st = *s.New(first).
func (s *Store) Replace(id, firstField string) {
	e := s.lock(id)
	defer e.mu.Unlock()
	e.state = s.New(firstField)
}

// Bump counts a turn and refreshes the idle timer.
func (s *Store) Bump(st *State) {
	st.Turns++
	st.UpdatedAt = s.now()
}

// Snapshot returns a copy of the state for id without creating one.
func (s *Store) Snapshot(id string) (State, bool) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	e, ok := sh.entries[id]
	sh.mu.Unlock()
	if !ok {
		return State{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || e.state == nil {
		return State{}, false
	}
	return e.state.Clone(), true
}

// Len returns the number of tracked sessions.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// Sweep removes sessions idle for longer than the TTL and returns how many
// were removed. Sessions busy handling a message are skipped.
func (s *Store) Sweep() int {
	if s.ttl <= 0 {
		return 0
	}
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, e := range sh.entries {
			if !e.mu.TryLock() {
				continue
			}
			if e.state == nil || s.now().Sub(e.state.UpdatedAt) > s.ttl {
				e.removed = true
				delete(sh.entries, id)
				removed++
			}
			e.mu.Unlock()
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		slog.Info("session.Store.Sweep: removed idle sessions", "count", removed)
	}
	return removed
}
