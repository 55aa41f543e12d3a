package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spintel/analytics-server/infrastructure/crypto"
	apperrors "github.com/spintel/analytics-server/infrastructure/errors"
	"github.com/spintel/analytics-server/infrastructure/logging"
)

const stateSchema = 1

type stateBody struct {
	Schema int         `json:"schema"`
	State  TenantState `json:"state"`
}

type fileEnvelope struct {
	Version    int             `json:"version"`
	Nonce      []byte          `json:"nonce,omitempty"`
	Tag        []byte          `json:"tag,omitempty"`
	Ciphertext []byte          `json:"ciphertext,omitempty"`
	Plaintext  json.RawMessage `json:"plaintext,omitempty"`
}

// tenant pairs one TenantState with its lock and flush bookkeeping.
type tenant struct {
	mu    sync.RWMutex
	state TenantState
	// seq increments on every mutation; the flusher uses it to detect
	// writes that raced with an in-flight flush.
	seq       uint64
	flushed   uint64
	loaded    bool
	unhealthy bool

	// flushMu serializes flushes so concurrent writers never interleave on
	// the temp file; state locks are never held across the disk write.
	flushMu sync.Mutex
}

// Options configures Open.
type Options struct {
	DataDir          string
	Key              []byte
	EnableEncryption bool
	Logger           *logging.Logger
	// OnMutate runs under the tenant's exclusive lock after every mutation,
	// before the mutating call returns. The analytics cache hooks in here so
	// invalidation happens-before the append completes.
	OnMutate func(owner string)
	// OnFlushError observes failed background flushes (metrics).
	OnFlushError func(owner string, err error)
}

// Store holds every tenant's state. The registry map is guarded by a short
// mutex; each tenant has its own reader/writer lock.
type Store struct {
	mu      sync.Mutex
	tenants map[string]*tenant
	opts    Options
	log     *logging.Logger
}

// Open prepares the store. Tenant files are rehydrated lazily on first
// access, so startup cost does not grow with tenant count.
func Open(opts Options) (*Store, error) {
	if err := os.MkdirAll(opts.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = logging.NewFromEnv("store")
	}
	return &Store{
		tenants: make(map[string]*tenant),
		opts:    opts,
		log:     log,
	}, nil
}

func (s *Store) path(owner string) string {
	return filepath.Join(s.opts.DataDir, owner+".enc")
}

// acquire returns the tenant wrapper, loading its file on first access.
// An unhealthy tenant (integrity failure) fails closed.
func (s *Store) acquire(owner string) (*tenant, error) {
	s.mu.Lock()
	t, ok := s.tenants[owner]
	if !ok {
		t = &tenant{}
		s.tenants[owner] = t
	}
	s.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.unhealthy {
		return nil, apperrors.Integrity(fmt.Errorf("tenant %s failed a previous integrity check", owner))
	}
	if !t.loaded {
		if err := s.loadLocked(owner, t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// loadLocked rehydrates a tenant from disk; t.mu must be held exclusively.
func (s *Store) loadLocked(owner string, t *tenant) error {
	raw, err := os.ReadFile(s.path(owner))
	if os.IsNotExist(err) {
		t.state = TenantState{
			Owner:    owner,
			Results:  []ResultEntry{},
			History:  []HistoryEntry{},
			Counters: map[string]int{},
		}
		t.loaded = true
		return nil
	}
	if err != nil {
		return apperrors.Internal("read tenant file", err)
	}

	state, err := s.decode(owner, raw)
	if err != nil {
		t.unhealthy = true
		s.log.WithError(err).WithFields(map[string]interface{}{"owner": owner}).
			Error("tenant file failed to open; failing closed")
		return apperrors.Integrity(err)
	}

	t.state = *state
	t.loaded = true
	return nil
}

func (s *Store) decode(owner string, raw []byte) (*TenantState, error) {
	var env fileEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	if env.Version != 1 {
		return nil, fmt.Errorf("unsupported envelope version %d", env.Version)
	}

	var plaintext []byte
	if len(env.Ciphertext) > 0 {
		var err error
		plaintext, err = crypto.Open(s.opts.Key, crypto.Envelope{
			Nonce:      env.Nonce,
			Tag:        env.Tag,
			Ciphertext: env.Ciphertext,
		})
		if err != nil {
			return nil, err
		}
	} else {
		plaintext = env.Plaintext
	}

	var body stateBody
	if err := json.Unmarshal(plaintext, &body); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	if body.Schema != stateSchema {
		return nil, fmt.Errorf("unsupported schema %d", body.Schema)
	}
	if body.State.Owner != owner {
		return nil, fmt.Errorf("state owner %q does not match file owner %q", body.State.Owner, owner)
	}
	if body.State.Results == nil {
		body.State.Results = []ResultEntry{}
	}
	if body.State.History == nil {
		body.State.History = []HistoryEntry{}
	}
	body.State.rebuildCounters()
	return &body.State, nil
}

// Append stores a new result under the tenant's exclusive lock, updates the
// derived counter, records the history marker, and schedules a flush.
func (s *Store) Append(owner string, value int) (ResultEntry, error) {
	t, err := s.acquire(owner)
	if err != nil {
		return ResultEntry{}, err
	}

	t.mu.Lock()
	now := time.Now()
	entry := ResultEntry{
		Value:     value,
		Date:      now.Format("2006-01-02"),
		Time:      now.Format("15:04:05"),
		Timestamp: now.UnixMilli(),
	}
	t.state.Results = append(t.state.Results, entry)
	t.state.Counters[CounterKey(value)]++
	t.state.History = append(t.state.History, HistoryEntry{
		Action:          ActionResultSubmitted,
		Timestamp:       entry.Timestamp,
		ResultTimestamp: entry.Timestamp,
	})
	t.state.LastUpdated = entry.Timestamp
	t.seq++
	if s.opts.OnMutate != nil {
		s.opts.OnMutate(owner)
	}
	t.mu.Unlock()

	go s.flush(owner)
	return entry, nil
}

// ListResults returns the tail of the result sequence, most-recent-last.
// A negative limit means all.
func (s *Store) ListResults(owner string, limit int) ([]ResultEntry, error) {
	t, err := s.acquire(owner)
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	return tailResults(t.state.Results, limit), nil
}

// ListHistory returns the tail of the history sequence, most-recent-last.
// A negative limit means all.
func (s *Store) ListHistory(owner string, limit int) ([]HistoryEntry, error) {
	t, err := s.acquire(owner)
	if err != nil {
		return nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	h := t.state.History
	if limit == 0 {
		return []HistoryEntry{}, nil
	}
	if limit > 0 && limit < len(h) {
		h = h[len(h)-limit:]
	}
	return append([]HistoryEntry(nil), h...), nil
}

// Window returns the analysis input: the tail of size count (or batch default
// when count <= 0, clamped to the total), the all-time total, and the
// last-updated timestamp.
func (s *Store) Window(owner string, count, fallback int) ([]ResultEntry, int, int64, error) {
	t, err := s.acquire(owner)
	if err != nil {
		return nil, 0, 0, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if count <= 0 {
		count = fallback
	}
	window := tailResults(t.state.Results, count)
	return window, len(t.state.Results), t.state.LastUpdated, nil
}

// Statistics returns a snapshot of the derived counters.
func (s *Store) Statistics(owner string) (StatisticsSnapshot, error) {
	t, err := s.acquire(owner)
	if err != nil {
		return StatisticsSnapshot{}, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	counters := make(map[string]int, len(t.state.Counters))
	for k, v := range t.state.Counters {
		counters[k] = v
	}
	return StatisticsSnapshot{
		Counters:    counters,
		Total:       len(t.state.Results),
		LastUpdated: t.state.LastUpdated,
	}, nil
}

// Clear drops results and counters. History is retained and gains a marker,
// so the audit trail records every clear.
func (s *Store) Clear(owner string) error {
	t, err := s.acquire(owner)
	if err != nil {
		return err
	}

	t.mu.Lock()
	now := time.Now().UnixMilli()
	t.state.Results = []ResultEntry{}
	t.state.Counters = map[string]int{}
	t.state.History = append(t.state.History, HistoryEntry{
		Action:    ActionResultsCleared,
		Timestamp: now,
	})
	t.state.LastUpdated = now
	t.seq++
	if s.opts.OnMutate != nil {
		s.opts.OnMutate(owner)
	}
	t.mu.Unlock()

	go s.flush(owner)
	return nil
}

// Export returns a deep snapshot of the tenant state. A tenant that has never
// written anything is not-found.
func (s *Store) Export(owner string) (ExportSnapshot, error) {
	s.mu.Lock()
	_, inMemory := s.tenants[owner]
	s.mu.Unlock()
	if !inMemory {
		if _, err := os.Stat(s.path(owner)); os.IsNotExist(err) {
			return ExportSnapshot{}, apperrors.NotFound("export")
		}
	}

	t, err := s.acquire(owner)
	if err != nil {
		return ExportSnapshot{}, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.state.Results) == 0 && len(t.state.History) == 0 {
		return ExportSnapshot{}, apperrors.NotFound("export")
	}
	return ExportSnapshot{
		State:      t.state.clone(),
		ExportedAt: time.Now().UnixMilli(),
	}, nil
}

// RecordHistory appends a lifecycle marker to the tenant's history. Used by
// the credential store for user-created markers.
func (s *Store) RecordHistory(owner, action string) {
	t, err := s.acquire(owner)
	if err != nil {
		s.log.WithError(err).WithFields(map[string]interface{}{"owner": owner}).
			Warn("record history")
		return
	}

	t.mu.Lock()
	now := time.Now().UnixMilli()
	t.state.History = append(t.state.History, HistoryEntry{Action: action, Timestamp: now})
	t.state.LastUpdated = now
	t.seq++
	if s.opts.OnMutate != nil {
		s.opts.OnMutate(owner)
	}
	t.mu.Unlock()

	go s.flush(owner)
}

// DropTenant removes the in-memory state and deletes the tenant file.
func (s *Store) DropTenant(owner string) error {
	s.mu.Lock()
	delete(s.tenants, owner)
	s.mu.Unlock()

	if err := os.Remove(s.path(owner)); err != nil && !os.IsNotExist(err) {
		return apperrors.Internal("remove tenant file", err)
	}
	return nil
}

// TenantCount reports how many tenants are resident in memory.
func (s *Store) TenantCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tenants)
}

// flush serializes the tenant state outside its lock and atomically replaces
// the file. Failures keep the state dirty; SweepFlush retries them.
func (s *Store) flush(owner string) {
	s.mu.Lock()
	t, ok := s.tenants[owner]
	s.mu.Unlock()
	if !ok {
		return
	}

	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	t.mu.RLock()
	if !t.loaded || t.unhealthy || t.seq == t.flushed {
		t.mu.RUnlock()
		return
	}
	seq := t.seq
	body := stateBody{Schema: stateSchema, State: t.state.clone()}
	t.mu.RUnlock()

	if err := s.write(owner, body); err != nil {
		if s.opts.OnFlushError != nil {
			s.opts.OnFlushError(owner, err)
		}
		s.log.WithError(err).WithFields(map[string]interface{}{"owner": owner}).
			Error("flush tenant state")
		return
	}

	t.mu.Lock()
	if seq > t.flushed {
		t.flushed = seq
	}
	t.mu.Unlock()
}

func (s *Store) write(owner string, body stateBody) error {
	plaintext, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	env := fileEnvelope{Version: 1}
	if s.opts.EnableEncryption {
		sealed, err := crypto.Seal(s.opts.Key, plaintext)
		if err != nil {
			return fmt.Errorf("seal state: %w", err)
		}
		env.Nonce = sealed.Nonce
		env.Tag = sealed.Tag
		env.Ciphertext = sealed.Ciphertext
	} else {
		env.Plaintext = plaintext
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	path := s.path(owner)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename tenant file: %w", err)
	}
	return nil
}

// SweepFlush retries the flush of every tenant with unflushed mutations.
// The background sweeper calls it periodically.
func (s *Store) SweepFlush() {
	for _, owner := range s.owners() {
		s.flush(owner)
	}
}

// FlushAll synchronously flushes every dirty tenant. Called at shutdown.
func (s *Store) FlushAll() {
	for _, owner := range s.owners() {
		s.flush(owner)
	}
}

func (s *Store) owners() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tenants))
	for owner := range s.tenants {
		out = append(out, owner)
	}
	return out
}

func tailResults(results []ResultEntry, limit int) []ResultEntry {
	if limit == 0 {
		return []ResultEntry{}
	}
	if limit > 0 && limit < len(results) {
		results = results[len(results)-limit:]
	}
	return append([]ResultEntry(nil), results...)
}
