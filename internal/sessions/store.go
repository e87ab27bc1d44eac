package sessions

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store manages session lifecycle, per-session locking, and persistence.
// Access is serialized per session id; there is no global lock around I/O.
type Store struct {
	dir      string
	debounce time.Duration

	mu       sync.Mutex // guards the sessions map only
	sessions map[string]*entry

	estimator TokenEstimator

	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

type entry struct {
	mu      sync.Mutex
	s       *Session
	dirty   bool
	deleted bool
	timerOn bool
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithFlushDebounce overrides the write batch window (default 200 ms).
func WithFlushDebounce(d time.Duration) StoreOption {
	return func(s *Store) { s.debounce = d }
}

// WithEstimator overrides the token estimator used for message stamps.
func WithEstimator(e TokenEstimator) StoreOption {
	return func(s *Store) { s.estimator = e }
}

// NewStore creates a store rooted at workspace/.sessions and loads any
// persisted sessions.
func NewStore(workspace string, opts ...StoreOption) (*Store, error) {
	dir := filepath.Join(workspace, ".sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}

	s := &Store{
		dir:       dir,
		debounce:  200 * time.Millisecond,
		sessions:  make(map[string]*entry),
		estimator: EstimateTokens,
		closed:    make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	s.loadAll()
	return s, nil
}

// GetOrCreate returns the session for id, creating it on first use.
func (s *Store) GetOrCreate(id string) *Session {
	e := s.entryFor(id, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneSession(e.s)
}

// Append adds a message to the session log, stamping timestamp, token
// estimate, and default importance. Messages are immutable once appended.
func (s *Store) Append(id string, m Message) {
	e := s.entryFor(id, true)

	if m.TS.IsZero() {
		m.TS = time.Now().UTC()
	}
	m.Importance = DefaultImportance(m)
	if m.Tokens == 0 {
		m.Tokens = s.estimator(m)
	}

	e.mu.Lock()
	e.s.Messages = append(e.s.Messages, m)
	s.markDirty(id, e)
	e.mu.Unlock()
}

// Snapshot returns a copy of the session's message log.
func (s *Store) Snapshot(id string) []Message {
	e := s.entryFor(id, false)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Message, len(e.s.Messages))
	copy(out, e.s.Messages)
	return out
}

// Summary returns the session's running compaction summary.
func (s *Store) Summary(id string) string {
	e := s.entryFor(id, false)
	if e == nil {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.Summary
}

// SetSummary replaces the running summary produced by compaction.
func (s *Store) SetSummary(id, summary string) {
	e := s.entryFor(id, true)
	e.mu.Lock()
	e.s.Summary = summary
	s.markDirty(id, e)
	e.mu.Unlock()
}

// SetWorkspaceDir records the per-session workspace path.
func (s *Store) SetWorkspaceDir(id, dir string) {
	e := s.entryFor(id, true)
	e.mu.Lock()
	e.s.WorkspaceDir = dir
	s.markDirty(id, e)
	e.mu.Unlock()
}

// WorkspaceDir returns the session's workspace path ("" if unset).
func (s *Store) WorkspaceDir(id string) string {
	e := s.entryFor(id, false)
	if e == nil {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.WorkspaceDir
}

// Delete removes a session from memory and disk.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	e := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if e != nil {
		// A debounced flush may still be pending; mark the entry so it
		// cannot resurrect the file after the remove below.
		e.mu.Lock()
		e.dirty = false
		e.deleted = true
		e.mu.Unlock()
	}

	path := s.pathFor(id)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session file: %w", err)
	}
	return nil
}

// Reset clears a session's history and summary, keeping the identity.
func (s *Store) Reset(id string) {
	e := s.entryFor(id, false)
	if e == nil {
		return
	}
	e.mu.Lock()
	e.s.Messages = nil
	e.s.Summary = ""
	s.markDirty(id, e)
	e.mu.Unlock()
}

// List returns all session ids, sorted.
func (s *Store) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Flush forces an immediate write of one session, bypassing the debounce.
func (s *Store) Flush(id string) error {
	e := s.entryFor(id, false)
	if e == nil {
		return nil
	}
	return s.persist(id, e)
}

// Close flushes every dirty session and stops background timers.
func (s *Store) Close() error {
	s.once.Do(func() { close(s.closed) })
	s.wg.Wait()

	var firstErr error
	for _, id := range s.List() {
		if err := s.Flush(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) entryFor(id string, create bool) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.sessions[id]; ok {
		return e
	}
	if !create {
		return nil
	}
	e := &entry{s: &Session{ID: id, CreatedAt: time.Now().UTC()}}
	s.sessions[id] = e
	return e
}

// markDirty schedules a debounced flush. Caller holds e.mu.
func (s *Store) markDirty(id string, e *entry) {
	e.dirty = true
	if e.timerOn {
		return
	}
	e.timerOn = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-time.After(s.debounce):
		case <-s.closed:
		}
		e.mu.Lock()
		e.timerOn = false
		e.mu.Unlock()
		s.persist(id, e)
	}()
}

// persist writes the session atomically (temp file + rename).
func (s *Store) persist(id string, e *entry) error {
	e.mu.Lock()
	if !e.dirty || e.deleted {
		e.mu.Unlock()
		return nil
	}
	snapshot := cloneSession(e.s)
	e.dirty = false
	e.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", id, err)
	}

	tmp, err := os.CreateTemp(s.dir, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	keep := false
	defer func() {
		if !keep {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, s.pathFor(id)); err != nil {
		return err
	}
	keep = true

	// Delete may have raced the write; undo the rename if so.
	e.mu.Lock()
	deleted := e.deleted
	e.mu.Unlock()
	if deleted {
		os.Remove(s.pathFor(id))
	}
	return nil
}

func (s *Store) loadAll() {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, f.Name()))
		if err != nil {
			continue
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil || sess.ID == "" {
			continue
		}
		s.sessions[sess.ID] = &entry{s: &sess}
	}
}

func (s *Store) pathFor(id string) string {
	return filepath.Join(s.dir, sanitizeFilename(id)+".json")
}

// sanitizeFilename makes a session id safe as a file name.
func sanitizeFilename(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func cloneSession(in *Session) *Session {
	out := *in
	out.Messages = make([]Message, len(in.Messages))
	copy(out.Messages, in.Messages)
	return &out
}
