package cron

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ActionKind selects what a job does when it fires.
type ActionKind string

const (
	// ActionSystemEvent publishes an event on the bus.
	ActionSystemEvent ActionKind = "system_event"
	// ActionAgentTurn enqueues a turn on the agent runtime.
	ActionAgentTurn ActionKind = "agent_turn"
	// ActionChannelSend delivers a message through a channel.
	ActionChannelSend ActionKind = "channel_send"
)

// Action is a job's payload. Only the fields for its Kind are used.
type Action struct {
	Kind ActionKind `json:"kind"`

	Event string                 `json:"event,omitempty"` // system_event type suffix
	Data  map[string]interface{} `json:"data,omitempty"`

	SessionID string `json:"session_id,omitempty"` // agent_turn
	Prompt    string `json:"prompt,omitempty"`

	Channel string `json:"channel,omitempty"` // channel_send
	Target  string `json:"target,omitempty"`
	Body    string `json:"body,omitempty"`
}

// OverlapPolicy governs a fire that lands while the previous run is active.
type OverlapPolicy string

const (
	// OverlapSkip drops the fire and counts it.
	OverlapSkip OverlapPolicy = "skip"
	// OverlapQueue runs it after the previous run, up to a bounded backlog.
	OverlapQueue OverlapPolicy = "queue"
)

// Job is one scheduled unit of work.
type Job struct {
	ID       string        `json:"id"`
	Name     string        `json:"name,omitempty"`
	Schedule Schedule      `json:"schedule"`
	Action   Action        `json:"action"`
	Enabled  bool          `json:"enabled"`
	Overlap  OverlapPolicy `json:"overlap,omitempty"` // default skip

	NextRunAt      time.Time `json:"next_run_at,omitempty"`
	LastRunAt      time.Time `json:"last_run_at,omitempty"`
	LastResult     string    `json:"last_result,omitempty"` // "ok" or the error
	Degraded       bool      `json:"degraded,omitempty"`
	SkippedOverrun int       `json:"skipped_overrun,omitempty"`
}

// RunRecord is one line of the append-only run log.
type RunRecord struct {
	JobID     string    `json:"job_id"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Status    string    `json:"status"` // ok | error | skipped
	Error     string    `json:"error,omitempty"`
}

type jobsDocument struct {
	Version int    `json:"version"`
	Jobs    []*Job `json:"jobs"`
}

const jobsVersion = 1

// Store persists jobs as one JSON document and runs as an append-only log
// under <workspace>/.cron/.
type Store struct {
	dir string

	mu   sync.Mutex
	jobs map[string]*Job
}

func NewStore(workspaceDir string) (*Store, error) {
	dir := filepath.Join(workspaceDir, ".cron")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cron: create store dir: %w", err)
	}
	s := &Store{dir: dir, jobs: make(map[string]*Job)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) jobsPath() string { return filepath.Join(s.dir, "jobs.json") }
func (s *Store) runsPath() string { return filepath.Join(s.dir, "runs.jsonl") }

func (s *Store) load() error {
	data, err := os.ReadFile(s.jobsPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cron: read jobs: %w", err)
	}
	var doc jobsDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("cron: parse jobs: %w", err)
	}
	for _, j := range doc.Jobs {
		s.jobs[j.ID] = j
	}
	return nil
}

// persistLocked writes the whole document atomically. Callers hold s.mu.
func (s *Store) persistLocked() error {
	doc := jobsDocument{Version: jobsVersion, Jobs: make([]*Job, 0, len(s.jobs))}
	for _, j := range s.jobs {
		doc.Jobs = append(doc.Jobs, j)
	}
	sort.Slice(doc.Jobs, func(i, k int) bool { return doc.Jobs[i].ID < doc.Jobs[k].ID })

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("cron: encode jobs: %w", err)
	}
	tmp := s.jobsPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("cron: write jobs: %w", err)
	}
	if err := os.Rename(tmp, s.jobsPath()); err != nil {
		return fmt.Errorf("cron: replace jobs: %w", err)
	}
	return nil
}

// Put inserts or replaces a job and persists.
func (s *Store) Put(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return s.persistLocked()
}

// Get returns a copy of the job.
func (s *Store) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Delete removes a job and persists.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("cron: unknown job %q", id)
	}
	delete(s.jobs, id)
	return s.persistLocked()
}

// List returns copies of all jobs sorted by id.
func (s *Store) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// Mutate applies fn to a job under the lock and persists the result.
func (s *Store) Mutate(id string, fn func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("cron: unknown job %q", id)
	}
	fn(j)
	return s.persistLocked()
}

// AppendRun adds one line to the run log.
func (s *Store) AppendRun(rec RunRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("cron: encode run: %w", err)
	}
	f, err := os.OpenFile(s.runsPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("cron: open run log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("cron: append run: %w", err)
	}
	return nil
}

// Runs reads the most recent run records for a job, newest last. jobID ""
// matches all jobs.
func (s *Store) Runs(jobID string, limit int) ([]RunRecord, error) {
	data, err := os.ReadFile(s.runsPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cron: read run log: %w", err)
	}
	var out []RunRecord
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var rec RunRecord
		if err := dec.Decode(&rec); err != nil {
			break
		}
		if jobID == "" || rec.JobID == jobID {
			out = append(out, rec)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
