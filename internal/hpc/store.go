package hpc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// SUBMITTED-JOB STORE
// ============================================================================

// JobRecord is the local memory of one submitted job. The scheduler is
// the authority on its state; the record tracks what we last learned.
type JobRecord struct {
	JobID       string    `json:"job_id"`
	Dataset     string    `json:"dataset"`
	Participant string    `json:"participant"`
	Session     string    `json:"session,omitempty"`
	Tool        string    `json:"tool"`
	Version     string    `json:"version"`
	SubmittedAt time.Time `json:"submitted_at"`
	State       string    `json:"state"`
	Reason      string    `json:"reason,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store persists JobRecords as a single JSON document keyed by job ID.
// All methods are safe for concurrent use within one process; the
// store is not designed for concurrent writers across processes.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore opens (or will create on first write) the store at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// StoreFileName is the file the default store lives under inside the
// state directory.
const StoreFileName = "hpc_jobs.json"

func (s *Store) load() (map[string]*JobRecord, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]*JobRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read job store: %w", err)
	}
	records := map[string]*JobRecord{}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse job store %s: %w", s.path, err)
	}
	return records, nil
}

func (s *Store) save(records map[string]*JobRecord) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode job store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write job store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace job store: %w", err)
	}
	return nil
}

// Put inserts or replaces a record.
func (s *Store) Put(rec *JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return err
	}
	rec.UpdatedAt = time.Now().UTC()
	records[rec.JobID] = rec
	return s.save(records)
}

// Get returns the record for jobID, or ok=false.
func (s *Store) Get(jobID string) (*JobRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return nil, false, err
	}
	rec, ok := records[jobID]
	return rec, ok, nil
}

// All returns every record ordered by submission time, newest last.
func (s *Store) All() ([]*JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]*JobRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].JobID < out[j].JobID
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out, nil
}

// UpdateState records the latest scheduler verdict for jobID. Unknown
// IDs are ignored so a poll of a foreign job cannot pollute the store.
func (s *Store) UpdateState(jobID, state, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return err
	}
	rec, ok := records[jobID]
	if !ok {
		return nil
	}
	rec.State = state
	rec.Reason = reason
	rec.UpdatedAt = time.Now().UTC()
	return s.save(records)
}

// Prune drops records whose state is terminal, returning how many were
// removed.
func (s *Store) Prune(terminal func(state string) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.load()
	if err != nil {
		return 0, err
	}
	removed := 0
	for id, rec := range records {
		if terminal(rec.State) {
			delete(records, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.save(records)
}
