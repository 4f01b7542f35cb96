// Package results records how each participant's job ended and renders
// the end-of-run summary. The log is append-only JSON lines so partial
// batches and repeated runs accumulate rather than overwrite.
package results

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bidsflow/bidsflow/internal/job"
)

// LogFileName is the results log inside the state directory.
const LogFileName = "results.jsonl"

// Entry is one logged outcome stamped with the run that produced it.
type Entry struct {
	RunID string `json:"run_id"`
	job.Outcome
}

// Log appends outcomes to a JSONL file. Safe for concurrent use within
// one process; appends are O_APPEND writes so concurrent runs on the
// same file interleave whole lines.
type Log struct {
	mu    sync.Mutex
	path  string
	runID string
}

// NewLog opens a results log at path. runID stamps every entry this
// process appends.
func NewLog(path, runID string) *Log {
	return &Log{path: path, runID: runID}
}

// Append writes one outcome and syncs it to disk, so a crash mid-batch
// loses at most the in-flight participant.
func (l *Log) Append(outcome job.Outcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create results dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open results log: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(Entry{RunID: l.runID, Outcome: outcome})
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append result: %w", err)
	}
	return f.Sync()
}

// ReadAll loads every entry in the log. Malformed lines are skipped so
// one torn write cannot hide the rest of the history.
func ReadAll(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open results log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read results log: %w", err)
	}
	return entries, nil
}
