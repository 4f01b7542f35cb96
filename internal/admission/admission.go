// Package admission bounds the number of concurrently running bidsflow
// instances on a host, independent of dataset or tool. Slots are
// file-backed records in a shared lock directory: exclusive creation of
// a fixed set of slot files makes admission atomic across independent
// processes, and PID liveness checks reclaim records left behind by
// crashed instances on the very next acquire. Liveness is never judged
// by record age: a record is stale only when its process is verifiably
// gone.
package admission

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/bidsflow/bidsflow/internal/logging"
)

// DefaultLimit is the global concurrency ceiling when none is
// configured.
const DefaultLimit = 10

// ErrDenied is the sentinel all admission denials match via errors.Is.
var ErrDenied = errors.New("admission denied")

// Record identifies one live bidsflow instance for operator
// diagnostics. Stored pretty-printed so the lock directory is
// diff-friendly and human-inspectable.
type Record struct {
	RunID        string    `json:"run_id"`
	PID          int       `json:"pid"`
	Hostname     string    `json:"hostname"`
	User         string    `json:"user"`
	StartedAt    time.Time `json:"started_at"`
	Dataset      string    `json:"dataset"`
	Tool         string    `json:"tool"`
	Participants []string  `json:"participants"`
}

// DeniedError reports a full ceiling together with the occupying
// records, so the user can see who holds the slots.
type DeniedError struct {
	Limit  int
	Active []Record
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("admission denied: %d of %d slots in use", len(e.Active), e.Limit)
}

func (e *DeniedError) Is(target error) bool { return target == ErrDenied }

// Controller manages the slot files under one shared lock directory.
type Controller struct {
	dir    string
	limit  int
	logger *logging.Logger
}

// NewController returns a Controller over the given lock directory.
// A non-positive limit falls back to DefaultLimit. The logger may be
// nil.
func NewController(dir string, limit int, logger *logging.Logger) *Controller {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Controller{dir: dir, limit: limit, logger: logger}
}

// Limit returns the configured ceiling.
func (c *Controller) Limit() int { return c.limit }

func (c *Controller) slotPath(i int) string {
	return filepath.Join(c.dir, fmt.Sprintf("slot-%02d.lock", i))
}

// Slot is the handle for one acquired admission record.
type Slot struct {
	Record Record

	path   string
	logger *logging.Logger
}

// Acquire claims a free slot, reclaiming stale records along the way.
// It walks the fixed set of slot files in order and takes the first one
// it can create exclusively; creation is atomic, so concurrent
// acquirers can never over-admit past the ceiling. Returns a
// *DeniedError (matching ErrDenied) when every slot is held by a live
// process.
func (c *Controller) Acquire(dataset, toolName string, participants []string) (*Slot, error) {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	rec := Record{
		RunID:        uuid.NewString(),
		PID:          os.Getpid(),
		Hostname:     hostname(),
		User:         username(),
		StartedAt:    time.Now().UTC(),
		Dataset:      dataset,
		Tool:         toolName,
		Participants: participants,
	}

	var active []Record
	for i := 0; i < c.limit; i++ {
		path := c.slotPath(i)

		// Two attempts per slot: the second retries after a stale
		// record was reclaimed.
		for attempt := 0; attempt < 2; attempt++ {
			slot, occupant, err := c.tryClaim(path, rec)
			if err != nil {
				return nil, err
			}
			if slot != nil {
				c.logger.Info("admission slot acquired",
					"slot", path,
					"run_id", rec.RunID,
					"pid", rec.PID,
				)
				return slot, nil
			}
			if occupant == nil {
				// Stale record reclaimed; retry the same slot.
				continue
			}
			active = append(active, *occupant)
			break
		}
	}

	c.logger.Warn("admission denied",
		"active", len(active),
		"limit", c.limit,
	)
	return nil, &DeniedError{Limit: c.limit, Active: active}
}

// tryClaim attempts one exclusive create of path. Returns the acquired
// slot, or the live occupant blocking the slot, or (nil, nil, nil) when
// a stale record was reclaimed and the caller should retry.
func (c *Controller) tryClaim(path string, rec Record) (*Slot, *Record, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if !os.IsExist(err) {
			return nil, nil, fmt.Errorf("failed to create lock record: %w", err)
		}

		existing, rerr := readRecord(path)
		if rerr != nil {
			// Unreadable record: cannot verify its owner is gone, so
			// treat the slot as occupied.
			return nil, &Record{PID: -1}, nil
		}
		if processAlive(existing.PID) {
			return nil, existing, nil
		}

		// Verifiably dead owner: reclaim and let the caller retry.
		if rerr := reclaimRecord(path); rerr != nil {
			return nil, nil, rerr
		}
		c.logger.Warn("stale lock record reclaimed",
			"slot", path,
			"old_pid", existing.PID,
			"old_run_id", existing.RunID,
		)
		return nil, nil, nil
	}
	defer f.Close()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		os.Remove(path)
		return nil, nil, fmt.Errorf("failed to marshal lock record: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		os.Remove(path)
		return nil, nil, fmt.Errorf("failed to write lock record: %w", err)
	}

	return &Slot{Record: rec, path: path, logger: c.logger}, nil, nil
}

// Release removes the slot's record. Safe to call multiple times: only
// the record this slot created is ever deleted, and a record already
// gone (or replaced by another instance) is a no-op.
func (s *Slot) Release() error {
	if s == nil || s.path == "" {
		return nil
	}

	existing, err := readRecord(s.path)
	if err != nil {
		// Record gone or unreadable: nothing of ours to delete.
		return nil
	}
	if existing.RunID != s.Record.RunID {
		// Another instance reclaimed and reused the slot.
		return nil
	}

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}

	if s.logger != nil {
		s.logger.Info("admission slot released",
			"slot", s.path,
			"run_id", s.Record.RunID,
		)
	}
	return nil
}

// Snapshot lists the current records without mutating anything,
// separating live from stale for operator diagnostics.
func (c *Controller) Snapshot() (live, stale []Record, err error) {
	paths, err := filepath.Glob(filepath.Join(c.dir, "slot-*.lock"))
	if err != nil {
		return nil, nil, err
	}
	sort.Strings(paths)

	for _, path := range paths {
		rec, rerr := readRecord(path)
		if rerr != nil {
			continue
		}
		if processAlive(rec.PID) {
			live = append(live, *rec)
		} else {
			stale = append(stale, *rec)
		}
	}
	return live, stale, nil
}

// Reap removes every verifiably stale record and returns how many were
// reclaimed. Acquire performs the same cleanup implicitly; Reap exists
// for the operator-facing locks command.
func (c *Controller) Reap() (int, error) {
	paths, err := filepath.Glob(filepath.Join(c.dir, "slot-*.lock"))
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, path := range paths {
		rec, rerr := readRecord(path)
		if rerr != nil || processAlive(rec.PID) {
			continue
		}
		if err := reclaimRecord(path); err != nil {
			return reaped, err
		}
		reaped++
		c.logger.Warn("stale lock record reclaimed",
			"slot", path,
			"old_pid", rec.PID,
		)
	}
	return reaped, nil
}

// reclaimRecord removes a stale record without ever touching a
// successor's fresh one. Deleting by the shared path is racy: a slow
// reclaimer could remove a record that another acquirer just created
// after winning the same reclaim. Renaming to a unique path first is
// atomic, so exactly one reclaimer wins; the losers see the record
// gone and simply retry the exclusive create.
func reclaimRecord(path string) error {
	claimed := path + ".reclaim-" + uuid.NewString()
	if err := os.Rename(path, claimed); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to reclaim stale lock record: %w", err)
	}
	if err := os.Remove(claimed); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale lock record: %w", err)
	}
	return nil
}

// readRecord reads and parses one lock record file.
func readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse lock record: %w", err)
	}
	return &rec, nil
}

// processAlive checks whether the PID belongs to a running process.
// Signal 0 probes existence without affecting the target. EPERM means
// the process exists but belongs to someone else, so it counts as
// alive; only ESRCH is proof of death.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return !errors.Is(err, unix.ESRCH)
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

func username() string {
	u, err := user.Current()
	if err != nil {
		return "unknown"
	}
	return u.Username
}
