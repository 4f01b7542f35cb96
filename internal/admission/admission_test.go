package admission

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bidsflow/bidsflow/internal/logging"
)

// deadPID is far above any plausible pid_max, so signal 0 reliably
// reports ESRCH.
const deadPID = 1<<31 - 1

func newController(t *testing.T, limit int) *Controller {
	t.Helper()
	return NewController(t.TempDir(), limit, logging.NopLogger())
}

// plantRecord writes a lock record directly into the controller's slot
// file, simulating an instance that died without releasing.
func plantRecord(t *testing.T, c *Controller, slot int, rec Record) {
	t.Helper()
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		t.Fatalf("marshal record: %v", err)
	}
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(c.slotPath(slot), data, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestAcquire_Release(t *testing.T) {
	c := newController(t, 2)

	slot, err := c.Acquire("ds1", "freesurfer", []string{"01", "02"})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if slot.Record.PID != os.Getpid() {
		t.Errorf("record PID = %d, want %d", slot.Record.PID, os.Getpid())
	}
	if slot.Record.Dataset != "ds1" || slot.Record.Tool != "freesurfer" {
		t.Errorf("record identity wrong: %+v", slot.Record)
	}

	// Record is on disk and pretty-printed.
	data, err := os.ReadFile(slot.path)
	if err != nil {
		t.Fatalf("record file missing: %v", err)
	}
	var onDisk Record
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("record not valid JSON: %v", err)
	}
	if onDisk.RunID != slot.Record.RunID {
		t.Errorf("on-disk run_id = %q, want %q", onDisk.RunID, slot.Record.RunID)
	}

	if err := slot.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(slot.path); !os.IsNotExist(err) {
		t.Error("record file should be gone after Release")
	}
}

func TestAcquire_DeniedAtLimit(t *testing.T) {
	c := newController(t, 2)

	s1, err := c.Acquire("ds1", "freesurfer", []string{"01"})
	if err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	defer s1.Release()
	s2, err := c.Acquire("ds2", "qsiprep", []string{"05"})
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	defer s2.Release()

	_, err = c.Acquire("ds3", "meldgraph", []string{"09"})
	if !errors.Is(err, ErrDenied) {
		t.Fatalf("third Acquire error = %v, want ErrDenied", err)
	}

	// Denial lists the occupying records for diagnostics.
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("error is not a *DeniedError: %v", err)
	}
	if len(denied.Active) != 2 {
		t.Errorf("denied.Active has %d records, want 2", len(denied.Active))
	}
	datasets := map[string]bool{}
	for _, rec := range denied.Active {
		datasets[rec.Dataset] = true
	}
	if !datasets["ds1"] || !datasets["ds2"] {
		t.Errorf("denied records = %+v", denied.Active)
	}
}

func TestAcquire_NeverExceedsLimit_Concurrent(t *testing.T) {
	const limit = 3
	const acquirers = 12

	dir := t.TempDir()

	var wg sync.WaitGroup
	results := make(chan *Slot, acquirers)
	for i := 0; i < acquirers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := NewController(dir, limit, logging.NopLogger())
			slot, err := c.Acquire("ds1", "freesurfer", nil)
			if err == nil {
				results <- slot
			} else if !errors.Is(err, ErrDenied) {
				t.Errorf("unexpected Acquire error: %v", err)
			}
		}()
	}
	wg.Wait()
	close(results)

	var held []*Slot
	for slot := range results {
		held = append(held, slot)
	}
	if len(held) != limit {
		t.Errorf("%d acquires succeeded, want exactly %d", len(held), limit)
	}

	for _, slot := range held {
		if err := slot.Release(); err != nil {
			t.Errorf("Release failed: %v", err)
		}
	}
}

func TestAcquire_ReclaimsStaleRecord(t *testing.T) {
	c := newController(t, 1)

	plantRecord(t, c, 0, Record{
		RunID:     "dead-run",
		PID:       deadPID,
		Hostname:  "elsewhere",
		StartedAt: time.Now().Add(-time.Hour),
		Dataset:   "ds1",
		Tool:      "freesurfer",
	})

	// The dead record must not cause a false denial.
	slot, err := c.Acquire("ds2", "qsiprep", []string{"03"})
	if err != nil {
		t.Fatalf("Acquire should reclaim the stale record: %v", err)
	}
	defer slot.Release()

	if slot.Record.RunID == "dead-run" {
		t.Error("slot carries the stale record instead of a fresh one")
	}
}

func TestAcquire_ConcurrentReclaimHoldsCeiling(t *testing.T) {
	// Racing acquirers against a planted dead record must never admit
	// more than the limit: only one of them may win the reclaim, and
	// the losers must not delete the winner's fresh record on the way
	// out of their own deferred cleanup.
	const acquirers = 8
	const trials = 200

	root := t.TempDir()
	for trial := 0; trial < trials; trial++ {
		dir := filepath.Join(root, fmt.Sprintf("trial-%03d", trial))
		c := NewController(dir, 1, logging.NopLogger())
		plantRecord(t, c, 0, Record{RunID: "dead-run", PID: deadPID})

		var wg sync.WaitGroup
		admitted := make(chan *Slot, acquirers)
		for i := 0; i < acquirers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				cc := NewController(dir, 1, logging.NopLogger())
				slot, err := cc.Acquire("ds1", "freesurfer", nil)
				if err == nil {
					admitted <- slot
				} else if !errors.Is(err, ErrDenied) {
					t.Errorf("trial %d: unexpected Acquire error: %v", trial, err)
				}
			}()
		}
		wg.Wait()
		close(admitted)

		var held []*Slot
		for slot := range admitted {
			held = append(held, slot)
		}
		if len(held) != 1 {
			t.Fatalf("trial %d: %d acquirers admitted, want exactly 1", trial, len(held))
		}
		held[0].Release()
	}
}

func TestAcquire_LiveRecordNotEvicted(t *testing.T) {
	c := newController(t, 1)

	// A record owned by this (running) process must never be reclaimed,
	// regardless of its age.
	plantRecord(t, c, 0, Record{
		RunID:     "live-run",
		PID:       os.Getpid(),
		StartedAt: time.Now().Add(-240 * time.Hour),
		Dataset:   "ds1",
		Tool:      "freesurfer",
	})

	_, err := c.Acquire("ds2", "qsiprep", nil)
	if !errors.Is(err, ErrDenied) {
		t.Fatalf("Acquire error = %v, want ErrDenied", err)
	}
	if _, err := os.Stat(c.slotPath(0)); err != nil {
		t.Error("live record was evicted")
	}
}

func TestRelease_Idempotent(t *testing.T) {
	c := newController(t, 1)

	slot, err := c.Acquire("ds1", "freesurfer", nil)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if err := slot.Release(); err != nil {
		t.Fatalf("first Release failed: %v", err)
	}
	if err := slot.Release(); err != nil {
		t.Errorf("second Release failed: %v", err)
	}
}

func TestRelease_DoesNotDeleteForeignRecord(t *testing.T) {
	c := newController(t, 1)

	slot, err := c.Acquire("ds1", "freesurfer", nil)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	// Simulate another instance reclaiming and reusing the slot file
	// between our crash and a late Release.
	foreign := Record{RunID: "foreign-run", PID: os.Getpid()}
	data, _ := json.Marshal(foreign)
	if err := os.WriteFile(slot.path, data, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if err := slot.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(slot.path); err != nil {
		t.Error("Release deleted a record it does not own")
	}
}

func TestSnapshot_SeparatesLiveAndStale(t *testing.T) {
	c := newController(t, 4)

	slot, err := c.Acquire("ds1", "freesurfer", nil)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer slot.Release()

	plantRecord(t, c, 3, Record{RunID: "dead-run", PID: deadPID})

	live, stale, err := c.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(live) != 1 || live[0].RunID != slot.Record.RunID {
		t.Errorf("live = %+v", live)
	}
	if len(stale) != 1 || stale[0].RunID != "dead-run" {
		t.Errorf("stale = %+v", stale)
	}
}

func TestReap(t *testing.T) {
	c := newController(t, 4)

	slot, err := c.Acquire("ds1", "freesurfer", nil)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer slot.Release()

	plantRecord(t, c, 2, Record{RunID: "dead-a", PID: deadPID})
	plantRecord(t, c, 3, Record{RunID: "dead-b", PID: deadPID})

	reaped, err := c.Reap()
	if err != nil {
		t.Fatalf("Reap failed: %v", err)
	}
	if reaped != 2 {
		t.Errorf("reaped = %d, want 2", reaped)
	}

	live, stale, err := c.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(live) != 1 || len(stale) != 0 {
		t.Errorf("after Reap: live=%d stale=%d, want 1/0", len(live), len(stale))
	}
}

func TestNewController_DefaultLimit(t *testing.T) {
	c := NewController(t.TempDir(), 0, nil)
	if c.Limit() != DefaultLimit {
		t.Errorf("Limit() = %d, want %d", c.Limit(), DefaultLimit)
	}
}
