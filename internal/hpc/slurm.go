package hpc

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bidsflow/bidsflow/internal/job"
)

// ============================================================================
// QUEUE STATE
// ============================================================================

// QueueInfo is what the scheduler currently knows about one job. For
// jobs still visible to squeue only the state is reliable; sacct adds
// the exit code once accounting has caught up.
type QueueInfo struct {
	JobID    string
	State    string // raw SLURM state, e.g. RUNNING, COMPLETED, CANCELLED by 123
	ExitCode int
	HasExit  bool
	Start    string
	End      string
}

// Terminal reports whether the scheduler is done with the job.
func (q *QueueInfo) Terminal() bool {
	switch normalizeState(q.State) {
	case "PENDING", "CONFIGURING", "RUNNING", "COMPLETING", "STAGE_OUT",
		"SUSPENDED", "REQUEUED", "RESIZING":
		return false
	}
	return true
}

// Outcome maps the scheduler state onto a job status and a reason
// suitable for the results log. Non-terminal states stay Submitted.
func (q *QueueInfo) Outcome() (job.Status, string) {
	state := normalizeState(q.State)
	switch state {
	case "PENDING", "CONFIGURING", "REQUEUED":
		return job.StatusSubmitted, "pending in queue"
	case "RUNNING", "COMPLETING", "STAGE_OUT", "SUSPENDED", "RESIZING":
		return job.StatusSubmitted, "running"
	case "COMPLETED":
		if q.HasExit && q.ExitCode != 0 {
			return job.StatusFailed, fmt.Sprintf("completed with exit code %d", q.ExitCode)
		}
		return job.StatusSucceeded, ""
	case "TIMEOUT":
		return job.StatusFailed, "walltime limit exceeded"
	case "OUT_OF_MEMORY":
		return job.StatusFailed, "out of memory"
	case "CANCELLED":
		return job.StatusFailed, "cancelled"
	case "NODE_FAIL":
		return job.StatusFailed, "node failure"
	case "FAILED", "BOOT_FAIL", "DEADLINE", "PREEMPTED":
		if q.HasExit {
			return job.StatusFailed, fmt.Sprintf("%s (exit code %d)", strings.ToLower(state), q.ExitCode)
		}
		return job.StatusFailed, strings.ToLower(state)
	}
	return job.StatusFailed, "unknown scheduler state " + q.State
}

// normalizeState strips sacct decorations such as "CANCELLED by 1001"
// and a trailing "+" on parent-step states.
func normalizeState(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if i := strings.IndexByte(s, ' '); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSuffix(s, "+")
}

// ============================================================================
// OUTPUT PARSING
// ============================================================================

// squeueFormat keeps the parser and the remote command in one place.
const squeueFormat = "%i:%T:%S:%e"

// ParseSqueue parses `squeue --noheader --format='%i:%T:%S:%e'` output.
// Empty output means the job has left the queue.
func ParseSqueue(out string) (*QueueInfo, bool) {
	line := firstLine(out)
	if line == "" {
		return nil, false
	}
	fields := strings.Split(line, ":")
	if len(fields) < 2 {
		return nil, false
	}
	info := &QueueInfo{JobID: fields[0], State: fields[1]}
	if len(fields) > 2 {
		info.Start = fields[2]
	}
	if len(fields) > 3 {
		info.End = fields[3]
	}
	return info, true
}

// ParseSacct parses `sacct --parsable2 --noheader
// --format=JobID,State,ExitCode,Start,End` output. Only the parent job
// line is used; batch and extern steps are skipped.
func ParseSacct(out string) (*QueueInfo, bool) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) < 3 || strings.Contains(fields[0], ".") {
			continue
		}
		info := &QueueInfo{JobID: fields[0], State: fields[1]}
		if code, ok := parseExitCode(fields[2]); ok {
			info.ExitCode = code
			info.HasExit = true
		}
		if len(fields) > 3 {
			info.Start = fields[3]
		}
		if len(fields) > 4 {
			info.End = fields[4]
		}
		return info, true
	}
	return nil, false
}

// parseExitCode handles SLURM's "code:signal" form.
func parseExitCode(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	code, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return code, true
}

func firstLine(out string) string {
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

// ============================================================================
// POLLING
// ============================================================================

// JobStatus resolves the current state of a job, preferring squeue
// while the job is queued or running and falling back to sacct once it
// has left the queue. Returns ok=false when the scheduler has no
// record of the job at all.
func (c *Client) JobStatus(ctx context.Context, jobID string) (*QueueInfo, bool, error) {
	out, err := c.Run(ctx, fmt.Sprintf("squeue -j %s --noheader --format='%s'", jobID, squeueFormat))
	if err == nil {
		if info, ok := ParseSqueue(out); ok {
			return info, true, nil
		}
	}
	// squeue errors on unknown jobs on some clusters; either way sacct
	// is the authority once the job is out of the queue.
	out, err = c.Run(ctx, fmt.Sprintf("sacct -j %s --parsable2 --noheader --format=JobID,State,ExitCode,Start,End", jobID))
	if err != nil {
		return nil, false, err
	}
	info, ok := ParseSacct(out)
	return info, ok, nil
}
