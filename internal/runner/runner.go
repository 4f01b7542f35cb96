// Package runner executes job specs. The local backend runs the
// container synchronously and reports a terminal outcome; the remote
// backend hands the job to the batch queue and reports a provisional
// one. Callers treat both through the same Backend interface.
package runner

import (
	"context"
	"errors"

	"github.com/bidsflow/bidsflow/internal/job"
)

// ErrSubmissionFailed wraps any error that prevented a remote job from
// entering the queue. It lets the driver distinguish "never submitted"
// from "submitted and later failed", which only polling can report.
var ErrSubmissionFailed = errors.New("job submission failed")

// Backend executes one job spec. Execute returns an error only for
// infrastructure faults (container runtime missing, channel down); a
// job that ran and failed is a successful Execute with a Failed
// outcome.
type Backend interface {
	Execute(ctx context.Context, spec *job.Spec) (job.Outcome, error)
}
