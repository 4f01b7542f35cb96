package runner

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/bidsflow/bidsflow/internal/hpc"
	"github.com/bidsflow/bidsflow/internal/job"
	"github.com/bidsflow/bidsflow/internal/logging"
	"github.com/bidsflow/bidsflow/internal/tool"
)

// remoteChannel is the slice of the hpc client Execute needs. Tests
// substitute a fake so submission logic runs without a cluster.
type remoteChannel interface {
	EnsureDir(ctx context.Context, remoteDir string) error
	Upload(ctx context.Context, localPath, remotePath string) error
	Submit(ctx context.Context, remoteDir, scriptName string) (string, error)
}

// Remote submits jobs to the batch queue. Execute returns once the
// queue has accepted the job; the outcome is provisional (Submitted)
// and is resolved later by polling the scheduler.
type Remote struct {
	channel  remoteChannel
	store    *hpc.Store
	registry *tool.Registry
	// jobDir is the remote directory batch scripts are staged under.
	jobDir string
	logger *logging.Logger
}

// NewRemote builds the remote backend. The registry supplies per-tool
// scheduler directives. logger may be nil.
func NewRemote(client *hpc.Client, store *hpc.Store, registry *tool.Registry, jobDir string, logger *logging.Logger) *Remote {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Remote{
		channel:  client,
		store:    store,
		registry: registry,
		jobDir:   jobDir,
		logger:   logger,
	}
}

// Execute renders the batch script, uploads it and submits it. Every
// failure before the queue accepts the job wraps ErrSubmissionFailed
// so the driver can tell "never entered the queue" apart from a queued
// job that failed later.
func (r *Remote) Execute(ctx context.Context, spec *job.Spec) (job.Outcome, error) {
	log := r.logger.WithTool(spec.Request.Tool).WithParticipant(spec.Request.Participant)

	var extra []string
	if t, err := r.registry.Resolve(spec.Request.Tool); err == nil {
		if sc, ok := t.(tool.ScriptCustomizer); ok {
			extra = sc.ScriptDirectives(spec.Request)
		}
	}

	name := hpc.ScriptName(spec)
	script := hpc.RenderScript(spec, extra)

	stageDir, err := os.MkdirTemp("", "bidsflow-sbatch-")
	if err != nil {
		return job.Outcome{}, fmt.Errorf("%w: stage script: %v", ErrSubmissionFailed, err)
	}
	defer os.RemoveAll(stageDir)

	localPath := filepath.Join(stageDir, name)
	if err := os.WriteFile(localPath, []byte(script), 0o644); err != nil {
		return job.Outcome{}, fmt.Errorf("%w: write script: %v", ErrSubmissionFailed, err)
	}

	if err := r.channel.EnsureDir(ctx, r.jobDir); err != nil {
		return job.Outcome{}, fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}
	remotePath := path.Join(r.jobDir, name)
	if err := r.channel.Upload(ctx, localPath, remotePath); err != nil {
		return job.Outcome{}, fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}

	jobID, err := r.channel.Submit(ctx, r.jobDir, name)
	if err != nil {
		return job.Outcome{}, fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}

	rec := &hpc.JobRecord{
		JobID:       jobID,
		Dataset:     spec.Request.Dataset,
		Participant: spec.Request.Participant,
		Session:     spec.Request.Session,
		Tool:        spec.Request.Tool,
		Version:     spec.Request.Version,
		SubmittedAt: time.Now().UTC(),
		State:       "PENDING",
	}
	if err := r.store.Put(rec); err != nil {
		// The job is already in the queue; losing the local record is
		// worth a warning, not a failed submission.
		log.Warn("failed to record submitted job", "job_id", jobID, "error", err)
	}

	outcome := job.NewOutcome(spec.Request, job.StatusSubmitted, "submitted as job "+jobID)
	outcome.RemoteJobID = jobID
	return outcome, nil
}
