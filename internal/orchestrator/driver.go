// Package orchestrator runs the per-participant control loop: resolve
// the dependency verdict, claim an admission slot, build and dispatch
// the job, record the outcome, release the slot. Participants are
// processed strictly in the caller's order and one participant's
// failure never aborts the batch.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/bidsflow/bidsflow/internal/admission"
	"github.com/bidsflow/bidsflow/internal/bids"
	"github.com/bidsflow/bidsflow/internal/catalog"
	"github.com/bidsflow/bidsflow/internal/job"
	"github.com/bidsflow/bidsflow/internal/logging"
	"github.com/bidsflow/bidsflow/internal/resolve"
	"github.com/bidsflow/bidsflow/internal/results"
	"github.com/bidsflow/bidsflow/internal/runner"
	"github.com/bidsflow/bidsflow/internal/tool"
)

// Batch is one invocation's worth of work: one tool applied to a list
// of participants of one dataset.
type Batch struct {
	Dataset      string
	Tool         string
	Version      string
	Session      string
	Participants []string
	Options      tool.Options
}

// Config wires a Driver. All fields are required unless noted.
type Config struct {
	Registry  *tool.Registry
	Probe     bids.Probe
	Admission *admission.Controller
	Backend   runner.Backend
	Kind      job.BackendKind
	// Paths are execution-side: local paths for the local backend,
	// cluster paths for the remote one.
	Paths        tool.Paths
	ApptainerDir string
	Catalog      *catalog.Catalog // may be nil; image paths then use the naming convention
	Resources    job.Resources
	Results      *results.Log // may be nil; outcomes are then only returned
	Logger       *logging.Logger
}

// Driver composes the engine's pieces into the participant loop.
type Driver struct {
	cfg Config
	log *logging.Logger
}

// New builds a Driver from cfg.
func New(cfg Config) *Driver {
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	return &Driver{cfg: cfg, log: cfg.Logger}
}

// Run processes the batch. The returned outcomes preserve participant
// order. A non-nil error means the batch stopped early: admission was
// denied before the named participant's job started, the tool is
// unknown, or the context was cancelled between participants. Outcomes
// accumulated before the stop are still returned.
func (d *Driver) Run(ctx context.Context, batch Batch) ([]job.Outcome, error) {
	t, err := d.cfg.Registry.Resolve(batch.Tool)
	if err != nil {
		return nil, err
	}
	version := batch.Version
	if version == "" {
		version = t.DefaultVersion()
	}

	log := d.log.WithDataset(batch.Dataset).WithTool(batch.Tool)
	log.Info("batch started",
		"version", version,
		"participants", len(batch.Participants),
		"backend", d.cfg.Kind.String(),
	)

	outcomes := make([]job.Outcome, 0, len(batch.Participants))
	for _, participant := range batch.Participants {
		if ctx.Err() != nil {
			return outcomes, ctx.Err()
		}

		req := tool.Request{
			Dataset:     batch.Dataset,
			Participant: participant,
			Session:     batch.Session,
			Tool:        batch.Tool,
			Version:     version,
			Options:     batch.Options,
		}

		outcome, denied := d.runParticipant(ctx, req, t)
		if denied != nil {
			return outcomes, denied
		}
		outcomes = append(outcomes, outcome)
		d.record(outcome)
	}

	log.Info("batch finished", "results", len(outcomes))
	return outcomes, nil
}

// runParticipant takes one participant through the state machine. A
// non-nil second return is an admission denial, which aborts the whole
// batch; every other failure is folded into the outcome.
func (d *Driver) runParticipant(ctx context.Context, req tool.Request, t tool.Tool) (job.Outcome, error) {
	log := d.log.WithTool(req.Tool).WithParticipant(req.Participant)

	// Options are validated before the resolver runs: a skip flag the
	// tool rejects must surface as a failure, not silently turn into a
	// skip verdict.
	if err := t.ValidateOptions(req.Options); err != nil {
		log.Error("invalid options", "error", err)
		return job.NewOutcome(req, job.StatusFailed, err.Error()), nil
	}

	// Cheap local checks happen before admission so a Blocked or
	// Skipped participant never holds a scarce slot.
	verdict := resolve.Evaluate(req, t, d.cfg.Probe)
	switch verdict.Decision {
	case resolve.Blocked:
		log.Warn("participant blocked", "reason", verdict.Reason)
		return job.NewOutcome(req, job.StatusBlocked, verdict.Reason), nil
	case resolve.SkipAlreadyDone:
		log.Info("participant skipped", "reason", verdict.Reason)
		return job.NewOutcome(req, job.StatusSkipped, verdict.Reason), nil
	}

	slot, err := d.cfg.Admission.Acquire(req.Dataset, req.Tool, []string{req.Participant})
	if err != nil {
		if errors.Is(err, admission.ErrDenied) {
			return job.Outcome{}, err
		}
		// Lock directory unusable: infrastructure fault, abort.
		return job.Outcome{}, fmt.Errorf("admission: %w", err)
	}
	defer func() {
		if err := slot.Release(); err != nil {
			log.Warn("failed to release admission slot", "error", err)
		}
	}()

	return d.dispatch(ctx, req, verdict, t), nil
}

// dispatch builds and executes the job for an admitted participant.
func (d *Driver) dispatch(ctx context.Context, req tool.Request, verdict resolve.Verdict, t tool.Tool) job.Outcome {
	log := d.log.WithTool(req.Tool).WithParticipant(req.Participant)

	spec, err := job.Build(req, verdict, t, d.cfg.Paths, d.cfg.ApptainerDir, d.cfg.Catalog, d.cfg.Kind, d.cfg.Resources)
	if err != nil {
		log.Error("failed to build job", "error", err)
		return job.NewOutcome(req, job.StatusFailed, err.Error())
	}

	// Preparation steps run on the execution filesystem, which only the
	// local backend shares; remote runs assume staged inputs.
	if d.cfg.Kind == job.Local {
		if p, ok := t.(tool.Preparer); ok {
			if err := p.Prepare(req, d.cfg.Paths); err != nil {
				log.Error("preparation failed", "error", err)
				return job.NewOutcome(req, job.StatusFailed, fmt.Sprintf("preparation failed: %v", err))
			}
		}
	}

	outcome, err := d.cfg.Backend.Execute(ctx, spec)
	if err != nil {
		log.Error("execution failed", "error", err)
		return job.NewOutcome(req, job.StatusFailed, err.Error())
	}
	return outcome
}

func (d *Driver) record(outcome job.Outcome) {
	if d.cfg.Results == nil {
		return
	}
	if err := d.cfg.Results.Append(outcome); err != nil {
		d.log.Warn("failed to append result", "error", err)
	}
}

// ExitCode maps a finished batch onto the process exit status: 0 when
// every participant succeeded, was skipped, or is still queued; 1 when
// any ended Failed or Blocked.
func ExitCode(outcomes []job.Outcome) int {
	for _, o := range outcomes {
		if o.Status == job.StatusFailed || o.Status == job.StatusBlocked {
			return 1
		}
	}
	return 0
}
