// Package resolve decides whether a requested stage should run, be
// skipped, or be rejected for one participant. Verdicts are computed
// fresh on every call: filesystem state may change between runs, so
// nothing here is cached.
package resolve

import (
	"fmt"

	"github.com/bidsflow/bidsflow/internal/bids"
	"github.com/bidsflow/bidsflow/internal/tool"
)

// Decision is the resolver's four-way outcome for one request.
type Decision int

const (
	// Proceed runs the full pipeline for this participant.
	Proceed Decision = iota
	// SkipAlreadyDone performs no work: completed output exists, or the
	// caller declared derived intermediates present.
	SkipAlreadyDone
	// SkipUsePrecomputed runs the downstream stage only, mounting a
	// verified upstream artifact tree instead of recomputing it.
	SkipUsePrecomputed
	// Blocked rejects the request; Reason says why.
	Blocked
)

func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case SkipAlreadyDone:
		return "skip-already-done"
	case SkipUsePrecomputed:
		return "skip-use-precomputed"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Verdict is the resolver's decision plus supporting detail.
type Verdict struct {
	Decision Decision
	// Reason is a human-readable explanation for Blocked and Skip
	// decisions.
	Reason string
	// UpstreamPath is the verified upstream artifact tree, set only for
	// SkipUsePrecomputed. The job builder mounts it read-only.
	UpstreamPath string
}

func blocked(format string, args ...any) Verdict {
	return Verdict{Decision: Blocked, Reason: fmt.Sprintf(format, args...)}
}

// Evaluate applies the dependency policy for one request. The order of
// checks is load-bearing:
//
//  1. Conflicting skip flags are rejected outright, regardless of what
//     is on disk — no implicit precedence between them.
//  2. A participant missing the minimal raw input is Blocked,
//     independent of any skip flag.
//  3. Completed output at the exact requested version short-circuits to
//     SkipAlreadyDone unless the caller forces a redo.
//  4. Skip flags are then resolved against the tool's declared
//     upstream dependency.
//
// Evaluate assumes the options already passed the tool's
// ValidateOptions; callers check that first so a flag the tool rejects
// fails loudly instead of resolving to a skip.
func Evaluate(req tool.Request, t tool.Tool, probe bids.Probe) Verdict {
	opts := req.Options

	if opts.UsePrecomputed && opts.SkipDerived {
		return blocked("conflicting skip flags: use-precomputed and skip-derived are mutually exclusive")
	}

	if err := t.CheckRequirements(probe, req); err != nil {
		return blocked("%v", err)
	}

	if !opts.ForceRedo {
		if path, ok := probe.Output(req.Tool, req.Version, req.Participant, req.Session); ok {
			return Verdict{
				Decision: SkipAlreadyDone,
				Reason:   fmt.Sprintf("completed output already exists at %s", path),
			}
		}
	}

	dep := t.Dependency()
	if dep == nil {
		if opts.UsePrecomputed || opts.SkipDerived {
			return blocked("%s has no upstream stage; skip flags do not apply", req.Tool)
		}
		return Verdict{Decision: Proceed}
	}

	if opts.SkipDerived {
		return Verdict{
			Decision: SkipAlreadyDone,
			Reason:   "derived intermediates declared present; upstream and extraction stages skipped",
		}
	}

	if opts.UsePrecomputed {
		path, ok := probe.Output(dep.Tool, dep.Version, req.Participant, req.Session)
		if !ok {
			return blocked("missing precomputed artifact: no %s from %s %s for participant %s",
				dep.Artifact, dep.Tool, dep.Version, req.Participant)
		}
		return Verdict{
			Decision:     SkipUsePrecomputed,
			Reason:       fmt.Sprintf("reusing %s from %s", dep.Artifact, path),
			UpstreamPath: path,
		}
	}

	return Verdict{Decision: Proceed}
}
