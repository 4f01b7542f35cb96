package tool

import (
	"fmt"
	"strconv"

	"github.com/bidsflow/bidsflow/internal/bids"
)

// QSIPrep runs diffusion MRI preprocessing: motion and eddy current
// correction, distortion correction, and resampling to the requested
// output resolution.
type QSIPrep struct{}

func (t *QSIPrep) Name() string        { return "qsiprep" }
func (t *QSIPrep) Description() string { return "QSIPrep diffusion MRI preprocessing" }

func (t *QSIPrep) DefaultVersion() string { return DefaultQSIPrepVersion }
func (t *QSIPrep) RequiresGPU() bool      { return false }

func (t *QSIPrep) Dependency() *Dependency { return nil }

func (t *QSIPrep) ValidateOptions(opts Options) error {
	if opts.OutputResolution <= 0 {
		return fmt.Errorf("%w: qsiprep requires a positive --output-resolution", ErrInvalidOptions)
	}
	if opts.UsePrecomputed {
		return fmt.Errorf("%w: qsiprep has no upstream stage to reuse", ErrInvalidOptions)
	}
	if opts.SkipDerived {
		return fmt.Errorf("%w: qsiprep produces no derived intermediates to skip", ErrInvalidOptions)
	}
	if opts.NProcs < 0 {
		return fmt.Errorf("%w: nprocs must be non-negative", ErrInvalidOptions)
	}
	return nil
}

func (t *QSIPrep) CheckRequirements(probe bids.Probe, req Request) error {
	if !probe.HasRaw(req.Participant, req.Session, bids.Dwi) {
		return fmt.Errorf("no DWI data for participant %s", req.Participant)
	}
	if !req.Options.DWIOnly && !probe.HasRaw(req.Participant, req.Session, bids.T1w) {
		return fmt.Errorf("no T1w anatomical image for participant %s (use --dwi-only to waive)", req.Participant)
	}
	return nil
}

func (t *QSIPrep) OutputDir(derivatives string, req Request) string {
	return bids.OutputDir(derivatives, t.Name(), req.Version, req.Participant, req.Session)
}

func (t *QSIPrep) BuildCommand(req Request, paths Paths) (Command, error) {
	args := []string{
		ContainerRawdata,
		t.OutputDir(ContainerDerivatives, req),
		"participant",
		"--participant-label", req.Participant,
		"--output-resolution", strconv.FormatFloat(req.Options.OutputResolution, 'g', -1, 64),
		"--nprocs", strconv.Itoa(nprocs(req.Options)),
	}

	if req.Options.DWIOnly {
		args = append(args, "--dwi-only")
	}

	var binds []Bind
	if paths.FSLicense != "" {
		args = append(args, "--fs-license-file", ContainerFSLicense)
		binds = append(binds, Bind{Host: paths.FSLicense, Container: ContainerFSLicense, ReadOnly: true})
	}

	args = append(args, req.Options.Passthrough...)

	return Command{
		Mode:  "run",
		GPU:   false,
		Binds: binds,
		Args:  args,
	}, nil
}

// ScriptDirectives requests one CPU per worker process on the cluster.
func (t *QSIPrep) ScriptDirectives(req Request) []string {
	return []string{fmt.Sprintf("#SBATCH --cpus-per-task=%d", nprocs(req.Options))}
}
