package tool

import (
	"fmt"
	"strconv"

	"github.com/bidsflow/bidsflow/internal/bids"
)

// FMRIPrep runs functional MRI preprocessing. It can reuse a
// precomputed FreeSurfer reconstruction instead of running its own.
type FMRIPrep struct{}

func (t *FMRIPrep) Name() string        { return "fmriprep" }
func (t *FMRIPrep) Description() string { return "fMRIPrep functional MRI preprocessing" }

func (t *FMRIPrep) DefaultVersion() string { return DefaultFMRIPrepVersion }
func (t *FMRIPrep) RequiresGPU() bool      { return false }

func (t *FMRIPrep) Dependency() *Dependency {
	return &Dependency{
		Tool:       "freesurfer",
		Version:    DefaultFreeSurferVersion,
		Artifact:   "reconstructed surfaces",
		MountPoint: "/opt/fs-subjects",
	}
}

func (t *FMRIPrep) ValidateOptions(opts Options) error {
	if opts.SkipDerived {
		return fmt.Errorf("%w: fmriprep produces no derived intermediates to skip", ErrInvalidOptions)
	}
	if opts.NProcs < 0 {
		return fmt.Errorf("%w: nprocs must be non-negative", ErrInvalidOptions)
	}
	return nil
}

func (t *FMRIPrep) CheckRequirements(probe bids.Probe, req Request) error {
	if !probe.HasRaw(req.Participant, req.Session, bids.T1w) {
		return fmt.Errorf("no T1w anatomical image for participant %s", req.Participant)
	}
	if !probe.HasRaw(req.Participant, req.Session, bids.Bold) {
		return fmt.Errorf("no BOLD functional data for participant %s", req.Participant)
	}
	return nil
}

func (t *FMRIPrep) OutputDir(derivatives string, req Request) string {
	return bids.OutputDir(derivatives, t.Name(), req.Version, req.Participant, req.Session)
}

func (t *FMRIPrep) BuildCommand(req Request, paths Paths) (Command, error) {
	args := []string{
		ContainerRawdata,
		t.OutputDir(ContainerDerivatives, req),
		"participant",
		"--participant-label", req.Participant,
		"--nprocs", strconv.Itoa(nprocs(req.Options)),
	}

	var binds []Bind
	if paths.FSLicense != "" {
		args = append(args, "--fs-license-file", ContainerFSLicense)
		binds = append(binds, Bind{Host: paths.FSLicense, Container: ContainerFSLicense, ReadOnly: true})
	}

	if req.Options.UsePrecomputed {
		// The job builder mounts the verified reconstruction tree at
		// the dependency mount point.
		args = append(args, "--fs-subjects-dir", t.Dependency().MountPoint)
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
func (t *FMRIPrep) ScriptDirectives(req Request) []string {
	return []string{fmt.Sprintf("#SBATCH --cpus-per-task=%d", nprocs(req.Options))}
}

func nprocs(opts Options) int {
	if opts.NProcs > 0 {
		return opts.NProcs
	}
	return defaultNProcs
}
