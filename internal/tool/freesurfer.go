package tool

import (
	"fmt"

	"github.com/bidsflow/bidsflow/internal/bids"
)

// FreeSurfer runs cortical surface reconstruction. It is the root of
// the dependency chain: lesion detection and functional preprocessing
// can both reuse its output.
type FreeSurfer struct{}

func (t *FreeSurfer) Name() string        { return "freesurfer" }
func (t *FreeSurfer) Description() string { return "FreeSurfer cortical surface reconstruction" }

func (t *FreeSurfer) DefaultVersion() string { return DefaultFreeSurferVersion }
func (t *FreeSurfer) RequiresGPU() bool      { return false }

// Dependency returns nil: reconstruction is the upstream stage.
func (t *FreeSurfer) Dependency() *Dependency { return nil }

func (t *FreeSurfer) ValidateOptions(opts Options) error {
	if opts.UsePrecomputed {
		return fmt.Errorf("%w: freesurfer has no upstream stage to reuse", ErrInvalidOptions)
	}
	if opts.SkipDerived {
		return fmt.Errorf("%w: freesurfer produces no derived intermediates to skip", ErrInvalidOptions)
	}
	return nil
}

func (t *FreeSurfer) CheckRequirements(probe bids.Probe, req Request) error {
	if !probe.HasRaw(req.Participant, req.Session, bids.T1w) {
		return fmt.Errorf("no T1w anatomical image for participant %s", req.Participant)
	}
	return nil
}

func (t *FreeSurfer) OutputDir(derivatives string, req Request) string {
	return bids.OutputDir(derivatives, t.Name(), req.Version, req.Participant, req.Session)
}

func (t *FreeSurfer) BuildCommand(req Request, paths Paths) (Command, error) {
	args := []string{
		ContainerRawdata,
		t.OutputDir(ContainerDerivatives, req),
		"participant",
		"--participant-label", req.Participant,
	}

	var binds []Bind
	if paths.FSLicense != "" {
		args = append(args, "--license-file", ContainerFSLicense)
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
