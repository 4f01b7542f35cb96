package tool

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bidsflow/bidsflow/internal/bids"
)

// meldLicenseMount is where the MELD container expects the FreeSurfer
// license.
const meldLicenseMount = "/license.txt"

// MeldGraph runs MELD lesion detection. It depends on a FreeSurfer
// reconstruction: either its own (full pipeline), a precomputed one
// (UsePrecomputed), or already-extracted surface features
// (SkipDerived).
type MeldGraph struct{}

func (t *MeldGraph) Name() string        { return "meldgraph" }
func (t *MeldGraph) Description() string { return "MELD graph-based epilepsy lesion detection" }

func (t *MeldGraph) DefaultVersion() string { return DefaultMeldGraphVersion }
func (t *MeldGraph) RequiresGPU() bool      { return true }

func (t *MeldGraph) Dependency() *Dependency {
	return &Dependency{
		Tool:       "freesurfer",
		Version:    DefaultFreeSurferVersion,
		Artifact:   "reconstructed surfaces",
		MountPoint: "/data/output/fs_outputs",
	}
}

func (t *MeldGraph) ValidateOptions(opts Options) error {
	if opts.HarmoCode != "" && strings.ContainsAny(opts.HarmoCode, " \t") {
		return fmt.Errorf("%w: harmonization code must not contain whitespace", ErrInvalidOptions)
	}
	return nil
}

func (t *MeldGraph) CheckRequirements(probe bids.Probe, req Request) error {
	if !probe.HasRaw(req.Participant, req.Session, bids.T1w) {
		return fmt.Errorf("no T1w anatomical image for participant %s", req.Participant)
	}
	return nil
}

func (t *MeldGraph) OutputDir(derivatives string, req Request) string {
	return bids.OutputDir(derivatives, t.Name(), req.Version, req.Participant, req.Session)
}

func (t *MeldGraph) BuildCommand(req Request, paths Paths) (Command, error) {
	if paths.FSLicense == "" {
		return Command{}, fmt.Errorf("meldgraph requires a FreeSurfer license (set paths.fs_license)")
	}

	env := map[string]string{
		"FS_LICENSE": meldLicenseMount,
	}
	if req.Options.NoGPU {
		env["CUDA_VISIBLE_DEVICES"] = ""
	} else {
		env["PYTORCH_CUDA_ALLOC_CONF"] = "max_split_size_mb:128,garbage_collection_threshold:0.6,expandable_segments:True"
		env["CUDA_LAUNCH_BLOCKING"] = "1"
	}

	pipeline := []string{
		"cd /app &&",
		"python scripts/new_patient_pipeline/new_pt_pipeline.py",
		"-id", "sub-" + req.Participant,
	}
	if req.Options.HarmoCode != "" {
		pipeline = append(pipeline, "-harmo_code", req.Options.HarmoCode)
	}
	pipeline = append(pipeline, req.Options.Passthrough...)

	binds := []Bind{
		// The MELD pipeline works inside its own data tree, rooted at
		// the tool's versioned output directory.
		{Host: t.OutputDir(paths.Derivatives, req), Container: "/data", ReadOnly: false},
		{Host: paths.FSLicense, Container: meldLicenseMount, ReadOnly: true},
	}

	return Command{
		Mode:  "exec",
		GPU:   !req.Options.NoGPU,
		Binds: binds,
		Env:   env,
		Args:  []string{"/bin/bash", "-c", strings.Join(pipeline, " ")},
	}, nil
}

// Prepare writes the demographics sheet the MELD pipeline expects,
// derived from the dataset's participants.tsv. Runs before local
// dispatch; a failure here fails the participant, not the batch.
func (t *MeldGraph) Prepare(req Request, paths Paths) error {
	participants, err := bids.ReadParticipants(paths.Rawdata)
	if err != nil {
		return fmt.Errorf("demographics: %w", err)
	}

	var match *bids.Participant
	for i := range participants {
		if participants[i].ID == "sub-"+req.Participant {
			match = &participants[i]
			break
		}
	}
	if match == nil {
		return fmt.Errorf("demographics: participant sub-%s not in participants.tsv", req.Participant)
	}

	outDir := t.OutputDir(paths.Derivatives, req)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("demographics: %w", err)
	}

	f, err := os.Create(filepath.Join(outDir, "demographics.csv"))
	if err != nil {
		return fmt.Errorf("demographics: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	rows := [][]string{
		{"ID", "Harmo code", "Group", "Age at preoperative", "Sex"},
		{match.ID, req.Options.HarmoCode, normalizeGroup(match.Group), match.Age, normalizeSex(match.Sex)},
	}
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("demographics: %w", err)
	}
	return nil
}

// ScriptDirectives pins the job to a single task; GPU resources come
// from the standard header.
func (t *MeldGraph) ScriptDirectives(req Request) []string {
	return []string{"#SBATCH --ntasks=1"}
}

func normalizeGroup(group string) string {
	switch strings.ToLower(group) {
	case "patient", "control":
		return strings.ToLower(group)
	default:
		// MELD only distinguishes patients from controls; anything
		// else is treated as a patient to be scored.
		return "patient"
	}
}

func normalizeSex(sex string) string {
	switch strings.ToLower(sex) {
	case "m", "male":
		return "male"
	case "f", "female":
		return "female"
	default:
		return sex
	}
}
