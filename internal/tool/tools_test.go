package tool

import (
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bidsflow/bidsflow/internal/bids"
)

// =============================================================================
// Test Helpers
// =============================================================================

// fakeProbe reports fixed raw-data availability.
type fakeProbe struct {
	raw     map[bids.Suffix]bool
	outputs map[string]string // "tool version" -> path
}

func (p *fakeProbe) HasRaw(participant, session string, suffix bids.Suffix) bool {
	return p.raw[suffix]
}

func (p *fakeProbe) Output(tool, version, participant, session string) (string, bool) {
	path, ok := p.outputs[tool+" "+version]
	return path, ok
}

func testRequest(toolName, version string, opts Options) Request {
	return Request{
		Dataset:     "ds1",
		Participant: "01",
		Tool:        toolName,
		Version:     version,
		Options:     opts,
	}
}

func hasArg(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}

// =============================================================================
// Option Validation
// =============================================================================

func TestValidateOptions(t *testing.T) {
	tests := []struct {
		name    string
		tool    Tool
		opts    Options
		invalid bool
	}{
		{"freesurfer defaults", &FreeSurfer{}, Options{}, false},
		{"freesurfer rejects use-precomputed", &FreeSurfer{}, Options{UsePrecomputed: true}, true},
		{"freesurfer rejects skip-derived", &FreeSurfer{}, Options{SkipDerived: true}, true},
		{"fmriprep accepts use-precomputed", &FMRIPrep{}, Options{UsePrecomputed: true}, false},
		{"fmriprep rejects skip-derived", &FMRIPrep{}, Options{SkipDerived: true}, true},
		{"qsiprep requires output resolution", &QSIPrep{}, Options{}, true},
		{"qsiprep with resolution", &QSIPrep{}, Options{OutputResolution: 1.6}, false},
		{"qsiprep rejects negative resolution", &QSIPrep{}, Options{OutputResolution: -1}, true},
		{"meldgraph defaults", &MeldGraph{}, Options{}, false},
		{"meldgraph rejects whitespace harmo code", &MeldGraph{}, Options{HarmoCode: "H 1"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tool.ValidateOptions(tt.opts)
			if tt.invalid && !errors.Is(err, ErrInvalidOptions) {
				t.Errorf("ValidateOptions = %v, want ErrInvalidOptions", err)
			}
			if !tt.invalid && err != nil {
				t.Errorf("ValidateOptions failed unexpectedly: %v", err)
			}
		})
	}
}

// =============================================================================
// Requirement Checks
// =============================================================================

func TestCheckRequirements(t *testing.T) {
	tests := []struct {
		name string
		tool Tool
		opts Options
		raw  map[bids.Suffix]bool
		ok   bool
	}{
		{"freesurfer with T1w", &FreeSurfer{}, Options{}, map[bids.Suffix]bool{bids.T1w: true}, true},
		{"freesurfer without T1w", &FreeSurfer{}, Options{}, map[bids.Suffix]bool{}, false},
		{"fmriprep needs T1w and BOLD", &FMRIPrep{}, Options{}, map[bids.Suffix]bool{bids.T1w: true}, false},
		{"fmriprep complete", &FMRIPrep{}, Options{}, map[bids.Suffix]bool{bids.T1w: true, bids.Bold: true}, true},
		{"qsiprep needs DWI", &QSIPrep{}, Options{OutputResolution: 1.6}, map[bids.Suffix]bool{bids.T1w: true}, false},
		{"qsiprep needs anat", &QSIPrep{}, Options{OutputResolution: 1.6}, map[bids.Suffix]bool{bids.Dwi: true}, false},
		{"qsiprep dwi-only waives anat", &QSIPrep{}, Options{OutputResolution: 1.6, DWIOnly: true}, map[bids.Suffix]bool{bids.Dwi: true}, true},
		{"meldgraph needs T1w", &MeldGraph{}, Options{}, map[bids.Suffix]bool{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			probe := &fakeProbe{raw: tt.raw}
			req := testRequest(tt.tool.Name(), tt.tool.DefaultVersion(), tt.opts)

			err := tt.tool.CheckRequirements(probe, req)
			if tt.ok && err != nil {
				t.Errorf("CheckRequirements failed: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("CheckRequirements should have failed")
			}
		})
	}
}

// =============================================================================
// Command Construction
// =============================================================================

func TestFreeSurfer_BuildCommand(t *testing.T) {
	fs := &FreeSurfer{}
	req := testRequest("freesurfer", "7.4.1", Options{Passthrough: []string{"--3T", "--cw256"}})
	paths := Paths{Rawdata: "/data/raw", Derivatives: "/data/deriv", FSLicense: "/opt/license.txt"}

	cmd, err := fs.BuildCommand(req, paths)
	if err != nil {
		t.Fatalf("BuildCommand failed: %v", err)
	}

	if cmd.Mode != "run" {
		t.Errorf("Mode = %q, want run", cmd.Mode)
	}
	if cmd.Args[0] != ContainerRawdata {
		t.Errorf("first arg = %q, want %q", cmd.Args[0], ContainerRawdata)
	}
	if cmd.Args[1] != "/derivatives/freesurfer_7.4.1/sub-01" {
		t.Errorf("output arg = %q", cmd.Args[1])
	}

	// Passthrough args appended verbatim, in order, at the end.
	n := len(cmd.Args)
	if cmd.Args[n-2] != "--3T" || cmd.Args[n-1] != "--cw256" {
		t.Errorf("passthrough args not preserved: %v", cmd.Args[n-2:])
	}

	// License bind present and read-only.
	if len(cmd.Binds) != 1 || !cmd.Binds[0].ReadOnly || cmd.Binds[0].Host != "/opt/license.txt" {
		t.Errorf("license bind wrong: %+v", cmd.Binds)
	}
}

func TestFMRIPrep_BuildCommand_UsePrecomputed(t *testing.T) {
	fp := &FMRIPrep{}
	req := testRequest("fmriprep", "23.2.1", Options{UsePrecomputed: true})
	paths := Paths{Rawdata: "/data/raw", Derivatives: "/data/deriv"}

	cmd, err := fp.BuildCommand(req, paths)
	if err != nil {
		t.Fatalf("BuildCommand failed: %v", err)
	}

	if !hasArg(cmd.Args, "--fs-subjects-dir") {
		t.Error("command should reference the precomputed subjects dir")
	}
	if !hasArg(cmd.Args, fp.Dependency().MountPoint) {
		t.Errorf("command should point at dependency mount %q", fp.Dependency().MountPoint)
	}
}

func TestQSIPrep_BuildCommand(t *testing.T) {
	qp := &QSIPrep{}
	req := testRequest("qsiprep", "0.21.4", Options{OutputResolution: 1.25, NProcs: 4, DWIOnly: true})

	cmd, err := qp.BuildCommand(req, Paths{})
	if err != nil {
		t.Fatalf("BuildCommand failed: %v", err)
	}

	if !hasArg(cmd.Args, "--output-resolution") || !hasArg(cmd.Args, "1.25") {
		t.Errorf("output resolution missing from args: %v", cmd.Args)
	}
	if !hasArg(cmd.Args, "--dwi-only") {
		t.Error("--dwi-only missing from args")
	}

	directives := qp.ScriptDirectives(req)
	if len(directives) != 1 || !strings.Contains(directives[0], "--cpus-per-task=4") {
		t.Errorf("ScriptDirectives = %v", directives)
	}
}

func TestMeldGraph_BuildCommand(t *testing.T) {
	mg := &MeldGraph{}
	req := testRequest("meldgraph", "2.2.3", Options{HarmoCode: "H1"})
	paths := Paths{Rawdata: "/data/raw", Derivatives: "/data/deriv", FSLicense: "/opt/license.txt"}

	cmd, err := mg.BuildCommand(req, paths)
	if err != nil {
		t.Fatalf("BuildCommand failed: %v", err)
	}

	if cmd.Mode != "exec" {
		t.Errorf("Mode = %q, want exec", cmd.Mode)
	}
	if !cmd.GPU {
		t.Error("GPU should default to enabled")
	}
	if cmd.Env["FS_LICENSE"] != meldLicenseMount {
		t.Errorf("FS_LICENSE = %q", cmd.Env["FS_LICENSE"])
	}

	script := cmd.Args[len(cmd.Args)-1]
	if !strings.Contains(script, "-id sub-01") {
		t.Errorf("pipeline invocation missing participant: %q", script)
	}
	if !strings.Contains(script, "-harmo_code H1") {
		t.Errorf("pipeline invocation missing harmo code: %q", script)
	}

	// The MELD data tree mounts at /data read-write.
	found := false
	for _, b := range cmd.Binds {
		if b.Container == "/data" && !b.ReadOnly {
			found = true
			if b.Host != "/data/deriv/meldgraph_2.2.3/sub-01" {
				t.Errorf("data bind host = %q", b.Host)
			}
		}
	}
	if !found {
		t.Errorf("no read-write /data bind in %+v", cmd.Binds)
	}
}

func TestMeldGraph_BuildCommand_NoGPU(t *testing.T) {
	mg := &MeldGraph{}
	req := testRequest("meldgraph", "2.2.3", Options{NoGPU: true})
	paths := Paths{Derivatives: "/d", FSLicense: "/l.txt"}

	cmd, err := mg.BuildCommand(req, paths)
	if err != nil {
		t.Fatalf("BuildCommand failed: %v", err)
	}
	if cmd.GPU {
		t.Error("GPU should be disabled with NoGPU")
	}
	if v, ok := cmd.Env["CUDA_VISIBLE_DEVICES"]; !ok || v != "" {
		t.Errorf("CUDA_VISIBLE_DEVICES = %q, want empty override", v)
	}
}

func TestMeldGraph_BuildCommand_RequiresLicense(t *testing.T) {
	mg := &MeldGraph{}
	req := testRequest("meldgraph", "2.2.3", Options{})

	if _, err := mg.BuildCommand(req, Paths{Derivatives: "/d"}); err == nil {
		t.Error("BuildCommand should fail without a FreeSurfer license")
	}
}

// =============================================================================
// Demographics Preparer
// =============================================================================

func TestMeldGraph_Prepare(t *testing.T) {
	rawdata := t.TempDir()
	derivatives := t.TempDir()

	tsv := "participant_id\tage\tsex\tgroup\nsub-01\t34\tF\tpatient\nsub-02\t28\tM\tcontrol\n"
	if err := os.WriteFile(filepath.Join(rawdata, "participants.tsv"), []byte(tsv), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	mg := &MeldGraph{}
	req := testRequest("meldgraph", "2.2.3", Options{HarmoCode: "H2"})
	paths := Paths{Rawdata: rawdata, Derivatives: derivatives, FSLicense: "/l.txt"}

	if err := mg.Prepare(req, paths); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	f, err := os.Open(filepath.Join(mg.OutputDir(derivatives, req), "demographics.csv"))
	if err != nil {
		t.Fatalf("demographics.csv not written: %v", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("failed to parse demographics.csv: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[1][0] != "sub-01" || rows[1][1] != "H2" || rows[1][2] != "patient" || rows[1][4] != "female" {
		t.Errorf("demographics row = %v", rows[1])
	}
}

func TestMeldGraph_Prepare_UnknownParticipant(t *testing.T) {
	rawdata := t.TempDir()
	tsv := "participant_id\nsub-02\n"
	if err := os.WriteFile(filepath.Join(rawdata, "participants.tsv"), []byte(tsv), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	mg := &MeldGraph{}
	req := testRequest("meldgraph", "2.2.3", Options{})
	paths := Paths{Rawdata: rawdata, Derivatives: t.TempDir()}

	if err := mg.Prepare(req, paths); err == nil {
		t.Error("Prepare should fail for a participant missing from participants.tsv")
	}
}
