package bids

import (
	"os"
	"path/filepath"
	"testing"
)

// writeFile creates a file (and parent dirs) with trivial content.
func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
}

func TestHasRaw_SubjectLevel(t *testing.T) {
	rawdata := t.TempDir()
	writeFile(t, filepath.Join(rawdata, "sub-01", "anat", "sub-01_T1w.nii.gz"))

	probe := NewFSProbe(rawdata, t.TempDir())

	if !probe.HasRaw("01", "", T1w) {
		t.Error("HasRaw should find subject-level T1w")
	}
	if probe.HasRaw("01", "", Dwi) {
		t.Error("HasRaw should not report DWI when only anat exists")
	}
	if probe.HasRaw("02", "", T1w) {
		t.Error("HasRaw should not report data for another participant")
	}
}

func TestHasRaw_SessionLevel(t *testing.T) {
	rawdata := t.TempDir()
	writeFile(t, filepath.Join(rawdata, "sub-01", "ses-pre", "func", "sub-01_ses-pre_task-rest_bold.nii.gz"))

	probe := NewFSProbe(rawdata, t.TempDir())

	if !probe.HasRaw("01", "pre", Bold) {
		t.Error("HasRaw should find BOLD in the requested session")
	}
	if probe.HasRaw("01", "post", Bold) {
		t.Error("HasRaw should not find BOLD in a different session")
	}
	// Without a session qualifier, any session should match.
	if !probe.HasRaw("01", "", Bold) {
		t.Error("HasRaw without session should search all sessions")
	}
}

func TestOutput_WellFormed(t *testing.T) {
	derivatives := t.TempDir()
	probe := NewFSProbe(t.TempDir(), derivatives)

	// Missing entirely.
	if _, ok := probe.Output("freesurfer", "7.4.1", "01", ""); ok {
		t.Error("Output should be absent before any run")
	}

	// Empty directory is not well-formed.
	outDir := OutputDir(derivatives, "freesurfer", "7.4.1", "01", "")
	if err := os.MkdirAll(outDir, 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if _, ok := probe.Output("freesurfer", "7.4.1", "01", ""); ok {
		t.Error("empty output directory should not count as completed")
	}

	// Non-empty directory is well-formed.
	writeFile(t, filepath.Join(outDir, "surf", "lh.white"))
	path, ok := probe.Output("freesurfer", "7.4.1", "01", "")
	if !ok {
		t.Error("non-empty output directory should count as completed")
	}
	if path != outDir {
		t.Errorf("Output path = %q, want %q", path, outDir)
	}

	// A different version does not match.
	if _, ok := probe.Output("freesurfer", "7.2.0", "01", ""); ok {
		t.Error("output at another version should not match")
	}
}

func TestOutputDir_Deterministic(t *testing.T) {
	tests := []struct {
		tool, version, participant, session string
		want                                string
	}{
		{"freesurfer", "7.4.1", "01", "", "freesurfer_7.4.1/sub-01"},
		{"meldgraph", "2.2.3", "epi17", "pre", "meldgraph_2.2.3/sub-epi17_ses-pre"},
	}

	for _, tt := range tests {
		got := OutputDir("/derivatives", tt.tool, tt.version, tt.participant, tt.session)
		want := filepath.Join("/derivatives", tt.want)
		if got != want {
			t.Errorf("OutputDir(%s, %s) = %q, want %q", tt.tool, tt.participant, got, want)
		}
	}
}

func TestReadParticipants(t *testing.T) {
	rawdata := t.TempDir()
	tsv := "participant_id\tage\tsex\tgroup\nsub-01\t34\tF\tpatient\nsub-02\t28\tM\tcontrol\n"
	if err := os.WriteFile(filepath.Join(rawdata, "participants.tsv"), []byte(tsv), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	participants, err := ReadParticipants(rawdata)
	if err != nil {
		t.Fatalf("ReadParticipants failed: %v", err)
	}
	if len(participants) != 2 {
		t.Fatalf("got %d participants, want 2", len(participants))
	}
	if participants[0].ID != "sub-01" || participants[0].Group != "patient" {
		t.Errorf("first participant = %+v", participants[0])
	}

	labels := Labels(participants)
	if labels[0] != "01" || labels[1] != "02" {
		t.Errorf("Labels = %v, want [01 02]", labels)
	}
}

func TestReadParticipants_MissingColumns(t *testing.T) {
	rawdata := t.TempDir()
	tsv := "participant_id\nsub-01\n"
	if err := os.WriteFile(filepath.Join(rawdata, "participants.tsv"), []byte(tsv), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	participants, err := ReadParticipants(rawdata)
	if err != nil {
		t.Fatalf("ReadParticipants failed: %v", err)
	}
	if participants[0].Age != "" || participants[0].Sex != "" {
		t.Errorf("optional columns should be empty, got %+v", participants[0])
	}
}

func TestReadParticipants_NoIDColumn(t *testing.T) {
	rawdata := t.TempDir()
	tsv := "subject\tage\ns01\t34\n"
	if err := os.WriteFile(filepath.Join(rawdata, "participants.tsv"), []byte(tsv), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := ReadParticipants(rawdata); err == nil {
		t.Error("ReadParticipants should reject a file without participant_id")
	}
}
