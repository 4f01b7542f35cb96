package resolve

import (
	"strings"
	"testing"

	"github.com/bidsflow/bidsflow/internal/bids"
	"github.com/bidsflow/bidsflow/internal/tool"
)

// fakeProbe reports configurable raw data and output trees.
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

func allRaw() map[bids.Suffix]bool {
	return map[bids.Suffix]bool{bids.T1w: true, bids.Bold: true, bids.Dwi: true}
}

func request(t tool.Tool, opts tool.Options) tool.Request {
	return tool.Request{
		Dataset:     "ds1",
		Participant: "01",
		Tool:        t.Name(),
		Version:     t.DefaultVersion(),
		Options:     opts,
	}
}

func TestEvaluate_NoDependencyNeverSkips(t *testing.T) {
	// Tools with no declared dependency only ever Proceed or get
	// Blocked for missing raw input.
	tools := []tool.Tool{&tool.FreeSurfer{}, &tool.QSIPrep{}}

	for _, tl := range tools {
		t.Run(tl.Name()+" proceeds", func(t *testing.T) {
			probe := &fakeProbe{raw: allRaw()}
			v := Evaluate(request(tl, tool.Options{OutputResolution: 1.6}), tl, probe)
			if v.Decision != Proceed {
				t.Errorf("Decision = %v, want Proceed (%s)", v.Decision, v.Reason)
			}
		})
		t.Run(tl.Name()+" blocked without raw input", func(t *testing.T) {
			probe := &fakeProbe{raw: map[bids.Suffix]bool{}}
			v := Evaluate(request(tl, tool.Options{OutputResolution: 1.6}), tl, probe)
			if v.Decision != Blocked {
				t.Errorf("Decision = %v, want Blocked", v.Decision)
			}
		})
	}
}

func TestEvaluate_ConflictingSkipFlags(t *testing.T) {
	mg := &tool.MeldGraph{}
	opts := tool.Options{UsePrecomputed: true, SkipDerived: true}

	// Blocked regardless of artifact presence.
	probes := []*fakeProbe{
		{raw: allRaw()},
		{raw: allRaw(), outputs: map[string]string{
			"freesurfer " + tool.DefaultFreeSurferVersion: "/d/freesurfer_7.4.1/sub-01",
		}},
		{raw: map[bids.Suffix]bool{}},
	}

	for i, probe := range probes {
		v := Evaluate(request(mg, opts), mg, probe)
		if v.Decision != Blocked {
			t.Errorf("probe %d: Decision = %v, want Blocked", i, v.Decision)
		}
		if !strings.Contains(v.Reason, "conflicting skip flags") {
			t.Errorf("probe %d: Reason = %q", i, v.Reason)
		}
	}
}

func TestEvaluate_IdempotentRerun(t *testing.T) {
	fs := &tool.FreeSurfer{}
	probe := &fakeProbe{
		raw: allRaw(),
		outputs: map[string]string{
			"freesurfer " + tool.DefaultFreeSurferVersion: "/d/freesurfer_7.4.1/sub-01",
		},
	}

	// Existing output at the exact version skips, even with no flags.
	v := Evaluate(request(fs, tool.Options{}), fs, probe)
	if v.Decision != SkipAlreadyDone {
		t.Errorf("Decision = %v, want SkipAlreadyDone", v.Decision)
	}

	// Explicit override redoes the work.
	v = Evaluate(request(fs, tool.Options{ForceRedo: true}), fs, probe)
	if v.Decision != Proceed {
		t.Errorf("with ForceRedo: Decision = %v, want Proceed", v.Decision)
	}
}

func TestEvaluate_MissingRawInputBeatsSkipFlags(t *testing.T) {
	mg := &tool.MeldGraph{}
	probe := &fakeProbe{
		raw: map[bids.Suffix]bool{}, // no anatomical scan at all
		outputs: map[string]string{
			"freesurfer " + tool.DefaultFreeSurferVersion: "/d/freesurfer_7.4.1/sub-01",
		},
	}

	for _, opts := range []tool.Options{
		{UsePrecomputed: true},
		{SkipDerived: true},
		{},
	} {
		v := Evaluate(request(mg, opts), mg, probe)
		if v.Decision != Blocked {
			t.Errorf("opts %+v: Decision = %v, want Blocked", opts, v.Decision)
		}
	}
}

func TestEvaluate_UsePrecomputed(t *testing.T) {
	mg := &tool.MeldGraph{}
	upstream := "/d/freesurfer_" + tool.DefaultFreeSurferVersion + "/sub-01"

	// Present: skip upstream, carry the verified path.
	probe := &fakeProbe{
		raw: allRaw(),
		outputs: map[string]string{
			"freesurfer " + tool.DefaultFreeSurferVersion: upstream,
		},
	}

	v := Evaluate(request(mg, tool.Options{UsePrecomputed: true}), mg, probe)
	if v.Decision != SkipUsePrecomputed {
		t.Fatalf("Decision = %v, want SkipUsePrecomputed (%s)", v.Decision, v.Reason)
	}
	if v.UpstreamPath != upstream {
		t.Errorf("UpstreamPath = %q, want %q", v.UpstreamPath, upstream)
	}

	// Absent: blocked with a missing-artifact reason.
	probe = &fakeProbe{raw: allRaw()}
	v = Evaluate(request(mg, tool.Options{UsePrecomputed: true}), mg, probe)
	if v.Decision != Blocked {
		t.Fatalf("Decision = %v, want Blocked", v.Decision)
	}
	if !strings.Contains(v.Reason, "missing precomputed artifact") {
		t.Errorf("Reason = %q", v.Reason)
	}
}

func TestEvaluate_SkipDerived(t *testing.T) {
	mg := &tool.MeldGraph{}
	probe := &fakeProbe{raw: allRaw()}

	v := Evaluate(request(mg, tool.Options{SkipDerived: true}), mg, probe)
	if v.Decision != SkipAlreadyDone {
		t.Errorf("Decision = %v, want SkipAlreadyDone", v.Decision)
	}
}

func TestEvaluate_DependencyWithoutFlagsProceeds(t *testing.T) {
	// A dependent tool with no skip flags runs its full pipeline,
	// upstream stage included.
	mg := &tool.MeldGraph{}
	probe := &fakeProbe{raw: allRaw()}

	v := Evaluate(request(mg, tool.Options{}), mg, probe)
	if v.Decision != Proceed {
		t.Errorf("Decision = %v, want Proceed (%s)", v.Decision, v.Reason)
	}
	if v.UpstreamPath != "" {
		t.Errorf("UpstreamPath = %q, want empty", v.UpstreamPath)
	}
}

func TestEvaluate_SkipFlagsOnNoDependencyTool(t *testing.T) {
	fs := &tool.FreeSurfer{}
	probe := &fakeProbe{raw: allRaw()}

	for _, opts := range []tool.Options{{UsePrecomputed: true}, {SkipDerived: true}} {
		v := Evaluate(request(fs, opts), fs, probe)
		if v.Decision != Blocked {
			t.Errorf("opts %+v: Decision = %v, want Blocked", opts, v.Decision)
		}
	}
}

func TestDecision_String(t *testing.T) {
	tests := []struct {
		d    Decision
		want string
	}{
		{Proceed, "proceed"},
		{SkipAlreadyDone, "skip-already-done"},
		{SkipUsePrecomputed, "skip-use-precomputed"},
		{Blocked, "blocked"},
		{Decision(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.d.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.d, got, tt.want)
		}
	}
}
