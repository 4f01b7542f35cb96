package tool

import (
	"errors"
	"testing"
)

func TestRegistry_RegisterAndResolve(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(&FreeSurfer{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	got, err := r.Resolve("freesurfer")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got.Name() != "freesurfer" {
		t.Errorf("resolved tool name = %q, want freesurfer", got.Name())
	}
}

func TestRegistry_DuplicateTool(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(&FreeSurfer{}); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}

	err := r.Register(&FreeSurfer{})
	if !errors.Is(err, ErrDuplicateTool) {
		t.Errorf("second Register error = %v, want ErrDuplicateTool", err)
	}
}

func TestRegistry_UnknownTool(t *testing.T) {
	r := NewRegistry()

	_, err := r.Resolve("spm")
	if !errors.Is(err, ErrUnknownTool) {
		t.Errorf("Resolve error = %v, want ErrUnknownTool", err)
	}
}

func TestRegisterBuiltins(t *testing.T) {
	r, err := RegisterBuiltins()
	if err != nil {
		t.Fatalf("RegisterBuiltins failed: %v", err)
	}

	want := []string{"fmriprep", "freesurfer", "meldgraph", "qsiprep"}
	got := r.Names()
	if len(got) != len(want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRegistry_ConcurrentResolve(t *testing.T) {
	r, err := RegisterBuiltins()
	if err != nil {
		t.Fatalf("RegisterBuiltins failed: %v", err)
	}

	done := make(chan struct{})
	for i := 0; i < 16; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 100; j++ {
				if _, err := r.Resolve("meldgraph"); err != nil {
					t.Errorf("Resolve failed: %v", err)
					return
				}
			}
		}()
	}
	for i := 0; i < 16; i++ {
		<-done
	}
}
