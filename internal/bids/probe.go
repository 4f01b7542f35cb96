// Package bids implements the minimal read-only probe bidsflow needs
// against a BIDS dataset: does a raw modality exist for a participant,
// and does a tool's versioned output tree already exist and look
// well-formed. Full BIDS indexing is out of scope; the probe answers
// exactly the questions the dependency resolver asks.
package bids

import (
	"fmt"
	"os"
	"path/filepath"
)

// Suffix identifies a raw BIDS image type the resolver can require.
type Suffix string

const (
	T1w  Suffix = "T1w"
	Bold Suffix = "bold"
	Dwi  Suffix = "dwi"
)

// datatypeFor maps a suffix to the BIDS datatype directory it lives in.
func datatypeFor(s Suffix) string {
	switch s {
	case T1w:
		return "anat"
	case Bold:
		return "func"
	case Dwi:
		return "dwi"
	default:
		return ""
	}
}

// Probe is a read-only query interface over one dataset's rawdata and
// derivatives trees. Implementations must be safe for concurrent use.
type Probe interface {
	// HasRaw reports whether at least one raw image with the given
	// suffix exists for the participant (any session when session is
	// empty).
	HasRaw(participant, session string, suffix Suffix) bool

	// Output returns the path of the versioned output tree for
	// (tool, version, participant, session) and whether it exists and
	// looks well-formed (a non-empty directory).
	Output(tool, version, participant, session string) (string, bool)
}

// FSProbe answers probe queries directly against the filesystem.
type FSProbe struct {
	// Rawdata is the dataset's raw BIDS root (contains sub-*/ dirs).
	Rawdata string
	// Derivatives is the dataset's derivatives root, versioned by
	// {tool}_{version}.
	Derivatives string
}

// NewFSProbe returns a probe over one dataset's rawdata and derivatives
// roots.
func NewFSProbe(rawdata, derivatives string) *FSProbe {
	return &FSProbe{Rawdata: rawdata, Derivatives: derivatives}
}

// HasRaw reports whether a raw image with the given suffix exists for
// the participant. Both session-level and subject-level layouts are
// probed: sub-XX/ses-YY/{datatype}/ and sub-XX/{datatype}/.
func (p *FSProbe) HasRaw(participant, session string, suffix Suffix) bool {
	datatype := datatypeFor(suffix)
	if datatype == "" {
		return false
	}

	subject := "sub-" + participant
	var dirs []string
	if session != "" {
		dirs = append(dirs, filepath.Join(p.Rawdata, subject, "ses-"+session, datatype))
	} else {
		// No session requested: accept data in any session or at the
		// subject level.
		dirs = append(dirs, filepath.Join(p.Rawdata, subject, datatype))
		sessions, _ := filepath.Glob(filepath.Join(p.Rawdata, subject, "ses-*"))
		for _, ses := range sessions {
			dirs = append(dirs, filepath.Join(ses, datatype))
		}
	}

	pattern := fmt.Sprintf("%s_*%s.nii*", subject, suffix)
	for _, dir := range dirs {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err == nil && len(matches) > 0 {
			return true
		}
		// Files without entities between subject and suffix
		// (e.g. sub-01_T1w.nii.gz) are not caught by the pattern above.
		matches, err = filepath.Glob(filepath.Join(dir, fmt.Sprintf("%s*_%s.nii*", subject, suffix)))
		if err == nil && len(matches) > 0 {
			return true
		}
	}
	return false
}

// OutputDir returns the deterministic versioned output path for a
// (tool, version, participant, session) tuple:
// {derivatives}/{tool}_{version}/sub-{participant}[_ses-{session}].
// The same rule is used by the job builder, so callers can locate prior
// outputs without building a job.
func OutputDir(derivatives, tool, version, participant, session string) string {
	leaf := "sub-" + participant
	if session != "" {
		leaf += "_ses-" + session
	}
	return filepath.Join(derivatives, fmt.Sprintf("%s_%s", tool, version), leaf)
}

// Output implements Probe. Well-formed means the directory exists and
// contains at least one entry; an empty directory left behind by an
// interrupted run does not count as completed output.
func (p *FSProbe) Output(tool, version, participant, session string) (string, bool) {
	dir := OutputDir(p.Derivatives, tool, version, participant, session)

	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) == 0 {
		return dir, false
	}
	return dir, true
}
