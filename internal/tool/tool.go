// Package tool defines the capability interface every processing tool
// exposes to the orchestrator, and the registry mapping tool names to
// implementations. Membership in the registry is the only support
// check: the driver never branches on tool names.
package tool

import (
	"errors"

	"github.com/bidsflow/bidsflow/internal/bids"
)

// Sentinel errors returned by registry and tool operations.
var (
	// ErrUnknownTool is returned when resolving a name that was never registered.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrDuplicateTool is returned when registering a name twice.
	ErrDuplicateTool = errors.New("tool already registered")

	// ErrInvalidOptions is returned when tool-specific option validation fails.
	ErrInvalidOptions = errors.New("invalid tool options")
)

// Options is the validated, tool-specific option set for one request.
// Unknown tool arguments go into Passthrough and are never interpreted.
type Options struct {
	// UsePrecomputed reuses an existing upstream tool output (e.g. a
	// FreeSurfer reconstruction) instead of re-running that stage.
	UsePrecomputed bool
	// SkipDerived declares that derived intermediates (e.g. extracted
	// features) are already present, skipping upstream and intermediate
	// stages. Mutually exclusive with UsePrecomputed.
	SkipDerived bool
	// ForceRedo re-runs a participant even when completed output exists.
	ForceRedo bool
	// NoGPU disables GPU use for tools that default to it.
	NoGPU bool

	// OutputResolution is the isotropic output voxel size in mm
	// (required by qsiprep).
	OutputResolution float64
	// DWIOnly skips anatomical processing (qsiprep).
	DWIOnly bool
	// NProcs is the process count handed to tools that parallelize.
	NProcs int
	// HarmoCode is the harmonization code for lesion detection.
	HarmoCode string

	// Passthrough arguments are appended verbatim to the tool command.
	Passthrough []string
}

// Request identifies one unit of work: one participant of one dataset
// processed by one tool at one version. Immutable once built.
type Request struct {
	Dataset     string
	Participant string
	Session     string
	Run         string
	Tool        string
	Version     string
	Options     Options
}

// Paths locates the dataset trees a command is built against. For
// remote execution these are the remote paths; the tool does not care
// which side it is describing.
type Paths struct {
	// Rawdata is the dataset's raw BIDS root.
	Rawdata string
	// Derivatives is the dataset's derivatives root.
	Derivatives string
	// FSLicense is the FreeSurfer license file, when configured.
	FSLicense string
}

// Bind is one container bind mount.
type Bind struct {
	Host      string
	Container string
	ReadOnly  bool
}

// Command describes the container invocation a tool wants, minus the
// standard mounts the job builder adds for every tool.
type Command struct {
	// Mode is the apptainer subcommand, "run" or "exec".
	Mode string
	// GPU requests the --nv flag.
	GPU bool
	// Binds are tool-specific mounts beyond the standard set.
	Binds []Bind
	// Env is injected into the container via --env.
	Env map[string]string
	// Args is the argument vector passed to the container.
	Args []string
}

// Dependency declares a tool's upstream stage: the artifact class it
// can reuse, which tool produces it, and where the container expects
// the artifact tree to be mounted.
type Dependency struct {
	// Tool is the upstream tool name.
	Tool string
	// Version is the upstream version whose output is reused.
	Version string
	// Artifact names the artifact class for diagnostics.
	Artifact string
	// MountPoint is the container path for the upstream tree.
	MountPoint string
}

// Tool is the capability set every processing tool implements.
// Implementations are immutable after registration and safe for
// concurrent use.
type Tool interface {
	// Name is the unique registry key.
	Name() string
	// Description is a one-line summary for listings.
	Description() string
	// DefaultVersion is used when the caller pins no version.
	DefaultVersion() string
	// RequiresGPU reports whether the tool defaults to GPU execution.
	RequiresGPU() bool
	// Dependency declares the upstream stage, or nil when the tool has
	// none.
	Dependency() *Dependency
	// ValidateOptions rejects option sets the tool cannot run with.
	// Failures wrap ErrInvalidOptions.
	ValidateOptions(opts Options) error
	// CheckRequirements verifies the participant's minimal raw inputs
	// exist. A nil return means the tool can run.
	CheckRequirements(probe bids.Probe, req Request) error
	// OutputDir derives the versioned output path under the derivatives
	// root. Deterministic: callers use it to locate prior outputs.
	OutputDir(derivatives string, req Request) string
	// BuildCommand constructs the container invocation for the request.
	BuildCommand(req Request, paths Paths) (Command, error)
}

// Preparer is an optional capability for tools that need custom local
// steps before the container runs (e.g. writing a demographics sheet).
type Preparer interface {
	Prepare(req Request, paths Paths) error
}

// ScriptCustomizer is an optional capability for tools that need extra
// batch-script resource directives beyond the standard header.
type ScriptCustomizer interface {
	// ScriptDirectives returns additional #SBATCH lines.
	ScriptDirectives(req Request) []string
}
