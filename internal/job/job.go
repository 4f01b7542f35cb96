// Package job turns a resolved request into an executable
// specification: the container invocation for local runs, plus the
// resource request remote submission needs. A Spec is built once,
// executed once, and never mutated after construction.
package job

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bidsflow/bidsflow/internal/catalog"
	"github.com/bidsflow/bidsflow/internal/resolve"
	"github.com/bidsflow/bidsflow/internal/tool"
)

// BackendKind selects the execution backend for a Spec.
type BackendKind int

const (
	// Local executes synchronously against the local container runtime.
	Local BackendKind = iota
	// Remote submits to the batch queue over the managed channel.
	Remote
)

func (k BackendKind) String() string {
	switch k {
	case Local:
		return "local"
	case Remote:
		return "remote"
	default:
		return "unknown"
	}
}

// Resources is the batch-queue resource request for Remote specs.
type Resources struct {
	Partition string
	Walltime  string
	Mem       string
	GPUs      int
}

// Spec is one resolved, executable job.
type Spec struct {
	Backend BackendKind
	Request tool.Request

	// Name identifies the job in logs and queue listings:
	// {tool}-{dataset}-{participant}.
	Name string
	// Image is the resolved container image path.
	Image string
	// Mode is the apptainer subcommand ("run" or "exec").
	Mode string
	// GPU requests --nv.
	GPU bool
	// Binds is the full ordered mount list: standard mounts first,
	// tool-specific mounts, then the upstream artifact mount when the
	// verdict carries one.
	Binds []tool.Bind
	// Env is injected via --env.
	Env map[string]string
	// Args is the container argument vector; trailing passthrough
	// arguments are verbatim.
	Args []string
	// OutputDir is the versioned output tree on the execution side.
	OutputDir string
	// Resources applies to Remote specs only.
	Resources Resources
}

// Build constructs a Spec for one request. The paths argument carries
// local paths for Local specs and remote paths for Remote specs; the
// container-side layout is identical either way. Fails with the tool's
// ErrInvalidOptions wrap when option validation rejects the request.
func Build(
	req tool.Request,
	verdict resolve.Verdict,
	t tool.Tool,
	paths tool.Paths,
	apptainerDir string,
	cat *catalog.Catalog,
	kind BackendKind,
	res Resources,
) (*Spec, error) {
	if err := t.ValidateOptions(req.Options); err != nil {
		return nil, err
	}

	cmd, err := t.BuildCommand(req, paths)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s command: %w", req.Tool, err)
	}

	binds := []tool.Bind{
		{Host: paths.Rawdata, Container: tool.ContainerRawdata, ReadOnly: true},
		{Host: paths.Derivatives, Container: tool.ContainerDerivatives, ReadOnly: false},
	}
	binds = append(binds, cmd.Binds...)

	if verdict.UpstreamPath != "" {
		dep := t.Dependency()
		if dep == nil {
			return nil, fmt.Errorf("verdict carries an upstream artifact but %s declares no dependency", req.Tool)
		}
		binds = append(binds, tool.Bind{
			Host:      verdict.UpstreamPath,
			Container: dep.MountPoint,
			ReadOnly:  true,
		})
	}

	return &Spec{
		Backend:   kind,
		Request:   req,
		Name:      fmt.Sprintf("%s-%s-%s", req.Tool, req.Dataset, req.Participant),
		Image:     cat.Image(apptainerDir, req.Tool, req.Version),
		Mode:      cmd.Mode,
		GPU:       cmd.GPU,
		Binds:     binds,
		Env:       cmd.Env,
		Args:      cmd.Args,
		OutputDir: t.OutputDir(paths.Derivatives, req),
		Resources: res,
	}, nil
}

// ContainerArgv assembles the full apptainer command line for the Spec.
// The same vector backs local execution and the batch script, so both
// backends run the identical invocation.
func (s *Spec) ContainerArgv() []string {
	argv := []string{"apptainer", s.Mode, "--cleanenv"}
	if s.GPU {
		argv = append(argv, "--nv")
	}

	// Env in sorted order for a deterministic command line.
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		argv = append(argv, "--env", fmt.Sprintf("%s=%s", k, s.Env[k]))
	}

	for _, b := range s.Binds {
		mode := "rw"
		if b.ReadOnly {
			mode = "ro"
		}
		argv = append(argv, "-B", fmt.Sprintf("%s:%s:%s", b.Host, b.Container, mode))
	}

	argv = append(argv, s.Image)
	argv = append(argv, s.Args...)
	return argv
}

// ShellLine renders ContainerArgv as a single shell line, quoting
// arguments the shell would otherwise split or interpret. Used by the
// batch-script renderer.
func (s *Spec) ShellLine() string {
	argv := s.ContainerArgv()
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

// shellQuote single-quotes an argument when needed, escaping embedded
// single quotes.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$&|;<>()*?[]{}~#") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Status is a job's terminal (or, for remote submission, provisional)
// state.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusBlocked   Status = "blocked"
	// StatusSubmitted is a provisional remote state, resolved to a
	// terminal status by polling.
	StatusSubmitted Status = "submitted"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s != StatusSubmitted
}

// Outcome records how one participant's job ended. Appended to the
// per-run result log; never overwritten.
type Outcome struct {
	Dataset     string    `json:"dataset"`
	Participant string    `json:"participant"`
	Session     string    `json:"session,omitempty"`
	Tool        string    `json:"tool"`
	Version     string    `json:"version"`
	Status      Status    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	ExitCode    int       `json:"exit_code,omitempty"`
	RemoteJobID string    `json:"remote_job_id,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// NewOutcome stamps an outcome for a request with the current time.
func NewOutcome(req tool.Request, status Status, reason string) Outcome {
	now := time.Now().UTC()
	return Outcome{
		Dataset:     req.Dataset,
		Participant: req.Participant,
		Session:     req.Session,
		Tool:        req.Tool,
		Version:     req.Version,
		Status:      status,
		Reason:      reason,
		StartedAt:   now,
		FinishedAt:  now,
	}
}
