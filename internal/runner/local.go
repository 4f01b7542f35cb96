package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/bidsflow/bidsflow/internal/job"
	"github.com/bidsflow/bidsflow/internal/logging"
)

// tailLines is how much trailing container output a failure reason
// carries. Full output always goes to the log sink.
const tailLines = 20

// Local runs container jobs synchronously on this machine.
type Local struct {
	logger *logging.Logger
	exec   execFunc
}

// execFunc runs argv and returns the process exit code. An error means
// the process could not run at all. Tests substitute a fake.
type execFunc func(ctx context.Context, argv []string, out io.Writer) (int, error)

// NewLocal builds the local backend. logger may be nil.
func NewLocal(logger *logging.Logger) *Local {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Local{logger: logger, exec: execReal}
}

func execReal(ctx context.Context, argv []string, out io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = out
	cmd.Stderr = out
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// Execute runs the container and blocks until it exits. Cancellation
// kills the child; the participant is then reported failed rather than
// left in an ambiguous state.
func (l *Local) Execute(ctx context.Context, spec *job.Spec) (job.Outcome, error) {
	log := l.logger.WithTool(spec.Request.Tool).WithParticipant(spec.Request.Participant)

	if err := os.MkdirAll(spec.OutputDir, 0o755); err != nil {
		return job.Outcome{}, fmt.Errorf("create output dir: %w", err)
	}

	argv := spec.ContainerArgv()
	log.Info("starting container", "image", spec.Image, "mode", spec.Mode, "gpu", spec.GPU)
	log.Debug("container argv", "argv", strings.Join(argv, " "))

	started := time.Now().UTC()
	tail := newTailWriter(tailLines)
	code, err := l.exec(ctx, argv, io.MultiWriter(l.logger.Sink(), tail))
	finished := time.Now().UTC()

	outcome := job.NewOutcome(spec.Request, job.StatusSucceeded, "")
	outcome.StartedAt = started
	outcome.FinishedAt = finished
	outcome.ExitCode = code

	if ctx.Err() != nil {
		outcome.Status = job.StatusFailed
		outcome.Reason = "interrupted"
		log.Warn("container interrupted", "elapsed", finished.Sub(started).String())
		return outcome, nil
	}
	if err != nil {
		return job.Outcome{}, fmt.Errorf("run container: %w", err)
	}
	if code != 0 {
		outcome.Status = job.StatusFailed
		outcome.Reason = fmt.Sprintf("exit code %d", code)
		if t := tail.Tail(); t != "" {
			outcome.Reason += ": " + t
		}
		log.Error("container failed", "exit_code", code, "elapsed", finished.Sub(started).String())
		return outcome, nil
	}

	log.Info("container finished", "elapsed", finished.Sub(started).String())
	return outcome, nil
}

// ============================================================================
// OUTPUT TAIL
// ============================================================================

// tailWriter keeps the last n lines written through it.
type tailWriter struct {
	mu      sync.Mutex
	limit   int
	lines   []string
	partial strings.Builder
}

func newTailWriter(n int) *tailWriter {
	return &tailWriter{limit: n}
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, b := range p {
		if b == '\n' {
			w.push(w.partial.String())
			w.partial.Reset()
			continue
		}
		w.partial.WriteByte(b)
	}
	return len(p), nil
}

func (w *tailWriter) push(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	w.lines = append(w.lines, line)
	if len(w.lines) > w.limit {
		w.lines = w.lines[1:]
	}
}

// Tail returns the retained lines joined, including any unterminated
// final line.
func (w *tailWriter) Tail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	lines := w.lines
	if w.partial.Len() > 0 && strings.TrimSpace(w.partial.String()) != "" {
		lines = append(append([]string{}, lines...), w.partial.String())
		if len(lines) > w.limit {
			lines = lines[len(lines)-w.limit:]
		}
	}
	return strings.Join(lines, "\n")
}
