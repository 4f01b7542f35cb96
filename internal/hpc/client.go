package hpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/bidsflow/bidsflow/internal/logging"
)

// ============================================================================
// ERRORS
// ============================================================================

// ErrNoJobID indicates that sbatch completed but its output did not
// contain a parseable job ID.
var ErrNoJobID = errors.New("sbatch output did not contain a job id")

// ============================================================================
// REMOTE CHANNEL
// ============================================================================

// Client runs commands on the cluster head node over ssh and copies
// files with scp. It shells out to the system binaries so that the
// user's existing key agent, known_hosts and ssh config all apply.
type Client struct {
	User    string
	Host    string
	Keyfile string // optional identity file (-i)
	Gateway string // optional jump host (-J)

	logger *logging.Logger
	run    runFunc
}

// runFunc executes one command and returns its combined stdout. Tests
// substitute a fake to avoid touching a real cluster.
type runFunc func(ctx context.Context, name string, args ...string) (string, error)

// NewClient builds a Client for user@host. logger may be nil.
func NewClient(user, host, keyfile, gateway string, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Client{
		User:    user,
		Host:    host,
		Keyfile: keyfile,
		Gateway: gateway,
		logger:  logger,
		run:     runLocal,
	}
}

func runLocal(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return stdout.String(), fmt.Errorf("%s: %s", name, msg)
	}
	return stdout.String(), nil
}

func (c *Client) addr() string {
	return c.User + "@" + c.Host
}

// commonOpts are shared between ssh and scp invocations. BatchMode
// prevents an interactive password prompt from hanging a headless run.
func (c *Client) commonOpts() []string {
	opts := []string{"-o", "BatchMode=yes", "-o", "ConnectTimeout=10"}
	if c.Keyfile != "" {
		opts = append(opts, "-i", c.Keyfile)
	}
	if c.Gateway != "" {
		opts = append(opts, "-J", c.Gateway)
	}
	return opts
}

// Run executes remoteCmd on the head node and returns its stdout.
func (c *Client) Run(ctx context.Context, remoteCmd string) (string, error) {
	args := append(c.commonOpts(), c.addr(), remoteCmd)
	c.logger.Debug("remote command", "host", c.Host, "cmd", remoteCmd)
	out, err := c.run(ctx, "ssh", args...)
	if err != nil {
		return out, fmt.Errorf("ssh %s: %w", c.Host, err)
	}
	return out, nil
}

// Upload copies a local file to remotePath on the head node.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string) error {
	args := append(c.commonOpts(), localPath, c.addr()+":"+remotePath)
	c.logger.Debug("upload", "host", c.Host, "local", localPath, "remote", remotePath)
	if _, err := c.run(ctx, "scp", args...); err != nil {
		return fmt.Errorf("scp to %s: %w", c.Host, err)
	}
	return nil
}

// Check verifies that the channel works at all. Used at startup so a
// bad host or key fails the batch before any job is built.
func (c *Client) Check(ctx context.Context) error {
	if _, err := c.Run(ctx, "true"); err != nil {
		return fmt.Errorf("cluster unreachable: %w", err)
	}
	return nil
}

// ============================================================================
// SUBMISSION
// ============================================================================

var submittedRe = regexp.MustCompile(`Submitted batch job (\d+)`)

// ParseSubmitOutput extracts the job ID from sbatch's confirmation line.
func ParseSubmitOutput(out string) (string, error) {
	m := submittedRe.FindStringSubmatch(out)
	if m == nil {
		return "", fmt.Errorf("%w: %q", ErrNoJobID, strings.TrimSpace(out))
	}
	return m[1], nil
}

// Submit runs sbatch on an already-uploaded script and returns the
// queue's job ID. The script runs with remoteDir as its working
// directory so the #SBATCH output paths land next to it.
func (c *Client) Submit(ctx context.Context, remoteDir, scriptName string) (string, error) {
	out, err := c.Run(ctx, fmt.Sprintf("cd %s && sbatch %s", remoteDir, scriptName))
	if err != nil {
		return "", err
	}
	id, err := ParseSubmitOutput(out)
	if err != nil {
		return "", err
	}
	c.logger.Info("job submitted", "host", c.Host, "job_id", id)
	return id, nil
}

// EnsureDir creates remoteDir on the head node if it does not exist.
func (c *Client) EnsureDir(ctx context.Context, remoteDir string) error {
	if _, err := c.Run(ctx, "mkdir -p "+remoteDir); err != nil {
		return fmt.Errorf("create remote dir %s: %w", remoteDir, err)
	}
	return nil
}
