// Package procman executes service remediations by shelling out to docker
// compose. Output is captured and truncated so it can live inside action
// records.
package procman

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

const (
	commandTimeout = 60 * time.Second
	outputLimit    = 4000

	// Synthetic return codes for failures outside the child process.
	rcTimeout = 124
	rcError   = 125
)

// Result captures one compose invocation for the action record.
type Result struct {
	RC     int    `json:"rc"`
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
	Cmd    string `json:"cmd"`
	Hint   string `json:"hint,omitempty"`
}

// Compose restarts services of one docker compose project.
type Compose struct {
	bin         string
	composeFile string
	envFile     string
	projectDir  string
	logger      *slog.Logger
	timeout     time.Duration
}

// NewCompose configures the runner. envFile and projectDir may be empty.
func NewCompose(composeFile, envFile, projectDir string, logger *slog.Logger) *Compose {
	return &Compose{
		bin:         "docker",
		composeFile: composeFile,
		envFile:     envFile,
		projectDir:  projectDir,
		logger:      logger,
		timeout:     commandTimeout,
	}
}

// RestartService runs `docker compose restart <service>` and reports the
// outcome. The error return is reserved for context cancellation; command
// failures are expressed through Result.RC.
func (c *Compose) RestartService(ctx context.Context, service string) (Result, error) {
	args := []string{"compose"}
	if c.composeFile != "" {
		args = append(args, "-f", c.composeFile)
	}
	if c.envFile != "" {
		args = append(args, "--env-file", c.envFile)
	}
	args = append(args, "restart", service)

	res := Result{Cmd: c.bin + " " + strings.Join(args, " "), Hint: c.envFileHint()}

	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.bin, args...)
	if c.projectDir != "" {
		cmd.Dir = c.projectDir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res.Stdout = truncate(stdout.String())
	res.Stderr = truncate(stderr.String())

	switch {
	case err == nil:
		res.RC = 0
	case runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.RC = rcTimeout
		res.Hint = joinHint(res.Hint, fmt.Sprintf("timed out after %s", c.timeout))
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.RC = exitErr.ExitCode()
		} else {
			// docker not found, bad working dir, and similar launch failures.
			res.RC = rcError
			res.Hint = joinHint(res.Hint, fmt.Sprintf("launch failed: %v", err))
		}
	}

	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	c.logger.Info("compose restart finished", "service", service, "rc", res.RC)
	return res, nil
}

// envFileHint flags a configured but missing env file, the most common
// compose misconfiguration.
func (c *Compose) envFileHint() string {
	if c.envFile == "" {
		return ""
	}
	if _, err := os.Stat(c.envFile); err != nil {
		return fmt.Sprintf("env file %s missing", c.envFile)
	}
	return ""
}

func truncate(s string) string {
	if len(s) > outputLimit {
		return s[:outputLimit]
	}
	return s
}

func joinHint(existing, extra string) string {
	if existing == "" {
		return extra
	}
	return existing + "; " + extra
}
