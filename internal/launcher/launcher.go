// Package launcher starts a container's entry point with the environment
// overlay from its HookPlan and supervises it until exit.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"wincell/internal/policy"
)

// ErrExecutableNotFound is returned when the executable is neither an
// existing file nor resolvable on PATH.
var ErrExecutableNotFound = errors.New("executable not found")

// Request describes one launch.
type Request struct {
	ContainerID string
	Executable  string
	Args        []string
	WorkingDir  string
	Plan        policy.HookPlan
}

// Config configures a Launcher.
type Config struct {
	Audit  *AuditLogger
	Logger *logrus.Entry

	// Environ supplies the inherited environment. Defaults to os.Environ.
	Environ func() []string

	// Stdout and Stderr default to the agent's own streams.
	Stdout io.Writer
	Stderr io.Writer
}

// Launcher runs entry points to completion.
type Launcher struct {
	audit   *AuditLogger
	logger  *logrus.Entry
	environ func() []string
	stdout  io.Writer
	stderr  io.Writer
}

// New creates a Launcher.
func New(cfg Config) *Launcher {
	if cfg.Logger == nil {
		cfg.Logger = logrus.WithField("source", "launcher")
	}
	if cfg.Audit == nil {
		cfg.Audit, _ = NewAuditLogger("")
	}
	if cfg.Environ == nil {
		cfg.Environ = os.Environ
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	return &Launcher{
		audit:   cfg.Audit,
		logger:  cfg.Logger,
		environ: cfg.Environ,
		stdout:  cfg.Stdout,
		stderr:  cfg.Stderr,
	}
}

// Resolve returns the absolute path of executable: an existing file as
// given, else the result of a PATH lookup.
func Resolve(executable string) (string, error) {
	if executable == "" {
		return "", fmt.Errorf("%w: empty path", ErrExecutableNotFound)
	}

	if info, err := os.Stat(executable); err == nil && !info.IsDir() {
		// Relative paths would otherwise resolve against the child's
		// working directory.
		abs, err := filepath.Abs(executable)
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", executable, err)
		}
		return abs, nil
	}

	path, err := exec.LookPath(executable)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrExecutableNotFound, executable)
	}
	return path, nil
}

// Launch starts req.Executable and waits for it to exit. A non-zero exit
// status is logged, not returned. The process is not tied to ctx: once
// started it runs to completion even if the agent shuts down.
func (l *Launcher) Launch(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := Resolve(req.Executable)
	if err != nil {
		return err
	}

	logger := l.logger.WithFields(logrus.Fields{
		"container_id": req.ContainerID,
		"executable":   path,
	})

	cmd := exec.Command(path, req.Args...)
	cmd.Dir = req.WorkingDir
	cmd.Env = MergeEnvironment(l.environ(), req.Plan.Env)
	cmd.Stdout = l.stdout
	cmd.Stderr = l.stderr

	entry := AuditEntry{
		ContainerID: req.ContainerID,
		Executable:  path,
		Args:        req.Args,
		WorkingDir:  req.WorkingDir,
	}

	start := time.Now()
	logger.WithFields(logrus.Fields{
		"args":        req.Args,
		"working_dir": req.WorkingDir,
	}).Info("launching process")

	if err := cmd.Start(); err != nil {
		entry.ExitCode = -1
		entry.Error = err.Error()
		l.record(logger, entry)
		return fmt.Errorf("start %s: %w", path, err)
	}

	waitErr := cmd.Wait()
	entry.Duration = float64(time.Since(start).Microseconds()) / 1000.0
	entry.ExitCode = -1
	if cmd.ProcessState != nil {
		entry.ExitCode = cmd.ProcessState.ExitCode()
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		logger.WithField("duration_ms", entry.Duration).Info("process exited")
	case errors.As(waitErr, &exitErr):
		logger.WithField("exit_code", exitErr.ExitCode()).Warn("process exited with non-zero status")
	default:
		entry.Error = waitErr.Error()
		l.record(logger, entry)
		return fmt.Errorf("wait for %s: %w", path, waitErr)
	}

	l.record(logger, entry)
	return nil
}

func (l *Launcher) record(logger *logrus.Entry, entry AuditEntry) {
	if err := l.audit.Log(entry); err != nil {
		logger.WithError(err).Warn("audit log write failed")
	}
}
