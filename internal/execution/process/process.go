// Package process runs each snap job as a child process and speaks the
// execution protocol over its stdin and stdout.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/flemzord/snaphost/internal/execution"
	"github.com/flemzord/snaphost/internal/security"
)

// ErrUnknownHandle is returned by Destroy for handles it did not create.
var ErrUnknownHandle = errors.New("process: unknown handle")

// Config describes the runtime command spawned for every job.
type Config struct {
	// Command is the snap runtime executable.
	Command string `yaml:"command"`
	// Args are passed to Command. The job ID is appended when JobIDArg is set.
	Args     []string `yaml:"args"`
	JobIDArg bool     `yaml:"job_id_arg"`
	// Env entries (KEY=VALUE) are added to the sanitized host environment.
	Env []string `yaml:"env"`
	// KillGrace is how long Destroy waits after closing stdin before it
	// kills the process.
	KillGrace string `yaml:"kill_grace"`

	Container security.ContainerConfig `yaml:"container"`
}

func (c *Config) defaults() {
	if c.KillGrace == "" {
		c.KillGrace = "500ms"
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Command == "" {
		return errors.New("process: command is required")
	}
	if _, err := time.ParseDuration(c.KillGrace); err != nil {
		return fmt.Errorf("process: invalid kill_grace %q: %w", c.KillGrace, err)
	}
	if c.Container.Enabled && c.Container.Image == "" {
		return errors.New("process: container.image is required when container is enabled")
	}
	return nil
}

// Environment spawns snap runtimes as child processes.
type Environment struct {
	cfg         Config
	grace       time.Duration
	logger      *slog.Logger
	credentials *security.CredentialStore
}

var _ execution.Environment = (*Environment)(nil)

// New returns an Environment for cfg. credentials may be nil; when set its
// values are scrubbed from the inherited environment.
func New(cfg Config, logger *slog.Logger, credentials *security.CredentialStore) (*Environment, error) {
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	grace, _ := time.ParseDuration(cfg.KillGrace)
	if logger == nil {
		logger = slog.Default()
	}
	return &Environment{cfg: cfg, grace: grace, logger: logger, credentials: credentials}, nil
}

// proc is the Handle of a spawned job.
type proc struct {
	jobID string
	cmd   *exec.Cmd
	stdio *stdio
	done  chan struct{}
	err   error
}

// Spawn starts the runtime for jobID. The process outlives ctx; only
// Destroy stops it.
func (e *Environment) Spawn(_ context.Context, jobID string) (execution.Handle, io.ReadWriteCloser, error) {
	args := append([]string(nil), e.cfg.Args...)
	if e.cfg.JobIDArg {
		args = append(args, jobID)
	}
	env := append(security.SanitizedEnv(e.credentials), e.cfg.Env...)

	name, args, err := e.cfg.Container.Wrap("snaphost-"+jobID, e.cfg.Command, args, e.cfg.Env)
	if err != nil {
		return nil, nil, err
	}

	// Pipes are created by hand so cmd.Wait never closes the host ends
	// while the mux is still reading them.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("process: stdin: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return nil, nil, fmt.Errorf("process: stdout: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, nil, fmt.Errorf("process: stderr: %w", err)
	}

	cmd := exec.Command(name, args...)
	cmd.Env = env
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	startErr := cmd.Start()
	closeAll(stdinR, stdoutW, stderrW)
	if startErr != nil {
		closeAll(stdinW, stdoutR, stderrR)
		return nil, nil, fmt.Errorf("process: start %s: %w", name, startErr)
	}

	p := &proc{
		jobID: jobID,
		cmd:   cmd,
		stdio: &stdio{r: stdoutR, w: stdinW},
		done:  make(chan struct{}),
	}
	go e.logStderr(jobID, stderrR)
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()

	e.logger.Debug("process: spawned", "job_id", jobID, "pid", cmd.Process.Pid)
	return p, p.stdio, nil
}

// Destroy closes the job's stdin, waits up to the kill grace for a clean
// exit and kills the process otherwise.
func (e *Environment) Destroy(ctx context.Context, h execution.Handle) error {
	p, ok := h.(*proc)
	if !ok || p == nil {
		return ErrUnknownHandle
	}
	_ = p.stdio.Close()

	select {
	case <-p.done:
		e.logger.Debug("process: exited", "job_id", p.jobID, "error", p.err)
		return nil
	case <-time.After(e.grace):
	case <-ctx.Done():
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		e.logger.Warn("process: kill failed", "job_id", p.jobID, "error", err)
	}
	<-p.done
	e.logger.Debug("process: killed", "job_id", p.jobID)
	return nil
}

func (e *Environment) logStderr(jobID string, r io.ReadCloser) {
	defer r.Close()
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		e.logger.Info("process: snap stderr", "job_id", jobID, "line", sc.Text())
	}
}

// stdio joins the child's stdout and stdin into one transport.
type stdio struct {
	r io.ReadCloser
	w io.WriteCloser

	once sync.Once
	err  error
}

func (s *stdio) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *stdio) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *stdio) Close() error {
	s.once.Do(func() {
		s.err = errors.Join(s.w.Close(), s.r.Close())
	})
	return s.err
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
