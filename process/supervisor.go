package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"go.uber.org/zap"
)

// ErrStreamUnavailable is returned by Start when the child's input or output pipe is missing after spawn.
var ErrStreamUnavailable = errors.New("child process stream unavailable")

// Supervisor owns the child process and the two goroutines that drive its pipes.
type Supervisor struct {
	root    *zap.SugaredLogger
	log     *zap.SugaredLogger
	source  CommandSource
	tail    *Tail
	program string
	policy  BackoffPolicy

	cmd    *exec.Cmd
	stdout io.ReadCloser

	ctx    context.Context
	cancel func()
	wg     sync.WaitGroup

	failures chan error
	failOnce sync.Once
	reapOnce sync.Once
	stopOnce sync.Once
}

type Option func(s *Supervisor)

// WithProgram sets the executable to spawn. Defaults to "sclang".
func WithProgram(p string) Option {
	return func(s *Supervisor) {
		s.program = p
	}
}

func WithBackoffPolicy(p BackoffPolicy) Option {
	return func(s *Supervisor) {
		s.policy = p
	}
}

// WithTail publishes every output line to t.
func WithTail(t *Tail) Option {
	return func(s *Supervisor) {
		s.tail = t
	}
}

func NewSupervisor(log *zap.SugaredLogger, source CommandSource, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		root:     log,
		log:      log.Named("supervisor"),
		source:   source,
		program:  "sclang",
		policy:   DefaultBackoffPolicy,
		ctx:      ctx,
		cancel:   cancel,
		failures: make(chan error, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start spawns the child with args and hands its input to a CommandWriter and its output
// to an OutputReader, each on its own goroutine. It returns once both are running.
// Spawn errors are returned synchronously.
func (s *Supervisor) Start(args ...string) error {
	cmd := exec.Command(s.program, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}

	err = cmd.Start()
	if err != nil {
		return fmt.Errorf("starting %s: %w", s.program, err)
	}
	s.cmd = cmd
	s.log.Infow("child process started", "Program", s.program, "Args", args, "PID", cmd.Process.Pid)

	return s.handoff(stdin, stdout)
}

func (s *Supervisor) handoff(stdin io.WriteCloser, stdout io.ReadCloser) error {
	if stdin == nil || stdout == nil {
		s.log.Errorw("unable to get streams of child process", "HasStdin", stdin != nil, "HasStdout", stdout != nil)
		s.kill()
		s.reap()
		return ErrStreamUnavailable
	}
	s.stdout = stdout

	s.wg.Add(2)
	go s.runWriter(stdin)
	go s.runReader(stdout)
	return nil
}

func (s *Supervisor) runWriter(stdin io.Writer) {
	defer s.wg.Done()
	writer := NewCommandWriter(s.root.Named("writer"), stdin, s.source)
	err := writer.Run(s.ctx)
	if err != nil {
		s.fail(err)
	}
}

func (s *Supervisor) runReader(stdout io.Reader) {
	defer s.wg.Done()
	reader := NewOutputReader(s.root.Named("output"), stdout, s.policy, s.tail)
	err := reader.Run(s.ctx)
	if err != nil {
		s.fail(err)
		return
	}
	// No more output will arrive, so the child is gone or about to be.
	// Reaping it also closes our end of its input, which the writer observes on its next write.
	s.reap()
}

// reap waits for the child to exit. Only the first call waits.
func (s *Supervisor) reap() {
	if s.cmd == nil {
		return
	}
	s.reapOnce.Do(func() {
		err := s.cmd.Wait()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			s.log.Debugf("unexpected wait error: %s", err)
		}
		s.log.Warnw("child process exited", "PID", s.cmd.Process.Pid, "ExitCode", s.cmd.ProcessState.ExitCode())
	})
}

func (s *Supervisor) fail(err error) {
	s.failOnce.Do(func() {
		s.failures <- err
	})
}

func (s *Supervisor) kill() {
	if s.cmd != nil && s.cmd.Process != nil {
		err := s.cmd.Process.Kill()
		if err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.log.Debugf("error killing child process: %s", err)
		}
	}
}

// Failed receives the first pipeline-fatal error of the writer or reader.
func (s *Supervisor) Failed() <-chan error {
	return s.failures
}

// PID returns the PID of the child, or 0 if it was never started.
func (s *Supervisor) PID() int {
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Stop stops the writer and reader, then kills and reaps the child.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.kill()
		// the child may have passed its stdout on to its own children, so don't rely on EOF
		if s.stdout != nil {
			s.stdout.Close()
		}
		if s.tail != nil {
			s.tail.Close()
		}
		s.wg.Wait()
		// the reader only reaps when output ends cleanly
		s.reap()
	})
}
