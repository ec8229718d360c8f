package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/facebridge/internal/log"
	"github.com/mattjoyce/facebridge/internal/profile"
	"github.com/mattjoyce/facebridge/internal/protocol"
)

const (
	DefaultExitGrace       = 2 * time.Second
	DefaultTermGrace       = 5 * time.Second
	DefaultStderrTailBytes = 64 * 1024
)

// Options tunes a Supervisor. Hooks run on supervisor goroutines and must not
// block for long.
type Options struct {
	// ExitGrace is how long to wait after the exit command before SIGTERM.
	ExitGrace time.Duration
	// TermGrace is how long to wait after SIGTERM before SIGKILL.
	TermGrace time.Duration
	// StderrTailBytes bounds the stderr kept for failure reports.
	StderrTailBytes int

	OnState   func(from, to State)
	OnEvent   func(protocol.Event)
	OnFailure func(error)
	// Quitting reports whether the application is exiting, in which case
	// failures are not surfaced through OnFailure.
	Quitting func() bool
}

func (o Options) withDefaults() Options {
	if o.ExitGrace <= 0 {
		o.ExitGrace = DefaultExitGrace
	}
	if o.TermGrace <= 0 {
		o.TermGrace = DefaultTermGrace
	}
	if o.StderrTailBytes <= 0 {
		o.StderrTailBytes = DefaultStderrTailBytes
	}
	return o
}

// Supervisor owns exactly one worker process from launch to exit. It is not
// reusable: once Stopped or Failed a new Supervisor is needed.
type Supervisor struct {
	desc   profile.Descriptor
	disp   *Dispatcher
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	failure error

	readyCh chan struct{}
	doneCh  chan struct{}

	tailMu sync.Mutex
	tail   []byte

	// trace records escalation steps; set by tests.
	trace func(step string)
}

// NewSupervisor prepares a supervisor for desc. Commands flow through disp,
// which may outlive the supervisor and be shared with its successors.
func NewSupervisor(desc profile.Descriptor, disp *Dispatcher, opts Options) *Supervisor {
	return &Supervisor{
		desc:    desc,
		disp:    disp,
		opts:    opts.withDefaults(),
		logger:  log.WithProfile(desc.Name).With("component", "supervisor"),
		readyCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Profile returns the name of the profile this supervisor runs.
func (s *Supervisor) Profile() string { return s.desc.Name }

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Failure returns the error that moved the supervisor to Failed, if any.
func (s *Supervisor) Failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Pid returns the worker's process id, or 0 if it never launched.
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Done is closed once the worker process has exited or failed to launch.
func (s *Supervisor) Done() <-chan struct{} { return s.doneCh }

// StderrTail returns the most recent stderr output of the worker.
func (s *Supervisor) StderrTail() string {
	s.tailMu.Lock()
	defer s.tailMu.Unlock()
	return string(s.tail)
}

// Start launches the worker with a sanitized environment. It returns once
// the process is running; use WaitReady to wait for the ready signal.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StateNotStarted {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateStarting

	cmd := exec.Command(s.desc.Interpreter, s.desc.Argv()...)
	cmd.Env = BuildEnv(os.Environ(), s.desc)
	if s.desc.Root != "" {
		cmd.Dir = s.desc.Root
	}

	stdin, stdout, stderr, err := pipes(cmd)
	if err == nil {
		err = cmd.Start()
	}
	if err != nil {
		err = fmt.Errorf("launch %s worker: %w", s.desc.Name, err)
		s.state = StateFailed
		s.failure = err
		close(s.doneCh)
		s.mu.Unlock()

		s.logger.Error("worker failed to launch", "interpreter", s.desc.Interpreter, "error", err)
		s.notifyState(StateNotStarted, StateStarting)
		s.notifyState(StateStarting, StateFailed)
		return err
	}
	s.cmd = cmd
	s.stdin = stdin
	s.mu.Unlock()

	s.logger.Info("worker started", "pid", cmd.Process.Pid, "interpreter", s.desc.Interpreter)
	s.notifyState(StateNotStarted, StateStarting)
	go s.run(stdout, stderr)
	return nil
}

func pipes(cmd *exec.Cmd) (io.WriteCloser, io.ReadCloser, io.ReadCloser, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}
	return stdin, stdout, stderr, nil
}

// WaitReady blocks until the worker announces readiness, exits, or ctx ends.
func (s *Supervisor) WaitReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-s.doneCh:
		select {
		case <-s.readyCh:
			// Became ready and then exited.
		default:
		}
		if err := s.Failure(); err != nil {
			return err
		}
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) run(stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.pumpStderr(stderr)
	}()

	// Messages are handled off the reader so callbacks and hooks that write
	// to stdin cannot stop stdout from draining.
	box := newInbox()
	go func() {
		defer wg.Done()
		box.serve(s.handleMessage)
	}()

	framer := protocol.NewFramer(s.logger)
	if err := framer.Scan(stdout, box.put); err != nil {
		s.logger.Warn("worker stdout read failed", "error", err)
	}
	box.close()
	wg.Wait()

	waitErr := s.cmd.Wait()
	s.exited(waitErr)
}

func (s *Supervisor) pumpStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		s.logger.Debug("worker stderr", "line", line)
		s.appendTail(line)
	}
	// Keep the pipe drained even if a line was too long to scan.
	_, _ = io.Copy(io.Discard, r)
}

func (s *Supervisor) appendTail(line string) {
	s.tailMu.Lock()
	defer s.tailMu.Unlock()
	s.tail = append(s.tail, line...)
	s.tail = append(s.tail, '\n')
	if over := len(s.tail) - s.opts.StderrTailBytes; over > 0 {
		s.tail = append(s.tail[:0], s.tail[over:]...)
	}
}

func (s *Supervisor) handleMessage(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeReady:
		s.onReady()
	case protocol.TypeResponse:
		s.disp.HandleResponse(msg)
	case protocol.TypeEvent:
		if msg.Event == nil {
			s.logger.Debug("event without payload dropped")
			return
		}
		if s.opts.OnEvent != nil {
			s.opts.OnEvent(*msg.Event)
		}
	case protocol.TypeError:
		s.onErrorSignal(msg.Message)
	default:
		s.logger.Debug("unhandled worker message", "type", msg.Type, "raw", string(msg.Raw))
	}
}

func (s *Supervisor) onReady() {
	s.mu.Lock()
	if st := s.state; st != StateStarting {
		s.mu.Unlock()
		s.logger.Debug("ignoring ready signal", "state", st.String())
		return
	}
	s.state = StateReady
	gen := s.disp.openGate(s.stdin)
	s.mu.Unlock()

	s.logger.Info("worker ready")
	s.notifyState(StateStarting, StateReady)
	close(s.readyCh)
	go s.disp.drain(gen)
}

func (s *Supervisor) onErrorSignal(message string) {
	err := &RemoteError{Message: message}

	s.mu.Lock()
	from := s.state
	if !from.Running() {
		s.mu.Unlock()
		s.logger.Warn("worker error signal", "state", from.String(), "message", message)
		return
	}
	s.state = StateFailed
	s.failure = err
	s.disp.closeGate()
	s.mu.Unlock()

	s.logger.Error("worker reported error", "message", message)
	s.disp.Suspend()
	s.disp.FailPending(err)
	s.disp.FailQueued(err)
	s.notifyState(from, StateFailed)
	s.surface(err)

	go s.escalate(context.Background())
}

func (s *Supervisor) exited(waitErr error) {
	code := -1
	if ps := s.cmd.ProcessState; ps != nil {
		code = ps.ExitCode()
	}

	s.mu.Lock()
	from := s.state
	to := from
	var failure error
	switch {
	case from == StateShuttingDown:
		to = StateStopped
	case from == StateFailed:
	case code > 0:
		to = StateFailed
		failure = &ExitError{Code: code, Stderr: s.StderrTail()}
		s.failure = failure
	default:
		to = StateStopped
	}
	s.state = to
	s.disp.closeGate()
	s.mu.Unlock()

	s.disp.Suspend()
	logger := s.logger.With("exit_code", code, "from", from.String())
	if waitErr != nil {
		logger = logger.With("wait_error", waitErr.Error())
	}

	switch {
	case from == StateShuttingDown:
		// Queued commands wait for the next worker.
		n := s.disp.FailPending(ErrWorkerStopped)
		logger.Info("worker stopped", "failed_pending", n)
	case from == StateFailed:
		s.disp.FailPending(s.Failure())
		s.disp.FailQueued(s.Failure())
		logger.Info("failed worker exited")
	case failure != nil:
		n := s.disp.FailPending(failure)
		s.disp.FailQueued(failure)
		logger.Error("worker exited unexpectedly", "failed_pending", n, "stderr_tail", lastLine(s.StderrTail()))
		s.surface(failure)
	default:
		n := s.disp.FailPending(ErrWorkerStopped)
		s.disp.FailQueued(ErrWorkerStopped)
		logger.Warn("worker exited", "failed_pending", n)
	}

	if to != from {
		s.notifyState(from, to)
	}
	close(s.doneCh)
}

// Stop shuts the worker down: exit command, then SIGTERM after ExitGrace,
// then SIGKILL after TermGrace. It returns once the process has exited. A
// cancelled ctx skips the remaining grace and kills immediately.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	from := s.state
	switch {
	case from == StateNotStarted:
		s.state = StateStopped
		s.mu.Unlock()
		s.notifyState(from, StateStopped)
		close(s.doneCh)
		return nil
	case from.Terminal(), from == StateShuttingDown:
		s.mu.Unlock()
		<-s.doneCh
		return nil
	}
	s.state = StateShuttingDown
	s.disp.closeGate()
	s.mu.Unlock()

	s.disp.Suspend()
	s.logger.Info("stopping worker", "from", from.String())
	s.notifyState(from, StateShuttingDown)

	s.escalate(ctx)
	return nil
}

// escalate runs the exit/SIGTERM/SIGKILL sequence and waits for the exit.
func (s *Supervisor) escalate(ctx context.Context) {
	s.mu.Lock()
	stdin := s.stdin
	proc := s.cmd.Process
	s.mu.Unlock()

	s.tracef("exit")
	go func() {
		if err := s.disp.WriteDirect(stdin, protocol.KindExit); err != nil {
			s.logger.Debug("exit command not delivered", "error", err)
		}
		_ = stdin.Close()
	}()
	if s.waitDone(ctx, s.opts.ExitGrace) {
		return
	}

	s.tracef("term")
	s.logger.Warn("worker ignored exit command, sending SIGTERM", "grace", s.opts.ExitGrace)
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		s.logger.Debug("SIGTERM failed", "error", err)
	}
	if s.waitDone(ctx, s.opts.TermGrace) {
		return
	}

	s.tracef("kill")
	s.logger.Warn("worker ignored SIGTERM, killing", "grace", s.opts.TermGrace)
	if err := proc.Kill(); err != nil {
		s.logger.Debug("kill failed", "error", err)
	}
	<-s.doneCh
}

// waitDone reports whether the process exited within d. A done ctx returns
// false at once.
func (s *Supervisor) waitDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.doneCh:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		select {
		case <-s.doneCh:
			return true
		default:
			return false
		}
	}
}

func (s *Supervisor) notifyState(from, to State) {
	if s.opts.OnState != nil {
		s.opts.OnState(from, to)
	}
}

func (s *Supervisor) surface(err error) {
	if s.opts.Quitting != nil && s.opts.Quitting() {
		s.logger.Debug("suppressing failure while quitting", "error", err)
		return
	}
	if s.opts.OnFailure != nil {
		s.opts.OnFailure(err)
	}
}

func (s *Supervisor) tracef(step string) {
	if s.trace != nil {
		s.trace(step)
	}
}

func lastLine(s string) string {
	end := len(s)
	for end > 0 && s[end-1] == '\n' {
		end--
	}
	start := end
	for start > 0 && s[start-1] != '\n' {
		start--
	}
	return s[start:end]
}
