package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guseggert/cmdcast/internal/metrics"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	DefaultRestartDelay = 10 * time.Second
	DefaultShell        = "sh"

	// drainTimeout is how long to wait for the second stream to finish after the process is killed,
	// before its pipe is closed out from under it.
	drainTimeout = 2 * time.Second
)

// ErrSpawn is returned by Run when the watched command cannot be started.
var ErrSpawn = errors.New("starting command")

type State int32

const (
	StateSpawning State = iota
	StateRunning
	StateExited
	StateBackoff
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Broadcaster receives the watched command's output.
type Broadcaster interface {
	Broadcast(ctx context.Context, line string) []string
	ClearHistory(ctx context.Context)
}

// Supervisor keeps one instance of a shell command running, forever.
// Every line the command writes is broadcast, and the history is cleared each time it restarts.
type Supervisor struct {
	log *zap.SugaredLogger
	out Broadcaster

	command           string
	shell             string
	restartDelay      time.Duration
	retrySpawnFailure bool
	clock             clockwork.Clock
	metrics           *metrics.Supervisor
	stateHook         func(State)

	state atomic.Int32
}

type Option func(s *Supervisor)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Supervisor) {
		s.log = l
	}
}

func WithShell(shell string) Option {
	return func(s *Supervisor) {
		s.shell = shell
	}
}

func WithRestartDelay(d time.Duration) Option {
	return func(s *Supervisor) {
		s.restartDelay = d
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(s *Supervisor) {
		s.clock = c
	}
}

// WithRetrySpawnFailure makes a failure to start the command go through the normal restart backoff,
// instead of stopping Run.
func WithRetrySpawnFailure() Option {
	return func(s *Supervisor) {
		s.retrySpawnFailure = true
	}
}

func WithMetrics(m *metrics.Supervisor) Option {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

// WithStateHook registers f to be called on every state transition, from the Run goroutine.
func WithStateHook(f func(State)) Option {
	return func(s *Supervisor) {
		s.stateHook = f
	}
}

func New(command string, out Broadcaster, opts ...Option) *Supervisor {
	s := &Supervisor{
		log:          zap.NewNop().Sugar(),
		out:          out,
		command:      command,
		shell:        DefaultShell,
		restartDelay: DefaultRestartDelay,
		clock:        clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewSupervisor(prometheus.NewRegistry())
	}
	s.state.Store(int32(StateStopped))
	return s
}

func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) setState(st State) {
	s.state.Store(int32(st))
	s.log.Debugf("state %s", st)
	if s.stateHook != nil {
		s.stateHook(st)
	}
}

// Run supervises the command until ctx is done, which is the only way it returns
// unless the command cannot be started and spawn failures are not retried.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.setState(StateStopped)
	// ran is whether a process has started since history was last cleared
	ran := false
	for {
		s.setState(StateSpawning)
		proc, err := s.spawn(ctx)
		if err != nil {
			s.metrics.SpawnFailures.Inc()
			if !s.retrySpawnFailure {
				s.log.Errorw("unable to start command", "Command", s.command, "Error", err)
				return fmt.Errorf("%w %q: %s", ErrSpawn, s.command, err)
			}
			s.log.Warnw("unable to start command, will retry", "Command", s.command, "Error", err, "Delay", s.restartDelay)
		} else {
			ran = true
			s.setState(StateRunning)
			s.log.Infow("started command", "Command", s.command, "PID", proc.cmd.Process.Pid)

			which := proc.waitFirstStream(ctx)
			s.setState(StateExited)
			s.log.Infow("command output ended, stopping it", "Stream", which)
			proc.stop()
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.setState(StateBackoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.restartDelay):
		}

		s.metrics.Restarts.Inc()
		if ran {
			s.out.ClearHistory(ctx)
			ran = false
		}
	}
}

type process struct {
	log   *zap.SugaredLogger
	cmd   *exec.Cmd
	clock clockwork.Clock

	stdoutDone  chan struct{}
	stderrDone  chan struct{}
	readersDone chan struct{}
}

func (s *Supervisor) spawn(ctx context.Context) (*process, error) {
	cmd := exec.Command(s.shell, "-c", s.command)
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stderr pipe: %w", err)
	}
	err = cmd.Start()
	if err != nil {
		return nil, err
	}

	p := &process{
		log:         s.log,
		cmd:         cmd,
		clock:       s.clock,
		stdoutDone:  make(chan struct{}),
		stderrDone:  make(chan struct{}),
		readersDone: make(chan struct{}),
	}

	emit := func(line string) { s.out.Broadcast(ctx, line) }

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer close(p.stdoutDone)
		err := ReadLines(stdout, "", emit)
		if err != nil {
			p.log.Debugf("stdout reader got error: %s", err)
		}
	}()
	go func() {
		defer wg.Done()
		defer close(p.stderrDone)
		err := ReadLines(stderr, StderrPrefix, emit)
		if err != nil {
			p.log.Debugf("stderr reader got error: %s", err)
		}
	}()
	go func() {
		wg.Wait()
		close(p.readersDone)
	}()

	return p, nil
}

// waitFirstStream blocks until either output stream ends or ctx is done, and reports which happened.
func (p *process) waitFirstStream(ctx context.Context) string {
	select {
	case <-p.stdoutDone:
		return "stdout"
	case <-p.stderrDone:
		return "stderr"
	case <-ctx.Done():
		return "canceled"
	}
}

// stop kills the process and reaps it. Kill errors are ignored, the process may already be gone.
// It returns once both readers are finished, so no line from this process is broadcast afterwards.
func (p *process) stop() {
	err := killProcess(p.cmd)
	if err != nil {
		p.log.Debugf("error killing process: %s", err)
	}

	timer := p.clock.NewTimer(drainTimeout)
	defer timer.Stop()
	select {
	case <-p.readersDone:
	case <-timer.Chan():
		p.log.Debug("timed out draining output, closing pipes")
	}

	// Wait closes both pipes, which unblocks a reader stuck on a descriptor inherited by an orphan.
	err = p.cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			p.log.Debugf("unexpected wait error: %s", err)
		}
	}
	p.log.Debugf("process %d exited with code %d", p.cmd.Process.Pid, p.cmd.ProcessState.ExitCode())
	<-p.readersDone
}
