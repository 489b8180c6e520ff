package supervisor

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/cmdcast/broadcast"
	"github.com/guseggert/cmdcast/internal/metrics"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

type stateRecorder struct {
	m      sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.m.Lock()
	defer r.m.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) count(s State) int {
	r.m.Lock()
	defer r.m.Unlock()
	n := 0
	for _, st := range r.states {
		if st == s {
			n++
		}
	}
	return n
}

func (r *stateRecorder) waitFor(t *testing.T, s State, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return r.count(s) >= n }, 10*time.Second, 10*time.Millisecond, "waiting for %s #%d", s, n)
}

type lineSink struct {
	m     sync.Mutex
	lines []string
}

func (s *lineSink) Send(ctx context.Context, line string) error {
	s.m.Lock()
	defer s.m.Unlock()
	s.lines = append(s.lines, line)
	return nil
}

func (s *lineSink) Lines() []string {
	s.m.Lock()
	defer s.m.Unlock()
	return append([]string(nil), s.lines...)
}

type runResult struct {
	cancel func()
	errCh  chan error
}

func (r *runResult) stop(t *testing.T) error {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.errCh:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not stop")
		return nil
	}
}

func start(s *Supervisor) *runResult {
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	return &runResult{cancel: cancel, errCh: errCh}
}

func TestSupervisorRestartsAndClearsHistory(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := broadcast.NewRegistry(100)
	viewer := &lineSink{}
	reg.Register("viewer", viewer)
	rec := &stateRecorder{}
	m := metrics.NewSupervisor(prometheus.NewRegistry())

	s := New("echo out; echo err 1>&2", reg,
		WithLogger(log),
		WithClock(clock),
		WithStateHook(rec.record),
		WithMetrics(m),
	)
	run := start(s)

	rec.waitFor(t, StateBackoff, 1)
	assert.ElementsMatch(t, []string{"out", "stderr: err"}, reg.Snapshot())

	// nothing restarts until the delay elapses
	clock.BlockUntil(1)
	assert.Equal(t, StateBackoff, s.State())
	assert.Equal(t, 1, rec.count(StateSpawning))

	clock.Advance(DefaultRestartDelay)
	rec.waitFor(t, StateBackoff, 2)

	snap := reg.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, broadcast.ControlLine, snap[0])
	assert.ElementsMatch(t, []string{"out", "stderr: err"}, snap[1:])

	lines := viewer.Lines()
	require.Len(t, lines, 5)
	assert.Equal(t, broadcast.ControlLine, lines[2])

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Restarts))

	err := run.stop(t)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateStopped, s.State())
}

func TestSupervisorRestartsWhenEitherStreamCloses(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := broadcast.NewRegistry(100)
	rec := &stateRecorder{}

	// stderr closes right away while stdout stays open
	s := New("exec 2>&-; sleep 1000", reg,
		WithLogger(log),
		WithClock(clock),
		WithStateHook(rec.record),
	)
	run := start(s)

	rec.waitFor(t, StateBackoff, 1)
	assert.Equal(t, 1, rec.count(StateExited))

	err := run.stop(t)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSupervisorCancelKillsCommand(t *testing.T) {
	reg := broadcast.NewRegistry(100)
	rec := &stateRecorder{}

	s := New("echo started; sleep 1000", reg, WithLogger(log), WithStateHook(rec.record))
	run := start(s)

	require.Eventually(t, func() bool {
		snap := reg.Snapshot()
		return len(snap) == 1 && snap[0] == "started"
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateRunning, s.State())

	err := run.stop(t)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, rec.count(StateBackoff))
	assert.Equal(t, StateStopped, s.State())
}

func TestSupervisorSpawnFailureIsFatal(t *testing.T) {
	reg := broadcast.NewRegistry(100)
	s := New("true", reg, WithLogger(log), WithShell("/nonexistent/shell"))

	err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrSpawn)
	assert.Equal(t, StateStopped, s.State())
	assert.Empty(t, reg.Snapshot())
}

func TestSupervisorRetrySpawnFailure(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := broadcast.NewRegistry(100)
	rec := &stateRecorder{}
	m := metrics.NewSupervisor(prometheus.NewRegistry())

	s := New("true", reg,
		WithLogger(log),
		WithShell("/nonexistent/shell"),
		WithRetrySpawnFailure(),
		WithClock(clock),
		WithStateHook(rec.record),
		WithMetrics(m),
	)
	run := start(s)

	rec.waitFor(t, StateBackoff, 1)
	clock.BlockUntil(1)
	clock.Advance(DefaultRestartDelay)
	rec.waitFor(t, StateBackoff, 2)

	assert.Equal(t, 0, rec.count(StateRunning))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SpawnFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Restarts))
	// nothing ran, so there was no output to clear
	assert.Empty(t, reg.Snapshot())

	err := run.stop(t)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSupervisorClearsHistoryOnlyAfterARun(t *testing.T) {
	clock := clockwork.NewFakeClock()
	reg := broadcast.NewRegistry(100)
	viewer := &lineSink{}
	reg.Register("viewer", viewer)
	rec := &stateRecorder{}

	s := New("echo out", reg,
		WithLogger(log),
		WithClock(clock),
		WithStateHook(rec.record),
	)
	run := start(s)

	rec.waitFor(t, StateBackoff, 1)
	clock.BlockUntil(1)
	clock.Advance(DefaultRestartDelay)
	rec.waitFor(t, StateBackoff, 2)

	assert.Equal(t, []string{"out", broadcast.ControlLine, "out"}, viewer.Lines())

	err := run.stop(t)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSupervisorDrainTimeoutFollowsClock(t *testing.T) {
	if _, err := exec.LookPath("setsid"); err != nil {
		t.Skip("setsid not available")
	}
	clock := clockwork.NewFakeClock()
	reg := broadcast.NewRegistry(100)
	rec := &stateRecorder{}

	// stderr closes right away, while stdout is held open by a process outside the command's process group
	s := New("exec 2>&-; setsid sleep 30 &", reg,
		WithLogger(log),
		WithClock(clock),
		WithStateHook(rec.record),
	)
	run := start(s)

	rec.waitFor(t, StateExited, 1)
	clock.BlockUntil(1)
	assert.Equal(t, StateExited, s.State())
	assert.Equal(t, 0, rec.count(StateBackoff))

	clock.Advance(drainTimeout)
	rec.waitFor(t, StateBackoff, 1)

	err := run.stop(t)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "backoff", StateBackoff.String())
	assert.Equal(t, "State(42)", State(42).String())
}
