package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/guseggert/cmdcast/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ControlLine is broadcast when the watched command restarts, so viewers clear their terminal.
const ControlLine = "\x1b[2J\x1b[H"

const (
	DefaultHistoryLines = 1000
	DefaultSendTimeout  = 10 * time.Second
)

// Sink receives broadcast lines for one viewer.
// A Sink is owned by the Registry while it is registered, and is only called with the Registry lock held.
type Sink interface {
	Send(ctx context.Context, line string) error
}

type SinkFunc func(ctx context.Context, line string) error

func (f SinkFunc) Send(ctx context.Context, line string) error { return f(ctx, line) }

// Registry owns the replay history and the set of registered viewers.
// A single mutex covers both, so appending a line and fanning it out is one atomic step,
// and so is replaying history to a new viewer and registering it.
type Registry struct {
	log         *zap.SugaredLogger
	sendTimeout time.Duration
	metrics     *metrics.Broadcast

	mut     sync.Mutex
	history *History
	clients map[string]Sink
}

type Option func(r *Registry)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Registry) {
		r.log = l
	}
}

// WithSendTimeout bounds each individual send. Zero disables the bound.
func WithSendTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.sendTimeout = d
	}
}

func WithMetrics(m *metrics.Broadcast) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

func NewRegistry(historyLines int, opts ...Option) *Registry {
	r := &Registry{
		log:         zap.NewNop().Sugar(),
		sendTimeout: DefaultSendTimeout,
		history:     NewHistory(historyLines),
		clients:     map[string]Sink{},
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = metrics.NewBroadcast(prometheus.NewRegistry())
	}
	return r
}

func (r *Registry) send(ctx context.Context, sink Sink, line string) error {
	if r.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.sendTimeout)
		defer cancel()
	}
	return sink.Send(ctx, line)
}

// Broadcast appends line to the history and sends it to every registered sink.
// Sinks that fail are removed once the whole pass is done, and their ids are returned.
func (r *Registry) Broadcast(ctx context.Context, line string) []string {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.broadcastLocked(ctx, line)
}

func (r *Registry) broadcastLocked(ctx context.Context, line string) []string {
	r.history.Add(line)
	r.metrics.LinesBroadcast.Inc()
	r.metrics.HistoryLines.Set(float64(r.history.Len()))

	var failed []string
	for id, sink := range r.clients {
		err := r.send(ctx, sink, line)
		if err != nil {
			r.log.Debugw("send failed, dropping client", "ID", id, "Error", err)
			failed = append(failed, id)
		}
	}

	// never mutate the client set while iterating it
	for _, id := range failed {
		delete(r.clients, id)
		r.metrics.SendFailures.Inc()
	}
	if len(failed) > 0 {
		r.metrics.Clients.Set(float64(len(r.clients)))
	}
	return failed
}

// Join replays the history to sink and then registers it under id.
// Both steps happen under the lock, so the sink sees every later broadcast exactly once.
// If any replay send fails, the sink is not registered.
func (r *Registry) Join(ctx context.Context, id string, sink Sink) error {
	r.mut.Lock()
	defer r.mut.Unlock()

	for _, line := range r.history.Snapshot() {
		err := r.send(ctx, sink, line)
		if err != nil {
			return fmt.Errorf("replaying history: %w", err)
		}
	}
	r.registerLocked(id, sink)
	return nil
}

// Register inserts the sink unconditionally. The caller guarantees id uniqueness.
func (r *Registry) Register(id string, sink Sink) {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.registerLocked(id, sink)
}

func (r *Registry) registerLocked(id string, sink Sink) {
	r.clients[id] = sink
	r.metrics.Clients.Set(float64(len(r.clients)))
	r.log.Debugw("registered client", "ID", id, "Clients", len(r.clients))
}

// Unregister removes id if present. It is safe to call more than once.
func (r *Registry) Unregister(id string) bool {
	r.mut.Lock()
	defer r.mut.Unlock()
	_, ok := r.clients[id]
	if !ok {
		return false
	}
	delete(r.clients, id)
	r.metrics.Clients.Set(float64(len(r.clients)))
	r.log.Debugw("unregistered client", "ID", id, "Clients", len(r.clients))
	return true
}

// ClearHistory empties the history and broadcasts ControlLine, as one step.
func (r *Registry) ClearHistory(ctx context.Context) {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.history.Clear()
	r.broadcastLocked(ctx, ControlLine)
}

func (r *Registry) Snapshot() []string {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.history.Snapshot()
}

// Len returns the number of lines in the history, without copying it.
func (r *Registry) Len() int {
	r.mut.Lock()
	defer r.mut.Unlock()
	return r.history.Len()
}

// Clients returns the number of registered sinks.
func (r *Registry) Clients() int {
	r.mut.Lock()
	defer r.mut.Unlock()
	return len(r.clients)
}
