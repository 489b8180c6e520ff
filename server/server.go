package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/cmdcast/broadcast"
	"github.com/guseggert/cmdcast/internal/metrics"
	"github.com/guseggert/cmdcast/supervisor"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"
)

// ErrAlreadyRun is returned by Run when the Server has been run before.
var ErrAlreadyRun = errors.New("server already run")

const (
	DefaultListenAddr = "127.0.0.1:8080"

	shutdownTimeout = 5 * time.Second
)

// Registry is the part of broadcast.Registry that viewer connections use.
type Registry interface {
	Join(ctx context.Context, id string, sink broadcast.Sink) error
	Unregister(id string) bool
	Clients() int
	Len() int
}

// Server accepts viewer WebSocket connections and streams the registry's lines to them.
type Server struct {
	logger   *zap.SugaredLogger
	registry Registry

	listenAddr      string
	certPEM         []byte
	keyPEM          []byte
	joinLimiter     *rate.Limiter
	maxClients      int64
	gatherer        prometheus.Gatherer
	supervisorState func() supervisor.State
	logLevel        *zapcore.Level

	started  atomic.Bool
	ready    chan struct{}
	listener net.Listener
	conns    sync.WaitGroup
	active   atomic.Int64
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l.Named("server").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.logLevel = &l
	}
}

// WithTLS serves over TLS using the given PEM-encoded cert and key.
func WithTLS(certPEM, keyPEM []byte) Option {
	return func(s *Server) {
		s.certPEM = certPEM
		s.keyPEM = keyPEM
	}
}

// WithJoinRateLimit limits how fast new viewers may join, since each join replays the whole history
// while holding the registry lock. Joins over the limit are rejected with 429.
func WithJoinRateLimit(r rate.Limit, burst int) Option {
	return func(s *Server) {
		s.joinLimiter = rate.NewLimiter(r, burst)
	}
}

// WithMaxClients caps concurrent viewer connections. Zero means unlimited.
func WithMaxClients(n int) Option {
	return func(s *Server) {
		s.maxClients = int64(n)
	}
}

// WithMetrics serves the metrics in g at /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithSupervisorState reports the supervisor state in health responses.
func WithSupervisorState(f func() supervisor.State) Option {
	return func(s *Server) {
		s.supervisorState = f
	}
}

func New(registry Registry, opts ...Option) (*Server, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Server{
		logger:     logger.Named("server").Sugar(),
		registry:   registry,
		listenAddr: DefaultListenAddr,
		ready:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logLevel != nil {
		s.logger = s.logger.WithOptions(zap.IncreaseLevel(*s.logLevel))
	}
	return s, nil
}

func (s *Server) router() http.Handler {
	router := httprouter.New()
	router.GET("/", s.viewerWS)
	router.GET("/ws", s.viewerWS)
	router.GET("/healthz", s.health)
	if s.gatherer != nil {
		router.Handler(http.MethodGet, "/metrics", metrics.Handler(s.gatherer))
	}
	return router
}

func (s *Server) listen() (net.Listener, error) {
	tcpListener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listening TCP: %w", err)
	}
	if s.certPEM == nil {
		return tcpListener, nil
	}

	tlsConfig, err := ServerTLSConfig(s.certPEM, s.keyPEM)
	if err != nil {
		tcpListener.Close()
		return nil, fmt.Errorf("building server TLS config: %w", err)
	}
	return tls.NewListener(tcpListener, tlsConfig), nil
}

// Run serves viewers until ctx is done. Open viewer connections are closed on the way out.
// A Server can only be run once.
func (s *Server) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRun
	}
	listener, err := s.listen()
	s.listener = listener
	close(s.ready)
	if err != nil {
		return err
	}
	s.logger.Infow("serving viewers", "Addr", listener.Addr().String(), "TLS", s.certPEM != nil)

	server := &http.Server{
		Handler:     s.router(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(listener) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = server.Shutdown(shutdownCtx)
	// WebSocket conns are hijacked, so Shutdown doesn't wait for them
	s.conns.Wait()
	return err
}

// Addr blocks until Run has tried to listen, and returns the bound address, or nil if listening failed.
func (s *Server) Addr() net.Addr {
	<-s.ready
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) viewerWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if s.joinLimiter != nil && !s.joinLimiter.Allow() {
		s.logger.Debugw("rejecting viewer, join rate exceeded", "RemoteAddr", r.RemoteAddr)
		http.Error(w, "too many viewers joining, try again later", http.StatusTooManyRequests)
		return
	}
	if s.maxClients > 0 {
		n := s.active.Add(1)
		defer s.active.Add(-1)
		if n > s.maxClients {
			s.logger.Debugw("rejecting viewer, at capacity", "RemoteAddr", r.RemoteAddr, "MaxClients", s.maxClients)
			http.Error(w, "too many viewers", http.StatusServiceUnavailable)
			return
		}
	}

	s.conns.Add(1)
	defer s.conns.Done()

	c := &conn{
		log:      s.logger.Named("conn"),
		id:       uuid.New().String(),
		addr:     r.RemoteAddr,
		registry: s.registry,
	}
	c.serve(w, r)
}

type HealthResponse struct {
	State        string
	Clients      int
	HistoryLines int
}

func (s *Server) health(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	response := HealthResponse{
		Clients:      s.registry.Clients(),
		HistoryLines: s.registry.Len(),
	}
	if s.supervisorState != nil {
		response.State = s.supervisorState().String()
	}
	b, err := json.Marshal(response)
	if err != nil {
		s.logger.Debugf("error marshaling health response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}
