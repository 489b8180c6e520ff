package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/guseggert/cmdcast/broadcast"
	"github.com/guseggert/cmdcast/config"
	"github.com/guseggert/cmdcast/internal/metrics"
	"github.com/guseggert/cmdcast/server"
	"github.com/guseggert/cmdcast/supervisor"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:           "cmdcast",
		Usage:          "run a command forever and stream its output to WebSocket viewers",
		DefaultCommand: "serve",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the command and serve its output",
				Flags:  serveFlags,
				Action: serve,
			},
			{
				Name:  "tail",
				Usage: "connect to a server as a viewer and print its output",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "url",
						Usage: "The server's base URL.",
						Value: "http://" + config.DefaultAddr,
					},
					&cli.StringFlag{
						Name:  "ca-cert",
						Usage: "Path to a PEM CA cert to trust, for servers using a self-signed cert.",
					},
				},
				Action: tail,
			},
			{
				Name:  "gen-cert",
				Usage: "generate a self-signed CA and server cert for serving over TLS",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "out-dir",
						Usage: "Directory to write ca.pem, cert.pem and key.pem to.",
						Value: ".",
					},
					&cli.StringSliceFlag{
						Name:  "host",
						Usage: "Host name or IP the server cert is valid for. May be repeated.",
						Value: cli.NewStringSlice("127.0.0.1", "localhost"),
					},
					&cli.DurationFlag{
						Name:  "valid-for",
						Usage: "How long the certs are valid for.",
						Value: 365 * 24 * time.Hour,
					},
				},
				Action: genCert,
			},
		},
	}
}

var serveFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Usage: fmt.Sprintf("Path to a YAML config file. Defaults to the nearest %s in this or a parent directory.", config.FileName),
	},
	&cli.StringFlag{
		Name:    "command",
		Aliases: []string{"c"},
		Usage:   "The shell command to run.",
		Value:   config.DefaultCommand,
	},
	&cli.StringFlag{
		Name:    "addr",
		Aliases: []string{"a"},
		Usage:   "The address for viewers to connect to.",
		Value:   config.DefaultAddr,
	},
	&cli.StringFlag{
		Name:  "shell",
		Usage: "The shell that runs the command with -c.",
		Value: config.DefaultShell,
	},
	&cli.IntFlag{
		Name:  "history-lines",
		Usage: "How many recent lines to replay to new viewers.",
		Value: config.DefaultHistoryLines,
	},
	&cli.DurationFlag{
		Name:  "restart-delay",
		Usage: "How long to wait before restarting the command after it exits.",
		Value: config.DefaultRestartDelay,
	},
	&cli.BoolFlag{
		Name:  "retry-spawn-failure",
		Usage: "Retry when the command can't be started, instead of exiting.",
	},
	&cli.StringFlag{
		Name:  "tls-cert",
		Usage: "Path to a PEM cert to serve TLS with.",
	},
	&cli.StringFlag{
		Name:  "tls-key",
		Usage: "Path to the PEM key for --tls-cert.",
	},
	&cli.IntFlag{
		Name:  "max-clients",
		Usage: "Maximum concurrent viewers, 0 for unlimited.",
	},
	&cli.Float64Flag{
		Name:  "join-rate",
		Usage: "Viewer joins allowed per second, 0 for unlimited.",
	},
	&cli.IntFlag{
		Name:  "join-burst",
		Usage: "Viewer joins allowed in a burst, when --join-rate is set.",
		Value: 1,
	},
	&cli.BoolFlag{
		Name:  "metrics",
		Usage: "Serve Prometheus metrics at /metrics.",
		Value: true,
	},
	&cli.StringFlag{
		Name:  "log-level",
		Usage: "One of [debug,info,warn,error].",
		Value: config.DefaultLogLevel,
	},
}

// loadConfig reads the config file, if any, and applies flags that were explicitly set on top of it.
func loadConfig(ctx *cli.Context) (*config.Config, error) {
	path := ctx.String("config")
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working dir: %w", err)
		}
		path, err = config.Find(wd)
		if err != nil {
			return nil, fmt.Errorf("finding config: %w", err)
		}
	}

	cfg := config.Default()
	if path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	}

	if ctx.IsSet("command") {
		cfg.Command = ctx.String("command")
	}
	if ctx.IsSet("addr") {
		cfg.Addr = ctx.String("addr")
	}
	if ctx.IsSet("shell") {
		cfg.Shell = ctx.String("shell")
	}
	if ctx.IsSet("history-lines") {
		cfg.HistoryLines = ctx.Int("history-lines")
	}
	if ctx.IsSet("restart-delay") {
		cfg.RestartDelay = ctx.Duration("restart-delay")
	}
	if ctx.IsSet("retry-spawn-failure") {
		cfg.RetrySpawnFailure = ctx.Bool("retry-spawn-failure")
	}
	if ctx.IsSet("tls-cert") {
		cfg.TLSCert = ctx.String("tls-cert")
	}
	if ctx.IsSet("tls-key") {
		cfg.TLSKey = ctx.String("tls-key")
	}
	if ctx.IsSet("max-clients") {
		cfg.MaxClients = ctx.Int("max-clients")
	}
	if ctx.IsSet("join-rate") {
		cfg.JoinRate = ctx.Float64("join-rate")
	}
	if ctx.IsSet("join-burst") {
		cfg.JoinBurst = ctx.Int("join-burst")
	}
	if ctx.IsSet("metrics") {
		cfg.Metrics = ctx.Bool("metrics")
	}
	if ctx.IsSet("log-level") {
		cfg.LogLevel = ctx.String("log-level")
	}

	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger.WithOptions(zap.IncreaseLevel(level)), nil
}

func serve(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	promReg := metrics.NewRegistry()

	registry := broadcast.NewRegistry(
		cfg.HistoryLines,
		broadcast.WithLogger(logger.Named("registry").Sugar()),
		broadcast.WithMetrics(metrics.NewBroadcast(promReg)),
	)

	supOpts := []supervisor.Option{
		supervisor.WithLogger(logger.Named("supervisor").Sugar()),
		supervisor.WithShell(cfg.Shell),
		supervisor.WithRestartDelay(cfg.RestartDelay),
		supervisor.WithMetrics(metrics.NewSupervisor(promReg)),
	}
	if cfg.RetrySpawnFailure {
		supOpts = append(supOpts, supervisor.WithRetrySpawnFailure())
	}
	sup := supervisor.New(cfg.Command, registry, supOpts...)

	srvOpts := []server.Option{
		server.WithListenAddr(cfg.Addr),
		server.WithLogger(logger),
		server.WithSupervisorState(sup.State),
		server.WithMaxClients(cfg.MaxClients),
	}
	if cfg.Metrics {
		srvOpts = append(srvOpts, server.WithMetrics(promReg))
	}
	if cfg.JoinRate > 0 {
		srvOpts = append(srvOpts, server.WithJoinRateLimit(rate.Limit(cfg.JoinRate), cfg.JoinBurst))
	}
	if cfg.TLSCert != "" {
		certPEM, err := os.ReadFile(cfg.TLSCert)
		if err != nil {
			return fmt.Errorf("reading TLS cert: %w", err)
		}
		keyPEM, err := os.ReadFile(cfg.TLSKey)
		if err != nil {
			return fmt.Errorf("reading TLS key: %w", err)
		}
		srvOpts = append(srvOpts, server.WithTLS(certPEM, keyPEM))
	}
	srv, err := server.New(registry, srvOpts...)
	if err != nil {
		return fmt.Errorf("building server: %w", err)
	}

	logger.Sugar().Infow("watching command", "Command", cfg.Command, "Addr", cfg.Addr)

	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// a supervisor error means the command could not be started, which takes the server down with it
	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error { return sup.Run(groupCtx) })
	group.Go(func() error { return srv.Run(groupCtx) })

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func tail(ctx *cli.Context) error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	logger = logger.WithOptions(zap.IncreaseLevel(zap.WarnLevel))

	var opts []server.ClientOption
	if caPath := ctx.String("ca-cert"); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return fmt.Errorf("reading CA cert: %w", err)
		}
		tlsConfig, err := server.ClientTLSConfig(caPEM)
		if err != nil {
			return fmt.Errorf("building client TLS config: %w", err)
		}
		opts = append(opts, server.WithClientTLSConfig(tlsConfig))
	}

	client, err := server.NewClient(logger.Sugar(), ctx.String("url"), opts...)
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return client.Tail(runCtx, ctx.App.Writer)
}

func genCert(ctx *cli.Context) error {
	certs, err := server.GenerateCerts(ctx.Duration("valid-for"), ctx.StringSlice("host")...)
	if err != nil {
		return fmt.Errorf("generating certs: %w", err)
	}

	dir := ctx.String("out-dir")
	err = os.MkdirAll(dir, 0755)
	if err != nil {
		return fmt.Errorf("making out dir: %w", err)
	}

	files := []struct {
		name string
		b    []byte
		mode os.FileMode
	}{
		{name: "ca.pem", b: certs.CA.CertPEMBytes, mode: 0644},
		{name: "cert.pem", b: certs.Server.CertPEMBytes, mode: 0644},
		{name: "key.pem", b: certs.Server.KeyPEMBytes, mode: 0600},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		err := os.WriteFile(path, f.b, f.mode)
		if err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
		fmt.Fprintf(ctx.App.Writer, "wrote %s\n", path)
	}
	return nil
}
