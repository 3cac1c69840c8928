package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/hanpama/conductor/conductor"
	"github.com/hanpama/conductor/data"
	"github.com/hanpama/conductor/eventbus"
	"github.com/hanpama/conductor/internal/metrics"
	"github.com/hanpama/conductor/internal/otel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const rootUsage = `conductor-demo: example conductors served over HTTP

USAGE:
  conductor-demo <command> [flags]

COMMANDS:
  serve            Run the HTTP server with the example conductors
  routes           List the example routes and their stage stacks
  help             Show help for any command
`

const serveUsage = `serve FLAGS:
  -config <file>                      YAML config file; flags override it
  -server.addr <addr>                 HTTP listen address (default: :8080)
  -server.pretty                      Pretty-print JSON error responses
  -server.timeout <duration>          Per-request timeout, e.g. 10s (default: 10s)
  -server.request-id-header <name>    Take request ids from this header and echo them
  -server.metrics <bool>              Serve Prometheus metrics on /metrics (default: true)
  -remote.request-timeout <duration>  Outbound call timeout (default: 3s)
  -remote.rate-limit <per-second>     Outbound calls per second per target; 0 disables
  -remote.burst <n>                   Rate limiter burst (default: 1)
  -remote.concurrency <n>             Max data objects fetched at once; 0 is unlimited
  -otel.endpoint <addr>               OTLP collector endpoint
  -otel.service <name>                OpenTelemetry service name (default: conductor-demo)
  -log.level <level>                  debug, info, warn or error (default: info)
  -log.format <format>                text or json (default: text)
`

const routesUsage = `routes FLAGS:
  -config <file>  YAML config file
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	global := flag.NewFlagSet("conductor-demo", flag.ContinueOnError)
	global.SetOutput(new(bytes.Buffer))
	if err := global.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, rootUsage)
		return err
	}
	remaining := global.Args()
	if len(remaining) == 0 {
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("missing command")
	}

	cmd := remaining[0]
	cmdArgs := remaining[1:]
	switch cmd {
	case "serve":
		return cmdServe(cmdArgs)
	case "routes":
		return cmdRoutes(cmdArgs)
	case "help":
		return cmdHelp(cmdArgs)
	default:
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdHelp(args []string) error {
	if len(args) == 0 {
		fmt.Print(rootUsage)
		return nil
	}
	switch args[0] {
	case "serve":
		fmt.Print(serveUsage)
	case "routes":
		fmt.Print(routesUsage)
	default:
		return fmt.Errorf("unknown help topic %q", args[0])
	}
	return nil
}

// serveFlags binds the serve flags to cfg.
func serveFlags(cfg *Config, path *string) *flag.FlagSet {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(path, "config", *path, "YAML config file")
	fs.StringVar(&cfg.Server.Addr, "server.addr", cfg.Server.Addr, "HTTP listen address")
	fs.BoolVar(&cfg.Server.Pretty, "server.pretty", cfg.Server.Pretty, "Pretty-print JSON error responses")
	fs.DurationVar(&cfg.Server.Timeout, "server.timeout", cfg.Server.Timeout, "Per-request timeout")
	fs.StringVar(&cfg.Server.RequestIDHeader, "server.request-id-header", cfg.Server.RequestIDHeader, "Request id header")
	fs.BoolVar(&cfg.Server.Metrics, "server.metrics", cfg.Server.Metrics, "Serve Prometheus metrics")
	fs.DurationVar(&cfg.Remote.RequestTimeout, "remote.request-timeout", cfg.Remote.RequestTimeout, "Outbound call timeout")
	fs.Float64Var(&cfg.Remote.RateLimit, "remote.rate-limit", cfg.Remote.RateLimit, "Outbound calls per second per target")
	fs.IntVar(&cfg.Remote.Burst, "remote.burst", cfg.Remote.Burst, "Rate limiter burst")
	fs.IntVar(&cfg.Remote.Concurrency, "remote.concurrency", cfg.Remote.Concurrency, "Max data objects fetched at once")
	fs.StringVar(&cfg.Otel.Endpoint, "otel.endpoint", cfg.Otel.Endpoint, "OTLP collector endpoint")
	fs.StringVar(&cfg.Otel.Service, "otel.service", cfg.Otel.Service, "OpenTelemetry service name")
	fs.StringVar(&cfg.Log.Level, "log.level", cfg.Log.Level, "Log level")
	fs.StringVar(&cfg.Log.Format, "log.format", cfg.Log.Format, "Log format")
	return fs
}

// parseServe resolves the serve configuration: defaults, then the -config
// file, then the remaining flags.
func parseServe(args []string) (Config, error) {
	var path string
	scratch := defaultConfig()
	if err := serveFlags(&scratch, &path).Parse(args); err != nil {
		return Config{}, err
	}
	cfg, err := loadConfig(path)
	if err != nil {
		return Config{}, err
	}
	if err := serveFlags(&cfg, &path).Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func cmdServe(args []string) error {
	cfg, err := parseServe(args)
	if err != nil {
		fmt.Fprint(os.Stderr, serveUsage)
		return err
	}
	logger, err := cfg.Log.logger()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := eventbus.New()
	shutdown, err := otel.Setup(ctx, bus, cfg.Otel.Endpoint, cfg.Otel.Service)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: newMux(cfg, logger, bus)}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("conductor demo listening", slog.String("addr", cfg.Server.Addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.Timeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// newMux installs every example conductor on a fresh mux. Outbound calls,
// data resolution and metrics are wired to bus.
func newMux(cfg Config, logger *slog.Logger, bus *eventbus.Bus) *http.ServeMux {
	topts := []data.Option{data.WithBus(bus)}
	if cfg.Remote.RequestTimeout > 0 {
		topts = append(topts, data.WithRequestTimeout(cfg.Remote.RequestTimeout))
	}
	if cfg.Remote.RateLimit > 0 {
		topts = append(topts, data.WithRateLimit(cfg.Remote.RateLimit, cfg.Remote.Burst))
	}
	ropts := []data.ResolverOption{data.WithResolverBus(bus)}
	if cfg.Remote.Concurrency > 0 {
		ropts = append(ropts, data.WithConcurrency(cfg.Remote.Concurrency))
	}

	copts := []conductor.Option{
		conductor.WithLogger(logger),
		conductor.WithBus(bus),
		conductor.WithTimeout(cfg.Server.Timeout),
		conductor.WithDialer(data.NewTransport(topts...)),
		conductor.WithResolver(data.NewResolver(ropts...)),
	}
	if cfg.Server.RequestIDHeader != "" {
		copts = append(copts, conductor.WithRequestIDHeader(cfg.Server.RequestIDHeader))
	}
	if cfg.Server.Pretty {
		copts = append(copts, conductor.WithPretty())
	}

	mux := http.NewServeMux()
	for path, def := range routes(cfg) {
		conductor.Get(mux, conductor.RouteOptions{Path: path, Name: def.Name()}, def, copts...)
	}

	if cfg.Server.Metrics {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		metrics.New(reg).Attach(bus)
		mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}
	return mux
}

func cmdRoutes(args []string) error {
	var path string
	fs := flag.NewFlagSet("routes", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&path, "config", path, "YAML config file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, routesUsage)
		return err
	}
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	m := routes(cfg)
	paths := make([]string, 0, len(m))
	for p := range m {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	for _, p := range paths {
		def := m[p]
		fmt.Printf("%-12s %s\n", p, def.Name())
		if stack := def.DebugStack(); len(stack) > 0 {
			fmt.Printf("  %s\n", strings.Join(stack, " "))
		}
	}
	return nil
}
