package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/basket/turfbot/internal/bots"
	"github.com/basket/turfbot/internal/bus"
	"github.com/basket/turfbot/internal/config"
	"github.com/basket/turfbot/internal/cron"
	"github.com/basket/turfbot/internal/gateway"
	otelPkg "github.com/basket/turfbot/internal/otel"
	"github.com/basket/turfbot/internal/persistence"
	"github.com/basket/turfbot/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s [flags]                  Serve the configured bot over websocket

SUBCOMMANDS:
  %s status [-addr a] [-json] Show daemon health status (/healthz)
  %s info [-addr a] [-path p] Fetch bot info from a running daemon
  %s doctor [-json]           Run diagnostic checks
  %s version                  Print the build version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TURFBOT_HOME            Data directory (default: ~/.turfbot)
  TURFBOT_BIND_ADDR       Listen address (overrides config.yaml)
  TURFBOT_LOG_LEVEL       debug, info, warn or error
  TURFBOT_BOT             Bot to serve (%s)
`, strings.Join(bots.Names(), ", "))
}

// daemonFlags are command-line overrides applied on top of config.yaml.
type daemonFlags struct {
	bind     string
	port     int
	logLevel string
	quiet    bool
}

func main() {
	var flags daemonFlags
	flag.StringVar(&flags.bind, "bind", "", "listen address host:port (overrides bind_addr)")
	flag.IntVar(&flags.port, "port", 0, "listen port (replaces the port of bind_addr)")
	flag.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flag.BoolVar(&flags.quiet, "quiet", false, "log to the log file only")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "info":
			os.Exit(runInfoCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "version":
			fmt.Println(Version)
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runDaemon(ctx, flags)
}

func runDaemon(ctx context.Context, flags daemonFlags) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if err := applyFlags(&cfg, flags); err != nil {
		fatalStartup(nil, "E_CONFIG_FLAGS", err)
	}

	level := new(slog.LevelVar)
	level.Set(telemetry.ParseLevel(cfg.LogLevel))
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, level, flags.quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "config_fingerprint", cfg.Fingerprint())

	eventBus := bus.New()

	// No-op when disabled.
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
		Bot:         cfg.Bot,
		Version:     Version,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	otelMetrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	var (
		journal  gateway.Journal
		recorder *persistence.Recorder
	)
	if cfg.Journal.Enabled {
		store, err := persistence.Open(cfg.JournalPath())
		if err != nil {
			fatalStartup(logger, "E_JOURNAL_OPEN", err)
		}
		defer store.Close()
		journal = store
		recorder = persistence.NewRecorder(store, eventBus, logger)

		retention, err := cron.NewScheduler(cron.Config{
			Store:         store,
			Logger:        logger,
			Schedule:      cfg.Journal.RetentionSchedule,
			RetentionDays: cfg.Journal.RetentionDays,
		})
		if err != nil {
			fatalStartup(logger, "E_RETENTION_SCHEDULE", err)
		}
		retention.Start(ctx)
		defer retention.Stop()
		logger.Info("startup phase", "phase", "journal_opened", "path", cfg.JournalPath())
	}

	b, err := bots.Lookup(cfg.Bot, logger)
	if err != nil {
		fatalStartup(logger, "E_BOT_INIT", err)
	}

	gw := gateway.New(gateway.Config{
		Bot:               b,
		Bus:               eventBus,
		Store:             journal,
		Tracer:            otelProvider.Tracer,
		Metrics:           gateway.NewMetrics(otelMetrics),
		Logger:            logger,
		AllowOrigins:      cfg.AllowOrigins,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		ConfigFingerprint: cfg.Fingerprint(),
	})
	server := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr)))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(gctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	g.Go(func() error {
		current := cfg
		for ev := range confWatcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			next, err := reloadConfig(current, flags, level, logger)
			if err != nil {
				logger.Error("config.yaml reload rejected; retaining previous config", "error", err)
				continue
			}
			current = next
		}
		return nil
	})

	// The recorder outlives gctx so it can journal the close events that
	// gw.Close publishes.
	recCtx, stopRecorder := context.WithCancel(context.Background())
	defer stopRecorder()
	if recorder != nil {
		g.Go(func() error { return recorder.Run(recCtx) })
	}

	g.Go(func() error {
		logger.Info("gateway listening", "addr", ln.Addr().String(), "bot", b.Name(), "version", Version)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		gw.Close()
		stopRecorder()
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error("gateway server error", "error", err)
	}
	logger.Info("shutdown complete")
}

// applyFlags layers command-line overrides onto cfg. -bind replaces the
// whole address before -port replaces its port.
func applyFlags(cfg *config.Config, flags daemonFlags) error {
	if b := strings.TrimSpace(flags.bind); b != "" {
		if _, _, err := net.SplitHostPort(b); err != nil {
			return fmt.Errorf("-bind %q: %w", b, err)
		}
		cfg.BindAddr = b
	}
	if flags.port != 0 {
		if err := cfg.SetPort(flags.port); err != nil {
			return fmt.Errorf("-port: %w", err)
		}
	}
	if lvl := strings.ToLower(strings.TrimSpace(flags.logLevel)); lvl != "" {
		switch lvl {
		case "debug", "info", "warn", "warning", "error":
			cfg.LogLevel = lvl
		default:
			return fmt.Errorf("-log-level %q: want debug, info, warn or error", flags.logLevel)
		}
	}
	return nil
}

// reloadConfig re-reads config.yaml and applies what can change live: the
// log level, unless pinned by -log-level. Other changed settings are logged
// as needing a restart.
func reloadConfig(current config.Config, flags daemonFlags, level *slog.LevelVar, logger *slog.Logger) (config.Config, error) {
	next, err := config.LoadFrom(current.HomeDir)
	if err != nil {
		return current, err
	}
	if err := applyFlags(&next, flags); err != nil {
		return current, err
	}
	if next.LogLevel != current.LogLevel {
		level.Set(telemetry.ParseLevel(next.LogLevel))
		logger.Info("log level changed", "from", current.LogLevel, "to", next.LogLevel)
	}

	var restart []string
	if next.BindAddr != current.BindAddr {
		restart = append(restart, "bind_addr")
	}
	if next.Bot != current.Bot {
		restart = append(restart, "bot")
	}
	if next.Journal != current.Journal {
		restart = append(restart, "journal")
	}
	if next.Telemetry != current.Telemetry {
		restart = append(restart, "telemetry")
	}
	if next.MaxMessageBytes != current.MaxMessageBytes {
		restart = append(restart, "max_message_bytes")
	}
	if strings.Join(next.AllowOrigins, ",") != strings.Join(current.AllowOrigins, ",") {
		restart = append(restart, "allow_origins")
	}
	if len(restart) > 0 {
		logger.Warn("config changes need a restart to take effect", "fields", restart)
	}
	logger.Info("config.yaml hot-reloaded", "config_fingerprint", next.Fingerprint())
	return next, nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	writeStartupFailure(logger, os.Stderr, reasonCode, err)
	os.Exit(1)
}

func writeStartupFailure(logger *slog.Logger, w io.Writer, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
		return
	}
	fmt.Fprintf(
		w,
		`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
		time.Now().UTC().Format(time.RFC3339Nano),
		reasonCode,
		message,
	)
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process, pass -port, or change bind_addr in config.yaml.", port)
}

// dialAddr turns a listen address into one a local client can connect to.
func dialAddr(bindAddr string) string {
	addr := strings.TrimSpace(bindAddr)
	if addr == "" {
		addr = config.DefaultBindAddr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
