package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/lmercer/proxycache/internal/cache"
	"github.com/lmercer/proxycache/internal/cli"
	"github.com/lmercer/proxycache/internal/config"
	"github.com/lmercer/proxycache/internal/control"
	"github.com/lmercer/proxycache/internal/logging"
	"github.com/lmercer/proxycache/internal/pidfile"
	"github.com/lmercer/proxycache/internal/proxy"
)

var exit = os.Exit

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		exit(1)
	}
}

func run(args []string) error {
	configPath := flag.String("config", "", "Path to config file")
	daemon := flag.Bool("daemon", false, "Run as a background daemon")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	flag.Parse()

	// A single numeric positional argument is the listening port; any
	// other positional arguments are CLI subcommands for a running
	// instance.
	portOverride := 0
	if rest := flag.Args(); len(rest) > 0 {
		if port, err := strconv.Atoi(rest[0]); err == nil && len(rest) == 1 {
			if port >= 1 && port <= config.MaxPortNumber {
				portOverride = port
			}
		} else {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("error loading config for CLI: %w", err)
			}
			return cli.Run(cfg.Server.ControlPort, rest)
		}
	}

	if *daemon {
		if _, err := pidfile.Read(); err == nil {
			return fmt.Errorf("proxycache is already running")
		}
		args := os.Args[1:]
		for i, arg := range args {
			if arg == "--daemon" || arg == "-daemon" {
				args = append(args[:i], args[i+1:]...)
				break
			}
		}
		cmd := exec.Command(os.Args[0], args...)
		cmd.SysProcAttr = getProcAttr()
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
		fmt.Printf("proxycache started in background with PID: %d\n", cmd.Process.Pid)
		return nil
	}

	startServer(*configPath, *logLevel, portOverride)
	return nil
}

func startServer(configPath, logLevelOverride string, portOverride int, testShutdown ...func()) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		slog.Default().Error("failed to load config", "error", err)
		exit(1)
	}
	if portOverride != 0 {
		cfg.Server.ProxyPort = portOverride
	}

	appLevel := cfg.Logging.AppLevel
	if logLevelOverride != "" {
		appLevel = logLevelOverride
	}
	logger := newLogger(appLevel, cfg.Logging.AppLogfile)

	if err := pidfile.Write(); err != nil {
		logger.Error("failed to write pidfile", "error", err)
		exit(1)
	}
	defer pidfile.Remove()

	store, err := newStore(cfg)
	if err != nil {
		logger.Error("failed to create cache store", "error", err)
		pidfile.Remove()
		exit(1)
	}
	logger.Debug("cache store created", "backend", cfg.Cache.Backend,
		"capacityBytes", cfg.Cache.CapacityBytes(), "maxEntryBytes", cfg.Cache.MaxEntryBytes())

	events := logging.NewEventLogger(logging.EventLoggerConfig{
		Format:        logging.Format(cfg.Logging.EventsFormat),
		StdoutEnabled: cfg.Logging.EventsToStdout,
		LogFile:       cfg.Logging.EventsLogfile,
	})

	p := proxy.NewServer(logger, events, store, cfg)

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.Shutdown(ctx); err != nil {
			logger.Error("proxy shutdown failed", "error", err)
		}
		events.Close()
		pidfile.Remove()
		if len(testShutdown) > 0 {
			testShutdown[0]()
		} else {
			exit(0)
		}
	}

	controlAPI := control.NewAPI(logger, cfg, store, p, shutdown)
	go func() {
		if err := controlAPI.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("control API failed", "error", err)
			exit(1)
		}
	}()

	handleSignals(logger, shutdown, controlAPI.ReloadConfig)

	logger.Info("proxycache starting", "port", cfg.Server.ProxyPort, "controlPort", cfg.Server.ControlPort)
	if err := p.Start(); err != nil {
		logger.Error("proxy failed", "error", err)
		pidfile.Remove()
		exit(1)
	}
}

// newLogger builds the application logger. An empty level disables
// application logging entirely.
func newLogger(level, logfile string) *slog.Logger {
	if level == "" {
		return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	}

	var logWriter io.Writer = os.Stdout
	if logfile != "" {
		file, err := os.OpenFile(logfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			slog.Default().Error("failed to open application log file", "error", err)
			exit(1)
		}
		logWriter = io.MultiWriter(os.Stdout, file)
	}

	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{Level: l}))
}

func newStore(cfg *config.Config) (cache.Store, error) {
	switch cfg.Cache.Backend {
	case "redis":
		return cache.NewRedisCache(cfg.Cache.RedisAddr, cfg.Cache.RedisPassword,
			cfg.Cache.RedisDB, cfg.Cache.GetRedisTTL(), cfg.Cache.MaxEntryBytes())
	default:
		return cache.NewMemoryCache(cfg.Cache.CapacityBytes(), cfg.Cache.MaxEntryBytes()), nil
	}
}

func handleSignals(logger *slog.Logger, shutdown func(), reload func() error) {
	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		for {
			sig := <-sigchan
			switch sig {
			case syscall.SIGINT, syscall.SIGTERM:
				logger.Info("shutdown signal received, starting graceful shutdown")
				shutdown()
			case syscall.SIGHUP:
				logger.Info("SIGHUP signal received, reloading configuration")
				if err := reload(); err != nil {
					logger.Error("failed to reload configuration", "error", err)
				}
			}
		}
	}()
}
