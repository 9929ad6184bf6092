// Package main is the entry point for the Turnstile gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/compresr/turnstile/internal/admission"
	"github.com/compresr/turnstile/internal/config"
	"github.com/compresr/turnstile/internal/gateway"
	"github.com/compresr/turnstile/internal/history"
	"github.com/compresr/turnstile/internal/monitoring"
	"github.com/compresr/turnstile/internal/pool"
	"github.com/compresr/turnstile/internal/session"
	"github.com/compresr/turnstile/internal/tokens"
	"github.com/compresr/turnstile/internal/upstream"
)

// Version is set at build time via ldflags
var Version = "v0.1.0"

// loadEnvFiles loads .env from standard locations
func loadEnvFiles() {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		_ = godotenv.Load()
		return
	}

	// Try loading from ~/.config/turnstile/.env first
	configEnv := filepath.Join(homeDir, ".config", "turnstile", ".env")
	if _, err := os.Stat(configEnv); err == nil {
		_ = godotenv.Load(configEnv)
	}

	// Also load local .env (can override)
	_ = godotenv.Load()
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve", "start":
			if err := runServe(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "turnstile: %v\n", err)
				os.Exit(1)
			}
			return
		case "check":
			if err := runCheck(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "turnstile: %v\n", err)
				os.Exit(1)
			}
			return
		case "version", "-v", "--version":
			fmt.Printf("turnstile %s\n", Version)
			return
		case "help", "-h", "--help":
			printHelp()
			return
		}
	}

	printHelp()
	os.Exit(2)
}

// resolveConfig resolves the config for serve and check.
// Checks: user flag -> filesystem locations -> embedded default.
// Returns raw bytes and source description.
func resolveConfig(userConfig string) ([]byte, string, error) {
	if userConfig != "" {
		data, err := os.ReadFile(userConfig)
		if err != nil {
			return nil, "", fmt.Errorf("config file not found: %s", userConfig)
		}
		return data, userConfig, nil
	}

	var searchPaths []string
	if homeDir, _ := os.UserHomeDir(); homeDir != "" {
		searchPaths = append(searchPaths, filepath.Join(homeDir, ".config", "turnstile", "turnstile.yaml"))
	}
	searchPaths = append(searchPaths, "configs/turnstile.yaml", "turnstile.yaml")

	for _, path := range searchPaths {
		if data, err := os.ReadFile(path); err == nil {
			return data, path, nil
		}
	}

	data, err := defaultConfig()
	if err != nil {
		return nil, "", fmt.Errorf("no config file found, specify --config: %w", err)
	}
	return data, "(embedded) turnstile.yaml", nil
}

func loadConfig(path string) (*config.Config, string, error) {
	data, source, err := resolveConfig(path)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.LoadFromBytes(data)
	if err != nil {
		return nil, source, fmt.Errorf("%s: %w", source, err)
	}
	return cfg, source, nil
}

// runCheck validates a configuration without starting anything.
func runCheck(args []string) error {
	loadEnvFiles()

	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args) // ExitOnError handles errors

	_, source, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	fmt.Printf("%s: ok\n", source)
	return nil
}

// runServe starts the gateway server and blocks until a shutdown signal.
func runServe(args []string) error {
	loadEnvFiles()

	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(args) // ExitOnError handles errors

	cfg, source, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *debug {
		cfg.Monitoring.Log.Level = "debug"
	}

	logger := monitoring.Global(cfg.Monitoring.Log)
	logger.Info().
		Str("version", Version).
		Str("config", source).
		Msg("Turnstile starting")

	app, err := build(cfg, logger)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.gateway.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case serveErr = <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	app.shutdown(ctx)

	log.Info().Msg("Turnstile stopped")
	return serveErr
}

// app holds everything runServe has to tear down.
type app struct {
	gateway       *gateway.Gateway
	client        *upstream.Client
	pool          *pool.Pool
	completionLog *monitoring.CompletionLog
}

// build wires config into the running components, inside out: transport,
// pool, admission, normalizer, sinks, sessions, HTTP.
func build(cfg *config.Config, logger *monitoring.Logger) (*app, error) {
	client, err := upstream.NewClient(cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}
	connPool, err := pool.New(cfg.Pool, client)
	if err != nil {
		client.Shutdown()
		return nil, fmt.Errorf("pool: %w", err)
	}
	admit, err := admission.New(cfg.Session.Admission)
	if err != nil {
		connPool.Close()
		client.Shutdown()
		return nil, fmt.Errorf("admission: %w", err)
	}
	estimator, err := tokens.New(cfg.Tokens)
	if err != nil {
		// The approximation is always available; a bad encoding is not fatal.
		log.Warn().Err(err).Str("tokenizer", cfg.Tokens.Tokenizer).Msg("falling back to approximate token counting")
		estimator = tokens.Approx{BytesPerToken: cfg.Tokens.BytesPerToken}
	}

	completionLog, err := monitoring.NewCompletionLog(cfg.Monitoring.CompletionLog)
	if err != nil {
		connPool.Close()
		client.Shutdown()
		return nil, fmt.Errorf("completion log: %w", err)
	}
	alerts := monitoring.NewAlertManager(logger, cfg.Monitoring.Alerts)
	sinks := monitoring.Sinks{completionLog, alerts}

	var metrics *monitoring.Metrics
	if cfg.Monitoring.MetricsEnabled {
		metrics = monitoring.NewMetrics()
		metrics.RegisterPool(func() (int, int) {
			s := connPool.Snapshot()
			return s.InUse, s.Idle
		})
		metrics.RegisterAdmission(func() int { return admit.Snapshot().InFlight })
		sinks = append(sinks, metrics)
	}

	sessions, err := session.NewManager(cfg.Session.Limits, session.Deps{
		Normalizer:    history.NewNormalizer(cfg.Normalizer),
		Pool:          connPool,
		Admission:     admit,
		Estimator:     estimator,
		Sink:          sinks,
		ModelOverride: cfg.Upstream.Model,
	})
	if err != nil {
		connPool.Close()
		client.Shutdown()
		return nil, fmt.Errorf("session: %w", err)
	}

	gw, err := gateway.New(gateway.Options{
		Server:      cfg.Server,
		Sessions:    sessions,
		Pool:        connPool,
		Admission:   admit,
		Metrics:     metrics,
		MetricsPath: cfg.Monitoring.MetricsPath,
		Logger:      logger,
		Alerts:      alerts,
	})
	if err != nil {
		connPool.Close()
		client.Shutdown()
		return nil, fmt.Errorf("gateway: %w", err)
	}

	logger.Info().
		Int("port", cfg.Server.Port).
		Str("upstream", client.Endpoint()).
		Int("max_connections", cfg.Pool.MaxConnections).
		Int("max_concurrent_sessions", cfg.Session.Admission.MaxConcurrentSessions).
		Bool("metrics", metrics != nil).
		Msg("configuration loaded")

	return &app{gateway: gw, client: client, pool: connPool, completionLog: completionLog}, nil
}

// shutdown stops accepting requests, waits for in-flight sessions within
// ctx, then closes the pool and the transport.
func (a *app) shutdown(ctx context.Context) {
	if err := a.gateway.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("gateway shutdown error")
	}
	a.pool.Close()
	a.client.Shutdown()
	if err := a.completionLog.Close(); err != nil {
		log.Error().Err(err).Msg("completion log close error")
	}
}

// printHelp prints usage information
func printHelp() {
	fmt.Println("Turnstile - Messages API gateway for OpenAI-compatible backends")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  turnstile [command]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve        Start the gateway server")
	fmt.Println("  check        Validate a configuration file")
	fmt.Println("  version      Print version information")
	fmt.Println("  help         Show this help message")
	fmt.Println()
	fmt.Println("Server Options:")
	fmt.Println("  turnstile serve [--config FILE] [--debug]")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Printf("  %-28s Upstream API key (overrides upstream.api_key)\n", config.EnvUpstreamAPIKey)
	fmt.Printf("  %-28s Log level (overrides monitoring.log.level)\n", config.EnvLogLevel)
	fmt.Printf("  %-28s Completion log path (enables monitoring.completion_log)\n", config.EnvCompletionLog)
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  turnstile serve --config configs/turnstile.yaml")
	fmt.Println("  turnstile serve --debug")
	fmt.Println("  turnstile check --config configs/turnstile.yaml")
}
