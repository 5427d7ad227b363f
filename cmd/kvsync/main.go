package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	kverrors "github.com/kvsync-labs/kvsync/pkg/kvsync/v1/errors"
	kvlog "github.com/kvsync-labs/kvsync/pkg/kvsync/v1/log"

	"github.com/kvsync-labs/kvsync/internal/config"
	"github.com/kvsync-labs/kvsync/internal/events"
	"github.com/kvsync-labs/kvsync/internal/logger"
	"github.com/kvsync-labs/kvsync/internal/metrics"
	"github.com/kvsync-labs/kvsync/internal/store"
	"github.com/kvsync-labs/kvsync/internal/tracing"
)

const (
	ExitSuccess         = 0
	ExitFailure         = 1
	ExitUsageError      = 2
	ExitSigIntBase      = 128
	ExitSigInt          = ExitSigIntBase + int(syscall.SIGINT)
	ExitSigTerm         = ExitSigIntBase + int(syscall.SIGTERM)
	DefaultLogLevel     = "info"
	DefaultLogFmt       = "text"
	DefaultEventBusSize = 256
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "validate" {
		runValidateCommand(os.Args[2:])
		return
	}
	if len(os.Args) == 2 && (os.Args[1] == "--version" || os.Args[1] == "-version") {
		printVersion()
		os.Exit(ExitSuccess)
	}
	os.Exit(runServeCommand(os.Args[1:]))
}

func printVersion() {
	fmt.Printf("kvsync version %s\n", version)
	fmt.Printf("commit: %s\n", commit)
	fmt.Printf("built: %s\n", buildDate)
	fmt.Printf("go version: %s\n", runtime.Version())
	fmt.Printf("os/arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func runValidateCommand(args []string) {
	validateFlags := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := validateFlags.String("config", "", "Path to the node config YAML file to validate (required)")
	logLevel := validateFlags.String("log-level", DefaultLogLevel, "Log level for validation output (debug, info, warn, error)")

	validateFlags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s validate -config <path> [flags...]\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Validates the structure and schema compatibility of a kvsync node config.")
		fmt.Fprintln(os.Stderr, "\nFlags:")
		validateFlags.PrintDefaults()
	}

	if err := validateFlags.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing validate flags: %v\n", err)
		os.Exit(ExitUsageError)
	}

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -config flag is required for validation")
		validateFlags.Usage()
		os.Exit(ExitUsageError)
	}

	log := logger.NewLogger(*logLevel, "text", os.Stderr)
	log.Infof("Validating config: %s", *configPath)

	_, err := config.LoadFromFile(*configPath)
	if err != nil {
		var validationErr *kverrors.ValidationError
		var configErr *kverrors.ConfigError
		if errors.As(err, &validationErr) {
			log.Errorf("Config validation failed:\n%s", validationErr.Error())
		} else if errors.As(err, &configErr) {
			log.Errorf("Config error:\n%s", configErr.Error())
		} else {
			log.Errorf("Failed to load or validate config: %v", err)
		}
		os.Exit(ExitFailure)
	}

	log.Infof("Config validation successful: %s", *configPath)
	os.Exit(ExitSuccess)
}

func runServeCommand(args []string) int {
	serveFlags := flag.NewFlagSet("kvsync", flag.ExitOnError)
	configPath := serveFlags.String("config", "", "Path to the node config YAML file (required)")
	roleFlag := serveFlags.String("role", "", "Role override (server, scheduler); defaults to config then KVSYNC_ROLE")
	logLevel := serveFlags.String("log-level", "", "Log level (debug, info, warn, error); overrides config")
	logFormat := serveFlags.String("log-format", "", "Log format (text, json); overrides config")
	metricsAddr := serveFlags.String("metrics-addr", "", "Optional listen address for the Prometheus /metrics endpoint")
	versionFlag := serveFlags.Bool("version", false, "Print version information and exit")

	serveFlags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags...] -config <path>\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Runs a kvsync server or scheduler node. Workers embed the store as a")
		fmt.Fprintln(os.Stderr, "library inside the training process; they are not hosted by this binary.")
		fmt.Fprintln(os.Stderr, "\nFlags:")
		serveFlags.PrintDefaults()
	}

	if err := serveFlags.Parse(args); err != nil {
		return ExitUsageError
	}

	if *versionFlag {
		printVersion()
		return ExitSuccess
	}

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -config flag is required")
		serveFlags.Usage()
		return ExitUsageError
	}

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return ExitFailure
	}

	level := DefaultLogLevel
	format := DefaultLogFmt
	if cfg.Log != nil {
		if cfg.Log.Level != "" {
			level = cfg.Log.Level
		}
		if cfg.Log.Format != "" {
			format = cfg.Log.Format
		}
	}
	if *logLevel != "" {
		level = *logLevel
	}
	if *logFormat != "" {
		format = *logFormat
	}
	if format != "text" && format != "json" {
		fmt.Fprintln(os.Stderr, "Error: -log-format must be 'text' or 'json'")
		return ExitUsageError
	}

	var logWriter io.Writer = os.Stderr
	log := logger.NewLogger(level, format, logWriter)
	log = log.With("kvsync_version", version)

	role, err := cfg.Cluster.ResolveRole(*roleFlag)
	if err != nil {
		log.Errorf("Role resolution failed: %v", err)
		return ExitUsageError
	}
	if role == config.RoleWorker {
		log.Errorf("The worker role runs embedded in the training process; this binary hosts server and scheduler nodes only.")
		return ExitUsageError
	}

	log.Infof("kvsync v%s starting as %s (store type %s)...", version, role, cfg.Store)

	metricsProvider := metrics.NewProcessRegistryProvider()
	eventBus := events.NewChannelEventBus(DefaultEventBusSize, log)
	defer eventBus.Close()
	tracerProvider, err := tracing.NewProviderFromEnv(context.Background())
	if err != nil {
		log.Warnf("Failed to initialize tracing from environment: %v. Using NoOp tracer.", err)
		tracerProvider, _ = tracing.NewNoOpProvider()
	}

	storeOpts := []store.Option{
		store.WithLogger(log),
		store.WithMetricsRegistryProvider(metricsProvider),
		store.WithTracerProvider(tracerProvider),
		store.WithEventBus(eventBus),
		store.WithRole(role),
	}
	if cfg.Cluster != nil {
		storeOpts = append(storeOpts, store.WithCluster(cfg.Cluster))
	}
	if cfg.Engine != nil && cfg.Engine.Workers > 0 {
		storeOpts = append(storeOpts, store.WithEngineWorkers(cfg.Engine.Workers))
	}

	st, err := store.Create(cfg.Store, storeOpts...)
	if err != nil {
		log.Errorf("Failed to create store: %v", err)
		return ExitFailure
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	listener := events.NewMetricsEventListener(eventBus, metricsProvider, log)
	go listener.Start(runCtx)

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, metricsProvider, log)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var sigMu sync.Mutex
	var receivedSignal os.Signal
	go func() {
		select {
		case sig := <-sigChan:
			log.Warnf("Received signal: %v. Shutting down node...", sig)
			sigMu.Lock()
			receivedSignal = sig
			sigMu.Unlock()
			st.Close()
		case <-runCtx.Done():
		}
	}()

	ctrl := func(cmd int, body string) {
		log.Infof("Controller executed command %d (%d body bytes)", cmd, len(body))
	}

	runErr := st.RunServer(ctrl)
	cancelRun()

	sigMu.Lock()
	finalSignal := receivedSignal
	sigMu.Unlock()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if shutdownErr := tracerProvider.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Warnf("Error shutting down tracer provider: %v", shutdownErr)
	}

	return determineExitCode(runErr, finalSignal, log)
}

func serveMetrics(addr string, provider *metrics.PrometheusRegistryProvider, log kvlog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(provider.Registry(), promhttp.HandlerOpts{}))
	log.Infof("Serving Prometheus metrics on %s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warnf("Metrics endpoint terminated: %v", err)
	}
}

func determineExitCode(runErr error, sig os.Signal, log kvlog.Logger) int {
	if runErr != nil {
		log.Errorf("Node loop failed: %v", runErr)
		return ExitFailure
	}
	switch sig {
	case syscall.SIGINT:
		return ExitSigInt
	case syscall.SIGTERM:
		return ExitSigTerm
	default:
		log.Infof("Node shut down cleanly.")
		return ExitSuccess
	}
}
