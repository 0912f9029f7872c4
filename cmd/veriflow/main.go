// Package main provides the veriflow binary entry point.
// Veriflow drives crisis-report verification workflows from raw item intake
// through risk scoring, human review, and advisory publication.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/spf13/cobra"

	"github.com/crisislens/veriflow/bus"
	"github.com/crisislens/veriflow/config"
	"github.com/crisislens/veriflow/processor/observer"
	"github.com/crisislens/veriflow/processor/orchestrator"
	"github.com/crisislens/veriflow/processor/review"
	"github.com/crisislens/veriflow/supervisor"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "veriflow"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
		natsURL    string
		embedded   bool
		dataDir    string
	)

	cmd := &cobra.Command{
		Use:   "veriflow",
		Short: "Verification workflow orchestrator",
		Long: `Veriflow orchestrates the verification of crisis reports: raw items
enter over the event bus, run through a pipeline of normalization, claim
extraction, evidence retrieval and risk scoring, and either publish an
advisory automatically or park for human review.

All components communicate via NATS; workflow state and checkpoints live in
JetStream key-value buckets so any orchestrator instance can resume any
workflow.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel, natsURL, embedded, dataDir)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&natsURL, "nats-url", "", "External NATS server URL")
	cmd.Flags().BoolVar(&embedded, "embedded", false, "Run an embedded NATS server")
	cmd.Flags().StringVar(&dataDir, "data-dir", "veriflow-data", "Embedded server storage directory")

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(configPath, logLevel, natsURL string, embedded bool, dataDir string) error {
	// Configure logging
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.NewLoader(logger).Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Flags override file and environment
	if natsURL != "" {
		cfg.NATS.URL = natsURL
		cfg.NATS.Embedded = false
	}
	if embedded {
		cfg.NATS.Embedded = true
	}

	ctx := context.Background()

	// Start the embedded server when no external broker is configured
	url := cfg.NATS.URL
	if cfg.NATS.Embedded || url == "" {
		ns, err := startEmbeddedServer(dataDir, logger)
		if err != nil {
			return err
		}
		defer ns.Shutdown()
		url = ns.ClientURL()
	}

	// Connect to NATS
	natsClient, err := connectToNATS(ctx, url, logger)
	if err != nil {
		return err
	}
	defer natsClient.Close(ctx)

	// Ensure JetStream streams exist
	js, err := natsClient.JetStream()
	if err != nil {
		return fmt.Errorf("get JetStream context: %w", err)
	}
	if err := bus.EnsureStreams(ctx, js, cfg.Pipeline.WorkflowTTL); err != nil {
		return fmt.Errorf("ensure streams: %w", err)
	}

	slog.Info("Veriflow ready", "version", Version, "nats_url", url)

	// Create and populate component registry
	componentRegistry := component.NewRegistry()
	if err := orchestrator.Register(componentRegistry); err != nil {
		return fmt.Errorf("register orchestrator: %w", err)
	}
	if err := review.Register(componentRegistry); err != nil {
		return fmt.Errorf("register review: %w", err)
	}
	if err := observer.Register(componentRegistry); err != nil {
		return fmt.Errorf("register observer: %w", err)
	}

	deps := component.Dependencies{
		NATSClient: natsClient,
		Logger:     logger,
	}

	comps, err := buildComponents(cfg, deps)
	if err != nil {
		return err
	}

	sup := supervisor.New(logger)
	sup.Add(comps...)

	// Setup signal handling
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	slog.Info("Starting all components")
	if err := sup.StartAll(signalCtx); err != nil {
		return fmt.Errorf("start components: %w", err)
	}
	slog.Info("All components started")

	// Block until shutdown signal
	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	// Restore default handling so a second signal aborts immediately
	signalCancel()

	if err := sup.StopAll(cfg.Supervisor.ShutdownGrace); err != nil {
		slog.Error("Error stopping components", "error", err)
	}

	slog.Info("Veriflow shutdown complete")
	return nil
}

// buildComponents constructs the processor set from the loaded configuration.
// Transport knobs go through each component's JSON config; the full pipeline
// configuration is injected directly so components never re-read it from
// disk.
func buildComponents(cfg *config.Config, deps component.Dependencies) ([]component.LifecycleComponent, error) {
	orchJSON, err := json.Marshal(orchestrator.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("marshal orchestrator config: %w", err)
	}
	reviewJSON, err := json.Marshal(review.Config{
		ListenAddr:           cfg.Review.ListenAddr,
		LeaseTTLSeconds:      int(cfg.Review.LeaseTTL.Seconds()),
		ReminderAfterSeconds: int(cfg.Review.ReminderAfter.Seconds()),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal review config: %w", err)
	}
	observerJSON, err := json.Marshal(observer.Config{
		ListenAddr:          cfg.Observer.ListenAddr,
		QueueSize:           cfg.Observer.QueueSize,
		PingIntervalSeconds: int(cfg.Observer.PingInterval.Seconds()),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal observer config: %w", err)
	}

	specs := []struct {
		name      string
		rawConfig json.RawMessage
		factory   func(json.RawMessage, component.Dependencies) (component.Discoverable, error)
	}{
		{"orchestrator", orchJSON, orchestrator.NewComponent},
		{"review", reviewJSON, review.NewComponent},
		{"observer", observerJSON, observer.NewComponent},
	}

	comps := make([]component.LifecycleComponent, 0, len(specs))
	for _, spec := range specs {
		comp, err := spec.factory(spec.rawConfig, deps)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", spec.name, err)
		}
		if aware, ok := comp.(interface{ SetAppConfig(*config.Config) }); ok {
			aware.SetAppConfig(cfg)
		}
		lc, ok := comp.(component.LifecycleComponent)
		if !ok {
			return nil, fmt.Errorf("component %s does not implement lifecycle", spec.name)
		}
		comps = append(comps, lc)
	}
	return comps, nil
}

func startEmbeddedServer(dataDir string, logger *slog.Logger) (*server.Server, error) {
	storeDir, err := filepath.Abs(filepath.Join(dataDir, "nats"))
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}

	ns, err := server.NewServer(&server.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  storeDir,
		NoLog:     true,
		NoSigs:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		return nil, fmt.Errorf("embedded NATS server did not become ready")
	}

	logger.Info("Embedded NATS server running", "url", ns.ClientURL(), "store_dir", storeDir)
	return ns, nil
}

func connectToNATS(ctx context.Context, url string, logger *slog.Logger) (*natsclient.Client, error) {
	// Environment variable override takes precedence over config
	if envURL := os.Getenv("NATS_URL"); envURL != "" {
		url = envURL
	}

	logger.Info("Connecting to NATS", "url", url)

	client, err := natsclient.NewClient(url,
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return nil, wrapNATSError(err, url)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, wrapNATSError(err, url)
	}

	logger.Info("Connected to NATS", "url", url)
	return client, nil
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

Start an external server, or run with --embedded to use the built-in one.
The NATS_URL environment variable overrides the configured URL.`, err, url)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}
