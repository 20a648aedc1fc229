package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/standardbeagle/waggle/internal/bridge"
	"github.com/standardbeagle/waggle/internal/config"
	"github.com/standardbeagle/waggle/internal/discovery"
	"github.com/standardbeagle/waggle/internal/mcp"
	"github.com/standardbeagle/waggle/internal/metrics"
	"github.com/standardbeagle/waggle/internal/tui"
	"github.com/standardbeagle/waggle/internal/watch"
	"github.com/standardbeagle/waggle/pkg/events"
)

var (
	// Version is set at build time
	Version = "dev"

	configPath  string
	port        int
	noTUI       bool
	noMetrics   bool
	debugMode   bool
	showVersion bool
)

const instancePingInterval = 30 * time.Second

var rootCmd = &cobra.Command{
	Use:   "waggle",
	Short: "An MCP gateway with sessions, event replay and upstream federation",
	Long: `Waggle is a Model Context Protocol gateway. It serves tools, prompts
and resources to MCP clients over Streamable HTTP, SSE and WebSocket,
tracks client sessions, and replays missed notifications after a
reconnect.

Basic Usage:
  waggle                        # Serve with the status console
  waggle --no-tui               # Headless mode (serve only)
  waggle -p 8080                # Use a custom port (default: 7777)
  waggle --config gateway.toml  # Explicit config file

Configuration:
  Settings load from .waggle.toml in the current directory or any parent.
  The file declares upstream gateways to federate, file-backed resources
  to serve and watch, auth, rate limits and timeouts.

Endpoints:
  POST/GET/DELETE /mcp          # Streamable HTTP transport
  /ws                           # WebSocket transport
  /rpc, /sse                    # Legacy transports (no sessions)
  /health                       # Liveness probe
  /metrics                      # Prometheus metrics (unless disabled)

Running instances register under the instances directory so local
tooling can discover them; registrations are cleaned up on exit.`,
	Args: cobra.NoArgs,
	Run:  runApp,
}

func init() {
	rootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "Show version information")
	rootCmd.Flags().StringVar(&configPath, "config", "", "Config file path (default: nearest .waggle.toml)")
	rootCmd.Flags().IntVarP(&port, "port", "p", 0, "Listen port (overrides config, default 7777)")
	rootCmd.Flags().BoolVar(&noTUI, "no-tui", false, "Run in headless mode (serve only)")
	rootCmd.Flags().BoolVar(&noMetrics, "no-metrics", false, "Disable the /metrics endpoint")
	rootCmd.Flags().BoolVar(&debugMode, "debug", false, "Enable debug logging")

	rootCmd.Version = Version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runApp(cmd *cobra.Command, args []string) {
	if showVersion {
		fmt.Printf("waggle version %s\n", Version)
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration: ", err)
	}

	headed := !noTUI && cfg.GetTUIEnabled() && isTerminal()

	logger, err := buildLogger(cfg.GetLogLevel(), headed)
	if err != nil {
		log.Fatal("Failed to build logger: ", err)
	}
	defer func() { _ = logger.Sync() }()

	eventBus := events.NewEventBus()
	defer eventBus.Shutdown()

	opts := mcp.Options{
		Info:              mcp.ServerInfo{Name: "waggle", Version: Version},
		Logger:            logger,
		SessionTimeout:    cfg.GetSessionTimeout(),
		SweepInterval:     cfg.GetSweepInterval(),
		BufferSize:        cfg.GetBufferSize(),
		KeepAliveInterval: cfg.GetKeepAlive(),
		StreamIdleTimeout: cfg.GetStreamIdleTimeout(),
		AuthToken:         cfg.GetAuthToken(),
		Bus:               eventBus,
	}
	if cfg.RateLimit != nil {
		opts.RateLimitRPS = cfg.RateLimit.GetRequestsPerSecond()
		opts.RateLimitBurst = cfg.RateLimit.GetBurst()
	}
	metricsEnabled := cfg.GetMetricsEnabled() && !noMetrics
	if metricsEnabled {
		opts.MetricsHandler = metrics.Handler()
		opts.Hooks = append(opts.Hooks, metrics.Hooks{})
	}

	srv := mcp.NewServer(opts)
	if metricsEnabled {
		metrics.RegisterStats(srv.Stats)
	}

	watcher := setupFileResources(cfg, srv, logger)

	var br *bridge.Bridge
	if len(cfg.Upstreams) > 0 {
		br = bridge.New(srv.Catalog(), srv, eventBus, logger)
		for _, up := range cfg.Upstreams {
			if err := br.AddUpstream(up.Name, up.URL, up.GetToken()); err != nil {
				log.Fatalf("Invalid upstream %q: %v", up.Name, err)
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listenPort := cfg.GetPort()
	if port > 0 {
		listenPort = port
	}
	addr := fmt.Sprintf("%s:%d", cfg.GetHost(), listenPort)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx, addr)
	})
	if watcher != nil {
		defer watcher.Close()
		g.Go(func() error {
			watcher.Run(ctx)
			return nil
		})
	}
	if br != nil {
		g.Go(func() error {
			return br.Run(ctx)
		})
	}

	unregister := registerInstance(ctx, g, cfg, listenPort, headed)
	defer unregister()

	sigChan := shutdownSignals()

	if headed {
		model := tui.NewModel(srv, br, eventBus, Version)
		p := tea.NewProgram(model, tea.WithAltScreen())

		done := make(chan error, 1)
		go func() {
			_, err := p.Run()
			done <- err
		}()

		select {
		case err := <-done:
			if err != nil {
				fmt.Fprintln(os.Stderr, "Console failed:", err)
			}
		case <-sigChan:
			p.Quit()
			<-done
		case <-ctx.Done():
			p.Quit()
			<-done
		}
	} else {
		fmt.Printf("MCP gateway URL: http://localhost:%d/mcp\n", listenPort)
		fmt.Println("Press Ctrl+C to stop.")

		select {
		case <-sigChan:
			fmt.Println("\nShutting down gracefully...")
		case <-ctx.Done():
		}
	}

	cancel()
	if err := g.Wait(); err != nil {
		log.Fatal("Gateway error: ", err)
	}
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}

// buildLogger maps config level to a zap production logger. Debug mode
// switches to the development encoder. Headed mode silences zap: the
// console owns the terminal and engine activity rides the event bus.
func buildLogger(level string, headed bool) (*zap.Logger, error) {
	if headed {
		return zap.NewNop(), nil
	}
	if debugMode {
		return zap.NewDevelopment()
	}
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(parsed)
	return zcfg.Build()
}

// setupFileResources registers config-declared files on the catalog and
// returns the watcher, or nil when none are declared. A bad entry is
// skipped so one missing file cannot keep the gateway down.
func setupFileResources(cfg *config.Config, srv *mcp.Server, logger *zap.Logger) *watch.Provider {
	if len(cfg.Resources) == 0 {
		return nil
	}
	watcher := watch.New(srv.Catalog(), srv, logger)
	for _, rc := range cfg.Resources {
		if err := watcher.AddFile(rc.Name, rc.Path, rc.MimeType, rc.Watch); err != nil {
			logger.Warn("file resource skipped",
				zap.String("name", rc.Name),
				zap.String("path", rc.Path),
				zap.Error(err))
		}
	}
	return watcher
}

// registerInstance writes this gateway's discovery record and keeps its
// ping fresh until ctx ends. The returned func removes the record.
func registerInstance(ctx context.Context, g *errgroup.Group, cfg *config.Config, port int, headed bool) func() {
	instancesDir := cfg.GetInstanceDir()
	if instancesDir == "" {
		instancesDir = discovery.GetDefaultInstancesDir()
	}

	// Reap registrations from gateways that died without cleaning up.
	if removed, err := discovery.CleanupStale(instancesDir, discovery.StaleInstanceAge); err == nil && len(removed) > 0 && !headed {
		fmt.Printf("Removed %d stale instance registration(s)\n", len(removed))
	}

	instance := discovery.NewInstance("waggle", cfg.GetHost(), port, Version)
	if err := discovery.RegisterInstance(instancesDir, instance); err != nil {
		if !headed {
			fmt.Fprintf(os.Stderr, "Warning: failed to register instance: %v\n", err)
			if hint := discovery.Diagnose(instancesDir); hint != "" {
				fmt.Fprint(os.Stderr, hint)
			}
		}
		return func() {}
	}

	g.Go(func() error {
		ticker := time.NewTicker(instancePingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				// Ping failures are transient; the next tick retries.
				_ = discovery.UpdateInstancePing(instancesDir, instance.ID)
			}
		}
	})

	return func() {
		_ = discovery.UnregisterInstance(instancesDir, instance.ID)
	}
}

// isTerminal checks if stdin/stdout are connected to a terminal
func isTerminal() bool {
	stdinStat, _ := os.Stdin.Stat()
	stdoutStat, _ := os.Stdout.Stat()

	stdinIsTerminal := (stdinStat.Mode() & os.ModeCharDevice) != 0
	stdoutIsTerminal := (stdoutStat.Mode() & os.ModeCharDevice) != 0

	return stdinIsTerminal && stdoutIsTerminal
}
