package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gliderlab/overlaygate/gateway"
	"github.com/gliderlab/overlaygate/letta"
	"github.com/gliderlab/overlaygate/overlay"
	"github.com/gliderlab/overlaygate/pkg/config"
	"github.com/gliderlab/overlaygate/pkg/kv"
	"github.com/gliderlab/overlaygate/pkg/telemetry"
	"github.com/gliderlab/overlaygate/proxy"
	"github.com/gliderlab/overlaygate/rpcproto"
	"github.com/gliderlab/overlaygate/session"
	"github.com/gliderlab/overlaygate/storage"
	"github.com/gliderlab/overlaygate/toolbridge"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

const (
	envPrefix = "OVERLAY_"

	// agentDirectoryTTL bounds how long a model name resolves without a refresh
	agentDirectoryTTL = time.Minute

	pruneInterval = time.Hour
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configDir string

	rootCmd := &cobra.Command{
		Use:          "overlaygate",
		Short:        "OpenAI-compatible gateway in front of Letta agents",
		Long:         "overlaygate lets stateless OpenAI clients drive stateful Letta agents: it keeps a per-session instruction overlay, bridges client-declared tools onto the agent, and forwards only the new part of each conversation.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configDir)
		},
	}
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", config.DefaultConfigDir(), "directory holding overlay.yaml and env.config")

	rootCmd.AddCommand(
		newServeCmd(&configDir),
		newAgentsCmd(&configDir),
		newToolsCmd(&configDir),
		newConfigCmd(&configDir),
		newEventsCmd(&configDir),
		newRateLimitCmd(&configDir),
		newVersionCmd(),
	)
	return rootCmd
}

func newServeCmd(configDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *configDir)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version)
			return err
		},
	}
}

func loadConfig(configDir string) (*config.ServerConfig, error) {
	cfg, err := config.Load(configDir, envPrefix)
	if err != nil {
		return nil, err
	}
	if !cfg.Validate() {
		return nil, errors.New("invalid configuration")
	}
	return cfg, nil
}

func newLettaClient(cfg *config.ServerConfig) *letta.Client {
	return letta.New(letta.Options{
		BaseURL: cfg.Letta.BaseURL,
		APIKey:  cfg.Letta.APIKey,
		Project: cfg.Letta.Project,
		Timeout: cfg.Letta.Timeout,
	})
}

// openToolCache opens the badger tool id cache, in memory when no dir is set.
func openToolCache(dir string) (*kv.KV, error) {
	if dir == "" {
		return kv.OpenMemory()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create kv dir: %w", err)
	}
	return kv.Open(kv.DefaultOptions(dir))
}

func runServe(ctx context.Context, configDir string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("Starting overlay gateway %s...", version)
	cfg, err := loadConfig(configDir)
	if err != nil {
		return err
	}

	api := newLettaClient(cfg)

	sessions := session.NewStore(session.Options{
		Capacity: cfg.Session.MaxSessions,
		TTL:      cfg.Session.TTL,
	})
	sessions.StartSweeper(ctx, cfg.Session.SweepInterval)

	cache, err := openToolCache(cfg.Tools.CacheDir)
	if err != nil {
		return fmt.Errorf("open tool cache: %w", err)
	}
	defer cache.Close()

	store, err := storage.NewWithConfig(*cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()
	store.StartPruner(ctx, pruneInterval, cfg.Storage.EventRetention)

	metrics := telemetry.NewMetrics()
	tracer, shutdownTracer := telemetry.NewTracer(telemetry.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SampleRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(sctx); err != nil {
			log.Printf("[WARN] tracer shutdown: %v", err)
		}
	}()

	agents := proxy.NewDirectory(api, agentDirectoryTTL)
	if port := cfg.Gateway.GRPCHealthPort; port > 0 {
		hs := rpcproto.NewHealthServer()
		if err := hs.Listen(net.JoinHostPort(cfg.Gateway.Host, strconv.Itoa(port))); err != nil {
			return err
		}
		agents.OnHealth(hs.SetServing)
		go func() {
			if err := hs.Serve(); err != nil {
				log.Printf("[WARN] grpc health server stopped: %v", err)
			}
		}()
		defer hs.Stop()
		log.Printf("[OK] grpc health on %s", hs.Addr())
	}

	bridge := toolbridge.New(api, toolbridge.Options{
		Tag:      cfg.Tools.Tag,
		Cache:    cache,
		CacheTTL: cfg.Tools.CacheTTL,
		CallTTL:  cfg.Tools.CallTTL,
	})
	bridge.Ledger().StartSweeper(ctx, cfg.Session.SweepInterval)

	orch := proxy.New(api, proxy.Options{
		Store:      sessions,
		Reconciler: overlay.NewReconciler(api, config.OverlayBlockLabel),
		Bridge:     bridge,
		Agents:     agents,
		Metrics:    metrics,
		Tracer:     tracer,
		Audit:      store,
	})

	// Warm the directory so health reflects the platform from the start
	go func() {
		if list, err := agents.Refresh(ctx); err != nil {
			log.Printf("[WARN] initial agent listing failed: %v", err)
		} else {
			log.Printf("[Letta] %d agents available at %s", len(list), api.BaseURL())
		}
	}()

	srv := gateway.New(*cfg.Gateway, orch, agents)
	srv.SetStore(store)
	srv.SetEvents(store)
	srv.SetSessions(sessions)
	srv.SetMetrics(metrics)
	srv.SetLettaURL(api.BaseURL())
	srv.AddStats("storage", func() (interface{}, error) { return store.Stats() })
	srv.AddStats("tool_cache", func() (interface{}, error) { return cache.Stats() })

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Println("Gateway shutting down...")
	case err := <-errCh:
		return fmt.Errorf("gateway start failed: %w", err)
	}
	srv.Stop()
	return nil
}
