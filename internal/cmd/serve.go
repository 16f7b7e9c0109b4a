package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/robertof1lho/archestra-sub000/internal/config"
	"github.com/robertof1lho/archestra-sub000/internal/gateway"
	"github.com/robertof1lho/archestra-sub000/internal/interaction"
	"github.com/robertof1lho/archestra-sub000/internal/llm"
	"github.com/robertof1lho/archestra-sub000/internal/mcp"
	"github.com/robertof1lho/archestra-sub000/internal/policy"
	"github.com/robertof1lho/archestra-sub000/internal/server"
	"github.com/robertof1lho/archestra-sub000/internal/store"
)

var (
	servePort          int
	serveGatewayConfig string
	serveSeed          string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 8080, "HTTP server port")
	serveCmd.Flags().StringVar(&serveGatewayConfig, "gateway-config", "", "Path to gateway config YAML (default: gateway_config setting or built-in defaults)")
	serveCmd.Flags().StringVar(&serveSeed, "seed", "", "Seed file applied to the store before serving (optional)")
	rootCmd.AddCommand(serveCmd)
}

// proxyApp is everything serve wires together.
type proxyApp struct {
	handler   http.Handler
	store     *store.Store
	log       *interaction.Store
	retention *interaction.RetentionScheduler
	executor  *mcp.Executor
}

func (a *proxyApp) Close() {
	if a.retention != nil {
		a.retention.Stop()
	}
	if a.log != nil {
		_ = a.log.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

func buildProxy(ctx context.Context, cfg *config.Config, gwCfg *gateway.GatewayConfig, seedPath string) (_ *proxyApp, err error) {
	app := &proxyApp{}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	if app.store, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}
	if seedPath != "" {
		seed, err := store.LoadSeed(seedPath)
		if err != nil {
			return nil, err
		}
		if err := app.store.ApplySeed(ctx, seed); err != nil {
			return nil, fmt.Errorf("applying seed: %w", err)
		}
	}

	if app.log, err = openInteractionStore(cfg); err != nil {
		return nil, err
	}
	retention, err := gwCfg.RetentionPeriod()
	if err != nil {
		return nil, err
	}
	if app.retention, err = interaction.NewRetentionScheduler(app.log, retention, gwCfg.Interactions.RetentionSchedule); err != nil {
		return nil, err
	}

	if app.executor, err = mcp.NewExecutor(gwCfg.MCPServers); err != nil {
		return nil, fmt.Errorf("configuring MCP servers: %w", err)
	}
	guardrails, err := policy.NewGuardrails(ctx, gwCfg.Guardrails)
	if err != nil {
		return nil, fmt.Errorf("guardrails: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	timeouts, err := gwCfg.ParseTimeouts()
	if err != nil {
		return nil, err
	}
	clients := llm.NewOpenAIClientFactory(gwCfg.Upstream.BaseURL, timeouts.HTTPClient())
	gw, err := gateway.NewGateway(gwCfg, app.store, clients,
		gateway.WithExecutor(app.executor),
		gateway.WithRecorder(app.log),
		gateway.WithGuardrails(guardrails),
		gateway.WithQuarantineCache(app.store),
		gateway.WithMetrics(gateway.NewMetrics(registry)),
	)
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}

	srv := server.NewServer(gw,
		server.WithAPIKeys(cfg.APIKeys),
		server.WithCORSOrigins(cfg.CORSOrigins),
		server.WithInteractions(app.log),
		server.WithStore(app.store),
		server.WithMetrics(registry),
	)
	app.handler = srv.Routes()
	return app, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.WarnIfDefaultKeys()

	gwCfg, err := loadGatewayConfig(cfg, serveGatewayConfig)
	if err != nil {
		return err
	}
	app, err := buildProxy(ctx, cfg, gwCfg, serveSeed)
	if err != nil {
		return err
	}
	defer app.Close()
	app.retention.Start()

	addr := fmt.Sprintf(":%d", servePort)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           app.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Str("upstream", gwCfg.Upstream.BaseURL).
		Str("database_driver", cfg.DatabaseDriver).
		Strs("mcp_servers", app.executor.Servers()).
		Bool("quarantine", gwCfg.QuarantineEnabled()).
		Int("api_keys", len(cfg.APIKeys)).
		Msg("archestra_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("archestra_serve_stopped")
	return nil
}
