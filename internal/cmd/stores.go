package cmd

import (
	"context"
	"fmt"

	"github.com/robertof1lho/archestra-sub000/internal/config"
	"github.com/robertof1lho/archestra-sub000/internal/gateway"
	"github.com/robertof1lho/archestra-sub000/internal/interaction"
	"github.com/robertof1lho/archestra-sub000/internal/store"
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.DatabaseDriver, err)
	}
	return st, nil
}

func openInteractionStore(cfg *config.Config) (*interaction.Store, error) {
	st, err := interaction.NewStore(cfg.InteractionDBPath(), cfg.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("initializing interaction log: %w", err)
	}
	return st, nil
}

// loadGatewayConfig reads path, falling back to the operator setting and
// then to built-in defaults.
func loadGatewayConfig(cfg *config.Config, path string) (*gateway.GatewayConfig, error) {
	if path == "" {
		path = cfg.GatewayConfig
	}
	if path == "" {
		return gateway.DefaultGatewayConfig(), nil
	}
	return gateway.LoadGatewayConfig(path)
}
