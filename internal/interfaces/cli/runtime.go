// Package cli holds the pieces shared by the agentpay subcommands: flag
// binding and construction of the manager from configuration.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"agentpay/internal/core"
	"agentpay/internal/infrastructure/config"
	"agentpay/internal/provider"
	"agentpay/internal/provider/usdt"
	"agentpay/internal/shared/logger"
	"agentpay/internal/storage"
)

// Options are the backend selection flags common to every subcommand.
type Options struct {
	Storage     string
	StoragePath string
	Provider    string
}

// BindFlags registers the shared flags on a subcommand.
func BindFlags(cmd *cobra.Command, o *Options) {
	cmd.Flags().StringVar(&o.Storage, "storage", "memory", "Storage backend (memory, file, sql)")
	cmd.Flags().StringVar(&o.StoragePath, "storage-path", "", "Path for the file or sql backend")
	cmd.Flags().StringVar(&o.Provider, "payment-provider", "mock", "Payment provider (mock, crypto)")
}

// BuildManager loads configuration, initializes logging, and wires storage,
// provider, and the core manager. The returned closer releases the storage
// and provider resources.
func BuildManager(ctx context.Context, o Options) (*core.Manager, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := logger.Init(logger.Config{
		Level:      cfg.Logger.Level,
		OutputPath: cfg.Logger.File,
		Colors:     cfg.Logger.Colors,
	}); err != nil {
		return nil, nil, err
	}
	log := logger.NewLogger()

	store, err := openStorage(o, cfg)
	if err != nil {
		return nil, nil, err
	}

	prov, err := openProvider(ctx, o, cfg, store, log)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	mgr, err := core.New(store, prov, log)
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	closer := func() {
		if p, ok := prov.(*usdt.Provider); ok {
			p.Close()
		}
		if err := store.Close(); err != nil {
			log.Warnw("storage close failed", "error", err)
		}
	}
	return mgr, closer, nil
}

func openStorage(o Options, cfg *config.Config) (storage.Storage, error) {
	path := o.StoragePath
	if path == "" {
		path = cfg.Storage.Path
	}
	switch o.Storage {
	case "memory":
		return storage.NewMemory(), nil
	case "file":
		if path == "" {
			path = "agentpay-data"
		}
		return storage.NewFile(path)
	case "sql":
		if path == "" {
			path = "agentpay.db"
		}
		return storage.NewSQL(path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", o.Storage)
	}
}

func openProvider(ctx context.Context, o Options, cfg *config.Config, store storage.Storage, log logger.Interface) (provider.PaymentProvider, error) {
	switch o.Provider {
	case "mock":
		return provider.NewMock(store, log), nil
	case "crypto":
		devMode := cfg.IsDevMode()
		var feed usdt.PriceFeed
		if devMode {
			feed = usdt.NewStaticPriceFeed(1.0)
		}
		return usdt.New(ctx, usdt.Config{
			WalletAddress: cfg.Payment.WalletAddress,
			ProjectID:     cfg.Payment.InfuraProjectID,
			Network:       usdt.Network(cfg.Payment.Network),
		}, store, nil, feed, log, devMode)
	default:
		return nil, fmt.Errorf("unknown payment provider %q", o.Provider)
	}
}
