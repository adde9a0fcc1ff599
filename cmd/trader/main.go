package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"spread-trade-bot-go/internal/binance"
	"spread-trade-bot-go/internal/config"
	"spread-trade-bot-go/internal/database"
	"spread-trade-bot-go/internal/exchange"
	"spread-trade-bot-go/internal/exchange/paper"
	"spread-trade-bot-go/internal/logger"
	"spread-trade-bot-go/internal/store"
	"spread-trade-bot-go/internal/trader"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "trader: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configDir string

	root := &cobra.Command{
		Use:           "trader",
		Short:         "Spread trading bot",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configDir)
			if err != nil {
				return fmt.Errorf("could not load config: %w", err)
			}
			return run(cmd.Context(), cfg)
		},
	}
	root.PersistentFlags().StringVarP(&configDir, "config", "c", "./configs", "directory containing config.yml")

	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configDir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: %d risk profile(s), base market %s, dry run %t\n",
				len(cfg.Trading.RiskProfiles), cfg.Trading.BaseMarket, cfg.Trading.DryRun)
			return nil
		},
	})
	return root
}

func run(parent context.Context, cfg config.Config) error {
	log, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		return fmt.Errorf("could not initialize logger: %w", err)
	}
	defer log.Sync()
	log.Info("Configuration loaded", zap.Bool("dry_run", cfg.Trading.DryRun))

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Info("Database connection successful and schema migrated.")

	journal := store.NewGormStore(db)
	snapshots, closeStore, err := newSnapshotStore(cfg.Persistence, db)
	if err != nil {
		return err
	}
	defer closeStore()

	// Setup context for graceful shutdown
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Exchange.Name != "binance" {
		return fmt.Errorf("unsupported exchange %q", cfg.Exchange.Name)
	}
	restClient := binance.NewRestClient(cfg.Exchange, log)
	if _, err := restClient.GetServerTime(ctx); err != nil {
		return fmt.Errorf("failed to connect to Binance API: %w", err)
	}
	log.Info("Successfully connected to Binance API.")
	live := binance.NewAdapter(restClient, cfg.Exchange, log)

	var adapter exchange.Adapter = live
	if cfg.Trading.DryRun {
		balances := map[string]decimal.Decimal{
			cfg.Trading.BaseMarket: decimal.NewFromFloat(cfg.Trading.PaperBalance),
		}
		adapter = paper.New(live, balances, live.FeeRate(), log)
		log.Warn("Dry run: orders are simulated", zap.Float64("paper_balance", cfg.Trading.PaperBalance))
	}

	adapterErr := make(chan error, 1)
	go func() {
		if err := live.Run(ctx); err != nil {
			adapterErr <- err
			cancel()
		}
	}()

	engine := trader.NewEngine(log, cfg, adapter, snapshots, journal)
	api := trader.NewAPIServer(engine, cfg.Server.Port, log)
	api.Start()
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := api.Stop(shutdownCtx); err != nil {
			log.Error("API server shutdown failed", zap.Error(err))
		}
	}()

	err = engine.Run(ctx)
	cancel()
	select {
	case aerr := <-adapterErr:
		err = errors.Join(err, aerr)
	default:
	}
	if err != nil {
		log.Error("Bot stopped with error", zap.Error(err))
		return err
	}

	log.Info("Bot has been shut down.")
	return nil
}

// newSnapshotStore picks the session snapshot backend.
func newSnapshotStore(cfg config.Persistence, db *gorm.DB) (store.Store, func(), error) {
	switch cfg.Backend {
	case "", "database":
		return store.NewGormStore(db), func() {}, nil
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		return store.NewRedisStore(rdb, cfg.RedisKey), func() { _ = rdb.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown persistence backend %q", cfg.Backend)
	}
}
