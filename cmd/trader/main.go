package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ofb/creek/api"
	"github.com/ofb/creek/internal/config"
	"github.com/ofb/creek/pkg/broker/alpaca"
	"github.com/ofb/creek/pkg/clock"
	"github.com/ofb/creek/pkg/engine"
	"github.com/ofb/creek/pkg/portfolio"
	"github.com/ofb/creek/pkg/store"
	"github.com/ofb/creek/pkg/trader"
)

var (
	cfgFile string
	logger  *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "creek",
		Short: "Statistical arbitrage pairs trading system",
		Long:  `A pairs trading system that opens hedged long/short positions when correlated equities diverge from their predicted relationship`,
		Run:   runTrader,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runTrader(cmd *cobra.Command, args []string) {
	// Local overrides from .env, if present
	_ = godotenv.Load()

	logger = logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var auth alpaca.Authenticator
	switch alpaca.AuthType(cfg.Broker.AuthType) {
	case alpaca.AuthTypeJWT:
		auth, err = alpaca.NewJWTAuthenticator(cfg.Broker.APIKeyName, cfg.Broker.PrivateKeyPEM)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize JWT authenticator")
		}
	default:
		auth = alpaca.NewKeyAuthenticator(cfg.Broker.APIKey, cfg.Broker.APISecret)
	}
	client := alpaca.NewClient(auth, cfg.Broker.Paper)

	account, err := client.GetAccount(ctx)
	if err != nil {
		logger.WithError(err).Fatal("Failed to fetch account")
	}
	if account.TradingBlocked || account.AccountBlocked || !account.ShortingEnabled {
		logger.WithFields(logrus.Fields{
			"trading_blocked":  account.TradingBlocked,
			"account_blocked":  account.AccountBlocked,
			"shorting_enabled": account.ShortingEnabled,
		}).Fatal("Account cannot trade pairs")
	}

	venueClock, err := clock.New(ctx, client, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize venue clock")
	}

	hedgeSymbol, err := trader.ProbeHedgeSymbol(ctx, client, cfg.Trading.HedgeSymbols, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to select hedge instrument")
	}
	logger.WithField("symbol", hedgeSymbol).Info("Hedge instrument selected")

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open trade store")
	}
	snaps, err := db.LoadOpenTrades()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load persisted trades")
	}

	specs, err := trader.LoadPairs(cfg.Data.PairsPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load pairs list")
	}
	trades, symbols, err := trader.BuildFleet(ctx, client, specs, cfg.Data.CheckpointDir, snaps, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build trade fleet")
	}
	logger.WithFields(logrus.Fields{
		"trades":  len(trades),
		"symbols": len(symbols),
	}).Info("Trade fleet ready")

	stream := alpaca.NewBarStream(
		cfg.Broker.Stream.URL,
		cfg.Broker.APIKey,
		cfg.Broker.APISecret,
		time.Duration(cfg.Broker.Stream.ReconnectDelay)*time.Second,
		cfg.Broker.Stream.MaxReconnects,
		logger,
	)
	if err := stream.Connect(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to connect market data stream")
	}
	if err := stream.Subscribe(symbols); err != nil {
		logger.WithError(err).Fatal("Failed to subscribe to bars")
	}

	exec := engine.New(client, cfg.Trading.SigmaCushion, cfg.Trading.SigmaBox, cfg.Trading.ExecutionAttempts, logger)
	deps := trader.Deps{
		Broker: client,
		Stream: stream,
		Clock:  venueClock,
		Engine: exec,
		Hedge:  engine.NewHedgeManager(exec, hedgeSymbol, logger),
		Recon:  engine.NewReconciler(client, exec, cfg.Trading.ReconcileTolerance, logger),
		Alloc:  portfolio.NewAllocator(cfg.Trading.MaxSymbol, cfg.Trading.MaxTradeSize, logger),
		Retgt:  portfolio.NewRetargeter(cfg.Trading.OpenThreshold, cfg.Trading.MaxTradeSize, logger),
		Store:  db,
	}
	pairTrader := trader.New(deps, trades, cfg.Trading.ExcessCapital, cfg.Trading.MaxTradeSize, logger)

	apiServer := api.NewServer(pairTrader, client, logger, cfg.Server.Port)
	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("API server failed")
		}
	}()

	done := make(chan error, 1)
	go func() {
		done <- pairTrader.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Pair trader is running. Press Ctrl+C to stop.")

	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
		pairTrader.Stop()
		<-done
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("Pair trader stopped")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("API server shutdown failed")
	}
	if err := stream.Close(); err != nil {
		logger.WithError(err).Warn("Stream close failed")
	}
	cancel()

	logger.Info("Pair trader stopped")
}
