package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/checkplease/internal/bills"
	"github.com/MarcoPoloResearchLab/checkplease/internal/config"
	"github.com/MarcoPoloResearchLab/checkplease/internal/database"
	"github.com/MarcoPoloResearchLab/checkplease/internal/ledger"
	"github.com/MarcoPoloResearchLab/checkplease/internal/logging"
	"github.com/MarcoPoloResearchLab/checkplease/internal/server"
	"github.com/MarcoPoloResearchLab/checkplease/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "checkplease-api",
		Short: "Shared bill claim allocation and settlement service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, mysql)")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("database-dsn", "", "MySQL DSN (overrides env)")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	flags.Duration("bill-ttl", defaults.GetDuration("bill.ttl"), "How long a bill accepts guests and claims")
	flags.Int("default-tip", defaults.GetInt("bill.default_tip_percentage"), "Tip percentage for bills created without one")
	flags.Int("claim-max-attempts", defaults.GetInt("claims.max_attempts"), "Attempts per claim adjustment before reporting a conflict")
	flags.Duration("claim-retry-interval", defaults.GetDuration("claims.retry_interval"), "Initial backoff between claim attempts")
	flags.String("redis-address", "", "Redis address for cross-replica change fan-out")
	flags.String("otel-endpoint", "", "OTLP/HTTP trace collector endpoint")
	flags.StringSlice("cors-allowed-origins", defaults.GetStringSlice("cors.allowed_origins"), "Allowed CORS origins")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "bill.ttl", "bill-ttl")
	bindFlag(cmd, "bill.default_tip_percentage", "default-tip")
	bindFlag(cmd, "claims.max_attempts", "claim-max-attempts")
	bindFlag(cmd, "claims.retry_interval", "claim-retry-interval")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "otel.endpoint", "otel-endpoint")
	bindFlag(cmd, "cors.allowed_origins", "cors-allowed-origins")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat, appConfig.OTelServiceName)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TracingConfig{
		Endpoint:    appConfig.OTelEndpoint,
		ServiceName: appConfig.OTelServiceName,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := telemetry.NewMetrics(registry)
	if err != nil {
		return err
	}

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	feed := ledger.NewFeed(appConfig.FeedBufferSize)
	defer feed.Close()

	var publisher ledger.Publisher = feed
	if appConfig.RedisAddress != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: appConfig.RedisAddress})
		defer redisClient.Close()
		relay, err := ledger.NewRedisRelay(ledger.RedisRelayConfig{
			Client:  redisClient,
			Local:   feed,
			Channel: appConfig.RedisChannel,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		if err := relay.Start(signalCtx); err != nil {
			return err
		}
		defer relay.Close()
		publisher = relay
		logger.Info("change feed relayed through redis", zap.String("address", appConfig.RedisAddress), zap.String("channel", appConfig.RedisChannel))
	}

	store, err := ledger.NewStore(ledger.StoreConfig{
		Database:  db,
		Publisher: publisher,
		Clock:     time.Now,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	billService, err := bills.NewService(bills.ServiceConfig{
		Store:         store,
		Clock:         time.Now,
		IDProvider:    ledger.NewUUIDProvider(),
		Logger:        logger,
		Metrics:       metrics,
		BillTTL:       appConfig.BillTTL,
		MaxAttempts:   appConfig.ClaimMaxAttempts,
		RetryInterval: appConfig.ClaimRetryInterval,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Bills:                billService,
		Reader:               store,
		Feed:                 feed,
		Logger:               logger,
		Metrics:              metrics,
		Gatherer:             registry,
		Clock:                time.Now,
		AllowedOrigins:       appConfig.AllowedOrigins,
		DefaultTipPercentage: &appConfig.DefaultTipPercentage,
		HeartbeatInterval:    appConfig.StreamHeartbeat,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}
	// Open event streams only end once their feed subscriptions close.
	httpServer.RegisterOnShutdown(feed.Close)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress), zap.String("database_driver", appConfig.DatabaseDriver))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
