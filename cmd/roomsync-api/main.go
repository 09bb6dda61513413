package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/roomsync/internal/auth"
	"github.com/MarcoPoloResearchLab/roomsync/internal/config"
	"github.com/MarcoPoloResearchLab/roomsync/internal/database"
	"github.com/MarcoPoloResearchLab/roomsync/internal/document"
	"github.com/MarcoPoloResearchLab/roomsync/internal/eventlog"
	"github.com/MarcoPoloResearchLab/roomsync/internal/logging"
	"github.com/MarcoPoloResearchLab/roomsync/internal/rooms"
	"github.com/MarcoPoloResearchLab/roomsync/internal/server"
	"github.com/MarcoPoloResearchLab/roomsync/internal/snapshot"
	"github.com/MarcoPoloResearchLab/roomsync/internal/syncengine"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "roomsync-api",
		Short: "Room event ordering and snapshot service",
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
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().StringSlice("allowed-origins", defaults.GetStringSlice("http.allowed_origins"), "Allowed CORS and websocket origins")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for cross-node broadcasts")
	cmd.PersistentFlags().String("node-id", defaults.GetString("node.id"), "Node identifier used by the broadcast relay")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "node.id", "node-id")
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

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		DSN:    appConfig.DatabaseDSN,
		Logger: logger,
	})
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

	store, err := eventlog.NewGormStore(eventlog.StoreConfig{Database: db})
	if err != nil {
		return err
	}
	repaired, err := store.RepairCursors(signalCtx)
	if err != nil {
		return err
	}
	if repaired > 0 {
		logger.Warn("repaired client cursors behind the log", zap.Int64("cursors", repaired))
	}

	interpreter := document.NewInterpreter()
	engine, err := syncengine.NewEngine(syncengine.Config{
		Store:     store,
		Validator: interpreter,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	cacheConfig := snapshot.CacheConfig{
		Source:      engine,
		Interpreter: interpreter,
		Logger:      logger,
	}
	if appConfig.SnapshotCheckpoints {
		cacheConfig.Checkpoints = store
	}
	snapshots, err := snapshot.NewCache(cacheConfig)
	if err != nil {
		return err
	}

	registryConfig := rooms.RegistryConfig{
		SessionBuffer: appConfig.SessionBuffer,
		Logger:        logger,
	}
	var relay *rooms.RedisRelay
	if appConfig.RedisEnabled() {
		redisClient := redis.NewClient(&redis.Options{Addr: appConfig.RedisAddress})
		defer redisClient.Close()
		if err := redisClient.Ping(signalCtx).Err(); err != nil {
			return err
		}
		nodeID := appConfig.NodeID
		if nodeID == "" {
			nodeID = uuid.NewString()
		}
		relay, err = rooms.NewRedisRelay(rooms.RedisRelayConfig{
			Client:        redisClient,
			ChannelPrefix: appConfig.RedisChannelPrefix,
			NodeID:        nodeID,
			Logger:        logger,
		})
		if err != nil {
			return err
		}
		registryConfig.Relay = relay
	}
	registry := rooms.NewRegistry(registryConfig)
	if relay != nil {
		go func() {
			if err := relay.Run(signalCtx, registry); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("broadcast relay stopped", zap.Error(err))
			}
		}()
	}

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
		Audience:      appConfig.TokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Engine:         engine,
		Snapshots:      snapshots,
		Registry:       registry,
		Issuer:         issuer,
		Validator:      issuer.Validator(),
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("database_driver", appConfig.DatabaseDriver),
			zap.Bool("relay", relay != nil))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.ShutdownGrace)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
