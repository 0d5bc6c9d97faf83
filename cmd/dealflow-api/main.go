package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/activity"
	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/config"
	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/database"
	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/deals"
	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/notifier"
	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dealflow-api",
		Short: "Deal pipeline API with live change broadcasts",
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
	cmd.PersistentFlags().StringSlice("allowed-origin", defaults.GetStringSlice("http.allowed_origins"), "Browser origin allowed to send credentialed requests (repeatable)")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "SQLite path or PostgreSQL DSN")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("auth-issuer", defaults.GetString("auth.issuer"), "Expected session token issuer")
	cmd.PersistentFlags().String("cookie-name", defaults.GetString("auth.cookie_name"), "Session cookie name")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("realtime.redis_url"), "Redis URL for cross-process broadcasts")
	cmd.PersistentFlags().String("redis-channel", defaults.GetString("realtime.redis_channel"), "Redis pub/sub channel")
	cmd.PersistentFlags().Int("send-buffer", defaults.GetInt("realtime.send_buffer"), "Outbound queue size per connection")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origin")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.issuer", "auth-issuer")
	bindFlag(cmd, "auth.cookie_name", "cookie-name")
	bindFlag(cmd, "realtime.redis_url", "redis-url")
	bindFlag(cmd, "realtime.redis_channel", "redis-channel")
	bindFlag(cmd, "realtime.send_buffer", "send-buffer")
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

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
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
	group, groupCtx := errgroup.WithContext(signalCtx)

	hub := realtime.NewHub(realtime.HubConfig{Logger: logger})
	var registry realtime.Registry = hub
	if appConfig.RedisURL != "" {
		relay, err := realtime.NewRedisRelay(signalCtx, appConfig.RedisURL, realtime.RedisRelayConfig{
			Channel: appConfig.RedisChannel,
			Hub:     hub,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		defer relay.Close() //nolint:errcheck
		group.Go(func() error { return relay.Run(groupCtx) })
		registry = relay
		logger.Info("broadcasts relayed through redis", zap.String("channel", appConfig.RedisChannel))
	}

	activities, err := activity.NewStore(activity.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	dealsService, err := deals.NewService(deals.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: deals.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	dealsService.SetNotifier(notifier.New(notifier.Config{
		Activities:  activities,
		Broadcaster: registry,
		Namer:       dealsService,
		Clock:       time.Now,
		Logger:      logger,
	}))

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.CookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		DealsService:     dealsService,
		Activities:       activities,
		Realtime: realtime.NewEndpoint(realtime.EndpointConfig{
			Registry:    registry,
			Logger:      logger,
			SendBuffer:  appConfig.SendBuffer,
			CheckOrigin: realtime.OriginChecker(appConfig.AllowedOrigins),
		}),
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

	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
