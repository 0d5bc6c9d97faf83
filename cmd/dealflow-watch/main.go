package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/config"
	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/reconcile"
	"github.com/MarcoPoloResearchLab/dealflow/backend/internal/syncclient"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "dealflow-watch",
		Short: "Follow a deal board through polling and live broadcasts",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context())
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
	cmd.PersistentFlags().String("base-url", defaults.GetString("client.base_url"), "API base URL")
	cmd.PersistentFlags().String("ws-url", defaults.GetString("client.ws_url"), "Broadcast channel URL (derived from base URL when empty)")
	cmd.PersistentFlags().String("token", "", "Session token (overrides env)")
	cmd.PersistentFlags().Int64("user-id", defaults.GetInt64("client.user_id"), "User id to register for targeted notifications")
	cmd.PersistentFlags().String("pipeline-id", defaults.GetString("client.pipeline_id"), "Restrict the board to one pipeline")
	cmd.PersistentFlags().Duration("poll-interval", defaults.GetDuration("client.poll_interval"), "Fixed poll cadence")
	cmd.PersistentFlags().Duration("reconnect-delay", defaults.GetDuration("client.reconnect_delay"), "Delay between broadcast reconnect attempts")
	cmd.PersistentFlags().Duration("idle-timeout", defaults.GetDuration("client.idle_timeout"), "Editing idle timeout")
	cmd.PersistentFlags().Duration("debounce", defaults.GetDuration("client.debounce"), "Refresh debounce window")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "client.base_url", "base-url")
	bindFlag(cmd, "client.ws_url", "ws-url")
	bindFlag(cmd, "client.token", "token")
	bindFlag(cmd, "client.user_id", "user-id")
	bindFlag(cmd, "client.pipeline_id", "pipeline-id")
	bindFlag(cmd, "client.poll_interval", "poll-interval")
	bindFlag(cmd, "client.reconnect_delay", "reconnect-delay")
	bindFlag(cmd, "client.idle_timeout", "idle-timeout")
	bindFlag(cmd, "client.debounce", "debounce")
	bindFlag(cmd, "log.level", "log-level")
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

func runWatch(ctx context.Context) error {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewConsoleLogger(clientConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	client, err := syncclient.NewClient(syncclient.ClientConfig{
		BaseURL: clientConfig.BaseURL,
		Token:   clientConfig.Token,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	session, err := syncclient.NewSession(syncclient.SessionConfig{
		API:            client,
		Reconciler:     reconcile.New(reconcile.Config{IdleTimeout: clientConfig.IdleTimeout, Logger: logger}),
		Filter:         syncclient.ListFilter{PipelineID: clientConfig.PipelineID},
		ChannelURL:     clientConfig.WebSocketURL,
		Token:          clientConfig.Token,
		UserID:         clientConfig.UserID,
		PollInterval:   clientConfig.PollInterval,
		ReconnectDelay: clientConfig.ReconnectDelay,
		Debounce:       clientConfig.Debounce,
		OnChange:       func(change reconcile.Change) { logChange(logger, change) },
		OnLiveChange: func(live bool) {
			logger.Info("broadcast channel", zap.Bool("live", live))
		},
		OnNotification: func(notification realtime.Notification) {
			logger.Info("notification",
				zap.String("kind", notification.Kind),
				zap.String("resource_id", notification.ResourceID),
				zap.String("title", notification.Title))
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("watching deal board",
		zap.String("base_url", clientConfig.BaseURL),
		zap.String("pipeline_id", clientConfig.PipelineID))
	return session.Run(signalCtx)
}

func logChange(logger *zap.Logger, change reconcile.Change) {
	fields := []zap.Field{
		zap.String("change", string(change.Kind)),
		zap.String("deal_id", change.DealID),
	}
	if change.Kind != reconcile.ChangeRemoved {
		fields = append(fields,
			zap.String("title", change.Deal.Title),
			zap.String("stage_id", change.Deal.StageID),
			zap.String("outcome", change.Deal.Outcome),
			zap.Int64("updated_at_ms", change.Deal.UpdatedAtMillis))
	}
	if len(change.Diverged) > 0 {
		fields = append(fields, zap.Strings("diverged", change.Diverged))
	}
	logger.Info("deal", fields...)
}
