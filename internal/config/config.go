package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "DEALFLOW"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabaseDriver = DatabaseDriverSQLite
	defaultDatabaseDSN    = "dealflow.db"
	defaultLogLevel       = "info"
	defaultAuthIssuer     = "tauth"
	defaultCookieName     = "app_session"
	defaultRedisChannel   = "dealflow:broadcast"
	defaultSendBuffer     = 32
	defaultBaseURL        = "http://localhost:8080"
	defaultPollInterval   = 3 * time.Second
	defaultReconnectDelay = 3 * time.Second
	defaultIdleTimeout    = 10 * time.Second
	defaultDebounce       = 150 * time.Millisecond
)

const (
	// DatabaseDriverSQLite selects the embedded SQLite store.
	DatabaseDriverSQLite = "sqlite"
	// DatabaseDriverPostgres selects a PostgreSQL server reached through database.dsn.
	DatabaseDriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	DatabaseDriver string
	DatabaseDSN    string
	LogLevel       string
	SigningSecret  string
	AuthIssuer     string
	CookieName     string
	RedisURL       string
	RedisChannel   string
	SendBuffer     int
}

// ClientConfig captures runtime configuration for the board follower.
type ClientConfig struct {
	BaseURL        string
	WebSocketURL   string
	Token          string
	UserID         int64
	PipelineID     string
	LogLevel       string
	PollInterval   time.Duration
	ReconnectDelay time.Duration
	IdleTimeout    time.Duration
	Debounce       time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("realtime.redis_url", "")
	configViper.SetDefault("realtime.redis_channel", defaultRedisChannel)
	configViper.SetDefault("realtime.send_buffer", defaultSendBuffer)

	configViper.SetDefault("client.base_url", defaultBaseURL)
	configViper.SetDefault("client.ws_url", "")
	configViper.SetDefault("client.token", "")
	configViper.SetDefault("client.user_id", 0)
	configViper.SetDefault("client.pipeline_id", "")
	configViper.SetDefault("client.poll_interval", defaultPollInterval)
	configViper.SetDefault("client.reconnect_delay", defaultReconnectDelay)
	configViper.SetDefault("client.idle_timeout", defaultIdleTimeout)
	configViper.SetDefault("client.debounce", defaultDebounce)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: splitList(configViper.GetStringSlice("http.allowed_origins")),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:    configViper.GetString("database.dsn"),
		LogLevel:       configViper.GetString("log.level"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		AuthIssuer:     configViper.GetString("auth.issuer"),
		CookieName:     configViper.GetString("auth.cookie_name"),
		RedisURL:       strings.TrimSpace(configViper.GetString("realtime.redis_url")),
		RedisChannel:   configViper.GetString("realtime.redis_channel"),
		SendBuffer:     configViper.GetInt("realtime.send_buffer"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite, DatabaseDriverPostgres:
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DatabaseDriverSQLite, DatabaseDriverPostgres, c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.RedisURL != "" && strings.TrimSpace(c.RedisChannel) == "" {
		return fmt.Errorf("realtime.redis_channel is required when realtime.redis_url is set")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("realtime.send_buffer must be positive")
	}
	return nil
}

// LoadClient parses board follower configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		BaseURL:        strings.TrimRight(strings.TrimSpace(configViper.GetString("client.base_url")), "/"),
		WebSocketURL:   strings.TrimSpace(configViper.GetString("client.ws_url")),
		Token:          strings.TrimSpace(configViper.GetString("client.token")),
		UserID:         configViper.GetInt64("client.user_id"),
		PipelineID:     strings.TrimSpace(configViper.GetString("client.pipeline_id")),
		LogLevel:       configViper.GetString("log.level"),
		PollInterval:   configViper.GetDuration("client.poll_interval"),
		ReconnectDelay: configViper.GetDuration("client.reconnect_delay"),
		IdleTimeout:    configViper.GetDuration("client.idle_timeout"),
		Debounce:       configViper.GetDuration("client.debounce"),
	}
	if cfg.WebSocketURL == "" {
		cfg.WebSocketURL = deriveWebSocketURL(cfg.BaseURL)
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func (c ClientConfig) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("client.base_url is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("client.poll_interval must be positive")
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("client.reconnect_delay must be positive")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("client.idle_timeout must be positive")
	}
	if c.Debounce < 0 {
		return fmt.Errorf("client.debounce must not be negative")
	}
	return nil
}

// splitList accepts both repeated values and comma separated env values.
func splitList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}

func deriveWebSocketURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://") + "/ws"
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://") + "/ws"
	default:
		return baseURL + "/ws"
	}
}
