package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "CITYPULSE"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabaseDriver = DriverSQLite
	defaultDatabasePath   = "citypulse.db"
	defaultLogLevel       = "info"
	defaultCookieName     = "citypulse_session"
	defaultSessionIssuer  = "citypulse-auth"
	defaultSessionTTL     = 30 * time.Minute

	// DriverSQLite selects the embedded SQLite database.
	DriverSQLite = "sqlite"
	// DriverPostgres selects a PostgreSQL server.
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	TrustedProxies []string

	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string
	SeedCatalog    bool

	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	SessionTTL        time.Duration

	LogLevel  string
	LogFormat string

	ChatLimit          int
	ChatWindow         time.Duration
	UploadLimit        int
	UploadWindow       time.Duration
	RateLimitSweep     time.Duration
	ChatAPIKey         string
	ChatModel          string
	ChatBaseURL        string
	ChatTimeout        time.Duration
	ChatRetries        int
	UploadDirectory    string
	UploadPublicURL    string
	UploadRetries      int
	UploadStoreTimeout time.Duration
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
	configViper.SetDefault("http.allowed_origins", []string{"*"})
	configViper.SetDefault("http.trusted_proxies", []string{})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.seed_catalog", true)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", "json")
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.ttl", defaultSessionTTL)

	configViper.SetDefault("ratelimit.chat.limit", 10)
	configViper.SetDefault("ratelimit.chat.window", time.Minute)
	configViper.SetDefault("ratelimit.upload.limit", 20)
	configViper.SetDefault("ratelimit.upload.window", time.Hour)
	configViper.SetDefault("ratelimit.sweep_interval", 5*time.Minute)

	_ = configViper.BindEnv("chat.api_key", envPrefix+"_CHAT_API_KEY", "GOOGLE_AI_API_KEY")
	configViper.SetDefault("chat.model", "gemini-2.0-flash")
	configViper.SetDefault("chat.timeout", 30*time.Second)
	configViper.SetDefault("chat.retries", 0)

	configViper.SetDefault("uploads.directory", "uploads")
	configViper.SetDefault("uploads.public_url", "/uploads")
	configViper.SetDefault("uploads.retries", 2)
	configViper.SetDefault("uploads.store_timeout", 10*time.Second)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		AllowedOrigins:     configViper.GetStringSlice("http.allowed_origins"),
		TrustedProxies:     configViper.GetStringSlice("http.trusted_proxies"),
		DatabaseDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:       configViper.GetString("database.path"),
		DatabaseDSN:        configViper.GetString("database.dsn"),
		SeedCatalog:        configViper.GetBool("database.seed_catalog"),
		SessionSigningKey:  configViper.GetString("session.signing_secret"),
		SessionIssuer:      configViper.GetString("session.issuer"),
		SessionCookieName:  configViper.GetString("session.cookie_name"),
		SessionTTL:         configViper.GetDuration("session.ttl"),
		LogLevel:           configViper.GetString("log.level"),
		LogFormat:          configViper.GetString("log.format"),
		ChatLimit:          configViper.GetInt("ratelimit.chat.limit"),
		ChatWindow:         configViper.GetDuration("ratelimit.chat.window"),
		UploadLimit:        configViper.GetInt("ratelimit.upload.limit"),
		UploadWindow:       configViper.GetDuration("ratelimit.upload.window"),
		RateLimitSweep:     configViper.GetDuration("ratelimit.sweep_interval"),
		ChatAPIKey:         configViper.GetString("chat.api_key"),
		ChatModel:          configViper.GetString("chat.model"),
		ChatBaseURL:        configViper.GetString("chat.base_url"),
		ChatTimeout:        configViper.GetDuration("chat.timeout"),
		ChatRetries:        configViper.GetInt("chat.retries"),
		UploadDirectory:    configViper.GetString("uploads.directory"),
		UploadPublicURL:    configViper.GetString("uploads.public_url"),
		UploadRetries:      configViper.GetInt("uploads.retries"),
		UploadStoreTimeout: configViper.GetDuration("uploads.store_timeout"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningKey) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if strings.TrimSpace(c.SessionIssuer) == "" {
		return fmt.Errorf("session.issuer is required")
	}
	switch c.DatabaseDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q", DriverSQLite, DriverPostgres)
	}
	if c.ChatLimit <= 0 || c.UploadLimit <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}
	if c.ChatWindow <= 0 || c.UploadWindow <= 0 {
		return fmt.Errorf("rate limit windows must be positive")
	}
	if c.ChatTimeout <= 0 {
		return fmt.Errorf("chat.timeout must be positive")
	}
	if c.ChatRetries < 0 || c.UploadRetries < 0 {
		return fmt.Errorf("retry counts cannot be negative")
	}
	if strings.TrimSpace(c.UploadDirectory) == "" {
		return fmt.Errorf("uploads.directory is required")
	}
	return nil
}
