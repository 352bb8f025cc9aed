package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/tenantshowcase/inappdb/internal/storage"
)

const (
	envPrefix              = "INAPPDB"
	defaultHTTPAddress     = "127.0.0.1:8090"
	defaultLogLevel        = "info"
	defaultIssuer          = "inappdb-auth"
	defaultCookieName      = "app_session"
	defaultStorageDriver   = DriverSQLite
	defaultStoragePath     = "inappdb.db"
	defaultRedisURL        = "redis://127.0.0.1:6379/0"
	defaultStorageKey      = "inappdb"
	defaultStorageVersion  = "v2"
	defaultPersistDebounce = time.Second
	defaultCacheTTL        = 5 * time.Minute
	defaultMinInterval     = 30 * time.Second
	defaultFetchTimeout    = 15 * time.Second
	defaultRealtimeWindow  = 250 * time.Millisecond
)

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
	DriverRedis  = "redis"
)

// Mode selects which keys a command requires.
type Mode int

const (
	// ModeDump only reads the persisted blob.
	ModeDump Mode = iota
	// ModeSync talks to the backend once.
	ModeSync
	// ModeServe runs the HTTP sidecar and validates session tokens.
	ModeServe
)

// AppConfig captures runtime configuration for the sidecar and its commands.
type AppConfig struct {
	HTTPAddress    string
	LogLevel       string
	LogDevelopment bool

	BackendBaseURL  string
	BackendAPIKey   string
	RealtimeURL     string
	SigningSecret   string
	SessionIssuer   string
	SessionCookie   string
	StorageDriver   string
	StoragePath     string
	RedisURL        string
	StorageKey      string
	StorageVersion  string
	PersistDebounce time.Duration
	CacheTTL        time.Duration
	MinInterval     time.Duration
	FetchTimeout    time.Duration
	RealtimeWindow  time.Duration
}

// BlobKey is the versioned key the snapshot blob is stored under.
func (c AppConfig) BlobKey() string {
	return storage.BlobKey(c.StorageKey, c.StorageVersion)
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
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.development", false)
	configViper.SetDefault("backend.base_url", "")
	configViper.SetDefault("backend.api_key", "")
	configViper.SetDefault("backend.realtime_url", "")
	configViper.SetDefault("session.signing_secret", "")
	configViper.SetDefault("session.issuer", defaultIssuer)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("storage.driver", defaultStorageDriver)
	configViper.SetDefault("storage.path", defaultStoragePath)
	configViper.SetDefault("storage.redis_url", defaultRedisURL)
	configViper.SetDefault("storage.key", defaultStorageKey)
	configViper.SetDefault("storage.version", defaultStorageVersion)
	configViper.SetDefault("persist.debounce", defaultPersistDebounce)
	configViper.SetDefault("cache.ttl", defaultCacheTTL)
	configViper.SetDefault("cache.min_interval", defaultMinInterval)
	configViper.SetDefault("fetch.timeout", defaultFetchTimeout)
	configViper.SetDefault("realtime.debounce", defaultRealtimeWindow)
}

// Load parses runtime configuration from viper and validates the keys mode needs.
func Load(configViper *viper.Viper, mode Mode) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		LogLevel:        configViper.GetString("log.level"),
		LogDevelopment:  configViper.GetBool("log.development"),
		BackendBaseURL:  strings.TrimSpace(configViper.GetString("backend.base_url")),
		BackendAPIKey:   configViper.GetString("backend.api_key"),
		RealtimeURL:     strings.TrimSpace(configViper.GetString("backend.realtime_url")),
		SigningSecret:   configViper.GetString("session.signing_secret"),
		SessionIssuer:   configViper.GetString("session.issuer"),
		SessionCookie:   configViper.GetString("session.cookie_name"),
		StorageDriver:   strings.ToLower(strings.TrimSpace(configViper.GetString("storage.driver"))),
		StoragePath:     configViper.GetString("storage.path"),
		RedisURL:        configViper.GetString("storage.redis_url"),
		StorageKey:      configViper.GetString("storage.key"),
		StorageVersion:  configViper.GetString("storage.version"),
		PersistDebounce: configViper.GetDuration("persist.debounce"),
		CacheTTL:        configViper.GetDuration("cache.ttl"),
		MinInterval:     configViper.GetDuration("cache.min_interval"),
		FetchTimeout:    configViper.GetDuration("fetch.timeout"),
		RealtimeWindow:  configViper.GetDuration("realtime.debounce"),
	}

	if err := cfg.validate(mode); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate(mode Mode) error {
	switch c.StorageDriver {
	case DriverMemory:
	case DriverSQLite, DriverBolt:
		if strings.TrimSpace(c.StoragePath) == "" {
			return fmt.Errorf("storage.path is required for the %s driver", c.StorageDriver)
		}
	case DriverRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return fmt.Errorf("storage.redis_url is required for the redis driver")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported", c.StorageDriver)
	}
	if strings.TrimSpace(c.StorageKey) == "" || strings.TrimSpace(c.StorageVersion) == "" {
		return fmt.Errorf("storage.key and storage.version are required")
	}

	durations := []struct {
		key   string
		value time.Duration
	}{
		{"persist.debounce", c.PersistDebounce},
		{"cache.ttl", c.CacheTTL},
		{"cache.min_interval", c.MinInterval},
		{"fetch.timeout", c.FetchTimeout},
		{"realtime.debounce", c.RealtimeWindow},
	}
	for _, duration := range durations {
		if duration.value <= 0 {
			return fmt.Errorf("%s must be positive", duration.key)
		}
	}

	if mode >= ModeSync && c.BackendBaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if mode >= ModeServe {
		if strings.TrimSpace(c.SigningSecret) == "" {
			return fmt.Errorf("session.signing_secret is required")
		}
		if strings.TrimSpace(c.SessionCookie) == "" {
			return fmt.Errorf("session.cookie_name is required")
		}
		if strings.TrimSpace(c.HTTPAddress) == "" {
			return fmt.Errorf("http.address is required")
		}
	}
	return nil
}
