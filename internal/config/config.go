// Package config provides configuration management for the application.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	App        AppConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	NATS       NATSConfig
	Storage    StorageConfig
	Session    SessionConfig
	Crawl      CrawlConfig
	Politeness PolitenessConfig
	Log        LogConfig
}

// AppConfig holds process-level settings.
type AppConfig struct {
	Environment     string
	ShutdownTimeout int
	HealthPort      int
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Driver       string // postgres or sqlite
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
	SSLMode      string
	SQLitePath   string
	MaxOpenConns int
	MaxIdleConns int
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	PageTTL  time.Duration
}

// NATSConfig holds NATS configuration.
type NATSConfig struct {
	Enabled   bool
	URL       string
	ClusterID string
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	Enabled         bool
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	UseSSL          bool
	Region          string
}

// SessionConfig holds the rendering session and anti-bot proxy settings.
type SessionConfig struct {
	RemoteURL          string // CDP websocket of a hosted browser; empty launches locally
	ProxyHost          string
	ProxyPort          int
	ProxyUser          string
	ProxyPassword      string
	ProxyCountry       string
	Headless           bool
	UserAgent          string
	NavigationTimeout  time.Duration
	MaxReconnects      int
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	BlockHeavyAssets   bool
}

// CrawlConfig holds per-run limits.
type CrawlConfig struct {
	MaxMovies           int
	MaxReviews          int
	MaxCast             int
	MaxTerminalFailures int
	StableRounds        int
	MaxReveals          int
	MaxResumeAttempts   int
	Locale              string
	OutputDir           string
}

// PolitenessConfig holds per-domain request spacing and retry bounds.
type PolitenessConfig struct {
	MinDelay       time.Duration
	MaxPerDomain   int
	ThrottleStart  time.Duration
	ThrottleMin    time.Duration
	ThrottleMax    time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	RequestTimeout time.Duration
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level     string
	Format    string
	AddSource bool
}

// Load loads configuration from environment variables. A .env file in the
// working directory is read first when present; real env vars win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Environment:     getEnv("ENVIRONMENT", "development"),
			ShutdownTimeout: getEnvAsInt("SHUTDOWN_TIMEOUT", 30),
			HealthPort:      getEnvAsInt("HEALTH_PORT", 8081),
		},
		Database: DatabaseConfig{
			Driver:       getEnv("DB_DRIVER", "sqlite"),
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnvAsInt("DB_PORT", 5432),
			User:         getEnv("DB_USER", "postgres"),
			Password:     getEnv("DB_PASSWORD", ""),
			Database:     getEnv("DB_NAME", "movies"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			SQLitePath:   getEnv("SQLITE_PATH", "output/movies.db"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 2),
		},
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PageTTL:  getEnvAsDuration("REDIS_PAGE_TTL", 24*time.Hour),
		},
		NATS: NATSConfig{
			Enabled:   getEnvAsBool("NATS_ENABLED", false),
			URL:       getEnv("NATS_URL", "nats://localhost:4222"),
			ClusterID: getEnv("NATS_CLUSTER_ID", "movie-crawler"),
		},
		Storage: StorageConfig{
			Enabled:         getEnvAsBool("STORAGE_ENABLED", false),
			Endpoint:        getEnv("STORAGE_ENDPOINT", "localhost:9000"),
			AccessKeyID:     getEnv("STORAGE_ACCESS_KEY", "minioadmin"),
			SecretAccessKey: getEnv("STORAGE_SECRET_KEY", "minioadmin"),
			BucketName:      getEnv("STORAGE_BUCKET", "movie-datasets"),
			UseSSL:          getEnvAsBool("STORAGE_USE_SSL", false),
			Region:          getEnv("STORAGE_REGION", "us-east-1"),
		},
		Session: SessionConfig{
			RemoteURL:          getEnv("BROWSER_WS_URL", ""),
			ProxyHost:          getEnv("PROXY_HOST", ""),
			ProxyPort:          getEnvAsInt("PROXY_PORT", 33335),
			ProxyUser:          getEnv("PROXY_USER", ""),
			ProxyPassword:      getEnv("PROXY_PASSWORD", ""),
			ProxyCountry:       getEnv("PROXY_COUNTRY", "us"),
			Headless:           getEnvAsBool("BROWSER_HEADLESS", true),
			UserAgent:          getEnv("CRAWLER_USER_AGENT", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"),
			NavigationTimeout:  getEnvAsDuration("BROWSER_NAV_TIMEOUT", 240*time.Second),
			MaxReconnects:      getEnvAsInt("SESSION_MAX_RECONNECTS", 3),
			ReconnectBaseDelay: getEnvAsDuration("SESSION_RECONNECT_DELAY", 2*time.Second),
			ReconnectMaxDelay:  getEnvAsDuration("SESSION_RECONNECT_MAX_DELAY", 30*time.Second),
			BlockHeavyAssets:   getEnvAsBool("BROWSER_BLOCK_ASSETS", true),
		},
		Crawl: CrawlConfig{
			MaxMovies:           getEnvAsInt("CRAWL_MAX_MOVIES", 100),
			MaxReviews:          getEnvAsInt("CRAWL_MAX_REVIEWS", 100),
			MaxCast:             getEnvAsInt("CRAWL_MAX_CAST", 15),
			MaxTerminalFailures: getEnvAsInt("CRAWL_MAX_TERMINAL_FAILURES", 25),
			StableRounds:        getEnvAsInt("CRAWL_STABLE_ROUNDS", 3),
			MaxReveals:          getEnvAsInt("CRAWL_MAX_REVEALS", 500),
			MaxResumeAttempts:   getEnvAsInt("CRAWL_MAX_RESUME_ATTEMPTS", 3),
			Locale:              getEnv("CRAWL_LOCALE", "en-US"),
			OutputDir:           getEnv("CRAWL_OUTPUT_DIR", "output"),
		},
		Politeness: PolitenessConfig{
			MinDelay:       getEnvAsDuration("POLITE_MIN_DELAY", 2*time.Second),
			MaxPerDomain:   getEnvAsInt("POLITE_MAX_PER_DOMAIN", 1),
			ThrottleStart:  getEnvAsDuration("POLITE_THROTTLE_START", 250*time.Millisecond),
			ThrottleMin:    getEnvAsDuration("POLITE_THROTTLE_MIN", 250*time.Millisecond),
			ThrottleMax:    getEnvAsDuration("POLITE_THROTTLE_MAX", 5*time.Second),
			MaxRetries:     getEnvAsInt("POLITE_MAX_RETRIES", 2),
			RetryBaseDelay: getEnvAsDuration("POLITE_RETRY_DELAY", 2*time.Second),
			RequestTimeout: getEnvAsDuration("POLITE_REQUEST_TIMEOUT", 60*time.Second),
		},
		Log: LogConfig{
			Level:     getEnv("LOG_LEVEL", "info"),
			Format:    getEnv("LOG_FORMAT", "json"),
			AddSource: getEnvAsBool("LOG_ADD_SOURCE", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", c.Database.Driver))
	}
	if c.Crawl.MaxMovies <= 0 {
		errs = append(errs, errors.New("CRAWL_MAX_MOVIES must be positive"))
	}
	if c.Crawl.MaxReviews < 0 || c.Crawl.MaxCast < 0 {
		errs = append(errs, errors.New("review and cast limits must not be negative"))
	}
	if c.Crawl.StableRounds <= 0 {
		errs = append(errs, errors.New("CRAWL_STABLE_ROUNDS must be positive"))
	}
	if c.Politeness.ThrottleMin > c.Politeness.ThrottleMax {
		errs = append(errs, fmt.Errorf("POLITE_THROTTLE_MIN (%s) exceeds POLITE_THROTTLE_MAX (%s)",
			c.Politeness.ThrottleMin, c.Politeness.ThrottleMax))
	}
	if c.Politeness.MaxPerDomain != 1 {
		// one in-flight request per target domain is a hard politeness rule
		errs = append(errs, fmt.Errorf("POLITE_MAX_PER_DOMAIN must be 1, got %d", c.Politeness.MaxPerDomain))
	}
	if c.Politeness.MaxRetries < 0 {
		errs = append(errs, errors.New("POLITE_MAX_RETRIES must not be negative"))
	}
	if (c.Session.ProxyUser == "") != (c.Session.ProxyPassword == "") {
		errs = append(errs, errors.New("PROXY_USER and PROXY_PASSWORD must be set together"))
	}
	if c.Session.MaxReconnects < 0 {
		errs = append(errs, errors.New("SESSION_MAX_RECONNECTS must not be negative"))
	}

	return errors.Join(errs...)
}

// DSN returns the database connection string for the configured driver.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "sqlite" {
		return c.SQLitePath
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// URL returns the Redis connection URL.
func (c *RedisConfig) URL() string {
	if c.Password != "" {
		return fmt.Sprintf("redis://:%s@%s:%d/%d", c.Password, c.Host, c.Port, c.DB)
	}
	return fmt.Sprintf("redis://%s:%d/%d", c.Host, c.Port, c.DB)
}

// ProxyUsername returns the proxy user with the country suffix the
// unlocker service expects.
func (c *SessionConfig) ProxyUsername() string {
	if c.ProxyUser == "" || c.ProxyCountry == "" {
		return c.ProxyUser
	}
	return fmt.Sprintf("%s-country-%s", c.ProxyUser, c.ProxyCountry)
}

// ProxyServer returns host:port of the proxy, or "" when no proxy is set.
func (c *SessionConfig) ProxyServer() string {
	if c.ProxyHost == "" {
		return ""
	}
	return fmt.Sprintf("http://%s:%d", c.ProxyHost, c.ProxyPort)
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		// bare numbers are seconds, matching the old DOWNLOAD_DELAY style
		if secs, err := strconv.ParseFloat(value, 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return defaultValue
}
