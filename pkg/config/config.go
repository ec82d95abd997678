// Package config loads the pipeline configuration from the environment and
// an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheNone   = "none"
)

// Lower bounds enforced by Validate.
const (
	MinRateInterval = 100 * time.Millisecond
	MinTimeout      = time.Second
)

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config is the complete runtime configuration.
type Config struct {
	Portal   PortalConfig
	Database DatabaseConfig
	Pipeline PipelineConfig
	Cache    CacheConfig
	Redis    RedisConfig
	Log      LogConfig
}

// PortalConfig configures the Portal API client.
type PortalConfig struct {
	APIKey          string
	BaseURL         string
	UserAgent       string
	Timeout         time.Duration
	MaxRetries      int
	RetryInterval   time.Duration
	RateMinInterval time.Duration
	// SharedRateLimit spaces requests across processes through Redis.
	SharedRateLimit bool
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	Driver string
	// URL wins over the discrete fields when set.
	URL      string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
	// Path is the SQLite database file.
	Path string
}

// PipelineConfig holds the pagination policy.
type PipelineConfig struct {
	FullPageThreshold int
	MaxPages          int
	PeriodCooldown    time.Duration
	Concurrency       int
	Entity            string
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Backend  string
	Capacity int
	TTL      time.Duration
}

// RedisConfig locates the Redis server used by the redis cache and the
// shared rate governor.
type RedisConfig struct {
	URL string
}

// LogConfig configures zerolog.
type LogConfig struct {
	Level  string
	Pretty bool
}

// env maps configuration keys to their environment variables, in lookup order.
var env = map[string][]string{
	"portal.api_key":               {"PORTAL_API_KEY", "API_KEY"},
	"portal.base_url":              {"PORTAL_BASE_URL"},
	"portal.user_agent":            {"PORTAL_USER_AGENT"},
	"portal.timeout":               {"HTTP_TIMEOUT"},
	"portal.max_retries":           {"MAX_RETRIES"},
	"portal.retry_interval":        {"RETRY_INTERVAL"},
	"portal.rate_min_interval":     {"RATE_MIN_INTERVAL"},
	"portal.shared_rate_limit":     {"SHARED_RATE_LIMIT"},
	"database.driver":              {"DB_DRIVER"},
	"database.url":                 {"DATABASE_URL"},
	"database.host":                {"DB_HOST"},
	"database.port":                {"DB_PORT"},
	"database.name":                {"POSTGRES_DB", "DB_NAME"},
	"database.user":                {"POSTGRES_USER", "DB_USER"},
	"database.password":            {"POSTGRES_PASSWORD", "DB_PASSWORD"},
	"database.sslmode":             {"DB_SSLMODE"},
	"database.path":                {"DB_PATH"},
	"pipeline.full_page_threshold": {"FULL_PAGE_THRESHOLD"},
	"pipeline.max_pages":           {"MAX_PAGES"},
	"pipeline.period_cooldown":     {"PERIOD_COOLDOWN"},
	"pipeline.concurrency":         {"CONCURRENCY"},
	"pipeline.entity":              {"ENTITY_CODE"},
	"cache.backend":                {"CACHE_BACKEND"},
	"cache.capacity":               {"CACHE_CAPACITY"},
	"cache.ttl":                    {"CACHE_TTL"},
	"redis.url":                    {"REDIS_URL"},
	"log.level":                    {"LOG_LEVEL"},
	"log.pretty":                   {"LOG_PRETTY"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("portal.base_url", "https://api.portaldatransparencia.gov.br/api-de-dados")
	v.SetDefault("portal.user_agent", "transparencia-etl/1.0")
	v.SetDefault("portal.timeout", 30*time.Second)
	v.SetDefault("portal.max_retries", 3)
	v.SetDefault("portal.retry_interval", 2*time.Second)
	v.SetDefault("portal.rate_min_interval", 1500*time.Millisecond)
	v.SetDefault("portal.shared_rate_limit", false)

	v.SetDefault("database.driver", DriverPostgres)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "transparencia")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "transparencia.db")

	v.SetDefault("pipeline.full_page_threshold", 10)
	v.SetDefault("pipeline.max_pages", 500)
	v.SetDefault("pipeline.period_cooldown", 3*time.Second)
	v.SetDefault("pipeline.concurrency", 1)
	v.SetDefault("pipeline.entity", "3550308")

	v.SetDefault("cache.backend", CacheMemory)
	v.SetDefault("cache.capacity", 256)
	v.SetDefault("cache.ttl", time.Hour)

	v.SetDefault("redis.url", "localhost:6379")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Load reads defaults, then the YAML file at path (if not empty), then the
// environment. Later sources win.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, vars := range env {
		if err := v.BindEnv(append([]string{key}, vars...)...); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	durations := map[string]time.Duration{}
	for _, key := range []string{
		"portal.timeout",
		"portal.retry_interval",
		"portal.rate_min_interval",
		"pipeline.period_cooldown",
		"cache.ttl",
	} {
		d, err := durationValue(v.Get(key))
		if err != nil {
			return nil, fmt.Errorf("%s (%s): %w", key, strings.Join(env[key], "/"), err)
		}
		durations[key] = d
	}

	return &Config{
		Portal: PortalConfig{
			APIKey:          strings.TrimSpace(v.GetString("portal.api_key")),
			BaseURL:         v.GetString("portal.base_url"),
			UserAgent:       v.GetString("portal.user_agent"),
			Timeout:         durations["portal.timeout"],
			MaxRetries:      v.GetInt("portal.max_retries"),
			RetryInterval:   durations["portal.retry_interval"],
			RateMinInterval: durations["portal.rate_min_interval"],
			SharedRateLimit: v.GetBool("portal.shared_rate_limit"),
		},
		Database: DatabaseConfig{
			Driver:   strings.ToLower(v.GetString("database.driver")),
			URL:      v.GetString("database.url"),
			Host:     v.GetString("database.host"),
			Port:     v.GetInt("database.port"),
			Name:     v.GetString("database.name"),
			User:     v.GetString("database.user"),
			Password: v.GetString("database.password"),
			SSLMode:  v.GetString("database.sslmode"),
			Path:     v.GetString("database.path"),
		},
		Pipeline: PipelineConfig{
			FullPageThreshold: v.GetInt("pipeline.full_page_threshold"),
			MaxPages:          v.GetInt("pipeline.max_pages"),
			PeriodCooldown:    durations["pipeline.period_cooldown"],
			Concurrency:       v.GetInt("pipeline.concurrency"),
			Entity:            v.GetString("pipeline.entity"),
		},
		Cache: CacheConfig{
			Backend:  strings.ToLower(v.GetString("cache.backend")),
			Capacity: v.GetInt("cache.capacity"),
			TTL:      durations["cache.ttl"],
		},
		Redis: RedisConfig{
			URL: v.GetString("redis.url"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Pretty: v.GetBool("log.pretty"),
		},
	}, nil
}

// durationValue reads a duration setting. Bare numbers ("1.5", or 30 in
// YAML) are seconds; strings with a unit go through time.ParseDuration.
func durationValue(raw any) (time.Duration, error) {
	switch val := raw.(type) {
	case nil:
		return 0, nil
	case time.Duration:
		return val, nil
	case int:
		return time.Duration(val) * time.Second, nil
	case int64:
		return time.Duration(val) * time.Second, nil
	case float64:
		return time.Duration(val * float64(time.Second)), nil
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return 0, nil
		}
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			return time.Duration(secs * float64(time.Second)), nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q (want seconds or a value like 1500ms)", val)
		}
		return d, nil
	default:
		return 0, fmt.Errorf("invalid duration %v", raw)
	}
}

// DSN returns the connection string for the configured driver.
func (d DatabaseConfig) DSN() string {
	if d.Driver == DriverSQLite {
		if d.URL != "" {
			return d.URL
		}
		return d.Path
	}
	if d.URL != "" {
		return d.URL
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(d.Host, fmt.Sprint(d.Port)),
		Path:   "/" + d.Name,
	}
	if d.User != "" {
		if d.Password != "" {
			u.User = url.UserPassword(d.User, d.Password)
		} else {
			u.User = url.User(d.User)
		}
	}
	if d.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {d.SSLMode}}.Encode()
	}
	return u.String()
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.URL == "" && (c.Database.Host == "" || c.Database.Name == "") {
			errs = append(errs, errors.New("database: DATABASE_URL or DB_HOST and POSTGRES_DB are required"))
		}
	case DriverSQLite:
		if c.Database.DSN() == "" {
			errs = append(errs, errors.New("database: DB_PATH is required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("database: unknown driver %q", c.Database.Driver))
	}

	switch c.Cache.Backend {
	case CacheMemory, CacheRedis, CacheNone:
	default:
		errs = append(errs, fmt.Errorf("cache: unknown backend %q", c.Cache.Backend))
	}
	if c.Cache.Backend == CacheMemory && c.Cache.Capacity <= 0 {
		errs = append(errs, errors.New("cache: CACHE_CAPACITY must be positive"))
	}
	if c.Cache.Backend != CacheNone && c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache: CACHE_TTL must be positive"))
	}
	if c.Portal.MaxRetries < 1 {
		errs = append(errs, errors.New("portal: MAX_RETRIES must be at least 1"))
	}
	if c.Portal.RateMinInterval < MinRateInterval {
		errs = append(errs, fmt.Errorf("portal: RATE_MIN_INTERVAL must be at least %s (got %s)", MinRateInterval, c.Portal.RateMinInterval))
	}
	if c.Portal.Timeout < MinTimeout {
		errs = append(errs, fmt.Errorf("portal: HTTP_TIMEOUT must be at least %s (got %s)", MinTimeout, c.Portal.Timeout))
	}
	if c.Portal.RetryInterval <= 0 {
		errs = append(errs, errors.New("portal: RETRY_INTERVAL must be positive"))
	}
	if c.Pipeline.PeriodCooldown < 0 {
		errs = append(errs, errors.New("pipeline: PERIOD_COOLDOWN must not be negative"))
	}

	return errors.Join(errs...)
}

// RequireAPIKey fails when no Portal API key is configured.
func (c *Config) RequireAPIKey() error {
	if c.Portal.APIKey == "" {
		return errors.New("portal: PORTAL_API_KEY is required")
	}
	return nil
}

// NeedsRedis reports whether any component uses Redis.
func (c *Config) NeedsRedis() bool {
	return c.Cache.Backend == CacheRedis || c.Portal.SharedRateLimit
}
