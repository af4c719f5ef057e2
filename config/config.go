package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// AppConfig holds file and environment driven configuration values.
// Secrets have no defaults in code and must come from the config file or the environment.
type AppConfig struct {
	App      AppSection      `mapstructure:"app"`
	Database DatabaseSection `mapstructure:"database"`
	Redis    RedisSection    `mapstructure:"redis"`
	Log      LogSection      `mapstructure:"log"`
	Sync     SyncSection     `mapstructure:"sync"`
	Admin    AdminSection    `mapstructure:"admin"`
	Geo      GeoSection      `mapstructure:"geo"`
}

type AppSection struct {
	Port               string   `mapstructure:"port"`
	JWTSecret          string   `mapstructure:"jwt_secret"`
	JWTExpireHours     int      `mapstructure:"jwt_expire_hours"`
	RateLimitPerMinute int      `mapstructure:"rate_limit_per_minute"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
	GinMode            string   `mapstructure:"gin_mode"`
	GinPath            string   `mapstructure:"gin_path"`
}

type DatabaseSection struct {
	URI      string `mapstructure:"uri"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
}

type RedisSection struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	DB       int    `mapstructure:"db"`
	Password string `mapstructure:"password"`
}

type LogSection struct {
	Level      string `mapstructure:"level"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// SyncSection controls the cache to database flush.
type SyncSection struct {
	IntervalSec   int  `mapstructure:"interval_sec"`
	BatchSize     int  `mapstructure:"batch_size"`
	BatchPauseMS  int  `mapstructure:"batch_pause_ms"`
	LogTTLSec     int  `mapstructure:"log_ttl_sec"`
	CounterTTLSec int  `mapstructure:"counter_ttl_sec"`
	WarmOnStart   bool `mapstructure:"warm_on_start"`
}

func (s SyncSection) Interval() time.Duration   { return time.Duration(s.IntervalSec) * time.Second }
func (s SyncSection) BatchPause() time.Duration { return time.Duration(s.BatchPauseMS) * time.Millisecond }
func (s SyncSection) LogTTL() time.Duration     { return time.Duration(s.LogTTLSec) * time.Second }
func (s SyncSection) CounterTTL() time.Duration { return time.Duration(s.CounterTTLSec) * time.Second }

// AdminSection seeds the admin account on first start.
type AdminSection struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type GeoSection struct {
	Endpoint       string `mapstructure:"endpoint"`
	Lang           string `mapstructure:"lang"`
	TimeoutSec     int    `mapstructure:"timeout_sec"`
	CacheTTLMinute int    `mapstructure:"cache_ttl_minute"`
}

// RedisAddr returns host:port.
func (c AppConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// DSN returns the MySQL DSN, preferring an explicit URI.
func (c AppConfig) DSN() string {
	if c.Database.URI != "" {
		return c.Database.URI
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
	)
}

var (
	cfg    AppConfig
	loaded bool
	mu     sync.Mutex
)

// envBindings maps config keys onto the environment variables that override them.
var envBindings = map[string]string{
	"app.port":                  "APP_PORT",
	"app.jwt_secret":            "JWT_SECRET",
	"app.jwt_expire_hours":      "JWT_EXPIRE_HOURS",
	"app.rate_limit_per_minute": "RATE_LIMIT_PER_MINUTE",
	"app.allowed_origins":       "CORS_ALLOWED_ORIGINS",
	"app.gin_mode":              "GIN_MODE",
	"app.gin_path":              "GIN_PATH",
	"database.uri":              "DATABASE_URI",
	"database.host":             "DB_HOST",
	"database.port":             "DB_PORT",
	"database.user":             "DB_USER",
	"database.password":         "DB_PASSWORD",
	"database.name":             "DB_NAME",
	"redis.host":                "REDIS_HOST",
	"redis.port":                "REDIS_PORT",
	"redis.db":                  "REDIS_DB",
	"redis.password":            "REDIS_PASSWORD",
	"log.level":                 "LOG_LEVEL",
	"log.path":                  "LOG_PATH",
	"log.max_size_mb":           "LOG_MAX_SIZE_MB",
	"log.max_backups":           "LOG_MAX_BACKUPS",
	"log.max_age_days":          "LOG_MAX_AGE_DAYS",
	"log.compress":              "LOG_COMPRESS",
	"sync.interval_sec":         "SYNC_INTERVAL_SEC",
	"sync.batch_size":           "SYNC_BATCH_SIZE",
	"sync.batch_pause_ms":       "SYNC_BATCH_PAUSE_MS",
	"sync.log_ttl_sec":          "SYNC_LOG_TTL_SEC",
	"sync.counter_ttl_sec":      "SYNC_COUNTER_TTL_SEC",
	"sync.warm_on_start":        "SYNC_WARM_ON_START",
	"admin.username":            "ADMIN_USERNAME",
	"admin.password":            "ADMIN_PASSWORD",
	"geo.endpoint":              "GEO_ENDPOINT",
	"geo.lang":                  "GEO_LANG",
	"geo.timeout_sec":           "GEO_TIMEOUT_SEC",
	"geo.cache_ttl_minute":      "GEO_CACHE_TTL_MINUTE",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", "8080")
	v.SetDefault("app.jwt_expire_hours", 24)
	v.SetDefault("app.rate_limit_per_minute", 60)
	v.SetDefault("app.allowed_origins", []string{"*"})
	v.SetDefault("app.gin_mode", "release")
	v.SetDefault("app.gin_path", "logs/go_gin.log")

	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", "3306")
	v.SetDefault("database.user", "root")
	v.SetDefault("database.name", "visitcounter")

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 7)

	v.SetDefault("sync.interval_sec", 600)
	v.SetDefault("sync.batch_size", 30)
	v.SetDefault("sync.batch_pause_ms", 200)
	v.SetDefault("sync.log_ttl_sec", 600)
	v.SetDefault("sync.counter_ttl_sec", 0)
	v.SetDefault("sync.warm_on_start", true)

	v.SetDefault("geo.endpoint", "http://ip-api.com/json/")
	v.SetDefault("geo.lang", "zh-CN")
	v.SetDefault("geo.timeout_sec", 5)
	v.SetDefault("geo.cache_ttl_minute", 60)
}

// LoadFrom reads configuration with precedence defaults < JSON file < environment.
// A missing file is not an error; a malformed one is.
func LoadFrom(path string) (AppConfig, error) {
	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return AppConfig{}, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return AppConfig{}, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var out AppConfig
	if err := v.Unmarshal(&out); err != nil {
		return AppConfig{}, fmt.Errorf("decode config: %w", err)
	}
	out.App.AllowedOrigins = splitAndTrim(out.App.AllowedOrigins)
	return out, nil
}

// Load loads the application configuration. It should be called once during boot.
func Load() AppConfig {
	mu.Lock()
	defer mu.Unlock()
	if loaded {
		return cfg
	}

	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		path = filepath.Join("config", "config.json")
	}
	c, err := LoadFrom(path)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if c.App.JWTSecret == "" {
		log.Fatal("JWT_SECRET must be set in environment variables")
	}

	cfg = c
	loaded = true
	return cfg
}

// Get returns the cached configuration, loading it if necessary.
func Get() AppConfig {
	mu.Lock()
	ok := loaded
	mu.Unlock()
	if !ok {
		return Load()
	}
	return cfg
}

// splitAndTrim flattens comma separated items, which is how list values arrive from the environment.
func splitAndTrim(raw []string) []string {
	items := []string{}
	for _, entry := range raw {
		for _, item := range strings.Split(entry, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				items = append(items, trimmed)
			}
		}
	}
	return items
}
