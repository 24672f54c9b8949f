package main

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type config struct {
	Debug      bool
	ListenAddr string

	StorageDriver    string
	SQLitePath       string
	ConnectionString string
	TasksTable       string

	RedisConnection    string
	TasksCacheTTL      time.Duration
	DeduperTTL         time.Duration
	LiveUpdatesChannel string
	LiveUpdatesQueue   string
	StreamClientBuffer int

	CORSAllowOrigins []string

	AuthMode      string
	AuthSecret    string
	Auth0Domain   string
	Auth0Audience string
	JWKSCacheTTL  time.Duration
}

const (
	driverSQLite   = "sqlite"
	driverAzTables = "aztables"
)

func loadConfig() (config, error) {
	var cfg config
	var err error

	cfg.Debug, _ = strconv.ParseBool(os.Getenv("DEBUG"))
	cfg.ListenAddr = ":" + envString("BOARD_API_PORT", "3000")

	cfg.StorageDriver = strings.ToLower(envString("STORAGE_DRIVER", driverSQLite))
	cfg.SQLitePath = envString("SQLITE_PATH", "~/.local/share/taskboard/board.db")
	cfg.ConnectionString = os.Getenv("STORAGE_CONNECTION_STRING")
	cfg.TasksTable = envString("TASKS_TABLE", "tasks")
	switch cfg.StorageDriver {
	case driverSQLite:
	case driverAzTables:
		if cfg.ConnectionString == "" {
			return cfg, fmt.Errorf("missing STORAGE_CONNECTION_STRING for %s driver", driverAzTables)
		}
	default:
		return cfg, fmt.Errorf("unsupported STORAGE_DRIVER %q", cfg.StorageDriver)
	}

	cfg.RedisConnection = os.Getenv("REDIS_CONNECTION_STRING")
	if cfg.TasksCacheTTL, err = envDuration("TASKS_CACHE_TTL", time.Minute); err != nil {
		return cfg, err
	}
	if cfg.DeduperTTL, err = envDuration("DEDUPER_TTL", 24*time.Hour); err != nil {
		return cfg, err
	}
	cfg.LiveUpdatesChannel = os.Getenv("LIVE_UPDATES_CHANNEL")
	cfg.LiveUpdatesQueue = os.Getenv("LIVE_UPDATES_QUEUE")
	if cfg.LiveUpdatesQueue != "" && cfg.ConnectionString == "" {
		return cfg, fmt.Errorf("LIVE_UPDATES_QUEUE requires STORAGE_CONNECTION_STRING")
	}
	if cfg.StreamClientBuffer, err = envInt("STREAM_CLIENT_BUFFER", 64); err != nil {
		return cfg, err
	}

	for _, origin := range strings.Split(envString("CORS_ALLOW_ORIGINS", "*"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.CORSAllowOrigins = append(cfg.CORSAllowOrigins, origin)
		}
	}

	cfg.AuthMode = strings.ToLower(os.Getenv("AUTH_MODE"))
	cfg.AuthSecret = os.Getenv("LOCAL_AUTH_SHARED_SECRET")
	cfg.Auth0Domain = os.Getenv("AUTH0_DOMAIN")
	cfg.Auth0Audience = os.Getenv("AUTH0_AUDIENCE")
	if cfg.JWKSCacheTTL, err = envDuration("JWKS_CACHE_TTL", 15*time.Minute); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive integer", key)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}

// redisOptions accepts a redis:// URL or the Azure style
// "host:port,password=...,ssl=True" connection string.
func redisOptions(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(kv[1], "true") {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}
