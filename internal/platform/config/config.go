// Package config builds runtime configuration from environment variables so
// main stays lean. Every knob has a default that works for local development.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full server configuration.
type Config struct {
	Addr          string
	AdminJWTKey   string
	DatabaseURL   string
	Redis         Redis
	Notion        Notion
	Resolver      Resolver
	Replication   Replication
	Drift         Drift
	Kafka         Kafka
	ShutdownGrace time.Duration
}

// Redis configures the shared cache client.
type Redis struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Notion configures the system-of-record client.
type Notion struct {
	BaseURL    string
	APIKey     string
	DatabaseID string
	Timeout    time.Duration
}

// Resolver configures the tiered lookup path.
type Resolver struct {
	EdgeTTL            time.Duration
	DistributedTTL     time.Duration
	SourceTimeout      time.Duration
	MaxBackgroundTasks int64
}

// Replication configures the cache replication job.
type Replication struct {
	Interval  time.Duration
	BatchSize int
}

// Drift configures the drift monitor.
type Drift struct {
	Interval      time.Duration
	SampleLimit   int
	Tolerance     time.Duration
	WarnRatio     float64
	CriticalRatio float64
}

// Kafka configures alert publishing. Empty Brokers disables it.
type Kafka struct {
	Brokers    []string
	AlertTopic string
}

// FromEnv reads configuration from the environment, applying defaults.
func FromEnv() Config {
	return Config{
		Addr:        getenv("RESOLVER_ADDR", ":8080"),
		AdminJWTKey: getenv("ADMIN_JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Redis: Redis{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     getint("REDIS_POOL_SIZE", 10),
			MinIdleConns: getint("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getduration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getduration("REDIS_READ_TIMEOUT", 100*time.Millisecond),
			WriteTimeout: getduration("REDIS_WRITE_TIMEOUT", 100*time.Millisecond),
		},
		Notion: Notion{
			BaseURL:    getenv("NOTION_BASE_URL", "https://api.notion.com"),
			APIKey:     os.Getenv("NOTION_API_KEY"),
			DatabaseID: os.Getenv("NOTION_CONTACTS_DATABASE_ID"),
			Timeout:    getduration("NOTION_TIMEOUT", 10*time.Second),
		},
		Resolver: Resolver{
			EdgeTTL:            getduration("RESOLVER_EDGE_TTL", 2*time.Minute),
			DistributedTTL:     getduration("RESOLVER_DISTRIBUTED_TTL", 6*time.Hour),
			SourceTimeout:      getduration("RESOLVER_SOURCE_TIMEOUT", 10*time.Second),
			MaxBackgroundTasks: int64(getint("RESOLVER_MAX_BACKGROUND_TASKS", 64)),
		},
		Replication: Replication{
			Interval:  getduration("REPLICATION_INTERVAL", 5*time.Minute),
			BatchSize: getint("REPLICATION_BATCH_SIZE", 200),
		},
		Drift: Drift{
			Interval:      getduration("DRIFT_INTERVAL", 15*time.Minute),
			SampleLimit:   getint("DRIFT_SAMPLE_LIMIT", 50),
			Tolerance:     getduration("DRIFT_TOLERANCE", time.Hour),
			WarnRatio:     getfloat("DRIFT_WARN_RATIO", 0.2),
			CriticalRatio: getfloat("DRIFT_CRITICAL_RATIO", 0.7),
		},
		Kafka: Kafka{
			Brokers:    getlist("KAFKA_BROKERS"),
			AlertTopic: getenv("KAFKA_ALERT_TOPIC", "resolver.alerts"),
		},
		ShutdownGrace: getduration("SHUTDOWN_GRACE", 10*time.Second),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getfloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getlist(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
