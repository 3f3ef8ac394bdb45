package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Broker   BrokerConfig
	Control  ControlConfig
	Logging  LoggingConfig
	Redis    RedisConfig
	Postgres PostgresConfig
	Worker   WorkerConfig
	Reaper   ReaperConfig
	Metrics  MetricsConfig
}

type BrokerConfig struct {
	Addr           string
	TargetURL      string
	RequestTimeout time.Duration
	ProbeTimeout   time.Duration
	QueueCapacity  int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

type ControlConfig struct {
	Addr         string
	FleetFile    string
	LogsRoot     string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type LoggingConfig struct {
	Level        slog.Level
	CaptureLines int
}

// RedisConfig is optional: an empty Addr disables the Redis event bus,
// the batch cache and asynq scheduling.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// PostgresConfig is optional: an empty Addr keeps batch history in memory.
type PostgresConfig struct {
	Addr     string
	User     string
	Password string
	Database string
}

type WorkerConfig struct {
	Concurrency int
}

type ReaperConfig struct {
	Interval time.Duration
	MaxAge   time.Duration
}

type MetricsConfig struct {
	Addr string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Broker: BrokerConfig{
			Addr:           getEnv("BROKER_ADDR", ":9000"),
			TargetURL:      getEnv("BROKER_TARGET_URL", "http://localhost:8000"),
			RequestTimeout: getDurationEnv("BROKER_REQUEST_TIMEOUT", 120*time.Second),
			ProbeTimeout:   getDurationEnv("BROKER_PROBE_TIMEOUT", 5*time.Second),
			QueueCapacity:  getIntEnv("BROKER_QUEUE_CAPACITY", 100),
			ReadTimeout:    getDurationEnv("BROKER_READ_TIMEOUT", 30*time.Second),
			// a queued caller may wait for every request ahead of it
			WriteTimeout: getDurationEnv("BROKER_WRITE_TIMEOUT", 0),
		},
		Control: ControlConfig{
			Addr:         getEnv("CONTROL_ADDR", ":8080"),
			FleetFile:    getEnv("FLEET_FILE", "multi_sut_config.json"),
			LogsRoot:     getEnv("LOGS_ROOT", "logs"),
			ReadTimeout:  getDurationEnv("CONTROL_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getDurationEnv("CONTROL_WRITE_TIMEOUT", 120*time.Second),
		},
		Logging: LoggingConfig{
			Level:        ParseLevel(getEnv("LOG_LEVEL", "info")),
			CaptureLines: getIntEnv("CAPTURE_LINES", 2000),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		Postgres: PostgresConfig{
			Addr:     getEnv("POSTGRES_ADDR", ""),
			User:     getEnv("POSTGRES_USER", "postgres"),
			Password: getEnv("POSTGRES_PASSWORD", "postgres"),
			Database: getEnv("POSTGRES_DB", "sutfleet"),
		},
		Worker: WorkerConfig{
			Concurrency: getIntEnv("WORKER_CONCURRENCY", 4),
		},
		Reaper: ReaperConfig{
			Interval: getDurationEnv("REAPER_INTERVAL", time.Minute),
			MaxAge:   getDurationEnv("REAPER_MAX_AGE", 24*time.Hour),
		},
		Metrics: MetricsConfig{
			Addr: getEnv("METRICS_ADDR", ":9090"),
		},
	}
}

// ParseLevel maps debug|info|warn|warning|error to a slog level, falling back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "critical":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
