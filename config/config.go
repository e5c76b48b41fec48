package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Player   PlayerConfig
	Presence PresenceConfig
	Realtime RealtimeConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
	MetricsEnabled     bool
	EmbeddedWorker     bool // run viewer-count and poll-expiry loops in-process instead of cmd/worker
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/streamcast?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// PlayerConfig holds the headless player settings (cmd/player).
type PlayerConfig struct {
	BackendURL         string // e.g. http://localhost:8080
	WSURL              string // e.g. ws://localhost:8080/ws
	StreamID           string
	ViewerName         string
	Lang               string // "en", "ar" or "tr"
	MaxNetworkRetries  int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	RecoveryTimeout    time.Duration
	StallRetryInterval time.Duration
	ManifestRefresh    time.Duration
	StatusPollInterval time.Duration
	TargetBuffer       time.Duration
	LowBuffer          time.Duration
	MetricsAddr        string // optional listen address for /metrics
}

// PresenceConfig holds heartbeat settings shared by player and server.
type PresenceConfig struct {
	HeartbeatInterval time.Duration // client tick
	GraceWindow       time.Duration // client: disarm after leaving Playing/Stalled this long
	ViewerTTL         time.Duration // server: viewer counted if seen within TTL
	BroadcastInterval time.Duration // server: viewerCount push cadence
}

// RealtimeConfig holds engagement channel settings.
type RealtimeConfig struct {
	ReconnectBase   time.Duration
	ReconnectMax    time.Duration
	ChatRatePerSec  float64
	ChatBurst       int
	ChatHistorySize int
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
			MetricsEnabled:     getEnv("METRICS_ENABLED", "true") == "true",
			EmbeddedWorker:     getEnv("EMBEDDED_WORKER", "true") == "true",
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "streamcast"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvInt("DB_MAX_CONNS", 10),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Player: PlayerConfig{
			BackendURL:         getEnv("BACKEND_URL", "http://localhost:8080"),
			WSURL:              getEnv("WS_URL", "ws://localhost:8080/ws"),
			StreamID:           getEnv("STREAM_ID", ""),
			ViewerName:         getEnv("VIEWER_NAME", "viewer"),
			Lang:               getEnv("LANG_CODE", "en"),
			MaxNetworkRetries:  getEnvInt("PLAYER_MAX_NETWORK_RETRIES", 3),
			RetryBaseDelay:     getEnvDuration("PLAYER_RETRY_BASE_DELAY", time.Second),
			RetryMaxDelay:      getEnvDuration("PLAYER_RETRY_MAX_DELAY", 8*time.Second),
			RecoveryTimeout:    getEnvDuration("PLAYER_RECOVERY_TIMEOUT", 20*time.Second),
			StallRetryInterval: getEnvDuration("PLAYER_STALL_RETRY_INTERVAL", 10*time.Second),
			ManifestRefresh:    getEnvDuration("PLAYER_MANIFEST_REFRESH", 30*time.Second),
			StatusPollInterval: getEnvDuration("PLAYER_STATUS_POLL_INTERVAL", 15*time.Second),
			TargetBuffer:       getEnvDuration("PLAYER_TARGET_BUFFER", 12*time.Second),
			LowBuffer:          getEnvDuration("PLAYER_LOW_BUFFER", 4*time.Second),
			MetricsAddr:        getEnv("PLAYER_METRICS_ADDR", ""),
		},
		Presence: PresenceConfig{
			HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 10*time.Second),
			GraceWindow:       getEnvDuration("HEARTBEAT_GRACE_WINDOW", 15*time.Second),
			ViewerTTL:         getEnvDuration("VIEWER_TTL", 15*time.Second),
			BroadcastInterval: getEnvDuration("VIEWER_BROADCAST_INTERVAL", 5*time.Second),
		},
		Realtime: RealtimeConfig{
			ReconnectBase:   getEnvDuration("REALTIME_RECONNECT_BASE", time.Second),
			ReconnectMax:    getEnvDuration("REALTIME_RECONNECT_MAX", 30*time.Second),
			ChatRatePerSec:  getEnvFloat("CHAT_RATE_PER_SEC", 1),
			ChatBurst:       getEnvInt("CHAT_BURST", 5),
			ChatHistorySize: getEnvInt("CHAT_HISTORY_SIZE", 200),
		},
	}
	if cfg.Presence.ViewerTTL <= cfg.Presence.HeartbeatInterval {
		return nil, fmt.Errorf("VIEWER_TTL (%s) must be longer than HEARTBEAT_INTERVAL (%s)",
			cfg.Presence.ViewerTTL, cfg.Presence.HeartbeatInterval)
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("750ms", "10s").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
