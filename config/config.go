package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Backend  BackendConfig
	Socket   SocketConfig
	Monitor  MonitorConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Storage  StorageConfig
	JWT      JWTConfig
}

// ServerConfig holds operator HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// BackendConfig points at the test backend (REST and socket).
type BackendConfig struct {
	APIURL    string
	SocketURL string // falls back to APIURL
}

// SocketConfig holds reconnection policy for backend channels.
type SocketConfig struct {
	ReconnectAttempts int
	ReconnectDelay    time.Duration
}

// MonitorConfig holds live session settings.
type MonitorConfig struct {
	StartTimeout    time.Duration
	GenerateTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// StorageConfig holds client storage settings (tokens, cached profile).
type StorageConfig struct {
	Prefix string
}

// JWTConfig holds operator token validation settings. Empty secret disables operator auth.
type JWTConfig struct {
	Secret string
	Roles  []string // roles allowed to drive a monitor session
}

// DSN returns the PostgreSQL connection string.
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
	_ = godotenv.Load()

	apiURL := strings.TrimRight(getEnv("API_URL", "http://localhost:4000"), "/")

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Backend: BackendConfig{
			APIURL:    apiURL,
			SocketURL: strings.TrimRight(getEnv("SOCKET_URL", apiURL), "/"),
		},
		Socket: SocketConfig{
			ReconnectAttempts: getEnvInt("SOCKET_RECONNECT_ATTEMPTS", 5),
			ReconnectDelay:    time.Duration(getEnvInt("SOCKET_RECONNECT_DELAY_MS", 1000)) * time.Millisecond,
		},
		Monitor: MonitorConfig{
			StartTimeout:    time.Duration(getEnvInt("START_TEST_TIMEOUT_MS", 3000)) * time.Millisecond,
			GenerateTimeout: time.Duration(getEnvInt("GENERATE_TEST_TIMEOUT_MS", 120000)) * time.Millisecond,
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "monitor"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Storage: StorageConfig{
			Prefix: getEnv("STORAGE_PREFIX", "monitor:"),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", ""),
			Roles:  splitList(getEnv("OPERATOR_ROLES", "admin,teacher")),
		},
	}
	if cfg.Socket.ReconnectAttempts < 0 {
		return nil, fmt.Errorf("SOCKET_RECONNECT_ATTEMPTS must not be negative")
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

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
