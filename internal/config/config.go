package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ストレージバックエンド
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config はアプリケーション全体の設定を保持する。
// 起動時に1回読み込み、イミュータブルとして扱う。
// CONFIG_FILEが指定された場合はYAMLファイルを先に読み込み、環境変数で上書きする。
type Config struct {
	// Storage
	StoreBackend string `yaml:"store_backend"`
	DatabaseURL  string `yaml:"database_url"`
	SQLitePath   string `yaml:"sqlite_path"`

	// Auth
	JWTSecret string `yaml:"jwt_secret"`

	// Server
	ServerPort        string `yaml:"server_port"`
	BaseURL           string `yaml:"base_url"`
	CORSAllowedOrigin string `yaml:"cors_allowed_origin"`
	MetricsPort       string `yaml:"metrics_port"`

	// Rate Limit（req/min）
	RateLimitGeneral int `yaml:"rate_limit_general"`
	RateLimitSubmit  int `yaml:"rate_limit_submit"`

	// Client
	APIBaseURL    string        `yaml:"api_base_url"`
	APIToken      string        `yaml:"api_token"`
	RemoteTimeout time.Duration `yaml:"remote_timeout"`

	// Notification
	SESRegion    string `yaml:"ses_region"`
	SESFromEmail string `yaml:"ses_from_email"`

	// Cleanup
	RetentionDays   int           `yaml:"retention_days"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// defaults はデフォルト値を設定したConfigを返す。
func defaults() *Config {
	return &Config{
		StoreBackend:     BackendSQLite,
		SQLitePath:       "voicediary.db",
		ServerPort:       "8080",
		MetricsPort:      "9090",
		RateLimitGeneral: 120,
		RateLimitSubmit:  10,
		RemoteTimeout:    10 * time.Second,
		SESRegion:        "ap-northeast-1",
		RetentionDays:    180,
		CleanupInterval:  24 * time.Hour,
		LogLevel:         "info",
	}
}

// Load はサーバー・ワーカー用の設定を読み込む。
// 必須項目が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}

	var missing []string
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}
	if cfg.StoreBackend == BackendPostgres && cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	return cfg, nil
}

// LoadClient はクライアントモード用の設定を読み込む。
// API_BASE_URLのみを必須とする。
func LoadClient() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if cfg.APIBaseURL == "" {
		return nil, fmt.Errorf("required environment variables are not set: [API_BASE_URL]")
	}
	return cfg, nil
}

func load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	cfg.StoreBackend = strings.ToLower(cfg.StoreBackend)
	if cfg.StoreBackend != BackendSQLite && cfg.StoreBackend != BackendPostgres {
		return nil, fmt.Errorf("STORE_BACKEND must be %q or %q: %q", BackendSQLite, BackendPostgres, cfg.StoreBackend)
	}
	if cfg.RateLimitGeneral <= 0 || cfg.RateLimitSubmit <= 0 {
		return nil, fmt.Errorf("rate limits must be positive: general=%d submit=%d", cfg.RateLimitGeneral, cfg.RateLimitSubmit)
	}

	return cfg, nil
}

// loadFile はYAMLファイルの内容をcfgに上書きする。ファイルにないキーは変更しない。
func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return fmt.Errorf("failed to decode config file %s: %w", path, err)
	}
	return nil
}

// applyEnv は設定されている環境変数でcfgを上書きする。
func applyEnv(cfg *Config) {
	cfg.StoreBackend = getEnvString("STORE_BACKEND", cfg.StoreBackend)
	cfg.DatabaseURL = getEnvString("DATABASE_URL", cfg.DatabaseURL)
	cfg.SQLitePath = getEnvString("SQLITE_PATH", cfg.SQLitePath)
	cfg.JWTSecret = getEnvString("JWT_SECRET", cfg.JWTSecret)
	cfg.ServerPort = getEnvString("SERVER_PORT", cfg.ServerPort)
	cfg.BaseURL = getEnvString("BASE_URL", cfg.BaseURL)
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", cfg.CORSAllowedOrigin)
	cfg.MetricsPort = getEnvString("METRICS_PORT", cfg.MetricsPort)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", cfg.RateLimitGeneral)
	cfg.RateLimitSubmit = getEnvInt("RATE_LIMIT_SUBMIT", cfg.RateLimitSubmit)
	cfg.APIBaseURL = getEnvString("API_BASE_URL", cfg.APIBaseURL)
	cfg.APIToken = getEnvString("API_TOKEN", cfg.APIToken)
	cfg.RemoteTimeout = getEnvDuration("REMOTE_TIMEOUT", cfg.RemoteTimeout)
	cfg.SESRegion = getEnvString("SES_REGION", cfg.SESRegion)
	cfg.SESFromEmail = getEnvString("SES_FROM_EMAIL", cfg.SESFromEmail)
	cfg.RetentionDays = getEnvInt("RETENTION_DAYS", cfg.RetentionDays)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", cfg.CleanupInterval)
	cfg.LogLevel = getEnvString("LOG_LEVEL", cfg.LogLevel)
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
