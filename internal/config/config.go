package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config はバックエンド（serve/worker/migrate）の設定を保持する。
// 環境変数（と任意の設定ファイル）から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// OAuth
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// Session
	AccessTokenTTL       time.Duration
	RefreshTokenTTL      time.Duration
	VerificationTokenTTL time.Duration

	// Sign up
	RequireEmailConfirmation bool

	// Rate Limit
	RateLimitGeneral int
	RateLimitAuth    int

	// Events
	RedisURL string

	// Mail
	SendGridAPIKey string
	MailFrom       string

	// Profile
	AvatarCheckTimeout time.Duration

	// Worker
	CleanupInterval   time.Duration
	ProvisionInterval time.Duration

	// Logging
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string

	// CORS
	CORSAllowedOrigin string
}

// ClientConfig は `satez client` の設定を保持する。
type ClientConfig struct {
	APIURL            string
	TokenCachePath    string
	GoogleClientID    string
	GoogleRedirectURL string
	SignInStrategies  []string
	RequestTimeout    time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	MetricsAddr       string
	LogLevel          string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}

	v.SetDefault("ACCESS_TOKEN_TTL", time.Hour)
	v.SetDefault("REFRESH_TOKEN_TTL", 30*24*time.Hour)
	v.SetDefault("VERIFICATION_TOKEN_TTL", 24*time.Hour)
	v.SetDefault("REQUIRE_EMAIL_CONFIRMATION", true)
	v.SetDefault("RATE_LIMIT_GENERAL", 120)
	v.SetDefault("RATE_LIMIT_AUTH", 10)
	v.SetDefault("MAIL_FROM", "noreply@satez.local")
	v.SetDefault("AVATAR_CHECK_TIMEOUT", 5*time.Second)
	v.SetDefault("CLEANUP_INTERVAL", time.Hour)
	v.SetDefault("PROVISION_INTERVAL", time.Minute)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	missing := requireKeys(v,
		"DATABASE_URL",
		"GOOGLE_CLIENT_ID",
		"GOOGLE_CLIENT_SECRET",
		"GOOGLE_REDIRECT_URL",
		"BASE_URL",
	)
	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	return &Config{
		DatabaseURL:              v.GetString("DATABASE_URL"),
		GoogleClientID:           v.GetString("GOOGLE_CLIENT_ID"),
		GoogleClientSecret:       v.GetString("GOOGLE_CLIENT_SECRET"),
		GoogleRedirectURL:        v.GetString("GOOGLE_REDIRECT_URL"),
		AccessTokenTTL:           v.GetDuration("ACCESS_TOKEN_TTL"),
		RefreshTokenTTL:          v.GetDuration("REFRESH_TOKEN_TTL"),
		VerificationTokenTTL:     v.GetDuration("VERIFICATION_TOKEN_TTL"),
		RequireEmailConfirmation: v.GetBool("REQUIRE_EMAIL_CONFIRMATION"),
		RateLimitGeneral:         v.GetInt("RATE_LIMIT_GENERAL"),
		RateLimitAuth:            v.GetInt("RATE_LIMIT_AUTH"),
		RedisURL:                 v.GetString("REDIS_URL"),
		SendGridAPIKey:           v.GetString("SENDGRID_API_KEY"),
		MailFrom:                 v.GetString("MAIL_FROM"),
		AvatarCheckTimeout:       v.GetDuration("AVATAR_CHECK_TIMEOUT"),
		CleanupInterval:          v.GetDuration("CLEANUP_INTERVAL"),
		ProvisionInterval:        v.GetDuration("PROVISION_INTERVAL"),
		LogLevel:                 v.GetString("LOG_LEVEL"),
		ServerPort:               v.GetString("SERVER_PORT"),
		BaseURL:                  strings.TrimRight(v.GetString("BASE_URL"), "/"),
		CORSAllowedOrigin:        v.GetString("CORS_ALLOWED_ORIGIN"),
	}, nil
}

// LoadClient は環境変数からClientConfigを読み込む。
func LoadClient() (*ClientConfig, error) {
	v, err := newViper()
	if err != nil {
		return nil, err
	}

	v.SetDefault("SATEZ_TOKEN_CACHE", defaultTokenCachePath())
	v.SetDefault("SATEZ_GOOGLE_REDIRECT_URL", "http://127.0.0.1:8765/callback")
	v.SetDefault("SATEZ_SIGNIN_STRATEGIES", "google-pkce,google-server")
	v.SetDefault("SATEZ_REQUEST_TIMEOUT", 15*time.Second)
	v.SetDefault("SATEZ_RECONNECT_BASE", time.Second)
	v.SetDefault("SATEZ_RECONNECT_MAX", time.Minute)
	v.SetDefault("LOG_LEVEL", "info")

	if missing := requireKeys(v, "SATEZ_API_URL"); len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	return &ClientConfig{
		APIURL:            strings.TrimRight(v.GetString("SATEZ_API_URL"), "/"),
		TokenCachePath:    v.GetString("SATEZ_TOKEN_CACHE"),
		GoogleClientID:    v.GetString("SATEZ_GOOGLE_CLIENT_ID"),
		GoogleRedirectURL: v.GetString("SATEZ_GOOGLE_REDIRECT_URL"),
		SignInStrategies:  splitList(v.GetString("SATEZ_SIGNIN_STRATEGIES")),
		RequestTimeout:    v.GetDuration("SATEZ_REQUEST_TIMEOUT"),
		ReconnectBase:     v.GetDuration("SATEZ_RECONNECT_BASE"),
		ReconnectMax:      v.GetDuration("SATEZ_RECONNECT_MAX"),
		MetricsAddr:       v.GetString("SATEZ_METRICS_ADDR"),
		LogLevel:          v.GetString("LOG_LEVEL"),
	}, nil
}

// newViper は環境変数を自動で参照するviperを生成する。
// SATEZ_CONFIG が指定されていればその設定ファイルも読み込む（環境変数が優先）。
func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.AutomaticEnv()

	if path := os.Getenv("SATEZ_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	return v, nil
}

func requireKeys(v *viper.Viper, keys ...string) []string {
	var missing []string
	for _, k := range keys {
		if strings.TrimSpace(v.GetString(k)) == "" {
			missing = append(missing, k)
		}
	}
	return missing
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func defaultTokenCachePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "satez", "session.json")
}
