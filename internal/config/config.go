package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultChapaAPIURL        = "https://api.chapa.co/v1/transaction/initialize"
	defaultPaymentReturnURL   = "https://google.com/payment-complete"
	defaultPaymentTitle       = "Payment for my favourite merchant"
	defaultPaymentDesc        = "I love online payments"
	defaultResetRedirectURL   = "http://localhost:3000/reset-password"
	defaultPaymentFunctionURL = "http://localhost:8080/functions/v1/payments"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL            string
	DatabaseConnectRetries int

	// Supabase
	SupabaseURL            string
	SupabaseAnonKey        string
	SupabaseServiceRoleKey string
	SupabaseJWTSecret      string

	// Chapa
	ChapaSecretKey string
	ChapaAPIURL    string

	// Payment
	PaymentReturnURL   string
	PaymentTitle       string
	PaymentDescription string

	// Outbound HTTP
	ProviderTimeout         time.Duration
	ProviderMaxResponseSize int64

	// Rate Limit（req/min）
	RateLimitGeneral int
	RateLimitPayment int

	// Identity
	PasswordResetRedirectURL string
	SessionCheckInterval     time.Duration
	SessionRefreshMargin     time.Duration

	// Checkout client
	PaymentFunctionURL string

	// Logging
	LogLevel slog.Level

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// サブコマンドごとの必須項目はValidateServe等で検証する。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.SupabaseURL = strings.TrimRight(os.Getenv("SUPABASE_URL"), "/")
	cfg.SupabaseAnonKey = os.Getenv("SUPABASE_ANON_KEY")
	cfg.SupabaseServiceRoleKey = os.Getenv("SUPABASE_SERVICE_ROLE_KEY")
	cfg.SupabaseJWTSecret = os.Getenv("SUPABASE_JWT_SECRET")
	cfg.ChapaSecretKey = os.Getenv("CHAPA_SECRET_KEY")

	level, err := parseLogLevel(getEnvString("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}
	cfg.LogLevel = level

	// Optional fields with defaults
	cfg.ChapaAPIURL = getEnvString("CHAPA_API_URL", defaultChapaAPIURL)
	cfg.PaymentReturnURL = getEnvString("PAYMENT_RETURN_URL", defaultPaymentReturnURL)
	cfg.PaymentTitle = getEnvString("PAYMENT_TITLE", defaultPaymentTitle)
	cfg.PaymentDescription = getEnvString("PAYMENT_DESCRIPTION", defaultPaymentDesc)
	cfg.DatabaseConnectRetries = getEnvInt("DATABASE_CONNECT_RETRIES", 5)
	cfg.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", 15*time.Second)
	cfg.ProviderMaxResponseSize = getEnvInt64("PROVIDER_MAX_RESPONSE_SIZE", 1048576)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitPayment = getEnvInt("RATE_LIMIT_PAYMENT", 10)
	cfg.PasswordResetRedirectURL = getEnvString("PASSWORD_RESET_REDIRECT_URL", defaultResetRedirectURL)
	cfg.SessionCheckInterval = getEnvDuration("SESSION_CHECK_INTERVAL", 30*time.Second)
	cfg.SessionRefreshMargin = getEnvDuration("SESSION_REFRESH_MARGIN", 60*time.Second)
	cfg.PaymentFunctionURL = getEnvString("PAYMENT_FUNCTION_URL", defaultPaymentFunctionURL)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "*")

	return cfg, nil
}

// ProfileStoreKey はSupabase REST経由でprofilesを参照する際のAPIキーを返す。
// service_roleキーが未設定の場合はanonキーを使う。
func (c *Config) ProfileStoreKey() string {
	if c.SupabaseServiceRoleKey != "" {
		return c.SupabaseServiceRoleKey
	}
	return c.SupabaseAnonKey
}

// ValidateServe はAPIサーバーモードの必須設定を検証する。
// プロフィールストアとしてDATABASE_URLかSUPABASE_URL（+キー）のどちらかが必要。
func (c *Config) ValidateServe() error {
	var missing []string
	if c.ChapaSecretKey == "" {
		missing = append(missing, "CHAPA_SECRET_KEY")
	}
	if c.DatabaseURL == "" && (c.SupabaseURL == "" || c.ProfileStoreKey() == "") {
		missing = append(missing, "DATABASE_URL or SUPABASE_URL+SUPABASE_SERVICE_ROLE_KEY")
	}
	return missingError(missing)
}

// ValidateMigrate はマイグレーションモードの必須設定を検証する。
func (c *Config) ValidateMigrate() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	return missingError(missing)
}

// ValidateCheckout はcheckoutコマンドの必須設定を検証する。
func (c *Config) ValidateCheckout() error {
	var missing []string
	if c.SupabaseURL == "" {
		missing = append(missing, "SUPABASE_URL")
	}
	if c.SupabaseAnonKey == "" {
		missing = append(missing, "SUPABASE_ANON_KEY")
	}
	return missingError(missing)
}

func missingError(missing []string) error {
	if len(missing) > 0 {
		return fmt.Errorf("required environment variables are not set: %v", missing)
	}
	return nil
}

func parseLogLevel(v string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q: %w", v, err)
	}
	return level, nil
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

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
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
