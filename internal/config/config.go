package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// StorageDriver は永続化バックエンドの種類を表す。
type StorageDriver string

const (
	// StorageDriverPostgres はPostgreSQLを使用する。
	StorageDriverPostgres StorageDriver = "postgres"
	// StorageDriverBadger は組み込みKVストア（badger）を使用する。
	StorageDriverBadger StorageDriver = "badger"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Telegram
	BotToken        string
	TelegramAPIURL  string
	ChannelUsername string
	AdminUserIDs    []int64
	PollTimeout     time.Duration
	WebhookURL      string
	WebhookSecret   string

	// Storage
	StorageDriver  StorageDriver
	DatabaseURL    string
	BadgerDir      string
	StorageTimeout time.Duration

	// Raffle
	MaxWinners  int
	DraftTTL    time.Duration
	Location    *time.Location
	HookTimeout time.Duration

	// Eligibility
	EligibilityTimeout     time.Duration
	EligibilityRatePerSec  float64
	EligibilityConcurrency int

	// Admin API
	AdminAPIToken string

	// Server
	ServerPort string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.BotToken = os.Getenv("BOT_TOKEN")
	if cfg.BotToken == "" {
		missing = append(missing, "BOT_TOKEN")
	}

	cfg.ChannelUsername = os.Getenv("CHANNEL_USERNAME")
	if cfg.ChannelUsername == "" {
		missing = append(missing, "CHANNEL_USERNAME")
	}

	cfg.StorageDriver = StorageDriver(strings.ToLower(getEnvString("STORAGE_DRIVER", string(StorageDriverPostgres))))
	switch cfg.StorageDriver {
	case StorageDriverPostgres:
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
		if cfg.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	case StorageDriverBadger:
		cfg.BadgerDir = getEnvString("BADGER_DIR", "")
	default:
		return nil, fmt.Errorf("unsupported STORAGE_DRIVER: %q", cfg.StorageDriver)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	adminIDs, err := parseInt64List(os.Getenv("ADMIN_USER_IDS"))
	if err != nil {
		return nil, fmt.Errorf("invalid ADMIN_USER_IDS: %w", err)
	}
	cfg.AdminUserIDs = adminIDs

	loc, err := time.LoadLocation(getEnvString("TIMEZONE", "UTC"))
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
	}
	cfg.Location = loc

	// Optional fields with defaults
	cfg.TelegramAPIURL = getEnvString("TELEGRAM_API_URL", "https://api.telegram.org")
	cfg.PollTimeout = getEnvDuration("POLL_TIMEOUT", 30*time.Second)
	cfg.WebhookURL = getEnvString("WEBHOOK_URL", "")
	cfg.WebhookSecret = getEnvString("WEBHOOK_SECRET", "")
	cfg.StorageTimeout = getEnvDuration("STORAGE_TIMEOUT", 5*time.Second)
	cfg.MaxWinners = getEnvInt("MAX_WINNERS", 10)
	cfg.DraftTTL = getEnvDuration("DRAFT_TTL", 15*time.Minute)
	cfg.HookTimeout = getEnvDuration("HOOK_TIMEOUT", 10*time.Second)
	cfg.EligibilityTimeout = getEnvDuration("ELIGIBILITY_TIMEOUT", 5*time.Second)
	cfg.EligibilityRatePerSec = getEnvFloat("ELIGIBILITY_RATE_PER_SEC", 25)
	cfg.EligibilityConcurrency = getEnvInt("ELIGIBILITY_CONCURRENCY", 8)
	cfg.AdminAPIToken = getEnvString("ADMIN_API_TOKEN", "")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	if cfg.WebhookURL != "" && cfg.WebhookSecret == "" {
		return nil, errors.New("WEBHOOK_SECRET is required when WEBHOOK_URL is set")
	}

	if cfg.MaxWinners < 1 {
		return nil, fmt.Errorf("MAX_WINNERS must be at least 1: %d", cfg.MaxWinners)
	}

	return cfg, nil
}

// IsAdmin はuserIDが運営者として許可されているかを返す。
// ADMIN_USER_IDSが未設定の場合は全ユーザーを許可する。
func (c *Config) IsAdmin(userID int64) bool {
	if len(c.AdminUserIDs) == 0 {
		return true
	}
	for _, id := range c.AdminUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func parseInt64List(v string) ([]int64, error) {
	if strings.TrimSpace(v) == "" {
		return nil, nil
	}
	var ids []int64
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
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

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
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
