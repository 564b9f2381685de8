// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// 認証設定
	AppUsername     string // ログイン用ユーザー名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	SessionSecret   string // セッション署名用の秘密鍵

	// TrackingAPIToken はスクリプトからの Bearer 認証用トークンです。空なら無効です。
	TrackingAPIToken string

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)
	SimPort string // シミュレーターのポート番号

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ジョブ制御API
	ControlAPIURL     string
	ControlAPIToken   string
	ControlAPITimeout time.Duration

	// ポーリング設定
	PollInterval     time.Duration
	JobTimeout       time.Duration
	RebootWindow     time.Duration
	TrackConcurrency int

	// 検証設定
	LogRetryAttempts int
	LogRetryInterval time.Duration

	// バッキングストア
	BackingStoreDriver string
	BackingStoreDSN    string

	// ジョブ/キュー設定
	QueueRedisURL    string // Asynq用Redis接続URL
	JobExpireMinutes int    // 追跡レコードの有効期限（分）

	// イベント通知
	NATSURL     string
	NATSSubject string

	// 定義ファイル
	MachinesFile string
	PlansFile    string

	// ログ設定
	LogLevel  string
	LogFormat string
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		TrackingAPIToken: getEnv("TRACKING_API_TOKEN", ""),

		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),
		SimPort: getEnv("SIM_PORT", "8090"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		ControlAPIURL:     getEnv("CONTROL_API_URL", "http://127.0.0.1:8090"),
		ControlAPIToken:   getEnv("CONTROL_API_TOKEN", ""),
		ControlAPITimeout: getEnvAsDuration("CONTROL_API_TIMEOUT_SECONDS", 30, time.Second),

		PollInterval:     getEnvAsDuration("POLL_INTERVAL_SECONDS", 30, time.Second),
		JobTimeout:       getEnvAsDuration("JOB_TIMEOUT_MINUTES", 75, time.Minute),
		RebootWindow:     getEnvAsDuration("REBOOT_WINDOW_MINUTES", 10, time.Minute),
		TrackConcurrency: getEnvAsInt("TRACK_CONCURRENCY", 4),

		LogRetryAttempts: getEnvAsInt("LOG_RETRY_ATTEMPTS", 5),
		LogRetryInterval: getEnvAsDuration("LOG_RETRY_INTERVAL_SECONDS", 10, time.Second),

		BackingStoreDriver: getEnv("BACKING_STORE_DRIVER", "sqlite3"),
		BackingStoreDSN:    getEnv("BACKING_STORE_DSN", ""),

		QueueRedisURL:    getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		JobExpireMinutes: getEnvAsInt("JOB_EXPIRE_MINUTES", 1440),

		NATSURL:     getEnv("NATS_URL", ""),
		NATSSubject: getEnv("NATS_SUBJECT", "jobs.complete"),

		MachinesFile: getEnv("MACHINES_FILE", ""),
		PlansFile:    getEnv("PLANS_FILE", ""),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ControlAPIURL) == "" {
		return fmt.Errorf("CONTROL_API_URL is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL_SECONDS must be positive")
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("JOB_TIMEOUT_MINUTES must be positive")
	}
	if c.PollInterval > c.JobTimeout {
		return fmt.Errorf("POLL_INTERVAL_SECONDS must not exceed JOB_TIMEOUT_MINUTES")
	}
	if c.TrackConcurrency <= 0 {
		return fmt.Errorf("TRACK_CONCURRENCY must be positive")
	}
	if c.LogRetryAttempts <= 0 {
		return fmt.Errorf("LOG_RETRY_ATTEMPTS must be positive")
	}

	// ローカル開発では認証設定は任意
	if c.GinMode == "release" {
		if c.AppUsername == "" {
			return fmt.Errorf("APP_USERNAME is required in release mode")
		}
		if c.AppPasswordHash == "" {
			return fmt.Errorf("APP_PASSWORD_HASH is required in release mode")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required in release mode")
		}
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を unit 単位の整数として読み、time.Duration に変換します。
func getEnvAsDuration(key string, defaultValue int, unit time.Duration) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultValue)) * unit
}
