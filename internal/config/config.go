package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
// アプリケーション設定を保持
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	API      APIConfig      `yaml:"api"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Events   EventsConfig   `yaml:"events"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig holds database configuration
// データベース設定を保持
type DatabaseConfig struct {
	Driver         string `yaml:"driver"` // postgres, memory
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	DBName         string `yaml:"dbname"`
	SSLMode        string `yaml:"sslmode"`
	MigrateOnStart bool   `yaml:"migrate_on_start"`
}

// APIConfig holds API server configuration
// APIサーバー設定を保持
type APIConfig struct {
	Port          int           `yaml:"port"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	EnableCORS    bool          `yaml:"enable_cors"`
	EnableMetrics bool          `yaml:"enable_metrics"`
}

// LedgerConfig holds stock ledger configuration
// 在庫台帳の設定を保持
type LedgerConfig struct {
	OpeningStockPolicy  string `yaml:"opening_stock_policy"` // accumulate, once
	LowStockEvents      bool   `yaml:"low_stock_events"`
	DefaultHistoryLimit int    `yaml:"default_history_limit"`
	ExpiryHorizonDays   int    `yaml:"expiry_horizon_days"`
}

// EventsConfig holds event publishing configuration
// イベント発行設定を保持
type EventsConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Brokers          []string      `yaml:"brokers"`
	Topic            string        `yaml:"topic"`
	BatchTimeout     time.Duration `yaml:"batch_timeout"`
	RequiredAcks     int           `yaml:"required_acks"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"` // ブレーカーが開いている時間
}

// LoggingConfig holds logging configuration
// ログ設定を保持
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, console
	Output string `yaml:"output"` // stdout, stderr, ファイルパス
}

// Default returns the built-in configuration
// 既定の設定を返す
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:   "postgres",
			Host:     "localhost",
			Port:     5432,
			User:     "pharmaledger",
			Password: "password",
			DBName:   "pharmaledger",
			SSLMode:  "disable",
		},
		API: APIConfig{
			Port:          8080,
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  30 * time.Second,
			IdleTimeout:   60 * time.Second,
			EnableCORS:    true,
			EnableMetrics: true,
		},
		Ledger: LedgerConfig{
			OpeningStockPolicy:  "accumulate",
			LowStockEvents:      true,
			DefaultHistoryLimit: 100,
			ExpiryHorizonDays:   90,
		},
		Events: EventsConfig{
			Enabled:          false,
			Brokers:          []string{"localhost:9092"},
			Topic:            "pharmaledger.stock",
			BatchTimeout:     10 * time.Millisecond,
			RequiredAcks:     1,
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads configuration in three layers: built-in defaults, the YAML file
// named by PHARMALEDGER_CONFIG, then environment variables (a .env file in
// the working directory is loaded first if present).
// 設定を読み込み（既定値 → YAML → 環境変数）
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf(".envファイルの読み込みに失敗しました: %w", err)
	}

	cfg := Default()

	if path := os.Getenv("PHARMALEDGER_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	// バリデーション
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定バリデーションに失敗しました: %w", err)
	}

	return cfg, nil
}

// loadFile overlays a YAML file onto cfg
// YAMLファイルの設定を上書き適用
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイルの読み込みに失敗しました: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("設定ファイルのパースに失敗しました: %w", err)
	}
	return nil
}

// applyEnv overrides settings from environment variables
// 環境変数で設定を上書き
func (c *Config) applyEnv() {
	c.Database.Driver = getEnv("DB_DRIVER", c.Database.Driver)
	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnvAsInt("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.DBName = getEnv("DB_NAME", c.Database.DBName)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)
	c.Database.MigrateOnStart = getEnvAsBool("DB_MIGRATE_ON_START", c.Database.MigrateOnStart)

	c.API.Port = getEnvAsInt("API_PORT", c.API.Port)
	c.API.ReadTimeout = getEnvAsDuration("API_READ_TIMEOUT", c.API.ReadTimeout)
	c.API.WriteTimeout = getEnvAsDuration("API_WRITE_TIMEOUT", c.API.WriteTimeout)
	c.API.IdleTimeout = getEnvAsDuration("API_IDLE_TIMEOUT", c.API.IdleTimeout)
	c.API.EnableCORS = getEnvAsBool("API_ENABLE_CORS", c.API.EnableCORS)
	c.API.EnableMetrics = getEnvAsBool("API_ENABLE_METRICS", c.API.EnableMetrics)

	c.Ledger.OpeningStockPolicy = getEnv("LEDGER_OPENING_STOCK_POLICY", c.Ledger.OpeningStockPolicy)
	c.Ledger.LowStockEvents = getEnvAsBool("LEDGER_LOW_STOCK_EVENTS", c.Ledger.LowStockEvents)
	c.Ledger.DefaultHistoryLimit = getEnvAsInt("LEDGER_DEFAULT_HISTORY_LIMIT", c.Ledger.DefaultHistoryLimit)
	c.Ledger.ExpiryHorizonDays = getEnvAsInt("LEDGER_EXPIRY_HORIZON_DAYS", c.Ledger.ExpiryHorizonDays)

	c.Events.Enabled = getEnvAsBool("EVENTS_ENABLED", c.Events.Enabled)
	c.Events.Brokers = getEnvAsList("KAFKA_BROKERS", c.Events.Brokers)
	c.Events.Topic = getEnv("KAFKA_TOPIC", c.Events.Topic)
	c.Events.BatchTimeout = getEnvAsDuration("KAFKA_BATCH_TIMEOUT", c.Events.BatchTimeout)
	c.Events.RequiredAcks = getEnvAsInt("KAFKA_REQUIRED_ACKS", c.Events.RequiredAcks)
	if threshold := getEnvAsInt("KAFKA_FAILURE_THRESHOLD", int(c.Events.FailureThreshold)); threshold >= 0 {
		c.Events.FailureThreshold = uint32(threshold)
	}
	c.Events.OpenTimeout = getEnvAsDuration("KAFKA_OPEN_TIMEOUT", c.Events.OpenTimeout)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getEnv("LOG_OUTPUT", c.Logging.Output)
}

// Validate validates the configuration
// 設定をバリデーション
func (c *Config) Validate() error {
	// データベース設定チェック
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("データベースホストが指定されていません")
		}
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			return fmt.Errorf("無効なデータベースポート: %d", c.Database.Port)
		}
		if c.Database.User == "" {
			return fmt.Errorf("データベースユーザーが指定されていません")
		}
		if c.Database.DBName == "" {
			return fmt.Errorf("データベース名が指定されていません")
		}
	default:
		return fmt.Errorf("無効なデータベースドライバー: %s", c.Database.Driver)
	}

	// API設定チェック
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("無効なAPIポート: %d", c.API.Port)
	}

	// 台帳設定チェック
	if c.Ledger.OpeningStockPolicy != "accumulate" && c.Ledger.OpeningStockPolicy != "once" {
		return fmt.Errorf("無効な期首在庫ポリシー: %s", c.Ledger.OpeningStockPolicy)
	}
	if c.Ledger.DefaultHistoryLimit <= 0 {
		return fmt.Errorf("履歴取得件数は正の値である必要があります")
	}
	if c.Ledger.ExpiryHorizonDays <= 0 {
		return fmt.Errorf("有効期限の抽出日数は正の値である必要があります")
	}

	// イベント設定チェック
	if c.Events.Enabled {
		if len(c.Events.Brokers) == 0 {
			return fmt.Errorf("Kafkaブローカーが指定されていません")
		}
		if c.Events.Topic == "" {
			return fmt.Errorf("Kafkaトピックが指定されていません")
		}
		if c.Events.OpenTimeout < 0 {
			return fmt.Errorf("ブレーカーの開放時間は0以上である必要があります")
		}
	}

	// ログ設定チェック
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("無効なログレベル: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true, "console": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("無効なログフォーマット: %s", c.Logging.Format)
	}

	return nil
}

// DSN generates PostgreSQL Data Source Name
// PostgreSQLデータソース名を生成
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.DBName,
		c.Database.SSLMode,
	)
}

// DatabaseURL generates the URL form used by the migration tool
// マイグレーション用のURL形式の接続文字列を生成
func (c *Config) DatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Database.User, c.Database.Password),
		Host:     fmt.Sprintf("%s:%d", c.Database.Host, c.Database.Port),
		Path:     "/" + c.Database.DBName,
		RawQuery: url.Values{"sslmode": []string{c.Database.SSLMode}}.Encode(),
	}
	return u.String()
}

// ヘルパー関数

// getEnv gets environment variable with default value
// デフォルト値付きで環境変数を取得
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets environment variable as integer with default value
// デフォルト値付きで環境変数を整数として取得
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsBool gets environment variable as boolean with default value
// デフォルト値付きで環境変数をbooleanとして取得
func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvAsDuration gets environment variable as duration with default value
// デフォルト値付きで環境変数をdurationとして取得
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvAsList gets a comma separated environment variable
// カンマ区切りの環境変数をスライスとして取得
func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return defaultValue
	}
	return items
}
