// Package config は環境変数からアプリケーション設定を読み込む。
//
// カレントディレクトリに .env があれば先に読み込む。既に設定済みの環境変数は上書きしない。
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	EnvLocal = "local"
	EnvDev   = "development"
	EnvProd  = "production"
)

// devJWTSecret はENV=localでJWT_SECRETが未設定の場合にのみ使う。
const devJWTSecret = "dev-secret-key-change-me"

// Config はアプリケーション全体の設定。
type Config struct {
	Env         string   `validate:"oneof=local development production"`
	Port        string   `validate:"required,numeric"`
	JWTSecret   string   `validate:"required,min=16"`
	CORSOrigins []string `validate:"dive,required"`

	Storage   Storage
	Mail      Mail
	Kafka     Kafka
	RedisAddr string
	Scheduler Scheduler

	SendTimeout         time.Duration `validate:"gt=0"`
	DispatchConcurrency int           `validate:"min=1,max=256"`
	MetricsEnabled      bool
}

// Storage はストレージの選択と接続先。
type Storage struct {
	Driver        string `validate:"oneof=sqlite mongo"`
	SQLitePath    string `validate:"required_if=Driver sqlite"`
	MongoURI      string `validate:"required_if=Driver mongo"`
	MongoDatabase string `validate:"required_if=Driver mongo"`
}

// Mail は外部メッセージの送信方式。
type Mail struct {
	Transport  string `validate:"oneof=log http kafka"`
	RelayURL   string `validate:"omitempty,url"`
	RelayToken string
}

// Kafka はブローカーの接続先とトピック。Brokersが空ならKafkaは使わない。
type Kafka struct {
	Brokers    []string
	MailTopic  string `validate:"required"`
	EventTopic string
}

// Scheduler はリマインダースキャンのスケジュール。
type Scheduler struct {
	Timezone string `validate:"required"`
	// Location はTimezoneを解決したもの。
	Location     *time.Location `validate:"-"`
	SameDay      string         `validate:"required"`
	DayBefore    string         `validate:"required"`
	WeeklyDigest string         `validate:"required"`
	// DayBeforeRequiresOptIn が true の場合、前日リマインダーは希望者にのみ送る。
	DayBeforeRequiresOptIn bool
}

// MustLoad は設定を読み込み、失敗した場合はpanicする。
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load は環境変数から設定を読み込んで検証する。
func Load() (*Config, error) {
	const op = "config.Load"

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: .envの読み込みに失敗: %w", op, err)
	}

	var errs []error
	cfg := &Config{
		Env:         getEnv("ENV", EnvLocal),
		Port:        getEnv("PORT", "8080"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		CORSOrigins: getList("CORS_ORIGINS", []string{"http://localhost:3000"}),
		Storage: Storage{
			Driver:        getEnv("STORAGE_DRIVER", "sqlite"),
			SQLitePath:    getEnv("SQLITE_PATH", "data/coordinator.db"),
			MongoURI:      os.Getenv("MONGO_URI"),
			MongoDatabase: getEnv("MONGO_DATABASE", "coordinator"),
		},
		Mail: Mail{
			Transport:  getEnv("MAIL_TRANSPORT", "log"),
			RelayURL:   os.Getenv("MAIL_RELAY_URL"),
			RelayToken: os.Getenv("MAIL_RELAY_TOKEN"),
		},
		Kafka: Kafka{
			Brokers:    getList("KAFKA_BROKERS", nil),
			MailTopic:  getEnv("KAFKA_MAIL_TOPIC", "outbound-mail"),
			EventTopic: getEnv("KAFKA_EVENT_TOPIC", "registration-events"),
		},
		RedisAddr: os.Getenv("REDIS_ADDR"),
		Scheduler: Scheduler{
			Timezone:               getEnv("TIMEZONE", "UTC"),
			SameDay:                getEnv("SCHEDULE_SAME_DAY", "0 7 * * *"),
			DayBefore:              getEnv("SCHEDULE_DAY_BEFORE", "0 18 * * *"),
			WeeklyDigest:           getEnv("SCHEDULE_WEEKLY_DIGEST", "0 8 * * 1"),
			DayBeforeRequiresOptIn: getBool("DAY_BEFORE_REQUIRES_OPT_IN", true, &errs),
		},
		SendTimeout:         getDuration("SEND_TIMEOUT", 10*time.Second, &errs),
		DispatchConcurrency: getInt("DISPATCH_CONCURRENCY", 8, &errs),
		MetricsEnabled:      getBool("METRICS_ENABLED", true, &errs),
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%s: %w", op, errors.Join(errs...))
	}

	if cfg.JWTSecret == "" && cfg.Env == EnvLocal {
		cfg.JWTSecret = devJWTSecret
	}

	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%s: TIMEZONEが不正です: %w", op, err)
	}
	cfg.Scheduler.Location = loc

	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return nil, fmt.Errorf("%s: 設定の検証に失敗: %w", op, err)
	}
	if cfg.Mail.Transport == "http" && cfg.Mail.RelayURL == "" {
		return nil, fmt.Errorf("%s: MAIL_TRANSPORT=http にはMAIL_RELAY_URLが必要です", op)
	}
	if cfg.Mail.Transport == "kafka" && len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("%s: MAIL_TRANSPORT=kafka にはKAFKA_BROKERSが必要です", op)
	}
	return cfg, nil
}

// getEnv は環境変数を取得し、未設定の場合はデフォルト値を返す。
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func getBool(key string, defaultValue bool, errs *[]error) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return b
}

func getInt(key string, defaultValue int, errs *[]error) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return n
}

func getDuration(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return d
}
