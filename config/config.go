package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Config struct {
	Port string

	DB       DBConfig
	Redis    RedisConfig
	Payment  PaymentConfig
	Auth     AuthConfig
	Telegram TelegramConfig
	Log      LogConfig

	SelectionTTL       time.Duration
	PaymentTTL         time.Duration
	SweepInterval      time.Duration
	ServerPollInterval time.Duration
	ClientPollInterval time.Duration
}

type DBConfig struct {
	Driver      string
	Host        string
	Port        string
	User        string
	Password    string
	Name        string
	DSN         string
	MaxOpenConn int
	MaxIdleConn int
}

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	SnapshotTTL time.Duration
}

type PaymentConfig struct {
	Provider   string
	BaseURL    string
	ClientID   string
	SecretKey  string
	Key        string
	Timeout    time.Duration
	MaxRetries int
}

type AuthConfig struct {
	JWTSecret         string
	SessionTTL        time.Duration
	AdminUser         string
	AdminPasswordHash string
}

type TelegramConfig struct {
	Token       string
	AdminChatID int64
}

type LogConfig struct {
	Level  string
	Format string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("DB_DRIVER", "postgres")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_MAX_OPEN_CONN", 20)
	v.SetDefault("DB_MAX_IDLE_CONN", 5)
	v.SetDefault("SNAPSHOT_CACHE_TTL", "30s")
	v.SetDefault("SELECTION_TTL_MINUTES", 5)
	v.SetDefault("PAYMENT_TTL_MINUTES", 15)
	v.SetDefault("SWEEP_INTERVAL", "30s")
	v.SetDefault("SERVER_POLL_INTERVAL", "20s")
	v.SetDefault("CLIENT_POLL_INTERVAL", "3s")
	v.SetDefault("PAYMENT_PROVIDER", "pix")
	v.SetDefault("PIX_TIMEOUT", "10s")
	v.SetDefault("PROVIDER_MAX_RETRIES", 3)
	v.SetDefault("SESSION_TTL", "24h")
	v.SetDefault("ADMIN_USER", "admin")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

// LoadConfig reads the configuration from the environment.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		Port: v.GetString("PORT"),
		DB: DBConfig{
			Driver:      strings.ToLower(v.GetString("DB_DRIVER")),
			Host:        v.GetString("DB_HOST"),
			Port:        v.GetString("DB_PORT"),
			User:        v.GetString("DB_USER"),
			Password:    v.GetString("DB_PASSWORD"),
			Name:        v.GetString("DB_NAME"),
			DSN:         v.GetString("DB_DSN"),
			MaxOpenConn: v.GetInt("DB_MAX_OPEN_CONN"),
			MaxIdleConn: v.GetInt("DB_MAX_IDLE_CONN"),
		},
		Redis: RedisConfig{
			Addr:        v.GetString("REDIS_ADDR"),
			Password:    v.GetString("REDIS_PASSWORD"),
			DB:          v.GetInt("REDIS_DB"),
			SnapshotTTL: v.GetDuration("SNAPSHOT_CACHE_TTL"),
		},
		Payment: PaymentConfig{
			Provider:   strings.ToLower(v.GetString("PAYMENT_PROVIDER")),
			BaseURL:    v.GetString("PIX_BASE_URL"),
			ClientID:   v.GetString("PIX_CLIENT_ID"),
			SecretKey:  v.GetString("PIX_SECRET_KEY"),
			Key:        v.GetString("PIX_KEY"),
			Timeout:    v.GetDuration("PIX_TIMEOUT"),
			MaxRetries: v.GetInt("PROVIDER_MAX_RETRIES"),
		},
		Auth: AuthConfig{
			JWTSecret:         v.GetString("JWT_SECRET"),
			SessionTTL:        v.GetDuration("SESSION_TTL"),
			AdminUser:         v.GetString("ADMIN_USER"),
			AdminPasswordHash: v.GetString("ADMIN_PASSWORD_HASH"),
		},
		Telegram: TelegramConfig{
			Token:       v.GetString("TELEGRAM_TOKEN"),
			AdminChatID: v.GetInt64("TELEGRAM_ADMIN_CHAT_ID"),
		},
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: strings.ToLower(v.GetString("LOG_FORMAT")),
		},
		SelectionTTL:       time.Duration(v.GetInt("SELECTION_TTL_MINUTES")) * time.Minute,
		PaymentTTL:         time.Duration(v.GetInt("PAYMENT_TTL_MINUTES")) * time.Minute,
		SweepInterval:      v.GetDuration("SWEEP_INTERVAL"),
		ServerPollInterval: v.GetDuration("SERVER_POLL_INTERVAL"),
		ClientPollInterval: v.GetDuration("CLIENT_POLL_INTERVAL"),
	}
	return cfg, cfg.validate()
}

func (cfg *Config) validate() error {
	var problems []string
	if cfg.Auth.JWTSecret == "" {
		problems = append(problems, "JWT_SECRET is required")
	}
	if cfg.SelectionTTL <= 0 || cfg.PaymentTTL <= 0 {
		problems = append(problems, "SELECTION_TTL_MINUTES and PAYMENT_TTL_MINUTES must be positive")
	}
	if cfg.SweepInterval <= 0 || cfg.ServerPollInterval <= 0 {
		problems = append(problems, "SWEEP_INTERVAL and SERVER_POLL_INTERVAL must be positive")
	}
	switch cfg.Payment.Provider {
	case "pix":
		if cfg.Payment.BaseURL == "" || cfg.Payment.ClientID == "" || cfg.Payment.SecretKey == "" || cfg.Payment.Key == "" {
			problems = append(problems, "PIX_BASE_URL, PIX_CLIENT_ID, PIX_SECRET_KEY and PIX_KEY are required for the pix provider")
		}
	case "sandbox":
	default:
		problems = append(problems, fmt.Sprintf("unknown PAYMENT_PROVIDER %q", cfg.Payment.Provider))
	}
	switch cfg.DB.Driver {
	case "postgres", "mysql", "sqlite", "memory":
	default:
		problems = append(problems, fmt.Sprintf("unknown DB_DRIVER %q", cfg.DB.Driver))
	}
	if len(problems) > 0 {
		return errors.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

func NewLogger(cfg LogConfig) (*logrus.Logger, error) {
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("config: LOG_LEVEL: %w", err)
	}
	log.SetLevel(level)
	if cfg.Format == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log, nil
}

func dialector(cfg DBConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "postgres":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = fmt.Sprintf(
				"host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
				cfg.Host, cfg.User, cfg.Password, cfg.Name, cfg.Port,
			)
		}
		return postgres.Open(dsn), nil
	case "mysql":
		dsn := cfg.DSN
		if dsn == "" {
			// clientFoundRows makes RowsAffected count matched rows, which the
			// ledger's conditional updates rely on.
			dsn = fmt.Sprintf(
				"%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC&clientFoundRows=true",
				cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name,
			)
		}
		return mysql.Open(dsn), nil
	case "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "rifapix.db?_busy_timeout=5000"
		}
		return sqlite.Open(dsn), nil
	}
	return nil, fmt.Errorf("config: no sql driver for %q", cfg.Driver)
}

// InitDatabase opens the configured SQL database. Migrations are run by the
// ledger store.
func InitDatabase(cfg DBConfig, log logrus.FieldLogger) (*gorm.DB, error) {
	dial, err := dialector(cfg)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dial, &gorm.Config{
		Logger: logger.New(log, logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.Driver == "sqlite" {
		// SQLite allows a single writer.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConn)
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConn)
	}
	return db, nil
}

// InitRedis connects to Redis. It returns a nil client when REDIS_ADDR is
// unset.
func InitRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}
