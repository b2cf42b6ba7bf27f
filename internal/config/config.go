// Package config 配置
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/exchange/custody/internal/orderbook"
	envconfig "github.com/exchange/custody/pkg/config"
)

// Config 服务配置
type Config struct {
	ServiceName   string
	HTTPPort      int
	LogLevel      string
	AppEnv        string
	InternalToken string
	WorkerID      int64

	// Store: postgres | memory
	StoreDriver       string
	DBHost            string
	DBPort            int
	DBUser            string
	DBPassword        string
	DBName            string
	DBSSLMode         string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBTxMaxAttempts   int

	// Redis，为空时不启用余额推送和 Redis nonce 缓存
	RedisAddr           string
	RedisPassword       string
	BalanceEventChannel string

	AccountLockTTL time.Duration

	// Exchange
	ExchangeURL        string
	ExchangeTimeout    time.Duration
	ExchangeFeeRatio   decimal.Decimal
	ExchangeWallet     string
	ExchangeKeyRef     string
	ExchangeNonceCache string // memory | redis
	ExchangeBookDepth  int

	// Chain & signer
	EthRPCURL     string
	EthRPCTimeout time.Duration
	SignerURL     string
	SignerToken   string
	SignerTimeout time.Duration

	// Confirmer
	ConfirmerInterval     time.Duration
	RequiredConfirmations int64
	RebroadcastAfter      time.Duration
	MaxRebroadcasts       int

	// Tracing
	TracingEnabled    bool
	JaegerEndpoint    string
	TracingSampleRate float64
}

// Load 加载配置
func Load() *Config {
	return &Config{
		ServiceName:   envconfig.GetEnv("SERVICE_NAME", "custody"),
		HTTPPort:      envconfig.GetEnvInt("HTTP_PORT", 8090),
		LogLevel:      envconfig.GetEnv("LOG_LEVEL", "info"),
		AppEnv:        strings.ToLower(envconfig.GetEnv("APP_ENV", "dev")),
		InternalToken: envconfig.GetEnv("INTERNAL_TOKEN", ""),
		WorkerID:      envconfig.GetEnvInt64("WORKER_ID", 1),

		StoreDriver:       strings.ToLower(envconfig.GetEnv("STORE_DRIVER", "postgres")),
		DBHost:            envconfig.GetEnv("DB_HOST", "localhost"),
		DBPort:            envconfig.GetEnvInt("DB_PORT", 5432),
		DBUser:            envconfig.GetEnv("DB_USER", "custody"),
		DBPassword:        envconfig.GetEnv("DB_PASSWORD", "custody123"),
		DBName:            envconfig.GetEnv("DB_NAME", "custody"),
		DBSSLMode:         envconfig.GetEnv("DB_SSLMODE", "disable"),
		DBMaxOpenConns:    envconfig.GetEnvInt("DB_MAX_OPEN_CONNS", 50),
		DBMaxIdleConns:    envconfig.GetEnvInt("DB_MAX_IDLE_CONNS", 10),
		DBConnMaxLifetime: envconfig.GetEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		DBTxMaxAttempts:   envconfig.GetEnvInt("DB_TX_MAX_ATTEMPTS", 5),

		RedisAddr:           envconfig.GetEnv("REDIS_ADDR", ""),
		RedisPassword:       envconfig.GetEnv("REDIS_PASSWORD", ""),
		BalanceEventChannel: envconfig.GetEnv("BALANCE_EVENT_CHANNEL", "custody:user:{userId}:balances"),

		AccountLockTTL: envconfig.GetEnvDuration("ACCOUNT_LOCK_TTL", 30*time.Second),

		ExchangeURL:        envconfig.GetEnv("EXCHANGE_URL", ""),
		ExchangeTimeout:    envconfig.GetEnvDuration("EXCHANGE_TIMEOUT", 10*time.Second),
		ExchangeFeeRatio:   envconfig.GetEnvDecimal("EXCHANGE_FEE_RATIO", orderbook.DefaultFeeRatio),
		ExchangeWallet:     envconfig.GetEnv("EXCHANGE_WALLET", ""),
		ExchangeKeyRef:     envconfig.GetEnv("EXCHANGE_KEY_REF", ""),
		ExchangeNonceCache: strings.ToLower(envconfig.GetEnv("EXCHANGE_NONCE_CACHE", "memory")),
		ExchangeBookDepth:  envconfig.GetEnvInt("EXCHANGE_BOOK_DEPTH", 100),

		EthRPCURL:     envconfig.GetEnv("ETH_RPC_URL", ""),
		EthRPCTimeout: envconfig.GetEnvDuration("ETH_RPC_TIMEOUT", 10*time.Second),
		SignerURL:     envconfig.GetEnv("SIGNER_URL", ""),
		SignerToken:   envconfig.GetEnv("SIGNER_TOKEN", ""),
		SignerTimeout: envconfig.GetEnvDuration("SIGNER_TIMEOUT", 10*time.Second),

		ConfirmerInterval:     envconfig.GetEnvDuration("CONFIRMER_INTERVAL", 15*time.Second),
		RequiredConfirmations: envconfig.GetEnvInt64("REQUIRED_CONFIRMATIONS", 12),
		RebroadcastAfter:      envconfig.GetEnvDuration("REBROADCAST_AFTER", 5*time.Minute),
		MaxRebroadcasts:       envconfig.GetEnvInt("MAX_REBROADCASTS", 5),

		TracingEnabled:    envconfig.GetEnvBool("TRACING_ENABLED", false),
		JaegerEndpoint:    envconfig.GetEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		TracingSampleRate: envconfig.GetEnvFloat64("TRACING_SAMPLE_RATE", 0.1),
	}
}

// DSN PostgreSQL 连接串
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// ChainEnabled 是否配置了链上出金
func (c *Config) ChainEnabled() bool {
	return c.EthRPCURL != "" && c.SignerURL != ""
}

// ExchangeEnabled 是否配置了交易所
func (c *Config) ExchangeEnabled() bool {
	return c.ExchangeURL != ""
}

func (c *Config) Validate() error {
	if c.InternalToken == "" {
		return fmt.Errorf("INTERNAL_TOKEN is required")
	}
	switch c.StoreDriver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", c.StoreDriver)
	}
	if c.WorkerID < 0 || c.WorkerID > 1023 {
		return fmt.Errorf("WORKER_ID must be between 0 and 1023")
	}
	if c.ExchangeFeeRatio.IsNegative() {
		return fmt.Errorf("EXCHANGE_FEE_RATIO must not be negative")
	}
	// 租约必须覆盖锁内最长的外部调用
	longest := c.ExchangeTimeout
	for _, d := range []time.Duration{c.EthRPCTimeout, c.SignerTimeout} {
		if d > longest {
			longest = d
		}
	}
	if c.AccountLockTTL <= longest {
		return fmt.Errorf("ACCOUNT_LOCK_TTL (%s) must exceed external call timeouts (%s)", c.AccountLockTTL, longest)
	}
	switch c.ExchangeNonceCache {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("EXCHANGE_NONCE_CACHE=redis requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("EXCHANGE_NONCE_CACHE must be memory or redis, got %q", c.ExchangeNonceCache)
	}
	if c.ExchangeEnabled() && (c.ExchangeWallet == "" || c.SignerURL == "") {
		return fmt.Errorf("EXCHANGE_WALLET and SIGNER_URL are required when EXCHANGE_URL is set")
	}
	if c.SignerURL != "" && c.SignerToken == "" {
		return fmt.Errorf("SIGNER_TOKEN is required when SIGNER_URL is set")
	}
	if c.RequiredConfirmations < 1 {
		return fmt.Errorf("REQUIRED_CONFIRMATIONS must be at least 1")
	}

	if c.AppEnv != "dev" {
		if c.StoreDriver == "memory" {
			return fmt.Errorf("STORE_DRIVER=memory is only allowed in dev (APP_ENV=%s)", c.AppEnv)
		}
		if len(c.InternalToken) < envconfig.MinSecretLength {
			return fmt.Errorf("INTERNAL_TOKEN must be at least %d characters (APP_ENV=%s)", envconfig.MinSecretLength, c.AppEnv)
		}
		if envconfig.IsInsecureDevSecret(c.InternalToken) {
			return fmt.Errorf("INTERNAL_TOKEN must not be a dev placeholder (APP_ENV=%s)", c.AppEnv)
		}
		if envconfig.IsInsecureDevSecret(c.SignerToken) {
			return fmt.Errorf("SIGNER_TOKEN must not be a dev placeholder (APP_ENV=%s)", c.AppEnv)
		}
		if c.DBPassword == "" || c.DBPassword == "custody123" {
			return fmt.Errorf("DB_PASSWORD must be explicitly set (APP_ENV=%s)", c.AppEnv)
		}
		if strings.EqualFold(c.DBSSLMode, "disable") {
			return fmt.Errorf("DB_SSLMODE must not be disable (APP_ENV=%s)", c.AppEnv)
		}
	}
	return nil
}
