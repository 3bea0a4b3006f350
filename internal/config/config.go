package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	handlerConfig "github.com/iurnickita/creditledger/internal/handler/config"
	loggerConfig "github.com/iurnickita/creditledger/internal/logger/config"
	serviceConfig "github.com/iurnickita/creditledger/internal/service/config"
	storeConfig "github.com/iurnickita/creditledger/internal/store/config"
)

type Config struct {
	Handler   handlerConfig.Config
	Service   serviceConfig.Config
	Store     storeConfig.Config
	Logger    loggerConfig.Config
	NatsURL   string
	RedisAddr string
}

// GetConfig reads flags, then lets the environment (and .env) override them.
func GetConfig() (Config, error) {
	return parse(flag.CommandLine, os.Args[1:])
}

func parse(fs *flag.FlagSet, args []string) (Config, error) {
	// .env не обязателен
	_ = godotenv.Load()

	var (
		cfg                                       Config
		platformFee, depositFee, depositImmediate string
		maxConns                                  int
	)

	fs.StringVar(&cfg.Handler.ServerAddr, "a", ":8080", "service run address")
	fs.StringVar(&cfg.Handler.JWTSecret, "j", "", "JWT signing secret")
	fs.DurationVar(&cfg.Handler.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "graceful shutdown timeout")
	fs.StringVar(&cfg.Store.DBDsn, "d", "", "database DSN, empty for in-memory store")
	fs.IntVar(&maxConns, "max-conns", 0, "database pool size")
	fs.StringVar(&cfg.Logger.LogLevel, "l", "info", "log level")
	fs.StringVar(&cfg.Service.CredentialKey, "k", "", "credential sealing key")
	fs.StringVar(&cfg.Service.VerifyAddr, "r", "", "key verification service address")
	fs.DurationVar(&cfg.Service.VerifyInterval, "verify-interval", 5*time.Second, "verification poll interval")
	fs.StringVar(&cfg.NatsURL, "nats", "", "NATS URL, empty disables events")
	fs.StringVar(&cfg.RedisAddr, "redis", "", "Redis address, empty disables rate limits")
	fs.StringVar(&platformFee, "platform-fee", "0.15", "marketplace platform fee rate")
	fs.StringVar(&cfg.Service.PlatformAccount, "platform-account", "platform", "account receiving marketplace fees")
	fs.StringVar(&depositFee, "deposit-fee", "0.10", "pool deposit fee rate")
	fs.StringVar(&depositImmediate, "deposit-immediate", "0.90", "share of a deposit released before verification")
	fs.IntVar(&cfg.Service.FailureThreshold, "failure-threshold", 5, "consecutive failures before a resource is suspended")
	fs.Int64Var(&cfg.Service.DailyRequestLimit, "daily-requests", 0, "metered requests per account per day, 0 is unlimited")
	fs.Int64Var(&cfg.Service.DailyTokenLimit, "daily-tokens", 0, "metered tokens per account per day, 0 is unlimited")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	lookupString("RUN_ADDRESS", &cfg.Handler.ServerAddr)
	lookupString("JWT_SECRET", &cfg.Handler.JWTSecret)
	lookupString("DATABASE_URI", &cfg.Store.DBDsn)
	lookupString("LOG_LEVEL", &cfg.Logger.LogLevel)
	lookupString("CREDENTIAL_KEY", &cfg.Service.CredentialKey)
	lookupString("VERIFY_ADDRESS", &cfg.Service.VerifyAddr)
	lookupString("NATS_URL", &cfg.NatsURL)
	lookupString("REDIS_ADDR", &cfg.RedisAddr)
	lookupString("PLATFORM_FEE_RATE", &platformFee)
	lookupString("PLATFORM_ACCOUNT", &cfg.Service.PlatformAccount)
	lookupString("DEPOSIT_FEE_RATE", &depositFee)
	lookupString("DEPOSIT_IMMEDIATE_SHARE", &depositImmediate)

	var err error
	if err = lookupInt("FAILURE_THRESHOLD", &cfg.Service.FailureThreshold); err != nil {
		return Config{}, err
	}
	if err = lookupInt64("DAILY_REQUEST_LIMIT", &cfg.Service.DailyRequestLimit); err != nil {
		return Config{}, err
	}
	if err = lookupInt64("DAILY_TOKEN_LIMIT", &cfg.Service.DailyTokenLimit); err != nil {
		return Config{}, err
	}
	cfg.Store.MaxConns = int32(maxConns)

	if cfg.Service.PlatformFeeRate, err = rate("platform fee", platformFee); err != nil {
		return Config{}, err
	}
	if cfg.Service.DepositFeeRate, err = rate("deposit fee", depositFee); err != nil {
		return Config{}, err
	}
	if cfg.Service.DepositImmediateShare, err = rate("deposit immediate share", depositImmediate); err != nil {
		return Config{}, err
	}
	if cfg.Handler.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET is required")
	}
	return cfg, nil
}

func lookupString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func lookupInt(key string, dst *int) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func lookupInt64(key string, dst *int64) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

// rate parses a fraction in [0, 1).
func rate(name, v string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", name, err)
	}
	if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("%s %s is out of range", name, v)
	}
	return d, nil
}
