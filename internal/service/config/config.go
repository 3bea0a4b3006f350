package config

import (
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	CredentialKey string
	VerifyAddr    string
	// Интервал повторного опроса сервиса проверки ключей
	VerifyInterval time.Duration
	VerifyAttempts int

	PlatformFeeRate       decimal.Decimal
	PlatformAccount       string
	DepositFeeRate        decimal.Decimal
	DepositImmediateShare decimal.Decimal
	FailureThreshold      int

	DailyRequestLimit int64
	DailyTokenLimit   int64
}
