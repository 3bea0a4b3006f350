package pool

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/iurnickita/creditledger/internal/model"
)

// Release is how a deposited quota turns into credits for its owner.
type Release struct {
	CreditValue decimal.Decimal `json:"credit_value"`
	Fee         decimal.Decimal `json:"platform_fee"`
	Immediate   decimal.Decimal `json:"immediate"`
	Pending     decimal.Decimal `json:"pending"`
}

// ReleasePolicy values a deposit.
type ReleasePolicy interface {
	Value(unit model.QuotaUnit, quota decimal.Decimal) (Release, error)
}

// SplitRelease credits part of the net value at deposit time and holds the
// rest until the credential is verified.
type SplitRelease struct {
	FeeRate        decimal.Decimal
	ImmediateShare decimal.Decimal
	CreditsPerUnit map[model.QuotaUnit]decimal.Decimal
}

func DefaultRelease() SplitRelease {
	return SplitRelease{
		FeeRate:        decimal.RequireFromString("0.10"),
		ImmediateShare: decimal.RequireFromString("0.90"),
		CreditsPerUnit: map[model.QuotaUnit]decimal.Decimal{
			model.UnitCredits: decimal.NewFromInt(1),
			model.UnitUSD:     decimal.NewFromInt(100),
			model.UnitTokens:  decimal.RequireFromString("0.001"),
		},
	}
}

func (p SplitRelease) Value(unit model.QuotaUnit, quota decimal.Decimal) (Release, error) {
	rate, ok := p.CreditsPerUnit[unit]
	if !ok {
		return Release{}, model.NewValidationError("unit", fmt.Sprintf("unsupported quota unit %q", unit))
	}
	value := model.Round(quota.Mul(rate))
	fee := model.Round(value.Mul(p.FeeRate))
	net := value.Sub(fee)
	immediate := model.Round(net.Mul(p.ImmediateShare))
	return Release{
		CreditValue: value,
		Fee:         fee,
		Immediate:   immediate,
		Pending:     net.Sub(immediate),
	}, nil
}
