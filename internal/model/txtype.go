package model

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TxDeposit         TransactionType = "deposit"
	TxConsumption     TransactionType = "consumption"
	TxRefund          TransactionType = "refund"
	TxBonus           TransactionType = "bonus"
	TxAdminAdjustment TransactionType = "admin_adjustment"
	TxTransferIn      TransactionType = "transfer_in"
	TxTransferOut     TransactionType = "transfer_out"
	TxPurchase        TransactionType = "purchase"
	TxSale            TransactionType = "sale"
)

// Sign returns the sign every amount of this type must carry:
// 1 for credits, -1 for debits, 0 when either sign is allowed.
func (t TransactionType) Sign() int {
	switch t {
	case TxDeposit, TxRefund, TxBonus, TxTransferIn, TxSale:
		return 1
	case TxConsumption, TxTransferOut, TxPurchase:
		return -1
	default:
		return 0
	}
}

func (t TransactionType) Valid() bool {
	switch t {
	case TxDeposit, TxConsumption, TxRefund, TxBonus, TxAdminAdjustment,
		TxTransferIn, TxTransferOut, TxPurchase, TxSale:
		return true
	}
	return false
}

// ParseTransactionType converts a wire value into a TransactionType.
func ParseTransactionType(s string) (TransactionType, error) {
	t := TransactionType(s)
	if !t.Valid() {
		return "", NewValidationError("type", fmt.Sprintf("unknown transaction type %q", s))
	}
	return t, nil
}

// CheckAmount validates amount against the type's sign convention.
func (t TransactionType) CheckAmount(amount decimal.Decimal) error {
	if !t.Valid() {
		return NewValidationError("type", fmt.Sprintf("unknown transaction type %q", t))
	}
	if amount.IsZero() {
		return NewValidationError("amount", "must be non-zero")
	}
	switch t.Sign() {
	case 1:
		if amount.IsNegative() {
			return NewValidationError("amount", fmt.Sprintf("%s must be positive", t))
		}
	case -1:
		if amount.IsPositive() {
			return NewValidationError("amount", fmt.Sprintf("%s must be negative", t))
		}
	}
	return nil
}
