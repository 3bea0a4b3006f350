package postgres

import (
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/iurnickita/creditledger/internal/model"
	"github.com/iurnickita/creditledger/internal/store"
)

type scanner interface {
	Scan(dest ...any) error
}

// Суммы читаются как текст и разбираются decimal.Decimal (sql.Scanner),
// пишутся строкой с фиксированными 4 знаками.

const accountCols = "id, balance::text, total_deposited::text, total_consumed::text, unlimited, seq, created_at, updated_at"

func scanAccount(row scanner) (model.Account, error) {
	var a model.Account
	err := row.Scan(&a.ID, &a.Balance, &a.TotalDeposited, &a.TotalConsumed, &a.Unlimited, &a.Seq, &a.CreatedAt, &a.UpdatedAt)
	return a, mapErr(err)
}

const transactionCols = "id, account_id, seq, type, amount::text, balance_before::text, balance_after::text," +
	" description, COALESCE(reference_id, ''), created_at"

func scanTransaction(row scanner) (model.Transaction, error) {
	var t model.Transaction
	var typ string
	err := row.Scan(&t.ID, &t.AccountID, &t.Seq, &typ, &t.Amount, &t.BalanceBefore, &t.BalanceAfter,
		&t.Description, &t.ReferenceID, &t.CreatedAt)
	t.Type = model.TransactionType(typ)
	return t, mapErr(err)
}

const resourceCols = "id, owner_id, provider, model_family, encrypted_credential, endpoint, unit," +
	" original_quota::text, current_quota::text, status, deposit_status, credit_value::text, platform_fee::text," +
	" released_credits::text, pending_credits::text, total_requests, failed_requests, consecutive_failures," +
	" total_consumed::text, COALESCE(reference_id, ''), created_at, updated_at"

func scanResource(row scanner) (model.ResourceDeposit, error) {
	var r model.ResourceDeposit
	var unit, status, depositStatus string
	err := row.Scan(&r.ID, &r.OwnerID, &r.Provider, &r.ModelFamily, &r.EncryptedCredential, &r.Endpoint, &unit,
		&r.OriginalQuota, &r.CurrentQuota, &status, &depositStatus, &r.CreditValue, &r.PlatformFee,
		&r.ReleasedCredits, &r.PendingCredits, &r.TotalRequests, &r.FailedRequests, &r.ConsecutiveFailures,
		&r.TotalConsumed, &r.ReferenceID, &r.CreatedAt, &r.UpdatedAt)
	r.Unit = model.QuotaUnit(unit)
	r.Status = model.ResourceStatus(status)
	r.DepositStatus = model.DepositStatus(depositStatus)
	return r, mapErr(err)
}

const listingCols = "id, seller_id, COALESCE(resource_id, ''), model_id, title, price_per_unit::text," +
	" total_quota::text, available_quota::text, min_purchase::text, status, total_sales::text, total_orders," +
	" created_at, updated_at"

func scanListing(row scanner) (model.Listing, error) {
	var l model.Listing
	var status string
	err := row.Scan(&l.ID, &l.SellerID, &l.ResourceID, &l.ModelID, &l.Title, &l.PricePerUnit,
		&l.TotalQuota, &l.AvailableQuota, &l.MinPurchase, &status, &l.TotalSales, &l.TotalOrders,
		&l.CreatedAt, &l.UpdatedAt)
	l.Status = model.ListingStatus(status)
	return l, mapErr(err)
}

const orderCols = "id, buyer_id, seller_id, listing_id, COALESCE(resource_id, ''), credits_amount::text," +
	" price_per_unit::text, units_granted, units_used, units_remaining, seller_revenue::text, platform_fee::text," +
	" status, COALESCE(reference_id, ''), created_at, completed_at"

func scanOrder(row scanner) (model.PurchaseOrder, error) {
	var o model.PurchaseOrder
	var status string
	var completedAt *time.Time
	err := row.Scan(&o.ID, &o.BuyerID, &o.SellerID, &o.ListingID, &o.ResourceID, &o.CreditsAmount,
		&o.PricePerUnit, &o.UnitsGranted, &o.UnitsUsed, &o.UnitsRemaining, &o.SellerRevenue, &o.PlatformFee,
		&status, &o.ReferenceID, &o.CreatedAt, &completedAt)
	o.Status = model.PurchaseOrderStatus(status)
	if completedAt != nil {
		o.CompletedAt = *completedAt
	}
	return o, mapErr(err)
}

const reservationCols = "id, account_id, model_id, estimated::text, actual::text, status," +
	" COALESCE(reference_id, ''), created_at, settled_at"

func scanReservation(row scanner) (model.Reservation, error) {
	var r model.Reservation
	var status string
	var settledAt *time.Time
	err := row.Scan(&r.ID, &r.AccountID, &r.ModelID, &r.Estimated, &r.Actual, &status,
		&r.ReferenceID, &r.CreatedAt, &settledAt)
	r.Status = model.ReservationStatus(status)
	if settledAt != nil {
		r.SettledAt = *settledAt
	}
	return r, mapErr(err)
}

const pricingCols = "model_id, model_name, tier, input_rate::text, output_rate::text, vision_surcharge::text, active, updated_at"

func scanPricing(row scanner) (model.ModelPricing, error) {
	var p model.ModelPricing
	var tier string
	err := row.Scan(&p.ModelID, &p.ModelName, &tier, &p.InputRate, &p.OutputRate, &p.VisionSurcharge, &p.Active, &p.UpdatedAt)
	p.Tier = model.ModelTier(tier)
	return p, mapErr(err)
}

func collect[T any](rows pgx.Rows, scan func(scanner) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func num(d decimal.Decimal) string {
	return d.StringFixed(model.Scale)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	// Проверка: нарушение уникальности
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return model.ErrDuplicateReference
	}
	return err
}
