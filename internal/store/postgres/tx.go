package postgres

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/iurnickita/creditledger/internal/model"
	"github.com/iurnickita/creditledger/internal/store"
)

type tx struct {
	q    querier
	held map[string]struct{}
}

func (t *tx) holds(key string) error {
	if _, ok := t.held[key]; !ok {
		return store.ErrNotLocked
	}
	return nil
}

func (t *tx) GetAccount(ctx context.Context, id string) (model.Account, error) {
	return scanAccount(t.q.QueryRow(ctx, "SELECT "+accountCols+" FROM accounts WHERE id = $1", id))
}

func (t *tx) PutAccount(ctx context.Context, a model.Account) error {
	if err := t.holds(store.AccountKey(a.ID)); err != nil {
		return err
	}
	_, err := t.q.Exec(ctx,
		"INSERT INTO accounts (id, balance, total_deposited, total_consumed, unlimited, seq, created_at, updated_at)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8)"+
			" ON CONFLICT (id) DO UPDATE SET"+
			" balance = EXCLUDED.balance, total_deposited = EXCLUDED.total_deposited,"+
			" total_consumed = EXCLUDED.total_consumed, unlimited = EXCLUDED.unlimited,"+
			" seq = EXCLUDED.seq, updated_at = EXCLUDED.updated_at",
		a.ID, num(a.Balance), num(a.TotalDeposited), num(a.TotalConsumed), a.Unlimited, a.Seq, a.CreatedAt, a.UpdatedAt)
	return mapErr(err)
}

func (t *tx) AppendTransaction(ctx context.Context, tr model.Transaction) error {
	if err := t.holds(store.AccountKey(tr.AccountID)); err != nil {
		return err
	}
	_, err := t.q.Exec(ctx,
		"INSERT INTO transactions (id, account_id, seq, type, amount, balance_before, balance_after, description, reference_id, created_at)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)",
		tr.ID, tr.AccountID, tr.Seq, string(tr.Type), num(tr.Amount), num(tr.BalanceBefore), num(tr.BalanceAfter),
		tr.Description, nullString(tr.ReferenceID), tr.CreatedAt)
	return mapErr(err)
}

func (t *tx) TransactionByRef(ctx context.Context, accountID, ref string) (model.Transaction, error) {
	return scanTransaction(t.q.QueryRow(ctx,
		"SELECT "+transactionCols+" FROM transactions WHERE account_id = $1 AND reference_id = $2", accountID, ref))
}

func (t *tx) GetResource(ctx context.Context, id string) (model.ResourceDeposit, error) {
	return scanResource(t.q.QueryRow(ctx, "SELECT "+resourceCols+" FROM resources WHERE id = $1", id))
}

func (t *tx) PutResource(ctx context.Context, r model.ResourceDeposit) error {
	if err := t.holds(store.ResourceKey(r.ID)); err != nil {
		return err
	}
	_, err := t.q.Exec(ctx,
		"INSERT INTO resources (id, owner_id, provider, model_family, encrypted_credential, endpoint, unit,"+
			" original_quota, current_quota, status, deposit_status, credit_value, platform_fee, released_credits,"+
			" pending_credits, total_requests, failed_requests, consecutive_failures, total_consumed, reference_id,"+
			" created_at, updated_at)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)"+
			" ON CONFLICT (id) DO UPDATE SET"+
			" original_quota = EXCLUDED.original_quota, current_quota = EXCLUDED.current_quota,"+
			" status = EXCLUDED.status, deposit_status = EXCLUDED.deposit_status,"+
			" released_credits = EXCLUDED.released_credits, pending_credits = EXCLUDED.pending_credits,"+
			" total_requests = EXCLUDED.total_requests, failed_requests = EXCLUDED.failed_requests,"+
			" consecutive_failures = EXCLUDED.consecutive_failures, total_consumed = EXCLUDED.total_consumed,"+
			" updated_at = EXCLUDED.updated_at",
		r.ID, r.OwnerID, r.Provider, r.ModelFamily, r.EncryptedCredential, r.Endpoint, string(r.Unit),
		num(r.OriginalQuota), num(r.CurrentQuota), string(r.Status), string(r.DepositStatus), num(r.CreditValue),
		num(r.PlatformFee), num(r.ReleasedCredits), num(r.PendingCredits), r.TotalRequests, r.FailedRequests,
		r.ConsecutiveFailures, num(r.TotalConsumed), nullString(r.ReferenceID), r.CreatedAt, r.UpdatedAt)
	return mapErr(err)
}

func (t *tx) ResourceByRef(ctx context.Context, ownerID, ref string) (model.ResourceDeposit, error) {
	return scanResource(t.q.QueryRow(ctx,
		"SELECT "+resourceCols+" FROM resources WHERE owner_id = $1 AND reference_id = $2", ownerID, ref))
}

func (t *tx) GetListing(ctx context.Context, id string) (model.Listing, error) {
	return scanListing(t.q.QueryRow(ctx, "SELECT "+listingCols+" FROM listings WHERE id = $1", id))
}

func (t *tx) PutListing(ctx context.Context, l model.Listing) error {
	if err := t.holds(store.ListingKey(l.ID)); err != nil {
		return err
	}
	_, err := t.q.Exec(ctx,
		"INSERT INTO listings (id, seller_id, resource_id, model_id, title, price_per_unit, total_quota,"+
			" available_quota, min_purchase, status, total_sales, total_orders, created_at, updated_at)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)"+
			" ON CONFLICT (id) DO UPDATE SET"+
			" title = EXCLUDED.title, price_per_unit = EXCLUDED.price_per_unit,"+
			" total_quota = EXCLUDED.total_quota, min_purchase = EXCLUDED.min_purchase,"+
			" available_quota = EXCLUDED.available_quota, status = EXCLUDED.status,"+
			" total_sales = EXCLUDED.total_sales, total_orders = EXCLUDED.total_orders,"+
			" updated_at = EXCLUDED.updated_at",
		l.ID, l.SellerID, nullString(l.ResourceID), l.ModelID, l.Title, num(l.PricePerUnit), num(l.TotalQuota),
		num(l.AvailableQuota), num(l.MinPurchase), string(l.Status), num(l.TotalSales), l.TotalOrders,
		l.CreatedAt, l.UpdatedAt)
	return mapErr(err)
}

func (t *tx) ListedQuota(ctx context.Context, resourceID string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := t.q.QueryRow(ctx,
		"SELECT COALESCE(SUM(available_quota), 0)::text FROM listings WHERE resource_id = $1 AND status NOT IN ($2, $3)",
		resourceID, string(model.ListingStatusOutOfStock), string(model.ListingStatusDeleted)).Scan(&sum)
	return sum, mapErr(err)
}

func (t *tx) AllocatedQuota(ctx context.Context, resourceID string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := t.q.QueryRow(ctx,
		"SELECT COALESCE(SUM(ROUND(units_remaining * price_per_unit / $2, 4)), 0)::text"+
			" FROM purchase_orders WHERE resource_id = $1 AND status = $3",
		resourceID, model.TokensPerPriceUnit, string(model.PurchaseOrderStatusCompleted)).Scan(&sum)
	return sum, mapErr(err)
}

func (t *tx) GetOrder(ctx context.Context, id string) (model.PurchaseOrder, error) {
	return scanOrder(t.q.QueryRow(ctx, "SELECT "+orderCols+" FROM purchase_orders WHERE id = $1", id))
}

func (t *tx) PutOrder(ctx context.Context, o model.PurchaseOrder) error {
	if err := t.holds(store.OrderKey(o.ID)); err != nil {
		return err
	}
	_, err := t.q.Exec(ctx,
		"INSERT INTO purchase_orders (id, buyer_id, seller_id, listing_id, resource_id, credits_amount,"+
			" price_per_unit, units_granted, units_used, units_remaining, seller_revenue, platform_fee, status,"+
			" reference_id, created_at, completed_at)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)"+
			" ON CONFLICT (id) DO UPDATE SET"+
			" units_used = EXCLUDED.units_used, units_remaining = EXCLUDED.units_remaining,"+
			" status = EXCLUDED.status, completed_at = EXCLUDED.completed_at",
		o.ID, o.BuyerID, o.SellerID, o.ListingID, nullString(o.ResourceID), num(o.CreditsAmount),
		num(o.PricePerUnit), o.UnitsGranted, o.UnitsUsed, o.UnitsRemaining, num(o.SellerRevenue),
		num(o.PlatformFee), string(o.Status), nullString(o.ReferenceID), o.CreatedAt, nullTime(o.CompletedAt))
	return mapErr(err)
}

func (t *tx) OrderByRef(ctx context.Context, buyerID, ref string) (model.PurchaseOrder, error) {
	return scanOrder(t.q.QueryRow(ctx,
		"SELECT "+orderCols+" FROM purchase_orders WHERE buyer_id = $1 AND reference_id = $2", buyerID, ref))
}

func (t *tx) GetReservation(ctx context.Context, id string) (model.Reservation, error) {
	return scanReservation(t.q.QueryRow(ctx, "SELECT "+reservationCols+" FROM reservations WHERE id = $1", id))
}

func (t *tx) PutReservation(ctx context.Context, r model.Reservation) error {
	if err := t.holds(store.ReservationKey(r.ID)); err != nil {
		return err
	}
	_, err := t.q.Exec(ctx,
		"INSERT INTO reservations (id, account_id, model_id, estimated, actual, status, reference_id, created_at, settled_at)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)"+
			" ON CONFLICT (id) DO UPDATE SET"+
			" actual = EXCLUDED.actual, status = EXCLUDED.status, settled_at = EXCLUDED.settled_at",
		r.ID, r.AccountID, r.ModelID, num(r.Estimated), num(r.Actual), string(r.Status),
		nullString(r.ReferenceID), r.CreatedAt, nullTime(r.SettledAt))
	return mapErr(err)
}

func (t *tx) ReservationByRef(ctx context.Context, accountID, ref string) (model.Reservation, error) {
	return scanReservation(t.q.QueryRow(ctx,
		"SELECT "+reservationCols+" FROM reservations WHERE account_id = $1 AND reference_id = $2", accountID, ref))
}

func (t *tx) GetReceipt(ctx context.Context, scope, ownerID, ref string) (store.Receipt, error) {
	var r store.Receipt
	err := t.q.QueryRow(ctx,
		"SELECT scope, owner_id, reference_id, entity_id, digest, created_at FROM receipts"+
			" WHERE scope = $1 AND owner_id = $2 AND reference_id = $3", scope, ownerID, ref).
		Scan(&r.Scope, &r.OwnerID, &r.ReferenceID, &r.EntityID, &r.Digest, &r.CreatedAt)
	return r, mapErr(err)
}

func (t *tx) PutReceipt(ctx context.Context, r store.Receipt) error {
	if err := t.holds(store.ReceiptKey(r.Scope, r.OwnerID, r.ReferenceID)); err != nil {
		return err
	}
	_, err := t.q.Exec(ctx,
		"INSERT INTO receipts (scope, owner_id, reference_id, entity_id, digest, created_at)"+
			" VALUES ($1, $2, $3, $4, $5, $6)",
		r.Scope, r.OwnerID, r.ReferenceID, r.EntityID, r.Digest, r.CreatedAt)
	return mapErr(err)
}
