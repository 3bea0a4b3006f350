package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iurnickita/creditledger/internal/model"
	"github.com/iurnickita/creditledger/internal/store"
	"github.com/iurnickita/creditledger/internal/store/config"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store keeps the ledger in PostgreSQL. A unit is one database
// transaction that first takes a transaction-scoped advisory lock per
// entity key, in sorted order.
type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, cfg config.Config) (*Store, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DBDsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := RunMigrations(ctx, cfg.DBDsn, "up"); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Atomic(ctx context.Context, keys []string, fn func(tx store.Tx) error) error {
	keys = store.SortKeys(keys)

	dbtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = dbtx.Rollback(context.Background()) }()

	for _, k := range keys {
		if _, err := dbtx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", k); err != nil {
			return fmt.Errorf("lock %s: %w", k, err)
		}
	}

	t := &tx{q: dbtx, held: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		t.held[k] = struct{}{}
	}
	if err := fn(t); err != nil {
		return err
	}

	// после захвата блокировок единица доводится до конца независимо от отмены вызывающего
	return mapErr(dbtx.Commit(context.WithoutCancel(ctx)))
}

func (s *Store) Account(ctx context.Context, id string) (model.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx, "SELECT "+accountCols+" FROM accounts WHERE id = $1", id))
}

func (s *Store) Accounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+accountCols+" FROM accounts ORDER BY id")
	if err != nil {
		return nil, err
	}
	return collect(rows, scanAccount)
}

func (s *Store) Transactions(ctx context.Context, accountID string, limit, offset int) ([]model.Transaction, error) {
	query := "SELECT " + transactionCols + " FROM transactions WHERE account_id = $1 ORDER BY seq DESC"
	args := []any{accountID}
	query, args = paginate(query, args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanTransaction)
}

func (s *Store) History(ctx context.Context, accountID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+transactionCols+" FROM transactions WHERE account_id = $1 ORDER BY seq", accountID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanTransaction)
}

func (s *Store) Resource(ctx context.Context, id string) (model.ResourceDeposit, error) {
	return scanResource(s.pool.QueryRow(ctx, "SELECT "+resourceCols+" FROM resources WHERE id = $1", id))
}

func (s *Store) Resources(ctx context.Context, filter store.ResourceFilter) ([]model.ResourceDeposit, error) {
	w := where{}
	w.eq("owner_id", filter.OwnerID)
	w.eq("status", string(filter.Status))

	rows, err := s.pool.Query(ctx, "SELECT "+resourceCols+" FROM resources"+w.sql()+" ORDER BY created_at DESC", w.args...)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanResource)
}

func (s *Store) Listing(ctx context.Context, id string) (model.Listing, error) {
	return scanListing(s.pool.QueryRow(ctx, "SELECT "+listingCols+" FROM listings WHERE id = $1", id))
}

func (s *Store) Listings(ctx context.Context, filter store.ListingFilter) ([]model.Listing, error) {
	w := where{}
	w.eq("seller_id", filter.SellerID)
	w.eq("resource_id", filter.ResourceID)
	w.eq("status", string(filter.Status))

	rows, err := s.pool.Query(ctx, "SELECT "+listingCols+" FROM listings"+w.sql()+" ORDER BY created_at DESC", w.args...)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanListing)
}

func (s *Store) Order(ctx context.Context, id string) (model.PurchaseOrder, error) {
	return scanOrder(s.pool.QueryRow(ctx, "SELECT "+orderCols+" FROM purchase_orders WHERE id = $1", id))
}

func (s *Store) Orders(ctx context.Context, filter store.OrderFilter) ([]model.PurchaseOrder, error) {
	w := where{}
	w.eq("buyer_id", filter.BuyerID)
	w.eq("seller_id", filter.SellerID)
	w.eq("listing_id", filter.ListingID)
	w.eq("status", string(filter.Status))

	query, args := paginate("SELECT "+orderCols+" FROM purchase_orders"+w.sql()+" ORDER BY created_at DESC",
		w.args, filter.Limit, filter.Offset)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanOrder)
}

func (s *Store) Reservation(ctx context.Context, id string) (model.Reservation, error) {
	return scanReservation(s.pool.QueryRow(ctx, "SELECT "+reservationCols+" FROM reservations WHERE id = $1", id))
}

func (s *Store) Pricing(ctx context.Context, modelID string) (model.ModelPricing, error) {
	return scanPricing(s.pool.QueryRow(ctx, "SELECT "+pricingCols+" FROM model_pricing WHERE model_id = $1", modelID))
}

func (s *Store) PutPricing(ctx context.Context, p model.ModelPricing) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO model_pricing (model_id, model_name, tier, input_rate, output_rate, vision_surcharge, active, updated_at)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8)"+
			" ON CONFLICT (model_id) DO UPDATE SET"+
			" model_name = EXCLUDED.model_name, tier = EXCLUDED.tier, input_rate = EXCLUDED.input_rate,"+
			" output_rate = EXCLUDED.output_rate, vision_surcharge = EXCLUDED.vision_surcharge,"+
			" active = EXCLUDED.active, updated_at = EXCLUDED.updated_at",
		p.ModelID, p.ModelName, string(p.Tier), num(p.InputRate), num(p.OutputRate), num(p.VisionSurcharge),
		p.Active, p.UpdatedAt)
	return mapErr(err)
}

func (s *Store) Catalog(ctx context.Context) ([]model.ModelPricing, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+pricingCols+" FROM model_pricing ORDER BY model_id")
	if err != nil {
		return nil, err
	}
	return collect(rows, scanPricing)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// where собирает условия равенства, пропуская пустые значения
type where struct {
	conds []string
	args  []any
}

func (w *where) eq(column, value string) {
	if value == "" {
		return
	}
	w.args = append(w.args, value)
	w.conds = append(w.conds, fmt.Sprintf("%s = $%d", column, len(w.args)))
}

func (w *where) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func paginate(query string, args []any, limit, offset int) (string, []any) {
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return query, args
}
