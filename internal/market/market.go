package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iurnickita/creditledger/internal/events"
	"github.com/iurnickita/creditledger/internal/ledger"
	"github.com/iurnickita/creditledger/internal/model"
	"github.com/iurnickita/creditledger/internal/store"
)

const DefaultPlatformAccount = "platform"

var DefaultFeeRate = decimal.RequireFromString("0.15")

type Options struct {
	FeeRate         decimal.Decimal
	PlatformAccount string
	Events          events.Publisher
}

// Market settles purchases of listed quota against credits.
type Market struct {
	store    store.Store
	ledger   *ledger.Engine
	feeRate  decimal.Decimal
	platform string
	events   events.Publisher
	zaplog   *zap.Logger
	now      func() time.Time
}

func NewMarket(st store.Store, led *ledger.Engine, opts Options, zaplog *zap.Logger) *Market {
	m := &Market{
		store:    st,
		ledger:   led,
		feeRate:  opts.FeeRate,
		platform: opts.PlatformAccount,
		events:   opts.Events,
		zaplog:   zaplog,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if m.feeRate.IsZero() || m.feeRate.IsNegative() || m.feeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		m.feeRate = DefaultFeeRate
	}
	if m.platform == "" {
		m.platform = DefaultPlatformAccount
	}
	if m.events == nil {
		m.events = events.Nop()
	}
	return m
}

type ListRequest struct {
	SellerID     string
	ResourceID   string
	ModelID      string
	Title        string
	PricePerUnit decimal.Decimal
	TotalQuota   decimal.Decimal
	MinPurchase  decimal.Decimal
	ReferenceID  string
}

func (req ListRequest) digest() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", req.ResourceID, strings.TrimSpace(req.ModelID),
		model.Round(req.PricePerUnit).StringFixed(model.Scale), model.Round(req.TotalQuota).StringFixed(model.Scale),
		model.Round(req.MinPurchase).StringFixed(model.Scale))
}

func (req ListRequest) validate() error {
	switch {
	case req.SellerID == "":
		return model.NewValidationError("seller_id", "must not be empty")
	case strings.TrimSpace(req.ModelID) == "":
		return model.NewValidationError("model_id", "must not be empty")
	case !model.Round(req.PricePerUnit).IsPositive():
		return model.NewValidationError("price_per_unit", "must be positive")
	case !model.Round(req.TotalQuota).IsPositive():
		return model.NewValidationError("total_quota", "must be positive")
	case !model.Round(req.MinPurchase).IsPositive():
		return model.NewValidationError("min_purchase", "must be positive")
	case req.MinPurchase.GreaterThan(req.TotalQuota):
		return model.NewValidationError("min_purchase", "must not exceed total quota")
	}
	return nil
}

// ListResource offers part of a resource's quota for sale. A listing
// without a resource is an independent grant by the seller.
func (m *Market) ListResource(ctx context.Context, req ListRequest) (model.Listing, error) {
	if req.MinPurchase.IsZero() {
		req.MinPurchase = decimal.NewFromInt(1)
	}
	if err := req.validate(); err != nil {
		return model.Listing{}, err
	}

	now := m.now()
	quota := model.Round(req.TotalQuota)
	l := model.Listing{
		ID:             uuid.NewString(),
		SellerID:       req.SellerID,
		ResourceID:     req.ResourceID,
		ModelID:        strings.TrimSpace(req.ModelID),
		Title:          req.Title,
		PricePerUnit:   model.Round(req.PricePerUnit),
		TotalQuota:     quota,
		AvailableQuota: quota,
		MinPurchase:    model.Round(req.MinPurchase),
		Status:         model.ListingStatusActive,
		TotalSales:     decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if l.Title == "" {
		l.Title = l.ModelID
	}

	keys := []string{store.ListingKey(l.ID)}
	if req.ResourceID != "" {
		keys = append(keys, store.ResourceKey(req.ResourceID))
	}
	if req.ReferenceID != "" {
		keys = append(keys, store.ReceiptKey(store.ScopeListing, req.SellerID, req.ReferenceID))
	}
	fresh := false
	err := m.store.Atomic(ctx, keys, func(tx store.Tx) error {
		if req.ReferenceID != "" {
			rc, ok, err := store.Recall(ctx, tx, store.ScopeListing, req.SellerID, req.ReferenceID, req.digest())
			if err != nil {
				return err
			}
			if ok {
				l, err = m.get(ctx, tx, rc.EntityID)
				return err
			}
		}
		if req.ResourceID != "" {
			if err := m.checkBacking(ctx, tx, l, decimal.Zero); err != nil {
				return err
			}
		}
		if err := tx.PutListing(ctx, l); err != nil {
			return err
		}
		fresh = true
		return m.receipt(ctx, tx, store.ScopeListing, req.SellerID, req.ReferenceID, l.ID, req.digest())
	})
	if err != nil {
		return model.Listing{}, err
	}
	if !fresh {
		return l, nil
	}

	m.zaplog.Info("listing created",
		zap.String("listing", l.ID),
		zap.String("seller", l.SellerID),
		zap.String("resource", l.ResourceID),
		zap.String("quota", l.TotalQuota.StringFixed(model.Scale)),
	)
	return l, nil
}

// checkBacking makes sure the resource can serve every open listing and
// every sold but unused allocation once l is counted. released is the
// quota l already holds in the listed sum.
func (m *Market) checkBacking(ctx context.Context, tx store.Tx, l model.Listing, released decimal.Decimal) error {
	res, err := tx.GetResource(ctx, l.ResourceID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", model.ErrUnknownResource, l.ResourceID)
	}
	if err != nil {
		return err
	}
	if res.OwnerID != l.SellerID {
		return fmt.Errorf("%w: resource %s belongs to another owner", model.ErrForbidden, res.ID)
	}
	if res.Status != model.ResourceStatusActive {
		return fmt.Errorf("%w: %s is %s", model.ErrResourceInactive, res.ID, res.Status)
	}
	if res.Unit != model.UnitCredits {
		return model.NewValidationError("resource_id", fmt.Sprintf("only %s-denominated resources can be listed", model.UnitCredits))
	}
	listed, err := tx.ListedQuota(ctx, res.ID)
	if err != nil {
		return err
	}
	sold, err := tx.AllocatedQuota(ctx, res.ID)
	if err != nil {
		return err
	}
	committed := listed.Sub(released).Add(sold)
	if committed.Add(l.AvailableQuota).GreaterThan(res.CurrentQuota) {
		return fmt.Errorf("%w: resource %s has %s, already committed %s", model.ErrInsufficientQuota,
			res.ID, res.CurrentQuota.StringFixed(model.Scale), committed.StringFixed(model.Scale))
	}
	return nil
}

func (m *Market) receipt(ctx context.Context, tx store.Tx, scope, ownerID, ref, entityID, digest string) error {
	if ref == "" {
		return nil
	}
	return tx.PutReceipt(ctx, store.Receipt{
		Scope: scope, OwnerID: ownerID, ReferenceID: ref,
		EntityID: entityID, Digest: digest, CreatedAt: m.now(),
	})
}

// SetListingStatus toggles a listing between active and paused.
func (m *Market) SetListingStatus(ctx context.Context, sellerID, listingID string, status model.ListingStatus, ref string) (model.Listing, error) {
	if status != model.ListingStatusActive && status != model.ListingStatusPaused {
		return model.Listing{}, model.NewValidationError("status", fmt.Sprintf("cannot set status %q", status))
	}
	keys := []string{store.ListingKey(listingID)}
	if ref != "" {
		keys = append(keys, store.ReceiptKey(store.ScopeListingStatus, sellerID, ref))
	}
	digest := listingID + "|" + string(status)

	var l model.Listing
	err := m.store.Atomic(ctx, keys, func(tx store.Tx) error {
		var err error
		l, err = m.own(ctx, tx, sellerID, listingID)
		if err != nil {
			return err
		}
		if ref != "" {
			_, ok, err := store.Recall(ctx, tx, store.ScopeListingStatus, sellerID, ref, digest)
			if err != nil || ok {
				return err
			}
		}
		switch l.Status {
		case model.ListingStatusOutOfStock:
			return fmt.Errorf("%w: %s is out of stock", model.ErrListingInactive, listingID)
		case model.ListingStatusDeleted:
			return fmt.Errorf("%w: %s is deleted", model.ErrListingInactive, listingID)
		}
		l.Status = status
		l.UpdatedAt = m.now()
		if err := tx.PutListing(ctx, l); err != nil {
			return err
		}
		return m.receipt(ctx, tx, store.ScopeListingStatus, sellerID, ref, l.ID, digest)
	})
	if err != nil {
		return model.Listing{}, err
	}
	return l, nil
}

type UpdateRequest struct {
	SellerID       string
	ListingID      string
	Title          *string
	PricePerUnit   *decimal.Decimal
	AvailableQuota *decimal.Decimal
	MinPurchase    *decimal.Decimal
	ReferenceID    string
}

func (req UpdateRequest) digest() string {
	d := req.ListingID
	if req.Title != nil {
		d += "|t:" + *req.Title
	}
	for _, v := range []struct {
		tag string
		val *decimal.Decimal
	}{{"p", req.PricePerUnit}, {"q", req.AvailableQuota}, {"m", req.MinPurchase}} {
		if v.val != nil {
			d += "|" + v.tag + ":" + model.Round(*v.val).StringFixed(model.Scale)
		}
	}
	return d
}

// UpdateListing changes the terms of a listing. New prices apply to later
// purchases only; raising the available quota is checked against the
// backing resource.
func (m *Market) UpdateListing(ctx context.Context, req UpdateRequest) (model.Listing, error) {
	switch {
	case req.PricePerUnit != nil && !model.Round(*req.PricePerUnit).IsPositive():
		return model.Listing{}, model.NewValidationError("price_per_unit", "must be positive")
	case req.AvailableQuota != nil && !model.Round(*req.AvailableQuota).IsPositive():
		return model.Listing{}, model.NewValidationError("available_quota", "must be positive")
	case req.MinPurchase != nil && !model.Round(*req.MinPurchase).IsPositive():
		return model.Listing{}, model.NewValidationError("min_purchase", "must be positive")
	}

	// ключ ресурса нужен для проверки покрытия
	current, err := m.GetListing(ctx, req.ListingID)
	if err != nil {
		return model.Listing{}, err
	}
	keys := []string{store.ListingKey(req.ListingID), store.ResourceKey(current.ResourceID)}
	if current.ResourceID == "" {
		keys = keys[:1]
	}
	if req.ReferenceID != "" {
		keys = append(keys, store.ReceiptKey(store.ScopeListingUpdate, req.SellerID, req.ReferenceID))
	}

	var l model.Listing
	err = m.store.Atomic(ctx, keys, func(tx store.Tx) error {
		var err error
		l, err = m.own(ctx, tx, req.SellerID, req.ListingID)
		if err != nil {
			return err
		}
		if req.ReferenceID != "" {
			_, ok, err := store.Recall(ctx, tx, store.ScopeListingUpdate, req.SellerID, req.ReferenceID, req.digest())
			if err != nil || ok {
				return err
			}
		}
		if l.Status == model.ListingStatusDeleted {
			return fmt.Errorf("%w: %s is deleted", model.ErrListingInactive, l.ID)
		}

		before := l
		if req.Title != nil {
			l.Title = *req.Title
		}
		if req.PricePerUnit != nil {
			l.PricePerUnit = model.Round(*req.PricePerUnit)
		}
		if req.MinPurchase != nil {
			l.MinPurchase = model.Round(*req.MinPurchase)
		}
		if req.AvailableQuota != nil {
			l.AvailableQuota = model.Round(*req.AvailableQuota)
			l.TotalQuota = l.TotalSales.Add(l.AvailableQuota)
			if l.Status == model.ListingStatusOutOfStock {
				l.Status = model.ListingStatusActive
			}
		}
		if (req.MinPurchase != nil || req.AvailableQuota != nil) && l.MinPurchase.GreaterThan(l.AvailableQuota) {
			return model.NewValidationError("min_purchase", "must not exceed available quota")
		}

		if l.ResourceID != "" && l.AvailableQuota.GreaterThan(before.AvailableQuota) {
			held := before.AvailableQuota
			if before.Status == model.ListingStatusOutOfStock {
				held = decimal.Zero
			}
			if err := m.checkBacking(ctx, tx, l, held); err != nil {
				return err
			}
		}
		l.UpdatedAt = m.now()
		if err := tx.PutListing(ctx, l); err != nil {
			return err
		}
		return m.receipt(ctx, tx, store.ScopeListingUpdate, req.SellerID, req.ReferenceID, l.ID, req.digest())
	})
	if err != nil {
		return model.Listing{}, err
	}
	return l, nil
}

// DeleteListing withdraws a listing. Allocations already sold stay usable.
func (m *Market) DeleteListing(ctx context.Context, sellerID, listingID string) (model.Listing, error) {
	var l model.Listing
	err := m.store.Atomic(ctx, []string{store.ListingKey(listingID)}, func(tx store.Tx) error {
		var err error
		l, err = m.own(ctx, tx, sellerID, listingID)
		if err != nil || l.Status == model.ListingStatusDeleted {
			return err
		}
		l.Status = model.ListingStatusDeleted
		l.UpdatedAt = m.now()
		return tx.PutListing(ctx, l)
	})
	if err != nil {
		return model.Listing{}, err
	}
	m.zaplog.Info("listing deleted", zap.String("listing", l.ID), zap.String("seller", l.SellerID))
	return l, nil
}

type PurchaseRequest struct {
	BuyerID       string
	ListingID     string
	CreditsAmount decimal.Decimal
	ReferenceID   string
}

// Purchase settles a quota purchase: buyer debit, listing decrement,
// seller and platform credit and the order are one unit.
func (m *Market) Purchase(ctx context.Context, req PurchaseRequest) (model.PurchaseOrder, error) {
	amount := model.Round(req.CreditsAmount)
	if req.BuyerID == "" {
		return model.PurchaseOrder{}, model.NewValidationError("buyer_id", "must not be empty")
	}
	if !amount.IsPositive() {
		return model.PurchaseOrder{}, model.NewValidationError("credits_amount", "must be positive")
	}

	// продавец нужен заранее: его счет входит в ключи единицы
	listing, err := m.GetListing(ctx, req.ListingID)
	if err != nil {
		return model.PurchaseOrder{}, err
	}

	orderID := uuid.NewString()
	keys := []string{
		store.AccountKey(req.BuyerID),
		store.AccountKey(listing.SellerID),
		store.AccountKey(m.platform),
		store.ListingKey(listing.ID),
		store.OrderKey(orderID),
	}
	if listing.ResourceID != "" {
		keys = append(keys, store.ResourceKey(listing.ResourceID))
	}

	var (
		order  model.PurchaseOrder
		posted []model.Transaction
		fresh  bool
	)
	err = m.store.Atomic(ctx, keys, func(tx store.Tx) error {
		if req.ReferenceID != "" {
			prev, err := tx.OrderByRef(ctx, req.BuyerID, req.ReferenceID)
			if err == nil {
				order = prev
				return nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}

		l, err := m.get(ctx, tx, listing.ID)
		if err != nil {
			return err
		}
		switch {
		case l.Status != model.ListingStatusActive:
			return fmt.Errorf("%w: %s is %s", model.ErrListingInactive, l.ID, l.Status)
		case l.SellerID == req.BuyerID:
			return model.NewValidationError("listing_id", "cannot buy your own listing")
		case amount.LessThan(l.MinPurchase):
			return model.NewValidationError("credits_amount",
				fmt.Sprintf("minimum purchase is %s", l.MinPurchase.StringFixed(model.Scale)))
		case amount.GreaterThan(l.AvailableQuota):
			return fmt.Errorf("%w: listing %s has %s available", model.ErrInsufficientQuota,
				l.ID, l.AvailableQuota.StringFixed(model.Scale))
		}
		if l.ResourceID != "" {
			if err := m.checkServable(ctx, tx, l.ResourceID, amount); err != nil {
				return err
			}
		}

		fee := model.Round(amount.Mul(m.feeRate))
		revenue := amount.Sub(fee)
		units := amount.Mul(decimal.NewFromInt(model.TokensPerPriceUnit)).Div(l.PricePerUnit).Floor().IntPart()
		now := m.now()

		postings := []ledger.PostRequest{
			{AccountID: req.BuyerID, Amount: amount.Neg(), Type: model.TxPurchase,
				Description: fmt.Sprintf("marketplace purchase: %s", l.Title), ReferenceID: "purchase:" + orderID},
			{AccountID: l.SellerID, Amount: revenue, Type: model.TxSale,
				Description: fmt.Sprintf("marketplace sale: %s", l.Title), ReferenceID: "sale:" + orderID},
			{AccountID: m.platform, Amount: fee, Type: model.TxSale,
				Description: fmt.Sprintf("marketplace fee: %s", l.Title), ReferenceID: "fee:" + orderID},
		}
		for _, p := range postings {
			if !p.Amount.IsPositive() && p.Type == model.TxSale {
				continue
			}
			t, _, err := m.ledger.PostTx(ctx, tx, p)
			if err != nil {
				return err
			}
			posted = append(posted, t)
		}

		l.AvailableQuota = l.AvailableQuota.Sub(amount)
		l.TotalSales = l.TotalSales.Add(amount)
		l.TotalOrders++
		if l.AvailableQuota.IsZero() {
			l.Status = model.ListingStatusOutOfStock
		}
		l.UpdatedAt = now
		if err := tx.PutListing(ctx, l); err != nil {
			return err
		}

		order = model.PurchaseOrder{
			ID:             orderID,
			BuyerID:        req.BuyerID,
			SellerID:       l.SellerID,
			ListingID:      l.ID,
			ResourceID:     l.ResourceID,
			CreditsAmount:  amount,
			PricePerUnit:   l.PricePerUnit,
			UnitsGranted:   units,
			UnitsRemaining: units,
			SellerRevenue:  revenue,
			PlatformFee:    fee,
			Status:         model.PurchaseOrderStatusCompleted,
			ReferenceID:    req.ReferenceID,
			CreatedAt:      now,
			CompletedAt:    now,
		}
		fresh = true
		return tx.PutOrder(ctx, order)
	})
	if err != nil {
		m.zaplog.Debug("purchase rejected",
			zap.String("buyer", req.BuyerID),
			zap.String("listing", req.ListingID),
			zap.Error(err),
		)
		return model.PurchaseOrder{}, err
	}

	if fresh {
		m.ledger.Published(posted...)
		m.zaplog.Info("purchase completed",
			zap.String("order", order.ID),
			zap.String("buyer", order.BuyerID),
			zap.String("seller", order.SellerID),
			zap.String("amount", order.CreditsAmount.StringFixed(model.Scale)),
			zap.Int64("units", order.UnitsGranted),
		)
		events.Emit(m.events, m.zaplog, events.SubjectOrderCompleted, order)
	}
	return order, nil
}

// checkServable requires the backing resource to be active and able to
// serve what is already sold plus amount.
func (m *Market) checkServable(ctx context.Context, tx store.Tx, resourceID string, amount decimal.Decimal) error {
	res, err := tx.GetResource(ctx, resourceID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", model.ErrUnknownResource, resourceID)
	}
	if err != nil {
		return err
	}
	if res.Status != model.ResourceStatusActive {
		return fmt.Errorf("%w: %s is %s", model.ErrResourceInactive, res.ID, res.Status)
	}
	sold, err := tx.AllocatedQuota(ctx, res.ID)
	if err != nil {
		return err
	}
	if sold.Add(amount).GreaterThan(res.CurrentQuota) {
		return fmt.Errorf("%w: resource %s has %s, already sold %s", model.ErrInsufficientQuota,
			res.ID, res.CurrentQuota.StringFixed(model.Scale), sold.StringFixed(model.Scale))
	}
	return nil
}

func (m *Market) GetListing(ctx context.Context, listingID string) (model.Listing, error) {
	l, err := m.store.Listing(ctx, listingID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Listing{}, fmt.Errorf("%w: %s", model.ErrUnknownListing, listingID)
	}
	return l, err
}

func (m *Market) MyListings(ctx context.Context, sellerID string) ([]model.Listing, error) {
	all, err := m.store.Listings(ctx, store.ListingFilter{SellerID: sellerID})
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, l := range all {
		if l.Status != model.ListingStatusDeleted {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *Market) ActiveListings(ctx context.Context) ([]model.Listing, error) {
	return m.store.Listings(ctx, store.ListingFilter{Status: model.ListingStatusActive})
}

func (m *Market) Orders(ctx context.Context, filter store.OrderFilter) ([]model.PurchaseOrder, error) {
	return m.store.Orders(ctx, filter)
}

// Order returns an order to its buyer or seller.
func (m *Market) Order(ctx context.Context, accountID, orderID string) (model.PurchaseOrder, error) {
	o, err := m.store.Order(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return model.PurchaseOrder{}, fmt.Errorf("%w: %s", model.ErrUnknownOrder, orderID)
	}
	if err != nil {
		return model.PurchaseOrder{}, err
	}
	if o.BuyerID != accountID && o.SellerID != accountID {
		return model.PurchaseOrder{}, fmt.Errorf("%w: order %s", model.ErrForbidden, orderID)
	}
	return o, nil
}

type Stats struct {
	ActiveListings int             `json:"active_listings"`
	Sellers        int             `json:"sellers"`
	ActiveModels   int             `json:"active_models"`
	Orders         int             `json:"orders"`
	Volume         decimal.Decimal `json:"volume"`
	PlatformFees   decimal.Decimal `json:"platform_fees"`
}

func (m *Market) Stats(ctx context.Context) (Stats, error) {
	listings, err := m.store.Listings(ctx, store.ListingFilter{})
	if err != nil {
		return Stats{}, err
	}
	orders, err := m.store.Orders(ctx, store.OrderFilter{Status: model.PurchaseOrderStatusCompleted})
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Orders: len(orders), Volume: decimal.Zero, PlatformFees: decimal.Zero}
	sellers := make(map[string]struct{})
	models := make(map[string]struct{})
	for _, l := range listings {
		if l.Status == model.ListingStatusDeleted {
			continue
		}
		sellers[l.SellerID] = struct{}{}
		if l.Status == model.ListingStatusActive {
			stats.ActiveListings++
			models[l.ModelID] = struct{}{}
		}
	}
	for _, o := range orders {
		stats.Volume = stats.Volume.Add(o.CreditsAmount)
		stats.PlatformFees = stats.PlatformFees.Add(o.PlatformFee)
	}
	stats.Sellers = len(sellers)
	stats.ActiveModels = len(models)
	return stats, nil
}

func (m *Market) own(ctx context.Context, tx store.Tx, sellerID, listingID string) (model.Listing, error) {
	l, err := m.get(ctx, tx, listingID)
	if err != nil {
		return model.Listing{}, err
	}
	if l.SellerID != sellerID {
		return model.Listing{}, fmt.Errorf("%w: listing %s", model.ErrForbidden, listingID)
	}
	return l, nil
}

func (m *Market) get(ctx context.Context, tx store.Tx, listingID string) (model.Listing, error) {
	l, err := tx.GetListing(ctx, listingID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Listing{}, fmt.Errorf("%w: %s", model.ErrUnknownListing, listingID)
	}
	return l, err
}
