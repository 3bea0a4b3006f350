package metering

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iurnickita/creditledger/internal/ledger"
	"github.com/iurnickita/creditledger/internal/model"
	"github.com/iurnickita/creditledger/internal/pool"
	"github.com/iurnickita/creditledger/internal/store"
)

// Meter turns token counts into credit postings.
type Meter struct {
	store  store.Store
	ledger *ledger.Engine
	pool   *pool.Registry
	zaplog *zap.Logger
	now    func() time.Time
}

func NewMeter(st store.Store, led *ledger.Engine, reg *pool.Registry, zaplog *zap.Logger) *Meter {
	return &Meter{
		store:  st,
		ledger: led,
		pool:   reg,
		zaplog: zaplog,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Тарифы

func (m *Meter) SetPricing(ctx context.Context, p model.ModelPricing) (model.ModelPricing, error) {
	p.ModelID = strings.TrimSpace(p.ModelID)
	switch {
	case p.ModelID == "":
		return model.ModelPricing{}, model.NewValidationError("model_id", "must not be empty")
	case p.InputRate.IsNegative() || p.OutputRate.IsNegative() || p.VisionSurcharge.IsNegative():
		return model.ModelPricing{}, model.NewValidationError("rate", "must not be negative")
	}
	if p.Tier == "" {
		p.Tier = DetectTier(p.ModelID, p.VisionSurcharge.IsPositive())
	}
	if _, ok := tierMultipliers[p.Tier]; !ok {
		return model.ModelPricing{}, model.NewValidationError("tier", fmt.Sprintf("unknown tier %q", p.Tier))
	}
	if p.ModelName == "" {
		p.ModelName = p.ModelID
	}
	p.InputRate = model.Round(p.InputRate)
	p.OutputRate = model.Round(p.OutputRate)
	p.VisionSurcharge = model.Round(p.VisionSurcharge)
	p.UpdatedAt = m.now()

	if err := m.store.PutPricing(ctx, p); err != nil {
		return model.ModelPricing{}, err
	}
	m.zaplog.Info("pricing updated",
		zap.String("model", p.ModelID),
		zap.String("tier", string(p.Tier)),
		zap.Bool("active", p.Active),
	)
	return p, nil
}

// Pricing returns the active pricing of a model.
func (m *Meter) Pricing(ctx context.Context, modelID string) (model.ModelPricing, error) {
	p, err := m.store.Pricing(ctx, modelID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !p.Active) {
		return model.ModelPricing{}, fmt.Errorf("%w: %s", model.ErrUnknownModel, modelID)
	}
	return p, err
}

func (m *Meter) Catalog(ctx context.Context) ([]model.ModelPricing, error) {
	return m.store.Catalog(ctx)
}

// MaxRequestTokens bounds each token count of one request.
const MaxRequestTokens int64 = 1_000_000_000_000

// CheckTokens validates token counts before anything sums or prices them.
func CheckTokens(inputTokens, outputTokens int64) error {
	switch {
	case inputTokens < 0 || outputTokens < 0:
		return model.NewValidationError("tokens", "must not be negative")
	case inputTokens > MaxRequestTokens || outputTokens > MaxRequestTokens:
		return model.NewValidationError("tokens", fmt.Sprintf("must not exceed %d per request", MaxRequestTokens))
	}
	return nil
}

// Cost prices a request against the catalog without charging anything.
func (m *Meter) Cost(ctx context.Context, modelID string, inputTokens, outputTokens int64, hasImage bool) (decimal.Decimal, error) {
	if err := CheckTokens(inputTokens, outputTokens); err != nil {
		return decimal.Zero, err
	}
	p, err := m.Pricing(ctx, modelID)
	if err != nil {
		return decimal.Zero, err
	}
	return Cost(p, inputTokens, outputTokens, hasImage), nil
}

type MeterRequest struct {
	AccountID    string
	ModelID      string
	InputTokens  int64
	OutputTokens int64
	HasImage     bool
	ReferenceID  string
}

func (req MeterRequest) describe(cost decimal.Decimal) string {
	d := fmt.Sprintf("%s: %d in + %d out tokens", req.ModelID, req.InputTokens, req.OutputTokens)
	if req.HasImage {
		d += " + image"
	}
	return d + fmt.Sprintf(" = %s credits", cost.StringFixed(model.Scale))
}

// Meter charges one completed request.
func (m *Meter) Meter(ctx context.Context, req MeterRequest) (model.Transaction, error) {
	cost, err := m.Cost(ctx, req.ModelID, req.InputTokens, req.OutputTokens, req.HasImage)
	if err != nil {
		return model.Transaction{}, err
	}
	if !cost.IsPositive() {
		return model.Transaction{}, model.NewValidationError("tokens", "request has nothing to charge")
	}
	return m.ledger.Post(ctx, ledger.PostRequest{
		AccountID:   req.AccountID,
		Amount:      cost.Neg(),
		Type:        model.TxConsumption,
		Description: req.describe(cost),
		ReferenceID: req.ReferenceID,
	})
}

// Резервирование

type ReserveRequest struct {
	AccountID     string
	ModelID       string
	EstimatedCost decimal.Decimal
	ReferenceID   string
}

// Reserve debits the estimate up front and records a held reservation.
func (m *Meter) Reserve(ctx context.Context, req ReserveRequest) (model.Reservation, error) {
	estimate := model.Round(req.EstimatedCost)
	if req.AccountID == "" {
		return model.Reservation{}, model.NewValidationError("account_id", "must not be empty")
	}
	if !estimate.IsPositive() {
		return model.Reservation{}, model.NewValidationError("estimated_cost", "must be positive")
	}
	if req.ModelID != "" {
		if _, err := m.Pricing(ctx, req.ModelID); err != nil {
			return model.Reservation{}, err
		}
	}

	now := m.now()
	r := model.Reservation{
		ID:          uuid.NewString(),
		AccountID:   req.AccountID,
		ModelID:     req.ModelID,
		Estimated:   estimate,
		Actual:      decimal.Zero,
		Status:      model.ReservationStatusHeld,
		ReferenceID: req.ReferenceID,
		CreatedAt:   now,
	}

	var (
		posted model.Transaction
		fresh  bool
	)
	keys := []string{store.AccountKey(req.AccountID), store.ReservationKey(r.ID)}
	err := m.store.Atomic(ctx, keys, func(tx store.Tx) error {
		if req.ReferenceID != "" {
			prev, err := tx.ReservationByRef(ctx, req.AccountID, req.ReferenceID)
			if err == nil {
				r = prev
				return nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		var err error
		posted, fresh, err = m.ledger.PostTx(ctx, tx, ledger.PostRequest{
			AccountID:   r.AccountID,
			Amount:      estimate.Neg(),
			Type:        model.TxConsumption,
			Description: fmt.Sprintf("reservation %s", r.ID),
			ReferenceID: "reserve:" + r.ID,
		})
		if err != nil {
			return err
		}
		return tx.PutReservation(ctx, r)
	})
	if err != nil {
		return model.Reservation{}, err
	}
	if fresh {
		m.ledger.Published(posted)
	}
	return r, nil
}

// Settle closes a held reservation at the actual cost, refunding or
// charging the difference. A failed extra charge leaves it held.
func (m *Meter) Settle(ctx context.Context, reservationID string, actualCost decimal.Decimal) (model.Reservation, error) {
	actual := model.Round(actualCost)
	if actual.IsNegative() {
		return model.Reservation{}, model.NewValidationError("actual_cost", "must not be negative")
	}
	return m.close(ctx, reservationID, func(r model.Reservation) (model.Reservation, *ledger.PostRequest, error) {
		if r.Status != model.ReservationStatusHeld {
			if r.Status == model.ReservationStatusSettled && r.Actual.Equal(actual) {
				return r, nil, nil
			}
			return r, nil, fmt.Errorf("%w: %s is %s", model.ErrReservationClosed, r.ID, r.Status)
		}

		var post *ledger.PostRequest
		diff := actual.Sub(r.Estimated)
		switch {
		case diff.IsNegative():
			post = &ledger.PostRequest{
				AccountID: r.AccountID, Amount: diff.Neg(), Type: model.TxRefund,
				Description: fmt.Sprintf("reservation %s settled below estimate", r.ID),
				ReferenceID: "settle:" + r.ID,
			}
		case diff.IsPositive():
			post = &ledger.PostRequest{
				AccountID: r.AccountID, Amount: diff.Neg(), Type: model.TxConsumption,
				Description: fmt.Sprintf("reservation %s settled above estimate", r.ID),
				ReferenceID: "settle:" + r.ID,
			}
		}
		r.Actual = actual
		r.Status = model.ReservationStatusSettled
		return r, post, nil
	})
}

// Release refunds the whole estimate.
func (m *Meter) Release(ctx context.Context, reservationID string) (model.Reservation, error) {
	return m.close(ctx, reservationID, func(r model.Reservation) (model.Reservation, *ledger.PostRequest, error) {
		switch r.Status {
		case model.ReservationStatusReleased:
			return r, nil, nil
		case model.ReservationStatusSettled:
			return r, nil, fmt.Errorf("%w: %s is %s", model.ErrReservationClosed, r.ID, r.Status)
		}
		post := &ledger.PostRequest{
			AccountID: r.AccountID, Amount: r.Estimated, Type: model.TxRefund,
			Description: fmt.Sprintf("reservation %s released", r.ID),
			ReferenceID: "release:" + r.ID,
		}
		r.Actual = decimal.Zero
		r.Status = model.ReservationStatusReleased
		return r, post, nil
	})
}

func (m *Meter) close(ctx context.Context, reservationID string,
	fn func(r model.Reservation) (model.Reservation, *ledger.PostRequest, error)) (model.Reservation, error) {
	held, err := m.store.Reservation(ctx, reservationID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Reservation{}, fmt.Errorf("%w: %s", model.ErrUnknownReservation, reservationID)
	}
	if err != nil {
		return model.Reservation{}, err
	}

	var (
		r      model.Reservation
		posted model.Transaction
		fresh  bool
	)
	keys := []string{store.AccountKey(held.AccountID), store.ReservationKey(reservationID)}
	err = m.store.Atomic(ctx, keys, func(tx store.Tx) error {
		cur, err := tx.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		before := cur.Status
		var post *ledger.PostRequest
		r, post, err = fn(cur)
		if err != nil || r.Status == before {
			return err
		}
		if post != nil {
			posted, fresh, err = m.ledger.PostTx(ctx, tx, *post)
			if err != nil {
				return err
			}
		}
		r.SettledAt = m.now()
		return tx.PutReservation(ctx, r)
	})
	if err != nil {
		return model.Reservation{}, err
	}
	if fresh {
		m.ledger.Published(posted)
	}
	return r, nil
}

// Пул и купленные пакеты

type PoolMeterRequest struct {
	AccountID    string
	ResourceID   string
	ModelID      string
	InputTokens  int64
	OutputTokens int64
	HasImage     bool
	ReferenceID  string
}

type PoolMeterResult struct {
	Transaction model.Transaction     `json:"transaction"`
	Resource    model.ResourceDeposit `json:"resource"`
}

// MeterPool charges a request served from a pooled resource: the account
// pays the cost and the resource quota drops by the same amount.
func (m *Meter) MeterPool(ctx context.Context, req PoolMeterRequest) (PoolMeterResult, error) {
	cost, err := m.Cost(ctx, req.ModelID, req.InputTokens, req.OutputTokens, req.HasImage)
	if err != nil {
		return PoolMeterResult{}, err
	}
	if !cost.IsPositive() {
		return PoolMeterResult{}, model.NewValidationError("tokens", "request has nothing to charge")
	}

	var (
		res   PoolMeterResult
		fresh bool
	)
	keys := []string{store.AccountKey(req.AccountID), store.ResourceKey(req.ResourceID)}
	err = m.store.Atomic(ctx, keys, func(tx store.Tx) error {
		var err error
		res.Transaction, fresh, err = m.ledger.PostTx(ctx, tx, ledger.PostRequest{
			AccountID:   req.AccountID,
			Amount:      cost.Neg(),
			Type:        model.TxConsumption,
			Description: MeterRequest{ModelID: req.ModelID, InputTokens: req.InputTokens, OutputTokens: req.OutputTokens, HasImage: req.HasImage}.describe(cost),
			ReferenceID: req.ReferenceID,
		})
		if err != nil || !fresh {
			return err
		}
		res.Resource, err = m.pool.ConsumeTx(ctx, tx, req.ResourceID, cost)
		return err
	})
	if err != nil {
		return PoolMeterResult{}, err
	}
	if fresh {
		m.ledger.Published(res.Transaction)
	} else {
		res.Resource, err = m.pool.Resource(ctx, req.ResourceID)
		if err != nil {
			return PoolMeterResult{}, err
		}
	}
	return res, nil
}

type AllocationRequest struct {
	AccountID    string
	OrderID      string
	InputTokens  int64
	OutputTokens int64
	ReferenceID  string
}

// MeterAllocation serves a request from a purchased allocation. The order
// loses the tokens and the backing resource loses their listed value; no
// credits move. A repeated reference returns the order without drawing
// the tokens again.
func (m *Meter) MeterAllocation(ctx context.Context, req AllocationRequest) (model.PurchaseOrder, error) {
	if err := CheckTokens(req.InputTokens, req.OutputTokens); err != nil {
		return model.PurchaseOrder{}, err
	}
	tokens := req.InputTokens + req.OutputTokens
	if tokens == 0 {
		return model.PurchaseOrder{}, model.NewValidationError("tokens", "request has no tokens")
	}

	order, err := m.store.Order(ctx, req.OrderID)
	if errors.Is(err, store.ErrNotFound) {
		return model.PurchaseOrder{}, fmt.Errorf("%w: %s", model.ErrUnknownOrder, req.OrderID)
	}
	if err != nil {
		return model.PurchaseOrder{}, err
	}

	keys := []string{store.OrderKey(order.ID)}
	if order.ResourceID != "" {
		keys = append(keys, store.ResourceKey(order.ResourceID))
	}
	if req.ReferenceID != "" {
		keys = append(keys, store.ReceiptKey(store.ScopeAllocation, order.ID, req.ReferenceID))
	}
	digest := fmt.Sprintf("%d|%d", req.InputTokens, req.OutputTokens)
	fresh := false
	err = m.store.Atomic(ctx, keys, func(tx store.Tx) error {
		var err error
		order, err = tx.GetOrder(ctx, req.OrderID)
		if err != nil {
			return err
		}
		if order.BuyerID != req.AccountID {
			return fmt.Errorf("%w: order %s", model.ErrForbidden, order.ID)
		}
		if req.ReferenceID != "" {
			_, ok, err := store.Recall(ctx, tx, store.ScopeAllocation, order.ID, req.ReferenceID, digest)
			if err != nil || ok {
				return err
			}
		}
		if order.Status != model.PurchaseOrderStatusCompleted {
			return fmt.Errorf("%w: order %s is %s", model.ErrUnknownOrder, order.ID, order.Status)
		}
		if order.UnitsRemaining < tokens {
			return fmt.Errorf("%w: order %s has %d tokens left, requested %d",
				model.ErrInsufficientQuota, order.ID, order.UnitsRemaining, tokens)
		}
		order.UnitsUsed += tokens
		order.UnitsRemaining -= tokens

		if order.ResourceID != "" {
			if value := model.TokenValue(tokens, order.PricePerUnit); value.IsPositive() {
				if _, err := m.pool.ConsumeTx(ctx, tx, order.ResourceID, value); err != nil {
					return err
				}
			}
		}
		if err := tx.PutOrder(ctx, order); err != nil {
			return err
		}
		fresh = true
		if req.ReferenceID == "" {
			return nil
		}
		return tx.PutReceipt(ctx, store.Receipt{
			Scope: store.ScopeAllocation, OwnerID: order.ID, ReferenceID: req.ReferenceID,
			EntityID: order.ID, Digest: digest, CreatedAt: m.now(),
		})
	})
	if err != nil {
		return model.PurchaseOrder{}, err
	}
	if fresh {
		m.zaplog.Debug("allocation metered",
			zap.String("order", order.ID),
			zap.Int64("tokens", tokens),
			zap.Int64("remaining", order.UnitsRemaining),
		)
	}
	return order, nil
}
