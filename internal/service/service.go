package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iurnickita/creditledger/internal/crypto"
	"github.com/iurnickita/creditledger/internal/events"
	"github.com/iurnickita/creditledger/internal/ledger"
	"github.com/iurnickita/creditledger/internal/market"
	"github.com/iurnickita/creditledger/internal/metering"
	"github.com/iurnickita/creditledger/internal/model"
	"github.com/iurnickita/creditledger/internal/pool"
	"github.com/iurnickita/creditledger/internal/ratelimit"
	"github.com/iurnickita/creditledger/internal/service/config"
	"github.com/iurnickita/creditledger/internal/service/verifyclient"
	"github.com/iurnickita/creditledger/internal/store"
)

// Caller is the authenticated identity behind a request.
type Caller struct {
	ID    string
	Admin bool
}

type Service interface {
	// Кредиты
	GetBalance(ctx context.Context, caller Caller) (model.Account, error)
	GetTransactions(ctx context.Context, caller Caller, limit, offset int) ([]model.Transaction, error)
	Transfer(ctx context.Context, caller Caller, req ledger.TransferRequest) (ledger.TransferResult, error)
	Deposit(ctx context.Context, caller Caller, accountID string, amount decimal.Decimal, description, referenceID string) (model.Transaction, error)
	Adjust(ctx context.Context, caller Caller, accountID string, amount decimal.Decimal, description, referenceID string) (model.Transaction, error)
	SetUnlimited(ctx context.Context, caller Caller, accountID string, unlimited bool) (model.Account, error)
	Replay(ctx context.Context, caller Caller, accountID string) (decimal.Decimal, error)
	AccountBalance(ctx context.Context, caller Caller, accountID string) (model.Account, error)
	AccountTransactions(ctx context.Context, caller Caller, accountID string, limit, offset int) ([]model.Transaction, error)
	CreditStats(ctx context.Context, caller Caller) (ledger.Stats, error)

	// Списание за запросы
	Meter(ctx context.Context, caller Caller, req metering.MeterRequest) (model.Transaction, error)
	Reserve(ctx context.Context, caller Caller, req metering.ReserveRequest) (model.Reservation, error)
	Settle(ctx context.Context, caller Caller, reservationID string, actualCost decimal.Decimal) (model.Reservation, error)
	Release(ctx context.Context, caller Caller, reservationID string) (model.Reservation, error)
	MeterPool(ctx context.Context, caller Caller, req metering.PoolMeterRequest) (metering.PoolMeterResult, error)
	MeterAllocation(ctx context.Context, caller Caller, req metering.AllocationRequest) (model.PurchaseOrder, error)

	// Пул ресурсов
	DepositResource(ctx context.Context, caller Caller, req pool.DepositRequest) (model.ResourceDeposit, error)
	VerifyResource(ctx context.Context, caller Caller, resourceID string) (model.ResourceDeposit, error)
	TopUpResource(ctx context.Context, caller Caller, resourceID string, units decimal.Decimal, referenceID string) (model.ResourceDeposit, error)
	ApproveResource(ctx context.Context, caller Caller, resourceID string) (model.ResourceDeposit, error)
	RejectResource(ctx context.Context, caller Caller, resourceID, reason string) (model.ResourceDeposit, error)
	ReportFailure(ctx context.Context, caller Caller, resourceID string) (model.ResourceDeposit, error)
	ReportSuccess(ctx context.Context, caller Caller, resourceID string) (model.ResourceDeposit, error)
	ReactivateResource(ctx context.Context, caller Caller, resourceID string) (model.ResourceDeposit, error)
	AllResources(ctx context.Context, caller Caller, status model.ResourceStatus) ([]model.ResourceDeposit, error)
	PoolStats(ctx context.Context) (pool.Stats, error)
	MyContributions(ctx context.Context, caller Caller) (pool.Contributions, error)
	MyResources(ctx context.Context, caller Caller) ([]model.ResourceDeposit, error)

	// Маркетплейс
	ListResource(ctx context.Context, caller Caller, req market.ListRequest) (model.Listing, error)
	SetListingStatus(ctx context.Context, caller Caller, listingID string, status model.ListingStatus, referenceID string) (model.Listing, error)
	UpdateListing(ctx context.Context, caller Caller, req market.UpdateRequest) (model.Listing, error)
	DeleteListing(ctx context.Context, caller Caller, listingID string) (model.Listing, error)
	Purchase(ctx context.Context, caller Caller, req market.PurchaseRequest) (model.PurchaseOrder, error)
	MyListings(ctx context.Context, caller Caller) ([]model.Listing, error)
	ActiveListings(ctx context.Context) ([]model.Listing, error)
	Orders(ctx context.Context, caller Caller, role string, limit, offset int) ([]model.PurchaseOrder, error)
	Order(ctx context.Context, caller Caller, orderID string) (model.PurchaseOrder, error)
	MarketStats(ctx context.Context) (market.Stats, error)

	// Тарифы
	Catalog(ctx context.Context) ([]model.ModelPricing, error)
	SetPricing(ctx context.Context, caller Caller, p model.ModelPricing, cost metering.ProviderCost) (model.ModelPricing, error)

	Close()
}

const (
	RoleBuyer  = "buyer"
	RoleSeller = "seller"
)

type service struct {
	cfg     config.Config
	store   store.Store
	ledger  *ledger.Engine
	pool    *pool.Registry
	market  *market.Market
	meter   *metering.Meter
	gate    ratelimit.Gate
	verify  bool
	zaplog  *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
}

func NewService(cfg config.Config, st store.Store, pub events.Publisher, gate ratelimit.Gate, zaplog *zap.Logger) (Service, error) {
	if pub == nil {
		pub = events.Nop()
	}
	if gate == nil {
		gate = ratelimit.Nop()
	}

	policy := pool.DefaultRelease()
	if cfg.DepositFeeRate.IsPositive() {
		policy.FeeRate = cfg.DepositFeeRate
	}
	if cfg.DepositImmediateShare.IsPositive() {
		if cfg.DepositImmediateShare.GreaterThan(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("deposit immediate share %s is above 1", cfg.DepositImmediateShare)
		}
		policy.ImmediateShare = cfg.DepositImmediateShare
	}

	verifier := verifyclient.NewNopClient()
	if cfg.VerifyAddr != "" {
		verifier = verifyclient.NewVerifyClient(cfg.VerifyAddr)
	}

	led := ledger.NewEngine(st, pub, zaplog)
	reg := pool.NewRegistry(st, led, pool.Options{
		Sealer:           crypto.NewSealer(cfg.CredentialKey),
		Verifier:         verifier,
		Policy:           policy,
		FailureThreshold: cfg.FailureThreshold,
		Events:           pub,
	}, zaplog)
	mkt := market.NewMarket(st, led, market.Options{
		FeeRate:         cfg.PlatformFeeRate,
		PlatformAccount: cfg.PlatformAccount,
		Events:          pub,
	}, zaplog)

	ctx, cancel := context.WithCancel(context.Background())
	s := &service{
		cfg:    cfg,
		store:  st,
		ledger: led,
		pool:   reg,
		market: mkt,
		meter:  metering.NewMeter(st, led, reg, zaplog),
		gate:   gate,
		verify: cfg.VerifyAddr != "",
		zaplog: zaplog,
		ctx:    ctx,
		cancel: cancel,
	}
	if s.cfg.VerifyInterval <= 0 {
		s.cfg.VerifyInterval = 5 * time.Second
	}
	if s.cfg.VerifyAttempts <= 0 {
		s.cfg.VerifyAttempts = 12
	}
	return s, nil
}

// Close stops background verification and waits for it.
func (s *service) Close() {
	s.cancel()
	s.workers.Wait()
}

func (s *service) GetBalance(ctx context.Context, caller Caller) (model.Account, error) {
	if err := caller.check(); err != nil {
		return model.Account{}, err
	}
	acc, err := s.ledger.GetBalance(ctx, caller.ID)
	return acc, unavailable(err)
}

func (s *service) GetTransactions(ctx context.Context, caller Caller, limit, offset int) ([]model.Transaction, error) {
	if err := caller.check(); err != nil {
		return nil, err
	}
	ts, err := s.ledger.GetTransactions(ctx, caller.ID, limit, offset)
	return ts, unavailable(err)
}

func (s *service) Transfer(ctx context.Context, caller Caller, req ledger.TransferRequest) (ledger.TransferResult, error) {
	if err := caller.check(); err != nil {
		return ledger.TransferResult{}, err
	}
	req.From = caller.ID
	res, err := s.ledger.Transfer(ctx, req)
	return res, unavailable(err)
}

func (s *service) Deposit(ctx context.Context, caller Caller, accountID string, amount decimal.Decimal, description, referenceID string) (model.Transaction, error) {
	if err := caller.admin(); err != nil {
		return model.Transaction{}, err
	}
	t, err := s.ledger.Deposit(ctx, accountID, amount, description, referenceID)
	return t, unavailable(err)
}

func (s *service) Adjust(ctx context.Context, caller Caller, accountID string, amount decimal.Decimal, description, referenceID string) (model.Transaction, error) {
	if err := caller.admin(); err != nil {
		return model.Transaction{}, err
	}
	t, err := s.ledger.Adjust(ctx, accountID, amount, description, referenceID)
	return t, unavailable(err)
}

func (s *service) SetUnlimited(ctx context.Context, caller Caller, accountID string, unlimited bool) (model.Account, error) {
	if err := caller.admin(); err != nil {
		return model.Account{}, err
	}
	acc, err := s.ledger.SetUnlimited(ctx, accountID, unlimited)
	return acc, unavailable(err)
}

func (s *service) Replay(ctx context.Context, caller Caller, accountID string) (decimal.Decimal, error) {
	if err := caller.admin(); err != nil {
		return decimal.Zero, err
	}
	balance, err := s.ledger.Replay(ctx, accountID)
	if errors.Is(err, ledger.ErrReplayMismatch) {
		s.zaplog.Error("ledger replay mismatch", zap.String("account", accountID), zap.Error(err))
		return balance, err
	}
	return balance, unavailable(err)
}

func (s *service) AccountBalance(ctx context.Context, caller Caller, accountID string) (model.Account, error) {
	if err := caller.admin(); err != nil {
		return model.Account{}, err
	}
	acc, err := s.ledger.GetBalance(ctx, accountID)
	return acc, unavailable(err)
}

func (s *service) AccountTransactions(ctx context.Context, caller Caller, accountID string, limit, offset int) ([]model.Transaction, error) {
	if err := caller.admin(); err != nil {
		return nil, err
	}
	ts, err := s.ledger.GetTransactions(ctx, accountID, limit, offset)
	return ts, unavailable(err)
}

func (s *service) CreditStats(ctx context.Context, caller Caller) (ledger.Stats, error) {
	if err := caller.admin(); err != nil {
		return ledger.Stats{}, err
	}
	st, err := s.ledger.Stats(ctx)
	return st, unavailable(err)
}

// Meter prices the request, then consults the policy gate before the
// ledger is touched.
func (s *service) Meter(ctx context.Context, caller Caller, req metering.MeterRequest) (model.Transaction, error) {
	if err := caller.check(); err != nil {
		return model.Transaction{}, err
	}
	req.AccountID = caller.ID
	if _, err := s.meter.Cost(ctx, req.ModelID, req.InputTokens, req.OutputTokens, req.HasImage); err != nil {
		return model.Transaction{}, unavailable(err)
	}
	if err := s.allow(ctx, caller.ID, req.InputTokens+req.OutputTokens); err != nil {
		return model.Transaction{}, err
	}
	t, err := s.meter.Meter(ctx, req)
	return t, unavailable(err)
}

func (s *service) Reserve(ctx context.Context, caller Caller, req metering.ReserveRequest) (model.Reservation, error) {
	if err := caller.check(); err != nil {
		return model.Reservation{}, err
	}
	req.AccountID = caller.ID
	if err := s.allow(ctx, caller.ID, 0); err != nil {
		return model.Reservation{}, err
	}
	r, err := s.meter.Reserve(ctx, req)
	return r, unavailable(err)
}

func (s *service) Settle(ctx context.Context, caller Caller, reservationID string, actualCost decimal.Decimal) (model.Reservation, error) {
	if err := s.ownReservation(ctx, caller, reservationID); err != nil {
		return model.Reservation{}, err
	}
	r, err := s.meter.Settle(ctx, reservationID, actualCost)
	return r, unavailable(err)
}

func (s *service) Release(ctx context.Context, caller Caller, reservationID string) (model.Reservation, error) {
	if err := s.ownReservation(ctx, caller, reservationID); err != nil {
		return model.Reservation{}, err
	}
	r, err := s.meter.Release(ctx, reservationID)
	return r, unavailable(err)
}

func (s *service) MeterPool(ctx context.Context, caller Caller, req metering.PoolMeterRequest) (metering.PoolMeterResult, error) {
	if err := caller.check(); err != nil {
		return metering.PoolMeterResult{}, err
	}
	req.AccountID = caller.ID
	if _, err := s.meter.Cost(ctx, req.ModelID, req.InputTokens, req.OutputTokens, req.HasImage); err != nil {
		return metering.PoolMeterResult{}, unavailable(err)
	}
	if err := s.allow(ctx, caller.ID, req.InputTokens+req.OutputTokens); err != nil {
		return metering.PoolMeterResult{}, err
	}
	res, err := s.meter.MeterPool(ctx, req)
	return res, unavailable(err)
}

func (s *service) MeterAllocation(ctx context.Context, caller Caller, req metering.AllocationRequest) (model.PurchaseOrder, error) {
	if err := caller.check(); err != nil {
		return model.PurchaseOrder{}, err
	}
	req.AccountID = caller.ID
	if err := metering.CheckTokens(req.InputTokens, req.OutputTokens); err != nil {
		return model.PurchaseOrder{}, err
	}
	if err := s.allow(ctx, caller.ID, req.InputTokens+req.OutputTokens); err != nil {
		return model.PurchaseOrder{}, err
	}
	o, err := s.meter.MeterAllocation(ctx, req)
	return o, unavailable(err)
}

func (s *service) DepositResource(ctx context.Context, caller Caller, req pool.DepositRequest) (model.ResourceDeposit, error) {
	if err := caller.check(); err != nil {
		return model.ResourceDeposit{}, err
	}
	req.OwnerID = caller.ID
	res, err := s.pool.Deposit(ctx, req)
	if err != nil {
		return model.ResourceDeposit{}, unavailable(err)
	}

	if s.verify && res.DepositStatus == model.DepositStatusPending {
		s.workers.Add(1)
		go s.verifyProcessing(res.ID)
	}
	return res, nil
}

// verifyProcessing polls the verification service until it gives a final
// answer for the deposit.
func (s *service) verifyProcessing(resourceID string) {
	defer s.workers.Done()

	ticker := time.NewTicker(s.cfg.VerifyInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		res, err := s.pool.Verify(s.ctx, resourceID)
		switch {
		case err == nil:
			s.zaplog.Debug("deposit verified",
				zap.String("resource", resourceID),
				zap.String("deposit_status", string(res.DepositStatus)))
			return
		case !errors.Is(err, model.ErrServiceUnavailable):
			s.zaplog.Warn("deposit verification stopped", zap.String("resource", resourceID), zap.Error(err))
			return
		case attempt >= s.cfg.VerifyAttempts:
			s.zaplog.Warn("deposit left pending", zap.String("resource", resourceID), zap.Int("attempts", attempt))
			return
		}

		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *service) VerifyResource(ctx context.Context, caller Caller, resourceID string) (model.ResourceDeposit, error) {
	if err := caller.admin(); err != nil {
		return model.ResourceDeposit{}, err
	}
	res, err := s.pool.Verify(ctx, resourceID)
	return res, unavailable(err)
}

func (s *service) TopUpResource(ctx context.Context, caller Caller, resourceID string, units decimal.Decimal, referenceID string) (model.ResourceDeposit, error) {
	if err := caller.admin(); err != nil {
		return model.ResourceDeposit{}, err
	}
	res, err := s.pool.TopUp(ctx, resourceID, units, referenceID)
	return res, unavailable(err)
}

// ApproveResource and RejectResource decide a pending deposit by hand,
// without the verification service.
func (s *service) ApproveResource(ctx context.Context, caller Caller, resourceID string) (model.ResourceDeposit, error) {
	if err := caller.admin(); err != nil {
		return model.ResourceDeposit{}, err
	}
	res, err := s.pool.Approve(ctx, resourceID)
	return res, unavailable(err)
}

func (s *service) RejectResource(ctx context.Context, caller Caller, resourceID, reason string) (model.ResourceDeposit, error) {
	if err := caller.admin(); err != nil {
		return model.ResourceDeposit{}, err
	}
	res, err := s.pool.Reject(ctx, resourceID, reason)
	return res, unavailable(err)
}

func (s *service) ReportFailure(ctx context.Context, caller Caller, resourceID string) (model.ResourceDeposit, error) {
	if err := caller.admin(); err != nil {
		return model.ResourceDeposit{}, err
	}
	res, err := s.pool.ReportFailure(ctx, resourceID)
	return res, unavailable(err)
}

func (s *service) ReportSuccess(ctx context.Context, caller Caller, resourceID string) (model.ResourceDeposit, error) {
	if err := caller.admin(); err != nil {
		return model.ResourceDeposit{}, err
	}
	res, err := s.pool.ReportSuccess(ctx, resourceID)
	return res, unavailable(err)
}

func (s *service) ReactivateResource(ctx context.Context, caller Caller, resourceID string) (model.ResourceDeposit, error) {
	if err := caller.admin(); err != nil {
		return model.ResourceDeposit{}, err
	}
	res, err := s.pool.Reactivate(ctx, resourceID)
	return res, unavailable(err)
}

func (s *service) AllResources(ctx context.Context, caller Caller, status model.ResourceStatus) ([]model.ResourceDeposit, error) {
	if err := caller.admin(); err != nil {
		return nil, err
	}
	rs, err := s.pool.Resources(ctx, status)
	return rs, unavailable(err)
}

func (s *service) PoolStats(ctx context.Context) (pool.Stats, error) {
	st, err := s.pool.Stats(ctx)
	return st, unavailable(err)
}

func (s *service) MyContributions(ctx context.Context, caller Caller) (pool.Contributions, error) {
	if err := caller.check(); err != nil {
		return pool.Contributions{}, err
	}
	c, err := s.pool.MyContributions(ctx, caller.ID)
	return c, unavailable(err)
}

func (s *service) MyResources(ctx context.Context, caller Caller) ([]model.ResourceDeposit, error) {
	if err := caller.check(); err != nil {
		return nil, err
	}
	rs, err := s.pool.MyResources(ctx, caller.ID)
	return rs, unavailable(err)
}

func (s *service) ListResource(ctx context.Context, caller Caller, req market.ListRequest) (model.Listing, error) {
	if err := caller.check(); err != nil {
		return model.Listing{}, err
	}
	req.SellerID = caller.ID
	l, err := s.market.ListResource(ctx, req)
	return l, unavailable(err)
}

func (s *service) SetListingStatus(ctx context.Context, caller Caller, listingID string, status model.ListingStatus, referenceID string) (model.Listing, error) {
	if err := caller.check(); err != nil {
		return model.Listing{}, err
	}
	l, err := s.market.SetListingStatus(ctx, caller.ID, listingID, status, referenceID)
	return l, unavailable(err)
}

func (s *service) UpdateListing(ctx context.Context, caller Caller, req market.UpdateRequest) (model.Listing, error) {
	if err := caller.check(); err != nil {
		return model.Listing{}, err
	}
	req.SellerID = caller.ID
	l, err := s.market.UpdateListing(ctx, req)
	return l, unavailable(err)
}

func (s *service) DeleteListing(ctx context.Context, caller Caller, listingID string) (model.Listing, error) {
	if err := caller.check(); err != nil {
		return model.Listing{}, err
	}
	l, err := s.market.DeleteListing(ctx, caller.ID, listingID)
	return l, unavailable(err)
}

func (s *service) Purchase(ctx context.Context, caller Caller, req market.PurchaseRequest) (model.PurchaseOrder, error) {
	if err := caller.check(); err != nil {
		return model.PurchaseOrder{}, err
	}
	req.BuyerID = caller.ID
	o, err := s.market.Purchase(ctx, req)
	return o, unavailable(err)
}

func (s *service) MyListings(ctx context.Context, caller Caller) ([]model.Listing, error) {
	if err := caller.check(); err != nil {
		return nil, err
	}
	ls, err := s.market.MyListings(ctx, caller.ID)
	return ls, unavailable(err)
}

func (s *service) ActiveListings(ctx context.Context) ([]model.Listing, error) {
	ls, err := s.market.ActiveListings(ctx)
	return ls, unavailable(err)
}

func (s *service) Orders(ctx context.Context, caller Caller, role string, limit, offset int) ([]model.PurchaseOrder, error) {
	if err := caller.check(); err != nil {
		return nil, err
	}
	filter := store.OrderFilter{Limit: limit, Offset: offset}
	switch role {
	case "", RoleBuyer:
		filter.BuyerID = caller.ID
	case RoleSeller:
		filter.SellerID = caller.ID
	default:
		return nil, model.NewValidationError("role", "must be buyer or seller")
	}
	orders, err := s.market.Orders(ctx, filter)
	return orders, unavailable(err)
}

func (s *service) Order(ctx context.Context, caller Caller, orderID string) (model.PurchaseOrder, error) {
	if err := caller.check(); err != nil {
		return model.PurchaseOrder{}, err
	}
	o, err := s.market.Order(ctx, caller.ID, orderID)
	return o, unavailable(err)
}

func (s *service) MarketStats(ctx context.Context) (market.Stats, error) {
	st, err := s.market.Stats(ctx)
	return st, unavailable(err)
}

func (s *service) Catalog(ctx context.Context) ([]model.ModelPricing, error) {
	ps, err := s.meter.Catalog(ctx)
	return ps, unavailable(err)
}

// SetPricing stores a model price; rates left at zero are suggested from
// the provider cost when one is given.
func (s *service) SetPricing(ctx context.Context, caller Caller, p model.ModelPricing, cost metering.ProviderCost) (model.ModelPricing, error) {
	if err := caller.admin(); err != nil {
		return model.ModelPricing{}, err
	}
	p, err := s.meter.SetPricing(ctx, metering.WithSuggestedRates(p, cost))
	return p, unavailable(err)
}

func (s *service) allow(ctx context.Context, accountID string, tokens int64) error {
	err := s.gate.Allow(ctx, accountID, tokens)
	if err == nil || errors.Is(err, model.ErrRateLimited) {
		return err
	}
	// недоступность счётчиков не должна блокировать списания
	s.zaplog.Warn("rate gate unavailable", zap.String("account", accountID), zap.Error(err))
	return nil
}

func (s *service) ownReservation(ctx context.Context, caller Caller, reservationID string) error {
	if err := caller.check(); err != nil {
		return err
	}
	r, err := s.store.Reservation(ctx, reservationID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", model.ErrUnknownReservation, reservationID)
	}
	if err != nil {
		return unavailable(err)
	}
	if r.AccountID != caller.ID && !caller.Admin {
		return model.ErrForbidden
	}
	return nil
}

func (c Caller) check() error {
	if c.ID == "" {
		return model.NewValidationError("caller", "no identity")
	}
	return nil
}

func (c Caller) admin() error {
	if err := c.check(); err != nil {
		return err
	}
	if !c.Admin {
		return model.ErrForbidden
	}
	return nil
}

var domainErrors = []error{
	model.ErrInsufficientCredit,
	model.ErrInsufficientQuota,
	model.ErrDuplicateReference,
	model.ErrUnknownAccount,
	model.ErrUnknownListing,
	model.ErrUnknownResource,
	model.ErrUnknownOrder,
	model.ErrUnknownReservation,
	model.ErrUnknownModel,
	model.ErrListingInactive,
	model.ErrResourceInactive,
	model.ErrReservationClosed,
	model.ErrValidation,
	model.ErrForbidden,
	model.ErrRateLimited,
	model.ErrServiceUnavailable,
	ledger.ErrReplayMismatch,
}

// unavailable marks backend failures so transports can tell them from
// rejected operations.
func unavailable(err error) error {
	if err == nil {
		return nil
	}
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", model.ErrServiceUnavailable, err)
}
