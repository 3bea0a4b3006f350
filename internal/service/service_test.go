package service

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iurnickita/creditledger/internal/ledger"
	"github.com/iurnickita/creditledger/internal/market"
	"github.com/iurnickita/creditledger/internal/metering"
	"github.com/iurnickita/creditledger/internal/model"
	"github.com/iurnickita/creditledger/internal/pool"
	"github.com/iurnickita/creditledger/internal/ratelimit"
	"github.com/iurnickita/creditledger/internal/service/config"
	"github.com/iurnickita/creditledger/internal/store/memory"
)

var (
	admin = Caller{ID: "root", Admin: true}
	alice = Caller{ID: "alice"}
	bob   = Caller{ID: "bob"}
)

type gateFunc func(ctx context.Context, accountID string, tokens int64) error

func (f gateFunc) Allow(ctx context.Context, accountID string, tokens int64) error {
	return f(ctx, accountID, tokens)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestService(t *testing.T, gate ratelimit.Gate) Service {
	t.Helper()
	s, err := NewService(config.Config{}, memory.New(), nil, gate, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(s.Close)

	ctx := context.Background()
	_, err = s.SetPricing(ctx, admin, model.ModelPricing{
		ModelID: "gpt-4o", InputRate: dec("2"), OutputRate: dec("6"), Active: true,
	}, metering.ProviderCost{})
	require.NoError(t, err)
	return s
}

func TestPrivilegedOperations(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, nil)

	_, err := s.Deposit(ctx, alice, "alice", dec("100"), "", "")
	require.ErrorIs(t, err, model.ErrForbidden)
	_, err = s.Adjust(ctx, alice, "alice", dec("100"), "", "")
	require.ErrorIs(t, err, model.ErrForbidden)
	_, err = s.SetUnlimited(ctx, alice, "alice", true)
	require.ErrorIs(t, err, model.ErrForbidden)
	_, err = s.SetPricing(ctx, alice, model.ModelPricing{ModelID: "x", InputRate: dec("1"), OutputRate: dec("1"), Active: true}, metering.ProviderCost{})
	require.ErrorIs(t, err, model.ErrForbidden)

	_, err = s.Deposit(ctx, admin, "alice", dec("100"), "grant", "g-1")
	require.NoError(t, err)

	acc, err := s.GetBalance(ctx, alice)
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(dec("100")))

	balance, err := s.Replay(ctx, admin, "alice")
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("100")))

	_, err = s.GetBalance(ctx, Caller{})
	require.ErrorIs(t, err, model.ErrValidation)
}

func TestMeterUsesCaller(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, nil)

	_, err := s.Deposit(ctx, admin, "alice", dec("100"), "", "")
	require.NoError(t, err)

	// AccountID в запросе игнорируется
	tx, err := s.Meter(ctx, alice, metering.MeterRequest{
		AccountID: "bob", ModelID: "gpt-4o", InputTokens: 6000, OutputTokens: 3000, ReferenceID: "req-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", tx.AccountID)
	assert.True(t, tx.BalanceAfter.Equal(dec("70")))

	txs, err := s.GetTransactions(ctx, alice, 0, 0)
	require.NoError(t, err)
	assert.Len(t, txs, 2)
}

func TestMeterRateLimited(t *testing.T) {
	ctx := context.Background()
	calls := 0
	s := newTestService(t, gateFunc(func(ctx context.Context, accountID string, tokens int64) error {
		calls++
		if calls > 1 {
			return model.ErrRateLimited
		}
		return nil
	}))

	_, err := s.Deposit(ctx, admin, "alice", dec("100"), "", "")
	require.NoError(t, err)

	_, err = s.Meter(ctx, alice, metering.MeterRequest{ModelID: "gpt-4o", InputTokens: 1000})
	require.NoError(t, err)
	_, err = s.Meter(ctx, alice, metering.MeterRequest{ModelID: "gpt-4o", InputTokens: 1000})
	require.ErrorIs(t, err, model.ErrRateLimited)

	// баланс не тронут отклонённым запросом
	acc, err := s.GetBalance(ctx, alice)
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(dec("98")))
}

func TestMeterRejectedBeforeGate(t *testing.T) {
	ctx := context.Background()
	calls := 0
	s := newTestService(t, gateFunc(func(ctx context.Context, accountID string, tokens int64) error {
		calls++
		return nil
	}))

	_, err := s.Deposit(ctx, admin, "alice", dec("100"), "", "")
	require.NoError(t, err)

	// неизвестная модель и неверные счётчики не расходуют дневную квоту
	_, err = s.Meter(ctx, alice, metering.MeterRequest{ModelID: "unknown", InputTokens: 1000})
	require.ErrorIs(t, err, model.ErrUnknownModel)
	_, err = s.MeterPool(ctx, alice, metering.PoolMeterRequest{ResourceID: "r", ModelID: "unknown", InputTokens: 1000})
	require.ErrorIs(t, err, model.ErrUnknownModel)
	_, err = s.Meter(ctx, alice, metering.MeterRequest{ModelID: "gpt-4o", InputTokens: math.MaxInt64, OutputTokens: math.MaxInt64})
	require.ErrorIs(t, err, model.ErrValidation)
	_, err = s.MeterAllocation(ctx, alice, metering.AllocationRequest{OrderID: "o", InputTokens: math.MaxInt64, OutputTokens: 1})
	require.ErrorIs(t, err, model.ErrValidation)
	assert.Equal(t, 0, calls)

	_, err = s.Meter(ctx, alice, metering.MeterRequest{ModelID: "gpt-4o", InputTokens: 1000})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestMeterGateFailureDoesNotBlock(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, gateFunc(func(ctx context.Context, accountID string, tokens int64) error {
		return errors.New("connection refused")
	}))

	_, err := s.Deposit(ctx, admin, "alice", dec("100"), "", "")
	require.NoError(t, err)
	_, err = s.Meter(ctx, alice, metering.MeterRequest{ModelID: "gpt-4o", InputTokens: 1000})
	require.NoError(t, err)
}

func TestReservationOwnership(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, nil)

	_, err := s.Deposit(ctx, admin, "alice", dec("100"), "", "")
	require.NoError(t, err)

	r, err := s.Reserve(ctx, alice, metering.ReserveRequest{ModelID: "gpt-4o", EstimatedCost: dec("10")})
	require.NoError(t, err)

	_, err = s.Settle(ctx, bob, r.ID, dec("4"))
	require.ErrorIs(t, err, model.ErrForbidden)

	settled, err := s.Settle(ctx, alice, r.ID, dec("4"))
	require.NoError(t, err)
	assert.Equal(t, model.ReservationStatusSettled, settled.Status)

	_, err = s.Release(ctx, alice, "missing")
	require.ErrorIs(t, err, model.ErrUnknownReservation)

	acc, err := s.GetBalance(ctx, alice)
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(dec("96")))
}

func TestTransferFromCaller(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, nil)

	_, err := s.Deposit(ctx, admin, "alice", dec("100"), "", "")
	require.NoError(t, err)
	_, err = s.Deposit(ctx, admin, "bob", dec("1"), "", "")
	require.NoError(t, err)

	res, err := s.Transfer(ctx, alice, ledger.TransferRequest{From: "bob", To: "bob", Amount: dec("40")})
	require.NoError(t, err)
	assert.Equal(t, "alice", res.Out.AccountID)
	assert.Equal(t, res.Out.ReferenceID, res.In.ReferenceID)
}

func TestPoolAndMarket(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, nil)

	res, err := s.DepositResource(ctx, alice, pool.DepositRequest{
		OwnerID: "bob", Provider: "openai", Credential: "sk-test", Unit: model.UnitCredits, Quota: dec("100"),
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", res.OwnerID)
	assert.Equal(t, model.DepositStatusPending, res.DepositStatus)

	_, err = s.VerifyResource(ctx, alice, res.ID)
	require.ErrorIs(t, err, model.ErrForbidden)
	res, err = s.VerifyResource(ctx, admin, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DepositStatusApproved, res.DepositStatus)

	// 100 × 0.9 = 90 за вычетом комиссии пула
	c, err := s.MyContributions(ctx, alice)
	require.NoError(t, err)
	assert.True(t, c.CreditsReleased.Equal(dec("90")))

	l, err := s.ListResource(ctx, alice, market.ListRequest{
		ResourceID: res.ID, ModelID: "gpt-4o", PricePerUnit: dec("2.5"), TotalQuota: dec("50"),
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", l.SellerID)

	_, err = s.Deposit(ctx, admin, "bob", dec("100"), "", "")
	require.NoError(t, err)
	order, err := s.Purchase(ctx, bob, market.PurchaseRequest{ListingID: l.ID, CreditsAmount: dec("20"), ReferenceID: "p-1"})
	require.NoError(t, err)
	assert.Equal(t, "bob", order.BuyerID)

	bought, err := s.Orders(ctx, bob, RoleBuyer, 0, 0)
	require.NoError(t, err)
	assert.Len(t, bought, 1)
	sold, err := s.Orders(ctx, alice, RoleSeller, 0, 0)
	require.NoError(t, err)
	assert.Len(t, sold, 1)
	_, err = s.Orders(ctx, alice, "broker", 0, 0)
	require.ErrorIs(t, err, model.ErrValidation)

	used, err := s.MeterAllocation(ctx, bob, metering.AllocationRequest{OrderID: order.ID, InputTokens: 1000})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), used.UnitsUsed)

	stats, err := s.PoolStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalResources)
}

func TestAdminAccountViews(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, nil)

	_, err := s.Deposit(ctx, admin, "alice", dec("100"), "", "")
	require.NoError(t, err)
	_, err = s.Meter(ctx, alice, metering.MeterRequest{ModelID: "gpt-4o", InputTokens: 5000})
	require.NoError(t, err)

	_, err = s.AccountBalance(ctx, bob, "alice")
	require.ErrorIs(t, err, model.ErrForbidden)
	_, err = s.AccountTransactions(ctx, bob, "alice", 0, 0)
	require.ErrorIs(t, err, model.ErrForbidden)
	_, err = s.CreditStats(ctx, bob)
	require.ErrorIs(t, err, model.ErrForbidden)

	acc, err := s.AccountBalance(ctx, admin, "alice")
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(dec("90")))
	txs, err := s.AccountTransactions(ctx, admin, "alice", 0, 0)
	require.NoError(t, err)
	assert.Len(t, txs, 2)

	stats, err := s.CreditStats(ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Accounts)
	assert.True(t, stats.TotalConsumed.Equal(dec("10")))
}

func TestResourceHealthAndReview(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, nil)

	res, err := s.DepositResource(ctx, alice, pool.DepositRequest{Provider: "openai", Credential: "sk-1", Quota: dec("100")})
	require.NoError(t, err)
	other, err := s.DepositResource(ctx, bob, pool.DepositRequest{Provider: "openai", Credential: "sk-2", Quota: dec("10")})
	require.NoError(t, err)

	_, err = s.ReportFailure(ctx, alice, res.ID)
	require.ErrorIs(t, err, model.ErrForbidden)
	_, err = s.ReactivateResource(ctx, alice, res.ID)
	require.ErrorIs(t, err, model.ErrForbidden)
	_, err = s.ApproveResource(ctx, alice, res.ID)
	require.ErrorIs(t, err, model.ErrForbidden)
	_, err = s.AllResources(ctx, alice, "")
	require.ErrorIs(t, err, model.ErrForbidden)

	// порог по умолчанию: пять сбоев подряд
	for i := 0; i < pool.DefaultFailureThreshold; i++ {
		res, err = s.ReportFailure(ctx, admin, res.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, model.ResourceStatusSuspended, res.Status)

	_, err = s.MeterPool(ctx, alice, metering.PoolMeterRequest{ResourceID: res.ID, ModelID: "gpt-4o", InputTokens: 1000})
	require.ErrorIs(t, err, model.ErrResourceInactive)

	res, err = s.ReactivateResource(ctx, admin, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ResourceStatusActive, res.Status)
	res, err = s.ReportSuccess(ctx, admin, res.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ConsecutiveFailures)

	res, err = s.ApproveResource(ctx, admin, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DepositStatusApproved, res.DepositStatus)
	other, err = s.RejectResource(ctx, admin, other.ID, "invalid key")
	require.NoError(t, err)
	assert.Equal(t, model.ResourceStatusSuspended, other.Status)

	suspended, err := s.AllResources(ctx, admin, model.ResourceStatusSuspended)
	require.NoError(t, err)
	require.Len(t, suspended, 1)
	assert.Equal(t, other.ID, suspended[0].ID)
	all, err := s.AllResources(ctx, admin, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	res, err = s.TopUpResource(ctx, admin, res.ID, dec("5"), "top-1")
	require.NoError(t, err)
	res, err = s.TopUpResource(ctx, admin, res.ID, dec("5"), "top-1")
	require.NoError(t, err)
	assert.True(t, res.CurrentQuota.Equal(dec("105")))
}

func TestListingManagement(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, nil)

	res, err := s.DepositResource(ctx, alice, pool.DepositRequest{Provider: "openai", Credential: "sk", Quota: dec("100")})
	require.NoError(t, err)
	l, err := s.ListResource(ctx, alice, market.ListRequest{
		ResourceID: res.ID, ModelID: "gpt-4o", PricePerUnit: dec("2"), TotalQuota: dec("40"), ReferenceID: "l-1",
	})
	require.NoError(t, err)

	price := dec("4")
	_, err = s.UpdateListing(ctx, bob, market.UpdateRequest{SellerID: "alice", ListingID: l.ID, PricePerUnit: &price})
	require.ErrorIs(t, err, model.ErrForbidden)
	l, err = s.UpdateListing(ctx, alice, market.UpdateRequest{ListingID: l.ID, PricePerUnit: &price})
	require.NoError(t, err)
	assert.True(t, l.PricePerUnit.Equal(dec("4")))

	_, err = s.Deposit(ctx, admin, "bob", dec("100"), "", "")
	require.NoError(t, err)
	order, err := s.Purchase(ctx, bob, market.PurchaseRequest{ListingID: l.ID, CreditsAmount: dec("8")})
	require.NoError(t, err)
	assert.Equal(t, int64(2_000_000), order.UnitsGranted)

	got, err := s.Order(ctx, alice, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)
	_, err = s.Order(ctx, Caller{ID: "carol"}, order.ID)
	require.ErrorIs(t, err, model.ErrForbidden)

	stats, err := s.MarketStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Orders)
	assert.True(t, stats.Volume.Equal(dec("8")))

	_, err = s.DeleteListing(ctx, bob, l.ID)
	require.ErrorIs(t, err, model.ErrForbidden)
	l, err = s.DeleteListing(ctx, alice, l.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ListingStatusDeleted, l.Status)

	active, err := s.ActiveListings(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestSetPricingFromProviderCost(t *testing.T) {
	ctx := context.Background()
	s := newTestService(t, nil)

	p, err := s.SetPricing(ctx, admin, model.ModelPricing{ModelID: "llama-70b", Active: true},
		metering.ProviderCost{InputPer1K: dec("0.01"), OutputPer1K: dec("0.02")})
	require.NoError(t, err)
	assert.Equal(t, model.TierLarge, p.Tier)
	assert.True(t, p.InputRate.Equal(dec("1.4")))
	assert.True(t, p.OutputRate.Equal(dec("2.8")))
}

func TestUnavailableWrapsBackendErrors(t *testing.T) {
	err := unavailable(errors.New("conn reset"))
	require.ErrorIs(t, err, model.ErrServiceUnavailable)

	err = unavailable(model.ErrInsufficientCredit)
	require.ErrorIs(t, err, model.ErrInsufficientCredit)
	require.NotErrorIs(t, err, model.ErrServiceUnavailable)

	assert.NoError(t, unavailable(nil))
}
