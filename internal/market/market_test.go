package market

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iurnickita/creditledger/internal/ledger"
	"github.com/iurnickita/creditledger/internal/model"
	"github.com/iurnickita/creditledger/internal/pool"
	"github.com/iurnickita/creditledger/internal/store"
	"github.com/iurnickita/creditledger/internal/store/memory"
)

type fixture struct {
	st     *memory.Store
	ledger *ledger.Engine
	pool   *pool.Registry
	market *Market
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st := memory.New()
	led := ledger.NewEngine(st, nil, zap.NewNop())
	return fixture{
		st:     st,
		ledger: led,
		pool:   pool.NewRegistry(st, led, pool.Options{}, zap.NewNop()),
		market: NewMarket(st, led, Options{}, zap.NewNop()),
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (f fixture) balance(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	acc, err := f.ledger.GetBalance(context.Background(), id)
	require.NoError(t, err)
	return acc.Balance
}

// продавец вносит ресурс на 100 и выставляет 50; покупатель с балансом 100
func (f fixture) seed(t *testing.T) model.Listing {
	t.Helper()
	ctx := context.Background()

	res, err := f.pool.Deposit(ctx, pool.DepositRequest{
		OwnerID: "seller", Provider: "openai", Credential: "sk", Unit: model.UnitCredits, Quota: dec("100"),
	})
	require.NoError(t, err)

	l, err := f.market.ListResource(ctx, ListRequest{
		SellerID: "seller", ResourceID: res.ID, ModelID: "gpt-4o",
		PricePerUnit: dec("2.5"), TotalQuota: dec("50"), MinPurchase: dec("1"),
	})
	require.NoError(t, err)

	_, err = f.ledger.Deposit(ctx, "buyer", dec("100"), "", "")
	require.NoError(t, err)
	return l
}

func TestPurchaseSettles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	l := f.seed(t)
	sellerBefore := f.balance(t, "seller")

	order, err := f.market.Purchase(ctx, PurchaseRequest{BuyerID: "buyer", ListingID: l.ID, CreditsAmount: dec("20"), ReferenceID: "buy-1"})
	require.NoError(t, err)
	assert.Equal(t, model.PurchaseOrderStatusCompleted, order.Status)
	assert.Equal(t, int64(8_000_000), order.UnitsGranted)
	assert.Equal(t, order.UnitsGranted, order.UnitsRemaining)
	assert.True(t, order.SellerRevenue.Equal(dec("17")))
	assert.True(t, order.PlatformFee.Equal(dec("3")))

	listing, err := f.market.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.True(t, listing.AvailableQuota.Equal(dec("30")))
	assert.Equal(t, int64(1), listing.TotalOrders)

	assert.True(t, f.balance(t, "buyer").Equal(dec("80")))
	assert.True(t, f.balance(t, "seller").Sub(sellerBefore).Equal(dec("17")))
	assert.True(t, f.balance(t, DefaultPlatformAccount).Equal(dec("3")))

	// повтор с той же ссылкой возвращает исходный заказ
	again, err := f.market.Purchase(ctx, PurchaseRequest{BuyerID: "buyer", ListingID: l.ID, CreditsAmount: dec("20"), ReferenceID: "buy-1"})
	require.NoError(t, err)
	assert.Equal(t, order.ID, again.ID)
	assert.True(t, f.balance(t, "buyer").Equal(dec("80")))

	orders, err := f.market.Orders(ctx, store.OrderFilter{BuyerID: "buyer"})
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestPurchaseExceedsAvailable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	l := f.seed(t)

	_, err := f.market.Purchase(ctx, PurchaseRequest{BuyerID: "buyer", ListingID: l.ID, CreditsAmount: dec("20")})
	require.NoError(t, err)
	sellerBefore := f.balance(t, "seller")

	_, err = f.market.Purchase(ctx, PurchaseRequest{BuyerID: "buyer", ListingID: l.ID, CreditsAmount: dec("60")})
	require.ErrorIs(t, err, model.ErrInsufficientQuota)

	// ничего не изменилось
	listing, err := f.market.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.True(t, listing.AvailableQuota.Equal(dec("30")))
	assert.True(t, f.balance(t, "buyer").Equal(dec("80")))
	assert.True(t, f.balance(t, "seller").Equal(sellerBefore))
	assert.True(t, f.balance(t, DefaultPlatformAccount).Equal(dec("3")))
}

func TestPurchaseInsufficientCreditRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	l := f.seed(t)

	_, err := f.ledger.Deposit(ctx, "poor", dec("5"), "", "")
	require.NoError(t, err)

	_, err = f.market.Purchase(ctx, PurchaseRequest{BuyerID: "poor", ListingID: l.ID, CreditsAmount: dec("10")})
	require.ErrorIs(t, err, model.ErrInsufficientCredit)

	listing, err := f.market.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.True(t, listing.AvailableQuota.Equal(dec("50")))
	assert.True(t, f.balance(t, DefaultPlatformAccount).IsZero())
}

func TestPurchasePreconditions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	l := f.seed(t)

	_, err := f.market.Purchase(ctx, PurchaseRequest{BuyerID: "seller", ListingID: l.ID, CreditsAmount: dec("5")})
	require.ErrorIs(t, err, model.ErrValidation)

	_, err = f.market.Purchase(ctx, PurchaseRequest{BuyerID: "buyer", ListingID: l.ID, CreditsAmount: dec("0")})
	require.ErrorIs(t, err, model.ErrValidation)

	_, err = f.market.Purchase(ctx, PurchaseRequest{BuyerID: "buyer", ListingID: l.ID, CreditsAmount: dec("0.5")})
	require.ErrorIs(t, err, model.ErrValidation)

	_, err = f.market.Purchase(ctx, PurchaseRequest{BuyerID: "buyer", ListingID: "missing", CreditsAmount: dec("5")})
	require.ErrorIs(t, err, model.ErrUnknownListing)

	_, err = f.market.SetListingStatus(ctx, "buyer", l.ID, model.ListingStatusPaused, "")
	require.ErrorIs(t, err, model.ErrForbidden)

	_, err = f.market.SetListingStatus(ctx, "seller", l.ID, model.ListingStatusPaused, "")
	require.NoError(t, err)
	_, err = f.market.Purchase(ctx, PurchaseRequest{BuyerID: "buyer", ListingID: l.ID, CreditsAmount: dec("5")})
	require.ErrorIs(t, err, model.ErrListingInactive)

	active, err := f.market.ActiveListings(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestPurchaseSellsOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	l := f.seed(t)

	_, err := f.market.Purchase(ctx, PurchaseRequest{BuyerID: "buyer", ListingID: l.ID, CreditsAmount: dec("50")})
	require.NoError(t, err)

	listing, err := f.market.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ListingStatusOutOfStock, listing.Status)

	_, err = f.market.SetListingStatus(ctx, "seller", l.ID, model.ListingStatusActive, "")
	require.ErrorIs(t, err, model.ErrListingInactive)
}

func TestListResourceBounds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	l := f.seed(t)

	// 50 уже выставлено из 100
	_, err := f.market.ListResource(ctx, ListRequest{
		SellerID: "seller", ResourceID: l.ResourceID, ModelID: "gpt-4o",
		PricePerUnit: dec("1"), TotalQuota: dec("51"),
	})
	require.ErrorIs(t, err, model.ErrInsufficientQuota)

	_, err = f.market.ListResource(ctx, ListRequest{
		SellerID: "seller", ResourceID: l.ResourceID, ModelID: "gpt-4o",
		PricePerUnit: dec("1"), TotalQuota: dec("50"),
	})
	require.NoError(t, err)

	_, err = f.market.ListResource(ctx, ListRequest{
		SellerID: "buyer", ResourceID: l.ResourceID, ModelID: "gpt-4o",
		PricePerUnit: dec("1"), TotalQuota: dec("1"),
	})
	require.ErrorIs(t, err, model.ErrForbidden)

	_, err = f.market.ListResource(ctx, ListRequest{
		SellerID: "seller", ModelID: "gpt-4o", PricePerUnit: dec("0"), TotalQuota: dec("1"),
	})
	require.ErrorIs(t, err, model.ErrValidation)

	mine, err := f.market.MyListings(ctx, "seller")
	require.NoError(t, err)
	assert.Len(t, mine, 2)
}

func TestConcurrentPurchasesNeverOversell(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	l := f.seed(t)

	buyers := []string{"b1", "b2", "b3", "b4", "b5", "b6", "b7", "b8"}
	for _, b := range buyers {
		_, err := f.ledger.Deposit(ctx, b, dec("100"), "", "")
		require.NoError(t, err)
	}

	// 8 покупок по 10 на 50 доступных: проходит ровно 5
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for _, b := range buyers {
		wg.Add(1)
		go func(b string) {
			defer wg.Done()
			_, err := f.market.Purchase(ctx, PurchaseRequest{BuyerID: b, ListingID: l.ID, CreditsAmount: dec("10")})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(b)
	}
	wg.Wait()

	assert.Equal(t, 5, ok)
	listing, err := f.market.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.True(t, listing.AvailableQuota.IsZero())
	assert.True(t, f.balance(t, DefaultPlatformAccount).Equal(dec("7.5")))
}

func TestListingBackingCountsSoldAllocation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	l := f.seed(t)

	// продано 50 из 100, токены ещё не израсходованы
	order, err := f.market.Purchase(ctx, PurchaseRequest{BuyerID: "buyer", ListingID: l.ID, CreditsAmount: dec("50")})
	require.NoError(t, err)
	assert.True(t, order.RemainingValue().Equal(dec("50")))

	_, err = f.market.ListResource(ctx, ListRequest{
		SellerID: "seller", ResourceID: l.ResourceID, ModelID: "gpt-4o",
		PricePerUnit: dec("1"), TotalQuota: dec("100"),
	})
	require.ErrorIs(t, err, model.ErrInsufficientQuota)

	second, err := f.market.ListResource(ctx, ListRequest{
		SellerID: "seller", ResourceID: l.ResourceID, ModelID: "gpt-4o",
		PricePerUnit: dec("1"), TotalQuota: dec("50"),
	})
	require.NoError(t, err)

	_, err = f.market.ListResource(ctx, ListRequest{
		SellerID: "seller", ResourceID: l.ResourceID, ModelID: "gpt-4o",
		PricePerUnit: dec("1"), TotalQuota: dec("1"),
	})
	require.ErrorIs(t, err, model.ErrInsufficientQuota)

	// удалённый листинг освобождает покрытие
	_, err = f.market.DeleteListing(ctx, "seller", second.ID)
	require.NoError(t, err)
	_, err = f.market.ListResource(ctx, ListRequest{
		SellerID: "seller", ResourceID: l.ResourceID, ModelID: "gpt-4o",
		PricePerUnit: dec("1"), TotalQuota: dec("50"),
	})
	require.NoError(t, err)
}

func TestPurchaseRequiresServableResource(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	l := f.seed(t)

	// квота ресурса ушла на прямые запросы: осталось 20
	_, err := f.pool.Consume(ctx, l.ResourceID, dec("80"))
	require.NoError(t, err)
	_, err = f.market.Purchase(ctx, PurchaseRequest{BuyerID: "buyer", ListingID: l.ID, CreditsAmount: dec("30")})
	require.ErrorIs(t, err, model.ErrInsufficientQuota)
	_, err = f.market.Purchase(ctx, PurchaseRequest{BuyerID: "buyer", ListingID: l.ID, CreditsAmount: dec("20")})
	require.NoError(t, err)

	f2 := newFixture(t)
	l2 := f2.seed(t)
	_, err = f2.pool.Reject(ctx, l2.ResourceID, "invalid key")
	require.NoError(t, err)

	_, err = f2.market.Purchase(ctx, PurchaseRequest{BuyerID: "buyer", ListingID: l2.ID, CreditsAmount: dec("10")})
	require.ErrorIs(t, err, model.ErrResourceInactive)

	listing, err := f2.market.GetListing(ctx, l2.ID)
	require.NoError(t, err)
	assert.True(t, listing.AvailableQuota.Equal(dec("50")))
	assert.True(t, f2.balance(t, "buyer").Equal(dec("100")))
}

func TestListResourceReference(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	l := f.seed(t)

	req := ListRequest{
		SellerID: "seller", ResourceID: l.ResourceID, ModelID: "gpt-4o",
		PricePerUnit: dec("2"), TotalQuota: dec("10"), ReferenceID: "list-1",
	}
	first, err := f.market.ListResource(ctx, req)
	require.NoError(t, err)
	again, err := f.market.ListResource(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	req.TotalQuota = dec("20")
	_, err = f.market.ListResource(ctx, req)
	require.ErrorIs(t, err, model.ErrValidation)

	mine, err := f.market.MyListings(ctx, "seller")
	require.NoError(t, err)
	assert.Len(t, mine, 2)
}

func TestSetListingStatusReference(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	l := f.seed(t)

	_, err := f.market.SetListingStatus(ctx, "seller", l.ID, model.ListingStatusPaused, "st-1")
	require.NoError(t, err)
	_, err = f.market.SetListingStatus(ctx, "seller", l.ID, model.ListingStatusActive, "st-2")
	require.NoError(t, err)

	// запоздавший повтор паузы не отменяет активацию
	got, err := f.market.SetListingStatus(ctx, "seller", l.ID, model.ListingStatusPaused, "st-1")
	require.NoError(t, err)
	assert.Equal(t, model.ListingStatusActive, got.Status)

	_, err = f.market.SetListingStatus(ctx, "seller", l.ID, model.ListingStatusActive, "st-1")
	require.ErrorIs(t, err, model.ErrValidation)
}

func TestUpdateAndDeleteListing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	l := f.seed(t)

	price := dec("3")
	_, err := f.market.UpdateListing(ctx, UpdateRequest{SellerID: "buyer", ListingID: l.ID, PricePerUnit: &price})
	require.ErrorIs(t, err, model.ErrForbidden)

	// ресурс на 100: поднять до 101 нельзя
	quota := dec("101")
	_, err = f.market.UpdateListing(ctx, UpdateRequest{SellerID: "seller", ListingID: l.ID, AvailableQuota: &quota})
	require.ErrorIs(t, err, model.ErrInsufficientQuota)

	quota = dec("80")
	updated, err := f.market.UpdateListing(ctx, UpdateRequest{
		SellerID: "seller", ListingID: l.ID, PricePerUnit: &price, AvailableQuota: &quota, ReferenceID: "upd-1",
	})
	require.NoError(t, err)
	assert.True(t, updated.PricePerUnit.Equal(dec("3")))
	assert.True(t, updated.AvailableQuota.Equal(dec("80")))
	assert.True(t, updated.TotalQuota.Equal(dec("80")))

	// та же ссылка с другими условиями
	quota = dec("70")
	_, err = f.market.UpdateListing(ctx, UpdateRequest{SellerID: "seller", ListingID: l.ID, AvailableQuota: &quota, ReferenceID: "upd-1"})
	require.ErrorIs(t, err, model.ErrValidation)

	order, err := f.market.Purchase(ctx, PurchaseRequest{BuyerID: "buyer", ListingID: l.ID, CreditsAmount: dec("30")})
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000), order.UnitsGranted)

	deleted, err := f.market.DeleteListing(ctx, "seller", l.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ListingStatusDeleted, deleted.Status)

	_, err = f.market.Purchase(ctx, PurchaseRequest{BuyerID: "buyer", ListingID: l.ID, CreditsAmount: dec("5")})
	require.ErrorIs(t, err, model.ErrListingInactive)
	_, err = f.market.UpdateListing(ctx, UpdateRequest{SellerID: "seller", ListingID: l.ID, PricePerUnit: &price})
	require.ErrorIs(t, err, model.ErrListingInactive)
	_, err = f.market.SetListingStatus(ctx, "seller", l.ID, model.ListingStatusActive, "")
	require.ErrorIs(t, err, model.ErrListingInactive)

	mine, err := f.market.MyListings(ctx, "seller")
	require.NoError(t, err)
	assert.Empty(t, mine)

	// купленное остаётся у покупателя
	got, err := f.market.Order(ctx, "buyer", order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.UnitsRemaining, got.UnitsRemaining)
}

func TestOrderVisibleToParties(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	l := f.seed(t)

	order, err := f.market.Purchase(ctx, PurchaseRequest{BuyerID: "buyer", ListingID: l.ID, CreditsAmount: dec("10")})
	require.NoError(t, err)

	_, err = f.market.Order(ctx, "buyer", order.ID)
	require.NoError(t, err)
	_, err = f.market.Order(ctx, "seller", order.ID)
	require.NoError(t, err)
	_, err = f.market.Order(ctx, "stranger", order.ID)
	require.ErrorIs(t, err, model.ErrForbidden)
	_, err = f.market.Order(ctx, "buyer", "missing")
	require.ErrorIs(t, err, model.ErrUnknownOrder)
}

func TestMarketStats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	l := f.seed(t)

	_, err := f.market.Purchase(ctx, PurchaseRequest{BuyerID: "buyer", ListingID: l.ID, CreditsAmount: dec("20")})
	require.NoError(t, err)
	_, err = f.market.Purchase(ctx, PurchaseRequest{BuyerID: "buyer", ListingID: l.ID, CreditsAmount: dec("10")})
	require.NoError(t, err)

	stats, err := f.market.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ActiveListings)
	assert.Equal(t, 1, stats.Sellers)
	assert.Equal(t, 1, stats.ActiveModels)
	assert.Equal(t, 2, stats.Orders)
	assert.True(t, stats.Volume.Equal(dec("30")))
	assert.True(t, stats.PlatformFees.Equal(dec("4.5")))
}
