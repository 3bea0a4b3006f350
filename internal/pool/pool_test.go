package pool

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iurnickita/creditledger/internal/crypto"
	"github.com/iurnickita/creditledger/internal/ledger"
	"github.com/iurnickita/creditledger/internal/model"
	"github.com/iurnickita/creditledger/internal/service/verifyclient"
	"github.com/iurnickita/creditledger/internal/store/memory"
)

type stubVerifier struct {
	answer verifyclient.VerifyAnswer
	err    error
	seen   []verifyclient.VerifyRequest
}

func (v *stubVerifier) Verify(req verifyclient.VerifyRequest) (verifyclient.VerifyAnswer, error) {
	v.seen = append(v.seen, req)
	return v.answer, v.err
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestRegistry(t *testing.T, verifier verifyclient.VerifyClient) (*Registry, *ledger.Engine) {
	t.Helper()
	st := memory.New()
	led := ledger.NewEngine(st, nil, zap.NewNop())
	reg := NewRegistry(st, led, Options{
		Sealer:           crypto.NewSealer("test"),
		Verifier:         verifier,
		FailureThreshold: 3,
	}, zap.NewNop())
	return reg, led
}

func TestSplitRelease(t *testing.T) {
	tests := []struct {
		name      string
		unit      model.QuotaUnit
		quota     string
		value     string
		fee       string
		immediate string
		pending   string
	}{
		{"credits", model.UnitCredits, "100", "100", "10", "81", "9"},
		{"usd", model.UnitUSD, "100", "10000", "1000", "8100", "900"},
		{"tokens", model.UnitTokens, "1000000", "1000", "100", "810", "90"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rel, err := DefaultRelease().Value(tt.unit, dec(tt.quota))
			require.NoError(t, err)
			assert.True(t, rel.CreditValue.Equal(dec(tt.value)), rel.CreditValue.String())
			assert.True(t, rel.Fee.Equal(dec(tt.fee)), rel.Fee.String())
			assert.True(t, rel.Immediate.Equal(dec(tt.immediate)), rel.Immediate.String())
			assert.True(t, rel.Pending.Equal(dec(tt.pending)), rel.Pending.String())
		})
	}

	_, err := DefaultRelease().Value("gpu_hours", dec("1"))
	require.ErrorIs(t, err, model.ErrValidation)
}

func TestDepositAndVerify(t *testing.T) {
	ctx := context.Background()
	verifier := &stubVerifier{answer: verifyclient.VerifyAnswer{Status: verifyclient.StatusValid}}
	reg, led := newTestRegistry(t, verifier)

	res, err := reg.Deposit(ctx, DepositRequest{
		OwnerID: "owner", Provider: "OpenAI", Credential: "sk-live",
		Unit: model.UnitCredits, Quota: dec("100"), ReferenceID: "dep-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "openai", res.Provider)
	assert.Equal(t, model.DepositStatusPending, res.DepositStatus)
	assert.NotEqual(t, "sk-live", res.EncryptedCredential)

	acc, err := led.GetBalance(ctx, "owner")
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(dec("81")))

	// повтор с той же ссылкой
	again, err := reg.Deposit(ctx, DepositRequest{
		OwnerID: "owner", Provider: "openai", Credential: "sk-live",
		Unit: model.UnitCredits, Quota: dec("100"), ReferenceID: "dep-1",
	})
	require.NoError(t, err)
	assert.Equal(t, res.ID, again.ID)

	verified, err := reg.Verify(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DepositStatusApproved, verified.DepositStatus)
	assert.True(t, verified.PendingCredits.IsZero())
	assert.True(t, verified.ReleasedCredits.Equal(dec("90")))
	require.Len(t, verifier.seen, 1)
	assert.Equal(t, "sk-live", verifier.seen[0].Credential)

	// повторная проверка ничего не начисляет
	_, err = reg.Verify(ctx, res.ID)
	require.NoError(t, err)
	acc, err = led.GetBalance(ctx, "owner")
	require.NoError(t, err)
	assert.True(t, acc.Balance.Equal(dec("90")))
	assert.Len(t, verifier.seen, 1)
}

func TestVerifyRejects(t *testing.T) {
	ctx := context.Background()
	verifier := &stubVerifier{answer: verifyclient.VerifyAnswer{Status: verifyclient.StatusInvalid, Message: "Invalid API key"}}
	reg, led := newTestRegistry(t, verifier)

	res, err := reg.Deposit(ctx, DepositRequest{OwnerID: "owner", Provider: "anthropic", Credential: "bad", Quota: dec("100")})
	require.NoError(t, err)

	rejected, err := reg.Verify(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DepositStatusRejected, rejected.DepositStatus)
	assert.Equal(t, model.ResourceStatusSuspended, rejected.Status)

	acc, _ := led.GetBalance(ctx, "owner")
	assert.True(t, acc.Balance.Equal(dec("81")))

	_, err = reg.Consume(ctx, res.ID, dec("1"))
	require.ErrorIs(t, err, model.ErrResourceInactive)
	_, err = reg.Reactivate(ctx, res.ID)
	require.ErrorIs(t, err, model.ErrResourceInactive)
}

func TestVerifyUnavailable(t *testing.T) {
	ctx := context.Background()
	verifier := &stubVerifier{err: errors.New("dial tcp: connection refused")}
	reg, _ := newTestRegistry(t, verifier)

	res, err := reg.Deposit(ctx, DepositRequest{OwnerID: "owner", Provider: "openai", Credential: "sk", Quota: dec("10")})
	require.NoError(t, err)

	_, err = reg.Verify(ctx, res.ID)
	require.ErrorIs(t, err, model.ErrServiceUnavailable)

	verifier.err = nil
	verifier.answer = verifyclient.VerifyAnswer{Status: verifyclient.StatusRateLimited}
	_, err = reg.Verify(ctx, res.ID)
	require.ErrorIs(t, err, model.ErrServiceUnavailable)

	still, err := reg.Resource(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DepositStatusPending, still.DepositStatus)
}

func TestDepositValidation(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, nil)

	_, err := reg.Deposit(ctx, DepositRequest{OwnerID: "owner", Provider: "openai", Credential: "sk", Quota: dec("0")})
	require.ErrorIs(t, err, model.ErrValidation)
	_, err = reg.Deposit(ctx, DepositRequest{OwnerID: "owner", Provider: "", Credential: "sk", Quota: dec("1")})
	require.ErrorIs(t, err, model.ErrValidation)
	_, err = reg.Deposit(ctx, DepositRequest{OwnerID: "owner", Provider: "openai", Credential: "sk", Quota: dec("1"), Unit: "gpu"})
	require.ErrorIs(t, err, model.ErrValidation)
}

func TestConsumeDepletesAndTopUp(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, nil)

	res, err := reg.Deposit(ctx, DepositRequest{OwnerID: "owner", Provider: "openai", Credential: "sk", Quota: dec("10")})
	require.NoError(t, err)

	_, err = reg.Consume(ctx, res.ID, dec("10.0001"))
	require.ErrorIs(t, err, model.ErrInsufficientQuota)

	res, err = reg.Consume(ctx, res.ID, dec("10"))
	require.NoError(t, err)
	assert.True(t, res.CurrentQuota.IsZero())
	assert.Equal(t, model.ResourceStatusDepleted, res.Status)

	_, err = reg.Consume(ctx, res.ID, dec("1"))
	require.ErrorIs(t, err, model.ErrResourceInactive)

	res, err = reg.TopUp(ctx, res.ID, dec("5"), "top-1")
	require.NoError(t, err)
	assert.Equal(t, model.ResourceStatusActive, res.Status)
	assert.True(t, res.OriginalQuota.Equal(dec("15")))
	assert.True(t, res.CurrentQuota.Equal(dec("5")))

	// повтор пополнения с той же ссылкой
	res, err = reg.TopUp(ctx, res.ID, dec("5"), "top-1")
	require.NoError(t, err)
	assert.True(t, res.CurrentQuota.Equal(dec("5")))
	_, err = reg.TopUp(ctx, res.ID, dec("7"), "top-1")
	require.ErrorIs(t, err, model.ErrValidation)

	res, err = reg.TopUp(ctx, res.ID, dec("1"), "")
	require.NoError(t, err)
	assert.True(t, res.CurrentQuota.Equal(dec("6")))

	_, err = reg.Consume(ctx, "missing", dec("1"))
	require.ErrorIs(t, err, model.ErrUnknownResource)
}

func TestConcurrentConsumeBounded(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, nil)

	res, err := reg.Deposit(ctx, DepositRequest{OwnerID: "owner", Provider: "openai", Credential: "sk", Quota: dec("100")})
	require.NoError(t, err)

	// 40 потребителей по 3 единицы на квоту 100: успешных ровно 33
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.Consume(ctx, res.ID, dec("3")); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 33, ok)
	final, err := reg.Resource(ctx, res.ID)
	require.NoError(t, err)
	assert.True(t, final.CurrentQuota.Equal(dec("1")))
	assert.True(t, final.TotalConsumed.Equal(dec("99")))
	assert.Equal(t, int64(33), final.TotalRequests)
}

func TestFailureThreshold(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, nil)

	res, err := reg.Deposit(ctx, DepositRequest{OwnerID: "owner", Provider: "openai", Credential: "sk", Quota: dec("10")})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		res, err = reg.ReportFailure(ctx, res.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, model.ResourceStatusActive, res.Status)

	res, err = reg.ReportSuccess(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ConsecutiveFailures)

	for i := 0; i < 3; i++ {
		res, err = reg.ReportFailure(ctx, res.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, model.ResourceStatusSuspended, res.Status)
	assert.Equal(t, int64(5), res.FailedRequests)

	res, err = reg.Reactivate(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ResourceStatusActive, res.Status)
}

func TestStatsAndContributions(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t, nil)

	a, err := reg.Deposit(ctx, DepositRequest{OwnerID: "alice", Provider: "openai", Credential: "sk1", Quota: dec("100")})
	require.NoError(t, err)
	_, err = reg.Deposit(ctx, DepositRequest{OwnerID: "alice", Provider: "anthropic", Credential: "sk2", Quota: dec("50")})
	require.NoError(t, err)
	_, err = reg.Deposit(ctx, DepositRequest{OwnerID: "bob", Provider: "openai", Credential: "sk3", Quota: dec("20")})
	require.NoError(t, err)

	_, err = reg.Consume(ctx, a.ID, dec("30"))
	require.NoError(t, err)

	all, err := reg.Resources(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	stats, err := reg.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalResources)
	assert.Equal(t, 3, stats.ActiveResources)
	assert.Equal(t, 2, stats.TotalContributors)
	assert.True(t, stats.TotalValue.Equal(dec("140")))
	assert.Equal(t, int64(1), stats.TotalRequests)

	c, err := reg.MyContributions(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, c.ResourcesCount)
	assert.True(t, c.CreditsReleased.Equal(dec("121.5")))
	assert.True(t, c.CreditsPending.Equal(dec("13.5")))
	assert.True(t, c.QuotaConsumed.Equal(dec("30")))
	assert.True(t, c.RemainingQuota.Equal(dec("120")))
}
