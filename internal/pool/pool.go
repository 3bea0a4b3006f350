package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iurnickita/creditledger/internal/crypto"
	"github.com/iurnickita/creditledger/internal/events"
	"github.com/iurnickita/creditledger/internal/ledger"
	"github.com/iurnickita/creditledger/internal/model"
	"github.com/iurnickita/creditledger/internal/service/verifyclient"
	"github.com/iurnickita/creditledger/internal/store"
)

const DefaultFailureThreshold = 5

type Options struct {
	Sealer           *crypto.Sealer
	Verifier         verifyclient.VerifyClient
	Policy           ReleasePolicy
	FailureThreshold int
	Events           events.Publisher
}

// Registry custodies deposited provider quotas.
type Registry struct {
	store     store.Store
	ledger    *ledger.Engine
	sealer    *crypto.Sealer
	verifier  verifyclient.VerifyClient
	policy    ReleasePolicy
	threshold int
	events    events.Publisher
	zaplog    *zap.Logger
	now       func() time.Time
}

func NewRegistry(st store.Store, led *ledger.Engine, opts Options, zaplog *zap.Logger) *Registry {
	r := &Registry{
		store:     st,
		ledger:    led,
		sealer:    opts.Sealer,
		verifier:  opts.Verifier,
		policy:    opts.Policy,
		threshold: opts.FailureThreshold,
		events:    opts.Events,
		zaplog:    zaplog,
		now:       func() time.Time { return time.Now().UTC() },
	}
	if r.sealer == nil {
		r.sealer = crypto.NewSealer("")
	}
	if r.verifier == nil {
		r.verifier = verifyclient.NewNopClient()
	}
	if r.policy == nil {
		r.policy = DefaultRelease()
	}
	if r.threshold <= 0 {
		r.threshold = DefaultFailureThreshold
	}
	if r.events == nil {
		r.events = events.Nop()
	}
	return r
}

type DepositRequest struct {
	OwnerID     string
	Provider    string
	ModelFamily string
	Credential  string
	Endpoint    string
	Unit        model.QuotaUnit
	Quota       decimal.Decimal
	ReferenceID string
}

func (req DepositRequest) validate() error {
	switch {
	case req.OwnerID == "":
		return model.NewValidationError("owner_id", "must not be empty")
	case strings.TrimSpace(req.Provider) == "":
		return model.NewValidationError("provider", "must not be empty")
	case req.Credential == "":
		return model.NewValidationError("credential", "must not be empty")
	case !model.Round(req.Quota).IsPositive():
		return model.NewValidationError("quota", "must be positive")
	}
	return nil
}

// Deposit takes custody of a credential and releases the immediate share
// of its value to the owner in the same unit.
func (r *Registry) Deposit(ctx context.Context, req DepositRequest) (model.ResourceDeposit, error) {
	if err := req.validate(); err != nil {
		return model.ResourceDeposit{}, err
	}
	if req.Unit == "" {
		req.Unit = model.UnitCredits
	}
	quota := model.Round(req.Quota)
	rel, err := r.policy.Value(req.Unit, quota)
	if err != nil {
		return model.ResourceDeposit{}, err
	}
	sealed, err := r.sealer.Seal(req.Credential)
	if err != nil {
		return model.ResourceDeposit{}, fmt.Errorf("seal credential: %w", err)
	}

	now := r.now()
	res := model.ResourceDeposit{
		ID:                  uuid.NewString(),
		OwnerID:             req.OwnerID,
		Provider:            strings.ToLower(strings.TrimSpace(req.Provider)),
		ModelFamily:         req.ModelFamily,
		EncryptedCredential: sealed,
		Endpoint:            req.Endpoint,
		Unit:                req.Unit,
		OriginalQuota:       quota,
		CurrentQuota:        quota,
		Status:              model.ResourceStatusActive,
		DepositStatus:       model.DepositStatusPending,
		CreditValue:         rel.CreditValue,
		PlatformFee:         rel.Fee,
		ReleasedCredits:     rel.Immediate,
		PendingCredits:      rel.Pending,
		ReferenceID:         req.ReferenceID,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	var (
		posted model.Transaction
		fresh  bool
	)
	keys := []string{store.AccountKey(req.OwnerID), store.ResourceKey(res.ID)}
	err = r.store.Atomic(ctx, keys, func(tx store.Tx) error {
		if req.ReferenceID != "" {
			prev, err := tx.ResourceByRef(ctx, req.OwnerID, req.ReferenceID)
			if err == nil {
				res = prev
				return nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		if err := tx.PutResource(ctx, res); err != nil {
			return err
		}
		if !rel.Immediate.IsPositive() {
			return nil
		}
		var err error
		posted, fresh, err = r.ledger.PostTx(ctx, tx, ledger.PostRequest{
			AccountID:   req.OwnerID,
			Amount:      rel.Immediate,
			Type:        model.TxDeposit,
			Description: fmt.Sprintf("resource pool deposit: %s", res.Provider),
			ReferenceID: "pool-deposit:" + res.ID,
		})
		return err
	})
	if err != nil {
		return model.ResourceDeposit{}, err
	}

	if fresh {
		r.ledger.Published(posted)
		r.zaplog.Info("resource deposited",
			zap.String("resource", res.ID),
			zap.String("owner", res.OwnerID),
			zap.String("provider", res.Provider),
			zap.String("value", res.CreditValue.StringFixed(model.Scale)),
			zap.String("released", res.ReleasedCredits.StringFixed(model.Scale)),
		)
		events.Emit(r.events, r.zaplog, events.SubjectResourceDeposited, res)
	}
	return res, nil
}

// Verify asks the verification service about a pending deposit and
// approves or rejects it. Deposits already decided are returned as is.
func (r *Registry) Verify(ctx context.Context, resourceID string) (model.ResourceDeposit, error) {
	res, err := r.Resource(ctx, resourceID)
	if err != nil {
		return model.ResourceDeposit{}, err
	}
	if res.DepositStatus != model.DepositStatusPending {
		return res, nil
	}

	credential, err := r.sealer.Open(res.EncryptedCredential)
	if err != nil {
		return model.ResourceDeposit{}, err
	}
	answer, err := r.verifier.Verify(verifyclient.VerifyRequest{
		Provider:    res.Provider,
		ModelFamily: res.ModelFamily,
		Credential:  credential,
		Endpoint:    res.Endpoint,
	})
	if err != nil {
		return model.ResourceDeposit{}, fmt.Errorf("%w: verify: %v", model.ErrServiceUnavailable, err)
	}
	if !answer.Final() {
		return model.ResourceDeposit{}, fmt.Errorf("%w: verify: %s", model.ErrServiceUnavailable, answer.Status)
	}
	if answer.Status == verifyclient.StatusValid {
		return r.Approve(ctx, resourceID)
	}
	return r.Reject(ctx, resourceID, answer.Message)
}

// Approve releases the pending remainder to the owner.
func (r *Registry) Approve(ctx context.Context, resourceID string) (model.ResourceDeposit, error) {
	res, err := r.Resource(ctx, resourceID)
	if err != nil {
		return model.ResourceDeposit{}, err
	}

	var (
		posted model.Transaction
		fresh  bool
	)
	keys := []string{store.AccountKey(res.OwnerID), store.ResourceKey(resourceID)}
	err = r.store.Atomic(ctx, keys, func(tx store.Tx) error {
		var err error
		res, err = r.get(ctx, tx, resourceID)
		if err != nil {
			return err
		}
		if res.DepositStatus != model.DepositStatusPending {
			return nil
		}
		if res.PendingCredits.IsPositive() {
			posted, fresh, err = r.ledger.PostTx(ctx, tx, ledger.PostRequest{
				AccountID:   res.OwnerID,
				Amount:      res.PendingCredits,
				Type:        model.TxDeposit,
				Description: fmt.Sprintf("resource pool verification: %s", res.Provider),
				ReferenceID: "pool-verify:" + res.ID,
			})
			if err != nil {
				return err
			}
		}
		res.ReleasedCredits = res.ReleasedCredits.Add(res.PendingCredits)
		res.PendingCredits = decimal.Zero
		res.DepositStatus = model.DepositStatusApproved
		res.UpdatedAt = r.now()
		return tx.PutResource(ctx, res)
	})
	if err != nil {
		return model.ResourceDeposit{}, err
	}
	if fresh {
		r.ledger.Published(posted)
		r.zaplog.Info("resource deposit approved", zap.String("resource", res.ID), zap.String("owner", res.OwnerID))
	}
	return res, nil
}

// Reject suspends the resource; the pending remainder is never released.
func (r *Registry) Reject(ctx context.Context, resourceID, reason string) (model.ResourceDeposit, error) {
	var res model.ResourceDeposit
	changed := false
	err := r.store.Atomic(ctx, []string{store.ResourceKey(resourceID)}, func(tx store.Tx) error {
		var err error
		res, err = r.get(ctx, tx, resourceID)
		if err != nil {
			return err
		}
		if res.DepositStatus != model.DepositStatusPending {
			return nil
		}
		res.DepositStatus = model.DepositStatusRejected
		res.Status = model.ResourceStatusSuspended
		res.PendingCredits = decimal.Zero
		res.UpdatedAt = r.now()
		changed = true
		return tx.PutResource(ctx, res)
	})
	if err != nil {
		return model.ResourceDeposit{}, err
	}
	if changed {
		r.zaplog.Warn("resource deposit rejected", zap.String("resource", res.ID), zap.String("reason", reason))
	}
	return res, nil
}

// Consume decrements the resource quota in its own unit.
func (r *Registry) Consume(ctx context.Context, resourceID string, units decimal.Decimal) (model.ResourceDeposit, error) {
	var res model.ResourceDeposit
	err := r.store.Atomic(ctx, []string{store.ResourceKey(resourceID)}, func(tx store.Tx) error {
		var err error
		res, err = r.ConsumeTx(ctx, tx, resourceID, units)
		return err
	})
	return res, err
}

// ConsumeTx is Consume inside a unit that holds the resource key.
func (r *Registry) ConsumeTx(ctx context.Context, tx store.Tx, resourceID string, units decimal.Decimal) (model.ResourceDeposit, error) {
	units = model.Round(units)
	if !units.IsPositive() {
		return model.ResourceDeposit{}, model.NewValidationError("units", "must be positive")
	}
	res, err := r.get(ctx, tx, resourceID)
	if err != nil {
		return model.ResourceDeposit{}, err
	}
	if res.Status != model.ResourceStatusActive {
		return model.ResourceDeposit{}, fmt.Errorf("%w: %s is %s", model.ErrResourceInactive, res.ID, res.Status)
	}
	if res.CurrentQuota.LessThan(units) {
		return model.ResourceDeposit{}, fmt.Errorf("%w: resource %s has %s, requested %s", model.ErrInsufficientQuota,
			res.ID, res.CurrentQuota.StringFixed(model.Scale), units.StringFixed(model.Scale))
	}

	res.CurrentQuota = res.CurrentQuota.Sub(units)
	res.TotalConsumed = res.TotalConsumed.Add(units)
	res.TotalRequests++
	if res.CurrentQuota.IsZero() {
		res.Status = model.ResourceStatusDepleted
	}
	res.UpdatedAt = r.now()
	if err := tx.PutResource(ctx, res); err != nil {
		return model.ResourceDeposit{}, err
	}
	return res, nil
}

// TopUp adds quota; a depleted resource becomes active again. A repeated
// reference returns the resource without adding quota twice.
func (r *Registry) TopUp(ctx context.Context, resourceID string, units decimal.Decimal, ref string) (model.ResourceDeposit, error) {
	units = model.Round(units)
	if !units.IsPositive() {
		return model.ResourceDeposit{}, model.NewValidationError("units", "must be positive")
	}
	keys := []string{store.ResourceKey(resourceID)}
	if ref != "" {
		keys = append(keys, store.ReceiptKey(store.ScopeTopUp, resourceID, ref))
	}
	digest := units.StringFixed(model.Scale)

	var res model.ResourceDeposit
	err := r.store.Atomic(ctx, keys, func(tx store.Tx) error {
		var err error
		res, err = r.get(ctx, tx, resourceID)
		if err != nil {
			return err
		}
		if ref != "" {
			_, ok, err := store.Recall(ctx, tx, store.ScopeTopUp, resourceID, ref, digest)
			if err != nil || ok {
				return err
			}
		}
		res.OriginalQuota = res.OriginalQuota.Add(units)
		res.CurrentQuota = res.CurrentQuota.Add(units)
		if res.Status == model.ResourceStatusDepleted {
			res.Status = model.ResourceStatusActive
		}
		res.UpdatedAt = r.now()
		if err := tx.PutResource(ctx, res); err != nil {
			return err
		}
		if ref == "" {
			return nil
		}
		return tx.PutReceipt(ctx, store.Receipt{
			Scope: store.ScopeTopUp, OwnerID: resourceID, ReferenceID: ref,
			EntityID: resourceID, Digest: digest, CreatedAt: r.now(),
		})
	})
	if err != nil {
		return model.ResourceDeposit{}, err
	}
	return res, nil
}

// ReportFailure records a failed provider call and suspends the resource
// once the consecutive failures reach the threshold.
func (r *Registry) ReportFailure(ctx context.Context, resourceID string) (model.ResourceDeposit, error) {
	res, err := r.update(ctx, resourceID, func(res *model.ResourceDeposit) error {
		res.FailedRequests++
		res.ConsecutiveFailures++
		if res.ConsecutiveFailures >= r.threshold && res.Status != model.ResourceStatusSuspended {
			res.Status = model.ResourceStatusSuspended
		}
		return nil
	})
	if err == nil && res.Status == model.ResourceStatusSuspended {
		r.zaplog.Warn("resource suspended",
			zap.String("resource", res.ID),
			zap.Int("consecutive_failures", res.ConsecutiveFailures),
		)
	}
	return res, err
}

func (r *Registry) ReportSuccess(ctx context.Context, resourceID string) (model.ResourceDeposit, error) {
	return r.update(ctx, resourceID, func(res *model.ResourceDeposit) error {
		res.ConsecutiveFailures = 0
		return nil
	})
}

// Reactivate lifts a health suspension. Rejected deposits stay suspended.
func (r *Registry) Reactivate(ctx context.Context, resourceID string) (model.ResourceDeposit, error) {
	return r.update(ctx, resourceID, func(res *model.ResourceDeposit) error {
		if res.DepositStatus == model.DepositStatusRejected {
			return fmt.Errorf("%w: deposit %s was rejected", model.ErrResourceInactive, res.ID)
		}
		res.ConsecutiveFailures = 0
		if res.Status == model.ResourceStatusSuspended {
			res.Status = model.ResourceStatusActive
			if res.CurrentQuota.IsZero() {
				res.Status = model.ResourceStatusDepleted
			}
		}
		return nil
	})
}

func (r *Registry) Resource(ctx context.Context, resourceID string) (model.ResourceDeposit, error) {
	res, err := r.store.Resource(ctx, resourceID)
	if errors.Is(err, store.ErrNotFound) {
		return model.ResourceDeposit{}, fmt.Errorf("%w: %s", model.ErrUnknownResource, resourceID)
	}
	return res, err
}

type Stats struct {
	TotalResources    int             `json:"total_resources"`
	ActiveResources   int             `json:"active_resources"`
	TotalValue        decimal.Decimal `json:"total_value"`
	TotalContributors int             `json:"total_contributors"`
	TotalRequests     int64           `json:"total_requests"`
}

func (r *Registry) Stats(ctx context.Context) (Stats, error) {
	all, err := r.store.Resources(ctx, store.ResourceFilter{})
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{TotalResources: len(all), TotalValue: decimal.Zero}
	owners := make(map[string]struct{})
	for _, res := range all {
		owners[res.OwnerID] = struct{}{}
		stats.TotalRequests += res.TotalRequests
		if res.Status == model.ResourceStatusActive {
			stats.ActiveResources++
			stats.TotalValue = stats.TotalValue.Add(res.CurrentQuota)
		}
	}
	stats.TotalContributors = len(owners)
	return stats, nil
}

type Contributions struct {
	CreditsReleased decimal.Decimal `json:"credits_released"`
	CreditsPending  decimal.Decimal `json:"credits_pending"`
	QuotaConsumed   decimal.Decimal `json:"quota_consumed"`
	RemainingQuota  decimal.Decimal `json:"remaining_quota"`
	ResourcesCount  int             `json:"resources_count"`
	ActiveCount     int             `json:"active_count"`
}

func (r *Registry) MyContributions(ctx context.Context, ownerID string) (Contributions, error) {
	mine, err := r.MyResources(ctx, ownerID)
	if err != nil {
		return Contributions{}, err
	}
	c := Contributions{
		CreditsReleased: decimal.Zero,
		CreditsPending:  decimal.Zero,
		QuotaConsumed:   decimal.Zero,
		RemainingQuota:  decimal.Zero,
		ResourcesCount:  len(mine),
	}
	for _, res := range mine {
		c.CreditsReleased = c.CreditsReleased.Add(res.ReleasedCredits)
		c.CreditsPending = c.CreditsPending.Add(res.PendingCredits)
		c.QuotaConsumed = c.QuotaConsumed.Add(res.TotalConsumed)
		if res.Status == model.ResourceStatusActive {
			c.ActiveCount++
			c.RemainingQuota = c.RemainingQuota.Add(res.CurrentQuota)
		}
	}
	return c, nil
}

func (r *Registry) MyResources(ctx context.Context, ownerID string) ([]model.ResourceDeposit, error) {
	return r.store.Resources(ctx, store.ResourceFilter{OwnerID: ownerID})
}

// Resources lists every resource, optionally by status.
func (r *Registry) Resources(ctx context.Context, status model.ResourceStatus) ([]model.ResourceDeposit, error) {
	return r.store.Resources(ctx, store.ResourceFilter{Status: status})
}

func (r *Registry) get(ctx context.Context, tx store.Tx, resourceID string) (model.ResourceDeposit, error) {
	res, err := tx.GetResource(ctx, resourceID)
	if errors.Is(err, store.ErrNotFound) {
		return model.ResourceDeposit{}, fmt.Errorf("%w: %s", model.ErrUnknownResource, resourceID)
	}
	return res, err
}

func (r *Registry) update(ctx context.Context, resourceID string, fn func(res *model.ResourceDeposit) error) (model.ResourceDeposit, error) {
	var res model.ResourceDeposit
	err := r.store.Atomic(ctx, []string{store.ResourceKey(resourceID)}, func(tx store.Tx) error {
		var err error
		res, err = r.get(ctx, tx, resourceID)
		if err != nil {
			return err
		}
		if err := fn(&res); err != nil {
			return err
		}
		res.UpdatedAt = r.now()
		return tx.PutResource(ctx, res)
	})
	if err != nil {
		return model.ResourceDeposit{}, err
	}
	return res, nil
}
