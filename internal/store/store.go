package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iurnickita/creditledger/internal/model"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrNotLocked = errors.New("store: entity key is not held by this unit")
)

// Store is the durable side of the ledger. Every mutation goes through
// Atomic; the remaining methods are committed-state reads.
type Store interface {
	// Atomic acquires exclusivity over keys (sorted, de-duplicated), runs fn
	// and commits every write made through tx if fn returns nil.
	// Nothing fn wrote is visible to anyone if it returns an error.
	Atomic(ctx context.Context, keys []string, fn func(tx Tx) error) error

	Account(ctx context.Context, id string) (model.Account, error)
	Accounts(ctx context.Context) ([]model.Account, error)
	Transactions(ctx context.Context, accountID string, limit, offset int) ([]model.Transaction, error)
	History(ctx context.Context, accountID string) ([]model.Transaction, error)

	Resource(ctx context.Context, id string) (model.ResourceDeposit, error)
	Resources(ctx context.Context, filter ResourceFilter) ([]model.ResourceDeposit, error)

	Listing(ctx context.Context, id string) (model.Listing, error)
	Listings(ctx context.Context, filter ListingFilter) ([]model.Listing, error)

	Order(ctx context.Context, id string) (model.PurchaseOrder, error)
	Orders(ctx context.Context, filter OrderFilter) ([]model.PurchaseOrder, error)

	Reservation(ctx context.Context, id string) (model.Reservation, error)

	Pricing(ctx context.Context, modelID string) (model.ModelPricing, error)
	PutPricing(ctx context.Context, p model.ModelPricing) error
	Catalog(ctx context.Context) ([]model.ModelPricing, error)

	Close() error
}

// Tx is the view of the store inside one Atomic unit. Reads observe the
// unit's own writes. Put* on an entity whose key the unit does not hold
// fails with ErrNotLocked.
type Tx interface {
	GetAccount(ctx context.Context, id string) (model.Account, error)
	PutAccount(ctx context.Context, acc model.Account) error
	AppendTransaction(ctx context.Context, t model.Transaction) error
	TransactionByRef(ctx context.Context, accountID, ref string) (model.Transaction, error)

	GetResource(ctx context.Context, id string) (model.ResourceDeposit, error)
	PutResource(ctx context.Context, r model.ResourceDeposit) error
	ResourceByRef(ctx context.Context, ownerID, ref string) (model.ResourceDeposit, error)

	GetListing(ctx context.Context, id string) (model.Listing, error)
	PutListing(ctx context.Context, l model.Listing) error
	// ListedQuota sums the available quota of open listings backed by a
	// resource; out_of_stock and deleted listings do not count.
	ListedQuota(ctx context.Context, resourceID string) (decimal.Decimal, error)
	// AllocatedQuota sums the listed value of tokens sold from a resource
	// and not yet used.
	AllocatedQuota(ctx context.Context, resourceID string) (decimal.Decimal, error)

	GetOrder(ctx context.Context, id string) (model.PurchaseOrder, error)
	PutOrder(ctx context.Context, o model.PurchaseOrder) error
	OrderByRef(ctx context.Context, buyerID, ref string) (model.PurchaseOrder, error)

	GetReservation(ctx context.Context, id string) (model.Reservation, error)
	PutReservation(ctx context.Context, r model.Reservation) error
	ReservationByRef(ctx context.Context, accountID, ref string) (model.Reservation, error)

	GetReceipt(ctx context.Context, scope, ownerID, ref string) (Receipt, error)
	// PutReceipt needs the receipt key of the same scope, owner and reference.
	PutReceipt(ctx context.Context, r Receipt) error
}

// Receipt records an idempotence key taken by an operation that has no
// reference column of its own.
type Receipt struct {
	Scope       string
	OwnerID     string
	ReferenceID string
	EntityID    string
	Digest      string
	CreatedAt   time.Time
}

const (
	ScopeListing       = "listing"
	ScopeListingUpdate = "listing-update"
	ScopeListingStatus = "listing-status"
	ScopeTopUp         = "topup"
	ScopeAllocation    = "allocation"
)

// Recall looks up the receipt for ref. ok is false when the reference is
// new; a receipt taken with another digest is a validation error.
func Recall(ctx context.Context, tx Tx, scope, ownerID, ref, digest string) (Receipt, bool, error) {
	r, err := tx.GetReceipt(ctx, scope, ownerID, ref)
	switch {
	case errors.Is(err, ErrNotFound):
		return Receipt{}, false, nil
	case err != nil:
		return Receipt{}, false, err
	case r.Digest != digest:
		return Receipt{}, false, model.NewValidationError("reference_id",
			fmt.Sprintf("%q already used with other parameters", ref))
	}
	return r, true, nil
}

type ResourceFilter struct {
	OwnerID string
	Status  model.ResourceStatus
}

type ListingFilter struct {
	SellerID   string
	ResourceID string
	Status     model.ListingStatus
}

type OrderFilter struct {
	BuyerID   string
	SellerID  string
	ListingID string
	Status    model.PurchaseOrderStatus
	Limit     int
	Offset    int
}

// Ключи сущностей для Atomic

func AccountKey(id string) string     { return "account:" + id }
func ResourceKey(id string) string    { return "resource:" + id }
func ListingKey(id string) string     { return "listing:" + id }
func OrderKey(id string) string       { return "order:" + id }
func ReservationKey(id string) string { return "reservation:" + id }

func ReceiptKey(scope, ownerID, ref string) string {
	return "receipt:" + scope + ":" + ownerID + ":" + ref
}

// SortKeys returns keys sorted and without duplicates or empty entries.
// Every backend acquires keys in this order so two units touching the
// same entities can never wait on each other in a cycle.
func SortKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Page applies limit/offset to a slice already in display order.
func Page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset > len(items) {
		offset = len(items)
	}
	end := offset + limit
	if limit <= 0 || end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
