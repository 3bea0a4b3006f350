package memory

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/iurnickita/creditledger/internal/model"
	"github.com/iurnickita/creditledger/internal/store"
)

// tx stages writes of one unit on top of the committed maps.
type tx struct {
	s    *Store
	held map[string]struct{}

	accounts     map[string]model.Account
	appended     []model.Transaction
	resources    map[string]model.ResourceDeposit
	listings     map[string]model.Listing
	orders       map[string]model.PurchaseOrder
	reservations map[string]model.Reservation
	receipts     map[receiptKey]store.Receipt
}

func newTx(s *Store, keys []string) *tx {
	held := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		held[k] = struct{}{}
	}
	return &tx{
		s:            s,
		held:         held,
		accounts:     make(map[string]model.Account),
		resources:    make(map[string]model.ResourceDeposit),
		listings:     make(map[string]model.Listing),
		orders:       make(map[string]model.PurchaseOrder),
		reservations: make(map[string]model.Reservation),
		receipts:     make(map[receiptKey]store.Receipt),
	}
}

func (t *tx) holds(key string) error {
	if _, ok := t.held[key]; !ok {
		return store.ErrNotLocked
	}
	return nil
}

func (t *tx) GetAccount(_ context.Context, id string) (model.Account, error) {
	if acc, ok := t.accounts[id]; ok {
		return acc, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	acc, ok := t.s.accounts[id]
	if !ok {
		return model.Account{}, store.ErrNotFound
	}
	return acc, nil
}

func (t *tx) PutAccount(_ context.Context, acc model.Account) error {
	if err := t.holds(store.AccountKey(acc.ID)); err != nil {
		return err
	}
	t.accounts[acc.ID] = acc
	return nil
}

func (t *tx) AppendTransaction(_ context.Context, tr model.Transaction) error {
	if err := t.holds(store.AccountKey(tr.AccountID)); err != nil {
		return err
	}
	if tr.ReferenceID != "" {
		for _, a := range t.appended {
			if a.AccountID == tr.AccountID && a.ReferenceID == tr.ReferenceID {
				return model.ErrDuplicateReference
			}
		}
	}
	t.appended = append(t.appended, tr)
	return nil
}

func (t *tx) TransactionByRef(_ context.Context, accountID, ref string) (model.Transaction, error) {
	for _, a := range t.appended {
		if a.AccountID == accountID && a.ReferenceID == ref {
			return a, nil
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	tr, ok := t.s.txRefs[refKey{accountID, ref}]
	if !ok {
		return model.Transaction{}, store.ErrNotFound
	}
	return tr, nil
}

func (t *tx) GetResource(_ context.Context, id string) (model.ResourceDeposit, error) {
	if r, ok := t.resources[id]; ok {
		return r, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	r, ok := t.s.resources[id]
	if !ok {
		return model.ResourceDeposit{}, store.ErrNotFound
	}
	return r, nil
}

func (t *tx) PutResource(_ context.Context, r model.ResourceDeposit) error {
	if err := t.holds(store.ResourceKey(r.ID)); err != nil {
		return err
	}
	t.resources[r.ID] = r
	return nil
}

func (t *tx) ResourceByRef(_ context.Context, ownerID, ref string) (model.ResourceDeposit, error) {
	for _, r := range t.resources {
		if r.OwnerID == ownerID && r.ReferenceID == ref {
			return r, nil
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	id, ok := t.s.resourceRefs[refKey{ownerID, ref}]
	if !ok {
		return model.ResourceDeposit{}, store.ErrNotFound
	}
	return t.s.resources[id], nil
}

func (t *tx) GetListing(_ context.Context, id string) (model.Listing, error) {
	if l, ok := t.listings[id]; ok {
		return l, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	l, ok := t.s.listings[id]
	if !ok {
		return model.Listing{}, store.ErrNotFound
	}
	return l, nil
}

func (t *tx) PutListing(_ context.Context, l model.Listing) error {
	if err := t.holds(store.ListingKey(l.ID)); err != nil {
		return err
	}
	t.listings[l.ID] = l
	return nil
}

func (t *tx) ListedQuota(_ context.Context, resourceID string) (decimal.Decimal, error) {
	t.s.mu.RLock()
	merged := make(map[string]model.Listing)
	for id, l := range t.s.listings {
		if l.ResourceID == resourceID {
			merged[id] = l
		}
	}
	t.s.mu.RUnlock()
	for id, l := range t.listings {
		if l.ResourceID == resourceID {
			merged[id] = l
		}
	}

	sum := decimal.Zero
	for _, l := range merged {
		if l.Status == model.ListingStatusOutOfStock || l.Status == model.ListingStatusDeleted {
			continue
		}
		sum = sum.Add(l.AvailableQuota)
	}
	return sum, nil
}

func (t *tx) AllocatedQuota(_ context.Context, resourceID string) (decimal.Decimal, error) {
	t.s.mu.RLock()
	merged := make(map[string]model.PurchaseOrder)
	for id, o := range t.s.orders {
		if o.ResourceID == resourceID {
			merged[id] = o
		}
	}
	t.s.mu.RUnlock()
	for id, o := range t.orders {
		if o.ResourceID == resourceID {
			merged[id] = o
		}
	}

	sum := decimal.Zero
	for _, o := range merged {
		if o.Status != model.PurchaseOrderStatusCompleted {
			continue
		}
		sum = sum.Add(o.RemainingValue())
	}
	return sum, nil
}

func (t *tx) GetOrder(_ context.Context, id string) (model.PurchaseOrder, error) {
	if o, ok := t.orders[id]; ok {
		return o, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	o, ok := t.s.orders[id]
	if !ok {
		return model.PurchaseOrder{}, store.ErrNotFound
	}
	return o, nil
}

func (t *tx) PutOrder(_ context.Context, o model.PurchaseOrder) error {
	if err := t.holds(store.OrderKey(o.ID)); err != nil {
		return err
	}
	t.orders[o.ID] = o
	return nil
}

func (t *tx) OrderByRef(_ context.Context, buyerID, ref string) (model.PurchaseOrder, error) {
	for _, o := range t.orders {
		if o.BuyerID == buyerID && o.ReferenceID == ref {
			return o, nil
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	id, ok := t.s.orderRefs[refKey{buyerID, ref}]
	if !ok {
		return model.PurchaseOrder{}, store.ErrNotFound
	}
	return t.s.orders[id], nil
}

func (t *tx) GetReservation(_ context.Context, id string) (model.Reservation, error) {
	if r, ok := t.reservations[id]; ok {
		return r, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	r, ok := t.s.reservations[id]
	if !ok {
		return model.Reservation{}, store.ErrNotFound
	}
	return r, nil
}

func (t *tx) PutReservation(_ context.Context, r model.Reservation) error {
	if err := t.holds(store.ReservationKey(r.ID)); err != nil {
		return err
	}
	t.reservations[r.ID] = r
	return nil
}

func (t *tx) ReservationByRef(_ context.Context, accountID, ref string) (model.Reservation, error) {
	for _, r := range t.reservations {
		if r.AccountID == accountID && r.ReferenceID == ref {
			return r, nil
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	id, ok := t.s.reservationRefs[refKey{accountID, ref}]
	if !ok {
		return model.Reservation{}, store.ErrNotFound
	}
	return t.s.reservations[id], nil
}

func (t *tx) GetReceipt(_ context.Context, scope, ownerID, ref string) (store.Receipt, error) {
	k := receiptKey{scope, ownerID, ref}
	if r, ok := t.receipts[k]; ok {
		return r, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	r, ok := t.s.receipts[k]
	if !ok {
		return store.Receipt{}, store.ErrNotFound
	}
	return r, nil
}

func (t *tx) PutReceipt(_ context.Context, r store.Receipt) error {
	if err := t.holds(store.ReceiptKey(r.Scope, r.OwnerID, r.ReferenceID)); err != nil {
		return err
	}
	t.receipts[receiptKey{r.Scope, r.OwnerID, r.ReferenceID}] = r
	return nil
}
