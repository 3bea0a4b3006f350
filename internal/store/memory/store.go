package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/iurnickita/creditledger/internal/model"
	"github.com/iurnickita/creditledger/internal/store"
)

type refKey struct {
	owner string
	ref   string
}

type receiptKey struct {
	scope string
	owner string
	ref   string
}

// Store keeps the ledger in process memory. Units serialize on per-key
// slots; committed state is guarded by mu and replaced in one step per
// unit, so readers never see half a unit.
type Store struct {
	locks *keyLocks

	mu              sync.RWMutex
	accounts        map[string]model.Account
	history         map[string][]model.Transaction
	txRefs          map[refKey]model.Transaction
	resources       map[string]model.ResourceDeposit
	resourceRefs    map[refKey]string
	listings        map[string]model.Listing
	orders          map[string]model.PurchaseOrder
	orderRefs       map[refKey]string
	reservations    map[string]model.Reservation
	reservationRefs map[refKey]string
	receipts        map[receiptKey]store.Receipt
	pricing         map[string]model.ModelPricing
}

func New() *Store {
	return &Store{
		locks:           newKeyLocks(),
		accounts:        make(map[string]model.Account),
		history:         make(map[string][]model.Transaction),
		txRefs:          make(map[refKey]model.Transaction),
		resources:       make(map[string]model.ResourceDeposit),
		resourceRefs:    make(map[refKey]string),
		listings:        make(map[string]model.Listing),
		orders:          make(map[string]model.PurchaseOrder),
		orderRefs:       make(map[refKey]string),
		reservations:    make(map[string]model.Reservation),
		reservationRefs: make(map[refKey]string),
		receipts:        make(map[receiptKey]store.Receipt),
		pricing:         make(map[string]model.ModelPricing),
	}
}

func (s *Store) Atomic(ctx context.Context, keys []string, fn func(tx store.Tx) error) error {
	keys = store.SortKeys(keys)
	if err := s.locks.lockAll(ctx, keys); err != nil {
		return err
	}
	defer s.locks.unlockAll(keys)

	t := newTx(s, keys)
	if err := fn(t); err != nil {
		return err
	}
	return s.commit(t)
}

func (s *Store) commit(t *tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// уникальность ссылок проверяется до применения, чтобы не оставить половину записи
	for _, tr := range t.appended {
		if tr.ReferenceID == "" {
			continue
		}
		if _, ok := s.txRefs[refKey{tr.AccountID, tr.ReferenceID}]; ok {
			return model.ErrDuplicateReference
		}
	}
	for k := range t.receipts {
		if _, ok := s.receipts[k]; ok {
			return model.ErrDuplicateReference
		}
	}

	for id, acc := range t.accounts {
		s.accounts[id] = acc
	}
	for _, tr := range t.appended {
		s.history[tr.AccountID] = append(s.history[tr.AccountID], tr)
		if tr.ReferenceID != "" {
			s.txRefs[refKey{tr.AccountID, tr.ReferenceID}] = tr
		}
	}
	for id, r := range t.resources {
		s.resources[id] = r
		if r.ReferenceID != "" {
			s.resourceRefs[refKey{r.OwnerID, r.ReferenceID}] = id
		}
	}
	for id, l := range t.listings {
		s.listings[id] = l
	}
	for id, o := range t.orders {
		s.orders[id] = o
		if o.ReferenceID != "" {
			s.orderRefs[refKey{o.BuyerID, o.ReferenceID}] = id
		}
	}
	for id, r := range t.reservations {
		s.reservations[id] = r
		if r.ReferenceID != "" {
			s.reservationRefs[refKey{r.AccountID, r.ReferenceID}] = id
		}
	}
	for k, r := range t.receipts {
		s.receipts[k] = r
	}
	return nil
}

func (s *Store) Account(_ context.Context, id string) (model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[id]
	if !ok {
		return model.Account{}, store.ErrNotFound
	}
	return acc, nil
}

func (s *Store) Accounts(_ context.Context) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		out = append(out, acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Transactions(_ context.Context, accountID string, limit, offset int) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := s.history[accountID]
	newest := make([]model.Transaction, len(h))
	for i := range h {
		newest[len(h)-1-i] = h[i]
	}
	return store.Page(newest, limit, offset), nil
}

func (s *Store) History(_ context.Context, accountID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := s.history[accountID]
	out := make([]model.Transaction, len(h))
	copy(out, h)
	return out, nil
}

func (s *Store) Resource(_ context.Context, id string) (model.ResourceDeposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.resources[id]
	if !ok {
		return model.ResourceDeposit{}, store.ErrNotFound
	}
	return r, nil
}

func (s *Store) Resources(_ context.Context, filter store.ResourceFilter) ([]model.ResourceDeposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ResourceDeposit
	for _, r := range s.resources {
		if filter.OwnerID != "" && r.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) Listing(_ context.Context, id string) (model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.listings[id]
	if !ok {
		return model.Listing{}, store.ErrNotFound
	}
	return l, nil
}

func (s *Store) Listings(_ context.Context, filter store.ListingFilter) ([]model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Listing
	for _, l := range s.listings {
		if filter.SellerID != "" && l.SellerID != filter.SellerID {
			continue
		}
		if filter.ResourceID != "" && l.ResourceID != filter.ResourceID {
			continue
		}
		if filter.Status != "" && l.Status != filter.Status {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) Order(_ context.Context, id string) (model.PurchaseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return model.PurchaseOrder{}, store.ErrNotFound
	}
	return o, nil
}

func (s *Store) Orders(_ context.Context, filter store.OrderFilter) ([]model.PurchaseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.PurchaseOrder
	for _, o := range s.orders {
		if filter.BuyerID != "" && o.BuyerID != filter.BuyerID {
			continue
		}
		if filter.SellerID != "" && o.SellerID != filter.SellerID {
			continue
		}
		if filter.ListingID != "" && o.ListingID != filter.ListingID {
			continue
		}
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return store.Page(out, filter.Limit, filter.Offset), nil
}

func (s *Store) Reservation(_ context.Context, id string) (model.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reservations[id]
	if !ok {
		return model.Reservation{}, store.ErrNotFound
	}
	return r, nil
}

func (s *Store) Pricing(_ context.Context, modelID string) (model.ModelPricing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pricing[modelID]
	if !ok {
		return model.ModelPricing{}, store.ErrNotFound
	}
	return p, nil
}

func (s *Store) PutPricing(_ context.Context, p model.ModelPricing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pricing[p.ModelID] = p
	return nil
}

func (s *Store) Catalog(_ context.Context) ([]model.ModelPricing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.ModelPricing, 0, len(s.pricing))
	for _, p := range s.pricing {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out, nil
}

func (s *Store) Close() error {
	return nil
}
