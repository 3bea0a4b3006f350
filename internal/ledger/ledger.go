package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iurnickita/creditledger/internal/events"
	"github.com/iurnickita/creditledger/internal/model"
	"github.com/iurnickita/creditledger/internal/store"
)

const (
	DefaultPageLimit = 100
	MaxPageLimit     = 500
)

// Engine is the only writer of accounts and transactions.
type Engine struct {
	store  store.Store
	events events.Publisher
	zaplog *zap.Logger
	now    func() time.Time
}

func NewEngine(st store.Store, pub events.Publisher, zaplog *zap.Logger) *Engine {
	if pub == nil {
		pub = events.Nop()
	}
	return &Engine{
		store:  st,
		events: pub,
		zaplog: zaplog,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type PostRequest struct {
	AccountID   string
	Amount      decimal.Decimal
	Type        model.TransactionType
	Description string
	ReferenceID string
}

type TransferRequest struct {
	From        string
	To          string
	Amount      decimal.Decimal
	Description string
	ReferenceID string
}

type TransferResult struct {
	Out model.Transaction `json:"out"`
	In  model.Transaction `json:"in"`
}

// Post appends one transaction to an account in its own unit.
func (e *Engine) Post(ctx context.Context, req PostRequest) (model.Transaction, error) {
	var (
		t     model.Transaction
		fresh bool
	)
	err := e.atomic(ctx, req.ReferenceID, []string{store.AccountKey(req.AccountID)}, func(tx store.Tx) error {
		var err error
		t, fresh, err = e.PostTx(ctx, tx, req)
		return err
	})
	if err != nil {
		e.zaplog.Debug("posting rejected",
			zap.String("account", req.AccountID),
			zap.String("type", string(req.Type)),
			zap.String("amount", req.Amount.String()),
			zap.Error(err),
		)
		return model.Transaction{}, err
	}
	if fresh {
		e.Published(t)
	}
	return t, nil
}

// PostTx performs a posting inside a unit that already holds the account
// key. It reports whether a new transaction was appended; false means the
// reference was already posted and the original record is returned.
func (e *Engine) PostTx(ctx context.Context, tx store.Tx, req PostRequest) (model.Transaction, bool, error) {
	if req.AccountID == "" {
		return model.Transaction{}, false, model.NewValidationError("account_id", "must not be empty")
	}
	amount := model.Round(req.Amount)
	if err := req.Type.CheckAmount(amount); err != nil {
		return model.Transaction{}, false, err
	}

	if req.ReferenceID != "" {
		prev, err := tx.TransactionByRef(ctx, req.AccountID, req.ReferenceID)
		switch {
		case err == nil:
			if prev.Type != req.Type || !prev.Amount.Equal(amount) {
				return model.Transaction{}, false, errReferenceTaken(req.ReferenceID, prev)
			}
			return prev, false, nil
		case !errors.Is(err, store.ErrNotFound):
			return model.Transaction{}, false, err
		}
	}

	now := e.now()
	acc, err := tx.GetAccount(ctx, req.AccountID)
	if errors.Is(err, store.ErrNotFound) {
		// счет заводится только первым зачислением
		if !amount.IsPositive() || req.Type == model.TxTransferIn {
			return model.Transaction{}, false, fmt.Errorf("%w: %s", model.ErrUnknownAccount, req.AccountID)
		}
		acc = model.Account{ID: req.AccountID, CreatedAt: now}
	} else if err != nil {
		return model.Transaction{}, false, err
	}

	before := acc.Balance
	after := before.Add(amount)
	if after.IsNegative() && !acc.Unlimited {
		return model.Transaction{}, false, fmt.Errorf("%w: balance %s, required %s",
			model.ErrInsufficientCredit, before.StringFixed(model.Scale), amount.Neg().StringFixed(model.Scale))
	}

	acc.Balance = after
	switch req.Type {
	case model.TxDeposit, model.TxBonus:
		acc.TotalDeposited = acc.TotalDeposited.Add(amount)
	case model.TxConsumption:
		acc.TotalConsumed = acc.TotalConsumed.Add(amount.Abs())
	case model.TxRefund:
		acc.TotalConsumed = decimal.Max(acc.TotalConsumed.Sub(amount), decimal.Zero)
	}
	acc.Seq++
	acc.UpdatedAt = now

	t := model.Transaction{
		ID:            uuid.NewString(),
		AccountID:     acc.ID,
		Seq:           acc.Seq,
		Type:          req.Type,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Description:   req.Description,
		ReferenceID:   req.ReferenceID,
		CreatedAt:     now,
	}
	if err := tx.PutAccount(ctx, acc); err != nil {
		return model.Transaction{}, false, err
	}
	if err := tx.AppendTransaction(ctx, t); err != nil {
		return model.Transaction{}, false, err
	}
	return t, true, nil
}

// Published announces transactions committed by a unit.
func (e *Engine) Published(ts ...model.Transaction) {
	for _, t := range ts {
		e.zaplog.Info("transaction posted",
			zap.String("account", t.AccountID),
			zap.Int64("seq", t.Seq),
			zap.String("type", string(t.Type)),
			zap.String("amount", t.Amount.StringFixed(model.Scale)),
			zap.String("balance", t.BalanceAfter.StringFixed(model.Scale)),
		)
		events.Emit(e.events, e.zaplog, events.SubjectTransactionPosted, t)
	}
}

// Transfer moves credits between two accounts as a transfer_out/transfer_in
// pair sharing one reference.
func (e *Engine) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	if req.From == "" || req.To == "" {
		return TransferResult{}, model.NewValidationError("account_id", "sender and recipient are required")
	}
	if req.From == req.To {
		return TransferResult{}, model.NewValidationError("to", "cannot transfer to the same account")
	}
	amount := model.Round(req.Amount)
	if !amount.IsPositive() {
		return TransferResult{}, model.NewValidationError("amount", "must be positive")
	}
	ref := req.ReferenceID
	if ref == "" {
		ref = uuid.NewString()
	}
	desc := req.Description
	if desc == "" {
		desc = fmt.Sprintf("transfer %s -> %s", req.From, req.To)
	}

	var (
		res      TransferResult
		freshIn  bool
		freshOut bool
	)
	keys := []string{store.AccountKey(req.From), store.AccountKey(req.To)}
	err := e.atomic(ctx, ref, keys, func(tx store.Tx) error {
		out, okOut, err := transactionByRef(ctx, tx, req.From, ref)
		if err != nil {
			return err
		}
		in, okIn, err := transactionByRef(ctx, tx, req.To, ref)
		if err != nil {
			return err
		}
		switch {
		case okOut && okIn:
			if out.Type != model.TxTransferOut || in.Type != model.TxTransferIn ||
				!out.Amount.Equal(amount.Neg()) || !in.Amount.Equal(amount) {
				return errReferenceTaken(ref, out)
			}
			res.Out, res.In = out, in
			return nil
		case okOut:
			return errReferenceTaken(ref, out)
		case okIn:
			return errReferenceTaken(ref, in)
		}

		res.Out, freshOut, err = e.PostTx(ctx, tx, PostRequest{
			AccountID: req.From, Amount: amount.Neg(), Type: model.TxTransferOut,
			Description: desc, ReferenceID: ref,
		})
		if err != nil {
			return err
		}
		res.In, freshIn, err = e.PostTx(ctx, tx, PostRequest{
			AccountID: req.To, Amount: amount, Type: model.TxTransferIn,
			Description: desc, ReferenceID: ref,
		})
		return err
	})
	if err != nil {
		e.zaplog.Debug("transfer rejected", zap.String("from", req.From), zap.String("to", req.To), zap.Error(err))
		return TransferResult{}, err
	}
	if freshOut {
		e.Published(res.Out)
	}
	if freshIn {
		e.Published(res.In)
	}
	return res, nil
}

// Deposit credits an account; callers check privilege.
func (e *Engine) Deposit(ctx context.Context, accountID string, amount decimal.Decimal, description, referenceID string) (model.Transaction, error) {
	if description == "" {
		description = fmt.Sprintf("deposit %s credits", model.Round(amount).StringFixed(model.Scale))
	}
	return e.Post(ctx, PostRequest{
		AccountID: accountID, Amount: amount, Type: model.TxDeposit,
		Description: description, ReferenceID: referenceID,
	})
}

// Adjust posts an admin_adjustment of either sign.
func (e *Engine) Adjust(ctx context.Context, accountID string, amount decimal.Decimal, description, referenceID string) (model.Transaction, error) {
	if description == "" {
		description = "admin adjustment"
	}
	return e.Post(ctx, PostRequest{
		AccountID: accountID, Amount: amount, Type: model.TxAdminAdjustment,
		Description: description, ReferenceID: referenceID,
	})
}

// GetBalance returns the account, or a zero account if nothing was ever posted.
func (e *Engine) GetBalance(ctx context.Context, accountID string) (model.Account, error) {
	acc, err := e.store.Account(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Account{ID: accountID}, nil
	}
	return acc, err
}

// GetTransactions pages an account's history, newest first.
func (e *Engine) GetTransactions(ctx context.Context, accountID string, limit, offset int) ([]model.Transaction, error) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return e.store.Transactions(ctx, accountID, limit, offset)
}

func (e *Engine) SetUnlimited(ctx context.Context, accountID string, unlimited bool) (model.Account, error) {
	var acc model.Account
	err := e.store.Atomic(ctx, []string{store.AccountKey(accountID)}, func(tx store.Tx) error {
		var err error
		acc, err = tx.GetAccount(ctx, accountID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", model.ErrUnknownAccount, accountID)
		}
		if err != nil {
			return err
		}
		acc.Unlimited = unlimited
		acc.UpdatedAt = e.now()
		return tx.PutAccount(ctx, acc)
	})
	if err != nil {
		return model.Account{}, err
	}
	e.zaplog.Info("account limit changed", zap.String("account", accountID), zap.Bool("unlimited", unlimited))
	return acc, nil
}

// ErrReplayMismatch reports a history that does not reproduce the stored balance.
var ErrReplayMismatch = errors.New("ledger: history does not reproduce balance")

// Replay folds the account history in sequence order and checks that it
// reproduces the stored balance.
func (e *Engine) Replay(ctx context.Context, accountID string) (decimal.Decimal, error) {
	acc, err := e.store.Account(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, fmt.Errorf("%w: %s", model.ErrUnknownAccount, accountID)
	}
	if err != nil {
		return decimal.Zero, err
	}
	history, err := e.store.History(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}

	balance := decimal.Zero
	for i, t := range history {
		if t.Seq != int64(i+1) {
			return balance, fmt.Errorf("%w: gap at seq %d", ErrReplayMismatch, i+1)
		}
		if !t.BalanceBefore.Equal(balance) || !t.BalanceAfter.Equal(balance.Add(t.Amount)) {
			return balance, fmt.Errorf("%w: seq %d", ErrReplayMismatch, t.Seq)
		}
		balance = t.BalanceAfter
	}
	if !balance.Equal(acc.Balance) {
		return balance, fmt.Errorf("%w: replayed %s, stored %s", ErrReplayMismatch,
			balance.StringFixed(model.Scale), acc.Balance.StringFixed(model.Scale))
	}
	return balance, nil
}

type Stats struct {
	Accounts       int             `json:"accounts"`
	Transactions   int64           `json:"transactions"`
	TotalBalance   decimal.Decimal `json:"total_balance"`
	TotalDeposited decimal.Decimal `json:"total_deposited"`
	TotalConsumed  decimal.Decimal `json:"total_consumed"`
}

// Stats sums the committed account snapshots. Seq of an account is the
// number of its postings.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	accounts, err := e.store.Accounts(ctx)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{
		Accounts:       len(accounts),
		TotalBalance:   decimal.Zero,
		TotalDeposited: decimal.Zero,
		TotalConsumed:  decimal.Zero,
	}
	for _, acc := range accounts {
		stats.Transactions += acc.Seq
		stats.TotalBalance = stats.TotalBalance.Add(acc.Balance)
		stats.TotalDeposited = stats.TotalDeposited.Add(acc.TotalDeposited)
		stats.TotalConsumed = stats.TotalConsumed.Add(acc.TotalConsumed)
	}
	return stats, nil
}

func transactionByRef(ctx context.Context, tx store.Tx, accountID, ref string) (model.Transaction, bool, error) {
	t, err := tx.TransactionByRef(ctx, accountID, ref)
	switch {
	case err == nil:
		return t, true, nil
	case errors.Is(err, store.ErrNotFound):
		return model.Transaction{}, false, nil
	}
	return model.Transaction{}, false, err
}

// errReferenceTaken rejects a reference already bound to a different posting.
func errReferenceTaken(ref string, prev model.Transaction) error {
	return model.NewValidationError("reference_id",
		fmt.Sprintf("%q already used by %s %s", ref, prev.Type, prev.Amount.StringFixed(model.Scale)))
}

// atomic runs a unit once more when the store reports a reference clash
// at commit; the second run resolves to the already posted record.
func (e *Engine) atomic(ctx context.Context, ref string, keys []string, fn func(tx store.Tx) error) error {
	err := e.store.Atomic(ctx, keys, fn)
	if ref != "" && errors.Is(err, model.ErrDuplicateReference) {
		err = e.store.Atomic(ctx, keys, fn)
	}
	return err
}
