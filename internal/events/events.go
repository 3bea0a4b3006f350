package events

import (
	"encoding/json"

	"go.uber.org/zap"
)

// Темы событий
const (
	SubjectTransactionPosted = "ledger.transaction.posted"
	SubjectOrderCompleted    = "market.order.completed"
	SubjectResourceDeposited = "pool.resource.deposited"
)

// Publisher delivers committed facts to subscribers. Publishing happens
// after the unit commits, so a failure never undoes a posting.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Emit marshals v and publishes it, logging instead of returning errors.
func Emit(pub Publisher, zaplog *zap.Logger, subject string, v any) {
	if pub == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		zaplog.Warn("event marshal failed", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := pub.Publish(subject, data); err != nil {
		zaplog.Warn("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

type nop struct{}

// Nop discards every event.
func Nop() Publisher { return nop{} }

func (nop) Publish(string, []byte) error { return nil }
