package ledger

import (
	"context"
	"errors"

	"github.com/nimdiido/eclipsebux/internal/model"
	"github.com/nimdiido/eclipsebux/internal/store"
)

// Учет подтвержденных платежей: запись транзакции и накопительная
// статистика покупателя

type Ledger interface {
	RecordPayment(ctx context.Context, order model.Order) error
	Customer(ctx context.Context, customerID string) (model.Customer, error)
}

var ErrDuplicatePayment = errors.New("payment already recorded")

type ledger struct {
	store store.Store
}

func NewLedger(store store.Store) Ledger {
	return &ledger{store: store}
}

// RecordPayment: транзакция, затем инкремент статистики.
// Дубль по payment_id - повторная обработка того же подтверждения,
// статистику второй раз не трогаем
func (ledger *ledger) RecordPayment(ctx context.Context, order model.Order) error {
	err := ledger.store.TransactionCreate(ctx, model.Transaction{
		PaymentID:  order.PaymentID,
		OrderCode:  order.Code,
		CustomerID: order.CustomerID,
		Cents:      order.PriceCents,
		Status:     "approved",
	})
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return ErrDuplicatePayment
		}
		return err
	}

	return ledger.store.CustomerIncrementStats(ctx, order.CustomerID, order.PriceCents, order.UnitAmount)
}

func (ledger *ledger) Customer(ctx context.Context, customerID string) (model.Customer, error) {
	return ledger.store.CustomerGet(ctx, customerID)
}
