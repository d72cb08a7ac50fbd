package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nimdiido/eclipsebux/internal/model"
	"github.com/nimdiido/eclipsebux/internal/notify"
	"github.com/nimdiido/eclipsebux/internal/service/economyclient"
	"github.com/nimdiido/eclipsebux/internal/store"
)

// Исполнитель покупки: валидация присланного pass item и автоматическая
// покупка. Любой путь выхода оставляет заказ в delivered или paid -
// застрять в processing заказ не должен

func (s *service) SubmitPassItem(ctx context.Context, code string, customerID string, passItemID int64) (model.Order, error) {
	if code == "" || passItemID == 0 {
		return model.Order{}, ErrInsufficientData
	}

	order, err := s.store.OrderGet(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return model.Order{}, ErrOrderNotFound
		}
		return model.Order{}, err
	}
	if order.CustomerID != customerID {
		return model.Order{}, ErrNotOrderOwner
	}
	switch order.Status {
	case model.OrderStatusPaid:
	case model.OrderStatusProcessing:
		return model.Order{}, ErrSubmissionInProgress
	default:
		return model.Order{}, ErrWrongStatus
	}

	// processing - видимая блокировка от параллельной повторной отправки
	won, err := s.store.OrderSetStatus(ctx, code, model.OrderStatusPaid, model.OrderStatusProcessing)
	if err != nil {
		return model.Order{}, err
	}
	if !won {
		return model.Order{}, ErrSubmissionInProgress
	}
	if err := s.store.OrderSetPassItem(ctx, code, passItemID); err != nil {
		s.zaplog.Warn("record pass item", zap.String("order", code), zap.Error(err))
	}

	return s.executePurchase(ctx, order, passItemID)
}

func (s *service) executePurchase(ctx context.Context, order model.Order, passItemID int64) (result model.Order, err error) {
	delivered := false
	defer func() {
		if delivered {
			return
		}
		// откат в paid на любом неуспехе, включая панику: покупатель
		// может исправить pass item и отправить снова
		if _, revertErr := s.store.OrderSetStatus(context.Background(), order.Code,
			model.OrderStatusProcessing, model.OrderStatusPaid); revertErr != nil {
			s.zaplog.Error("revert to paid", zap.String("order", order.Code), zap.Error(revertErr))
		}
		if err != nil {
			s.auditPurchaseFailure(order, passItemID, err)
		}
	}()

	balance, balErr := s.economy.Balance(ctx)
	if balErr != nil {
		return order, economyclient.ErrBalanceUnavailable
	}

	item, itemErr := s.economy.GetItem(ctx, passItemID)
	if itemErr != nil {
		return order, itemErr
	}

	if checkErr := economyclient.ValidateForPurchase(item, order.ItemPrice, s.cfg.PriceTolerance, order.PlatformUserID); checkErr != nil {
		return order, checkErr
	}

	if balance < item.Price {
		return order, fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, balance, item.Price)
	}

	// pass item уже в инвентаре оператора: повторная покупка не переведет
	// валюту. Недоступность инвентаря покупку не блокирует
	owned, ownErr := s.economy.OperatorOwnsItem(ctx, passItemID)
	if ownErr != nil {
		s.zaplog.Warn("ownership check failed", zap.String("order", order.Code), zap.Error(ownErr))
	} else if owned {
		return order, economyclient.ErrItemAlreadyOwned
	}

	purchase, purchaseErr := s.economy.Purchase(ctx, item, order.ItemPrice, order.PlatformUserID)
	if purchaseErr != nil {
		return order, purchaseErr
	}
	if !purchase.Purchased {
		// причина отказа платформы отдается дословно
		return order, fmt.Errorf("%w: %s", ErrPurchaseRejected, purchase.Reason)
	}

	won, casErr := s.store.OrderSetStatus(ctx, order.Code, model.OrderStatusProcessing, model.OrderStatusDelivered)
	if casErr != nil || !won {
		// покупка прошла, но отметить доставку не удалось. Заказ вернется
		// в paid, разбор за оператором
		if noteErr := s.store.OrderAppendNote(ctx, order.Code,
			"purchase succeeded but delivery mark failed, needs operator review"); noteErr != nil {
			s.zaplog.Error("delivery mark note", zap.String("order", order.Code), zap.Error(noteErr))
		}
		if casErr == nil {
			casErr = ErrWrongStatus
		}
		return order, casErr
	}
	delivered = true

	order.Status = model.OrderStatusDelivered
	order.PassItemID = passItemID

	s.audit(ctx, model.AuditEntry{
		Action:     "order_delivered",
		CustomerID: order.CustomerID,
		OrderCode:  order.Code,
		Details: map[string]any{
			"units":     order.UnitAmount,
			"pass_item": passItemID,
		},
		Level: model.AuditLevelSuccess,
	})
	s.notify.Notify(order.ChannelRef, notify.Event{
		Action:    "order_delivered",
		OrderCode: order.Code,
		Message:   fmt.Sprintf("%d units delivered", order.UnitAmount),
	})
	s.zaplog.Info("order delivered",
		zap.String("order", order.Code),
		zap.Int64("pass_item", passItemID),
		zap.Int64("units", order.UnitAmount))

	return order, nil
}

func (s *service) auditPurchaseFailure(order model.Order, passItemID int64, cause error) {
	s.audit(context.Background(), model.AuditEntry{
		Action:     "pass_item_rejected",
		CustomerID: order.CustomerID,
		OrderCode:  order.Code,
		Details: map[string]any{
			"pass_item": passItemID,
			"error":     cause.Error(),
		},
		Level: model.AuditLevelWarning,
	})
	s.zaplog.Warn("purchase failed",
		zap.String("order", order.Code),
		zap.Int64("pass_item", passItemID),
		zap.Error(cause))
}
