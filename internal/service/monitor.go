package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/nimdiido/eclipsebux/internal/ledger"
	"github.com/nimdiido/eclipsebux/internal/model"
	"github.com/nimdiido/eclipsebux/internal/notify"
	"github.com/nimdiido/eclipsebux/internal/service/paymentclient"
)

// Монитор оплаты: по одному наблюдателю на заказ в pending.
// Наблюдатели независимы, общее состояние - только Order Store,
// который сериализует смену статуса через compare-and-set

func (s *service) startWatcher(code string, deadline time.Time) {
	s.wg.Add(1)
	go s.watchPayment(code, deadline)
}

func (s *service) watchPayment(code string, deadline time.Time) {
	defer s.wg.Done()
	ctx := context.Background()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.expireOrder(ctx, code)
			return
		case <-ticker.C:
			// перечитываем заказ: статус мог сменить другой участник
			// (ручная отмена, рестарт-ресум)
			order, err := s.store.OrderGet(ctx, code)
			if err != nil {
				s.zaplog.Error("watcher read order", zap.String("order", code), zap.Error(err))
				continue
			}
			if order.Status != model.OrderStatusPending {
				return
			}

			switch s.payment.GetStatus(order.PaymentID) {
			case paymentclient.StatusApproved:
				won, err := s.store.OrderSetStatus(ctx, code, model.OrderStatusPending, model.OrderStatusPaid)
				if err != nil {
					s.zaplog.Error("watcher set paid", zap.String("order", code), zap.Error(err))
					continue
				}
				if won {
					s.confirmPayment(ctx, order)
				}
				return
			case paymentclient.StatusCancelled, paymentclient.StatusRejected:
				if _, err := s.store.OrderSetStatus(ctx, code, model.OrderStatusPending, model.OrderStatusCancelled); err != nil {
					s.zaplog.Error("watcher set cancelled", zap.String("order", code), zap.Error(err))
				}
				return
			default:
				// pending или временная ошибка шлюза - ждем следующий тик
			}
		}
	}
}

// confirmPayment: побочные эффекты подтвержденной оплаты в фиксированном
// порядке: транзакция, статистика покупателя, списание купона, аудит.
// Выполняет только победитель CAS pending->paid, поэтому повторное
// подтверждение шлюза эффекты не задваивает. Ошибки логируются и не
// откатываются: сам платеж уже подтвержден
func (s *service) confirmPayment(ctx context.Context, order model.Order) {
	if err := s.ledger.RecordPayment(ctx, order); err != nil {
		if errors.Is(err, ledger.ErrDuplicatePayment) {
			s.zaplog.Warn("payment already recorded", zap.String("order", order.Code))
		} else {
			s.zaplog.Error("record payment", zap.String("order", order.Code), zap.Error(err))
		}
	}

	if order.CouponCode != "" {
		if err := s.store.CouponConsume(ctx, order.CouponCode); err != nil {
			s.zaplog.Error("consume coupon",
				zap.String("order", order.Code),
				zap.String("coupon", order.CouponCode),
				zap.Error(err))
		}
	}

	s.audit(ctx, model.AuditEntry{
		Action:     "payment_confirmed",
		CustomerID: order.CustomerID,
		OrderCode:  order.Code,
		Details:    map[string]any{"cents": order.PriceCents, "payment": order.PaymentID},
		Level:      model.AuditLevelSuccess,
	})

	s.notify.Notify(order.ChannelRef, notify.Event{
		Action:    "payment_confirmed",
		OrderCode: order.Code,
		Message:   "payment confirmed, awaiting pass item",
	})

	s.zaplog.Info("payment confirmed",
		zap.String("order", order.Code),
		zap.String("payment", order.PaymentID),
		zap.Int64("cents", order.PriceCents))
}

// expireOrder: дедлайн оплаты истек. Ровно одно уведомление:
// его шлет только победитель CAS pending->expired
func (s *service) expireOrder(ctx context.Context, code string) {
	order, err := s.store.OrderGet(ctx, code)
	if err != nil {
		s.zaplog.Error("expire read order", zap.String("order", code), zap.Error(err))
		return
	}
	if order.Status != model.OrderStatusPending {
		return
	}

	won, err := s.store.OrderSetStatus(ctx, code, model.OrderStatusPending, model.OrderStatusExpired)
	if err != nil {
		s.zaplog.Error("expire set status", zap.String("order", code), zap.Error(err))
		return
	}
	if !won {
		return
	}

	s.audit(ctx, model.AuditEntry{
		Action:     "order_expired",
		CustomerID: order.CustomerID,
		OrderCode:  code,
		Level:      model.AuditLevelInfo,
	})
	s.notify.Notify(order.ChannelRef, notify.Event{
		Action:    "order_expired",
		OrderCode: code,
		Message:   "payment window elapsed, order expired",
	})
	s.zaplog.Info("order expired", zap.String("order", code))
}
