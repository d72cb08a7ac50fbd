package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nimdiido/eclipsebux/internal/ledger"
	"github.com/nimdiido/eclipsebux/internal/model"
	"github.com/nimdiido/eclipsebux/internal/notify"
	"github.com/nimdiido/eclipsebux/internal/pricing"
	"github.com/nimdiido/eclipsebux/internal/service/config"
	"github.com/nimdiido/eclipsebux/internal/service/economyclient"
	"github.com/nimdiido/eclipsebux/internal/service/paymentclient"
	"github.com/nimdiido/eclipsebux/internal/store"
)

type Service interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (model.Order, error)
	GetOrder(ctx context.Context, code string) (model.Order, []string, error)
	SubmitPassItem(ctx context.Context, code string, customerID string, passItemID int64) (model.Order, error)
	CancelOrder(ctx context.Context, code string, customerID string) error
	Refund(ctx context.Context, code string, by string) error
	MarkDelivered(ctx context.Context, code string, by string) error
	CustomerProfile(ctx context.Context, customerID string) (model.Customer, error)
	CreateCoupon(ctx context.Context, coupon model.Coupon) error
	DeactivateCoupon(ctx context.Context, code string) error
	ResumePending(ctx context.Context) (int, error)
	Wait()
}

var (
	ErrInsufficientData     = errors.New("insufficient data")
	ErrAmountOutOfRange     = errors.New("amount out of range")
	ErrUnknownIdentity      = errors.New("platform identity not found")
	ErrCustomerBanned       = errors.New("customer is banned")
	ErrCouponInvalid        = errors.New("coupon not applicable")
	ErrOrderNotFound        = errors.New("order not found")
	ErrNotOrderOwner        = errors.New("order belongs to another customer")
	ErrWrongStatus          = errors.New("order status does not permit this operation")
	ErrSubmissionInProgress = errors.New("submission already in progress")
	ErrGatewayUnavailable   = errors.New("payment gateway unavailable")
	ErrRefundDenied         = errors.New("gateway refused the refund")
	ErrInsufficientBalance  = errors.New("insufficient operator balance")
	ErrPurchaseRejected     = errors.New("platform rejected the purchase")
)

type CreateOrderRequest struct {
	CustomerID   string
	CustomerName string
	PlatformUser string
	UnitAmount   int64
	CouponCode   string
	ChannelRef   string
}

type service struct {
	cfg     config.Config
	store   store.Store
	ledger  ledger.Ledger
	pricing pricing.Pricing
	payment paymentclient.Client
	economy economyclient.Client
	notify  notify.Notifier
	zaplog  *zap.Logger
	wg      sync.WaitGroup
}

func NewService(
	cfg config.Config,
	store store.Store,
	pricing pricing.Pricing,
	payment paymentclient.Client,
	economy economyclient.Client,
	notifier notify.Notifier,
	zaplog *zap.Logger,
) Service {
	return &service{
		cfg:     cfg,
		store:   store,
		ledger:  ledger.NewLedger(store),
		pricing: pricing,
		payment: payment,
		economy: economy,
		notify:  notifier,
		zaplog:  zaplog,
	}
}

func (s *service) CreateOrder(ctx context.Context, req CreateOrderRequest) (model.Order, error) {
	if req.CustomerID == "" || req.PlatformUser == "" {
		return model.Order{}, ErrInsufficientData
	}
	if err := s.pricing.CheckBounds(req.UnitAmount); err != nil {
		return model.Order{}, ErrAmountOutOfRange
	}

	if err := s.store.CustomerEnsure(ctx, req.CustomerID, req.CustomerName); err != nil {
		return model.Order{}, err
	}
	customer, err := s.store.CustomerGet(ctx, req.CustomerID)
	if err != nil {
		return model.Order{}, err
	}
	if customer.Banned {
		return model.Order{}, ErrCustomerBanned
	}

	platformUserID, err := s.economy.ResolveIdentity(ctx, req.PlatformUser)
	if err != nil {
		if errors.Is(err, economyclient.ErrIdentityNotFound) {
			return model.Order{}, ErrUnknownIdentity
		}
		return model.Order{}, err
	}

	// Цена и скидка фиксируются в заказе один раз. Последующие изменения
	// тарифа или купона на существующие заказы не влияют
	basePrice := s.pricing.Price(req.UnitAmount)
	discount := 0.0
	if req.CouponCode != "" {
		coupon, err := s.store.CouponGet(ctx, req.CouponCode)
		if err != nil {
			if errors.Is(err, store.ErrNoRows) {
				return model.Order{}, fmt.Errorf("%w: not found", ErrCouponInvalid)
			}
			return model.Order{}, err
		}
		if err := checkCoupon(coupon, req.UnitAmount, time.Now().UTC()); err != nil {
			return model.Order{}, err
		}
		discount = coupon.DiscountPercent
	}

	now := time.Now().UTC()
	order := model.Order{
		Code:            model.NewOrderCode(),
		CustomerID:      req.CustomerID,
		PlatformUser:    req.PlatformUser,
		PlatformUserID:  platformUserID,
		UnitAmount:      req.UnitAmount,
		PriceCents:      pricing.ApplyDiscount(basePrice, discount),
		ItemPrice:       s.pricing.CompensatedItemPrice(req.UnitAmount),
		CouponCode:      req.CouponCode,
		DiscountPercent: discount,
		Status:          model.OrderStatusPending,
		ChannelRef:      req.ChannelRef,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.cfg.PaymentTimeout),
	}
	if err := s.store.OrderCreate(ctx, order); err != nil {
		return model.Order{}, err
	}

	description := fmt.Sprintf("Purchase of %d units, order %s", order.UnitAmount, order.Code)
	intent, err := s.payment.CreateIntent(order.PriceCents, order.Code, description, req.CustomerName, order.ExpiresAt)
	if err != nil {
		// платеж не создан - заказ никто не оплатит, отменяем сразу
		if _, casErr := s.store.OrderSetStatus(ctx, order.Code, model.OrderStatusPending, model.OrderStatusCancelled); casErr != nil {
			s.zaplog.Error("cancel after intent failure", zap.String("order", order.Code), zap.Error(casErr))
		}
		s.zaplog.Error("payment intent failed", zap.String("order", order.Code), zap.Error(err))
		return model.Order{}, ErrGatewayUnavailable
	}
	if err := s.store.OrderSetPayment(ctx, order.Code, intent.IntentID, intent.Code, intent.QRBase64); err != nil {
		return model.Order{}, err
	}
	order.PaymentID = intent.IntentID
	order.PaymentCode = intent.Code
	order.PaymentQR = intent.QRBase64

	s.audit(ctx, model.AuditEntry{
		Action:     "order_created",
		CustomerID: order.CustomerID,
		OrderCode:  order.Code,
		Details: map[string]any{
			"units":  order.UnitAmount,
			"cents":  order.PriceCents,
			"coupon": order.CouponCode,
		},
		Level: model.AuditLevelInfo,
	})

	s.startWatcher(order.Code, order.ExpiresAt)

	return order, nil
}

// checkCoupon: применимость купона, каждая причина отказа различима
func checkCoupon(coupon model.Coupon, units int64, now time.Time) error {
	if !coupon.Active {
		return fmt.Errorf("%w: inactive", ErrCouponInvalid)
	}
	if !coupon.ValidUntil.IsZero() && now.After(coupon.ValidUntil) {
		return fmt.Errorf("%w: expired", ErrCouponInvalid)
	}
	if coupon.MaxUses > 0 && coupon.CurrentUses >= coupon.MaxUses {
		return fmt.Errorf("%w: exhausted", ErrCouponInvalid)
	}
	if units < coupon.MinUnits {
		return fmt.Errorf("%w: minimum %d units", ErrCouponInvalid, coupon.MinUnits)
	}
	if coupon.MaxUnits > 0 && units > coupon.MaxUnits {
		return fmt.Errorf("%w: maximum %d units", ErrCouponInvalid, coupon.MaxUnits)
	}
	return nil
}

func (s *service) GetOrder(ctx context.Context, code string) (model.Order, []string, error) {
	if code == "" {
		return model.Order{}, nil, ErrInsufficientData
	}
	order, err := s.store.OrderGet(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return model.Order{}, nil, ErrOrderNotFound
		}
		return model.Order{}, nil, err
	}
	notes, err := s.store.OrderNotes(ctx, code)
	if err != nil {
		return model.Order{}, nil, err
	}
	return order, notes, nil
}

func (s *service) CancelOrder(ctx context.Context, code string, customerID string) error {
	order, err := s.store.OrderGet(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return ErrOrderNotFound
		}
		return err
	}
	if order.CustomerID != customerID {
		return ErrNotOrderOwner
	}
	if order.Status != model.OrderStatusPending {
		return ErrWrongStatus
	}

	won, err := s.store.OrderSetStatus(ctx, code, model.OrderStatusPending, model.OrderStatusCancelled)
	if err != nil {
		return err
	}
	if !won {
		// статус уже сменил монитор или другой запрос
		return ErrWrongStatus
	}
	if order.PaymentID != "" && !s.payment.Cancel(order.PaymentID) {
		s.zaplog.Warn("gateway cancel failed", zap.String("order", code), zap.String("payment", order.PaymentID))
	}
	s.audit(ctx, model.AuditEntry{
		Action:     "order_cancelled",
		CustomerID: order.CustomerID,
		OrderCode:  code,
		Level:      model.AuditLevelInfo,
	})
	return nil
}

func (s *service) Refund(ctx context.Context, code string, by string) error {
	order, err := s.store.OrderGet(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return ErrOrderNotFound
		}
		return err
	}
	if order.Status != model.OrderStatusPaid && order.Status != model.OrderStatusDelivered {
		return ErrWrongStatus
	}

	// сначала возврат на шлюзе, статус меняем только после его успеха
	if !s.payment.Refund(order.PaymentID, 0) {
		return ErrRefundDenied
	}
	won, err := s.store.OrderSetStatus(ctx, code, order.Status, model.OrderStatusRefunded)
	if err != nil {
		return err
	}
	if !won {
		return ErrWrongStatus
	}

	// купон и статистика покупателя не откатываются
	if err := s.store.OrderAppendNote(ctx, code, "refunded by "+by); err != nil {
		s.zaplog.Warn("refund note failed", zap.String("order", code), zap.Error(err))
	}
	s.audit(ctx, model.AuditEntry{
		Action:     "order_refunded",
		CustomerID: order.CustomerID,
		OrderCode:  code,
		Details:    map[string]any{"cents": order.PriceCents, "by": by},
		Level:      model.AuditLevelWarning,
	})
	return nil
}

// MarkDelivered: ручная доставка оператором, в обход исполнителя покупки
func (s *service) MarkDelivered(ctx context.Context, code string, by string) error {
	order, err := s.store.OrderGet(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return ErrOrderNotFound
		}
		return err
	}

	switch order.Status {
	case model.OrderStatusPaid:
		won, err := s.store.OrderSetStatus(ctx, code, model.OrderStatusPaid, model.OrderStatusProcessing)
		if err != nil {
			return err
		}
		if !won {
			return ErrWrongStatus
		}
	case model.OrderStatusProcessing:
	default:
		return ErrWrongStatus
	}

	won, err := s.store.OrderSetStatus(ctx, code, model.OrderStatusProcessing, model.OrderStatusDelivered)
	if err != nil {
		return err
	}
	if !won {
		return ErrWrongStatus
	}
	if err := s.store.OrderAppendNote(ctx, code, "delivered manually by "+by); err != nil {
		s.zaplog.Warn("delivery note failed", zap.String("order", code), zap.Error(err))
	}
	s.audit(ctx, model.AuditEntry{
		Action:     "order_delivered",
		CustomerID: order.CustomerID,
		OrderCode:  code,
		Details:    map[string]any{"manual": true, "by": by},
		Level:      model.AuditLevelSuccess,
	})
	return nil
}

// CustomerProfile: накопительная статистика покупателя.
// Покупатель без заказов получает пустой профиль, не ошибку
func (s *service) CustomerProfile(ctx context.Context, customerID string) (model.Customer, error) {
	customer, err := s.ledger.Customer(ctx, customerID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return model.Customer{ID: customerID}, nil
		}
		return model.Customer{}, err
	}
	return customer, nil
}

func (s *service) CreateCoupon(ctx context.Context, coupon model.Coupon) error {
	if coupon.Code == "" || coupon.DiscountPercent <= 0 || coupon.DiscountPercent >= 1 {
		return ErrInsufficientData
	}
	coupon.Active = true
	coupon.CurrentUses = 0
	return s.store.CouponCreate(ctx, coupon)
}

func (s *service) DeactivateCoupon(ctx context.Context, code string) error {
	if code == "" {
		return ErrInsufficientData
	}
	err := s.store.CouponDeactivate(ctx, code)
	if errors.Is(err, store.ErrNoRows) {
		return ErrCouponInvalid
	}
	return err
}

// ResumePending: после рестарта процесса заказы в pending остаются без
// мониторов. Поднимаем их заново: просроченные закрываем сразу,
// для живых запускаем наблюдателей
func (s *service) ResumePending(ctx context.Context) (int, error) {
	orders, err := s.store.OrderListByStatus(ctx, model.OrderStatusPending)
	if err != nil {
		return 0, err
	}

	resumed := 0
	now := time.Now().UTC()
	for _, order := range orders {
		if order.PaymentID == "" {
			// процесс упал между созданием заказа и созданием платежа
			if _, err := s.store.OrderSetStatus(ctx, order.Code, model.OrderStatusPending, model.OrderStatusCancelled); err != nil {
				s.zaplog.Error("cancel orphan order", zap.String("order", order.Code), zap.Error(err))
			}
			continue
		}
		if !order.ExpiresAt.After(now) {
			s.expireOrder(ctx, order.Code)
			continue
		}
		s.startWatcher(order.Code, order.ExpiresAt)
		resumed++
	}
	return resumed, nil
}

// Wait: дождаться завершения всех наблюдателей
func (s *service) Wait() {
	s.wg.Wait()
}

func (s *service) audit(ctx context.Context, entry model.AuditEntry) {
	if err := s.store.AuditAppend(ctx, entry); err != nil {
		s.zaplog.Warn("audit append failed",
			zap.String("action", entry.Action),
			zap.String("order", entry.OrderCode),
			zap.Error(err))
	}
}
