package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nimdiido/eclipsebux/internal/model"
	"github.com/nimdiido/eclipsebux/internal/notify"
	"github.com/nimdiido/eclipsebux/internal/pricing"
	"github.com/nimdiido/eclipsebux/internal/service/config"
	"github.com/nimdiido/eclipsebux/internal/service/economyclient"
	"github.com/nimdiido/eclipsebux/internal/service/paymentclient"
	"github.com/nimdiido/eclipsebux/internal/store"
)

// Хранилище в памяти с той же семантикой CAS, что и у postgres-хранилища

type fakeStore struct {
	mu           sync.Mutex
	orders       map[string]model.Order
	notes        map[string][]string
	customers    map[string]model.Customer
	coupons      map[string]model.Coupon
	transactions map[string]model.Transaction
	audit        []model.AuditEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders:       map[string]model.Order{},
		notes:        map[string][]string{},
		customers:    map[string]model.Customer{},
		coupons:      map[string]model.Coupon{},
		transactions: map[string]model.Transaction{},
	}
}

func (f *fakeStore) OrderCreate(_ context.Context, order model.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.orders[order.Code]; ok {
		return store.ErrAlreadyExists
	}
	f.orders[order.Code] = order
	return nil
}

func (f *fakeStore) OrderGet(_ context.Context, code string) (model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[code]
	if !ok {
		return model.Order{}, store.ErrNoRows
	}
	return order, nil
}

func (f *fakeStore) OrderGetByPaymentID(_ context.Context, paymentID string) (model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, order := range f.orders {
		if order.PaymentID == paymentID {
			return order, nil
		}
	}
	return model.Order{}, store.ErrNoRows
}

func (f *fakeStore) OrderListByStatus(_ context.Context, status model.OrderStatus) ([]model.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var orders []model.Order
	for _, order := range f.orders {
		if order.Status == status {
			orders = append(orders, order)
		}
	}
	return orders, nil
}

func (f *fakeStore) OrderSetStatus(_ context.Context, code string, from, to model.OrderStatus) (bool, error) {
	if !from.CanTransition(to) {
		return false, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[code]
	if !ok || order.Status != from {
		return false, nil
	}
	order.Status = to
	if to == model.OrderStatusPaid && order.PaidAt.IsZero() {
		order.PaidAt = time.Now().UTC()
	}
	if to == model.OrderStatusDelivered && order.DeliveredAt.IsZero() {
		order.DeliveredAt = time.Now().UTC()
	}
	f.orders[code] = order
	return true, nil
}

func (f *fakeStore) OrderSetPayment(_ context.Context, code string, paymentID, paymentCode, paymentQR string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[code]
	if !ok || order.PaymentID != "" {
		return store.ErrAlreadyExists
	}
	order.PaymentID = paymentID
	order.PaymentCode = paymentCode
	order.PaymentQR = paymentQR
	f.orders[code] = order
	return nil
}

func (f *fakeStore) OrderSetPassItem(_ context.Context, code string, passItemID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[code]
	if !ok {
		return store.ErrNoRows
	}
	order.PassItemID = passItemID
	f.orders[code] = order
	return nil
}

func (f *fakeStore) OrderAppendNote(_ context.Context, code string, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes[code] = append(f.notes[code], note)
	return nil
}

func (f *fakeStore) OrderNotes(_ context.Context, code string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notes[code], nil
}

func (f *fakeStore) CustomerEnsure(_ context.Context, id string, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.customers[id]; !ok {
		f.customers[id] = model.Customer{ID: id, Name: name, CreatedAt: time.Now().UTC()}
	}
	return nil
}

func (f *fakeStore) CustomerGet(_ context.Context, id string) (model.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	customer, ok := f.customers[id]
	if !ok {
		return model.Customer{}, store.ErrNoRows
	}
	return customer, nil
}

func (f *fakeStore) CustomerIncrementStats(_ context.Context, id string, spentCents int64, units int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	customer := f.customers[id]
	customer.SpentCents += spentCents
	customer.UnitsBought += units
	customer.OrderCount++
	f.customers[id] = customer
	return nil
}

func (f *fakeStore) CouponCreate(_ context.Context, coupon model.Coupon) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.coupons[coupon.Code]; ok {
		return store.ErrAlreadyExists
	}
	f.coupons[coupon.Code] = coupon
	return nil
}

func (f *fakeStore) CouponGet(_ context.Context, code string) (model.Coupon, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	coupon, ok := f.coupons[code]
	if !ok {
		return model.Coupon{}, store.ErrNoRows
	}
	return coupon, nil
}

func (f *fakeStore) CouponConsume(_ context.Context, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	coupon, ok := f.coupons[code]
	if !ok {
		return store.ErrNoRows
	}
	coupon.CurrentUses++
	f.coupons[code] = coupon
	return nil
}

func (f *fakeStore) CouponDeactivate(_ context.Context, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	coupon, ok := f.coupons[code]
	if !ok {
		return store.ErrNoRows
	}
	coupon.Active = false
	f.coupons[code] = coupon
	return nil
}

func (f *fakeStore) TransactionCreate(_ context.Context, t model.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.transactions[t.PaymentID]; ok {
		return store.ErrAlreadyExists
	}
	f.transactions[t.PaymentID] = t
	return nil
}

func (f *fakeStore) AuditAppend(_ context.Context, entry model.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audit = append(f.audit, entry)
	return nil
}

func (f *fakeStore) auditActions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var actions []string
	for _, entry := range f.audit {
		actions = append(actions, entry.Action)
	}
	return actions
}

// Платежный шлюз со скриптуемым статусом

type fakePayment struct {
	mu        sync.Mutex
	createErr error
	status    string
	cancelOK  bool
	refundOK  bool
	refunds   []string
}

func (f *fakePayment) CreateIntent(cents int64, orderCode string, description string, payerName string, expiresAt time.Time) (paymentclient.Intent, error) {
	if f.createErr != nil {
		return paymentclient.Intent{}, f.createErr
	}
	return paymentclient.Intent{
		IntentID:  "pay-" + orderCode,
		Status:    paymentclient.StatusPending,
		Code:      "copy-paste-code",
		QRBase64:  "qr-base64",
		ExpiresAt: expiresAt,
	}, nil
}

func (f *fakePayment) GetStatus(string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakePayment) setStatus(status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

func (f *fakePayment) Cancel(string) bool { return f.cancelOK }

func (f *fakePayment) Refund(intentID string, _ int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refundOK {
		f.refunds = append(f.refunds, intentID)
	}
	return f.refundOK
}

// Платформа экономики со скриптуемыми ответами

type fakeEconomy struct {
	mu            sync.Mutex
	ids           map[string]int64
	balance       int64
	balanceErr    error
	item          model.PassItem
	itemErr       error
	owned         bool
	ownedErr      error
	purchase      economyclient.PurchaseResult
	purchaseErr   error
	purchasePanic bool
}

func (f *fakeEconomy) ResolveIdentity(_ context.Context, username string) (int64, error) {
	id, ok := f.ids[username]
	if !ok {
		return 0, economyclient.ErrIdentityNotFound
	}
	return id, nil
}

func (f *fakeEconomy) GetItem(_ context.Context, _ int64) (model.PassItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.item, f.itemErr
}

func (f *fakeEconomy) OwnsItem(_ context.Context, _ int64, _ int64) (bool, error) {
	return f.owned, f.ownedErr
}

func (f *fakeEconomy) OperatorOwnsItem(_ context.Context, _ int64) (bool, error) {
	return f.owned, f.ownedErr
}

func (f *fakeEconomy) Balance(_ context.Context) (int64, error) {
	return f.balance, f.balanceErr
}

func (f *fakeEconomy) Purchase(_ context.Context, _ model.PassItem, _ int64, _ int64) (economyclient.PurchaseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.purchasePanic {
		panic("platform client blew up")
	}
	return f.purchase, f.purchaseErr
}

func (f *fakeEconomy) ValidateCredential(_ context.Context) (string, error) {
	return "operator", nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (f *fakeNotifier) Notify(_ string, event notify.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeNotifier) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var actions []string
	for _, event := range f.events {
		actions = append(actions, event.Action)
	}
	return actions
}

type testEnv struct {
	svc      *service
	store    *fakeStore
	payment  *fakePayment
	economy  *fakeEconomy
	notifier *fakeNotifier
}

func newTestEnv(cfg config.Config) *testEnv {
	env := &testEnv{
		store:    newFakeStore(),
		payment:  &fakePayment{status: paymentclient.StatusPending, cancelOK: true, refundOK: true},
		economy:  &fakeEconomy{ids: map[string]int64{"builderman": 156}},
		notifier: &fakeNotifier{},
	}
	p := pricing.New(pricing.Config{
		RatePerThousand: 150,
		FeeRate:         0.30,
		MinUnits:        100,
		MaxUnits:        100000,
	})
	env.svc = NewService(cfg, env.store, p, env.payment, env.economy, env.notifier, zap.NewNop()).(*service)
	return env
}

func testConfig() config.Config {
	return config.Config{
		PaymentTimeout: time.Hour,
		PollInterval:   10 * time.Millisecond,
		PriceTolerance: 5,
	}
}

func TestCreateOrder(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()

	order, err := env.svc.CreateOrder(ctx, CreateOrderRequest{
		CustomerID:   "42",
		CustomerName: "Alice",
		PlatformUser: "builderman",
		UnitAmount:   1000,
	})
	require.NoError(t, err)
	require.Len(t, order.Code, 8)
	require.Equal(t, model.OrderStatusPending, order.Status)
	require.Equal(t, int64(150), order.PriceCents)
	require.Equal(t, int64(1429), order.ItemPrice)
	require.Equal(t, int64(156), order.PlatformUserID)
	require.Equal(t, "pay-"+order.Code, order.PaymentID)
	require.Equal(t, "copy-paste-code", order.PaymentCode)
	require.Equal(t, "qr-base64", order.PaymentQR)
	require.Contains(t, env.store.auditActions(), "order_created")

	// гасим наблюдателя
	env.payment.setStatus(paymentclient.StatusCancelled)
	env.svc.Wait()
}

func TestCreateOrderValidation(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()

	_, err := env.svc.CreateOrder(ctx, CreateOrderRequest{CustomerID: "42", PlatformUser: ""})
	require.ErrorIs(t, err, ErrInsufficientData)

	_, err = env.svc.CreateOrder(ctx, CreateOrderRequest{CustomerID: "42", PlatformUser: "builderman", UnitAmount: 50})
	require.ErrorIs(t, err, ErrAmountOutOfRange)

	_, err = env.svc.CreateOrder(ctx, CreateOrderRequest{CustomerID: "42", PlatformUser: "nosuchuser", UnitAmount: 1000})
	require.ErrorIs(t, err, ErrUnknownIdentity)
}

func TestCreateOrderBannedCustomer(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()

	env.store.customers["13"] = model.Customer{ID: "13", Banned: true}

	_, err := env.svc.CreateOrder(ctx, CreateOrderRequest{
		CustomerID:   "13",
		PlatformUser: "builderman",
		UnitAmount:   1000,
	})
	require.ErrorIs(t, err, ErrCustomerBanned)
}

func TestCreateOrderCouponApplied(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()

	env.store.coupons["SALE10"] = model.Coupon{Code: "SALE10", DiscountPercent: 0.10, Active: true}

	order, err := env.svc.CreateOrder(ctx, CreateOrderRequest{
		CustomerID:   "42",
		PlatformUser: "builderman",
		UnitAmount:   1000,
		CouponCode:   "SALE10",
	})
	require.NoError(t, err)
	require.Equal(t, int64(135), order.PriceCents)
	require.Equal(t, 0.10, order.DiscountPercent)

	// купон списывается при оплате, не при создании
	require.Equal(t, int64(0), env.store.coupons["SALE10"].CurrentUses)

	env.payment.setStatus(paymentclient.StatusCancelled)
	env.svc.Wait()
}

// Скидка фиксируется в заказе при создании: последующие изменения
// купона на существующий заказ не влияют
func TestCreateOrderCouponFrozen(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()

	env.store.coupons["SALE10"] = model.Coupon{Code: "SALE10", DiscountPercent: 0.10, Active: true}

	order, err := env.svc.CreateOrder(ctx, CreateOrderRequest{
		CustomerID:   "42",
		PlatformUser: "builderman",
		UnitAmount:   1000,
		CouponCode:   "SALE10",
	})
	require.NoError(t, err)
	require.Equal(t, int64(135), order.PriceCents)

	// купон меняется и деактивируется после создания заказа
	env.store.mu.Lock()
	env.store.coupons["SALE10"] = model.Coupon{Code: "SALE10", DiscountPercent: 0.50, Active: false}
	env.store.mu.Unlock()

	stored, err := env.store.OrderGet(ctx, order.Code)
	require.NoError(t, err)
	require.Equal(t, int64(135), stored.PriceCents)
	require.Equal(t, 0.10, stored.DiscountPercent)

	env.payment.setStatus(paymentclient.StatusCancelled)
	env.svc.Wait()
}

func TestCreateOrderCouponInvalid(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()

	env.store.coupons["OLD"] = model.Coupon{Code: "OLD", DiscountPercent: 0.10, Active: false}

	_, err := env.svc.CreateOrder(ctx, CreateOrderRequest{
		CustomerID:   "42",
		PlatformUser: "builderman",
		UnitAmount:   1000,
		CouponCode:   "OLD",
	})
	require.ErrorIs(t, err, ErrCouponInvalid)

	_, err = env.svc.CreateOrder(ctx, CreateOrderRequest{
		CustomerID:   "42",
		PlatformUser: "builderman",
		UnitAmount:   1000,
		CouponCode:   "NOSUCH",
	})
	require.ErrorIs(t, err, ErrCouponInvalid)
}

func TestCheckCoupon(t *testing.T) {
	now := time.Now().UTC()
	coupon := model.Coupon{
		Code:            "SALE10",
		DiscountPercent: 0.10,
		Active:          true,
		MaxUses:         2,
		MinUnits:        500,
		MaxUnits:        5000,
		ValidUntil:      now.Add(time.Hour),
	}

	require.NoError(t, checkCoupon(coupon, 1000, now))
	require.ErrorIs(t, checkCoupon(coupon, 499, now), ErrCouponInvalid)
	require.ErrorIs(t, checkCoupon(coupon, 5001, now), ErrCouponInvalid)
	require.ErrorIs(t, checkCoupon(coupon, 1000, now.Add(2*time.Hour)), ErrCouponInvalid)

	coupon.CurrentUses = 2
	require.ErrorIs(t, checkCoupon(coupon, 1000, now), ErrCouponInvalid)
}

func TestCreateOrderGatewayDown(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()

	env.payment.createErr = context.DeadlineExceeded

	_, err := env.svc.CreateOrder(ctx, CreateOrderRequest{
		CustomerID:   "42",
		PlatformUser: "builderman",
		UnitAmount:   1000,
	})
	require.ErrorIs(t, err, ErrGatewayUnavailable)

	// заказ без платежа отменен сразу
	orders, err := env.store.OrderListByStatus(ctx, model.OrderStatusCancelled)
	require.NoError(t, err)
	require.Len(t, orders, 1)
}

func TestWatcherConfirmsPayment(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()

	env.store.coupons["SALE10"] = model.Coupon{Code: "SALE10", DiscountPercent: 0.10, Active: true}
	env.payment.setStatus(paymentclient.StatusApproved)

	order, err := env.svc.CreateOrder(ctx, CreateOrderRequest{
		CustomerID:   "42",
		CustomerName: "Alice",
		PlatformUser: "builderman",
		UnitAmount:   1000,
		CouponCode:   "SALE10",
	})
	require.NoError(t, err)
	env.svc.Wait()

	stored, err := env.store.OrderGet(ctx, order.Code)
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusPaid, stored.Status)
	require.False(t, stored.PaidAt.IsZero())

	// транзакция, статистика и купон - ровно по одному разу
	require.Len(t, env.store.transactions, 1)
	customer, err := env.store.CustomerGet(ctx, "42")
	require.NoError(t, err)
	require.Equal(t, int64(135), customer.SpentCents)
	require.Equal(t, int64(1000), customer.UnitsBought)
	require.Equal(t, int64(1), customer.OrderCount)
	require.Equal(t, int64(1), env.store.coupons["SALE10"].CurrentUses)
	require.Contains(t, env.notifier.actions(), "payment_confirmed")
}

func TestConfirmPaymentIdempotent(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()

	require.NoError(t, env.store.CustomerEnsure(ctx, "42", "Alice"))
	order := model.Order{
		Code:       "AAAA1111",
		CustomerID: "42",
		PaymentID:  "pay-1",
		PriceCents: 150,
		UnitAmount: 1000,
		Status:     model.OrderStatusPaid,
	}

	// повторное подтверждение того же платежа статистику не задваивает
	env.svc.confirmPayment(ctx, order)
	env.svc.confirmPayment(ctx, order)

	require.Len(t, env.store.transactions, 1)
	customer, err := env.store.CustomerGet(ctx, "42")
	require.NoError(t, err)
	require.Equal(t, int64(1), customer.OrderCount)
}

func TestWatcherCancelledPayment(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()

	env.payment.setStatus(paymentclient.StatusRejected)

	order, err := env.svc.CreateOrder(ctx, CreateOrderRequest{
		CustomerID:   "42",
		PlatformUser: "builderman",
		UnitAmount:   1000,
	})
	require.NoError(t, err)
	env.svc.Wait()

	stored, err := env.store.OrderGet(ctx, order.Code)
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusCancelled, stored.Status)
}

func TestOrderExpires(t *testing.T) {
	cfg := testConfig()
	cfg.PaymentTimeout = 50 * time.Millisecond
	env := newTestEnv(cfg)
	ctx := context.Background()

	order, err := env.svc.CreateOrder(ctx, CreateOrderRequest{
		CustomerID:   "42",
		PlatformUser: "builderman",
		UnitAmount:   1000,
	})
	require.NoError(t, err)
	env.svc.Wait()

	stored, err := env.store.OrderGet(ctx, order.Code)
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusExpired, stored.Status)

	// ровно одно уведомление об истечении
	expired := 0
	for _, action := range env.notifier.actions() {
		if action == "order_expired" {
			expired++
		}
	}
	require.Equal(t, 1, expired)
}

func TestCancelOrder(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()

	env.store.orders["AAAA1111"] = model.Order{
		Code:       "AAAA1111",
		CustomerID: "42",
		PaymentID:  "pay-1",
		Status:     model.OrderStatusPending,
	}

	require.ErrorIs(t, env.svc.CancelOrder(ctx, "AAAA1111", "13"), ErrNotOrderOwner)
	require.ErrorIs(t, env.svc.CancelOrder(ctx, "NOSUCH00", "42"), ErrOrderNotFound)

	require.NoError(t, env.svc.CancelOrder(ctx, "AAAA1111", "42"))
	require.Equal(t, model.OrderStatusCancelled, env.store.orders["AAAA1111"].Status)

	// повторная отмена уже не pending
	require.ErrorIs(t, env.svc.CancelOrder(ctx, "AAAA1111", "42"), ErrWrongStatus)
}

func paidOrder(code string) model.Order {
	return model.Order{
		Code:           code,
		CustomerID:     "42",
		PlatformUser:   "builderman",
		PlatformUserID: 156,
		UnitAmount:     1000,
		PriceCents:     150,
		ItemPrice:      1429,
		PaymentID:      "pay-" + code,
		Status:         model.OrderStatusPaid,
	}
}

func sellableItem() model.PassItem {
	return model.PassItem{
		ID:        5,
		ProductID: 6,
		Name:      "Donation Pass",
		Price:     1429,
		CreatorID: 156,
		ForSale:   true,
	}
}

func TestSubmitPassItem(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()

	env.store.orders["AAAA1111"] = paidOrder("AAAA1111")
	env.economy.balance = 5000
	env.economy.item = sellableItem()
	env.economy.purchase = economyclient.PurchaseResult{Purchased: true}

	order, err := env.svc.SubmitPassItem(ctx, "AAAA1111", "42", 5)
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusDelivered, order.Status)
	require.Equal(t, int64(5), order.PassItemID)

	stored := env.store.orders["AAAA1111"]
	require.Equal(t, model.OrderStatusDelivered, stored.Status)
	require.False(t, stored.DeliveredAt.IsZero())
	require.Contains(t, env.notifier.actions(), "order_delivered")
	require.Contains(t, env.store.auditActions(), "order_delivered")
}

func TestSubmitPassItemWrongState(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()

	pending := paidOrder("PEND0000")
	pending.Status = model.OrderStatusPending
	env.store.orders["PEND0000"] = pending

	processing := paidOrder("PROC0000")
	processing.Status = model.OrderStatusProcessing
	env.store.orders["PROC0000"] = processing

	env.store.orders["PAID0000"] = paidOrder("PAID0000")

	_, err := env.svc.SubmitPassItem(ctx, "PEND0000", "42", 5)
	require.ErrorIs(t, err, ErrWrongStatus)

	_, err = env.svc.SubmitPassItem(ctx, "PROC0000", "42", 5)
	require.ErrorIs(t, err, ErrSubmissionInProgress)

	_, err = env.svc.SubmitPassItem(ctx, "PAID0000", "13", 5)
	require.ErrorIs(t, err, ErrNotOrderOwner)

	_, err = env.svc.SubmitPassItem(ctx, "NOSUCH00", "42", 5)
	require.ErrorIs(t, err, ErrOrderNotFound)
}

// Любой неуспех покупки возвращает заказ в paid: покупатель правит
// pass item и отправляет снова
func TestSubmitPassItemFailureRevertsToPaid(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(*fakeEconomy)
		wantErr error
	}{
		{
			name: "balance unavailable",
			prepare: func(e *fakeEconomy) {
				e.balanceErr = economyclient.ErrBalanceUnavailable
			},
			wantErr: economyclient.ErrBalanceUnavailable,
		},
		{
			name: "item not found",
			prepare: func(e *fakeEconomy) {
				e.itemErr = economyclient.ErrItemNotFound
			},
			wantErr: economyclient.ErrItemNotFound,
		},
		{
			name: "price out of tolerance",
			prepare: func(e *fakeEconomy) {
				e.item.Price = 1440
			},
			wantErr: economyclient.ErrItemPriceMismatch,
		},
		{
			name: "wrong owner",
			prepare: func(e *fakeEconomy) {
				e.item.CreatorID = 999
			},
			wantErr: economyclient.ErrItemWrongOwner,
		},
		{
			name: "not for sale",
			prepare: func(e *fakeEconomy) {
				e.item.ForSale = false
			},
			wantErr: economyclient.ErrItemNotForSale,
		},
		{
			name: "insufficient balance",
			prepare: func(e *fakeEconomy) {
				e.balance = 100
			},
			wantErr: ErrInsufficientBalance,
		},
		{
			name: "platform rejected",
			prepare: func(e *fakeEconomy) {
				e.purchase = economyclient.PurchaseResult{Purchased: false, Reason: "PriceChanged"}
			},
			wantErr: ErrPurchaseRejected,
		},
		{
			name: "already owned",
			prepare: func(e *fakeEconomy) {
				e.owned = true
			},
			wantErr: economyclient.ErrItemAlreadyOwned,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(testConfig())
			ctx := context.Background()

			env.store.orders["AAAA1111"] = paidOrder("AAAA1111")
			env.economy.balance = 5000
			env.economy.item = sellableItem()
			env.economy.purchase = economyclient.PurchaseResult{Purchased: true}
			tt.prepare(env.economy)

			_, err := env.svc.SubmitPassItem(ctx, "AAAA1111", "42", 5)
			require.ErrorIs(t, err, tt.wantErr)
			require.Equal(t, model.OrderStatusPaid, env.store.orders["AAAA1111"].Status)
			require.Contains(t, env.store.auditActions(), "pass_item_rejected")
		})
	}
}

// Паника клиента платформы тоже возвращает заказ в paid:
// отложенный откат срабатывает и при раскрутке стека
func TestSubmitPassItemPanicRevertsToPaid(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()

	env.store.orders["AAAA1111"] = paidOrder("AAAA1111")
	env.economy.balance = 5000
	env.economy.item = sellableItem()
	env.economy.purchasePanic = true

	require.Panics(t, func() {
		env.svc.SubmitPassItem(ctx, "AAAA1111", "42", 5)
	})
	require.Equal(t, model.OrderStatusPaid, env.store.orders["AAAA1111"].Status)
}

// Недоступный инвентарь оператора покупку не блокирует
func TestSubmitPassItemOwnershipCheckUnavailable(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()

	env.store.orders["AAAA1111"] = paidOrder("AAAA1111")
	env.economy.balance = 5000
	env.economy.item = sellableItem()
	env.economy.ownedErr = economyclient.ErrInvalidCredential
	env.economy.purchase = economyclient.PurchaseResult{Purchased: true}

	order, err := env.svc.SubmitPassItem(ctx, "AAAA1111", "42", 5)
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusDelivered, order.Status)
}

// В пределах допуска покупка проходит
func TestSubmitPassItemPriceWithinTolerance(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()

	env.store.orders["AAAA1111"] = paidOrder("AAAA1111")
	env.economy.balance = 5000
	env.economy.item = sellableItem()
	env.economy.item.Price = 1434
	env.economy.purchase = economyclient.PurchaseResult{Purchased: true}

	order, err := env.svc.SubmitPassItem(ctx, "AAAA1111", "42", 5)
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusDelivered, order.Status)
}

// После неудачи можно исправить pass item и отправить повторно
func TestSubmitPassItemRetryAfterFailure(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()

	env.store.orders["AAAA1111"] = paidOrder("AAAA1111")
	env.economy.balance = 5000
	env.economy.item = sellableItem()
	env.economy.item.Price = 2000
	env.economy.purchase = economyclient.PurchaseResult{Purchased: true}

	_, err := env.svc.SubmitPassItem(ctx, "AAAA1111", "42", 5)
	require.ErrorIs(t, err, economyclient.ErrItemPriceMismatch)

	env.economy.mu.Lock()
	env.economy.item.Price = 1429
	env.economy.mu.Unlock()

	order, err := env.svc.SubmitPassItem(ctx, "AAAA1111", "42", 5)
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusDelivered, order.Status)
}

func TestRefund(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()

	env.store.orders["AAAA1111"] = paidOrder("AAAA1111")

	// шлюз отказал - статус не трогаем
	env.payment.refundOK = false
	require.ErrorIs(t, env.svc.Refund(ctx, "AAAA1111", "operator"), ErrRefundDenied)
	require.Equal(t, model.OrderStatusPaid, env.store.orders["AAAA1111"].Status)

	env.payment.refundOK = true
	require.NoError(t, env.svc.Refund(ctx, "AAAA1111", "operator"))
	require.Equal(t, model.OrderStatusRefunded, env.store.orders["AAAA1111"].Status)
	require.Contains(t, env.store.notes["AAAA1111"], "refunded by operator")

	// повторный возврат невозможен
	require.ErrorIs(t, env.svc.Refund(ctx, "AAAA1111", "operator"), ErrWrongStatus)
}

func TestRefundDelivered(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()

	delivered := paidOrder("AAAA1111")
	delivered.Status = model.OrderStatusDelivered
	env.store.orders["AAAA1111"] = delivered

	require.NoError(t, env.svc.Refund(ctx, "AAAA1111", "operator"))
	require.Equal(t, model.OrderStatusRefunded, env.store.orders["AAAA1111"].Status)
}

func TestMarkDelivered(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()

	env.store.orders["AAAA1111"] = paidOrder("AAAA1111")

	require.NoError(t, env.svc.MarkDelivered(ctx, "AAAA1111", "operator"))
	require.Equal(t, model.OrderStatusDelivered, env.store.orders["AAAA1111"].Status)
	require.Contains(t, env.store.notes["AAAA1111"], "delivered manually by operator")

	// из терминального статуса доставка невозможна
	require.ErrorIs(t, env.svc.MarkDelivered(ctx, "AAAA1111", "operator"), ErrWrongStatus)
}

func TestCoupons(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()

	require.ErrorIs(t, env.svc.CreateCoupon(ctx, model.Coupon{Code: "", DiscountPercent: 0.1}), ErrInsufficientData)
	require.ErrorIs(t, env.svc.CreateCoupon(ctx, model.Coupon{Code: "BAD", DiscountPercent: 1.5}), ErrInsufficientData)

	require.NoError(t, env.svc.CreateCoupon(ctx, model.Coupon{Code: "SALE10", DiscountPercent: 0.10}))
	require.True(t, env.store.coupons["SALE10"].Active)

	require.NoError(t, env.svc.DeactivateCoupon(ctx, "SALE10"))
	require.False(t, env.store.coupons["SALE10"].Active)

	require.ErrorIs(t, env.svc.DeactivateCoupon(ctx, "NOSUCH"), ErrCouponInvalid)
}

func TestCustomerProfile(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()

	require.NoError(t, env.store.CustomerEnsure(ctx, "42", "Alice"))
	require.NoError(t, env.store.CustomerIncrementStats(ctx, "42", 150, 1000))

	customer, err := env.svc.CustomerProfile(ctx, "42")
	require.NoError(t, err)
	require.Equal(t, int64(150), customer.SpentCents)
	require.Equal(t, int64(1000), customer.UnitsBought)

	// без заказов - пустой профиль
	customer, err = env.svc.CustomerProfile(ctx, "13")
	require.NoError(t, err)
	require.Equal(t, "13", customer.ID)
	require.Equal(t, int64(0), customer.OrderCount)
}

func TestResumePending(t *testing.T) {
	env := newTestEnv(testConfig())
	ctx := context.Background()
	now := time.Now().UTC()

	// заказ без платежа: процесс упал до создания intent
	orphan := paidOrder("ORPH0000")
	orphan.Status = model.OrderStatusPending
	orphan.PaymentID = ""
	orphan.ExpiresAt = now.Add(time.Hour)
	env.store.orders["ORPH0000"] = orphan

	// дедлайн прошел за время простоя
	stale := paidOrder("STAL0000")
	stale.Status = model.OrderStatusPending
	stale.ExpiresAt = now.Add(-time.Minute)
	env.store.orders["STAL0000"] = stale

	// живой заказ: наблюдатель поднимается заново
	live := paidOrder("LIVE0000")
	live.Status = model.OrderStatusPending
	live.ExpiresAt = now.Add(time.Hour)
	env.store.orders["LIVE0000"] = live

	env.payment.setStatus(paymentclient.StatusApproved)

	resumed, err := env.svc.ResumePending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, resumed)
	env.svc.Wait()

	require.Equal(t, model.OrderStatusCancelled, env.store.orders["ORPH0000"].Status)
	require.Equal(t, model.OrderStatusExpired, env.store.orders["STAL0000"].Status)
	require.Equal(t, model.OrderStatusPaid, env.store.orders["LIVE0000"].Status)
}
