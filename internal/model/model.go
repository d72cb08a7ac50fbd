package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Статусы заказа и граф допустимых переходов

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusPaid       OrderStatus = "paid"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusRefunded   OrderStatus = "refunded"
	OrderStatusExpired    OrderStatus = "expired"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusPaid, OrderStatusCancelled, OrderStatusExpired},
	OrderStatusPaid:       {OrderStatusProcessing, OrderStatusRefunded},
	OrderStatusProcessing: {OrderStatusDelivered, OrderStatusPaid},
	OrderStatusDelivered:  {OrderStatusRefunded},
}

// CanTransition: допустим ли переход from -> to
func (from OrderStatus) CanTransition(to OrderStatus) bool {
	for _, allowed := range orderTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal: статус завершает платежный цикл.
// Доставленный заказ терминален для оплаты, но еще может быть возвращен
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded, OrderStatusExpired:
		return true
	}
	return false
}

// NewOrderCode: короткий код заказа - 8 символов UUID в верхнем регистре
func NewOrderCode() string {
	return strings.ToUpper(uuid.NewString()[:8])
}

// Заказ

type Order struct {
	Code            string
	CustomerID      string
	PlatformUser    string // имя пользователя на платформе экономики
	PlatformUserID  int64  // числовой ID, ожидаемый владелец pass item
	UnitAmount      int64  // количество единиц валюты к доставке
	PriceCents      int64  // цена со скидкой, фиксируется при создании
	ItemPrice       int64  // компенсированная цена pass item, фиксируется при создании
	CouponCode      string
	DiscountPercent float64
	PaymentID       string
	PaymentCode     string // код оплаты копи-паста
	PaymentQR       string // QR в base64
	PassItemID      int64
	Status          OrderStatus
	ChannelRef      string // адресат уведомлений
	CreatedAt       time.Time
	PaidAt          time.Time
	DeliveredAt     time.Time
	ExpiresAt       time.Time
}

// Купон

type Coupon struct {
	Code            string
	DiscountPercent float64
	MaxUses         int64 // 0 = без ограничения
	CurrentUses     int64
	MinUnits        int64
	MaxUnits        int64 // 0 = без ограничения
	Active          bool
	ValidUntil      time.Time // нулевое время = бессрочно
	CreatedBy       string
	CreatedAt       time.Time
}

// Покупатель

type Customer struct {
	ID             string
	Name           string
	PlatformUser   string
	PlatformUserID int64
	SpentCents     int64
	UnitsBought    int64
	OrderCount     int64
	Banned         bool
	CreatedAt      time.Time
}

// Платежная транзакция. Создается один раз при подтверждении оплаты

type Transaction struct {
	PaymentID  string
	OrderCode  string
	CustomerID string
	Cents      int64
	Status     string
	CreatedAt  time.Time
}

// Запись журнала аудита. Только для наблюдаемости, ядром не читается

type AuditEntry struct {
	Action     string
	CustomerID string
	OrderCode  string
	Details    map[string]any
	Level      string
	CreatedAt  time.Time
}

const (
	AuditLevelInfo    = "info"
	AuditLevelSuccess = "success"
	AuditLevelWarning = "warning"
	AuditLevelError   = "error"
)

// Pass item — товар на платформе виртуальной экономики

type PassItem struct {
	ID        int64
	ProductID int64
	Name      string
	Price     int64
	CreatorID int64
	ForSale   bool
}
