package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nimdiido/eclipsebux/internal/model"
	"github.com/nimdiido/eclipsebux/internal/store/config"
)

type Store interface {
	OrderCreate(ctx context.Context, order model.Order) error
	OrderGet(ctx context.Context, code string) (model.Order, error)
	OrderGetByPaymentID(ctx context.Context, paymentID string) (model.Order, error)
	OrderListByStatus(ctx context.Context, status model.OrderStatus) ([]model.Order, error)
	OrderSetStatus(ctx context.Context, code string, from, to model.OrderStatus) (bool, error)
	OrderSetPayment(ctx context.Context, code string, paymentID, paymentCode, paymentQR string) error
	OrderSetPassItem(ctx context.Context, code string, passItemID int64) error
	OrderAppendNote(ctx context.Context, code string, note string) error
	OrderNotes(ctx context.Context, code string) ([]string, error)

	CustomerEnsure(ctx context.Context, id string, name string) error
	CustomerGet(ctx context.Context, id string) (model.Customer, error)
	CustomerIncrementStats(ctx context.Context, id string, spentCents int64, units int64) error

	CouponCreate(ctx context.Context, coupon model.Coupon) error
	CouponGet(ctx context.Context, code string) (model.Coupon, error)
	CouponConsume(ctx context.Context, code string) error
	CouponDeactivate(ctx context.Context, code string) error

	TransactionCreate(ctx context.Context, t model.Transaction) error
	AuditAppend(ctx context.Context, entry model.AuditEntry) error
}

var (
	ErrNoRows        = errors.New("no rows")
	ErrAlreadyExists = errors.New("already exists")
)

const pgUniqueViolation = "23505"

type store struct {
	database *sql.DB
}

func NewStore(cfg config.Config) (Store, error) {
	db, err := sql.Open("pgx", cfg.DBDsn)
	if err != nil {
		return nil, err
	}

	// Таблица заказов.
	// Одна строка на заказ, статус меняется через CAS по текущему статусу
	_, err = db.Exec(
		"CREATE TABLE IF NOT EXISTS purchase_order (" +
			" code VARCHAR (10) PRIMARY KEY," +
			" customer_id VARCHAR (30) NOT NULL," +
			" platform_user VARCHAR (50) NOT NULL," +
			" platform_user_id BIGINT NOT NULL," +
			" unit_amount BIGINT NOT NULL," +
			" price_cents BIGINT NOT NULL," +
			" item_price BIGINT NOT NULL," +
			" coupon_code VARCHAR (50) NOT NULL DEFAULT ''," +
			" discount_percent DOUBLE PRECISION NOT NULL DEFAULT 0," +
			" payment_id VARCHAR (100) NOT NULL DEFAULT ''," +
			" payment_code TEXT NOT NULL DEFAULT ''," +
			" payment_qr TEXT NOT NULL DEFAULT ''," +
			" pass_item_id BIGINT NOT NULL DEFAULT 0," +
			" status VARCHAR (20) NOT NULL," +
			" channel_ref VARCHAR (100) NOT NULL DEFAULT ''," +
			" created_at TIMESTAMPTZ NOT NULL," +
			" paid_at TIMESTAMPTZ," +
			" delivered_at TIMESTAMPTZ," +
			" expires_at TIMESTAMPTZ NOT NULL" +
			" );")
	if err != nil {
		return nil, err
	}

	// Заметки к заказу. Журнал только на добавление
	_, err = db.Exec(
		"CREATE TABLE IF NOT EXISTS order_note (" +
			" order_code VARCHAR (10) NOT NULL," +
			" seq SERIAL," +
			" noted_at TIMESTAMPTZ NOT NULL," +
			" note TEXT NOT NULL," +
			" PRIMARY KEY (order_code, seq)" +
			" );")
	if err != nil {
		return nil, err
	}

	// Покупатели и их накопительная статистика
	_, err = db.Exec(
		"CREATE TABLE IF NOT EXISTS customer (" +
			" id VARCHAR (30) PRIMARY KEY," +
			" name VARCHAR (100) NOT NULL," +
			" spent_cents BIGINT NOT NULL DEFAULT 0," +
			" units_bought BIGINT NOT NULL DEFAULT 0," +
			" order_count BIGINT NOT NULL DEFAULT 0," +
			" banned BOOLEAN NOT NULL DEFAULT FALSE," +
			" created_at TIMESTAMPTZ NOT NULL" +
			" );")
	if err != nil {
		return nil, err
	}

	// Купоны. current_uses только растет, отмена заказа его не откатывает
	_, err = db.Exec(
		"CREATE TABLE IF NOT EXISTS coupon (" +
			" code VARCHAR (50) PRIMARY KEY," +
			" discount_percent DOUBLE PRECISION NOT NULL," +
			" max_uses BIGINT NOT NULL DEFAULT 0," +
			" current_uses BIGINT NOT NULL DEFAULT 0," +
			" min_units BIGINT NOT NULL DEFAULT 0," +
			" max_units BIGINT NOT NULL DEFAULT 0," +
			" active BOOLEAN NOT NULL DEFAULT TRUE," +
			" valid_until TIMESTAMPTZ," +
			" created_by VARCHAR (30) NOT NULL," +
			" created_at TIMESTAMPTZ NOT NULL" +
			" );")
	if err != nil {
		return nil, err
	}

	// Платежные транзакции. Уникальность по payment_id защищает
	// от повторной обработки одного подтверждения
	_, err = db.Exec(
		"CREATE TABLE IF NOT EXISTS payment_transaction (" +
			" payment_id VARCHAR (100) PRIMARY KEY," +
			" order_code VARCHAR (10) NOT NULL," +
			" customer_id VARCHAR (30) NOT NULL," +
			" cents BIGINT NOT NULL," +
			" status VARCHAR (20) NOT NULL," +
			" created_at TIMESTAMPTZ NOT NULL" +
			" );")
	if err != nil {
		return nil, err
	}

	// Журнал аудита
	_, err = db.Exec(
		"CREATE TABLE IF NOT EXISTS audit_log (" +
			" id SERIAL PRIMARY KEY," +
			" action VARCHAR (50) NOT NULL," +
			" customer_id VARCHAR (30) NOT NULL DEFAULT ''," +
			" order_code VARCHAR (10) NOT NULL DEFAULT ''," +
			" details JSONB NOT NULL DEFAULT '{}'," +
			" level VARCHAR (20) NOT NULL," +
			" created_at TIMESTAMPTZ NOT NULL" +
			" );")
	if err != nil {
		return nil, err
	}

	return &store{database: db}, nil
}

const orderColumns = "code, customer_id, platform_user, platform_user_id, unit_amount," +
	" price_cents, item_price, coupon_code, discount_percent," +
	" payment_id, payment_code, payment_qr, pass_item_id, status, channel_ref," +
	" created_at, paid_at, delivered_at, expires_at"

func (store *store) OrderCreate(ctx context.Context, order model.Order) error {
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO purchase_order ("+orderColumns+")"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)",
		order.Code,
		order.CustomerID,
		order.PlatformUser,
		order.PlatformUserID,
		order.UnitAmount,
		order.PriceCents,
		order.ItemPrice,
		order.CouponCode,
		order.DiscountPercent,
		order.PaymentID,
		order.PaymentCode,
		order.PaymentQR,
		order.PassItemID,
		order.Status,
		order.ChannelRef,
		order.CreatedAt,
		nullTime(order.PaidAt),
		nullTime(order.DeliveredAt),
		order.ExpiresAt)
	if err != nil {
		// Проверка: уже существует
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func scanOrder(row interface{ Scan(...any) error }) (model.Order, error) {
	var order model.Order
	var status string
	var paidAt, deliveredAt sql.NullTime
	err := row.Scan(&order.Code,
		&order.CustomerID,
		&order.PlatformUser,
		&order.PlatformUserID,
		&order.UnitAmount,
		&order.PriceCents,
		&order.ItemPrice,
		&order.CouponCode,
		&order.DiscountPercent,
		&order.PaymentID,
		&order.PaymentCode,
		&order.PaymentQR,
		&order.PassItemID,
		&status,
		&order.ChannelRef,
		&order.CreatedAt,
		&paidAt,
		&deliveredAt,
		&order.ExpiresAt)
	if err != nil {
		return model.Order{}, err
	}
	order.Status = model.OrderStatus(status)
	order.PaidAt = paidAt.Time
	order.DeliveredAt = deliveredAt.Time
	return order, nil
}

func (store *store) OrderGet(ctx context.Context, code string) (model.Order, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM purchase_order"+
			" WHERE code = $1",
		code)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Order{}, ErrNoRows
		}
		return model.Order{}, err
	}
	return order, nil
}

func (store *store) OrderGetByPaymentID(ctx context.Context, paymentID string) (model.Order, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM purchase_order"+
			" WHERE payment_id = $1",
		paymentID)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Order{}, ErrNoRows
		}
		return model.Order{}, err
	}
	return order, nil
}

func (store *store) OrderListByStatus(ctx context.Context, status model.OrderStatus) ([]model.Order, error) {
	rows, err := store.database.QueryContext(ctx,
		"SELECT "+orderColumns+" FROM purchase_order"+
			" WHERE status = $1"+
			" ORDER BY created_at",
		string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var orders []model.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

// OrderSetStatus: смена статуса строго от ожидаемого текущего (compare-and-set).
// false - переход не состоялся, статус уже сменил другой участник.
// paid_at/delivered_at выставляются один раз, повторный переход их не трогает
func (store *store) OrderSetStatus(ctx context.Context, code string, from, to model.OrderStatus) (bool, error) {
	if !from.CanTransition(to) {
		return false, nil
	}
	result, err := store.database.ExecContext(ctx,
		"UPDATE purchase_order"+
			" SET status = $1,"+
			" paid_at = CASE WHEN $1 = 'paid' THEN COALESCE(paid_at, now()) ELSE paid_at END,"+
			" delivered_at = CASE WHEN $1 = 'delivered' THEN COALESCE(delivered_at, now()) ELSE delivered_at END"+
			" WHERE code = $2"+
			"   AND status = $3",
		string(to),
		code,
		string(from))
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// OrderSetPayment: привязка платежа, выставляется один раз
func (store *store) OrderSetPayment(ctx context.Context, code string, paymentID, paymentCode, paymentQR string) error {
	result, err := store.database.ExecContext(ctx,
		"UPDATE purchase_order"+
			" SET payment_id = $1, payment_code = $2, payment_qr = $3"+
			" WHERE code = $4"+
			"   AND payment_id = ''",
		paymentID,
		paymentCode,
		paymentQR,
		code)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrAlreadyExists
	}
	return nil
}

func (store *store) OrderSetPassItem(ctx context.Context, code string, passItemID int64) error {
	_, err := store.database.ExecContext(ctx,
		"UPDATE purchase_order"+
			" SET pass_item_id = $1"+
			" WHERE code = $2",
		passItemID,
		code)
	return err
}

func (store *store) OrderAppendNote(ctx context.Context, code string, note string) error {
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO order_note (order_code, noted_at, note)"+
			" VALUES ($1, $2, $3)",
		code,
		time.Now().UTC(),
		note)
	return err
}

func (store *store) OrderNotes(ctx context.Context, code string) ([]string, error) {
	rows, err := store.database.QueryContext(ctx,
		"SELECT note FROM order_note"+
			" WHERE order_code = $1"+
			" ORDER BY seq",
		code)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var notes []string
	for rows.Next() {
		var note string
		if err := rows.Scan(&note); err != nil {
			return nil, err
		}
		notes = append(notes, note)
	}
	return notes, rows.Err()
}

func (store *store) CustomerEnsure(ctx context.Context, id string, name string) error {
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO customer (id, name, created_at)"+
			" VALUES ($1, $2, $3)"+
			" ON CONFLICT (id) DO NOTHING",
		id,
		name,
		time.Now().UTC())
	return err
}

func (store *store) CustomerGet(ctx context.Context, id string) (model.Customer, error) {
	var customer model.Customer
	row := store.database.QueryRowContext(ctx,
		"SELECT id, name, spent_cents, units_bought, order_count, banned, created_at"+
			" FROM customer"+
			" WHERE id = $1",
		id)
	err := row.Scan(&customer.ID,
		&customer.Name,
		&customer.SpentCents,
		&customer.UnitsBought,
		&customer.OrderCount,
		&customer.Banned,
		&customer.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Customer{}, ErrNoRows
		}
		return model.Customer{}, err
	}
	return customer, nil
}

func (store *store) CustomerIncrementStats(ctx context.Context, id string, spentCents int64, units int64) error {
	_, err := store.database.ExecContext(ctx,
		"UPDATE customer"+
			" SET spent_cents = spent_cents + $1,"+
			" units_bought = units_bought + $2,"+
			" order_count = order_count + 1"+
			" WHERE id = $3",
		spentCents,
		units,
		id)
	return err
}

func (store *store) CouponCreate(ctx context.Context, coupon model.Coupon) error {
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO coupon (code, discount_percent, max_uses, current_uses, min_units, max_units,"+
			" active, valid_until, created_by, created_at)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)",
		coupon.Code,
		coupon.DiscountPercent,
		coupon.MaxUses,
		coupon.CurrentUses,
		coupon.MinUnits,
		coupon.MaxUnits,
		coupon.Active,
		nullTime(coupon.ValidUntil),
		coupon.CreatedBy,
		time.Now().UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (store *store) CouponGet(ctx context.Context, code string) (model.Coupon, error) {
	var coupon model.Coupon
	var validUntil sql.NullTime
	row := store.database.QueryRowContext(ctx,
		"SELECT code, discount_percent, max_uses, current_uses, min_units, max_units,"+
			" active, valid_until, created_by, created_at"+
			" FROM coupon"+
			" WHERE code = $1",
		code)
	err := row.Scan(&coupon.Code,
		&coupon.DiscountPercent,
		&coupon.MaxUses,
		&coupon.CurrentUses,
		&coupon.MinUnits,
		&coupon.MaxUnits,
		&coupon.Active,
		&validUntil,
		&coupon.CreatedBy,
		&coupon.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Coupon{}, ErrNoRows
		}
		return model.Coupon{}, err
	}
	coupon.ValidUntil = validUntil.Time
	return coupon, nil
}

func (store *store) CouponConsume(ctx context.Context, code string) error {
	result, err := store.database.ExecContext(ctx,
		"UPDATE coupon"+
			" SET current_uses = current_uses + 1"+
			" WHERE code = $1",
		code)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNoRows
	}
	return nil
}

func (store *store) CouponDeactivate(ctx context.Context, code string) error {
	result, err := store.database.ExecContext(ctx,
		"UPDATE coupon"+
			" SET active = FALSE"+
			" WHERE code = $1",
		code)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNoRows
	}
	return nil
}

func (store *store) TransactionCreate(ctx context.Context, t model.Transaction) error {
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO payment_transaction (payment_id, order_code, customer_id, cents, status, created_at)"+
			" VALUES ($1, $2, $3, $4, $5, $6)",
		t.PaymentID,
		t.OrderCode,
		t.CustomerID,
		t.Cents,
		t.Status,
		time.Now().UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (store *store) AuditAppend(ctx context.Context, entry model.AuditEntry) error {
	details := entry.Details
	if details == nil {
		details = map[string]any{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return err
	}
	_, err = store.database.ExecContext(ctx,
		"INSERT INTO audit_log (action, customer_id, order_code, details, level, created_at)"+
			" VALUES ($1, $2, $3, $4, $5, $6)",
		entry.Action,
		entry.CustomerID,
		entry.OrderCode,
		string(detailsJSON),
		entry.Level,
		time.Now().UTC())
	return err
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
