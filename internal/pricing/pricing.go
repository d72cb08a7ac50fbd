package pricing

import (
	"errors"
	"math"
)

// Ценообразование. Чистые функции, без состояния.
// Деньги - целые центы, валюта - целые единицы

type Config struct {
	RatePerThousand int64   // центов за 1000 единиц
	FeeRate         float64 // комиссия платформы, например 0.30
	MinUnits        int64
	MaxUnits        int64
}

var ErrAmountOutOfRange = errors.New("amount out of range")

type Pricing struct {
	cfg Config
}

func New(cfg Config) Pricing {
	return Pricing{cfg: cfg}
}

// CheckBounds: количество единиц в допустимых пределах
func (p Pricing) CheckBounds(units int64) error {
	if units < p.cfg.MinUnits || units > p.cfg.MaxUnits {
		return ErrAmountOutOfRange
	}
	return nil
}

// Price: базовая цена заказа в центах
func (p Pricing) Price(units int64) int64 {
	return units * p.cfg.RatePerThousand / 1000
}

// Доля, остающаяся после комиссии, в базисных пунктах.
// Комиссия считается в целых пунктах: float-арифметика на кратных
// 1/(1-fee) суммах дает недолет на единицу
func (p Pricing) keepBasisPoints() int64 {
	return 10000 - int64(math.Round(p.cfg.FeeRate*10000))
}

// CompensatedItemPrice: цена pass item, при которой после вычета комиссии
// платформы покупатель получает не меньше units.
// Округление строго вверх: усечение вниз недопоставляет единицы
func (p Pricing) CompensatedItemPrice(units int64) int64 {
	keep := p.keepBasisPoints()
	return (units*10000 + keep - 1) / keep
}

// NetAfterFee: сколько единиц реально дойдет с pass item данной цены
func (p Pricing) NetAfterFee(itemPrice int64) int64 {
	return itemPrice * p.keepBasisPoints() / 10000
}

// ApplyDiscount: цена со скидкой, округление до ближайшего цента
func ApplyDiscount(cents int64, discountPercent float64) int64 {
	if discountPercent <= 0 {
		return cents
	}
	return int64(math.Round(float64(cents) * (1 - discountPercent)))
}
