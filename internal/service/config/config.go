package config

import "time"

type Config struct {
	PaymentTimeout time.Duration // окно ожидания оплаты от создания заказа
	PollInterval   time.Duration // период опроса платежного шлюза
	PriceTolerance int64         // допуск цены pass item в единицах валюты
}
