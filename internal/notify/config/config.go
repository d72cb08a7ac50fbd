package config

type Config struct {
	AmqpURL  string // пусто - уведомления отключены
	Exchange string
}
