package config

import (
	"flag"
	"os"
	"strconv"
	"time"

	handlerConfig "github.com/nimdiido/eclipsebux/internal/handler/config"
	loggerConfig "github.com/nimdiido/eclipsebux/internal/logger/config"
	notifyConfig "github.com/nimdiido/eclipsebux/internal/notify/config"
	"github.com/nimdiido/eclipsebux/internal/pricing"
	serviceConfig "github.com/nimdiido/eclipsebux/internal/service/config"
	"github.com/nimdiido/eclipsebux/internal/service/economyclient"
	storeConfig "github.com/nimdiido/eclipsebux/internal/store/config"
)

type Config struct {
	Handler handlerConfig.Config
	Service serviceConfig.Config
	Store   storeConfig.Config
	Logger  loggerConfig.Config
	Notify  notifyConfig.Config
	Pricing pricing.Config
	Economy economyclient.Config
	Payment PaymentConfig

	RedisAddr  string // пусто = кэш не используется
	AuthSecret string
}

type PaymentConfig struct {
	ServiceAddr string
	AccessToken string
}

func GetConfig() Config {
	cfg := Config{}

	// флаги с env-переопределением
	flag.StringVar(&cfg.Handler.ServerAddr, "a", ":8080", "server address")
	flag.StringVar(&cfg.Store.DBDsn, "d", "", "database dsn")
	flag.StringVar(&cfg.Logger.LogLevel, "l", "info", "log level")
	flag.StringVar(&cfg.Payment.ServiceAddr, "g", "https://api.mercadopago.com", "payment gateway address")
	flag.StringVar(&cfg.Economy.ServiceAddr, "e", "", "economy platform address")
	flag.Parse()

	cfg.Handler.ServerAddr = envString("RUN_ADDRESS", cfg.Handler.ServerAddr)
	cfg.Store.DBDsn = envString("DATABASE_DSN", cfg.Store.DBDsn)
	cfg.Logger.LogLevel = envString("LOG_LEVEL", cfg.Logger.LogLevel)

	cfg.Payment.ServiceAddr = envString("GATEWAY_ADDRESS", cfg.Payment.ServiceAddr)
	cfg.Payment.AccessToken = envString("GATEWAY_TOKEN", "")

	cfg.Economy.ServiceAddr = envString("ECONOMY_ADDRESS", cfg.Economy.ServiceAddr)
	cfg.Economy.Cookie = envString("ECONOMY_COOKIE", "")
	cfg.Economy.RequestsPerMinute = int(envInt64("ECONOMY_RPM", 60))
	cfg.Economy.RetryBackoff = envDuration("ECONOMY_RETRY_BACKOFF", 30*time.Second)
	cfg.Economy.TokenRetries = int(envInt64("TOKEN_RETRIES", 1))

	cfg.Pricing.RatePerThousand = envInt64("RATE_PER_1000", 150)
	cfg.Pricing.FeeRate = envFloat64("PLATFORM_FEE", 0.30)
	cfg.Pricing.MinUnits = envInt64("MIN_UNITS", 100)
	cfg.Pricing.MaxUnits = envInt64("MAX_UNITS", 100000)

	cfg.Service.PaymentTimeout = envDuration("PAYMENT_TIMEOUT", 30*time.Minute)
	cfg.Service.PollInterval = envDuration("POLL_INTERVAL", 10*time.Second)
	cfg.Service.PriceTolerance = envInt64("PRICE_TOLERANCE", 5)

	cfg.Notify.AmqpURL = envString("AMQP_URL", "")
	cfg.Notify.Exchange = envString("NOTIFY_EXCHANGE", "eclipsebux.notify")

	cfg.RedisAddr = envString("REDIS_ADDRESS", "")
	cfg.AuthSecret = envString("AUTH_SECRET", "")

	return cfg
}

func envString(name string, fallback string) string {
	if value, ok := os.LookupEnv(name); ok {
		return value
	}
	return fallback
}

func envInt64(name string, fallback int64) int64 {
	if value, ok := os.LookupEnv(name); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envFloat64(name string, fallback float64) float64 {
	if value, ok := os.LookupEnv(name); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envDuration(name string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(name); ok {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}
