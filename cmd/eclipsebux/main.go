package main

import (
	"context"
	"errors"
	"log"

	"go.uber.org/zap"

	"github.com/nimdiido/eclipsebux/internal/auth"
	"github.com/nimdiido/eclipsebux/internal/config"
	"github.com/nimdiido/eclipsebux/internal/handler"
	"github.com/nimdiido/eclipsebux/internal/identitycache"
	"github.com/nimdiido/eclipsebux/internal/logger"
	"github.com/nimdiido/eclipsebux/internal/notify"
	"github.com/nimdiido/eclipsebux/internal/pricing"
	"github.com/nimdiido/eclipsebux/internal/service"
	"github.com/nimdiido/eclipsebux/internal/service/economyclient"
	"github.com/nimdiido/eclipsebux/internal/service/paymentclient"
	"github.com/nimdiido/eclipsebux/internal/store"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg := config.GetConfig()
	if cfg.AuthSecret == "" {
		return errors.New("AUTH_SECRET is required")
	}

	zaplog, err := logger.NewZapLog(cfg.Logger)
	if err != nil {
		return err
	}

	store, err := store.NewStore(cfg.Store)
	if err != nil {
		return err
	}

	payment := paymentclient.NewClient(cfg.Payment.ServiceAddr, cfg.Payment.AccessToken)

	// кэш имен опционален: без redis просто ходим в API каждый раз
	var cache economyclient.IdentityCache
	if cfg.RedisAddr != "" {
		redisCache, err := identitycache.New(cfg.RedisAddr, zaplog)
		if err != nil {
			zaplog.Warn("identity cache unavailable", zap.Error(err))
		} else {
			cache = redisCache
		}
	}
	economy := economyclient.NewClient(cfg.Economy, cache)

	// проверяем креденшиал платформы до старта: без него заказы
	// принимать нельзя
	operator, err := economy.ValidateCredential(context.Background())
	if err != nil {
		return err
	}
	zaplog.Info("economy platform credential valid", zap.String("operator", operator))

	var notifier notify.Notifier = notify.NopNotifier{}
	if cfg.Notify.AmqpURL != "" {
		notifier, err = notify.NewAmqpNotifier(cfg.Notify, zaplog)
		if err != nil {
			return err
		}
	}

	auth := auth.NewAuth(cfg.AuthSecret)
	service := service.NewService(cfg.Service, store, pricing.New(cfg.Pricing), payment, economy, notifier, zaplog)

	// поднимаем мониторы заказов, оставшихся в pending после рестарта
	resumed, err := service.ResumePending(context.Background())
	if err != nil {
		return err
	}
	zaplog.Info("pending orders resumed", zap.Int("count", resumed))

	return handler.Serve(cfg.Handler, auth, service, zaplog)
}
