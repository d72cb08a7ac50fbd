package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/nimdiido/eclipsebux/internal/notify/config"
)

// Канал уведомлений для слоя представления (чат-бот, не входит в этот
// репозиторий). Fire-and-forget: ошибки публикации логируются и глотаются,
// в состояние заказа они не попадают

type Event struct {
	Action    string `json:"action"`
	OrderCode string `json:"order_code,omitempty"`
	Message   string `json:"message"`
}

type Notifier interface {
	Notify(channelRef string, event Event)
}

type amqpNotifier struct {
	channel  *amqp.Channel
	exchange string
	zaplog   *zap.Logger
}

func NewAmqpNotifier(cfg config.Config, zaplog *zap.Logger) (Notifier, error) {
	conn, err := amqp.Dial(cfg.AmqpURL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	err = ch.ExchangeDeclare(cfg.Exchange, "direct", true, false, false, false, nil)
	if err != nil {
		return nil, err
	}
	return &amqpNotifier{channel: ch, exchange: cfg.Exchange, zaplog: zaplog}, nil
}

func (n *amqpNotifier) Notify(channelRef string, event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		n.zaplog.Warn("notify marshal failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = n.channel.PublishWithContext(ctx,
		n.exchange,
		channelRef, // routing key = адресат
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			MessageId:   uuid.NewString(),
			Timestamp:   time.Now().UTC(),
			Body:        body,
		})
	if err != nil {
		n.zaplog.Warn("notify publish failed",
			zap.String("channel", channelRef),
			zap.String("action", event.Action),
			zap.Error(err))
	}
}

// NopNotifier: заглушка, когда брокер не настроен
type NopNotifier struct{}

func (NopNotifier) Notify(string, Event) {}
