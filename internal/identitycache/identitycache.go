package identitycache

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Кэш разрешенных имен пользователей платформы в redis.
// Промах или недоступный redis - не ошибка, просто идем в API

const (
	keyPrefix = "eclipsebux:identity:"
	entryTTL  = 6 * time.Hour
)

type Cache struct {
	rdb    *redis.Client
	zaplog *zap.Logger
}

func New(addr string, zaplog *zap.Logger) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &Cache{rdb: rdb, zaplog: zaplog}, nil
}

func (c *Cache) Get(ctx context.Context, username string) (int64, bool) {
	value, err := c.rdb.Get(ctx, keyPrefix+username).Result()
	if err != nil {
		return 0, false
	}
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func (c *Cache) Set(ctx context.Context, username string, id int64) {
	err := c.rdb.Set(ctx, keyPrefix+username, strconv.FormatInt(id, 10), entryTTL).Err()
	if err != nil {
		c.zaplog.Warn("identity cache set failed",
			zap.String("username", username),
			zap.Error(err))
	}
}
