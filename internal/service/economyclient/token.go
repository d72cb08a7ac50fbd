package economyclient

import (
	"context"
	"sync"

	"github.com/go-resty/resty/v2"
)

const antiForgeryHeader = "x-csrf-token"

// Anti-forgery токен платформы. Протокольная причуда: токен выдается
// в заголовке заведомо неуспешного запроса и затем переиспользуется.
// Состояние на процесс, обновление ленивое

type tokenState struct {
	mu    sync.Mutex
	value string
}

func (c *client) antiForgeryToken(ctx context.Context) (string, error) {
	c.token.mu.Lock()
	cached := c.token.value
	c.token.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	// singleflight: конкурирующие покупки не запрашивают токен наперегонки
	v, err, _ := c.sf.Do("anti-forgery", func() (any, error) {
		resp, err := c.do(ctx, func() (*resty.Response, error) {
			return c.resty.R().
				SetContext(ctx).
				Post("/economy/v1/purchases/products/0")
		})
		if err != nil {
			return "", err
		}
		token := resp.Header().Get(antiForgeryHeader)
		if token == "" {
			return "", ErrTokenUnavailable
		}
		c.setAntiForgeryToken(token)
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *client) setAntiForgeryToken(value string) {
	c.token.mu.Lock()
	c.token.value = value
	c.token.mu.Unlock()
}

func (c *client) invalidateAntiForgeryToken() {
	c.setAntiForgeryToken("")
}
