package economyclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/nimdiido/eclipsebux/internal/model"
)

// Клиент платформы виртуальной экономики.
// Все исходящие запросы проходят через общий rate limiter:
// платформа банит за превышение лимита

type Config struct {
	ServiceAddr       string
	Cookie            string // креденшиал оператора
	RequestsPerMinute int
	RetryBackoff      time.Duration // пауза после 429
	TokenRetries      int           // повторы при протухшем anti-forgery токене
}

var (
	ErrIdentityNotFound   = errors.New("identity not found")
	ErrItemNotFound       = errors.New("pass item not found")
	ErrItemNotForSale     = errors.New("pass item is not for sale")
	ErrItemPriceMismatch  = errors.New("pass item price mismatch")
	ErrItemWrongOwner     = errors.New("pass item has wrong owner")
	ErrItemAlreadyOwned   = errors.New("pass item already owned by operator")
	ErrBalanceUnavailable = errors.New("operator balance unavailable")
	ErrInvalidCredential  = errors.New("platform credential invalid")
	ErrTokenUnavailable   = errors.New("anti-forgery token unavailable")
)

type PurchaseResult struct {
	Purchased bool
	Reason    string // причина отказа платформы, дословно
}

// IdentityCache: кэш разрешенных имен пользователей. Может отсутствовать
type IdentityCache interface {
	Get(ctx context.Context, username string) (int64, bool)
	Set(ctx context.Context, username string, id int64)
}

type Client interface {
	ResolveIdentity(ctx context.Context, username string) (int64, error)
	GetItem(ctx context.Context, passItemID int64) (model.PassItem, error)
	OwnsItem(ctx context.Context, userID int64, passItemID int64) (bool, error)
	OperatorOwnsItem(ctx context.Context, passItemID int64) (bool, error)
	Balance(ctx context.Context) (int64, error)
	Purchase(ctx context.Context, item model.PassItem, expectedPrice int64, expectedSellerID int64) (PurchaseResult, error)
	ValidateCredential(ctx context.Context) (string, error)
}

type client struct {
	cfg     Config
	resty   *resty.Client
	limiter *rate.Limiter
	cache   IdentityCache
	sf      singleflight.Group
	token   tokenState
}

func NewClient(cfg Config, cache IdentityCache) Client {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 30 * time.Second
	}
	r := resty.New().
		SetBaseURL(cfg.ServiceAddr).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json").
		SetCookie(&http.Cookie{Name: ".SECURITYTOKEN", Value: cfg.Cookie})
	return &client{
		cfg:     cfg,
		resty:   r,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), cfg.RequestsPerMinute),
		cache:   cache,
	}
}

// do: запрос с учетом лимита. На 429 одна повторная попытка после паузы
func (c *client) do(ctx context.Context, send func() (*resty.Response, error)) (*resty.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	resp, err := send()
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusTooManyRequests {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.cfg.RetryBackoff):
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return send()
	}
	return resp, nil
}

type identityJSON struct {
	Data []struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"data"`
}

func (c *client) ResolveIdentity(ctx context.Context, username string) (int64, error) {
	if c.cache != nil {
		if id, ok := c.cache.Get(ctx, username); ok {
			return id, nil
		}
	}

	// singleflight: параллельные заказы на одно имя не плодят запросы
	v, err, _ := c.sf.Do("identity:"+username, func() (any, error) {
		resp, err := c.do(ctx, func() (*resty.Response, error) {
			return c.resty.R().
				SetContext(ctx).
				SetBody(map[string]any{
					"usernames":          []string{username},
					"excludeBannedUsers": true,
				}).
				Post("/users/v1/usernames/users")
		})
		if err != nil {
			return int64(0), err
		}
		if resp.StatusCode() != http.StatusOK {
			return int64(0), fmt.Errorf("identity request status: %d", resp.StatusCode())
		}
		var answer identityJSON
		if err := json.Unmarshal(resp.Body(), &answer); err != nil {
			return int64(0), err
		}
		if len(answer.Data) == 0 {
			return int64(0), ErrIdentityNotFound
		}
		return answer.Data[0].ID, nil
	})
	if err != nil {
		return 0, err
	}
	id := v.(int64)
	if c.cache != nil {
		c.cache.Set(ctx, username, id)
	}
	return id, nil
}

type itemJSON struct {
	TargetID     int64  `json:"TargetId"`
	ProductID    int64  `json:"ProductId"`
	Name         string `json:"Name"`
	PriceInUnits int64  `json:"PriceInRobux"`
	Creator      struct {
		ID int64 `json:"Id"`
	} `json:"Creator"`
	IsForSale bool `json:"IsForSale"`
}

func (c *client) GetItem(ctx context.Context, passItemID int64) (model.PassItem, error) {
	resp, err := c.do(ctx, func() (*resty.Response, error) {
		return c.resty.R().
			SetContext(ctx).
			Get(fmt.Sprintf("/economy/v1/game-pass/%d/game-pass-product-info", passItemID))
	})
	if err != nil {
		return model.PassItem{}, err
	}
	if resp.StatusCode() != http.StatusOK {
		return model.PassItem{}, ErrItemNotFound
	}
	var item itemJSON
	if err := json.Unmarshal(resp.Body(), &item); err != nil {
		return model.PassItem{}, err
	}
	return model.PassItem{
		ID:        item.TargetID,
		ProductID: item.ProductID,
		Name:      item.Name,
		Price:     item.PriceInUnits,
		CreatorID: item.Creator.ID,
		ForSale:   item.IsForSale,
	}, nil
}

func (c *client) OwnsItem(ctx context.Context, userID int64, passItemID int64) (bool, error) {
	resp, err := c.do(ctx, func() (*resty.Response, error) {
		return c.resty.R().
			SetContext(ctx).
			Get(fmt.Sprintf("/inventory/v1/users/%d/items/GamePass/%d", userID, passItemID))
	})
	if err != nil {
		return false, err
	}
	if resp.StatusCode() != http.StatusOK {
		return false, fmt.Errorf("inventory request status: %d", resp.StatusCode())
	}
	var answer struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(resp.Body(), &answer); err != nil {
		return false, err
	}
	return len(answer.Data) > 0, nil
}

// OperatorOwnsItem: есть ли pass item уже в инвентаре оператора.
// Повторная покупка того же pass item не переводит валюту
func (c *client) OperatorOwnsItem(ctx context.Context, passItemID int64) (bool, error) {
	user, err := c.authenticated(ctx)
	if err != nil {
		return false, err
	}
	return c.OwnsItem(ctx, user.ID, passItemID)
}

type authenticatedJSON struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func (c *client) authenticated(ctx context.Context) (authenticatedJSON, error) {
	resp, err := c.do(ctx, func() (*resty.Response, error) {
		return c.resty.R().
			SetContext(ctx).
			Get("/users/v1/users/authenticated")
	})
	if err != nil {
		return authenticatedJSON{}, err
	}
	if resp.StatusCode() != http.StatusOK {
		return authenticatedJSON{}, ErrInvalidCredential
	}
	var user authenticatedJSON
	if err := json.Unmarshal(resp.Body(), &user); err != nil {
		return authenticatedJSON{}, err
	}
	return user, nil
}

// ValidateCredential: стартовая проверка креденшиала платформы
func (c *client) ValidateCredential(ctx context.Context) (string, error) {
	user, err := c.authenticated(ctx)
	if err != nil {
		return "", err
	}
	return user.Name, nil
}

func (c *client) Balance(ctx context.Context) (int64, error) {
	user, err := c.authenticated(ctx)
	if err != nil {
		return 0, ErrBalanceUnavailable
	}
	resp, err := c.do(ctx, func() (*resty.Response, error) {
		return c.resty.R().
			SetContext(ctx).
			Get(fmt.Sprintf("/economy/v1/users/%d/currency", user.ID))
	})
	if err != nil || resp.StatusCode() != http.StatusOK {
		return 0, ErrBalanceUnavailable
	}
	var answer struct {
		Units int64 `json:"robux"`
	}
	if err := json.Unmarshal(resp.Body(), &answer); err != nil {
		return 0, ErrBalanceUnavailable
	}
	return answer.Units, nil
}

// ValidateForPurchase: проверки pass item перед покупкой, в фиксированном
// порядке. Каждая причина отказа различима - покупатель должен понять,
// что именно исправить
func ValidateForPurchase(item model.PassItem, expectedPrice int64, tolerance int64, expectedOwnerID int64) error {
	if !item.ForSale {
		return ErrItemNotForSale
	}
	if item.Price <= 0 {
		return fmt.Errorf("%w: no price set", ErrItemPriceMismatch)
	}
	diff := item.Price - expectedPrice
	if diff < 0 {
		diff = -diff
	}
	// допуск на округление цены на стороне платформы
	if diff > tolerance {
		return fmt.Errorf("%w: expected %d, actual %d", ErrItemPriceMismatch, expectedPrice, item.Price)
	}
	if item.CreatorID != expectedOwnerID {
		return fmt.Errorf("%w: current owner %d", ErrItemWrongOwner, item.CreatorID)
	}
	return nil
}

type purchaseJSON struct {
	Purchased bool   `json:"purchased"`
	Reason    string `json:"reason"`
	Message   string `json:"message"`
}

// Purchase: покупка pass item. expectedPrice/expectedSellerId в теле запроса -
// защита от гонки, если товар поменялся между валидацией и покупкой.
// При протухшем anti-forgery токене (403 со свежим токеном в заголовке)
// токен обновляется и попытка повторяется, не больше TokenRetries раз
func (c *client) Purchase(ctx context.Context, item model.PassItem, expectedPrice int64, expectedSellerID int64) (PurchaseResult, error) {
	for attempt := 0; ; attempt++ {
		token, err := c.antiForgeryToken(ctx)
		if err != nil {
			return PurchaseResult{}, err
		}

		resp, err := c.do(ctx, func() (*resty.Response, error) {
			return c.resty.R().
				SetContext(ctx).
				SetHeader(antiForgeryHeader, token).
				SetBody(map[string]any{
					"expectedCurrency": 1,
					"expectedPrice":    expectedPrice,
					"expectedSellerId": expectedSellerID,
				}).
				Post(fmt.Sprintf("/economy/v1/purchases/products/%d", item.ProductID))
		})
		if err != nil {
			return PurchaseResult{}, err
		}

		switch resp.StatusCode() {
		case http.StatusOK:
			var answer purchaseJSON
			if err := json.Unmarshal(resp.Body(), &answer); err != nil {
				return PurchaseResult{}, err
			}
			if answer.Purchased {
				return PurchaseResult{Purchased: true}, nil
			}
			reason := answer.Reason
			if reason == "" {
				reason = answer.Message
			}
			if reason == "" {
				reason = "unknown reason"
			}
			return PurchaseResult{Purchased: false, Reason: reason}, nil
		case http.StatusForbidden:
			fresh := resp.Header().Get(antiForgeryHeader)
			if fresh != "" && attempt < c.cfg.TokenRetries {
				c.setAntiForgeryToken(fresh)
				continue
			}
			c.invalidateAntiForgeryToken()
			var answer purchaseJSON
			_ = json.Unmarshal(resp.Body(), &answer)
			reason := answer.Message
			if reason == "" {
				reason = "authorization rejected"
			}
			return PurchaseResult{Purchased: false, Reason: reason}, nil
		case http.StatusBadRequest:
			var answer purchaseJSON
			_ = json.Unmarshal(resp.Body(), &answer)
			reason := answer.Message
			if reason == "" {
				reason = "invalid purchase request"
			}
			return PurchaseResult{Purchased: false, Reason: reason}, nil
		default:
			return PurchaseResult{}, fmt.Errorf("purchase request status: %d", resp.StatusCode())
		}
	}
}
