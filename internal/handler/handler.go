package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/nimdiido/eclipsebux/internal/auth"
	"github.com/nimdiido/eclipsebux/internal/handler/config"
	"github.com/nimdiido/eclipsebux/internal/logger"
	"github.com/nimdiido/eclipsebux/internal/model"
	"github.com/nimdiido/eclipsebux/internal/service"
	"github.com/nimdiido/eclipsebux/internal/service/economyclient"
)

func Serve(cfg config.Config, auth auth.Auth, service service.Service, zaplog *zap.Logger) error {
	h := newHandler(auth, service, zaplog)
	router := h.newRouter()

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: router,
	}

	return srv.ListenAndServe()
}

type handler struct {
	auth    auth.Auth
	service service.Service
	zaplog  *zap.Logger
}

func newHandler(auth auth.Auth, service service.Service, zaplog *zap.Logger) *handler {
	return &handler{
		auth:    auth,
		service: service,
		zaplog:  zaplog,
	}
}

func (h *handler) newRouter() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/orders", logger.RequestLogMdlw(h.auth.Middleware(h.PostOrder), h.zaplog))
	mux.HandleFunc("GET /api/orders/{code}", logger.RequestLogMdlw(h.auth.Middleware(h.GetOrder), h.zaplog))
	mux.HandleFunc("POST /api/orders/{code}/passitem", logger.RequestLogMdlw(h.auth.Middleware(h.PostPassItem), h.zaplog))
	mux.HandleFunc("POST /api/orders/{code}/cancel", logger.RequestLogMdlw(h.auth.Middleware(h.PostCancel), h.zaplog))
	mux.HandleFunc("POST /api/orders/{code}/refund", logger.RequestLogMdlw(h.auth.AdminMiddleware(h.PostRefund), h.zaplog))
	mux.HandleFunc("POST /api/orders/{code}/deliver", logger.RequestLogMdlw(h.auth.AdminMiddleware(h.PostDeliver), h.zaplog))
	mux.HandleFunc("GET /api/customers/me", logger.RequestLogMdlw(h.auth.Middleware(h.GetProfile), h.zaplog))
	mux.HandleFunc("POST /api/coupons", logger.RequestLogMdlw(h.auth.AdminMiddleware(h.PostCoupon), h.zaplog))
	mux.HandleFunc("DELETE /api/coupons/{code}", logger.RequestLogMdlw(h.auth.AdminMiddleware(h.DeleteCoupon), h.zaplog))

	return mux
}

// перевод ошибок сервиса в HTTP-статусы
func (h *handler) serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInsufficientData),
		errors.Is(err, service.ErrAmountOutOfRange):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, service.ErrUnknownIdentity),
		errors.Is(err, service.ErrCouponInvalid):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, service.ErrCustomerBanned):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, service.ErrOrderNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, service.ErrNotOrderOwner):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, service.ErrWrongStatus),
		errors.Is(err, service.ErrSubmissionInProgress):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, service.ErrGatewayUnavailable):
		http.Error(w, err.Error(), http.StatusBadGateway)
	case errors.Is(err, service.ErrRefundDenied):
		http.Error(w, err.Error(), http.StatusPaymentRequired)
	case errors.Is(err, service.ErrInsufficientBalance),
		errors.Is(err, service.ErrPurchaseRejected),
		errors.Is(err, economyclient.ErrItemNotFound),
		errors.Is(err, economyclient.ErrItemNotForSale),
		errors.Is(err, economyclient.ErrItemPriceMismatch),
		errors.Is(err, economyclient.ErrItemWrongOwner),
		errors.Is(err, economyclient.ErrItemAlreadyOwned),
		errors.Is(err, economyclient.ErrBalanceUnavailable):
		// причина отказа различима и адресована покупателю
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

type OrderJSONResponse struct {
	Code            string    `json:"code"`
	PlatformUser    string    `json:"platform_user"`
	UnitAmount      int64     `json:"unit_amount"`
	Price           float32   `json:"price"`
	ItemPrice       int64     `json:"item_price"`
	CouponCode      string    `json:"coupon_code,omitempty"`
	DiscountPercent float64   `json:"discount_percent,omitempty"`
	Status          string    `json:"status"`
	PaymentCode     string    `json:"payment_code,omitempty"`
	PaymentQR       string    `json:"payment_qr,omitempty"`
	PassItemID      int64     `json:"pass_item_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	Notes           []string  `json:"notes,omitempty"`
}

func orderJSON(order model.Order, notes []string) OrderJSONResponse {
	return OrderJSONResponse{
		Code:            order.Code,
		PlatformUser:    order.PlatformUser,
		UnitAmount:      order.UnitAmount,
		Price:           centsOutput(order.PriceCents),
		ItemPrice:       order.ItemPrice,
		CouponCode:      order.CouponCode,
		DiscountPercent: order.DiscountPercent,
		Status:          string(order.Status),
		PaymentCode:     order.PaymentCode,
		PaymentQR:       order.PaymentQR,
		PassItemID:      order.PassItemID,
		CreatedAt:       order.CreatedAt,
		ExpiresAt:       order.ExpiresAt,
		Notes:           notes,
	}
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	responseJSON, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(responseJSON)
}

type PostOrderJSONRequest struct {
	PlatformUser string `json:"platform_user"`
	UnitAmount   int64  `json:"unit_amount"`
	CouponCode   string `json:"coupon_code"`
	ChannelRef   string `json:"channel_ref"`
	CustomerName string `json:"customer_name"`
}

func (h *handler) PostOrder(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r.Body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var orderJSONReq PostOrderJSONRequest
	if err := json.Unmarshal(buf.Bytes(), &orderJSONReq); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	userCode := r.Header.Get(auth.UserCodeKey)

	order, err := h.service.CreateOrder(r.Context(), service.CreateOrderRequest{
		CustomerID:   userCode,
		CustomerName: orderJSONReq.CustomerName,
		PlatformUser: orderJSONReq.PlatformUser,
		UnitAmount:   orderJSONReq.UnitAmount,
		CouponCode:   orderJSONReq.CouponCode,
		ChannelRef:   orderJSONReq.ChannelRef,
	})
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, orderJSON(order, nil))
}

func (h *handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	userCode := r.Header.Get(auth.UserCodeKey)

	order, notes, err := h.service.GetOrder(r.Context(), code)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	if order.CustomerID != userCode {
		http.Error(w, service.ErrNotOrderOwner.Error(), http.StatusForbidden)
		return
	}
	h.writeJSON(w, http.StatusOK, orderJSON(order, notes))
}

type PostPassItemJSONRequest struct {
	PassItemID  int64  `json:"pass_item_id"`
	PassItemURL string `json:"pass_item_url"`
}

var passItemURLRe = regexp.MustCompile(`game-pass/(\d+)`)

// ParsePassItemURL: ID pass item из ссылки на страницу товара
func ParsePassItemURL(url string) (int64, bool) {
	match := passItemURLRe.FindStringSubmatch(url)
	if match == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func (h *handler) PostPassItem(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	userCode := r.Header.Get(auth.UserCodeKey)

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r.Body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var passItemJSON PostPassItemJSONRequest
	if err := json.Unmarshal(buf.Bytes(), &passItemJSON); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	passItemID := passItemJSON.PassItemID
	if passItemID == 0 && passItemJSON.PassItemURL != "" {
		id, ok := ParsePassItemURL(passItemJSON.PassItemURL)
		if !ok {
			http.Error(w, "invalid pass item url", http.StatusBadRequest)
			return
		}
		passItemID = id
	}

	order, err := h.service.SubmitPassItem(r.Context(), code, userCode, passItemID)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, orderJSON(order, nil))
}

func (h *handler) PostCancel(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	userCode := r.Header.Get(auth.UserCodeKey)

	if err := h.service.CancelOrder(r.Context(), code, userCode); err != nil {
		h.serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *handler) PostRefund(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	userCode := r.Header.Get(auth.UserCodeKey)

	if err := h.service.Refund(r.Context(), code, userCode); err != nil {
		h.serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *handler) PostDeliver(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	userCode := r.Header.Get(auth.UserCodeKey)

	if err := h.service.MarkDelivered(r.Context(), code, userCode); err != nil {
		h.serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type ProfileJSONResponse struct {
	ID          string  `json:"id"`
	Name        string  `json:"name,omitempty"`
	Spent       float32 `json:"spent"`
	UnitsBought int64   `json:"units_bought"`
	OrderCount  int64   `json:"order_count"`
}

func (h *handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	userCode := r.Header.Get(auth.UserCodeKey)

	customer, err := h.service.CustomerProfile(r.Context(), userCode)
	if err != nil {
		h.serviceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ProfileJSONResponse{
		ID:          customer.ID,
		Name:        customer.Name,
		Spent:       centsOutput(customer.SpentCents),
		UnitsBought: customer.UnitsBought,
		OrderCount:  customer.OrderCount,
	})
}

type PostCouponJSONRequest struct {
	Code            string  `json:"code"`
	DiscountPercent float64 `json:"discount_percent"`
	MaxUses         int64   `json:"max_uses"`
	MinUnits        int64   `json:"min_units"`
	MaxUnits        int64   `json:"max_units"`
	ValidUntil      string  `json:"valid_until"`
}

func (h *handler) PostCoupon(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r.Body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var couponJSON PostCouponJSONRequest
	if err := json.Unmarshal(buf.Bytes(), &couponJSON); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var validUntil time.Time
	if couponJSON.ValidUntil != "" {
		parsed, err := time.Parse(time.RFC3339, couponJSON.ValidUntil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		validUntil = parsed
	}

	err := h.service.CreateCoupon(r.Context(), model.Coupon{
		Code:            couponJSON.Code,
		DiscountPercent: couponJSON.DiscountPercent,
		MaxUses:         couponJSON.MaxUses,
		MinUnits:        couponJSON.MinUnits,
		MaxUnits:        couponJSON.MaxUnits,
		ValidUntil:      validUntil,
		CreatedBy:       r.Header.Get(auth.UserCodeKey),
	})
	if err != nil {
		h.serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *handler) DeleteCoupon(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")

	if err := h.service.DeactivateCoupon(r.Context(), code); err != nil {
		h.serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func centsOutput(cents int64) float32 {
	return float32(cents) / 100
}
