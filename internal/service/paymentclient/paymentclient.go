package paymentclient

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// Клиент платежного шлюза мгновенных банковских переводов

const (
	StatusPending   = "pending"
	StatusApproved  = "approved"
	StatusCancelled = "cancelled"
	StatusRejected  = "rejected"
	StatusRefunded  = "refunded"
	StatusError     = "error"
)

type Intent struct {
	IntentID  string
	Status    string
	Code      string // код копи-паста
	QRBase64  string
	TicketURL string
	ExpiresAt time.Time
}

type Client interface {
	CreateIntent(cents int64, orderCode string, description string, payerName string, expiresAt time.Time) (Intent, error)
	GetStatus(intentID string) string
	Cancel(intentID string) bool
	Refund(intentID string, cents int64) bool
}

type client struct {
	serviceAddr string
	resty       *resty.Client
}

func NewClient(serviceAddr string, accessToken string) Client {
	r := resty.New().
		SetBaseURL(serviceAddr).
		SetAuthToken(accessToken).
		SetHeader("Content-Type", "application/json")
	return &client{serviceAddr: serviceAddr, resty: r}
}

// JSON платежа шлюза
type paymentJSON struct {
	ID                 json.Number `json:"id"`
	Status             string      `json:"status"`
	TransactionAmount  float64     `json:"transaction_amount"`
	PointOfInteraction struct {
		TransactionData struct {
			QRCode       string `json:"qr_code"`
			QRCodeBase64 string `json:"qr_code_base64"`
			TicketURL    string `json:"ticket_url"`
		} `json:"transaction_data"`
	} `json:"point_of_interaction"`
}

func (client *client) CreateIntent(cents int64, orderCode string, description string, payerName string, expiresAt time.Time) (Intent, error) {
	body := map[string]any{
		"transaction_amount": float64(cents) / 100,
		"description":        description,
		"payment_method_id":  "pix",
		"payer": map[string]any{
			"first_name": payerName,
		},
		// Формат шлюза: yyyy-MM-dd'T'HH:mm:ss.sssZ
		"date_of_expiration": expiresAt.UTC().Format("2006-01-02T15:04:05.000-07:00"),
		"external_reference": orderCode,
	}

	resp, err := client.resty.R().
		SetBody(body).
		Post("/v1/payments")
	if err != nil {
		return Intent{}, err
	}
	if resp.StatusCode() != http.StatusCreated {
		return Intent{}, fmt.Errorf("payment intent request status: %d", resp.StatusCode())
	}

	var payment paymentJSON
	if err := json.Unmarshal(resp.Body(), &payment); err != nil {
		return Intent{}, err
	}
	return Intent{
		IntentID:  payment.ID.String(),
		Status:    payment.Status,
		Code:      payment.PointOfInteraction.TransactionData.QRCode,
		QRBase64:  payment.PointOfInteraction.TransactionData.QRCodeBase64,
		TicketURL: payment.PointOfInteraction.TransactionData.TicketURL,
		ExpiresAt: expiresAt,
	}, nil
}

// GetStatus: текущий статус платежа.
// Транспортные ошибки не пробрасываются - монитор опрашивает в цикле,
// для него это просто еще не терминальный статус
func (client *client) GetStatus(intentID string) string {
	resp, err := client.resty.R().
		Get("/v1/payments/" + intentID)
	if err != nil || resp.StatusCode() != http.StatusOK {
		return StatusError
	}

	var payment paymentJSON
	if err := json.Unmarshal(resp.Body(), &payment); err != nil {
		return StatusError
	}
	switch payment.Status {
	case StatusApproved, StatusCancelled, StatusRejected, StatusRefunded, StatusPending:
		return payment.Status
	default:
		return StatusPending
	}
}

func (client *client) Cancel(intentID string) bool {
	resp, err := client.resty.R().
		SetBody(map[string]string{"status": "cancelled"}).
		Put("/v1/payments/" + intentID)
	return err == nil && resp.StatusCode() == http.StatusOK
}

// Refund: возврат платежа. cents = 0 - полный возврат
func (client *client) Refund(intentID string, cents int64) bool {
	body := map[string]any{}
	if cents > 0 {
		body["amount"] = float64(cents) / 100
	}
	resp, err := client.resty.R().
		SetBody(body).
		Post("/v1/payments/" + intentID + "/refunds")
	return err == nil && resp.StatusCode() == http.StatusCreated
}
