// Package gateway はMercadoPago形式の決済代行REST APIのクライアント。
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bookstore/internal/domain/model"
	"bookstore/internal/usecase"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Config struct {
	BaseURL     string
	AccessToken string
	Timeout     time.Duration
	// 決済代行の金額 = 内部金額 / AmountScale
	AmountScale int64
	// back_urls / notification_url の元になる公開URL
	PublicBaseURL string
}

type Client struct {
	cfg    Config
	http   *http.Client
	tracer trace.Tracer
}

var _ usecase.PaymentGateway = (*Client)(nil)

func New(cfg Config, hc *http.Client) *Client {
	if cfg.AmountScale < 1 {
		cfg.AmountScale = 1
	}
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	return &Client{cfg: cfg, http: hc, tracer: otel.Tracer("bookstore/gateway")}
}

// 2xx以外の応答
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway responded %d: %s", e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return usecase.ErrGatewayNotFound
	}
	return nil
}

type preferenceItem struct {
	Title     string  `json:"title"`
	Quantity  int64   `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

type backURLs struct {
	Success string `json:"success"`
	Failure string `json:"failure"`
	Pending string `json:"pending"`
}

type preferenceRequest struct {
	Items             []preferenceItem `json:"items"`
	ExternalReference string           `json:"external_reference"`
	BackURLs          backURLs         `json:"back_urls"`
	AutoReturn        string           `json:"auto_return"`
	NotificationURL   string           `json:"notification_url"`
}

type preferenceResponse struct {
	ID               string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}

type paymentResponse struct {
	ID                json.Number `json:"id"`
	Status            string      `json:"status"`
	StatusDetail      string      `json:"status_detail"`
	ExternalReference string      `json:"external_reference"`
	TransactionAmount float64     `json:"transaction_amount"`
	DateApproved      *time.Time  `json:"date_approved"`
	DateLastUpdated   *time.Time  `json:"date_last_updated"`
	LastModified      *time.Time  `json:"last_modified"`
}

type merchantOrderResponse struct {
	ID                json.Number       `json:"id"`
	ExternalReference string            `json:"external_reference"`
	Payments          []paymentResponse `json:"payments"`
}

type searchResponse struct {
	Results []paymentResponse `json:"results"`
}

func (c *Client) CreatePreference(ctx context.Context, req model.PreferenceRequest) (model.Preference, error) {
	orderRef := strconv.FormatInt(req.OrderID, 10)
	returnURL := fmt.Sprintf("%s/orders/%s/payment-result", c.cfg.PublicBaseURL, orderRef)

	body := preferenceRequest{
		Items:             make([]preferenceItem, 0, len(req.Items)),
		ExternalReference: orderRef,
		BackURLs:          backURLs{Success: returnURL, Failure: returnURL, Pending: returnURL},
		AutoReturn:        "approved",
		NotificationURL:   c.cfg.PublicBaseURL + "/payments/webhook",
	}
	for _, it := range req.Items {
		body.Items = append(body.Items, preferenceItem{
			Title:     it.Title,
			Quantity:  it.Quantity,
			UnitPrice: c.toGatewayAmount(it.UnitPrice),
		})
	}

	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}

	var resp preferenceResponse
	if err := c.do(ctx, http.MethodPost, "/checkout/preferences", body, key, &resp); err != nil {
		return model.Preference{}, err
	}
	redirect := resp.InitPoint
	if redirect == "" {
		redirect = resp.SandboxInitPoint
	}
	if resp.ID == "" || redirect == "" {
		return model.Preference{}, fmt.Errorf("gateway preference response missing id or init_point")
	}
	return model.Preference{ID: resp.ID, RedirectURL: redirect}, nil
}

func (c *Client) GetPayment(ctx context.Context, paymentID string) (model.GatewayPayment, error) {
	var resp paymentResponse
	if err := c.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(paymentID), nil, "", &resp); err != nil {
		return model.GatewayPayment{}, err
	}
	return c.toPayment(resp), nil
}

func (c *Client) GetMerchantOrder(ctx context.Context, merchantOrderID string) (model.GatewayMerchantOrder, error) {
	var resp merchantOrderResponse
	if err := c.do(ctx, http.MethodGet, "/merchant_orders/"+url.PathEscape(merchantOrderID), nil, "", &resp); err != nil {
		return model.GatewayMerchantOrder{}, err
	}
	mo := model.GatewayMerchantOrder{
		ID:                resp.ID.String(),
		ExternalReference: resp.ExternalReference,
		Payments:          make([]model.GatewayPayment, 0, len(resp.Payments)),
	}
	for _, p := range resp.Payments {
		gp := c.toPayment(p)
		if gp.ExternalReference == "" {
			gp.ExternalReference = resp.ExternalReference
		}
		mo.Payments = append(mo.Payments, gp)
	}
	return mo, nil
}

func (c *Client) SearchPaymentsByReference(ctx context.Context, orderID int64) ([]model.GatewayPayment, error) {
	q := url.Values{}
	q.Set("external_reference", strconv.FormatInt(orderID, 10))
	q.Set("sort", "date_created")
	q.Set("criteria", "desc")

	var resp searchResponse
	if err := c.do(ctx, http.MethodGet, "/v1/payments/search?"+q.Encode(), nil, "", &resp); err != nil {
		return nil, err
	}
	out := make([]model.GatewayPayment, 0, len(resp.Results))
	for _, p := range resp.Results {
		out = append(out, c.toPayment(p))
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method string, path string, body any, idempotencyKey string, out any) (err error) {
	ctx, span := c.tracer.Start(ctx, "gateway "+method, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("url.path", strings.SplitN(path, "?", 2)[0]),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", res.StatusCode))

	if res.StatusCode < 200 || res.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
		return &APIError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return json.NewDecoder(res.Body).Decode(out)
}

func (c *Client) toPayment(p paymentResponse) model.GatewayPayment {
	gp := model.GatewayPayment{
		ID:                p.ID.String(),
		Status:            model.PaymentStatus(p.Status),
		StatusDetail:      p.StatusDetail,
		ExternalReference: p.ExternalReference,
		Amount:            c.fromGatewayAmount(p.TransactionAmount),
		ApprovedAt:        p.DateApproved,
	}
	switch {
	case p.LastModified != nil:
		gp.LastModified = *p.LastModified
	case p.DateLastUpdated != nil:
		gp.LastModified = *p.DateLastUpdated
	}
	return gp
}

func (c *Client) toGatewayAmount(v int64) float64 {
	return float64(v) / float64(c.cfg.AmountScale)
}

func (c *Client) fromGatewayAmount(v float64) int64 {
	return int64(math.Round(v * float64(c.cfg.AmountScale)))
}
