// Package remita is a payments.Gateway for RRR-based processors.
package remita

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditmarket/pkg/payments"
	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	initiatePath         = "/exapp/api/v1/send/api/echannelsvc/merchant/api/paymentinit"
	statusPathTemplate   = "/exapp/api/v1/send/api/echannelsvc/%s/%s/%s/status.reg"
	finalizePath         = "/ecomm/finalize.reg"
	authorizationFormat  = "remitaConsumerKey=%s,remitaConsumerToken=%s"
	codeReferenceCreated = "025"
	maxResponseBytes     = 1 << 20
	tracerName           = "github.com/MarkoPoloResearchLab/creditmarket/pkg/payments/remita"

	DefaultTimeout              = 10 * time.Second
	DefaultStatusAttempts       = 3
	DefaultRetryInitialInterval = 200 * time.Millisecond
)

var (
	successCodes = map[string]struct{}{"00": {}, "01": {}}
	pendingCodes = map[string]struct{}{"021": {}, "025": {}}
)

// Config holds merchant credentials and transport settings.
type Config struct {
	BaseURL              string
	MerchantID           string
	ServiceTypeID        string
	APIKey               string
	ReturnURL            string
	Timeout              time.Duration
	StatusAttempts       uint
	RetryInitialInterval time.Duration
}

// Validate fills defaults and rejects incomplete credentials.
func (config *Config) Validate() error {
	config.BaseURL = strings.TrimRight(strings.TrimSpace(config.BaseURL), "/")
	if config.BaseURL == "" {
		return errors.New("remita: base url is required")
	}
	if _, err := url.ParseRequestURI(config.BaseURL); err != nil {
		return fmt.Errorf("remita: invalid base url: %w", err)
	}
	if strings.TrimSpace(config.MerchantID) == "" {
		return errors.New("remita: merchant id is required")
	}
	if strings.TrimSpace(config.ServiceTypeID) == "" {
		return errors.New("remita: service type id is required")
	}
	if strings.TrimSpace(config.APIKey) == "" {
		return errors.New("remita: api key is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.StatusAttempts == 0 {
		config.StatusAttempts = DefaultStatusAttempts
	}
	if config.RetryInitialInterval <= 0 {
		config.RetryInitialInterval = DefaultRetryInitialInterval
	}
	return nil
}

// Client talks to the processor over HTTPS.
type Client struct {
	config     Config
	httpClient *http.Client
	tracer     trace.Tracer
}

// NewClient validates config and returns a Client. A nil httpClient gets one bounded by config.Timeout.
func NewClient(config Config, httpClient *http.Client) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	return &Client{
		config:     config,
		httpClient: httpClient,
		tracer:     otel.Tracer(tracerName),
	}, nil
}

type initiateRequest struct {
	ServiceTypeID string `json:"serviceTypeId"`
	Amount        string `json:"amount"`
	OrderID       string `json:"orderId"`
	PayerName     string `json:"payerName"`
	PayerEmail    string `json:"payerEmail"`
	PayerPhone    string `json:"payerPhone"`
	Description   string `json:"description"`
}

type initiateResponse struct {
	StatusCode string `json:"statuscode"`
	RRR        string `json:"RRR"`
	Status     string `json:"status"`
}

type statusResponse struct {
	Amount  json.Number `json:"amount"`
	RRR     string      `json:"RRR"`
	OrderID string      `json:"orderId"`
	Message string      `json:"message"`
	Status  string      `json:"status"`
}

// Initiate implements payments.Gateway.
func (client *Client) Initiate(ctx context.Context, request payments.GatewayRequest) (payments.GatewayPayment, error) {
	ctx, span := client.tracer.Start(ctx, "remita.initiate", trace.WithAttributes(
		attribute.String("payment.order_id", request.OrderID),
		attribute.Int64("payment.amount", request.Amount),
	))
	defer span.End()

	payload, err := json.Marshal(initiateRequest{
		ServiceTypeID: client.config.ServiceTypeID,
		Amount:        strconv.FormatInt(request.Amount, 10),
		OrderID:       request.OrderID,
		PayerName:     request.Payer.Name,
		PayerEmail:    request.Payer.Email,
		PayerPhone:    request.Payer.Phone,
		Description:   request.Description,
	})
	if err != nil {
		return payments.GatewayPayment{}, recordError(span, fmt.Errorf("encode initiate request: %w", err))
	}
	hash := InitiationHash(client.config.MerchantID, client.config.ServiceTypeID, request.OrderID, request.Amount, client.config.APIKey)
	body, err := client.do(ctx, http.MethodPost, client.config.BaseURL+initiatePath, payload, hash)
	if err != nil {
		return payments.GatewayPayment{}, recordError(span, err)
	}
	var response initiateResponse
	if err := json.Unmarshal(stripJSONP(body), &response); err != nil {
		return payments.GatewayPayment{}, recordError(span, fmt.Errorf("%w: decode initiate response: %v", payments.ErrGatewayRejected, err))
	}
	span.SetAttributes(attribute.String("payment.gateway_code", response.StatusCode))
	if response.StatusCode != codeReferenceCreated || strings.TrimSpace(response.RRR) == "" {
		return payments.GatewayPayment{}, recordError(span, fmt.Errorf("%w: code %q: %s", payments.ErrGatewayRejected, response.StatusCode, response.Status))
	}
	rrr := strings.TrimSpace(response.RRR)
	span.SetAttributes(attribute.String("payment.reference", rrr))
	return payments.GatewayPayment{Reference: rrr, PaymentURL: client.PaymentURL(rrr)}, nil
}

// Status implements payments.Gateway. Unreachable failures are retried with exponential backoff.
func (client *Client) Status(ctx context.Context, reference string) (payments.GatewayResult, error) {
	ctx, span := client.tracer.Start(ctx, "remita.status", trace.WithAttributes(
		attribute.String("payment.reference", reference),
	))
	defer span.End()

	hash := ReferenceHash(reference, client.config.APIKey, client.config.MerchantID)
	endpoint := client.config.BaseURL + fmt.Sprintf(statusPathTemplate,
		url.PathEscape(client.config.MerchantID),
		url.PathEscape(reference),
		hash,
	)
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = client.config.RetryInitialInterval
	attempts := 0
	body, err := backoff.Retry(ctx, func() ([]byte, error) {
		attempts++
		body, err := client.do(ctx, http.MethodGet, endpoint, nil, hash)
		if err != nil && !errors.Is(err, payments.ErrGatewayUnreachable) {
			return nil, backoff.Permanent(err)
		}
		return body, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(client.config.StatusAttempts))
	span.SetAttributes(attribute.Int("payment.attempts", attempts))
	if err != nil {
		return payments.GatewayResult{}, recordError(span, err)
	}

	var response statusResponse
	decoder := json.NewDecoder(bytes.NewReader(stripJSONP(body)))
	decoder.UseNumber()
	if err := decoder.Decode(&response); err != nil {
		return payments.GatewayResult{}, recordError(span, fmt.Errorf("%w: decode status response: %v", payments.ErrGatewayRejected, err))
	}
	result := payments.GatewayResult{
		Reference: reference,
		OrderID:   response.OrderID,
		Status:    MapStatusCode(response.Status),
		Code:      response.Status,
		Message:   response.Message,
	}
	if response.Amount != "" {
		amount, err := response.Amount.Float64()
		if err != nil {
			return payments.GatewayResult{}, recordError(span, fmt.Errorf("%w: amount %q", payments.ErrGatewayRejected, response.Amount))
		}
		result.Amount = int64(amount)
	}
	span.SetAttributes(
		attribute.String("payment.gateway_code", response.Status),
		attribute.String("payment.status", string(result.Status)),
	)
	return result, nil
}

// PaymentURL builds the hosted payment page link for rrr.
func (client *Client) PaymentURL(rrr string) string {
	query := url.Values{}
	query.Set("merchantId", client.config.MerchantID)
	query.Set("hash", ReferenceHash(rrr, client.config.APIKey, client.config.MerchantID))
	query.Set("rrr", rrr)
	if client.config.ReturnURL != "" {
		query.Set("responseurl", client.config.ReturnURL)
	}
	return client.config.BaseURL + finalizePath + "?" + query.Encode()
}

// MapStatusCode maps a processor status code onto an intent status.
func MapStatusCode(code string) payments.Status {
	trimmed := strings.TrimSpace(code)
	if _, ok := successCodes[trimmed]; ok {
		return payments.StatusSuccess
	}
	if _, ok := pendingCodes[trimmed]; ok {
		return payments.StatusPending
	}
	return payments.StatusFailed
}

func (client *Client) do(ctx context.Context, method, endpoint string, payload []byte, hash string) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	ctx, cancel := context.WithTimeout(ctx, client.config.Timeout)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("build gateway request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", fmt.Sprintf(authorizationFormat, client.config.MerchantID, hash))

	response, err := client.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", payments.ErrGatewayUnreachable, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", payments.ErrGatewayUnreachable, err)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return nil, fmt.Errorf("%w: http %s", payments.ErrGatewayRejected, response.Status)
	}
	return body, nil
}

// stripJSONP removes a "callback(...)" wrapper when present.
func stripJSONP(body []byte) []byte {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] == '{' || trimmed[0] == '[' {
		return trimmed
	}
	start := bytes.IndexByte(trimmed, '(')
	end := bytes.LastIndexByte(trimmed, ')')
	if start < 0 || end <= start {
		return trimmed
	}
	return bytes.TrimSpace(trimmed[start+1 : end])
}

func recordError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
