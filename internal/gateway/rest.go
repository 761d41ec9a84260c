package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// REST speaks to an intent-style processor API over JSON.
type REST struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

func NewREST(baseURL, apiKey string, timeout time.Duration) *REST {
	return &REST{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

type intentBody struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	LatestCharge  string `json:"latest_charge"`
	FailureReason string `json:"failure_reason"`
	Error         *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

func (c *REST) CreateIntent(ctx context.Context, req IntentRequest) (Result, error) {
	payload := map[string]string{
		"amount":              req.Amount.StringFixed(2),
		"currency":            req.Currency,
		"payment_method_type": string(req.Method),
		"reference":           req.Reference,
	}
	if req.MethodToken != "" {
		payload["payment_method"] = req.MethodToken
	}
	return c.do(ctx, "create_intent", http.MethodPost, "/v1/payment_intents", payload, req.Reference)
}

func (c *REST) Confirm(ctx context.Context, intentID, methodID string) (Result, error) {
	payload := map[string]string{}
	if methodID != "" {
		payload["payment_method"] = methodID
	}
	path := fmt.Sprintf("/v1/payment_intents/%s/confirm", url.PathEscape(intentID))
	return c.do(ctx, "confirm", http.MethodPost, path, payload, "confirm-"+intentID)
}

func (c *REST) QueryStatus(ctx context.Context, intentID string) (Result, error) {
	path := fmt.Sprintf("/v1/payment_intents/%s", url.PathEscape(intentID))
	return c.do(ctx, "query_status", http.MethodGet, path, nil, "")
}

func (c *REST) Refund(ctx context.Context, paymentID string, amount *decimal.Decimal, reason string) (Result, error) {
	payload := map[string]string{"payment_intent": paymentID}
	if amount != nil {
		payload["amount"] = amount.StringFixed(2)
	}
	if reason != "" {
		payload["reason"] = reason
	}
	res, err := c.do(ctx, "refund", http.MethodPost, "/v1/refunds", payload, "")
	if err != nil {
		return res, err
	}
	if res.Status == StatusSucceeded {
		res.Status = StatusRefunded
	}
	return res, nil
}

func (c *REST) do(ctx context.Context, op, method, path string, payload map[string]string, idempotencyKey string) (Result, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Result{}, fmt.Errorf("marshal %s payload: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return Result{}, fmt.Errorf("http new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, transportError(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, transportError(op, err)
	}

	var parsed intentBody
	_ = json.Unmarshal(raw, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		gerr := &Error{Op: op, Kind: KindDeclined, StatusCode: resp.StatusCode, Raw: raw, Message: http.StatusText(resp.StatusCode)}
		if parsed.Error != nil && parsed.Error.Message != "" {
			gerr.Message = parsed.Error.Message
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout {
			gerr.Kind = KindUnavailable
		}
		return Result{}, gerr
	}

	if parsed.ID == "" {
		return Result{}, &Error{Op: op, Kind: KindUnavailable, StatusCode: resp.StatusCode, Raw: raw, Message: "response without id"}
	}

	return Result{
		ID:            parsed.ID,
		TransactionID: parsed.LatestCharge,
		Status:        restStatus(parsed.Status),
		FailureReason: parsed.FailureReason,
		Raw:           raw,
	}, nil
}

func restStatus(s string) Status {
	switch s {
	case "succeeded":
		return StatusSucceeded
	case "processing":
		return StatusProcessing
	case "requires_confirmation", "requires_action":
		return StatusRequiresConfirmation
	case "canceled", "cancelled":
		return StatusCanceled
	case "refunded":
		return StatusRefunded
	default:
		return StatusFailed
	}
}
