package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skotchmaster/online_pharmacy/internal/models"
)

func TestREST_IntentFlow(t *testing.T) {
	var created map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/payment_intents":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&created))
			assert.Equal(t, created["reference"], r.Header.Get("Idempotency-Key"))
			_, _ = w.Write([]byte(`{"id":"pi_1","status":"requires_confirmation"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/v1/payment_intents/pi_1/confirm":
			_, _ = w.Write([]byte(`{"id":"pi_1","status":"succeeded","latest_charge":"ch_1"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v1/payment_intents/pi_1":
			_, _ = w.Write([]byte(`{"id":"pi_1","status":"processing"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/v1/refunds":
			_, _ = w.Write([]byte(`{"id":"re_1","status":"succeeded"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewREST(srv.URL+"/", "sk_test", time.Second)
	ctx := context.Background()

	res, err := c.CreateIntent(ctx, IntentRequest{
		Amount:    decimal.RequireFromString("12.5"),
		Currency:  "USD",
		Method:    models.MethodCard,
		Reference: "pay-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_1", res.ID)
	assert.Equal(t, StatusRequiresConfirmation, res.Status)
	assert.Equal(t, "12.50", created["amount"])
	assert.Equal(t, "card", created["payment_method_type"])

	res, err = c.Confirm(ctx, "pi_1", "pm_card")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, "ch_1", res.TransactionID)
	assert.JSONEq(t, `{"id":"pi_1","status":"succeeded","latest_charge":"ch_1"}`, string(res.Raw))

	res, err = c.QueryStatus(ctx, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, res.Status)

	res, err = c.Refund(ctx, "pi_1", nil, "requested_by_customer")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, res.Status)
}

func TestREST_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		kind      Kind
		retryable bool
	}{
		{"declined", http.StatusPaymentRequired, `{"error":{"message":"card declined","code":"card_declined"}}`, KindDeclined, false},
		{"bad request", http.StatusBadRequest, `{}`, KindDeclined, false},
		{"server error", http.StatusBadGateway, `oops`, KindUnavailable, true},
		{"throttled", http.StatusTooManyRequests, `{}`, KindUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewREST(srv.URL, "k", time.Second).Confirm(context.Background(), "pi_1", "")
			require.Error(t, err)

			var gerr *Error
			require.ErrorAs(t, err, &gerr)
			assert.Equal(t, tt.kind, gerr.Kind)
			assert.Equal(t, tt.status, gerr.StatusCode)
			assert.Equal(t, tt.retryable, gerr.Retryable())
			assert.Equal(t, tt.body, string(RawOf(err)))
		})
	}
}

func TestREST_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewREST(srv.URL, "k", 50*time.Millisecond).QueryStatus(context.Background(), "pi_1")
	require.Error(t, err)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.False(t, Definitive(err))
}
