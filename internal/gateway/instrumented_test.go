package gateway_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Skotchmaster/online_pharmacy/internal/gateway"
	"github.com/Skotchmaster/online_pharmacy/internal/gateway/gatewaytest"
	"github.com/Skotchmaster/online_pharmacy/pkg/metrics"
)

func TestInstrumented_TimeoutBecomesTimeoutKind(t *testing.T) {
	fake := gatewaytest.New()
	fake.ConfirmDelay = time.Second
	fake.SettleLate = true

	m := metrics.New("test", prometheus.NewRegistry())
	g := gateway.Instrument(fake, m, 30*time.Millisecond)
	ctx := context.Background()

	intent, err := g.CreateIntent(ctx, gateway.IntentRequest{Amount: decimal.NewFromInt(5), Currency: "USD", Reference: "p1"})
	require.NoError(t, err)

	_, err = g.Confirm(ctx, intent.ID, "")
	require.Error(t, err)
	assert.Equal(t, gateway.KindTimeout, gateway.KindOf(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	// the processor went ahead anyway
	res, err := g.QueryStatus(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusSucceeded, res.Status)

	// create_intent/requires_confirmation, confirm/timeout, query_status/succeeded
	assert.Equal(t, 3, testutil.CollectAndCount(m.GatewayLatencyMS))
}

func TestInstrumented_PassesDeclines(t *testing.T) {
	fake := gatewaytest.New()
	fake.CreateErr = &gateway.Error{Op: "create_intent", Kind: gateway.KindDeclined, StatusCode: 402, Message: "insufficient funds"}

	g := gateway.Instrument(fake, nil, time.Second)
	_, err := g.CreateIntent(context.Background(), gateway.IntentRequest{Amount: decimal.NewFromInt(5)})
	require.Error(t, err)
	assert.True(t, gateway.Definitive(err))
}
