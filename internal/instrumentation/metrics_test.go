package instrumentation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

func newTestProvider(t *testing.T) (*Provider, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	provider, err := NewProvider(ctx, Config{
		ServiceName:     "test-service",
		ServiceVersion:  "1.0.0",
		Enabled:         true,
		MetricsExporter: "prometheus",
		TracingExporter: "none",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return provider, ctx
}

func TestMetrics_RecordHTTPRequest(t *testing.T) {
	provider, ctx := newTestProvider(t)

	metrics := provider.Metrics()
	if metrics == nil {
		t.Fatal("expected metrics to be non-nil")
	}

	metrics.RecordHTTPRequest(ctx, "GET", "/authorize", 302, 100*time.Millisecond)
	metrics.RecordHTTPRequest(ctx, "POST", "/token", 400, 50*time.Millisecond)
}

func TestMetrics_SessionLifecycle(t *testing.T) {
	provider, ctx := newTestProvider(t)
	metrics := provider.Metrics()

	metrics.SessionOpened(ctx, "sqlite", 20*time.Millisecond)
	metrics.TransportAttached(ctx)
	metrics.TransportDetached(ctx)
	metrics.SessionClosed(ctx, CloseReasonRevoked)
}

func TestMetrics_OAuth(t *testing.T) {
	provider, ctx := newTestProvider(t)
	metrics := provider.Metrics()

	metrics.RecordFlow(ctx, OAuthResultSuccess)
	metrics.RecordFlow(ctx, OAuthResultExpired)
	metrics.RecordTokenExchange(ctx, OAuthResultFailure)
	metrics.RecordRevocation(ctx)
	metrics.RecordRegistration(ctx, OAuthResultSuccess)
}

func TestMetrics_Tools(t *testing.T) {
	m, err := NewMetrics(noop.NewMeterProvider().Meter("test"), true)
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordToolInvocation(ctx, "search", StatusSuccess, "client-1", 10*time.Millisecond)
	m.RecordToolInvocation(ctx, "query", StatusError, "", time.Millisecond)
	m.RecordEvalOutcome(ctx, "timeout")
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()

	m.RecordHTTPRequest(ctx, "GET", "/", 200, time.Millisecond)
	m.SessionOpened(ctx, "sqlite", time.Millisecond)
	m.SessionClosed(ctx, CloseReasonIdle)
	m.TransportAttached(ctx)
	m.TransportDetached(ctx)
	m.RecordFlow(ctx, OAuthResultFailure)
	m.RecordTokenExchange(ctx, OAuthResultSuccess)
	m.RecordRevocation(ctx)
	m.RecordRegistration(ctx, OAuthResultFailure)
	m.RecordToolInvocation(ctx, "eval", StatusSuccess, "", time.Millisecond)
	m.RecordEvalOutcome(ctx, "ok")

	empty := &Metrics{}
	empty.RecordHTTPRequest(ctx, "GET", "/", 200, time.Millisecond)
	empty.SessionClosed(ctx, CloseReasonShutdown)
}
