package metrics

import (
	"context"
	"io"
	"math/big"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"AgentLedger/internal/ledger"
)

func TestObserveOperationLabelsByCode(t *testing.T) {
	m := New()
	m.ObserveOperation("purchase", nil, time.Millisecond)
	m.ObserveOperation("purchase", ledger.ErrNotListed, time.Millisecond)
	m.ObserveOperation("purchase", ledger.ErrNotListed, time.Millisecond)

	if got := testutil.ToFloat64(m.operations.WithLabelValues("purchase", "OK")); got != 1 {
		t.Fatalf("expected 1 ok purchase, got %v", got)
	}
	if got := testutil.ToFloat64(m.operations.WithLabelValues("purchase", "LEDGER_NOT_LISTED")); got != 2 {
		t.Fatalf("expected 2 not listed purchases, got %v", got)
	}
}

func TestNotifyCountsEventsAndVolume(t *testing.T) {
	m := New()
	ctx := context.Background()
	_ = m.Notify(ctx, ledger.Event{Kind: ledger.EventMinted, Sequence: 1})
	_ = m.Notify(ctx, ledger.Event{Kind: ledger.EventPurchased, Sequence: 2, Price: big.NewInt(1500)})
	_ = m.Notify(ctx, ledger.Event{Kind: ledger.EventPurchased, Sequence: 3, Price: big.NewInt(500)})

	if got := testutil.ToFloat64(m.events.WithLabelValues("purchased")); got != 2 {
		t.Fatalf("expected 2 purchases, got %v", got)
	}
	if got := testutil.ToFloat64(m.purchaseVolume); got != 2000 {
		t.Fatalf("expected volume 2000, got %v", got)
	}
	if got := testutil.ToFloat64(m.lastSequence); got != 3 {
		t.Fatalf("expected last sequence 3, got %v", got)
	}
}

func TestHandlerExposesHTTPMetrics(t *testing.T) {
	m := New()
	m.ObserveHTTPRequest("/api/v1/assets", "GET", 200, 20*time.Millisecond)
	m.ObserveHTTPRequest("/api/v1/assets", "POST", 503, 20*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		`agentledger_http_requests_total{code="200",handler="/api/v1/assets",method="GET"} 1`,
		`agentledger_http_request_errors_total{handler="/api/v1/assets",method="POST"} 1`,
		"agentledger_http_request_duration_seconds_bucket",
		"go_goroutines",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveHTTPRequest("/", "GET", 200, time.Millisecond)
	m.ObserveOperation("mint", nil, time.Millisecond)
	m.ObserveIndexed("applied")
	m.StreamSubscribers(1)
	m.ObserveAnchor("submitted", 3)
	if err := m.Notify(context.Background(), ledger.Event{}); err != nil {
		t.Fatalf("nil notify: %v", err)
	}
}

func TestObserveAnchor(t *testing.T) {
	m := New()
	m.ObserveAnchor("submitted", 12)
	m.ObserveAnchor("failed", 99)
	if got := testutil.ToFloat64(m.anchoredSequence); got != 12 {
		t.Fatalf("expected anchored sequence 12, got %v", got)
	}
	if got := testutil.ToFloat64(m.anchors.WithLabelValues("failed")); got != 1 {
		t.Fatalf("expected 1 failed anchor, got %v", got)
	}
}
