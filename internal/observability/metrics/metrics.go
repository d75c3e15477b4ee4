package metrics

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	xerrors "AgentLedger/internal/errors"
	"AgentLedger/internal/ledger"
)

const namespace = "agentledger"

// Metrics 持有服务的 Prometheus 指标，同时实现 ledger.Observer 与 ledger.Notifier。
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	operations        *prometheus.CounterVec
	operationLatency  *prometheus.HistogramVec
	events            *prometheus.CounterVec
	purchaseVolume    prometheus.Counter
	lastSequence      prometheus.Gauge
	indexerProcessed  *prometheus.CounterVec
	streamSubscribers prometheus.Gauge
	anchors           *prometheus.CounterVec
	anchoredSequence  prometheus.Gauge
}

// New 创建独立注册表上的 Metrics，并导出 Go 运行时与进程指标。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"handler", "method"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operations_total",
			Help:      "Ledger operations by name and result code.",
		}, []string{"op", "code"}),
		operationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation latency including the durable commit.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"op"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_events_total",
			Help:      "Committed ledger events by kind.",
		}, []string{"kind"}),
		purchaseVolume: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purchase_volume_wei_total",
			Help:      "Sum of purchase prices in wei. Float precision.",
		}),
		lastSequence: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_last_sequence",
			Help:      "Sequence number of the most recently delivered event.",
		}),
		indexerProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "indexer_events_total",
			Help:      "Events handled by the indexer by outcome.",
		}, []string{"outcome"}),
		streamSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_subscribers",
			Help:      "Open websocket event stream connections.",
		}),
		anchors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anchor_submissions_total",
			Help:      "Checkpoint anchoring attempts by outcome.",
		}, []string{"outcome"}),
		anchoredSequence: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "anchor_last_sequence",
			Help:      "Event sequence covered by the latest anchored checkpoint.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpErrors,
		m.httpLatency,
		m.operations,
		m.operationLatency,
		m.events,
		m.purchaseVolume,
		m.lastSequence,
		m.indexerProcessed,
		m.streamSubscribers,
		m.anchors,
		m.anchoredSequence,
	)
	return m
}

// Registry 返回底层注册表，主要用于测试。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveHTTPRequest 记录一次 HTTP 请求的指标。
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		m.httpErrors.WithLabelValues(handler, method).Inc()
	}
	m.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveOperation 实现 ledger.Observer。
func (m *Metrics) ObserveOperation(op string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	code := "OK"
	if err != nil {
		code = string(xerrors.CodeOf(err))
	}
	m.operations.WithLabelValues(op, code).Inc()
	m.operationLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// Notify 实现 ledger.Notifier。
func (m *Metrics) Notify(_ context.Context, event ledger.Event) error {
	if m == nil {
		return nil
	}
	m.events.WithLabelValues(string(event.Kind)).Inc()
	m.lastSequence.Set(float64(event.Sequence))
	if event.Kind == ledger.EventPurchased && event.Price != nil {
		volume, _ := new(big.Float).SetInt(event.Price).Float64()
		m.purchaseVolume.Add(volume)
	}
	return nil
}

// ObserveIndexed 记录索引结果，如 applied、duplicate。
func (m *Metrics) ObserveIndexed(outcome string) {
	if m == nil {
		return
	}
	m.indexerProcessed.WithLabelValues(outcome).Inc()
}

// StreamSubscribers 按 delta 调整当前推送连接数。
func (m *Metrics) StreamSubscribers(delta int) {
	if m == nil {
		return
	}
	m.streamSubscribers.Add(float64(delta))
}

// ObserveAnchor 记录一次锚定尝试，仅在 outcome 为 submitted 时使用 seq。
func (m *Metrics) ObserveAnchor(outcome string, seq uint64) {
	if m == nil {
		return
	}
	m.anchors.WithLabelValues(outcome).Inc()
	if outcome == "submitted" {
		m.anchoredSequence.Set(float64(seq))
	}
}

// Handler 以 Prometheus 文本格式导出指标。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// StartServer 启动独立的 /metrics HTTP 服务。
func (m *Metrics) StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}

var (
	_ ledger.Observer = (*Metrics)(nil)
	_ ledger.Notifier = (*Metrics)(nil)
)
