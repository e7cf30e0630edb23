package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "makerclose"

var (
	// 交易所调用
	ExchangeCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchange_calls_total",
			Help:      "Total number of exchange API calls",
		},
		[]string{"operation", "status"}, // status: success|maintenance|transient|rate_limited|rejected|...
	)

	ExchangeLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exchange_call_latency_seconds",
			Help:      "Exchange API call latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"operation"},
	)

	// 平仓循环
	ClosePlacements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "close_placements_total",
			Help:      "Maker close orders placed",
		},
		[]string{"symbol"},
	)

	ClosePartialFills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "close_partial_fills_total",
			Help:      "Observed decreases of the remaining position",
		},
		[]string{"symbol"},
	)

	CloseReappearances = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "close_reappearances_total",
			Help:      "Positions that read flat and then open again during confirmation",
		},
		[]string{"symbol"},
	)

	CloseFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "close_failures_total",
			Help:      "Recoverable failures inside the close loop",
		},
		[]string{"symbol", "category"}, // category: position_unavailable|quote_unavailable|cancel_failed|placement_failed
	)

	ClosesFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "closes_finished_total",
			Help:      "Finished close runs by outcome",
		},
		[]string{"symbol", "outcome"}, // outcome: flat|cancelled|error
	)

	CloseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "close_duration_seconds",
			Help:      "Wall time from close start to confirmed flat",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 900},
		},
		[]string{"symbol"},
	)

	ActiveCloses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_closes",
			Help:      "Close loops currently running",
		},
	)

	StuckCloses = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "close_stuck",
			Help:      "1 when a close exceeded the stuck attempt threshold",
		},
		[]string{"symbol"},
	)
)

var initOnce sync.Once

// Init 注册所有指标到默认 Registry，可重复调用。
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(ExchangeCalls)
		prometheus.MustRegister(ExchangeLatency)

		prometheus.MustRegister(ClosePlacements)
		prometheus.MustRegister(ClosePartialFills)
		prometheus.MustRegister(CloseReappearances)
		prometheus.MustRegister(CloseFailures)
		prometheus.MustRegister(ClosesFinished)
		prometheus.MustRegister(CloseDuration)
		prometheus.MustRegister(ActiveCloses)
		prometheus.MustRegister(StuckCloses)
	})
}

// Handler 返回 /metrics 处理器。
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordExchangeCall 记录一次交易所调用，status 为调用方给出的错误分类。
func RecordExchangeCall(operation, status string, latency time.Duration) {
	ExchangeCalls.WithLabelValues(operation, status).Inc()
	ExchangeLatency.WithLabelValues(operation).Observe(latency.Seconds())
}

// RecordCloseFinished 记录一次平仓流程结束。
func RecordCloseFinished(symbol, outcome string, duration time.Duration) {
	ClosesFinished.WithLabelValues(symbol, outcome).Inc()
	if outcome == "flat" {
		CloseDuration.WithLabelValues(symbol).Observe(duration.Seconds())
	}
}

// SetStuck 标记或清除某交易对的卡住状态。
func SetStuck(symbol string, stuck bool) {
	value := 0.0
	if stuck {
		value = 1
	}
	StuckCloses.WithLabelValues(symbol).Set(value)
}
