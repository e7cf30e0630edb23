package monitor

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"makerclose/internal/closer"
	"makerclose/internal/metrics"
)

// RunObserver 将平仓事件写入 SQLite 与 Prometheus，并在尝试次数过多时告警。
type RunObserver struct {
	service   *Service
	symbol    string
	runID     int64
	threshold int
	logger    *zap.Logger

	mu       sync.Mutex
	attempts int
	stuck    bool
}

// Observer 创建绑定到某次平仓记录的观察者。threshold <= 0 时关闭卡单告警。
func (s *Service) Observer(symbol string, runID int64, threshold int) *RunObserver {
	return &RunObserver{
		service:   s,
		symbol:    symbol,
		runID:     runID,
		threshold: threshold,
		logger:    s.logger.With(zap.String("symbol", symbol), zap.Int64("run_id", runID)),
	}
}

var _ closer.Observer = (*RunObserver)(nil)

// Observe 实现 closer.Observer。
func (o *RunObserver) Observe(ctx context.Context, ev closer.Event) {
	switch ev.Type {
	case closer.EventAttempt:
		metrics.ClosePlacements.WithLabelValues(o.symbol).Inc()
		o.trackAttempt(ctx, ev.Attempt)
		o.record(ctx, EventCloseAttempt, AttemptPayload{
			Symbol:  o.symbol,
			RunID:   o.runID,
			Attempt: ev.Attempt,
			Side:    string(ev.Side),
			Price:   ev.Price.String(),
			Size:    ev.Size.String(),
			OrderID: ev.OrderID,
		})
	case closer.EventPartialFill:
		metrics.ClosePartialFills.WithLabelValues(o.symbol).Inc()
		o.record(ctx, EventPartialFill, FillPayload{
			Symbol:    o.symbol,
			RunID:     o.runID,
			Previous:  ev.Previous.String(),
			Remaining: ev.Size.String(),
		})
	case closer.EventReappeared:
		metrics.CloseReappearances.WithLabelValues(o.symbol).Inc()
		o.record(ctx, EventPositionReappeared, FillPayload{
			Symbol:    o.symbol,
			RunID:     o.runID,
			Remaining: ev.Size.String(),
		})
	case closer.EventQuoteUnavailable:
		metrics.CloseFailures.WithLabelValues(o.symbol, string(ev.Type)).Inc()
		o.record(ctx, EventQuoteUnavailable, o.failure(ev))
	case closer.EventPlacementFailed:
		metrics.CloseFailures.WithLabelValues(o.symbol, string(ev.Type)).Inc()
		o.trackAttempt(ctx, ev.Attempt)
		o.record(ctx, EventPlacementFailed, o.failure(ev))
	case closer.EventPositionUnavailable, closer.EventCancelFailed:
		metrics.CloseFailures.WithLabelValues(o.symbol, string(ev.Type)).Inc()
		o.record(ctx, EventError, o.failure(ev))
	case closer.EventClosed:
		o.trackAttempt(ctx, ev.Attempt)
	}
}

// Attempts 返回已观察到的挂单次数。
func (o *RunObserver) Attempts() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attempts
}

// Stuck 返回是否已触发卡单告警。
func (o *RunObserver) Stuck() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stuck
}

// Done 清除卡单状态。
func (o *RunObserver) Done() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stuck {
		metrics.SetStuck(o.symbol, false)
		o.stuck = false
	}
}

func (o *RunObserver) trackAttempt(ctx context.Context, attempt int) {
	o.mu.Lock()
	if attempt > o.attempts {
		o.attempts = attempt
	}
	trigger := o.threshold > 0 && !o.stuck && o.attempts >= o.threshold
	if trigger {
		o.stuck = true
	}
	count := o.attempts
	o.mu.Unlock()

	if !trigger {
		return
	}

	// 只告警，不中断平仓循环
	metrics.SetStuck(o.symbol, true)
	o.logger.Warn("平仓尝试次数超过阈值，可能卡单",
		zap.Int("attempts", count),
		zap.Int("threshold", o.threshold),
	)
	o.service.RecordError(ctx, "平仓尝试次数超过阈值", nil, map[string]interface{}{
		"symbol":    o.symbol,
		"run_id":    o.runID,
		"attempts":  count,
		"threshold": o.threshold,
	})
}

func (o *RunObserver) failure(ev closer.Event) FailurePayload {
	payload := FailurePayload{
		Symbol:   o.symbol,
		RunID:    o.runID,
		Category: string(ev.Type),
		Attempt:  ev.Attempt,
	}
	if ev.Err != nil {
		payload.Error = ev.Err.Error()
	}
	return payload
}

func (o *RunObserver) record(ctx context.Context, typ EventType, payload interface{}) {
	if err := o.service.Record(ctx, Event{Type: typ, Payload: payload}); err != nil {
		o.logger.Warn("记录平仓事件失败", zap.String("event_type", string(typ)), zap.Error(err))
	}
}
