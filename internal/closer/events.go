package closer

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"makerclose/internal/execution"
)

// EventType 表示平仓循环中的事件。
type EventType string

const (
	EventAttempt             EventType = "close_attempt"
	EventPartialFill         EventType = "partial_fill"
	EventReappeared          EventType = "position_reappeared"
	EventPositionUnavailable EventType = "position_unavailable"
	EventQuoteUnavailable    EventType = "quote_unavailable"
	EventCancelFailed        EventType = "cancel_failed"
	EventPlacementFailed     EventType = "placement_failed"
	EventClosed              EventType = "close_completed"
)

// Event 描述一次状态迁移，未涉及的字段保持零值。
type Event struct {
	Type      EventType
	Symbol    string
	Attempt   int
	Side      execution.OrderSide
	Price     decimal.Decimal
	Size      decimal.Decimal
	Previous  decimal.Decimal
	OrderID   string
	Err       error
	Timestamp time.Time
}

// Observer 接收平仓事件，实现方不得阻塞过久。
type Observer interface {
	Observe(ctx context.Context, event Event)
}

// ObserverFunc 将函数适配为 Observer。
type ObserverFunc func(ctx context.Context, event Event)

// Observe 调用函数本身。
func (f ObserverFunc) Observe(ctx context.Context, event Event) {
	f(ctx, event)
}

type nopObserver struct{}

func (nopObserver) Observe(context.Context, Event) {}
