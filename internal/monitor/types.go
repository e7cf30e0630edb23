package monitor

import (
	"time"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventCloseAttempt       EventType = "close_attempt"
	EventPartialFill        EventType = "partial_fill"
	EventPositionReappeared EventType = "position_reappeared"
	EventQuoteUnavailable   EventType = "quote_unavailable"
	EventPlacementFailed    EventType = "placement_failed"
	EventCloseCompleted     EventType = "close_completed"
	EventError              EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// AttemptPayload 记录一次平仓挂单。
type AttemptPayload struct {
	Symbol  string `json:"symbol"`
	RunID   int64  `json:"run_id"`
	Attempt int    `json:"attempt"`
	Side    string `json:"side"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	OrderID string `json:"order_id,omitempty"`
}

// FillPayload 记录剩余仓位变化。
type FillPayload struct {
	Symbol    string `json:"symbol"`
	RunID     int64  `json:"run_id"`
	Previous  string `json:"previous,omitempty"`
	Remaining string `json:"remaining"`
}

// FailurePayload 记录平仓循环中的可恢复失败。
type FailurePayload struct {
	Symbol   string `json:"symbol"`
	RunID    int64  `json:"run_id"`
	Category string `json:"category"`
	Attempt  int    `json:"attempt"`
	Error    string `json:"error,omitempty"`
}

// CompletedPayload 记录平仓完成。
type CompletedPayload struct {
	Symbol   string  `json:"symbol"`
	RunID    int64   `json:"run_id"`
	Attempts int     `json:"attempts"`
	Outcome  string  `json:"outcome"`
	Seconds  float64 `json:"seconds"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// 平仓流程结果
const (
	OutcomeRunning   = "running"
	OutcomeFlat      = "flat"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

// CloseRun 是 close_runs 表中的一次平仓记录。
type CloseRun struct {
	ID         int64      `json:"id"`
	Symbol     string     `json:"symbol"`
	StartSize  string     `json:"start_size"`
	StartSide  string     `json:"start_side"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Attempts   int        `json:"attempts"`
	Outcome    string     `json:"outcome"`
	Error      string     `json:"error,omitempty"`
}
