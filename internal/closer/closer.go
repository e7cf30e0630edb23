package closer

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"makerclose/internal/execution"
	"makerclose/internal/position"
)

// MarketData 提供持仓与盘口读取。
type MarketData interface {
	// Position 返回当前持仓，无持仓时返回 nil。
	Position(ctx context.Context, symbol string) (*position.Position, error)
	TopOfBook(ctx context.Context, symbol string) (position.Quote, error)
}

// Orders 提供撤单与挂单。PlaceLimit 返回 nil 回执视为失败。
type Orders interface {
	CancelAll(ctx context.Context, symbol string) error
	PlaceLimit(ctx context.Context, symbol string, side execution.OrderSide, size, price decimal.Decimal) (*execution.OrderHandle, error)
}

// attempt 记录最近一次成功挂单的价格与数量。
type attempt struct {
	placed    bool
	lastPrice decimal.Decimal
	lastSize  decimal.Decimal
	count     int
}

func (a *attempt) changed(price, size decimal.Decimal) bool {
	return !a.placed || !price.Equal(a.lastPrice) || !size.Equal(a.lastSize)
}

func (a *attempt) record(price, size decimal.Decimal) {
	a.placed = true
	a.lastPrice = price
	a.lastSize = size
}

func (a *attempt) reset() {
	a.placed = false
	a.lastPrice = decimal.Zero
	a.lastSize = decimal.Zero
}

// Closer 只用 maker 委托把持仓平到零，跟随盘口撤单重挂。
type Closer struct {
	market MarketData
	orders Orders
	opts   Options
	logger *zap.Logger
}

// New 创建平仓器。
func New(market MarketData, orders Orders, opts Options, logger *zap.Logger) *Closer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Closer{
		market: market,
		orders: orders,
		opts:   opts.withDefaults(),
		logger: logger,
	}
}

// Close 循环挂单直到连续读到零仓位后返回 true。
// 不设最大次数，唯一的其他出口是 ctx 取消，此时会尽力撤销遗留挂单并返回 ctx.Err()。
func (c *Closer) Close(ctx context.Context, symbol string) (bool, error) {
	logger := c.logger.With(zap.String("symbol", symbol))
	state := &attempt{}
	started := time.Now()

	logger.Info("开始 maker 平仓")

	for {
		if err := ctx.Err(); err != nil {
			return c.abort(ctx, symbol, state, err)
		}

		pos, err := c.market.Position(ctx, symbol)
		if err != nil {
			if ctx.Err() != nil {
				return c.abort(ctx, symbol, state, ctx.Err())
			}
			logger.Warn("读取持仓失败", zap.String("category", string(EventPositionUnavailable)), zap.Error(err))
			c.emit(ctx, Event{Type: EventPositionUnavailable, Symbol: symbol, Attempt: state.count, Err: err})
			if err := c.opts.Sleep(ctx, c.opts.QuoteUnavailableBackoff); err != nil {
				return c.abort(ctx, symbol, state, err)
			}
			continue
		}

		if pos.IsFlat() {
			confirmed, reappeared, err := c.confirmFlat(ctx, symbol)
			if err != nil {
				return c.abort(ctx, symbol, state, err)
			}
			if confirmed {
				logger.Info("持仓已确认清零",
					zap.Int("attempt", state.count),
					zap.Duration("elapsed", time.Since(started)),
				)
				c.emit(ctx, Event{Type: EventClosed, Symbol: symbol, Attempt: state.count})
				return true, nil
			}
			if reappeared != nil {
				logger.Warn("持仓重新出现，继续平仓",
					zap.String("category", string(EventReappeared)),
					zap.String("size", reappeared.AbsSize().String()),
					zap.String("side", reappeared.Side()),
				)
				c.emit(ctx, Event{Type: EventReappeared, Symbol: symbol, Attempt: state.count, Size: reappeared.AbsSize()})
			}
			continue
		}

		remaining := pos.AbsSize()
		isLong := pos.IsLong()

		if state.placed && remaining.LessThan(state.lastSize) {
			logger.Info("检测到部分成交",
				zap.String("previous", state.lastSize.String()),
				zap.String("remaining", remaining.String()),
			)
			c.emit(ctx, Event{Type: EventPartialFill, Symbol: symbol, Attempt: state.count, Size: remaining, Previous: state.lastSize})
		}

		quote, err := c.awaitQuote(ctx, symbol, state)
		if err != nil {
			return c.abort(ctx, symbol, state, err)
		}

		side := execution.CloseSide(isLong)
		price := closePrice(quote, isLong)

		if state.changed(price, remaining) {
			if err := c.replace(ctx, logger, symbol, state, side, remaining, price); err != nil {
				return c.abort(ctx, symbol, state, err)
			}
		}

		if err := c.opts.Sleep(ctx, c.opts.ReplaceInterval); err != nil {
			return c.abort(ctx, symbol, state, err)
		}
	}
}

// closePrice 多头挂在卖一、空头挂在买一，永不穿越盘口。
func closePrice(quote position.Quote, isLong bool) decimal.Decimal {
	if isLong {
		return quote.Ask
	}
	return quote.Bid
}

// confirmFlat 在 settle 延迟后重复读取持仓，全部为零才算确认。
// 读取失败视为未确认，返回的 reappeared 为 nil。
func (c *Closer) confirmFlat(ctx context.Context, symbol string) (bool, *position.Position, error) {
	for i := 0; i < c.opts.ConfirmReads; i++ {
		if err := c.opts.Sleep(ctx, c.opts.SettleDelay); err != nil {
			return false, nil, err
		}

		pos, err := c.market.Position(ctx, symbol)
		if err != nil {
			if ctx.Err() != nil {
				return false, nil, ctx.Err()
			}
			c.logger.Warn("确认清零时读取持仓失败",
				zap.String("symbol", symbol),
				zap.String("category", string(EventPositionUnavailable)),
				zap.Error(err),
			)
			c.emit(ctx, Event{Type: EventPositionUnavailable, Symbol: symbol, Err: err})
			return false, nil, nil
		}
		if !pos.IsFlat() {
			return false, pos, nil
		}
	}
	return true, nil, nil
}

// awaitQuote 反复读取盘口直到两侧都可用。
func (c *Closer) awaitQuote(ctx context.Context, symbol string, state *attempt) (position.Quote, error) {
	for {
		quote, err := c.market.TopOfBook(ctx, symbol)
		if err == nil && quote.Valid() {
			return quote, nil
		}
		if ctx.Err() != nil {
			return position.Quote{}, ctx.Err()
		}

		fields := []zap.Field{
			zap.String("symbol", symbol),
			zap.String("category", string(EventQuoteUnavailable)),
			zap.String("bid", quote.Bid.String()),
			zap.String("ask", quote.Ask.String()),
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		c.logger.Warn("盘口不可用，稍后重试", fields...)
		c.emit(ctx, Event{Type: EventQuoteUnavailable, Symbol: symbol, Attempt: state.count, Err: err})

		if err := c.opts.Sleep(ctx, c.opts.QuoteUnavailableBackoff); err != nil {
			return position.Quote{}, err
		}
	}
}

// replace 撤掉旧单后按最新价格与剩余数量重挂，仅在 ctx 取消时返回错误。
func (c *Closer) replace(ctx context.Context, logger *zap.Logger, symbol string, state *attempt, side execution.OrderSide, size, price decimal.Decimal) error {
	if err := c.orders.CancelAll(ctx, symbol); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("撤单失败，继续挂单",
			zap.String("category", string(EventCancelFailed)),
			zap.Error(err),
		)
		c.emit(ctx, Event{Type: EventCancelFailed, Symbol: symbol, Attempt: state.count, Err: err})
	}

	if err := c.opts.Sleep(ctx, c.opts.CancelSettleDelay); err != nil {
		return err
	}

	state.count++
	fields := []zap.Field{
		zap.Int("attempt", state.count),
		zap.String("side", string(side)),
		zap.String("price", price.String()),
		zap.String("size", size.String()),
	}

	handle, err := c.orders.PlaceLimit(ctx, symbol, side, size, price)
	if err != nil || handle == nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		logger.Warn("平仓挂单失败，下一轮重挂", append(fields, zap.String("category", string(EventPlacementFailed)))...)
		c.emit(ctx, Event{Type: EventPlacementFailed, Symbol: symbol, Attempt: state.count, Side: side, Price: price, Size: size, Err: err})
		state.reset()
		return nil
	}

	state.record(price, size)
	logger.Info("平仓挂单已提交", append(fields, zap.String("order_id", handle.ID))...)
	c.emit(ctx, Event{Type: EventAttempt, Symbol: symbol, Attempt: state.count, Side: side, Price: price, Size: size, OrderID: handle.ID})
	return nil
}

// abort 在独立的超时 ctx 上撤销遗留挂单。
func (c *Closer) abort(ctx context.Context, symbol string, state *attempt, cause error) (bool, error) {
	cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.FinalCancelTimeout)
	defer cancel()

	if err := c.orders.CancelAll(cancelCtx, symbol); err != nil {
		c.logger.Warn("取消后撤单失败，可能仍有挂单",
			zap.String("symbol", symbol),
			zap.String("category", string(EventCancelFailed)),
			zap.Error(err),
		)
	}

	c.logger.Info("平仓已中止",
		zap.String("symbol", symbol),
		zap.Int("attempt", state.count),
		zap.Error(cause),
	)
	return false, cause
}

func (c *Closer) emit(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	c.opts.Observer.Observe(ctx, event)
}
