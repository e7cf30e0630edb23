package execution

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"makerclose/internal/config"
	"makerclose/internal/exchange"
	"makerclose/internal/metrics"
	"makerclose/internal/position"
)

// ErrSizeBelowMinimum 表示下单数量不为正。
var ErrSizeBelowMinimum = errors.New("execution: 下单数量必须为正")

type orderClient interface {
	CreateLimitOrder(symbol string, side string, amount float64, price float64, options ...ccxt.CreateLimitOrderOptions) (ccxt.Order, error)
	CancelAllOrders(options ...ccxt.CancelAllOrdersOptions) ([]ccxt.Order, error)
	FetchOpenOrders(options ...ccxt.FetchOpenOrdersOptions) ([]ccxt.Order, error)
	CancelOrder(id string, options ...ccxt.CancelOrderOptions) (ccxt.Order, error)
}

type marketInfoSource interface {
	Market(ctx context.Context, symbol string) (exchange.MarketInfo, error)
}

// Options 控制下单参数。
type Options struct {
	TimeInForce     string
	OrdersPerSecond float64
	OrderBurst      int
	TakerSlippage   float64
	RetryBackoff    time.Duration
}

// OptionsFromConfig 将配置转换为执行参数。
func OptionsFromConfig(cfg config.ExecutionConfig) Options {
	return Options{
		TimeInForce:     cfg.TimeInForce,
		OrdersPerSecond: cfg.OrdersPerSecond,
		OrderBurst:      cfg.OrderBurst,
		TakerSlippage:   cfg.TakerSlippage,
	}
}

// Executor 负责挂单与撤单，只提交 reduce-only 委托。
type Executor struct {
	client   orderClient
	markets  marketInfoSource
	logger   *zap.Logger
	maxRetry int
	opts     Options
	limiter  *rate.Limiter
	newID    func() string
	now      func() time.Time
}

// NewExecutor 创建执行器。markets 为 nil 时不做精度取整。
func NewExecutor(client orderClient, markets marketInfoSource, opts Options, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 200 * time.Millisecond
	}

	limit := rate.Inf
	if opts.OrdersPerSecond > 0 {
		limit = rate.Limit(opts.OrdersPerSecond)
	}
	burst := opts.OrderBurst
	if burst <= 0 {
		burst = 1
	}

	return &Executor{
		client:   client,
		markets:  markets,
		logger:   logger,
		maxRetry: 3,
		opts:     opts,
		limiter:  rate.NewLimiter(limit, burst),
		newID:    newClientOrderID,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CancelAll 撤销该交易对的全部挂单，无挂单不视为错误。
func (e *Executor) CancelAll(ctx context.Context, symbol string) error {
	err := e.withRetry(ctx, "cancel_all", func() error {
		_, err := e.client.CancelAllOrders(ccxt.WithCancelAllOrdersSymbol(symbol))
		if err == nil || exchange.IsOrderNotFound(err) {
			return nil
		}
		if exchange.IsNotSupported(err) {
			return e.cancelEach(symbol)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("execution: 撤销全部委托失败 %s: %w", symbol, err)
	}
	return nil
}

// 交易所不支持批量撤单时逐笔撤销
func (e *Executor) cancelEach(symbol string) error {
	orders, err := e.client.FetchOpenOrders(ccxt.WithFetchOpenOrdersSymbol(symbol))
	if err != nil {
		return err
	}

	var errs error
	cancelled := 0
	for _, order := range orders {
		id := orderID(order)
		if id == "" {
			continue
		}
		if _, cancelErr := e.client.CancelOrder(id, ccxt.WithCancelOrderSymbol(symbol)); cancelErr != nil {
			if exchange.IsOrderNotFound(cancelErr) {
				continue
			}
			errs = multierr.Append(errs, fmt.Errorf("order %s: %w", id, cancelErr))
			continue
		}
		cancelled++
	}

	if cancelled > 0 {
		e.logger.Debug("已逐笔撤销挂单", zap.String("symbol", symbol), zap.Int("count", cancelled))
	}
	return errs
}

// PlaceLimit 提交 post-only、reduce-only 限价单。
func (e *Executor) PlaceLimit(ctx context.Context, symbol string, side OrderSide, size, price decimal.Decimal) (*OrderHandle, error) {
	order, err := e.buildLimitOrder(ctx, symbol, side, size, price)
	if err != nil {
		return nil, err
	}
	return e.submit(ctx, order)
}

// MarketClose 以穿越盘口的 IOC 限价单立即平仓，仅在 taker 模式下使用。
func (e *Executor) MarketClose(ctx context.Context, pos *position.Position, quote position.Quote) (*OrderHandle, error) {
	if pos.IsFlat() {
		return nil, nil
	}
	if !quote.Valid() {
		return nil, fmt.Errorf("execution: 报价不可用 %s", pos.Symbol)
	}

	slippage := decimal.NewFromFloat(e.opts.TakerSlippage)
	side := CloseSide(pos.IsLong())

	var price decimal.Decimal
	if side == OrderSideSell {
		price = quote.Bid.Mul(decimal.NewFromInt(1).Sub(slippage))
	} else {
		price = quote.Ask.Mul(decimal.NewFromInt(1).Add(slippage))
	}

	info := e.marketInfo(ctx, pos.Symbol)
	size, err := roundSize(pos.AbsSize(), info)
	if err != nil {
		return nil, err
	}

	order := OrderRequest{
		Type:        "limit",
		Symbol:      pos.Symbol,
		Side:        side,
		Amount:      size,
		Price:       roundTakerPrice(price, side, info.PriceTick),
		ReduceOnly:  true,
		ClientOrder: e.newID(),
	}
	order.Params = map[string]interface{}{
		"reduceOnly":    true,
		"timeInForce":   "IOC",
		"clientOrderId": order.ClientOrder,
	}
	return e.submit(ctx, order)
}

func (e *Executor) buildLimitOrder(ctx context.Context, symbol string, side OrderSide, size, price decimal.Decimal) (OrderRequest, error) {
	if side != OrderSideBuy && side != OrderSideSell {
		return OrderRequest{}, fmt.Errorf("execution: 不支持的下单方向 %s", side)
	}
	if !price.IsPositive() {
		return OrderRequest{}, fmt.Errorf("execution: 价格无效 %s", price)
	}

	info := e.marketInfo(ctx, symbol)
	roundedSize, err := roundSize(size, info)
	if err != nil {
		return OrderRequest{}, err
	}
	if roundedSize.GreaterThan(size.Abs()) {
		e.logger.Info("剩余数量低于最小下单量，按最小数量挂 reduce-only 单",
			zap.String("symbol", symbol),
			zap.String("remaining", size.Abs().String()),
			zap.String("size", roundedSize.String()),
		)
	}

	order := OrderRequest{
		Type:        "limit",
		Symbol:      symbol,
		Side:        side,
		Amount:      roundedSize,
		Price:       roundMakerPrice(price, side, info.PriceTick),
		ReduceOnly:  true,
		PostOnly:    true,
		ClientOrder: e.newID(),
	}
	order.Params = map[string]interface{}{
		"reduceOnly":    true,
		"postOnly":      true,
		"clientOrderId": order.ClientOrder,
	}
	if tif := makerTimeInForce(e.opts.TimeInForce); tif != "" {
		order.Params["timeInForce"] = tif
	}
	return order, nil
}

func (e *Executor) submit(ctx context.Context, order OrderRequest) (*OrderHandle, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("execution: 等待下单配额失败: %w", err)
	}

	start := time.Now()
	raw, err := e.client.CreateLimitOrder(
		order.Symbol,
		string(order.Side),
		order.Amount.InexactFloat64(),
		order.Price.InexactFloat64(),
		ccxt.WithCreateLimitOrderParams(order.Params),
	)
	metrics.RecordExchangeCall("create_order", exchange.Category(err), time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("execution: 下单失败 %s %s %s@%s: %w",
			order.Symbol, order.Side, order.Amount, order.Price, err)
	}

	handle := &OrderHandle{
		ID:       orderID(raw),
		ClientID: order.ClientOrder,
		Symbol:   order.Symbol,
		Side:     order.Side,
		Size:     order.Amount,
		Price:    order.Price,
		PlacedAt: e.now(),
	}

	e.logger.Info("委托已提交",
		zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)),
		zap.String("size", order.Amount.String()),
		zap.String("price", order.Price.String()),
		zap.Bool("post_only", order.PostOnly),
		zap.String("order_id", handle.ID),
		zap.String("client_order_id", handle.ClientID),
	)
	return handle, nil
}

func (e *Executor) withRetry(ctx context.Context, operation string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= e.maxRetry; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		start := time.Now()
		err = fn()
		metrics.RecordExchangeCall(operation, exchange.Category(err), time.Since(start))
		if err == nil {
			return nil
		}
		if !exchange.IsRetryable(err) || attempt == e.maxRetry {
			break
		}

		wait := time.Duration(attempt) * e.opts.RetryBackoff
		e.logger.Warn("交易所操作失败，准备重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}

func (e *Executor) marketInfo(ctx context.Context, symbol string) exchange.MarketInfo {
	if e.markets == nil {
		return exchange.MarketInfo{Symbol: symbol}
	}
	info, err := e.markets.Market(ctx, symbol)
	if err != nil {
		e.logger.Warn("获取交易对精度失败，按原始数值下单", zap.String("symbol", symbol), zap.Error(err))
		return exchange.MarketInfo{Symbol: symbol}
	}
	return info
}

// 卖单向上、买单向下取整到最小价位，保证不穿越盘口
func roundMakerPrice(price decimal.Decimal, side OrderSide, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	steps := price.Div(tick)
	if side == OrderSideSell {
		return steps.Ceil().Mul(tick)
	}
	return steps.Floor().Mul(tick)
}

func roundTakerPrice(price decimal.Decimal, side OrderSide, tick decimal.Decimal) decimal.Decimal {
	return roundMakerPrice(price, side.Opposite(), tick)
}

// roundSize 将数量向下取整到步长。委托均为 reduce-only，取整后低于最小下单量的残仓
// 向上补到最小可下单数量，交易所只会平掉实际剩余的部分。
func roundSize(size decimal.Decimal, info exchange.MarketInfo) (decimal.Decimal, error) {
	size = size.Abs()
	if !size.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s size=%s", ErrSizeBelowMinimum, info.Symbol, size)
	}

	rounded := size
	if info.AmountStep.IsPositive() {
		rounded = size.Div(info.AmountStep).Floor().Mul(info.AmountStep)
	}
	if rounded.IsPositive() && !(info.MinAmount.IsPositive() && rounded.LessThan(info.MinAmount)) {
		return rounded, nil
	}
	return minimumSize(info), nil
}

// minimumSize 返回不小于 MinAmount 的最小步长整数倍。
func minimumSize(info exchange.MarketInfo) decimal.Decimal {
	floor := info.MinAmount
	if !floor.IsPositive() {
		floor = info.AmountStep
	}
	if info.AmountStep.IsPositive() {
		steps := floor.Div(info.AmountStep).Ceil()
		if steps.LessThan(decimal.NewFromInt(1)) {
			steps = decimal.NewFromInt(1)
		}
		return steps.Mul(info.AmountStep)
	}
	return floor
}

// PO/ALO/GTX 由 ccxt 的 postOnly 参数统一表达，其余按 ccxt 统一写法大写透传
func makerTimeInForce(tif string) string {
	switch strings.ToUpper(strings.TrimSpace(tif)) {
	case "", "PO", "ALO", "GTX":
		return ""
	default:
		return strings.ToUpper(strings.TrimSpace(tif))
	}
}

func orderID(order ccxt.Order) string {
	if order.Id == nil {
		return ""
	}
	return *order.Id
}

// Hyperliquid 要求 cloid 为 0x 开头的 128 位十六进制
func newClientOrderID() string {
	id := uuid.New()
	return "0x" + hex.EncodeToString(id[:])
}
