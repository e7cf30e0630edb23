package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"makerclose/internal/config"
	"makerclose/internal/metrics"
	"makerclose/internal/position"
)

type marketDataAPI interface {
	FetchPositions(options ...ccxt.FetchPositionsOptions) ([]ccxt.Position, error)
	FetchOrderBook(symbol string, options ...ccxt.FetchOrderBookOptions) (ccxt.OrderBook, error)
}

// Client 负责读取持仓与盘口，并实现重试机制。
type Client struct {
	cfg     config.ExchangeConfig
	logger  *zap.Logger
	api     marketDataAPI
	markets MarketSource
	now     func() time.Time

	marketsMu     sync.Mutex
	marketsLoaded bool
	marketCache   map[string]MarketInfo
}

// NewClient 构造行情客户端。
func NewClient(cfg config.ExchangeConfig, api marketDataAPI, markets MarketSource, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:         cfg,
		logger:      logger,
		api:         api,
		markets:     markets,
		now:         func() time.Time { return time.Now().UTC() },
		marketCache: make(map[string]MarketInfo),
	}
}

// Symbol 将用户输入补全为交易所交易对。
func (c *Client) Symbol(raw string) string {
	return NormalizeSymbol(raw, c.cfg.QuoteSuffix)
}

// Position 返回指定交易对的当前持仓，无持仓时返回 nil。
func (c *Client) Position(ctx context.Context, symbol string) (*position.Position, error) {
	var raw []ccxt.Position
	err := c.callWithRetry(ctx, "fetch_positions", func() error {
		result, err := c.api.FetchPositions()
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("exchange: 获取持仓失败 %s: %w", symbol, err)
	}

	return position.SelectPosition(raw, symbol, c.now()), nil
}

// TopOfBook 返回最优买卖价，任一侧缺失时 Quote.Valid 为 false。
func (c *Client) TopOfBook(ctx context.Context, symbol string) (position.Quote, error) {
	depth := int64(c.cfg.BookDepth)
	if depth <= 0 {
		depth = 5
	}

	var raw ccxt.OrderBook
	err := c.callWithRetry(ctx, "fetch_order_book", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		orderBook, err := c.api.FetchOrderBook(symbol, ccxt.WithFetchOrderBookLimit(depth))
		if err != nil {
			return err
		}
		raw = orderBook
		return nil
	})
	if err != nil {
		return position.Quote{Symbol: symbol}, fmt.Errorf("exchange: 获取盘口失败 %s: %w", symbol, err)
	}

	return position.QuoteFromBook(symbol, raw), nil
}

// Market 返回交易对精度信息，结果会被缓存。
func (c *Client) Market(ctx context.Context, symbol string) (MarketInfo, error) {
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return MarketInfo{}, err
	}

	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if info, ok := c.marketCache[symbol]; ok {
		return info, nil
	}

	raw, ok := c.markets.Market(symbol)
	if !ok {
		return MarketInfo{}, fmt.Errorf("%w: %s", ErrUnknownMarket, symbol)
	}

	info := parseMarket(symbol, raw)
	c.marketCache[symbol] = info
	c.logger.Debug("已缓存交易对精度",
		zap.String("symbol", symbol),
		zap.String("price_tick", info.PriceTick.String()),
		zap.String("amount_step", info.AmountStep.String()),
		zap.String("min_amount", info.MinAmount.String()),
	)
	return info, nil
}

func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	if c.markets == nil {
		return nil
	}

	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	loadErr := c.callWithRetry(ctx, "load_markets", c.markets.LoadMarkets)
	if loadErr != nil {
		return loadErr
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载", zap.String("exchange", c.cfg.Name))
	return nil
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	maxAttempts := c.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)

		normalizedErr, retry := classifyError(err)
		metrics.RecordExchangeCall(operation, Category(normalizedErr), duration)

		if normalizedErr == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		if errors.Is(normalizedErr, ErrMaintenance) {
			c.logger.Warn("交易所维护中",
				zap.String("operation", operation),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		if !retry || attempt >= maxAttempts {
			c.logger.Warn("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.String("category", Category(normalizedErr)),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Debug("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// classifyError 返回归一化后的错误以及是否值得重试。
func classifyError(err error) (error, bool) {
	switch Category(err) {
	case CategorySuccess:
		return nil, false
	case CategoryMaintenance:
		if errors.Is(err, ErrMaintenance) {
			return err, false
		}
		message := "exchange under maintenance"
		if ccxtErr, ok := asCCXT(err); ok && strings.TrimSpace(ccxtErr.Message) != "" {
			message = strings.TrimSpace(ccxtErr.Message)
		}
		return fmt.Errorf("%w: %s", ErrMaintenance, message), false
	case CategoryTransient, CategoryRateLimited:
		return err, true
	default:
		return err, false
	}
}
