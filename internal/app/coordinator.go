package app

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"makerclose/internal/closer"
	"makerclose/internal/config"
	"makerclose/internal/execution"
	"makerclose/internal/metrics"
	"makerclose/internal/monitor"
	"makerclose/internal/position"
)

// ErrCloseInProgress 表示该交易对已有平仓流程在运行。
var ErrCloseInProgress = errors.New("app: 该交易对正在平仓")

// Coordinator 保证同一交易对同一时间只有一个平仓流程。
type Coordinator struct {
	market  closer.MarketData
	orders  execution.Trader
	monitor *monitor.Service
	cfg     config.CloseConfig
	logger  *zap.Logger

	mu     sync.Mutex
	active map[string]time.Time
	wg     sync.WaitGroup
}

// NewCoordinator 创建协调器。svc 为 nil 时不写平仓记录。
func NewCoordinator(market closer.MarketData, orders execution.Trader, svc *monitor.Service, cfg config.CloseConfig, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		market:  market,
		orders:  orders,
		monitor: svc,
		cfg:     cfg,
		logger:  logger,
		active:  make(map[string]time.Time),
	}
}

// Close 同步执行平仓。
func (c *Coordinator) Close(ctx context.Context, symbol string) (bool, error) {
	if err := c.acquire(symbol); err != nil {
		return false, err
	}
	defer c.release(symbol)
	return c.run(ctx, symbol)
}

// Start 在后台启动平仓，重复请求立即返回 ErrCloseInProgress。
func (c *Coordinator) Start(ctx context.Context, symbol string) error {
	if err := c.acquire(symbol); err != nil {
		return err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.release(symbol)
		if _, err := c.run(ctx, symbol); err != nil {
			c.logger.Warn("后台平仓结束", zap.String("symbol", symbol), zap.Error(err))
		}
	}()
	return nil
}

// Active 返回正在平仓的交易对。
func (c *Coordinator) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	symbols := make([]string, 0, len(c.active))
	for symbol := range c.active {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// Wait 等待所有后台平仓结束。
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) acquire(symbol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.active[symbol]; busy {
		return ErrCloseInProgress
	}
	c.active[symbol] = time.Now().UTC()
	metrics.ActiveCloses.Inc()
	return nil
}

func (c *Coordinator) release(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, symbol)
	metrics.ActiveCloses.Dec()
}

func (c *Coordinator) run(ctx context.Context, symbol string) (bool, error) {
	started := time.Now()
	logger := c.logger.With(zap.String("symbol", symbol))

	pos, err := c.market.Position(ctx, symbol)
	if err != nil {
		// 起始持仓只用于记录，读取失败交给平仓循环重试
		logger.Warn("读取起始持仓失败", zap.Error(err))
		pos = nil
	} else if !pos.IsFlat() {
		logger.Info("起始持仓",
			zap.String("side", pos.Side()),
			zap.String("size", pos.AbsSize().String()),
			zap.String("pnl_pct", pos.PnLPercent().StringFixed(2)),
		)
	}

	var (
		runID    int64
		observer *monitor.RunObserver
		opts     = closer.OptionsFromConfig(c.cfg)
	)
	if c.monitor != nil {
		runID, err = c.monitor.StartRun(ctx, symbol, pos)
		if err != nil {
			logger.Warn("写入平仓记录失败", zap.Error(err))
		}
		observer = c.monitor.Observer(symbol, runID, c.cfg.StuckAttemptThreshold)
		opts.Observer = observer
	}

	if c.cfg.Mode == config.CloseModeTaker && !pos.IsFlat() {
		c.takerClose(ctx, logger, symbol, pos)
	}

	ok, closeErr := closer.New(c.market, c.orders, opts, logger).Close(ctx, symbol)

	outcome := monitor.OutcomeFlat
	switch {
	case closeErr == nil:
	case errors.Is(closeErr, context.Canceled), errors.Is(closeErr, context.DeadlineExceeded):
		outcome = monitor.OutcomeCancelled
	default:
		outcome = monitor.OutcomeError
	}
	metrics.RecordCloseFinished(symbol, outcome, time.Since(started))

	if observer != nil {
		observer.Done()
		if runID > 0 {
			// ctx 可能已取消，归档使用独立 ctx
			finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := c.monitor.FinishRun(finishCtx, runID, observer.Attempts(), outcome, closeErr); err != nil {
				logger.Warn("归档平仓记录失败", zap.Error(err))
			}
			cancel()
		}
	}

	return ok, closeErr
}

// takerClose 先以 IOC 穿价单尽量成交，剩余部分交给 maker 循环。
func (c *Coordinator) takerClose(ctx context.Context, logger *zap.Logger, symbol string, pos *position.Position) {
	quote, err := c.market.TopOfBook(ctx, symbol)
	if err != nil {
		logger.Warn("taker 平仓读取盘口失败，改用 maker", zap.Error(err))
		return
	}
	handle, err := c.orders.MarketClose(ctx, pos, quote)
	if err != nil {
		logger.Warn("taker 平仓失败，改用 maker", zap.Error(err))
		return
	}
	if handle != nil {
		logger.Info("taker 平仓单已提交",
			zap.String("side", string(handle.Side)),
			zap.String("mid", quote.Mid().String()),
			zap.String("price", handle.Price.String()),
			zap.String("size", handle.Size.String()),
		)
	}
}
