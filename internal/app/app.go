package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"makerclose/internal/closer"
	"makerclose/internal/config"
	"makerclose/internal/exchange"
	"makerclose/internal/execution"
	"makerclose/internal/metrics"
	"makerclose/internal/monitor"
	"makerclose/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	monitor   *monitor.Service
	coord     *Coordinator
	normalize func(string) string
}

// New 创建 App 实例，连接交易所并初始化监控表。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	venue, markets, err := exchange.NewVenue(cfg.Exchange)
	if err != nil {
		return nil, fmt.Errorf("初始化交易所客户端失败: %w", err)
	}

	client := exchange.NewClient(cfg.Exchange, venue, markets, logger)
	executor := execution.NewExecutor(venue, client, execution.OptionsFromConfig(cfg.Execution), logger)

	monitorSvc, err := monitor.NewService(store, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}

	return newApp(cfg, logger, monitorSvc, client, executor, client.Symbol), nil
}

func newApp(cfg *config.Config, logger *zap.Logger, svc *monitor.Service, market closer.MarketData, orders execution.Trader, normalize func(string) string) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		cfg:       cfg,
		logger:    logger,
		monitor:   svc,
		coord:     NewCoordinator(market, orders, svc, cfg.Close, logger),
		normalize: normalize,
	}
}

// CloseSymbols 并发平掉给定交易对，全部确认清零或 ctx 取消后返回。
func (a *App) CloseSymbols(ctx context.Context, raw []string) error {
	symbols := a.symbols(raw)
	if len(symbols) == 0 {
		return errors.New("app: 未指定需要平仓的交易对")
	}

	a.startServer(ctx)

	a.logger.Info("开始平仓",
		zap.String("exchange", a.cfg.Exchange.Name),
		zap.String("mode", a.cfg.Close.Mode),
		zap.Strings("symbols", symbols),
	)

	// 某个交易对失败不取消其他交易对
	var (
		g    errgroup.Group
		errs = make([]error, len(symbols))
	)
	for i, symbol := range symbols {
		g.Go(func() error {
			ok, err := a.coord.Close(ctx, symbol)
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", symbol, err)
				return errs[i]
			}
			if ok {
				a.logger.Info("交易对已平仓", zap.String("symbol", symbol))
			}
			return nil
		})
	}
	_ = g.Wait()

	return multierr.Combine(errs...)
}

// Serve 启动监控接口并通过 POST /close 接收平仓请求，直到 ctx 取消。
func (a *App) Serve(ctx context.Context) error {
	if !a.cfg.Monitor.Enabled {
		return errors.New("app: serve 模式需要启用 monitor")
	}

	a.startServer(ctx)
	a.logger.Info("平仓服务已就绪", zap.String("exchange", a.cfg.Exchange.Name), zap.Int("port", a.cfg.Monitor.Port))

	<-ctx.Done()
	a.logger.Info("收到退出信号，等待平仓流程撤单退出")
	a.coord.Wait()

	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	return nil
}

func (a *App) startServer(ctx context.Context) {
	if !a.cfg.Monitor.Enabled {
		return
	}
	metrics.Init()
	_ = startMonitorServer(ctx, serverDeps{
		monitor:   a.monitor,
		coord:     a.coord,
		normalize: a.normalize,
		baseCtx:   ctx,
		logger:    a.logger,
	}, a.cfg.Monitor.Port)
}

func (a *App) symbols(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			symbol := a.normalize(part)
			if symbol == "" {
				continue
			}
			if _, dup := seen[symbol]; dup {
				continue
			}
			seen[symbol] = struct{}{}
			out = append(out, symbol)
		}
	}
	return out
}
