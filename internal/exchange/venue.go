package exchange

import (
	"fmt"
	"strings"

	ccxt "github.com/ccxt/ccxt/go/v4"

	"makerclose/internal/config"
)

// Venue 聚合平仓流程需要的 ccxt 行情、持仓与委托接口。
type Venue interface {
	FetchPositions(options ...ccxt.FetchPositionsOptions) ([]ccxt.Position, error)
	FetchOrderBook(symbol string, options ...ccxt.FetchOrderBookOptions) (ccxt.OrderBook, error)
	CreateLimitOrder(symbol string, side string, amount float64, price float64, options ...ccxt.CreateLimitOrderOptions) (ccxt.Order, error)
	CancelAllOrders(options ...ccxt.CancelAllOrdersOptions) ([]ccxt.Order, error)
	FetchOpenOrders(options ...ccxt.FetchOpenOrdersOptions) ([]ccxt.Order, error)
	CancelOrder(id string, options ...ccxt.CancelOrderOptions) (ccxt.Order, error)
}

// MarketSource 提供交易所市场元数据。
type MarketSource interface {
	LoadMarkets() error
	Market(symbol string) (map[string]interface{}, bool)
}

type ccxtMarkets struct {
	load   func() error
	lookup func(symbol string) interface{}
}

func (m ccxtMarkets) LoadMarkets() error {
	return m.load()
}

func (m ccxtMarkets) Market(symbol string) (raw map[string]interface{}, ok bool) {
	// ccxt 在交易对不存在时会 panic
	defer func() {
		if r := recover(); r != nil {
			raw, ok = nil, false
		}
	}()
	raw, ok = m.lookup(symbol).(map[string]interface{})
	return raw, ok
}

// NewVenue 根据配置创建 ccxt 交易所客户端。
func NewVenue(cfg config.ExchangeConfig) (Venue, MarketSource, error) {
	userConfig := map[string]interface{}{
		"enableRateLimit": true,
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Name)) {
	case "hyperliquid":
		if cfg.Wallet != "" {
			userConfig["walletAddress"] = cfg.Wallet
		}
		if cfg.PrivateKey != "" {
			userConfig["privateKey"] = cfg.PrivateKey
		}
		ex := ccxt.NewHyperliquid(userConfig)
		if cfg.UseSandbox {
			ex.SetSandboxMode(true)
		}
		markets := ccxtMarkets{
			load: func() error {
				_, err := ex.LoadMarkets()
				return err
			},
			lookup: func(symbol string) interface{} { return ex.Market(symbol) },
		}
		return ex, markets, nil
	case "binanceusdm":
		userConfig["options"] = map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "future",
		}
		ex := ccxt.NewBinanceusdm(userConfig)
		if cfg.UseSandbox {
			ex.SetSandboxMode(true)
		}
		markets := ccxtMarkets{
			load: func() error {
				_, err := ex.LoadMarkets()
				return err
			},
			lookup: func(symbol string) interface{} { return ex.Market(symbol) },
		}
		return ex, markets, nil
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownVenue, cfg.Name)
	}
}
