package execution

import (
	"context"

	"github.com/shopspring/decimal"

	"makerclose/internal/position"
)

// Trader 抽象平仓所需的委托能力，方便切换真实或模拟下单。
type Trader interface {
	CancelAll(ctx context.Context, symbol string) error
	PlaceLimit(ctx context.Context, symbol string, side OrderSide, size, price decimal.Decimal) (*OrderHandle, error)
	MarketClose(ctx context.Context, pos *position.Position, quote position.Quote) (*OrderHandle, error)
}

var _ Trader = (*Executor)(nil)
