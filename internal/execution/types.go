package execution

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide 表示下单方向。
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite 返回反方向。
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// CloseSide 返回平掉该方向持仓所需的下单方向：多头卖出，空头买入。
func CloseSide(isLong bool) OrderSide {
	if isLong {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderRequest 抽象具体委托。
type OrderRequest struct {
	Type        string // limit
	Symbol      string
	Side        OrderSide
	Amount      decimal.Decimal
	Price       decimal.Decimal
	ReduceOnly  bool
	PostOnly    bool
	ClientOrder string
	Params      map[string]interface{}
}

// OrderHandle 为交易所接受的委托回执。
type OrderHandle struct {
	ID       string
	ClientID string
	Symbol   string
	Side     OrderSide
	Size     decimal.Decimal
	Price    decimal.Decimal
	PlacedAt time.Time
}
