package position

import (
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Position 是交易所持仓归一化后的固定结构，每次查询都重新生成。
type Position struct {
	Symbol        string
	SignedSize    decimal.Decimal // >0 多头，<0 空头，==0 已平
	EntryPrice    decimal.Decimal
	MarkPrice     decimal.Decimal
	Leverage      decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Timestamp     time.Time
}

// IsFlat 仅当数量严格为零时返回 true，任何非零残量都视为未平。
func (p *Position) IsFlat() bool {
	return p == nil || p.SignedSize.IsZero()
}

// IsLong 判断是否为多头。
func (p *Position) IsLong() bool {
	return p != nil && p.SignedSize.IsPositive()
}

// AbsSize 返回剩余持仓数量的绝对值。
func (p *Position) AbsSize() decimal.Decimal {
	if p == nil {
		return decimal.Zero
	}
	return p.SignedSize.Abs()
}

// Side 返回 LONG / SHORT / FLAT。
func (p *Position) Side() string {
	switch {
	case p.IsFlat():
		return "FLAT"
	case p.IsLong():
		return "LONG"
	default:
		return "SHORT"
	}
}

// PnLPercent 按杠杆折算保证金后计算收益率，仅用于展示。
func (p *Position) PnLPercent() decimal.Decimal {
	if p.IsFlat() || !p.EntryPrice.IsPositive() {
		return decimal.Zero
	}
	margin := p.AbsSize().Mul(p.EntryPrice)
	if p.Leverage.IsPositive() {
		margin = margin.Div(p.Leverage)
	}
	if !margin.IsPositive() {
		return decimal.Zero
	}
	return p.UnrealizedPnL.Div(margin).Mul(hundred)
}

// Quote 为盘口最优买卖价，0 表示该侧不可用。
type Quote struct {
	Symbol    string
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Timestamp time.Time
}

// Valid 仅当买卖两侧都为正时报价可用。
func (q Quote) Valid() bool {
	return q.Bid.IsPositive() && q.Ask.IsPositive()
}

// Mid 返回中间价，报价不可用时为 0。
func (q Quote) Mid() decimal.Decimal {
	if !q.Valid() {
		return decimal.Zero
	}
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}
