package position

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
)

// FromVenue 将 ccxt 持仓结构归一化为 Position。
// ccxt 通常给出无符号 contracts 加 side，部分交易所只在 info 中给出带符号数量。
func FromVenue(raw ccxt.Position, now time.Time) Position {
	symbol := derefString(raw.Symbol)
	size := derefFloat(raw.Contracts)
	side := strings.ToUpper(strings.TrimSpace(derefString(raw.Side)))

	entry := derefFloat(raw.EntryPrice)
	mark := derefFloat(raw.MarkPrice)
	leverage := derefFloat(raw.Leverage)
	unrealized := derefFloat(raw.UnrealizedPnl)

	if raw.Info != nil {
		if positionInfo, ok := raw.Info["position"].(map[string]interface{}); ok {
			if raw.Contracts == nil {
				if szi := parseNumeric(positionInfo["szi"]); szi != 0 {
					size = szi
					if side == "" {
						side = "LONG"
						if szi < 0 {
							side = "SHORT"
						}
					}
				}
			}
			if entry == 0 {
				entry = parseNumeric(positionInfo["entryPx"])
			}
			if mark == 0 {
				mark = parseNumeric(positionInfo["markPx"])
			}
			if unrealized == 0 {
				unrealized = parseNumeric(positionInfo["unrealizedPnl"])
			}
			if leverage == 0 {
				if lev, ok := positionInfo["leverage"].(map[string]interface{}); ok {
					leverage = parseNumeric(lev["value"])
				}
			}
		}
	}

	if mark == 0 {
		mark = entry
	}

	magnitude := decimal.NewFromFloat(size).Abs()
	signed := magnitude
	if side == "SHORT" || (side == "" && size < 0) {
		signed = magnitude.Neg()
	}

	return Position{
		Symbol:        symbol,
		SignedSize:    signed,
		EntryPrice:    decimal.NewFromFloat(entry),
		MarkPrice:     decimal.NewFromFloat(mark),
		Leverage:      decimal.NewFromFloat(leverage),
		UnrealizedPnL: decimal.NewFromFloat(unrealized),
		Timestamp:     now,
	}
}

// SelectPosition 在持仓列表中挑出指定交易对，找不到或数量为零时返回 nil。
func SelectPosition(raw []ccxt.Position, symbol string, now time.Time) *Position {
	for _, item := range raw {
		if !strings.EqualFold(derefString(item.Symbol), symbol) {
			continue
		}
		pos := FromVenue(item, now)
		if pos.IsFlat() {
			continue
		}
		return &pos
	}
	return nil
}

// QuoteFromBook 取订单簿第一档作为报价，缺失一侧时以 0 表示。
func QuoteFromBook(symbol string, ob ccxt.OrderBook) Quote {
	quote := Quote{Symbol: symbol, Bid: decimal.Zero, Ask: decimal.Zero}
	if len(ob.Bids) > 0 && len(ob.Bids[0]) >= 1 && ob.Bids[0][0] > 0 {
		quote.Bid = decimal.NewFromFloat(ob.Bids[0][0])
	}
	if len(ob.Asks) > 0 && len(ob.Asks[0]) >= 1 && ob.Asks[0][0] > 0 {
		quote.Ask = decimal.NewFromFloat(ob.Asks[0][0])
	}
	if ob.Timestamp != nil {
		quote.Timestamp = time.UnixMilli(*ob.Timestamp).UTC()
	} else {
		quote.Timestamp = time.Now().UTC()
	}
	return quote
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

// ParseNumeric 兼容交易所 info 字段中的各种数值表示。
func ParseNumeric(value interface{}) float64 {
	return parseNumeric(value)
}

func parseNumeric(value interface{}) float64 {
	switch v := value.(type) {
	case nil:
		return 0
	case float64:
		return v
	case *float64:
		if v != nil {
			return *v
		}
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	case fmt.Stringer:
		s := strings.TrimSpace(v.String())
		if s == "" {
			return 0
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return 0
}
