package exchange

import (
	"strings"

	"github.com/shopspring/decimal"

	"makerclose/internal/position"
)

// NormalizeSymbol 将 BTC、btc、BTC-USD 之类的简写补全为 ccxt 交易对，已带 / 的符号原样返回。
func NormalizeSymbol(raw, quoteSuffix string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "/") {
		return s
	}
	if idx := strings.Index(s, "-"); idx > 0 {
		s = s[:idx]
	}
	// kPEPE 这类大小写混合的基础币保持原样
	if s == strings.ToLower(s) {
		s = strings.ToUpper(s)
	}
	return s + strings.TrimSpace(quoteSuffix)
}

// MarketInfo 为下单所需的精度与最小数量。
type MarketInfo struct {
	Symbol     string
	PriceTick  decimal.Decimal
	AmountStep decimal.Decimal
	MinAmount  decimal.Decimal
}

func parseMarket(symbol string, market map[string]interface{}) MarketInfo {
	info := MarketInfo{Symbol: symbol}

	if precision, ok := market["precision"].(map[string]interface{}); ok {
		info.PriceTick = positiveDecimal(precision["price"])
		info.AmountStep = positiveDecimal(precision["amount"])
	}

	if limits, ok := market["limits"].(map[string]interface{}); ok {
		if amount, ok := limits["amount"].(map[string]interface{}); ok {
			info.MinAmount = positiveDecimal(amount["min"])
		}
	}

	return info
}

func positiveDecimal(value interface{}) decimal.Decimal {
	f := position.ParseNumeric(value)
	if f <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(f)
}
