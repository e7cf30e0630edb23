package exchange

import (
	"context"
	"errors"
	"net"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

var (
	// ErrMaintenance 表示交易所处于维护状态，平仓循环会在退避后继续读取。
	ErrMaintenance = errors.New("exchange on maintenance")
	// ErrUnknownVenue 表示配置了尚未接入的交易所。
	ErrUnknownVenue = errors.New("exchange: unsupported venue")
	// ErrUnknownMarket 表示交易所元数据中找不到该交易对。
	ErrUnknownMarket = errors.New("exchange: unknown market")
)

// 错误分类，同时作为 exchange_calls_total 的 status 标签
const (
	CategorySuccess      = "success"
	CategoryMaintenance  = "maintenance"
	CategoryTransient    = "transient"
	CategoryRateLimited  = "rate_limited"
	CategoryNotFound     = "not_found"
	CategoryNotSupported = "not_supported"
	CategoryRejected     = "rejected"
	CategoryCancelled    = "cancelled"
	CategoryUnknown      = "unknown"
)

func asCCXT(err error) (*ccxt.Error, bool) {
	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		return ccxtErr, true
	}
	return nil, false
}

// Category 将交易所错误归类。
func Category(err error) string {
	if err == nil {
		return CategorySuccess
	}
	if errors.Is(err, ErrMaintenance) {
		return CategoryMaintenance
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CategoryCancelled
	}

	ccxtErr, ok := asCCXT(err)
	if !ok {
		var netErr net.Error
		if errors.As(err, &netErr) {
			return CategoryTransient
		}
		return CategoryUnknown
	}

	switch ccxtErr.Type {
	case ccxt.OnMaintenanceErrType:
		return CategoryMaintenance
	case ccxt.RateLimitExceededErrType, ccxt.DDoSProtectionErrType:
		return CategoryRateLimited
	case ccxt.NetworkErrorErrType,
		ccxt.RequestTimeoutErrType,
		ccxt.ExchangeNotAvailableErrType,
		ccxt.BadResponseErrType,
		ccxt.NullResponseErrType:
		return CategoryTransient
	case ccxt.OrderNotFoundErrType:
		return CategoryNotFound
	case ccxt.NotSupportedErrType:
		return CategoryNotSupported
	default:
		return CategoryRejected
	}
}

// IsRetryable 判断错误是否可重试。
func IsRetryable(err error) bool {
	if _, ok := asCCXT(err); !ok {
		return false
	}
	switch Category(err) {
	case CategoryTransient, CategoryRateLimited:
		return true
	default:
		return false
	}
}

// IsNotSupported 判断交易所是否不支持该接口。
func IsNotSupported(err error) bool {
	return Category(err) == CategoryNotSupported
}

// IsOrderNotFound 判断撤单目标是否已不存在（已成交或已撤）。
func IsOrderNotFound(err error) bool {
	return Category(err) == CategoryNotFound
}
