package closer

import (
	"context"
	"time"

	"makerclose/internal/config"
)

// Sleeper 在等待期间响应取消，测试中可替换为不真正休眠的实现。
type Sleeper func(ctx context.Context, d time.Duration) error

// Options 控制平仓循环的节奏。
type Options struct {
	SettleDelay             time.Duration
	ReplaceInterval         time.Duration
	QuoteUnavailableBackoff time.Duration
	CancelSettleDelay       time.Duration
	// ConfirmReads 为首次读到零仓位后额外确认的次数。
	ConfirmReads       int
	FinalCancelTimeout time.Duration

	Sleep    Sleeper
	Observer Observer
}

// DefaultOptions 返回经验默认值。
func DefaultOptions() Options {
	return Options{
		SettleDelay:             400 * time.Millisecond,
		ReplaceInterval:         500 * time.Millisecond,
		QuoteUnavailableBackoff: 100 * time.Millisecond,
		CancelSettleDelay:       100 * time.Millisecond,
		ConfirmReads:            1,
		FinalCancelTimeout:      5 * time.Second,
	}
}

// OptionsFromConfig 将 close 配置转换为 Options。
func OptionsFromConfig(cfg config.CloseConfig) Options {
	return Options{
		SettleDelay:             cfg.SettleDelay,
		ReplaceInterval:         cfg.ReplaceInterval,
		QuoteUnavailableBackoff: cfg.QuoteUnavailableBackoff,
		CancelSettleDelay:       cfg.CancelSettleDelay,
		ConfirmReads:            cfg.ConfirmReads,
		FinalCancelTimeout:      cfg.FinalCancelTimeout,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.SettleDelay < 0 {
		o.SettleDelay = def.SettleDelay
	}
	if o.ReplaceInterval < 0 {
		o.ReplaceInterval = def.ReplaceInterval
	}
	if o.QuoteUnavailableBackoff < 0 {
		o.QuoteUnavailableBackoff = def.QuoteUnavailableBackoff
	}
	if o.CancelSettleDelay < 0 {
		o.CancelSettleDelay = def.CancelSettleDelay
	}
	if o.ConfirmReads <= 0 {
		o.ConfirmReads = def.ConfirmReads
	}
	if o.FinalCancelTimeout <= 0 {
		o.FinalCancelTimeout = def.FinalCancelTimeout
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	return o
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
