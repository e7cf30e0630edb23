package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了平仓服务运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Close     CloseConfig     `mapstructure:"close"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ExchangeConfig 描述交易所连接信息。
type ExchangeConfig struct {
	Name        string      `mapstructure:"name"`
	QuoteSuffix string      `mapstructure:"quote_suffix"`
	APIKey      string      `mapstructure:"api_key"`
	APISecret   string      `mapstructure:"api_secret"`
	APIPass     string      `mapstructure:"api_password"`
	UseSandbox  bool        `mapstructure:"use_sandbox"`
	Wallet      string      `mapstructure:"wallet_address"`
	PrivateKey  string      `mapstructure:"private_key"`
	BookDepth   int         `mapstructure:"book_depth"`
	Retry       RetryConfig `mapstructure:"retry"`
}

// RetryConfig 统一控制单次交易所调用的重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// ExecutionConfig 控制下单行为。
type ExecutionConfig struct {
	TimeInForce     string  `mapstructure:"time_in_force"`
	OrdersPerSecond float64 `mapstructure:"orders_per_second"`
	OrderBurst      int     `mapstructure:"order_burst"`
	TakerSlippage   float64 `mapstructure:"taker_slippage"`
}

// CloseConfig 控制平仓状态机的节奏。
type CloseConfig struct {
	Mode                    string        `mapstructure:"mode"`
	SettleDelay             time.Duration `mapstructure:"settle_delay"`
	ReplaceInterval         time.Duration `mapstructure:"replace_interval"`
	QuoteUnavailableBackoff time.Duration `mapstructure:"quote_unavailable_backoff"`
	CancelSettleDelay       time.Duration `mapstructure:"cancel_settle_delay"`
	ConfirmReads            int           `mapstructure:"confirm_reads"`
	FinalCancelTimeout      time.Duration `mapstructure:"final_cancel_timeout"`
	StuckAttemptThreshold   int           `mapstructure:"stuck_attempt_threshold"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// MonitorConfig 控制监控接口。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

const (
	// CloseModeMaker 只挂 post-only 限价单平仓。
	CloseModeMaker = "maker"
	// CloseModeTaker 直接以穿价限价单平仓。
	CloseModeTaker = "taker"
)

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Exchange.Name == "" {
		err = multierr.Append(err, errors.New("exchange.name 不能为空"))
	}
	if c.Exchange.QuoteSuffix == "" {
		err = multierr.Append(err, errors.New("exchange.quote_suffix 不能为空"))
	}
	if strings.EqualFold(c.Exchange.Name, "hyperliquid") {
		if c.Exchange.Wallet == "" || c.Exchange.PrivateKey == "" {
			err = multierr.Append(err, errors.New("hyperliquid 交易需要配置 wallet_address 与 private_key"))
		}
	}
	if c.Exchange.BookDepth <= 0 {
		err = multierr.Append(err, errors.New("exchange.book_depth 必须大于0"))
	}
	if c.Exchange.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.max_attempts 必须大于0"))
	}
	if c.Exchange.Retry.MinDelay <= 0 || c.Exchange.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.delay 必须为正"))
	}
	if c.Exchange.Retry.MinDelay > c.Exchange.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("exchange.retry.min_delay 不能大于 max_delay"))
	}
	if c.Execution.OrdersPerSecond <= 0 {
		err = multierr.Append(err, errors.New("execution.orders_per_second 必须大于0"))
	}
	if c.Execution.OrderBurst <= 0 {
		err = multierr.Append(err, errors.New("execution.order_burst 必须大于0"))
	}
	if c.Execution.TakerSlippage < 0 || c.Execution.TakerSlippage > 0.2 {
		err = multierr.Append(err, errors.New("execution.taker_slippage 应位于[0,0.2]"))
	}
	switch strings.ToLower(c.Close.Mode) {
	case CloseModeMaker, CloseModeTaker:
	default:
		err = multierr.Append(err, fmt.Errorf("close.mode 仅支持 maker 或 taker，当前为 %q", c.Close.Mode))
	}
	if c.Close.SettleDelay < 0 {
		err = multierr.Append(err, errors.New("close.settle_delay 不能为负"))
	}
	if c.Close.ReplaceInterval <= 0 {
		err = multierr.Append(err, errors.New("close.replace_interval 必须大于0"))
	}
	if c.Close.QuoteUnavailableBackoff <= 0 {
		err = multierr.Append(err, errors.New("close.quote_unavailable_backoff 必须大于0"))
	}
	if c.Close.CancelSettleDelay < 0 {
		err = multierr.Append(err, errors.New("close.cancel_settle_delay 不能为负"))
	}
	if c.Close.ConfirmReads < 1 {
		err = multierr.Append(err, errors.New("close.confirm_reads 至少为1"))
	}
	if c.Close.FinalCancelTimeout <= 0 {
		err = multierr.Append(err, errors.New("close.final_cancel_timeout 必须大于0"))
	}
	if c.Close.StuckAttemptThreshold < 0 {
		err = multierr.Append(err, errors.New("close.stuck_attempt_threshold 不能为负"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 必须位于(0,65535]"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
