package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "closer"
)

// Load 读取配置文件并结合环境变量返回 Config。
// path 为空时使用 configs/config.yaml，该默认文件缺失时仅使用默认值与 CLOSER_* 环境变量。
func Load(path string) (*Config, error) {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = defaultConfigPath
	}

	v := newViper()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case !explicit && (errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)):
			// 默认配置文件缺失时不报错
		case errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("config: 未找到配置文件 %q: %w", path, err)
		default:
			return nil, fmt.Errorf("config: 读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: 解析配置失败: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// normalize 统一大小写与空白，Validate 之前调用。
func (c *Config) normalize() {
	c.Exchange.Name = strings.ToLower(strings.TrimSpace(c.Exchange.Name))
	c.Exchange.QuoteSuffix = strings.TrimSpace(c.Exchange.QuoteSuffix)
	c.Execution.TimeInForce = strings.ToUpper(strings.TrimSpace(c.Execution.TimeInForce))
	c.Close.Mode = strings.ToLower(strings.TrimSpace(c.Close.Mode))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Encoding = strings.ToLower(strings.TrimSpace(c.Logging.Encoding))
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("exchange.name", "hyperliquid")
	v.SetDefault("exchange.quote_suffix", "/USDC:USDC")
	v.SetDefault("exchange.api_key", "")
	v.SetDefault("exchange.api_secret", "")
	v.SetDefault("exchange.api_password", "")
	v.SetDefault("exchange.use_sandbox", false)
	v.SetDefault("exchange.wallet_address", "")
	v.SetDefault("exchange.private_key", "")
	v.SetDefault("exchange.book_depth", 5)
	v.SetDefault("exchange.retry.max_attempts", 3)
	v.SetDefault("exchange.retry.min_delay", "200ms")
	v.SetDefault("exchange.retry.max_delay", "2s")

	v.SetDefault("execution.time_in_force", "PO")
	v.SetDefault("execution.orders_per_second", 5)
	v.SetDefault("execution.order_burst", 2)
	v.SetDefault("execution.taker_slippage", 0.01)

	v.SetDefault("close.mode", CloseModeMaker)
	v.SetDefault("close.settle_delay", "400ms")
	v.SetDefault("close.replace_interval", "500ms")
	v.SetDefault("close.quote_unavailable_backoff", "100ms")
	v.SetDefault("close.cancel_settle_delay", "100ms")
	v.SetDefault("close.confirm_reads", 1)
	v.SetDefault("close.final_cancel_timeout", "5s")
	v.SetDefault("close.stuck_attempt_threshold", 50)

	v.SetDefault("database.path", "data/closer.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.port", 9108)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
