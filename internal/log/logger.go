package log

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"makerclose/internal/config"
)

const serviceName = "makerclose"

// NewLogger 根据配置创建 zap.Logger，每条日志带上 service 与 env 字段。
// 不做采样，平仓循环的每次状态切换都会输出。
func NewLogger(cfg config.LoggingConfig, environment string) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil {
		return nil, fmt.Errorf("log: 解析日志级别失败: %w", err)
	}

	encoder, err := newEncoder(cfg)
	if err != nil {
		return nil, err
	}

	sink, closeSink, err := zap.Open(orDefault(cfg.OutputPaths, "stdout")...)
	if err != nil {
		return nil, fmt.Errorf("log: 打开日志输出失败: %w", err)
	}
	errSink, _, err := zap.Open(orDefault(cfg.ErrorOutputPaths, "stderr")...)
	if err != nil {
		closeSink()
		return nil, fmt.Errorf("log: 打开错误输出失败: %w", err)
	}

	fields := []zap.Field{zap.String("service", serviceName)}
	if env := strings.TrimSpace(environment); env != "" {
		fields = append(fields, zap.String("env", env))
	}

	opts := []zap.Option{
		zap.ErrorOutput(errSink),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(fields...),
	}
	if cfg.Development {
		opts = append(opts, zap.Development())
	}

	core := zapcore.NewCore(encoder, sink, zap.NewAtomicLevelAt(level))
	return zap.New(core, opts...), nil
}

func newEncoder(cfg config.LoggingConfig) (zapcore.Encoder, error) {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.FunctionKey = zapcore.OmitKey
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeDuration = zapcore.StringDurationEncoder
	encCfg.EncodeCaller = zapcore.ShortCallerEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	switch strings.ToLower(strings.TrimSpace(cfg.Encoding)) {
	case "", "console":
		if cfg.Development {
			encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		return zapcore.NewConsoleEncoder(encCfg), nil
	case "json":
		return zapcore.NewJSONEncoder(encCfg), nil
	default:
		return nil, fmt.Errorf("log: 不支持的日志编码 %q", cfg.Encoding)
	}
}

func orDefault(paths []string, def string) []string {
	if len(paths) == 0 {
		return []string{def}
	}
	return paths
}
