package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"makerclose/internal/app"
	"makerclose/internal/config"
	"makerclose/internal/log"
	"makerclose/internal/store"
)

func main() {
	var (
		configPath string
		envPath    string
		symbols    string
		serve      bool
	)
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.StringVar(&envPath, "env", ".env", "凭证文件路径，不存在时忽略")
	flag.StringVar(&symbols, "symbols", "", "需要平仓的交易对，逗号分隔，如 BTC,ETH")
	flag.BoolVar(&serve, "serve", false, "常驻运行，通过 POST /close 接收平仓请求")
	flag.Parse()

	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "加载 .env 失败: %v\n", err)
		os.Exit(1)
	}

	if !serve && symbols == "" {
		fmt.Fprintln(os.Stderr, "需要指定 -symbols 或 -serve")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.NewLogger(cfg.Logging, cfg.App.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	sqliteStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		logger.Error("初始化数据库失败", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			logger.Warn("关闭数据库失败", zap.Error(closeErr))
		}
	}()

	closerApp, err := app.New(cfg, logger, sqliteStore)
	if err != nil {
		logger.Error("初始化失败", zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if serve {
		err = closerApp.Serve(ctx)
	} else {
		err = closerApp.CloseSymbols(ctx, []string{symbols})
	}
	if err != nil {
		logger.Error("平仓未完成", zap.Error(err))
		_ = logger.Sync()
		_ = sqliteStore.Close()
		os.Exit(1)
	}

	logger.Info("已安全退出")
}
