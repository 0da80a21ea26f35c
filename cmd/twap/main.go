package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"twap-engine/internal/app"
	"twap-engine/internal/config"
	"twap-engine/internal/log"
	"twap-engine/internal/order"
	"twap-engine/internal/store"
)

func main() {
	var (
		configPath string
		symbol     string
		side       string
		qty        string
		price      string
		slices     int
		horizon    time.Duration
	)
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.StringVar(&symbol, "symbol", "", "启动时直接提交一笔母单的交易对，留空则只运行引擎")
	flag.StringVar(&side, "side", "buy", "母单方向 buy|sell")
	flag.StringVar(&qty, "qty", "0", "母单总数量")
	flag.StringVar(&price, "price", "0", "限价执行形态下的委托价格")
	flag.IntVar(&slices, "slices", 0, "切片数量")
	flag.DurationVar(&horizon, "horizon", time.Hour, "执行窗口时长")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.NewLogger(cfg.Logging)
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

	engine, err := app.New(cfg, logger, sqliteStore)
	if err != nil {
		logger.Error("装配执行引擎失败", zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if symbol != "" {
		totalQty, qerr := decimal.NewFromString(qty)
		if qerr != nil {
			logger.Error("解析母单数量失败", zap.String("qty", qty), zap.Error(qerr))
			os.Exit(1)
		}
		limitPrice, perr := decimal.NewFromString(price)
		if perr != nil {
			logger.Error("解析限价失败", zap.String("price", price), zap.Error(perr))
			os.Exit(1)
		}
		parentID, serr := engine.Submit(ctx, app.SubmitRequest{
			Symbol:     symbol,
			Side:       order.Side(side),
			TotalQty:   totalQty,
			LimitPrice: limitPrice,
			Slices:     slices,
			Horizon:    horizon,
		})
		if serr != nil {
			logger.Error("提交母单失败", zap.Error(serr))
			os.Exit(1)
		}
		logger.Info("母单已提交", zap.String("parent_id", parentID))
	}

	if err := engine.Run(ctx); err != nil {
		logger.Error("系统运行异常", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("系统已安全退出")
}
