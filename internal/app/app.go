package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"twap-engine/internal/broker"
	"twap-engine/internal/config"
	"twap-engine/internal/gate"
	"twap-engine/internal/ledger"
	"twap-engine/internal/monitor"
	"twap-engine/internal/order"
	"twap-engine/internal/plan"
	"twap-engine/internal/reconcile"
	"twap-engine/internal/scheduler"
	"twap-engine/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store

	ledger     *ledger.Ledger
	events     *monitor.Service
	gate       gate.Gate
	client     broker.Client
	sim        *broker.SimClient
	scheduler  *scheduler.Scheduler
	reconciler *reconcile.Reconciler

	// 外部成交回报入口，live 模式下由回报接入方写入。
	extFills chan order.FillEvent
}

// New 按配置装配账本、联锁、执行通道、调度器与对账器。
func New(cfg *config.Config, logger *zap.Logger, st *store.Store) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	l, err := ledger.New(st, logger.Named("ledger"))
	if err != nil {
		return nil, err
	}
	events, err := monitor.NewService(st, logger.Named("monitor"))
	if err != nil {
		return nil, err
	}

	var safety gate.Gate
	switch cfg.Gate.Mode {
	case "drawdown":
		dd, gerr := gate.NewDrawdownGate(st, cfg.Gate, logger.Named("gate"))
		if gerr != nil {
			return nil, gerr
		}
		safety = dd
	default:
		safety = gate.NewStatic(cfg.Gate.Allow, "联锁被配置关闭")
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		ledger:   l,
		events:   events,
		gate:     safety,
		extFills: make(chan order.FillEvent, 256),
	}

	switch cfg.Broker.Mode {
	case "live":
		live, berr := broker.NewCCXTClient(cfg.Broker, logger.Named("broker"))
		if berr != nil {
			return nil, berr
		}
		a.client = live
	default:
		a.sim = broker.NewSimClient(cfg.Broker.Sim, logger.Named("broker"))
		a.client = a.sim
	}

	a.scheduler = scheduler.New(l, safety, a.client, events,
		cfg.Scheduler, cfg.Gate.Retry, cfg.Execution, logger.Named("scheduler"))
	a.reconciler = reconcile.New(l, events, logger.Named("reconcile"))

	return a, nil
}

// SubmitRequest 描述一笔待拆分执行的母单请求。
// 限价执行形态下 LimitPrice 必填，作用于该母单的全部切片。
type SubmitRequest struct {
	Symbol     string
	Side       order.Side
	TotalQty   decimal.Decimal
	LimitPrice decimal.Decimal
	Slices     int
	Horizon    time.Duration
	StartTime  time.Time
}

// Submit 生成切片计划、原子落库并交给调度器，返回母单ID。
func (a *App) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if req.Symbol == "" {
		return "", errors.New("app: symbol 不能为空")
	}
	if !req.Side.Valid() {
		return "", fmt.Errorf("app: side 取值非法: %q", req.Side)
	}
	if a.cfg.Execution.OrderType == "limit" && req.LimitPrice.Sign() <= 0 {
		return "", errors.New("app: 限价执行形态要求 limit_price 为正")
	}
	start := req.StartTime
	if start.IsZero() {
		start = time.Now().UTC()
	}

	parent := order.ParentOrder{
		ID:              uuid.NewString(),
		Symbol:          req.Symbol,
		Side:            req.Side,
		TotalQty:        req.TotalQty,
		LimitPrice:      req.LimitPrice,
		RequestedSlices: req.Slices,
		Horizon:         req.Horizon,
		StartTime:       start,
		Status:          order.ParentPlanned,
	}

	slices, err := plan.Plan(parent)
	if err != nil {
		return "", err
	}
	if err := a.ledger.CreatePlan(ctx, parent, slices); err != nil {
		return "", err
	}
	a.events.RecordPlanCreated(ctx, parent, slices)
	a.scheduler.Register(parent, slices)

	a.logger.Info("母单已受理",
		zap.String("parent_id", parent.ID),
		zap.String("symbol", parent.Symbol),
		zap.String("side", string(parent.Side)),
		zap.String("total_qty", parent.TotalQty.String()),
		zap.Int("slices", len(slices)),
	)
	return parent.ID, nil
}

// Cancel 取消母单的全部未触发切片。
func (a *App) Cancel(ctx context.Context, parentID string) (int, error) {
	return a.scheduler.Cancel(ctx, parentID)
}

// Status 返回母单的聚合执行视图。
func (a *App) Status(ctx context.Context, parentID string) (ledger.AggregateView, error) {
	return a.ledger.Aggregate(ctx, parentID)
}

// FillFeed 返回外部成交回报写入口，live 模式下由交易所回报接入方使用。
func (a *App) FillFeed() chan<- order.FillEvent {
	return a.extFills
}

// Run 启动调度与对账循环，阻塞直到 ctx 取消。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("执行引擎启动",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("broker_mode", a.cfg.Broker.Mode),
		zap.String("gate_mode", a.cfg.Gate.Mode),
	)

	fills := (<-chan order.FillEvent)(a.extFills)
	if a.sim != nil {
		fills = a.sim.Fills()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.scheduler.Run(gctx)
	})
	g.Go(func() error {
		return a.reconciler.Run(gctx, fills)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("执行引擎异常退出: %w", err)
	}
	a.logger.Info("执行引擎已停止")
	return nil
}
