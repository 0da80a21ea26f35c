package reconcile

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"twap-engine/internal/ledger"
	"twap-engine/internal/monitor"
	"twap-engine/internal/order"
)

// Reconciler 把经纪商成交回报对账进账本。
// 回报可能乱序、重复、指向未知子单或超出切片数量；
// 对账只做幂等应用与异常上报，绝不自动修正账本。
type Reconciler struct {
	ledger *ledger.Ledger
	events *monitor.Service
	logger *zap.Logger
}

// New 构造对账器。
func New(l *ledger.Ledger, events *monitor.Service, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{ledger: l, events: events, logger: logger}
}

// Apply 应用单笔成交回报。
// 重复投递静默吸收；未知子单、超额、非法数量与状态不符均上报异常，
// 这些异常回报不落任何状态，返回 nil 让投递方继续。
func (r *Reconciler) Apply(ctx context.Context, ev order.FillEvent) error {
	result, err := r.ledger.ApplyFill(ctx, ev)
	if err == nil {
		r.logger.Info("成交回报已入账",
			zap.String("child_id", ev.ChildID),
			zap.String("fill_id", ev.FillID),
			zap.String("qty", ev.Qty.String()),
			zap.String("child_status", string(result.Child.Status)),
			zap.String("parent_status", string(result.ParentStatus)),
		)
		return nil
	}

	switch {
	case errors.Is(err, ledger.ErrDuplicateFill):
		r.logger.Debug("重复成交回报已忽略",
			zap.String("child_id", ev.ChildID),
			zap.String("fill_id", ev.FillID),
		)
		return nil
	case errors.Is(err, ledger.ErrChildNotFound),
		errors.Is(err, ledger.ErrOverfill),
		errors.Is(err, ledger.ErrInvalidFill),
		errors.Is(err, ledger.ErrStaleFill):
		r.anomaly(ctx, ev, err)
		return nil
	default:
		return err
	}
}

// Run 消费成交回报流直到通道关闭或 ctx 取消。
func (r *Reconciler) Run(ctx context.Context, fills <-chan order.FillEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fills:
			if !ok {
				return nil
			}
			if err := r.Apply(ctx, ev); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Error("成交回报入账失败",
					zap.String("child_id", ev.ChildID),
					zap.String("fill_id", ev.FillID),
					zap.Error(err),
				)
			}
		}
	}
}

func (r *Reconciler) anomaly(ctx context.Context, ev order.FillEvent, cause error) {
	if r.events != nil {
		r.events.RecordAnomaly(ctx, ev, cause.Error())
	}
	r.logger.Warn("成交回报异常",
		zap.String("child_id", ev.ChildID),
		zap.String("fill_id", ev.FillID),
		zap.String("qty", ev.Qty.String()),
		zap.Error(cause),
	)
}
