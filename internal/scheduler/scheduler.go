package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"twap-engine/internal/broker"
	"twap-engine/internal/config"
	"twap-engine/internal/gate"
	"twap-engine/internal/ledger"
	"twap-engine/internal/monitor"
	"twap-engine/internal/order"
)

// Scheduler 按计划时间触发子切片提交。
// 单个最小堆覆盖所有母单；每个母单只维护一个游标，
// 同一母单任意时刻至多一个在途提交，保证切片严格按 slice_num 顺序触发。
type Scheduler struct {
	ledger *ledger.Ledger
	gate   gate.Gate
	client broker.Client
	events *monitor.Service
	logger *zap.Logger

	cfg   config.SchedulerConfig
	retry config.RetryConfig
	exec  config.ExecutionConfig

	sem  *semaphore.Weighted
	wake chan struct{}

	mu      sync.Mutex
	queue   fireHeap
	parents map[string]*parentRun
}

// parentRun 是单个母单的调度进度，全部字段受 Scheduler.mu 保护。
type parentRun struct {
	parent   order.ParentOrder
	children []order.ChildSlice
	cursor   int
	attempts int
	inflight bool
}

// fireEvent 表示某母单的下一次触发时刻。
type fireEvent struct {
	at       time.Time
	parentID string
}

type fireHeap []fireEvent

func (h fireHeap) Len() int            { return len(h) }
func (h fireHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h fireHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *fireHeap) Push(x interface{}) { *h = append(*h, x.(fireEvent)) }
func (h *fireHeap) Pop() interface{} {
	old := *h
	n := len(old)
	ev := old[n-1]
	*h = old[:n-1]
	return ev
}

// New 构造调度器。
func New(
	l *ledger.Ledger,
	g gate.Gate,
	client broker.Client,
	events *monitor.Service,
	cfg config.SchedulerConfig,
	retry config.RetryConfig,
	exec config.ExecutionConfig,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Scheduler{
		ledger:  l,
		gate:    g,
		client:  client,
		events:  events,
		logger:  logger,
		cfg:     cfg,
		retry:   retry,
		exec:    exec,
		sem:     semaphore.NewWeighted(int64(workers)),
		wake:    make(chan struct{}, 1),
		parents: make(map[string]*parentRun),
	}
}

// Register 接管一笔新落库的母单，把首个切片压入触发队列。
func (s *Scheduler) Register(parent order.ParentOrder, children []order.ChildSlice) {
	if len(children) == 0 {
		return
	}

	s.mu.Lock()
	// 幂等：恢复流程可能已经接管了同一母单。
	if _, ok := s.parents[parent.ID]; ok {
		s.mu.Unlock()
		return
	}
	s.parents[parent.ID] = &parentRun{parent: parent, children: children}
	heap.Push(&s.queue, fireEvent{at: children[0].ScheduledTime, parentID: parent.ID})
	s.mu.Unlock()

	s.signal()
	s.logger.Info("母单进入调度",
		zap.String("parent_id", parent.ID),
		zap.Int("slices", len(children)),
		zap.Time("first_fire", children[0].ScheduledTime),
	)
}

// Cancel 取消母单：账本原子翻转未触发切片，队列中的残留事件在弹出时惰性跳过。
func (s *Scheduler) Cancel(ctx context.Context, parentID string) (int, error) {
	flipped, err := s.ledger.CancelParent(ctx, parentID)
	if err != nil {
		return 0, err
	}
	if s.events != nil {
		s.events.RecordParentCanceled(ctx, parentID, flipped)
	}
	s.logger.Info("母单已取消", zap.String("parent_id", parentID), zap.Int("flipped", flipped))
	return flipped, nil
}

// Run 启动调度循环：先从账本恢复未终结母单，再等待最早触发事件。
// ctx 取消后正常返回。
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.recover(ctx); err != nil {
		return err
	}

	for {
		s.mu.Lock()
		var waitCh <-chan time.Time
		var timer *time.Timer
		if s.queue.Len() > 0 {
			now := time.Now()
			next := s.queue[0]
			if !next.at.After(now) {
				ev := heap.Pop(&s.queue).(fireEvent)
				s.mu.Unlock()
				s.dispatch(ctx, ev.parentID)
				continue
			}
			timer = time.NewTimer(next.at.Sub(now))
			waitCh = timer.C
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case <-waitCh:
		case <-s.wake:
			if timer != nil {
				timer.Stop()
			}
		}
	}
}

// recover 从账本重建触发队列。submitting 状态的切片走结果不明复核路径。
func (s *Scheduler) recover(ctx context.Context) error {
	parents, err := s.ledger.RecoverableParents(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, parent := range parents {
		children, err := s.ledger.ListChildren(ctx, parent.ID)
		if err != nil {
			return err
		}

		cursor := -1
		for i, c := range children {
			if !c.Status.Terminal() {
				cursor = i
				break
			}
		}
		if cursor < 0 {
			continue
		}

		at := children[cursor].ScheduledTime
		if at.Before(now) {
			at = now
		}

		s.mu.Lock()
		if _, ok := s.parents[parent.ID]; ok {
			s.mu.Unlock()
			continue
		}
		s.parents[parent.ID] = &parentRun{parent: parent, children: children, cursor: cursor}
		heap.Push(&s.queue, fireEvent{at: at, parentID: parent.ID})
		s.mu.Unlock()

		s.logger.Info("恢复未终结母单",
			zap.String("parent_id", parent.ID),
			zap.Int("cursor", cursor),
			zap.String("cursor_status", string(children[cursor].Status)),
		)
	}
	return nil
}

// dispatch 弹出触发事件后为母单当前切片申请工作槽并异步执行。
func (s *Scheduler) dispatch(ctx context.Context, parentID string) {
	s.mu.Lock()
	run, ok := s.parents[parentID]
	if !ok || run.inflight {
		s.mu.Unlock()
		return
	}
	if run.cursor >= len(run.children) {
		delete(s.parents, parentID)
		s.mu.Unlock()
		return
	}
	run.inflight = true
	parent := run.parent
	childID := run.children[run.cursor].ID
	attempts := run.attempts
	s.mu.Unlock()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.mu.Lock()
		run.inflight = false
		s.mu.Unlock()
		return
	}

	go func() {
		defer s.sem.Release(1)
		outcome := s.fireOnce(ctx, parent, childID, attempts)
		s.settle(parentID, outcome)
	}()
}

// fireOutcome 描述一次触发尝试的结果。
type fireOutcome struct {
	advance bool
	blocked bool
	retryAt time.Time
}

// settle 根据触发结果推进游标或重排同一切片。
func (s *Scheduler) settle(parentID string, outcome fireOutcome) {
	s.mu.Lock()
	run, ok := s.parents[parentID]
	if !ok {
		s.mu.Unlock()
		return
	}
	run.inflight = false

	if outcome.advance {
		run.cursor++
		run.attempts = 0
		if run.cursor >= len(run.children) {
			delete(s.parents, parentID)
			s.mu.Unlock()
			s.signal()
			return
		}
		// 追赶：调度时间已过的切片立即重新入队。
		at := run.children[run.cursor].ScheduledTime
		if now := time.Now(); at.Before(now) {
			at = now
		}
		heap.Push(&s.queue, fireEvent{at: at, parentID: parentID})
	} else {
		if outcome.blocked {
			run.attempts++
		}
		heap.Push(&s.queue, fireEvent{at: outcome.retryAt, parentID: parentID})
	}
	s.mu.Unlock()
	s.signal()
}

// fireOnce 对游标切片执行一次完整的触发尝试。
func (s *Scheduler) fireOnce(ctx context.Context, parent order.ParentOrder, childID string, attempts int) fireOutcome {
	child, err := s.ledger.GetChild(ctx, childID)
	if err != nil {
		s.logger.Error("读取子切片失败", zap.String("child_id", childID), zap.Error(err))
		return fireOutcome{retryAt: time.Now().Add(s.retry.MinDelay)}
	}

	switch child.Status {
	case order.ChildCanceled, order.ChildFilled, order.ChildFailed:
		// 取消或已终结的切片直接跳过，不提交。
		return fireOutcome{advance: true}
	case order.ChildSubmitted, order.ChildPartiallyFilled:
		return fireOutcome{advance: true}
	case order.ChildSubmitting:
		// 崩溃恢复：上次提交结果不明，必须先查询经纪商再决定。
		s.resolveAmbiguous(ctx, parent, child)
		return fireOutcome{advance: true}
	}

	// scheduled / blocked：先过安全联锁再提交。
	decision, err := s.gate.Allowed(ctx)
	if err != nil {
		s.logger.Warn("联锁查询失败，按拦截处理", zap.String("child_id", childID), zap.Error(err))
		decision = gate.Decision{Allowed: false, Reason: "联锁查询失败: " + err.Error()}
	}
	if !decision.Allowed {
		return s.handleBlocked(ctx, parent, child, attempts, decision.Reason)
	}

	if err := s.ledger.TransitionChild(ctx, childID, child.Status, order.ChildSubmitting, ""); err != nil {
		if errors.Is(err, ledger.ErrStaleTransition) {
			// 状态已被并发修改（例如取消），下一切片照常推进。
			return fireOutcome{advance: true}
		}
		s.logger.Error("切片进入提交态失败", zap.String("child_id", childID), zap.Error(err))
		return fireOutcome{retryAt: time.Now().Add(s.retry.MinDelay)}
	}
	child.Status = order.ChildSubmitting

	s.submit(ctx, parent, child)
	return fireOutcome{advance: true}
}

// handleBlocked 处理联锁拦截：指数退避重试，超出预算或超过计划窗口即终结。
func (s *Scheduler) handleBlocked(ctx context.Context, parent order.ParentOrder, child order.ChildSlice, attempts int, reason string) fireOutcome {
	now := time.Now()
	horizonEnd := parent.HorizonEnd()

	if attempts == 0 {
		if s.events != nil {
			s.events.RecordGateHalt(ctx, reason)
		}
		s.logger.Warn("切片被联锁拦截",
			zap.String("child_id", child.ID),
			zap.String("reason", reason),
		)
		if child.Status == order.ChildScheduled {
			if err := s.ledger.TransitionChild(ctx, child.ID, order.ChildScheduled, order.ChildBlocked, ""); err != nil &&
				!errors.Is(err, ledger.ErrStaleTransition) {
				s.logger.Error("切片进入拦截态失败", zap.String("child_id", child.ID), zap.Error(err))
			}
		}
	}

	if attempts+1 >= s.retry.MaxAttempts || !now.Before(horizonEnd) {
		if err := s.ledger.TransitionChild(ctx, child.ID, order.ChildBlocked, order.ChildFailed, order.FailReasonGateNeverCleared); err != nil &&
			!errors.Is(err, ledger.ErrStaleTransition) {
			s.logger.Error("切片终结失败", zap.String("child_id", child.ID), zap.Error(err))
		}
		child.Status = order.ChildFailed
		child.FailReason = order.FailReasonGateNeverCleared
		if s.events != nil {
			s.events.RecordSliceFailed(ctx, child, order.FailReasonGateNeverCleared)
		}
		s.logger.Warn("联锁始终未放行，切片终结",
			zap.String("child_id", child.ID),
			zap.Int("attempts", attempts+1),
		)
		return fireOutcome{advance: true}
	}

	delay := s.backoff(attempts)
	retryAt := now.Add(delay)
	if retryAt.After(horizonEnd) {
		retryAt = horizonEnd
	}
	return fireOutcome{blocked: true, retryAt: retryAt}
}

// backoff 返回第 attempts 次拦截后的退避时长，指数翻倍并封顶。
func (s *Scheduler) backoff(attempts int) time.Duration {
	delay := s.retry.MinDelay
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= s.retry.MaxDelay {
			return s.retry.MaxDelay
		}
	}
	if delay > s.retry.MaxDelay {
		delay = s.retry.MaxDelay
	}
	return delay
}

// submit 提交处于 submitting 态的切片并按提交结果推进状态。
func (s *Scheduler) submit(ctx context.Context, parent order.ParentOrder, child order.ChildSlice) {
	req := s.buildRequest(parent, child)

	submitCtx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
	ack, err := s.client.Submit(submitCtx, req)
	cancel()

	switch {
	case err == nil:
		s.markSubmitted(ctx, child, ack.BrokerRef)
	case errors.Is(err, broker.ErrRejected):
		s.failChild(ctx, child, order.FailReasonBrokerRejected, err)
	default:
		// 结果不明：绝不直接判定成败，必须先查询经纪商。
		s.logger.Warn("提交结果不明，转入复核",
			zap.String("child_id", child.ID),
			zap.Error(err),
		)
		s.resolveAmbiguous(ctx, parent, child)
	}
}

// resolveAmbiguous 复核结果不明的提交：
// 查到委托即确认 submitted；确认不存在则用同一幂等键重提一次；
// 复核预算耗尽仍无法确认时终结为 failed(ambiguous_outcome)。
func (s *Scheduler) resolveAmbiguous(ctx context.Context, parent order.ParentOrder, child order.ChildSlice) {
	req := s.buildRequest(parent, child)
	resubmitted := false

	for attempt := 0; attempt < s.cfg.StatusQueryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				s.failChild(ctx, child, order.FailReasonAmbiguousOutcome, ctx.Err())
				return
			case <-time.After(s.cfg.StatusQueryDelay):
			}
		}

		report, err := s.client.QueryStatus(ctx, req)
		if err != nil {
			s.logger.Warn("委托状态查询失败",
				zap.String("child_id", child.ID),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			continue
		}

		if report.Found {
			ref := report.BrokerRef
			if ref == "" {
				ref = child.ID
			}
			s.markSubmitted(ctx, child, ref)
			return
		}

		if resubmitted {
			continue
		}
		// 经纪商确认无此委托：同一幂等键重提一次，不会产生重复委托。
		resubmitted = true
		submitCtx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
		ack, serr := s.client.Submit(submitCtx, req)
		cancel()
		switch {
		case serr == nil:
			s.markSubmitted(ctx, child, ack.BrokerRef)
			return
		case errors.Is(serr, broker.ErrRejected):
			s.failChild(ctx, child, order.FailReasonBrokerRejected, serr)
			return
		default:
			s.logger.Warn("重提结果仍不明", zap.String("child_id", child.ID), zap.Error(serr))
		}
	}

	s.failChild(ctx, child, order.FailReasonAmbiguousOutcome, nil)
}

func (s *Scheduler) markSubmitted(ctx context.Context, child order.ChildSlice, brokerRef string) {
	if err := s.ledger.MarkSubmitted(ctx, child.ID, brokerRef); err != nil {
		// 成交回报可能先于回执落账（submitting→partially_filled），不算错误。
		if errors.Is(err, ledger.ErrStaleTransition) {
			s.logger.Debug("提交回执晚于成交回报", zap.String("child_id", child.ID))
			return
		}
		s.logger.Error("记录提交回执失败", zap.String("child_id", child.ID), zap.Error(err))
		return
	}
	child.Status = order.ChildSubmitted
	child.BrokerRef = brokerRef
	if s.events != nil {
		s.events.RecordSliceSubmitted(ctx, child)
	}
	s.logger.Info("切片提交确认",
		zap.String("child_id", child.ID),
		zap.String("broker_ref", brokerRef),
	)
}

func (s *Scheduler) failChild(ctx context.Context, child order.ChildSlice, reason string, cause error) {
	if err := s.ledger.TransitionChild(ctx, child.ID, order.ChildSubmitting, order.ChildFailed, reason); err != nil &&
		!errors.Is(err, ledger.ErrStaleTransition) {
		s.logger.Error("切片终结失败", zap.String("child_id", child.ID), zap.Error(err))
		return
	}
	child.Status = order.ChildFailed
	child.FailReason = reason
	if s.events != nil {
		s.events.RecordSliceFailed(ctx, child, reason)
	}
	s.logger.Warn("切片执行失败",
		zap.String("child_id", child.ID),
		zap.String("reason", reason),
		zap.Error(cause),
	)
}

func (s *Scheduler) buildRequest(parent order.ParentOrder, child order.ChildSlice) broker.Request {
	return broker.Request{
		ClientOrderID: child.ID,
		Symbol:        parent.Symbol,
		Side:          parent.Side,
		Qty:           child.Qty,
		OrderType:     s.exec.OrderType,
		LimitPrice:    parent.LimitPrice,
	}
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
