package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"twap-engine/internal/order"
	"twap-engine/internal/store"
)

var (
	// ErrParentNotFound 表示母单不存在。
	ErrParentNotFound = errors.New("ledger: 母单不存在")
	// ErrChildNotFound 表示子切片不存在，成交回报对账时即为未知子单异常。
	ErrChildNotFound = errors.New("ledger: 子切片不存在")
	// ErrStaleTransition 表示状态迁移的前置状态已失效。
	ErrStaleTransition = errors.New("ledger: 状态迁移前置条件不满足")
	// ErrDuplicateFill 表示 fill_id 已经应用过，重复投递直接忽略。
	ErrDuplicateFill = errors.New("ledger: 成交回报重复")
	// ErrOverfill 表示成交累计将超过切片数量，回报不予应用。
	ErrOverfill = errors.New("ledger: 成交数量超出切片数量")
	// ErrInvalidFill 表示成交数量非正。
	ErrInvalidFill = errors.New("ledger: 成交数量非法")
	// ErrStaleFill 表示切片状态不接受成交回报。
	ErrStaleFill = errors.New("ledger: 切片状态不接受成交")
)

// Ledger 是母单与子切片的唯一事实来源，调度器与对账器均可从其内容完整恢复。
type Ledger struct {
	db     *sql.DB
	logger *zap.Logger
}

// New 初始化账本并创建表结构。
func New(st *store.Store, logger *zap.Logger) (*Ledger, error) {
	if st == nil {
		return nil, errors.New("ledger: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	l := &Ledger{db: st.DB(), logger: logger}
	if err := l.initSchema(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS parent_orders (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			total_qty TEXT NOT NULL,
			limit_price TEXT NOT NULL DEFAULT '0',
			requested_slices INTEGER NOT NULL,
			horizon_ns INTEGER NOT NULL,
			start_time TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS child_slices (
			id TEXT PRIMARY KEY,
			parent_id TEXT NOT NULL REFERENCES parent_orders(id),
			slice_num INTEGER NOT NULL,
			qty TEXT NOT NULL,
			scheduled_time TEXT NOT NULL,
			status TEXT NOT NULL,
			filled_qty TEXT NOT NULL DEFAULT '0',
			broker_ref TEXT NOT NULL DEFAULT '',
			fail_reason TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL,
			UNIQUE (parent_id, slice_num)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_child_slices_parent ON child_slices(parent_id, slice_num);`,
		`CREATE TABLE IF NOT EXISTS fill_events (
			fill_id TEXT PRIMARY KEY,
			child_id TEXT NOT NULL,
			qty TEXT NOT NULL,
			price TEXT NOT NULL,
			event_time TEXT NOT NULL,
			applied_at TEXT NOT NULL
		);`,
	}

	for _, stmt := range schema {
		if _, err := l.db.Exec(stmt); err != nil {
			return fmt.Errorf("ledger: 初始化表结构失败: %w", err)
		}
	}
	return nil
}

// CreatePlan 在单个事务中写入母单及其全部子切片；不会留下部分计划。
// 空计划（总量非正）直接以 completed 状态落库，没有任何子切片。
func (l *Ledger) CreatePlan(ctx context.Context, parent order.ParentOrder, slices []order.ChildSlice) (err error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	status := order.ParentPlanned
	if len(slices) == 0 {
		status = order.ParentCompleted
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO parent_orders (id, symbol, side, total_qty, limit_price, requested_slices, horizon_ns, start_time, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		parent.ID, parent.Symbol, string(parent.Side), parent.TotalQty.String(),
		parent.LimitPrice.String(), parent.RequestedSlices, parent.Horizon.Nanoseconds(),
		parent.StartTime.UTC().Format(time.RFC3339Nano), string(status), now, now,
	); err != nil {
		return fmt.Errorf("ledger: 写入母单失败: %w", err)
	}

	for _, s := range slices {
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO child_slices (id, parent_id, slice_num, qty, scheduled_time, status, filled_qty, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, '0', ?)`,
			s.ID, s.ParentID, s.SliceNum, s.Qty.String(),
			s.ScheduledTime.UTC().Format(time.RFC3339Nano), string(s.Status), now,
		); err != nil {
			return fmt.Errorf("ledger: 写入子切片失败 (slice_num=%d): %w", s.SliceNum, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("ledger: 提交事务失败: %w", err)
	}
	return nil
}

// GetParent 读取母单。
func (l *Ledger) GetParent(ctx context.Context, parentID string) (order.ParentOrder, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT id, symbol, side, total_qty, limit_price, requested_slices, horizon_ns, start_time, status
		 FROM parent_orders WHERE id = ?`, parentID)
	return scanParent(row)
}

// GetChild 读取子切片。
func (l *Ledger) GetChild(ctx context.Context, childID string) (order.ChildSlice, error) {
	row := l.db.QueryRowContext(ctx, childSelect+` WHERE id = ?`, childID)
	return scanChild(row)
}

// ListChildren 按 slice_num 升序返回母单的全部子切片。
func (l *Ledger) ListChildren(ctx context.Context, parentID string) ([]order.ChildSlice, error) {
	rows, err := l.db.QueryContext(ctx, childSelect+` WHERE parent_id = ? ORDER BY slice_num`, parentID)
	if err != nil {
		return nil, fmt.Errorf("ledger: 查询子切片失败: %w", err)
	}
	defer rows.Close()

	children := make([]order.ChildSlice, 0, 8)
	for rows.Next() {
		child, scanErr := scanChild(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		children = append(children, child)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: 读取子切片失败: %w", err)
	}
	return children, nil
}

// RecoverableParents 返回尚未终结的母单，供调度器重启后重建触发队列。
func (l *Ledger) RecoverableParents(ctx context.Context) ([]order.ParentOrder, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, symbol, side, total_qty, limit_price, requested_slices, horizon_ns, start_time, status
		 FROM parent_orders WHERE status IN (?, ?, ?) ORDER BY created_at`,
		string(order.ParentPlanned), string(order.ParentActive), string(order.ParentCanceling))
	if err != nil {
		return nil, fmt.Errorf("ledger: 查询待恢复母单失败: %w", err)
	}
	defer rows.Close()

	parents := make([]order.ParentOrder, 0, 4)
	for rows.Next() {
		parent, scanErr := scanParent(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		parents = append(parents, parent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: 读取待恢复母单失败: %w", err)
	}
	return parents, nil
}

// TransitionChild 执行受保护的状态迁移：当前状态必须等于 from，否则返回 ErrStaleTransition。
// 迁移与母单聚合状态重算在同一事务中完成。
func (l *Ledger) TransitionChild(ctx context.Context, childID string, from, to order.ChildStatus, failReason string) (err error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`UPDATE child_slices SET status = ?, fail_reason = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), failReason, time.Now().UTC().Format(time.RFC3339Nano), childID, string(from),
	)
	if err != nil {
		return fmt.Errorf("ledger: 更新子切片状态失败: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: 读取更新结果失败: %w", err)
	}
	if affected == 0 {
		err = fmt.Errorf("%w: child=%s %s→%s", ErrStaleTransition, childID, from, to)
		return err
	}

	if err = l.recomputeParentTx(ctx, tx, childID); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("ledger: 提交事务失败: %w", err)
	}
	return nil
}

// MarkSubmitted 将 submitting 的切片置为 submitted 并记录经纪商回执号。
func (l *Ledger) MarkSubmitted(ctx context.Context, childID, brokerRef string) (err error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`UPDATE child_slices SET status = ?, broker_ref = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(order.ChildSubmitted), brokerRef, time.Now().UTC().Format(time.RFC3339Nano),
		childID, string(order.ChildSubmitting),
	)
	if err != nil {
		return fmt.Errorf("ledger: 记录提交回执失败: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: 读取更新结果失败: %w", err)
	}
	if affected == 0 {
		err = fmt.Errorf("%w: child=%s submitting→submitted", ErrStaleTransition, childID)
		return err
	}

	if err = l.recomputeParentTx(ctx, tx, childID); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("ledger: 提交事务失败: %w", err)
	}
	return nil
}

// CancelParent 原子地将母单下所有尚未触发的切片置为 canceled。
// 已进入 submitting/submitted 的切片不受影响，继续追踪其自然终态。
// 返回被取消的切片数量。
func (l *Ledger) CancelParent(ctx context.Context, parentID string) (flipped int, err error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("ledger: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var exists int
	if err = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM parent_orders WHERE id = ?`, parentID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("ledger: 查询母单失败: %w", err)
	}
	if exists == 0 {
		err = fmt.Errorf("%w: %s", ErrParentNotFound, parentID)
		return 0, err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := tx.ExecContext(ctx,
		`UPDATE child_slices SET status = ?, updated_at = ? WHERE parent_id = ? AND status IN (?, ?)`,
		string(order.ChildCanceled), now, parentID,
		string(order.ChildScheduled), string(order.ChildBlocked),
	)
	if err != nil {
		return 0, fmt.Errorf("ledger: 取消子切片失败: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("ledger: 读取更新结果失败: %w", err)
	}

	children, err := l.listChildrenTx(ctx, tx, parentID)
	if err != nil {
		return 0, err
	}
	status := AggregateStatus(children)
	if status == order.ParentPlanned || status == order.ParentActive {
		status = order.ParentCanceling
	}
	if _, err = tx.ExecContext(ctx,
		`UPDATE parent_orders SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), now, parentID,
	); err != nil {
		return 0, fmt.Errorf("ledger: 更新母单状态失败: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("ledger: 提交事务失败: %w", err)
	}
	return int(affected), nil
}

// FillResult 描述一次成交回报应用后的子切片状态。
type FillResult struct {
	Child        order.ChildSlice
	ParentStatus order.ParentStatus
}

// ApplyFill 在单个事务中应用一笔成交回报：
// fill_id 去重、超额校验、filled_qty 递增、子单与母单状态推进。
// 超额或未知子单的回报不落任何状态，原样返回错误由上层作为异常上报。
func (l *Ledger) ApplyFill(ctx context.Context, ev order.FillEvent) (result FillResult, err error) {
	if ev.Qty.Sign() <= 0 {
		return result, fmt.Errorf("%w: fill_id=%s qty=%s", ErrInvalidFill, ev.FillID, ev.Qty)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("ledger: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	// 去重先于状态校验：已入账的 fill_id 重复投递时，
	// 即使切片早已终结也按重复吸收，绝不误报异常。
	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO fill_events (fill_id, child_id, qty, price, event_time, applied_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.FillID, ev.ChildID, ev.Qty.String(), ev.Price.String(),
		ev.Timestamp.UTC().Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return result, fmt.Errorf("ledger: 写入成交记录失败: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return result, fmt.Errorf("ledger: 读取写入结果失败: %w", err)
	}
	if inserted == 0 {
		err = fmt.Errorf("%w: fill_id=%s", ErrDuplicateFill, ev.FillID)
		return result, err
	}

	child, err := scanChild(tx.QueryRowContext(ctx, childSelect+` WHERE id = ?`, ev.ChildID))
	if err != nil {
		if errors.Is(err, ErrChildNotFound) {
			err = fmt.Errorf("%w: child=%s fill_id=%s", ErrChildNotFound, ev.ChildID, ev.FillID)
		}
		return result, err
	}

	switch child.Status {
	case order.ChildSubmitting, order.ChildSubmitted, order.ChildPartiallyFilled:
	default:
		err = fmt.Errorf("%w: child=%s status=%s fill_id=%s", ErrStaleFill, ev.ChildID, child.Status, ev.FillID)
		return result, err
	}

	newFilled := child.FilledQty.Add(ev.Qty)
	if newFilled.GreaterThan(child.Qty) {
		// 回滚使成交记录一并失效，重复投递时异常会再次暴露而非被吞掉。
		err = fmt.Errorf("%w: child=%s filled=%s+%s qty=%s fill_id=%s",
			ErrOverfill, ev.ChildID, child.FilledQty, ev.Qty, child.Qty, ev.FillID)
		return result, err
	}

	newStatus := order.ChildPartiallyFilled
	if newFilled.Equal(child.Qty) {
		newStatus = order.ChildFilled
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE child_slices SET filled_qty = ?, status = ?, updated_at = ? WHERE id = ?`,
		newFilled.String(), string(newStatus), now.Format(time.RFC3339Nano), ev.ChildID,
	); err != nil {
		return result, fmt.Errorf("ledger: 更新成交数量失败: %w", err)
	}

	parentStatus, err := l.recomputeParentStatusTx(ctx, tx, child.ParentID)
	if err != nil {
		return result, err
	}

	if err = tx.Commit(); err != nil {
		return result, fmt.Errorf("ledger: 提交事务失败: %w", err)
	}

	child.FilledQty = newFilled
	child.Status = newStatus
	return FillResult{Child: child, ParentStatus: parentStatus}, nil
}

// AggregateView 是由子切片状态推导出的母单聚合视图。
type AggregateView struct {
	ParentID        string
	SlicesTotal     int
	SlicesSubmitted int
	FilledQty       decimal.Decimal
	Status          order.ParentStatus
}

// Aggregate 重新计算母单聚合视图，永远从子切片状态推导，不单独存储。
func (l *Ledger) Aggregate(ctx context.Context, parentID string) (AggregateView, error) {
	children, err := l.ListChildren(ctx, parentID)
	if err != nil {
		return AggregateView{}, err
	}

	view := AggregateView{
		ParentID:    parentID,
		SlicesTotal: len(children),
		FilledQty:   decimal.Zero,
		Status:      AggregateStatus(children),
	}
	for _, c := range children {
		view.FilledQty = view.FilledQty.Add(c.FilledQty)
		switch c.Status {
		case order.ChildSubmitted, order.ChildPartiallyFilled, order.ChildFilled:
			view.SlicesSubmitted++
		}
	}
	return view, nil
}

// AggregateStatus 是母单聚合状态的纯函数定义：
// 所有子单终态 → completed（全部失败且无成交时为 failed）；
// 任一子单处于 submitting/submitted/partially_filled → active；其余 → planned。
func AggregateStatus(children []order.ChildSlice) order.ParentStatus {
	if len(children) == 0 {
		return order.ParentCompleted
	}

	allTerminal := true
	anyActive := false
	anyFailed := false
	filled := decimal.Zero

	for _, c := range children {
		if !c.Status.Terminal() {
			allTerminal = false
		}
		switch c.Status {
		case order.ChildSubmitting, order.ChildSubmitted, order.ChildPartiallyFilled:
			anyActive = true
		case order.ChildFailed:
			anyFailed = true
		}
		filled = filled.Add(c.FilledQty)
	}

	if allTerminal {
		if anyFailed && filled.IsZero() {
			return order.ParentFailed
		}
		return order.ParentCompleted
	}
	if anyActive {
		return order.ParentActive
	}
	return order.ParentPlanned
}

func (l *Ledger) recomputeParentTx(ctx context.Context, tx *sql.Tx, childID string) error {
	var parentID string
	if err := tx.QueryRowContext(ctx, `SELECT parent_id FROM child_slices WHERE id = ?`, childID).Scan(&parentID); err != nil {
		return fmt.Errorf("ledger: 查询母单ID失败: %w", err)
	}
	_, err := l.recomputeParentStatusTx(ctx, tx, parentID)
	return err
}

func (l *Ledger) recomputeParentStatusTx(ctx context.Context, tx *sql.Tx, parentID string) (order.ParentStatus, error) {
	children, err := l.listChildrenTx(ctx, tx, parentID)
	if err != nil {
		return "", err
	}

	var stored string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM parent_orders WHERE id = ?`, parentID).Scan(&stored); err != nil {
		return "", fmt.Errorf("ledger: 查询母单状态失败: %w", err)
	}

	status := AggregateStatus(children)
	// 取消中的母单在尚有未终结子单时保持 canceling。
	if order.ParentStatus(stored) == order.ParentCanceling &&
		(status == order.ParentPlanned || status == order.ParentActive) {
		status = order.ParentCanceling
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE parent_orders SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC().Format(time.RFC3339Nano), parentID,
	); err != nil {
		return "", fmt.Errorf("ledger: 更新母单状态失败: %w", err)
	}
	return status, nil
}

func (l *Ledger) listChildrenTx(ctx context.Context, tx *sql.Tx, parentID string) ([]order.ChildSlice, error) {
	rows, err := tx.QueryContext(ctx, childSelect+` WHERE parent_id = ? ORDER BY slice_num`, parentID)
	if err != nil {
		return nil, fmt.Errorf("ledger: 查询子切片失败: %w", err)
	}
	defer rows.Close()

	children := make([]order.ChildSlice, 0, 8)
	for rows.Next() {
		child, scanErr := scanChild(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		children = append(children, child)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: 读取子切片失败: %w", err)
	}
	return children, nil
}

const childSelect = `SELECT id, parent_id, slice_num, qty, scheduled_time, status, filled_qty, broker_ref, fail_reason FROM child_slices`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanChild(row rowScanner) (order.ChildSlice, error) {
	var (
		c         order.ChildSlice
		qty       string
		scheduled string
		status    string
		filled    string
	)
	err := row.Scan(&c.ID, &c.ParentID, &c.SliceNum, &qty, &scheduled, &status, &filled, &c.BrokerRef, &c.FailReason)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrChildNotFound
	}
	if err != nil {
		return c, fmt.Errorf("ledger: 解析子切片失败: %w", err)
	}

	if c.Qty, err = decimal.NewFromString(qty); err != nil {
		return c, fmt.Errorf("ledger: 解析切片数量失败: %w", err)
	}
	if c.FilledQty, err = decimal.NewFromString(filled); err != nil {
		return c, fmt.Errorf("ledger: 解析成交数量失败: %w", err)
	}
	if c.ScheduledTime, err = time.Parse(time.RFC3339Nano, scheduled); err != nil {
		return c, fmt.Errorf("ledger: 解析触发时间失败: %w", err)
	}
	c.Status = order.ChildStatus(status)
	return c, nil
}

func scanParent(row rowScanner) (order.ParentOrder, error) {
	var (
		p          order.ParentOrder
		side       string
		totalQty   string
		limitPrice string
		horizonNS  int64
		startTime  string
		status     string
	)
	err := row.Scan(&p.ID, &p.Symbol, &side, &totalQty, &limitPrice, &p.RequestedSlices, &horizonNS, &startTime, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrParentNotFound
	}
	if err != nil {
		return p, fmt.Errorf("ledger: 解析母单失败: %w", err)
	}

	if p.TotalQty, err = decimal.NewFromString(totalQty); err != nil {
		return p, fmt.Errorf("ledger: 解析母单数量失败: %w", err)
	}
	if p.LimitPrice, err = decimal.NewFromString(limitPrice); err != nil {
		return p, fmt.Errorf("ledger: 解析限价失败: %w", err)
	}
	if p.StartTime, err = time.Parse(time.RFC3339Nano, startTime); err != nil {
		return p, fmt.Errorf("ledger: 解析起始时间失败: %w", err)
	}
	p.Side = order.Side(side)
	p.Horizon = time.Duration(horizonNS)
	p.Status = order.ParentStatus(status)
	return p, nil
}
