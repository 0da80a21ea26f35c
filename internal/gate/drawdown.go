package gate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"twap-engine/internal/config"
	"twap-engine/internal/store"
)

// DrawdownGate 以日内净值回撤作为安全联锁：
// 当日回撤超过上限即落库停闸，当日内保持拦截直至重置时刻翻日。
type DrawdownGate struct {
	db     *sql.DB
	cfg    config.GateConfig
	logger *zap.Logger
}

// Status 描述当日联锁状态。
type Status struct {
	TradingDate   string
	StartEquity   float64
	CurrentEquity float64
	LossPercent   float64
	Halted        bool
}

// NewDrawdownGate 创建回撤联锁并初始化表结构。
func NewDrawdownGate(st *store.Store, cfg config.GateConfig, logger *zap.Logger) (*DrawdownGate, error) {
	if st == nil {
		return nil, errors.New("gate: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &DrawdownGate{db: st.DB(), cfg: cfg, logger: logger}
	if err := g.initSchema(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *DrawdownGate) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS gate_daily_state (
			trading_date TEXT PRIMARY KEY,
			start_equity REAL NOT NULL,
			current_equity REAL NOT NULL,
			halted INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS gate_activity_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at TEXT NOT NULL,
			event_type TEXT NOT NULL,
			message TEXT NOT NULL,
			trading_date TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_gate_activity_date ON gate_activity_log(trading_date);`,
	}

	for _, stmt := range schema {
		if _, err := g.db.Exec(stmt); err != nil {
			return fmt.Errorf("gate: 初始化表结构失败: %w", err)
		}
	}
	return nil
}

// Allowed 查询当日是否允许提交。没有当日记录时默认放行。
func (g *DrawdownGate) Allowed(ctx context.Context) (Decision, error) {
	tradingDate := tradingDay(time.Now().UTC(), g.cfg.ResetHour)

	var haltedInt int
	row := g.db.QueryRowContext(ctx,
		`SELECT halted FROM gate_daily_state WHERE trading_date = ?`, tradingDate)
	switch err := row.Scan(&haltedInt); {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		return Decision{Allowed: true}, nil
	default:
		return Decision{}, fmt.Errorf("gate: 查询联锁状态失败: %w", err)
	}

	if haltedInt == 1 {
		return Decision{Allowed: false, Reason: fmt.Sprintf("当日回撤超限，%s 停止新提交", tradingDate)}, nil
	}
	return Decision{Allowed: true}, nil
}

// UpdateEquity 根据最新净值更新当日状态；回撤超过上限即停闸并返回最新状态。
// 净值由外部行情/账户接入方喂入，引擎本身不拉取净值，未接入时联锁维持开盘基准。
func (g *DrawdownGate) UpdateEquity(ctx context.Context, ts time.Time, equity float64) (Status, error) {
	var result Status

	tradingDate := tradingDay(ts, g.cfg.ResetHour)
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("gate: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var (
		startEquity float64
		haltedInt   int
	)

	row := tx.QueryRowContext(ctx, `SELECT start_equity, halted FROM gate_daily_state WHERE trading_date = ?`, tradingDate)
	switch scanErr := row.Scan(&startEquity, &haltedInt); {
	case scanErr == nil:
		if _, execErr := tx.ExecContext(ctx,
			`UPDATE gate_daily_state SET current_equity = ?, updated_at = ? WHERE trading_date = ?`,
			equity, now, tradingDate,
		); execErr != nil {
			err = fmt.Errorf("gate: 更新日度净值失败: %w", execErr)
			return result, err
		}
	case errors.Is(scanErr, sql.ErrNoRows):
		if _, execErr := tx.ExecContext(ctx,
			`INSERT INTO gate_daily_state (trading_date, start_equity, current_equity, halted, updated_at)
			 VALUES (?, ?, ?, 0, ?)`,
			tradingDate, equity, equity, now,
		); execErr != nil {
			err = fmt.Errorf("gate: 初始化日度净值失败: %w", execErr)
			return result, err
		}

		result = Status{
			TradingDate:   tradingDate,
			StartEquity:   equity,
			CurrentEquity: equity,
		}

		if commitErr := tx.Commit(); commitErr != nil {
			return result, fmt.Errorf("gate: 提交事务失败: %w", commitErr)
		}
		return result, nil
	default:
		err = fmt.Errorf("gate: 查询日度净值失败: %w", scanErr)
		return result, err
	}

	lossPercent := 0.0
	if startEquity > 0 {
		lossPercent = (equity - startEquity) / startEquity
	}
	halted := haltedInt == 1

	if !halted && startEquity > 0 && lossPercent <= -g.cfg.MaxDrawdown {
		halted = true
		if _, execErr := tx.ExecContext(ctx,
			`UPDATE gate_daily_state SET halted = 1, updated_at = ? WHERE trading_date = ?`,
			now, tradingDate,
		); execErr != nil {
			err = fmt.Errorf("gate: 更新停闸状态失败: %w", execErr)
			return result, err
		}

		msg := fmt.Sprintf("当日回撤%.2f%% 超过上限 %.2f%%，联锁停闸", -lossPercent*100, g.cfg.MaxDrawdown*100)
		if _, execErr := tx.ExecContext(ctx,
			`INSERT INTO gate_activity_log (occurred_at, event_type, message, trading_date)
			 VALUES (?, ?, ?, ?)`,
			now, "gate_halt", msg, tradingDate,
		); execErr != nil {
			err = fmt.Errorf("gate: 记录联锁事件失败: %w", execErr)
			return result, err
		}

		g.logger.Warn("触发回撤联锁", zap.String("trading_date", tradingDate), zap.Float64("loss_percent", lossPercent))
	}

	result = Status{
		TradingDate:   tradingDate,
		StartEquity:   startEquity,
		CurrentEquity: equity,
		LossPercent:   lossPercent,
		Halted:        halted,
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return result, fmt.Errorf("gate: 提交事务失败: %w", commitErr)
	}
	return result, nil
}

var _ Gate = (*DrawdownGate)(nil)

func tradingDay(ts time.Time, resetHour int) string {
	if resetHour < 0 || resetHour > 23 {
		resetHour = 0
	}
	utc := ts.UTC()
	shifted := utc.Add(-time.Duration(resetHour) * time.Hour)
	day := time.Date(shifted.Year(), shifted.Month(), shifted.Day(), 0, 0, 0, 0, time.UTC)
	return day.Format("2006-01-02")
}
