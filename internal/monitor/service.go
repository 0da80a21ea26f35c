package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"twap-engine/internal/order"
	"twap-engine/internal/store"
)

// Service 负责持久化执行过程中的监控事件与对账异常。
// 记录失败只告警不阻断主流程。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService 初始化监控服务，创建所需表结构。
func NewService(st *store.Store, logger *zap.Logger) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{db: st.DB(), logger: logger}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS monitor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, payload, created_at) VALUES (?, ?, ?)`,
		string(event.Type), string(payload), event.Timestamp.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

// RecordPlanCreated 记录切片计划落库。
func (s *Service) RecordPlanCreated(ctx context.Context, parent order.ParentOrder, slices []order.ChildSlice) {
	if err := s.Record(ctx, Event{
		Type:      EventPlanCreated,
		Timestamp: time.Now().UTC(),
		Payload:   PlanCreatedPayload{Parent: parent, Slices: slices},
	}); err != nil {
		s.logger.Warn("记录计划事件失败", zap.Error(err))
	}
}

// RecordSliceSubmitted 记录切片提交成功。
func (s *Service) RecordSliceSubmitted(ctx context.Context, child order.ChildSlice) {
	if err := s.Record(ctx, Event{
		Type:      EventSliceSubmitted,
		Timestamp: time.Now().UTC(),
		Payload:   SlicePayload{Child: child},
	}); err != nil {
		s.logger.Warn("记录提交事件失败", zap.Error(err))
	}
}

// RecordSliceFailed 记录切片失败及原因。
func (s *Service) RecordSliceFailed(ctx context.Context, child order.ChildSlice, reason string) {
	if err := s.Record(ctx, Event{
		Type:      EventSliceFailed,
		Timestamp: time.Now().UTC(),
		Payload:   SlicePayload{Child: child, Reason: reason},
	}); err != nil {
		s.logger.Warn("记录失败事件失败", zap.Error(err))
	}
}

// RecordParentCanceled 记录母单取消。
func (s *Service) RecordParentCanceled(ctx context.Context, parentID string, flipped int) {
	if err := s.Record(ctx, Event{
		Type:      EventParentCanceled,
		Timestamp: time.Now().UTC(),
		Payload:   ParentCanceledPayload{ParentID: parentID, Flipped: flipped},
	}); err != nil {
		s.logger.Warn("记录取消事件失败", zap.Error(err))
	}
}

// RecordAnomaly 记录对账异常。
func (s *Service) RecordAnomaly(ctx context.Context, fill order.FillEvent, message string) {
	if err := s.Record(ctx, Event{
		Type:      EventReconcileAnomaly,
		Timestamp: time.Now().UTC(),
		Payload:   AnomalyPayload{Fill: fill, Message: message},
	}); err != nil {
		s.logger.Warn("记录对账异常失败", zap.Error(err))
	}
}

// RecordGateHalt 记录安全联锁触发。
func (s *Service) RecordGateHalt(ctx context.Context, reason string) {
	if err := s.Record(ctx, Event{
		Type:      EventGateHalt,
		Timestamp: time.Now().UTC(),
		Payload:   GateHaltPayload{Reason: reason},
	}); err != nil {
		s.logger.Warn("记录联锁事件失败", zap.Error(err))
	}
}

// ListEvents 按类型检索最近事件。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT event_type, payload, created_at FROM monitor_events`
	args := make([]interface{}, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			typ     string
			payload string
			created string
		)
		if scanErr := rows.Scan(&typ, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339, created)
		if parseErr != nil {
			ts = time.Now().UTC()
		}

		events = append(events, Event{
			Type:      EventType(typ),
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}
