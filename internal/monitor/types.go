package monitor

import (
	"time"

	"twap-engine/internal/order"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventPlanCreated      EventType = "plan_created"
	EventSliceSubmitted   EventType = "slice_submitted"
	EventSliceFailed      EventType = "slice_failed"
	EventParentCanceled   EventType = "parent_canceled"
	EventReconcileAnomaly EventType = "reconcile_anomaly"
	EventGateHalt         EventType = "gate_halt"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// PlanCreatedPayload 记录切片计划落库。
type PlanCreatedPayload struct {
	Parent order.ParentOrder  `json:"parent"`
	Slices []order.ChildSlice `json:"slices"`
}

// SlicePayload 记录单个切片的提交或失败。
type SlicePayload struct {
	Child  order.ChildSlice `json:"child"`
	Reason string           `json:"reason,omitempty"`
}

// ParentCanceledPayload 记录母单取消。
type ParentCanceledPayload struct {
	ParentID string `json:"parent_id"`
	Flipped  int    `json:"flipped"`
}

// AnomalyPayload 记录对账异常，异常只上报不自动修正。
type AnomalyPayload struct {
	Fill    order.FillEvent `json:"fill"`
	Message string          `json:"message"`
}

// GateHaltPayload 记录安全联锁触发。
type GateHaltPayload struct {
	Reason string `json:"reason"`
}
