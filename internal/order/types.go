package order

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side 表示母单买卖方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid 判断方向取值是否合法。
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// ParentStatus 表示母单的聚合状态。
type ParentStatus string

const (
	ParentPlanned   ParentStatus = "planned"
	ParentActive    ParentStatus = "active"
	ParentCanceling ParentStatus = "canceling"
	ParentCompleted ParentStatus = "completed"
	ParentFailed    ParentStatus = "failed"
)

// ChildStatus 表示子单切片的状态机位置。
type ChildStatus string

const (
	ChildScheduled       ChildStatus = "scheduled"
	ChildBlocked         ChildStatus = "blocked"
	ChildSubmitting      ChildStatus = "submitting"
	ChildSubmitted       ChildStatus = "submitted"
	ChildPartiallyFilled ChildStatus = "partially_filled"
	ChildFilled          ChildStatus = "filled"
	ChildCanceled        ChildStatus = "canceled"
	ChildFailed          ChildStatus = "failed"
)

// Terminal 判断子单是否已进入终态。
func (s ChildStatus) Terminal() bool {
	switch s {
	case ChildFilled, ChildCanceled, ChildFailed:
		return true
	default:
		return false
	}
}

// 失败原因常量，写入 ChildSlice.FailReason 供上层报告。
const (
	FailReasonGateNeverCleared = "gate_never_cleared"
	FailReasonAmbiguousOutcome = "ambiguous_outcome"
	FailReasonBrokerRejected   = "broker_rejected"
)

// ParentOrder 描述一笔待切片执行的母单。
// LimitPrice 仅在限价执行形态下使用，市价执行时为零。
type ParentOrder struct {
	ID              string
	Symbol          string
	Side            Side
	TotalQty        decimal.Decimal
	LimitPrice      decimal.Decimal
	RequestedSlices int
	Horizon         time.Duration
	StartTime       time.Time
	Status          ParentStatus
}

// HorizonEnd 返回计划窗口的截止时刻。
func (p ParentOrder) HorizonEnd() time.Time {
	return p.StartTime.Add(p.Horizon)
}

// ChildSlice 描述母单拆分出的单个子切片。
type ChildSlice struct {
	ID            string
	ParentID      string
	SliceNum      int
	Qty           decimal.Decimal
	ScheduledTime time.Time
	Status        ChildStatus
	FilledQty     decimal.Decimal
	BrokerRef     string
	FailReason    string
}

// ChildID 由母单ID与切片序号确定性派生，作为幂等提交键。
func ChildID(parentID string, sliceNum int) string {
	return fmt.Sprintf("%s-%04d", parentID, sliceNum)
}

// FillEvent 表示经纪商回报的一笔成交。
type FillEvent struct {
	ChildID   string
	Qty       decimal.Decimal
	Price     decimal.Decimal
	FillID    string
	Timestamp time.Time
}
