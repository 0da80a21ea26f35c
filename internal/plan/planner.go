package plan

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"twap-engine/internal/order"
)

var (
	// ErrInvalidPlanRequest 表示母单参数不合法，拒绝整个请求。
	ErrInvalidPlanRequest = errors.New("plan: 切片请求参数不合法")
	// ErrPlanDefect 表示切片结果未能精确守恒，属于内部缺陷，计划不得落库。
	ErrPlanDefect = errors.New("plan: 切片数量守恒校验失败")
)

// Plan 将母单确定性地拆分为带绝对触发时间的子切片序列。
// 相同输入必然产生相同输出；所有切片数量之和与母单总量精确相等。
func Plan(parent order.ParentOrder) ([]order.ChildSlice, error) {
	if parent.RequestedSlices <= 0 {
		return nil, fmt.Errorf("%w: requested_slices=%d", ErrInvalidPlanRequest, parent.RequestedSlices)
	}
	// 窗口必须为正，否则触发时间无法严格递增。
	if parent.Horizon <= 0 {
		return nil, fmt.Errorf("%w: horizon=%s", ErrInvalidPlanRequest, parent.Horizon)
	}

	// 总量非正视为空计划，而非错误。
	if parent.TotalQty.Sign() <= 0 {
		return []order.ChildSlice{}, nil
	}

	count := effectiveSliceCount(parent.TotalQty, parent.RequestedSlices)
	interval := parent.Horizon / time.Duration(count)

	var slices []order.ChildSlice
	if parent.TotalQty.IsInteger() {
		slices = planInteger(parent, count, interval)
	} else {
		slices = planFractional(parent, count, interval)
	}

	sum := decimal.Zero
	for _, s := range slices {
		sum = sum.Add(s.Qty)
	}
	if !sum.Equal(parent.TotalQty) {
		return nil, fmt.Errorf("%w: sum=%s total=%s", ErrPlanDefect, sum, parent.TotalQty)
	}

	return slices, nil
}

// effectiveSliceCount 缩减切片数以避免零量切片与碎量：
// 整数总量小于请求切片数时退化为总量本身；小于1的小数总量只切一片。
func effectiveSliceCount(totalQty decimal.Decimal, requested int) int {
	if totalQty.IsInteger() {
		if totalQty.LessThan(decimal.NewFromInt(int64(requested))) {
			return int(totalQty.IntPart())
		}
		return requested
	}
	if totalQty.LessThan(decimal.NewFromInt(1)) {
		return 1
	}
	return requested
}

// planInteger 走纯整数路径：base = floor(total/count)，余数前置，保证精确守恒。
func planInteger(parent order.ParentOrder, count int, interval time.Duration) []order.ChildSlice {
	total := parent.TotalQty.IntPart()
	base := total / int64(count)
	remainder := total - base*int64(count)

	slices := make([]order.ChildSlice, 0, count)
	for i := 0; i < count; i++ {
		qty := base
		if int64(i) < remainder {
			qty = base + 1
		}
		slices = append(slices, newSlice(parent, i, decimal.NewFromInt(qty), interval))
	}
	return slices
}

// planFractional 前 count-1 片均分，最后一片吸收除法舍入误差。
func planFractional(parent order.ParentOrder, count int, interval time.Duration) []order.ChildSlice {
	per := parent.TotalQty.Div(decimal.NewFromInt(int64(count)))

	slices := make([]order.ChildSlice, 0, count)
	allocated := decimal.Zero
	for i := 0; i < count; i++ {
		qty := per
		if i == count-1 {
			qty = parent.TotalQty.Sub(allocated)
		}
		allocated = allocated.Add(qty)
		slices = append(slices, newSlice(parent, i, qty, interval))
	}
	return slices
}

func newSlice(parent order.ParentOrder, num int, qty decimal.Decimal, interval time.Duration) order.ChildSlice {
	return order.ChildSlice{
		ID:       order.ChildID(parent.ID, num),
		ParentID: parent.ID,
		SliceNum: num,
		Qty:      qty,
		// 始终基于绝对起点计算，避免逐步累加造成的时间漂移。
		ScheduledTime: parent.StartTime.Add(interval * time.Duration(num)),
		Status:        order.ChildScheduled,
		FilledQty:     decimal.Zero,
	}
}
