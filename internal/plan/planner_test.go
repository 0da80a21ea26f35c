package plan

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"twap-engine/internal/order"
)

func basePlanParent(total string, slices int, horizon time.Duration) order.ParentOrder {
	return order.ParentOrder{
		ID:              "p1",
		Symbol:          "BTC/USDT",
		Side:            order.SideBuy,
		TotalQty:        decimal.RequireFromString(total),
		RequestedSlices: slices,
		Horizon:         horizon,
		StartTime:       time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Status:          order.ParentPlanned,
	}
}

func TestPlan_RejectsNonPositiveSliceCount(t *testing.T) {
	_, err := Plan(basePlanParent("10", 0, time.Hour))
	if !errors.Is(err, ErrInvalidPlanRequest) {
		t.Fatalf("expected ErrInvalidPlanRequest, got %v", err)
	}
	_, err = Plan(basePlanParent("10", -3, time.Hour))
	if !errors.Is(err, ErrInvalidPlanRequest) {
		t.Fatalf("expected ErrInvalidPlanRequest for negative count, got %v", err)
	}
}

func TestPlan_RejectsNonPositiveHorizon(t *testing.T) {
	_, err := Plan(basePlanParent("10", 3, 0))
	if !errors.Is(err, ErrInvalidPlanRequest) {
		t.Fatalf("expected ErrInvalidPlanRequest for zero horizon, got %v", err)
	}
}

func TestPlan_NonPositiveQtyYieldsEmptyPlan(t *testing.T) {
	for _, total := range []string{"0", "-5"} {
		slices, err := Plan(basePlanParent(total, 4, time.Hour))
		if err != nil {
			t.Fatalf("total=%s: unexpected error %v", total, err)
		}
		if len(slices) != 0 {
			t.Fatalf("total=%s: expected empty plan, got %d slices", total, len(slices))
		}
	}
}

func TestPlan_SmallIntegerQtyReducesSliceCount(t *testing.T) {
	// 场景A: total=3, requested=10 → 恰好3片，每片1。
	slices, err := Plan(basePlanParent("3", 10, time.Hour))
	if err != nil {
		t.Fatalf("Plan returned error: %v", err)
	}
	if len(slices) != 3 {
		t.Fatalf("expected 3 slices, got %d", len(slices))
	}
	for i, s := range slices {
		if !s.Qty.Equal(decimal.NewFromInt(1)) {
			t.Errorf("slice %d: expected qty=1, got %s", i, s.Qty)
		}
	}
}

func TestPlan_FrontLoadedRemainder(t *testing.T) {
	// 场景B: total=10, requested=3 → [4,3,3]，触发时刻为 t0, t0+h/3, t0+2h/3。
	horizon := 3 * time.Hour
	parent := basePlanParent("10", 3, horizon)
	slices, err := Plan(parent)
	if err != nil {
		t.Fatalf("Plan returned error: %v", err)
	}
	if len(slices) != 3 {
		t.Fatalf("expected 3 slices, got %d", len(slices))
	}

	wantQty := []int64{4, 3, 3}
	for i, s := range slices {
		if !s.Qty.Equal(decimal.NewFromInt(wantQty[i])) {
			t.Errorf("slice %d: expected qty=%d, got %s", i, wantQty[i], s.Qty)
		}
		wantTime := parent.StartTime.Add(time.Duration(i) * time.Hour)
		if !s.ScheduledTime.Equal(wantTime) {
			t.Errorf("slice %d: expected scheduled_time=%v, got %v", i, wantTime, s.ScheduledTime)
		}
	}
}

func TestPlan_DustFractionCollapsesToSingleSlice(t *testing.T) {
	// 场景C: total=0.5, requested=10 → 恰好1片 0.5。
	slices, err := Plan(basePlanParent("0.5", 10, time.Hour))
	if err != nil {
		t.Fatalf("Plan returned error: %v", err)
	}
	if len(slices) != 1 {
		t.Fatalf("expected single slice, got %d", len(slices))
	}
	if !slices[0].Qty.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("expected qty=0.5, got %s", slices[0].Qty)
	}
}

func TestPlan_ConservationAndMonotonicTimes(t *testing.T) {
	cases := []struct {
		total   string
		slices  int
		horizon time.Duration
	}{
		{"10", 3, time.Hour},
		{"100", 7, 30 * time.Minute},
		{"1", 5, time.Hour},
		{"2.5", 10, 2 * time.Hour},
		{"0.0001", 4, time.Hour},
		{"999999", 16, 8 * time.Hour},
		{"1.333333", 7, time.Hour},
	}

	for _, tc := range cases {
		parent := basePlanParent(tc.total, tc.slices, tc.horizon)
		slices, err := Plan(parent)
		if err != nil {
			t.Fatalf("total=%s slices=%d: Plan returned error: %v", tc.total, tc.slices, err)
		}
		if len(slices) == 0 || len(slices) > tc.slices {
			t.Fatalf("total=%s: effective slice count %d outside [1,%d]", tc.total, len(slices), tc.slices)
		}

		sum := decimal.Zero
		for i, s := range slices {
			sum = sum.Add(s.Qty)
			if s.SliceNum != i {
				t.Errorf("total=%s: slice %d has slice_num=%d", tc.total, i, s.SliceNum)
			}
			if s.ID != order.ChildID(parent.ID, i) {
				t.Errorf("total=%s: slice %d has non-deterministic id %s", tc.total, i, s.ID)
			}
			if i > 0 && !slices[i-1].ScheduledTime.Before(s.ScheduledTime) {
				t.Errorf("total=%s: scheduled_time not strictly increasing at slice %d", tc.total, i)
			}
		}
		if !sum.Equal(parent.TotalQty) {
			t.Errorf("total=%s: sum of slice qty %s != total %s", tc.total, sum, parent.TotalQty)
		}

		last := slices[len(slices)-1].ScheduledTime
		if last.After(parent.HorizonEnd()) {
			t.Errorf("total=%s: last scheduled_time %v beyond horizon end %v", tc.total, last, parent.HorizonEnd())
		}
	}
}

func TestPlan_Deterministic(t *testing.T) {
	parent := basePlanParent("7.77", 5, 90*time.Minute)
	first, err := Plan(parent)
	if err != nil {
		t.Fatalf("Plan returned error: %v", err)
	}
	second, err := Plan(parent)
	if err != nil {
		t.Fatalf("Plan returned error: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("slice count mismatch: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if !first[i].Qty.Equal(second[i].Qty) ||
			!first[i].ScheduledTime.Equal(second[i].ScheduledTime) ||
			first[i].ID != second[i].ID {
			t.Errorf("slice %d differs between identical plan calls", i)
		}
	}
}
