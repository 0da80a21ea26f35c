package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"twap-engine/internal/config"
	"twap-engine/internal/order"
	"twap-engine/internal/plan"
	"twap-engine/internal/store"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()

	st, err := store.NewSQLite(config.DatabaseConfig{
		InMemory:     true,
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	l, err := New(st, nil)
	if err != nil {
		t.Fatalf("init ledger: %v", err)
	}
	return l
}

func testParent(id, total string, slices int) order.ParentOrder {
	return order.ParentOrder{
		ID:              id,
		Symbol:          "ETH/USDT",
		Side:            order.SideBuy,
		TotalQty:        decimal.RequireFromString(total),
		RequestedSlices: slices,
		Horizon:         time.Hour,
		StartTime:       time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Status:          order.ParentPlanned,
	}
}

func mustPlanAndCreate(t *testing.T, l *Ledger, parent order.ParentOrder) []order.ChildSlice {
	t.Helper()
	slices, err := plan.Plan(parent)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if err := l.CreatePlan(context.Background(), parent, slices); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	return slices
}

func TestCreatePlan_RoundTrip(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	parent := testParent("p1", "10", 3)
	parent.LimitPrice = decimal.RequireFromString("123.45")
	planned := mustPlanAndCreate(t, l, parent)

	got, err := l.GetParent(ctx, "p1")
	if err != nil {
		t.Fatalf("get parent: %v", err)
	}
	if got.Status != order.ParentPlanned {
		t.Errorf("expected planned parent, got %s", got.Status)
	}
	if !got.TotalQty.Equal(parent.TotalQty) {
		t.Errorf("total qty mismatch: %s vs %s", got.TotalQty, parent.TotalQty)
	}
	if got.Horizon != parent.Horizon {
		t.Errorf("horizon mismatch: %v vs %v", got.Horizon, parent.Horizon)
	}
	if !got.LimitPrice.Equal(parent.LimitPrice) {
		t.Errorf("limit price mismatch: %s vs %s", got.LimitPrice, parent.LimitPrice)
	}

	children, err := l.ListChildren(ctx, "p1")
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	if len(children) != len(planned) {
		t.Fatalf("expected %d children, got %d", len(planned), len(children))
	}
	for i, c := range children {
		if c.SliceNum != i {
			t.Errorf("child %d: slice_num=%d", i, c.SliceNum)
		}
		if !c.Qty.Equal(planned[i].Qty) {
			t.Errorf("child %d: qty=%s want %s", i, c.Qty, planned[i].Qty)
		}
		if !c.ScheduledTime.Equal(planned[i].ScheduledTime) {
			t.Errorf("child %d: scheduled_time=%v want %v", i, c.ScheduledTime, planned[i].ScheduledTime)
		}
		if c.Status != order.ChildScheduled {
			t.Errorf("child %d: status=%s", i, c.Status)
		}
	}
}

func TestCreatePlan_EmptyPlanCompletesImmediately(t *testing.T) {
	l := newTestLedger(t)
	parent := testParent("p-empty", "0", 5)
	mustPlanAndCreate(t, l, parent)

	got, err := l.GetParent(context.Background(), "p-empty")
	if err != nil {
		t.Fatalf("get parent: %v", err)
	}
	if got.Status != order.ParentCompleted {
		t.Errorf("expected completed for empty plan, got %s", got.Status)
	}
}

func TestTransitionChild_GuardsStaleState(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	mustPlanAndCreate(t, l, testParent("p2", "4", 2))

	childID := order.ChildID("p2", 0)
	if err := l.TransitionChild(ctx, childID, order.ChildScheduled, order.ChildSubmitting, ""); err != nil {
		t.Fatalf("scheduled→submitting: %v", err)
	}

	err := l.TransitionChild(ctx, childID, order.ChildScheduled, order.ChildSubmitting, "")
	if !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("expected ErrStaleTransition, got %v", err)
	}

	parent, err := l.GetParent(ctx, "p2")
	if err != nil {
		t.Fatalf("get parent: %v", err)
	}
	if parent.Status != order.ParentActive {
		t.Errorf("expected active parent after submitting child, got %s", parent.Status)
	}
}

func TestMarkSubmitted_RecordsBrokerRef(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	mustPlanAndCreate(t, l, testParent("p3", "4", 2))

	childID := order.ChildID("p3", 0)
	if err := l.TransitionChild(ctx, childID, order.ChildScheduled, order.ChildSubmitting, ""); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := l.MarkSubmitted(ctx, childID, "broker-42"); err != nil {
		t.Fatalf("mark submitted: %v", err)
	}

	child, err := l.GetChild(ctx, childID)
	if err != nil {
		t.Fatalf("get child: %v", err)
	}
	if child.Status != order.ChildSubmitted {
		t.Errorf("expected submitted, got %s", child.Status)
	}
	if child.BrokerRef != "broker-42" {
		t.Errorf("expected broker_ref=broker-42, got %q", child.BrokerRef)
	}
}

func TestCancelParent_FlipsOnlyUnfiredSlices(t *testing.T) {
	// 场景D: 5片母单，前2片已提交后取消 → [submitted, submitted, canceled, canceled, canceled]。
	l := newTestLedger(t)
	ctx := context.Background()
	mustPlanAndCreate(t, l, testParent("p4", "5", 5))

	for i := 0; i < 2; i++ {
		childID := order.ChildID("p4", i)
		if err := l.TransitionChild(ctx, childID, order.ChildScheduled, order.ChildSubmitting, ""); err != nil {
			t.Fatalf("slice %d transition: %v", i, err)
		}
		if err := l.MarkSubmitted(ctx, childID, "ref"); err != nil {
			t.Fatalf("slice %d submit: %v", i, err)
		}
	}

	flipped, err := l.CancelParent(ctx, "p4")
	if err != nil {
		t.Fatalf("cancel parent: %v", err)
	}
	if flipped != 3 {
		t.Fatalf("expected 3 canceled slices, got %d", flipped)
	}

	children, err := l.ListChildren(ctx, "p4")
	if err != nil {
		t.Fatalf("list children: %v", err)
	}
	want := []order.ChildStatus{
		order.ChildSubmitted, order.ChildSubmitted,
		order.ChildCanceled, order.ChildCanceled, order.ChildCanceled,
	}
	for i, c := range children {
		if c.Status != want[i] {
			t.Errorf("child %d: status=%s want %s", i, c.Status, want[i])
		}
	}

	parent, err := l.GetParent(ctx, "p4")
	if err != nil {
		t.Fatalf("get parent: %v", err)
	}
	if parent.Status != order.ParentCanceling {
		t.Errorf("expected canceling parent while submitted slices in flight, got %s", parent.Status)
	}

	// 在途切片走到终态后，母单收敛到 completed。
	for i := 0; i < 2; i++ {
		childID := order.ChildID("p4", i)
		_, err := l.ApplyFill(ctx, order.FillEvent{
			ChildID:   childID,
			Qty:       decimal.NewFromInt(1),
			Price:     decimal.NewFromInt(100),
			FillID:    "fill-" + childID,
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("fill slice %d: %v", i, err)
		}
	}

	parent, err = l.GetParent(ctx, "p4")
	if err != nil {
		t.Fatalf("get parent: %v", err)
	}
	if parent.Status != order.ParentCompleted {
		t.Errorf("expected completed after in-flight slices terminated, got %s", parent.Status)
	}
}

func submitSlice(t *testing.T, l *Ledger, childID string) {
	t.Helper()
	ctx := context.Background()
	if err := l.TransitionChild(ctx, childID, order.ChildScheduled, order.ChildSubmitting, ""); err != nil {
		t.Fatalf("transition %s: %v", childID, err)
	}
	if err := l.MarkSubmitted(ctx, childID, "ref-"+childID); err != nil {
		t.Fatalf("submit %s: %v", childID, err)
	}
}

func TestApplyFill_PartialThenFull(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	mustPlanAndCreate(t, l, testParent("p5", "10", 1))
	childID := order.ChildID("p5", 0)
	submitSlice(t, l, childID)

	result, err := l.ApplyFill(ctx, order.FillEvent{
		ChildID: childID, Qty: decimal.NewFromInt(4), Price: decimal.NewFromInt(100),
		FillID: "f1", Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("first fill: %v", err)
	}
	if result.Child.Status != order.ChildPartiallyFilled {
		t.Errorf("expected partially_filled, got %s", result.Child.Status)
	}
	if !result.Child.FilledQty.Equal(decimal.NewFromInt(4)) {
		t.Errorf("expected filled=4, got %s", result.Child.FilledQty)
	}
	if result.ParentStatus != order.ParentActive {
		t.Errorf("expected active parent, got %s", result.ParentStatus)
	}

	result, err = l.ApplyFill(ctx, order.FillEvent{
		ChildID: childID, Qty: decimal.NewFromInt(6), Price: decimal.NewFromInt(101),
		FillID: "f2", Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("second fill: %v", err)
	}
	if result.Child.Status != order.ChildFilled {
		t.Errorf("expected filled, got %s", result.Child.Status)
	}
	if result.ParentStatus != order.ParentCompleted {
		t.Errorf("expected completed parent, got %s", result.ParentStatus)
	}
}

func TestApplyFill_DuplicateFillAppliedOnce(t *testing.T) {
	// 场景E: 同一 fill_id 投递两次只累计一次。
	l := newTestLedger(t)
	ctx := context.Background()
	mustPlanAndCreate(t, l, testParent("p6", "10", 1))
	childID := order.ChildID("p6", 0)
	submitSlice(t, l, childID)

	ev := order.FillEvent{
		ChildID: childID, Qty: decimal.NewFromInt(3), Price: decimal.NewFromInt(100),
		FillID: "dup-1", Timestamp: time.Now().UTC(),
	}
	if _, err := l.ApplyFill(ctx, ev); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	_, err := l.ApplyFill(ctx, ev)
	if !errors.Is(err, ErrDuplicateFill) {
		t.Fatalf("expected ErrDuplicateFill, got %v", err)
	}

	child, err := l.GetChild(ctx, childID)
	if err != nil {
		t.Fatalf("get child: %v", err)
	}
	if !child.FilledQty.Equal(decimal.NewFromInt(3)) {
		t.Errorf("expected filled=3 after duplicate delivery, got %s", child.FilledQty)
	}
}

func TestApplyFill_DuplicateOfCompletingFillAbsorbedAfterFilled(t *testing.T) {
	// 终结成交的 fill_id 重放必须按重复吸收，而不是误报状态异常。
	l := newTestLedger(t)
	ctx := context.Background()
	mustPlanAndCreate(t, l, testParent("p6f", "10", 1))
	childID := order.ChildID("p6f", 0)
	submitSlice(t, l, childID)

	ev := order.FillEvent{
		ChildID: childID, Qty: decimal.NewFromInt(10), Price: decimal.NewFromInt(100),
		FillID: "final-1", Timestamp: time.Now().UTC(),
	}
	result, err := l.ApplyFill(ctx, ev)
	if err != nil {
		t.Fatalf("completing fill: %v", err)
	}
	if result.Child.Status != order.ChildFilled {
		t.Fatalf("expected filled, got %s", result.Child.Status)
	}

	_, err = l.ApplyFill(ctx, ev)
	if !errors.Is(err, ErrDuplicateFill) {
		t.Fatalf("redelivery after terminal state: expected ErrDuplicateFill, got %v", err)
	}

	child, err := l.GetChild(ctx, childID)
	if err != nil {
		t.Fatalf("get child: %v", err)
	}
	if child.Status != order.ChildFilled || !child.FilledQty.Equal(decimal.NewFromInt(10)) {
		t.Errorf("state changed by duplicate: status=%s filled=%s", child.Status, child.FilledQty)
	}
}

func TestApplyFill_OverfillRejectedAndStateUnchanged(t *testing.T) {
	// 场景F: 将导致超额的回报不应用，先前状态保持不变。
	l := newTestLedger(t)
	ctx := context.Background()
	mustPlanAndCreate(t, l, testParent("p7", "10", 1))
	childID := order.ChildID("p7", 0)
	submitSlice(t, l, childID)

	if _, err := l.ApplyFill(ctx, order.FillEvent{
		ChildID: childID, Qty: decimal.NewFromInt(8), Price: decimal.NewFromInt(100),
		FillID: "f1", Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("first fill: %v", err)
	}

	_, err := l.ApplyFill(ctx, order.FillEvent{
		ChildID: childID, Qty: decimal.NewFromInt(5), Price: decimal.NewFromInt(100),
		FillID: "f2", Timestamp: time.Now().UTC(),
	})
	if !errors.Is(err, ErrOverfill) {
		t.Fatalf("expected ErrOverfill, got %v", err)
	}

	child, err := l.GetChild(ctx, childID)
	if err != nil {
		t.Fatalf("get child: %v", err)
	}
	if !child.FilledQty.Equal(decimal.NewFromInt(8)) {
		t.Errorf("expected filled unchanged at 8, got %s", child.FilledQty)
	}
	if child.Status != order.ChildPartiallyFilled {
		t.Errorf("expected partially_filled unchanged, got %s", child.Status)
	}
}

func TestApplyFill_UnknownChildSurfaced(t *testing.T) {
	l := newTestLedger(t)
	_, err := l.ApplyFill(context.Background(), order.FillEvent{
		ChildID: "ghost-0001", Qty: decimal.NewFromInt(1), Price: decimal.NewFromInt(1),
		FillID: "f1", Timestamp: time.Now().UTC(),
	})
	if !errors.Is(err, ErrChildNotFound) {
		t.Fatalf("expected ErrChildNotFound, got %v", err)
	}
}

func TestApplyFill_RejectsFillOnUnsubmittedSlice(t *testing.T) {
	l := newTestLedger(t)
	mustPlanAndCreate(t, l, testParent("p8", "4", 2))

	_, err := l.ApplyFill(context.Background(), order.FillEvent{
		ChildID: order.ChildID("p8", 0), Qty: decimal.NewFromInt(1), Price: decimal.NewFromInt(1),
		FillID: "f1", Timestamp: time.Now().UTC(),
	})
	if !errors.Is(err, ErrStaleFill) {
		t.Fatalf("expected ErrStaleFill for scheduled slice, got %v", err)
	}
}

func TestAggregateStatus(t *testing.T) {
	mk := func(statuses ...order.ChildStatus) []order.ChildSlice {
		children := make([]order.ChildSlice, len(statuses))
		for i, s := range statuses {
			children[i] = order.ChildSlice{
				Status:    s,
				Qty:       decimal.NewFromInt(1),
				FilledQty: decimal.Zero,
			}
			if s == order.ChildFilled || s == order.ChildPartiallyFilled {
				children[i].FilledQty = decimal.NewFromInt(1)
			}
		}
		return children
	}

	cases := []struct {
		name     string
		children []order.ChildSlice
		want     order.ParentStatus
	}{
		{"all scheduled", mk(order.ChildScheduled, order.ChildScheduled), order.ParentPlanned},
		{"blocked only", mk(order.ChildBlocked, order.ChildScheduled), order.ParentPlanned},
		{"one submitting", mk(order.ChildSubmitting, order.ChildScheduled), order.ParentActive},
		{"partial fill", mk(order.ChildPartiallyFilled, order.ChildScheduled), order.ParentActive},
		{"all filled", mk(order.ChildFilled, order.ChildFilled), order.ParentCompleted},
		{"mixed terminal", mk(order.ChildFilled, order.ChildCanceled, order.ChildFailed), order.ParentCompleted},
		{"all failed no fills", mk(order.ChildFailed, order.ChildFailed), order.ParentFailed},
		{"all canceled", mk(order.ChildCanceled, order.ChildCanceled), order.ParentCompleted},
	}

	for _, tc := range cases {
		if got := AggregateStatus(tc.children); got != tc.want {
			t.Errorf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}

	if got := AggregateStatus(nil); got != order.ParentCompleted {
		t.Errorf("empty children: got %s want completed", got)
	}
}

func TestAggregate_View(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	mustPlanAndCreate(t, l, testParent("p9", "10", 3)) // [4,3,3]

	submitSlice(t, l, order.ChildID("p9", 0))
	if _, err := l.ApplyFill(ctx, order.FillEvent{
		ChildID: order.ChildID("p9", 0), Qty: decimal.NewFromInt(4),
		Price: decimal.NewFromInt(50), FillID: "f1", Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("fill: %v", err)
	}

	view, err := l.Aggregate(ctx, "p9")
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if view.SlicesTotal != 3 {
		t.Errorf("expected 3 slices, got %d", view.SlicesTotal)
	}
	if view.SlicesSubmitted != 1 {
		t.Errorf("expected 1 submitted, got %d", view.SlicesSubmitted)
	}
	if !view.FilledQty.Equal(decimal.NewFromInt(4)) {
		t.Errorf("expected filled=4, got %s", view.FilledQty)
	}
	if view.Status != order.ParentPlanned {
		t.Errorf("expected planned (remaining scheduled, none in flight), got %s", view.Status)
	}
}
