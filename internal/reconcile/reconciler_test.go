package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"twap-engine/internal/config"
	"twap-engine/internal/ledger"
	"twap-engine/internal/monitor"
	"twap-engine/internal/order"
	"twap-engine/internal/store"
)

func newTestReconciler(t *testing.T) (*Reconciler, *ledger.Ledger, *monitor.Service) {
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

	l, err := ledger.New(st, nil)
	if err != nil {
		t.Fatalf("init ledger: %v", err)
	}
	events, err := monitor.NewService(st, nil)
	if err != nil {
		t.Fatalf("init monitor: %v", err)
	}
	return New(l, events, nil), l, events
}

func seedSubmittedChild(t *testing.T, l *ledger.Ledger, parentID string, qty decimal.Decimal) order.ChildSlice {
	t.Helper()
	ctx := context.Background()

	parent := order.ParentOrder{
		ID:              parentID,
		Symbol:          "ETH/USDT:USDT",
		Side:            order.SideSell,
		TotalQty:        qty,
		RequestedSlices: 1,
		Horizon:         time.Minute,
		StartTime:       time.Now().UTC(),
	}
	child := order.ChildSlice{
		ID:            order.ChildID(parentID, 0),
		ParentID:      parentID,
		SliceNum:      0,
		Qty:           qty,
		ScheduledTime: parent.StartTime,
		Status:        order.ChildScheduled,
	}
	if err := l.CreatePlan(ctx, parent, []order.ChildSlice{child}); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	if err := l.TransitionChild(ctx, child.ID, order.ChildScheduled, order.ChildSubmitting, ""); err != nil {
		t.Fatalf("to submitting: %v", err)
	}
	if err := l.MarkSubmitted(ctx, child.ID, "ref-"+child.ID); err != nil {
		t.Fatalf("to submitted: %v", err)
	}
	return child
}

func fill(childID, fillID string, qty int64) order.FillEvent {
	return order.FillEvent{
		ChildID:   childID,
		Qty:       decimal.NewFromInt(qty),
		Price:     decimal.NewFromInt(100),
		FillID:    fillID,
		Timestamp: time.Now().UTC(),
	}
}

func TestReconciler_AppliesAndDeduplicates(t *testing.T) {
	r, l, _ := newTestReconciler(t)
	ctx := context.Background()
	child := seedSubmittedChild(t, l, "p-dedup", decimal.NewFromInt(4))

	ev := fill(child.ID, "fill-1", 4)
	if err := r.Apply(ctx, ev); err != nil {
		t.Fatalf("apply: %v", err)
	}
	// 同一 fill_id 重放必须恰好入账一次。
	if err := r.Apply(ctx, ev); err != nil {
		t.Fatalf("apply duplicate: %v", err)
	}

	got, err := l.GetChild(ctx, child.ID)
	if err != nil {
		t.Fatalf("get child: %v", err)
	}
	if !got.FilledQty.Equal(decimal.NewFromInt(4)) {
		t.Errorf("filled_qty = %s, want 4", got.FilledQty)
	}
	if got.Status != order.ChildFilled {
		t.Errorf("status = %s, want filled", got.Status)
	}
}

func TestReconciler_UnknownChildSurfacedAsAnomaly(t *testing.T) {
	r, _, events := newTestReconciler(t)
	ctx := context.Background()

	if err := r.Apply(ctx, fill("no-such-child-0000", "fill-x", 1)); err != nil {
		t.Fatalf("apply should absorb unknown-child fills, got %v", err)
	}

	anomalies, err := events.ListEvents(ctx, monitor.EventReconcileAnomaly, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(anomalies) != 1 {
		t.Fatalf("expected 1 anomaly event, got %d", len(anomalies))
	}
}

func TestReconciler_OverfillRejectedAndReported(t *testing.T) {
	r, l, events := newTestReconciler(t)
	ctx := context.Background()
	child := seedSubmittedChild(t, l, "p-over", decimal.NewFromInt(2))

	if err := r.Apply(ctx, fill(child.ID, "fill-1", 2)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := r.Apply(ctx, fill(child.ID, "fill-2", 1)); err != nil {
		t.Fatalf("apply overfill should not error out, got %v", err)
	}

	got, err := l.GetChild(ctx, child.ID)
	if err != nil {
		t.Fatalf("get child: %v", err)
	}
	if !got.FilledQty.Equal(decimal.NewFromInt(2)) {
		t.Errorf("overfill must not change filled_qty, got %s", got.FilledQty)
	}

	anomalies, err := events.ListEvents(ctx, monitor.EventReconcileAnomaly, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(anomalies) != 1 {
		t.Fatalf("expected 1 anomaly event, got %d", len(anomalies))
	}
}

func TestReconciler_RunConsumesChannel(t *testing.T) {
	r, l, _ := newTestReconciler(t)
	ctx := context.Background()
	child := seedSubmittedChild(t, l, "p-stream", decimal.NewFromInt(3))

	fills := make(chan order.FillEvent, 3)
	fills <- fill(child.ID, "fill-1", 1)
	fills <- fill(child.ID, "fill-2", 1)
	fills <- fill(child.ID, "fill-3", 1)
	close(fills)

	if err := r.Run(ctx, fills); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := l.GetChild(ctx, child.ID)
	if err != nil {
		t.Fatalf("get child: %v", err)
	}
	if got.Status != order.ChildFilled {
		t.Errorf("status = %s, want filled after stream drained", got.Status)
	}
	if !got.FilledQty.Equal(decimal.NewFromInt(3)) {
		t.Errorf("filled_qty = %s, want 3", got.FilledQty)
	}

	view, err := l.Aggregate(ctx, child.ParentID)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if view.Status != order.ParentCompleted {
		t.Errorf("parent status = %s, want completed", view.Status)
	}
}
