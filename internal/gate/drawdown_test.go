package gate

import (
	"context"
	"testing"
	"time"

	"twap-engine/internal/config"
	"twap-engine/internal/store"
)

func newTestGate(t *testing.T, maxDrawdown float64) *DrawdownGate {
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

	g, err := NewDrawdownGate(st, config.GateConfig{
		Mode:        "drawdown",
		MaxDrawdown: maxDrawdown,
		ResetHour:   0,
	}, nil)
	if err != nil {
		t.Fatalf("init gate: %v", err)
	}
	return g
}

func TestDrawdownGate_AllowsWithoutState(t *testing.T) {
	g := newTestGate(t, 0.05)
	decision, err := g.Allowed(context.Background())
	if err != nil {
		t.Fatalf("allowed: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected allow when no daily state recorded, got blocked: %s", decision.Reason)
	}
}

func TestDrawdownGate_HaltsOnExcessiveDrawdown(t *testing.T) {
	g := newTestGate(t, 0.05)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := g.UpdateEquity(ctx, now, 10000); err != nil {
		t.Fatalf("seed equity: %v", err)
	}

	status, err := g.UpdateEquity(ctx, now, 9800) // -2%，未触发
	if err != nil {
		t.Fatalf("update equity: %v", err)
	}
	if status.Halted {
		t.Fatalf("expected gate open at -2%% drawdown")
	}

	status, err = g.UpdateEquity(ctx, now, 9400) // -6%，触发
	if err != nil {
		t.Fatalf("update equity: %v", err)
	}
	if !status.Halted {
		t.Fatalf("expected halt at -6%% drawdown")
	}

	decision, err := g.Allowed(ctx)
	if err != nil {
		t.Fatalf("allowed: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected blocked decision after halt")
	}
	if decision.Reason == "" {
		t.Errorf("expected block reason to be populated")
	}

	// 净值恢复也不解除当日停闸。
	status, err = g.UpdateEquity(ctx, now, 10100)
	if err != nil {
		t.Fatalf("update equity: %v", err)
	}
	if !status.Halted {
		t.Errorf("expected halt to persist for the trading day")
	}
}

func TestStaticGate(t *testing.T) {
	allow, err := NewStatic(true, "").Allowed(context.Background())
	if err != nil || !allow.Allowed {
		t.Fatalf("expected static allow, got %+v err=%v", allow, err)
	}
	deny, err := NewStatic(false, "maintenance").Allowed(context.Background())
	if err != nil || deny.Allowed {
		t.Fatalf("expected static deny, got %+v err=%v", deny, err)
	}
	if deny.Reason != "maintenance" {
		t.Errorf("expected reason to pass through, got %q", deny.Reason)
	}
}
