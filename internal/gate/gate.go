package gate

import "context"

// Decision 是联锁查询结果，Reason 在拦截时说明原因。
type Decision struct {
	Allowed bool
	Reason  string
}

// Gate 抽象提交前安全联锁。每次切片触发前都会重新查询，
// 绝不缓存计划生成时的结果，因为风险状况会在多切片窗口内变化。
type Gate interface {
	Allowed(ctx context.Context) (Decision, error)
}

// Static 是固定结果的联锁，用于配置钉死与测试。
type Static struct {
	allow  bool
	reason string
}

// NewStatic 创建固定联锁。
func NewStatic(allow bool, reason string) *Static {
	return &Static{allow: allow, reason: reason}
}

// Allowed 返回固定结果。
func (s *Static) Allowed(_ context.Context) (Decision, error) {
	return Decision{Allowed: s.allow, Reason: s.reason}, nil
}

var _ Gate = (*Static)(nil)
