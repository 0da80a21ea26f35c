package broker

import (
	"context"

	"github.com/shopspring/decimal"

	"twap-engine/internal/order"
)

// Request 描述一次子切片提交。ClientOrderID 使用切片的确定性ID，
// 作为幂等键使网络歧义下的重试不会造成重复成交。
type Request struct {
	ClientOrderID string
	Symbol        string
	Side          order.Side
	Qty           decimal.Decimal
	OrderType     string // market | limit
	LimitPrice    decimal.Decimal
}

// Ack 是经纪商受理回执。
type Ack struct {
	BrokerRef string
}

// StatusReport 是按幂等键查询委托状态的结果。
type StatusReport struct {
	Found     bool
	BrokerRef string
	Status    string
}

// Client 抽象执行通道，方便切换真实或模拟提交。
type Client interface {
	Submit(ctx context.Context, req Request) (Ack, error)
	QueryStatus(ctx context.Context, req Request) (StatusReport, error)
}
