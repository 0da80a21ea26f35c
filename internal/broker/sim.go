package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"twap-engine/internal/config"
	"twap-engine/internal/order"
)

// SimClient 在本地模拟经纪商：受理后按配置延迟分批产生成交回报，
// 供对账器在无真实交易所的环境下走完整链路。
type SimClient struct {
	cfg    config.SimConfig
	logger *zap.Logger
	price  decimal.Decimal

	fills chan order.FillEvent
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewSimClient 创建模拟执行客户端。
func NewSimClient(cfg config.SimConfig, logger *zap.Logger) *SimClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PartialFills <= 0 {
		cfg.PartialFills = 1
	}
	return &SimClient{
		cfg:    cfg,
		logger: logger,
		price:  decimal.NewFromInt(100),
		fills:  make(chan order.FillEvent, 256),
	}
}

// Fills 返回模拟成交回报流，接入对账器。
func (s *SimClient) Fills() <-chan order.FillEvent {
	return s.fills
}

// Submit 立即受理并异步分批产生成交。
// 成交 fill_id 由幂等键确定性派生，重放会被对账去重吸收。
func (s *SimClient) Submit(ctx context.Context, req Request) (Ack, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Ack{}, Classify(ctxErr)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Ack{}, fmt.Errorf("%w: 模拟通道已关闭", ErrAmbiguous)
	}
	s.wg.Add(1)
	s.mu.Unlock()

	ref := "sim-" + req.ClientOrderID
	go s.emitFills(req)

	return Ack{BrokerRef: ref}, nil
}

// QueryStatus 模拟通道受理即成功。
func (s *SimClient) QueryStatus(_ context.Context, req Request) (StatusReport, error) {
	return StatusReport{
		Found:     true,
		BrokerRef: "sim-" + req.ClientOrderID,
		Status:    "open",
	}, nil
}

// Close 等待在途成交发送完毕后关闭回报流。
func (s *SimClient) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.wg.Wait()
	close(s.fills)
}

func (s *SimClient) emitFills(req Request) {
	defer s.wg.Done()

	parts := s.cfg.PartialFills
	per := req.Qty.Div(decimal.NewFromInt(int64(parts)))

	allocated := decimal.Zero
	for i := 0; i < parts; i++ {
		if s.cfg.FillLatency > 0 {
			time.Sleep(s.cfg.FillLatency)
		}

		qty := per
		if i == parts-1 {
			qty = req.Qty.Sub(allocated)
		}
		allocated = allocated.Add(qty)

		s.fills <- order.FillEvent{
			ChildID:   req.ClientOrderID,
			Qty:       qty,
			Price:     s.price,
			FillID:    fmt.Sprintf("%s-fill-%d", req.ClientOrderID, i),
			Timestamp: time.Now().UTC(),
		}
	}

	s.logger.Debug("模拟成交已全部回报",
		zap.String("client_order_id", req.ClientOrderID),
		zap.Int("fills", parts),
	)
}

var _ Client = (*SimClient)(nil)
