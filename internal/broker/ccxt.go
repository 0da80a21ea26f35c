package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"twap-engine/internal/config"
)

// CCXTClient 通过 ccxt 提交子切片到真实交易所。
type CCXTClient struct {
	cfg      config.BrokerConfig
	logger   *zap.Logger
	exchange *ccxt.Binanceusdm

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewCCXTClient 构造 Binance USDⓈ-M 执行客户端。
func NewCCXTClient(cfg config.BrokerConfig, logger *zap.Logger) (*CCXTClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !strings.EqualFold(cfg.Exchange, "binanceusdm") {
		return nil, fmt.Errorf("broker: 暂不支持的交易所 %q", cfg.Exchange)
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "future",
		},
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	ex := ccxt.NewBinanceusdm(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &CCXTClient{
		cfg:      cfg,
		logger:   logger,
		exchange: ex,
	}, nil
}

// Submit 以切片确定性ID为 clientOrderId 提交委托。
func (c *CCXTClient) Submit(ctx context.Context, req Request) (Ack, error) {
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return Ack{}, Classify(err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Ack{}, Classify(ctxErr)
	}

	params := map[string]interface{}{
		"clientOrderId": req.ClientOrderID,
	}

	var (
		placed ccxt.Order
		err    error
	)
	switch req.OrderType {
	case "limit":
		if req.LimitPrice.Sign() <= 0 {
			return Ack{}, fmt.Errorf("%w: 限价单缺少有效价格", ErrRejected)
		}
		placed, err = c.exchange.CreateLimitOrder(
			req.Symbol, string(req.Side), req.Qty.InexactFloat64(), req.LimitPrice.InexactFloat64(),
			ccxt.WithCreateLimitOrderParams(params),
		)
	default:
		placed, err = c.exchange.CreateMarketOrder(
			req.Symbol, string(req.Side), req.Qty.InexactFloat64(),
			ccxt.WithCreateMarketOrderParams(params),
		)
	}
	if err != nil {
		return Ack{}, Classify(err)
	}

	ref := strVal(placed.Id)
	if ref == "" {
		ref = req.ClientOrderID
	}
	c.logger.Info("切片已提交交易所",
		zap.String("client_order_id", req.ClientOrderID),
		zap.String("broker_ref", ref),
	)
	return Ack{BrokerRef: ref}, nil
}

// QueryStatus 按幂等键查询委托是否已被交易所受理。
func (c *CCXTClient) QueryStatus(ctx context.Context, req Request) (StatusReport, error) {
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return StatusReport{}, Classify(err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return StatusReport{}, Classify(ctxErr)
	}

	found, err := c.exchange.FetchOrder(
		req.ClientOrderID,
		ccxt.WithFetchOrderSymbol(req.Symbol),
		ccxt.WithFetchOrderParams(map[string]interface{}{
			"origClientOrderId": req.ClientOrderID,
		}),
	)
	if err != nil {
		var ccxtErr *ccxt.Error
		if errors.As(err, &ccxtErr) && ccxtErr.Type == ccxt.OrderNotFoundErrType {
			return StatusReport{Found: false}, nil
		}
		return StatusReport{}, Classify(err)
	}

	return StatusReport{
		Found:     true,
		BrokerRef: strVal(found.Id),
		Status:    strVal(found.Status),
	}, nil
}

func (c *CCXTClient) ensureMarketsLoaded(ctx context.Context) error {
	if c.marketsLoaded {
		return nil
	}

	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	if _, err := c.exchange.LoadMarkets(); err != nil {
		return err
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载", zap.String("exchange", c.cfg.Exchange))
	return nil
}

func strVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

var _ Client = (*CCXTClient)(nil)
