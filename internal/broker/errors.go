package broker

import (
	"context"
	"errors"
	"fmt"
	"net"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

var (
	// ErrRejected 表示经纪商明确拒绝委托，该切片终结为 failed。
	ErrRejected = errors.New("broker: 经纪商拒绝委托")
	// ErrAmbiguous 表示提交结果不明（超时/网络中断），
	// 上层必须先查询委托状态，绝不直接假定成功或失败。
	ErrAmbiguous = errors.New("broker: 提交结果不明")
)

// Classify 将底层错误归一为拒绝或结果不明两类。
func Classify(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrAmbiguous, err)
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.InvalidOrderErrType,
			ccxt.InsufficientFundsErrType,
			ccxt.BadRequestErrType,
			ccxt.BadSymbolErrType,
			ccxt.AuthenticationErrorErrType,
			ccxt.PermissionDeniedErrType:
			return fmt.Errorf("%w: %v", ErrRejected, err)
		default:
			return fmt.Errorf("%w: %v", ErrAmbiguous, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrAmbiguous, err)
	}

	// 未知错误保守地按结果不明处理，由上层查询确认。
	return fmt.Errorf("%w: %v", ErrAmbiguous, err)
}
