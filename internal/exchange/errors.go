// Package exchange 封装 Binance USDT-M Futures 的账户查询与下单。
// 错误分为可重试的瞬时故障和不可重试的逻辑拒绝，重试策略只作用于前者。
package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

var (
	// ErrTransient 瞬时网络故障 (超时、连接重置)，按退避策略重试
	ErrTransient = errors.New("transient network error")
	// ErrRejected 交易所逻辑拒绝 (保证金不足、参数非法等)，重试无意义
	ErrRejected = errors.New("rejected by exchange")
)

// APIError Binance 返回的业务错误
type APIError struct {
	HTTPStatus int
	Code       int    // Binance 错误码，例如 -2019
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance api error: http=%d code=%d msg=%q", e.HTTPStatus, e.Code, e.Message)
}

// transientCodes Binance 侧明确表示"稍后重试"的错误码
var transientCodes = map[int]bool{
	-1001: true, // DISCONNECTED
	-1003: true, // TOO_MANY_REQUESTS
	-1007: true, // TIMEOUT
	-1016: true, // SERVICE_SHUTTING_DOWN
}

// Classify 把底层错误归入 ErrTransient / ErrRejected。
// 白名单之外的一切都视为不可恢复：重试一个被逻辑拒绝的订单只会浪费时间。
func Classify(err error) error {
	if err == nil {
		return nil
	}

	// context 取消/超时由调用方处理，不再包装
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatus >= 500 || transientCodes[apiErr.Code] {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}

	// 未知的传输层错误按瞬时处理，逻辑拒绝一定带有 APIError
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}

	return fmt.Errorf("%w: %v", ErrRejected, err)
}

// IsTransient 判断错误是否在可重试白名单内
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
