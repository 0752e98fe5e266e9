package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"crypto-rl-trader/internal/ledger"
)

// API 是 Gateway 依赖的 REST 能力集合，*Client 是唯一的生产实现。
// 拆出接口是为了在测试里替换故障注入的假客户端。
type API interface {
	Account(ctx context.Context, symbol string) (AccountSnapshot, error)
	SubmitOrder(ctx context.Context, symbol, side string, quantity float64, reduceOnly bool) (OrderResult, error)
	CancelOpenOrders(ctx context.Context, symbol string) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	ServerTime(ctx context.Context) (time.Time, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
}

// FlattenResult 紧急平仓的执行结果。失败被记录而不是掩盖。
type FlattenResult struct {
	PositionsClosed int
	BalanceFinal    float64
	EquityFinal     float64
	Errors          []string
}

// ExecuteOutcome 一次下单的完整结果：订单回执、尝试次数、下单后的账户快照
type ExecuteOutcome struct {
	Order    OrderResult
	Attempts int
	Account  AccountSnapshot
	HasSnap  bool
}

// Gateway 在 REST 客户端之上统一应用重试策略，并保证每次下单尝试后
// 都会重新查询账户，避免本地台账与交易所静默产生分歧。
type Gateway struct {
	api    API
	symbol string
	retry  RetryPolicy
	logger *zap.Logger
}

func NewGateway(api API, symbol string, retry RetryPolicy, logger *zap.Logger) *Gateway {
	return &Gateway{
		api:    api,
		symbol: symbol,
		retry:  retry,
		logger: logger.With(zap.String("Gateway", "binance"), zap.String("Symbol", symbol)),
	}
}

// Init 设置杠杆。杠杆错误属于启动失败，不重试。
func (g *Gateway) Init(ctx context.Context, leverage int) error {
	if err := g.api.SetLeverage(ctx, g.symbol, leverage); err != nil {
		return fmt.Errorf("set leverage: %w", err)
	}
	g.logger.Info("Leverage configured", zap.Int("Leverage", leverage))
	return nil
}

// RefreshAccount 带重试地查询账户快照
func (g *Gateway) RefreshAccount(ctx context.Context) (AccountSnapshot, error) {
	var snap AccountSnapshot
	_, err := g.retry.Do(ctx, g.logger, "account", func() error {
		var callErr error
		snap, callErr = g.api.Account(ctx, g.symbol)
		return callErr
	})
	return snap, err
}

// ServerTime 透传服务器时间查询 (供时间同步使用)
func (g *Gateway) ServerTime(ctx context.Context) (time.Time, error) {
	return g.api.ServerTime(ctx)
}

// Klines 透传历史 K 线查询 (供数据源预热和补缺使用)
func (g *Gateway) Klines(ctx context.Context, interval string, limit int) ([]Kline, error) {
	return g.api.Klines(ctx, g.symbol, interval, limit)
}

// SubmitEntry 开仓/加仓市价单。数量由风控层计算好传入。
func (g *Gateway) SubmitEntry(ctx context.Context, side ledger.Side, quantity float64) ExecuteOutcome {
	orderSide := "BUY"
	if side == ledger.Short {
		orderSide = "SELL"
	}
	return g.submit(ctx, orderSide, quantity, false)
}

// SubmitExit 平仓/减仓。数量永远取交易所报告的实际持仓量乘以 fraction，
// 绝不重新按资金计算；reduceOnly 让交易所拒绝任何会翻转方向的成交。
func (g *Gateway) SubmitExit(ctx context.Context, fraction float64) ExecuteOutcome {
	snap, err := g.RefreshAccount(ctx)
	if err != nil {
		return ExecuteOutcome{Order: OrderResult{ErrorKind: "account_query_failed"}}
	}
	if snap.Position == nil {
		return ExecuteOutcome{Order: OrderResult{ErrorKind: "no_position_at_broker"}, Account: snap, HasSnap: true}
	}

	orderSide := "SELL" // 平多
	if snap.Position.Side == "short" {
		orderSide = "BUY" // 平空
	}
	quantity := snap.Position.Quantity
	if fraction > 0 && fraction < 1 {
		quantity *= fraction
	}
	return g.submit(ctx, orderSide, quantity, true)
}

func (g *Gateway) submit(ctx context.Context, orderSide string, quantity float64, reduceOnly bool) ExecuteOutcome {
	var result OrderResult
	attempts, err := g.retry.Do(ctx, g.logger, "order", func() error {
		var callErr error
		result, callErr = g.api.SubmitOrder(ctx, g.symbol, orderSide, quantity, reduceOnly)
		return callErr
	})

	outcome := ExecuteOutcome{Order: result, Attempts: attempts}
	if err != nil {
		outcome.Order.Accepted = false
		switch {
		case errors.Is(err, ErrRejected):
			outcome.Order.ErrorKind = "rejected"
		case errors.Is(err, ErrTransient):
			outcome.Order.ErrorKind = "transient_exhausted"
		default:
			outcome.Order.ErrorKind = "canceled"
		}
	} else {
		g.logger.Info("Order filled",
			zap.String("Side", orderSide),
			zap.Float64("Quantity", quantity),
			zap.Bool("ReduceOnly", reduceOnly),
			zap.Int64("OrderID", result.BrokerOrderID),
			zap.Int("Attempts", attempts))
	}

	// 无论成败都回查账户，防止台账漂移
	if snap, refreshErr := g.RefreshAccount(ctx); refreshErr == nil {
		outcome.Account = snap
		outcome.HasSnap = true
	} else {
		g.logger.Error("Post-order account refresh failed", zap.Error(refreshErr))
	}
	return outcome
}

// Flatten 紧急路径：撤掉全部挂单，用 reduce-only 市价单清空持仓。
// 部分失败会被收集进 Errors，调用方必须记录而不是丢弃。
func (g *Gateway) Flatten(ctx context.Context) FlattenResult {
	var result FlattenResult

	if err := g.api.CancelOpenOrders(ctx, g.symbol); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("cancel open orders: %v", err))
	}

	snap, err := g.RefreshAccount(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("account query: %v", err))
		return result
	}

	if snap.Position != nil {
		outcome := g.SubmitExit(ctx, 1.0)
		if outcome.Order.Accepted {
			result.PositionsClosed = 1
		} else {
			result.Errors = append(result.Errors,
				fmt.Sprintf("close position: %s", outcome.Order.ErrorKind))
		}
		if outcome.HasSnap {
			snap = outcome.Account
		}
	}

	result.BalanceFinal = snap.Balance
	result.EquityFinal = snap.Equity
	return result
}
