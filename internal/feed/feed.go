package feed

import (
	"context"
	"time"

	"go.uber.org/zap"

	"crypto-rl-trader/internal/exchange"
	"crypto-rl-trader/internal/service"
	"crypto-rl-trader/pkg/ta"
)

// StreamingThresholdSeconds 周期低于该值时选择流式推送：长周期容忍轮询
// 延迟并换取其稳健性，短周期必须用推送才有时效价值。
const StreamingThresholdSeconds = 900

// historyBuffer 预热历史在 window+lookback 之外的安全余量
const historyBuffer = 50

// RestSource 数据源对 REST 能力的依赖，由 *exchange.Gateway 实现
type RestSource interface {
	Klines(ctx context.Context, interval string, limit int) ([]exchange.Kline, error)
	ServerTime(ctx context.Context) (time.Time, error)
}

// CandleStream 统一的行情接口。
// Start 阻塞到滚动窗口预热完成为止；Candles 只投递已收盘的 K 线，
// 每根恰好消费一次。
type CandleStream interface {
	Start(ctx context.Context) error
	Candles() <-chan Candle
	Window() *Window
	Close() error
}

// Options 数据源构造参数
type Options struct {
	Symbol     string
	Interval   string
	WindowSize int
	WSURL      string
	Indicator  ta.Params
}

// historyNeed 预热所需的最少历史根数
func (o Options) historyNeed() int {
	return o.WindowSize + o.Indicator.Lookback() + historyBuffer
}

// New 按周期自动选择实现：< 900s 用 WebSocket 推送，否则用 REST 轮询
func New(opts Options, rest RestSource, logger *zap.Logger) (CandleStream, error) {
	seconds, err := service.IntervalSeconds(opts.Interval)
	if err != nil {
		return nil, err
	}

	if seconds < StreamingThresholdSeconds {
		logger.Info("Candle source selected: streaming",
			zap.String("Interval", opts.Interval),
			zap.Int64("IntervalSeconds", seconds),
			zap.Int("ThresholdSeconds", StreamingThresholdSeconds))
		return newStreamProvider(opts, rest, logger), nil
	}

	logger.Info("Candle source selected: polling",
		zap.String("Interval", opts.Interval),
		zap.Int64("IntervalSeconds", seconds),
		zap.Int("ThresholdSeconds", StreamingThresholdSeconds))
	return newPollingProvider(opts, rest, logger), nil
}

// prefill 用 REST 历史 K 线填满窗口，丢掉最后一根未收盘的。
// 两种实现共用，预热完成前数据源不对外就绪。
func prefill(ctx context.Context, w *Window, rest RestSource, opts Options, logger *zap.Logger) error {
	need := opts.historyNeed()

	klines, err := rest.Klines(ctx, opts.Interval, need+1)
	if err != nil {
		return err
	}

	now := time.Now()
	appended := 0
	for _, k := range klines {
		c := candleFromKline(k)
		// Binance 返回的最后一根通常尚未收盘
		if c.CloseTime.After(now) {
			continue
		}
		if w.Append(c) {
			appended++
		}
	}

	logger.Info("Window prefilled",
		zap.Int("Appended", appended),
		zap.Int("Need", need),
		zap.Int("WindowLen", w.Len()))
	return nil
}
