package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"crypto-rl-trader/internal/exchange"
	"crypto-rl-trader/internal/service"
)

// pollCloseDelay 收盘时刻之后再等一小段，确保交易所侧 K 线已定稿
const pollCloseDelay = 3 * time.Second

// pollMaxRetries 单个轮询周期内的拉取重试上限
const pollMaxRetries = 5

// pollingProvider 基于 REST 的定时拉取数据源。
// 对长周期来说毫秒级延迟无关紧要，换来的是对连接抖动完全免疫；
// 重复拉到同一根 K 线按时间戳去重。
type pollingProvider struct {
	opts   Options
	rest   RestSource
	logger *zap.Logger

	window   *Window
	candles  chan Candle
	timeSync *TimeSync
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

func newPollingProvider(opts Options, rest RestSource, logger *zap.Logger) *pollingProvider {
	capacity := opts.historyNeed()
	interval, _ := service.ParseIntervalDuration(opts.Interval)
	return &pollingProvider{
		opts:     opts,
		rest:     rest,
		logger:   logger.With(zap.String("Provider", "polling"), zap.String("Symbol", opts.Symbol)),
		window:   NewWindow(capacity, opts.Indicator),
		candles:  make(chan Candle, 8),
		timeSync: NewTimeSync(rest, logger),
		interval: interval,
	}
}

func (p *pollingProvider) Window() *Window { return p.window }

func (p *pollingProvider) Candles() <-chan Candle { return p.candles }

func (p *pollingProvider) Start(ctx context.Context) error {
	if err := prefill(ctx, p.window, p.rest, p.opts, p.logger); err != nil {
		return fmt.Errorf("prefill window: %w", err)
	}
	if err := p.timeSync.Sync(ctx); err != nil {
		p.logger.Warn("Initial time sync failed", zap.Error(err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	go p.run(runCtx)
	return nil
}

// nextWakeup 下一根 K 线收盘后的唤醒时刻 (按交易所时钟对齐)
func (p *pollingProvider) nextWakeup() time.Time {
	now := p.timeSync.Now()
	next := now.Truncate(p.interval).Add(p.interval)
	return next.Add(pollCloseDelay)
}

// run 定时唤醒拉取。candles 只在这里发送、只在这里关闭。
func (p *pollingProvider) run(ctx context.Context) {
	defer close(p.candles)

	for {
		wakeup := p.nextWakeup()
		sleep := time.Until(wakeup.Add(-p.timeSync.Offset())) // 换算回本地时钟
		if sleep < 0 {
			sleep = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}

		p.pollOnce(ctx)

		if p.timeSync.ShouldResync() {
			p.timeSync.Sync(ctx)
		}
	}
}

// pollOnce 拉取最新的已收盘 K 线。瞬时失败在周期内指数退避重试，
// 重试耗尽则放弃本周期；每次多拉几根，上个周期漏掉的会在这里补上。
func (p *pollingProvider) pollOnce(ctx context.Context) {
	backoff := 6 * time.Second

	for attempt := 1; attempt <= pollMaxRetries; attempt++ {
		klines, err := p.rest.Klines(ctx, p.opts.Interval, 5)
		if err == nil {
			p.emitClosed(klines)
			return
		}

		p.logger.Warn("Kline poll failed",
			zap.Int("Attempt", attempt),
			zap.Int("MaxRetries", pollMaxRetries),
			zap.Error(err))

		if attempt == pollMaxRetries {
			p.logger.Error("Kline poll retries exhausted, skipping this cycle")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// emitClosed 把已收盘且比窗口更新的 K 线灌进窗口并投递。
// Binance 返回的最后一根可能未收盘，按 CloseTime 过滤。
func (p *pollingProvider) emitClosed(klines []exchange.Kline) {
	now := p.timeSync.Now()
	for _, k := range klines {
		c := candleFromKline(k)
		if c.CloseTime.After(now) {
			continue
		}
		if !p.window.Append(c) {
			// 重复时间戳，轮询的正常现象
			continue
		}
		select {
		case p.candles <- c:
		default:
			p.logger.Warn("Candle channel full, dropping candle",
				zap.Time("OpenTime", c.OpenTime))
		}
	}
}

func (p *pollingProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	// 只通知轮询循环退出，candles 由 run 自己关闭
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}
