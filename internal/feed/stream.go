package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"crypto-rl-trader/internal/service"
)

// streamKlineEvent Binance Futures kline 频道的推送结构
type streamKlineEvent struct {
	EventType string `json:"e"`
	Kline     struct {
		OpenTime  int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		IsClosed  bool   `json:"x"`
	} `json:"k"`
}

// streamProvider 基于 WebSocket 的推送数据源。
// 掉线自动重连，重连后先通过 REST 补齐缺口再继续消费推送，
// 保证滚动窗口没有空洞。
type streamProvider struct {
	opts   Options
	rest   RestSource
	logger *zap.Logger

	window   *Window
	candles  chan Candle
	timeSync *TimeSync

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	closed bool
}

func newStreamProvider(opts Options, rest RestSource, logger *zap.Logger) *streamProvider {
	capacity := opts.historyNeed()
	return &streamProvider{
		opts:     opts,
		rest:     rest,
		logger:   logger.With(zap.String("Provider", "stream"), zap.String("Symbol", opts.Symbol)),
		window:   NewWindow(capacity, opts.Indicator),
		candles:  make(chan Candle, 64),
		timeSync: NewTimeSync(rest, logger),
	}
}

func (p *streamProvider) Window() *Window { return p.window }

func (p *streamProvider) Candles() <-chan Candle { return p.candles }

// Start 预热窗口后启动接收循环，返回时数据源已就绪
func (p *streamProvider) Start(ctx context.Context) error {
	if err := prefill(ctx, p.window, p.rest, p.opts, p.logger); err != nil {
		return fmt.Errorf("prefill window: %w", err)
	}
	if err := p.timeSync.Sync(ctx); err != nil {
		// 时间同步失败不阻塞启动
		p.logger.Warn("Initial time sync failed", zap.Error(err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	go p.run(runCtx)
	return nil
}

func (p *streamProvider) streamURL() string {
	return fmt.Sprintf("%s/ws/%s@kline_%s",
		strings.TrimRight(p.opts.WSURL, "/"),
		strings.ToLower(p.opts.Symbol),
		p.opts.Interval)
}

// run 连接-读取-重连主循环。
// candles 只在这里发送，也只在这里关闭，消费端读到关闭即知数据源终止。
func (p *streamProvider) run(ctx context.Context) {
	defer close(p.candles)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, p.streamURL(), nil)
		if err != nil {
			p.logger.Error("WS dial failed, backing off",
				zap.Duration("Backoff", backoff), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		p.mu.Lock()
		p.conn = conn
		p.mu.Unlock()
		backoff = time.Second
		p.logger.Info("WS connected", zap.String("URL", p.streamURL()))

		// 重连后先补缺口，推送流从断点之后继续
		p.backfill(ctx)

		p.readLoop(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		p.logger.Warn("WS connection lost, reconnecting...")
	}
}

// readLoop 持续读取推送。读超时作为 watchdog：一个周期加余量内
// 没有任何消息说明连接已死，退出触发重连。
func (p *streamProvider) readLoop(ctx context.Context, conn *websocket.Conn) {
	interval, _ := service.ParseIntervalDuration(p.opts.Interval)
	readTimeout := interval + time.Minute

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		if ctx.Err() != nil {
			return
		}
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			p.logger.Error("WS read error", zap.Error(err))
			return
		}

		var event streamKlineEvent
		if err := json.Unmarshal(message, &event); err != nil {
			continue
		}
		if event.EventType != "kline" || !event.Kline.IsClosed {
			continue
		}

		candle, err := p.parseCandle(event)
		if err != nil {
			p.logger.Error("Malformed kline event", zap.Error(err))
			continue
		}
		p.deliver(candle)

		if p.timeSync.ShouldResync() {
			go p.timeSync.Sync(ctx)
		}
	}
}

func (p *streamProvider) parseCandle(event streamKlineEvent) (Candle, error) {
	k := event.Kline
	var c Candle
	var err error
	if c.Open, err = service.StringToFloat(k.Open); err != nil {
		return c, err
	}
	if c.High, err = service.StringToFloat(k.High); err != nil {
		return c, err
	}
	if c.Low, err = service.StringToFloat(k.Low); err != nil {
		return c, err
	}
	if c.Close, err = service.StringToFloat(k.Close); err != nil {
		return c, err
	}
	if c.Volume, err = service.StringToFloat(k.Volume); err != nil {
		return c, err
	}
	c.OpenTime = time.UnixMilli(k.OpenTime)
	c.CloseTime = time.UnixMilli(k.CloseTime)
	return c, nil
}

// backfill 断线期间错过的 K 线通过 REST 补齐
func (p *streamProvider) backfill(ctx context.Context) {
	last := p.window.LastOpenTime()
	klines, err := p.rest.Klines(ctx, p.opts.Interval, historyBuffer)
	if err != nil {
		p.logger.Error("Backfill query failed", zap.Error(err))
		return
	}

	now := time.Now()
	filled := 0
	for _, k := range klines {
		c := candleFromKline(k)
		if !c.OpenTime.After(last) || c.CloseTime.After(now) {
			continue
		}
		p.deliver(c)
		filled++
	}
	if filled > 0 {
		p.logger.Info("Backfilled missed candles", zap.Int("Count", filled))
	}
}

// deliver 先进窗口再投递；窗口判定为重复的不投递。
// 消费端堵住时丢弃并告警，不能让网络抖动倒灌回读循环。
func (p *streamProvider) deliver(c Candle) {
	if !p.window.Append(c) {
		return
	}
	select {
	case p.candles <- c:
	default:
		p.logger.Warn("Candle channel full, dropping candle",
			zap.Time("OpenTime", c.OpenTime))
	}
}

func (p *streamProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	// 只通知接收循环退出，candles 由 run 自己关闭
	if p.cancel != nil {
		p.cancel()
	}
	if p.conn != nil {
		p.conn.Close()
	}
	return nil
}
