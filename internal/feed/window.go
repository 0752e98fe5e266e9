// Package feed 把推送 (WebSocket) 和轮询 (REST) 两种行情来源统一在
// CandleStream 接口之后，并维护带指标的定长滚动窗口。
package feed

import (
	"fmt"
	"sync"
	"time"

	"crypto-rl-trader/internal/exchange"
	"crypto-rl-trader/pkg/ta"
)

// Candle 已收盘的 K 线。收盘后不可变。
type Candle struct {
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime time.Time
}

func candleFromKline(k exchange.Kline) Candle {
	return Candle{
		OpenTime:  time.UnixMilli(k.OpenTime),
		Open:      k.Open,
		High:      k.High,
		Low:       k.Low,
		Close:     k.Close,
		Volume:    k.Volume,
		CloseTime: time.UnixMilli(k.CloseTime),
	}
}

// Window 定容量环形缓冲区：K 线按时间序追加，写满后覆盖最旧一根。
// 每次追加都重算指标特征矩阵 (窗口容量有限，全量重算即是 O(容量))。
type Window struct {
	mu       sync.RWMutex
	buf      []Candle
	head     int // 最旧一根的下标
	size     int
	params   ta.Params
	features [][]float64 // 与 ordered() 对齐，列序 = params.FeatureNames()
}

func NewWindow(capacity int, params ta.Params) *Window {
	return &Window{
		buf:    make([]Candle, capacity),
		params: params,
	}
}

// Append 追加一根已收盘 K 线。按 OpenTime 去重：重复或乱序的旧数据被丢弃，
// 返回 false。这同时覆盖轮询源的重复拉取和流式源重连后的重放。
func (w *Window) Append(c Candle) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size > 0 {
		last := w.buf[(w.head+w.size-1)%len(w.buf)]
		if !c.OpenTime.After(last.OpenTime) {
			return false
		}
	}

	if w.size < len(w.buf) {
		w.buf[(w.head+w.size)%len(w.buf)] = c
		w.size++
	} else {
		// 环已满，覆盖最旧并前移 head
		w.buf[w.head] = c
		w.head = (w.head + 1) % len(w.buf)
	}

	w.recompute()
	return true
}

// ordered 按时间序返回窗口内容 (持锁调用)
func (w *Window) ordered() []Candle {
	out := make([]Candle, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.buf[(w.head+i)%len(w.buf)]
	}
	return out
}

func (w *Window) recompute() {
	candles := w.ordered()
	open := make([]float64, len(candles))
	high := make([]float64, len(candles))
	low := make([]float64, len(candles))
	closes := make([]float64, len(candles))
	volume := make([]float64, len(candles))
	for i, c := range candles {
		open[i] = c.Open
		high[i] = c.High
		low[i] = c.Low
		closes[i] = c.Close
		volume[i] = c.Volume
	}
	w.features = ta.Compute(open, high, low, closes, volume, w.params)
}

func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.size
}

func (w *Window) Capacity() int { return len(w.buf) }

// LastClose 最新收盘价；窗口为空时返回 0
func (w *Window) LastClose() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.size == 0 {
		return 0
	}
	return w.buf[(w.head+w.size-1)%len(w.buf)].Close
}

// LastOpenTime 最新一根 K 线的开盘时间
func (w *Window) LastOpenTime() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.size == 0 {
		return time.Time{}
	}
	return w.buf[(w.head+w.size-1)%len(w.buf)].OpenTime
}

// FeatureNames 特征列顺序，与 Tail 的列对齐
func (w *Window) FeatureNames() []string { return w.params.FeatureNames() }

// Tail 返回最近 n 行特征矩阵的副本。行数不足时报错。
func (w *Window) Tail(n int) ([][]float64, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if n <= 0 || n > w.size {
		return nil, fmt.Errorf("window: need %d rows, have %d", n, w.size)
	}
	out := make([][]float64, n)
	for i := 0; i < n; i++ {
		src := w.features[w.size-n+i]
		row := make([]float64, len(src))
		copy(row, src)
		out[i] = row
	}
	return out, nil
}
