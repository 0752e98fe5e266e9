// Package ta 基于 go-talib 计算滚动窗口上的技术指标。
// 指标集合与周期必须与训练数据管线保持一致，否则模型输入失真。
package ta

import (
	"math"

	"github.com/markcheno/go-talib"
)

// Params 指标周期参数
type Params struct {
	SMAShort     int
	SMALong      int
	RSILength    int
	MACDFast     int
	MACDSlow     int
	MACDSignal   int
	BBandsLength int
	BBandsStd    float64
}

// Lookback 返回所有指标中最长的预热长度。
// 窗口内早于该长度的行指标未定义 (NaN)。
func (p Params) Lookback() int {
	lb := p.SMAShort - 1
	if v := p.SMALong - 1; v > lb {
		lb = v
	}
	if v := p.RSILength; v > lb {
		lb = v
	}
	// MACD 直方图需要 slow EMA 加 signal EMA 双重预热
	if v := p.MACDSlow + p.MACDSignal - 2; v > lb {
		lb = v
	}
	if v := p.BBandsLength - 1; v > lb {
		lb = v
	}
	return lb
}

// FeatureNames 返回特征列的固定顺序。
// 该顺序就是喂给归一化器和模型的列顺序，禁止改动。
func (p Params) FeatureNames() []string {
	return []string{
		"open", "high", "low", "close", "volume",
		"sma_short", "sma_long", "rsi",
		"macd", "macd_signal", "macd_hist",
		"bb_upper", "bb_middle", "bb_lower",
	}
}

// Compute 在完整的 OHLCV 序列上计算特征矩阵，行数与输入相同，
// 列顺序与 FeatureNames 一致。预热期内的指标值为 NaN，绝不以 0 填充。
func Compute(open, high, low, closes, volume []float64, p Params) [][]float64 {
	n := len(closes)
	names := p.FeatureNames()
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = make([]float64, len(names))
	}
	if n == 0 {
		return rows
	}

	// talib 对短于周期的序列会越界，预热不足时整列置 NaN
	nan := nanColumn(n)

	smaShort, smaLong, rsi := nan, nan, nan
	if n >= p.SMAShort {
		smaShort = masked(talib.Sma(closes, p.SMAShort), p.SMAShort-1)
	}
	if n >= p.SMALong {
		smaLong = masked(talib.Sma(closes, p.SMALong), p.SMALong-1)
	}
	if n >= p.RSILength+1 {
		rsi = masked(talib.Rsi(closes, p.RSILength), p.RSILength)
	}

	macd, macdSignal, macdHist := nan, nan, nan
	macdLB := p.MACDSlow + p.MACDSignal - 2
	if n >= macdLB+1 {
		macd, macdSignal, macdHist = talib.Macd(closes, p.MACDFast, p.MACDSlow, p.MACDSignal)
		macd = masked(macd, p.MACDSlow-1)
		macdSignal = masked(macdSignal, macdLB)
		macdHist = masked(macdHist, macdLB)
	}

	bbUp, bbMid, bbDn := nan, nan, nan
	if n >= p.BBandsLength {
		bbUp, bbMid, bbDn = talib.BBands(closes, p.BBandsLength, p.BBandsStd, p.BBandsStd, talib.SMA)
		bbUp = masked(bbUp, p.BBandsLength-1)
		bbMid = masked(bbMid, p.BBandsLength-1)
		bbDn = masked(bbDn, p.BBandsLength-1)
	}

	for i := 0; i < n; i++ {
		rows[i][0] = open[i]
		rows[i][1] = high[i]
		rows[i][2] = low[i]
		rows[i][3] = closes[i]
		rows[i][4] = volume[i]
		rows[i][5] = smaShort[i]
		rows[i][6] = smaLong[i]
		rows[i][7] = rsi[i]
		rows[i][8] = macd[i]
		rows[i][9] = macdSignal[i]
		rows[i][10] = macdHist[i]
		rows[i][11] = bbUp[i]
		rows[i][12] = bbMid[i]
		rows[i][13] = bbDn[i]
	}
	return rows
}

// nanColumn 返回长度为 n 的全 NaN 列。
func nanColumn(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// masked 把 talib 输出里预热期的 0 值替换成 NaN。
// talib 在 lookback 之前填 0，而 0 对 RSI/MACD 来说是合法取值，
// 只能按索引屏蔽而不能按值判断。
func masked(series []float64, lookback int) []float64 {
	if lookback < 0 {
		lookback = 0
	}
	out := make([]float64, len(series))
	copy(out, series)
	for i := 0; i < lookback && i < len(out); i++ {
		out[i] = math.NaN()
	}
	return out
}
