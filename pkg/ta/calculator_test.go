package ta

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaultParams = Params{
	SMAShort: 7, SMALong: 25, RSILength: 14,
	MACDFast: 12, MACDSlow: 26, MACDSignal: 9,
	BBandsLength: 20, BBandsStd: 2,
}

func TestLookback(t *testing.T) {
	// MACD 直方图的双重预热最长: 26+9-2 = 33
	assert.Equal(t, 33, defaultParams.Lookback())

	p := Params{SMAShort: 2, SMALong: 50, RSILength: 14,
		MACDFast: 3, MACDSlow: 5, MACDSignal: 2, BBandsLength: 10, BBandsStd: 2}
	assert.Equal(t, 49, p.Lookback()) // SMA 50 最长
}

func TestFeatureNamesStable(t *testing.T) {
	names := defaultParams.FeatureNames()
	assert.Equal(t, []string{
		"open", "high", "low", "close", "volume",
		"sma_short", "sma_long", "rsi",
		"macd", "macd_signal", "macd_hist",
		"bb_upper", "bb_middle", "bb_lower",
	}, names)
}

func makeSeries(n int) (open, high, low, closes, volume []float64) {
	open = make([]float64, n)
	high = make([]float64, n)
	low = make([]float64, n)
	closes = make([]float64, n)
	volume = make([]float64, n)
	for i := 0; i < n; i++ {
		p := 100 + 10*math.Sin(float64(i)/5) + float64(i)*0.1
		open[i] = p
		high[i] = p + 1
		low[i] = p - 1
		closes[i] = p + 0.3
		volume[i] = 50 + float64(i%10)
	}
	return
}

func TestComputeShapeAndWarmup(t *testing.T) {
	const n = 60
	open, high, low, closes, volume := makeSeries(n)
	rows := Compute(open, high, low, closes, volume, defaultParams)

	require.Len(t, rows, n)
	for _, row := range rows {
		require.Len(t, row, len(defaultParams.FeatureNames()))
	}

	// OHLCV 列原样透传
	for i := 0; i < n; i++ {
		assert.Equal(t, open[i], rows[i][0])
		assert.Equal(t, closes[i], rows[i][3])
		assert.Equal(t, volume[i], rows[i][4])
	}

	// 预热结束后所有指标有限
	lb := defaultParams.Lookback()
	for i := lb; i < n; i++ {
		for j, v := range rows[i] {
			assert.False(t, math.IsNaN(v), "row %d col %d is NaN", i, j)
		}
	}

	// 预热期指标是 NaN 而不是伪装的 0
	assert.True(t, math.IsNaN(rows[0][7]), "rsi warm-up must be NaN")
	assert.True(t, math.IsNaN(rows[0][10]), "macd_hist warm-up must be NaN")
	assert.True(t, math.IsNaN(rows[lb-1][10]), "macd_hist defined only after lookback")
}

func TestComputeKnownSMA(t *testing.T) {
	closes := []float64{1, 2, 3, 4, 5}
	zeros := []float64{0, 0, 0, 0, 0}
	p := Params{SMAShort: 3, SMALong: 5, RSILength: 2,
		MACDFast: 2, MACDSlow: 3, MACDSignal: 2, BBandsLength: 3, BBandsStd: 2}
	rows := Compute(zeros, zeros, zeros, closes, zeros, p)

	// sma_short(3): 前两行 NaN，之后 (1+2+3)/3=2, 3, 4
	assert.True(t, math.IsNaN(rows[1][5]))
	assert.InDelta(t, 2, rows[2][5], 1e-9)
	assert.InDelta(t, 3, rows[3][5], 1e-9)
	assert.InDelta(t, 4, rows[4][5], 1e-9)

	// sma_long(5): 只有最后一行有值 (1+..+5)/5 = 3
	assert.True(t, math.IsNaN(rows[3][6]))
	assert.InDelta(t, 3, rows[4][6], 1e-9)

	// bb_middle 就是 SMA(3)
	assert.InDelta(t, rows[4][5], rows[4][12], 1e-9)
	// 带宽对称
	assert.InDelta(t, rows[4][12]-rows[4][13], rows[4][11]-rows[4][12], 1e-9)
}

func TestComputeShortSeries(t *testing.T) {
	// 序列短于最长指标周期时不能崩溃：窗口逐根增长时
	// 每追加一根都会从头重算一次特征矩阵
	for n := 1; n <= defaultParams.Lookback(); n++ {
		open, high, low, closes, volume := makeSeries(n)
		rows := Compute(open, high, low, closes, volume, defaultParams)
		require.Len(t, rows, n)

		// OHLCV 照常透传
		assert.Equal(t, closes[n-1], rows[n-1][3])
		// 最长预热的 macd_hist 在整个预热期内都是 NaN
		assert.True(t, math.IsNaN(rows[n-1][10]), "n=%d macd_hist", n)
	}

	// 连最短周期都不够时所有指标列全 NaN
	open, high, low, closes, volume := makeSeries(defaultParams.SMAShort - 1)
	rows := Compute(open, high, low, closes, volume, defaultParams)
	for i := range rows {
		for j := 5; j < len(rows[i]); j++ {
			assert.True(t, math.IsNaN(rows[i][j]), "row %d col %d", i, j)
		}
	}
}

func TestComputeEmptyInput(t *testing.T) {
	rows := Compute(nil, nil, nil, nil, nil, defaultParams)
	assert.Empty(t, rows)
}

func TestMasked(t *testing.T) {
	out := masked([]float64{0, 0, 3, 4}, 2)
	assert.True(t, math.IsNaN(out[0]))
	assert.True(t, math.IsNaN(out[1]))
	assert.Equal(t, 3.0, out[2])
	assert.Equal(t, 4.0, out[3])

	// 负 lookback 按 0 处理
	out = masked([]float64{1, 2}, -1)
	assert.Equal(t, []float64{1, 2}, out)
}
