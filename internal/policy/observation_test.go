package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-rl-trader/internal/feed"
	"crypto-rl-trader/internal/ledger"
	"crypto-rl-trader/pkg/ta"
)

// 短周期指标参数，3 根之后全部特征就绪
var testParams = ta.Params{
	SMAShort: 2, SMALong: 3, RSILength: 2,
	MACDFast: 2, MACDSlow: 3, MACDSignal: 2,
	BBandsLength: 2, BBandsStd: 2,
}

func buildWindow(t *testing.T, candles int) *feed.Window {
	t.Helper()
	w := feed.NewWindow(candles, testParams)
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < candles; i++ {
		price := 100 + float64(i%5) + float64(i)*0.3
		ok := w.Append(feed.Candle{
			OpenTime:  base.Add(time.Duration(i) * time.Minute),
			Open:      price,
			High:      price + 1,
			Low:       price - 1,
			Close:     price + 0.5,
			Volume:    10 + float64(i),
			CloseTime: base.Add(time.Duration(i+1) * time.Minute),
		})
		require.True(t, ok)
	}
	return w
}

func identityNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	names := testParams.FeatureNames()
	mean := make([]float64, len(names))
	std := make([]float64, len(names))
	for i := range std {
		std[i] = 1
	}
	path := writeArtifact(t, map[string]interface{}{
		"feature_names": names,
		"mean":          mean,
		"std":           std,
	})
	n, err := LoadNormalizer(path)
	require.NoError(t, err)
	return n
}

func TestBuildObservation(t *testing.T) {
	w := buildWindow(t, 10)
	b := NewBuilder(4, identityNormalizer(t), true)

	snap := ledger.Snapshot{
		Equity:        10000,
		UnrealizedPnL: 500,
		HasPosition:   true,
		Side:          ledger.Short,
	}

	obs, err := b.Build(w, snap)
	require.NoError(t, err)

	require.Len(t, obs.Market, 4)
	for _, row := range obs.Market {
		assert.Len(t, row, len(testParams.FeatureNames()))
	}

	// [equity/10000, pnl/1000, 方向]，空头方向是 -1
	assert.InDelta(t, 1.0, obs.Portfolio[0], 1e-12)
	assert.InDelta(t, 0.5, obs.Portfolio[1], 1e-12)
	assert.Equal(t, -1.0, obs.Portfolio[2])
}

func TestBuildObservationFlatPortfolio(t *testing.T) {
	w := buildWindow(t, 10)
	b := NewBuilder(4, identityNormalizer(t), true)

	obs, err := b.Build(w, ledger.Snapshot{Equity: 5000})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, obs.Portfolio[0], 1e-12)
	assert.Zero(t, obs.Portfolio[1])
	assert.Zero(t, obs.Portfolio[2]) // 空仓编码为 0
}

func TestBuildObservationUnscaledPortfolio(t *testing.T) {
	w := buildWindow(t, 10)
	b := NewBuilder(4, identityNormalizer(t), false)

	obs, err := b.Build(w, ledger.Snapshot{
		Equity: 10000, UnrealizedPnL: -250, HasPosition: true, Side: ledger.Long,
	})
	require.NoError(t, err)
	assert.Equal(t, 10000.0, obs.Portfolio[0])
	assert.Equal(t, -250.0, obs.Portfolio[1])
	assert.Equal(t, 1.0, obs.Portfolio[2])
}

// 窗口尾部仍包含预热期的 NaN 指标时必须拒绝构建，绝不填 0 伪装
func TestBuildObservationIncompleteIndicators(t *testing.T) {
	w := buildWindow(t, 10)
	b := NewBuilder(9, identityNormalizer(t), true)

	_, err := b.Build(w, ledger.Snapshot{Equity: 10000})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIncompleteIndicators)
}

func TestBuildObservationWindowTooShort(t *testing.T) {
	w := buildWindow(t, 5)
	b := NewBuilder(8, identityNormalizer(t), true)

	_, err := b.Build(w, ledger.Snapshot{Equity: 10000})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIncompleteIndicators)
}
