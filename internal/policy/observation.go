package policy

import (
	"errors"
	"fmt"
	"math"

	"crypto-rl-trader/internal/feed"
	"crypto-rl-trader/internal/ledger"
)

// ErrIncompleteIndicators 观察窗口内存在未定义的指标。
// 只应出现在预热不足时；必须作为进入紧急路径的信号向上传播，
// 绝不允许用 0 填充伪装成合法数据喂给模型。
var ErrIncompleteIndicators = errors.New("incomplete indicators in observation window")

// 静态归一化尺度，与训练时保持一致
const (
	equityScale = 10000.0
	pnlScale    = 1000.0
)

// Observation 模型输入：市场窗口矩阵 + 账户向量 [equity, 未实现盈亏, 持仓方向]
type Observation struct {
	Market    [][]float64 // windowSize x 特征数，已标准化
	Portfolio [3]float64
}

// Builder 观察构建器
type Builder struct {
	windowSize     int
	normalizer     *Normalizer
	scalePortfolio bool
}

func NewBuilder(windowSize int, normalizer *Normalizer, scalePortfolio bool) *Builder {
	return &Builder{
		windowSize:     windowSize,
		normalizer:     normalizer,
		scalePortfolio: scalePortfolio,
	}
}

// Build 从滚动窗口和台账快照构建归一化观察。
// 最近 windowSize 行里任何一个 NaN 指标都会返回 ErrIncompleteIndicators。
func (b *Builder) Build(w *feed.Window, snap ledger.Snapshot) (Observation, error) {
	var obs Observation

	rows, err := w.Tail(b.windowSize)
	if err != nil {
		return obs, fmt.Errorf("%w: %v", ErrIncompleteIndicators, err)
	}

	market := make([][]float64, len(rows))
	for i, row := range rows {
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return obs, fmt.Errorf("%w: row %d feature %q undefined",
					ErrIncompleteIndicators, i, w.FeatureNames()[j])
			}
		}
		scaled, err := b.normalizer.Transform(row)
		if err != nil {
			return obs, err
		}
		market[i] = scaled
	}
	obs.Market = market

	// 持仓方向编码：+1 多，-1 空，0 空仓
	var sideValue float64
	if snap.HasPosition {
		sideValue = snap.Side.Sign()
	}

	if b.scalePortfolio {
		obs.Portfolio = [3]float64{
			snap.Equity / equityScale,
			snap.UnrealizedPnL / pnlScale,
			sideValue,
		}
	} else {
		obs.Portfolio = [3]float64{snap.Equity, snap.UnrealizedPnL, sideValue}
	}
	return obs, nil
}
