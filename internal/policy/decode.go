// Package policy 封装决策模型：观察构建、归一化、ONNX 推理和动作解码。
// 模型是训练产物，这里只消费，绝不在运行时重新拟合任何东西。
package policy

import (
	"math"

	"crypto-rl-trader/internal/ledger"
)

// IntentKind 交易意图的种类 (带标签的联合，Orchestrator 里穷举匹配)
type IntentKind int

const (
	Hold IntentKind = iota
	OpenLong
	OpenShort
	IncreaseLong
	IncreaseShort
	ReduceLong
	ReduceShort
	CloseLong
	CloseShort
)

var intentNames = map[IntentKind]string{
	Hold:          "hold",
	OpenLong:      "open_long",
	OpenShort:     "open_short",
	IncreaseLong:  "increase_long",
	IncreaseShort: "increase_short",
	ReduceLong:    "reduce_long",
	ReduceShort:   "reduce_short",
	CloseLong:     "close_long",
	CloseShort:    "close_short",
}

func (k IntentKind) String() string { return intentNames[k] }

// IsEntry 开仓或加仓
func (k IntentKind) IsEntry() bool {
	switch k {
	case OpenLong, OpenShort, IncreaseLong, IncreaseShort:
		return true
	}
	return false
}

// IsExit 平仓或减仓
func (k IntentKind) IsExit() bool {
	switch k {
	case ReduceLong, ReduceShort, CloseLong, CloseShort:
		return true
	}
	return false
}

// Side 意图作用的方向
func (k IntentKind) Side() ledger.Side {
	switch k {
	case OpenLong, IncreaseLong, ReduceLong, CloseLong:
		return ledger.Long
	case OpenShort, IncreaseShort, ReduceShort, CloseShort:
		return ledger.Short
	}
	return ""
}

// Intent 结构化交易意图。Intensity 是策略想投入的买力比例 [0,1]。
type Intent struct {
	Kind      IntentKind
	Intensity float64
}

// DecodeAction 把模型的连续输出解码为交易意图。
// |raw| 不超过 holdThreshold 视为 Hold；否则符号决定方向：
//   - 空仓 → 开仓
//   - 同向持仓 → 加仓
//   - 反向持仓 → 只平仓。同一个 tick 绝不既平又反向开，
//     反向重开 (如果有) 是平仓确认后下一个 tick 的独立意图。
func DecodeAction(raw float64, hasPosition bool, side ledger.Side, holdThreshold float64) Intent {
	intensity := math.Abs(raw)
	if intensity <= holdThreshold {
		return Intent{Kind: Hold, Intensity: intensity}
	}

	if raw > 0 {
		switch {
		case !hasPosition:
			return Intent{Kind: OpenLong, Intensity: intensity}
		case side == ledger.Long:
			return Intent{Kind: IncreaseLong, Intensity: intensity}
		default:
			return Intent{Kind: CloseShort, Intensity: intensity}
		}
	}

	switch {
	case !hasPosition:
		return Intent{Kind: OpenShort, Intensity: intensity}
	case side == ledger.Short:
		return Intent{Kind: IncreaseShort, Intensity: intensity}
	default:
		return Intent{Kind: CloseLong, Intensity: intensity}
	}
}
