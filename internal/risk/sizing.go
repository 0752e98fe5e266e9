package risk

import (
	"crypto-rl-trader/internal/ledger"
)

// Sizer 根据账本状态和动作强度把意图转换成具体下单数量。
// 开仓按权益算，加仓只能花剩余现金，减仓按当前持仓比例。
type Sizer struct {
	leverage      float64
	commissionPct float64
	slippagePct   float64
}

func NewSizer(leverage, commissionPct, slippagePct float64) *Sizer {
	return &Sizer{
		leverage:      leverage,
		commissionPct: commissionPct,
		slippagePct:   slippagePct,
	}
}

// SizeForOpen 开新仓的数量: 权益 × 杠杆 × 强度 / 价格。
// 若按该数量算出的保证金加手续费超过可用现金，则缩到现金刚好
// 付得起的最大数量，避免提交一个注定被账本拒绝的订单。
func (s *Sizer) SizeForOpen(snap ledger.Snapshot, intensity, price float64) float64 {
	if price <= 0 || intensity <= 0 {
		return 0
	}
	qty := snap.Equity * s.leverage * intensity / price
	return s.capToBalance(qty, snap.Balance, price)
}

// SizeForIncrease 加仓数量: 只允许动用剩余现金，不得重复占用
// 已锁定的保证金。现金耗尽时返回 0，调用方视为无法加仓。
func (s *Sizer) SizeForIncrease(snap ledger.Snapshot, intensity, price float64) float64 {
	if price <= 0 || intensity <= 0 || snap.Balance <= 0 {
		return 0
	}
	qty := snap.Balance * s.leverage * intensity / price
	return s.capToBalance(qty, snap.Balance, price)
}

// SizeForReduce 减仓只返回比例，具体数量以交易所上报的持仓为准
func (s *Sizer) SizeForReduce(intensity float64) float64 {
	if intensity <= 0 {
		return 0
	}
	if intensity >= 1 {
		return 1
	}
	return intensity
}

// capToBalance 把数量缩到现金足以支付保证金和双边摩擦成本的上限。
// 每单位数量的成本 = price/leverage + price*(commission+slippage)。
func (s *Sizer) capToBalance(qty, balance, price float64) float64 {
	unitCost := price/s.leverage + price*(s.commissionPct+s.slippagePct)
	if unitCost <= 0 {
		return 0
	}
	maxQty := balance / unitCost
	if qty > maxQty {
		qty = maxQty
	}
	if qty <= 0 {
		return 0
	}
	return qty
}
