// Package ledger 实现账户的纯逻辑记账状态机。
// 不做任何 I/O；所有变更由 Orchestrator 单协程驱动，无需内部加锁。
package ledger

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInsufficientBalance 操作成本超过可用余额，操作被整体拒绝 (不产生部分执行)
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrNoPosition 在没有持仓时调用了 Increase/Reduce/Close
	ErrNoPosition = errors.New("no open position")
	// ErrPositionExists 已有持仓时再次 Open
	ErrPositionExists = errors.New("position already open")
	// ErrInvalidArgument 数量/价格/比例非法
	ErrInvalidArgument = errors.New("invalid argument")
)

// Side 表示持仓方向
type Side string

const (
	Long  Side = "long"
	Short Side = "short"
)

// Sign 方向系数：Long=+1, Short=-1，用于 PnL 计算
func (s Side) Sign() float64 {
	if s == Short {
		return -1
	}
	return 1
}

func (s Side) String() string { return string(s) }

// Position 当前唯一持仓 (单持仓模型，0 或 1 个)
type Position struct {
	Side         Side
	EntryPrice   float64 // 加权平均入场价
	Quantity     float64 // 币数量
	MarginLocked float64 // 被该持仓锁定的保证金
	OpenedAtTick int64
	OpenedAt     time.Time
}

// TradeRecord 记录一次完整的开平仓 (或一次部分减仓)
type TradeRecord struct {
	OpenedAt    time.Time
	ClosedAt    time.Time
	Side        Side
	EntryPrice  float64
	ExitPrice   float64
	Quantity    float64
	RealizedPnL float64 // 已扣除平仓费用
	Fee         float64 // 平仓侧手续费 + 滑点
}

// Ledger 账户台账：balance 为自由流动资金，不含持仓锁定的保证金
type Ledger struct {
	balance          float64
	unrealizedPnL    float64
	realizedPnLTotal float64
	maxEquitySeen    float64
	position         *Position

	leverage      float64
	commissionPct float64
	slippagePct   float64

	tick    int64
	history []TradeRecord
}

// New 根据初始资金和费率假设创建台账
func New(initialCapital, leverage, commissionPct, slippagePct float64) *Ledger {
	return &Ledger{
		balance:       initialCapital,
		maxEquitySeen: initialCapital,
		leverage:      leverage,
		commissionPct: commissionPct,
		slippagePct:   slippagePct,
	}
}

// AdvanceTick 每根 K 线推进一次，用于持仓年龄统计
func (l *Ledger) AdvanceTick() { l.tick++ }

func (l *Ledger) Tick() int64 { return l.tick }

func (l *Ledger) Balance() float64 { return l.balance }

func (l *Ledger) Leverage() float64 { return l.leverage }

func (l *Ledger) UnrealizedPnL() float64 { return l.unrealizedPnL }

func (l *Ledger) RealizedPnLTotal() float64 { return l.realizedPnLTotal }

func (l *Ledger) MaxEquitySeen() float64 { return l.maxEquitySeen }

// Position 返回当前持仓，空仓时为 nil。调用方不得修改返回值。
func (l *Ledger) Position() *Position { return l.position }

func (l *Ledger) HasPosition() bool { return l.position != nil }

// MarginLocked 当前被锁定的保证金总额
func (l *Ledger) MarginLocked() float64 {
	if l.position == nil {
		return 0
	}
	return l.position.MarginLocked
}

// Equity 账户净值 = balance + 锁定保证金 + 未实现盈亏
func (l *Ledger) Equity() float64 {
	return l.balance + l.MarginLocked() + l.unrealizedPnL
}

// Drawdown 先单调更新 maxEquitySeen，再计算当前回撤。
// maxEquitySeen 为 0 时回撤定义为 0。
func (l *Ledger) Drawdown() float64 {
	eq := l.Equity()
	if eq > l.maxEquitySeen {
		l.maxEquitySeen = eq
	}
	if l.maxEquitySeen <= 0 {
		return 0
	}
	return (l.maxEquitySeen - eq) / l.maxEquitySeen
}

// fees 计算给定名义价值下的手续费和滑点成本
func (l *Ledger) fees(price, quantity float64) (commission, slippage float64) {
	notional := price * quantity
	return notional * l.commissionPct, notional * l.slippagePct
}

// Open 开仓。成本 = 保证金 + 手续费 + 滑点；余额不足时整体拒绝，状态不变。
func (l *Ledger) Open(side Side, quantity, price float64) error {
	if l.position != nil {
		return ErrPositionExists
	}
	if side != Long && side != Short {
		return fmt.Errorf("%w: side %q", ErrInvalidArgument, side)
	}
	if quantity <= 0 || price <= 0 {
		return fmt.Errorf("%w: quantity=%v price=%v", ErrInvalidArgument, quantity, price)
	}

	margin := price * quantity / l.leverage
	commission, slippage := l.fees(price, quantity)
	cost := margin + commission + slippage
	if cost > l.balance {
		return fmt.Errorf("%w: need %.8f, have %.8f", ErrInsufficientBalance, cost, l.balance)
	}

	l.balance -= cost
	l.position = &Position{
		Side:         side,
		EntryPrice:   price,
		Quantity:     quantity,
		MarginLocked: margin,
		OpenedAtTick: l.tick,
		OpenedAt:     time.Now(),
	}
	l.unrealizedPnL = 0
	return nil
}

// Increase 加仓。追加数量的成本只能来自 balance，绝不重复占用已锁定的保证金。
// 入场价按数量加权平均。
func (l *Ledger) Increase(quantity, price float64) error {
	if l.position == nil {
		return ErrNoPosition
	}
	if quantity <= 0 || price <= 0 {
		return fmt.Errorf("%w: quantity=%v price=%v", ErrInvalidArgument, quantity, price)
	}

	margin := price * quantity / l.leverage
	commission, slippage := l.fees(price, quantity)
	cost := margin + commission + slippage
	if cost > l.balance {
		return fmt.Errorf("%w: need %.8f, have %.8f", ErrInsufficientBalance, cost, l.balance)
	}

	p := l.position
	totalQty := p.Quantity + quantity
	p.EntryPrice = (p.EntryPrice*p.Quantity + price*quantity) / totalQty
	p.Quantity = totalQty
	p.MarginLocked += margin
	l.balance -= cost

	l.markToMarket(price)
	return nil
}

// Reduce 按比例减仓，释放对应比例的保证金并落实该部分盈亏。
// fraction 必须在 (0,1)；整仓退出请用 Close。
func (l *Ledger) Reduce(fraction, price float64) error {
	if l.position == nil {
		return ErrNoPosition
	}
	if fraction <= 0 || fraction >= 1 || price <= 0 {
		return fmt.Errorf("%w: fraction=%v price=%v", ErrInvalidArgument, fraction, price)
	}

	p := l.position
	qty := p.Quantity * fraction
	marginReleased := p.MarginLocked * fraction
	commission, slippage := l.fees(price, qty)
	grossPnL := p.Side.Sign() * (price - p.EntryPrice) * qty
	realized := grossPnL - commission - slippage

	// 平仓释放额以 0 为下限：亏损超过该份额保证金时，交易所早已强平对应部分
	release := marginReleased + realized
	if release < 0 {
		realized = -marginReleased
		release = 0
	}

	l.balance += release
	l.realizedPnLTotal += realized
	p.Quantity -= qty
	p.MarginLocked -= marginReleased

	l.history = append(l.history, TradeRecord{
		OpenedAt:    p.OpenedAt,
		ClosedAt:    time.Now(),
		Side:        p.Side,
		EntryPrice:  p.EntryPrice,
		ExitPrice:   price,
		Quantity:    qty,
		RealizedPnL: realized,
		Fee:         commission + slippage,
	})

	l.markToMarket(price)
	return nil
}

// Close 全平：释放全部保证金，把未实现盈亏折入已实现盈亏和余额
func (l *Ledger) Close(price float64) error {
	if l.position == nil {
		return ErrNoPosition
	}
	if price <= 0 {
		return fmt.Errorf("%w: price=%v", ErrInvalidArgument, price)
	}

	p := l.position
	commission, slippage := l.fees(price, p.Quantity)
	grossPnL := p.Side.Sign() * (price - p.EntryPrice) * p.Quantity
	realized := grossPnL - commission - slippage

	release := p.MarginLocked + realized
	if release < 0 {
		realized = -p.MarginLocked
		release = 0
	}

	l.balance += release
	l.realizedPnLTotal += realized

	l.history = append(l.history, TradeRecord{
		OpenedAt:    p.OpenedAt,
		ClosedAt:    time.Now(),
		Side:        p.Side,
		EntryPrice:  p.EntryPrice,
		ExitPrice:   price,
		Quantity:    p.Quantity,
		RealizedPnL: realized,
		Fee:         commission + slippage,
	})

	l.position = nil
	l.unrealizedPnL = 0
	return nil
}

// MarkToMarket 按最新价格重算未实现盈亏。每个 tick 必须在任何依赖 equity 的
// 决策之前调用一次。
func (l *Ledger) MarkToMarket(price float64) error {
	if price <= 0 {
		return fmt.Errorf("%w: price=%v", ErrInvalidArgument, price)
	}
	l.markToMarket(price)
	return nil
}

func (l *Ledger) markToMarket(price float64) {
	if l.position == nil {
		l.unrealizedPnL = 0
		return
	}
	p := l.position
	l.unrealizedPnL = p.Side.Sign() * (price - p.EntryPrice) * p.Quantity
}

// History 返回已落实的交易记录 (追加式，调用方只读)
func (l *Ledger) History() []TradeRecord { return l.history }

// Snapshot 台账的不可变视图，供观察构建和审计记录使用
type Snapshot struct {
	Balance          float64
	MarginLocked     float64
	UnrealizedPnL    float64
	RealizedPnLTotal float64
	Equity           float64
	MaxEquitySeen    float64
	HasPosition      bool
	Side             Side
	EntryPrice       float64
	Quantity         float64
}

func (l *Ledger) Snapshot() Snapshot {
	s := Snapshot{
		Balance:          l.balance,
		MarginLocked:     l.MarginLocked(),
		UnrealizedPnL:    l.unrealizedPnL,
		RealizedPnLTotal: l.realizedPnLTotal,
		Equity:           l.Equity(),
		MaxEquitySeen:    l.maxEquitySeen,
	}
	if l.position != nil {
		s.HasPosition = true
		s.Side = l.position.Side
		s.EntryPrice = l.position.EntryPrice
		s.Quantity = l.position.Quantity
	}
	return s
}
