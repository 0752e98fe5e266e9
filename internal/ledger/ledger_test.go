package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 无费率的台账，数值干净便于断言
func newCleanLedger(capital, leverage float64) *Ledger {
	return New(capital, leverage, 0, 0)
}

func TestOpenLocksMarginAndFees(t *testing.T) {
	l := New(10000, 10, 0.0004, 0.0001)

	err := l.Open(Long, 1, 1000)
	require.NoError(t, err)

	// 保证金 100 + 手续费 0.4 + 滑点 0.1
	assert.InDelta(t, 9899.5, l.Balance(), 1e-9)
	assert.InDelta(t, 100, l.MarginLocked(), 1e-9)
	assert.InDelta(t, 9999.5, l.Equity(), 1e-9)

	pos := l.Position()
	require.NotNil(t, pos)
	assert.Equal(t, Long, pos.Side)
	assert.InDelta(t, 1000, pos.EntryPrice, 1e-9)
	assert.InDelta(t, 1.0, pos.Quantity, 1e-9)
}

func TestOpenInsufficientBalanceRejectedAtomically(t *testing.T) {
	l := New(100, 10, 0.0004, 0.0001)

	// 需要保证金 1000，远超余额
	err := l.Open(Long, 10, 1000)
	require.ErrorIs(t, err, ErrInsufficientBalance)

	// 拒绝必须是整体的：余额和持仓都不变
	assert.InDelta(t, 100, l.Balance(), 1e-9)
	assert.False(t, l.HasPosition())
}

func TestOpenWhileHoldingRejected(t *testing.T) {
	l := newCleanLedger(10000, 10)
	require.NoError(t, l.Open(Long, 1, 1000))

	err := l.Open(Short, 1, 1000)
	assert.ErrorIs(t, err, ErrPositionExists)
}

func TestOpenInvalidArguments(t *testing.T) {
	l := newCleanLedger(10000, 10)
	assert.ErrorIs(t, l.Open(Long, 0, 1000), ErrInvalidArgument)
	assert.ErrorIs(t, l.Open(Long, 1, -5), ErrInvalidArgument)
	assert.ErrorIs(t, l.Open(Side("sideways"), 1, 1000), ErrInvalidArgument)
}

func TestIncreaseAveragesEntryPrice(t *testing.T) {
	l := newCleanLedger(10000, 10)
	require.NoError(t, l.Open(Long, 1, 1000))
	require.NoError(t, l.Increase(1, 1200))

	pos := l.Position()
	require.NotNil(t, pos)
	assert.InDelta(t, 1100, pos.EntryPrice, 1e-9)
	assert.InDelta(t, 2.0, pos.Quantity, 1e-9)
	assert.InDelta(t, 220, pos.MarginLocked, 1e-9)
	assert.InDelta(t, 9780, l.Balance(), 1e-9)
	// 加仓后按加仓价 mark: (1200-1100)*2 = 200
	assert.InDelta(t, 200, l.UnrealizedPnL(), 1e-9)
	assert.InDelta(t, 10200, l.Equity(), 1e-9)
}

func TestIncreaseSpendsBalanceOnly(t *testing.T) {
	l := newCleanLedger(200, 10)
	require.NoError(t, l.Open(Long, 1, 1000)) // 保证金 100，剩 100

	// 追加 2 个需要保证金 200 > 剩余 100，整体拒绝
	err := l.Increase(2, 1000)
	require.ErrorIs(t, err, ErrInsufficientBalance)
	assert.InDelta(t, 100, l.Balance(), 1e-9)
	assert.InDelta(t, 1.0, l.Position().Quantity, 1e-9)
}

func TestReducePartial(t *testing.T) {
	l := newCleanLedger(10000, 10)
	require.NoError(t, l.Open(Long, 2, 1100))

	require.NoError(t, l.Reduce(0.5, 1200))

	pos := l.Position()
	require.NotNil(t, pos)
	assert.InDelta(t, 1.0, pos.Quantity, 1e-9)
	assert.InDelta(t, 110, pos.MarginLocked, 1e-9)
	// 释放 110 保证金 + 100 已实现盈亏
	assert.InDelta(t, 9780+210, l.Balance(), 1e-9)
	assert.InDelta(t, 100, l.RealizedPnLTotal(), 1e-9)
	require.Len(t, l.History(), 1)
	assert.InDelta(t, 100, l.History()[0].RealizedPnL, 1e-9)
}

func TestReduceInvalidFraction(t *testing.T) {
	l := newCleanLedger(10000, 10)
	require.NoError(t, l.Open(Long, 1, 1000))

	assert.ErrorIs(t, l.Reduce(0, 1000), ErrInvalidArgument)
	assert.ErrorIs(t, l.Reduce(1, 1000), ErrInvalidArgument)
	assert.ErrorIs(t, l.Reduce(-0.3, 1000), ErrInvalidArgument)
}

func TestCloseFoldsPnLIntoBalance(t *testing.T) {
	l := newCleanLedger(10000, 10)
	require.NoError(t, l.Open(Short, 2, 1000)) // 保证金 200，余额 9800

	require.NoError(t, l.Close(900)) // 空头盈利 (1000-900)*2 = 200

	assert.False(t, l.HasPosition())
	assert.InDelta(t, 10200, l.Balance(), 1e-9)
	assert.InDelta(t, 200, l.RealizedPnLTotal(), 1e-9)
	assert.InDelta(t, 0, l.UnrealizedPnL(), 1e-9)
	require.Len(t, l.History(), 1)
}

func TestCloseWithoutPosition(t *testing.T) {
	l := newCleanLedger(10000, 10)
	assert.ErrorIs(t, l.Close(1000), ErrNoPosition)
	assert.ErrorIs(t, l.Reduce(0.5, 1000), ErrNoPosition)
	assert.ErrorIs(t, l.Increase(1, 1000), ErrNoPosition)
}

func TestCloseLossCappedAtMargin(t *testing.T) {
	l := newCleanLedger(10000, 10)
	require.NoError(t, l.Open(Long, 1, 1000)) // 保证金 100，余额 9900

	// 亏损 150 超过保证金 100：对应部分早被强平，损失封顶在保证金
	require.NoError(t, l.Close(850))

	assert.InDelta(t, 9900, l.Balance(), 1e-9)
	assert.InDelta(t, -100, l.RealizedPnLTotal(), 1e-9)
	assert.GreaterOrEqual(t, l.Balance(), 0.0)
}

func TestMarkToMarketUpdatesUnrealized(t *testing.T) {
	l := newCleanLedger(10000, 10)
	require.NoError(t, l.Open(Long, 1, 1000))

	require.NoError(t, l.MarkToMarket(1100))
	assert.InDelta(t, 100, l.UnrealizedPnL(), 1e-9)

	require.NoError(t, l.MarkToMarket(950))
	assert.InDelta(t, -50, l.UnrealizedPnL(), 1e-9)

	assert.ErrorIs(t, l.MarkToMarket(0), ErrInvalidArgument)
}

func TestDrawdownUpdatesPeakFirst(t *testing.T) {
	l := newCleanLedger(10000, 10)
	require.NoError(t, l.Open(Long, 1, 1000))

	require.NoError(t, l.MarkToMarket(1100))
	// 新高之后的回撤必须是 0，且峰值被抬高
	assert.InDelta(t, 0, l.Drawdown(), 1e-9)
	assert.InDelta(t, 10100, l.MaxEquitySeen(), 1e-9)

	require.NoError(t, l.MarkToMarket(1000))
	assert.InDelta(t, 100.0/10100.0, l.Drawdown(), 1e-9)
	// 峰值单调不减
	assert.InDelta(t, 10100, l.MaxEquitySeen(), 1e-9)
}

func TestSnapshotReflectsState(t *testing.T) {
	l := New(10000, 10, 0.0004, 0.0001)
	require.NoError(t, l.Open(Short, 0.5, 2000))
	require.NoError(t, l.MarkToMarket(1900))

	snap := l.Snapshot()
	assert.True(t, snap.HasPosition)
	assert.Equal(t, Short, snap.Side)
	assert.InDelta(t, 2000, snap.EntryPrice, 1e-9)
	assert.InDelta(t, 0.5, snap.Quantity, 1e-9)
	assert.InDelta(t, l.Equity(), snap.Equity, 1e-9)
	assert.InDelta(t, l.Balance(), snap.Balance, 1e-9)
	assert.InDelta(t, 50, snap.UnrealizedPnL, 1e-9)
}

func TestSideSign(t *testing.T) {
	assert.Equal(t, 1.0, Long.Sign())
	assert.Equal(t, -1.0, Short.Sign())
}
