package risk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"crypto-rl-trader/internal/exchange"
	"crypto-rl-trader/internal/ledger"
	"crypto-rl-trader/internal/policy"
)

type fakeFlattener struct {
	calls  int
	result exchange.FlattenResult
}

func (f *fakeFlattener) Flatten(ctx context.Context) exchange.FlattenResult {
	f.calls++
	return f.result
}

type fakeRecorder struct {
	events []EmergencyEvent
}

func (f *fakeRecorder) RecordEmergency(ev EmergencyEvent) error {
	f.events = append(f.events, ev)
	return nil
}

// 回撤恰好到达限额: 触发紧急停机且不可重启
func TestCheckDrawdownTripsAtLimit(t *testing.T) {
	book := ledger.New(10000, 10, 0, 0)
	require.NoError(t, book.Open(ledger.Long, 1, 10000))

	fl := &fakeFlattener{result: exchange.FlattenResult{
		PositionsClosed: 1, BalanceFinal: 8000, EquityFinal: 8000,
	}}
	rec := &fakeRecorder{}
	c := NewController(0.20, fl, rec, zap.NewNop())

	// 权益 8000，峰值 10000，回撤正好 0.20
	require.NoError(t, book.MarkToMarket(8000))
	ok := c.CheckDrawdown(context.Background(), book)

	assert.False(t, ok)
	assert.True(t, c.InEmergency())
	assert.Contains(t, c.Reason(), "drawdown_exceeded")
	assert.False(t, c.CanRestart())
	assert.Equal(t, 1, fl.calls)

	require.Len(t, rec.events, 1)
	assert.Contains(t, rec.events[0].Reason, "drawdown_exceeded")
	assert.Equal(t, 1, rec.events[0].PositionsClosed)
	assert.InDelta(t, 8000, rec.events[0].BalanceFinal, 1e-9)
}

// 限额以下一个价位: 只告警不触发
func TestCheckDrawdownJustBelowLimit(t *testing.T) {
	book := ledger.New(10000, 10, 0, 0)
	require.NoError(t, book.Open(ledger.Long, 1, 10000))

	fl := &fakeFlattener{}
	c := NewController(0.20, fl, &fakeRecorder{}, zap.NewNop())

	require.NoError(t, book.MarkToMarket(8001)) // 回撤 0.1999
	ok := c.CheckDrawdown(context.Background(), book)

	assert.True(t, ok)
	assert.False(t, c.InEmergency())
	assert.Zero(t, fl.calls)
}

// 重复触发必须幂等: 第二次不再提交任何订单
func TestActivateEmergencyIdempotent(t *testing.T) {
	fl := &fakeFlattener{}
	rec := &fakeRecorder{}
	c := NewController(0.20, fl, rec, zap.NewNop())

	c.ActivateEmergency(context.Background(), "drawdown_exceeded: 0.25")
	c.ActivateEmergency(context.Background(), "drawdown_exceeded: 0.26")

	assert.Equal(t, 1, fl.calls)
	assert.Len(t, rec.events, 1)
	assert.Contains(t, c.Reason(), "0.25") // 保留首次触发的原因
}

func TestValidateIntentDuringEmergency(t *testing.T) {
	c := NewController(0.20, &fakeFlattener{}, &fakeRecorder{}, zap.NewNop())
	c.ActivateEmergency(context.Background(), "connection lost")

	// 紧急状态下除 Hold 外全部拒绝
	assert.Error(t, c.ValidateIntent(policy.Intent{Kind: policy.OpenLong}, false))
	assert.Error(t, c.ValidateIntent(policy.Intent{Kind: policy.CloseLong}, true))
	assert.NoError(t, c.ValidateIntent(policy.Intent{Kind: policy.Hold}, false))
}

func TestValidateIntentExitWithoutPosition(t *testing.T) {
	c := NewController(0.20, &fakeFlattener{}, &fakeRecorder{}, zap.NewNop())

	assert.Error(t, c.ValidateIntent(policy.Intent{Kind: policy.CloseLong}, false))
	assert.Error(t, c.ValidateIntent(policy.Intent{Kind: policy.ReduceShort}, false))
	assert.NoError(t, c.ValidateIntent(policy.Intent{Kind: policy.CloseLong}, true))
	assert.NoError(t, c.ValidateIntent(policy.Intent{Kind: policy.OpenLong}, false))
}

// 非回撤原因允许复位，回撤原因是终态
func TestResetOnlyForRestartableReasons(t *testing.T) {
	c := NewController(0.20, &fakeFlattener{}, &fakeRecorder{}, zap.NewNop())

	c.ActivateEmergency(context.Background(), "websocket disconnected")
	assert.True(t, c.CanRestart())
	assert.True(t, c.Reset())
	assert.False(t, c.InEmergency())

	c.ActivateEmergency(context.Background(), "drawdown_exceeded: 0.31")
	assert.False(t, c.CanRestart())
	assert.False(t, c.Reset())
	assert.True(t, c.InEmergency())
}
