package risk

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"crypto-rl-trader/internal/exchange"
	"crypto-rl-trader/internal/ledger"
	"crypto-rl-trader/internal/policy"
)

// 警戒线: 回撤达到限额的 80% 开始逐 tick 告警
const drawdownWarnRatio = 0.8

// Flattener 紧急平仓的执行入口，由交易所网关实现。
// 部分失败通过 FlattenResult.Errors 上报，不走返回值。
type Flattener interface {
	Flatten(ctx context.Context) exchange.FlattenResult
}

// EmergencyRecorder 紧急事件落盘，由审计记录器实现
type EmergencyRecorder interface {
	RecordEmergency(ev EmergencyEvent) error
}

// EmergencyEvent 紧急停机的完整现场
type EmergencyEvent struct {
	Timestamp       time.Time
	Reason          string
	BalanceFinal    float64
	EquityFinal     float64
	PositionsClosed int
	Errors          []string
}

// Controller 风控总闸: 回撤检查、意图校验、紧急停机
type Controller struct {
	mu            sync.Mutex
	drawdownLimit float64
	flattener     Flattener
	recorder      EmergencyRecorder
	logger        *zap.Logger

	emergency bool
	reason    string
	lastEvent *EmergencyEvent
}

func NewController(drawdownLimit float64, flattener Flattener, recorder EmergencyRecorder, logger *zap.Logger) *Controller {
	return &Controller{
		drawdownLimit: drawdownLimit,
		flattener:     flattener,
		recorder:      recorder,
		logger:        logger,
	}
}

// CheckDrawdown 每个 tick 调用一次。先让账本刷新历史最高权益再取
// 回撤值，越过警戒线告警，达到限额立即触发紧急停机并返回 false。
func (c *Controller) CheckDrawdown(ctx context.Context, book *ledger.Ledger) bool {
	dd := book.Drawdown()

	if dd >= c.drawdownLimit {
		c.logger.Error("Max drawdown exceeded, activating emergency stop",
			zap.Float64("Drawdown", dd),
			zap.Float64("Limit", c.drawdownLimit))
		c.ActivateEmergency(ctx, fmt.Sprintf("drawdown_exceeded: %.4f >= %.4f", dd, c.drawdownLimit))
		return false
	}

	if dd >= c.drawdownLimit*drawdownWarnRatio {
		c.logger.Warn("Drawdown approaching limit",
			zap.Float64("Drawdown", dd),
			zap.Float64("Limit", c.drawdownLimit))
	}
	return true
}

// ValidateIntent 下单前的最后一道校验。
// 紧急状态下除 Hold 外一律拒绝; 无持仓时拒绝平仓/减仓意图。
func (c *Controller) ValidateIntent(intent policy.Intent, hasPosition bool) error {
	c.mu.Lock()
	emergency := c.emergency
	c.mu.Unlock()

	if emergency && intent.Kind != policy.Hold {
		return fmt.Errorf("emergency active, intent %s rejected", intent.Kind)
	}
	if intent.Kind.IsExit() && !hasPosition {
		return fmt.Errorf("no position to %s", intent.Kind)
	}
	return nil
}

// ActivateEmergency 进入紧急状态: 撤单、全平、记录事件。
// 幂等，重复触发不会再次提交任何订单。
func (c *Controller) ActivateEmergency(ctx context.Context, reason string) {
	c.mu.Lock()
	if c.emergency {
		c.mu.Unlock()
		c.logger.Warn("Emergency already active, ignoring repeated trigger",
			zap.String("Reason", reason))
		return
	}
	c.emergency = true
	c.reason = reason
	c.mu.Unlock()

	c.logger.Error("EMERGENCY STOP activated", zap.String("Reason", reason))

	ev := EmergencyEvent{
		Timestamp: time.Now(),
		Reason:    reason,
	}

	result := c.flattener.Flatten(ctx)
	ev.BalanceFinal = result.BalanceFinal
	ev.EquityFinal = result.EquityFinal
	ev.PositionsClosed = result.PositionsClosed
	ev.Errors = append(ev.Errors, result.Errors...)

	c.mu.Lock()
	c.lastEvent = &ev
	c.mu.Unlock()

	if c.recorder != nil {
		if err := c.recorder.RecordEmergency(ev); err != nil {
			c.logger.Error("Failed to record emergency event", zap.Error(err))
		}
	}

	c.logger.Info("Emergency flatten finished",
		zap.Int("PositionsClosed", ev.PositionsClosed),
		zap.Float64("BalanceFinal", ev.BalanceFinal),
		zap.Float64("EquityFinal", ev.EquityFinal),
		zap.Strings("Errors", ev.Errors))
}

// InEmergency 当前是否处于紧急状态
func (c *Controller) InEmergency() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emergency
}

// Reason 紧急状态的触发原因，未触发时为空串
func (c *Controller) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// LastEvent 最近一次紧急事件，未触发过返回 nil
func (c *Controller) LastEvent() *EmergencyEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEvent
}

// CanRestart 回撤触发的紧急停机是终态，不允许自动重启。
// 其余原因（连接断开等）允许人工或外层逻辑复位后继续。
func (c *Controller) CanRestart() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.emergency {
		return true
	}
	return !strings.Contains(c.reason, "drawdown")
}

// Reset 仅在允许重启时清除紧急状态
func (c *Controller) Reset() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.emergency && strings.Contains(c.reason, "drawdown") {
		return false
	}
	c.emergency = false
	c.reason = ""
	return true
}
