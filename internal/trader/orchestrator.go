// Package trader 把行情、策略、风控、执行和审计串成每 tick 一轮的主循环
package trader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"crypto-rl-trader/internal/audit"
	"crypto-rl-trader/internal/exchange"
	"crypto-rl-trader/internal/feed"
	"crypto-rl-trader/internal/ledger"
	"crypto-rl-trader/internal/policy"
	"crypto-rl-trader/internal/risk"
)

// ErrTerminal 回撤触发的紧急停机，进程应以终态退出码结束
var ErrTerminal = errors.New("terminal emergency stop")

// Predictor 策略推理接口，生产实现是 *policy.Model
type Predictor interface {
	Predict(obs policy.Observation) (float64, error)
}

// OrderGateway 订单执行接口，生产实现是 *exchange.Gateway
type OrderGateway interface {
	RefreshAccount(ctx context.Context) (exchange.AccountSnapshot, error)
	SubmitEntry(ctx context.Context, side ledger.Side, quantity float64) exchange.ExecuteOutcome
	SubmitExit(ctx context.Context, fraction float64) exchange.ExecuteOutcome
	Flatten(ctx context.Context) exchange.FlattenResult
}

// StepRecorder 审计落盘接口，生产实现是 *audit.Recorder
type StepRecorder interface {
	RecordStep(rec audit.StepRecord)
}

// Options 主循环行为参数
type Options struct {
	HoldThreshold     float64
	FlattenOnShutdown bool
}

// Orchestrator 交易主循环。每根收盘 K 线驱动一个 tick:
// 刷账户 → 查回撤 → 构建观察 → 推理 → 解码意图 → 风控校验 →
// 执行 → 审计。任一环节失败都有确定的降级路径，循环本身不崩。
type Orchestrator struct {
	opts     Options
	book     *ledger.Ledger
	stream   feed.CandleStream
	gateway  OrderGateway
	model    Predictor
	builder  *policy.Builder
	sizer    *risk.Sizer
	control  *risk.Controller
	recorder StepRecorder
	logger   *zap.Logger
}

func NewOrchestrator(
	opts Options,
	book *ledger.Ledger,
	stream feed.CandleStream,
	gateway OrderGateway,
	model Predictor,
	builder *policy.Builder,
	sizer *risk.Sizer,
	control *risk.Controller,
	recorder StepRecorder,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		opts:     opts,
		book:     book,
		stream:   stream,
		gateway:  gateway,
		model:    model,
		builder:  builder,
		sizer:    sizer,
		control:  control,
		recorder: recorder,
		logger:   logger,
	}
}

// Run 阻塞运行主循环直到 ctx 取消、行情通道关闭或触发终态停机
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("Trading loop started",
		zap.Float64("HoldThreshold", o.opts.HoldThreshold),
		zap.Bool("FlattenOnShutdown", o.opts.FlattenOnShutdown))

	for {
		select {
		case <-ctx.Done():
			return o.shutdown()
		case candle, ok := <-o.stream.Candles():
			if !ok {
				o.logger.Warn("Candle channel closed, stopping loop")
				return o.shutdown()
			}
			if err := o.step(ctx, candle); err != nil {
				return err
			}
		}
	}
}

// step 单个 tick 的完整流程
func (o *Orchestrator) step(ctx context.Context, candle feed.Candle) error {
	o.book.AdvanceTick()
	price := candle.Close

	rec := audit.StepRecord{
		Timestamp: candle.CloseTime.Format(time.RFC3339),
		Step:      o.book.Tick(),
		Price:     price,
	}

	if err := o.book.MarkToMarket(price); err != nil {
		// 无持仓时 MarkToMarket 是空操作，不会走到这里
		o.logger.Warn("Mark to market failed", zap.Error(err))
	}

	// tick 开头刷新交易所账户，持仓状态不一致立即暴露
	if snap, err := o.gateway.RefreshAccount(ctx); err != nil {
		o.logger.Warn("Account refresh failed at tick start", zap.Error(err))
	} else {
		o.reconcile(snap)
	}

	// 回撤检查必须先于任何决策
	if !o.control.CheckDrawdown(ctx, o.book) {
		rec.Intent = "emergency"
		rec.Note = o.control.Reason()
		o.fillSnapshot(&rec)
		o.recorder.RecordStep(rec)
		if !o.control.CanRestart() {
			return fmt.Errorf("%w: %s", ErrTerminal, o.control.Reason())
		}
		return nil
	}

	obs, err := o.builder.Build(o.stream.Window(), o.book.Snapshot())
	if err != nil {
		if errors.Is(err, policy.ErrIncompleteIndicators) {
			// 观察数据不可信时宁可停也不要瞎交易
			o.control.ActivateEmergency(ctx, fmt.Sprintf("observation_invalid: %v", err))
			rec.Intent = "emergency"
			rec.Note = err.Error()
			o.fillSnapshot(&rec)
			o.recorder.RecordStep(rec)
			return fmt.Errorf("observation invalid: %w", err)
		}
		o.logger.Error("Observation build failed, holding", zap.Error(err))
		rec.Intent = "hold"
		rec.Note = err.Error()
		o.fillSnapshot(&rec)
		o.recorder.RecordStep(rec)
		return nil
	}

	raw, err := o.model.Predict(obs)
	if err != nil {
		o.logger.Error("Inference failed, holding", zap.Error(err))
		rec.Intent = "hold"
		rec.Note = err.Error()
		o.fillSnapshot(&rec)
		o.recorder.RecordStep(rec)
		return nil
	}
	rec.RawAction = raw

	var side ledger.Side
	if pos := o.book.Position(); pos != nil {
		side = pos.Side
	}
	intent := policy.DecodeAction(raw, o.book.HasPosition(), side, o.opts.HoldThreshold)
	rec.Intent = intent.Kind.String()
	rec.Intensity = intent.Intensity

	if err := o.control.ValidateIntent(intent, o.book.HasPosition()); err != nil {
		o.logger.Warn("Intent rejected by risk control",
			zap.String("Intent", intent.Kind.String()), zap.Error(err))
		rec.Note = err.Error()
		o.fillSnapshot(&rec)
		o.recorder.RecordStep(rec)
		return nil
	}

	if intent.Kind != policy.Hold {
		o.execute(ctx, intent, price, &rec)
	}

	o.fillSnapshot(&rec)
	o.recorder.RecordStep(rec)

	o.logger.Info("Tick complete",
		zap.Int64("Step", rec.Step),
		zap.Float64("Price", price),
		zap.Float64("RawAction", raw),
		zap.String("Intent", rec.Intent),
		zap.Float64("Equity", o.book.Equity()),
		zap.Float64("Drawdown", o.book.Drawdown()))
	return nil
}

// execute 把意图转成订单并在成交后同步本地台账。
// 下单失败 (含重试耗尽) 只记录，不改台账，下个 tick 继续。
func (o *Orchestrator) execute(ctx context.Context, intent policy.Intent, price float64, rec *audit.StepRecord) {
	snap := o.book.Snapshot()
	var outcome exchange.ExecuteOutcome

	switch intent.Kind {
	case policy.OpenLong, policy.OpenShort:
		qty := o.sizer.SizeForOpen(snap, intent.Intensity, price)
		if qty <= 0 {
			rec.Note = "open skipped: zero size"
			return
		}
		rec.OrderSent = true
		outcome = o.gateway.SubmitEntry(ctx, intent.Kind.Side(), qty)
		if outcome.Order.Accepted {
			if err := o.book.Open(intent.Kind.Side(), outcome.Order.FilledQuantity, price); err != nil {
				o.logger.Error("Ledger open failed after fill", zap.Error(err))
				rec.Note = err.Error()
			}
		}

	case policy.IncreaseLong, policy.IncreaseShort:
		qty := o.sizer.SizeForIncrease(snap, intent.Intensity, price)
		if qty <= 0 {
			rec.Note = "increase skipped: insufficient balance"
			return
		}
		rec.OrderSent = true
		outcome = o.gateway.SubmitEntry(ctx, intent.Kind.Side(), qty)
		if outcome.Order.Accepted {
			if err := o.book.Increase(outcome.Order.FilledQuantity, price); err != nil {
				o.logger.Error("Ledger increase failed after fill", zap.Error(err))
				rec.Note = err.Error()
			}
		}

	case policy.ReduceLong, policy.ReduceShort:
		fraction := o.sizer.SizeForReduce(intent.Intensity)
		if fraction <= 0 {
			rec.Note = "reduce skipped: zero fraction"
			return
		}
		rec.OrderSent = true
		outcome = o.gateway.SubmitExit(ctx, fraction)
		if outcome.Order.Accepted {
			var err error
			if fraction >= 1 {
				err = o.book.Close(price)
			} else {
				err = o.book.Reduce(fraction, price)
			}
			if err != nil {
				o.logger.Error("Ledger reduce failed after fill", zap.Error(err))
				rec.Note = err.Error()
			}
		}

	case policy.CloseLong, policy.CloseShort:
		rec.OrderSent = true
		outcome = o.gateway.SubmitExit(ctx, 1.0)
		if outcome.Order.Accepted {
			if err := o.book.Close(price); err != nil {
				o.logger.Error("Ledger close failed after fill", zap.Error(err))
				rec.Note = err.Error()
			}
		}
	}

	rec.OrderAccepted = outcome.Order.Accepted
	rec.FilledQty = outcome.Order.FilledQuantity
	rec.Attempts = outcome.Attempts
	rec.ErrorKind = outcome.Order.ErrorKind
	rec.BrokerOrderID = fmt.Sprintf("%d", outcome.Order.BrokerOrderID)

	if !outcome.Order.Accepted {
		o.logger.Warn("Order not filled",
			zap.String("Intent", intent.Kind.String()),
			zap.String("ErrorKind", outcome.Order.ErrorKind),
			zap.Int("Attempts", outcome.Attempts))
	}
}

// reconcile 比对交易所和本地台账的持仓方向，分歧只告警不自动纠正
func (o *Orchestrator) reconcile(snap exchange.AccountSnapshot) {
	brokerHas := snap.Position != nil
	localHas := o.book.HasPosition()
	if brokerHas != localHas {
		o.logger.Warn("Position mismatch between broker and local ledger",
			zap.Bool("BrokerHasPosition", brokerHas),
			zap.Bool("LocalHasPosition", localHas))
		return
	}
	if brokerHas && string(o.book.Position().Side) != snap.Position.Side {
		o.logger.Warn("Position side mismatch",
			zap.String("BrokerSide", snap.Position.Side),
			zap.String("LocalSide", string(o.book.Position().Side)))
	}
}

func (o *Orchestrator) fillSnapshot(rec *audit.StepRecord) {
	snap := o.book.Snapshot()
	rec.Balance = snap.Balance
	rec.Equity = snap.Equity
	rec.UnrealizedPnL = snap.UnrealizedPnL
	rec.RealizedPnL = snap.RealizedPnLTotal
	rec.Drawdown = o.book.Drawdown()
	if snap.HasPosition {
		rec.PositionSide = string(snap.Side)
		rec.PositionQty = snap.Quantity
		rec.EntryPrice = snap.EntryPrice
	}
}

// shutdown 优雅退出: 停止消费行情，按配置决定是否清仓
func (o *Orchestrator) shutdown() error {
	o.logger.Info("Shutting down trading loop")

	if o.opts.FlattenOnShutdown && o.book.HasPosition() {
		// 关停路径不复用已取消的外层 ctx
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		result := o.gateway.Flatten(ctx)
		o.logger.Info("Shutdown flatten finished",
			zap.Int("PositionsClosed", result.PositionsClosed),
			zap.Strings("Errors", result.Errors))
	}

	if err := o.stream.Close(); err != nil {
		o.logger.Warn("Feed close failed", zap.Error(err))
	}
	return nil
}
