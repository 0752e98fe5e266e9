package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gocarina/gocsv"
	"go.uber.org/zap"

	"crypto-rl-trader/internal/risk"
)

// StepRecord 每个 tick 一行，完整记录决策和执行结果
type StepRecord struct {
	Timestamp     string  `csv:"timestamp"`
	Step          int64   `csv:"step"`
	RawAction     float64 `csv:"raw_action"`
	Intent        string  `csv:"intent"`
	Intensity     float64 `csv:"intensity"`
	Price         float64 `csv:"price"`
	Balance       float64 `csv:"balance"`
	Equity        float64 `csv:"equity"`
	UnrealizedPnL float64 `csv:"unrealized_pnl"`
	RealizedPnL   float64 `csv:"realized_pnl"`
	Drawdown      float64 `csv:"drawdown"`
	PositionSide  string  `csv:"position_side"`
	PositionQty   float64 `csv:"position_qty"`
	EntryPrice    float64 `csv:"entry_price"`
	OrderSent     bool    `csv:"order_sent"`
	OrderAccepted bool    `csv:"order_accepted"`
	FilledQty     float64 `csv:"filled_qty"`
	Attempts      int     `csv:"attempts"`
	ErrorKind     string  `csv:"error_kind"`
	BrokerOrderID string  `csv:"broker_order_id"`
	Note          string  `csv:"note"`
}

// EmergencyRecord 紧急事件单独落盘
type EmergencyRecord struct {
	Timestamp       string  `csv:"timestamp"`
	Reason          string  `csv:"reason"`
	BalanceFinal    float64 `csv:"balance_final"`
	EquityFinal     float64 `csv:"equity_final"`
	PositionsClosed int     `csv:"positions_closed"`
	Errors          string  `csv:"errors"`
}

// SessionStats 会话级统计，退出时打一条汇总日志
type SessionStats struct {
	Steps          int64
	OrdersSent     int64
	OrdersAccepted int64
	OrdersFailed   int64
	Emergencies    int64
	FirstEquity    float64
	LastEquity     float64
}

// Recorder 追加写 CSV 的审计记录器。每次启动生成带时间戳的新文件，
// 绝不覆盖历史会话。单次写失败只告警不中断交易。
type Recorder struct {
	mu       sync.Mutex
	dir      string
	stepPath string
	stepFile *os.File
	wroteHdr bool
	stats    SessionStats
	logger   *zap.Logger
}

func NewRecorder(dir string, logger *zap.Logger) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	session := time.Now().Format("20060102_150405")
	stepPath := filepath.Join(dir, fmt.Sprintf("steps_%s.csv", session))
	f, err := os.OpenFile(stepPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	logger.Info("Audit recorder started", zap.String("File", stepPath))
	return &Recorder{
		dir:      dir,
		stepPath: stepPath,
		stepFile: f,
		logger:   logger,
	}, nil
}

// RecordStep 写入一条 tick 记录。失败只记日志，交易循环不中断。
func (r *Recorder) RecordStep(rec StepRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.Steps++
	if r.stats.Steps == 1 {
		r.stats.FirstEquity = rec.Equity
	}
	r.stats.LastEquity = rec.Equity
	if rec.OrderSent {
		r.stats.OrdersSent++
		if rec.OrderAccepted {
			r.stats.OrdersAccepted++
		} else {
			r.stats.OrdersFailed++
		}
	}

	rows := []*StepRecord{&rec}
	var err error
	if !r.wroteHdr {
		err = gocsv.Marshal(rows, r.stepFile)
		r.wroteHdr = err == nil
	} else {
		err = gocsv.MarshalWithoutHeaders(rows, r.stepFile)
	}
	if err != nil {
		r.logger.Error("Failed to write audit record",
			zap.Int64("Step", rec.Step), zap.Error(err))
	}
}

// RecordEmergency 紧急事件写入独立文件，实现 risk.EmergencyRecorder
func (r *Recorder) RecordEmergency(ev risk.EmergencyEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.Emergencies++

	path := filepath.Join(r.dir,
		fmt.Sprintf("emergency_%s.csv", ev.Timestamp.Format("20060102_150405")))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open emergency file: %w", err)
	}
	defer f.Close()

	rows := []*EmergencyRecord{{
		Timestamp:       ev.Timestamp.Format(time.RFC3339),
		Reason:          ev.Reason,
		BalanceFinal:    ev.BalanceFinal,
		EquityFinal:     ev.EquityFinal,
		PositionsClosed: ev.PositionsClosed,
		Errors:          strings.Join(ev.Errors, ";"),
	}}
	if err := gocsv.Marshal(rows, f); err != nil {
		return fmt.Errorf("write emergency record: %w", err)
	}
	r.logger.Info("Emergency event recorded", zap.String("File", path))
	return nil
}

// Stats 当前会话的累计统计
func (r *Recorder) Stats() SessionStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Close 收尾: 打印会话汇总并关闭文件
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger.Info("Audit session summary",
		zap.Int64("Steps", r.stats.Steps),
		zap.Int64("OrdersSent", r.stats.OrdersSent),
		zap.Int64("OrdersAccepted", r.stats.OrdersAccepted),
		zap.Int64("OrdersFailed", r.stats.OrdersFailed),
		zap.Int64("Emergencies", r.stats.Emergencies),
		zap.Float64("FirstEquity", r.stats.FirstEquity),
		zap.Float64("LastEquity", r.stats.LastEquity))
	return r.stepFile.Close()
}
