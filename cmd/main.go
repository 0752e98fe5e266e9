package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"crypto-rl-trader/internal/audit"
	"crypto-rl-trader/internal/exchange"
	"crypto-rl-trader/internal/feed"
	"crypto-rl-trader/internal/ledger"
	"crypto-rl-trader/internal/policy"
	"crypto-rl-trader/internal/risk"
	"crypto-rl-trader/internal/service"
	"crypto-rl-trader/internal/trader"
	"crypto-rl-trader/pkg/ta"
)

// 退出码: 0 正常关停, 1 启动或运行失败, 2 回撤触发的终态停机
const (
	exitOK       = 0
	exitFailure  = 1
	exitTerminal = 2
)

func main() {
	os.Exit(run())
}

// exitCodeFor 只有终态停机返回 2，其余错误一律 1
func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, trader.ErrTerminal):
		return exitTerminal
	default:
		return exitFailure
	}
}

func run() int {
	configPath := "config"
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		service.InitLogger("")
		service.Logger.Error("Configuration directory 'config/' not found. Please create it.")
		return exitFailure
	}

	cfg, err := service.LoadConfig(configPath)
	if err != nil {
		service.InitLogger("")
		service.Logger.Error("Failed to load configuration", zap.Error(err))
		return exitFailure
	}

	service.InitLogger(cfg.LogFile)
	defer service.Logger.Sync()
	logger := service.Logger.With(zap.String("Symbol", cfg.Trading.Symbol))

	// 1. 指标参数与归一化器 (必须与训练时完全一致)
	indicator := ta.Params{
		SMAShort:     cfg.Indicator.SMAShort,
		SMALong:      cfg.Indicator.SMALong,
		RSILength:    cfg.Indicator.RSILength,
		MACDFast:     cfg.Indicator.MACDFast,
		MACDSlow:     cfg.Indicator.MACDSlow,
		MACDSignal:   cfg.Indicator.MACDSignal,
		BBandsLength: cfg.Indicator.BBandsLength,
		BBandsStd:    cfg.Indicator.BBandsStd,
	}

	normalizer, err := policy.LoadNormalizer(cfg.Policy.ScalerPath)
	if err != nil {
		logger.Error("Failed to load normalizer", zap.Error(err))
		return exitFailure
	}
	if err := normalizer.ValidateFeatures(indicator.FeatureNames()); err != nil {
		logger.Error("Normalizer does not match indicator feature layout", zap.Error(err))
		return exitFailure
	}

	// 2. ONNX 策略模型
	if err := policy.InitializeRuntime(); err != nil {
		logger.Error("Failed to initialize onnxruntime", zap.Error(err))
		return exitFailure
	}
	model, err := policy.NewModel(cfg.Policy.ModelPath, cfg.Policy.WindowSize, normalizer.NumFeatures())
	if err != nil {
		logger.Error("Failed to load policy model", zap.Error(err))
		return exitFailure
	}
	defer model.Close()

	// 3. 交易所网关: 设置杠杆属于启动失败，不进入主循环
	client := exchange.NewClient(cfg.Exchange.RESTURL, cfg.Exchange.APIKey, cfg.Exchange.SecretKey)
	gateway := exchange.NewGateway(client, cfg.Trading.Symbol, exchange.DefaultRetryPolicy(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := gateway.Init(ctx, cfg.Trading.Leverage); err != nil {
		logger.Error("Gateway initialization failed", zap.Error(err))
		return exitFailure
	}

	// 4. 行情数据源 (按周期自动选择推送或轮询)，Start 阻塞到窗口预热完成
	stream, err := feed.New(feed.Options{
		Symbol:     cfg.Trading.Symbol,
		Interval:   cfg.Trading.Interval,
		WindowSize: cfg.Policy.WindowSize,
		WSURL:      cfg.Exchange.WSURL,
		Indicator:  indicator,
	}, gateway, logger)
	if err != nil {
		logger.Error("Failed to create candle source", zap.Error(err))
		return exitFailure
	}
	if err := stream.Start(ctx); err != nil {
		logger.Error("Candle source warm-up failed", zap.Error(err))
		return exitFailure
	}

	// 5. 台账、风控、审计
	book := ledger.New(cfg.Trading.InitialCapital, float64(cfg.Trading.Leverage),
		cfg.Trading.CommissionPct, cfg.Trading.SlippagePct)

	recorder, err := audit.NewRecorder(cfg.Audit.Dir, logger)
	if err != nil {
		logger.Error("Failed to create audit recorder", zap.Error(err))
		return exitFailure
	}
	defer recorder.Close()

	control := risk.NewController(cfg.Risk.MaxDrawdown, gateway, recorder, logger)
	sizer := risk.NewSizer(float64(cfg.Trading.Leverage),
		cfg.Trading.CommissionPct, cfg.Trading.SlippagePct)
	builder := policy.NewBuilder(cfg.Policy.WindowSize, normalizer, cfg.Policy.ScalePortfolio)

	// 6. 主循环 + 信号驱动的优雅关停
	orch := trader.NewOrchestrator(trader.Options{
		HoldThreshold:     cfg.Policy.HoldThreshold,
		FlattenOnShutdown: cfg.Risk.FlattenOnShutdown,
	}, book, stream, gateway, model, builder, sizer, control, recorder, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Shutdown signal received", zap.String("Signal", sig.String()))
		cancel()
	}()

	if err := orch.Run(ctx); err != nil {
		if errors.Is(err, trader.ErrTerminal) {
			logger.Error("Terminal emergency stop, manual intervention required", zap.Error(err))
		} else {
			logger.Error("Trading loop exited with error", zap.Error(err))
		}
		return exitCodeFor(err)
	}

	logger.Info("Shutdown complete")
	return exitOK
}
