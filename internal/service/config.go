// internal/service/config.go
package service

import (
	"fmt"

	"github.com/spf13/viper"
)

// ExchangeConfig 定义了交易所的连接信息 (Binance USDT-M Futures)
type ExchangeConfig struct {
	APIKey    string
	SecretKey string
	RESTURL   string
	WSURL     string
	Testnet   bool
}

// TradingConfig 定义了交易对和账户的核心参数
type TradingConfig struct {
	Symbol         string  // 交易对，例如 "BTCUSDT"
	Interval       string  // K 线周期，例如 "1m", "1h"
	Leverage       int     // 杠杆倍数
	InitialCapital float64 // 初始资金 (用于 drawdown 基准)
	CommissionPct  float64 // 手续费率假设，例如 0.0004
	SlippagePct    float64 // 滑点假设，例如 0.0001
}

// RiskConfig 定义了风控参数
type RiskConfig struct {
	MaxDrawdown       float64 // 最大允许回撤 (0~1)，到达后触发终止性紧急协议
	FlattenOnShutdown bool    // 正常关停时是否平掉持仓
}

// PolicyConfig 定义了决策模型相关参数
type PolicyConfig struct {
	ModelPath      string  // ONNX 模型路径
	ScalerPath     string  // 归一化器 (均值/方差) JSON 路径
	WindowSize     int     // 观察窗口的 K 线数量
	HoldThreshold  float64 // |action| 低于该阈值时视为 Hold
	ScalePortfolio bool    // 是否对 portfolio 向量做静态归一化
}

// IndicatorConfig 定义了技术指标周期 (必须与训练时一致)
type IndicatorConfig struct {
	SMAShort     int
	SMALong      int
	RSILength    int
	MACDFast     int
	MACDSlow     int
	MACDSignal   int
	BBandsLength int
	BBandsStd    float64
}

// AuditConfig 定义了审计记录的落盘位置
type AuditConfig struct {
	Dir string // 记录目录，按会话时间戳命名文件
}

type Config struct {
	Exchange  ExchangeConfig  `mapstructure:"Exchange"`
	Trading   TradingConfig   `mapstructure:"Trading"`
	Risk      RiskConfig      `mapstructure:"Risk"`
	Policy    PolicyConfig    `mapstructure:"Policy"`
	Indicator IndicatorConfig `mapstructure:"Indicator"`
	Audit     AuditConfig     `mapstructure:"Audit"`
	LogFile   string          `mapstructure:"LogFile"`
}

// LoadConfig 读取并解析配置文件，返回经过校验的配置
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configPath)

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 在 Orchestrator 启动前确保所有参数有效
func (c *Config) Validate() error {
	if c.Trading.Symbol == "" {
		return fmt.Errorf("config: Trading.Symbol is required")
	}
	if _, err := ParseIntervalDuration(c.Trading.Interval); err != nil {
		return fmt.Errorf("config: Trading.Interval: %w", err)
	}
	if c.Trading.Leverage <= 0 {
		return fmt.Errorf("config: Trading.Leverage must be positive, got %d", c.Trading.Leverage)
	}
	if c.Trading.InitialCapital <= 0 {
		return fmt.Errorf("config: Trading.InitialCapital must be positive")
	}
	if c.Trading.CommissionPct < 0 || c.Trading.SlippagePct < 0 {
		return fmt.Errorf("config: commission/slippage must be non-negative")
	}
	if c.Risk.MaxDrawdown <= 0 || c.Risk.MaxDrawdown >= 1 {
		return fmt.Errorf("config: Risk.MaxDrawdown must be in (0,1), got %.4f", c.Risk.MaxDrawdown)
	}
	if c.Policy.WindowSize <= 0 {
		return fmt.Errorf("config: Policy.WindowSize must be positive")
	}
	if c.Policy.HoldThreshold < 0 || c.Policy.HoldThreshold >= 1 {
		return fmt.Errorf("config: Policy.HoldThreshold must be in [0,1)")
	}
	if c.Policy.ModelPath == "" {
		return fmt.Errorf("config: Policy.ModelPath is required")
	}
	if c.Policy.ScalerPath == "" {
		return fmt.Errorf("config: Policy.ScalerPath is required")
	}
	if c.Indicator.SMAShort <= 0 || c.Indicator.SMALong <= 0 || c.Indicator.RSILength <= 0 ||
		c.Indicator.MACDFast <= 0 || c.Indicator.MACDSlow <= 0 || c.Indicator.MACDSignal <= 0 ||
		c.Indicator.BBandsLength <= 0 {
		return fmt.Errorf("config: all indicator lengths must be positive")
	}
	if c.Indicator.MACDFast >= c.Indicator.MACDSlow {
		return fmt.Errorf("config: Indicator.MACDFast must be smaller than MACDSlow")
	}
	if c.Audit.Dir == "" {
		return fmt.Errorf("config: Audit.Dir is required")
	}
	return nil
}
