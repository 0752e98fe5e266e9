package policy

import (
	"fmt"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Model 训练好的策略网络，导出为 ONNX 后在这里加载推理。
// 两个输入: market [1, window, features] 和 portfolio [1, 3]，
// 输出: action [1, 1]，取值范围 [-1, 1]，同一观察下输出确定。
type Model struct {
	mu        sync.Mutex // 推理复用同一组张量缓冲
	session   *ort.AdvancedSession
	market    *ort.Tensor[float32]
	portfolio *ort.Tensor[float32]
	output    *ort.Tensor[float32]

	windowSize  int
	numFeatures int
}

// InitializeRuntime 配置 onnxruntime 动态库路径并初始化环境。
// 进程内只需调用一次。
func InitializeRuntime() error {
	libPath := "/usr/lib/libonnxruntime.so"
	if runtime.GOOS == "windows" {
		libPath = "onnxruntime.dll"
	} else if runtime.GOOS == "darwin" {
		libPath = "libonnxruntime.dylib"
	}
	ort.SetSharedLibraryPath(libPath)
	return ort.InitializeEnvironment()
}

// NewModel 加载 ONNX 模型并预分配输入/输出张量
func NewModel(modelPath string, windowSize, numFeatures int) (*Model, error) {
	marketShape := ort.NewShape(1, int64(windowSize), int64(numFeatures))
	marketTensor, err := ort.NewTensor(marketShape, make([]float32, windowSize*numFeatures))
	if err != nil {
		return nil, fmt.Errorf("create market tensor: %w", err)
	}

	portfolioShape := ort.NewShape(1, 3)
	portfolioTensor, err := ort.NewTensor(portfolioShape, make([]float32, 3))
	if err != nil {
		marketTensor.Destroy()
		return nil, fmt.Errorf("create portfolio tensor: %w", err)
	}

	outputShape := ort.NewShape(1, 1)
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		marketTensor.Destroy()
		portfolioTensor.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"market", "portfolio"}, []string{"action"},
		[]ort.Value{marketTensor, portfolioTensor}, []ort.Value{outputTensor}, nil)
	if err != nil {
		marketTensor.Destroy()
		portfolioTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	return &Model{
		session:     session,
		market:      marketTensor,
		portfolio:   portfolioTensor,
		output:      outputTensor,
		windowSize:  windowSize,
		numFeatures: numFeatures,
	}, nil
}

// Predict 对观察做一次确定性推理，返回 [-1,1] 的连续动作
func (m *Model) Predict(obs Observation) (float64, error) {
	if len(obs.Market) != m.windowSize {
		return 0, fmt.Errorf("predict: expected %d rows, got %d", m.windowSize, len(obs.Market))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	marketData := m.market.GetData()
	for i, row := range obs.Market {
		if len(row) != m.numFeatures {
			return 0, fmt.Errorf("predict: row %d has %d features, expected %d",
				i, len(row), m.numFeatures)
		}
		for j, v := range row {
			marketData[i*m.numFeatures+j] = float32(v)
		}
	}

	portfolioData := m.portfolio.GetData()
	for i, v := range obs.Portfolio {
		portfolioData[i] = float32(v)
	}

	if err := m.session.Run(); err != nil {
		return 0, fmt.Errorf("inference failed: %w", err)
	}

	action := float64(m.output.GetData()[0])
	// 模型末端是 tanh，数值噪声可能略微越界
	if action > 1 {
		action = 1
	} else if action < -1 {
		action = -1
	}
	return action, nil
}

// Close 释放 session 和张量
func (m *Model) Close() {
	if m.session != nil {
		m.session.Destroy()
	}
	if m.market != nil {
		m.market.Destroy()
	}
	if m.portfolio != nil {
		m.portfolio.Destroy()
	}
	if m.output != nil {
		m.output.Destroy()
	}
}
