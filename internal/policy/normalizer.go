package policy

import (
	"encoding/json"
	"fmt"
	"os"
)

// Normalizer 训练时拟合好的标准化变换 (逐列减均值除以标准差)。
// 启动时从 JSON 工件加载一次，之后不可变。
type Normalizer struct {
	featureNames []string
	mean         []float64
	std          []float64
}

// normalizerArtifact 训练管线导出的工件格式
type normalizerArtifact struct {
	FeatureNames []string  `json:"feature_names"`
	Mean         []float64 `json:"mean"`
	Std          []float64 `json:"std"`
}

// LoadNormalizer 加载工件并做结构校验
func LoadNormalizer(path string) (*Normalizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read normalizer artifact: %w", err)
	}

	var artifact normalizerArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, fmt.Errorf("parse normalizer artifact: %w", err)
	}

	n := len(artifact.FeatureNames)
	if n == 0 || len(artifact.Mean) != n || len(artifact.Std) != n {
		return nil, fmt.Errorf("normalizer artifact malformed: names=%d mean=%d std=%d",
			n, len(artifact.Mean), len(artifact.Std))
	}
	for i, s := range artifact.Std {
		if s <= 0 {
			return nil, fmt.Errorf("normalizer artifact: std[%d] (%s) must be positive, got %v",
				i, artifact.FeatureNames[i], s)
		}
	}

	return &Normalizer{
		featureNames: artifact.FeatureNames,
		mean:         artifact.Mean,
		std:          artifact.Std,
	}, nil
}

// ValidateFeatures 校验窗口特征列与训练时的列完全一致 (名称和顺序)。
// 不一致说明指标配置和训练不匹配，必须在启动时失败。
func (n *Normalizer) ValidateFeatures(names []string) error {
	if len(names) != len(n.featureNames) {
		return fmt.Errorf("feature count mismatch: normalizer has %d, window has %d",
			len(n.featureNames), len(names))
	}
	for i, name := range names {
		if name != n.featureNames[i] {
			return fmt.Errorf("feature order mismatch at %d: normalizer %q, window %q",
				i, n.featureNames[i], name)
		}
	}
	return nil
}

// Transform 返回标准化后的新行，不修改输入
func (n *Normalizer) Transform(row []float64) ([]float64, error) {
	if len(row) != len(n.mean) {
		return nil, fmt.Errorf("transform: expected %d features, got %d", len(n.mean), len(row))
	}
	out := make([]float64, len(row))
	for i, v := range row {
		out[i] = (v - n.mean[i]) / n.std[i]
	}
	return out, nil
}

func (n *Normalizer) NumFeatures() int { return len(n.mean) }
