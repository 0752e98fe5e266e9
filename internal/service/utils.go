package service

import (
	"fmt"
	"strconv"
	"time"
)

func StringToFloat(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}

func StringToInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// ParseIntervalDuration 将 K 线周期字符串解析为 time.Duration
// 例如 "1m" -> 1*time.Minute，"1h" -> 1*time.Hour
func ParseIntervalDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid interval format: %q", s)
	}

	unit := s[len(s)-1:]
	valueStr := s[:len(s)-1]

	var unitDuration time.Duration
	switch unit {
	case "s":
		unitDuration = time.Second
	case "m":
		unitDuration = time.Minute
	case "h":
		unitDuration = time.Hour
	case "d":
		unitDuration = 24 * time.Hour
	case "w":
		unitDuration = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("unsupported interval unit: %q", unit)
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("invalid interval value: %q", valueStr)
	}

	return time.Duration(value) * unitDuration, nil
}

// IntervalSeconds 返回周期的整数秒数，供数据源选择器判断快慢周期
func IntervalSeconds(interval string) (int64, error) {
	d, err := ParseIntervalDuration(interval)
	if err != nil {
		return 0, err
	}
	return int64(d / time.Second), nil
}
