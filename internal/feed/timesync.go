package feed

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TimeSync 周期性测量本地时钟与交易所服务器的偏移，补偿时钟漂移。
// 只提供信息，失败时保留上次偏移，绝不阻塞 K 线投递。
type TimeSync struct {
	mu           sync.RWMutex
	rest         RestSource
	logger       *zap.Logger
	offset       time.Duration // 服务器时间 - 本地时间
	latency      time.Duration
	lastSync     time.Time
	syncInterval time.Duration
}

func NewTimeSync(rest RestSource, logger *zap.Logger) *TimeSync {
	return &TimeSync{
		rest:         rest,
		logger:       logger,
		syncInterval: time.Hour,
	}
}

// Sync 测一次往返，按半程延迟修正后计算偏移
func (t *TimeSync) Sync(ctx context.Context) error {
	before := time.Now()
	serverTime, err := t.rest.ServerTime(ctx)
	after := time.Now()
	if err != nil {
		t.logger.Error("Time sync failed, keeping previous offset", zap.Error(err))
		return err
	}

	latency := after.Sub(before) / 2
	offset := serverTime.Sub(before.Add(latency))

	t.mu.Lock()
	t.offset = offset
	t.latency = latency
	t.lastSync = time.Now()
	t.mu.Unlock()

	t.logger.Info("Clock synced with exchange",
		zap.Duration("Offset", offset),
		zap.Duration("Latency", latency))

	if offset > time.Second || offset < -time.Second {
		t.logger.Warn("Large clock offset, consider syncing the system clock",
			zap.Duration("Offset", offset))
	}
	return nil
}

// ShouldResync 距上次同步超过间隔时为 true
func (t *TimeSync) ShouldResync() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastSync.IsZero() || time.Since(t.lastSync) >= t.syncInterval
}

// Now 按偏移修正后的交易所时间
func (t *TimeSync) Now() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return time.Now().Add(t.offset)
}

func (t *TimeSync) Offset() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.offset
}
