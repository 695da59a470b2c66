package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"vaxwatch-notifier/internal/config"
	"vaxwatch-notifier/internal/models"

	"github.com/go-redis/redis/v8"
)

// AvailabilitySource 槽位快照来源（外部协作方）
// 失败视为"本轮无数据"，由调用方记日志计数，不在本轮重试
type AvailabilitySource interface {
	Fetch(ctx context.Context, pincode string) (*models.AvailabilitySnapshot, error)
}

// SnapshotStore 基于 Redis 的快照存储
// 外部刷新任务把每个 pincode 的最新快照写入
// <SnapshotKeyPrefix><pincode>，本服务只读
type SnapshotStore struct {
	config      *config.Config
	redisClient *redis.Client
}

// NewSnapshotStore 创建快照存储
func NewSnapshotStore(cfg *config.Config, redisClient *redis.Client) *SnapshotStore {
	return &SnapshotStore{
		config:      cfg,
		redisClient: redisClient,
	}
}

// Fetch 读取某个 pincode 的当前快照
func (s *SnapshotStore) Fetch(ctx context.Context, pincode string) (*models.AvailabilitySnapshot, error) {
	if pincode == "" {
		return nil, fmt.Errorf("pincode is required")
	}

	key := s.config.Notifier.Cache.SnapshotKeyPrefix + pincode
	val, err := s.redisClient.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("availability snapshot not found for pincode: %s", pincode)
		}
		return nil, fmt.Errorf("failed to get availability snapshot: %w", err)
	}

	var snapshot models.AvailabilitySnapshot
	if err := json.Unmarshal([]byte(val), &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal availability snapshot: %w", err)
	}

	return &snapshot, nil
}
