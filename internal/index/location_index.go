package index

import (
	"context"
	"fmt"
	"sort"
	"vaxwatch-notifier/internal/config"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// LocationIndex pincode → 订阅者集合的正向索引，以及
// 订阅者 → 目标 pincode 集合的反向索引（快照）
// 两个索引都是 Redis Set；同一订阅者的正反向变更在一次 TxPipelined 中成对提交
type LocationIndex struct {
	config      *config.Config
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewLocationIndex 创建位置索引
func NewLocationIndex(
	cfg *config.Config,
	redisClient *redis.Client,
	logger *zap.Logger,
) *LocationIndex {
	return &LocationIndex{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
	}
}

// forwardKey 正向索引键
func (ix *LocationIndex) forwardKey(pincode string) string {
	return fmt.Sprintf("%s%s%s",
		ix.config.Notifier.Cache.PincodeKeyPrefix,
		pincode,
		ix.config.Notifier.Cache.PincodeSuffix,
	)
}

// reverseKey 反向索引键
func (ix *LocationIndex) reverseKey(subscriberID string) string {
	return fmt.Sprintf("%s%s%s",
		ix.config.Notifier.Cache.SubscriberKeyPrefix,
		subscriberID,
		ix.config.Notifier.Cache.SubscriberSuffix,
	)
}

// Add 将订阅者加入某个 pincode 的集合（幂等，重复添加无变化）
// 正向 SADD 与反向 SADD 在一个事务管道中提交
func (ix *LocationIndex) Add(ctx context.Context, pincode, subscriberID string) error {
	if pincode == "" {
		return fmt.Errorf("pincode is required")
	}
	if subscriberID == "" {
		return fmt.Errorf("subscriber_id is required")
	}

	_, err := ix.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, ix.forwardKey(pincode), subscriberID)
		pipe.SAdd(ctx, ix.reverseKey(subscriberID), pincode)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add subscriber to index: %w", err)
	}

	return nil
}

// Remove 将订阅者移出某个 pincode 的集合（幂等，移除不存在的成员无变化）
func (ix *LocationIndex) Remove(ctx context.Context, pincode, subscriberID string) error {
	if pincode == "" {
		return fmt.Errorf("pincode is required")
	}
	if subscriberID == "" {
		return fmt.Errorf("subscriber_id is required")
	}

	_, err := ix.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, ix.forwardKey(pincode), subscriberID)
		pipe.SRem(ctx, ix.reverseKey(subscriberID), pincode)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove subscriber from index: %w", err)
	}

	return nil
}

// Subscribers 获取某个 pincode 的订阅者集合（排序返回，便于测试和下游序列化）
func (ix *LocationIndex) Subscribers(ctx context.Context, pincode string) ([]string, error) {
	if pincode == "" {
		return nil, fmt.Errorf("pincode is required")
	}

	members, err := ix.redisClient.SMembers(ctx, ix.forwardKey(pincode)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get subscribers for pincode %s: %w", pincode, err)
	}

	sort.Strings(members)
	return members, nil
}

// Targets 获取订阅者当前的目标 pincode 集合（反向索引快照）
func (ix *LocationIndex) Targets(ctx context.Context, subscriberID string) ([]string, error) {
	if subscriberID == "" {
		return nil, fmt.Errorf("subscriber_id is required")
	}

	members, err := ix.redisClient.SMembers(ctx, ix.reverseKey(subscriberID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get targets for subscriber %s: %w", subscriberID, err)
	}

	sort.Strings(members)
	return members, nil
}

// SnapshotTargets 用解析出的目标集合整体覆盖反向索引（空集合也覆盖，
// 保留空快照以便将来重新订阅时能正确 diff）
func (ix *LocationIndex) SnapshotTargets(ctx context.Context, subscriberID string, pincodes []string) error {
	if subscriberID == "" {
		return fmt.Errorf("subscriber_id is required")
	}

	key := ix.reverseKey(subscriberID)
	_, err := ix.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(pincodes) > 0 {
			members := make([]interface{}, 0, len(pincodes))
			for _, p := range pincodes {
				members = append(members, p)
			}
			pipe.SAdd(ctx, key, members...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to snapshot targets: %w", err)
	}

	return nil
}

// ForEachLocation 枚举正向索引（供巡检工具使用）
// 通过 SCAN 遍历，回调返回错误时终止
func (ix *LocationIndex) ForEachLocation(ctx context.Context, fn func(pincode string, subscribers []string) error) error {
	pattern := fmt.Sprintf("%s*%s",
		ix.config.Notifier.Cache.PincodeKeyPrefix,
		ix.config.Notifier.Cache.PincodeSuffix,
	)

	iter := ix.redisClient.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		// 去掉前缀和后缀得到 pincode
		pincode := key[len(ix.config.Notifier.Cache.PincodeKeyPrefix):]
		pincode = pincode[:len(pincode)-len(ix.config.Notifier.Cache.PincodeSuffix)]

		members, err := ix.redisClient.SMembers(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("failed to read location set %s: %w", key, err)
		}
		sort.Strings(members)

		if err := fn(pincode, members); err != nil {
			return err
		}
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan location index: %w", err)
	}

	return nil
}
