package notifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
	"vaxwatch-notifier/internal/config"
	"vaxwatch-notifier/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RecordStore 通知记录的持久存储（由 Postgres 仓库实现）
type RecordStore interface {
	Get(ctx context.Context, subscriberID, pincode string) (*models.NotificationRecord, error)
	Upsert(ctx context.Context, record *models.NotificationRecord) error
}

// ChangeCache 通知内容变化缓存
// 键为 (subscriber_id, pincode)，值为合格结果的内容哈希
// 热路径走 Redis，未命中时回落到持久存储；Record 先落库再刷缓存
type ChangeCache struct {
	config      *config.Config
	redisClient *redis.Client
	records     RecordStore
	logger      *zap.Logger
}

// NewChangeCache 创建变化缓存
func NewChangeCache(
	cfg *config.Config,
	redisClient *redis.Client,
	records RecordStore,
	logger *zap.Logger,
) *ChangeCache {
	return &ChangeCache{
		config:      cfg,
		redisClient: redisClient,
		records:     records,
		logger:      logger,
	}
}

// ContentHash 合格结果列表的确定性内容哈希
// 先做稳定化（中心按 center_id、场次按 session_id 排序）再序列化取 sha256，
// 语义相同的结果无论内存顺序如何哈希一致
func ContentHash(centers []models.Center) (string, error) {
	normalized := make([]models.Center, len(centers))
	for i, c := range centers {
		nc := c
		nc.Sessions = append([]models.Session(nil), c.Sessions...)
		sort.Slice(nc.Sessions, func(a, b int) bool {
			return nc.Sessions[a].SessionID < nc.Sessions[b].SessionID
		})
		normalized[i] = nc
	}
	sort.Slice(normalized, func(a, b int) bool {
		return normalized[a].CenterID < normalized[b].CenterID
	})

	jsonBytes, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("failed to marshal eligible centers: %w", err)
	}

	sum := sha256.Sum256(jsonBytes)
	return hex.EncodeToString(sum[:]), nil
}

// cacheKey 热缓存键
func (c *ChangeCache) cacheKey(subscriberID, pincode string) string {
	return fmt.Sprintf("%s%s:%s",
		c.config.Notifier.Cache.NotifyKeyPrefix,
		subscriberID,
		pincode,
	)
}

// IsNew 判断合格结果相对上次投递是否有实际变化
// 不存在记录或哈希不同返回 true；本方法不改写任何状态
func (c *ChangeCache) IsNew(ctx context.Context, subscriberID, pincode string, centers []models.Center) (bool, error) {
	if subscriberID == "" {
		return false, fmt.Errorf("subscriber_id is required")
	}
	if pincode == "" {
		return false, fmt.Errorf("pincode is required")
	}

	hash, err := ContentHash(centers)
	if err != nil {
		return false, err
	}

	// 热缓存
	key := c.cacheKey(subscriberID, pincode)
	cached, err := c.redisClient.Get(ctx, key).Result()
	if err == nil {
		return cached != hash, nil
	}
	if err != redis.Nil {
		c.logger.Warn("Notify cache lookup failed, falling back to store",
			zap.String("subscriber_id", subscriberID),
			zap.String("pincode", pincode),
			zap.Error(err),
		)
	}

	// 回落到持久存储
	record, err := c.records.Get(ctx, subscriberID, pincode)
	if err != nil {
		return false, fmt.Errorf("failed to get notification record: %w", err)
	}
	if record == nil {
		return true, nil
	}

	return record.ContentHash != hash, nil
}

// Record 登记"该内容已决定投递"
// 先 upsert 持久记录，再刷新热缓存；投递是否成功不影响登记
func (c *ChangeCache) Record(ctx context.Context, subscriberID, pincode string, centers []models.Center) error {
	if subscriberID == "" {
		return fmt.Errorf("subscriber_id is required")
	}
	if pincode == "" {
		return fmt.Errorf("pincode is required")
	}

	hash, err := ContentHash(centers)
	if err != nil {
		return err
	}

	record := &models.NotificationRecord{
		SubscriberID: subscriberID,
		Pincode:      pincode,
		ContentHash:  hash,
		NotifiedAt:   time.Now(),
	}
	if err := c.records.Upsert(ctx, record); err != nil {
		return fmt.Errorf("failed to upsert notification record: %w", err)
	}

	key := c.cacheKey(subscriberID, pincode)
	ttl := time.Duration(c.config.Notifier.Cache.NotifyTTL) * time.Second
	if err := c.redisClient.Set(ctx, key, hash, ttl).Err(); err != nil {
		// 缓存刷新失败不致命，下次 IsNew 会回落到持久存储
		c.logger.Warn("Failed to refresh notify cache",
			zap.String("subscriber_id", subscriberID),
			zap.String("pincode", pincode),
			zap.Error(err),
		)
	}

	return nil
}
