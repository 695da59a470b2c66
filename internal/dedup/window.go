package dedup

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Window 时间窗口去重器
// 记录事件标识首次出现的时间，窗口 [firstSeen-left, firstSeen+right] 内的
// 重复出现一律拦截，并刷新保留期（重复持续到达时窗口不会提前过期）
type Window struct {
	redisClient *redis.Client
	keyPrefix   string
	left        time.Duration
	right       time.Duration
	logger      *zap.Logger
}

// memo 去重备忘项（存入 Redis 的值）
// FirstSeen 是窗口锚点：首次出现时落点，之后每次被拦截的重复把锚点顺延到本次时间
type memo struct {
	FirstSeen int64 `json:"first_seen"` // unix 秒
}

// NewWindow 创建去重窗口
// total 为总保留时长，前后平均拆分
func NewWindow(redisClient *redis.Client, keyPrefix string, total time.Duration, logger *zap.Logger) *Window {
	return &Window{
		redisClient: redisClient,
		keyPrefix:   keyPrefix,
		left:        total / 2,
		right:       total / 2,
		logger:      logger,
	}
}

// Admit 判断事件是否放行
// 首次出现返回 true；窗口内的重复返回 false 并刷新保留期
// id 为空时没有去重依据，一律放行且不落存储
// Redis 异常时放行（宁可重复处理，内容哈希缓存会兜底去重）
func (w *Window) Admit(ctx context.Context, id string, eventTime time.Time) (bool, error) {
	if id == "" {
		return true, nil
	}

	key := w.keyPrefix + id
	retention := w.left + w.right

	val, err := w.redisClient.Get(ctx, key).Result()
	if err != nil && err != redis.Nil {
		w.logger.Warn("Dedup lookup failed, admitting event",
			zap.String("event_id", id),
			zap.Error(err),
		)
		return true, fmt.Errorf("failed to get dedup memo: %w", err)
	}

	if err == redis.Nil {
		// 首次出现，记录 firstSeen
		if storeErr := w.store(ctx, key, eventTime.Unix(), retention); storeErr != nil {
			w.logger.Warn("Failed to store dedup memo",
				zap.String("event_id", id),
				zap.Error(storeErr),
			)
		}
		return true, nil
	}

	var m memo
	if err := json.Unmarshal([]byte(val), &m); err != nil {
		// 备忘项损坏，按首次出现处理
		if storeErr := w.store(ctx, key, eventTime.Unix(), retention); storeErr != nil {
			w.logger.Warn("Failed to store dedup memo",
				zap.String("event_id", id),
				zap.Error(storeErr),
			)
		}
		return true, nil
	}

	firstSeen := time.Unix(m.FirstSeen, 0)
	windowStart := firstSeen.Add(-w.left)
	windowEnd := firstSeen.Add(w.right)

	if !eventTime.Before(windowStart) && !eventTime.After(windowEnd) {
		// 窗口内重复：拦截并以本次时间重新落点，重复持续到达时窗口随之顺延
		if storeErr := w.store(ctx, key, eventTime.Unix(), retention); storeErr != nil {
			w.logger.Warn("Failed to refresh dedup memo",
				zap.String("event_id", id),
				zap.Error(storeErr),
			)
		}
		return false, nil
	}

	// 窗口外：视为新事件，覆盖 firstSeen
	if storeErr := w.store(ctx, key, eventTime.Unix(), retention); storeErr != nil {
		w.logger.Warn("Failed to store dedup memo",
			zap.String("event_id", id),
			zap.Error(storeErr),
		)
	}
	return true, nil
}

func (w *Window) store(ctx context.Context, key string, firstSeen int64, ttl time.Duration) error {
	jsonData, err := json.Marshal(memo{FirstSeen: firstSeen})
	if err != nil {
		return fmt.Errorf("failed to marshal dedup memo: %w", err)
	}
	if err := w.redisClient.Set(ctx, key, jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set dedup memo: %w", err)
	}
	return nil
}
