package index

import (
	"context"
	"fmt"
	"sort"
	"time"
	"vaxwatch-notifier/internal/config"
	"vaxwatch-notifier/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	rediscommon "vaxwatch-notifier/pkg/redis"
)

// DistrictLookup 区域成员查询（外部协作方，通常由 Postgres 参考数据实现）
type DistrictLookup interface {
	MembersOf(ctx context.Context, districtID string) ([]string, error)
}

// IndexUpdate 索引变更下游消息：某个 pincode 的最新订阅者集合
type IndexUpdate struct {
	Pincode     string   `json:"pincode"`
	Subscribers []string `json:"subscribers"`
	UpdatedAt   int64    `json:"updated_at"`
}

// DiffResult 一次偏好事件产生的索引变更
type DiffResult struct {
	Targets []string // 解析后的目标 pincode 集合
	Added   []string
	Removed []string
}

// DiffEngine 订阅差分引擎
// 消费偏好变更事件：解析目标集合（直接 pincode ∪ 区域展开），
// 与反向索引快照做 diff，成对更新正反向索引，并把受影响 pincode 的
// 最新订阅者集合发布到下游流
type DiffEngine struct {
	config      *config.Config
	index       *LocationIndex
	districts   DistrictLookup
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewDiffEngine 创建差分引擎
func NewDiffEngine(
	cfg *config.Config,
	locationIndex *LocationIndex,
	districts DistrictLookup,
	redisClient *redis.Client,
	logger *zap.Logger,
) *DiffEngine {
	return &DiffEngine{
		config:      cfg,
		index:       locationIndex,
		districts:   districts,
		redisClient: redisClient,
		logger:      logger,
	}
}

// Apply 处理一条偏好变更事件
// 重放同一事件得到空 diff，索引状态不变（幂等）
func (e *DiffEngine) Apply(ctx context.Context, ev *models.PreferenceEvent) (*DiffResult, error) {
	if ev == nil {
		return nil, fmt.Errorf("event is required")
	}
	if ev.SubscriberID == "" {
		return nil, fmt.Errorf("subscriber_id is required")
	}

	// 1. 解析目标集合 = 直接 pincode ∪ 各区域成员
	targetSet, err := e.resolveTargets(ctx, ev)
	if err != nil {
		return nil, err
	}

	// 2. 取上一次快照
	previous, err := e.index.Targets(ctx, ev.SubscriberID)
	if err != nil {
		return nil, fmt.Errorf("failed to get previous targets: %w", err)
	}
	previousSet := make(map[string]bool, len(previous))
	for _, p := range previous {
		previousSet[p] = true
	}

	// 3. 计算增删
	var toAdd, toRemove []string
	for p := range targetSet {
		if !previousSet[p] {
			toAdd = append(toAdd, p)
		}
	}
	for _, p := range previous {
		if !targetSet[p] {
			toRemove = append(toRemove, p)
		}
	}
	sort.Strings(toAdd)
	sort.Strings(toRemove)

	// 4. 先删后增，每步成对更新正反向索引，并发布该 pincode 的最新集合
	for _, pincode := range toRemove {
		if err := e.index.Remove(ctx, pincode, ev.SubscriberID); err != nil {
			return nil, fmt.Errorf("failed to remove pincode %s: %w", pincode, err)
		}
		e.publishUpdate(ctx, pincode)
	}
	for _, pincode := range toAdd {
		if err := e.index.Add(ctx, pincode, ev.SubscriberID); err != nil {
			return nil, fmt.Errorf("failed to add pincode %s: %w", pincode, err)
		}
		e.publishUpdate(ctx, pincode)
	}

	// 5. 覆盖快照（空集合也覆盖，订阅者记录保留）
	targets := make([]string, 0, len(targetSet))
	for p := range targetSet {
		targets = append(targets, p)
	}
	sort.Strings(targets)

	if err := e.index.SnapshotTargets(ctx, ev.SubscriberID, targets); err != nil {
		return nil, fmt.Errorf("failed to store target snapshot: %w", err)
	}

	if len(toAdd) > 0 || len(toRemove) > 0 {
		e.logger.Info("Subscription index updated",
			zap.String("subscriber_id", ev.SubscriberID),
			zap.Int("added", len(toAdd)),
			zap.Int("removed", len(toRemove)),
			zap.Int("targets", len(targets)),
		)
	}

	return &DiffResult{
		Targets: targets,
		Added:   toAdd,
		Removed: toRemove,
	}, nil
}

// resolveTargets 解析目标集合
// 区域查不到成员时视为该区域贡献为空，不算错误
func (e *DiffEngine) resolveTargets(ctx context.Context, ev *models.PreferenceEvent) (map[string]bool, error) {
	targetSet := make(map[string]bool)

	for _, p := range ev.Pincodes {
		if p != "" {
			targetSet[p] = true
		}
	}

	for _, districtID := range ev.DistrictIDs {
		if districtID == "" {
			continue
		}
		members, err := e.districts.MembersOf(ctx, districtID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve district %s: %w", districtID, err)
		}
		for _, p := range members {
			if p != "" {
				targetSet[p] = true
			}
		}
	}

	return targetSet, nil
}

// publishUpdate 把 pincode 的最新订阅者集合发到下游流
// 下游消息是增值通知，发布失败只记日志，不影响索引一致性
func (e *DiffEngine) publishUpdate(ctx context.Context, pincode string) {
	subscribers, err := e.index.Subscribers(ctx, pincode)
	if err != nil {
		e.logger.Warn("Failed to read subscriber set for downstream update",
			zap.String("pincode", pincode),
			zap.Error(err),
		)
		return
	}

	update := IndexUpdate{
		Pincode:     pincode,
		Subscribers: subscribers,
		UpdatedAt:   time.Now().Unix(),
	}

	if _, err := rediscommon.PublishJSONToStream(ctx, e.redisClient, e.config.Notifier.Streams.IndexUpdates, update); err != nil {
		e.logger.Warn("Failed to publish index update",
			zap.String("pincode", pincode),
			zap.Error(err),
		)
	}
}
