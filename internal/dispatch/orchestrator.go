package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"vaxwatch-notifier/internal/config"
	"vaxwatch-notifier/internal/index"
	"vaxwatch-notifier/internal/matcher"
	"vaxwatch-notifier/internal/models"
	"vaxwatch-notifier/internal/notifier"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	rediscommon "vaxwatch-notifier/pkg/redis"
)

// SubscriberStore 订阅者记录读取/回写（由 Postgres 仓库实现）
type SubscriberStore interface {
	Get(ctx context.Context, subscriberID string) (*models.Subscriber, error)
	TouchLastNotified(ctx context.Context, subscriberID string, at time.Time) error
}

// NotificationPayload 投递给订阅者的消息体
type NotificationPayload struct {
	SubscriberID string          `json:"subscriber_id"`
	Pincode      string          `json:"pincode"`
	Centers      []models.Center `json:"centers"`
	GeneratedAt  int64           `json:"generated_at"`
}

// Orchestrator 投递编排器
// 对每条放行后的槽位变更事件：从位置索引取候选订阅者，读取该 pincode 的
// 当前快照，逐个候选做资格过滤和内容变化判断，有实际变化时交给投递通道。
// 单个候选的失败被隔离，不影响同一事件的其他候选
type Orchestrator struct {
	config      *config.Config
	index       *index.LocationIndex
	subscribers SubscriberStore
	changeCache *notifier.ChangeCache
	source      AvailabilitySource
	transport   DeliveryTransport
	redisClient *redis.Client
	logger      *zap.Logger
	metrics     *Metrics
}

// NewOrchestrator 创建编排器
func NewOrchestrator(
	cfg *config.Config,
	locationIndex *index.LocationIndex,
	subscribers SubscriberStore,
	changeCache *notifier.ChangeCache,
	source AvailabilitySource,
	transport DeliveryTransport,
	redisClient *redis.Client,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		config:      cfg,
		index:       locationIndex,
		subscribers: subscribers,
		changeCache: changeCache,
		source:      source,
		transport:   transport,
		redisClient: redisClient,
		logger:      logger,
		metrics:     NewMetrics(),
	}
}

// Metrics 指标入口（供消费者的周期上报使用）
func (o *Orchestrator) Metrics() *Metrics {
	return o.metrics
}

// HandleAvailabilityEvent 处理一条放行后的槽位变更事件
func (o *Orchestrator) HandleAvailabilityEvent(ctx context.Context, ev models.AvailabilityEvent) error {
	if ev.Pincode == "" {
		return fmt.Errorf("pincode is required")
	}

	candidates, err := o.index.Subscribers(ctx, ev.Pincode)
	if err != nil {
		return fmt.Errorf("failed to get candidates: %w", err)
	}
	if len(candidates) == 0 {
		o.metrics.IncrementNoCandidates()
		o.logger.Debug("No candidates for location",
			zap.String("pincode", ev.Pincode),
		)
		return nil
	}

	// 快照获取失败视为本轮无数据：记日志计数后跳过，等下一轮刷新
	snapshot, err := o.source.Fetch(ctx, ev.Pincode)
	if err != nil {
		o.metrics.IncrementFetchFailed()
		o.logger.Warn("Failed to fetch availability snapshot, skipping cycle",
			zap.String("pincode", ev.Pincode),
			zap.String("event_id", ev.EventID),
			zap.Error(err),
		)
		return nil
	}

	for _, subscriberID := range candidates {
		o.metrics.IncrementCandidates()
		if err := o.processCandidate(ctx, ev.Pincode, subscriberID, snapshot); err != nil {
			// 单个候选失败隔离，继续处理其他候选
			o.metrics.IncrementDispatchFailed()
			o.logger.Error("Failed to process candidate",
				zap.String("pincode", ev.Pincode),
				zap.String("subscriber_id", subscriberID),
				zap.Error(err),
			)
		}
	}

	return nil
}

// processCandidate 处理单个候选订阅者
func (o *Orchestrator) processCandidate(ctx context.Context, pincode, subscriberID string, snapshot *models.AvailabilitySnapshot) error {
	sub, err := o.subscribers.Get(ctx, subscriberID)
	if err != nil {
		return fmt.Errorf("failed to get subscriber: %w", err)
	}

	eligible := matcher.EligibleCenters(snapshot, sub.Preferences())
	if len(eligible) == 0 {
		// 没有合格结果：不动缓存，不投递
		return nil
	}

	isNew, err := o.changeCache.IsNew(ctx, subscriberID, pincode, eligible)
	if err != nil {
		return fmt.Errorf("failed to check content change: %w", err)
	}
	if !isNew {
		return nil
	}

	payload, err := json.Marshal(NotificationPayload{
		SubscriberID: subscriberID,
		Pincode:      pincode,
		Centers:      eligible,
		GeneratedAt:  time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification payload: %w", err)
	}

	sendErr := o.transport.Send(ctx, subscriberID, payload)
	if sendErr == nil {
		o.metrics.IncrementDispatched()
		o.logger.Info("Notification dispatched",
			zap.String("subscriber_id", subscriberID),
			zap.String("pincode", pincode),
			zap.Int("centers", len(eligible)),
		)
	} else if errors.Is(sendErr, ErrRecipientBlocked) {
		// 永久不可达：向偏好流回写退订全部事件
		o.publishUnsubscribeAll(ctx, subscriberID)
	}

	// 投递尝试已决定，无论成败都登记内容哈希，避免重复投递
	if err := o.changeCache.Record(ctx, subscriberID, pincode, eligible); err != nil {
		return fmt.Errorf("failed to record notification: %w", err)
	}

	if err := o.subscribers.TouchLastNotified(ctx, subscriberID, time.Now()); err != nil {
		o.logger.Warn("Failed to update last_notified_at",
			zap.String("subscriber_id", subscriberID),
			zap.Error(err),
		)
	}

	if sendErr != nil && !errors.Is(sendErr, ErrRecipientBlocked) {
		return fmt.Errorf("failed to send notification: %w", sendErr)
	}

	return nil
}

// publishUnsubscribeAll 回写"退订全部"偏好事件
// 这是核心向上游写回的唯一场景
func (o *Orchestrator) publishUnsubscribeAll(ctx context.Context, subscriberID string) {
	ev := models.PreferenceEvent{
		EventID:      uuid.New().String(),
		SubscriberID: subscriberID,
		Pincodes:     []string{},
		DistrictIDs:  []string{},
	}

	if _, err := rediscommon.PublishJSONToStream(ctx, o.redisClient, o.config.Notifier.Streams.Preferences, ev); err != nil {
		o.logger.Error("Failed to publish unsubscribe-all event",
			zap.String("subscriber_id", subscriberID),
			zap.Error(err),
		)
		return
	}

	o.logger.Info("Recipient blocked channel, unsubscribe-all emitted",
		zap.String("subscriber_id", subscriberID),
	)
}
