package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"vaxwatch-notifier/internal/config"
	"vaxwatch-notifier/internal/index"
	"vaxwatch-notifier/internal/models"
	"vaxwatch-notifier/internal/repository"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	rediscommon "vaxwatch-notifier/pkg/redis"
)

// PreferenceConsumer 订阅偏好事件消费者
// 每条事件整体替换订阅者记录，再交给差分引擎更新位置索引
type PreferenceConsumer struct {
	config      *config.Config
	redisClient *redis.Client
	subscribers *repository.SubscribersRepository
	diffEngine  *index.DiffEngine
	logger      *zap.Logger
	metrics     *Metrics
}

// NewPreferenceConsumer 创建偏好消费者
func NewPreferenceConsumer(
	cfg *config.Config,
	redisClient *redis.Client,
	subscribers *repository.SubscribersRepository,
	diffEngine *index.DiffEngine,
	logger *zap.Logger,
) *PreferenceConsumer {
	return &PreferenceConsumer{
		config:      cfg,
		redisClient: redisClient,
		subscribers: subscribers,
		diffEngine:  diffEngine,
		logger:      logger,
		metrics: &Metrics{
			StartTime: time.Now(),
		},
	}
}

// Start 启动消费循环
func (c *PreferenceConsumer) Start(ctx context.Context) error {
	stream := c.config.Notifier.Streams.Preferences
	if err := rediscommon.CreateConsumerGroup(ctx, c.redisClient, stream, c.config.Notifier.ConsumerGroup); err != nil {
		return fmt.Errorf("failed to create consumer group for %s: %w", stream, err)
	}

	c.logger.Info("Preference consumer started",
		zap.String("consumer_group", c.config.Notifier.ConsumerGroup),
		zap.String("consumer_name", c.config.Notifier.ConsumerName),
		zap.String("stream", stream),
	)

	metricsCtx, metricsCancel := context.WithCancel(ctx)
	defer metricsCancel()
	go c.reportMetrics(metricsCtx)

	backoffDuration := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			if err := c.consumeStream(ctx, stream); err != nil {
				c.logger.Error("Failed to consume preference stream",
					zap.Error(err),
					zap.Duration("backoff", backoffDuration),
				)

				// 指数退避后重试
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(backoffDuration):
					backoffDuration *= 2
					if backoffDuration > maxBackoff {
						backoffDuration = maxBackoff
					}
				}
			} else {
				backoffDuration = time.Second
			}
		}
	}
}

// consumeStream 读取并处理一批消息
func (c *PreferenceConsumer) consumeStream(ctx context.Context, stream string) error {
	messages, err := rediscommon.ReadFromStream(
		ctx,
		c.redisClient,
		stream,
		c.config.Notifier.ConsumerGroup,
		c.config.Notifier.ConsumerName,
		c.config.Notifier.BatchSize,
	)
	if err != nil {
		return fmt.Errorf("failed to read from stream: %w", err)
	}

	for _, msg := range messages {
		c.metrics.IncrementProcessed()
		if err := c.processMessage(ctx, msg); err != nil {
			c.logger.Error("Failed to process preference event",
				zap.String("stream_id", msg.ID),
				zap.Error(err),
			)
			// 不 ACK，保留在 pending 中等待重投；继续处理下一条
			continue
		}
		if err := rediscommon.AckMessage(ctx, c.redisClient, stream, c.config.Notifier.ConsumerGroup, msg.ID); err != nil {
			c.logger.Warn("Failed to ack preference event",
				zap.String("stream_id", msg.ID),
				zap.Error(err),
			)
		}
	}

	return nil
}

// processMessage 处理单条偏好事件
//
// 处理流程：
// 1. 解析事件（畸形事件丢弃并计数，不中断管线）
// 2. 直接 pincode 数超限时截断到配置上限
// 3. 整体替换订阅者记录（Postgres upsert）
// 4. 差分引擎更新正反向索引并发布下游变更
func (c *PreferenceConsumer) processMessage(ctx context.Context, msg rediscommon.StreamMessage) error {
	startTime := time.Now()

	ev, ok := c.parseEvent(msg)
	if !ok {
		// 畸形事件：已计数，按处理完成对待（ACK 后不再重投）
		return nil
	}

	if max := c.config.Notifier.MaxPincodesPerSubscriber; max > 0 && len(ev.Pincodes) > max {
		c.logger.Warn("Subscriber exceeds pincode limit, truncating",
			zap.String("subscriber_id", ev.SubscriberID),
			zap.Int("requested", len(ev.Pincodes)),
			zap.Int("limit", max),
		)
		ev.Pincodes = ev.Pincodes[:max]
	}

	sub := &models.Subscriber{
		SubscriberID: ev.SubscriberID,
		Pincodes:     ev.Pincodes,
		DistrictIDs:  ev.DistrictIDs,
		AgePref:      ev.AgePref,
		DosePref:     ev.DosePref,
		VaccinePref:  ev.VaccinePref,
	}
	if err := c.subscribers.Upsert(ctx, sub); err != nil {
		c.metrics.IncrementFailed("store")
		return fmt.Errorf("failed to upsert subscriber: %w", err)
	}

	result, err := c.diffEngine.Apply(ctx, ev)
	if err != nil {
		c.metrics.IncrementFailed("apply")
		return fmt.Errorf("failed to apply subscription diff: %w", err)
	}

	processingDuration := time.Since(startTime)
	c.metrics.IncrementSucceeded(processingDuration)

	c.logger.Debug("Preference event applied",
		zap.String("subscriber_id", ev.SubscriberID),
		zap.Int("added", len(result.Added)),
		zap.Int("removed", len(result.Removed)),
		zap.Duration("processing_time", processingDuration),
	)

	return nil
}

// parseEvent 解析并校验偏好事件，畸形时返回 (nil, false)
func (c *PreferenceConsumer) parseEvent(msg rediscommon.StreamMessage) (*models.PreferenceEvent, bool) {
	dataStr, ok := msg.Values["data"].(string)
	if !ok {
		c.metrics.IncrementDropped()
		c.logger.Warn("Dropping preference event without data field",
			zap.String("stream_id", msg.ID),
		)
		return nil, false
	}

	var ev models.PreferenceEvent
	if err := json.Unmarshal([]byte(dataStr), &ev); err != nil {
		c.metrics.IncrementDropped()
		c.logger.Warn("Dropping malformed preference event",
			zap.String("stream_id", msg.ID),
			zap.Error(err),
		)
		return nil, false
	}

	if ev.SubscriberID == "" {
		c.metrics.IncrementDropped()
		c.logger.Warn("Dropping preference event without subscriber_id",
			zap.String("stream_id", msg.ID),
		)
		return nil, false
	}

	return &ev, true
}

// reportMetrics 定期报告指标（每60秒）
func (c *PreferenceConsumer) reportMetrics(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := c.metrics.GetSnapshot()
			uptime := time.Since(snapshot.StartTime)

			var avgProcessingTime time.Duration
			if snapshot.MessagesSucceeded > 0 {
				avgProcessingTime = snapshot.TotalProcessingTime / time.Duration(snapshot.MessagesSucceeded)
			}

			c.logger.Info("Preference consumer metrics",
				zap.Int64("messages_processed", snapshot.MessagesProcessed),
				zap.Int64("messages_succeeded", snapshot.MessagesSucceeded),
				zap.Int64("messages_failed", snapshot.MessagesFailed),
				zap.Int64("messages_dropped", snapshot.MessagesDropped),
				zap.Int64("errors_parse", snapshot.ErrorsParse),
				zap.Int64("errors_store", snapshot.ErrorsStore),
				zap.Int64("errors_apply", snapshot.ErrorsApply),
				zap.Duration("avg_processing_time", avgProcessingTime),
				zap.Duration("uptime", uptime),
			)
		}
	}
}
