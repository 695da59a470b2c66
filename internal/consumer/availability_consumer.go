package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"vaxwatch-notifier/internal/config"
	"vaxwatch-notifier/internal/dedup"
	"vaxwatch-notifier/internal/dispatch"
	"vaxwatch-notifier/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	rediscommon "vaxwatch-notifier/pkg/redis"
)

// AvailabilityConsumer 槽位变更事件消费者
// 先过去重窗口，放行的事件交给投递编排器
type AvailabilityConsumer struct {
	config       *config.Config
	redisClient  *redis.Client
	window       *dedup.Window
	orchestrator *dispatch.Orchestrator
	logger       *zap.Logger
	metrics      *Metrics
}

// NewAvailabilityConsumer 创建槽位消费者
func NewAvailabilityConsumer(
	cfg *config.Config,
	redisClient *redis.Client,
	window *dedup.Window,
	orchestrator *dispatch.Orchestrator,
	logger *zap.Logger,
) *AvailabilityConsumer {
	return &AvailabilityConsumer{
		config:       cfg,
		redisClient:  redisClient,
		window:       window,
		orchestrator: orchestrator,
		logger:       logger,
		metrics: &Metrics{
			StartTime: time.Now(),
		},
	}
}

// Start 启动消费循环
func (c *AvailabilityConsumer) Start(ctx context.Context) error {
	stream := c.config.Notifier.Streams.Availability
	if err := rediscommon.CreateConsumerGroup(ctx, c.redisClient, stream, c.config.Notifier.ConsumerGroup); err != nil {
		return fmt.Errorf("failed to create consumer group for %s: %w", stream, err)
	}

	c.logger.Info("Availability consumer started",
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
				c.logger.Error("Failed to consume availability stream",
					zap.Error(err),
					zap.Duration("backoff", backoffDuration),
				)

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
func (c *AvailabilityConsumer) consumeStream(ctx context.Context, stream string) error {
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
			c.logger.Error("Failed to process availability event",
				zap.String("stream_id", msg.ID),
				zap.Error(err),
			)
			continue
		}
		if err := rediscommon.AckMessage(ctx, c.redisClient, stream, c.config.Notifier.ConsumerGroup, msg.ID); err != nil {
			c.logger.Warn("Failed to ack availability event",
				zap.String("stream_id", msg.ID),
				zap.Error(err),
			)
		}
	}

	return nil
}

// processMessage 处理单条槽位变更事件
//
// 处理流程：
// 1. 解析事件（畸形事件丢弃并计数）
// 2. 去重窗口判定，窗口内重复直接拦截
// 3. 放行的事件交给编排器做候选匹配和投递
func (c *AvailabilityConsumer) processMessage(ctx context.Context, msg rediscommon.StreamMessage) error {
	startTime := time.Now()

	dataStr, ok := msg.Values["data"].(string)
	if !ok {
		c.metrics.IncrementDropped()
		c.logger.Warn("Dropping availability event without data field",
			zap.String("stream_id", msg.ID),
		)
		return nil
	}

	var ev models.AvailabilityEvent
	if err := json.Unmarshal([]byte(dataStr), &ev); err != nil {
		c.metrics.IncrementDropped()
		c.logger.Warn("Dropping malformed availability event",
			zap.String("stream_id", msg.ID),
			zap.Error(err),
		)
		return nil
	}

	if ev.Pincode == "" {
		c.metrics.IncrementDropped()
		c.logger.Warn("Dropping availability event without pincode",
			zap.String("stream_id", msg.ID),
		)
		return nil
	}

	admitted, err := c.window.Admit(ctx, ev.EventID, ev.OccurredTime())
	if err != nil {
		// 去重存储异常时已放行，记日志继续
		c.logger.Warn("Dedup check degraded",
			zap.String("event_id", ev.EventID),
			zap.Error(err),
		)
	}
	if !admitted {
		c.metrics.IncrementSuppressed()
		c.logger.Debug("Availability event suppressed by dedup window",
			zap.String("event_id", ev.EventID),
			zap.String("pincode", ev.Pincode),
		)
		return nil
	}

	if err := c.orchestrator.HandleAvailabilityEvent(ctx, ev); err != nil {
		c.metrics.IncrementFailed("apply")
		return fmt.Errorf("failed to handle availability event: %w", err)
	}

	processingDuration := time.Since(startTime)
	c.metrics.IncrementSucceeded(processingDuration)

	return nil
}

// reportMetrics 定期报告指标（每60秒），合并编排器的计数
func (c *AvailabilityConsumer) reportMetrics(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := c.metrics.GetSnapshot()
			dispatchSnapshot := c.orchestrator.Metrics().GetSnapshot()
			uptime := time.Since(snapshot.StartTime)

			c.logger.Info("Availability consumer metrics",
				zap.Int64("messages_processed", snapshot.MessagesProcessed),
				zap.Int64("messages_succeeded", snapshot.MessagesSucceeded),
				zap.Int64("messages_failed", snapshot.MessagesFailed),
				zap.Int64("messages_dropped", snapshot.MessagesDropped),
				zap.Int64("messages_suppressed", snapshot.MessagesSuppressed),
				zap.Int64("candidates_processed", dispatchSnapshot.CandidatesProcessed),
				zap.Int64("dispatches_sent", dispatchSnapshot.DispatchesSent),
				zap.Int64("dispatch_failures", dispatchSnapshot.DispatchFailures),
				zap.Int64("locations_without_candidates", dispatchSnapshot.LocationsNoCandidates),
				zap.Int64("fetch_failures", dispatchSnapshot.FetchFailures),
				zap.Duration("uptime", uptime),
			)
		}
	}
}
