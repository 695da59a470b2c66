package dispatch

import (
	"context"
	"errors"
	"fmt"
	"vaxwatch-notifier/internal/config"

	"github.com/go-redis/redis/v8"
	mqttcommon "vaxwatch-notifier/pkg/mqtt"
	rediscommon "vaxwatch-notifier/pkg/redis"
)

// ErrRecipientBlocked 收件人永久不可达（例如拉黑了推送通道）
// 收到该信号后编排器会向偏好流回写一条"退订全部"事件
var ErrRecipientBlocked = errors.New("recipient blocked delivery channel")

// DeliveryTransport 出站投递通道
// 构造时选择实现：直连推送（MQTT）或队列投递（出站流）
type DeliveryTransport interface {
	Send(ctx context.Context, subscriberID string, payload []byte) error
}

// MQTTTransport 直连推送：发布到每个订阅者的专属主题
type MQTTTransport struct {
	client      *mqttcommon.Client
	topicPrefix string
	qos         byte
}

// NewMQTTTransport 创建MQTT直连通道
func NewMQTTTransport(client *mqttcommon.Client, topicPrefix string, qos byte) *MQTTTransport {
	return &MQTTTransport{
		client:      client,
		topicPrefix: topicPrefix,
		qos:         qos,
	}
}

// Send 发布通知消息
func (t *MQTTTransport) Send(ctx context.Context, subscriberID string, payload []byte) error {
	if subscriberID == "" {
		return fmt.Errorf("subscriber_id is required")
	}

	topic := t.topicPrefix + subscriberID
	if err := t.client.Publish(topic, t.qos, false, payload); err != nil {
		return fmt.Errorf("failed to deliver notification: %w", err)
	}

	return nil
}

// StreamTransport 队列投递：写入出站 Redis 流，由独立的发送进程消费
type StreamTransport struct {
	config      *config.Config
	redisClient *redis.Client
}

// NewStreamTransport 创建队列投递通道
func NewStreamTransport(cfg *config.Config, redisClient *redis.Client) *StreamTransport {
	return &StreamTransport{
		config:      cfg,
		redisClient: redisClient,
	}
}

// Send 入队通知消息
func (t *StreamTransport) Send(ctx context.Context, subscriberID string, payload []byte) error {
	if subscriberID == "" {
		return fmt.Errorf("subscriber_id is required")
	}

	_, err := rediscommon.PublishToStream(ctx, t.redisClient, t.config.Notifier.Streams.Outbound, map[string]interface{}{
		"subscriber_id": subscriberID,
		"payload":       string(payload),
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}

	return nil
}
