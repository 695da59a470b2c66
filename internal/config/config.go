package config

import (
	"os"
	"strconv"
	"time"
	"vaxwatch-notifier/pkg/config"
)

// Config 通知服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	// 通知管线特定配置
	Notifier struct {
		// 输入/输出 Streams
		Streams struct {
			Preferences  string // 订阅偏好变更事件流
			Availability string // 槽位变更事件流
			IndexUpdates string // 索引变更下游流
			Outbound     string // 队列投递方式的出站流
		}

		ConsumerGroup string
		ConsumerName  string
		BatchSize     int64

		// 去重窗口配置
		Dedup struct {
			KeyPrefix string        // 去重键前缀，如 "vaxwatch:dedup:"
			Window    time.Duration // 总保留时长（前后平均拆分）
		}

		// Redis 缓存键配置
		Cache struct {
			PincodeKeyPrefix    string // 正向索引键前缀，如 "vaxwatch:pincode:"
			PincodeSuffix       string // 正向索引键后缀，如 ":subscribers"
			SubscriberKeyPrefix string // 反向索引键前缀，如 "vaxwatch:subscriber:"
			SubscriberSuffix    string // 反向索引键后缀，如 ":pincodes"
			NotifyKeyPrefix     string // 通知内容哈希键前缀，如 "vaxwatch:notify:"
			NotifyTTL           int    // 通知哈希热缓存 TTL（秒）
			SnapshotKeyPrefix   string // 槽位快照键前缀，如 "vaxwatch:availability:"
		}

		// 单个订阅者允许的最大直接 pincode 数
		MaxPincodesPerSubscriber int

		// 投递方式："mqtt"（直连推送）或 "stream"（队列投递）
		Transport string

		// MQTT 直连推送的主题前缀
		NotifyTopicPrefix string
	}

	// Prometheus 指标监听地址（空字符串表示不启动）
	MetricsAddr string

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = 5432
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "vaxwatch")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = 0

	cfg.MQTT.Broker = getEnv("MQTT_BROKER", "tcp://localhost:1883")
	cfg.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", "vaxwatch-notifier")
	cfg.MQTT.QoS = 1
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Notifier.Streams.Preferences = getEnv("STREAM_PREFERENCES", "vaxwatch:stream:preferences")
	cfg.Notifier.Streams.Availability = getEnv("STREAM_AVAILABILITY", "vaxwatch:stream:availability")
	cfg.Notifier.Streams.IndexUpdates = getEnv("STREAM_INDEX_UPDATES", "vaxwatch:stream:index-updates")
	cfg.Notifier.Streams.Outbound = getEnv("STREAM_OUTBOUND", "vaxwatch:stream:outbound")

	cfg.Notifier.ConsumerGroup = getEnv("CONSUMER_GROUP", "vaxwatch-notifier")
	cfg.Notifier.ConsumerName = getEnv("CONSUMER_NAME", "notifier-1")
	cfg.Notifier.BatchSize = getEnvInt64("CONSUMER_BATCH_SIZE", 10)

	cfg.Notifier.Dedup.KeyPrefix = getEnv("DEDUP_KEY_PREFIX", "vaxwatch:dedup:")
	cfg.Notifier.Dedup.Window = time.Duration(getEnvInt64("DEDUP_WINDOW_MINUTES", 10)) * time.Minute

	cfg.Notifier.Cache.PincodeKeyPrefix = getEnv("CACHE_PINCODE_PREFIX", "vaxwatch:pincode:")
	cfg.Notifier.Cache.PincodeSuffix = ":subscribers"
	cfg.Notifier.Cache.SubscriberKeyPrefix = getEnv("CACHE_SUBSCRIBER_PREFIX", "vaxwatch:subscriber:")
	cfg.Notifier.Cache.SubscriberSuffix = ":pincodes"
	cfg.Notifier.Cache.NotifyKeyPrefix = getEnv("CACHE_NOTIFY_PREFIX", "vaxwatch:notify:")
	cfg.Notifier.Cache.NotifyTTL = int(getEnvInt64("CACHE_NOTIFY_TTL", 86400)) // 24小时
	cfg.Notifier.Cache.SnapshotKeyPrefix = getEnv("CACHE_SNAPSHOT_PREFIX", "vaxwatch:availability:")

	cfg.Notifier.MaxPincodesPerSubscriber = int(getEnvInt64("MAX_PINCODES_PER_SUBSCRIBER", 5))

	cfg.Notifier.Transport = getEnv("DELIVERY_TRANSPORT", "stream")
	cfg.Notifier.NotifyTopicPrefix = getEnv("NOTIFY_TOPIC_PREFIX", "vaxwatch/notify/")

	cfg.MetricsAddr = getEnv("METRICS_ADDR", ":9090")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}
