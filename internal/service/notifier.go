package service

import (
	"context"
	"database/sql"
	"fmt"
	"vaxwatch-notifier/internal/config"
	"vaxwatch-notifier/internal/consumer"
	"vaxwatch-notifier/internal/dedup"
	"vaxwatch-notifier/internal/dispatch"
	"vaxwatch-notifier/internal/index"
	"vaxwatch-notifier/internal/notifier"
	"vaxwatch-notifier/internal/repository"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"vaxwatch-notifier/pkg/database"
	mqttcommon "vaxwatch-notifier/pkg/mqtt"
	rediscommon "vaxwatch-notifier/pkg/redis"
)

// NotifierService 通知服务
// 组装两条消费管线：偏好事件 → 差分引擎 → 位置索引；
// 槽位事件 → 去重窗口 → 投递编排器
type NotifierService struct {
	config      *config.Config
	logger      *zap.Logger
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqttcommon.Client

	preferenceConsumer   *consumer.PreferenceConsumer
	availabilityConsumer *consumer.AvailabilityConsumer
}

// NewNotifierService 创建通知服务
func NewNotifierService(cfg *config.Config, logger *zap.Logger) (*NotifierService, error) {
	// 初始化数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// 初始化Redis
	redisClient := rediscommon.NewRedisClient(&cfg.Redis)
	if err := rediscommon.Ping(context.Background(), redisClient); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	// 创建Repository
	subscribersRepo := repository.NewSubscribersRepository(db, logger)
	districtsRepo := repository.NewDistrictsRepository(db, logger)
	recordsRepo := repository.NewNotificationRecordsRepository(db, logger)

	// 订阅管线
	locationIndex := index.NewLocationIndex(cfg, redisClient, logger)
	diffEngine := index.NewDiffEngine(cfg, locationIndex, districtsRepo, redisClient, logger)
	preferenceConsumer := consumer.NewPreferenceConsumer(cfg, redisClient, subscribersRepo, diffEngine, logger)

	// 投递管线
	window := dedup.NewWindow(redisClient, cfg.Notifier.Dedup.KeyPrefix, cfg.Notifier.Dedup.Window, logger)
	changeCache := notifier.NewChangeCache(cfg, redisClient, recordsRepo, logger)
	snapshotStore := dispatch.NewSnapshotStore(cfg, redisClient)

	// 投递通道按配置选择
	var mqttClient *mqttcommon.Client
	var transport dispatch.DeliveryTransport
	switch cfg.Notifier.Transport {
	case "mqtt":
		mqttClient, err = mqttcommon.NewClient(&cfg.MQTT)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
		}
		transport = dispatch.NewMQTTTransport(mqttClient, cfg.Notifier.NotifyTopicPrefix, cfg.MQTT.QoS)
	case "stream":
		transport = dispatch.NewStreamTransport(cfg, redisClient)
	default:
		return nil, fmt.Errorf("unknown delivery transport: %s", cfg.Notifier.Transport)
	}

	orchestrator := dispatch.NewOrchestrator(
		cfg,
		locationIndex,
		subscribersRepo,
		changeCache,
		snapshotStore,
		transport,
		redisClient,
		logger,
	)
	availabilityConsumer := consumer.NewAvailabilityConsumer(cfg, redisClient, window, orchestrator, logger)

	return &NotifierService{
		config:               cfg,
		logger:               logger,
		db:                   db,
		redisClient:          redisClient,
		mqttClient:           mqttClient,
		preferenceConsumer:   preferenceConsumer,
		availabilityConsumer: availabilityConsumer,
	}, nil
}

// Start 启动服务（阻塞直到 ctx 取消或任一消费者出错）
func (s *NotifierService) Start(ctx context.Context) error {
	s.logger.Info("Starting notifier service components")

	errChan := make(chan error, 2)

	go func() {
		if err := s.preferenceConsumer.Start(ctx); err != nil {
			errChan <- fmt.Errorf("preference consumer: %w", err)
		}
	}()
	go func() {
		if err := s.availabilityConsumer.Start(ctx); err != nil {
			errChan <- fmt.Errorf("availability consumer: %w", err)
		}
	}()

	s.logger.Info("Notifier service started successfully")

	select {
	case <-ctx.Done():
		return nil
	case err := <-errChan:
		return err
	}
}

// Stop 停止服务
func (s *NotifierService) Stop() {
	s.logger.Info("Stopping notifier service")

	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}

	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("Error closing Redis client", zap.Error(err))
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("Error closing database connection", zap.Error(err))
		}
	}

	s.logger.Info("Notifier service stopped")
}
