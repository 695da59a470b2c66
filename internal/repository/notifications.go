package repository

import (
	"context"
	"database/sql"
	"fmt"
	"vaxwatch-notifier/internal/models"

	"go.uber.org/zap"
)

// NotificationRecordsRepository 通知记录仓库
// 每个 (subscriber_id, pincode) 保存最近一次决定投递的内容哈希；
// 记录只覆盖不删除
type NotificationRecordsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewNotificationRecordsRepository 创建通知记录仓库
func NewNotificationRecordsRepository(db *sql.DB, logger *zap.Logger) *NotificationRecordsRepository {
	return &NotificationRecordsRepository{
		db:     db,
		logger: logger,
	}
}

// Get 查询通知记录，不存在时返回 (nil, nil)
func (r *NotificationRecordsRepository) Get(ctx context.Context, subscriberID, pincode string) (*models.NotificationRecord, error) {
	if subscriberID == "" {
		return nil, fmt.Errorf("subscriber_id is required")
	}
	if pincode == "" {
		return nil, fmt.Errorf("pincode is required")
	}

	query := `
		SELECT subscriber_id, pincode, content_hash, notified_at
		FROM notification_records
		WHERE subscriber_id = $1
		  AND pincode = $2
	`

	var record models.NotificationRecord
	err := r.db.QueryRowContext(ctx, query, subscriberID, pincode).Scan(
		&record.SubscriberID,
		&record.Pincode,
		&record.ContentHash,
		&record.NotifiedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // 没有通知过
		}
		return nil, fmt.Errorf("failed to get notification record: %w", err)
	}

	return &record, nil
}

// Upsert 写入或覆盖通知记录
func (r *NotificationRecordsRepository) Upsert(ctx context.Context, record *models.NotificationRecord) error {
	if record == nil {
		return fmt.Errorf("record is required")
	}
	if record.SubscriberID == "" {
		return fmt.Errorf("subscriber_id is required")
	}
	if record.Pincode == "" {
		return fmt.Errorf("pincode is required")
	}

	query := `
		INSERT INTO notification_records (
			subscriber_id,
			pincode,
			content_hash,
			notified_at
		) VALUES (
			$1, $2, $3, $4
		)
		ON CONFLICT (subscriber_id, pincode) DO UPDATE SET
			content_hash = EXCLUDED.content_hash,
			notified_at = EXCLUDED.notified_at
	`

	_, err := r.db.ExecContext(ctx, query,
		record.SubscriberID,
		record.Pincode,
		record.ContentHash,
		record.NotifiedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert notification record: %w", err)
	}

	return nil
}

// ListBySubscriber 枚举某个订阅者的全部通知记录（供巡检工具使用）
func (r *NotificationRecordsRepository) ListBySubscriber(ctx context.Context, subscriberID string) ([]*models.NotificationRecord, error) {
	if subscriberID == "" {
		return nil, fmt.Errorf("subscriber_id is required")
	}

	query := `
		SELECT subscriber_id, pincode, content_hash, notified_at
		FROM notification_records
		WHERE subscriber_id = $1
		ORDER BY pincode
	`

	rows, err := r.db.QueryContext(ctx, query, subscriberID)
	if err != nil {
		return nil, fmt.Errorf("failed to query notification records: %w", err)
	}
	defer rows.Close()

	records := []*models.NotificationRecord{}
	for rows.Next() {
		var record models.NotificationRecord
		if err := rows.Scan(
			&record.SubscriberID,
			&record.Pincode,
			&record.ContentHash,
			&record.NotifiedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan notification record: %w", err)
		}
		records = append(records, &record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate notification records: %w", err)
	}

	return records, nil
}
