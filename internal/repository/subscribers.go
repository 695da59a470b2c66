package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
	"vaxwatch-notifier/internal/models"

	"go.uber.org/zap"
)

// SubscribersRepository 订阅者仓库
// 偏好事件到达时整体替换记录，不做部分更新
type SubscribersRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSubscribersRepository 创建订阅者仓库
func NewSubscribersRepository(db *sql.DB, logger *zap.Logger) *SubscribersRepository {
	return &SubscribersRepository{
		db:     db,
		logger: logger,
	}
}

// Upsert 整体写入订阅者记录（首次事件创建，后续事件覆盖）
// pincodes/district_ids 以 JSONB 存储
func (r *SubscribersRepository) Upsert(ctx context.Context, sub *models.Subscriber) error {
	if sub == nil {
		return fmt.Errorf("subscriber is required")
	}
	if sub.SubscriberID == "" {
		return fmt.Errorf("subscriber_id is required")
	}

	pincodesJSON, err := json.Marshal(sub.Pincodes)
	if err != nil {
		return fmt.Errorf("failed to marshal pincodes: %w", err)
	}
	districtsJSON, err := json.Marshal(sub.DistrictIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal district_ids: %w", err)
	}

	query := `
		INSERT INTO subscribers (
			subscriber_id,
			pincodes,
			district_ids,
			age_pref,
			dose_pref,
			vaccine_pref,
			created_at,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP
		)
		ON CONFLICT (subscriber_id) DO UPDATE SET
			pincodes = EXCLUDED.pincodes,
			district_ids = EXCLUDED.district_ids,
			age_pref = EXCLUDED.age_pref,
			dose_pref = EXCLUDED.dose_pref,
			vaccine_pref = EXCLUDED.vaccine_pref,
			updated_at = CURRENT_TIMESTAMP
	`

	_, err = r.db.ExecContext(ctx, query,
		sub.SubscriberID,
		pincodesJSON,
		districtsJSON,
		string(sub.AgePref),
		string(sub.DosePref),
		sub.VaccinePref,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert subscriber: %w", err)
	}

	return nil
}

// Get 按 subscriber_id 查询订阅者
func (r *SubscribersRepository) Get(ctx context.Context, subscriberID string) (*models.Subscriber, error) {
	if subscriberID == "" {
		return nil, fmt.Errorf("subscriber_id is required")
	}

	query := `
		SELECT
			subscriber_id,
			pincodes,
			district_ids,
			age_pref,
			dose_pref,
			vaccine_pref,
			last_notified_at,
			created_at,
			updated_at
		FROM subscribers
		WHERE subscriber_id = $1
	`

	var sub models.Subscriber
	var pincodesJSON, districtsJSON []byte
	var lastNotified sql.NullTime

	err := r.db.QueryRowContext(ctx, query, subscriberID).Scan(
		&sub.SubscriberID,
		&pincodesJSON,
		&districtsJSON,
		&sub.AgePref,
		&sub.DosePref,
		&sub.VaccinePref,
		&lastNotified,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("subscriber not found: %s", subscriberID)
		}
		return nil, fmt.Errorf("failed to get subscriber: %w", err)
	}

	if lastNotified.Valid {
		sub.LastNotifiedAt = &lastNotified.Time
	}
	if len(pincodesJSON) > 0 {
		if err := json.Unmarshal(pincodesJSON, &sub.Pincodes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pincodes: %w", err)
		}
	}
	if len(districtsJSON) > 0 {
		if err := json.Unmarshal(districtsJSON, &sub.DistrictIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal district_ids: %w", err)
		}
	}

	return &sub, nil
}

// TouchLastNotified 更新最近通知时间
func (r *SubscribersRepository) TouchLastNotified(ctx context.Context, subscriberID string, at time.Time) error {
	if subscriberID == "" {
		return fmt.Errorf("subscriber_id is required")
	}

	query := `
		UPDATE subscribers
		SET last_notified_at = $1,
		    updated_at = CURRENT_TIMESTAMP
		WHERE subscriber_id = $2
	`

	result, err := r.db.ExecContext(ctx, query, at, subscriberID)
	if err != nil {
		return fmt.Errorf("failed to update last_notified_at: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("subscriber not found: %s", subscriberID)
	}

	return nil
}
