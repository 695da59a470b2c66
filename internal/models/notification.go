package models

import "time"

// NotificationRecord 通知记录
// 键为 (subscriber_id, pincode)，保存最近一次决定投递的内容哈希
// 只会被覆盖，不会被删除
type NotificationRecord struct {
	SubscriberID string    `json:"subscriber_id"`
	Pincode      string    `json:"pincode"`
	ContentHash  string    `json:"content_hash"`
	NotifiedAt   time.Time `json:"notified_at"`
}
