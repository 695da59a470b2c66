package models

import "time"

// Session 单个接种场次
type Session struct {
	SessionID              string `json:"session_id"`
	Date                   string `json:"date"`
	MinAgeLimit            int    `json:"min_age_limit"`
	AllowAllAge            bool   `json:"allow_all_age"` // 场次对两个年龄段都开放
	Vaccine                string `json:"vaccine"`
	AvailableCapacity      int    `json:"available_capacity"`
	AvailableCapacityDose1 int    `json:"available_capacity_dose1"`
	AvailableCapacityDose2 int    `json:"available_capacity_dose2"`
}

// Center 接种中心及其场次列表
type Center struct {
	CenterID     int64     `json:"center_id"`
	Name         string    `json:"name"`
	StateName    string    `json:"state_name"`
	DistrictName string    `json:"district_name"`
	Pincode      string    `json:"pincode"`
	FeeType      string    `json:"fee_type"`
	Sessions     []Session `json:"sessions"`
}

// AvailabilitySnapshot 某个 pincode 在一次刷新中的完整槽位快照
// 由外部槽位源产出，抓取后不可变
type AvailabilitySnapshot struct {
	Pincode   string    `json:"pincode"`
	FetchedAt time.Time `json:"fetched_at"`
	Centers   []Center  `json:"centers"`
}

// AvailabilityEvent 槽位变更事件（输入流），表示"重新检查该 pincode"
type AvailabilityEvent struct {
	Pincode    string `json:"pincode"`
	EventID    string `json:"event_id"`
	OccurredAt int64  `json:"occurred_at,omitempty"` // unix 秒，缺省时取当前时间
}

// OccurredTime 事件发生时间
func (e *AvailabilityEvent) OccurredTime() time.Time {
	if e.OccurredAt > 0 {
		return time.Unix(e.OccurredAt, 0)
	}
	return time.Now()
}
