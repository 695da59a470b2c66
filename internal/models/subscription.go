package models

import "time"

// AgePreference 年龄段偏好
type AgePreference string

const (
	Age18To44 AgePreference = "18-44"
	Age45Plus AgePreference = "45+"
	AgeBoth   AgePreference = "both"
)

// DosePreference 剂次偏好
type DosePreference string

const (
	Dose1    DosePreference = "1"
	Dose2    DosePreference = "2"
	DoseBoth DosePreference = "both"
)

// VaccineAny 疫苗品牌通配值
const VaccineAny = "any"

// Preferences 订阅者的资格偏好三元组（年龄段、剂次、疫苗品牌）
type Preferences struct {
	Age     AgePreference  `json:"age"`
	Dose    DosePreference `json:"dose"`
	Vaccine string         `json:"vaccine"` // 品牌名或 "any"
}

// Subscriber 订阅者记录
// 每次偏好事件整体替换，不做部分更新
type Subscriber struct {
	SubscriberID   string         `json:"subscriber_id"`
	Pincodes       []string       `json:"pincodes"`     // 直接订阅的 pincode（有序）
	DistrictIDs    []string       `json:"district_ids"` // 区域ID（可选，展开为成员 pincode）
	AgePref        AgePreference  `json:"age_pref"`
	DosePref       DosePreference `json:"dose_pref"`
	VaccinePref    string         `json:"vaccine_pref"`
	LastNotifiedAt *time.Time     `json:"last_notified_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Preferences 提取资格偏好三元组
func (s *Subscriber) Preferences() Preferences {
	return Preferences{
		Age:     s.AgePref,
		Dose:    s.DosePref,
		Vaccine: s.VaccinePref,
	}
}

// PreferenceEvent 订阅偏好变更事件（输入流）
// pincodes 与 district_ids 同时为空表示"退订全部"
type PreferenceEvent struct {
	EventID      string         `json:"event_id,omitempty"`
	SubscriberID string         `json:"subscriber_id"`
	Pincodes     []string       `json:"pincodes"`
	DistrictIDs  []string       `json:"district_ids"`
	AgePref      AgePreference  `json:"age_pref"`
	DosePref     DosePreference `json:"dose_pref"`
	VaccinePref  string         `json:"vaccine_pref"`
}
