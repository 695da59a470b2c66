package matcher

import (
	"strings"
	"vaxwatch-notifier/internal/models"
)

// EligibleCenters 按订阅者偏好过滤槽位快照
// 只保留至少有一个合格场次的中心；返回的中心是浅拷贝，
// 仅携带通过过滤的场次，其余字段不变。没有匹配时返回空列表而非 nil
func EligibleCenters(snapshot *models.AvailabilitySnapshot, prefs models.Preferences) []models.Center {
	result := []models.Center{}
	if snapshot == nil {
		return result
	}

	for _, center := range snapshot.Centers {
		var surviving []models.Session
		for _, session := range center.Sessions {
			if SessionMatches(session, prefs) {
				surviving = append(surviving, session)
			}
		}
		if len(surviving) == 0 {
			continue
		}

		eligible := center
		eligible.Sessions = surviving
		result = append(result, eligible)
	}

	return result
}

// SessionMatches 单个场次是否满足偏好
func SessionMatches(s models.Session, prefs models.Preferences) bool {
	return capacityOK(s) && ageMatches(s, prefs.Age) && doseMatches(s, prefs.Dose) && vaccineMatches(s, prefs.Vaccine)
}

// capacityOK 容量校验
// 至少一个剂次有可用容量，且分剂次容量之和等于公布的总容量
// （上游偶发不一致数据，直接丢弃）
func capacityOK(s models.Session) bool {
	if s.AvailableCapacityDose1 <= 0 && s.AvailableCapacityDose2 <= 0 {
		return false
	}
	return s.AvailableCapacityDose1+s.AvailableCapacityDose2 == s.AvailableCapacity
}

// ageMatches 年龄段匹配
// 偏好为 both 或场次对全年龄开放时直接通过；
// 18-44 段匹配 minAge ∈ [18,44]，45+ 段匹配 minAge ≥ 45
func ageMatches(s models.Session, age models.AgePreference) bool {
	if age == models.AgeBoth || age == "" {
		return true
	}
	if s.AllowAllAge {
		return true
	}
	switch age {
	case models.Age18To44:
		return s.MinAgeLimit >= 18 && s.MinAgeLimit <= 44
	case models.Age45Plus:
		return s.MinAgeLimit >= 45
	}
	return false
}

// doseMatches 剂次匹配
// both 只要任一剂次有容量；指定剂次要求该剂次容量非零
func doseMatches(s models.Session, dose models.DosePreference) bool {
	switch dose {
	case models.Dose1:
		return s.AvailableCapacityDose1 > 0
	case models.Dose2:
		return s.AvailableCapacityDose2 > 0
	default:
		return s.AvailableCapacityDose1 > 0 || s.AvailableCapacityDose2 > 0
	}
}

// vaccineMatches 品牌匹配（大小写不敏感；any 匹配全部）
func vaccineMatches(s models.Session, vaccine string) bool {
	if vaccine == "" || strings.EqualFold(vaccine, models.VaccineAny) {
		return true
	}
	return strings.EqualFold(s.Vaccine, vaccine)
}
