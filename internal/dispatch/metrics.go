package dispatch

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus 计数器（进程级）
var (
	candidatesProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vaxwatch_candidates_processed_total",
		Help: "Total subscriber candidates evaluated for availability events",
	})
	dispatchesSentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vaxwatch_dispatches_sent_total",
		Help: "Total notifications handed to the delivery transport",
	})
	dispatchFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vaxwatch_dispatch_failures_total",
		Help: "Total per-subscriber dispatch failures",
	})
	locationsNoCandidatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vaxwatch_locations_without_candidates_total",
		Help: "Total availability events for locations with no subscribers",
	})
	fetchFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vaxwatch_availability_fetch_failures_total",
		Help: "Total failed availability snapshot fetches",
	})
)

// Metrics 编排器运行指标
// 每轮处理的累计值，周期性由日志上报；Prometheus 计数器同步累加
type Metrics struct {
	mu sync.RWMutex

	CandidatesProcessed   int64 // 评估过的候选订阅者数
	DispatchesSent        int64 // 成功交给投递通道的通知数
	DispatchFailures      int64 // 单订阅者处理/投递失败数
	LocationsNoCandidates int64 // 没有任何候选订阅者的事件数
	FetchFailures         int64 // 快照获取失败数

	StartTime time.Time
}

// NewMetrics 创建指标
func NewMetrics() *Metrics {
	return &Metrics{StartTime: time.Now()}
}

// GetSnapshot 获取指标快照（线程安全）
func (m *Metrics) GetSnapshot() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Metrics{
		CandidatesProcessed:   m.CandidatesProcessed,
		DispatchesSent:        m.DispatchesSent,
		DispatchFailures:      m.DispatchFailures,
		LocationsNoCandidates: m.LocationsNoCandidates,
		FetchFailures:         m.FetchFailures,
		StartTime:             m.StartTime,
	}
}

// IncrementCandidates 增加候选计数
func (m *Metrics) IncrementCandidates() {
	m.mu.Lock()
	m.CandidatesProcessed++
	m.mu.Unlock()
	candidatesProcessedTotal.Inc()
}

// IncrementDispatched 增加投递计数
func (m *Metrics) IncrementDispatched() {
	m.mu.Lock()
	m.DispatchesSent++
	m.mu.Unlock()
	dispatchesSentTotal.Inc()
}

// IncrementDispatchFailed 增加失败计数
func (m *Metrics) IncrementDispatchFailed() {
	m.mu.Lock()
	m.DispatchFailures++
	m.mu.Unlock()
	dispatchFailuresTotal.Inc()
}

// IncrementNoCandidates 增加无候选计数
func (m *Metrics) IncrementNoCandidates() {
	m.mu.Lock()
	m.LocationsNoCandidates++
	m.mu.Unlock()
	locationsNoCandidatesTotal.Inc()
}

// IncrementFetchFailed 增加快照失败计数
func (m *Metrics) IncrementFetchFailed() {
	m.mu.Lock()
	m.FetchFailures++
	m.mu.Unlock()
	fetchFailuresTotal.Inc()
}
