package consumer

import (
	"sync"
	"time"
)

// Metrics 消费者监控指标
type Metrics struct {
	mu sync.RWMutex

	// 消息处理统计
	MessagesProcessed  int64 // 读到的消息总数
	MessagesSucceeded  int64 // 成功处理的消息数
	MessagesFailed     int64 // 处理失败的消息数
	MessagesDropped    int64 // 丢弃的畸形消息数
	MessagesSuppressed int64 // 去重窗口拦截的消息数（槽位消费者）

	// 错误分类统计
	ErrorsParse int64 // 解析错误
	ErrorsStore int64 // 存储写入失败
	ErrorsApply int64 // 索引/编排处理失败

	// 性能指标
	TotalProcessingTime time.Duration
	LastProcessTime     time.Time

	StartTime time.Time
}

// GetSnapshot 获取指标快照（线程安全）
func (m *Metrics) GetSnapshot() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Metrics{
		MessagesProcessed:   m.MessagesProcessed,
		MessagesSucceeded:   m.MessagesSucceeded,
		MessagesFailed:      m.MessagesFailed,
		MessagesDropped:     m.MessagesDropped,
		MessagesSuppressed:  m.MessagesSuppressed,
		ErrorsParse:         m.ErrorsParse,
		ErrorsStore:         m.ErrorsStore,
		ErrorsApply:         m.ErrorsApply,
		TotalProcessingTime: m.TotalProcessingTime,
		LastProcessTime:     m.LastProcessTime,
		StartTime:           m.StartTime,
	}
}

// IncrementProcessed 增加处理计数
func (m *Metrics) IncrementProcessed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MessagesProcessed++
}

// IncrementSucceeded 增加成功计数
func (m *Metrics) IncrementSucceeded(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MessagesSucceeded++
	m.TotalProcessingTime += duration
	m.LastProcessTime = time.Now()
}

// IncrementFailed 增加失败计数
func (m *Metrics) IncrementFailed(errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MessagesFailed++
	switch errorType {
	case "parse":
		m.ErrorsParse++
	case "store":
		m.ErrorsStore++
	case "apply":
		m.ErrorsApply++
	}
}

// IncrementDropped 增加丢弃计数（畸形消息：丢弃、记日志、计数，不中断管线）
func (m *Metrics) IncrementDropped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MessagesDropped++
}

// IncrementSuppressed 增加去重拦截计数
func (m *Metrics) IncrementSuppressed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MessagesSuppressed++
}
