package fairdraw

import (
	"sync"
	"sync/atomic"
	"time"
)

// DrawMetrics 引擎运行指标
type DrawMetrics struct {
	// 会话统计
	Commits          int64 `json:"commits"`           // 提交会话数
	CommitFailures   int64 `json:"commit_failures"`   // 提交失败数
	Resolutions      int64 `json:"resolutions"`       // 开奖成功数
	ResolveFailures  int64 `json:"resolve_failures"`  // 开奖失败数
	ResolveConflicts int64 `json:"resolve_conflicts"` // 重复开奖被拒绝次数

	// 随机来源统计
	ExternalDraws  int64 `json:"external_draws"`  // 外部服务提供的随机值
	FallbackDraws  int64 `json:"fallback_draws"`  // 本地降级生成的随机值
	ServiceErrors  int64 `json:"service_errors"`  // 外部服务错误数
	QueueTimeouts  int64 `json:"queue_timeouts"`  // 队列超时次数
	QueueWaitTime  int64 `json:"queue_wait_time"` // 队列等待总时间(纳秒)
	QueuedRequests int64 `json:"queued_requests"` // 经过队列的请求数

	// 校验统计
	Verifications        int64 `json:"verifications"`         // 校验次数
	VerificationFailures int64 `json:"verification_failures"` // 校验不通过次数

	// 存储统计
	StoreErrors int64 `json:"store_errors"` // 存储错误数

	// 时间戳
	StartTime      int64 `json:"start_time"`       // 开始时间
	LastUpdateTime int64 `json:"last_update_time"` // 最后更新时间
}

// FallbackRate 获取降级比例
func (m *DrawMetrics) FallbackRate() float64 {
	total := m.ExternalDraws + m.FallbackDraws
	if total == 0 {
		return 0.0
	}
	return float64(m.FallbackDraws) / float64(total)
}

// AverageQueueWait 获取平均队列等待时间
func (m *DrawMetrics) AverageQueueWait() time.Duration {
	if m.QueuedRequests == 0 {
		return 0
	}
	return time.Duration(m.QueueWaitTime / m.QueuedRequests)
}

// DrawMonitor 指标收集器, 所有计数器均为原子操作
type DrawMonitor struct {
	metrics DrawMetrics
	mu      sync.RWMutex
	enabled bool
}

// NewDrawMonitor 创建新的指标收集器
func NewDrawMonitor() *DrawMonitor {
	m := &DrawMonitor{enabled: true}
	m.Reset()
	return m
}

// Enable 启用监控
func (m *DrawMonitor) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}

// Disable 禁用监控
func (m *DrawMonitor) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// IsEnabled 检查是否启用了监控
func (m *DrawMonitor) IsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

func (m *DrawMonitor) add(counter *int64, delta int64) {
	if m == nil || !m.IsEnabled() {
		return
	}
	atomic.AddInt64(counter, delta)
	atomic.StoreInt64(&m.metrics.LastUpdateTime, time.Now().UnixNano())
}

// RecordCommit 记录会话提交
func (m *DrawMonitor) RecordCommit(success bool) {
	if m == nil {
		return
	}
	if success {
		m.add(&m.metrics.Commits, 1)
	} else {
		m.add(&m.metrics.CommitFailures, 1)
	}
}

// RecordResolve 记录开奖; conflict 表示会话已开奖
func (m *DrawMonitor) RecordResolve(success, conflict bool) {
	if m == nil {
		return
	}
	switch {
	case success:
		m.add(&m.metrics.Resolutions, 1)
	case conflict:
		m.add(&m.metrics.ResolveConflicts, 1)
	default:
		m.add(&m.metrics.ResolveFailures, 1)
	}
}

// RecordSource 记录随机值来源
func (m *DrawMonitor) RecordSource(p Provenance) {
	if m == nil {
		return
	}
	if p.Source == SourceExternal {
		m.add(&m.metrics.ExternalDraws, 1)
	} else {
		m.add(&m.metrics.FallbackDraws, 1)
	}
}

// RecordServiceError 记录外部服务错误
func (m *DrawMonitor) RecordServiceError(err error) {
	if m == nil {
		return
	}
	m.add(&m.metrics.ServiceErrors, 1)
	if CodeOf(err) == ErrCodeQueueTimeout {
		m.add(&m.metrics.QueueTimeouts, 1)
	}
}

// RecordQueueWait 记录队列等待时间
func (m *DrawMonitor) RecordQueueWait(d time.Duration) {
	if m == nil {
		return
	}
	m.add(&m.metrics.QueuedRequests, 1)
	m.add(&m.metrics.QueueWaitTime, int64(d))
}

// RecordVerification 记录校验结果
func (m *DrawMonitor) RecordVerification(valid bool) {
	if m == nil {
		return
	}
	m.add(&m.metrics.Verifications, 1)
	if !valid {
		m.add(&m.metrics.VerificationFailures, 1)
	}
}

// RecordStoreError 记录存储错误
func (m *DrawMonitor) RecordStoreError() {
	if m == nil {
		return
	}
	m.add(&m.metrics.StoreErrors, 1)
}

// GetMetrics 获取指标快照
func (m *DrawMonitor) GetMetrics() DrawMetrics {
	return DrawMetrics{
		Commits:              atomic.LoadInt64(&m.metrics.Commits),
		CommitFailures:       atomic.LoadInt64(&m.metrics.CommitFailures),
		Resolutions:          atomic.LoadInt64(&m.metrics.Resolutions),
		ResolveFailures:      atomic.LoadInt64(&m.metrics.ResolveFailures),
		ResolveConflicts:     atomic.LoadInt64(&m.metrics.ResolveConflicts),
		ExternalDraws:        atomic.LoadInt64(&m.metrics.ExternalDraws),
		FallbackDraws:        atomic.LoadInt64(&m.metrics.FallbackDraws),
		ServiceErrors:        atomic.LoadInt64(&m.metrics.ServiceErrors),
		QueueTimeouts:        atomic.LoadInt64(&m.metrics.QueueTimeouts),
		QueueWaitTime:        atomic.LoadInt64(&m.metrics.QueueWaitTime),
		QueuedRequests:       atomic.LoadInt64(&m.metrics.QueuedRequests),
		Verifications:        atomic.LoadInt64(&m.metrics.Verifications),
		VerificationFailures: atomic.LoadInt64(&m.metrics.VerificationFailures),
		StoreErrors:          atomic.LoadInt64(&m.metrics.StoreErrors),
		StartTime:            atomic.LoadInt64(&m.metrics.StartTime),
		LastUpdateTime:       atomic.LoadInt64(&m.metrics.LastUpdateTime),
	}
}

// Reset 重置指标
func (m *DrawMonitor) Reset() {
	counters := []*int64{
		&m.metrics.Commits, &m.metrics.CommitFailures,
		&m.metrics.Resolutions, &m.metrics.ResolveFailures, &m.metrics.ResolveConflicts,
		&m.metrics.ExternalDraws, &m.metrics.FallbackDraws, &m.metrics.ServiceErrors,
		&m.metrics.QueueTimeouts, &m.metrics.QueueWaitTime, &m.metrics.QueuedRequests,
		&m.metrics.Verifications, &m.metrics.VerificationFailures, &m.metrics.StoreErrors,
	}
	for _, c := range counters {
		atomic.StoreInt64(c, 0)
	}

	now := time.Now().UnixNano()
	atomic.StoreInt64(&m.metrics.StartTime, now)
	atomic.StoreInt64(&m.metrics.LastUpdateTime, now)
}

// Uptime 获取运行时长
func (m *DrawMonitor) Uptime() time.Duration {
	return time.Duration(time.Now().UnixNano() - atomic.LoadInt64(&m.metrics.StartTime))
}
