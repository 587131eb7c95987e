package model

import (
	"sync"
	"time"
)

// ProxyRecord 记录一个已准入代理的健康状态, 以 Address 为唯一标识。
// 记录一旦准入, 在进程生命周期内不会被删除, 计数器只增不减。
// 计数器只能通过 MarkSuccess/MarkFailure 修改, 外部只能拿到 ProxyStats 快照。
type ProxyRecord struct {
	Address    string
	Source     string
	AdmittedAt time.Time

	mu            sync.Mutex
	successCount  int
	failureCount  int
	lastSuccessAt time.Time
	lastFailureAt time.Time
}

// ProxyStats 是 ProxyRecord 在某一时刻的只读快照, 可通过 API 序列化为 JSON。
type ProxyStats struct {
	Address       string    `json:"address"`
	Source        string    `json:"source"`
	AdmittedAt    time.Time `json:"admitted_at"`
	SuccessCount  int       `json:"success_count"`
	FailureCount  int       `json:"failure_count"`
	LastSuccessAt time.Time `json:"last_success_at,omitzero"`
	LastFailureAt time.Time `json:"last_failure_at,omitzero"`
}

// NewProxyRecord creates a record with zero counters.
func NewProxyRecord(address, source string, now time.Time) *ProxyRecord {
	return &ProxyRecord{
		Address:    address,
		Source:     source,
		AdmittedAt: now,
	}
}

// MarkSuccess 增加成功计数并记录时间。
func (p *ProxyRecord) MarkSuccess(now time.Time) {
	p.mu.Lock()
	p.successCount++
	p.lastSuccessAt = now
	p.mu.Unlock()
}

// MarkFailure 增加失败计数并记录时间, 冷却期从此刻开始计算。
func (p *ProxyRecord) MarkFailure(now time.Time) {
	p.mu.Lock()
	p.failureCount++
	p.lastFailureAt = now
	p.mu.Unlock()
}

// Stats returns a consistent snapshot of the record.
func (p *ProxyRecord) Stats() ProxyStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProxyStats{
		Address:       p.Address,
		Source:        p.Source,
		AdmittedAt:    p.AdmittedAt,
		SuccessCount:  p.successCount,
		FailureCount:  p.failureCount,
		LastSuccessAt: p.lastSuccessAt,
		LastFailureAt: p.lastFailureAt,
	}
}

// NetScore is successCount - failureCount.
func (s ProxyStats) NetScore() int {
	return s.SuccessCount - s.FailureCount
}

// CoolingDown reports whether the proxy failed less than cooldown ago.
// A proxy that never failed is never cooling down.
func (s ProxyStats) CoolingDown(now time.Time, cooldown time.Duration) bool {
	if s.LastFailureAt.IsZero() {
		return false
	}
	return now.Sub(s.LastFailureAt) < cooldown
}
