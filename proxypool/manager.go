package manager

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"proxyfetch/internal/shared/logger"
	"proxyfetch/internal/shared/types"
	"proxyfetch/proxypool/model"
	"proxyfetch/proxypool/source"
)

// poolState 是代理池的一个不可变版本。刷新时构造新的 map 并原子替换,
// 已有记录的指针被复用, 因此正在使用中的记录不会丢失。
type poolState struct {
	records     map[string]*model.ProxyRecord
	refreshedAt time.Time
}

// Manager 是代理池模块的总控制器。
type Manager struct {
	cooldown      time.Duration
	checkInterval time.Duration
	sources       []source.Source

	state   atomic.Pointer[poolState]
	writeMu sync.Mutex // 串行化 map 的复制与替换
	group   singleflight.Group

	now   func() time.Time
	rndMu sync.Mutex
	rnd   *rand.Rand

	// 生命周期管理: 刷新运行在 ctx 下, 而不是某个调用者的 ctx。
	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  atomic.Bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRand makes selection reproducible.
func WithRand(rnd *rand.Rand) Option {
	return func(m *Manager) { m.rnd = rnd }
}

// NewManager 创建并初始化代理池管理器。
func NewManager(conf types.ProxyPoolConf, sources []source.Source, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cooldown:      time.Duration(conf.CooldownPeriodSeconds) * time.Second,
		checkInterval: time.Duration(conf.CheckIntervalSeconds) * time.Second,
		sources:       sources,
		now:           time.Now,
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.rnd == nil {
		m.rnd = rand.New(rand.NewSource(m.now().UnixNano()))
	}
	m.state.Store(&poolState{records: map[string]*model.ProxyRecord{}})
	return m
}

// GetProxy 返回一个可用代理。池为空或刷新间隔已过时先触发刷新。
// 没有可用代理时返回 false, 调用方应直接连接。
func (m *Manager) GetProxy(ctx context.Context) (string, bool) {
	st := m.state.Load()
	if len(st.records) == 0 || m.now().Sub(st.refreshedAt) > m.checkInterval {
		m.Refresh(ctx)
		st = m.state.Load()
	}

	now := m.now()
	eligible := make([]model.ProxyStats, 0, len(st.records))
	for _, rec := range st.records {
		s := rec.Stats()
		if !s.CoolingDown(now, m.cooldown) {
			eligible = append(eligible, s)
		}
	}
	if len(eligible) == 0 {
		l := logger.WithComponent("ProxyPool/Manager")
		l.Warn().Int("pool_size", len(st.records)).Msg("No available proxies. Using direct connection.")
		return "", false
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].Address < eligible[j].Address
	})

	m.rndMu.Lock()
	addr := pickWeighted(m.rnd, eligible)
	m.rndMu.Unlock()
	return addr, true
}

// ReportSuccess 记录一次成功使用; 未知地址直接忽略。
func (m *Manager) ReportSuccess(addr string) {
	if rec, ok := m.state.Load().records[addr]; ok {
		rec.MarkSuccess(m.now())
	}
}

// ReportFailure 记录一次失败, 代理进入冷却期; 未知地址直接忽略。
func (m *Manager) ReportFailure(addr string) {
	if rec, ok := m.state.Load().records[addr]; ok {
		rec.MarkFailure(m.now())
	}
}

// Refresh 从所有候选源拉取代理并合并进池。距上次刷新不足 checkInterval 时
// 立即返回; 并发触发的刷新合并为一次, 调用者等待这一次的结果或自己的 ctx。
func (m *Manager) Refresh(ctx context.Context) {
	if !m.refreshDue() {
		return
	}
	ch := m.group.DoChan("refresh", func() (interface{}, error) {
		if !m.refreshDue() {
			return 0, nil
		}
		return m.runRefresh(m.ctx), nil
	})
	select {
	case <-ch:
	case <-ctx.Done():
	}
}

func (m *Manager) refreshDue() bool {
	st := m.state.Load()
	return st.refreshedAt.IsZero() || m.now().Sub(st.refreshedAt) >= m.checkInterval
}

type sourceResult struct {
	name  string
	addrs []string
}

// runRefresh 执行一个完整的“并发拉取 -> 合并 -> 原子替换”周期, 返回新准入的数量。
func (m *Manager) runRefresh(ctx context.Context) int {
	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Int("sources", len(m.sources)).Msg("Updating proxy list...")

	var wg sync.WaitGroup
	results := make(chan sourceResult, len(m.sources))
	for _, s := range m.sources {
		wg.Add(1)
		go func(src source.Source) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					l.Error().Str("source", src.Name()).Interface("panic", r).Msg("Source panicked, skipping.")
				}
			}()
			addrs, err := src.FetchCandidates(ctx)
			if err != nil {
				l.Warn().Err(err).Str("source", src.Name()).Msg("Source failed.")
				return
			}
			results <- sourceResult{name: src.Name(), addrs: addrs}
		}(s)
	}
	wg.Wait()
	close(results)

	var batches []sourceResult
	for r := range results {
		batches = append(batches, r)
	}
	// 结果按源名排序, 同一地址出现在多个源时归属稳定。
	sort.Slice(batches, func(i, j int) bool { return batches[i].name < batches[j].name })

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	old := m.state.Load()
	now := m.now()
	next := &poolState{
		records:     make(map[string]*model.ProxyRecord, len(old.records)),
		refreshedAt: now,
	}
	for addr, rec := range old.records {
		next.records[addr] = rec
	}
	admitted := 0
	for _, b := range batches {
		admitted += admitInto(next.records, b.name, b.addrs, now)
	}
	m.state.Store(next)

	l.Info().Int("admitted", admitted).Int("total", len(next.records)).Msg("Proxy list updated.")
	return admitted
}

// Admit 手动导入代理地址, 不影响刷新时间。返回新准入的数量。
func (m *Manager) Admit(sourceName string, addrs []string) int {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	old := m.state.Load()
	next := &poolState{
		records:     make(map[string]*model.ProxyRecord, len(old.records)+len(addrs)),
		refreshedAt: old.refreshedAt,
	}
	for addr, rec := range old.records {
		next.records[addr] = rec
	}
	admitted := admitInto(next.records, sourceName, addrs, m.now())
	m.state.Store(next)

	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Str("source", sourceName).Int("admitted", admitted).Msg("Manual proxy import finished.")
	return admitted
}

func admitInto(records map[string]*model.ProxyRecord, sourceName string, addrs []string, now time.Time) int {
	admitted := 0
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if _, exists := records[a]; exists {
			continue
		}
		records[a] = model.NewProxyRecord(a, sourceName, now)
		admitted++
	}
	return admitted
}

// Snapshot returns the stats of every proxy in the pool, sorted by address.
func (m *Manager) Snapshot() []model.ProxyStats {
	st := m.state.Load()
	out := make([]model.ProxyStats, 0, len(st.records))
	for _, rec := range st.records {
		out = append(out, rec.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Len returns the pool size.
func (m *Manager) Len() int {
	return len(m.state.Load().records)
}

// LastRefresh returns the completion time of the last refresh, zero if none.
func (m *Manager) LastRefresh() time.Time {
	return m.state.Load().refreshedAt
}

// Start 启动后台调度循环, 每个 checkInterval 刷新一次。
func (m *Manager) Start() error {
	if !m.started.CompareAndSwap(false, true) {
		return fmt.Errorf("proxy pool manager already started")
	}
	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Dur("check_interval", m.checkInterval).Msg("Scheduler starting...")

	m.wg.Add(1)
	go m.schedulerLoop()
	return nil
}

// schedulerLoop 监听 Ticker 和停止信号。
func (m *Manager) schedulerLoop() {
	defer m.wg.Done()
	l := logger.WithComponent("ProxyPool/Manager")

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	m.Refresh(m.ctx)
	for {
		select {
		case <-ticker.C:
			l.Debug().Msg("Refresh ticker triggered.")
			m.Refresh(m.ctx)
		case <-m.ctx.Done():
			l.Info().Msg("Stop signal received. Shutting down scheduler.")
			return
		}
	}
}

// Stop 停止后台任务并取消进行中的刷新; 可重复调用。
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()
		m.wg.Wait()
		logger.Info().Msg("Proxy pool manager stopped.")
	})
}
