package worker

import (
	"sync"
	"sync/atomic"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════
// Worker 统计信息
// ═══════════════════════════════════════════════════════════════════════════

// WorkerStats Worker 运行时统计信息
type WorkerStats struct {
	// 事件计数
	EventsReceived int64 // 分发的事件总数
	EventsHandled  int64 // 完整分发完成的事件数
	Errors         int64 // 监听器错误数

	// 延迟统计（一次分发中所有监听器的耗时）
	TotalLatency   time.Duration
	AverageLatency time.Duration
	MaxLatency     time.Duration

	// 时间戳
	StartedAt   time.Time
	LastEventAt time.Time
	LastErrorAt time.Time

	LastError error
}

// StatsCollector 线程安全的统计收集器
type StatsCollector struct {
	mu    sync.RWMutex
	stats WorkerStats
}

// NewStatsCollector 创建统计收集器
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{stats: WorkerStats{StartedAt: time.Now()}}
}

// RecordReceived 记录开始分发一个事件
func (c *StatsCollector) RecordReceived() {
	c.mu.Lock()
	c.stats.EventsReceived++
	c.stats.LastEventAt = time.Now()
	c.mu.Unlock()
}

// RecordHandled 记录分发完成
func (c *StatsCollector) RecordHandled(latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.EventsHandled++
	c.stats.TotalLatency += latency
	c.stats.AverageLatency = c.stats.TotalLatency / time.Duration(c.stats.EventsHandled)
	if latency > c.stats.MaxLatency {
		c.stats.MaxLatency = latency
	}
}

// RecordError 记录监听器错误
func (c *StatsCollector) RecordError(err error) {
	c.mu.Lock()
	c.stats.Errors++
	c.stats.LastError = err
	c.stats.LastErrorAt = time.Now()
	c.mu.Unlock()
}

// Stats 获取统计快照
func (c *StatsCollector) Stats() *WorkerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.stats
	return &s
}

// Reset 重置统计
func (c *StatsCollector) Reset() {
	c.mu.Lock()
	c.stats = WorkerStats{StartedAt: time.Now()}
	c.mu.Unlock()
}

// ═══════════════════════════════════════════════════════════════════════════
// 系统统计（原子计数）
// ═══════════════════════════════════════════════════════════════════════════

// SystemStats 系统统计
type SystemStats struct {
	WorkersStarted int64 // 累计启动的 Worker 数（不含 root）
	WorkersRunning int64 // 正在运行的 Worker 数（不含 root）
	EventsFired    int64 // 投递尝试次数（含冒泡/广播的每一跳）
	EventsRejected int64 // 投递到未运行 Worker 的次数
	ListenerErrors int64
	StartTime      time.Time
}

// systemCounters 高吞吐场景下的原子计数器
type systemCounters struct {
	started        atomic.Int64
	running        atomic.Int64
	fired          atomic.Int64
	rejected       atomic.Int64
	listenerErrors atomic.Int64
	startTime      time.Time
}

func newSystemCounters() *systemCounters {
	return &systemCounters{startTime: time.Now()}
}

func (c *systemCounters) workerStarted() {
	c.started.Add(1)
	c.running.Add(1)
}

func (c *systemCounters) workerEnded() {
	c.running.Add(-1)
}

func (c *systemCounters) snapshot() *SystemStats {
	return &SystemStats{
		WorkersStarted: c.started.Load(),
		WorkersRunning: c.running.Load(),
		EventsFired:    c.fired.Load(),
		EventsRejected: c.rejected.Load(),
		ListenerErrors: c.listenerErrors.Load(),
		StartTime:      c.startTime,
	}
}
