package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/lwmacct/251215-go-pkg-worker/internal/goid"
)

// System Worker 系统
// 持有上下文注册表、root Worker、日志和统计
type System struct {
	// 基本信息
	name string

	// 配置
	config *SystemConfig

	// 日志
	logger *slog.Logger

	// 上下文注册表
	registry *Registry

	// root Worker 及其绑定的 goroutine
	root    *Worker
	rootGID int64

	// 统计信息
	counters *systemCounters

	shutdownOnce sync.Once
}

// NewSystem 创建新的 Worker 系统
//
// 调用 NewSystem 的 goroutine 成为 root Worker 的 goroutine。
func NewSystem(name string) *System {
	return NewSystemWithConfig(name, DefaultSystemConfig())
}

// NewSystemWithConfig 使用配置创建 Worker 系统
func NewSystemWithConfig(name string, config *SystemConfig) *System {
	if config == nil {
		config = DefaultSystemConfig()
	}
	if name == "" {
		name = config.Name
	}

	s := &System{
		name:     name,
		config:   config,
		logger:   config.NewLogger(nil),
		registry: NewRegistry(),
		counters: newSystemCounters(),
	}

	root := &Worker{
		sys:       s,
		id:        uuid.NewString(),
		name:      "root",
		fn:        waitForeverFunc,
		traceback: config.Traceback,
		root:      true,
		listeners: newListenerTable(),
		stats:     NewStatsCollector(),
		logger:    s.logger,
		children:  make(map[*Worker]struct{}),
		pending:   make(map[*Worker]struct{}),
		box:       newMailbox(),
		running:   true,
	}
	root.listenBuiltins()

	s.root = root
	s.rootGID = goid.Get()
	s.registry.Push(s.rootGID, root)

	s.logger.Debug("worker system started", "system", name)
	return s
}

// Name 返回系统名称
func (s *System) Name() string { return s.name }

// Root 返回 root Worker
func (s *System) Root() *Worker { return s.root }

// Registry 返回上下文注册表
func (s *System) Registry() *Registry { return s.registry }

// Logger 返回日志器
func (s *System) Logger() *slog.Logger { return s.logger }

// Config 返回系统配置
func (s *System) Config() *SystemConfig { return s.config }

// Lookup 返回调用方 goroutine 的当前 Worker，goroutine 未被跟踪时返回 false
func (s *System) Lookup() (*Worker, bool) {
	return s.registry.Current()
}

// Self 返回调用方 goroutine 的当前 Worker，goroutine 未被跟踪时返回 ErrUntracked
func (s *System) Self() (*Worker, error) {
	if w, ok := s.Lookup(); ok {
		return w, nil
	}
	return nil, errors.WithStack(ErrUntracked)
}

// Current 返回调用方 goroutine 的当前 Worker
//
// goroutine 未被跟踪时返回 root Worker。
func (s *System) Current() *Worker {
	if w, ok := s.Lookup(); ok {
		return w
	}
	return s.root
}

// IsRoot 判断 w 是否为 root Worker，w 为 nil 时判断调用方的当前 Worker
func (s *System) IsRoot(w *Worker) bool {
	if w == nil {
		var err error
		if w, err = s.Self(); err != nil {
			return false
		}
	}
	return w == s.root
}

// Sleep 让当前 Worker 在处理事件的同时等待 d
//
// goroutine 未被跟踪时退化为 time.Sleep。
func (s *System) Sleep(d time.Duration) {
	w, err := s.Self()
	if errors.Is(err, ErrUntracked) {
		time.Sleep(d)
		return
	}
	w.WaitTimeout(d)
}

// Stats 返回系统统计快照
func (s *System) Stats() *SystemStats {
	return s.counters.snapshot()
}

// ═══════════════════════════════════════════════════════════════════════════
// 关闭
// ═══════════════════════════════════════════════════════════════════════════

// Shutdown 停止 root 的所有子 Worker，等待非 daemon 子 Worker 退出
// 最长等待 SystemConfig.ShutdownTimeout
func (s *System) Shutdown() error {
	return s.ShutdownWithTimeout(s.config.ShutdownTimeout)
}

// ShutdownWithTimeout 带超时关闭系统
//
// 之后 root Worker 不再接收事件，向它投递的事件都会被拒收。
func (s *System) ShutdownWithTimeout(timeout time.Duration) error {
	var err error
	s.shutdownOnce.Do(func() {
		ctx := context.Background()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		err = s.root.cleanupChildren(ctx)

		s.root.mu.Lock()
		box := s.root.box
		s.root.box = nil
		s.root.running = false
		s.root.mu.Unlock()
		if box != nil {
			box.Dispose()
		}
		s.registry.Remove(s.rootGID, s.root)

		switch {
		case IsContextError(err):
			s.logger.Warn("worker system shutdown timed out", "system", s.name, "timeout", timeout, "error", err)
			return
		case err != nil:
			s.logger.Warn("worker system shutdown incomplete", "system", s.name, "error", err)
			return
		}
		s.logger.Debug("worker system stopped", "system", s.name)
	})
	return err
}
