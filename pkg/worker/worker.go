package worker

import (
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Func Worker 主体函数
//
// w 是执行它的 Worker，args 来自 Start / StartOverlay。
// 返回值记录为 Worker 的结果；返回的错误或 panic 记录为 Worker 的错误。
type Func func(w *Worker, args ...any) (any, error)

// Worker 由 goroutine 驱动、通过邮箱通信的 Actor
//
// Worker 组成父子树：父 Worker 结束时会停止所有子 Worker，
// 并等待非 daemon 子 Worker 完全退出。事件可向祖先冒泡、向后代广播。
// 同一 Worker 的监听器总是在它自己的 goroutine 上串行执行。
//
// Thread Safety: 所有导出方法都可从任意 goroutine 调用，
// WaitEvent 系列和 Update 除外，它们只应由 Worker 自己的 goroutine 调用。
type Worker struct {
	sys       *System
	id        string
	name      string
	fn        Func
	parent    *Worker
	daemon    *bool
	traceback bool
	root      bool

	listeners *listenerTable
	stats     *StatsCollector
	logger    *slog.Logger
	suspend   atomic.Bool

	mu          sync.Mutex
	children    map[*Worker]struct{}
	pending     map[*Worker]struct{}
	box         *mailbox
	done        chan struct{}
	running     bool
	err         error
	result      any
	asyncHandle *Worker
}

// ═══════════════════════════════════════════════════════════════════════════
// 构造
// ═══════════════════════════════════════════════════════════════════════════

// Option Worker 构造选项
type Option func(*options)

type options struct {
	name      string
	parent    *Worker
	parentSet bool
	daemon    *bool
	traceback *bool
}

// WithName 设置 Worker 名称
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithParent 指定父 Worker，nil 表示没有父 Worker
//
// 未设置时使用调用方 goroutine 的当前 Worker。
func WithParent(p *Worker) Option {
	return func(o *options) {
		o.parent = p
		o.parentSet = true
	}
}

// WithoutParent 创建没有父 Worker 的 Worker
func WithoutParent() Option {
	return WithParent(nil)
}

// WithDaemon 显式设置 daemon 标志，未设置时继承父 Worker
func WithDaemon(daemon bool) Option {
	return func(o *options) { o.daemon = &daemon }
}

// WithTraceback 设置崩溃时是否记录错误和调用栈
func WithTraceback(enabled bool) Option {
	return func(o *options) { o.traceback = &enabled }
}

// NewWorker 创建 Worker，fn 为 nil 时 Worker 运行一个无限事件循环
func (s *System) NewWorker(fn Func, opts ...Option) *Worker {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	if !o.parentSet {
		o.parent, _ = s.Lookup()
	}

	id := uuid.NewString()
	if o.name == "" {
		o.name = "worker-" + id[:8]
	}
	if fn == nil {
		fn = waitForeverFunc
	}

	traceback := s.config.Traceback
	if o.traceback != nil {
		traceback = *o.traceback
	}

	w := &Worker{
		sys:       s,
		id:        id,
		name:      o.name,
		fn:        fn,
		parent:    o.parent,
		daemon:    o.daemon,
		traceback: traceback,
		listeners: newListenerTable(),
		stats:     NewStatsCollector(),
		logger:    s.logger,
		children:  make(map[*Worker]struct{}),
		pending:   make(map[*Worker]struct{}),
	}
	w.listenBuiltins()
	return w
}

func waitForeverFunc(w *Worker, _ ...any) (any, error) {
	w.WaitForever()
	return nil, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// 基本信息
// ═══════════════════════════════════════════════════════════════════════════

// ID 返回 Worker 唯一标识
func (w *Worker) ID() string { return w.id }

// Name 返回 Worker 名称
func (w *Worker) Name() string { return w.name }

// String 返回 Worker 的字符串表示
func (w *Worker) String() string { return w.name }

// System 返回所属系统
func (w *Worker) System() *System { return w.sys }

// Parent 返回父 Worker，可能为 nil
func (w *Worker) Parent() *Worker { return w.parent }

// IsRoot 是否为系统的 root Worker
func (w *Worker) IsRoot() bool { return w.root }

// Children 返回当前子 Worker 的快照
func (w *Worker) Children() []*Worker {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]*Worker, 0, len(w.children))
	for c := range w.children {
		out = append(out, c)
	}
	return out
}

// HasChild 判断 c 是否为当前子 Worker
func (w *Worker) HasChild(c *Worker) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.children[c]
	return ok
}

// IsRunning 是否绑定在存活的 goroutine（或 overlay）上
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// IsSuspended 是否处于暂停状态
func (w *Worker) IsSuspended() bool { return w.suspend.Load() }

// IsDaemon 判断是否为 daemon Worker
//
// 显式设置过则返回该值，否则继承父 Worker，没有父 Worker 时为 false。
// 父 Worker 结束时不会等待 daemon 子 Worker 退出。
func (w *Worker) IsDaemon() bool {
	if w.daemon != nil {
		return *w.daemon
	}
	if w.parent != nil {
		return w.parent.IsDaemon()
	}
	return false
}

// Err 返回最近一次运行记录的错误
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Result 返回最近一次运行记录的结果
func (w *Worker) Result() any {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.result
}

// Stats 返回统计快照，每次 Start 都会重新计数
func (w *Worker) Stats() *WorkerStats {
	return w.stats.Stats()
}

// PendingLen 返回正在等待本 Worker 结束的 Worker 数
func (w *Worker) PendingLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *Worker) mailboxRef() *mailbox {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.box
}

func (w *Worker) addChild(c *Worker) {
	w.mu.Lock()
	w.children[c] = struct{}{}
	w.mu.Unlock()
}

func (w *Worker) removeChild(c *Worker) {
	w.mu.Lock()
	delete(w.children, c)
	w.mu.Unlock()
}

// ═══════════════════════════════════════════════════════════════════════════
// 事件触发与传播
// ═══════════════════════════════════════════════════════════════════════════

// Fire 向 w 触发事件，返回 w 以便链式调用
func (w *Worker) Fire(name string, data any, opts ...EventOption) *Worker {
	return w.FireEvent(NewEvent(name, data, opts...))
}

// FireEvent 向 w 触发已构造的事件
//
// target 未设置时填充为调用方的当前 Worker。事件先进入 w 的邮箱，
// 然后同步地按 bubble 逐级投递给所有祖先、按 broadcast 投递给整棵子树。
func (w *Worker) FireEvent(e *Event) *Worker {
	e.setTargetIfUnset(w.sys.Current())
	w.deliver(e, true, true)
	return w
}

// Bubble 以 w 为 target 向所有祖先冒泡事件（w 自己不接收）
func (w *Worker) Bubble(name string, data any) *Worker {
	if w.parent != nil {
		w.parent.deliver(NewEvent(name, data, AsBubble(), WithTarget(w)), true, false)
	}
	return w
}

// Broadcast 以 w 为 target 向所有后代广播事件（w 自己不接收）
func (w *Worker) Broadcast(name string, data any) *Worker {
	e := NewEvent(name, data, AsBroadcast(), WithTarget(w))
	for _, c := range w.Children() {
		c.deliver(e, false, true)
	}
	return w
}

// deliver 入队并按方向继续传播
//
// 向上传播只沿父链冒泡，向下传播只在子树内广播，
// 同时带 bubble 和 broadcast 的事件不会在树中来回反弹。
func (w *Worker) deliver(e *Event, up, down bool) {
	w.enqueue(e)

	if up && e.Bubbles() && w.parent != nil {
		w.parent.deliver(e, true, false)
	}
	if down && e.Broadcasts() {
		// 先取快照，处理过程中子 Worker 集合可能变化
		for _, c := range w.Children() {
			c.deliver(e, false, true)
		}
	}
}

// enqueue 尽力投递：w 未运行时向事件的 target 回送 EVENT_REJECT
func (w *Worker) enqueue(e *Event) {
	w.sys.counters.fired.Add(1)

	if box := w.mailboxRef(); box != nil {
		if err := box.Enqueue(e); err == nil {
			return
		}
	}

	w.sys.counters.rejected.Add(1)
	target := e.Target()
	if target == nil || target == w || e.Name() == EventReject {
		return
	}
	target.Fire(EventReject, Rejection{Event: e, Worker: w}, WithTarget(w))
}

// FireParent 以 w 为 target 向父 Worker 触发事件，默认只送达父 Worker 一层
//
// 没有父 Worker 时不做任何事。
func (w *Worker) FireParent(name string, data any, opts ...EventOption) *Worker {
	if w.parent != nil {
		w.parent.Fire(name, data, append(slices.Clip(opts), WithTarget(w))...)
	}
	return w
}

// FireChildren 以 w 为 target 向每个直接子 Worker 触发事件，默认不再向下传播
func (w *Worker) FireChildren(name string, data any, opts ...EventOption) *Worker {
	opts = append(slices.Clip(opts), WithTarget(w))
	for _, c := range w.Children() {
		c.Fire(name, data, opts...)
	}
	return w
}

// ═══════════════════════════════════════════════════════════════════════════
// 监听与分发
// ═══════════════════════════════════════════════════════════════════════════

// Listen 注册监听器，返回的句柄用于 Unlisten
//
// 同名事件的监听器按优先级从高到低执行，同优先级按注册顺序执行。
func (w *Worker) Listen(name string, cb Callback, opts ...ListenOption) *Listener {
	l := &Listener{callback: cb, eventName: name}
	for _, opt := range opts {
		opt(l)
	}
	w.listeners.add(l)
	return l
}

// Unlisten 注销监听器，可在监听器自身执行期间调用
func (w *Worker) Unlisten(handles ...*Listener) *Worker {
	for _, l := range handles {
		if l != nil {
			w.listeners.remove(l)
		}
	}
	return w
}

// ListenerCount 返回某事件的监听器数量
func (w *Worker) ListenerCount(name string) int {
	return w.listeners.count(name)
}

// dispatch 将事件交给匹配的监听器
//
// 遍历的是分发开始时的快照：本轮中途注册的监听器不会执行，
// 中途注销且尚未执行的监听器会被跳过。
func (w *Worker) dispatch(e *Event) {
	w.stats.RecordReceived()
	start := time.Now()

	for _, l := range w.listeners.snapshot(e.Name()) {
		if l.removed.Load() || !l.matches(e) {
			continue
		}
		if err := w.invoke(l, e); err != nil {
			w.stats.RecordError(err)
			w.sys.counters.listenerErrors.Add(1)
			w.logger.Error("error occurred in listener",
				"worker", w.name,
				"event", e.Name(),
				"error", err,
				"stack", stackOf(err))
			w.FireEvent(NewEvent(ListenerError, err, AsBubble(), WithTarget(w)))
		}
	}

	w.stats.RecordHandled(time.Since(start))
}

// invoke 执行单个监听器，捕获除退出信号以外的 panic
func (w *Worker) invoke(l *Listener, e *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if IsExit(r) {
				panic(r)
			}
			err = toError(r)
		}
	}()
	return l.callback(e)
}

// ═══════════════════════════════════════════════════════════════════════════
// 内置监听器
// ═══════════════════════════════════════════════════════════════════════════

func (w *Worker) listenBuiltins() {
	w.Listen(StopThread, w.onStop, WithPriority(-100))
	w.Listen(PauseThread, w.onPause, WithPriority(-100))
	w.Listen(ChildThreadStart, w.onChildStart, WithPriority(100))
	w.Listen(ChildThreadEnd, w.onChildEnd, WithPriority(-100))
	w.Listen(WaitThreadPending, w.onWaitPending)
	w.Listen(EventReject, w.onReject)
	w.Listen(Execute, w.onExecute)
}

func (w *Worker) onStop(*Event) error {
	panic(exitSignal{})
}

func (w *Worker) onPause(*Event) error {
	if w.suspend.Load() || !w.IsRunning() {
		return nil
	}
	w.suspend.Store(true)
	defer w.suspend.Store(false)

	w.WaitEvent(ResumeThread, WithDefer())
	return nil
}

func (w *Worker) onChildStart(e *Event) error {
	// 子 Worker 可能在事件被处理前就已结束
	if c := e.Target(); c != nil && c != w && c.IsRunning() {
		w.addChild(c)
	}
	return nil
}

func (w *Worker) onChildEnd(e *Event) error {
	if c := e.Target(); c != nil {
		w.removeChild(c)
	}
	return nil
}

func (w *Worker) onWaitPending(e *Event) error {
	if waiter := e.Target(); waiter != nil {
		w.mu.Lock()
		w.pending[waiter] = struct{}{}
		w.mu.Unlock()
	}
	return nil
}

func (w *Worker) onReject(e *Event) error {
	rej, ok := e.Data().(Rejection)
	if !ok {
		return errors.Wrapf(ErrUnexpectedPayload, "%s carries %T", e.Name(), e.Data())
	}
	if rej.Event.Name() == WaitThreadPending {
		w.Fire(WaitThreadPendingDone, nil, WithTarget(rej.Worker))
	}
	return nil
}

func (w *Worker) onExecute(e *Event) error {
	call, ok := e.Data().(Call)
	if !ok || call.Fn == nil {
		return errors.Wrapf(ErrUnexpectedPayload, "%s carries %T", e.Name(), e.Data())
	}
	return call.Fn(call.Args...)
}
