package worker

import (
	"fmt"
	"sync"
)

// 内置事件名称，构成 Worker 生命周期协议
const (
	// StopThread 让 Worker 停止
	StopThread = "STOP_THREAD"
	// PauseThread 让 Worker 暂停
	PauseThread = "PAUSE_THREAD"
	// ResumeThread 让 Worker 恢复
	ResumeThread = "RESUME_THREAD"
	// ChildThreadStart 子 Worker 已启动
	ChildThreadStart = "CHILD_THREAD_START"
	// ChildThreadStop 子 Worker 被停止
	ChildThreadStop = "CHILD_THREAD_STOP"
	// ChildThreadDone 子 Worker 正常完成，数据为返回值
	ChildThreadDone = "CHILD_THREAD_DONE"
	// ChildThreadError 子 Worker 失败，数据为 error
	ChildThreadError = "CHILD_THREAD_ERROR"
	// ChildThreadEnd 子 Worker 已结束，数据为 [Outcome]
	ChildThreadEnd = "CHILD_THREAD_END"
	// WaitThreadPending 有其他 Worker 在等待当前 Worker 结束
	WaitThreadPending = "WAIT_THREAD_PENDING"
	// WaitThreadPendingDone 被等待的 Worker 已结束
	WaitThreadPendingDone = "WAIT_THREAD_PENDING_DONE"
	// EventReject 事件投递失败，数据为 [Rejection]
	EventReject = "EVENT_REJECT"
	// Execute 让 Worker 在自己的 goroutine 中执行回调，数据为 [Call]
	Execute = "EXECUTE"
	// ListenerError 监听器执行出错，数据为 error，向上冒泡
	ListenerError = "LISTENER_ERROR"
)

// Event 事件
//
// 构造后不可变，唯一例外是 target：未设置时在首次 Fire 时填充为触发方 Worker。
// target 表示"这是谁的事件"，用于监听器过滤，与当前持有它的邮箱无关。
type Event struct {
	name      string
	data      any
	bubble    bool
	broadcast bool

	mu     sync.RWMutex
	target *Worker
}

// EventOption 事件构造选项
type EventOption func(*Event)

// AsBubble 事件向所有祖先冒泡
func AsBubble() EventOption {
	return func(e *Event) { e.bubble = true }
}

// AsBroadcast 事件向所有后代广播
func AsBroadcast() EventOption {
	return func(e *Event) { e.broadcast = true }
}

// WithTarget 指定事件的 target
func WithTarget(w *Worker) EventOption {
	return func(e *Event) { e.target = w }
}

// NewEvent 创建事件
func NewEvent(name string, data any, opts ...EventOption) *Event {
	e := &Event{name: name, data: data}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name 事件名称
func (e *Event) Name() string { return e.name }

// Data 事件数据
func (e *Event) Data() any { return e.data }

// Bubbles 是否向祖先冒泡
func (e *Event) Bubbles() bool { return e.bubble }

// Broadcasts 是否向后代广播
func (e *Event) Broadcasts() bool { return e.broadcast }

// Target 事件所属的 Worker
func (e *Event) Target() *Worker {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.target
}

// setTargetIfUnset 仅在 target 为空时设置
func (e *Event) setTargetIfUnset(w *Worker) {
	e.mu.Lock()
	if e.target == nil {
		e.target = w
	}
	e.mu.Unlock()
}

// String 返回事件的字符串表示
func (e *Event) String() string {
	if t := e.Target(); t != nil {
		return fmt.Sprintf("%s@%s", e.name, t.Name())
	}
	return e.name
}

// ============== 内置事件数据 ==============

// Rejection EVENT_REJECT 的数据：哪个事件被哪个 Worker 拒收
type Rejection struct {
	Event  *Event
	Worker *Worker
}

// Outcome CHILD_THREAD_END 的数据：Worker 的最终结果
type Outcome struct {
	Result any
	Err    error
}

// ExecuteFunc 通过 EXECUTE 事件在目标 Worker 上执行的回调
type ExecuteFunc func(args ...any) error

// Call EXECUTE 的数据
type Call struct {
	Fn   ExecuteFunc
	Args []any
}
