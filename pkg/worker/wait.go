package worker

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// WaitOption WaitEvent 选项
type WaitOption func(*waitOptions)

type waitOptions struct {
	deadline time.Time
	target   *Worker
	deferred bool
}

// WithTimeout 限定等待时间，d <= 0 时扫描 deferred 队列后立即返回
func WithTimeout(d time.Duration) WaitOption {
	return func(o *waitOptions) {
		if d < 0 {
			d = 0
		}
		o.deadline = time.Now().Add(d)
	}
}

// FromTarget 只匹配 target 为 t 的事件
func FromTarget(t *Worker) WaitOption {
	return func(o *waitOptions) { o.target = t }
}

// WithDefer 将已分发但未匹配的事件保留到 deferred 队列
func WithDefer() WaitOption {
	return func(o *waitOptions) { o.deferred = true }
}

// ═══════════════════════════════════════════════════════════════════════════
// 选择性接收
// ═══════════════════════════════════════════════════════════════════════════

// WaitEvent 运行 w 的事件循环，直到收到名为 name 的事件
//
// 先在 deferred 队列中查找匹配项（不会再次分发）；之后每取出一个新事件，
// 都先分发给 w 的监听器，再判断是否匹配。匹配时返回事件数据和 true，
// 超时返回 (nil, false)。name 为空字符串时从不匹配。
//
// 只应由 w 自己的 goroutine 调用。
func (w *Worker) WaitEvent(name string, opts ...WaitOption) (any, bool) {
	o := &waitOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if w.root {
		return w.rootWait(name, o)
	}
	return w.waitEvent(name, o)
}

// rootWait root Worker 的事件循环
func (w *Worker) rootWait(name string, o *waitOptions) (any, bool) {
	defer w.recoverRoot()
	return w.waitEvent(name, o)
}

// recoverRoot 必须直接 defer 调用：退出信号只清理子 Worker，其他 panic 只记录日志
func (w *Worker) recoverRoot() {
	r := recover()
	if r == nil {
		return
	}
	if IsExit(r) {
		if err := w.cleanupChildren(context.Background()); err != nil {
			w.logger.Warn("children cleanup incomplete", "worker", w.name, "error", err)
		}
		return
	}
	err := toError(r)
	w.logger.Error("uncaught error in root wait",
		"system", w.sys.name,
		"error", err,
		"stack", stackOf(err))
}

func (w *Worker) waitEvent(name string, o *waitOptions) (any, bool) {
	box := w.mailboxRef()
	if box == nil {
		return nil, false
	}

	match := func(e *Event) bool {
		return name != "" && e.Name() == name && (o.target == nil || e.Target() == o.target)
	}

	if e, ok := box.takeDeferred(match); ok {
		return e.Data(), true
	}

	for {
		if !o.deadline.IsZero() && !time.Now().Before(o.deadline) {
			return nil, false
		}
		e, ok := box.receive(o.deadline)
		if !ok {
			return nil, false
		}

		w.dispatch(e)

		if match(e) {
			return e.Data(), true
		}
		if o.deferred {
			box.pushDeferred(e)
		}
	}
}

// WaitFor 等待事件并将数据断言为 T
func WaitFor[T any](w *Worker, name string, opts ...WaitOption) (T, bool) {
	var zero T
	data, ok := w.WaitEvent(name, opts...)
	if !ok {
		return zero, false
	}
	v, ok := data.(T)
	if !ok {
		return zero, false
	}
	return v, true
}

// ═══════════════════════════════════════════════════════════════════════════
// 便捷等待
// ═══════════════════════════════════════════════════════════════════════════

// WaitTimeout 处理事件 d 时长后返回
func (w *Worker) WaitTimeout(d time.Duration) {
	w.WaitEvent("", WithTimeout(d))
}

// WaitForever 无限事件循环，只能由 STOP_THREAD 等退出信号结束
func (w *Worker) WaitForever() {
	w.WaitEvent("")
}

// WaitThread 在 w 的事件循环中等待 other 结束，返回 other 的结果和错误
//
// 与 Join 不同，等待期间 w 仍照常处理事件。other 已结束时，
// 投递失败产生的 EVENT_REJECT 会让等待立即结束。
func (w *Worker) WaitThread(other *Worker) (any, error) {
	other.Fire(WaitThreadPending, nil, WithTarget(w))
	w.WaitEvent(WaitThreadPendingDone, FromTarget(other))
	return other.Result(), other.Err()
}

// Wait 按参数类型选择等待方式
//
//   - string: 等待事件，返回事件数据
//   - *Worker: WaitThread
//   - *Async: Get
//   - time.Duration / int / float64（秒）: WaitTimeout
func (w *Worker) Wait(v any) (any, error) {
	switch x := v.(type) {
	case string:
		data, _ := w.WaitEvent(x)
		return data, nil
	case *Worker:
		return w.WaitThread(x)
	case *Async:
		return x.get(w)
	case time.Duration:
		w.WaitTimeout(x)
	case int:
		w.WaitTimeout(time.Duration(x) * time.Second)
	case float64:
		w.WaitTimeout(time.Duration(x * float64(time.Second)))
	default:
		return nil, errors.Errorf("cannot wait on %T", v)
	}
	return nil, nil
}

// Update 非阻塞地分发邮箱中当前已有的事件
func (w *Worker) Update() *Worker {
	box := w.mailboxRef()
	if box == nil {
		return w
	}
	if w.root {
		defer w.recoverRoot()
	}
	for n := box.Len(); n > 0; n-- {
		e, ok := box.Dequeue()
		if !ok {
			break
		}
		w.dispatch(e)
	}
	return w
}
