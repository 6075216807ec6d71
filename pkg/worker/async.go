package worker

import (
	"github.com/pkg/errors"
)

// Async 异步任务句柄
//
// 包装一个已启动的 Worker，Get 在调用方的事件循环中等待它结束。
type Async struct {
	sys    *System
	worker *Worker
}

// NewAsync 将 fn 包装为没有父 Worker 的 daemon Worker 并立即启动
//
// 任务失败只通过 Get 返回，不会记录崩溃日志。
func (s *System) NewAsync(fn Func, args ...any) *Async {
	w := s.NewWorker(fn,
		WithoutParent(),
		WithDaemon(true),
		WithTraceback(false))
	return s.AsyncOf(w, args...)
}

// AsyncOf 包装已有的 Worker，未运行时以 args 启动它
func (s *System) AsyncOf(w *Worker, args ...any) *Async {
	w.Start(args...)
	return &Async{sys: s, worker: w}
}

// Worker 返回执行任务的 Worker
func (a *Async) Worker() *Worker { return a.worker }

// Get 等待任务结束，返回它的结果或错误
//
// 在 Worker 的 goroutine 上调用时，等待期间调用方照常处理事件；
// 调用方在等待中被停止时任务 Worker 也会被停止。
// 在未被跟踪的 goroutine 上调用时退化为 Join。
func (a *Async) Get() (any, error) {
	w, ok := a.sys.Lookup()
	if !ok {
		a.worker.Join()
		return a.worker.Result(), a.worker.Err()
	}
	return a.get(w)
}

func (a *Async) get(w *Worker) (any, error) {
	if w.mailboxRef() == nil {
		a.worker.Join()
		return a.worker.Result(), a.worker.Err()
	}

	w.setAsyncHandle(a.worker)
	result, err := w.WaitThread(a.worker)
	// 退出信号穿过 WaitThread 时句柄保留，由 w 的清理流程停止任务
	w.setAsyncHandle(nil)
	return result, err
}

// Await 等待任务结束并将结果断言为 T
func Await[T any](a *Async) (T, error) {
	var zero T
	result, err := a.Get()
	if err != nil {
		return zero, err
	}
	if result == nil {
		return zero, nil
	}
	v, ok := result.(T)
	if !ok {
		return zero, errors.Wrapf(ErrUnexpectedPayload, "async result is %T", result)
	}
	return v, nil
}

// Sync 同步执行 fn：在独立的 Worker 中运行并等待其结束
func (s *System) Sync(fn Func, args ...any) (any, error) {
	return s.NewAsync(fn, args...).Get()
}
