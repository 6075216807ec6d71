package worker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/lwmacct/251215-go-pkg-worker/internal/goid"
)

// ═══════════════════════════════════════════════════════════════════════════
// 启动
// ═══════════════════════════════════════════════════════════════════════════

// Start 在新的 goroutine 上运行 Worker，args 传给主体函数
//
// Worker 已在运行、或上一次运行尚未收尾完毕时不做任何事。
func (w *Worker) Start(args ...any) *Worker {
	if !w.bind() {
		return w
	}
	go w.run(args)
	return w
}

// StartOverlay 在调用方 goroutine 上直接运行 Worker，主体返回后才返回
//
// Worker 叠加在该 goroutine 已有的上下文之上，运行期间它就是当前 Worker。
func (w *Worker) StartOverlay(args ...any) *Worker {
	if !w.bind() {
		return w
	}
	w.run(args)
	return w
}

// bind 为一次运行准备邮箱，并同步登记到父 Worker 的子集合
//
// 上一次运行的收尾（done 关闭之前）尚未完成时不允许重新启动。
func (w *Worker) bind() bool {
	w.mu.Lock()
	if w.running || w.root || !w.settled() {
		w.mu.Unlock()
		return false
	}
	w.running = true
	w.box = newMailbox()
	w.done = make(chan struct{})
	w.err = nil
	w.result = nil
	w.mu.Unlock()
	w.stats.Reset()

	// 先于 goroutine 启动登记，父 Worker 此时结束也能看到并停止它
	if w.parent != nil {
		w.parent.addChild(w)
	}
	return true
}

// settled 上一次运行已完全结束（或从未运行），调用方需持有 w.mu
func (w *Worker) settled() bool {
	if w.done == nil {
		return true
	}
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// run Worker 主体包装函数，运行在绑定的 goroutine 上
func (w *Worker) run(args []any) {
	gid := goid.Get()
	w.sys.registry.Push(gid, w)
	w.sys.counters.workerStarted()
	w.logger.Debug("worker started", "system", w.sys.name, "worker", w.name)

	w.FireParent(ChildThreadStart, nil)

	result, stopped, err := w.invokeBody(args)
	switch {
	case stopped:
		w.FireParent(ChildThreadStop, nil)
	case err != nil:
		w.mu.Lock()
		w.err = err
		w.mu.Unlock()
		if w.traceback {
			w.logger.Error("worker crashed",
				"worker", w.name,
				"error", err,
				"stack", stackOf(err))
		}
		w.FireParent(ChildThreadError, err)
	default:
		w.mu.Lock()
		w.result = result
		w.mu.Unlock()
		w.FireParent(ChildThreadDone, result)
	}

	// 标记结束：之后的投递都会被拒收
	w.mu.Lock()
	box := w.box
	done := w.done
	w.box = nil
	w.running = false
	w.mu.Unlock()

	for _, e := range box.Dispose() {
		w.drain(e)
	}

	w.FireParent(ChildThreadEnd, Outcome{Result: w.Result(), Err: w.Err()})
	if w.parent != nil {
		w.parent.removeChild(w)
	}

	for _, waiter := range w.takePending() {
		waiter.Fire(WaitThreadPendingDone, nil, WithTarget(w))
	}

	if h := w.takeAsyncHandle(); h != nil {
		h.Stop()
	}

	if err := w.cleanupChildren(context.Background()); err != nil {
		w.logger.Warn("children cleanup incomplete", "worker", w.name, "error", err)
	}

	w.sys.registry.Remove(gid, w)
	w.sys.counters.workerEnded()
	w.logger.Debug("worker ended", "system", w.sys.name, "worker", w.name, "stopped", stopped)
	close(done)
}

// invokeBody 执行主体函数，区分退出信号与普通失败
func (w *Worker) invokeBody(args []any) (result any, stopped bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			if IsExit(r) {
				stopped = true
				return
			}
			err = toError(r)
		}
	}()
	result, err = w.fn(w, args...)
	return result, false, err
}

// drain 在清理阶段分发剩余事件，吞掉退出信号
func (w *Worker) drain(e *Event) {
	defer func() {
		if r := recover(); r != nil && !IsExit(r) {
			err := toError(r)
			w.logger.Error("error occurred in listener cleanup",
				"worker", w.name,
				"event", e.Name(),
				"error", err,
				"stack", stackOf(err))
		}
	}()
	w.dispatch(e)
}

func (w *Worker) takePending() []*Worker {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]*Worker, 0, len(w.pending))
	for p := range w.pending {
		out = append(out, p)
		delete(w.pending, p)
	}
	return out
}

func (w *Worker) setAsyncHandle(h *Worker) {
	w.mu.Lock()
	w.asyncHandle = h
	w.mu.Unlock()
}

func (w *Worker) takeAsyncHandle() *Worker {
	w.mu.Lock()
	defer w.mu.Unlock()
	h := w.asyncHandle
	w.asyncHandle = nil
	return h
}

// cleanupChildren 停止所有剩余子 Worker
//
// daemon 子 Worker 只发送停止事件；非 daemon 子 Worker 先全部停止，
// 再等待它们退出，ctx 限定等待时间。
func (w *Worker) cleanupChildren(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range w.Children() {
		c.Stop()
		if !c.IsDaemon() {
			g.Go(func() error {
				return c.JoinContext(ctx)
			})
		}
		w.removeChild(c)
	}
	return g.Wait()
}

// ═══════════════════════════════════════════════════════════════════════════
// 控制
// ═══════════════════════════════════════════════════════════════════════════

// Stop 停止 Worker
//
// 停止本身只是一个 STOP_THREAD 事件，Worker 在下一次分发事件时退出。
func (w *Worker) Stop() *Worker {
	return w.Fire(StopThread, nil)
}

// Pause 暂停 Worker，期间收到的事件照常分发并保留在 deferred 队列中
func (w *Worker) Pause() *Worker {
	return w.Fire(PauseThread, nil)
}

// Resume 恢复被暂停的 Worker
func (w *Worker) Resume() *Worker {
	return w.Fire(ResumeThread, nil)
}

// Join 阻塞调用方 goroutine，直到 Worker 的 goroutine 完全退出
//
// 与 WaitThread 不同，Join 不处理任何事件，适合在 Worker 事件循环之外使用。
func (w *Worker) Join() *Worker {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()

	if done != nil {
		<-done
	}
	return w
}

// JoinContext 带 context 的 Join
func (w *Worker) JoinContext(ctx context.Context) error {
	w.mu.Lock()
	done := w.done
	w.mu.Unlock()

	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "join worker %s", w.name)
	}
}

// Exit 从 Worker 自身的 goroutine 中退出
//
// root Worker 不会退出，只停止它的所有子 Worker。
func (w *Worker) Exit() {
	if w.root {
		_ = w.cleanupChildren(context.Background())
		return
	}
	panic(exitSignal{})
}

// Later 在 delay 之后让 fn 在 w 自己的 goroutine 上执行
//
// 计时由一个 daemon 子 Worker 完成，到期后向 w 触发 EXECUTE 事件。
// 返回计时 Worker，停止它即可取消。
func (w *Worker) Later(delay time.Duration, fn ExecuteFunc, args ...any) *Worker {
	timer := w.sys.NewWorker(func(t *Worker, _ ...any) (any, error) {
		t.WaitTimeout(delay)
		w.Fire(Execute, Call{Fn: fn, Args: args}, WithTarget(t))
		return nil, nil
	}, WithParent(w), WithDaemon(true), WithName(w.name+".later"))
	return timer.Start()
}
