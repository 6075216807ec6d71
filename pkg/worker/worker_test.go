package worker

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lwmacct/251215-go-pkg-worker/internal/goid"
)

// ============== 测试辅助 ==============

func newTestSystem(t *testing.T) *System {
	t.Helper()
	cfg := DefaultSystemConfig()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	sys := NewSystemWithConfig(t.Name(), cfg)
	t.Cleanup(func() {
		_ = sys.ShutdownWithTimeout(5 * time.Second)
	})
	return sys
}

func returnValue(v any) Func {
	return func(*Worker, ...any) (any, error) { return v, nil }
}

// ============== 生命周期 ==============

func TestStartRecordsResult(t *testing.T) {
	sys := newTestSystem(t)

	w := sys.NewWorker(func(w *Worker, args ...any) (any, error) {
		return args[0].(int) * 2, nil
	}, WithName("doubler"))
	w.Start(21).Join()

	assert.Equal(t, "doubler", w.Name())
	assert.Equal(t, 42, w.Result())
	assert.NoError(t, w.Err())
	assert.False(t, w.IsRunning())
}

func TestDefaultName(t *testing.T) {
	sys := newTestSystem(t)

	w := sys.NewWorker(nil)
	assert.Equal(t, "worker-"+w.ID()[:8], w.Name())
	assert.Equal(t, w.Name(), w.String())
}

func TestWorkerError(t *testing.T) {
	sys := newTestSystem(t)

	failed := sys.NewWorker(func(*Worker, ...any) (any, error) {
		return nil, errors.New("boom")
	}).Start().Join()
	assert.EqualError(t, failed.Err(), "boom")
	assert.Nil(t, failed.Result())

	panicked := sys.NewWorker(func(*Worker, ...any) (any, error) {
		panic("bad input")
	}).Start().Join()
	assert.EqualError(t, panicked.Err(), "panic: bad input")

	root := sys.Root()
	data, ok := root.WaitEvent(ChildThreadError, FromTarget(panicked), WithTimeout(time.Second))
	require.True(t, ok)
	assert.Equal(t, panicked.Err(), data)
}

func TestStopWaitingWorker(t *testing.T) {
	sys := newTestSystem(t)

	w := sys.NewWorker(nil).Start()
	assert.True(t, w.IsRunning())

	w.Stop().Join()
	assert.False(t, w.IsRunning())
	assert.NoError(t, w.Err())

	_, ok := sys.Root().WaitEvent(ChildThreadStop, FromTarget(w), WithTimeout(time.Second))
	assert.True(t, ok)
}

func TestChildThreadEndCarriesOutcome(t *testing.T) {
	sys := newTestSystem(t)

	w := sys.NewWorker(returnValue("done")).Start().Join()

	data, ok := sys.Root().WaitEvent(ChildThreadEnd, FromTarget(w), WithTimeout(time.Second))
	require.True(t, ok)
	assert.Equal(t, Outcome{Result: "done"}, data)
}

func TestRestartAfterFinish(t *testing.T) {
	sys := newTestSystem(t)

	var runs atomic.Int32
	w := sys.NewWorker(func(*Worker, ...any) (any, error) {
		return runs.Add(1), nil
	})
	w.Start().Join()
	w.Start().Join()

	assert.EqualValues(t, 2, w.Result())
}

func TestStartIgnoredUntilTeardownDone(t *testing.T) {
	sys := newTestSystem(t)

	stopping := make(chan struct{}, 1)
	var runs atomic.Int32
	parent := sys.NewWorker(func(p *Worker, _ ...any) (any, error) {
		n := runs.Add(1)
		sys.NewWorker(func(c *Worker, _ ...any) (any, error) {
			// 拖慢父 Worker 的收尾
			c.Listen(StopThread, func(*Event) error {
				stopping <- struct{}{}
				time.Sleep(200 * time.Millisecond)
				return nil
			})
			c.WaitForever()
			return nil, nil
		}).Start()
		return n, nil
	})
	parent.Start()

	select {
	case <-stopping:
	case <-time.After(time.Second):
		t.Fatal("child was not stopped")
	}
	// 主体已返回但收尾未完成
	assert.False(t, parent.IsRunning())
	parent.Start()
	assert.False(t, parent.IsRunning())

	parent.Join()
	assert.EqualValues(t, 1, runs.Load())
	assert.EqualValues(t, 1, parent.Result())
	assert.Zero(t, parent.PendingLen())

	// 收尾完成后可以正常重启
	parent.Start().Join()
	assert.EqualValues(t, 2, parent.Result())
}

func TestRestartResetsStats(t *testing.T) {
	sys := newTestSystem(t)

	w := sys.NewWorker(func(w *Worker, _ ...any) (any, error) {
		w.WaitEvent("go")
		return nil, nil
	})

	w.Start()
	w.Fire("go", nil)
	w.Join()
	assert.EqualValues(t, 1, w.Stats().EventsReceived)

	w.Start()
	w.Fire("go", nil)
	w.Join()
	assert.EqualValues(t, 1, w.Stats().EventsReceived)
}

func TestRootCannotStart(t *testing.T) {
	sys := newTestSystem(t)

	root := sys.Root()
	root.Start()
	assert.True(t, root.IsRunning())
	assert.True(t, sys.IsRoot(root))
	assert.True(t, sys.IsRoot(nil))
}

func TestJoinContextTimeout(t *testing.T) {
	sys := newTestSystem(t)

	w := sys.NewWorker(nil).Start()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := w.JoinContext(ctx)
	require.Error(t, err)
	assert.True(t, IsContextError(err))

	w.Stop()
	assert.NoError(t, w.JoinContext(context.Background()))
}

func TestJoinUnstarted(t *testing.T) {
	sys := newTestSystem(t)

	w := sys.NewWorker(nil)
	assert.Same(t, w, w.Join())
	assert.NoError(t, w.JoinContext(context.Background()))
}

// ============== 层级 ==============

func TestDefaultParent(t *testing.T) {
	sys := newTestSystem(t)

	top := sys.NewWorker(nil)
	assert.Same(t, sys.Root(), top.Parent())

	orphan := sys.NewWorker(nil, WithoutParent())
	assert.Nil(t, orphan.Parent())

	kids := make(chan *Worker, 1)
	p := sys.NewWorker(func(*Worker, ...any) (any, error) {
		kids <- sys.NewWorker(nil)
		return nil, nil
	}).Start().Join()
	assert.Same(t, p, (<-kids).Parent())

	untracked := make(chan *Worker, 1)
	go func() { untracked <- sys.NewWorker(nil) }()
	assert.Nil(t, (<-untracked).Parent())
}

func TestStopParentStopsChildren(t *testing.T) {
	sys := newTestSystem(t)

	kids := make(chan *Worker, 3)
	parent := sys.NewWorker(func(p *Worker, _ ...any) (any, error) {
		kids <- sys.NewWorker(nil).Start()
		kids <- sys.NewWorker(nil).Start()
		kids <- sys.NewWorker(nil, WithDaemon(true)).Start()
		p.WaitForever()
		return nil, nil
	}).Start()

	a, b, d := <-kids, <-kids, <-kids
	assert.Same(t, parent, a.Parent())
	assert.True(t, parent.HasChild(a))
	assert.True(t, parent.HasChild(d))

	parent.Stop().Join()

	assert.False(t, a.IsRunning())
	assert.False(t, b.IsRunning())
	assert.Empty(t, parent.Children())
	assert.Eventually(t, func() bool { return !d.IsRunning() }, time.Second, 10*time.Millisecond)
}

func TestIsDaemonInheritance(t *testing.T) {
	sys := newTestSystem(t)

	a := sys.NewWorker(nil, WithoutParent(), WithDaemon(true))
	b := sys.NewWorker(nil, WithParent(a))
	c := sys.NewWorker(nil, WithParent(b), WithDaemon(false))
	d := sys.NewWorker(nil, WithParent(c))
	e := sys.NewWorker(nil, WithoutParent())

	assert.True(t, a.IsDaemon())
	assert.True(t, b.IsDaemon())
	assert.False(t, c.IsDaemon())
	assert.False(t, d.IsDaemon())
	assert.False(t, e.IsDaemon())
}

func TestChildDetachedOnFinish(t *testing.T) {
	sys := newTestSystem(t)

	root := sys.Root()
	child := sys.NewWorker(returnValue(nil)).Start().Join()
	assert.False(t, root.HasChild(child))

	// 处理迟到的 CHILD_THREAD_START 后仍不应重新登记
	root.WaitTimeout(50 * time.Millisecond)
	assert.False(t, root.HasChild(child))
}

func TestStartOverlay(t *testing.T) {
	sys := newTestSystem(t)

	var inside *Worker
	var depth int
	w := sys.NewWorker(func(w *Worker, _ ...any) (any, error) {
		inside = sys.Current()
		depth = sys.Registry().Depth(goid.Get())
		return "ok", nil
	})
	w.StartOverlay()

	assert.Same(t, w, inside)
	assert.Equal(t, 2, depth)
	assert.Same(t, sys.Root(), sys.Current())
	assert.Equal(t, "ok", w.Result())
	assert.False(t, w.IsRunning())
}

// ============== 传播 ==============

func TestBubbleAndBroadcast(t *testing.T) {
	sys := newTestSystem(t)
	root := sys.Root()

	seenByA := make(chan *Worker, 1)
	heardByB := make(chan *Worker, 1)
	ready := make(chan *Worker, 1)

	a := sys.NewWorker(func(a *Worker, _ ...any) (any, error) {
		a.Listen("ping", func(e *Event) error {
			seenByA <- e.Target()
			return nil
		})
		sys.NewWorker(func(b *Worker, _ ...any) (any, error) {
			b.Listen("hello", func(e *Event) error {
				heardByB <- e.Target()
				return nil
			})
			ready <- b
			b.WaitForever()
			return nil, nil
		}).Start()
		a.WaitForever()
		return nil, nil
	}, WithName("a")).Start()
	b := <-ready

	b.Bubble("ping", 1)
	select {
	case target := <-seenByA:
		assert.Same(t, b, target)
	case <-time.After(time.Second):
		t.Fatal("bubble did not reach parent")
	}
	data, ok := root.WaitEvent("ping", FromTarget(b), WithTimeout(time.Second))
	require.True(t, ok)
	assert.Equal(t, 1, data)

	root.Broadcast("hello", nil)
	select {
	case target := <-heardByB:
		assert.Same(t, root, target)
	case <-time.After(time.Second):
		t.Fatal("broadcast did not reach grandchild")
	}

	// 广播之后才启动的 Worker 不会收到
	late := make(chan bool, 1)
	sys.NewWorker(func(w *Worker, _ ...any) (any, error) {
		_, got := w.WaitEvent("hello", WithTimeout(50*time.Millisecond))
		late <- got
		return nil, nil
	}).Start().Join()
	assert.False(t, <-late)

	a.Stop().Join()
	assert.False(t, b.IsRunning())
}

func TestFireParentAndChildrenOneHop(t *testing.T) {
	sys := newTestSystem(t)
	root := sys.Root()

	type hit struct {
		at     string
		target *Worker
	}
	hits := make(chan hit, 8)
	record := func(w *Worker, name string) {
		w.Listen(name, func(e *Event) error {
			hits <- hit{at: w.Name(), target: e.Target()}
			return nil
		})
	}

	ready := make(chan [2]*Worker, 1)
	a := sys.NewWorker(func(a *Worker, _ ...any) (any, error) {
		record(a, "up")
		sys.NewWorker(func(b *Worker, _ ...any) (any, error) {
			record(b, "down")
			c := sys.NewWorker(func(c *Worker, _ ...any) (any, error) {
				record(c, "down")
				c.WaitForever()
				return nil, nil
			}, WithName("c")).Start()
			ready <- [2]*Worker{b, c}
			b.WaitForever()
			return nil, nil
		}, WithName("b")).Start()
		a.WaitForever()
		return nil, nil
	}, WithName("a")).Start()
	defer func() { a.Stop().Join() }()
	pair := <-ready
	b := pair[0]

	// b -> a，不会继续到 root
	b.FireParent("up", 1)
	select {
	case h := <-hits:
		assert.Equal(t, "a", h.at)
		assert.Same(t, b, h.target)
	case <-time.After(time.Second):
		t.Fatal("FireParent did not reach parent")
	}
	_, ok := root.WaitEvent("up", WithTimeout(50*time.Millisecond))
	assert.False(t, ok)

	// a -> b，不会继续到 c
	a.FireChildren("down", 2)
	select {
	case h := <-hits:
		assert.Equal(t, "b", h.at)
		assert.Same(t, a, h.target)
	case <-time.After(time.Second):
		t.Fatal("FireChildren did not reach child")
	}
	select {
	case h := <-hits:
		t.Fatalf("event leaked to %s", h.at)
	case <-time.After(50 * time.Millisecond):
	}

	// root 没有父 Worker
	assert.Same(t, root, root.FireParent("up", nil))
}

func TestFireSetsTargetToCaller(t *testing.T) {
	sys := newTestSystem(t)

	got := make(chan *Worker, 1)
	w := sys.NewWorker(func(w *Worker, _ ...any) (any, error) {
		w.Listen("who", func(e *Event) error {
			got <- e.Target()
			return nil
		})
		w.WaitEvent("who")
		return nil, nil
	}).Start()

	w.Fire("who", nil)
	w.Join()
	assert.Same(t, sys.Root(), <-got)
}

func TestRejectDeadTarget(t *testing.T) {
	sys := newTestSystem(t)

	dead := sys.NewWorker(returnValue(nil)).Start().Join()
	dead.Fire("hello", 1)

	data, ok := sys.Root().WaitEvent(EventReject, WithTimeout(time.Second))
	require.True(t, ok)
	rej, ok := data.(Rejection)
	require.True(t, ok)
	assert.Same(t, dead, rej.Worker)
	assert.Equal(t, "hello", rej.Event.Name())
	assert.Positive(t, sys.Stats().EventsRejected)
}

// ============== 等待 ==============

func TestWaitTimeoutNotEarly(t *testing.T) {
	sys := newTestSystem(t)

	w := sys.NewWorker(func(w *Worker, _ ...any) (any, error) {
		start := time.Now()
		_, ok := w.WaitEvent("never", WithTimeout(150*time.Millisecond))
		return []any{time.Since(start), ok}, nil
	}).Start()

	for range 5 {
		w.Fire("noise", nil)
		time.Sleep(10 * time.Millisecond)
	}
	w.Join()

	res := w.Result().([]any)
	assert.GreaterOrEqual(t, res[0].(time.Duration), 150*time.Millisecond)
	assert.False(t, res[1].(bool))
}

func TestZeroTimeoutReturnsImmediately(t *testing.T) {
	sys := newTestSystem(t)

	start := time.Now()
	_, ok := sys.Root().WaitEvent("never", WithTimeout(0))
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestDeferredEventsSurvivePause(t *testing.T) {
	sys := newTestSystem(t)

	w := sys.NewWorker(func(w *Worker, _ ...any) (any, error) {
		w.WaitEvent("go")
		data, ok := w.WaitEvent("x", WithTimeout(time.Second))
		if !ok {
			return nil, errors.New("deferred event lost")
		}
		return data, nil
	}).Start()

	w.Pause()
	assert.Eventually(t, w.IsSuspended, time.Second, 5*time.Millisecond)

	w.Fire("x", 7)
	w.Resume()
	assert.Eventually(t, func() bool { return !w.IsSuspended() }, time.Second, 5*time.Millisecond)
	w.Fire("go", nil)
	w.Join()

	require.NoError(t, w.Err())
	assert.Equal(t, 7, w.Result())
}

func TestDeferredMatchesTarget(t *testing.T) {
	sys := newTestSystem(t)

	other := sys.NewWorker(nil)
	w := sys.NewWorker(func(w *Worker, _ ...any) (any, error) {
		w.WaitEvent("go", WithDefer())
		data, ok := w.WaitEvent("x", FromTarget(other), WithTimeout(time.Second))
		if !ok {
			return nil, errors.New("missing")
		}
		return data, nil
	}).Start()

	w.Fire("x", "from root")
	w.Fire("x", "from other", WithTarget(other))
	w.Fire("go", nil)
	w.Join()

	assert.Equal(t, "from other", w.Result())
}

func TestWaitThread(t *testing.T) {
	sys := newTestSystem(t)
	root := sys.Root()

	dead := sys.NewWorker(returnValue("done")).Start().Join()
	res, err := root.WaitThread(dead)
	require.NoError(t, err)
	assert.Equal(t, "done", res)

	live := sys.NewWorker(func(w *Worker, _ ...any) (any, error) {
		w.WaitEvent("finish")
		return "ok", nil
	}).Start()
	go func() {
		time.Sleep(50 * time.Millisecond)
		live.Fire("finish", nil)
	}()
	res, err = root.WaitThread(live)
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	assert.Zero(t, live.PendingLen())

	failing := sys.NewWorker(func(*Worker, ...any) (any, error) {
		return nil, errors.New("nope")
	}, WithTraceback(false)).Start()
	_, err = root.WaitThread(failing)
	assert.EqualError(t, err, "nope")
}

func TestWaitDispatchesByType(t *testing.T) {
	sys := newTestSystem(t)
	root := sys.Root()

	done := sys.NewWorker(returnValue(5)).Start()
	v, err := root.Wait(done)
	require.NoError(t, err)
	assert.Equal(t, 5, v)

	start := time.Now()
	_, err = root.Wait(30 * time.Millisecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	root.Fire("note", "hi")
	v, err = root.Wait("note")
	require.NoError(t, err)
	assert.Equal(t, "hi", v)

	_, err = root.Wait(struct{}{})
	assert.Error(t, err)
}

func TestWaitFor(t *testing.T) {
	sys := newTestSystem(t)
	root := sys.Root()

	root.Fire("n", 3)
	n, ok := WaitFor[int](root, "n", WithTimeout(time.Second))
	require.True(t, ok)
	assert.Equal(t, 3, n)

	root.Fire("n", "three")
	_, ok = WaitFor[int](root, "n", WithTimeout(time.Second))
	assert.False(t, ok)
}

func TestUpdate(t *testing.T) {
	sys := newTestSystem(t)
	root := sys.Root()

	var count int
	root.Listen("tick", func(*Event) error {
		count++
		return nil
	})
	root.Fire("tick", nil).Fire("tick", nil).Fire("tick", nil)
	root.Update()
	assert.Equal(t, 3, count)
}

// ============== root ==============

func TestRootSuppressesStop(t *testing.T) {
	sys := newTestSystem(t)
	root := sys.Root()

	child := sys.NewWorker(nil).Start()
	root.Stop()

	assert.NotPanics(t, func() {
		root.WaitTimeout(100 * time.Millisecond)
	})
	assert.False(t, child.IsRunning())
	assert.True(t, root.IsRunning())
}

func TestRootExitStopsChildren(t *testing.T) {
	sys := newTestSystem(t)

	child := sys.NewWorker(nil).Start()
	sys.Root().Exit()
	assert.False(t, child.IsRunning())
}

// ============== 延迟执行 ==============

func TestLaterRunsOnOrigin(t *testing.T) {
	sys := newTestSystem(t)

	ran := make(chan int64, 1)
	timers := make(chan *Worker, 1)
	w := sys.NewWorker(func(w *Worker, _ ...any) (any, error) {
		timers <- w.Later(30*time.Millisecond, func(args ...any) error {
			ran <- goid.Get() + int64(args[0].(int))
			return nil
		}, 0)
		w.WaitTimeout(200 * time.Millisecond)
		return goid.Get(), nil
	}).Start()

	timer := <-timers
	assert.Same(t, w, timer.Parent())
	assert.True(t, timer.IsDaemon())

	w.Join()
	select {
	case id := <-ran:
		assert.Equal(t, w.Result(), id)
	default:
		t.Fatal("delayed call did not run")
	}
}

// ============== 计数器场景 ==============

func TestCounterPauseResume(t *testing.T) {
	if testing.Short() {
		t.Skip("timing scenario")
	}
	sys := newTestSystem(t)

	const tick = 200 * time.Millisecond
	var count atomic.Int64

	w := sys.NewWorker(func(w *Worker, _ ...any) (any, error) {
		w.Listen("reset", func(e *Event) error {
			count.Store(int64(e.Data().(int)))
			return nil
		})
		for {
			w.WaitTimeout(tick)
			count.Add(1)
		}
	}).Start()
	defer func() { w.Stop().Join() }()

	time.Sleep(tick*5 + tick/2)
	assert.EqualValues(t, 5, count.Load())

	w.Pause()
	time.Sleep(tick * 2)
	assert.EqualValues(t, 5, count.Load())

	w.Fire("reset", 0)
	w.Resume()
	time.Sleep(tick / 2)
	assert.EqualValues(t, 1, count.Load())

	time.Sleep(tick * 4)
	assert.EqualValues(t, 5, count.Load())
}

// ============== 统计与关闭 ==============

func TestSystemStats(t *testing.T) {
	sys := newTestSystem(t)

	sys.NewWorker(returnValue(nil)).Start().Join()
	sys.NewWorker(returnValue(nil)).Start().Join()

	st := sys.Stats()
	assert.EqualValues(t, 2, st.WorkersStarted)
	assert.Zero(t, st.WorkersRunning)
	assert.Positive(t, st.EventsFired)
}

func TestShutdown(t *testing.T) {
	sys := newTestSystem(t)

	child := sys.NewWorker(nil).Start()
	daemon := sys.NewWorker(nil, WithDaemon(true)).Start()

	require.NoError(t, sys.Shutdown())
	assert.False(t, child.IsRunning())
	assert.Eventually(t, func() bool { return !daemon.IsRunning() }, time.Second, 10*time.Millisecond)
	assert.False(t, sys.Root().IsRunning())

	_, ok := sys.Lookup()
	assert.False(t, ok)
	assert.NoError(t, sys.Shutdown())
}

func TestShutdownTimeout(t *testing.T) {
	sys := newTestSystem(t)

	stuck := sys.NewWorker(func(w *Worker, _ ...any) (any, error) {
		w.Listen(StopThread, func(*Event) error {
			time.Sleep(300 * time.Millisecond)
			return nil
		})
		w.WaitForever()
		return nil, nil
	}).Start()
	// 确保监听器已注册
	require.Eventually(t, func() bool { return stuck.ListenerCount(StopThread) > 1 }, time.Second, 5*time.Millisecond)

	err := sys.ShutdownWithTimeout(20 * time.Millisecond)
	require.Error(t, err)
	assert.True(t, IsContextError(err))
	stuck.Join()
}

func TestSelf(t *testing.T) {
	sys := newTestSystem(t)

	self, err := sys.Self()
	require.NoError(t, err)
	assert.Same(t, sys.Root(), self)

	w := sys.NewWorker(func(w *Worker, _ ...any) (any, error) {
		return sys.Self()
	}).Start().Join()
	assert.Same(t, w, w.Result())

	errc := make(chan error, 1)
	go func() {
		_, err := sys.Self()
		errc <- err
	}()
	err = <-errc
	assert.ErrorIs(t, err, ErrUntracked)
}
