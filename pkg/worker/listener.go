package worker

import (
	"slices"
	"sort"
	"sync"
	"sync/atomic"
)

// Callback 监听器回调
//
// 返回的错误和 panic 都会被单独捕获，转换为冒泡的 LISTENER_ERROR 事件，
// 不会中断同一轮分发中的其他监听器。
type Callback func(e *Event) error

// Listener 已注册的监听器
//
// Listen 返回的 *Listener 即为注销用的句柄。
type Listener struct {
	callback  Callback
	eventName string
	target    *Worker
	priority  int
	removed   atomic.Bool
}

// EventName 监听的事件名称
func (l *Listener) EventName() string { return l.eventName }

// Priority 优先级，数值越大越先执行
func (l *Listener) Priority() int { return l.priority }

// Target 过滤用的 target，nil 表示不过滤
func (l *Listener) Target() *Worker { return l.target }

// matches 判断事件是否应交给此监听器
func (l *Listener) matches(e *Event) bool {
	return l.target == nil || l.target == e.Target()
}

// ListenOption 监听选项
type ListenOption func(*Listener)

// WithPriority 设置优先级
func WithPriority(p int) ListenOption {
	return func(l *Listener) { l.priority = p }
}

// ForTarget 只处理 target 为 w 的事件
func ForTarget(w *Worker) ListenOption {
	return func(l *Listener) { l.target = w }
}

// listenerTable 按事件名索引的监听器表
//
// 同名监听器按优先级非递增排列，同优先级保持注册顺序。
// 修改总是生成新切片，分发时拿到的快照不受影响。
type listenerTable struct {
	mu     sync.RWMutex
	byName map[string][]*Listener
}

func newListenerTable() *listenerTable {
	return &listenerTable{byName: make(map[string][]*Listener)}
}

func (t *listenerTable) add(l *Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()

	list := t.byName[l.eventName]
	// 插在第一个优先级严格更低的监听器之前
	i := sort.Search(len(list), func(i int) bool {
		return list[i].priority < l.priority
	})
	t.byName[l.eventName] = slices.Insert(slices.Clip(list), i, l)
}

func (t *listenerTable) remove(l *Listener) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	list := t.byName[l.eventName]
	i := slices.Index(list, l)
	if i < 0 {
		return false
	}
	l.removed.Store(true)

	if len(list) == 1 {
		delete(t.byName, l.eventName)
		return true
	}
	t.byName[l.eventName] = slices.Delete(slices.Clone(list), i, i+1)
	return true
}

// snapshot 返回某事件当前的监听器副本
func (t *listenerTable) snapshot(name string) []*Listener {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.byName[name])
}

func (t *listenerTable) count(name string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byName[name])
}
