package worker

import (
	"sync"

	"github.com/lwmacct/251215-go-pkg-worker/internal/goid"
)

// Registry 上下文注册表
//
// 记录每个 goroutine 上正在执行的 Worker 栈：普通启动为新 goroutine 建立条目，
// overlay 启动压在调用方 goroutine 已有的栈上。栈顶即该 goroutine 的"当前 Worker"。
// 某个 goroutine 的栈为空当且仅当它不再被跟踪。
//
// Thread Safety: 所有操作由同一把锁保护。
type Registry struct {
	mu     sync.Mutex
	stacks map[int64][]*Worker
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{stacks: make(map[int64][]*Worker)}
}

// Push 将 w 压入 goroutine gid 的栈
func (r *Registry) Push(gid int64, w *Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stacks[gid] = append(r.stacks[gid], w)
}

// Remove 从 goroutine gid 的栈中移除 w（正常情况下就是栈顶）
func (r *Registry) Remove(gid int64, w *Worker) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	stack := r.stacks[gid]
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] != w {
			continue
		}
		if len(stack) == 1 {
			delete(r.stacks, gid)
		} else {
			r.stacks[gid] = append(stack[:i:i], stack[i+1:]...)
		}
		return true
	}
	return false
}

// Lookup 返回 goroutine gid 的栈顶 Worker
func (r *Registry) Lookup(gid int64) (*Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stack := r.stacks[gid]
	if len(stack) == 0 {
		return nil, false
	}
	return stack[len(stack)-1], true
}

// Current 返回调用方 goroutine 的当前 Worker
func (r *Registry) Current() (*Worker, bool) {
	return r.Lookup(goid.Get())
}

// Depth 返回 goroutine gid 上叠加的 Worker 数量
func (r *Registry) Depth(gid int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stacks[gid])
}

// Len 返回被跟踪的 goroutine 数量
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stacks)
}
