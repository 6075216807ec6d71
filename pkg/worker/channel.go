package worker

import (
	"runtime"
	"weak"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// Channel 发布/订阅通道
//
// 订阅者以弱引用保存：订阅本身不会让 Worker 保持存活，
// Worker 被回收后自动从通道中移除。
type Channel struct {
	sys     *System
	members cmap.ConcurrentMap[string, weak.Pointer[Worker]]
}

// NewChannel 创建通道
func (s *System) NewChannel() *Channel {
	return &Channel{
		sys:     s,
		members: cmap.New[weak.Pointer[Worker]](),
	}
}

// Subscribe 订阅通道，w 为 nil 时订阅调用方的当前 Worker
func (c *Channel) Subscribe(w *Worker) *Channel {
	if w == nil {
		w = c.sys.Current()
	}
	if c.members.SetIfAbsent(w.ID(), weak.Make(w)) {
		runtime.AddCleanup(w, c.forget, w.ID())
	}
	return c
}

// Unsubscribe 取消订阅，w 为 nil 时取消调用方的当前 Worker
func (c *Channel) Unsubscribe(w *Worker) *Channel {
	if w == nil {
		w = c.sys.Current()
	}
	c.members.Remove(w.ID())
	return c
}

// Publish 向所有存活的订阅者触发事件，返回投递的订阅者数
//
// 投递与 Fire 相同：未运行的订阅者只会产生 EVENT_REJECT，不会报错。
func (c *Channel) Publish(name string, data any, opts ...EventOption) int {
	n := 0
	for item := range c.members.IterBuffered() {
		w := item.Val.Value()
		if w == nil {
			c.forget(item.Key)
			continue
		}
		w.Fire(name, data, opts...)
		n++
	}
	return n
}

// Len 返回存活订阅者数量
func (c *Channel) Len() int {
	n := 0
	for item := range c.members.IterBuffered() {
		if item.Val.Value() != nil {
			n++
		}
	}
	return n
}

// Has 是否已订阅
func (c *Channel) Has(w *Worker) bool {
	p, ok := c.members.Get(w.ID())
	return ok && p.Value() != nil
}

// forget 移除已被回收的订阅者，重新订阅的存活条目保持不变
func (c *Channel) forget(id string) {
	c.members.RemoveCb(id, func(_ string, p weak.Pointer[Worker], exists bool) bool {
		return exists && p.Value() == nil
	})
}
