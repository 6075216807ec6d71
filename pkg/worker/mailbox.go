package worker

import (
	"sync"
	"time"
)

// mailbox Worker 邮箱
//
// 主队列是无界 FIFO，允许多个生产者并发 Enqueue，由 Worker 自己的 goroutine 单独消费。
// deferred 队列存放已分发但未匹配的事件，只供之后按 (name, target) 精确取出，
// 从不重新分发；它只由消费方访问。
type mailbox struct {
	mu     sync.Mutex
	queue  []*Event
	closed bool

	// notify 容量为 1，用于唤醒阻塞在 receive 上的消费方
	notify chan struct{}

	deferred []*Event
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

// Enqueue 投递事件，从不阻塞；邮箱关闭后返回 ErrMailboxClosed
func (m *mailbox) Enqueue(e *Event) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMailboxClosed
	}
	m.queue = append(m.queue, e)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue 非阻塞取出队首事件
func (m *mailbox) Dequeue() (*Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) == 0 {
		return nil, false
	}
	e := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	return e, true
}

// receive 阻塞取出队首事件，deadline 为零值表示无限等待
func (m *mailbox) receive(deadline time.Time) (*Event, bool) {
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		if e, ok := m.Dequeue(); ok {
			return e, true
		}
		if m.IsClosed() {
			return nil, false
		}
		select {
		case <-m.notify:
		case <-timeout:
			return nil, false
		}
	}
}

// Len 返回主队列长度快照
func (m *mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// IsEmpty 主队列是否为空
func (m *mailbox) IsEmpty() bool {
	return m.Len() == 0
}

// IsClosed 邮箱是否已关闭
func (m *mailbox) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Dispose 关闭邮箱并返回剩余事件，之后的 Enqueue 全部失败
func (m *mailbox) Dispose() []*Event {
	m.mu.Lock()
	rest := m.queue
	m.queue = nil
	m.closed = true
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return rest
}

// pushDeferred 追加到 deferred 队列
func (m *mailbox) pushDeferred(e *Event) {
	m.mu.Lock()
	m.deferred = append(m.deferred, e)
	m.mu.Unlock()
}

// takeDeferred 取出 deferred 队列中第一个匹配的事件，其余保持原样
func (m *mailbox) takeDeferred(match func(*Event) bool) (*Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, e := range m.deferred {
		if match(e) {
			m.deferred = append(m.deferred[:i:i], m.deferred[i+1:]...)
			return e, true
		}
	}
	return nil, false
}

// deferredLen deferred 队列长度
func (m *mailbox) deferredLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deferred)
}
