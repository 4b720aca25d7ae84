package notify

import (
	"sync"

	"github.com/google/uuid"
)

// Transport 是状态事件的发布通道抽象，便于在测试中注入假实现。
type Transport interface {
	Publish(event Event)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(Event)

// Publish makes TransportFunc satisfy Transport.
func (f TransportFunc) Publish(event Event) {
	f(event)
}

// Broadcaster 是进程内的发布/订阅通道：把事件扇出到所有订阅者，并保留
// 最近一条事件，供晚到的订阅者补收。
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[string]chan Event
	last        *Event
}

// NewBroadcaster 构造空的 Broadcaster。
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]chan Event),
	}
}

// Publish 把事件投递给全部订阅者。订阅者通道已满时丢弃该订阅者的这条
// 消息：通知是尽力而为，不能阻塞发布方。
func (b *Broadcaster) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.last = &event
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe 注册一个订阅者并立即补发最近一条事件（若有）。
func (b *Broadcaster) Subscribe() (string, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan Event, 16)
	b.subscribers[id] = ch
	if b.last != nil {
		ch <- *b.last
	}
	return id, ch
}

// Unsubscribe 注销订阅者并关闭其通道。
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(ch)
	}
}
