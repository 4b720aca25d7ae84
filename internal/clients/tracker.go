// Package clients 跟踪当前打开的浏览上下文。
//
// 客户端数量决定快照晋升是否安全；注册顺序保留的 URL 列表用于入口文档
// 推断。客户端通过控制路由注册/心跳，超过 TTL 未心跳的条目视为已关闭。
package clients

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Client 描述一个打开的浏览上下文。
type Client struct {
	ID     string    `json:"id"`
	URL    string    `json:"url"`
	SeenAt time.Time `json:"seen_at"`
}

// Tracker 维护客户端注册表；所有方法并发安全。
type Tracker struct {
	mu      sync.Mutex
	clients map[string]*Client
	ordered []string
	ttl     time.Duration
	now     func() time.Time
}

// NewTracker 构造 Tracker，ttl <= 0 时条目永不过期。
func NewTracker(ttl time.Duration) *Tracker {
	return &Tracker{
		clients: make(map[string]*Client),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Register 登记一个新客户端并返回其描述（含分配的 ID）。
func (t *Tracker) Register(url string) Client {
	t.mu.Lock()
	defer t.mu.Unlock()

	client := &Client{
		ID:     uuid.NewString(),
		URL:    url,
		SeenAt: t.now(),
	}
	t.clients[client.ID] = client
	t.ordered = append(t.ordered, client.ID)
	return *client
}

// Heartbeat 刷新客户端的存活时间与当前 URL；未知 ID 返回 false。
func (t *Tracker) Heartbeat(id, url string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	client, ok := t.clients[id]
	if !ok {
		return false
	}
	client.SeenAt = t.now()
	if url != "" {
		client.URL = url
	}
	return true
}

// Unregister 注销客户端；未知 ID 直接忽略。
func (t *Tracker) Unregister(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remove(id)
}

// Count 返回当前存活的客户端数量。
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune()
	return len(t.clients)
}

// List 按注册顺序返回存活客户端的副本。
func (t *Tracker) List() []Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune()

	result := make([]Client, 0, len(t.clients))
	for _, id := range t.ordered {
		if client, ok := t.clients[id]; ok {
			result = append(result, *client)
		}
	}
	return result
}

// prune 清除超过 TTL 未心跳的条目，调用方需持有锁。
func (t *Tracker) prune() {
	if t.ttl <= 0 {
		return
	}
	deadline := t.now().Add(-t.ttl)
	for id, client := range t.clients {
		if client.SeenAt.Before(deadline) {
			t.remove(id)
		}
	}
}

func (t *Tracker) remove(id string) {
	if _, ok := t.clients[id]; !ok {
		return
	}
	delete(t.clients, id)
	for i, existing := range t.ordered {
		if existing == id {
			t.ordered = append(t.ordered[:i], t.ordered[i+1:]...)
			break
		}
	}
}
