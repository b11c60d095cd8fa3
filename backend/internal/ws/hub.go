package ws

import (
	"sync"

	"collabSync/backend/internal/collab"
)

// Hub 按 connectionId 索引所有在线连接，实现 collab.Sink。
// 房间成员关系由 Coordinator 维护，这里只负责投递。
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]*Conn)}
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.id] = c
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[c.id] == c {
		delete(h.conns, c.id)
	}
}

// Deliver 不阻塞：队列满的连接会被关闭
func (h *Hub) Deliver(connID string, evt collab.Event) {
	h.mu.RLock()
	c := h.conns[connID]
	h.mu.RUnlock()
	if c == nil {
		return
	}
	c.enqueue(EncodeEvent(evt))
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
