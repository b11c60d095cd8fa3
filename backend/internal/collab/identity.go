package collab

import (
	"fmt"
	"sort"
)

type binding struct {
	user User
	docs map[string]struct{}
}

// IdentityMap 记录 connectionId <-> userId 的双向绑定，以及连接加入了哪些文档。
// 只在协调循环里使用，不加锁。
type IdentityMap struct {
	byConn map[string]*binding
	byUser map[string]map[string]struct{}
}

func NewIdentityMap() *IdentityMap {
	return &IdentityMap{
		byConn: make(map[string]*binding),
		byUser: make(map[string]map[string]struct{}),
	}
}

// Bind 绑定连接和用户。同一连接不能换成另一个用户。
func (m *IdentityMap) Bind(connID string, u User) error {
	if b, ok := m.byConn[connID]; ok {
		if b.user.ID != u.ID {
			return fmt.Errorf("%w: connection %s is bound to user %s", ErrValidation, connID, b.user.ID)
		}
		if u.Username != "" {
			b.user.Username = u.Username
		}
		return nil
	}
	m.byConn[connID] = &binding{user: u, docs: make(map[string]struct{})}
	conns := m.byUser[u.ID]
	if conns == nil {
		conns = make(map[string]struct{})
		m.byUser[u.ID] = conns
	}
	conns[connID] = struct{}{}
	return nil
}

func (m *IdentityMap) Lookup(connID string) (User, bool) {
	b, ok := m.byConn[connID]
	if !ok {
		return User{}, false
	}
	return b.user, true
}

func (m *IdentityMap) Attach(connID, docID string) {
	if b, ok := m.byConn[connID]; ok {
		b.docs[docID] = struct{}{}
	}
}

// Detach 返回连接剩余的文档数
func (m *IdentityMap) Detach(connID, docID string) int {
	b, ok := m.byConn[connID]
	if !ok {
		return 0
	}
	delete(b.docs, docID)
	return len(b.docs)
}

func (m *IdentityMap) Joined(connID, docID string) bool {
	b, ok := m.byConn[connID]
	if !ok {
		return false
	}
	_, in := b.docs[docID]
	return in
}

// Docs returns the documents a connection has joined, sorted.
func (m *IdentityMap) Docs(connID string) []string {
	b, ok := m.byConn[connID]
	if !ok {
		return nil
	}
	docs := make([]string, 0, len(b.docs))
	for d := range b.docs {
		docs = append(docs, d)
	}
	sort.Strings(docs)
	return docs
}

// Conns returns every connection bound to a user, sorted.
func (m *IdentityMap) Conns(userID string) []string {
	conns := make([]string, 0, len(m.byUser[userID]))
	for c := range m.byUser[userID] {
		conns = append(conns, c)
	}
	sort.Strings(conns)
	return conns
}

func (m *IdentityMap) Unbind(connID string) {
	b, ok := m.byConn[connID]
	if !ok {
		return
	}
	delete(m.byConn, connID)
	if conns := m.byUser[b.user.ID]; conns != nil {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(m.byUser, b.user.ID)
		}
	}
}

func (m *IdentityMap) Len() int { return len(m.byConn) }
