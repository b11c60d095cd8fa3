package collab

import "slices"

type member struct {
	user  User
	conns []string
}

// room 是一个文档的在线花名册，按加入顺序保存
type room struct {
	docID   string
	members []*member
}

func newRoom(docID string) *room {
	return &room{docID: docID}
}

func (r *room) find(userID string) (int, *member) {
	for i, m := range r.members {
		if m.user.ID == userID {
			return i, m
		}
	}
	return -1, nil
}

// add 返回 newUser=该用户第一次出现，newConn=这个连接第一次加入
func (r *room) add(u User, connID string) (newUser, newConn bool) {
	_, m := r.find(u.ID)
	if m == nil {
		r.members = append(r.members, &member{user: u, conns: []string{connID}})
		return true, true
	}
	if u.Username != "" {
		m.user.Username = u.Username
	}
	if slices.Contains(m.conns, connID) {
		return false, false
	}
	m.conns = append(m.conns, connID)
	return false, true
}

// remove 去掉一个连接；lastConn 表示该用户已经没有连接了，条目已删除
func (r *room) remove(connID string) (u User, lastConn, ok bool) {
	for i, m := range r.members {
		j := slices.Index(m.conns, connID)
		if j < 0 {
			continue
		}
		m.conns = slices.Delete(m.conns, j, j+1)
		if len(m.conns) == 0 {
			r.members = slices.Delete(r.members, i, i+1)
			return m.user, true, true
		}
		return m.user, false, true
	}
	return User{}, false, false
}

func (r *room) has(connID string) bool {
	for _, m := range r.members {
		if slices.Contains(m.conns, connID) {
			return true
		}
	}
	return false
}

func (r *room) roster() []User {
	out := make([]User, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m.user)
	}
	return out
}

func (r *room) conns() []string {
	var out []string
	for _, m := range r.members {
		out = append(out, m.conns...)
	}
	return out
}

func (r *room) empty() bool { return len(r.members) == 0 }
