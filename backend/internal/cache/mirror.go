package cache

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/metrics"
)

type mirrorOpKind int

const (
	opJoined mirrorOpKind = iota
	opLeft
	opCursor
	opRefresh
)

type mirrorOp struct {
	kind    mirrorOpKind
	docID   string
	user    collab.User
	rng     *collab.Range
	members []collab.User
}

// Mirror 实现 collab.PresenceMirror：协调循环只负责入队，
// 由单独的 goroutine 写 Redis，队列满了就丢。
type Mirror struct {
	cache   PresenceCache
	ttl     time.Duration
	timeout time.Duration

	ops  chan mirrorOp
	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func NewMirror(cache PresenceCache, ttl time.Duration, queueSize int) *Mirror {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	m := &Mirror{
		cache:   cache,
		ttl:     ttl,
		timeout: 2 * time.Second,
		ops:     make(chan mirrorOp, queueSize),
		quit:    make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

func (m *Mirror) MemberJoined(docID string, u collab.User) {
	m.push(mirrorOp{kind: opJoined, docID: docID, user: u})
}

func (m *Mirror) MemberLeft(docID, userID string) {
	m.push(mirrorOp{kind: opLeft, docID: docID, user: collab.User{ID: userID}})
}

func (m *Mirror) CursorMoved(docID string, u collab.User, r *collab.Range) {
	m.push(mirrorOp{kind: opCursor, docID: docID, user: u, rng: r})
}

func (m *Mirror) Refresh(docID string, members []collab.User) {
	m.push(mirrorOp{kind: opRefresh, docID: docID, members: members})
}

func (m *Mirror) push(op mirrorOp) {
	select {
	case <-m.quit:
		return
	default:
	}
	select {
	case m.ops <- op:
	default:
		metrics.EventsDropped.Inc()
	}
}

func (m *Mirror) run() {
	defer m.wg.Done()
	for {
		select {
		case op := <-m.ops:
			m.apply(op)
		case <-m.quit:
			return
		}
	}
}

func (m *Mirror) apply(op mirrorOp) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var err error
	switch op.kind {
	case opJoined:
		err = m.cache.AddMember(ctx, op.docID, op.user.ID, op.user.Username, m.ttl)
	case opLeft:
		err = m.cache.RemoveMember(ctx, op.docID, op.user.ID)
	case opCursor:
		var data []byte
		if op.rng != nil {
			data, err = json.Marshal(struct {
				User  collab.User  `json:"user"`
				Range collab.Range `json:"range"`
			}{op.user, *op.rng})
			if err != nil {
				break
			}
		}
		err = m.cache.SetCursor(ctx, op.docID, op.user.ID, data, m.ttl)
	case opRefresh:
		for _, u := range op.members {
			if err = m.cache.AddMember(ctx, op.docID, u.ID, u.Username, m.ttl); err != nil {
				break
			}
		}
	}
	if err != nil {
		log.Printf("presence mirror doc=%s user=%s: %v", op.docID, op.user.ID, err)
	}
}

// Close 停止写入，未处理的操作直接丢弃（TTL 会兜底）
func (m *Mirror) Close() {
	m.once.Do(func() { close(m.quit) })
	m.wg.Wait()
}
