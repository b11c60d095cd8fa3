package collab

import (
	"context"
	"time"

	"collabSync/backend/internal/delta"
)

// Sink 把事件投递到某个连接。实现必须并发安全且不能阻塞：
// 协调循环和保存 worker 都会调用它。
type Sink interface {
	Deliver(connID string, evt Event)
}

type SinkFunc func(connID string, evt Event)

func (f SinkFunc) Deliver(connID string, evt Event) { f(connID, evt) }

// DocumentStore loads and overwrites whole-document snapshots.
// Load returns an error wrapping ErrNotFound when nothing is stored.
type DocumentStore interface {
	Load(ctx context.Context, docID string) (delta.Delta, error)
	Overwrite(ctx context.Context, docID string, content delta.Delta) error
}

const (
	DocEventSaved      = "DOC_SAVED"
	DocEventUserJoined = "USER_JOINED"
	DocEventUserLeft   = "USER_LEFT"
)

// DocEvent goes to downstream consumers (search indexing, activity feeds).
type DocEvent struct {
	EventType  string    `json:"eventType"`
	EventID    string    `json:"eventId"`
	DocID      string    `json:"docId"`
	UserID     string    `json:"userId"`
	Username   string    `json:"username,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// EventPublisher must not block the caller.
type EventPublisher interface {
	Publish(evt DocEvent)
}

// ReliablePublisher 额外支持等待入队，保存成功事件优先走它
type ReliablePublisher interface {
	EventPublisher
	Enqueue(ctx context.Context, evt DocEvent) error
}

// PresenceMirror 把花名册同步到外部（Redis），供其他服务查询在线用户。不能阻塞。
type PresenceMirror interface {
	MemberJoined(docID string, u User)
	MemberLeft(docID, userID string)
	CursorMoved(docID string, u User, r *Range)
	Refresh(docID string, members []User)
}

type SaveQueue interface {
	Submit(job SaveJob)
	Forget(connID string)
}

type noopPublisher struct{}

func (noopPublisher) Publish(DocEvent) {}

type noopPresence struct{}

func (noopPresence) MemberJoined(string, User)        {}
func (noopPresence) MemberLeft(string, string)        {}
func (noopPresence) CursorMoved(string, User, *Range) {}
func (noopPresence) Refresh(string, []User)           {}
