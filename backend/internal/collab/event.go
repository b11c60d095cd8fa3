package collab

import "collabSync/backend/internal/delta"

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Range 是光标/选区，按 rune 计
type Range struct {
	Index  int `json:"index"`
	Length int `json:"length"`
}

// 下发给客户端的事件类型，同时也是 ws 消息的 type 字段
const (
	EventRosterSnapshot = "roster-snapshot"
	EventUserJoined     = "user-joined"
	EventUserLeft       = "user-left"
	EventContentChanged = "content-changed"
	EventCursorUpdated  = "cursor-updated"
	EventDocumentLoaded = "document-loaded"
	EventSaveAck        = "save-ack"
	EventSaveFailed     = "save-failed"
	EventError          = "error"
)

// Event is something delivered to one connection.
type Event interface {
	EventType() string
}

type RosterSnapshot struct {
	DocID   string
	Members []User
}

type UserJoined struct {
	DocID string
	User  User
}

type UserLeft struct {
	DocID  string
	UserID string
}

type ContentChanged struct {
	DocID  string
	UserID string
	Delta  delta.Delta
}

// CursorUpdated carries a nil Range when the sender's editor lost focus.
type CursorUpdated struct {
	DocID string
	User  User
	Range *Range
}

type DocumentLoaded struct {
	DocID   string
	Content delta.Delta
}

type SaveAck struct {
	DocID string
}

type SaveFailed struct {
	DocID      string
	Error      string
	Attempts   int
	Persistent bool
}

type ErrorEvent struct {
	DocID   string
	Code    string
	Message string
}

func (RosterSnapshot) EventType() string { return EventRosterSnapshot }
func (UserJoined) EventType() string     { return EventUserJoined }
func (UserLeft) EventType() string       { return EventUserLeft }
func (ContentChanged) EventType() string { return EventContentChanged }
func (CursorUpdated) EventType() string  { return EventCursorUpdated }
func (DocumentLoaded) EventType() string { return EventDocumentLoaded }
func (SaveAck) EventType() string        { return EventSaveAck }
func (SaveFailed) EventType() string     { return EventSaveFailed }
func (ErrorEvent) EventType() string     { return EventError }

// EmptyDocument is what a joiner gets when nothing has been stored yet.
func EmptyDocument() delta.Delta {
	return delta.Delta{}.Insert("\n", nil)
}
