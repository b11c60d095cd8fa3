package ws

import (
	"fmt"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/delta"
)

// 客户端 -> 服务端
const (
	TypeJoin   = "join"
	TypeLeave  = "leave"
	TypeDelta  = "delta"
	TypeCursor = "cursor"
	TypeSave   = "save"
)

type ClientMessage struct {
	Type  string       `json:"type"`
	DocID string       `json:"docId"`
	User  *collab.User `json:"user,omitempty"`
	Delta delta.Delta  `json:"delta,omitempty"`
	// cursor 消息里 range 缺省或为 null 表示失焦
	Range   *collab.Range `json:"range,omitempty"`
	Content delta.Delta   `json:"content,omitempty"`
}

type ServerMessage struct {
	Type       string        `json:"type"`
	DocID      string        `json:"docId,omitempty"`
	User       *collab.User  `json:"user,omitempty"`
	UserID     string        `json:"userId,omitempty"`
	Members    []collab.User `json:"members,omitempty"`
	Delta      delta.Delta   `json:"delta,omitempty"`
	Range      *collab.Range `json:"range,omitempty"`
	Content    delta.Delta   `json:"content,omitempty"`
	Code       string        `json:"code,omitempty"`
	Error      string        `json:"error,omitempty"`
	Attempts   int           `json:"attempts,omitempty"`
	Persistent bool          `json:"persistent,omitempty"`
}

// EncodeEvent 把协调器事件转成下行消息
func EncodeEvent(evt collab.Event) ServerMessage {
	msg := ServerMessage{Type: evt.EventType()}
	switch e := evt.(type) {
	case collab.RosterSnapshot:
		msg.DocID, msg.Members = e.DocID, e.Members
	case collab.UserJoined:
		u := e.User
		msg.DocID, msg.User = e.DocID, &u
	case collab.UserLeft:
		msg.DocID, msg.UserID = e.DocID, e.UserID
	case collab.ContentChanged:
		msg.DocID, msg.UserID, msg.Delta = e.DocID, e.UserID, e.Delta
	case collab.CursorUpdated:
		u := e.User
		msg.DocID, msg.User, msg.Range = e.DocID, &u, e.Range
	case collab.DocumentLoaded:
		msg.DocID, msg.Content = e.DocID, e.Content
	case collab.SaveAck:
		msg.DocID = e.DocID
	case collab.SaveFailed:
		msg.DocID, msg.Error, msg.Attempts, msg.Persistent = e.DocID, e.Error, e.Attempts, e.Persistent
	case collab.ErrorEvent:
		msg.DocID, msg.Code, msg.Error = e.DocID, e.Code, e.Message
	}
	return msg
}

// DecodeEvent 是 EncodeEvent 的逆过程，给 Go 客户端用
func DecodeEvent(msg ServerMessage) (collab.Event, error) {
	user := func() collab.User {
		if msg.User == nil {
			return collab.User{}
		}
		return *msg.User
	}
	switch msg.Type {
	case collab.EventRosterSnapshot:
		return collab.RosterSnapshot{DocID: msg.DocID, Members: msg.Members}, nil
	case collab.EventUserJoined:
		return collab.UserJoined{DocID: msg.DocID, User: user()}, nil
	case collab.EventUserLeft:
		return collab.UserLeft{DocID: msg.DocID, UserID: msg.UserID}, nil
	case collab.EventContentChanged:
		return collab.ContentChanged{DocID: msg.DocID, UserID: msg.UserID, Delta: msg.Delta}, nil
	case collab.EventCursorUpdated:
		return collab.CursorUpdated{DocID: msg.DocID, User: user(), Range: msg.Range}, nil
	case collab.EventDocumentLoaded:
		return collab.DocumentLoaded{DocID: msg.DocID, Content: msg.Content}, nil
	case collab.EventSaveAck:
		return collab.SaveAck{DocID: msg.DocID}, nil
	case collab.EventSaveFailed:
		return collab.SaveFailed{DocID: msg.DocID, Error: msg.Error, Attempts: msg.Attempts, Persistent: msg.Persistent}, nil
	case collab.EventError:
		return collab.ErrorEvent{DocID: msg.DocID, Code: msg.Code, Message: msg.Error}, nil
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", collab.ErrProtocol, msg.Type)
	}
}

// Command 把上行消息转成协调器指令，connID 由所在连接提供
func (m ClientMessage) Command(connID string) (collab.Command, error) {
	var u collab.User
	if m.User != nil {
		u = *m.User
	}
	switch m.Type {
	case TypeJoin:
		return collab.JoinCommand{DocID: m.DocID, User: u, ConnID: connID}, nil
	case TypeLeave:
		return collab.LeaveCommand{DocID: m.DocID, User: u, ConnID: connID}, nil
	case TypeDelta:
		return collab.DeltaCommand{DocID: m.DocID, ConnID: connID, Delta: m.Delta}, nil
	case TypeCursor:
		return collab.CursorCommand{DocID: m.DocID, ConnID: connID, User: u, Range: m.Range}, nil
	case TypeSave:
		return collab.SaveCommand{DocID: m.DocID, ConnID: connID, Content: m.Content}, nil
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", collab.ErrProtocol, m.Type)
	}
}
