package editor

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/delta"
	"collabSync/backend/internal/ws"
)

const clientWriteWait = 10 * time.Second

// Session 是一个 Go 写的协作客户端：一条 websocket 连接 + 一个 Adapter。
type Session struct {
	conn   *websocket.Conn
	wmu    sync.Mutex
	self   collab.User
	docID  string
	Editor *Adapter

	done      chan struct{}
	closeOnce sync.Once
}

// Dial 连上 /collab/ws 并加入 opt.DocID。token 放在 Authorization 头里。
func Dial(ctx context.Context, url, token string, opt Options) (*Session, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	s := &Session{conn: conn, self: opt.Self, docID: opt.DocID, done: make(chan struct{})}
	s.Editor = NewAdapter(s, opt)
	go s.readLoop()

	if err := s.Join(opt.DocID); err != nil {
		s.Close()
		return nil, err
	}
	s.Editor.Start()
	return s, nil
}

func (s *Session) send(msg ws.ClientMessage) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
	return s.conn.WriteJSON(msg)
}

func (s *Session) EmitDelta(docID string, d delta.Delta) error {
	return s.send(ws.ClientMessage{Type: ws.TypeDelta, DocID: docID, Delta: d})
}

func (s *Session) EmitCursor(docID string, r *collab.Range) error {
	u := s.self
	return s.send(ws.ClientMessage{Type: ws.TypeCursor, DocID: docID, User: &u, Range: r})
}

func (s *Session) EmitSave(docID string, content delta.Delta) error {
	return s.send(ws.ClientMessage{Type: ws.TypeSave, DocID: docID, Content: content})
}

// Join 发 join，服务端回快照和花名册
func (s *Session) Join(docID string) error {
	u := s.self
	return s.send(ws.ClientMessage{Type: ws.TypeJoin, DocID: docID, User: &u})
}

func (s *Session) Leave(docID string) error {
	u := s.self
	return s.send(ws.ClientMessage{Type: ws.TypeLeave, DocID: docID, User: &u})
}

func (s *Session) readLoop() {
	defer close(s.done)
	defer s.Editor.Close()
	for {
		var msg ws.ServerMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[editor] read error (user=%s): %v", s.self.ID, err)
			}
			return
		}
		evt, err := ws.DecodeEvent(msg)
		if err != nil {
			log.Printf("[editor] ignore message: %v", err)
			continue
		}
		s.Editor.Handle(evt)
	}
}

// Done 在连接断开、Adapter 已清理后关闭
func (s *Session) Done() <-chan struct{} { return s.done }

// Close 发 leave 后关闭连接，可以重复调用
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		_ = s.Leave(s.docID)
		s.wmu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.wmu.Unlock()
		_ = s.conn.Close()
	})
	<-s.done
}
