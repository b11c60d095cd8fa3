package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20
	submitTimeout  = 5 * time.Second
)

// Submitter 是 Conn 需要的协调器能力
type Submitter interface {
	Submit(ctx context.Context, cmd collab.Command) error
}

type Conn struct {
	id   string
	ws   *websocket.Conn
	hub  *Hub
	svc  Submitter
	user collab.User
	// authenticated 为 false 时（未开鉴权）信任 join 消息里的用户
	authenticated bool

	// 出站队列，FIFO；满了直接断开连接
	send   chan ServerMessage
	closed chan struct{}
	once   sync.Once

	// 光标消息限流，超出的直接丢
	cursorLimit *rate.Limiter
}

func NewConn(id string, ws *websocket.Conn, hub *Hub, svc Submitter, user collab.User, authenticated bool, opt Options) *Conn {
	return &Conn{
		id:            id,
		ws:            ws,
		hub:           hub,
		svc:           svc,
		user:          user,
		authenticated: authenticated,
		send:          make(chan ServerMessage, opt.SendQueueSize),
		closed:        make(chan struct{}),
		cursorLimit:   rate.NewLimiter(rate.Limit(opt.CursorRate), opt.CursorBurst),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) enqueue(msg ServerMessage) {
	select {
	case <-c.closed:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
		metrics.SendOverflow.Inc()
		log.Printf("send queue full, closing conn=%s user=%s", c.id, c.user.ID)
		c.close()
	}
}

// close 关掉底层连接，readLoop 随之退出并走 disconnect 流程
func (c *Conn) close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

func (c *Conn) replyError(docID string, err error) {
	c.enqueue(ServerMessage{Type: collab.EventError, DocID: docID, Code: collab.ErrorCode(err), Error: err.Error()})
}

func (c *Conn) readLoop() {
	defer func() {
		c.close()
		c.hub.unregister(c)
		ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
		defer cancel()
		if err := c.svc.Submit(ctx, collab.DisconnectCommand{ConnID: c.id}); err != nil {
			log.Printf("disconnect conn=%s: %v", c.id, err)
		}
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("read error (user=%s, conn=%s): %v", c.user.ID, c.id, err)
			}
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("malformed message (user=%s, conn=%s): %v", c.user.ID, c.id, err)
			metrics.Rejected.WithLabelValues("protocol").Inc()
			c.replyError("", fmt.Errorf("%w: %v", collab.ErrProtocol, err))
			continue
		}
		c.handle(msg)
	}
}

func (c *Conn) handle(msg ClientMessage) {
	if msg.Type == TypeCursor && !c.cursorLimit.Allow() {
		metrics.CursorsThrottled.Inc()
		return
	}
	if c.authenticated && msg.Type == TypeJoin {
		// join 的身份以 token 为准
		if msg.User != nil && msg.User.ID != "" && msg.User.ID != c.user.ID {
			c.replyError(msg.DocID, fmt.Errorf("%w: join as %s with a token for %s", collab.ErrValidation, msg.User.ID, c.user.ID))
			return
		}
		u := c.user
		if u.Username == "" && msg.User != nil {
			u.Username = msg.User.Username
		}
		msg.User = &u
	}

	cmd, err := msg.Command(c.id)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
		err = c.svc.Submit(ctx, cmd)
		cancel()
	}
	if err != nil {
		c.replyError(msg.DocID, err)
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.close()
				return
			}
		case <-c.closed:
			return
		}
	}
}
