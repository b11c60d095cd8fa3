package ws

import (
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/metrics"
)

type Options struct {
	SendQueueSize int
	CursorRate    float64 // 每秒
	CursorBurst   int
	// 允许的 Origin（scheme://host[:port]），不写端口表示任意端口，"*" 表示全部
	AllowedOrigins []string
}

func (o *Options) defaults() {
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 256
	}
	if o.CursorRate <= 0 {
		o.CursorRate = 30
	}
	if o.CursorBurst <= 0 {
		o.CursorBurst = 10
	}
}

// 本地开发环境的来源总是允许（任意端口）
var localHosts = []string{"localhost", "127.0.0.1"}

type Manager struct {
	hub      *Hub
	svc      Submitter
	opt      Options
	upgrader websocket.Upgrader
}

func NewManager(hub *Hub, svc Submitter, opt Options) *Manager {
	opt.defaults()
	m := &Manager{hub: hub, svc: svc, opt: opt}
	m.upgrader = websocket.Upgrader{CheckOrigin: m.checkOrigin}
	return m
}

func (m *Manager) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if u.Scheme == "http" || u.Scheme == "https" {
		for _, h := range localHosts {
			if u.Hostname() == h {
				return true
			}
		}
	}
	for _, p := range m.opt.AllowedOrigins {
		if p == "*" {
			return true
		}
		if sameOrigin(p, u) {
			return true
		}
	}
	return false
}

// 按 scheme 和 host 整体比较，不做前缀匹配
func sameOrigin(allowed string, u *url.URL) bool {
	a, err := url.Parse(allowed)
	if err != nil || a.Host == "" || !strings.EqualFold(a.Scheme, u.Scheme) {
		return false
	}
	if a.Port() == "" {
		return strings.EqualFold(a.Hostname(), u.Hostname())
	}
	return strings.EqualFold(a.Host, u.Host)
}

// WebSocketConnect 升级连接，阻塞到连接关闭。
// 鉴权中间件写入的 userId/username 就是这条连接的身份。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetString("userId")
	username := c.GetString("username")

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}

	wsConn := NewConn(uuid.NewString(), conn, m.hub, m.svc,
		collab.User{ID: userID, Username: username}, userID != "", m.opt)
	m.hub.register(wsConn)
	metrics.ConnectionsActive.Inc()
	defer metrics.ConnectionsActive.Dec()

	// 先启动写循环，再进入读循环（阻塞至连接关闭）
	go wsConn.writeLoop()
	wsConn.readLoop()
}
