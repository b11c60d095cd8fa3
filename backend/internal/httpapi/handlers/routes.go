package handlers

import (
	"github.com/gin-gonic/gin"
)

// Register 挂载 /collab 下的 HTTP 接口；auth 为 nil 时不鉴权
func Register(r *gin.Engine, h *DocumentHandler, wsConnect gin.HandlerFunc, auth gin.HandlerFunc) {
	g := r.Group("/collab")
	g.GET("/healthz", Healthz)

	protected := g.Group("")
	if auth != nil {
		protected.Use(auth)
	}
	protected.GET("/ws", wsConnect)
	protected.POST("/documents", h.CreateDocument)
	protected.GET("/documents/:docId", h.GetDocument)
	protected.GET("/presence/:docId", h.GetPresence)
}
