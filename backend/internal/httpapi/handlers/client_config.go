package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// ClientSettings 是下发给编辑器页面的时间参数
type ClientSettings struct {
	CursorDebounce time.Duration
	CursorTimeout  time.Duration
	SaveInterval   time.Duration
}

// ClientConfig 以毫秒返回 ClientSettings
func ClientConfig(s ClientSettings) gin.HandlerFunc {
	body := gin.H{
		"cursorDebounceMs": s.CursorDebounce.Milliseconds(),
		"cursorTimeoutMs":  s.CursorTimeout.Milliseconds(),
		"saveIntervalMs":   s.SaveInterval.Milliseconds(),
	}
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, body)
	}
}
