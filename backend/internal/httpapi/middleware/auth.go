package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrAuthUpstream    = errors.New("auth upstream error")
)

// Identity 是一次校验得到的用户身份，userId 统一成字符串
type Identity struct {
	UserID   string
	Username string
}

type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

type verifyErrResp struct {
	Error string `json:"error"`
}

type VerifyClaims struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username"`
	Type     string `json:"type"` // "access"
}

// RemoteVerifier 调 auth-service 的 /v1/auth/verify。
// baseURL 不要带路径，例如 http://localhost:3001
type RemoteVerifier struct {
	client    *http.Client
	verifyURL string
}

func NewRemoteVerifier(baseURL string) *RemoteVerifier {
	return &RemoteVerifier{
		client:    &http.Client{Timeout: 1200 * time.Millisecond},
		verifyURL: strings.TrimRight(baseURL, "/") + "/v1/auth/verify",
	}
}

func (v *RemoteVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, bytes.NewReader([]byte("{}")))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: build verify request: %v", ErrAuthUpstream, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		// 这里包含超时：context deadline exceeded
		return Identity{}, fmt.Errorf("%w: %v", ErrAuthUpstream, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		var e verifyErrResp
		_ = json.NewDecoder(resp.Body).Decode(&e) // 尽力解析错误信息
		if e.Error == "" {
			e.Error = "invalid token"
		}
		return Identity{}, fmt.Errorf("%w: %s", ErrUnauthenticated, e.Error)
	default:
		return Identity{}, fmt.Errorf("%w: verify returned %d", ErrAuthUpstream, resp.StatusCode)
	}

	var claims VerifyClaims
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return Identity{}, fmt.Errorf("%w: invalid verify response: %v", ErrAuthUpstream, err)
	}
	if claims.Type != "" && claims.Type != "access" {
		return Identity{}, fmt.Errorf("%w: access token required", ErrUnauthenticated)
	}
	return Identity{UserID: strconv.FormatUint(claims.UserID, 10), Username: claims.Username}, nil
}

// AuthMiddleware 校验 token，把 userId/username 写进 gin.Context
func AuthMiddleware(v Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractBearer(c.Request.Header.Get("Authorization"))
		if tokenString == "" {
			// 兼容 WebSocket：浏览器无法自定义 Header，允许从 query ?token= 中获取
			tokenString = strings.TrimSpace(c.Query("token"))
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 1200*time.Millisecond)
		defer cancel()
		id, err := v.Verify(ctx, tokenString)
		switch {
		case errors.Is(err, ErrUnauthenticated):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": err.Error()})
			return
		case err != nil:
			log.Printf("auth verify failed: %v", err)
			c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"code": "AUTH_UPSTREAM_ERROR", "message": "auth-service verify failed"})
			return
		}

		c.Set("userId", id.UserID)
		c.Set("username", id.Username)
		c.Next()
	}
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	// 处理 "Bearer" 前缀（大小写不敏感）
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
