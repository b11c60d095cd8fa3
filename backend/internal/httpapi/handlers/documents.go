package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/store"
)

// RosterReader 查询某文档当前的在线成员
type RosterReader interface {
	Roster(ctx context.Context, docID string) ([]collab.User, error)
}

type DocumentCreator interface {
	Create(ctx context.Context, docID string, ownerID uint64, title string) error
}

type DocumentHandler struct {
	store   collab.DocumentStore
	rooms   RosterReader
	creator DocumentCreator // 可以为 nil
}

func NewDocumentHandler(store collab.DocumentStore, rooms RosterReader, creator DocumentCreator) *DocumentHandler {
	return &DocumentHandler{store: store, rooms: rooms, creator: creator}
}

type createDocumentReq struct {
	Title string `json:"title"`
}

func (h *DocumentHandler) CreateDocument(c *gin.Context) {
	if h.creator == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "document creation is not supported by this store"})
		return
	}
	//从gin.Context获取用户信息；gin.Context对每个用户天然隔离
	userID := c.GetString("userId")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User context missing"})
		return
	}
	ownerID, err := strconv.ParseUint(userID, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user ID format"})
		return
	}
	var req createDocumentReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Title == "" {
		req.Title = "Untitled Document"
	}

	docID := uuid.NewString()
	if err := h.creator.Create(c.Request.Context(), docID, ownerID, req.Title); err != nil {
		if errors.Is(err, store.ErrDocumentExists) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		log.Printf("create document owner=%d: %v", ownerID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create document failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"docId": docID, "ownerId": ownerID, "title": req.Title, "createdAt": time.Now().Format(time.RFC3339)})
}

// GetDocument 返回已保存的快照和当前在线成员。
// 没保存过的文档返回空文档，和 join 时一致。
func (h *DocumentHandler) GetDocument(c *gin.Context) {
	docID := c.Param("docId")
	if docID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Document ID missing"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	content, err := h.store.Load(ctx, docID)
	switch {
	case errors.Is(err, collab.ErrNotFound):
		content = collab.EmptyDocument()
	case err != nil:
		log.Printf("load document doc=%s: %v", docID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load document failed"})
		return
	}
	members, err := h.rooms.Roster(ctx, docID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "content": content, "members": nonNil(members)})
}

func (h *DocumentHandler) GetPresence(c *gin.Context) {
	docID := c.Param("docId")
	members, err := h.rooms.Roster(c.Request.Context(), docID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": docID, "members": nonNil(members)})
}

func nonNil(users []collab.User) []collab.User {
	if users == nil {
		return []collab.User{}
	}
	return users
}

func Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
