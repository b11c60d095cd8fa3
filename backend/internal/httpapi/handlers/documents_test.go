package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/delta"
	"collabSync/backend/internal/store"
)

type fakeRooms map[string][]collab.User

func (f fakeRooms) Roster(ctx context.Context, docID string) ([]collab.User, error) {
	return f[docID], nil
}

// fakeAuth 模拟鉴权中间件写入的身份
func fakeAuth(userID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("userId", userID)
		c.Set("username", "alice")
		c.Next()
	}
}

func newTestRouter(t *testing.T, userID string) (*gin.Engine, *store.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := store.NewMemoryStore()
	rooms := fakeRooms{"doc-1": {{ID: "1", Username: "alice"}, {ID: "2", Username: "bob"}}}
	r := gin.New()
	Register(r, NewDocumentHandler(st, rooms, st), func(c *gin.Context) { c.Status(http.StatusTeapot) }, fakeAuth(userID))
	return r, st
}

func do(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestGetDocument(t *testing.T) {
	r, st := newTestRouter(t, "1")
	content := delta.Delta{}.Insert("Hello", map[string]any{"bold": true}).Insert("\n", nil)
	if err := st.Overwrite(context.Background(), "doc-1", content); err != nil {
		t.Fatal(err)
	}

	w := do(r, http.MethodGet, "/collab/documents/doc-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		DocID   string        `json:"docId"`
		Content delta.Delta   `json:"content"`
		Members []collab.User `json:"members"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	if !delta.Equal(resp.Content, content) {
		t.Fatalf("content = %v, want %v", resp.Content, content)
	}
	if len(resp.Members) != 2 || resp.Members[0].Username != "alice" {
		t.Fatalf("members = %v", resp.Members)
	}

	// 没保存过的文档返回空文档
	w = do(r, http.MethodGet, "/collab/documents/fresh", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"members":[]`) || !strings.Contains(w.Body.String(), `{"insert":"\n"}`) {
		t.Fatalf("fresh document body = %s", w.Body.String())
	}
}

func TestGetPresence(t *testing.T) {
	r, _ := newTestRouter(t, "1")
	w := do(r, http.MethodGet, "/collab/presence/doc-1", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"username":"bob"`) {
		t.Fatalf("presence = %d %s", w.Code, w.Body.String())
	}
}

func TestCreateDocument(t *testing.T) {
	r, st := newTestRouter(t, "1")
	w := do(r, http.MethodPost, "/collab/documents", `{"title":"Notes"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		DocID   string `json:"docId"`
		OwnerID uint64 `json:"ownerId"`
		Title   string `json:"title"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.DocID == "" || resp.OwnerID != 1 || resp.Title != "Notes" {
		t.Fatalf("create response = %+v", resp)
	}
	if err := st.Create(context.Background(), resp.DocID, 1, ""); err == nil {
		t.Fatalf("document %s was not registered", resp.DocID)
	}

	r, _ = newTestRouter(t, "not-a-number")
	if w := do(r, http.MethodPost, "/collab/documents", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad owner status = %d", w.Code)
	}
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	deny := func(c *gin.Context) { c.AbortWithStatus(http.StatusUnauthorized) }
	Register(r, NewDocumentHandler(store.NewMemoryStore(), fakeRooms{}, nil), func(c *gin.Context) {}, deny)

	if w := do(r, http.MethodGet, "/collab/healthz", ""); w.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/collab/presence/doc-1", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("presence without auth status = %d", w.Code)
	}
}

func TestClientConfig(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/collab/client-config", ClientConfig(ClientSettings{
		CursorDebounce: 50 * time.Millisecond,
		CursorTimeout:  2 * time.Second,
		SaveInterval:   3 * time.Second,
	}))
	w := do(r, http.MethodGet, "/collab/client-config", "")
	want := `{"cursorDebounceMs":50,"cursorTimeoutMs":2000,"saveIntervalMs":3000}`
	if w.Code != http.StatusOK || w.Body.String() != want {
		t.Fatalf("client config = %d %s, want %s", w.Code, w.Body.String(), want)
	}
}
