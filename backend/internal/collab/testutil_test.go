package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"collabSync/backend/internal/delta"
)

type recordSink struct {
	mu     sync.Mutex
	events map[string][]Event
}

func newRecordSink() *recordSink {
	return &recordSink{events: make(map[string][]Event)}
}

func (s *recordSink) Deliver(connID string, evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[connID] = append(s.events[connID], evt)
}

func (s *recordSink) of(connID string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events[connID]...)
}

func (s *recordSink) ofType(connID, typ string) []Event {
	var out []Event
	for _, e := range s.of(connID) {
		if e.EventType() == typ {
			out = append(out, e)
		}
	}
	return out
}

type memStore struct {
	mu       sync.Mutex
	docs     map[string]delta.Delta
	failures int   // 接下来多少次 Overwrite 失败
	loadErr  error // Load 固定返回的错误
	writes   []string
	gate     chan struct{} // 非 nil 时 Overwrite/Load 等它关闭
}

func newMemStore() *memStore {
	return &memStore{docs: make(map[string]delta.Delta)}
}

func (s *memStore) Load(ctx context.Context, docID string) (delta.Delta, error) {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	d, ok := s.docs[docID]
	if !ok {
		return nil, fmt.Errorf("doc %s: %w", docID, ErrNotFound)
	}
	return d, nil
}

func (s *memStore) Overwrite(ctx context.Context, docID string, content delta.Delta) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("connection reset")
	}
	s.docs[docID] = content
	s.writes = append(s.writes, content.PlainText())
	return nil
}

func (s *memStore) get(docID string) (delta.Delta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[docID]
	return d, ok
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type harness struct {
	coord *Coordinator
	sink  *recordSink
	store *memStore
	saves *Persister
}

func newHarness(t *testing.T, store *memStore, popt PersisterOptions) *harness {
	t.Helper()
	sink := newRecordSink()
	saves := NewPersister(store, sink, nil, popt)
	coord := NewCoordinator(CoordinatorOptions{Store: store, Sink: sink, Saves: saves})
	ctx, cancel := context.WithCancel(context.Background())
	go coord.Run(ctx)
	t.Cleanup(func() {
		cancel()
		saves.Close()
	})
	return &harness{coord: coord, sink: sink, store: store, saves: saves}
}

func (h *harness) submit(t *testing.T, cmd Command) {
	t.Helper()
	if err := h.coord.Submit(context.Background(), cmd); err != nil {
		t.Fatalf("Submit(%T) error = %v", cmd, err)
	}
}

func (h *harness) roster(t *testing.T, docID string) []User {
	t.Helper()
	users, err := h.coord.Roster(context.Background(), docID)
	if err != nil {
		t.Fatalf("Roster() error = %v", err)
	}
	return users
}

var (
	alice = User{ID: "u-alice", Username: "alice"}
	bob   = User{ID: "u-bob", Username: "bob"}
)
