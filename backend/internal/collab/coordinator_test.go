package collab

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"collabSync/backend/internal/delta"
)

func TestCoordinator_JoinRosterAndPresence(t *testing.T) {
	h := newHarness(t, newMemStore(), PersisterOptions{})

	h.submit(t, JoinCommand{DocID: "doc1", User: alice, ConnID: "c1"})
	h.submit(t, JoinCommand{DocID: "doc1", User: bob, ConnID: "c2"})

	rs := h.sink.ofType("c2", EventRosterSnapshot)
	if len(rs) != 1 {
		t.Fatalf("c2 got %d roster snapshots, want 1", len(rs))
	}
	if got := rs[0].(RosterSnapshot).Members; !reflect.DeepEqual(got, []User{alice, bob}) {
		t.Fatalf("roster = %+v, want [alice bob]", got)
	}

	joined := h.sink.ofType("c1", EventUserJoined)
	if len(joined) != 1 || joined[0].(UserJoined).User != bob {
		t.Fatalf("c1 user-joined = %+v, want one for bob", joined)
	}
	if n := len(h.sink.ofType("c2", EventUserJoined)); n != 0 {
		t.Fatalf("joiner got %d user-joined events, want 0", n)
	}

	// 没有存储的快照时拿到空文档
	waitFor(t, "document-loaded on c2", func() bool {
		return len(h.sink.ofType("c2", EventDocumentLoaded)) == 1
	})
	got := h.sink.ofType("c2", EventDocumentLoaded)[0].(DocumentLoaded).Content
	if !delta.Equal(got, EmptyDocument()) {
		t.Fatalf("loaded content = %+v, want empty document", got)
	}
}

func TestCoordinator_LoadsStoredSnapshot(t *testing.T) {
	store := newMemStore()
	store.docs["doc1"] = delta.Delta{}.Insert("stored\n", nil)
	h := newHarness(t, store, PersisterOptions{})

	h.submit(t, JoinCommand{DocID: "doc1", User: alice, ConnID: "c1"})
	waitFor(t, "document-loaded", func() bool {
		return len(h.sink.ofType("c1", EventDocumentLoaded)) == 1
	})
	got := h.sink.ofType("c1", EventDocumentLoaded)[0].(DocumentLoaded)
	if got.DocID != "doc1" || got.Content.PlainText() != "stored\n" {
		t.Fatalf("loaded = %+v", got)
	}
}

func TestCoordinator_LoadFailureReportsToJoiner(t *testing.T) {
	store := newMemStore()
	store.loadErr = errors.New("db down")
	h := newHarness(t, store, PersisterOptions{})

	h.submit(t, JoinCommand{DocID: "doc1", User: alice, ConnID: "c1"})
	waitFor(t, "load error", func() bool {
		return len(h.sink.ofType("c1", EventError)) == 1
	})
	if ev := h.sink.ofType("c1", EventError)[0].(ErrorEvent); ev.Code != "load_failed" {
		t.Fatalf("error code = %q, want load_failed", ev.Code)
	}
	if n := len(h.sink.ofType("c1", EventDocumentLoaded)); n != 0 {
		t.Fatalf("got %d document-loaded after a failed load", n)
	}
}

func TestCoordinator_RepeatedJoinIsReload(t *testing.T) {
	h := newHarness(t, newMemStore(), PersisterOptions{})

	h.submit(t, JoinCommand{DocID: "doc1", User: alice, ConnID: "c1"})
	h.submit(t, JoinCommand{DocID: "doc1", User: bob, ConnID: "c2"})
	h.submit(t, JoinCommand{DocID: "doc1", User: bob, ConnID: "c2"})

	if got := h.roster(t, "doc1"); len(got) != 2 {
		t.Fatalf("roster = %+v, want 2 entries", got)
	}
	if n := len(h.sink.ofType("c1", EventUserJoined)); n != 1 {
		t.Fatalf("c1 got %d user-joined, want 1", n)
	}
	if n := len(h.sink.ofType("c2", EventRosterSnapshot)); n != 2 {
		t.Fatalf("c2 got %d roster snapshots, want 2", n)
	}
	waitFor(t, "two snapshots on c2", func() bool {
		return len(h.sink.ofType("c2", EventDocumentLoaded)) == 2
	})
}

func TestCoordinator_DisconnectWithoutLeave(t *testing.T) {
	h := newHarness(t, newMemStore(), PersisterOptions{})

	h.submit(t, JoinCommand{DocID: "doc1", User: alice, ConnID: "c1"})
	h.submit(t, JoinCommand{DocID: "doc1", User: bob, ConnID: "c2"})
	h.submit(t, JoinCommand{DocID: "doc2", User: bob, ConnID: "c2"})
	h.submit(t, DisconnectCommand{ConnID: "c2"})

	left := h.sink.ofType("c1", EventUserLeft)
	if len(left) != 1 || left[0].(UserLeft).UserID != bob.ID {
		t.Fatalf("c1 user-left = %+v, want one for bob", left)
	}
	if got := h.roster(t, "doc1"); !reflect.DeepEqual(got, []User{alice}) {
		t.Fatalf("roster doc1 = %+v, want [alice]", got)
	}
	if got := h.roster(t, "doc2"); len(got) != 0 {
		t.Fatalf("roster doc2 = %+v, want evicted", got)
	}

	h.submit(t, DisconnectCommand{ConnID: "c2"})
	if n := len(h.sink.ofType("c1", EventUserLeft)); n != 1 {
		t.Fatalf("second disconnect produced events, user-left count = %d", n)
	}
}

func TestCoordinator_LeaveThenDisconnectIsNoop(t *testing.T) {
	h := newHarness(t, newMemStore(), PersisterOptions{})

	h.submit(t, JoinCommand{DocID: "doc1", User: alice, ConnID: "c1"})
	h.submit(t, JoinCommand{DocID: "doc1", User: bob, ConnID: "c2"})
	h.submit(t, LeaveCommand{DocID: "doc1", User: bob, ConnID: "c2"})
	h.submit(t, LeaveCommand{DocID: "doc1", User: bob, ConnID: "c2"})
	h.submit(t, DisconnectCommand{ConnID: "c2"})

	if n := len(h.sink.ofType("c1", EventUserLeft)); n != 1 {
		t.Fatalf("user-left count = %d, want 1", n)
	}

	// 身份已清除，同一连接可以换用户重新加入
	h.submit(t, JoinCommand{DocID: "doc1", User: User{ID: "u-carol", Username: "carol"}, ConnID: "c2"})
	if got := h.roster(t, "doc1"); len(got) != 2 || got[1].ID != "u-carol" {
		t.Fatalf("roster = %+v", got)
	}
}

func TestCoordinator_RosterIdempotence(t *testing.T) {
	h := newHarness(t, newMemStore(), PersisterOptions{})

	for i := 0; i < 5; i++ {
		h.submit(t, JoinCommand{DocID: "doc1", User: alice, ConnID: "c1"})
		h.submit(t, LeaveCommand{DocID: "doc1", ConnID: "c1"})
	}
	if got := h.roster(t, "doc1"); len(got) != 0 {
		t.Fatalf("roster = %+v, want empty", got)
	}
	h.submit(t, JoinCommand{DocID: "doc1", User: alice, ConnID: "c1"})
	h.submit(t, JoinCommand{DocID: "doc1", User: alice, ConnID: "c1"})
	if got := h.roster(t, "doc1"); !reflect.DeepEqual(got, []User{alice}) {
		t.Fatalf("roster = %+v, want [alice]", got)
	}
}

func TestCoordinator_MultipleTabs(t *testing.T) {
	h := newHarness(t, newMemStore(), PersisterOptions{})

	h.submit(t, JoinCommand{DocID: "doc1", User: bob, ConnID: "c2"})
	h.submit(t, JoinCommand{DocID: "doc1", User: alice, ConnID: "c1"})
	h.submit(t, JoinCommand{DocID: "doc1", User: alice, ConnID: "c3"})

	if n := len(h.sink.ofType("c2", EventUserJoined)); n != 1 {
		t.Fatalf("bob saw %d user-joined, want 1", n)
	}
	if got := h.roster(t, "doc1"); len(got) != 2 {
		t.Fatalf("roster = %+v, want one entry per user", got)
	}

	h.submit(t, DisconnectCommand{ConnID: "c1"})
	if n := len(h.sink.ofType("c2", EventUserLeft)); n != 0 {
		t.Fatalf("user-left sent while alice still has a tab open")
	}
	h.submit(t, DisconnectCommand{ConnID: "c3"})
	if n := len(h.sink.ofType("c2", EventUserLeft)); n != 1 {
		t.Fatalf("user-left count = %d, want 1", n)
	}
}

func TestCoordinator_Validation(t *testing.T) {
	h := newHarness(t, newMemStore(), PersisterOptions{})
	ctx := context.Background()

	cases := []struct {
		name string
		cmd  Command
		want error
	}{
		{"join without doc", JoinCommand{User: alice, ConnID: "c1"}, ErrValidation},
		{"join without user", JoinCommand{DocID: "doc1", ConnID: "c1"}, ErrValidation},
		{"join without conn", JoinCommand{DocID: "doc1", User: alice}, ErrValidation},
		{"empty delta", DeltaCommand{DocID: "doc1", ConnID: "c1"}, ErrProtocol},
		{"bad delta", DeltaCommand{DocID: "doc1", ConnID: "c1", Delta: delta.Delta{{Kind: delta.KindRetain}}}, ErrProtocol},
		{"negative cursor", CursorCommand{DocID: "doc1", ConnID: "c1", Range: &Range{Index: -1}}, ErrProtocol},
		{"save nothing", SaveCommand{DocID: "doc1", ConnID: "c1"}, ErrValidation},
		{"save retain", SaveCommand{DocID: "doc1", ConnID: "c1", Content: delta.Delta{}.Retain(1, nil)}, ErrValidation},
		{"delta not joined", DeltaCommand{DocID: "doc1", ConnID: "c1", Delta: delta.Delta{}.Insert("x", nil)}, ErrNotJoined},
		{"save not joined", SaveCommand{DocID: "doc1", ConnID: "c1", Content: EmptyDocument()}, ErrNotJoined},
	}
	for _, tc := range cases {
		if err := h.coord.Submit(ctx, tc.cmd); !errors.Is(err, tc.want) {
			t.Errorf("%s: Submit() error = %v, want %v", tc.name, err, tc.want)
		}
	}

	h.submit(t, JoinCommand{DocID: "doc1", User: alice, ConnID: "c1"})
	err := h.coord.Submit(ctx, JoinCommand{DocID: "doc2", User: bob, ConnID: "c1"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("rebinding a connection: error = %v, want ErrValidation", err)
	}
	if got := h.roster(t, "doc2"); len(got) != 0 {
		t.Fatalf("rejected join mutated roster: %+v", got)
	}
}

func TestCoordinator_RelayOrderAndExclusion(t *testing.T) {
	h := newHarness(t, newMemStore(), PersisterOptions{})

	h.submit(t, JoinCommand{DocID: "doc1", User: alice, ConnID: "c1"})
	h.submit(t, JoinCommand{DocID: "doc1", User: bob, ConnID: "c2"})
	h.submit(t, JoinCommand{DocID: "doc2", User: User{ID: "u-carol"}, ConnID: "c3"})

	for i := 0; i < 50; i++ {
		d := delta.Delta{}.Retain(i, nil).Insert(fmt.Sprint(i%10), nil)
		h.submit(t, DeltaCommand{DocID: "doc1", ConnID: "c1", Delta: d})
	}

	changes := h.sink.ofType("c2", EventContentChanged)
	if len(changes) != 50 {
		t.Fatalf("c2 got %d deltas, want 50", len(changes))
	}
	for i, ev := range changes {
		cc := ev.(ContentChanged)
		if cc.UserID != alice.ID || cc.Delta[0].Count != i {
			t.Fatalf("delta %d = %+v out of order", i, cc)
		}
	}
	if n := len(h.sink.ofType("c1", EventContentChanged)); n != 0 {
		t.Fatalf("sender got %d of its own deltas", n)
	}
	if n := len(h.sink.ofType("c3", EventContentChanged)); n != 0 {
		t.Fatalf("other room got %d deltas", n)
	}
}

func TestCoordinator_RelayOrderInterleavedSenders(t *testing.T) {
	h := newHarness(t, newMemStore(), PersisterOptions{})
	carol := User{ID: "u-carol", Username: "carol"}

	h.submit(t, JoinCommand{DocID: "doc1", User: alice, ConnID: "c1"})
	h.submit(t, JoinCommand{DocID: "doc1", User: bob, ConnID: "c2"})
	h.submit(t, JoinCommand{DocID: "doc1", User: carol, ConnID: "c3"})

	type sent struct{ conn, user, text string }
	var order []sent
	for i := 0; i < 60; i++ {
		s := sent{"c1", alice.ID, fmt.Sprintf("a%d", i)}
		if i%3 == 0 || i%7 == 0 {
			s = sent{"c2", bob.ID, fmt.Sprintf("b%d", i)}
		}
		order = append(order, s)
		h.submit(t, DeltaCommand{DocID: "doc1", ConnID: s.conn, Delta: delta.Delta{}.Insert(s.text, nil)})
	}

	// 每个成员看到的顺序 = 提交顺序去掉自己发的
	check := func(conn string) {
		t.Helper()
		var want []sent
		for _, s := range order {
			if s.conn != conn {
				want = append(want, s)
			}
		}
		got := h.sink.ofType(conn, EventContentChanged)
		if len(got) != len(want) {
			t.Fatalf("%s got %d deltas, want %d", conn, len(got), len(want))
		}
		for i, ev := range got {
			cc := ev.(ContentChanged)
			if cc.UserID != want[i].user || cc.Delta[0].Text != want[i].text {
				t.Fatalf("%s delta %d = %s/%q, want %s/%q", conn, i, cc.UserID, cc.Delta[0].Text, want[i].user, want[i].text)
			}
		}
	}
	check("c1")
	check("c2")
	check("c3")
}

func TestCoordinator_CursorRelay(t *testing.T) {
	h := newHarness(t, newMemStore(), PersisterOptions{})

	h.submit(t, JoinCommand{DocID: "doc1", User: alice, ConnID: "c1"})
	h.submit(t, JoinCommand{DocID: "doc1", User: bob, ConnID: "c2"})

	h.submit(t, CursorCommand{DocID: "doc1", ConnID: "c1", Range: &Range{Index: 3, Length: 2}})
	h.submit(t, CursorCommand{DocID: "doc1", ConnID: "c1", User: alice})

	got := h.sink.ofType("c2", EventCursorUpdated)
	if len(got) != 2 {
		t.Fatalf("c2 got %d cursor updates, want 2", len(got))
	}
	first := got[0].(CursorUpdated)
	if first.User != alice || first.Range == nil || *first.Range != (Range{Index: 3, Length: 2}) {
		t.Fatalf("cursor = %+v", first)
	}
	if got[1].(CursorUpdated).Range != nil {
		t.Fatalf("blur should relay a nil range")
	}

	err := h.coord.Submit(context.Background(), CursorCommand{DocID: "doc1", ConnID: "c1", User: bob, Range: &Range{}})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("spoofed cursor: error = %v, want ErrValidation", err)
	}
}

func TestCoordinator_SaveFailureGoesToSaverOnly(t *testing.T) {
	store := newMemStore()
	h := newHarness(t, store, PersisterOptions{Workers: 2, MaxRetry: 0})

	h.submit(t, JoinCommand{DocID: "doc1", User: alice, ConnID: "c1"})
	h.submit(t, JoinCommand{DocID: "doc1", User: bob, ConnID: "c2"})

	store.mu.Lock()
	store.failures = 1
	store.mu.Unlock()

	first := delta.Delta{}.Insert("hello\n", nil)
	h.submit(t, SaveCommand{DocID: "doc1", ConnID: "c1", Content: first})
	waitFor(t, "save-failed", func() bool {
		return len(h.sink.ofType("c1", EventSaveFailed)) == 1
	})
	sf := h.sink.ofType("c1", EventSaveFailed)[0].(SaveFailed)
	if sf.Attempts != 1 || sf.Persistent || sf.Error == "" {
		t.Fatalf("save-failed = %+v", sf)
	}
	if n := len(h.sink.ofType("c2", EventSaveFailed)); n != 0 {
		t.Fatalf("bystander got %d save failures", n)
	}
	if _, ok := store.get("doc1"); ok {
		t.Fatalf("failed save wrote the document")
	}

	second := delta.Delta{}.Insert("hello world\n", nil)
	h.submit(t, SaveCommand{DocID: "doc1", ConnID: "c1", Content: second})
	waitFor(t, "save-ack", func() bool {
		return len(h.sink.ofType("c1", EventSaveAck)) == 1
	})
	if got, _ := store.get("doc1"); !delta.Equal(got, second) {
		t.Fatalf("stored = %+v, want %+v", got, second)
	}
	if n := len(h.sink.ofType("c2", EventSaveAck)); n != 0 {
		t.Fatalf("bystander got %d save acks", n)
	}
}
