package editor

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"collabSync/backend/internal/collab"
	"collabSync/backend/internal/delta"
)

var (
	ErrNotLoaded = errors.New("document has not been loaded yet")
	ErrClosed    = errors.New("editor closed")
)

// Emitter 把本地产生的消息发往服务端。
// Adapter 持锁调用它，实现不能反过来调用 Adapter。
type Emitter interface {
	EmitDelta(docID string, d delta.Delta) error
	EmitCursor(docID string, r *collab.Range) error
	EmitSave(docID string, content delta.Delta) error
}

type Options struct {
	DocID string
	Self  collab.User

	CursorDebounce time.Duration // 0 表示立即发送
	CursorTimeout  time.Duration
	SaveInterval   time.Duration // 0 表示不自动保存

	Now func() time.Time
	// OnChange 在内容、光标或花名册变化后调用（持锁，不要回调 Adapter）
	OnChange func()
	OnNotice func(msg string)
}

func (o *Options) defaults() {
	if o.CursorTimeout <= 0 {
		o.CursorTimeout = 2 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.OnChange == nil {
		o.OnChange = func() {}
	}
	if o.OnNotice == nil {
		o.OnNotice = func(msg string) { log.Printf("[editor] %s", msg) }
	}
}

type SaveStatus struct {
	LastAck    time.Time
	LastError  string
	Attempts   int
	Persistent bool
}

// Adapter 是客户端编辑器和同步协议之间的一层：
// 本地编辑先乐观应用再发送；远端 delta 按当前长度裁剪后应用，并把本地光标跟着平移。
type Adapter struct {
	mu   sync.Mutex
	opt  Options
	emit Emitter

	buf       Buffer
	selection *collab.Range
	lastSent  *collab.Range

	loaded   bool
	pending  []delta.Delta
	roster   []collab.User
	cursors  *CursorSet
	save     SaveStatus
	closed   bool
	debounce *Debouncer
	autosave *Autosaver
}

func NewAdapter(emit Emitter, opt Options) *Adapter {
	opt.defaults()
	a := &Adapter{
		opt:       opt,
		emit:      emit,
		buf:       NewPieceTable(""),
		selection: &collab.Range{},
		cursors:   NewCursorSet(opt.CursorTimeout),
	}
	if opt.CursorDebounce > 0 {
		a.debounce = NewDebouncer(opt.CursorDebounce, a.flushCursor)
	}
	return a
}

// Start 启动自动保存
func (a *Adapter) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.autosave != nil || a.opt.SaveInterval <= 0 {
		return
	}
	a.autosave = StartAutosave(a.opt.SaveInterval, func() { _ = a.Save() })
}

// Close 停掉所有定时器并清掉远端光标，可以重复调用
func (a *Adapter) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.cursors.Clear()
	a.pending = nil
	autosave, debounce := a.autosave, a.debounce
	a.autosave, a.debounce = nil, nil
	a.opt.OnChange()
	a.mu.Unlock()

	if autosave != nil {
		autosave.Stop()
	}
	if debounce != nil {
		debounce.Stop()
	}
}

// ---- 本地编辑 ----

func (a *Adapter) LocalInsert(index int, text string, attrs map[string]any) error {
	return a.ApplyLocal(delta.Delta{}.Retain(index, nil).Insert(text, attrs))
}

func (a *Adapter) LocalInsertEmbed(index int, embed map[string]any) error {
	return a.ApplyLocal(delta.Delta{}.Retain(index, nil).InsertEmbed(embed, nil))
}

func (a *Adapter) LocalDelete(index, n int) error {
	return a.ApplyLocal(delta.Delta{}.Retain(index, nil).Delete(n))
}

func (a *Adapter) LocalFormat(index, n int, attrs map[string]any) error {
	return a.ApplyLocal(delta.Delta{}.Retain(index, nil).Retain(n, attrs))
}

// ApplyLocal 乐观应用本地 delta，移动本地光标后发出去
func (a *Adapter) ApplyLocal(d delta.Delta) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.closed:
		return ErrClosed
	case !a.loaded:
		return ErrNotLoaded
	}
	if err := a.buf.Apply(d); err != nil {
		return err
	}
	if a.selection != nil {
		r := transformRange(d, *a.selection)
		a.selection = &r
	}
	a.cursors.Transform(d)
	a.opt.OnChange()

	if err := a.emit.EmitDelta(a.opt.DocID, d); err != nil {
		a.opt.OnNotice(fmt.Sprintf("send change failed: %v", err))
		return err
	}
	a.scheduleCursor()
	return nil
}

// SetSelection 记录本地选区，nil 表示失焦；防抖后发给其他人
func (a *Adapter) SetSelection(r *collab.Range) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if r != nil {
		cp := *r
		r = &cp
	}
	a.selection = r
	a.scheduleCursor()
}

func (a *Adapter) scheduleCursor() {
	if a.debounce != nil {
		a.debounce.Trigger()
		return
	}
	a.sendCursorLocked()
}

func (a *Adapter) flushCursor() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.sendCursorLocked()
}

// 和上次发送的一样就不发
func (a *Adapter) sendCursorLocked() {
	if sameRange(a.selection, a.lastSent) {
		return
	}
	if err := a.emit.EmitCursor(a.opt.DocID, a.selection); err != nil {
		a.opt.OnNotice(fmt.Sprintf("send cursor failed: %v", err))
		return
	}
	if a.selection == nil {
		a.lastSent = nil
	} else {
		cp := *a.selection
		a.lastSent = &cp
	}
}

func sameRange(x, y *collab.Range) bool {
	if x == nil || y == nil {
		return x == y
	}
	return *x == *y
}

// Save 立即推送整份内容。快照还没到时跳过，避免用空内容覆盖服务端。
func (a *Adapter) Save() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.closed:
		return ErrClosed
	case !a.loaded:
		return ErrNotLoaded
	}
	return a.emit.EmitSave(a.opt.DocID, a.buf.Contents())
}

// ---- 服务端事件 ----

func (a *Adapter) Handle(evt collab.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	switch e := evt.(type) {
	case collab.RosterSnapshot:
		if e.DocID == a.opt.DocID {
			a.roster = append([]collab.User(nil), e.Members...)
		}
	case collab.UserJoined:
		if e.DocID == a.opt.DocID && !a.inRoster(e.User.ID) {
			a.roster = append(a.roster, e.User)
		}
	case collab.UserLeft:
		if e.DocID != a.opt.DocID {
			return
		}
		for i, u := range a.roster {
			if u.ID == e.UserID {
				a.roster = append(a.roster[:i:i], a.roster[i+1:]...)
				break
			}
		}
		a.cursors.Remove(e.UserID)
	case collab.DocumentLoaded:
		if e.DocID != a.opt.DocID {
			return
		}
		// 已加载后再来的快照不覆盖本地编辑
		if a.loaded {
			return
		}
		a.loadSnapshot(e.Content)
	case collab.ContentChanged:
		if e.DocID != a.opt.DocID {
			return
		}
		if !a.loaded {
			a.pending = append(a.pending, e.Delta)
			return
		}
		a.applyRemoteLenient(e.Delta)
	case collab.CursorUpdated:
		if e.DocID != a.opt.DocID || e.User.ID == a.opt.Self.ID {
			return
		}
		a.cursors.Set(e.User, e.Range, a.opt.Now())
	case collab.SaveAck:
		a.save = SaveStatus{LastAck: a.opt.Now()}
	case collab.SaveFailed:
		a.save.LastError, a.save.Attempts, a.save.Persistent = e.Error, e.Attempts, e.Persistent
		if e.Persistent {
			a.opt.OnNotice("saving keeps failing: " + e.Error)
		}
	case collab.ErrorEvent:
		a.opt.OnNotice(fmt.Sprintf("server error %s: %s", e.Code, e.Message))
	}
	a.opt.OnChange()
}

func (a *Adapter) inRoster(userID string) bool {
	for _, u := range a.roster {
		if u.ID == userID {
			return true
		}
	}
	return false
}

func (a *Adapter) loadSnapshot(content delta.Delta) {
	if err := a.buf.Reset(content); err != nil {
		a.opt.OnNotice(fmt.Sprintf("bad snapshot: %v", err))
		return
	}
	a.loaded = true
	n := a.buf.Len()
	if a.selection != nil {
		idx := min(a.selection.Index, n)
		a.selection = &collab.Range{Index: idx, Length: min(a.selection.Length, n-idx)}
	}

	// 快照之前到的 delta：能应用就应用，不合适的说明快照已经包含它们，丢弃
	pending := a.pending
	a.pending = nil
	for _, d := range pending {
		if err := a.applyRemote(d); err != nil {
			a.opt.OnNotice(fmt.Sprintf("dropped change that does not fit the snapshot: %v", err))
		}
	}
}

func (a *Adapter) applyRemote(d delta.Delta) error {
	if err := a.buf.Apply(d); err != nil {
		return err
	}
	if a.selection != nil {
		r := transformRange(d, *a.selection)
		a.selection = &r
	}
	a.cursors.Transform(d)
	return nil
}

// applyRemoteLenient 和 Quill updateContents 一样：越界的 retain/delete 截断，越界的 insert 落在末尾
func (a *Adapter) applyRemoteLenient(d delta.Delta) {
	err := a.applyRemote(d)
	if err == nil {
		return
	}
	if !errors.Is(err, ErrOutOfRange) {
		a.opt.OnNotice(fmt.Sprintf("dropped remote change: %v", err))
		return
	}
	fit := d.Fit(a.buf.Len())
	if err := a.applyRemote(fit); err != nil {
		a.opt.OnNotice(fmt.Sprintf("dropped remote change: %v", err))
		return
	}
	a.opt.OnNotice("remote change ran past the end of the document, clamped")
}

// ---- 读取 ----

func (a *Adapter) Text() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.String()
}

func (a *Adapter) Contents() delta.Delta {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.Contents()
}

func (a *Adapter) Selection() *collab.Range {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.selection == nil {
		return nil
	}
	r := *a.selection
	return &r
}

func (a *Adapter) Roster() []collab.User {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]collab.User(nil), a.roster...)
}

// Cursors 返回当前应该显示的远端光标
func (a *Adapter) Cursors() []RemoteCursor {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cursors.Visible(a.opt.Now())
}

func (a *Adapter) SaveStatus() SaveStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.save
}

func (a *Adapter) Loaded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loaded
}

func (a *Adapter) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}
