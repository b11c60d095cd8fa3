package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"collabSync/backend/internal/delta"
	"collabSync/backend/internal/metrics"
)

// Command 是提交给协调循环的一条指令。
type Command interface {
	validate() error
}

type JoinCommand struct {
	DocID  string
	User   User
	ConnID string
}

// LeaveCommand.User is optional; when set it must match the bound identity.
type LeaveCommand struct {
	DocID  string
	User   User
	ConnID string
}

type DisconnectCommand struct {
	ConnID string
}

type DeltaCommand struct {
	DocID  string
	ConnID string
	Delta  delta.Delta
}

type CursorCommand struct {
	DocID  string
	ConnID string
	User   User
	Range  *Range
}

type SaveCommand struct {
	DocID   string
	ConnID  string
	Content delta.Delta
}

// 内部指令：快照加载完成后投回循环
type loadedCommand struct {
	docID   string
	connID  string
	content delta.Delta
	err     error
}

type rosterQuery struct {
	docID string
	out   []User
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }

func missing(field string) error {
	return fmt.Errorf("%w: missing %s", ErrValidation, field)
}

func (c JoinCommand) validate() error {
	switch {
	case blank(c.DocID):
		return missing("docId")
	case blank(c.User.ID):
		return missing("user.id")
	case blank(c.ConnID):
		return missing("connectionId")
	}
	return nil
}

func (c LeaveCommand) validate() error {
	switch {
	case blank(c.DocID):
		return missing("docId")
	case blank(c.ConnID):
		return missing("connectionId")
	}
	return nil
}

func (c DisconnectCommand) validate() error {
	if blank(c.ConnID) {
		return missing("connectionId")
	}
	return nil
}

func (c DeltaCommand) validate() error {
	switch {
	case blank(c.DocID):
		return missing("docId")
	case blank(c.ConnID):
		return missing("connectionId")
	}
	if err := c.Delta.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return nil
}

func (c CursorCommand) validate() error {
	switch {
	case blank(c.DocID):
		return missing("docId")
	case blank(c.ConnID):
		return missing("connectionId")
	}
	if c.Range != nil && (c.Range.Index < 0 || c.Range.Length < 0) {
		return fmt.Errorf("%w: cursor range %d+%d", ErrProtocol, c.Range.Index, c.Range.Length)
	}
	return nil
}

func (c SaveCommand) validate() error {
	switch {
	case blank(c.DocID):
		return missing("docId")
	case blank(c.ConnID):
		return missing("connectionId")
	case len(c.Content) == 0:
		// Quill 的空文档也至少有一个 "\n"
		return missing("content")
	}
	if err := c.Content.ValidateDocument(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

func (loadedCommand) validate() error { return nil }
func (*rosterQuery) validate() error  { return nil }

type request struct {
	cmd   Command
	reply chan error
}

type CoordinatorOptions struct {
	Store     DocumentStore
	Sink      Sink
	Saves     SaveQueue
	Publisher EventPublisher
	Presence  PresenceMirror

	LoadTimeout     time.Duration
	PresenceRefresh time.Duration
	QueueSize       int
}

// Coordinator 管理所有文档的花名册和连接身份。
// 所有状态只在 Run 的单个 goroutine 里读写，指令按提交顺序逐条执行完，
// 因此同一个房间内的消息天然全序。
type Coordinator struct {
	store     DocumentStore
	sink      Sink
	saves     SaveQueue
	publisher EventPublisher
	presence  PresenceMirror

	loadTimeout     time.Duration
	presenceRefresh time.Duration

	requests chan request
	done     chan struct{}

	rooms map[string]*room
	ids   *IdentityMap
	loads singleflight.Group
}

func NewCoordinator(opt CoordinatorOptions) *Coordinator {
	if opt.Publisher == nil {
		opt.Publisher = noopPublisher{}
	}
	if opt.Presence == nil {
		opt.Presence = noopPresence{}
	}
	if opt.LoadTimeout <= 0 {
		opt.LoadTimeout = 5 * time.Second
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1024
	}
	return &Coordinator{
		store:           opt.Store,
		sink:            opt.Sink,
		saves:           opt.Saves,
		publisher:       opt.Publisher,
		presence:        opt.Presence,
		loadTimeout:     opt.LoadTimeout,
		presenceRefresh: opt.PresenceRefresh,
		requests:        make(chan request, opt.QueueSize),
		done:            make(chan struct{}),
		rooms:           make(map[string]*room),
		ids:             NewIdentityMap(),
	}
}

// Run 是唯一的调度循环，ctx 取消后返回。
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.done)

	var refresh <-chan time.Time
	if c.presenceRefresh > 0 {
		t := time.NewTicker(c.presenceRefresh)
		defer t.Stop()
		refresh = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-c.requests:
			err := c.handle(req.cmd)
			if req.reply != nil {
				req.reply <- err
			}
		case <-refresh:
			for docID, r := range c.rooms {
				c.presence.Refresh(docID, r.roster())
			}
		}
	}
}

// Submit 校验指令后交给调度循环，并等待执行结果。
func (c *Coordinator) Submit(ctx context.Context, cmd Command) error {
	err := cmd.validate()
	if err == nil {
		reply := make(chan error, 1)
		if err = c.post(ctx, request{cmd: cmd, reply: reply}); err == nil {
			select {
			case err = <-reply:
			case <-ctx.Done():
				err = ctx.Err()
			case <-c.done:
				err = ErrClosed
			}
		}
	}
	if err != nil && !errors.Is(err, ErrClosed) && !errors.Is(err, context.Canceled) {
		metrics.Rejected.WithLabelValues(ErrorCode(err)).Inc()
		if errors.Is(err, ErrProtocol) {
			log.Printf("[collab] drop malformed %T: %v", cmd, err)
		}
	}
	return err
}

// Roster returns the live roster of a document, in join order.
func (c *Coordinator) Roster(ctx context.Context, docID string) ([]User, error) {
	q := &rosterQuery{docID: docID}
	if err := c.Submit(ctx, q); err != nil {
		return nil, err
	}
	return q.out, nil
}

func (c *Coordinator) post(ctx context.Context, req request) error {
	select {
	case c.requests <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

func (c *Coordinator) handle(cmd Command) error {
	switch cmd := cmd.(type) {
	case JoinCommand:
		return c.join(cmd)
	case LeaveCommand:
		return c.leave(cmd)
	case DisconnectCommand:
		c.disconnect(cmd.ConnID)
		return nil
	case DeltaCommand:
		return c.relayDelta(cmd)
	case CursorCommand:
		return c.relayCursor(cmd)
	case SaveCommand:
		return c.save(cmd)
	case loadedCommand:
		c.loaded(cmd)
		return nil
	case *rosterQuery:
		if r := c.rooms[cmd.docID]; r != nil {
			cmd.out = r.roster()
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown command %T", ErrProtocol, cmd)
	}
}

func (c *Coordinator) join(cmd JoinCommand) error {
	if err := c.ids.Bind(cmd.ConnID, cmd.User); err != nil {
		return err
	}
	// 以绑定的身份为准
	u, _ := c.ids.Lookup(cmd.ConnID)

	r := c.rooms[cmd.DocID]
	if r == nil {
		r = newRoom(cmd.DocID)
		c.rooms[cmd.DocID] = r
	}
	newUser, newConn := r.add(u, cmd.ConnID)
	c.ids.Attach(cmd.ConnID, cmd.DocID)

	c.sink.Deliver(cmd.ConnID, RosterSnapshot{DocID: cmd.DocID, Members: r.roster()})
	if newUser {
		c.broadcast(r, cmd.ConnID, UserJoined{DocID: cmd.DocID, User: u})
		c.publisher.Publish(DocEvent{EventType: DocEventUserJoined, DocID: cmd.DocID, UserID: u.ID, Username: u.Username})
		c.presence.MemberJoined(cmd.DocID, u)
	}
	if newConn {
		log.Printf("[collab] join user=%s doc=%s conn=%s", u.ID, cmd.DocID, cmd.ConnID)
	} else {
		log.Printf("[collab] reload user=%s doc=%s conn=%s", u.ID, cmd.DocID, cmd.ConnID)
	}
	c.updateGauges()

	go c.load(cmd.DocID, cmd.ConnID)
	return nil
}

// load 在循环外读快照，同一文档的并发加载合并成一次
func (c *Coordinator) load(docID, connID string) {
	v, err, _ := c.loads.Do(docID, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), c.loadTimeout)
		defer cancel()
		return c.store.Load(ctx, docID)
	})
	content, _ := v.(delta.Delta)
	_ = c.post(context.Background(), request{cmd: loadedCommand{docID: docID, connID: connID, content: content, err: err}})
}

func (c *Coordinator) loaded(cmd loadedCommand) {
	r := c.rooms[cmd.docID]
	if r == nil || !r.has(cmd.connID) {
		// 加载期间已经离开
		return
	}
	content := cmd.content
	switch {
	case errors.Is(cmd.err, ErrNotFound):
		metrics.SnapshotLoads.WithLabelValues("not_found").Inc()
		content = EmptyDocument()
	case cmd.err != nil:
		metrics.SnapshotLoads.WithLabelValues("error").Inc()
		log.Printf("[collab] load snapshot failed doc=%s: %v", cmd.docID, cmd.err)
		c.sink.Deliver(cmd.connID, ErrorEvent{DocID: cmd.docID, Code: "load_failed", Message: "could not load document"})
		return
	default:
		metrics.SnapshotLoads.WithLabelValues("ok").Inc()
	}
	c.sink.Deliver(cmd.connID, DocumentLoaded{DocID: cmd.docID, Content: content})
}

func (c *Coordinator) leave(cmd LeaveCommand) error {
	u, ok := c.ids.Lookup(cmd.ConnID)
	if !ok || !c.ids.Joined(cmd.ConnID, cmd.DocID) {
		return nil
	}
	if cmd.User.ID != "" && cmd.User.ID != u.ID {
		return fmt.Errorf("%w: leave as %s on a connection bound to %s", ErrValidation, cmd.User.ID, u.ID)
	}
	c.removeConn(cmd.DocID, cmd.ConnID)
	if c.ids.Detach(cmd.ConnID, cmd.DocID) == 0 {
		c.ids.Unbind(cmd.ConnID)
	}
	log.Printf("[collab] leave user=%s doc=%s conn=%s", u.ID, cmd.DocID, cmd.ConnID)
	c.updateGauges()
	return nil
}

// disconnect 只依赖身份表定位用户，不看客户端发来的任何字段
func (c *Coordinator) disconnect(connID string) {
	u, ok := c.ids.Lookup(connID)
	if !ok {
		return
	}
	for _, docID := range c.ids.Docs(connID) {
		c.removeConn(docID, connID)
	}
	c.ids.Unbind(connID)
	if c.saves != nil {
		c.saves.Forget(connID)
	}
	log.Printf("[collab] disconnect user=%s conn=%s", u.ID, connID)
	c.updateGauges()
}

func (c *Coordinator) removeConn(docID, connID string) {
	r := c.rooms[docID]
	if r == nil {
		return
	}
	u, last, ok := r.remove(connID)
	if !ok {
		return
	}
	if last {
		c.broadcast(r, "", UserLeft{DocID: docID, UserID: u.ID})
		c.publisher.Publish(DocEvent{EventType: DocEventUserLeft, DocID: docID, UserID: u.ID, Username: u.Username})
		c.presence.MemberLeft(docID, u.ID)
	}
	if r.empty() {
		delete(c.rooms, docID)
	}
}

// member 检查连接是否在房间里，返回房间和绑定的用户
func (c *Coordinator) member(docID, connID string) (*room, User, error) {
	r := c.rooms[docID]
	if r == nil || !r.has(connID) {
		return nil, User{}, fmt.Errorf("%w: doc=%s", ErrNotJoined, docID)
	}
	u, _ := c.ids.Lookup(connID)
	return r, u, nil
}

// broadcast 发给房间内除 except 之外的所有连接
func (c *Coordinator) broadcast(r *room, except string, evt Event) {
	for _, conn := range r.conns() {
		if conn != except {
			c.sink.Deliver(conn, evt)
		}
	}
}

func (c *Coordinator) save(cmd SaveCommand) error {
	_, u, err := c.member(cmd.DocID, cmd.ConnID)
	if err != nil {
		return err
	}
	if c.saves == nil {
		return fmt.Errorf("%w: saving is not configured", ErrPersistence)
	}
	c.saves.Submit(SaveJob{DocID: cmd.DocID, ConnID: cmd.ConnID, UserID: u.ID, Content: cmd.Content})
	return nil
}

func (c *Coordinator) updateGauges() {
	members := 0
	for _, r := range c.rooms {
		members += len(r.members)
	}
	metrics.RoomsActive.Set(float64(len(c.rooms)))
	metrics.MembersActive.Set(float64(members))
}
