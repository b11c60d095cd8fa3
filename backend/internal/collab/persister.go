package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"collabSync/backend/internal/delta"
	"collabSync/backend/internal/metrics"
)

var errSaveQueueFull = errors.New("save queue is full")

type SaveJob struct {
	DocID   string
	ConnID  string
	UserID  string
	Content delta.Delta

	queuedAt time.Time
}

type PersisterOptions struct {
	Workers      int
	QueueSize    int // 每个 worker 的队列长度
	MaxRetry     int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	WriteTimeout time.Duration
	// 同一连接对同一文档连续失败这么多次后，save-failed 带 persistent=true
	PersistentAfter int
	// Retryable 判断存储错误是否值得重试；nil 表示都重试
	Retryable func(error) bool
	// EventTimeout 是 DOC_SAVED 等待事件队列的上限
	EventTimeout time.Duration
}

type failureKey struct {
	docID  string
	connID string
}

// Persister：按文档 hash 分片的保存队列 + 有限重试。
// - 同一文档永远落在同一个 worker，保证一个进程内不会打乱同一文档两次保存的顺序
// - Submit 只负责入队，不阻塞调度循环；队列满直接回 save-failed
// - 结果只回给发起保存的那个连接
type Persister struct {
	store     DocumentStore
	sink      Sink
	publisher EventPublisher
	opt       PersisterOptions

	queues []chan SaveJob
	wg     sync.WaitGroup

	closeMu sync.RWMutex
	closed  bool

	mu       sync.Mutex
	failures map[failureKey]int
	inflight map[string]int  // 每个连接排队中和执行中的任务数
	gone     map[string]bool // 已 Forget 但还有任务没做完的连接
}

func NewPersister(store DocumentStore, sink Sink, publisher EventPublisher, opt PersisterOptions) *Persister {
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = 64
	}
	if opt.WriteTimeout <= 0 {
		opt.WriteTimeout = 5 * time.Second
	}
	if opt.PersistentAfter <= 0 {
		opt.PersistentAfter = 3
	}
	if opt.EventTimeout <= 0 {
		opt.EventTimeout = time.Second
	}
	if publisher == nil {
		publisher = noopPublisher{}
	}
	p := &Persister{
		store:     store,
		sink:      sink,
		publisher: publisher,
		opt:       opt,
		queues:    make([]chan SaveJob, opt.Workers),
		failures:  make(map[failureKey]int),
		inflight:  make(map[string]int),
		gone:      make(map[string]bool),
	}
	for i := range p.queues {
		p.queues[i] = make(chan SaveJob, opt.QueueSize)
	}
	p.start()
	return p
}

func (p *Persister) start() {
	for i, q := range p.queues {
		p.wg.Add(1)
		go p.workerLoop(i, q)
	}
}

func (p *Persister) shard(docID string) int {
	return int(murmur3.Sum32([]byte(docID)) % uint32(len(p.queues)))
}

func (p *Persister) Submit(job SaveJob) {
	job.queuedAt = time.Now()

	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		p.fail(job, 0, fmt.Errorf("%w: persister stopped", ErrPersistence))
		return
	}
	p.track(job.ConnID)
	select {
	case p.queues[p.shard(job.DocID)] <- job:
	default:
		p.untrack(job.ConnID)
		p.fail(job, 0, fmt.Errorf("%w: %v", ErrPersistence, errSaveQueueFull))
	}
}

func (p *Persister) track(connID string) {
	p.mu.Lock()
	p.inflight[connID]++
	p.mu.Unlock()
}

func (p *Persister) untrack(connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inflight[connID]--
	if p.inflight[connID] <= 0 {
		delete(p.inflight, connID)
		delete(p.gone, connID)
	}
}

// Forget 清掉一个连接的连续失败计数，连接断开时调用。
// 还没做完的任务失败时不再给它记数。
func (p *Persister) Forget(connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.failures {
		if k.connID == connID {
			delete(p.failures, k)
		}
	}
	if p.inflight[connID] > 0 {
		p.gone[connID] = true
	}
}

// Close 停止接收新任务，等已入队的保存做完
func (p *Persister) Close() {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.closeMu.Unlock()
	p.wg.Wait()
}

func (p *Persister) workerLoop(workerID int, q chan SaveJob) {
	defer p.wg.Done()
	for job := range q {
		attempts, err := p.saveWithRetry(job)
		metrics.SaveDuration.Observe(time.Since(job.queuedAt).Seconds())
		if err != nil {
			log.Printf("save failed doc=%s conn=%s worker=%d attempts=%d err=%v",
				job.DocID, job.ConnID, workerID, attempts, err)
			p.fail(job, attempts, fmt.Errorf("%w: %v", ErrPersistence, err))
		} else {
			p.ack(job)
		}
		p.untrack(job.ConnID)
	}
}

func (p *Persister) saveWithRetry(job SaveJob) (int, error) {
	var err error
	for attempt := 0; attempt <= p.opt.MaxRetry; attempt++ {
		err = p.saveOnce(job)
		if err == nil {
			return attempt + 1, nil
		}
		if attempt == p.opt.MaxRetry || (p.opt.Retryable != nil && !p.opt.Retryable(err)) {
			return attempt + 1, err
		}

		// 退避，每次退避时间X2
		backoff := p.opt.BaseBackoff * time.Duration(1<<attempt)
		if p.opt.MaxBackoff > 0 && backoff > p.opt.MaxBackoff {
			backoff = p.opt.MaxBackoff
		}
		time.Sleep(backoff)
	}
	return p.opt.MaxRetry + 1, err
}

func (p *Persister) saveOnce(job SaveJob) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.opt.WriteTimeout)
	defer cancel()
	return p.store.Overwrite(ctx, job.DocID, job.Content)
}

func (p *Persister) ack(job SaveJob) {
	p.mu.Lock()
	delete(p.failures, failureKey{job.DocID, job.ConnID})
	p.mu.Unlock()

	metrics.Saves.WithLabelValues("ok").Inc()
	p.sink.Deliver(job.ConnID, SaveAck{DocID: job.DocID})
	p.publishSaved(DocEvent{EventType: DocEventSaved, DocID: job.DocID, UserID: job.UserID})
}

func (p *Persister) publishSaved(evt DocEvent) {
	rp, ok := p.publisher.(ReliablePublisher)
	if !ok {
		p.publisher.Publish(evt)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.opt.EventTimeout)
	defer cancel()
	if err := rp.Enqueue(ctx, evt); err != nil {
		metrics.EventsDropped.Inc()
		log.Printf("drop event type=%s doc=%s err=%v", evt.EventType, evt.DocID, err)
	}
}

func (p *Persister) fail(job SaveJob, attempts int, err error) {
	p.mu.Lock()
	n := 0
	if !p.gone[job.ConnID] {
		key := failureKey{job.DocID, job.ConnID}
		p.failures[key]++
		n = p.failures[key]
	}
	p.mu.Unlock()

	metrics.Saves.WithLabelValues("failed").Inc()
	p.sink.Deliver(job.ConnID, SaveFailed{
		DocID:      job.DocID,
		Error:      err.Error(),
		Attempts:   attempts,
		Persistent: n >= p.opt.PersistentAfter,
	})
}
