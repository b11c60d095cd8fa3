package collab

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"collabSync/backend/internal/metrics"
)

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// - Publish 只负责入队，不阻塞调度循环
// - Kafka 短暂阻塞时靠队列吸收，后台慢慢补发
// - 队列满时降级丢弃，避免内存无限增长（下游事件不要求每条必达）
// - DOC_SAVED 走 Enqueue，队列满时等一小会儿再放弃
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan DocEvent
	wg    sync.WaitGroup

	closeMu sync.RWMutex
	closed  bool

	// sem 限制并发的 SendMessage 数量
	sem *semaphore.Weighted

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

var _ ReliablePublisher = (*KafkaDispatcher)(nil)

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxInFlight int64
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan DocEvent, opt.QueueSize),
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	if opt.MaxInFlight > 0 {
		d.sem = semaphore.NewWeighted(opt.MaxInFlight)
	}

	d.start()
	return d
}

func stamp(evt DocEvent) DocEvent {
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}
	return evt
}

// Publish 非阻塞入队，队列满就丢弃
func (d *KafkaDispatcher) Publish(evt DocEvent) {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		metrics.EventsDropped.Inc()
		return
	}
	select {
	case d.queue <- stamp(evt):
	default:
		metrics.EventsDropped.Inc()
		log.Printf("kafka queue full, drop event type=%s doc=%s", evt.EventType, evt.DocID)
	}
}

// Enqueue：把事件放入本地队列。
// - 队列满时，等待直到 ctx 超时
// - ctx 超时返回错误
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt DocEvent) error {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- stamp(evt):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *KafkaDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

// Close 等队列里剩下的事件发完
func (d *KafkaDispatcher) Close() {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.closeMu.Unlock()
	d.wg.Wait()
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt DocEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.sem != nil {
			// worker 允许一直等待（不会影响主链路）
			_ = d.sem.Acquire(context.Background(), 1)
		}

		err := d.sendOnce(evt)

		if d.sem != nil {
			d.sem.Release(1)
		}

		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			metrics.EventsDropped.Inc()
			log.Printf("kafka send failed, drop event type=%s doc=%s id=%s worker=%d err=%v",
				evt.EventType, evt.DocID, evt.EventID, workerID, err)
			return
		}

		// 退避，每次退避时间X2
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(evt DocEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.DocID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
