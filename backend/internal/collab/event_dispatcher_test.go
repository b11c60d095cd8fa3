package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
)

func TestKafkaDispatcher_PublishesDocEvents(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var evt DocEvent
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		if evt.EventType != DocEventSaved || evt.DocID != "doc1" || evt.UserID != "u1" {
			return fmt.Errorf("unexpected event %+v", evt)
		}
		if evt.EventID == "" || evt.OccurredAt.IsZero() {
			return fmt.Errorf("event not stamped: %+v", evt)
		}
		return nil
	})

	d := NewKafkaDispatcher(sp, "doc-events", KafkaDispatcherOptions{QueueSize: 8, Workers: 1, MaxInFlight: 2})
	d.Publish(DocEvent{EventType: DocEventSaved, DocID: "doc1", UserID: "u1"})
	d.Close()

	if err := sp.Close(); err != nil {
		t.Fatalf("producer Close() error = %v", err)
	}
}

func TestKafkaDispatcher_RetriesFailedSend(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	sp.ExpectSendMessageAndSucceed()

	d := NewKafkaDispatcher(sp, "doc-events", KafkaDispatcherOptions{
		QueueSize:   8,
		Workers:     1,
		MaxRetry:    2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  time.Millisecond,
	})
	d.Publish(DocEvent{EventType: DocEventUserJoined, DocID: "doc1", UserID: "u1"})
	d.Close()

	if err := sp.Close(); err != nil {
		t.Fatalf("producer Close() error = %v", err)
	}
}

func TestKafkaDispatcher_NoProducerIsNoop(t *testing.T) {
	d := NewKafkaDispatcher(nil, "", KafkaDispatcherOptions{QueueSize: 1})
	d.Publish(DocEvent{EventType: DocEventUserLeft, DocID: "doc1"})
	d.Close()
	// 关闭后再发布只计数丢弃
	d.Publish(DocEvent{EventType: DocEventUserLeft, DocID: "doc1"})
}

func TestKafkaDispatcher_EnqueueWaitsForRoom(t *testing.T) {
	// 不启动 worker，队列只会被填满
	d := &KafkaDispatcher{queue: make(chan DocEvent, 1)}

	if err := d.Enqueue(context.Background(), DocEvent{EventType: DocEventSaved, DocID: "doc1"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Enqueue(ctx, DocEvent{EventType: DocEventSaved, DocID: "doc2"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Enqueue() on a full queue error = %v, want DeadlineExceeded", err)
	}

	d.Close()
	if err := d.Enqueue(context.Background(), DocEvent{EventType: DocEventSaved, DocID: "doc1"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Enqueue() after Close error = %v, want ErrClosed", err)
	}
}
