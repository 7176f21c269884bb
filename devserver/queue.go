package devserver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"
)

// ErrQueuesClosed is returned by operations on closed queues.
var ErrQueuesClosed = errors.New("task queues closed")

// TaskKind separates workflow and activity queues of the same name.
type TaskKind string

const (
	TaskWorkflow TaskKind = "workflow"
	TaskActivity TaskKind = "activity"
)

func topicOf(namespace string, kind TaskKind, queue string) string {
	return namespace + "/" + string(kind) + "/" + queue
}

// dispatcher owns the only subscription to one topic and hands each message
// to exactly one poller.
type dispatcher struct {
	handoff chan *message.Message
}

// Queues is the set of task queues. Publishing to a queue nobody polls yet is
// fine: the underlying go-channel is persistent and replays on subscribe.
type Queues struct {
	pubsub      *gochannel.GoChannel
	dispatchers map[string]*dispatcher
	onDispatch  func(kind TaskKind)
	ctx         context.Context
	cancel      context.CancelFunc
	log         *zap.Logger
	wg          sync.WaitGroup
	mu          sync.Mutex
	closed      bool
}

// NewQueues creates an empty queue set.
func NewQueues(log *zap.Logger) *Queues {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queues{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 64,
			Persistent:          true,
		}, newZapAdapter(log)),
		dispatchers: make(map[string]*dispatcher),
		ctx:         ctx,
		cancel:      cancel,
		log:         log,
	}
}

func (q *Queues) dispatcherFor(topic string) (*dispatcher, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueuesClosed
	}
	if d, ok := q.dispatchers[topic]; ok {
		return d, nil
	}

	msgs, err := q.pubsub.Subscribe(q.ctx, topic)
	if err != nil {
		return nil, err
	}
	d := &dispatcher{handoff: make(chan *message.Message)}
	q.dispatchers[topic] = d

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for msg := range msgs {
			select {
			case d.handoff <- msg:
			case <-q.ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return d, nil
}

// Publish enqueues one task payload.
func (q *Queues) Publish(namespace string, kind TaskKind, queue string, payload []byte) error {
	topic := topicOf(namespace, kind, queue)
	// Subscribe before publishing so the dispatcher exists for pollers.
	if _, err := q.dispatcherFor(topic); err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set("kind", string(kind))
	return q.pubsub.Publish(topic, msg)
}

// Poll waits up to timeout for a task. It returns nil without error when the
// wait timed out.
func (q *Queues) Poll(ctx context.Context, namespace string, kind TaskKind, queue string, timeout time.Duration) ([]byte, error) {
	d, err := q.dispatcherFor(topicOf(namespace, kind, queue))
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-d.handoff:
		msg.Ack()
		if q.onDispatch != nil {
			q.onDispatch(kind)
		}
		return msg.Payload, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.ctx.Done():
		return nil, ErrQueuesClosed
	}
}

// Close stops every dispatcher and the underlying go-channel.
func (q *Queues) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	err := q.pubsub.Close()
	q.wg.Wait()
	return err
}
