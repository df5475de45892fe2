package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	api "github.com/rangelab/solverqueue/api/v1alpha1"
)

// MemoryBroker is an in-process Broker with the same queue/DLQ/delay
// semantics as the AMQP implementation. It backs tests and local runs
// without a broker.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]chan Message
	dlqs   map[string][]Message
	timers []*time.Timer
	closed bool
}

var _ Broker = (*MemoryBroker)(nil)

const memoryQueueDepth = 1024

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues: map[string]chan Message{},
		dlqs:   map[string][]Message{},
	}
}

func (b *MemoryBroker) DeclareTopology(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, jobType := range api.JobTypes() {
		b.queueLocked(jobType.Queue())
		if _, ok := b.dlqs[jobType.DLQ()]; !ok {
			b.dlqs[jobType.DLQ()] = nil
		}
	}
	return nil
}

func (b *MemoryBroker) queueLocked(name string) chan Message {
	q, ok := b.queues[name]
	if !ok {
		q = make(chan Message, memoryQueueDepth)
		b.queues[name] = q
	}
	return q
}

func (b *MemoryBroker) Publish(ctx context.Context, msg Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("broker closed")
	}
	q := b.queueLocked(msg.Type.Queue())
	b.mu.Unlock()

	select {
	case q <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBroker) PublishDelayed(ctx context.Context, msg Message, delay time.Duration) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("broker closed")
	}
	timer := time.AfterFunc(delay, func() {
		_ = b.Publish(context.Background(), msg)
	})
	b.timers = append(b.timers, timer)
	b.mu.Unlock()
	return nil
}

func (b *MemoryBroker) Consume(ctx context.Context, jobType api.JobType) (<-chan Delivery, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("broker closed")
	}
	q := b.queueLocked(jobType.Queue())
	b.mu.Unlock()

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-q:
				if !ok {
					return
				}
				select {
				case out <- &memoryDelivery{broker: b, msg: msg}:
				case <-ctx.Done():
					// hand the message back rather than losing it
					_ = b.Publish(context.Background(), msg)
					return
				}
			}
		}
	}()

	return out, nil
}

func (b *MemoryBroker) ListDLQ(ctx context.Context, jobType api.JobType) ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dlq := b.dlqs[jobType.DLQ()]
	out := make([]Message, len(dlq))
	copy(out, dlq)
	return out, nil
}

func (b *MemoryBroker) TakeFromDLQ(ctx context.Context, jobType api.JobType, jobID uuid.UUID) (*Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dlq := b.dlqs[jobType.DLQ()]
	for i, msg := range dlq {
		if msg.JobID == jobID {
			b.dlqs[jobType.DLQ()] = append(dlq[:i], dlq[i+1:]...)
			taken := msg
			return &taken, nil
		}
	}
	return nil, ErrMessageNotFound
}

func (b *MemoryBroker) PurgeDLQ(ctx context.Context, jobType api.JobType) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := len(b.dlqs[jobType.DLQ()])
	b.dlqs[jobType.DLQ()] = nil
	return count, nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, t := range b.timers {
		t.Stop()
	}
	return nil
}

func (b *MemoryBroker) deadLetter(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dlqs[msg.Type.DLQ()] = append(b.dlqs[msg.Type.DLQ()], msg)
}

// DeadLetter places a message straight into its type's DLQ, bypassing the
// main queue. Intended for seeding recovery scenarios in tests.
func (b *MemoryBroker) DeadLetter(msg Message) {
	b.deadLetter(msg)
}

// Depth reports the number of messages currently held in the named main
// queue.
func (b *MemoryBroker) Depth(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queueName]; ok {
		return len(q)
	}
	return 0
}

type memoryDelivery struct {
	broker *MemoryBroker
	msg    Message
	once   sync.Once
}

func (d *memoryDelivery) Message() Message { return d.msg }

func (d *memoryDelivery) Ack() error {
	d.once.Do(func() {})
	return nil
}

func (d *memoryDelivery) Nack(requeue bool) error {
	d.once.Do(func() {
		if requeue {
			_ = d.broker.Publish(context.Background(), d.msg)
			return
		}
		d.broker.deadLetter(d.msg)
	})
	return nil
}
