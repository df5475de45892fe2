package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	api "github.com/rangelab/solverqueue/api/v1alpha1"
)

// AMQPBroker implements Broker on top of an AMQP 0-9-1 broker. Dead-lettering
// is broker-native: the main queue declares the DLQ as its dead-letter target,
// so a Nack without requeue lands there without application code involved.
type AMQPBroker struct {
	conn     *amqp.Connection
	pubCh    *amqp.Channel
	pubMu    sync.Mutex
	prefetch int

	delayMu       sync.Mutex
	delayDeclared map[string]bool
}

var _ Broker = (*AMQPBroker)(nil)

func NewAMQPBroker(url string, prefetch int) (*AMQPBroker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialing broker: %w", err)
	}

	pubCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("opening publish channel: %w", err)
	}

	return &AMQPBroker{
		conn:          conn,
		pubCh:         pubCh,
		prefetch:      prefetch,
		delayDeclared: map[string]bool{},
	}, nil
}

func (b *AMQPBroker) DeclareTopology(ctx context.Context) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	for _, jobType := range api.JobTypes() {
		if _, err := ch.QueueDeclare(jobType.DLQ(), true, false, false, false, nil); err != nil {
			return fmt.Errorf("declaring queue %s: %w", jobType.DLQ(), err)
		}

		args := amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": jobType.DLQ(),
		}
		if _, err := ch.QueueDeclare(jobType.Queue(), true, false, false, false, args); err != nil {
			return fmt.Errorf("declaring queue %s: %w", jobType.Queue(), err)
		}

		zap.S().Named("queue").Infof("declared queues %s, %s", jobType.Queue(), jobType.DLQ())
	}

	return nil
}

func (b *AMQPBroker) Publish(ctx context.Context, msg Message) error {
	return b.publish(ctx, msg.Type.Queue(), msg)
}

func (b *AMQPBroker) PublishDelayed(ctx context.Context, msg Message, delay time.Duration) error {
	delayQueue, err := b.ensureDelayQueue(msg.Type, delay)
	if err != nil {
		return err
	}
	return b.publish(ctx, delayQueue, msg)
}

// ensureDelayQueue declares the per-duration holding queue on first use.
// Messages expire after the queue TTL and are dead-lettered back into the
// type's main queue.
func (b *AMQPBroker) ensureDelayQueue(jobType api.JobType, delay time.Duration) (string, error) {
	seconds := int(delay / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	name := fmt.Sprintf("%s-delay-%d", jobType.Queue(), seconds)

	b.delayMu.Lock()
	defer b.delayMu.Unlock()
	if b.delayDeclared[name] {
		return name, nil
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return "", fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	args := amqp.Table{
		"x-message-ttl":             int32(seconds * 1000),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": jobType.Queue(),
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
		return "", fmt.Errorf("declaring queue %s: %w", name, err)
	}

	b.delayDeclared[name] = true
	return name, nil
}

func (b *AMQPBroker) publish(ctx context.Context, queueName string, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	err = b.pubCh.PublishWithContext(ctx, "", queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.TaskID,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publishing to %s: %w", queueName, err)
	}
	return nil
}

func (b *AMQPBroker) Consume(ctx context.Context, jobType api.JobType) (<-chan Delivery, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("opening channel: %w", err)
	}

	if err := ch.Qos(b.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("setting qos: %w", err)
	}

	deliveries, err := ch.Consume(jobType.Queue(), "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consuming %s: %w", jobType.Queue(), err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				msg, err := decodeMessage(d.Body)
				if err != nil {
					// undecodable messages can never succeed
					zap.S().Named("queue").Errorf("dropping undecodable message on %s: %v", jobType.Queue(), err)
					_ = d.Nack(false, false)
					continue
				}
				select {
				case out <- &amqpDelivery{msg: msg, d: d}:
				case <-ctx.Done():
					_ = d.Nack(false, true)
					return
				}
			}
		}
	}()

	return out, nil
}

func (b *AMQPBroker) ListDLQ(ctx context.Context, jobType api.JobType) ([]Message, error) {
	var messages []Message
	err := b.scanDLQ(jobType, func(msg Message, d amqp.Delivery) (took bool, stop bool, err error) {
		messages = append(messages, msg)
		return false, false, nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (b *AMQPBroker) TakeFromDLQ(ctx context.Context, jobType api.JobType, jobID uuid.UUID) (*Message, error) {
	var taken *Message
	err := b.scanDLQ(jobType, func(msg Message, d amqp.Delivery) (took bool, stop bool, err error) {
		if msg.JobID == jobID {
			taken = &msg
			return true, true, nil
		}
		return false, false, nil
	})
	if err != nil {
		return nil, err
	}
	if taken == nil {
		return nil, ErrMessageNotFound
	}
	return taken, nil
}

// scanDLQ walks the DLQ with basic.get, holding every read message unacked so
// the walk terminates. Messages the visitor takes are acked; the rest are
// nacked back with requeue.
func (b *AMQPBroker) scanDLQ(jobType api.JobType, visit func(Message, amqp.Delivery) (took bool, stop bool, err error)) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	var held []amqp.Delivery
	defer func() {
		for _, d := range held {
			_ = d.Nack(false, true)
		}
	}()

	for {
		d, ok, err := ch.Get(jobType.DLQ(), false)
		if err != nil {
			return fmt.Errorf("reading %s: %w", jobType.DLQ(), err)
		}
		if !ok {
			return nil
		}

		msg, err := decodeMessage(d.Body)
		if err != nil {
			held = append(held, d)
			continue
		}

		took, stop, err := visit(msg, d)
		if err != nil {
			held = append(held, d)
			return err
		}
		if took {
			if err := d.Ack(false); err != nil {
				return fmt.Errorf("acking %s: %w", jobType.DLQ(), err)
			}
		} else {
			held = append(held, d)
		}
		if stop {
			return nil
		}
	}
}

func (b *AMQPBroker) PurgeDLQ(ctx context.Context, jobType api.JobType) (int, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return 0, fmt.Errorf("opening channel: %w", err)
	}
	defer ch.Close()

	count, err := ch.QueuePurge(jobType.DLQ(), false)
	if err != nil {
		return 0, fmt.Errorf("purging %s: %w", jobType.DLQ(), err)
	}
	return count, nil
}

func (b *AMQPBroker) Close() error {
	return b.conn.Close()
}

func decodeMessage(body []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

type amqpDelivery struct {
	msg Message
	d   amqp.Delivery
}

func (a *amqpDelivery) Message() Message { return a.msg }

func (a *amqpDelivery) Ack() error { return a.d.Ack(false) }

func (a *amqpDelivery) Nack(requeue bool) error { return a.d.Nack(false, requeue) }
