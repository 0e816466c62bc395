package queue

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPQueue publishes to and polls durable RabbitMQ queues named after the
// channel.
type AMQPQueue struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	mu       sync.Mutex
	declared map[string]bool
}

func DialAMQP(rawURL string) (*AMQPQueue, error) {
	conn, err := amqp.Dial(rawURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", RedactURL(rawURL), err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return &AMQPQueue{conn: conn, ch: ch, declared: map[string]bool{}}, nil
}

func (q *AMQPQueue) ensure(name string) error {
	if q.declared[name] {
		return nil
	}
	if _, err := q.ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	q.declared[name] = true
	return nil
}

func (q *AMQPQueue) Push(ctx context.Context, channel string, msg Message) error {
	body, err := encode(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ensure(channel); err != nil {
		return err
	}
	return q.ch.PublishWithContext(ctx, "", channel, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

func (q *AMQPQueue) Pop(_ context.Context, channel string) (*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ensure(channel); err != nil {
		return nil, err
	}
	d, ok, err := q.ch.Get(channel, false)
	if err != nil {
		return nil, fmt.Errorf("get from %s: %w", channel, err)
	}
	if !ok {
		return nil, nil
	}
	msg, err := decode(channel, d.Body)
	if err != nil {
		_ = d.Nack(false, false)
		return nil, err
	}
	msg.ack = func(context.Context) error { return d.Ack(false) }
	msg.nack = func(_ context.Context, requeue bool) error { return d.Nack(false, requeue) }
	return msg, nil
}

func (q *AMQPQueue) Close() error {
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

// RedactURL hides the password of a broker URL for logging.
func RedactURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	if parsed.User == nil {
		return parsed.String()
	}
	if _, ok := parsed.User.Password(); ok {
		parsed.User = url.UserPassword(parsed.User.Username(), "REDACTED")
	}
	return parsed.String()
}
