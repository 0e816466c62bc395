package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed marks a queue payload that could not be decoded.
var ErrMalformed = errors.New("malformed queue message")

// Message says an item is ready for the stages consuming Channel and names
// the host that produced its latest artifact.
type Message struct {
	ContentID int64  `json:"content_id"`
	Hostname  string `json:"hostname"`

	Channel string `json:"-"`
	ack     func(ctx context.Context) error
	nack    func(ctx context.Context, requeue bool) error
}

// Ack removes the message for good.
func (m *Message) Ack(ctx context.Context) error {
	if m == nil || m.ack == nil {
		return nil
	}
	return m.ack(ctx)
}

// Nack releases the message, putting it back on its channel when requeue is true.
func (m *Message) Nack(ctx context.Context, requeue bool) error {
	if m == nil || m.nack == nil {
		return nil
	}
	return m.nack(ctx, requeue)
}

// Notifier is the best-effort side channel between stages. Pop returns nil
// when the channel is empty.
type Notifier interface {
	Push(ctx context.Context, channel string, msg Message) error
	Pop(ctx context.Context, channel string) (*Message, error)
	Close() error
}

func encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

func decode(channel string, body []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w on %s: %v", ErrMalformed, channel, err)
	}
	if msg.ContentID <= 0 {
		return nil, fmt.Errorf("%w on %s: missing content_id", ErrMalformed, channel)
	}
	msg.Channel = channel
	return &msg, nil
}

// Noop drops pushes and never has messages. It is used when no queue backend
// is configured.
type Noop struct{}

func (Noop) Push(context.Context, string, Message) error   { return nil }
func (Noop) Pop(context.Context, string) (*Message, error) { return nil, nil }
func (Noop) Close() error                                  { return nil }
