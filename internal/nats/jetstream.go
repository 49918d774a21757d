package natsjs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// StreamConfig names the JetStream stream that carries mailbox events
type StreamConfig struct {
	Name     string
	Subjects []string
	MaxAge   time.Duration
}

// Publisher wraps NATS JetStream for publishing events
type Publisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	stream StreamConfig
}

// NewPublisher creates a new NATS JetStream publisher
func NewPublisher(url string, stream StreamConfig) (*Publisher, error) {
	if stream.Name == "" {
		stream.Name = "MAILBOX_EVENTS"
	}
	if len(stream.Subjects) == 0 {
		stream.Subjects = []string{"mailbox.>"}
	}
	if stream.MaxAge <= 0 {
		stream.MaxAge = 30 * 24 * time.Hour
	}

	nc, err := nats.Connect(url, nats.Name("mailsync"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js, stream: stream}, nil
}

// EnsureStream ensures the mailbox event stream exists
func (p *Publisher) EnsureStream(ctx context.Context) error {
	streamInfo, err := p.js.StreamInfo(p.stream.Name, nats.Context(ctx))
	if err == nil && streamInfo != nil {
		return nil
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:       p.stream.Name,
		Subjects:   p.stream.Subjects,
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     p.stream.MaxAge,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Publish publishes a message to NATS JetStream with deduplication
func (p *Publisher) Publish(subject string, payload []byte, msgID string) error {
	_, err := p.js.Publish(subject, payload, nats.MsgId(msgID))
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close closes the NATS connection
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
