package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/petrijr/sagaflow/pkg/api"
)

const (
	// EventExchange is the topic exchange Publish broadcasts to.
	EventExchange = "sagaflow.events"

	// DefaultCommandQueue receives sends without an explicit
	// destination.
	DefaultCommandQueue = "sagaflow.commands"
)

// Envelope is the JSON wire format for every dispatched message.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// AMQPTransport implements api.Transport over RabbitMQ. Commands go to
// a queue via the default exchange, events to a topic exchange routed
// by message type, and queries use reply-to / correlation-id RPC.
type AMQPTransport struct {
	conn   *Connection
	logger *slog.Logger
}

var _ api.Transport = (*AMQPTransport)(nil)

// NewAMQPTransport declares the exchange/queue topology and returns a
// transport bound to conn.
func NewAMQPTransport(conn *Connection, logger *slog.Logger) (*AMQPTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &AMQPTransport{conn: conn, logger: logger}
	if err := t.declareTopology(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *AMQPTransport) declareTopology() error {
	return t.conn.WithChannel(func(ch *amqp.Channel) error {
		if err := ch.ExchangeDeclare(EventExchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", EventExchange, err)
		}
		if _, err := ch.QueueDeclare(DefaultCommandQueue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", DefaultCommandQueue, err)
		}
		return nil
	})
}

func envelope(msg any) (*Envelope, []byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal payload: %w", err)
	}
	env := &Envelope{
		ID:        uuid.New().String(),
		Type:      fmt.Sprintf("%T", msg),
		Payload:   payload,
		Timestamp: time.Now(),
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return env, body, nil
}

// wrapDispatch classifies ctx expiry as a timeout dispatch error.
func wrapDispatch(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	timeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
	return api.NewDispatchError(op, err, timeout)
}

func (t *AMQPTransport) Send(ctx context.Context, msg any, destination string) error {
	if destination == "" {
		destination = DefaultCommandQueue
	}
	env, body, err := envelope(msg)
	if err != nil {
		return api.NewDispatchError("send", err, false)
	}

	err = t.conn.WithChannel(func(ch *amqp.Channel) error {
		return ch.PublishWithContext(ctx, "", destination, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    env.ID,
			Type:         env.Type,
			Timestamp:    env.Timestamp,
			Body:         body,
		})
	})
	if err != nil {
		return wrapDispatch(ctx, "send", err)
	}

	t.logger.Debug("sent command",
		"destination", destination,
		"message_id", env.ID,
		"type", env.Type,
	)
	return nil
}

func (t *AMQPTransport) Publish(ctx context.Context, msg any) error {
	env, body, err := envelope(msg)
	if err != nil {
		return api.NewDispatchError("publish", err, false)
	}

	err = t.conn.WithChannel(func(ch *amqp.Channel) error {
		return ch.PublishWithContext(ctx, EventExchange, env.Type, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    env.ID,
			Type:         env.Type,
			Timestamp:    env.Timestamp,
			Body:         body,
		})
	})
	if err != nil {
		return wrapDispatch(ctx, "publish", err)
	}

	t.logger.Debug("published event",
		"exchange", EventExchange,
		"message_id", env.ID,
		"type", env.Type,
	)
	return nil
}

func (t *AMQPTransport) Query(ctx context.Context, msg any) (any, error) {
	env, body, err := envelope(msg)
	if err != nil {
		return nil, api.NewDispatchError("query", err, false)
	}

	var reply any
	err = t.conn.WithChannel(func(ch *amqp.Channel) error {
		replyQueue, err := ch.QueueDeclare("", false, true, true, false, nil)
		if err != nil {
			return fmt.Errorf("declare reply queue: %w", err)
		}
		deliveries, err := ch.Consume(replyQueue.Name, "", true, true, false, false, nil)
		if err != nil {
			return fmt.Errorf("consume reply queue: %w", err)
		}

		if err := ch.PublishWithContext(ctx, "", DefaultCommandQueue, false, false, amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     env.ID,
			Type:          env.Type,
			Timestamp:     env.Timestamp,
			CorrelationId: env.ID,
			ReplyTo:       replyQueue.Name,
			Body:          body,
		}); err != nil {
			return fmt.Errorf("publish query: %w", err)
		}

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case d, ok := <-deliveries:
				if !ok {
					return fmt.Errorf("reply channel closed")
				}
				if d.CorrelationId != env.ID {
					continue
				}
				var replyEnv Envelope
				if err := json.Unmarshal(d.Body, &replyEnv); err != nil {
					return fmt.Errorf("unmarshal reply: %w", err)
				}
				var decoded any
				if err := json.Unmarshal(replyEnv.Payload, &decoded); err != nil {
					return fmt.Errorf("unmarshal reply payload: %w", err)
				}
				reply = decoded
				return nil
			}
		}
	})
	if err != nil {
		return nil, wrapDispatch(ctx, "query", err)
	}

	t.logger.Debug("query answered", "message_id", env.ID, "type", env.Type)
	return reply, nil
}
