// Package consumer reads outbox events back from Kafka and fans them out to handlers.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"example.com/sadhana/internal/outbox"
)

// Reader is the part of kafka.Reader the processor uses.
type Reader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// Handler receives decoded messages.
type Handler interface {
	Handle(context.Context, Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(context.Context, Message) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Chain runs handlers in order and stops at the first error.
func Chain(handlers ...Handler) Handler {
	return HandlerFunc(func(ctx context.Context, msg Message) error {
		for _, h := range handlers {
			if err := h.Handle(ctx, msg); err != nil {
				return err
			}
		}
		return nil
	})
}

// Message is a Kafka record published by the outbox dispatcher, unframed.
type Message struct {
	Topic         string
	Partition     int
	Offset        int64
	Key           string
	Timestamp     time.Time
	EventType     string
	SchemaSubject string
	SchemaID      int
	Payload       json.RawMessage
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger overrides the processor's logger.
func WithLogger(entry *logrus.Entry) Option {
	return func(p *Processor) {
		if entry != nil {
			p.log = entry
		}
	}
}

// Processor pulls messages from Kafka, decodes them and dispatches them to a Handler.
// A message is committed once handled, or immediately when it cannot be decoded.
type Processor struct {
	reader  Reader
	handler Handler
	log     *logrus.Entry
}

// NewProcessor constructs a Processor.
func NewProcessor(reader Reader, handler Handler, opts ...Option) *Processor {
	p := &Processor{
		reader:  reader,
		handler: handler,
		log:     logrus.NewEntry(logrus.StandardLogger()).WithField("component", "consumer"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run processes messages until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := p.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			p.log.WithError(err).Warn("fetch failed")
			continue
		}

		fields := logrus.Fields{"topic": msg.Topic, "partition": msg.Partition, "offset": msg.Offset}
		event, err := decodeMessage(msg)
		if err != nil {
			p.log.WithFields(fields).WithError(err).Error("undecodable message skipped")
			recordDecodeError(msg.Topic)
			// Poison messages are committed so they are not redelivered forever.
			if commitErr := p.reader.CommitMessages(ctx, msg); commitErr != nil {
				p.log.WithFields(fields).WithError(commitErr).Warn("commit failed")
			}
			continue
		}

		if err := p.handler.Handle(ctx, event); err != nil {
			p.log.WithFields(fields).WithField("event_type", event.EventType).WithError(err).Error("handler failed")
			recordHandlerError(event)
			continue
		}

		if err := p.reader.CommitMessages(ctx, msg); err != nil {
			p.log.WithFields(fields).WithError(err).Warn("commit failed")
			continue
		}
		recordProcessed(event)
	}
}

func decodeMessage(msg kafka.Message) (Message, error) {
	eventType, ok := headerValue(msg, outbox.HeaderEventType)
	if !ok || eventType == "" {
		return Message{}, errors.New("missing event_type header")
	}
	schemaID, payload, err := outbox.DecodeWireFormat(msg.Value)
	if err != nil {
		return Message{}, fmt.Errorf("invalid payload (%d bytes): %w", len(msg.Value), err)
	}
	if !json.Valid(payload) {
		return Message{}, errors.New("payload is not JSON")
	}
	subject, _ := headerValue(msg, outbox.HeaderSchemaSubject)

	return Message{
		Topic:         msg.Topic,
		Partition:     msg.Partition,
		Offset:        msg.Offset,
		Key:           string(msg.Key),
		Timestamp:     msg.Time,
		EventType:     eventType,
		SchemaSubject: subject,
		SchemaID:      schemaID,
		Payload:       append(json.RawMessage(nil), payload...),
	}, nil
}

func headerValue(msg kafka.Message, key string) (string, bool) {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value), true
		}
	}
	return "", false
}
