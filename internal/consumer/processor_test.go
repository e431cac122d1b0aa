package consumer

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"example.com/sadhana/internal/events"
	"example.com/sadhana/internal/outbox"
)

func TestProcessorCommitsOnSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	payload := []byte(`{"entry_id":"e1","user_id":"u1"}`)
	msg := framedMessage(10, 42, events.TypeLedgerSubmitted, payload)
	msg.Key = []byte("fam-1")

	reader := &stubReader{messages: []kafka.Message{msg}, after: contextCanceled}
	handler := &stubHandler{}
	logger, _ := logtest.NewNullLogger()

	processor := NewProcessor(reader, handler, WithLogger(logrus.NewEntry(logger)))

	err := processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, handler.calls)
	require.Equal(t, 1, reader.commitCalls)
	require.Equal(t, events.TypeLedgerSubmitted, handler.last.EventType)
	require.Equal(t, outbox.TopicLedgerEvents+"-value", handler.last.SchemaSubject)
	require.Equal(t, "fam-1", handler.last.Key)
	require.Equal(t, 42, handler.last.SchemaID)
	require.JSONEq(t, string(payload), string(handler.last.Payload))
}

func TestProcessorSkipsCommitOnHandlerError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg := framedMessage(20, 99, events.TypeFamilyMemberJoined, []byte(`{"family_id":"f1"}`))
	reader := &stubReader{messages: []kafka.Message{msg}, after: contextCanceled}
	handler := &stubHandler{err: errors.New("boom")}
	logger, hook := logtest.NewNullLogger()

	processor := NewProcessor(reader, handler, WithLogger(logrus.NewEntry(logger)))

	err := processor.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, handler.calls)
	require.Equal(t, 0, reader.commitCalls)
	require.NotNil(t, hook.LastEntry())
	require.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
	require.Equal(t, "handler failed", hook.LastEntry().Message)
}

func TestProcessorCommitsUndecodableMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	missingHeader := framedMessage(30, 1, "", []byte(`{}`))
	badMagic := framedMessage(31, 1, events.TypeLedgerSubmitted, []byte(`{}`))
	badMagic.Value[0] = 7
	notJSON := framedMessage(32, 1, events.TypeLedgerSubmitted, []byte(`not json`))

	reader := &stubReader{messages: []kafka.Message{missingHeader, badMagic, notJSON}, after: contextCanceled}
	handler := &stubHandler{}
	logger, hook := logtest.NewNullLogger()

	err := NewProcessor(reader, handler, WithLogger(logrus.NewEntry(logger))).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.Zero(t, handler.calls)
	require.Equal(t, 3, reader.commitCalls)
	require.Len(t, hook.AllEntries(), 3)
}

func TestChainStopsAtFirstError(t *testing.T) {
	var order []string
	first := HandlerFunc(func(context.Context, Message) error {
		order = append(order, "first")
		return errors.New("stop")
	})
	second := HandlerFunc(func(context.Context, Message) error {
		order = append(order, "second")
		return nil
	})

	err := Chain(first, second).Handle(context.Background(), Message{})
	require.EqualError(t, err, "stop")
	require.Equal(t, []string{"first"}, order)

	order = nil
	require.NoError(t, Chain(second, second).Handle(context.Background(), Message{}))
	require.Equal(t, []string{"second", "second"}, order)
}

func framedMessage(offset int64, schemaID uint32, eventType string, payload []byte) kafka.Message {
	value := make([]byte, 5+len(payload))
	value[0] = 0
	binary.BigEndian.PutUint32(value[1:5], schemaID)
	copy(value[5:], payload)

	topic := outbox.TopicLedgerEvents
	if eventType == events.TypeFamilyMemberJoined {
		topic = outbox.TopicFamilyEvents
	}
	headers := []kafka.Header{{Key: outbox.HeaderSchemaSubject, Value: []byte(topic + "-value")}}
	if eventType != "" {
		headers = append(headers, kafka.Header{Key: outbox.HeaderEventType, Value: []byte(eventType)})
	}
	return kafka.Message{
		Topic:     topic,
		Partition: 0,
		Offset:    offset,
		Time:      time.Now().UTC(),
		Value:     value,
		Headers:   headers,
	}
}

type stubReader struct {
	messages    []kafka.Message
	index       int
	commitCalls int
	after       func() error
}

func (r *stubReader) FetchMessage(context.Context) (kafka.Message, error) {
	if r.index >= len(r.messages) {
		if r.after != nil {
			return kafka.Message{}, r.after()
		}
		return kafka.Message{}, context.Canceled
	}
	msg := r.messages[r.index]
	r.index++
	return msg, nil
}

func (r *stubReader) CommitMessages(_ context.Context, _ ...kafka.Message) error {
	r.commitCalls++
	return nil
}

func (r *stubReader) Close() error { return nil }

func contextCanceled() error { return context.Canceled }

type stubHandler struct {
	calls int
	err   error
	last  Message
}

func (h *stubHandler) Handle(_ context.Context, msg Message) error {
	h.calls++
	h.last = msg
	return h.err
}
