package kafkago

import (
	"context"
	"fmt"
	"reflect"

	"github.com/3rs4lg4d0/eventbox/evbx"
	"github.com/3rs4lg4d0/eventbox/publisher"
	"github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafka.Writer used to publish.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Publisher sends domain events to Kafka through a segmentio writer. The
// writer must not define a Topic unless WithWriterTopic is used.
type Publisher struct {
	writer      messageWriter
	codec       *evbx.Codec
	writerTopic bool
	logger      evbx.Logger
}

var _ evbx.Publisher = (*Publisher)(nil)
var _ evbx.Loggable = (*Publisher)(nil)

// opt allows optional configuration.
type opt func(p *Publisher)

// WithWriterTopic sends every event to the topic configured in the writer
// instead of one topic per event type.
func WithWriterTopic() opt {
	return func(p *Publisher) {
		p.writerTopic = true
	}
}

func New(w messageWriter, c *evbx.Codec, options ...opt) *Publisher {
	if w == nil || reflect.ValueOf(w).IsNil() {
		panic("writer is mandatory")
	}
	if c == nil {
		panic("codec is mandatory")
	}
	p := &Publisher{
		writer: w,
		codec:  c,
		logger: &evbx.NopLogger{},
	}
	for _, o := range options {
		o(p)
	}
	return p
}

func (p *Publisher) SetLogger(l evbx.Logger) {
	p.logger = l
}

// Publish writes the serialized event. A synchronous writer returns once the
// broker acknowledged the message.
func (p *Publisher) Publish(ctx context.Context, e evbx.DomainEvent) error {
	payload, err := p.codec.Serialize(e)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   publisher.Key(e),
		Value: []byte(payload),
		Time:  e.EventOccurredAt(),
	}
	if !p.writerTopic {
		msg.Topic = publisher.TopicName(e.EventType())
	}
	for _, h := range publisher.Headers(e) {
		msg.Headers = append(msg.Headers, kafka.Header{Key: h.Key, Value: h.Value})
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("could not write event '%s': %w", e.EventID(), err)
	}
	p.logger.Debug(fmt.Sprintf("Delivered event '%s' to topic %s", e.EventID(), msg.Topic))
	return nil
}
