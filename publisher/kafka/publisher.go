package kafka

import (
	"context"
	"fmt"
	"reflect"

	"github.com/3rs4lg4d0/eventbox/evbx"
	"github.com/3rs4lg4d0/eventbox/publisher"
	"github.com/confluentinc/confluent-kafka-go/kafka"
)

// kafkaProducer is the subset of *kafka.Producer used to publish.
type kafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
}

// Publisher sends domain events to Kafka using the confluent client. Every
// event goes to the topic derived from its type and the call waits for the
// delivery report.
type Publisher struct {
	producer kafkaProducer
	codec    *evbx.Codec
	logger   evbx.Logger
}

var _ evbx.Publisher = (*Publisher)(nil)
var _ evbx.Loggable = (*Publisher)(nil)

func New(p kafkaProducer, c *evbx.Codec) *Publisher {
	if p == nil || reflect.ValueOf(p).IsNil() {
		panic("producer is mandatory")
	}
	if c == nil {
		panic("codec is mandatory")
	}
	return &Publisher{
		producer: p,
		codec:    c,
		logger:   &evbx.NopLogger{},
	}
}

func (p *Publisher) SetLogger(l evbx.Logger) {
	p.logger = l
}

// Publish produces the serialized event and blocks until the broker
// acknowledges it or ctx is done.
func (p *Publisher) Publish(ctx context.Context, e evbx.DomainEvent) error {
	payload, err := p.codec.Serialize(e)
	if err != nil {
		return err
	}
	var headers []kafka.Header
	for _, h := range publisher.Headers(e) {
		headers = append(headers, kafka.Header{Key: h.Key, Value: h.Value})
	}
	topic := publisher.TopicName(e.EventType())

	// buffered so the producer never blocks on a report nobody waits for
	dc := make(chan kafka.Event, 1)
	err = p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            publisher.Key(e),
		Value:          []byte(payload),
		Headers:        headers,
	}, dc)
	if err != nil {
		return fmt.Errorf("could not produce event '%s': %w", e.EventID(), err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case ev := <-dc:
		switch m := ev.(type) {
		case *kafka.Message:
			if m.TopicPartition.Error != nil {
				return fmt.Errorf("delivery of event '%s' failed: %w", e.EventID(), m.TopicPartition.Error)
			}
			p.logger.Debug(fmt.Sprintf("Delivered message to %s", m.TopicPartition))
			return nil
		default:
			return fmt.Errorf("unexpected delivery event: %v", ev)
		}
	}
}
