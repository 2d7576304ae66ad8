// Package publisher holds the message layout shared by the broker publishers.
package publisher

import (
	"fmt"
	"strconv"

	"github.com/3rs4lg4d0/eventbox/evbx"
	"github.com/iancoleman/strcase"
)

// Header keys attached to every published message.
const (
	HeaderID         = "id"
	HeaderType       = "type"
	HeaderOccurredAt = "occurredAt"
)

// Header is a broker-agnostic message header.
type Header struct {
	Key   string
	Value []byte
}

// TopicName builds a topic name from an event type (e.g. if eventType="UserCreated"
// then topic name is "outbox-user-created").
func TopicName(eventType string) string {
	return fmt.Sprintf("outbox-%s", strcase.ToKebab(eventType))
}

// Key returns the partitioning key of an event: its identifier.
func Key(e evbx.DomainEvent) []byte {
	return []byte(e.EventID().String())
}

// Headers describes the event so consumers can route it without decoding the
// payload. The occurrence time is sent in Unix milliseconds.
func Headers(e evbx.DomainEvent) []Header {
	return []Header{
		{Key: HeaderID, Value: []byte(e.EventID().String())},
		{Key: HeaderType, Value: []byte(e.EventType())},
		{Key: HeaderOccurredAt, Value: []byte(strconv.FormatInt(e.EventOccurredAt().UnixMilli(), 10))},
	}
}
