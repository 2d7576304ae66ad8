package evbx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_RoundTrip(t *testing.T) {
	c := NewCodec()
	Register[userCreated](c)
	Register[userDeleted](c)
	Register[profileUpdated](c)

	testcases := []struct {
		name  string
		event DomainEvent
	}{
		{
			name:  "flat event",
			event: userCreated{BaseEvent: eventAt(0), Name: "john", Email: "john@example.com"},
		},
		{
			name:  "event without payload",
			event: userDeleted{BaseEvent: eventAt(time.Minute)},
		},
		{
			name: "nested event",
			event: profileUpdated{
				BaseEvent: eventAt(time.Hour),
				Addresses: []address{
					{Street: "Main St", Tags: []string{"home"}},
					{Street: "Second St"},
				},
				Extra:    map[string]float64{"score": 4.5},
				Previous: &address{Street: "Old St", Tags: []string{"a", "b"}},
			},
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			payload, err := c.Serialize(tc.event)
			require.NoError(t, err)
			got, err := c.Deserialize(payload)
			require.NoError(t, err)
			assert.Equal(t, tc.event, got)
		})
	}
}

func TestCodec_BreaksCycles(t *testing.T) {
	c := NewCodec()
	Register[linked](c)

	head := &node{Name: "a", Next: &node{Name: "b"}}
	head.Next.Next = head
	payload, err := c.Serialize(linked{BaseEvent: eventAt(0), Head: head})
	require.NoError(t, err)

	got, err := Decode[linked](c, payload)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Head.Name)
	assert.Equal(t, "b", got.Head.Next.Name)
	assert.Nil(t, got.Head.Next.Next)
	assert.Same(t, head, head.Next.Next, "the original event is left untouched")
}

func TestCodec_Deserialize_Errors(t *testing.T) {
	c := NewCodec()
	Register[userCreated](c)

	testcases := []struct {
		name          string
		payload       string
		wantEventType string
	}{
		{
			name:    "malformed envelope",
			payload: "{not json",
		},
		{
			name:    "missing type",
			payload: `{"data":{}}`,
		},
		{
			name:          "unknown type",
			payload:       `{"type":"Unknown","data":{}}`,
			wantEventType: "Unknown",
		},
		{
			name:          "malformed data",
			payload:       `{"type":"UserCreated","data":{"name":12}}`,
			wantEventType: "UserCreated",
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			e, err := c.Deserialize(tc.payload)
			assert.Nil(t, e)
			var decodeErr *DecodeError
			require.ErrorAs(t, err, &decodeErr)
			assert.Equal(t, tc.wantEventType, decodeErr.EventType)
		})
	}
}

func TestCodec_EnvelopeFieldOrder(t *testing.T) {
	c := NewCodec()
	Register[userDeleted](c)
	e, err := c.Deserialize(`{"data":{"id":"7d444840-9dc0-11d1-b245-5ffdce74fad2","occurredAt":"2024-03-01T10:00:00Z"},"type":"UserDeleted"}`)
	require.NoError(t, err)
	assert.Equal(t, "UserDeleted", e.EventType())
	assert.Equal(t, "7d444840-9dc0-11d1-b245-5ffdce74fad2", e.EventID().String())
	assert.True(t, baseTime.Equal(e.EventOccurredAt()))
}

func TestCodec_Register(t *testing.T) {
	c := NewCodec()
	assert.False(t, c.Registered("UserCreated"))
	assert.Equal(t, "UserCreated", Register[userCreated](c))
	assert.Equal(t, "UserCreated", Register[userCreated](c))
	assert.True(t, c.Registered("UserCreated"))
}

func TestCodec_Serialize_Nil(t *testing.T) {
	_, err := NewCodec().Serialize(nil)
	assert.Error(t, err)
}

func TestDecode_WrongType(t *testing.T) {
	c := NewCodec()
	Register[userCreated](c)
	payload, err := c.Serialize(userCreated{BaseEvent: eventAt(0)})
	require.NoError(t, err)

	_, err = Decode[userDeleted](c, payload)
	var decodeErr *DecodeError
	assert.ErrorAs(t, err, &decodeErr)
}
