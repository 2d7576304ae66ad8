package evbx

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	json "github.com/goccy/go-json"
)

// envelope is the durable representation of an event: the discriminator travels
// next to the event data so the concrete type can be restored on decode.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type decodeFunc func(data []byte) (DomainEvent, error)

// Codec serializes domain events and restores them to their concrete types. The
// types that can be decoded have to be registered first (see Register).
type Codec struct {
	mu       sync.RWMutex
	decoders map[string]decodeFunc
}

// NewCodec returns an empty Codec.
func NewCodec() *Codec {
	return &Codec{decoders: make(map[string]decodeFunc)}
}

// Register makes E decodable by c. Registering the same type twice is a no-op.
func Register[E DomainEvent](c *Codec) string {
	var zero E
	eventType := zero.EventType()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.decoders[eventType]; ok {
		return eventType
	}
	c.decoders[eventType] = func(data []byte) (DomainEvent, error) {
		var e E
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	}
	return eventType
}

// Registered reports whether an event type can be decoded.
func (c *Codec) Registered(eventType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.decoders[eventType]
	return ok
}

// Serialize encodes an event together with its type discriminator. Reference
// cycles in the event are broken: a pointer already being encoded is written
// as null.
func (c *Codec) Serialize(e DomainEvent) (string, error) {
	if e == nil {
		return "", errors.New("cannot serialize a nil event")
	}
	data, err := json.Marshal(acyclic(reflect.ValueOf(e), map[uintptr]bool{}).Interface())
	if err != nil {
		return "", fmt.Errorf("serializing event of type '%s': %w", e.EventType(), err)
	}
	payload, err := json.Marshal(envelope{Type: e.EventType(), Data: data})
	if err != nil {
		return "", fmt.Errorf("serializing event of type '%s': %w", e.EventType(), err)
	}
	return string(payload), nil
}

// Deserialize restores the concrete event encoded in payload.
func (c *Codec) Deserialize(payload string) (DomainEvent, error) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return nil, &DecodeError{Err: err}
	}
	if env.Type == "" {
		return nil, &DecodeError{Err: errors.New("missing event type")}
	}
	c.mu.RLock()
	decode, ok := c.decoders[env.Type]
	c.mu.RUnlock()
	if !ok {
		return nil, &DecodeError{EventType: env.Type, Err: errors.New("unknown event type")}
	}
	e, err := decode(env.Data)
	if err != nil {
		return nil, &DecodeError{EventType: env.Type, Err: err}
	}
	return e, nil
}

// Decode restores a payload that is expected to hold an E.
func Decode[E DomainEvent](c *Codec, payload string) (E, error) {
	var zero E
	e, err := c.Deserialize(payload)
	if err != nil {
		return zero, err
	}
	typed, ok := e.(E)
	if !ok {
		return zero, &DecodeError{EventType: e.EventType(), Err: fmt.Errorf("not a %T", zero)}
	}
	return typed, nil
}

// acyclic returns a copy of v where every reference that points back to a value
// still being copied (a cycle) is replaced by its zero value.
func acyclic(v reflect.Value, visiting map[uintptr]bool) reflect.Value {
	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return v
		}
		addr := v.Pointer()
		if visiting[addr] {
			return reflect.Zero(v.Type())
		}
		visiting[addr] = true
		defer delete(visiting, addr)
		out := reflect.New(v.Type().Elem())
		out.Elem().Set(acyclic(v.Elem(), visiting))
		return out
	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		out := reflect.New(v.Type()).Elem()
		out.Set(acyclic(v.Elem(), visiting))
		return out
	case reflect.Struct:
		out := reflect.New(v.Type()).Elem()
		out.Set(v)
		for i := 0; i < v.NumField(); i++ {
			if f := out.Field(i); f.CanSet() {
				f.Set(acyclic(v.Field(i), visiting))
			}
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		addr := v.Pointer()
		if v.Len() > 0 && visiting[addr] {
			return reflect.Zero(v.Type())
		}
		visiting[addr] = true
		defer delete(visiting, addr)
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(acyclic(v.Index(i), visiting))
		}
		return out
	case reflect.Array:
		out := reflect.New(v.Type()).Elem()
		for i := 0; i < v.Len(); i++ {
			out.Index(i).Set(acyclic(v.Index(i), visiting))
		}
		return out
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		addr := v.Pointer()
		if visiting[addr] {
			return reflect.Zero(v.Type())
		}
		visiting[addr] = true
		defer delete(visiting, addr)
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), acyclic(iter.Value(), visiting))
		}
		return out
	default:
		return v
	}
}
