// Package retainedstore persists the single retained message held per
// topic. It is a thin Get/Put/Delete facade over the generic store.Store[T]
// family (memory, Pebble, Redis) - the wildcard matching a subscriber needs
// against retained messages is already done by topic.Router, so this layer
// only ever deals in exact topic names.
package retainedstore

import (
	"context"
	"errors"

	"github.com/mqttd/broker/packet"
	"github.com/mqttd/broker/store"
)

// Message is the retained payload kept for one topic.
type Message struct {
	Topic   string
	Payload []byte
	QoS     packet.QoS
}

// Store gets, sets, and clears the retained message for a topic. A PUBLISH
// with the retain flag set and an empty payload clears the topic's retained
// message, per MQTT v3.1 semantics.
type Store interface {
	Get(ctx context.Context, topic string) (Message, bool, error)
	Put(ctx context.Context, msg Message) error
	Delete(ctx context.Context, topic string) error
	Close() error
}

// backed adapts a store.Store[Message] into a retainedstore.Store.
type backed struct {
	inner store.Store[Message]
}

// NewMemory returns a retained-message store backed by an in-process map.
// This is the default backend: retained messages do not need to survive a
// broker restart for the router to be correct (the core spec takes no
// position on retained-message durability), so no on-disk backend is
// required.
func NewMemory() Store {
	return &backed{inner: store.NewMemoryStore[Message]()}
}

// NewPebble returns a retained-message store backed by a local Pebble
// database, for deployments that want retained messages to survive a
// restart.
func NewPebble(config store.PebbleStoreConfig) (Store, error) {
	s, err := store.NewPebbleStore[Message](config)
	if err != nil {
		return nil, err
	}
	return &backed{inner: s}, nil
}

// NewRedis returns a retained-message store backed by Redis, for
// deployments that run multiple broker processes sharing retained state.
func NewRedis(config store.RedisStoreConfig) (Store, error) {
	s, err := store.NewRedisStore[Message](config)
	if err != nil {
		return nil, err
	}
	return &backed{inner: s}, nil
}

func (b *backed) Get(ctx context.Context, topic string) (Message, bool, error) {
	msg, err := b.inner.Load(ctx, topic)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Message{}, false, nil
		}
		return Message{}, false, err
	}
	return msg, true, nil
}

func (b *backed) Put(ctx context.Context, msg Message) error {
	if len(msg.Payload) == 0 {
		return b.Delete(ctx, msg.Topic)
	}
	return b.inner.Save(ctx, msg.Topic, msg)
}

func (b *backed) Delete(ctx context.Context, topic string) error {
	err := b.inner.Delete(ctx, topic)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

func (b *backed) Close() error {
	return b.inner.Close()
}
