// Package topic implements the broker's topic registry: a flat map of
// topic name -> subscriber set, wildcard matching between topic filters and
// topic names, and the "pending wildcard subscription" bookkeeping needed
// so a subscription made before a topic exists still picks it up once a
// publish creates it.
package topic

import (
	"sync"

	"github.com/mqttd/broker/packet"
)

// Subscriber receives matched PUBLISH deliveries. Sessions implement this.
type Subscriber interface {
	ID() string
	Deliver(topicName string, payload []byte, qos packet.QoS, retain bool)
}

type subscriberEntry struct {
	subscriber Subscriber
	qos        packet.QoS
}

type topicEntry struct {
	name        string
	subscribers map[string]subscriberEntry
}

// pendingWildcard records a subscription whose filter matched no topic at
// subscribe time. It is re-evaluated every time a new topic is created, the
// same way the reference broker's wildcard-subscription backlog works.
type pendingWildcard struct {
	sessionID  string
	subscriber Subscriber
	filter     string
	qos        packet.QoS
}

// Router is the broker's in-process topic registry. One Router is shared by
// every connection; Subscribe/Unsubscribe/Publish/ClearSession all take the
// same mutex, trading fine-grained locking for a router whose invariants
// (pending-wildcard replay, subscriber-set consistency) are easy to reason
// about under true goroutine parallelism.
type Router struct {
	mu               sync.Mutex
	topics           map[string]*topicEntry
	pendingWildcards []pendingWildcard
}

// NewRouter creates an empty topic registry.
func NewRouter() *Router {
	return &Router{
		topics: make(map[string]*topicEntry),
	}
}

// Delivery is one fan-out target returned by Publish.
type Delivery struct {
	Subscriber Subscriber
	QoS        packet.QoS
}

// Publish ensures topicName's topic entry exists - creating it and
// replaying any pending wildcard subscriptions against it if this is the
// first message to that exact name - and returns a snapshot of its current
// subscribers for the caller to deliver to. The snapshot is copied under
// the lock and returned after releasing it, so slow subscriber writes never
// block other publishes or subscribes.
func (r *Router) Publish(topicName string) []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.topics[topicName]
	if !ok {
		entry = r.createTopicLocked(topicName)
	}

	deliveries := make([]Delivery, 0, len(entry.subscribers))
	for _, sub := range entry.subscribers {
		deliveries = append(deliveries, Delivery{Subscriber: sub.subscriber, QoS: sub.qos})
	}
	return deliveries
}

// createTopicLocked creates topicName's entry and replays every pending
// wildcard subscription whose filter matches it. Caller must hold r.mu.
func (r *Router) createTopicLocked(topicName string) *topicEntry {
	entry := &topicEntry{name: topicName, subscribers: make(map[string]subscriberEntry)}
	r.topics[topicName] = entry

	for _, pw := range r.pendingWildcards {
		if matchTopicFilter(pw.filter, topicName) {
			entry.subscribers[pw.sessionID] = subscriberEntry{subscriber: pw.subscriber, qos: pw.qos}
		}
	}

	return entry
}

// Subscribe attaches subscriber to every existing topic matching filter. If
// filter names no wildcard and no topic yet exists with that exact name, the
// topic is created (empty, no retained message) so later publishes to it
// find the subscriber immediately. If filter contains a wildcard and
// matches nothing yet, it is recorded to be replayed against topics created
// later.
//
// It returns the names of existing topics the subscription matched, so the
// caller can look up and redeliver any retained message stored for them.
func (r *Router) Subscribe(sessionID string, subscriber Subscriber, filter string, qos packet.QoS) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []string
	for name, entry := range r.topics {
		if matchTopicFilter(filter, name) {
			entry.subscribers[sessionID] = subscriberEntry{subscriber: subscriber, qos: qos}
			matched = append(matched, name)
		}
	}

	if len(matched) > 0 {
		return matched
	}

	if !isWildcard(filter) {
		entry := r.createTopicLocked(filter)
		entry.subscribers[sessionID] = subscriberEntry{subscriber: subscriber, qos: qos}
		return []string{filter}
	}

	r.pendingWildcards = append(r.pendingWildcards, pendingWildcard{
		sessionID:  sessionID,
		subscriber: subscriber,
		filter:     normalizeWildcard(filter),
		qos:        qos,
	})
	return nil
}

// Unsubscribe detaches sessionID from every topic matching filter and from
// any pending wildcard subscription recorded under that exact filter. It is
// idempotent: unsubscribing a filter that was never subscribed is a no-op.
func (r *Router) Unsubscribe(sessionID string, filter string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, entry := range r.topics {
		if matchTopicFilter(filter, name) {
			delete(entry.subscribers, sessionID)
		}
	}

	normalized := normalizeWildcard(filter)
	kept := r.pendingWildcards[:0]
	for _, pw := range r.pendingWildcards {
		if pw.sessionID == sessionID && pw.filter == normalized {
			continue
		}
		kept = append(kept, pw)
	}
	r.pendingWildcards = kept
}

// ClearSession removes sessionID from every topic and from the pending
// wildcard backlog. Called when a clean-session client disconnects.
func (r *Router) ClearSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, entry := range r.topics {
		delete(entry.subscribers, sessionID)
	}

	kept := r.pendingWildcards[:0]
	for _, pw := range r.pendingWildcards {
		if pw.sessionID != sessionID {
			kept = append(kept, pw)
		}
	}
	r.pendingWildcards = kept
}

// TopicCount reports how many distinct topic names the router has seen.
// Intended for diagnostics, not the hot path.
func (r *Router) TopicCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics)
}
