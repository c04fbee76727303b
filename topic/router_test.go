package topic

import (
	"testing"

	"github.com/mqttd/broker/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubscriber struct {
	id        string
	delivered []string
}

func (f *fakeSubscriber) ID() string { return f.id }

func (f *fakeSubscriber) Deliver(topicName string, payload []byte, qos packet.QoS, retain bool) {
	f.delivered = append(f.delivered, topicName)
}

func TestSubscribeThenPublishDelivers(t *testing.T) {
	r := NewRouter()
	sub := &fakeSubscriber{id: "s1"}

	matched := r.Subscribe("s1", sub, "a/b", packet.QoS0)
	require.Len(t, matched, 1, "exact-name subscribe should create the topic immediately")

	deliveries := r.Publish("a/b")
	require.Len(t, deliveries, 1)
	assert.Equal(t, "s1", deliveries[0].Subscriber.ID())
}

func TestPublishThenSubscribeDelivers(t *testing.T) {
	r := NewRouter()
	sub := &fakeSubscriber{id: "s1"}

	r.Publish("a/b")
	matched := r.Subscribe("s1", sub, "a/b", packet.QoS0)
	assert.Equal(t, []string{"a/b"}, matched)

	deliveries := r.Publish("a/b")
	require.Len(t, deliveries, 1)
}

func TestWildcardSubscribeBeforeTopicExists(t *testing.T) {
	r := NewRouter()
	sub := &fakeSubscriber{id: "s1"}

	matched := r.Subscribe("s1", sub, "a/+", packet.QoS1)
	assert.Empty(t, matched, "wildcard filter matching nothing yet should not create a topic")
	assert.Equal(t, 0, r.TopicCount())

	deliveries := r.Publish("a/b")
	require.Len(t, deliveries, 1, "pending wildcard subscription should be replayed against the new topic")
	assert.Equal(t, packet.QoS1, deliveries[0].QoS)
}

func TestMultiLevelWildcardPending(t *testing.T) {
	r := NewRouter()
	sub := &fakeSubscriber{id: "s1"}

	r.Subscribe("s1", sub, "a/#", packet.QoS0)
	r.Publish("a/b/c")
	r.Publish("a")

	deliveries := r.Publish("a/b/c")
	assert.Len(t, deliveries, 1)
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	r := NewRouter()
	sub := &fakeSubscriber{id: "s1"}

	r.Subscribe("s1", sub, "a/b", packet.QoS0)
	r.Unsubscribe("s1", "a/b")
	r.Unsubscribe("s1", "a/b") // second call must not panic or error

	deliveries := r.Publish("a/b")
	assert.Empty(t, deliveries)
}

func TestUnsubscribeRemovesPendingWildcard(t *testing.T) {
	r := NewRouter()
	sub := &fakeSubscriber{id: "s1"}

	r.Subscribe("s1", sub, "a/+", packet.QoS0)
	r.Unsubscribe("s1", "a/+")

	deliveries := r.Publish("a/b")
	assert.Empty(t, deliveries)
}

func TestClearSessionRemovesAllSubscriptions(t *testing.T) {
	r := NewRouter()
	sub := &fakeSubscriber{id: "s1"}

	r.Subscribe("s1", sub, "a/b", packet.QoS0)
	r.Subscribe("s1", sub, "x/+", packet.QoS0)

	r.ClearSession("s1")

	assert.Empty(t, r.Publish("a/b"))
	assert.Empty(t, r.Publish("x/y"))
}

func TestMultipleSubscribersFanOut(t *testing.T) {
	r := NewRouter()
	s1 := &fakeSubscriber{id: "s1"}
	s2 := &fakeSubscriber{id: "s2"}

	r.Subscribe("s1", s1, "a/b", packet.QoS0)
	r.Subscribe("s2", s2, "a/+", packet.QoS2)

	deliveries := r.Publish("a/b")
	assert.Len(t, deliveries, 2)
}
