package broker

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqttd/broker/hook"
	"github.com/mqttd/broker/message"
	"github.com/mqttd/broker/packet"
)

// testClient is a minimal MQTT client good enough to drive a Broker under
// test without depending on any client library.
type testClient struct {
	t    *testing.T
	conn net.Conn
}

func dialTestClient(t *testing.T, addr net.Addr) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(m message.Message) {
	c.t.Helper()
	encoded, err := message.Encode(m)
	require.NoError(c.t, err)
	_, err = c.conn.Write(encoded)
	require.NoError(c.t, err)
}

func (c *testClient) recv() message.Message {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	header, err := packet.ReadFixedHeader(c.conn)
	require.NoError(c.t, err)
	m, err := message.Decode(header, c.conn)
	require.NoError(c.t, err)
	return m
}

func (c *testClient) connect(clientID string) *message.ConnAck {
	c.send(&message.Connect{
		ProtocolName:    message.ProtocolName,
		ProtocolVersion: message.ProtocolVersion,
		CleanSession:    true,
		ClientID:        clientID,
		KeepAlive:       60,
	})
	ack, ok := c.recv().(*message.ConnAck)
	require.True(c.t, ok)
	return ack
}

func startTestBroker(t *testing.T, opts ...Option) *Broker {
	t.Helper()
	b := New("127.0.0.1:0", opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool { return b.Addr() != nil }, time.Second, time.Millisecond)
	return b
}

// recordingHook counts how many times each event it cares about fires, so
// tests can prove broker/client.go actually dispatches through hook.Manager
// alongside its direct calls to topic.Router and auth.Authenticator.
type recordingHook struct {
	*hook.Base

	mu           sync.Mutex
	publishes    int
	subscribes   int
	subscribeds  int
	unsubscribes int
	retains      int
}

func newRecordingHook() *recordingHook {
	return &recordingHook{Base: hook.NewHookBase("recording")}
}

func (h *recordingHook) Provides(event hook.Event) bool {
	switch event {
	case hook.OnPublish, hook.OnSubscribe, hook.OnSubscribed, hook.OnUnsubscribe, hook.OnRetainMessage:
		return true
	default:
		return false
	}
}

func (h *recordingHook) OnPublish(client *hook.Client, packet *hook.PublishPacket) error {
	h.mu.Lock()
	h.publishes++
	h.mu.Unlock()
	return nil
}

func (h *recordingHook) OnSubscribe(client *hook.Client, sub *hook.Subscription) error {
	h.mu.Lock()
	h.subscribes++
	h.mu.Unlock()
	return nil
}

func (h *recordingHook) OnSubscribed(client *hook.Client, sub *hook.Subscription) error {
	h.mu.Lock()
	h.subscribeds++
	h.mu.Unlock()
	return nil
}

func (h *recordingHook) OnUnsubscribe(client *hook.Client, topicFilter string) error {
	h.mu.Lock()
	h.unsubscribes++
	h.mu.Unlock()
	return nil
}

func (h *recordingHook) OnRetainMessage(client *hook.Client, packet *hook.PublishPacket) error {
	h.mu.Lock()
	h.retains++
	h.mu.Unlock()
	return nil
}

func (h *recordingHook) counts() (publishes, subscribes, subscribeds, unsubscribes, retains int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.publishes, h.subscribes, h.subscribeds, h.unsubscribes, h.retains
}

func TestConnectHandshakeAccepted(t *testing.T) {
	b := startTestBroker(t)
	c := dialTestClient(t, b.Addr())

	ack := c.connect("client-1")
	assert.Equal(t, message.ReturnCodeAccepted, ack.ReturnCode)
}

func TestConnectRejectsWrongProtocolVersion(t *testing.T) {
	b := startTestBroker(t)
	c := dialTestClient(t, b.Addr())

	c.send(&message.Connect{
		ProtocolName:    message.ProtocolName,
		ProtocolVersion: 0x04,
		CleanSession:    true,
		ClientID:        "client-1",
	})
	ack, ok := c.recv().(*message.ConnAck)
	require.True(t, ok)
	assert.Equal(t, message.ReturnCodeUnacceptableProtocolVersion, ack.ReturnCode)
}

func TestConnectRejectsEmptyClientIDWithoutCleanSession(t *testing.T) {
	b := startTestBroker(t)
	c := dialTestClient(t, b.Addr())

	c.send(&message.Connect{
		ProtocolName:    message.ProtocolName,
		ProtocolVersion: message.ProtocolVersion,
		CleanSession:    false,
	})
	ack, ok := c.recv().(*message.ConnAck)
	require.True(t, ok)
	assert.Equal(t, message.ReturnCodeIdentifierRejected, ack.ReturnCode)
}

func TestConnectRejectsEmptyClientIDEvenWithCleanSession(t *testing.T) {
	b := startTestBroker(t)
	c := dialTestClient(t, b.Addr())

	c.send(&message.Connect{
		ProtocolName:    message.ProtocolName,
		ProtocolVersion: message.ProtocolVersion,
		CleanSession:    true,
	})
	ack, ok := c.recv().(*message.ConnAck)
	require.True(t, ok)
	assert.Equal(t, message.ReturnCodeIdentifierRejected, ack.ReturnCode)
}

func TestConnectRejectsOversizedClientID(t *testing.T) {
	b := startTestBroker(t)
	c := dialTestClient(t, b.Addr())

	ack := c.connect(strings.Repeat("x", 24))
	assert.Equal(t, message.ReturnCodeIdentifierRejected, ack.ReturnCode)
}

func TestConnectAcceptsMaximumLengthClientID(t *testing.T) {
	b := startTestBroker(t)
	c := dialTestClient(t, b.Addr())

	ack := c.connect(strings.Repeat("x", 23))
	assert.Equal(t, message.ReturnCodeAccepted, ack.ReturnCode)
}

func TestPingRespondsToPingReq(t *testing.T) {
	b := startTestBroker(t)
	c := dialTestClient(t, b.Addr())
	c.connect("pinger")

	c.send(&message.PingReq{})
	_, ok := c.recv().(*message.PingResp)
	assert.True(t, ok)
}

func TestPublishSubscribeQoS0Delivery(t *testing.T) {
	b := startTestBroker(t)

	sub := dialTestClient(t, b.Addr())
	sub.connect("subscriber")
	sub.send(&message.Subscribe{
		PacketID:      1,
		Subscriptions: []message.SubscriptionRequest{{TopicFilter: "home/temp", QoS: packet.QoS0}},
	})
	suback, ok := sub.recv().(*message.SubAck)
	require.True(t, ok)
	assert.Equal(t, []byte{byte(packet.QoS0)}, suback.ReturnCodes)

	pub := dialTestClient(t, b.Addr())
	pub.connect("publisher")
	pub.send(&message.Publish{Topic: "home/temp", Payload: []byte("21.5"), QoS: packet.QoS0})

	delivered, ok := sub.recv().(*message.Publish)
	require.True(t, ok)
	assert.Equal(t, "home/temp", delivered.Topic)
	assert.Equal(t, []byte("21.5"), delivered.Payload)
}

func TestPublishQoS1SendsPubAck(t *testing.T) {
	b := startTestBroker(t)
	c := dialTestClient(t, b.Addr())
	c.connect("qos1-client")

	c.send(&message.Publish{PacketID: 42, Topic: "a/b", Payload: []byte("hi"), QoS: packet.QoS1})
	ack, ok := c.recv().(*message.PubAck)
	require.True(t, ok)
	assert.Equal(t, uint16(42), ack.PacketID)
}

func TestPublishQoS2Handshake(t *testing.T) {
	b := startTestBroker(t)
	c := dialTestClient(t, b.Addr())
	c.connect("qos2-client")

	c.send(&message.Publish{PacketID: 7, Topic: "a/b", Payload: []byte("hi"), QoS: packet.QoS2})
	rec, ok := c.recv().(*message.PubRec)
	require.True(t, ok)
	assert.Equal(t, uint16(7), rec.PacketID)

	c.send(&message.PubRel{PacketID: 7})
	comp, ok := c.recv().(*message.PubComp)
	require.True(t, ok)
	assert.Equal(t, uint16(7), comp.PacketID)
}

func TestRetainedMessageReplayedToNewSubscriber(t *testing.T) {
	b := startTestBroker(t)

	pub := dialTestClient(t, b.Addr())
	pub.connect("retainer")
	pub.send(&message.Publish{Topic: "status/online", Payload: []byte("1"), QoS: packet.QoS0, Retain: true})

	sub := dialTestClient(t, b.Addr())
	sub.connect("late-subscriber")
	sub.send(&message.Subscribe{
		PacketID:      5,
		Subscriptions: []message.SubscriptionRequest{{TopicFilter: "status/online", QoS: packet.QoS0}},
	})
	_, ok := sub.recv().(*message.SubAck)
	require.True(t, ok)

	retained, ok := sub.recv().(*message.Publish)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), retained.Payload)
	assert.True(t, retained.Retain)
}

func TestWildcardSubscriptionMatchesFuturePublish(t *testing.T) {
	b := startTestBroker(t)

	sub := dialTestClient(t, b.Addr())
	sub.connect("wildcard-sub")
	sub.send(&message.Subscribe{
		PacketID:      1,
		Subscriptions: []message.SubscriptionRequest{{TopicFilter: "sensors/+/temp", QoS: packet.QoS0}},
	})
	_, ok := sub.recv().(*message.SubAck)
	require.True(t, ok)

	pub := dialTestClient(t, b.Addr())
	pub.connect("wildcard-pub")
	pub.send(&message.Publish{Topic: "sensors/kitchen/temp", Payload: []byte("19"), QoS: packet.QoS0})

	delivered, ok := sub.recv().(*message.Publish)
	require.True(t, ok)
	assert.Equal(t, "sensors/kitchen/temp", delivered.Topic)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := startTestBroker(t)

	sub := dialTestClient(t, b.Addr())
	sub.connect("unsub-client")
	sub.send(&message.Subscribe{
		PacketID:      1,
		Subscriptions: []message.SubscriptionRequest{{TopicFilter: "x/y", QoS: packet.QoS0}},
	})
	_, ok := sub.recv().(*message.SubAck)
	require.True(t, ok)

	sub.send(&message.Unsubscribe{PacketID: 2, TopicFilters: []string{"x/y"}})
	_, ok = sub.recv().(*message.UnsubAck)
	require.True(t, ok)

	pub := dialTestClient(t, b.Addr())
	pub.connect("unsub-pub")
	pub.send(&message.Publish{Topic: "x/y", Payload: []byte("z"), QoS: packet.QoS0})

	sub.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, err := packet.ReadFixedHeader(sub.conn)
	assert.Error(t, err, "expected a read timeout, no publish should have arrived")
}

func TestDisconnectSuppressesWill(t *testing.T) {
	b := startTestBroker(t)

	willSub := dialTestClient(t, b.Addr())
	willSub.connect("will-watcher")
	willSub.send(&message.Subscribe{
		PacketID:      1,
		Subscriptions: []message.SubscriptionRequest{{TopicFilter: "clients/gone", QoS: packet.QoS0}},
	})
	_, ok := willSub.recv().(*message.SubAck)
	require.True(t, ok)

	willClient := dialTestClient(t, b.Addr())
	willClient.send(&message.Connect{
		ProtocolName:    message.ProtocolName,
		ProtocolVersion: message.ProtocolVersion,
		CleanSession:    true,
		ClientID:        "willing-client",
		WillFlag:        true,
		WillTopic:       "clients/gone",
		WillMessage:     []byte("bye"),
		WillQoS:         packet.QoS0,
	})
	_, ok = willClient.recv().(*message.ConnAck)
	require.True(t, ok)

	willClient.send(&message.Disconnect{})
	willClient.conn.Close()

	willSub.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, err := packet.ReadFixedHeader(willSub.conn)
	assert.Error(t, err, "a clean DISCONNECT must not publish the will")
}

func TestAbnormalCloseFiresWill(t *testing.T) {
	b := startTestBroker(t)

	willSub := dialTestClient(t, b.Addr())
	willSub.connect("will-watcher-2")
	willSub.send(&message.Subscribe{
		PacketID:      1,
		Subscriptions: []message.SubscriptionRequest{{TopicFilter: "clients/dropped", QoS: packet.QoS0}},
	})
	_, ok := willSub.recv().(*message.SubAck)
	require.True(t, ok)

	willClient := dialTestClient(t, b.Addr())
	willClient.send(&message.Connect{
		ProtocolName:    message.ProtocolName,
		ProtocolVersion: message.ProtocolVersion,
		CleanSession:    true,
		ClientID:        "dropped-client",
		WillFlag:        true,
		WillTopic:       "clients/dropped",
		WillMessage:     []byte("uh oh"),
		WillQoS:         packet.QoS0,
	})
	_, ok = willClient.recv().(*message.ConnAck)
	require.True(t, ok)

	willClient.conn.Close() // abnormal close: no DISCONNECT sent

	delivered, ok := willSub.recv().(*message.Publish)
	require.True(t, ok)
	assert.Equal(t, "clients/dropped", delivered.Topic)
	assert.Equal(t, []byte("uh oh"), delivered.Payload)
}

func TestKeepAliveGracePeriodClosesIdleConnection(t *testing.T) {
	b := startTestBroker(t)
	c := dialTestClient(t, b.Addr())

	c.send(&message.Connect{
		ProtocolName:    message.ProtocolName,
		ProtocolVersion: message.ProtocolVersion,
		CleanSession:    true,
		ClientID:        "idle-client",
		KeepAlive:       1,
	})
	_, ok := c.recv().(*message.ConnAck)
	require.True(t, ok)

	// No traffic sent; 1.5x the 1 second keep-alive should trip the grace
	// period and the broker should close the connection.
	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 1)
	_, err := c.conn.Read(buf)
	assert.Error(t, err)
}

func TestHooksFireOnPublishSubscribeUnsubscribeRetain(t *testing.T) {
	rh := newRecordingHook()
	b := startTestBroker(t, WithHooks(rh))

	sub := dialTestClient(t, b.Addr())
	sub.connect("subscriber")
	sub.send(&message.Subscribe{PacketID: 1, Subscriptions: []message.SubscriptionRequest{{TopicFilter: "rooms/kitchen", QoS: packet.QoS0}}})
	_, ok := sub.recv().(*message.SubAck)
	require.True(t, ok)

	pub := dialTestClient(t, b.Addr())
	pub.connect("publisher")
	pub.send(&message.Publish{Topic: "rooms/kitchen", Payload: []byte("hot"), Retain: true})

	_, ok = sub.recv().(*message.Publish)
	require.True(t, ok)

	sub.send(&message.Unsubscribe{PacketID: 2, TopicFilters: []string{"rooms/kitchen"}})
	_, ok = sub.recv().(*message.UnsubAck)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		publishes, subscribes, subscribeds, unsubscribes, retains := rh.counts()
		return publishes == 1 && subscribes == 1 && subscribeds == 1 && unsubscribes == 1 && retains == 1
	}, time.Second, 10*time.Millisecond)
}

func TestServeClosesInFlightConnectionOnShutdown(t *testing.T) {
	b := New("127.0.0.1:0")
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- b.Serve(ctx) }()

	require.Eventually(t, func() bool { return b.Addr() != nil }, time.Second, time.Millisecond)

	c := dialTestClient(t, b.Addr())
	c.connect("lingering-client")

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return while a client was still connected")
	}
}

func TestServeReturnsWhenContextCanceled(t *testing.T) {
	b := New("127.0.0.1:0")
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- b.Serve(ctx) }()

	require.Eventually(t, func() bool { return b.Addr() != nil }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after context cancellation")
	}
}
