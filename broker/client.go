package broker

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/mqttd/broker/frame"
	"github.com/mqttd/broker/hook"
	"github.com/mqttd/broker/message"
	"github.com/mqttd/broker/network"
	"github.com/mqttd/broker/packet"
	"github.com/mqttd/broker/qos"
	"github.com/mqttd/broker/retainedstore"
	"github.com/mqttd/broker/session"
	"github.com/mqttd/broker/topic"
)

// clientConn holds the per-connection state a broker needs beyond what
// session.Session tracks: the write lock (Deliver calls triggered by other
// sessions' publishes and this session's own ack replies both write to the
// same socket), the inbound QoS 2 dedup cache, and bookkeeping for PUBLISH
// packets this broker has sent and is waiting on an ack for.
type clientConn struct {
	b    *Broker
	conn *network.Connection
	sess *session.Session

	writeMu sync.Mutex

	inbound        *qos.Inbound
	pendingInbound map[uint16]*message.Publish // QoS 2 PUBLISH held until PUBREL

	outboundMu   sync.Mutex
	awaitingAck  map[uint16]struct{} // QoS 1 sent, waiting PUBACK
	awaitingRec  map[uint16]struct{} // QoS 2 sent, waiting PUBREC
	awaitingComp map[uint16]struct{} // QoS 2 PUBREL sent, waiting PUBCOMP
}

func (b *Broker) handleConnection(ctx context.Context, netConn net.Conn) {
	sessionID := b.nextSessionID()
	wrapped := network.NewConnection(netConn, sessionID, nil)
	defer wrapped.Close()

	c := &clientConn{
		b:              b,
		conn:           wrapped,
		inbound:        qos.NewInbound(),
		pendingInbound: make(map[uint16]*message.Publish),
		awaitingAck:    make(map[uint16]struct{}),
		awaitingRec:    make(map[uint16]struct{}),
		awaitingComp:   make(map[uint16]struct{}),
	}

	sess, err := c.handshake(ctx, sessionID)
	if err != nil {
		b.log.Debug("connect handshake failed", "session", sessionID, "err", err)
		return
	}
	if sess == nil {
		// Handshake rejected the client and already sent an error CONNACK;
		// nothing further to do.
		return
	}
	c.sess = sess

	if err := b.registry.Add(sessionID, wrapped); err != nil {
		b.log.Warn("registry add failed", "session", sessionID, "err", err)
	}
	defer b.registry.Remove(sessionID)

	b.hooks.OnConnect(c.hookClient(), nil)

	c.serve(ctx)

	// Decided before MarkClosed, which replaces StateClosing; a close caused
	// by broker shutdown (ctx canceled) never publishes the will.
	publishWill := sess.ShouldPublishWill() && ctx.Err() == nil
	sess.MarkClosed()

	if sess.CleanSession() {
		b.router.ClearSession(sess.ID())
	}

	if publishWill {
		c.publishWill()
	}

	b.hooks.OnDisconnect(c.hookClient(), nil)
}

// handshake reads the CONNECT packet and returns a connected Session, or a
// nil Session (with nil error) after sending an error CONNACK.
func (c *clientConn) handshake(ctx context.Context, sessionID string) (*session.Session, error) {
	// frame.Read allows 1.5x its keepAlive argument for the first byte, so
	// two thirds of defaultConnectDeadline bounds the wait at that deadline.
	m, err := frame.Read(ctx, c.conn, defaultConnectDeadline*2/3)
	if err != nil {
		return nil, err
	}

	connect, ok := m.(*message.Connect)
	if !ok {
		return nil, errFirstPacketNotConnect
	}

	if connect.ProtocolName != message.ProtocolName || connect.ProtocolVersion != message.ProtocolVersion {
		c.writeMessage(&message.ConnAck{ReturnCode: message.ReturnCodeUnacceptableProtocolVersion})
		return nil, nil
	}

	// Client ID length must be 1-23 bytes, regardless of CleanSession; a
	// broker-generated ID is never substituted for one the client sent.
	if len(connect.ClientID) < 1 || len(connect.ClientID) > 23 {
		c.writeMessage(&message.ConnAck{ReturnCode: message.ReturnCodeIdentifierRejected})
		return nil, nil
	}
	clientID := connect.ClientID

	connectPacket := &hook.ConnectPacket{
		ProtocolName:    connect.ProtocolName,
		ProtocolVersion: connect.ProtocolVersion,
		CleanSession:    connect.CleanSession,
		KeepAlive:       connect.KeepAlive,
		ClientID:        clientID,
		Username:        connect.Username,
		Password:        connect.Password,
	}
	candidate := &hook.Client{
		ID:              clientID,
		RemoteAddr:      c.conn.RemoteAddr(),
		CleanSession:    connect.CleanSession,
		ProtocolVersion: connect.ProtocolVersion,
		KeepAlive:       connect.KeepAlive,
	}

	if !c.b.auth.Authenticate(connect.Username, connect.Password) {
		c.writeMessage(&message.ConnAck{ReturnCode: message.ReturnCodeBadUsernameOrPassword})
		return nil, nil
	}
	if !c.b.hooks.OnConnectAuthenticate(candidate, connectPacket) {
		c.writeMessage(&message.ConnAck{ReturnCode: message.ReturnCodeNotAuthorized})
		return nil, nil
	}

	sess := session.New(sessionID, clientID, connect.CleanSession, time.Duration(connect.KeepAlive)*time.Second)
	if connect.WillFlag {
		sess.SetWill(&session.Will{
			Topic:   connect.WillTopic,
			Payload: connect.WillMessage,
			QoS:     byte(connect.WillQoS),
			Retain:  connect.WillRetain,
		})
	}

	c.writeMessage(&message.ConnAck{ReturnCode: message.ReturnCodeAccepted})
	sess.MarkConnected()

	return sess, nil
}

// serve runs the read dispatch loop until the connection closes, a
// DISCONNECT is received, or the keep-alive grace period expires.
func (c *clientConn) serve(ctx context.Context) {
	for {
		m, err := frame.Read(ctx, c.conn, c.sess.KeepAlive())
		if err != nil {
			return
		}

		switch msg := m.(type) {
		case *message.Publish:
			c.handlePublish(msg)
		case *message.PubAck:
			c.handlePubAck(msg)
		case *message.PubRec:
			c.handlePubRec(msg)
		case *message.PubRel:
			c.handlePubRel(msg)
		case *message.PubComp:
			c.handlePubComp(msg)
		case *message.Subscribe:
			c.handleSubscribe(msg)
		case *message.Unsubscribe:
			c.handleUnsubscribe(msg)
		case *message.PingReq:
			c.writeMessage(&message.PingResp{})
		case *message.Disconnect:
			c.sess.MarkClosing()
			return
		default:
			return
		}
	}
}

func (c *clientConn) handlePublish(msg *message.Publish) {
	switch msg.QoS {
	case packet.QoS0:
		c.deliver(msg.Topic, msg.Payload, msg.QoS, msg.Retain)
	case packet.QoS1:
		c.deliver(msg.Topic, msg.Payload, msg.QoS, msg.Retain)
		c.writeMessage(&message.PubAck{PacketID: msg.PacketID})
	case packet.QoS2:
		if c.inbound.Begin(msg.PacketID) {
			c.pendingInbound[msg.PacketID] = msg
		}
		c.writeMessage(&message.PubRec{PacketID: msg.PacketID})
	}
}

func (c *clientConn) handlePubRel(msg *message.PubRel) {
	if pub, ok := c.pendingInbound[msg.PacketID]; ok {
		delete(c.pendingInbound, msg.PacketID)
		c.inbound.Complete(msg.PacketID)
		c.deliver(pub.Topic, pub.Payload, pub.QoS, pub.Retain)
	}
	c.writeMessage(&message.PubComp{PacketID: msg.PacketID})
}

func (c *clientConn) handlePubAck(msg *message.PubAck) {
	c.outboundMu.Lock()
	delete(c.awaitingAck, msg.PacketID)
	c.outboundMu.Unlock()
	c.sess.ReleasePacketID(msg.PacketID)
}

func (c *clientConn) handlePubRec(msg *message.PubRec) {
	c.outboundMu.Lock()
	if _, ok := c.awaitingRec[msg.PacketID]; ok {
		delete(c.awaitingRec, msg.PacketID)
		c.awaitingComp[msg.PacketID] = struct{}{}
	}
	c.outboundMu.Unlock()
	c.writeMessage(&message.PubRel{PacketID: msg.PacketID})
}

func (c *clientConn) handlePubComp(msg *message.PubComp) {
	c.outboundMu.Lock()
	delete(c.awaitingComp, msg.PacketID)
	c.outboundMu.Unlock()
	c.sess.ReleasePacketID(msg.PacketID)
}

// deliver validates the topic name, runs it past OnPublish and (for a
// retained publish) OnRetainMessage, stores/clears the retained message, and
// fans the publish out to every matching subscriber via the router. A hook
// that rejects the publish or an invalid topic name drops it silently, the
// same way a QoS 0 publish to nobody would.
func (c *clientConn) deliver(topicName string, payload []byte, qos packet.QoS, retain bool) {
	if err := topic.ValidateTopic(topicName); err != nil {
		return
	}

	client := c.hookClient()
	pub := &hook.PublishPacket{Topic: topicName, Payload: payload, QoS: byte(qos), Retain: retain}
	if err := c.b.hooks.OnPublish(client, pub); err != nil {
		return
	}

	if retain {
		if err := c.b.hooks.OnRetainMessage(client, pub); err == nil {
			_ = c.b.retained.Put(context.Background(), retainedstore.Message{Topic: topicName, Payload: payload, QoS: qos})
		}
	}

	for _, d := range c.b.router.Publish(topicName) {
		d.Subscriber.Deliver(topicName, payload, d.QoS, false)
	}

	c.b.hooks.OnPublished(client, pub)
}

func (c *clientConn) handleSubscribe(msg *message.Subscribe) {
	returnCodes := make([]byte, len(msg.Subscriptions))
	subscriber := &routedSubscriber{conn: c}
	client := c.hookClient()

	// Retained messages are sent after the SUBACK.
	type retainedDelivery struct {
		topic   string
		payload []byte
		qos     packet.QoS
	}
	var retainedDeliveries []retainedDelivery

	for i, sub := range msg.Subscriptions {
		if err := topic.ValidateTopicFilter(sub.TopicFilter); err != nil {
			returnCodes[i] = message.SubAckFailure
			continue
		}

		hookSub := &hook.Subscription{ClientID: c.sess.ClientID(), TopicFilter: sub.TopicFilter, QoS: byte(sub.QoS)}
		if err := c.b.hooks.OnSubscribe(client, hookSub); err != nil {
			returnCodes[i] = message.SubAckFailure
			continue
		}

		matched := c.b.router.Subscribe(c.sess.ID(), subscriber, sub.TopicFilter, sub.QoS)
		returnCodes[i] = byte(sub.QoS)
		c.b.hooks.OnSubscribed(client, hookSub)

		for _, topicName := range matched {
			if retained, ok, err := c.b.retained.Get(context.Background(), topicName); err == nil && ok {
				retainedDeliveries = append(retainedDeliveries, retainedDelivery{topicName, retained.Payload, minQoS(retained.QoS, sub.QoS)})
			}
		}
	}

	c.writeMessage(&message.SubAck{PacketID: msg.PacketID, ReturnCodes: returnCodes})

	for _, r := range retainedDeliveries {
		subscriber.Deliver(r.topic, r.payload, r.qos, true)
	}
}

func (c *clientConn) handleUnsubscribe(msg *message.Unsubscribe) {
	client := c.hookClient()
	for _, filter := range msg.TopicFilters {
		if err := c.b.hooks.OnUnsubscribe(client, filter); err != nil {
			continue
		}
		c.b.router.Unsubscribe(c.sess.ID(), filter)
		c.b.hooks.OnUnsubscribed(client, filter)
	}
	c.writeMessage(&message.UnsubAck{PacketID: msg.PacketID})
}

// publishWill fires the session's Last Will and Testament after an abnormal
// close, the same way a normal PUBLISH from that client would have.
func (c *clientConn) publishWill() {
	will := c.sess.Will()
	if will == nil {
		return
	}
	c.deliver(will.Topic, will.Payload, packet.QoS(will.QoS), will.Retain)
}

func (c *clientConn) writeMessage(m message.Message) {
	encoded, err := message.Encode(m)
	if err != nil {
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, werr := c.conn.Write(encoded)
	if c.sess != nil {
		c.b.hooks.OnPacketSent(c.hookClient(), encoded, len(encoded), werr)
	}
}

func (c *clientConn) hookClient() *hook.Client {
	return &hook.Client{
		ID:              c.sess.ClientID(),
		RemoteAddr:      c.conn.RemoteAddr(),
		CleanSession:    c.sess.CleanSession(),
		ProtocolVersion: message.ProtocolVersion,
		KeepAlive:       uint16(c.sess.KeepAlive() / time.Second),
	}
}

func minQoS(a, b packet.QoS) packet.QoS {
	if a < b {
		return a
	}
	return b
}

var errFirstPacketNotConnect = errors.New("broker: first packet was not CONNECT")
