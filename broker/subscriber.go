package broker

import (
	"github.com/mqttd/broker/message"
	"github.com/mqttd/broker/packet"
)

// routedSubscriber adapts a clientConn to topic.Subscriber, so the router
// can fan a publish out to it without knowing anything about sessions,
// packet IDs, or the wire format.
type routedSubscriber struct {
	conn *clientConn
}

func (s *routedSubscriber) ID() string {
	return s.conn.sess.ID()
}

// Deliver sends a PUBLISH for a matched topic to this subscriber. QoS 0 is
// fire-and-forget; QoS 1/2 allocate a broker-assigned packet ID and record
// it as in-flight so the client's acknowledgements can be matched back to
// it; the ID is released on PUBACK (QoS 1) or PUBCOMP (QoS 2).
func (s *routedSubscriber) Deliver(topicName string, payload []byte, qos packet.QoS, retain bool) {
	c := s.conn

	pub := &message.Publish{
		Topic:   topicName,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}

	if qos != packet.QoS0 {
		pub.PacketID = c.sess.NextPacketID()

		c.outboundMu.Lock()
		if qos == packet.QoS1 {
			c.awaitingAck[pub.PacketID] = struct{}{}
		} else {
			c.awaitingRec[pub.PacketID] = struct{}{}
		}
		c.outboundMu.Unlock()
	}

	c.writeMessage(pub)
}
