package message

import (
	"errors"
	"io"

	"github.com/mqttd/broker/packet"
)

var (
	ErrMalformedPacket          = errors.New("malformed packet")
	ErrUnacceptableProtocolName = errors.New("unacceptable protocol name")
)

// Decode reads the variable header and payload for the packet described by
// header and returns the decoded Message. The fixed header itself must
// already have been consumed by the caller (see packet.ReadFixedHeader).
func Decode(header *packet.FixedHeader, r io.Reader) (Message, error) {
	body := limitedReader(r, header.RemainingLength)

	switch header.Type {
	case packet.CONNECT:
		return decodeConnect(body)
	case packet.PUBLISH:
		return decodePublish(header, body)
	case packet.PUBACK:
		return decodePubAck(body)
	case packet.PUBREC:
		return decodePubRec(body)
	case packet.PUBREL:
		return decodePubRel(body)
	case packet.PUBCOMP:
		return decodePubComp(body)
	case packet.SUBSCRIBE:
		return decodeSubscribe(body, header.RemainingLength)
	case packet.UNSUBSCRIBE:
		return decodeUnsubscribe(body, header.RemainingLength)
	case packet.PINGREQ:
		return &PingReq{}, nil
	case packet.DISCONNECT:
		return &Disconnect{}, nil
	default:
		return nil, ErrMalformedPacket
	}
}

func decodeConnect(r io.Reader) (*Connect, error) {
	name, err := packet.ReadString(r)
	if err != nil {
		return nil, err
	}
	if name != ProtocolName {
		return nil, ErrUnacceptableProtocolName
	}

	var versionBuf [1]byte
	if _, err := io.ReadFull(r, versionBuf[:]); err != nil {
		return nil, packet.ErrUnexpectedEOF
	}

	var flagsBuf [1]byte
	if _, err := io.ReadFull(r, flagsBuf[:]); err != nil {
		return nil, packet.ErrUnexpectedEOF
	}
	flags := flagsBuf[0]

	keepAlive, err := packet.ReadUint16(r)
	if err != nil {
		return nil, err
	}

	c := &Connect{
		ProtocolName:    name,
		ProtocolVersion: versionBuf[0],
		CleanSession:    flags&0x02 != 0,
		WillFlag:        flags&0x04 != 0,
		WillQoS:         packet.QoS((flags & 0x18) >> 3),
		WillRetain:      flags&0x20 != 0,
		PasswordFlag:    flags&0x40 != 0,
		UsernameFlag:    flags&0x80 != 0,
		KeepAlive:       keepAlive,
	}

	if !c.WillQoS.IsValid() {
		return nil, packet.ErrInvalidQoS
	}
	// Reserved bit (0x01) must be zero.
	if flags&0x01 != 0 {
		return nil, ErrMalformedPacket
	}
	// PasswordFlag without UsernameFlag is not permitted by the spec.
	if c.PasswordFlag && !c.UsernameFlag {
		return nil, ErrMalformedPacket
	}

	clientID, err := packet.ReadString(r)
	if err != nil {
		return nil, err
	}
	c.ClientID = clientID

	if c.WillFlag {
		topic, err := packet.ReadString(r)
		if err != nil {
			return nil, err
		}
		c.WillTopic = topic

		n, err := packet.ReadUint16(r)
		if err != nil {
			return nil, err
		}
		payload, err := packet.ReadBytes(r, n)
		if err != nil {
			return nil, err
		}
		c.WillMessage = payload
	}

	if c.UsernameFlag {
		username, err := packet.ReadString(r)
		if err != nil {
			return nil, err
		}
		c.Username = username
	}

	if c.PasswordFlag {
		n, err := packet.ReadUint16(r)
		if err != nil {
			return nil, err
		}
		password, err := packet.ReadBytes(r, n)
		if err != nil {
			return nil, err
		}
		c.Password = password
	}

	return c, nil
}

func decodePublish(header *packet.FixedHeader, r io.Reader) (*Publish, error) {
	topic, err := packet.ReadString(r)
	if err != nil {
		return nil, err
	}

	p := &Publish{
		Topic:  topic,
		QoS:    header.QoS,
		Retain: header.Retain,
		DUP:    header.DUP,
	}

	if header.QoS > packet.QoS0 {
		id, err := packet.ReadUint16(r)
		if err != nil {
			return nil, err
		}
		if id == 0 {
			return nil, ErrMalformedPacket
		}
		p.PacketID = id
	}

	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	p.Payload = payload

	return p, nil
}

func decodePubAck(r io.Reader) (*PubAck, error) {
	id, err := packet.ReadUint16(r)
	if err != nil {
		return nil, err
	}
	return &PubAck{PacketID: id}, nil
}

func decodePubRec(r io.Reader) (*PubRec, error) {
	id, err := packet.ReadUint16(r)
	if err != nil {
		return nil, err
	}
	return &PubRec{PacketID: id}, nil
}

func decodePubRel(r io.Reader) (*PubRel, error) {
	id, err := packet.ReadUint16(r)
	if err != nil {
		return nil, err
	}
	return &PubRel{PacketID: id}, nil
}

func decodePubComp(r io.Reader) (*PubComp, error) {
	id, err := packet.ReadUint16(r)
	if err != nil {
		return nil, err
	}
	return &PubComp{PacketID: id}, nil
}

func decodeSubscribe(r io.Reader, remaining uint32) (*Subscribe, error) {
	id, err := packet.ReadUint16(r)
	if err != nil {
		return nil, err
	}

	s := &Subscribe{PacketID: id}
	for {
		filter, err := packet.ReadString(r)
		if err != nil {
			if err == packet.ErrUnexpectedEOF && len(s.Subscriptions) > 0 {
				break
			}
			return nil, err
		}

		var qosBuf [1]byte
		if _, err := io.ReadFull(r, qosBuf[:]); err != nil {
			return nil, packet.ErrUnexpectedEOF
		}
		qos := packet.QoS(qosBuf[0] & 0x03)
		if !qos.IsValid() {
			return nil, packet.ErrInvalidQoS
		}

		s.Subscriptions = append(s.Subscriptions, SubscriptionRequest{TopicFilter: filter, QoS: qos})

		if lr, ok := r.(*io.LimitedReader); ok && lr.N <= 0 {
			break
		}
	}

	if len(s.Subscriptions) == 0 {
		return nil, ErrMalformedPacket
	}

	return s, nil
}

func decodeUnsubscribe(r io.Reader, remaining uint32) (*Unsubscribe, error) {
	id, err := packet.ReadUint16(r)
	if err != nil {
		return nil, err
	}

	u := &Unsubscribe{PacketID: id}
	for {
		filter, err := packet.ReadString(r)
		if err != nil {
			if err == packet.ErrUnexpectedEOF && len(u.TopicFilters) > 0 {
				break
			}
			return nil, err
		}
		u.TopicFilters = append(u.TopicFilters, filter)

		if lr, ok := r.(*io.LimitedReader); ok && lr.N <= 0 {
			break
		}
	}

	if len(u.TopicFilters) == 0 {
		return nil, ErrMalformedPacket
	}

	return u, nil
}
