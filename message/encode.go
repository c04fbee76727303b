package message

import (
	"bytes"

	"github.com/mqttd/broker/packet"
)

// Encode serializes m, including its fixed header, ready to write to a
// connection.
func Encode(m Message) ([]byte, error) {
	var body bytes.Buffer
	var flags byte

	switch v := m.(type) {
	case *Connect:
		if err := encodeConnectBody(&body, v); err != nil {
			return nil, err
		}
	case *ConnAck:
		body.WriteByte(0) // reserved byte, always zero in v3.1
		body.WriteByte(v.ReturnCode)
	case *Publish:
		flags = publishFlags(v)
		s, err := packet.EncodeString(v.Topic)
		if err != nil {
			return nil, err
		}
		body.Write(s)
		if v.QoS > packet.QoS0 {
			body.Write(packet.EncodeUint16(v.PacketID))
		}
		body.Write(v.Payload)
	case *PubAck:
		body.Write(packet.EncodeUint16(v.PacketID))
	case *PubRec:
		body.Write(packet.EncodeUint16(v.PacketID))
	case *PubRel:
		flags = 0x02
		body.Write(packet.EncodeUint16(v.PacketID))
	case *PubComp:
		body.Write(packet.EncodeUint16(v.PacketID))
	case *Subscribe:
		flags = 0x02
		body.Write(packet.EncodeUint16(v.PacketID))
		for _, sub := range v.Subscriptions {
			s, err := packet.EncodeString(sub.TopicFilter)
			if err != nil {
				return nil, err
			}
			body.Write(s)
			body.WriteByte(byte(sub.QoS))
		}
	case *SubAck:
		body.Write(packet.EncodeUint16(v.PacketID))
		body.Write(v.ReturnCodes)
	case *Unsubscribe:
		flags = 0x02
		body.Write(packet.EncodeUint16(v.PacketID))
		for _, filter := range v.TopicFilters {
			s, err := packet.EncodeString(filter)
			if err != nil {
				return nil, err
			}
			body.Write(s)
		}
	case *UnsubAck:
		body.Write(packet.EncodeUint16(v.PacketID))
	case *PingReq:
	case *PingResp:
	case *Disconnect:
	default:
		return nil, ErrMalformedPacket
	}

	remaining, err := packet.EncodeRemainingLength(uint32(body.Len()))
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 1+len(remaining)+body.Len())
	out = append(out, byte(m.Type())<<4|flags)
	out = append(out, remaining...)
	out = append(out, body.Bytes()...)

	return out, nil
}

func publishFlags(p *Publish) byte {
	var f byte
	if p.DUP {
		f |= 0x08
	}
	f |= byte(p.QoS) << 1
	if p.Retain {
		f |= 0x01
	}
	return f
}

func encodeConnectBody(body *bytes.Buffer, c *Connect) error {
	protocolName := c.ProtocolName
	if protocolName == "" {
		protocolName = ProtocolName
	}
	name, err := packet.EncodeString(protocolName)
	if err != nil {
		return err
	}
	body.Write(name)
	version := c.ProtocolVersion
	if version == 0 {
		version = ProtocolVersion
	}
	body.WriteByte(version)

	var flags byte
	if c.CleanSession {
		flags |= 0x02
	}
	if c.WillFlag {
		flags |= 0x04
		flags |= byte(c.WillQoS) << 3
		if c.WillRetain {
			flags |= 0x20
		}
	}
	if c.PasswordFlag {
		flags |= 0x40
	}
	if c.UsernameFlag {
		flags |= 0x80
	}
	body.WriteByte(flags)
	body.Write(packet.EncodeUint16(c.KeepAlive))

	clientID, err := packet.EncodeString(c.ClientID)
	if err != nil {
		return err
	}
	body.Write(clientID)

	if c.WillFlag {
		willTopic, err := packet.EncodeString(c.WillTopic)
		if err != nil {
			return err
		}
		body.Write(willTopic)
		body.Write(packet.EncodeUint16(uint16(len(c.WillMessage))))
		body.Write(c.WillMessage)
	}

	if c.UsernameFlag {
		username, err := packet.EncodeString(c.Username)
		if err != nil {
			return err
		}
		body.Write(username)
	}

	if c.PasswordFlag {
		body.Write(packet.EncodeUint16(uint16(len(c.Password))))
		body.Write(c.Password)
	}

	return nil
}
