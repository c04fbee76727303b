package hook

import (
	"net"
	"time"
)

// Event identifies a point in the broker's per-client or broker-wide
// lifecycle a Hook can observe or intercept.
type Event byte

const (
	SetOptions Event = iota
	OnStarted
	OnStopped
	OnConnectAuthenticate
	OnACLCheck
	OnConnect
	OnDisconnect
	OnPacketRead
	OnPacketSent
	OnSubscribe
	OnSubscribed
	OnUnsubscribe
	OnUnsubscribed
	OnPublish
	OnPublished
	OnPublishDropped
	OnRetainMessage
	OnRetainPublished
	OnQosPublish
	OnQosComplete
	OnQosDropped
	OnWill
	OnWillSent
)

func (e Event) String() string {
	names := [...]string{
		"SetOptions",
		"OnStarted",
		"OnStopped",
		"OnConnectAuthenticate",
		"OnACLCheck",
		"OnConnect",
		"OnDisconnect",
		"OnPacketRead",
		"OnPacketSent",
		"OnSubscribe",
		"OnSubscribed",
		"OnUnsubscribe",
		"OnUnsubscribed",
		"OnPublish",
		"OnPublished",
		"OnPublishDropped",
		"OnRetainMessage",
		"OnRetainPublished",
		"OnQosPublish",
		"OnQosComplete",
		"OnQosDropped",
		"OnWill",
		"OnWillSent",
	}
	if e < Event(len(names)) {
		return names[e]
	}
	return "Unknown"
}

// Hook lets broker behavior be intercepted or extended without modifying
// broker.Broker itself. A hook declares which events it handles via
// Provides; the Manager only invokes the methods a hook opts into.
type Hook interface {
	ID() string

	Provides(event Event) bool

	Init(config any) error
	Stop() error

	SetOptions(opts *Options) error

	OnStarted() error
	OnStopped(err error) error

	// OnConnectAuthenticate authenticates a CONNECT packet. Returning false
	// rejects the connection with NotAuthorized.
	OnConnectAuthenticate(client *Client, packet *ConnectPacket) bool

	// OnACLCheck authorizes a topic operation. Returning false denies it.
	OnACLCheck(client *Client, topic string, access AccessType) bool

	OnConnect(client *Client, packet *ConnectPacket) error
	OnDisconnect(client *Client, err error) error

	// OnPacketRead runs on the raw bytes of a decoded packet before
	// dispatch, and may rewrite them.
	OnPacketRead(client *Client, packet []byte) ([]byte, error)

	// OnPacketSent runs after count bytes of an encoded packet are written
	// (or an error prevented the write).
	OnPacketSent(client *Client, packet []byte, count int, err error) error

	OnSubscribe(client *Client, sub *Subscription) error
	OnSubscribed(client *Client, sub *Subscription) error
	OnUnsubscribe(client *Client, topicFilter string) error
	OnUnsubscribed(client *Client, topicFilter string) error

	OnPublish(client *Client, packet *PublishPacket) error
	OnPublished(client *Client, packet *PublishPacket) error
	OnPublishDropped(client *Client, packet *PublishPacket, reason DropReason) error

	OnRetainMessage(client *Client, packet *PublishPacket) error
	OnRetainPublished(client *Client, packet *PublishPacket) error

	OnQosPublish(client *Client, packet *PublishPacket, sent time.Time, resend int) error
	OnQosComplete(client *Client, packetID uint16) error
	OnQosDropped(client *Client, packetID uint16, reason DropReason) error

	// OnWill lets a hook replace the will message about to fire on an
	// abnormal disconnect.
	OnWill(client *Client, will *WillMessage) *WillMessage
	OnWillSent(client *Client, will *WillMessage) error
}

// Options holds broker configuration exposed to hooks at startup.
type Options struct {
	Capabilities *Capabilities
	Config       map[string]any
}

// Capabilities describes the limits this broker enforces, surfaced to hooks
// that want to adapt their behavior to them.
type Capabilities struct {
	MaximumQoS         byte
	RetainAvailable    bool
	MaximumPacketSize  uint32
	WildcardSubAvailable bool
}

// SysInfo holds broker runtime statistics.
type SysInfo struct {
	Uptime              int64
	Version             string
	Started             time.Time
	Time                time.Time
	ClientsConnected    int64
	ClientsTotal        int64
	ClientsDisconnected int64
	MessagesReceived    int64
	MessagesSent        int64
	MessagesDropped     int64
	Subscriptions       int64
	Retained            int64
	Inflight            int64
}

// Client is the read-only view of a connected client a hook receives.
type Client struct {
	ID              string
	RemoteAddr      net.Addr
	LocalAddr       net.Addr
	Username        string
	CleanSession    bool
	ProtocolVersion byte
	KeepAlive       uint16
	Will            *WillMessage
	ConnectedAt     time.Time
	DisconnectedAt  time.Time
	State           ClientState
}

type ClientState byte

const (
	ClientStateConnecting ClientState = iota
	ClientStateConnected
	ClientStateDisconnecting
	ClientStateDisconnected
)

// ConnectPacket is the hook-visible projection of a CONNECT packet.
type ConnectPacket struct {
	ProtocolName string
	ProtocolVersion byte
	CleanSession    bool
	KeepAlive       uint16
	ClientID        string
	Username        string
	Password        []byte
	Will            *WillMessage
}

// PublishPacket is the hook-visible projection of a PUBLISH packet.
type PublishPacket struct {
	PacketID  uint16
	Topic     string
	Payload   []byte
	QoS       byte
	Retain    bool
	Duplicate bool
	Created   time.Time
	Origin    string
}

// Subscription represents one (client, filter) pair from a SUBSCRIBE
// packet.
type Subscription struct {
	ClientID     string
	TopicFilter  string
	QoS          byte
	SubscribedAt time.Time
}

// Subscribers holds the subscriptions a publish is about to be fanned out
// to; OnSelectSubscribers-style hooks could filter this list, though the
// broker does not currently expose that event.
type Subscribers struct {
	Subscriptions []*Subscription
}

func (s *Subscribers) Add(sub *Subscription) {
	s.Subscriptions = append(s.Subscriptions, sub)
}

func (s *Subscribers) Remove(clientID string) {
	n := 0
	for _, sub := range s.Subscriptions {
		if sub.ClientID != clientID {
			s.Subscriptions[n] = sub
			n++
		}
	}
	for i := n; i < len(s.Subscriptions); i++ {
		s.Subscriptions[i] = nil
	}
	s.Subscriptions = s.Subscriptions[:n]
}

func (s *Subscribers) Clear() {
	s.Subscriptions = s.Subscriptions[:0]
}

// WillMessage is a client's registered Last Will and Testament.
type WillMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// AccessType is the kind of topic operation OnACLCheck is gating.
type AccessType byte

const (
	AccessTypeRead AccessType = iota
	AccessTypeWrite
	AccessTypeReadWrite
)

// DropReason explains why a publish never reached a subscriber.
type DropReason byte

const (
	DropReasonQueueFull DropReason = iota
	DropReasonClientDisconnected
	DropReasonInvalidTopic
	DropReasonACLDenied
	DropReasonPacketTooLarge
	DropReasonInternalError
)

func (d DropReason) String() string {
	switch d {
	case DropReasonQueueFull:
		return "queue_full"
	case DropReasonClientDisconnected:
		return "client_disconnected"
	case DropReasonInvalidTopic:
		return "invalid_topic"
	case DropReasonACLDenied:
		return "acl_denied"
	case DropReasonPacketTooLarge:
		return "packet_too_large"
	case DropReasonInternalError:
		return "internal_error"
	default:
		return "unknown"
	}
}
