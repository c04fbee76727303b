package hook

import "time"

// Base is a no-op implementation of Hook. Embed it and override only the
// methods a concrete hook needs.
type Base struct {
	id string
}

func NewHookBase(id string) *Base {
	return &Base{id: id}
}

func (h *Base) ID() string { return h.id }

func (h *Base) Provides(event Event) bool { return false }

func (h *Base) Init(config any) error { return nil }

func (h *Base) Stop() error { return nil }

func (h *Base) SetOptions(opts *Options) error { return nil }

func (h *Base) OnStarted() error { return nil }

func (h *Base) OnStopped(err error) error { return nil }

func (h *Base) OnConnectAuthenticate(client *Client, packet *ConnectPacket) bool { return true }

func (h *Base) OnACLCheck(client *Client, topic string, access AccessType) bool { return true }

func (h *Base) OnConnect(client *Client, packet *ConnectPacket) error { return nil }

func (h *Base) OnDisconnect(client *Client, err error) error { return nil }

func (h *Base) OnPacketRead(client *Client, packet []byte) ([]byte, error) { return packet, nil }

func (h *Base) OnPacketSent(client *Client, packet []byte, count int, err error) error { return nil }

func (h *Base) OnSubscribe(client *Client, sub *Subscription) error { return nil }

func (h *Base) OnSubscribed(client *Client, sub *Subscription) error { return nil }

func (h *Base) OnUnsubscribe(client *Client, topicFilter string) error { return nil }

func (h *Base) OnUnsubscribed(client *Client, topicFilter string) error { return nil }

func (h *Base) OnPublish(client *Client, packet *PublishPacket) error { return nil }

func (h *Base) OnPublished(client *Client, packet *PublishPacket) error { return nil }

func (h *Base) OnPublishDropped(client *Client, packet *PublishPacket, reason DropReason) error {
	return nil
}

func (h *Base) OnRetainMessage(client *Client, packet *PublishPacket) error { return nil }

func (h *Base) OnRetainPublished(client *Client, packet *PublishPacket) error { return nil }

func (h *Base) OnQosPublish(client *Client, packet *PublishPacket, sent time.Time, resend int) error {
	return nil
}

func (h *Base) OnQosComplete(client *Client, packetID uint16) error { return nil }

func (h *Base) OnQosDropped(client *Client, packetID uint16, reason DropReason) error { return nil }

func (h *Base) OnWill(client *Client, will *WillMessage) *WillMessage { return will }

func (h *Base) OnWillSent(client *Client, will *WillMessage) error { return nil }
