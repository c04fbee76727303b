// Package qos tracks the in-flight state of QoS handshakes. v3.1's QoS 2
// flow requires the receiver to not redeliver a PUBLISH it has already
// forwarded if the sender retransmits it (DUP set) before the PUBREL
// arrives; Inbound is the per-session cache that makes that idempotent.
//
// Broker-initiated redelivery/backoff of QoS 1/2 PUBLISHes the broker sends
// to subscribers is out of scope here; this package only covers the
// inbound, client-to-broker half of the handshake.
package qos

// defaultCacheSize bounds how many in-flight QoS 2 packet IDs a single
// session can have outstanding at once.
const defaultCacheSize = 1024

// Inbound deduplicates QoS 2 PUBLISH packets arriving on one session.
type Inbound struct {
	cache *dedupCache
}

// NewInbound creates an empty QoS 2 inbound dedup tracker.
func NewInbound() *Inbound {
	return &Inbound{cache: newDedupCache(defaultCacheSize)}
}

// Begin records packetID as awaiting PUBREL and reports whether this is the
// first time it has been seen. A PUBLISH with DUP set and an ID already in
// the cache should still receive a PUBREC, but must not be delivered to
// subscribers twice - the caller uses the returned bool to decide.
func (in *Inbound) Begin(packetID uint16) (firstTime bool) {
	if in.cache.exists(packetID) {
		return false
	}
	in.cache.add(packetID)
	return true
}

// Complete releases packetID once its PUBREL has been received and PUBCOMP
// sent.
func (in *Inbound) Complete(packetID uint16) {
	in.cache.remove(packetID)
}

// Pending reports whether packetID is still awaiting PUBREL.
func (in *Inbound) Pending(packetID uint16) bool {
	return in.cache.exists(packetID)
}
