// Package session models one client's connection lifecycle: the state
// machine from the moment a TCP connection is accepted through a clean or
// abnormal close, its negotiated CONNECT parameters, and the Last Will and
// Testament that fires on abnormal disconnect.
package session

import (
	"sync"
	"time"
)

// State is the session's position in its lifecycle. MQTT v3.1 has no
// persistent-session-across-restarts concept in this broker's scope, so
// unlike the reference implementation's session model there is no
// "expired" state tied to a restart boundary - a session lives exactly as
// long as its connection does.
type State byte

const (
	StateConnecting State = iota // CONNECT received, CONNACK not yet sent
	StateConnected                // CONNACK sent, normal traffic flowing
	StateClosing                  // DISCONNECT received or close initiated, will suppressed
	StateClosed                   // connection torn down
)

// Will is the Last Will and Testament registered at CONNECT time.
type Will struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Session holds the per-connection state the broker needs to serve one
// client: its negotiated CONNECT parameters, lifecycle state, and outbound
// packet-identifier sequence.
type Session struct {
	mu sync.RWMutex

	id           string
	clientID     string
	cleanSession bool
	keepAlive    time.Duration
	will         *Will
	state        State
	connectedAt  time.Time

	nextPacketID uint16
	inflight     map[uint16]struct{}
}

// New creates a session for a just-accepted connection, in StateConnecting.
// id is the broker-assigned session identity (independent of clientID, so a
// reconnecting client gets a fresh session rather than reusing an old
// object by address, unlike the Python original this is modeled on).
func New(id, clientID string, cleanSession bool, keepAlive time.Duration) *Session {
	return &Session{
		id:           id,
		clientID:     clientID,
		cleanSession: cleanSession,
		keepAlive:    keepAlive,
		state:        StateConnecting,
		nextPacketID: 1,
		inflight:     make(map[uint16]struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) ClientID() string { return s.clientID }

func (s *Session) CleanSession() bool { return s.cleanSession }

func (s *Session) KeepAlive() time.Duration { return s.keepAlive }

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// MarkConnected transitions StateConnecting -> StateConnected after CONNACK
// is sent.
func (s *Session) MarkConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateConnected
	s.connectedAt = time.Now()
}

// MarkClosing transitions to StateClosing. A session closed from this state
// by DISCONNECT does not publish its will; one closed by any other path
// does (see ShouldPublishWill).
func (s *Session) MarkClosing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateClosed {
		s.state = StateClosing
	}
}

func (s *Session) MarkClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateClosed
}

// SetWill registers the Last Will and Testament carried by CONNECT. A
// client with no WillFlag set has a nil will.
func (s *Session) SetWill(w *Will) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.will = w
}

// Will returns the registered will, or nil if none was set.
func (s *Session) Will() *Will {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.will
}

// ShouldPublishWill reports whether an abnormal close (anything other than
// a clean DISCONNECT) should publish the will. A session already in
// StateClosing when closed will not publish: the client disconnected
// cleanly.
func (s *Session) ShouldPublishWill() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.will != nil && s.state != StateClosing
}

// NextPacketID returns the next packet identifier for a broker-initiated
// QoS 1/2 PUBLISH to this session, wrapping 1..65535 (0 is reserved and
// never issued) and skipping any identifier still marked in-flight.
func (s *Session) NextPacketID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		id := s.nextPacketID
		s.nextPacketID++
		if s.nextPacketID == 0 {
			s.nextPacketID = 1
		}
		if _, inUse := s.inflight[id]; !inUse {
			s.inflight[id] = struct{}{}
			return id
		}
	}
}

// ReleasePacketID frees a packet identifier once its QoS handshake
// completes (PUBACK for QoS 1, PUBCOMP for QoS 2), making it eligible for
// reuse.
func (s *Session) ReleasePacketID(id uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)
}
