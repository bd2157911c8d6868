// Package session implements the authoritative in-memory directory of
// connected clients (Registry), the channel hierarchy (ChannelTree), and
// the liveness/resync janitor.
package session

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheiLLeniumStudios/ZUMBLE/internal/voice"
)

var errNotBound = errors.New("session: no bound udp address")

// Control is the minimal interface a Session needs over its TLS writer:
// one control frame at a time, serialized per-session.
type Control interface {
	WriteFrame(kind uint16, body []byte) error
	Close() error
}

// UDPSender is the minimal interface needed to send a UDP datagram to a
// session's bound remote address.
type UDPSender interface {
	SendTo(data []byte, addr *net.UDPAddr) error
}

// Mailbox is the bounded asynchronous queue carrying work into a session's
// ingress loop: routed voice packets, tunnel fallback deliveries, raw
// control sends, and a forced-disconnect signal. A closed mailbox signals
// the janitor to reap the session.
type Mailbox struct {
	ch     chan MailboxMsg
	closed atomic.Bool
}

// MailboxMsgKind discriminates the payload carried on a Mailbox.
type MailboxMsgKind int

const (
	MailboxRouteVoicePacket MailboxMsgKind = iota
	MailboxSendVoicePacket
	MailboxSendMessage
	MailboxDisconnect
)

// MailboxMsg is one unit of mailbox work.
type MailboxMsg struct {
	Kind      MailboxMsgKind
	Voice     *voice.VoicePacket
	FrameKind uint16 // control Kind, valid when Kind == MailboxSendMessage
	Payload   []byte
}

// NewMailbox allocates a bounded mailbox. Callers pick a capacity in the
// 64-256 range based on message class.
func NewMailbox(capacity int) *Mailbox {
	if capacity <= 0 {
		capacity = 128
	}
	return &Mailbox{ch: make(chan MailboxMsg, capacity)}
}

// TrySend is a non-blocking send. It reports false if the mailbox is full
// or already closed; callers decide whether that is a droppable voice
// packet or a fatal control-mailbox condition.
func (m *Mailbox) TrySend(msg MailboxMsg) (ok bool) {
	if m.closed.Load() {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case m.ch <- msg:
		return true
	default:
		return false
	}
}

// Recv exposes the receive channel for the dispatcher's select loop.
func (m *Mailbox) Recv() <-chan MailboxMsg {
	return m.ch
}

// Closed reports whether Close has been called, the liveness signal the
// janitor uses to reap a session whose dispatcher has already exited.
func (m *Mailbox) Closed() bool {
	return m.closed.Load()
}

// Close closes the mailbox. Idempotent via the closed flag, since a
// second close of a Go channel is a documented panic.
func (m *Mailbox) Close() {
	if m.closed.Swap(true) {
		return
	}
	close(m.ch)
}

// Session is one authenticated, connected client. Its identity (SessionID,
// Username) is immutable after bind; channel membership, mute/deaf flags,
// and the bound UDP address are mutated by handlers and the registry.
type Session struct {
	SessionID uint32
	Username  string // immutable after Authenticate
	TraceID   string // per-connection trace id, attached to every log line

	// Codec capabilities announced at Authenticate, immutable afterwards.
	CeltVersions []int32
	Opus         bool

	channelID atomic.Uint32
	muted     atomic.Bool
	deafened  atomic.Bool
	selfMute  atomic.Bool
	selfDeaf  atomic.Bool

	lastPingUnixNano atomic.Int64

	udpAddr atomic.Pointer[net.UDPAddr] // lock-free swap cell

	Crypto  *voice.CryptoSession
	Targets *voice.TargetTable

	ctrlMu  sync.Mutex // serializes writes to Control
	Control Control

	Mailbox *Mailbox

	UDP UDPSender

	health voice.Health

	closeOnce sync.Once
}

// NewSession constructs a session in its pre-registry state. The caller
// (Registry.AddClient) assigns SessionID and places it in the
// registry's indexes.
func NewSession(username string, crypto *voice.CryptoSession, ctrl Control, udp UDPSender, mailboxCap int) *Session {
	s := &Session{
		Username: username,
		Crypto:   crypto,
		Targets:  &voice.TargetTable{},
		Control:  ctrl,
		Mailbox:  NewMailbox(mailboxCap),
		UDP:      udp,
	}
	s.lastPingUnixNano.Store(time.Now().UnixNano())
	return s
}

// ChannelID returns the session's current channel.
func (s *Session) ChannelID() uint32 { return s.channelID.Load() }

// SetChannelID updates the session's current channel. Only ChannelTree.Move
// and ChannelTree.Join call this, so channel membership and this field stay
// consistent.
func (s *Session) SetChannelID(id uint32) { s.channelID.Store(id) }

// Touch records a ping, used by the janitor's liveness check.
func (s *Session) Touch() { s.lastPingUnixNano.Store(time.Now().UnixNano()) }

// LastPing returns the time of the last recorded ping.
func (s *Session) LastPing() time.Time {
	return time.Unix(0, s.lastPingUnixNano.Load())
}

// MuteState returns the four independent mute/deaf flags.
func (s *Session) MuteState() (mute, deaf, selfMute, selfDeaf bool) {
	return s.muted.Load(), s.deafened.Load(), s.selfMute.Load(), s.selfDeaf.Load()
}

// SetMuteState applies UserState mute/deaf updates. nil pointers mean
// "leave unchanged".
func (s *Session) SetMuteState(mute, deaf, selfMute, selfDeaf *bool) {
	if mute != nil {
		s.muted.Store(*mute)
	}
	if deaf != nil {
		s.deafened.Store(*deaf)
	}
	if selfMute != nil {
		s.selfMute.Store(*selfMute)
	}
	if selfDeaf != nil {
		s.selfDeaf.Store(*selfDeaf)
	}
}

// UDPAddr returns the session's currently bound remote UDP address, or nil
// if the session is awaiting its first binding.
func (s *Session) UDPAddr() *net.UDPAddr {
	return s.udpAddr.Load()
}

// swapUDPAddr atomically replaces the bound address and returns the
// previous one (nil if none).
func (s *Session) swapUDPAddr(addr *net.UDPAddr) *net.UDPAddr {
	return s.udpAddr.Swap(addr)
}

// WriteControl frames an already-encoded body under kind, serialized
// per-session.
func (s *Session) WriteControl(kind uint16, body []byte) error {
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()
	return s.Control.WriteFrame(kind, body)
}

// CloseControl idempotently shuts down the TLS writer.
func (s *Session) CloseControl() {
	s.closeOnce.Do(func() {
		s.ctrlMu.Lock()
		defer s.ctrlMu.Unlock()
		if s.Control != nil {
			_ = s.Control.Close()
		}
	})
}

// The methods below satisfy voice.Recipient, letting the Router operate on
// sessions without this package importing voice's router types.

// ID returns the session's id.
func (s *Session) ID() uint32 { return s.SessionID }

// BoundUDPAddr returns the session's currently bound UDP address, or nil.
func (s *Session) BoundUDPAddr() *net.UDPAddr { return s.UDPAddr() }

// SendUDP encrypts data under this session's own crypto state and sends it
// to the session's bound address over UDP.
func (s *Session) SendUDP(data []byte) error {
	addr := s.UDPAddr()
	if addr == nil {
		return errNotBound
	}
	return s.UDP.SendTo(s.Crypto.Encrypt(data), addr)
}

// EnqueueTunnel delivers p over the TLS tunnel fallback by enqueueing it on
// the session's own mailbox for its dispatcher to relay as a control
// message.
func (s *Session) EnqueueTunnel(p *voice.VoicePacket) bool {
	return s.Mailbox.TrySend(MailboxMsg{Kind: MailboxSendVoicePacket, Voice: p})
}

// Health returns the session's UDP send circuit breaker.
func (s *Session) Health() *voice.Health { return &s.health }
