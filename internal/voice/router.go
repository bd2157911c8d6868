package voice

import (
	"log/slog"
	"net"
	"sync/atomic"
)

// Circuit breaker constants for UDP fan-out: after Threshold consecutive
// send failures to a recipient the breaker opens and the router stops
// paying for that send, probing again every ProbeInterval skips.
const (
	CircuitBreakerThreshold     uint32 = 50
	CircuitBreakerProbeInterval uint32 = 25
)

// Health is a per-recipient circuit breaker, one per Session, tracking
// consecutive UDP send failures.
type Health struct {
	failures atomic.Uint32
	skips    atomic.Uint32
}

// ShouldSkip reports whether the breaker is open and this isn't a probe
// attempt.
func (h *Health) ShouldSkip() bool {
	if h.failures.Load() < CircuitBreakerThreshold {
		return false
	}
	s := h.skips.Add(1)
	return s%CircuitBreakerProbeInterval != 0
}

// RecordFailure increments the consecutive failure counter.
func (h *Health) RecordFailure() uint32 { return h.failures.Add(1) }

// RecordSuccess resets the counters and reports whether the breaker had
// been open (i.e. this was a successful probe).
func (h *Health) RecordSuccess() bool {
	was := h.failures.Swap(0) >= CircuitBreakerThreshold
	if was {
		h.skips.Store(0)
	}
	return was
}

// Recipient is the subset of session state the router needs to deliver a
// packet: identity, addressing, crypto, transport, and per-recipient
// health. Kept as an interface so internal/session.Session (which owns
// the concrete Mailbox/Control/Crypto types) doesn't need to import
// internal/voice for anything but this contract.
type Recipient interface {
	ID() uint32
	ChannelID() uint32
	BoundUDPAddr() *net.UDPAddr
	SendUDP(data []byte) error
	EnqueueTunnel(p *VoicePacket) bool
	Health() *Health
}

// ChannelMembers resolves a channel id to its current member recipients,
// the registry operation the router needs without importing
// internal/session directly.
type ChannelMembers func(channelID uint32) []Recipient

// SessionByID resolves an explicit session id named in a voice target
// slot to its current Recipient, if still connected.
type SessionByID func(sessionID uint32) (Recipient, bool)

// Router computes a voice packet's recipient set and delivers it. It never
// blocks on a slow recipient: UDP sends that keep failing trip the
// per-recipient circuit breaker, and a full tunnel mailbox is a drop with
// a counter increment.
type Router struct {
	members ChannelMembers
	byID    SessionByID

	skipped atomic.Uint64
}

// NewRouter binds a Router to a channel-membership resolver and a
// by-session-id resolver.
func NewRouter(members ChannelMembers, byID SessionByID) *Router {
	return &Router{members: members, byID: byID}
}

// Route computes the recipients for packet p from sender per its target
// index (channel, addressable slot, or loopback), then delivers it to each.
func (r *Router) Route(sender Recipient, p *VoicePacket, targets *TargetTable) {
	recipients := r.recipientsFor(sender, p.Target, targets)
	p.SenderSession = sender.ID()

	for _, rcpt := range recipients {
		r.deliver(sender, rcpt, p)
	}
}

func (r *Router) recipientsFor(sender Recipient, target byte, targets *TargetTable) []Recipient {
	switch {
	case target == LoopbackTarget:
		return []Recipient{sender}
	case target == ChannelTarget:
		out := make([]Recipient, 0)
		for _, m := range r.members(sender.ChannelID()) {
			if m.ID() != sender.ID() {
				out = append(out, m)
			}
		}
		return out
	case target >= MinTargetSlot && target <= MaxTargetSlot:
		slot, ok := targets.Get(target)
		if !ok {
			return nil
		}
		resolved := make(map[uint32]Recipient)
		for chID := range slot.Channels {
			for _, m := range r.members(chID) {
				resolved[m.ID()] = m
			}
		}
		for sessID := range slot.Sessions {
			if m, ok := r.byID(sessID); ok {
				resolved[m.ID()] = m
			}
		}
		delete(resolved, sender.ID())

		out := make([]Recipient, 0, len(resolved))
		for _, m := range resolved {
			out = append(out, m)
		}
		return out
	default:
		return nil
	}
}

// deliver sends p to rcpt: UDP (re-encrypted under rcpt's own
// CryptoSession) if bound, otherwise an inline tunnel enqueue. Never
// blocks on a slow recipient.
func (r *Router) deliver(sender Recipient, rcpt Recipient, p *VoicePacket) {
	if rcpt.BoundUDPAddr() != nil {
		if rcpt.Health().ShouldSkip() {
			r.skipped.Add(1)
			return
		}
		if err := rcpt.SendUDP(EncodeRelay(p)); err != nil {
			n := rcpt.Health().RecordFailure()
			if n == CircuitBreakerThreshold {
				slog.Warn("voice router circuit breaker open", "session_id", rcpt.ID())
			}
			return
		}
		if rcpt.Health().RecordSuccess() {
			slog.Info("voice router circuit breaker closed", "session_id", rcpt.ID())
		}
		return
	}

	if !rcpt.EnqueueTunnel(p) {
		r.skipped.Add(1)
		slog.Debug("voice router tunnel mailbox full, dropping", "session_id", rcpt.ID(), "sender", sender.ID())
	}
}

// Skipped returns the cumulative count of dropped deliveries (circuit
// breaker skips and full tunnel mailboxes).
func (r *Router) Skipped() uint64 {
	return r.skipped.Load()
}
