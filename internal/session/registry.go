package session

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/TheiLLeniumStudios/ZUMBLE/internal/protocol"
	"github.com/TheiLLeniumStudios/ZUMBLE/internal/voice"
)

// ErrUsernameTaken is returned by AddClient when the requested username is
// already held by a live session.
var ErrUsernameTaken = fmt.Errorf("session: username already connected")

// ErrCapacityReached is returned by AddClient once MaxClients live sessions
// are already registered.
var ErrCapacityReached = fmt.Errorf("session: server at capacity")

// Registry is the authoritative in-memory directory of connected clients:
// indexed by session id, by bound remote UDP address, and by
// awaiting-UDP-binding status, plus the channel hierarchy every session
// resolves its ChannelID through.
type Registry struct {
	mu          sync.RWMutex
	bySession   map[uint32]*Session
	bySocket    map[string]*Session // keyed by UDPAddr.String()
	awaitingUDP map[uint32]*Session
	usernames   map[string]uint32 // lowercased username -> session id

	Channels *ChannelTree

	nextSessionID atomic.Uint32
	maxClients    int

	// Welcome is the server's welcome text, set once at startup before
	// any connection is accepted.
	Welcome string
}

// NewRegistry constructs an empty registry with a pre-populated Root
// channel and the given hard client cap.
func NewRegistry(maxClients int) *Registry {
	return &Registry{
		bySession:   make(map[uint32]*Session),
		bySocket:    make(map[string]*Session),
		awaitingUDP: make(map[uint32]*Session),
		usernames:   make(map[string]uint32),
		Channels:    NewChannelTree(),
		maxClients:  maxClients,
	}
}

func lowerUsername(u string) string {
	out := make([]byte, len(u))
	for i := 0; i < len(u); i++ {
		c := u[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// allocateSessionIDLocked picks the next free id from the monotonic
// counter, skipping any id currently live in bySession. Must be called
// with mu held.
// TODO: recycle ids on counter overflow instead of skip-scanning once the
// counter has wrapped through a densely populated range.
func (r *Registry) allocateSessionIDLocked() uint32 {
	for {
		id := r.nextSessionID.Add(1)
		if id == 0 {
			// wrapped past the uint32 range; keep advancing rather than
			// reuse 0 (Root channel's id, not a session id, but kept
			// distinct defensively)
			continue
		}
		if _, taken := r.bySession[id]; !taken {
			return id
		}
	}
}

// AddClient registers a newly authenticated session: picks a free session
// id, inserts into bySession and awaitingUDP, and returns the session.
// Emits no broadcast; the Authenticate handler owns that.
func (r *Registry) AddClient(username string, crypto *voice.CryptoSession, ctrl Control, udp UDPSender, mailboxCap int) (*Session, error) {
	key := lowerUsername(username)

	r.mu.Lock()
	if r.maxClients > 0 && len(r.bySession) >= r.maxClients {
		r.mu.Unlock()
		return nil, ErrCapacityReached
	}
	if _, taken := r.usernames[key]; taken {
		r.mu.Unlock()
		return nil, ErrUsernameTaken
	}

	s := NewSession(username, crypto, ctrl, udp, mailboxCap)
	s.SessionID = r.allocateSessionIDLocked()
	r.bySession[s.SessionID] = s
	r.awaitingUDP[s.SessionID] = s
	r.usernames[key] = s.SessionID
	total := len(r.bySession)
	r.mu.Unlock()

	if !r.Channels.Join(RootChannelID, s) {
		// Root always exists; this is unreachable in practice.
		slog.Error("failed to join root channel", "session_id", s.SessionID)
	}

	slog.Info("session added", "session_id", s.SessionID, "username", username, "total_sessions", total)
	return s, nil
}

// Get returns the session with the given id.
func (r *Registry) Get(sessionID uint32) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.bySession[sessionID]
	return s, ok
}

// BySocket returns the session currently bound to addr, if any.
func (r *Registry) BySocket(addr *net.UDPAddr) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.bySocket[addr.String()]
	return s, ok
}

// SetClientSocket atomically swaps the session's bound address, moving its
// bySocket index entry: if a previous address existed, bySocket[prev] is
// removed before bySocket[addr] is inserted.
func (r *Registry) SetClientSocket(s *Session, addr *net.UDPAddr) {
	prev := s.swapUDPAddr(addr)

	r.mu.Lock()
	if prev != nil {
		delete(r.bySocket, prev.String())
	}
	r.bySocket[addr.String()] = s
	r.mu.Unlock()
}

// FindClientWithDecrypt is the UDP binding algorithm. If bySocket[fromAddr]
// is already bound, decrypt is attempted against that session alone.
// Otherwise every awaiting-UDP session is tried in arbitrary order; the
// first successful decrypt binds that session to fromAddr and removes it
// from awaitingUDP. Scanning only the awaiting set bounds the cost to the
// churn set rather than the full fleet. No match returns (nil, nil, false)
// without side effects.
func (r *Registry) FindClientWithDecrypt(raw []byte, fromAddr *net.UDPAddr) (*Session, []byte, bool) {
	if bound, ok := r.BySocket(fromAddr); ok {
		plaintext, err := bound.Crypto.Decrypt(raw)
		if err != nil {
			return nil, nil, false
		}
		return bound, plaintext, true
	}

	r.mu.RLock()
	candidates := make([]*Session, 0, len(r.awaitingUDP))
	for _, s := range r.awaitingUDP {
		candidates = append(candidates, s)
	}
	r.mu.RUnlock()

	for _, s := range candidates {
		plaintext, err := s.Crypto.Decrypt(raw)
		if err != nil {
			continue
		}

		r.mu.Lock()
		delete(r.awaitingUDP, s.SessionID)
		r.mu.Unlock()
		r.SetClientSocket(s, fromAddr)

		slog.Info("session bound to udp", "session_id", s.SessionID, "remote", fromAddr.String())
		return s, plaintext, true
	}
	return nil, nil, false
}

// ResetClientCrypt re-enters the session into awaitingUDP, clears its
// bound UDP address, rekeys it, and sends the client a CryptSetup telling
// it to renegotiate. Must never be called while iterating bySocket; the
// janitor's two-phase sweep guarantees this by resetting only after its
// scan completes.
func (r *Registry) ResetClientCrypt(s *Session) {
	r.mu.Lock()
	r.awaitingUDP[s.SessionID] = s
	r.mu.Unlock()

	if prev := s.swapUDPAddr(nil); prev != nil {
		r.mu.Lock()
		delete(r.bySocket, prev.String())
		r.mu.Unlock()
	}

	key, serverIV, clientIV := voice.GenerateKeyMaterial()
	s.Crypto.Reset(key, serverIV, clientIV)

	body, err := protocol.Encode(protocol.CryptSetup{
		Key:         key[:],
		ClientNonce: voice.EncodeCounter(clientIV),
		ServerNonce: voice.EncodeCounter(serverIV),
	})
	if err != nil {
		slog.Error("encode crypt setup", "session_id", s.SessionID, "err", err)
		return
	}
	if err := s.WriteControl(uint16(protocol.KindCryptSetup), body); err != nil {
		slog.Warn("send crypt setup", "session_id", s.SessionID, "err", err)
	}
}

// Disconnect tears a session down: removed from bySession, awaitingUDP,
// usernames, and bySocket; dropped from every channel's listener set and
// membership; mailbox signalled to exit; TLS writer shut down; UserRemove
// broadcast; and channel-leave GC invoked. Idempotent: a second call on an
// already-removed session id is a no-op.
func (r *Registry) Disconnect(sessionID uint32) {
	r.mu.Lock()
	s, ok := r.bySession[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.bySession, sessionID)
	delete(r.awaitingUDP, sessionID)
	delete(r.usernames, lowerUsername(s.Username))
	total := len(r.bySession)
	r.mu.Unlock()

	if addr := s.swapUDPAddr(nil); addr != nil {
		r.mu.Lock()
		delete(r.bySocket, addr.String())
		r.mu.Unlock()
	}

	r.Channels.RemoveListener(sessionID)
	moveResult := r.Channels.Leave(s)

	s.Mailbox.Close()
	s.CloseControl()

	body, err := protocol.Encode(protocol.UserRemove{Session: sessionID})
	if err == nil {
		r.Broadcast(uint16(protocol.KindUserRemove), body)
	}

	// A ChannelRemove for a temporary channel goes out strictly after the
	// UserRemove above has been issued.
	if moveResult.Removed {
		if rmBody, err := protocol.Encode(protocol.ChannelRemove{ChannelID: moveResult.RemovedID}); err == nil {
			r.Broadcast(uint16(protocol.KindChannelRemove), rmBody)
		}
	}

	slog.Info("session disconnected", "session_id", sessionID, "remaining_sessions", total)
}

// Broadcast non-blocking-sends one encoded message on every session's
// mailbox. A full mailbox logs and drops for that recipient only; it never
// stalls the broadcast.
func (r *Registry) Broadcast(kind uint16, body []byte) {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.bySession))
	for _, s := range r.bySession {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	sent := 0
	for _, s := range targets {
		if s.Mailbox.TrySend(MailboxMsg{Kind: MailboxSendMessage, FrameKind: kind, Payload: body}) {
			sent++
		} else {
			slog.Warn("broadcast dropped: mailbox full", "session_id", s.SessionID, "kind", kind)
		}
	}
	slog.Debug("broadcast", "kind", kind, "recipients", sent, "total", len(targets))
}

// SendTo encodes and non-blocking-sends one message to one session.
func (r *Registry) SendTo(sessionID uint32, kind uint16, body []byte) bool {
	s, ok := r.Get(sessionID)
	if !ok {
		return false
	}
	return s.Mailbox.TrySend(MailboxMsg{Kind: MailboxSendMessage, FrameKind: kind, Payload: body})
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySession)
}

// MaxClients returns the configured hard client cap (0 means unlimited).
func (r *Registry) MaxClients() int {
	return r.maxClients
}

// All returns a snapshot of every live session, used by Authenticate to
// send each newly-connected client a UserState for every peer.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.bySession))
	for _, s := range r.bySession {
		out = append(out, s)
	}
	return out
}

// ChannelRecipients adapts ChannelTree.Members to voice.ChannelMembers, the
// shape the VoiceRouter needs.
func (r *Registry) ChannelRecipients(channelID uint32) []voice.Recipient {
	members := r.Channels.Members(channelID)
	out := make([]voice.Recipient, 0, len(members))
	for _, s := range members {
		out = append(out, s)
	}
	return out
}

// RecipientByID adapts Get to voice.SessionByID.
func (r *Registry) RecipientByID(sessionID uint32) (voice.Recipient, bool) {
	s, ok := r.Get(sessionID)
	if !ok {
		return nil, false
	}
	return s, true
}
