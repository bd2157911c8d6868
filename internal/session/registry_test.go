package session

import (
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/TheiLLeniumStudios/ZUMBLE/internal/protocol"
	"github.com/TheiLLeniumStudios/ZUMBLE/internal/voice"
)

type fakeControl struct {
	frames [][2]any
	closed bool
}

func (f *fakeControl) WriteFrame(kind uint16, body []byte) error {
	f.frames = append(f.frames, [2]any{kind, body})
	return nil
}
func (f *fakeControl) Close() error { f.closed = true; return nil }

type fakeUDP struct {
	sent [][]byte
}

func (f *fakeUDP) SendTo(data []byte, addr *net.UDPAddr) error {
	f.sent = append(f.sent, data)
	return nil
}

// newTestCrypto seeds both counters identically so the tests can stand in
// for the client by encrypting with the session's own crypto state.
func newTestCrypto() *voice.CryptoSession {
	key, iv, _ := voice.GenerateKeyMaterial()
	return voice.NewCryptoSession(key, iv, iv)
}

func TestAddClientAssignsIDAndJoinsRoot(t *testing.T) {
	r := NewRegistry(0)
	s, err := r.AddClient("alice", newTestCrypto(), &fakeControl{}, &fakeUDP{}, 16)
	if err != nil {
		t.Fatalf("add client: %v", err)
	}
	if s.SessionID == 0 {
		t.Fatalf("expected nonzero session id")
	}
	if s.ChannelID() != RootChannelID {
		t.Fatalf("expected new session in root channel, got %d", s.ChannelID())
	}
	if r.Count() != 1 {
		t.Fatalf("expected 1 session, got %d", r.Count())
	}
}

func TestAddClientRejectsDuplicateUsernameCaseInsensitive(t *testing.T) {
	r := NewRegistry(0)
	if _, err := r.AddClient("Alice", newTestCrypto(), &fakeControl{}, &fakeUDP{}, 16); err != nil {
		t.Fatalf("add first client: %v", err)
	}
	if _, err := r.AddClient("alice", newTestCrypto(), &fakeControl{}, &fakeUDP{}, 16); err != ErrUsernameTaken {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
}

func TestAddClientRejectsOverCapacity(t *testing.T) {
	r := NewRegistry(1)
	if _, err := r.AddClient("alice", newTestCrypto(), &fakeControl{}, &fakeUDP{}, 16); err != nil {
		t.Fatalf("add first client: %v", err)
	}
	if _, err := r.AddClient("bob", newTestCrypto(), &fakeControl{}, &fakeUDP{}, 16); err != ErrCapacityReached {
		t.Fatalf("expected ErrCapacityReached, got %v", err)
	}
}

func TestFindClientWithDecryptBindsFirstMatchingAwaitingSession(t *testing.T) {
	r := NewRegistry(0)
	s, err := r.AddClient("alice", newTestCrypto(), &fakeControl{}, &fakeUDP{}, 16)
	if err != nil {
		t.Fatalf("add client: %v", err)
	}

	plaintext := []byte{0, 1, 2, 3}
	packet := s.Crypto.Encrypt(plaintext)

	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4000}
	found, decoded, ok := r.FindClientWithDecrypt(packet, addr)
	if !ok {
		t.Fatalf("expected decrypt match")
	}
	if found.SessionID != s.SessionID {
		t.Fatalf("expected session %d bound, got %d", s.SessionID, found.SessionID)
	}
	if string(decoded) != string(plaintext) {
		t.Fatalf("unexpected plaintext: %v", decoded)
	}
	if bound, ok := r.BySocket(addr); !ok || bound.SessionID != s.SessionID {
		t.Fatalf("expected socket index to reflect binding")
	}

	// A second packet from the same address should resolve via the bound
	// fast path without re-scanning awaitingUDP.
	plaintext2 := []byte{9, 9}
	packet2 := s.Crypto.Encrypt(plaintext2)
	found2, decoded2, ok := r.FindClientWithDecrypt(packet2, addr)
	if !ok || found2.SessionID != s.SessionID || string(decoded2) != string(plaintext2) {
		t.Fatalf("expected bound fast path to succeed")
	}
}

func TestFindClientWithDecryptNoMatch(t *testing.T) {
	r := NewRegistry(0)
	if _, err := r.AddClient("alice", newTestCrypto(), &fakeControl{}, &fakeUDP{}, 16); err != nil {
		t.Fatalf("add client: %v", err)
	}
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4001}
	_, _, ok := r.FindClientWithDecrypt([]byte{1, 2, 3, 4, 5, 6}, addr)
	if ok {
		t.Fatalf("expected no match for garbage packet")
	}
}

func TestResetClientCryptReturnsSessionToAwaiting(t *testing.T) {
	r := NewRegistry(0)
	s, err := r.AddClient("alice", newTestCrypto(), &fakeControl{}, &fakeUDP{}, 16)
	if err != nil {
		t.Fatalf("add client: %v", err)
	}
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4002}
	packet := s.Crypto.Encrypt([]byte{1})
	if _, _, ok := r.FindClientWithDecrypt(packet, addr); !ok {
		t.Fatalf("expected initial bind")
	}

	r.ResetClientCrypt(s)

	if s.UDPAddr() != nil {
		t.Fatalf("expected udp addr cleared after reset")
	}
	if _, ok := r.BySocket(addr); ok {
		t.Fatalf("expected socket index cleared after reset")
	}
	// The old key no longer decrypts since Reset rekeyed the session.
	if _, _, ok := r.FindClientWithDecrypt(packet, addr); ok {
		t.Fatalf("expected stale packet to fail decrypt against new key")
	}
}

func TestDisconnectIsIdempotentAndBroadcastsUserRemove(t *testing.T) {
	r := NewRegistry(0)
	ctrlA := &fakeControl{}
	ctrlB := &fakeControl{}
	a, err := r.AddClient("alice", newTestCrypto(), ctrlA, &fakeUDP{}, 16)
	if err != nil {
		t.Fatalf("add alice: %v", err)
	}
	b, err := r.AddClient("bob", newTestCrypto(), ctrlB, &fakeUDP{}, 16)
	if err != nil {
		t.Fatalf("add bob: %v", err)
	}

	r.Disconnect(a.SessionID)
	if r.Count() != 1 {
		t.Fatalf("expected 1 remaining session, got %d", r.Count())
	}
	if !ctrlA.closed {
		t.Fatalf("expected alice's control writer closed")
	}

	select {
	case mm := <-b.Mailbox.Recv():
		if mm.Kind != MailboxSendMessage || mm.FrameKind != uint16(protocol.KindUserRemove) {
			t.Fatalf("expected bob to receive a UserRemove broadcast, got %#v", mm)
		}
	default:
		t.Fatalf("expected bob to receive a UserRemove broadcast")
	}

	if !b.Mailbox.TrySend(MailboxMsg{Kind: MailboxDisconnect}) {
		t.Fatalf("expected bob's mailbox to still accept sends")
	}

	// Username freed: alice's name should be available again for reuse.
	if _, err := r.AddClient("alice", newTestCrypto(), &fakeControl{}, &fakeUDP{}, 16); err != nil {
		t.Fatalf("expected username freed after disconnect: %v", err)
	}

	// Idempotent: disconnecting again is a no-op, not a panic.
	r.Disconnect(a.SessionID)
}

func TestConcurrentAddClientAssignsDistinctIDs(t *testing.T) {
	r := NewRegistry(0)
	const n = 32

	ids := make(chan uint32, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.AddClient(fmt.Sprintf("user-%d", i), newTestCrypto(), &fakeControl{}, &fakeUDP{}, 16)
			if err != nil {
				t.Errorf("add client %d: %v", i, err)
				return
			}
			ids <- s.SessionID
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint32]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate session id %d issued to concurrent clients", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct ids, got %d", n, len(seen))
	}
}

func TestBroadcastSkipsFullMailboxWithoutBlocking(t *testing.T) {
	r := NewRegistry(0)
	s, err := r.AddClient("alice", newTestCrypto(), &fakeControl{}, &fakeUDP{}, 1)
	if err != nil {
		t.Fatalf("add client: %v", err)
	}
	// Fill the 1-capacity mailbox.
	if !s.Mailbox.TrySend(MailboxMsg{Kind: MailboxDisconnect}) {
		t.Fatalf("expected first send to succeed")
	}
	// Broadcast must not block even though the mailbox is now full.
	r.Broadcast(7, []byte("hello"))
}
