package session

import (
	"testing"
	"time"
)

func TestSweepReapsSessionWithClosedMailbox(t *testing.T) {
	r := NewRegistry(0)
	s, err := r.AddClient("alice", newTestCrypto(), &fakeControl{}, &fakeUDP{}, 16)
	if err != nil {
		t.Fatalf("add client: %v", err)
	}
	s.Mailbox.Close()

	j := NewJanitor(r)
	removed, reset := j.Sweep(time.Now())
	if removed != 1 || reset != 0 {
		t.Fatalf("expected 1 removed, 0 reset, got removed=%d reset=%d", removed, reset)
	}
	if _, ok := r.Get(s.SessionID); ok {
		t.Fatalf("expected session reaped from registry")
	}
}

func TestSweepReapsSessionPastPingTimeout(t *testing.T) {
	r := NewRegistry(0)
	s, err := r.AddClient("alice", newTestCrypto(), &fakeControl{}, &fakeUDP{}, 16)
	if err != nil {
		t.Fatalf("add client: %v", err)
	}

	future := s.LastPing().Add(PingTimeout + time.Second)
	removed, _ := NewJanitor(r).Sweep(future)
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, ok := r.Get(s.SessionID); ok {
		t.Fatalf("expected stale session reaped")
	}
}

func TestSweepRequestsCryptoResyncWithoutRemoving(t *testing.T) {
	r := NewRegistry(0)
	s, err := r.AddClient("alice", newTestCrypto(), &fakeControl{}, &fakeUDP{}, 16)
	if err != nil {
		t.Fatalf("add client: %v", err)
	}

	future := s.Crypto.LastGood().Add(CryptoResyncTimeout + time.Second)
	removed, reset := NewJanitor(r).Sweep(future)
	if removed != 0 || reset != 1 {
		t.Fatalf("expected 0 removed, 1 reset, got removed=%d reset=%d", removed, reset)
	}
	if _, ok := r.Get(s.SessionID); !ok {
		t.Fatalf("expected session still present after crypto resync")
	}
	if s.UDPAddr() != nil {
		t.Fatalf("expected udp addr cleared by resync")
	}
}

func TestSweepNoOpWhenHealthy(t *testing.T) {
	r := NewRegistry(0)
	if _, err := r.AddClient("alice", newTestCrypto(), &fakeControl{}, &fakeUDP{}, 16); err != nil {
		t.Fatalf("add client: %v", err)
	}
	removed, reset := NewJanitor(r).Sweep(time.Now())
	if removed != 0 || reset != 0 {
		t.Fatalf("expected no-op sweep, got removed=%d reset=%d", removed, reset)
	}
}
