package session

import "testing"

func TestMailboxTrySendReportsFullAndClosed(t *testing.T) {
	m := NewMailbox(1)
	if !m.TrySend(MailboxMsg{Kind: MailboxSendMessage}) {
		t.Fatalf("expected send into empty mailbox to succeed")
	}
	if m.TrySend(MailboxMsg{Kind: MailboxSendMessage}) {
		t.Fatalf("expected send into full mailbox to report false")
	}

	m.Close()
	if m.TrySend(MailboxMsg{Kind: MailboxSendMessage}) {
		t.Fatalf("expected send into closed mailbox to report false")
	}
}

func TestMailboxCloseIsIdempotent(t *testing.T) {
	m := NewMailbox(4)
	m.Close()
	m.Close() // a second close must not panic
	if !m.Closed() {
		t.Fatalf("expected Closed to report true")
	}
}

func TestSessionMuteStateLeavesUnsetFieldsUnchanged(t *testing.T) {
	s := NewSession("alice", newTestCrypto(), &fakeControl{}, &fakeUDP{}, 16)

	mute := true
	s.SetMuteState(&mute, nil, nil, nil)
	gotMute, gotDeaf, _, _ := s.MuteState()
	if !gotMute || gotDeaf {
		t.Fatalf("expected mute=true deaf=false, got mute=%v deaf=%v", gotMute, gotDeaf)
	}

	deaf := true
	s.SetMuteState(nil, &deaf, nil, nil)
	gotMute, gotDeaf, _, _ = s.MuteState()
	if !gotMute || !gotDeaf {
		t.Fatalf("expected earlier mute preserved alongside deaf, got mute=%v deaf=%v", gotMute, gotDeaf)
	}
}

func TestSessionCloseControlIsIdempotent(t *testing.T) {
	ctrl := &fakeControl{}
	s := NewSession("alice", newTestCrypto(), ctrl, &fakeUDP{}, 16)
	s.CloseControl()
	s.CloseControl()
	if !ctrl.closed {
		t.Fatalf("expected control writer closed")
	}
}
