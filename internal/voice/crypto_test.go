package voice

import (
	"testing"
)

func freshPair() (*CryptoSession, *CryptoSession) {
	var key [ivSize]byte
	for i := range key {
		key[i] = byte(i + 1)
	}
	sender := NewCryptoSession(key, 0, 0)
	receiver := NewCryptoSession(key, 0, 0)
	return sender, receiver
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	sender, receiver := freshPair()
	plaintext := []byte("opus frame payload")

	ciphertext := sender.Encrypt(plaintext)
	got, err := receiver.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}

	good, late, lost, resync, _ := receiver.Snapshot()
	if good != 1 || late != 0 || lost != 0 || resync != 0 {
		t.Fatalf("unexpected counters: good=%d late=%d lost=%d resync=%d", good, late, lost, resync)
	}
}

func TestDecryptDetectsMacMismatch(t *testing.T) {
	sender, receiver := freshPair()
	ciphertext := sender.Encrypt([]byte("payload"))
	ciphertext[len(ciphertext)-1] ^= 0xFF

	if _, err := receiver.Decrypt(ciphertext); err != ErrMacMismatch {
		t.Fatalf("got err=%v, want ErrMacMismatch", err)
	}
	good, _, _, _, _ := receiver.Snapshot()
	if good != 0 {
		t.Fatalf("good counter should be untouched on MAC failure, got %d", good)
	}
}

func TestDecryptOutOfOrderCountsLate(t *testing.T) {
	sender, receiver := freshPair()
	p1 := sender.Encrypt([]byte("one"))
	p2 := sender.Encrypt([]byte("two"))

	if _, err := receiver.Decrypt(p2); err != nil {
		t.Fatalf("decrypt p2: %v", err)
	}
	if _, err := receiver.Decrypt(p1); err != nil {
		t.Fatalf("decrypt reordered p1: %v", err)
	}

	good, late, _, _, _ := receiver.Snapshot()
	if good != 2 || late != 1 {
		t.Fatalf("good=%d late=%d, want good=2 late=1", good, late)
	}
}

func TestDecryptGapCountsLost(t *testing.T) {
	sender, receiver := freshPair()
	_ = sender.Encrypt([]byte("dropped-1"))
	_ = sender.Encrypt([]byte("dropped-2"))
	p3 := sender.Encrypt([]byte("arrives"))

	if _, err := receiver.Decrypt(p3); err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	good, _, lost, resync, _ := receiver.Snapshot()
	if good != 1 || lost != 2 || resync != 0 {
		t.Fatalf("good=%d lost=%d resync=%d, want good=1 lost=2 resync=0", good, lost, resync)
	}
}

func TestDecryptLargeGapCountsResync(t *testing.T) {
	sender, receiver := freshPair()
	for i := 0; i < resyncWindow+3; i++ {
		sender.Encrypt([]byte("filler"))
	}
	p := sender.Encrypt([]byte("after-big-gap"))

	if _, err := receiver.Decrypt(p); err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	_, _, _, resync, _ := receiver.Snapshot()
	if resync != 1 {
		t.Fatalf("resync=%d, want 1", resync)
	}
}

func TestResetIncrementsResyncAndLastGood(t *testing.T) {
	var key [ivSize]byte
	c := NewCryptoSession(key, 0, 0)
	before := c.LastGood()

	c.Reset(key, 5, 5)
	_, _, _, resync, _ := c.Snapshot()
	if resync != 1 {
		t.Fatalf("resync=%d, want 1", resync)
	}
	if c.LastGood().Before(before) {
		t.Fatalf("LastGood did not advance on Reset")
	}
}
