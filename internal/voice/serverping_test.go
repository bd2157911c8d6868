package voice

import (
	"encoding/binary"
	"testing"
)

func TestIsServerPingRequest(t *testing.T) {
	cases := []struct {
		name string
		raw  []byte
		want bool
	}{
		{"four zero bytes", []byte{0, 0, 0, 0}, true},
		{"zero prefix with trailing payload", make([]byte, 12), true},
		{"non-zero first byte", []byte{1, 0, 0, 0}, false},
		{"too short", []byte{0, 0, 0}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := IsServerPingRequest(c.raw); got != c.want {
				t.Errorf("IsServerPingRequest(%v) = %v, want %v", c.raw, got, c.want)
			}
		})
	}
}

func TestEncodeServerPingReplyEchoesTimestamp(t *testing.T) {
	raw := make([]byte, 12)
	binary.BigEndian.PutUint64(raw[4:12], 0xdeadbeefcafebabe)

	reply := EncodeServerPingReply(7, raw, 3, 100, 192000)
	if len(reply) != serverPingReplySize {
		t.Fatalf("reply length = %d, want %d", len(reply), serverPingReplySize)
	}
	if got := binary.BigEndian.Uint32(reply[0:4]); got != 7 {
		t.Errorf("ident = %d, want 7", got)
	}
	if got := binary.BigEndian.Uint64(reply[4:12]); got != 0xdeadbeefcafebabe {
		t.Errorf("timestamp = %x, want %x", got, uint64(0xdeadbeefcafebabe))
	}
	if got := binary.BigEndian.Uint32(reply[12:16]); got != 3 {
		t.Errorf("users = %d, want 3", got)
	}
	if got := binary.BigEndian.Uint32(reply[16:20]); got != 100 {
		t.Errorf("max_users = %d, want 100", got)
	}
	if got := binary.BigEndian.Uint32(reply[20:24]); got != 192000 {
		t.Errorf("bandwidth = %d, want 192000", got)
	}
}

func TestEncodeServerPingReplyWithoutTimestampPayload(t *testing.T) {
	reply := EncodeServerPingReply(1, []byte{0, 0, 0, 0}, 0, 0, 0)
	if got := binary.BigEndian.Uint64(reply[4:12]); got != 0 {
		t.Errorf("timestamp = %d, want 0 when request carries none", got)
	}
}
