package protocol

import (
	"bytes"
	"testing"
)

func TestWriteFrameReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	body := []byte(`{"username":"alice"}`)
	if err := WriteFrame(&buf, KindAuthenticate, body); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	kind, got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if kind != KindAuthenticate {
		t.Fatalf("expected kind %v, got %v", KindAuthenticate, kind)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("expected body %q, got %q", body, got)
	}
}

func TestReadFrameShortHeaderErrors(t *testing.T) {
	buf := bytes.NewReader([]byte{0, 1})
	if _, _, err := ReadFrame(buf); err == nil {
		t.Fatalf("expected error reading a truncated header")
	}
}

func TestEncodeDecodeUserState(t *testing.T) {
	chID := uint32(5)
	mute := true
	in := UserState{Session: 7, Name: "bob", ChannelID: &chID, Mute: &mute}
	body, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var out UserState
	if err := Decode(body, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Session != 7 || out.Name != "bob" || out.ChannelID == nil || *out.ChannelID != 5 {
		t.Fatalf("unexpected round trip: %#v", out)
	}
	if out.Mute == nil || !*out.Mute {
		t.Fatalf("expected mute true, got %#v", out.Mute)
	}
}

func TestKindString(t *testing.T) {
	if KindVersion.String() != "Version" {
		t.Fatalf("unexpected Kind.String(): %s", KindVersion.String())
	}
	if Kind(999).String() == "" {
		t.Fatalf("expected a non-empty fallback for unknown kind")
	}
}
