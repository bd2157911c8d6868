package voice

import (
	"encoding/binary"
	"errors"
)

// ErrMalformedPacket is returned when a decoded voice datagram's header or
// varint fields are truncated. Callers log and drop; it never propagates
// past the UDP reader or control dispatcher.
var ErrMalformedPacket = errors.New("voice: malformed voice packet")

// VoicePacket is the decoded body of a Mumble UDP voice datagram (after
// CryptoSession.Decrypt has removed the authenticated-encryption layer).
// The header byte packs a codec/frame Type in its high 3 bits and a voice
// Target index in its low 5 bits; SenderSession is carried on relay so
// recipients can attribute the audio, and is absent (0) on a packet as
// received from the originating client.
type VoicePacket struct {
	Type          byte
	Target        byte
	SenderSession uint32
	Sequence      uint64
	Payload       []byte
}

// DecodeIncoming parses a voice packet as sent by the originating client:
// header byte, varint sequence, payload. The client never stamps its own
// session id; the server fills it in before relaying.
func DecodeIncoming(raw []byte) (*VoicePacket, error) {
	if len(raw) < 1 {
		return nil, ErrMalformedPacket
	}
	header := raw[0]
	seq, n := binary.Uvarint(raw[1:])
	if n <= 0 {
		return nil, ErrMalformedPacket
	}
	return &VoicePacket{
		Type:     header >> 5,
		Target:   header & 0x1f,
		Sequence: seq,
		Payload:  raw[1+n:],
	}, nil
}

// EncodeRelay serializes a packet for delivery to a recipient, either over
// UDP (after CryptoSession.Encrypt) or inline in an UDPTunnel control frame.
// The sender's session id is stamped immediately after the header byte.
func EncodeRelay(p *VoicePacket) []byte {
	header := (p.Type << 5) | (p.Target & 0x1f)
	buf := make([]byte, 0, 1+binary.MaxVarintLen32+binary.MaxVarintLen64+len(p.Payload))
	buf = append(buf, header)
	buf = binary.AppendUvarint(buf, uint64(p.SenderSession))
	buf = binary.AppendUvarint(buf, p.Sequence)
	buf = append(buf, p.Payload...)
	return buf
}

// DecodeRelay parses a packet previously produced by EncodeRelay: the
// relay layout a receiving client parses. The server itself never calls it.
func DecodeRelay(raw []byte) (*VoicePacket, error) {
	if len(raw) < 1 {
		return nil, ErrMalformedPacket
	}
	header := raw[0]
	rest := raw[1:]
	sender, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, ErrMalformedPacket
	}
	rest = rest[n:]
	seq, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, ErrMalformedPacket
	}
	return &VoicePacket{
		Type:          header >> 5,
		Target:        header & 0x1f,
		SenderSession: uint32(sender),
		Sequence:      seq,
		Payload:       rest[n:],
	}, nil
}
