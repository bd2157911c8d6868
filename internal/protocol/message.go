// Package protocol defines the TLS control-frame envelope and the typed
// message bodies the control dispatcher switches on. The frame header
// (kind + size) follows Mumble's wire layout; bodies are encoded as JSON
// behind Encode/Decode, so swapping in a protobuf codec touches nothing
// outside this package.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Kind identifies a control message's wire type. Values match the Mumble
// protocol's own message-kind numbering so a real Mumble client's framing
// expectations are satisfied even though the body codec is substituted.
type Kind uint16

const (
	KindVersion         Kind = 0
	KindUDPTunnel       Kind = 1
	KindAuthenticate    Kind = 2
	KindPing            Kind = 3
	KindServerSync      Kind = 5
	KindChannelRemove   Kind = 7
	KindChannelState    Kind = 8
	KindUserRemove      Kind = 9
	KindUserState       Kind = 10
	KindCryptSetup      Kind = 15
	KindPermissionQuery Kind = 20
	KindCodecVersion    Kind = 21
	KindVoiceTarget     Kind = 22
)

func (k Kind) String() string {
	switch k {
	case KindVersion:
		return "Version"
	case KindUDPTunnel:
		return "UDPTunnel"
	case KindAuthenticate:
		return "Authenticate"
	case KindPing:
		return "Ping"
	case KindServerSync:
		return "ServerSync"
	case KindChannelRemove:
		return "ChannelRemove"
	case KindChannelState:
		return "ChannelState"
	case KindUserRemove:
		return "UserRemove"
	case KindUserState:
		return "UserState"
	case KindCryptSetup:
		return "CryptSetup"
	case KindPermissionQuery:
		return "PermissionQuery"
	case KindCodecVersion:
		return "CodecVersion"
	case KindVoiceTarget:
		return "VoiceTarget"
	default:
		return fmt.Sprintf("Kind(%d)", uint16(k))
	}
}

// MaxAdvisoryFrameSize is the advisory control-frame body size: frames
// larger than this are logged, never rejected, for compatibility with
// clients that occasionally exceed it.
const MaxAdvisoryFrameSize = 1024

// frameHeaderSize is the on-wire header: a 2-byte kind and a 4-byte size,
// both big-endian.
const frameHeaderSize = 2 + 4

var ErrShortFrame = errors.New("protocol: truncated frame header")

// ReadFrame reads one framed control message from r: a 2-byte kind, a
// 4-byte size, and exactly size body bytes.
func ReadFrame(r io.Reader) (Kind, []byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	kind := Kind(binary.BigEndian.Uint16(hdr[0:2]))
	size := binary.BigEndian.Uint32(hdr[2:6])

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return kind, body, nil
}

// WriteFrame writes the header and body for one control message.
func WriteFrame(w io.Writer, kind Kind, body []byte) error {
	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(kind))
	binary.BigEndian.PutUint32(hdr[2:6], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("protocol: write frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("protocol: write frame body: %w", err)
	}
	return nil
}

// Encode marshals a typed message body to its wire representation.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode: %w", err)
	}
	return b, nil
}

// Decode unmarshals a wire body into a typed message pointer.
func Decode(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("protocol: decode: %w", err)
	}
	return nil
}

// Version carries peer/server protocol and client version information.
type Version struct {
	VersionV1 uint32 `json:"version_v1,omitempty"`
	VersionV2 uint64 `json:"version_v2,omitempty"`
	Release   string `json:"release,omitempty"`
	OS        string `json:"os,omitempty"`
	OSVersion string `json:"os_version,omitempty"`
}

// Authenticate is the client's login request.
type Authenticate struct {
	Username string   `json:"username"`
	Password string   `json:"password,omitempty"`
	Tokens   []string `json:"tokens,omitempty"`
	CeltVers []int32  `json:"celt_versions,omitempty"`
	Opus     bool     `json:"opus,omitempty"`
}

// Ping is exchanged bidirectionally to detect liveness; the server echoes
// telemetry back to the client.
type Ping struct {
	Timestamp  uint64  `json:"timestamp"`
	Good       uint32  `json:"good,omitempty"`
	Late       uint32  `json:"late,omitempty"`
	Lost       uint32  `json:"lost,omitempty"`
	Resync     uint32  `json:"resync,omitempty"`
	UDPPingAvg float32 `json:"udp_ping_avg,omitempty"`
	UDPPingVar float32 `json:"udp_ping_var,omitempty"`
	UDPPackets uint32  `json:"udp_packets,omitempty"`
	TCPPingAvg float32 `json:"tcp_ping_avg,omitempty"`
	TCPPingVar float32 `json:"tcp_ping_var,omitempty"`
	TCPPackets uint32  `json:"tcp_packets,omitempty"`
}

// ServerSync completes the authentication handshake: it confirms the
// client's assigned session id and carries the server's welcome text.
type ServerSync struct {
	Session      uint32 `json:"session"`
	MaxBandwidth uint32 `json:"max_bandwidth,omitempty"`
	WelcomeText  string `json:"welcome_text,omitempty"`
}

// ChannelState creates a channel (ID absent) or updates mutable fields of
// an existing one.
type ChannelState struct {
	ChannelID   *uint32 `json:"channel_id,omitempty"`
	Parent      *uint32 `json:"parent,omitempty"`
	Name        string  `json:"name,omitempty"`
	Description string  `json:"description,omitempty"`
	Temporary   bool    `json:"temporary,omitempty"`
}

// ChannelRemove announces a channel's removal.
type ChannelRemove struct {
	ChannelID uint32 `json:"channel_id"`
}

// UserRemove announces a session's departure, optionally with a reason.
type UserRemove struct {
	Session uint32 `json:"session"`
	Actor   uint32 `json:"actor,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Ban     bool   `json:"ban,omitempty"`
}

// UserState carries the mutable per-session presentation state: mute/deaf
// flags and channel membership. Absent pointer fields mean "unchanged".
type UserState struct {
	Session   uint32  `json:"session"`
	Actor     uint32  `json:"actor,omitempty"`
	Name      string  `json:"name,omitempty"`
	ChannelID *uint32 `json:"channel_id,omitempty"`
	Mute      *bool   `json:"mute,omitempty"`
	Deaf      *bool   `json:"deaf,omitempty"`
	SelfMute  *bool   `json:"self_mute,omitempty"`
	SelfDeaf  *bool   `json:"self_deaf,omitempty"`

	// Channel listener subscriptions to add or drop for this session.
	ListeningChannelAdd    []uint32 `json:"listening_channel_add,omitempty"`
	ListeningChannelRemove []uint32 `json:"listening_channel_remove,omitempty"`
}

// CryptSetup carries the key and nonce material for a client's UDP
// authenticated-encryption state. The server sends this to initialize or
// reset a session; a client may also send it to request a rekey.
type CryptSetup struct {
	Key         []byte `json:"key,omitempty"`
	ClientNonce []byte `json:"client_nonce,omitempty"`
	ServerNonce []byte `json:"server_nonce,omitempty"`
}

// CodecVersion announces supported audio codec versions; this repo
// advertises Opus-only support since payload semantics are out of scope.
type CodecVersion struct {
	Opus bool `json:"opus"`
}

// PermissionQuery replies with a permission bitmask. This repo has no ACL
// model, so every query receives the same permissive mask.
type PermissionQuery struct {
	ChannelID   uint32 `json:"channel_id"`
	Permissions uint32 `json:"permissions"`
}

// PermissiveMask is returned for every PermissionQuery; there is no ACL
// enforcement beyond channel membership.
const PermissiveMask uint32 = 0xFFFFFFFF

// VoiceTarget replaces one of a session's 30 addressable target slots.
type VoiceTarget struct {
	ID      uint32             `json:"id"`
	Targets []VoiceTargetEntry `json:"targets,omitempty"`
}

// VoiceTargetEntry is one target-slot entry: a set of session ids and/or
// channel ids to address.
type VoiceTargetEntry struct {
	Sessions  []uint32 `json:"sessions,omitempty"`
	ChannelID uint32   `json:"channel_id,omitempty"`
}

// UDPTunnel carries a voice packet inline over the control channel, used
// when UDP is unavailable to the client.
type UDPTunnel struct {
	Packet []byte `json:"packet"`
}
