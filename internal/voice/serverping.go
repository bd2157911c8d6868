package voice

import "encoding/binary"

// serverPingReplySize is the fixed length of a server ping reply:
// ident(4) + timestamp(8) + users(4) + max_users(4) + bandwidth(4).
const serverPingReplySize = 4 + 8 + 4 + 4 + 4

// IsServerPingRequest reports whether raw is an unauthenticated UDP server
// ping: a datagram beginning with four zero bytes, sent by clients probing
// server status without a TLS control connection.
func IsServerPingRequest(raw []byte) bool {
	if len(raw) < 4 {
		return false
	}
	return raw[0] == 0 && raw[1] == 0 && raw[2] == 0 && raw[3] == 0
}

// EncodeServerPingReply builds the big-endian reply body:
// [ident:u32][timestamp:u64][users:u32][max_users:u32][bandwidth:u32].
// timestamp is echoed back from the client's request when present
// (bytes 4:12), or zero otherwise.
func EncodeServerPingReply(ident uint32, raw []byte, users, maxUsers, bandwidth uint32) []byte {
	var timestamp uint64
	if len(raw) >= 12 {
		timestamp = binary.BigEndian.Uint64(raw[4:12])
	}

	out := make([]byte, serverPingReplySize)
	binary.BigEndian.PutUint32(out[0:4], ident)
	binary.BigEndian.PutUint64(out[4:12], timestamp)
	binary.BigEndian.PutUint32(out[12:16], users)
	binary.BigEndian.PutUint32(out[16:20], maxUsers)
	binary.BigEndian.PutUint32(out[20:24], bandwidth)
	return out
}
