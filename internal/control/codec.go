// Package control implements the per-connection control loop: reading
// framed TLS control messages, decoding by kind, and dispatching to
// handlers that mutate the session registry and channel tree and emit
// broadcasts; it also drains each session's own mailbox.
package control

import "github.com/TheiLLeniumStudios/ZUMBLE/internal/protocol"

// Codec encodes and decodes control message bodies. The default
// implementation is JSON; swapping in a real protobuf codec later is a
// Codec implementation, not a dispatcher change.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(body []byte, v any) error
}

// JSONCodec is the default Codec.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error)    { return protocol.Encode(v) }
func (JSONCodec) Decode(body []byte, v any) error { return protocol.Decode(body, v) }
