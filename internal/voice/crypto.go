// Package voice implements the per-session authenticated-encryption state,
// voice-target addressing, voice packet framing, and the fan-out router used
// to relay decoded voice packets to their recipients.
package voice

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Errors raised by CryptoSession.Decrypt. None of these ever propagate past
// the UDP reader or control dispatcher; callers log and drop.
var (
	ErrMacMismatch = errors.New("voice: mac mismatch")
	ErrShortPacket = errors.New("voice: packet too short to carry an iv byte and tag")
)

const (
	ivSize  = 16
	tagSize = 4

	// lateWindow bounds how far behind the current decrypt counter an
	// observed iv byte may be and still count as a reordered-but-recent
	// packet rather than a resync.
	lateWindow = 5
	// resyncWindow bounds how far ahead of the current decrypt counter an
	// observed iv byte may jump and still be treated as an ordinary gap
	// (lost-packet accounting) rather than a full resync.
	resyncWindow = 25
)

// CryptoSession holds one session's OCB-style authenticated-encryption
// state: the shared key, the independent send/receive nonce counters, and
// the loss/reorder telemetry the janitor uses to decide on liveness and
// resync. It is exclusively owned by its session and is safe for concurrent
// use; every operation that touches counters takes the internal lock.
//
// There is no ecosystem Go package implementing Mumble's OCB-AES128 suite,
// so this is built directly on crypto/aes + crypto/cipher (CTR mode) with
// an HMAC-SHA256 tag truncated to 4 bytes standing in for OCB's integrated
// tag.
type CryptoSession struct {
	mu sync.Mutex

	key       [ivSize]byte
	encryptIV uint64 // counter of the last packet sent
	decryptIV uint64 // counter of the last packet accepted

	good   atomic.Uint32
	late   atomic.Uint32
	lost   atomic.Uint32
	resync atomic.Uint32

	lastGood atomic.Int64 // unix nanoseconds of the last authenticated decrypt
}

// NewCryptoSession constructs a session from freshly generated key material.
// encryptIV and decryptIV seed the two independent nonce counters; callers
// typically derive these from crypto/rand at Authenticate time.
func NewCryptoSession(key [ivSize]byte, encryptIV, decryptIV uint64) *CryptoSession {
	c := &CryptoSession{key: key, encryptIV: encryptIV, decryptIV: decryptIV}
	c.lastGood.Store(time.Now().UnixNano())
	return c
}

// Reset replaces the key and both nonce counters in place, as happens on a
// client- or server-initiated CryptSetup. It increments resync, since
// control-channel rekeying is definitionally a resynchronization.
func (c *CryptoSession) Reset(key [ivSize]byte, encryptIV, decryptIV uint64) {
	c.mu.Lock()
	c.key = key
	c.encryptIV = encryptIV
	c.decryptIV = decryptIV
	c.mu.Unlock()
	c.resync.Add(1)
	c.lastGood.Store(time.Now().UnixNano())
}

func ivBytes(counter uint64) [ivSize]byte {
	var b [ivSize]byte
	b[0] = byte(counter)
	b[1] = byte(counter >> 8)
	b[2] = byte(counter >> 16)
	b[3] = byte(counter >> 24)
	b[4] = byte(counter >> 32)
	return b
}

func authTag(key [ivSize]byte, iv [ivSize]byte, ciphertext []byte) []byte {
	mac := hmac.New(sha256.New, key[:])
	mac.Write(iv[:])
	mac.Write(ciphertext)
	return mac.Sum(nil)[:tagSize]
}

// Encrypt seals plaintext under the session's next send nonce and
// advances the send counter. It never fails.
func (c *CryptoSession) Encrypt(plaintext []byte) []byte {
	c.mu.Lock()
	c.encryptIV++
	counter := c.encryptIV
	key := c.key
	c.mu.Unlock()

	iv := ivBytes(counter)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		// key is always 16 bytes; aes.NewCipher cannot fail for a valid key size.
		panic(err)
	}
	stream := cipher.NewCTR(block, iv[:])
	ciphertext := make([]byte, len(plaintext))
	stream.XORKeyStream(ciphertext, plaintext)

	out := make([]byte, 0, 1+len(ciphertext)+tagSize)
	out = append(out, iv[0])
	out = append(out, ciphertext...)
	out = append(out, authTag(key, iv, ciphertext)...)
	return out
}

// reconstructIV recovers a full counter from an observed low byte, using the
// current decrypt counter as the reference point for the nearest wraparound.
func reconstructIV(current uint64, observedLow byte) uint64 {
	base := current &^ 0xFF
	candidate := base | uint64(observedLow)
	switch {
	case candidate+0x80 < current:
		candidate += 0x100
	case candidate > current+0x80:
		if candidate >= 0x100 {
			candidate -= 0x100
		}
	}
	return candidate
}

// Decrypt authenticates and decrypts a UDP voice datagram, classifying the
// packet as good, late, or part of a gap (lost/resync) per the observed
// nonce distance from the current decrypt counter. MAC failures return
// ErrMacMismatch and leave every counter untouched.
func (c *CryptoSession) Decrypt(packet []byte) ([]byte, error) {
	if len(packet) < 1+tagSize {
		return nil, ErrShortPacket
	}
	observedLow := packet[0]
	ciphertext := packet[1 : len(packet)-tagSize]
	gotTag := packet[len(packet)-tagSize:]

	c.mu.Lock()
	key := c.key
	current := c.decryptIV
	c.mu.Unlock()

	candidate := reconstructIV(current, observedLow)
	iv := ivBytes(candidate)
	wantTag := authTag(key, iv, ciphertext)
	if !hmac.Equal(gotTag, wantTag) {
		return nil, ErrMacMismatch
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		panic(err)
	}
	stream := cipher.NewCTR(block, iv[:])
	plaintext := make([]byte, len(ciphertext))
	stream.XORKeyStream(plaintext, ciphertext)

	c.mu.Lock()
	switch {
	case candidate == current+1:
		c.decryptIV = candidate
	case candidate <= current:
		// Arrived behind the current counter but within the trailing
		// window: a reordered packet, not a gap.
		if current-candidate <= lateWindow {
			c.mu.Unlock()
			c.late.Add(1)
			c.good.Add(1)
			c.lastGood.Store(time.Now().UnixNano())
			return plaintext, nil
		}
		// Further behind than the trailing window: a resync.
		c.decryptIV = candidate
		c.mu.Unlock()
		c.resync.Add(1)
		c.good.Add(1)
		c.lastGood.Store(time.Now().UnixNano())
		return plaintext, nil
	default: // candidate > current+1: forward gap
		gap := candidate - current - 1
		if gap > resyncWindow {
			c.decryptIV = candidate
			c.mu.Unlock()
			c.resync.Add(1)
			c.good.Add(1)
			c.lastGood.Store(time.Now().UnixNano())
			return plaintext, nil
		}
		c.decryptIV = candidate
		c.mu.Unlock()
		c.lost.Add(uint32(gap))
		c.good.Add(1)
		c.lastGood.Store(time.Now().UnixNano())
		return plaintext, nil
	}
	c.mu.Unlock()

	c.good.Add(1)
	c.lastGood.Store(time.Now().UnixNano())
	return plaintext, nil
}

// Snapshot returns the current telemetry counters and the time of the last
// authenticated decrypt, the liveness signal the janitor relies on.
func (c *CryptoSession) Snapshot() (good, late, lost, resync uint32, lastGood time.Time) {
	return c.good.Load(), c.late.Load(), c.lost.Load(), c.resync.Load(), time.Unix(0, c.lastGood.Load())
}

// LastGood reports the time of the last authenticated decrypt.
func (c *CryptoSession) LastGood() time.Time {
	return time.Unix(0, c.lastGood.Load())
}

// GenerateKeyMaterial produces a fresh random key and a pair of
// independent nonce counter seeds, the material an Authenticate or
// CryptSetup exchange hands to a freshly constructed CryptoSession.
func GenerateKeyMaterial() (key [ivSize]byte, encryptIV, decryptIV uint64) {
	if _, err := rand.Read(key[:]); err != nil {
		// crypto/rand.Read on the standard reader only fails if the OS
		// entropy source is broken; there is no safe recovery.
		panic(err)
	}
	var seed [16]byte
	if _, err := rand.Read(seed[:]); err != nil {
		panic(err)
	}
	encryptIV = binary.BigEndian.Uint64(seed[:8])
	decryptIV = binary.BigEndian.Uint64(seed[8:])
	return key, encryptIV, decryptIV
}

// EncodeCounter serializes a nonce counter for inclusion in a CryptSetup
// message body.
func EncodeCounter(counter uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, counter)
	return b
}

// DecodeCounter parses a nonce counter previously produced by
// EncodeCounter.
func DecodeCounter(b []byte) uint64 {
	var buf [8]byte
	copy(buf[:], b)
	return binary.BigEndian.Uint64(buf[:])
}
