// Package qr seals an access token into a self-contained encrypted
// payload suitable for QR rendering, and authenticates such payloads
// back into a token reference. The codec never decides whether access
// is granted; the decoded code still goes through the token manager.
package qr

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"

	"medvault.org/internal/token"
)

// KeySize is the size in bytes of the deployment sealing key.
const KeySize = chacha20poly1305.KeySize

// payloadVersion is prepended to every sealed payload and included as
// additional authenticated data, so tampering with it fails
// authentication rather than being silently interpreted.
const payloadVersion byte = 0x01

// sealedOverhead is the byte overhead per sealed payload:
// 1 (version) + 24 (XChaCha20-Poly1305 nonce) + 16 (Poly1305 tag).
const sealedOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// Payload is the transient content of a sealed QR blob. It carries no
// independent state: its validity is bounded by the referenced token's
// own expiry, which the token manager re-checks authoritatively.
type Payload struct {
	Code        string    `cbor:"1,keyasint"`
	SubjectHint string    `cbor:"2,keyasint"`
	ExpiresAt   time.Time `cbor:"3,keyasint"`
}

// encMode uses Core Deterministic Encoding with RFC 3339 nanosecond
// timestamps so a payload round-trips its expiry exactly.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	var err error
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("qr: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("qr: CBOR decoder initialization failed: " + err.Error())
	}
}

// Codec seals and opens QR payloads under a single process-wide key.
// The key is read-only at steady state and rotated by redeploy;
// rotation invalidates in-flight un-scanned payloads, which is
// acceptable given their short expiry.
type Codec struct {
	aead cipher.AEAD
	now  func() time.Time
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithClock overrides the time source used by the local expiry
// pre-check (useful for tests).
func WithClock(fn func() time.Time) CodecOption {
	return func(c *Codec) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewCodec builds a codec from a raw 32-byte key.
func NewCodec(key []byte, opts ...CodecOption) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("qr: sealing key must be %d bytes, got %d", KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("qr: creating XChaCha20-Poly1305 cipher: %w", err)
	}
	c := &Codec{aead: aead, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewCodecFromHex builds a codec from a hex-encoded key, the form the
// key takes in deployment configuration.
func NewCodecFromHex(hexKey string, opts ...CodecOption) (*Codec, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("qr: decoding sealing key: %w", err)
	}
	return NewCodec(key, opts...)
}

// GenerateKey produces a fresh random sealing key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("qr: generating sealing key: %w", err)
	}
	return key, nil
}

// Encode seals the token's code, subject hint, and expiry into a
// binary blob:
//
//	[version: 1 byte] [nonce: 24 bytes (random)] [ciphertext+tag]
//
// Producing and later consuming the blob needs no network access.
func (c *Codec) Encode(tok *token.AccessToken) ([]byte, error) {
	return c.Seal(Payload{
		Code:        tok.Code,
		SubjectHint: tok.SubjectID,
		ExpiresAt:   tok.ExpiresAt,
	})
}

// Seal encrypts an explicit payload. Encode is the common entry point;
// Seal exists for callers that build the payload themselves.
func (c *Codec) Seal(p Payload) ([]byte, error) {
	plaintext, err := encMode.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("qr: encoding payload: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("qr: generating nonce: %w", err)
	}

	out := make([]byte, 1+chacha20poly1305.NonceSizeX, sealedOverhead+len(plaintext))
	out[0] = payloadVersion
	copy(out[1:], nonce[:])
	out = c.aead.Seal(out, nonce[:], plaintext, []byte{payloadVersion})
	return out, nil
}

// Decode authenticates and decrypts a sealed payload. Any integrity
// failure, truncation, wrong key, or flipped bit yields the same
// token.ErrDecryptionFailure with no detail about which it was and no
// partial plaintext. A payload past its embedded expiry fails fast
// with token.ErrExpired before the token manager is ever contacted;
// that pre-check is a courtesy, never the authority.
func (c *Codec) Decode(sealed []byte) (Payload, error) {
	if len(sealed) < sealedOverhead || sealed[0] != payloadVersion {
		return Payload{}, token.ErrDecryptionFailure
	}

	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := sealed[1+chacha20poly1305.NonceSizeX:]

	plaintext, err := c.aead.Open(nil, nonce, ciphertext, []byte{payloadVersion})
	if err != nil {
		return Payload{}, token.ErrDecryptionFailure
	}

	var p Payload
	if err := decMode.Unmarshal(plaintext, &p); err != nil {
		return Payload{}, token.ErrDecryptionFailure
	}

	if c.now().After(p.ExpiresAt) {
		// The decoded payload is still returned so the caller can
		// attribute the failed attempt to the right subject.
		return p, token.ErrExpired
	}
	return p, nil
}
