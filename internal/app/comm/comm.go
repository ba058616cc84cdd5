// Package comm implements the Communicator (spec.md §4.4): packs ordered
// Messages into a PackedMessageList tagged with a monotonically increasing
// microsecond nonce, optionally zlib-compresses it, and hands off to the
// Cipher Layer to produce a wire-ready ClientCommunication. It tracks
// received/sent byte counters the way the teacher's metrics package tracks
// prometheus counters for every outbound call.
package comm

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/okapi-sec/okapi/internal/app/cipher"
	"github.com/okapi-sec/okapi/internal/app/domain/message"
	"github.com/okapi-sec/okapi/internal/app/metrics"
)

// CompressionKind tags how a PackedMessageList payload was encoded.
type CompressionKind byte

const (
	CompressionNone CompressionKind = 0
	CompressionZlib CompressionKind = 1
)

// PackedMessageList is the serialized envelope of an ordered batch of
// Messages plus the nonce timestamp used for replay detection (spec.md
// §4.4).
type PackedMessageList struct {
	Nonce       int64           `json:"nonce"`
	Compression CompressionKind `json:"compression"`
	Messages    []message.Message `json:"messages"`
}

// ErrMalformedBundle is returned when a received payload cannot be decoded
// into a PackedMessageList.
var ErrMalformedBundle = errors.New("comm: malformed packed message list")

// ErrUnauthenticated is returned when the embedded nonce does not match the
// timestamp the caller previously sent, per spec.md §4.3's decrypt path.
var ErrUnauthenticated = errors.New("comm: bundle failed nonce authentication")

// Communicator wraps a cipher.Layer with the pack/encrypt and
// decrypt/unpack pipeline and process-wide byte counters.
type Communicator struct {
	cipher *cipher.Layer

	receivedBytes uint64
	sentBytes     uint64

	nonceMu  chan struct{}
	lastNonce int64
}

// New builds a Communicator over the given Cipher Layer.
func New(c *cipher.Layer) *Communicator {
	return &Communicator{cipher: c, nonceMu: make(chan struct{}, 1)}
}

// ReceivedBytes returns the cumulative count of bytes successfully
// decrypted by this process.
func (c *Communicator) ReceivedBytes() uint64 { return atomic.LoadUint64(&c.receivedBytes) }

// SentBytes returns the cumulative count of bytes encrypted for
// transmission by this process.
func (c *Communicator) SentBytes() uint64 { return atomic.LoadUint64(&c.sentBytes) }

// nextNonce returns a strictly increasing microsecond timestamp, even if
// called faster than the wall clock advances.
func (c *Communicator) nextNonce(now time.Time) int64 {
	c.nonceMu <- struct{}{}
	defer func() { <-c.nonceMu }()
	n := now.UnixMicro()
	if n <= c.lastNonce {
		n = c.lastNonce + 1
	}
	c.lastNonce = n
	return n
}

// Pack serializes msgs into a PackedMessageList, zlib-compressing it iff
// that shrinks the payload (spec.md §4.4).
func Pack(msgs []message.Message, nonce int64) ([]byte, error) {
	list := PackedMessageList{Nonce: nonce, Compression: CompressionNone, Messages: msgs}
	raw, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("comm: marshal message list: %w", err)
	}

	var zbuf bytes.Buffer
	zw := zlib.NewWriter(&zbuf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("comm: zlib write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("comm: zlib close: %w", err)
	}

	if zbuf.Len() < len(raw) {
		return append([]byte{byte(CompressionZlib)}, zbuf.Bytes()...), nil
	}
	return append([]byte{byte(CompressionNone)}, raw...), nil
}

// Unpack reverses Pack: decompresses if needed, then decodes the
// PackedMessageList.
func Unpack(payload []byte) (PackedMessageList, error) {
	if len(payload) == 0 {
		return PackedMessageList{}, fmt.Errorf("%w: empty payload", ErrMalformedBundle)
	}
	kind := CompressionKind(payload[0])
	body := payload[1:]

	switch kind {
	case CompressionZlib:
		zr, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return PackedMessageList{}, fmt.Errorf("%w: zlib open: %v", ErrMalformedBundle, err)
		}
		defer zr.Close()
		raw, err := io.ReadAll(zr)
		if err != nil {
			return PackedMessageList{}, fmt.Errorf("%w: zlib read: %v", ErrMalformedBundle, err)
		}
		body = raw
	case CompressionNone:
		// body already holds the raw JSON
	default:
		return PackedMessageList{}, fmt.Errorf("%w: unknown compression kind %d", ErrMalformedBundle, kind)
	}

	var list PackedMessageList
	if err := json.Unmarshal(body, &list); err != nil {
		return PackedMessageList{}, fmt.Errorf("%w: %v", ErrMalformedBundle, err)
	}
	return list, nil
}

// Send encrypts msgs for peerFingerprint and returns the wire Bundle plus
// the nonce used, which the caller (the Front End) must remember in order
// to validate the peer's next response against it.
func (c *Communicator) Send(peerFingerprint string, msgs []message.Message, apiVersion uint32, now time.Time) (cipher.Bundle, int64, error) {
	nonce := c.nextNonce(now)
	payload, err := Pack(msgs, nonce)
	if err != nil {
		return cipher.Bundle{}, 0, err
	}
	bundle, err := c.cipher.Seal(peerFingerprint, payload, apiVersion)
	if err != nil {
		return cipher.Bundle{}, 0, err
	}
	atomic.AddUint64(&c.sentBytes, uint64(len(bundle.Ciphertext)))
	metrics.RecordCommBytes("sent", len(bundle.Ciphertext))
	return bundle, nonce, nil
}

// Receive decrypts a Bundle from peerFingerprint and unpacks its messages,
// returning them alongside the bundle's embedded nonce. It does not itself
// check the nonce against an expected value — spec.md §4.3 notes the
// server always initiates encryption and compares the echoed nonce to the
// one it sent, which is a Flow/session-specific check left to the caller.
func (c *Communicator) Receive(peerFingerprint string, bundle cipher.Bundle) ([]message.Message, int64, error) {
	plain, err := c.cipher.Open(peerFingerprint, bundle)
	if err != nil {
		return nil, 0, err
	}
	atomic.AddUint64(&c.receivedBytes, uint64(len(bundle.Ciphertext)))
	metrics.RecordCommBytes("received", len(bundle.Ciphertext))
	list, err := Unpack(plain)
	if err != nil {
		return nil, 0, err
	}
	return list.Messages, list.Nonce, nil
}

// ReceiveUnauthenticated decrypts a Bundle from a peer with no pinned
// public key (the enrollment bootstrap case) via cipher.Layer's
// signature-free unseal path. Callers must stamp every returned Message
// AuthState as message.Unauthenticated.
func (c *Communicator) ReceiveUnauthenticated(bundle cipher.Bundle) ([]message.Message, int64, error) {
	plain, err := c.cipher.OpenUnauthenticated(bundle)
	if err != nil {
		return nil, 0, err
	}
	atomic.AddUint64(&c.receivedBytes, uint64(len(bundle.Ciphertext)))
	metrics.RecordCommBytes("received", len(bundle.Ciphertext))
	list, err := Unpack(plain)
	if err != nil {
		return nil, 0, err
	}
	return list.Messages, list.Nonce, nil
}

// VerifyNonce checks a received nonce against the one this Communicator
// previously sent for a session, marking the bundle UNAUTHENTICATED on
// mismatch (spec.md §4.3).
func VerifyNonce(expected, got int64) error {
	if expected != got {
		return ErrUnauthenticated
	}
	return nil
}

// encodeUint32 is a small helper kept local to comm for any future raw
// wire-framing needs beyond the JSON-based PackedMessageList encoding used
// today.
func encodeUint32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return buf
}
