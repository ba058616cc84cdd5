// Package wire implements the tag-ordered binary record codec for the
// agent<->server ClientCommunication envelope (spec.md §6). It is
// hand-rolled rather than protobuf: the spec pins the exact field order and
// sizes of the envelope, which a generic schema would not reproduce
// byte-for-byte without matching field numbers, and spec.md §1 explicitly
// scopes out a generic RPC framework.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/okapi-sec/okapi/internal/app/cipher"
)

// APIVersion is the currently supported wire API version (spec.md §6).
const APIVersion uint32 = 3

// ErrTruncated is returned when a buffer ends before a length-prefixed
// field can be fully read.
var ErrTruncated = errors.New("wire: truncated record")

// EncodeClientCommunication serializes b in the exact tag order spec.md §6
// mandates: encrypted_cipher, encrypted_cipher_metadata, packet_iv,
// encrypted, hmac, full_hmac, api_version, num_messages.
func EncodeClientCommunication(b cipher.Bundle, numMessages uint32) []byte {
	var out []byte
	out = appendLenPrefixed(out, b.EncryptedCipher)
	out = appendLenPrefixed(out, b.EncryptedCipherMetadata)
	out = appendLenPrefixed(out, b.PacketIV[:])
	out = appendLenPrefixed(out, b.Ciphertext)
	out = appendLenPrefixed(out, b.HMAC[:])
	out = appendLenPrefixed(out, b.FullHMAC[:])
	out = appendUint32(out, b.APIVersion)
	out = appendUint32(out, numMessages)
	return out
}

// DecodeClientCommunication reverses EncodeClientCommunication. It returns
// the decoded Bundle and the declared num_messages, rejecting a packet_iv
// that is not 16 bytes and an hmac or full_hmac that is not 32 bytes; it
// does not verify either MAC.
func DecodeClientCommunication(data []byte) (cipher.Bundle, uint32, error) {
	var b cipher.Bundle
	r := &reader{buf: data}

	encCipher, err := r.readLenPrefixed()
	if err != nil {
		return b, 0, fmt.Errorf("wire: encrypted_cipher: %w", err)
	}
	encMeta, err := r.readLenPrefixed()
	if err != nil {
		return b, 0, fmt.Errorf("wire: encrypted_cipher_metadata: %w", err)
	}
	iv, err := r.readLenPrefixed()
	if err != nil {
		return b, 0, fmt.Errorf("wire: packet_iv: %w", err)
	}
	if len(iv) != 16 {
		return b, 0, fmt.Errorf("wire: packet_iv: expected 16 bytes, got %d", len(iv))
	}
	ciphertext, err := r.readLenPrefixed()
	if err != nil {
		return b, 0, fmt.Errorf("wire: encrypted: %w", err)
	}
	mac, err := r.readLenPrefixed()
	if err != nil {
		return b, 0, fmt.Errorf("wire: hmac: %w", err)
	}
	if len(mac) != 32 {
		return b, 0, fmt.Errorf("wire: hmac: expected 32 bytes, got %d", len(mac))
	}
	fullMac, err := r.readLenPrefixed()
	if err != nil {
		return b, 0, fmt.Errorf("wire: full_hmac: %w", err)
	}
	if len(fullMac) != 32 {
		return b, 0, fmt.Errorf("wire: full_hmac: expected 32 bytes, got %d", len(fullMac))
	}
	apiVersion, err := r.readUint32()
	if err != nil {
		return b, 0, fmt.Errorf("wire: api_version: %w", err)
	}
	numMessages, err := r.readUint32()
	if err != nil {
		return b, 0, fmt.Errorf("wire: num_messages: %w", err)
	}

	b.EncryptedCipher = encCipher
	b.EncryptedCipherMetadata = encMeta
	copy(b.PacketIV[:], iv)
	b.Ciphertext = ciphertext
	copy(b.HMAC[:], mac)
	copy(b.FullHMAC[:], fullMac)
	b.APIVersion = apiVersion
	return b, numMessages, nil
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) readUint32() (uint32, error) {
	if len(r.buf)-r.pos < 4 {
		return 0, ErrTruncated
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) readLenPrefixed() ([]byte, error) {
	n, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	if uint32(len(r.buf)-r.pos) < n {
		return nil, ErrTruncated
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return out, nil
}

func appendUint32(dst []byte, v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return append(dst, buf[:]...)
}

func appendLenPrefixed(dst, field []byte) []byte {
	dst = appendUint32(dst, uint32(len(field)))
	return append(dst, field...)
}

// ReadAll is a small helper for callers that hold an io.Reader (e.g. an
// http.Request.Body) rather than a pre-read []byte.
func ReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxBytes))
}
