// Package cipher implements the per-peer authenticated encryption scheme
// agent and server use to protect ClientCommunication bundles without a TLS
// client certificate on the agent (spec.md §4.3). It generalizes the
// teacher's single shared-secret AES envelope
// (infrastructure/crypto/envelope.go) into the spec's two-key model: each
// party owns an RSA keypair, and a per-session AES+HMAC+IV CipherProperties
// record is derived, RSA-sealed to the peer, and cached.
package cipher

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Fixed key sizes matching spec.md §4.3's CipherProperties record.
const (
	aesKeySize  = 32 // AES-256
	hmacKeySize = 32
	ivSize      = 16
	sessionTTL  = 24 * time.Hour
)

// ErrUnknownServerCert is returned when decryption references a peer public
// key the recipient has not pinned (spec.md §4.3 failure modes).
var ErrUnknownServerCert = errors.New("cipher: unknown peer public key")

// ErrDecryption covers HMAC mismatch, RSA decrypt failure, or malformed
// envelope fields.
var ErrDecryption = errors.New("cipher: decryption error")

// ErrNonceMismatch is returned when the embedded timestamp does not match
// the nonce the caller previously sent.
var ErrNonceMismatch = errors.New("cipher: nonce mismatch")

// CipherProperties is the per-session symmetric material derived for one
// (self_common_name, peer_public_key) pair (spec.md §4.3).
type CipherProperties struct {
	AESKey  [aesKeySize]byte
	HMACKey [hmacKeySize]byte
	IV      [ivSize]byte
}

// CipherMetadata is signed with the sender's RSA private key and
// accompanies every session's encrypted_cipher so the peer can verify who
// minted the session.
type CipherMetadata struct {
	SourceCommonName string
	Signature        []byte
}

// sessionEntry is the cached, derived-and-sealed session for one peer.
type sessionEntry struct {
	props     CipherProperties
	encrypted []byte // RSA-sealed CipherProperties, reused verbatim on repeat sends
	metadata  []byte // RSA-signed CipherMetadata, reused verbatim
	createdAt time.Time
}

// KeyStore resolves a peer's RSA public key by its long-lived fingerprint,
// and holds this party's own RSA keypair.
type KeyStore interface {
	SelfPrivateKey() *rsa.PrivateKey
	SelfCommonName() string
	PeerPublicKey(fingerprint string) (*rsa.PublicKey, bool)
}

// Layer implements the Cipher Layer (spec.md §4.3): per-session cipher
// derivation, per-packet AES-CBC encryption with full and legacy HMAC, and
// the decrypt path with replay protection via the nonce.
//
// Outbound and inbound sessions are cached separately: sealing to a peer
// mints a fresh random CipherProperties record under our own cache, while
// opening a peer's bundle must instead RSA-decrypt the CipherProperties
// *they* minted and sealed to us — the two directions never share key
// material, so a single cache keyed only by peer fingerprint would make the
// receiver regenerate random keys that never match what the sender used.
type Layer struct {
	keys KeyStore

	mu           sync.Mutex
	sendSessions *lru.Cache[string, *sessionEntry]
	recvSessions *lru.Cache[string, *sessionEntry]

	now func() time.Time
}

// New builds a Layer backed by the given KeyStore. nowFn defaults to
// time.Now when nil (tests may inject a deterministic clock).
func New(keys KeyStore, nowFn func() time.Time) (*Layer, error) {
	sendCache, err := lru.New[string, *sessionEntry](4096)
	if err != nil {
		return nil, fmt.Errorf("cipher: new send session cache: %w", err)
	}
	recvCache, err := lru.New[string, *sessionEntry](4096)
	if err != nil {
		return nil, fmt.Errorf("cipher: new recv session cache: %w", err)
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Layer{keys: keys, sendSessions: sendCache, recvSessions: recvCache, now: nowFn}, nil
}

// Bundle is the encrypted wire form produced by Seal and consumed by Open,
// mirroring spec.md §6's ClientCommunication field layout.
type Bundle struct {
	EncryptedCipher         []byte
	EncryptedCipherMetadata []byte
	PacketIV                [ivSize]byte
	Ciphertext              []byte
	HMAC                    [32]byte // legacy short HMAC, over ciphertext only
	FullHMAC                [32]byte // over (ciphertext, encrypted_cipher, encrypted_cipher_metadata, packet_iv, api_version)
	APIVersion              uint32
}

// sendSessionFor derives (or returns the cached) CipherProperties this
// party uses to seal outbound packets to peerFingerprint, sealing it to
// their RSA public key and signing the accompanying metadata.
func (l *Layer) sendSessionFor(peerFingerprint string) (*sessionEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.sendSessions.Get(peerFingerprint); ok {
		if l.now().Sub(entry.createdAt) < sessionTTL {
			return entry, nil
		}
		l.sendSessions.Remove(peerFingerprint)
	}

	peerKey, ok := l.keys.PeerPublicKey(peerFingerprint)
	if !ok {
		return nil, ErrUnknownServerCert
	}

	var props CipherProperties
	if _, err := rand.Read(props.AESKey[:]); err != nil {
		return nil, fmt.Errorf("cipher: generate aes key: %w", err)
	}
	if _, err := rand.Read(props.HMACKey[:]); err != nil {
		return nil, fmt.Errorf("cipher: generate hmac key: %w", err)
	}
	if _, err := rand.Read(props.IV[:]); err != nil {
		return nil, fmt.Errorf("cipher: generate iv: %w", err)
	}

	serialized := serializeCipherProperties(props)
	sealed, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, peerKey, serialized, nil)
	if err != nil {
		return nil, fmt.Errorf("cipher: seal session: %w", err)
	}

	sig, err := signMetadata(l.keys.SelfPrivateKey(), []byte(l.keys.SelfCommonName()))
	if err != nil {
		return nil, fmt.Errorf("cipher: sign metadata: %w", err)
	}
	metadata := serializeCipherMetadata(l.keys.SelfCommonName(), sig)

	entry := &sessionEntry{props: props, encrypted: sealed, metadata: metadata, createdAt: l.now()}
	l.sendSessions.Add(peerFingerprint, entry)
	return entry, nil
}

// recvSessionFor recovers the CipherProperties a peer minted for us: it
// RSA-decrypts bundle.EncryptedCipher with our own private key (the
// inverse of sendSessionFor's RSA-OAEP seal) and verifies the accompanying
// CipherMetadata signature against the peer's pinned public key. Cached by
// a digest of the encrypted_cipher bytes themselves, since that is what
// uniquely identifies one of the peer's sessions across repeated packets.
func (l *Layer) recvSessionFor(peerFingerprint string, bundle Bundle) (*sessionEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := sha256Hex(bundle.EncryptedCipher)
	if entry, ok := l.recvSessions.Get(key); ok {
		if l.now().Sub(entry.createdAt) < sessionTTL {
			return entry, nil
		}
		l.recvSessions.Remove(key)
	}

	peerKey, ok := l.keys.PeerPublicKey(peerFingerprint)
	if !ok {
		return nil, ErrUnknownServerCert
	}

	serialized, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, l.keys.SelfPrivateKey(), bundle.EncryptedCipher, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unseal cipher properties: %v", ErrDecryption, err)
	}
	props, err := deserializeCipherProperties(serialized)
	if err != nil {
		return nil, err
	}

	commonName, sig, err := deserializeCipherMetadata(bundle.EncryptedCipherMetadata)
	if err != nil {
		return nil, err
	}
	if err := VerifyMetadataSignature(peerKey, commonName, sig); err != nil {
		return nil, err
	}

	entry := &sessionEntry{props: props, encrypted: bundle.EncryptedCipher, metadata: bundle.EncryptedCipherMetadata, createdAt: l.now()}
	l.recvSessions.Add(key, entry)
	return entry, nil
}

func serializeCipherProperties(p CipherProperties) []byte {
	buf := make([]byte, 0, aesKeySize+hmacKeySize+ivSize)
	buf = append(buf, p.AESKey[:]...)
	buf = append(buf, p.HMACKey[:]...)
	buf = append(buf, p.IV[:]...)
	return buf
}

func deserializeCipherProperties(b []byte) (CipherProperties, error) {
	if len(b) != aesKeySize+hmacKeySize+ivSize {
		return CipherProperties{}, fmt.Errorf("%w: malformed cipher properties", ErrDecryption)
	}
	var p CipherProperties
	copy(p.AESKey[:], b[0:aesKeySize])
	copy(p.HMACKey[:], b[aesKeySize:aesKeySize+hmacKeySize])
	copy(p.IV[:], b[aesKeySize+hmacKeySize:])
	return p, nil
}

// serializeCipherMetadata length-prefixes the common name so
// deserializeCipherMetadata can split it back out from the trailing
// signature unambiguously.
func serializeCipherMetadata(commonName string, sig []byte) []byte {
	buf := make([]byte, 0, 4+len(commonName)+len(sig))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(commonName)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, commonName...)
	buf = append(buf, sig...)
	return buf
}

func deserializeCipherMetadata(b []byte) (commonName string, sig []byte, err error) {
	if len(b) < 4 {
		return "", nil, fmt.Errorf("%w: malformed cipher metadata", ErrDecryption)
	}
	n := binary.BigEndian.Uint32(b[:4])
	if uint32(len(b)-4) < n {
		return "", nil, fmt.Errorf("%w: malformed cipher metadata", ErrDecryption)
	}
	commonName = string(b[4 : 4+n])
	sig = b[4+n:]
	return commonName, sig, nil
}

func signMetadata(priv *rsa.PrivateKey, data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	return rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
}

// VerifyMetadataSignature checks a CipherMetadata signature against the
// signer's known public key.
func VerifyMetadataSignature(pub *rsa.PublicKey, sourceCommonName string, signature []byte) error {
	digest := sha256.Sum256([]byte(sourceCommonName))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], signature); err != nil {
		return fmt.Errorf("%w: metadata signature: %v", ErrDecryption, err)
	}
	return nil
}

// Seal encrypts an ordered byte payload (the serialized PackedMessageList,
// produced by the Communicator) for peerFingerprint, producing a Bundle
// ready for wire transmission.
func (l *Layer) Seal(peerFingerprint string, payload []byte, apiVersion uint32) (Bundle, error) {
	entry, err := l.sendSessionFor(peerFingerprint)
	if err != nil {
		return Bundle{}, err
	}

	var packetIV [ivSize]byte
	if _, err := rand.Read(packetIV[:]); err != nil {
		return Bundle{}, fmt.Errorf("cipher: generate packet iv: %w", err)
	}

	block, err := aes.NewCipher(entry.props.AESKey[:])
	if err != nil {
		return Bundle{}, fmt.Errorf("cipher: new aes cipher: %w", err)
	}
	padded := pkcs7Pad(payload, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cbc := cipher.NewCBCEncrypter(block, packetIV[:])
	cbc.CryptBlocks(ciphertext, padded)

	bundle := Bundle{
		EncryptedCipher:         entry.encrypted,
		EncryptedCipherMetadata: entry.metadata,
		PacketIV:                packetIV,
		Ciphertext:              ciphertext,
		APIVersion:              apiVersion,
	}
	bundle.HMAC = computeHMAC(entry.props.HMACKey[:], ciphertext)
	bundle.FullHMAC = computeFullHMAC(entry.props.HMACKey[:], bundle)
	return bundle, nil
}

// Open decrypts a Bundle received from peerFingerprint, verifying the full
// HMAC first, then decrypting, matching spec.md §4.3's decrypt path. The
// returned payload is the serialized PackedMessageList; callers must still
// decompress and verify the embedded nonce against the one they sent.
func (l *Layer) Open(peerFingerprint string, bundle Bundle) ([]byte, error) {
	entry, err := l.recvSessionFor(peerFingerprint, bundle)
	if err != nil {
		return nil, err
	}
	return decryptBundle(entry, bundle)
}

// OpenUnauthenticated decrypts a Bundle from a peer whose public key has not
// been pinned yet — the only legitimate case is a brand-new agent's
// enrollment handshake (spec.md §4.3 "Failure modes": unknown peer public
// key). It RSA-decrypts encrypted_cipher with our own private key exactly
// as recvSessionFor does, but skips CipherMetadata signature verification
// since we have no pinned key to verify it against; callers MUST treat the
// result as message.Unauthenticated and MUST reject anything but the
// whitelisted enrollment session id (spec.md §4.3 "the engine treats
// UNAUTHENTICATED messages as session-dropable except for a single
// whitelisted enrollment session id").
func (l *Layer) OpenUnauthenticated(bundle Bundle) ([]byte, error) {
	serialized, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, l.keys.SelfPrivateKey(), bundle.EncryptedCipher, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unseal cipher properties: %v", ErrDecryption, err)
	}
	props, err := deserializeCipherProperties(serialized)
	if err != nil {
		return nil, err
	}
	return decryptBundle(&sessionEntry{props: props}, bundle)
}

// decryptBundle verifies the full HMAC and AES-CBC-decrypts bundle using
// entry's symmetric key material (spec.md §4.3 "Decrypt path").
func decryptBundle(entry *sessionEntry, bundle Bundle) ([]byte, error) {
	expectedFull := computeFullHMAC(entry.props.HMACKey[:], bundle)
	if !hmac.Equal(expectedFull[:], bundle.FullHMAC[:]) {
		return nil, fmt.Errorf("%w: full hmac mismatch", ErrDecryption)
	}

	block, err := aes.NewCipher(entry.props.AESKey[:])
	if err != nil {
		return nil, fmt.Errorf("cipher: new aes cipher: %w", err)
	}
	if len(bundle.Ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext not block aligned", ErrDecryption)
	}
	plainPadded := make([]byte, len(bundle.Ciphertext))
	cbc := cipher.NewCBCDecrypter(block, bundle.PacketIV[:])
	cbc.CryptBlocks(plainPadded, bundle.Ciphertext)

	plain, err := pkcs7Unpad(plainPadded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return plain, nil
}

// VerifyLegacyHMAC validates the short-form HMAC (over ciphertext only),
// retained for older clients per spec.md §9: "accept it only when the API
// version indicates a legacy client."
func (l *Layer) VerifyLegacyHMAC(peerFingerprint string, bundle Bundle) error {
	entry, err := l.recvSessionFor(peerFingerprint, bundle)
	if err != nil {
		return err
	}
	expected := computeHMAC(entry.props.HMACKey[:], bundle.Ciphertext)
	if !hmac.Equal(expected[:], bundle.HMAC[:]) {
		return fmt.Errorf("%w: legacy hmac mismatch", ErrDecryption)
	}
	return nil
}

func computeHMAC(key, ciphertext []byte) [32]byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(ciphertext)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

func computeFullHMAC(key []byte, b Bundle) [32]byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(b.Ciphertext)
	mac.Write(b.EncryptedCipher)
	mac.Write(b.EncryptedCipherMetadata)
	mac.Write(b.PacketIV[:])
	var apiVerBuf [4]byte
	binary.LittleEndian.PutUint32(apiVerBuf[:], b.APIVersion)
	mac.Write(apiVerBuf[:])
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := make([]byte, padLen)
	for i := range padding {
		padding[i] = byte(padLen)
	}
	return append(append([]byte{}, data...), padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty padded data")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, errors.New("invalid padding")
	}
	return data[:len(data)-padLen], nil
}

// ParseRSAPublicKey is a convenience wrapper for loading a PKIX-encoded
// public key from an agent's enrollment handshake payload.
func ParseRSAPublicKey(der []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("cipher: parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("cipher: not an rsa public key")
	}
	return rsaPub, nil
}
