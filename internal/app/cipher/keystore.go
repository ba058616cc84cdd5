package cipher

import (
	"crypto/rsa"
	"sync"
)

// MemoryKeyStore is a KeyStore backed by an in-process map of pinned peer
// public keys, keyed by fingerprint. Production deployments pin the
// server's key in the agent build and the agent's key server-side after
// enrollment (spec.md §4.3 "Key material").
type MemoryKeyStore struct {
	selfPriv       *rsa.PrivateKey
	selfCommonName string

	mu    sync.RWMutex
	peers map[string]*rsa.PublicKey
}

// NewMemoryKeyStore builds a KeyStore for one party.
func NewMemoryKeyStore(selfPriv *rsa.PrivateKey, selfCommonName string) *MemoryKeyStore {
	return &MemoryKeyStore{
		selfPriv:       selfPriv,
		selfCommonName: selfCommonName,
		peers:          make(map[string]*rsa.PublicKey),
	}
}

// SelfPrivateKey returns this party's RSA private key.
func (k *MemoryKeyStore) SelfPrivateKey() *rsa.PrivateKey { return k.selfPriv }

// SelfCommonName returns this party's identity string.
func (k *MemoryKeyStore) SelfCommonName() string { return k.selfCommonName }

// PinPeer registers a peer's public key under its fingerprint, making it
// resolvable by PeerPublicKey.
func (k *MemoryKeyStore) PinPeer(fingerprint string, pub *rsa.PublicKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.peers[fingerprint] = pub
}

// PeerPublicKey resolves a pinned peer public key by fingerprint.
func (k *MemoryKeyStore) PeerPublicKey(fingerprint string) (*rsa.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pub, ok := k.peers[fingerprint]
	return pub, ok
}

var _ KeyStore = (*MemoryKeyStore)(nil)

// Fingerprint derives a stable identifier for an RSA public key, used to
// pin it and to look it up later. It is the SHA-256 of the key's PKIX DER
// encoding, matching how spec.md §3 describes Client.PublicKeyFingerprint.
func Fingerprint(pub *rsa.PublicKey) (string, error) {
	der, err := marshalPKIX(pub)
	if err != nil {
		return "", err
	}
	return sha256Hex(der), nil
}
