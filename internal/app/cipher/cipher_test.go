package cipher

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"
)

func mustKeyPair(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv
}

func pairedLayers(t *testing.T) (server *Layer, agent *Layer, serverFP, agentFP string) {
	t.Helper()
	serverPriv := mustKeyPair(t)
	agentPriv := mustKeyPair(t)

	serverFP, err := Fingerprint(&serverPriv.PublicKey)
	if err != nil {
		t.Fatalf("fingerprint server key: %v", err)
	}
	agentFP, err = Fingerprint(&agentPriv.PublicKey)
	if err != nil {
		t.Fatalf("fingerprint agent key: %v", err)
	}

	serverKeys := NewMemoryKeyStore(serverPriv, "server")
	serverKeys.PinPeer(agentFP, &agentPriv.PublicKey)
	agentKeys := NewMemoryKeyStore(agentPriv, "agent")
	agentKeys.PinPeer(serverFP, &serverPriv.PublicKey)

	server, err = New(serverKeys, nil)
	if err != nil {
		t.Fatalf("new server layer: %v", err)
	}
	agent, err = New(agentKeys, nil)
	if err != nil {
		t.Fatalf("new agent layer: %v", err)
	}
	return server, agent, serverFP, agentFP
}

func TestSealOpenRoundTrip(t *testing.T) {
	server, agent, serverFP, agentFP := pairedLayers(t)

	payload := []byte("packed message list bytes")
	bundle, err := server.Seal(agentFP, payload, 3)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	// The agent opens using the server's fingerprint as the key into its
	// peer table: the server sealed CipherProperties to the agent's public
	// key, so only the agent's private key can unseal them, and the
	// metadata signature is checked against the server's pinned key.
	got, err := agent.Open(serverFP, bundle)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: got %q want %q", got, payload)
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	server, agent, serverFP, agentFP := pairedLayers(t)

	bundle, err := server.Seal(agentFP, []byte("hello"), 3)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	bundle.Ciphertext[0] ^= 0xFF

	if _, err := agent.Open(serverFP, bundle); err == nil {
		t.Fatal("expected hmac verification failure on tampered ciphertext")
	}
}

func TestOpenRejectsUnknownPeer(t *testing.T) {
	server, _, _, _ := pairedLayers(t)
	if _, err := server.Open("deadbeef", Bundle{}); err != ErrUnknownServerCert {
		t.Fatalf("expected ErrUnknownServerCert, got %v", err)
	}
}

func TestSessionCacheExpiresAfterTTL(t *testing.T) {
	serverPriv := mustKeyPair(t)
	agentPriv := mustKeyPair(t)
	agentFP, _ := Fingerprint(&agentPriv.PublicKey)

	keys := NewMemoryKeyStore(serverPriv, "server")
	keys.PinPeer(agentFP, &agentPriv.PublicKey)

	base := time.Now()
	current := base
	layer, err := New(keys, func() time.Time { return current })
	if err != nil {
		t.Fatalf("new layer: %v", err)
	}

	first, err := layer.sendSessionFor(agentFP)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	current = base.Add(25 * time.Hour)
	second, err := layer.sendSessionFor(agentFP)
	if err != nil {
		t.Fatalf("session after ttl: %v", err)
	}
	if first.props.AESKey == second.props.AESKey {
		t.Fatal("expected a fresh session to be derived after the 24h TTL")
	}
}

func TestLegacyHMACVerification(t *testing.T) {
	server, agent, serverFP, agentFP := pairedLayers(t)
	bundle, err := server.Seal(agentFP, []byte("legacy client payload"), 2)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if err := agent.VerifyLegacyHMAC(serverFP, bundle); err != nil {
		t.Fatalf("legacy hmac should verify: %v", err)
	}
	bundle.HMAC[0] ^= 0xFF
	if err := agent.VerifyLegacyHMAC(serverFP, bundle); err == nil {
		t.Fatal("expected legacy hmac mismatch to be detected")
	}
}
