package comm

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/okapi-sec/okapi/internal/app/cipher"
	"github.com/okapi-sec/okapi/internal/app/domain/message"
)

func pairedCommunicators(t *testing.T) (server, agent *Communicator, serverFP, agentFP string) {
	t.Helper()
	serverPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate server key: %v", err)
	}
	agentPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate agent key: %v", err)
	}
	serverFP, err = cipher.Fingerprint(&serverPriv.PublicKey)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	agentFP, err = cipher.Fingerprint(&agentPriv.PublicKey)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}

	keys := cipher.NewMemoryKeyStore(serverPriv, "server")
	keys.PinPeer(agentFP, &agentPriv.PublicKey)
	layer, err := cipher.New(keys, nil)
	if err != nil {
		t.Fatalf("new layer: %v", err)
	}
	agentKeys := cipher.NewMemoryKeyStore(agentPriv, "agent")
	agentKeys.PinPeer(serverFP, &serverPriv.PublicKey)
	agentLayer, err := cipher.New(agentKeys, nil)
	if err != nil {
		t.Fatalf("new agent layer: %v", err)
	}
	return New(layer), New(agentLayer), serverFP, agentFP
}

func TestPackUnpackRoundTrip(t *testing.T) {
	msgs := []message.Message{
		{SessionID: "C.1234/F:ABCDEF01", RequestID: 1, Name: "Stat", Type: message.TypeMessage},
		{SessionID: "C.1234/F:ABCDEF01", RequestID: 1, Type: message.TypeStatus},
	}
	payload, err := Pack(msgs, 42)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	list, err := Unpack(payload)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if list.Nonce != 42 {
		t.Fatalf("nonce = %d, want 42", list.Nonce)
	}
	if len(list.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(list.Messages))
	}
}

func TestPackCompressesLargePayloads(t *testing.T) {
	msgs := make([]message.Message, 200)
	for i := range msgs {
		msgs[i] = message.Message{SessionID: "C.1234/F:ABCDEF01", RequestID: uint64(i), Name: "Stat", Type: message.TypeMessage}
	}
	payload, err := Pack(msgs, 1)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	if payload[0] != byte(CompressionZlib) {
		t.Fatalf("expected a repetitive payload to compress, got compression kind %d", payload[0])
	}
}

func TestUnpackRejectsMalformedPayload(t *testing.T) {
	if _, err := Unpack(nil); err == nil {
		t.Fatal("expected error for empty payload")
	}
	if _, err := Unpack([]byte{byte(CompressionNone), '{', 'b', 'a', 'd'}); err == nil {
		t.Fatal("expected error for malformed json")
	}
}

func TestSendReceiveRoundTrip(t *testing.T) {
	server, agent, serverFP, agentFP := pairedCommunicators(t)
	msgs := []message.Message{{SessionID: "C.1234/F:ABCDEF01", RequestID: 1, Name: "Stat", Type: message.TypeMessage}}

	bundle, nonce, err := server.Send(agentFP, msgs, 3, time.Now())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	got, gotNonce, err := agent.Receive(serverFP, bundle)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if gotNonce != nonce {
		t.Fatalf("nonce mismatch: sent %d, received %d", nonce, gotNonce)
	}
	if len(got) != 1 || got[0].Name != "Stat" {
		t.Fatalf("unexpected messages: %+v", got)
	}
	if server.SentBytes() == 0 || agent.ReceivedBytes() == 0 {
		t.Fatal("expected byte counters to advance")
	}
}

func TestNonceIsStrictlyIncreasing(t *testing.T) {
	server, _, _, _ := pairedCommunicators(t)
	now := time.Now()
	a := server.nextNonce(now)
	b := server.nextNonce(now)
	if b <= a {
		t.Fatalf("nonce did not strictly increase: %d then %d", a, b)
	}
}

func TestVerifyNonce(t *testing.T) {
	if err := VerifyNonce(5, 5); err != nil {
		t.Fatalf("expected match to pass: %v", err)
	}
	if err := VerifyNonce(5, 6); err != ErrUnauthenticated {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}
