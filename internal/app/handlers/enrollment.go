package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/okapi-sec/okapi/internal/app/cipher"
	"github.com/okapi-sec/okapi/internal/app/clock"
	"github.com/okapi-sec/okapi/internal/app/domain/client"
	"github.com/okapi-sec/okapi/internal/app/domain/message"
	"github.com/okapi-sec/okapi/internal/app/storage"
)

// EnrollmentHandlerName is the single whitelisted session id that may carry
// UNAUTHENTICATED messages (spec.md §4.3, §9: "do not widen the whitelist
// without policy review").
const EnrollmentHandlerName = message.WellKnownEnrollmentSession

// EnrollmentPayload is the JSON payload of an enrollment Message: the
// agent's newly generated RSA public key plus any initial platform facts.
type EnrollmentPayload struct {
	PublicKeyDER []byte            `json:"public_key_der"`
	SourceAddr   string            `json:"source_addr,omitempty"`
	KnowledgeBase client.KnowledgeBase `json:"knowledge_base"`
}

// EnrollmentEvent is published whenever a Client enrolls for the first
// time; callers (e.g. the Hunt Dispatcher's foreman scan) may subscribe.
type EnrollmentEvent struct {
	ClientID client.ID
}

// EnrollmentSink receives EnrollmentEvent notifications.
type EnrollmentSink interface {
	ClientEnrolled(ctx context.Context, ev EnrollmentEvent)
}

// noopEnrollmentSink discards events; the default when no sink is wired.
type noopEnrollmentSink struct{}

func (noopEnrollmentSink) ClientEnrolled(context.Context, EnrollmentEvent) {}

// EnrollmentHandler creates the Client record on first successful
// enrollment handshake and pins the agent's public key (spec.md §4.3 "Key
// material", §8 scenario 1 "Enrollment").
type EnrollmentHandler struct {
	store store
	keys  *cipher.MemoryKeyStore
	clock clock.Clock
	sink  EnrollmentSink
}

// store is the minimal slice of storage.Store an EnrollmentHandler needs.
type store interface {
	WriteClientMetadata(ctx context.Context, c client.Client) error
	ReadClientFullInfo(ctx context.Context, id client.ID) (client.Client, error)
}

// NewEnrollmentHandler builds an EnrollmentHandler. sink may be nil.
func NewEnrollmentHandler(s storage.Store, keys *cipher.MemoryKeyStore, clk clock.Clock, sink EnrollmentSink) *EnrollmentHandler {
	if clk == nil {
		clk = clock.Real{}
	}
	if sink == nil {
		sink = noopEnrollmentSink{}
	}
	return &EnrollmentHandler{store: s, keys: keys, clock: clk, sink: sink}
}

// Name implements Handler.
func (h *EnrollmentHandler) Name() string { return EnrollmentHandlerName }

// Handle parses the enrollment payload, pins the agent's public key under
// its fingerprint, and creates (or refreshes) the Client record.
func (h *EnrollmentHandler) Handle(ctx context.Context, clientID client.ID, msg message.Message) error {
	var payload EnrollmentPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("handlers: decode enrollment payload: %w", err)
	}

	pub, err := cipher.ParseRSAPublicKey(payload.PublicKeyDER)
	if err != nil {
		return fmt.Errorf("handlers: parse enrollment public key: %w", err)
	}
	fingerprint, err := cipher.Fingerprint(pub)
	if err != nil {
		return fmt.Errorf("handlers: fingerprint enrollment public key: %w", err)
	}
	h.keys.PinPeer(fingerprint, pub)

	now := h.clock.Now()
	_, err = h.store.ReadClientFullInfo(ctx, clientID)
	firstEnrollment := err != nil

	c := client.Client{
		ID:                   clientID,
		PublicKeyFingerprint: fingerprint,
		LastSeen:             now,
		LastSourceAddr:       payload.SourceAddr,
		KnowledgeBase:        payload.KnowledgeBase,
	}
	if firstEnrollment {
		c.EnrolledAt = now
	}
	if err := h.store.WriteClientMetadata(ctx, c); err != nil {
		return fmt.Errorf("handlers: write client metadata: %w", err)
	}

	if firstEnrollment {
		h.sink.ClientEnrolled(ctx, EnrollmentEvent{ClientID: clientID})
	}
	return nil
}

var _ Handler = (*EnrollmentHandler)(nil)
