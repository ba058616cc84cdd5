// Package frontend implements the Front End (spec.md §4.5, C5): the
// internet-facing poll handler agents long-poll against. It decrypts
// inbound ClientCommunication bundles via the Cipher Layer and Communicator,
// dispatches received Messages either to the Message Handler Registry or
// the Flow Engine's Data Store, and packs a response bundle of leased
// outbound ClientMessages.
package frontend

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/okapi-sec/okapi/internal/app/cipher"
	"github.com/okapi-sec/okapi/internal/app/clock"
	"github.com/okapi-sec/okapi/internal/app/comm"
	"github.com/okapi-sec/okapi/internal/app/domain/client"
	"github.com/okapi-sec/okapi/internal/app/domain/flow"
	"github.com/okapi-sec/okapi/internal/app/domain/message"
	"github.com/okapi-sec/okapi/internal/app/handlers"
	"github.com/okapi-sec/okapi/internal/app/storage"
	"github.com/okapi-sec/okapi/internal/app/wire"
	"github.com/okapi-sec/okapi/pkg/logger"
)

// MaxRequestBytes bounds a single poll request body (spec.md §4.5 has no
// explicit ceiling, but the Data Store and Cipher Layer both assume
// bounded-size packets).
const MaxRequestBytes = 16 << 20

// DefaultLeaseDuration is the outbound ClientMessage lease window (spec.md
// §4.5 step 5: "a fresh lease deadline (= 10 min by default)").
const DefaultLeaseDuration = 10 * time.Minute

// DefaultMaxOutbound is how many outbound ClientMessages a single poll
// response leases at most.
const DefaultMaxOutbound = 64

// CrashSink receives a notification whenever a Message carries a
// CLIENT_KILLED Status (spec.md §4.5 step 3: "publish a ClientCrash
// event").
type CrashSink interface {
	ClientCrashed(ctx context.Context, clientID client.ID, status flow.Status)
}

type noopCrashSink struct{}

func (noopCrashSink) ClientCrashed(context.Context, client.ID, flow.Status) {}

// PollHandler implements net/http.Handler over the agent poll endpoint,
// realizing the 5-step algorithm of spec.md §4.5.
type PollHandler struct {
	store storage.Store
	comm  *comm.Communicator
	clock clock.Clock
	log   *logger.Logger
	crash CrashSink

	leaseDuration time.Duration
	maxOutbound   int
}

// Config configures a PollHandler.
type Config struct {
	Store         storage.Store
	Communicator  *comm.Communicator
	Clock         clock.Clock
	Logger        *logger.Logger
	Crash         CrashSink
	LeaseDuration time.Duration
	MaxOutbound   int
}

// New builds a PollHandler.
func New(cfg Config) *PollHandler {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("frontend")
	}
	if cfg.Crash == nil {
		cfg.Crash = noopCrashSink{}
	}
	if cfg.LeaseDuration == 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}
	if cfg.MaxOutbound == 0 {
		cfg.MaxOutbound = DefaultMaxOutbound
	}
	return &PollHandler{
		store:         cfg.Store,
		comm:          cfg.Communicator,
		clock:         cfg.Clock,
		log:           cfg.Logger,
		crash:         cfg.Crash,
		leaseDuration: cfg.LeaseDuration,
		maxOutbound:   cfg.MaxOutbound,
	}
}

// clientIDParam extracts the polling agent's ClientID from the request.
// ServeHTTP passes ClientIDFromHeader.
type clientIDParam func(r *http.Request) (client.ID, error)

// ClientIDFromHeader resolves ClientID from the X-Client-Id header, the
// resolver ServeHTTP uses for the standalone poll endpoint.
func ClientIDFromHeader(r *http.Request) (client.ID, error) {
	raw := r.Header.Get("X-Client-Id")
	if raw == "" {
		return 0, fmt.Errorf("frontend: missing X-Client-Id header")
	}
	return parseClientID(raw)
}

func parseClientID(raw string) (client.ID, error) {
	raw = trimPrefix(raw, client.Prefix)
	v, err := strconv.ParseUint(raw, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("frontend: malformed client id %q: %w", raw, err)
	}
	return client.ID(v), nil
}

func trimPrefix(s, prefix string) string {
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):]
	}
	return s
}

// ServeHTTP implements spec.md §4.5's poll algorithm.
func (h *PollHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, ClientIDFromHeader)
}

func (h *PollHandler) serve(w http.ResponseWriter, r *http.Request, idFn clientIDParam) {
	ctx := r.Context()

	body, err := wire.ReadAll(r.Body, MaxRequestBytes)
	if err != nil {
		http.Error(w, "read request body", http.StatusBadRequest)
		return
	}
	bundle, _, err := wire.DecodeClientCommunication(body)
	if err != nil {
		http.Error(w, "malformed communication envelope", http.StatusBadRequest)
		return
	}

	clientID, err := idFn(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	msgs, _, authState, newClient, err := h.decrypt(ctx, clientID, bundle)
	if err != nil {
		h.log.WithClient(clientID.String()).WithError(err).Error("poll decrypt failed")
		http.Error(w, "decryption failed", http.StatusUnauthorized)
		return
	}

	if err := h.route(ctx, clientID, msgs, authState, newClient); err != nil {
		h.log.WithClient(clientID.String()).WithError(err).Error("poll routing failed")
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}

	now := h.clock.Now()
	if !newClient {
		if err := h.touchClient(ctx, clientID, r, now); err != nil {
			h.log.WithClient(clientID.String()).WithError(err).Error("update client metadata failed")
		}
	}

	respBundle, respNonce, err := h.packResponse(ctx, clientID, now)
	if err != nil {
		h.log.WithClient(clientID.String()).WithError(err).Error("pack response failed")
		http.Error(w, "response packing failed", http.StatusInternalServerError)
		return
	}
	if err := h.recordNonceSent(ctx, clientID, respNonce); err != nil {
		h.log.WithClient(clientID.String()).WithError(err).Error("record nonce failed")
	}

	out := wire.EncodeClientCommunication(respBundle, 1)
	w.Header().Set("Content-Type", "application/binary")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

// decrypt implements step 1: decrypt via C4, authenticating against the
// client's pinned fingerprint when known, or falling back to the
// signature-free unauthenticated path for a brand-new agent.
func (h *PollHandler) decrypt(ctx context.Context, clientID client.ID, bundle cipher.Bundle) (msgs []message.Message, nonce int64, authState message.AuthState, newClient bool, err error) {
	c, readErr := h.store.ReadClientFullInfo(ctx, clientID)
	if readErr == nil && c.PublicKeyFingerprint != "" {
		msgs, nonce, err = h.comm.Receive(c.PublicKeyFingerprint, bundle)
		if err != nil {
			return nil, 0, "", false, err
		}
		if nonceErr := comm.VerifyNonce(c.LastNonceSent, nonce); nonceErr != nil {
			return msgs, nonce, message.Unauthenticated, false, nil
		}
		return msgs, nonce, message.Authenticated, false, nil
	}

	msgs, nonce, err = h.comm.ReceiveUnauthenticated(bundle)
	if err != nil {
		return nil, 0, "", false, err
	}
	if len(msgs) != 1 || msgs[0].SessionID != message.WellKnownEnrollmentSession {
		return nil, 0, "", false, fmt.Errorf("frontend: unknown client %s may only send enrollment", clientID)
	}
	return msgs, nonce, message.Unauthenticated, true, nil
}

// route implements steps 2-3: group by session id, dispatch to the
// Message Handler Registry or write FlowResponses, and publish crash
// events.
func (h *PollHandler) route(ctx context.Context, clientID client.ID, msgs []message.Message, authState message.AuthState, newClient bool) error {
	groups := map[string][]message.Message{}
	for _, m := range msgs {
		m.AuthState = authState
		groups[m.SessionID] = append(groups[m.SessionID], m)
	}

	for sessionID, group := range groups {
		if handler, ok := handlers.Lookup(sessionID); ok {
			for _, m := range group {
				if !newClient && m.AuthState != message.Authenticated {
					continue
				}
				if err := handler.Handle(ctx, clientID, m); err != nil {
					return fmt.Errorf("frontend: handler %q: %w", sessionID, err)
				}
			}
			continue
		}

		if newClient || authState != message.Authenticated {
			// Unauthenticated traffic may only reach a registered
			// handler (the enrollment one); anything else is dropped.
			continue
		}

		flowID, err := parseSessionFlowID(sessionID)
		if err != nil {
			h.log.WithClient(clientID.String()).WithError(err).Error("unroutable session id")
			continue
		}
		if err := h.writeFlowResponses(ctx, clientID, flowID, group); err != nil {
			return err
		}
	}

	return h.publishCrashes(ctx, clientID, msgs)
}

// writeFlowResponses converts each Message in one session group into a
// flow.Response and writes them in one batch (spec.md §4.5 step 2).
func (h *PollHandler) writeFlowResponses(ctx context.Context, clientID client.ID, flowID flow.ID, group []message.Message) error {
	responses := make([]flow.Response, 0, len(group))
	for _, m := range group {
		resp := flow.Response{
			ClientID:   clientID,
			FlowID:     flowID,
			RequestID:  flow.RequestID(m.RequestID),
			ResponseID: flow.ResponseID(m.ResponseID),
			CreatedAt:  h.clock.Now(),
		}
		switch m.Type {
		case message.TypeStatus:
			resp.Kind = flow.ResponseKindStatus
			resp.Status = decodeStatus(m)
		case message.TypeIterator:
			resp.Kind = flow.ResponseKindIterator
			resp.Payload = m.Payload
			resp.TypeName = m.ArgsRDFName
		default:
			resp.Kind = flow.ResponseKindPayload
			resp.Payload = m.Payload
			resp.TypeName = m.ArgsRDFName
		}
		responses = append(responses, resp)
	}
	if err := h.store.WriteFlowResponses(ctx, responses); err != nil {
		return fmt.Errorf("frontend: write flow responses: %w", err)
	}
	return h.store.WriteFlowProcessingRequests(ctx, []flow.ProcessingRequest{{
		ClientID:  clientID,
		FlowID:    flowID,
		WriteTime: h.clock.Now(),
	}})
}

// publishCrashes implements step 3: any Status of kind CLIENT_KILLED fires
// a ClientCrash notification.
func (h *PollHandler) publishCrashes(ctx context.Context, clientID client.ID, msgs []message.Message) error {
	for _, m := range msgs {
		if m.Type != message.TypeStatus {
			continue
		}
		status := decodeStatus(m)
		if status == nil || status.Kind != flow.StatusClientKilled {
			continue
		}
		h.crash.ClientCrashed(ctx, clientID, *status)
	}
	return nil
}

// touchClient implements step 4: update last_ping/last_ip.
func (h *PollHandler) touchClient(ctx context.Context, clientID client.ID, r *http.Request, now time.Time) error {
	c, err := h.store.ReadClientFullInfo(ctx, clientID)
	if err != nil {
		return err
	}
	c.LastSeen = now
	c.LastSourceAddr = r.RemoteAddr
	return h.store.WriteClientMetadata(ctx, c)
}

func (h *PollHandler) recordNonceSent(ctx context.Context, clientID client.ID, nonce int64) error {
	c, err := h.store.ReadClientFullInfo(ctx, clientID)
	if err != nil {
		return err
	}
	c.LastNonceSent = nonce
	return h.store.WriteClientMetadata(ctx, c)
}

// packResponse implements step 5: lease up to maxOutbound ClientMessages
// and pack/encrypt them into a response Bundle.
func (h *PollHandler) packResponse(ctx context.Context, clientID client.ID, now time.Time) (cipher.Bundle, int64, error) {
	c, err := h.store.ReadClientFullInfo(ctx, clientID)
	if err != nil {
		return cipher.Bundle{}, 0, fmt.Errorf("frontend: read client for response: %w", err)
	}

	leased, err := h.store.LeaseClientActionRequests(ctx, clientID, "frontend", h.leaseDuration, h.maxOutbound, now)
	if err != nil {
		return cipher.Bundle{}, 0, fmt.Errorf("frontend: lease outbound messages: %w", err)
	}

	outbound := make([]message.Message, 0, len(leased))
	for _, cm := range leased {
		outbound = append(outbound, message.Message{
			SessionID:         cm.FlowID.String(),
			RequestID:         uint64(cm.RequestID),
			Name:              cm.Action,
			Payload:           cm.ActionArgs,
			Type:              message.TypeMessage,
			CPULimit:          uint64(cm.CPULimit),
			NetworkBytesLimit: cm.NetworkBytesLimit,
			RequireFastPoll:   cm.RequireFastPoll,
		})
	}

	bundle, nonce, err := h.comm.Send(c.PublicKeyFingerprint, outbound, wire.APIVersion, now)
	if err != nil {
		return cipher.Bundle{}, 0, fmt.Errorf("frontend: seal response: %w", err)
	}
	return bundle, nonce, nil
}

func decodeStatus(m message.Message) *flow.Status {
	if m.Type != message.TypeStatus || len(m.Payload) == 0 {
		return nil
	}
	var s flow.Status
	if err := json.Unmarshal(m.Payload, &s); err != nil {
		return nil
	}
	return &s
}

// parseSessionFlowID parses a session id of the form emitted by
// flow.ID.String() (16 uppercase hex digits) back into a flow.ID.
func parseSessionFlowID(sessionID string) (flow.ID, error) {
	b, err := hex.DecodeString(sessionID)
	if err != nil || len(b) != 8 {
		return 0, fmt.Errorf("frontend: session id %q is not a flow id", sessionID)
	}
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return flow.ID(v), nil
}
