package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/okapi-sec/okapi/internal/app/clock"
	"github.com/okapi-sec/okapi/internal/app/domain/client"
	"github.com/okapi-sec/okapi/internal/app/domain/message"
	"github.com/okapi-sec/okapi/internal/app/storage"
)

// StatsHandlerName is the well-known session id carrying periodic
// heartbeat stats, bypassing Flow state entirely (spec.md §3
// MessageHandlerRequest: "stats").
const StatsHandlerName = "aff4:/stats"

// StatsPayload is the JSON payload of a stats Message: updated platform
// facts the agent self-reports.
type StatsPayload struct {
	KnowledgeBase *client.KnowledgeBase `json:"knowledge_base,omitempty"`
}

// StatsHandler merges agent-reported stats into the Client record.
type StatsHandler struct {
	store storage.ClientStore
	clock clock.Clock
}

// NewStatsHandler builds a StatsHandler.
func NewStatsHandler(s storage.ClientStore, clk clock.Clock) *StatsHandler {
	if clk == nil {
		clk = clock.Real{}
	}
	return &StatsHandler{store: s, clock: clk}
}

// Name implements Handler.
func (h *StatsHandler) Name() string { return StatsHandlerName }

// Handle merges the reported KnowledgeBase into the existing Client record
// and refreshes LastSeen.
func (h *StatsHandler) Handle(ctx context.Context, clientID client.ID, msg message.Message) error {
	var payload StatsPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("handlers: decode stats payload: %w", err)
		}
	}

	c, err := h.store.ReadClientFullInfo(ctx, clientID)
	if err != nil {
		return fmt.Errorf("handlers: read client %s: %w", clientID, err)
	}

	c.LastSeen = h.clock.Now()
	if payload.KnowledgeBase != nil {
		c.KnowledgeBase = *payload.KnowledgeBase
	}
	return h.store.WriteClientMetadata(ctx, c)
}

var _ Handler = (*StatsHandler)(nil)
