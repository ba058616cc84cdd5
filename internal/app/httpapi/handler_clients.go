package httpapi

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/okapi-sec/okapi/internal/app/domain/client"
)

// parseClientID parses a ClientId rendered as "C.<16 hex digits>" (the
// inverse of client.ID.String, spec.md §3 ClientId) back into a client.ID.
func parseClientID(raw string) (client.ID, error) {
	raw = strings.TrimPrefix(raw, client.Prefix)
	if len(raw) != 16 {
		return 0, fmt.Errorf("httpapi: malformed client id %q", raw)
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return 0, fmt.Errorf("httpapi: malformed client id %q: %w", raw, err)
	}
	var id uint64
	for _, c := range b {
		id = id<<8 | uint64(c)
	}
	return client.ID(id), nil
}

type clientView struct {
	ID                   string            `json:"id"`
	PublicKeyFingerprint string            `json:"public_key_fingerprint"`
	LastSeen             string            `json:"last_seen"`
	LastSourceAddr       string            `json:"last_source_addr"`
	EnrolledAt           string            `json:"enrolled_at"`
	OS                   string            `json:"os"`
	Arch                 string            `json:"arch"`
	Hostname             string            `json:"hostname"`
	Labels               []client.Label    `json:"labels"`
}

func toClientView(c client.Client) clientView {
	return clientView{
		ID:                   c.ID.String(),
		PublicKeyFingerprint: c.PublicKeyFingerprint,
		LastSeen:             c.LastSeen.Format(httpTimeFormat),
		LastSourceAddr:       c.LastSourceAddr,
		EnrolledAt:           c.EnrolledAt.Format(httpTimeFormat),
		OS:                   c.KnowledgeBase.OS,
		Arch:                 c.KnowledgeBase.Arch,
		Hostname:             c.KnowledgeBase.Hostname,
		Labels:               c.Labels,
	}
}

const httpTimeFormat = "2006-01-02T15:04:05Z07:00"

// handleListClients serves spec.md §4.9 "list clients" and "search clients
// by keyword" from one endpoint: an empty "q" lists every enrolled client
// via ClientStore.ListAllClientIDs, a non-empty one searches the keyword
// index via ClientStore.SearchClients.
func (h *Handler) handleListClients(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	offset, count, err := pagination(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	keyword := strings.TrimSpace(r.URL.Query().Get("q"))

	if keyword != "" {
		clients, err := h.app.Store.SearchClients(ctx, keyword, offset, count)
		if err != nil {
			internalError(w, err)
			return
		}
		views := make([]clientView, 0, len(clients))
		for _, c := range clients {
			views = append(views, toClientView(c))
		}
		writeJSON(w, http.StatusOK, map[string]any{"clients": views})
		return
	}

	ids, err := h.app.Store.ListAllClientIDs(ctx)
	if err != nil {
		internalError(w, err)
		return
	}
	if offset > len(ids) {
		offset = len(ids)
	}
	end := offset + count
	if end > len(ids) {
		end = len(ids)
	}
	page := ids[offset:end]
	byID, err := h.app.Store.MultiReadClientFullInfo(ctx, page)
	if err != nil {
		internalError(w, err)
		return
	}
	views := make([]clientView, 0, len(page))
	for _, id := range page {
		views = append(views, toClientView(byID[id]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"clients": views, "total": len(ids)})
}

func (h *Handler) handleGetClient(w http.ResponseWriter, r *http.Request) {
	clientID, err := parseClientID(chi.URLParam(r, "clientID"))
	if err != nil {
		badRequest(w, err)
		return
	}
	caller, _ := callerFrom(r.Context())
	labels, err := h.app.Store.ReadClientLabels(r.Context(), clientID)
	if err != nil {
		internalError(w, err)
		return
	}
	if err := h.app.Approvals.CheckClientAccess(r.Context(), caller, clientID.String(), labels); err != nil {
		forbidden(w, clientID.String(), err)
		return
	}
	c, err := h.app.Store.ReadClientFullInfo(r.Context(), clientID)
	if err != nil {
		notFound(w, clientID.String(), err)
		return
	}
	writeJSON(w, http.StatusOK, toClientView(c))
}

// clientIDFromRoute is used by handlers outside this file that also need
// to resolve a "{clientID}" chi route parameter, kept alongside
// parseClientID so both live next to the id-rendering rules they invert.
func clientIDFromRoute(r *http.Request) (client.ID, error) {
	return parseClientID(chi.URLParam(r, "clientID"))
}
