package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/okapi-sec/okapi/internal/app/domain/flow"
	huntdomain "github.com/okapi-sec/okapi/internal/app/domain/hunt"
	"github.com/okapi-sec/okapi/internal/app/flowengine"
)

// randomHuntID mints a short opaque id, there being no fixed-width wire
// format for HuntId the way there is for ClientId/FlowId (spec.md §3 Hunt
// "ID shares the FlowId id-space" notwithstanding — a Hunt is created here,
// not replayed off the wire, so a random hex token is sufficient).
func randomHuntID() (huntdomain.ID, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return huntdomain.ID(hex.EncodeToString(buf[:])), nil
}

type createHuntRequest struct {
	Description string              `json:"description"`
	FlowClass   string              `json:"flow_class" validate:"required"`
	Args        json.RawMessage     `json:"args"`
	ClientRules huntdomain.RuleSet  `json:"client_rules"`
	Limits      huntdomain.Limits   `json:"limits"`
}

type huntView struct {
	ID          string             `json:"id"`
	Creator     string             `json:"creator"`
	Description string             `json:"description"`
	FlowClass   string             `json:"flow_class"`
	ClientRules huntdomain.RuleSet `json:"client_rules"`
	Limits      huntdomain.Limits  `json:"limits"`
	Counters    huntdomain.Counters `json:"counters"`
	State       string             `json:"state"`
	CreatedAt   string             `json:"created_at"`
}

func toHuntView(h huntdomain.Hunt) huntView {
	return huntView{
		ID:          string(h.ID),
		Creator:     h.Creator,
		Description: h.Description,
		FlowClass:   h.FlowClass,
		ClientRules: h.ClientRules,
		Limits:      h.Limits,
		Counters:    h.Counters,
		State:       string(h.State),
		CreatedAt:   h.CreatedAt.Format(httpTimeFormat),
	}
}

// handleCreateHunt serves spec.md §4.9 "create hunt". Creating a Hunt whose
// FlowClass is admin-restricted requires the same admin grant a direct
// single-client launch of that class would (spec.md §4.8
// RequireAdminForFlowClass applies uniformly to fan-out, not just
// single-client, launches).
func (h *Handler) handleCreateHunt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createHuntRequest
	if err := h.decodeJSON(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	if _, ok := flowengine.Lookup(req.FlowClass); !ok {
		badRequest(w, flowengine.ErrUnknownFlowClass{Name: req.FlowClass})
		return
	}
	caller, _ := callerFrom(ctx)
	if err := h.app.Approvals.RequireAdminForFlowClass(ctx, caller, req.FlowClass); err != nil {
		forbidden(w, req.FlowClass, err)
		return
	}

	id, err := randomHuntID()
	if err != nil {
		internalError(w, err)
		return
	}
	hu := huntdomain.Hunt{
		ID:          id,
		Creator:     caller,
		Description: req.Description,
		FlowClass:   req.FlowClass,
		FlowArgs:    req.Args,
		ClientRules: req.ClientRules,
		Limits:      req.Limits,
		State:       huntdomain.Started,
		CreatedAt:   h.app.Clock.Now(),
	}
	if err := h.app.Store.WriteHuntObject(ctx, hu); err != nil {
		internalError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toHuntView(hu))
}

func (h *Handler) handleGetHunt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := huntdomain.ID(chi.URLParam(r, "huntID"))
	caller, _ := callerFrom(ctx)
	if err := h.app.Approvals.CheckHuntAccess(ctx, caller, string(id)); err != nil {
		forbidden(w, string(id), err)
		return
	}
	hu, err := h.app.Store.ReadHuntObject(ctx, id)
	if err != nil {
		notFound(w, string(id), err)
		return
	}
	writeJSON(w, http.StatusOK, toHuntView(hu))
}

type modifyHuntRequest struct {
	ClientRules *huntdomain.RuleSet `json:"client_rules"`
	Limits      *huntdomain.Limits  `json:"limits"`
	Description *string             `json:"description"`
}

// handleModifyHunt serves spec.md §4.9 "modify hunt": only the mutable
// targeting/ceiling fields may change after creation, matching the Hunt
// Dispatcher's own invariant that FlowClass and ClientRules already
// dispatched against never change retroactively for clients already
// matched (spec.md §3 Hunt).
func (h *Handler) handleModifyHunt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := huntdomain.ID(chi.URLParam(r, "huntID"))
	caller, _ := callerFrom(ctx)
	if err := h.app.Approvals.CheckHuntAccess(ctx, caller, string(id)); err != nil {
		forbidden(w, string(id), err)
		return
	}
	var req modifyHuntRequest
	if err := h.decodeJSON(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	hu, err := h.app.Store.ReadHuntObject(ctx, id)
	if err != nil {
		notFound(w, string(id), err)
		return
	}
	if req.ClientRules != nil {
		hu.ClientRules = *req.ClientRules
	}
	if req.Limits != nil {
		hu.Limits = *req.Limits
	}
	if req.Description != nil {
		hu.Description = *req.Description
	}
	if err := h.app.Store.UpdateHuntObject(ctx, hu); err != nil {
		internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toHuntView(hu))
}

// handleStopHunt serves spec.md §4.9 "stop hunt", the manual counterpart
// to the Hunt Dispatcher's own CeilingBreached-triggered stop.
func (h *Handler) handleStopHunt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := huntdomain.ID(chi.URLParam(r, "huntID"))
	caller, _ := callerFrom(ctx)
	if err := h.app.Approvals.CheckHuntAccess(ctx, caller, string(id)); err != nil {
		forbidden(w, string(id), err)
		return
	}
	hu, err := h.app.Store.ReadHuntObject(ctx, id)
	if err != nil {
		notFound(w, string(id), err)
		return
	}
	hu.State = huntdomain.Stopped
	if err := h.app.Store.UpdateHuntObject(ctx, hu); err != nil {
		internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toHuntView(hu))
}

// handleListHuntResults serves spec.md §4.9 "list hunt results": the
// matched child Flows, optionally filtered by State.
func (h *Handler) handleListHuntResults(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := huntdomain.ID(chi.URLParam(r, "huntID"))
	caller, _ := callerFrom(ctx)
	if err := h.app.Approvals.CheckHuntAccess(ctx, caller, string(id)); err != nil {
		forbidden(w, string(id), err)
		return
	}
	offset, count, err := pagination(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	var stateFilter flow.State
	if raw := r.URL.Query().Get("state"); raw != "" {
		stateFilter = flow.State(raw)
	}
	flows, err := h.app.Store.ReadHuntFlows(ctx, id, offset, count, stateFilter)
	if err != nil {
		internalError(w, err)
		return
	}
	views := make([]flowView, 0, len(flows))
	for _, f := range flows {
		views = append(views, toFlowView(f))
	}
	writeJSON(w, http.StatusOK, map[string]any{"flows": views})
}
