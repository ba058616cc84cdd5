package httpapi

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/okapi-sec/okapi/internal/app/actions"
	"github.com/okapi-sec/okapi/internal/app/domain/flow"
	"github.com/okapi-sec/okapi/internal/app/flowengine"
)

// parseFlowID parses a FlowId rendered as 16 uppercase hex digits (the
// inverse of flow.ID.String, spec.md §3 FlowId).
func parseFlowID(raw string) (flow.ID, error) {
	if len(raw) != 16 {
		return 0, fmt.Errorf("httpapi: malformed flow id %q", raw)
	}
	b, err := hex.DecodeString(strings.ToLower(raw))
	if err != nil {
		return 0, fmt.Errorf("httpapi: malformed flow id %q: %w", raw, err)
	}
	var id uint64
	for _, c := range b {
		id = id<<8 | uint64(c)
	}
	return flow.ID(id), nil
}

type startFlowRequest struct {
	FlowClass    string          `json:"flow_class" validate:"required"`
	Args         json.RawMessage `json:"args"`
	CPULimit     float64         `json:"cpu_limit"`
	NetworkLimit uint64          `json:"network_limit"`
}

type startFlowResponse struct {
	FlowID string `json:"flow_id"`
}

// handleStartFlow serves spec.md §4.9 "start flow": resolve the requested
// FlowClass, decode its typed args, check the caller's client-scoped
// approval (and, for restricted classes, an admin grant) and launch it via
// flowengine.Launch.
func (h *Handler) handleStartFlow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientID, err := clientIDFromRoute(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	var req startFlowRequest
	if err := h.decodeJSON(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	class, ok := flowengine.Lookup(req.FlowClass)
	if !ok {
		badRequest(w, flowengine.ErrUnknownFlowClass{Name: req.FlowClass})
		return
	}

	caller, _ := callerFrom(ctx)
	labels, err := h.app.Store.ReadClientLabels(ctx, clientID)
	if err != nil {
		internalError(w, err)
		return
	}
	if err := h.app.Approvals.CheckClientAccess(ctx, caller, clientID.String(), labels); err != nil {
		forbidden(w, clientID.String(), err)
		return
	}
	if err := h.app.Approvals.RequireAdminForFlowClass(ctx, caller, req.FlowClass); err != nil {
		forbidden(w, req.FlowClass, err)
		return
	}

	args := class.NewArgs()
	if len(req.Args) > 0 {
		if err := json.Unmarshal(req.Args, args); err != nil {
			badRequest(w, fmt.Errorf("httpapi: decode flow_class args: %w", err))
			return
		}
	}

	flowID, err := flowengine.Launch(ctx, h.app.Store, h.app.Clock, class, args, clientID, caller, flowengine.LaunchOpts{
		CPULimit:     req.CPULimit,
		NetworkLimit: req.NetworkLimit,
	})
	if err != nil {
		internalError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, startFlowResponse{FlowID: flowID.String()})
}

type flowView struct {
	ClientID      string  `json:"client_id"`
	FlowID        string  `json:"flow_id"`
	FlowClass     string  `json:"flow_class"`
	Creator       string  `json:"creator"`
	State         string  `json:"state"`
	ErrorMessage  string  `json:"error_message,omitempty"`
	CPUTimeUsed   float64 `json:"cpu_time_used"`
	CreatedAt     string  `json:"created_at"`
	LastUpdate    string  `json:"last_update"`
}

func toFlowView(f flow.Flow) flowView {
	return flowView{
		ClientID:     f.ClientID.String(),
		FlowID:       f.FlowID.String(),
		FlowClass:    f.FlowClass,
		Creator:      f.Creator,
		State:        string(f.State),
		ErrorMessage: f.ErrorMessage,
		CPUTimeUsed:  f.CPUTimeUsed,
		CreatedAt:    f.CreatedAt.Format(httpTimeFormat),
		LastUpdate:   f.LastUpdate.Format(httpTimeFormat),
	}
}

// handleGetFlow serves spec.md §4.9 "get flow".
func (h *Handler) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	clientID, err := clientIDFromRoute(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	flowID, err := parseFlowID(chi.URLParam(r, "flowID"))
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
	f, err := h.app.Store.ReadFlowObject(r.Context(), clientID, flowID)
	if err != nil {
		notFound(w, flowID.String(), err)
		return
	}
	writeJSON(w, http.StatusOK, toFlowView(f))
}

type resultView struct {
	ResultID  uint64          `json:"result_id"`
	TypeName  string          `json:"type_name"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"created_at"`
}

// handleListFlowResults serves spec.md §4.9 "list flow results".
func (h *Handler) handleListFlowResults(w http.ResponseWriter, r *http.Request) {
	clientID, err := clientIDFromRoute(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	flowID, err := parseFlowID(chi.URLParam(r, "flowID"))
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
	offset, count, err := pagination(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	results, err := h.app.Store.ReadFlowResults(r.Context(), clientID, flowID, offset, count)
	if err != nil {
		internalError(w, err)
		return
	}
	views := make([]resultView, 0, len(results))
	for _, res := range results {
		views = append(views, resultView{
			ResultID:  uint64(res.ResultID),
			TypeName:  res.TypeName,
			Payload:   json.RawMessage(res.Payload),
			CreatedAt: res.CreatedAt.Format(httpTimeFormat),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": views})
}

// handleReadVFSPath serves spec.md §4.9 "read VFS path". There is no
// separately persisted VFS projection in the Data Store (spec.md §3 has no
// VfsFile record); the endpoint instead launches a GetFile Flow for the
// requested path and hands back its FlowID so the caller polls flow
// results the same way any other investigation does, a deliberate mapping
// documented alongside the rest of the grounding ledger.
func (h *Handler) handleReadVFSPath(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientID, err := clientIDFromRoute(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	path := "/" + trailingPath(r)
	if path == "/" {
		badRequest(w, fmt.Errorf("httpapi: vfs path must not be empty"))
		return
	}

	caller, _ := callerFrom(ctx)
	labels, err := h.app.Store.ReadClientLabels(ctx, clientID)
	if err != nil {
		internalError(w, err)
		return
	}
	if err := h.app.Approvals.CheckClientAccess(ctx, caller, clientID.String(), labels); err != nil {
		forbidden(w, clientID.String(), err)
		return
	}

	class, ok := flowengine.Lookup("GetFile")
	if !ok {
		internalError(w, fmt.Errorf("httpapi: GetFile flow class not registered"))
		return
	}
	flowID, err := flowengine.Launch(ctx, h.app.Store, h.app.Clock, class, &actions.GetFileArgs{Path: path}, clientID, caller, flowengine.LaunchOpts{})
	if err != nil {
		internalError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, startFlowResponse{FlowID: flowID.String()})
}
