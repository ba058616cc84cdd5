package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	approvaldomain "github.com/okapi-sec/okapi/internal/app/domain/approval"
)

type createApprovalRequest struct {
	Type          string   `json:"type" validate:"required,oneof=CLIENT HUNT CRON_JOB"`
	SubjectID     string   `json:"subject_id" validate:"required"`
	Reason        string   `json:"reason" validate:"required"`
	NotifiedUsers []string `json:"notified_users"`
	EmailCC       []string `json:"email_cc"`
	ExpiresIn     string   `json:"expires_in"` // duration string, e.g. "24h"
}

type approvalView struct {
	ID                string                 `json:"id"`
	RequestorUsername string                 `json:"requestor_username"`
	Type              string                 `json:"type"`
	SubjectID         string                 `json:"subject_id"`
	Reason            string                 `json:"reason"`
	Expiration        string                 `json:"expiration"`
	Grants            []approvaldomain.Grant `json:"grants"`
	CreatedAt         string                 `json:"created_at"`
}

func toApprovalView(a approvaldomain.Approval) approvalView {
	return approvalView{
		ID:                a.ID,
		RequestorUsername: a.RequestorUsername,
		Type:              string(a.Type),
		SubjectID:         a.SubjectID,
		Reason:            a.Reason,
		Expiration:        a.Expiration.Format(httpTimeFormat),
		Grants:            a.Grants,
		CreatedAt:         a.CreatedAt.Format(httpTimeFormat),
	}
}

const defaultApprovalLifetime = 7 * 24 * time.Hour

// handleCreateApproval serves spec.md §4.9 "create approval". The caller's
// own username is always the Approval's RequestorUsername (spec.md §3
// Approval is keyed by requestor, never created on another user's behalf);
// the API Surface mints the ID since the Approval Subsystem leaves
// generation to its caller.
func (h *Handler) handleCreateApproval(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createApprovalRequest
	if err := h.decodeJSON(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	caller, _ := callerFrom(ctx)

	lifetime := defaultApprovalLifetime
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil {
			badRequest(w, err)
			return
		}
		lifetime = d
	}

	now := h.app.Clock.Now()
	a := approvaldomain.Approval{
		ID:                uuid.NewString(),
		RequestorUsername: caller,
		Type:              approvaldomain.Type(req.Type),
		SubjectID:         req.SubjectID,
		Reason:            req.Reason,
		NotifiedUsers:     req.NotifiedUsers,
		EmailCC:           req.EmailCC,
		Expiration:        now.Add(lifetime),
		CreatedAt:         now,
	}
	if err := h.app.Approvals.CreateApproval(ctx, a); err != nil {
		internalError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toApprovalView(a))
}

// handleListApprovals serves spec.md §4.9 "list approvals" for the
// requestor, type and subject_id query parameters, all three of which must
// match exactly (an absent parameter matches only an empty stored value),
// by default excluding expired requests the way an investigator dashboard
// would.
func (h *Handler) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	requestor := strings.TrimSpace(q.Get("requestor"))
	typ := approvaldomain.Type(strings.ToUpper(strings.TrimSpace(q.Get("type"))))
	subjectID := strings.TrimSpace(q.Get("subject_id"))
	includeExpired := q.Get("include_expired") == "true"

	approvals, err := h.app.Store.ReadApprovalRequests(r.Context(), requestor, typ, subjectID, includeExpired)
	if err != nil {
		internalError(w, err)
		return
	}
	now := h.app.Clock.Now()
	views := make([]approvalView, 0, len(approvals))
	for _, a := range approvals {
		if !includeExpired && a.Expired(now) {
			continue
		}
		views = append(views, toApprovalView(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": views})
}

type grantApprovalRequest struct {
	RequestorUsername string `json:"requestor_username" validate:"required"`
	Type              string `json:"type" validate:"required,oneof=CLIENT HUNT CRON_JOB"`
	SubjectID         string `json:"subject_id" validate:"required"`
}

// handleGrantApproval serves spec.md §4.9 "grant approval". GrantApproval
// only records the grant and the grantor's admin status; distinct-grantor
// counting and admin-grant requirements are evaluated later by the access
// checks. This handler only resolves the grantor's identity and forwards.
func (h *Handler) handleGrantApproval(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	approvalID := chi.URLParam(r, "approvalID")
	var req grantApprovalRequest
	if err := h.decodeJSON(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	grantor, _ := callerFrom(ctx)
	if err := h.app.Approvals.GrantApproval(ctx, req.RequestorUsername, approvaldomain.Type(req.Type), req.SubjectID, approvalID, grantor); err != nil {
		badRequest(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "granted"})
}
