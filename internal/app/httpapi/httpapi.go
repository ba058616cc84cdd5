// Package httpapi implements the API Surface (spec.md §4.9, C10): the
// investigator-facing REST layer over the Data Store, Flow Engine, Hunt
// Dispatcher, and Approval Subsystem. Grounded on the teacher's
// internal/app/httpapi package (net/http.ServeMux, typed handler methods,
// writeJSON/writeError helpers), generalized to a go-chi/chi/v5 router so
// path parameters (client id, flow id, hunt id) are resolved by the router
// instead of hand-rolled path splitting, and request bodies are validated
// with go-playground/validator/v10 instead of ad-hoc nil checks.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/okapi-sec/okapi/internal/app/appctx"
)

// DefaultPageSize and MaxPageSize bound every paginated endpoint's (offset,
// count) query parameters (spec.md §4.9: "Pagination uses (offset, count)
// with a hard maximum").
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Handler bundles the wired application and the per-request helpers every
// resource file's methods share.
type Handler struct {
	app      *appctx.App
	validate *validator.Validate
}

func newHandler(a *appctx.App) *Handler {
	return &Handler{app: a, validate: validator.New(validator.WithRequiredStructEnabled())}
}

// apiError is the typed envelope every API error carries (spec.md §7
// "every API error carries {code, message, subject?}").
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Subject string `json:"subject,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, subject string, err error) {
	writeJSON(w, status, apiError{Code: code, Message: err.Error(), Subject: subject})
}

func notFound(w http.ResponseWriter, subject string, err error) {
	writeError(w, http.StatusNotFound, "not_found", subject, err)
}

func badRequest(w http.ResponseWriter, err error) {
	writeError(w, http.StatusBadRequest, "bad_request", "", err)
}

func internalError(w http.ResponseWriter, err error) {
	writeError(w, http.StatusInternalServerError, "internal", "", err)
}

func unauthorized(w http.ResponseWriter, err error) {
	writeError(w, http.StatusUnauthorized, "unauthorized", "", err)
}

func forbidden(w http.ResponseWriter, subject string, err error) {
	writeError(w, http.StatusForbidden, "forbidden", subject, err)
}

// decodeJSON decodes and validates an incoming request body, mirroring the
// teacher's decodeJSON but layered with struct-tag validation.
func (h *Handler) decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	if err := h.validate.Struct(dst); err != nil {
		return fmt.Errorf("validate request body: %w", err)
	}
	return nil
}

// pagination parses the (offset, count) query parameters shared by every
// listing endpoint, clamping count to MaxPageSize.
func pagination(r *http.Request) (offset, count int, err error) {
	q := r.URL.Query()
	count = DefaultPageSize
	if raw := strings.TrimSpace(q.Get("count")); raw != "" {
		n, convErr := strconv.Atoi(raw)
		if convErr != nil || n <= 0 {
			return 0, 0, fmt.Errorf("count must be a positive integer")
		}
		count = n
	}
	if count > MaxPageSize {
		count = MaxPageSize
	}
	if raw := strings.TrimSpace(q.Get("offset")); raw != "" {
		n, convErr := strconv.Atoi(raw)
		if convErr != nil || n < 0 {
			return 0, 0, fmt.Errorf("offset must be a non-negative integer")
		}
		offset = n
	}
	return offset, count, nil
}

// callerFrom resolves the authenticated username the middleware placed on
// the request context, per spec.md §4.9 step 1 ("resolves the caller
// identity, externally authenticated").
func callerFrom(ctx context.Context) (string, bool) {
	u, ok := ctx.Value(identityKey).(string)
	return u, ok && u != ""
}
