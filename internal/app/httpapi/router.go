package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/okapi-sec/okapi/internal/app/appctx"
	"github.com/okapi-sec/okapi/internal/app/metrics"
)

// NewRouter assembles the API Surface's chi router over a (App, does it
// need an Authenticator) pair, mirroring the teacher's mountRoutes/route
// helpers (applications/httpapi/router.go) but resolving path parameters
// through chi instead of manual path-segment splitting.
func NewRouter(a *appctx.App, auth Authenticator) http.Handler {
	h := newHandler(a)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(a))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.InstrumentHandler)

	r.Get("/healthz", h.handleHealthz)
	r.Get("/metrics", metrics.Handler().ServeHTTP)
	r.Get("/server.pem", h.handleServerCert)

	r.Route("/v1", func(r chi.Router) {
		r.Use(withAuth(auth))

		r.Route("/clients", func(r chi.Router) {
			r.Get("/", h.handleListClients)
			r.Route("/{clientID}", func(r chi.Router) {
				r.Get("/", h.handleGetClient)
				r.Route("/flows", func(r chi.Router) {
					r.Post("/", h.handleStartFlow)
					r.Route("/{flowID}", func(r chi.Router) {
						r.Get("/", h.handleGetFlow)
						r.Get("/results", h.handleListFlowResults)
					})
				})
				r.Get("/vfs/*", h.handleReadVFSPath)
			})
		})

		r.Route("/hunts", func(r chi.Router) {
			r.Post("/", h.handleCreateHunt)
			r.Route("/{huntID}", func(r chi.Router) {
				r.Get("/", h.handleGetHunt)
				r.Patch("/", h.handleModifyHunt)
				r.Post("/stop", h.handleStopHunt)
				r.Get("/results", h.handleListHuntResults)
			})
		})

		r.Route("/approvals", func(r chi.Router) {
			r.Get("/", h.handleListApprovals)
			r.Post("/", h.handleCreateApproval)
			r.Post("/{approvalID}/grants", h.handleGrantApproval)
		})

		r.Get("/files/{fileHash}", h.handleGetFileBlob)
		r.Get("/signed-binaries/{type}/*", h.handleGetSignedBinary)
	})

	return r
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requestLogger mirrors the teacher's structured-access-log middleware,
// logging method/path/status/duration through the shared logger.Logger
// rather than chi's plain-text middleware.Logger.
func requestLogger(a *appctx.App) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := a.Clock.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			a.Log.WithFields(logrus.Fields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"duration_ms": a.Clock.Now().Sub(start).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			}).Info("http request")
		})
	}
}

// trailingPath extracts a chi wildcard's remaining path segment (e.g. the
// "*" in "/vfs/*" or "/signed-binaries/{type}/*"), trimming the leading
// slash chi leaves in place.
func trailingPath(r *http.Request) string {
	return strings.TrimPrefix(chi.URLParam(r, "*"), "/")
}
