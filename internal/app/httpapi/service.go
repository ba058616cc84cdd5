package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/okapi-sec/okapi/internal/app/appctx"
	"github.com/okapi-sec/okapi/pkg/logger"
)

// shutdownTimeout bounds how long Stop waits for in-flight requests to
// drain, matching the teacher's applications/httpapi.Service shutdown
// grace period.
const shutdownTimeout = 10 * time.Second

// Service wraps an http.Server as a system.Service, mirroring the teacher's
// applications/httpapi.Service lifecycle (Start/Stop/Addr) but adapted to
// this codebase's no-context Service.Stop() signature.
type Service struct {
	name   string
	addr   string
	server *http.Server
	ln     net.Listener
	log    *logger.Logger
}

// NewService builds a Service: an http.Server serving handler on
// host:port.
func NewService(name, host string, port int, handler http.Handler, log *logger.Logger) *Service {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	return &Service{
		name: name,
		addr: addr,
		log:  log,
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func (s *Service) Name() string { return s.name }

// Addr returns the bound listener's actual address, valid only after Start.
func (s *Service) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Start binds the listener and serves in a background goroutine, returning
// once the listener is ready to accept connections (spec.md §9 "Start
// returns only after the component is actually ready to do work").
func (s *Service) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("http server error")
		}
	}()
	return nil
}

// Stop gracefully shuts the server down, bounded by shutdownTimeout since
// system.Service.Stop takes no context.
func (s *Service) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = s.server.Shutdown(ctx)
}

// NewFrontEndService wraps the agent-facing poll listener
// (config.FrontEndConfig) behind the same Service shape, served separately
// from the API Surface per pkg/config's FrontEndConfig doc comment
// ("carries untrusted agent traffic").
func NewFrontEndService(a *appctx.App) *Service {
	return NewService("frontend", a.Config.FrontEnd.Host, a.Config.FrontEnd.Port, a.FrontEnd, a.Log)
}

