// Command okapid is the server entry point: it wires the full
// application (appctx.App), starts the API Surface and Front End HTTP
// listeners alongside the Flow Engine worker pool and Hunt Dispatcher
// under one system.Manager, and blocks until an OS signal requests
// shutdown.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/okapi-sec/okapi/internal/app/appctx"
	"github.com/okapi-sec/okapi/internal/app/httpapi"
	"github.com/okapi-sec/okapi/pkg/config"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("okapid: %v", err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := appctx.New(ctx, cfg)
	if err != nil {
		return err
	}

	auth := newAuthenticator(cfg)
	apiService := httpapi.NewService("api-surface", cfg.Server.Host, cfg.Server.Port, httpapi.NewRouter(app, auth), app.Log)
	frontEndService := httpapi.NewFrontEndService(app)

	if err := app.Manager.Register(apiService); err != nil {
		return err
	}
	if err := app.Manager.Register(frontEndService); err != nil {
		return err
	}

	app.Log.Info("okapid: starting")
	if err := app.Manager.Start(ctx); err != nil {
		return err
	}
	app.Log.Infof("okapid: api surface listening on %s, front end listening on %s", apiService.Addr(), frontEndService.Addr())

	<-ctx.Done()
	app.Log.Info("okapid: shutting down")
	app.Manager.Stop()
	return nil
}

// newAuthenticator builds the API Surface's Authenticator from
// AuthConfig: JWT validation against AuthConfig.JWTSecret, composed with
// any pre-shared API tokens in "token:username" form (spec.md §4.8 "a
// caller authenticates with either a JWT or a pre-shared API token").
func newAuthenticator(cfg *config.Config) httpapi.Authenticator {
	delegates := []httpapi.Authenticator{
		httpapi.NewJWTAuthenticator([]byte(cfg.Auth.JWTSecret), cfg.Auth.AdminUsers),
	}
	if len(cfg.Auth.APITokens) > 0 {
		delegates = append(delegates, httpapi.NewStaticTokenAuthenticator(cfg.Auth.APITokens, cfg.Auth.AdminUsers))
	}
	return httpapi.NewCompositeAuthenticator(delegates...)
}
