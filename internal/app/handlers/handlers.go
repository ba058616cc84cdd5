// Package handlers implements the Message Handler Registry (spec.md §4.6,
// §4.9 C6): a build-time dispatch table from well-known message kinds
// (enrollment, stats, blob upload) to server-side handlers that bypass
// Flow state entirely, the same "registration table" pattern the
// flowengine package uses for flow classes (spec.md §9: replace late-binding
// plugin registries with a build-time table).
package handlers

import (
	"context"
	"fmt"
	"sync"

	"github.com/okapi-sec/okapi/internal/app/domain/client"
	"github.com/okapi-sec/okapi/internal/app/domain/message"
)

// Handler processes one well-known MessageHandlerRequest synchronously.
type Handler interface {
	// Name is the well-known session id / handler name this Handler
	// registers under (e.g. "aff4:/flows/Enrol", "aff4:/stats",
	// "aff4:/blob_upload").
	Name() string
	// Handle executes the side effect for one inbound Message. It must be
	// idempotent: the same request may be redelivered if a prior attempt
	// crashed after partial work but before the request was deleted from
	// the queue (spec.md §4.1 Leasing discipline).
	Handle(ctx context.Context, clientID client.ID, msg message.Message) error
}

// registry is the build-time table mapping well-known session ids to their
// Handler.
var (
	mu       sync.RWMutex
	registry = map[string]Handler{}
)

// Register adds a Handler to the build-time table. Each concrete Handler
// here needs runtime dependencies (a store, a clock, a keystore) it cannot
// construct inside an init() function, so registration happens once at
// application bootstrap (see internal/app/appctx), not via package init as
// flowengine.Register does for stateless flow classes.
func Register(h Handler) {
	mu.Lock()
	defer mu.Unlock()
	registry[h.Name()] = h
}

// Lookup resolves a registered Handler by its well-known name/session id.
func Lookup(name string) (Handler, bool) {
	mu.RLock()
	defer mu.RUnlock()
	h, ok := registry[name]
	return h, ok
}

// ErrUnknownHandler is returned when a session id has no registered
// Handler.
type ErrUnknownHandler struct{ Name string }

func (e ErrUnknownHandler) Error() string {
	return fmt.Sprintf("handlers: no registered handler for %q", e.Name)
}

// shortcut is the small whitelist of handler names IsShortcut reports
// (spec.md §4.5 "Shortcut path": "currently only blob-upload"). The Front
// End does not consult it: it calls every registered Handler synchronously
// during the poll and writes no MessageHandlerRequest rows.
var shortcut = map[string]bool{
	BlobUploadHandlerName: true,
}

// IsShortcut reports whether name is in the synchronous-execution
// whitelist.
func IsShortcut(name string) bool { return shortcut[name] }
