// Package memory implements storage.Store entirely in process memory,
// with every call serialized by a single mutex on the Store. appctx selects
// it when Database.Driver is empty or "memory" (the default), mirroring the
// teacher's Stores.applyDefaults fallback-to-memory pattern.
package memory

import (
	"sync"

	"github.com/okapi-sec/okapi/internal/app/domain/approval"
	"github.com/okapi-sec/okapi/internal/app/domain/blob"
	"github.com/okapi-sec/okapi/internal/app/domain/client"
	"github.com/okapi-sec/okapi/internal/app/domain/flow"
	"github.com/okapi-sec/okapi/internal/app/domain/hunt"
	"github.com/okapi-sec/okapi/internal/app/domain/message"
	"github.com/okapi-sec/okapi/internal/app/domain/signedbinary"
	"github.com/okapi-sec/okapi/internal/app/storage"
)

// Store is the in-memory storage.Store implementation.
type Store struct {
	mu sync.Mutex

	clients      map[client.ID]client.Client
	clientIndex  map[string]map[client.ID]bool // keyword -> set of client ids

	flows map[flowKey]flow.Flow

	requests  map[flowKey]map[flow.RequestID]flow.Request
	responses map[flowKey]map[flow.RequestID][]flow.Response
	results   map[flowKey][]flow.Result

	clientMessages map[client.ID]map[flow.MessageID]flow.ClientMessage
	nextMessageID  flow.MessageID

	procQueue map[procKey]flow.ProcessingRequest

	approvals map[approvalKey]approval.Approval

	hunts map[hunt.ID]hunt.Hunt

	blobs     map[blob.Hash][]byte
	fileRefs  map[blob.Hash][]blob.Reference

	binaries map[binaryKey]signedbinary.Binary

	handlerQueue map[string]message.HandlerRequest
}

type flowKey struct {
	client client.ID
	flow   flow.ID
}

type procKey struct {
	client client.ID
	flow   flow.ID
	write  int64 // UnixNano of WriteTime, used as a tiebreaker-free key
}

type approvalKey struct {
	requestor string
	typ       approval.Type
	subject   string
	id        string
}

type binaryKey struct {
	typ  signedbinary.Type
	path string
}

// New constructs an empty in-memory Store.
func New() *Store {
	return &Store{
		clients:        make(map[client.ID]client.Client),
		clientIndex:    make(map[string]map[client.ID]bool),
		flows:          make(map[flowKey]flow.Flow),
		requests:       make(map[flowKey]map[flow.RequestID]flow.Request),
		responses:      make(map[flowKey]map[flow.RequestID][]flow.Response),
		results:        make(map[flowKey][]flow.Result),
		clientMessages: make(map[client.ID]map[flow.MessageID]flow.ClientMessage),
		procQueue:      make(map[procKey]flow.ProcessingRequest),
		approvals:      make(map[approvalKey]approval.Approval),
		hunts:          make(map[hunt.ID]hunt.Hunt),
		blobs:          make(map[blob.Hash][]byte),
		fileRefs:       make(map[blob.Hash][]blob.Reference),
		binaries:       make(map[binaryKey]signedbinary.Binary),
		handlerQueue:   make(map[string]message.HandlerRequest),
	}
}

var _ storage.Store = (*Store)(nil)
