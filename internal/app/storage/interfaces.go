// Package storage defines the Data Store contract (spec.md §4.1): typed,
// transactional persistence of Clients, Flows, Requests, Responses,
// Approvals, Hunts, Blobs, and SignedBinaries, with atomic leasing. Two
// implementations live in the memory and postgres subpackages.
package storage

import (
	"context"
	"time"

	"github.com/okapi-sec/okapi/internal/app/domain/approval"
	"github.com/okapi-sec/okapi/internal/app/domain/blob"
	"github.com/okapi-sec/okapi/internal/app/domain/client"
	"github.com/okapi-sec/okapi/internal/app/domain/flow"
	"github.com/okapi-sec/okapi/internal/app/domain/hunt"
	"github.com/okapi-sec/okapi/internal/app/domain/message"
	"github.com/okapi-sec/okapi/internal/app/domain/signedbinary"
)

// ClientStore persists Client records and their keyword search index.
type ClientStore interface {
	WriteClientMetadata(ctx context.Context, c client.Client) error
	ReadClientFullInfo(ctx context.Context, id client.ID) (client.Client, error)
	MultiReadClientFullInfo(ctx context.Context, ids []client.ID) (map[client.ID]client.Client, error)
	WriteClientSnapshot(ctx context.Context, c client.Client) error
	ReadClientLabels(ctx context.Context, id client.ID) ([]client.Label, error)
	IndexClientKeywords(ctx context.Context, id client.ID, keywords []string) error
	SearchClients(ctx context.Context, keyword string, offset, count int) ([]client.Client, error)
	ListAllClientIDs(ctx context.Context) ([]client.ID, error)
}

// FlowStore persists Flow records, including the processing lease CAS.
type FlowStore interface {
	WriteFlowObject(ctx context.Context, f flow.Flow) error
	ReadFlowObject(ctx context.Context, clientID client.ID, flowID flow.ID) (flow.Flow, error)
	UpdateFlow(ctx context.Context, f flow.Flow, expectedLeaseOwner string) error
	LeaseFlowForProcessing(ctx context.Context, clientID client.ID, flowID flow.ID, owner string, leaseDuration time.Duration, now time.Time) (flow.Flow, error)
	ReleaseProcessedFlow(ctx context.Context, f flow.Flow, owner string) error
	ListFlowsForClient(ctx context.Context, clientID client.ID) ([]flow.Flow, error)
}

// FlowRequestStore persists Requests and Responses append-only.
type FlowRequestStore interface {
	WriteFlowRequest(ctx context.Context, req flow.Request) error
	WriteFlowResponses(ctx context.Context, responses []flow.Response) error
	DeleteFlowRequests(ctx context.Context, clientID client.ID, flowID flow.ID, requestIDs []flow.RequestID) error
	ReadAllFlowRequestsAndResponses(ctx context.Context, clientID client.ID, flowID flow.ID) ([]flow.Request, map[flow.RequestID][]flow.Response, error)
	ReadFlowRequestsReadyForProcessing(ctx context.Context, clientID client.ID, flowID flow.ID, cursor flow.RequestID) ([]flow.Request, map[flow.RequestID][]flow.Response, error)
}

// FlowResultStore persists the durable output a Flow accumulates via
// FlowContext.SendReply, independent of the Requests/Responses that
// produced it (those are deleted once satisfied; Results are not).
type FlowResultStore interface {
	WriteFlowResults(ctx context.Context, results []flow.Result) error
	ReadFlowResults(ctx context.Context, clientID client.ID, flowID flow.ID, offset, count int) ([]flow.Result, error)
}

// ClientMessageStore persists the outbound dispatch queue.
type ClientMessageStore interface {
	WriteClientActionRequests(ctx context.Context, msgs []flow.ClientMessage) error
	LeaseClientActionRequests(ctx context.Context, clientID client.ID, owner string, leaseDuration time.Duration, limit int, now time.Time) ([]flow.ClientMessage, error)
	DeleteClientActionRequests(ctx context.Context, clientID client.ID, requestIDs []flow.RequestID) error
	CountLeasedPastRetransmitLimit(ctx context.Context, maxAttempts int) ([]flow.ClientMessage, error)
}

// FlowProcessingQueue persists the transient wake-up work queue.
type FlowProcessingQueue interface {
	WriteFlowProcessingRequests(ctx context.Context, reqs []flow.ProcessingRequest) error
	LeaseFlowProcessingRequests(ctx context.Context, owner string, leaseDuration time.Duration, limit int, now time.Time) ([]flow.ProcessingRequest, error)
	AckFlowProcessingRequests(ctx context.Context, reqs []flow.ProcessingRequest, owner string) error
}

// ApprovalStore persists Approval requests and their Grants.
type ApprovalStore interface {
	WriteApprovalRequest(ctx context.Context, a approval.Approval) error
	ReadApprovalRequests(ctx context.Context, requestor string, typ approval.Type, subjectID string, includeExpired bool) ([]approval.Approval, error)
	GrantApproval(ctx context.Context, requestor string, typ approval.Type, subjectID, approvalID string, grant approval.Grant) error
}

// HuntStore persists Hunt records and their result-set projections.
type HuntStore interface {
	WriteHuntObject(ctx context.Context, h hunt.Hunt) error
	UpdateHuntObject(ctx context.Context, h hunt.Hunt) error
	ReadHuntObject(ctx context.Context, id hunt.ID) (hunt.Hunt, error)
	ReadHuntFlows(ctx context.Context, id hunt.ID, offset, count int, stateFilter flow.State) ([]flow.Flow, error)
	ListStartedHunts(ctx context.Context) ([]hunt.Hunt, error)
	IncrementHuntCounters(ctx context.Context, id hunt.ID, delta hunt.Counters) (hunt.Hunt, error)
}

// BlobMetadataStore records id->size bookkeeping for written blobs; actual
// bytes live in a blobstore.Backend.
type BlobMetadataStore interface {
	WriteBlobsWithUnknownHash(ctx context.Context, contents [][]byte) ([]blob.Hash, error)
	ReadBlobs(ctx context.Context, hashes []blob.Hash) (map[blob.Hash][]byte, error)
	CheckBlobsExist(ctx context.Context, hashes []blob.Hash) (map[blob.Hash]bool, error)
	WriteFileReferences(ctx context.Context, fileHash blob.Hash, refs []blob.Reference) error
	ReadFileReferences(ctx context.Context, fileHash blob.Hash) ([]blob.Reference, error)
}

// SignedBinaryStore persists SignedBinary references.
type SignedBinaryStore interface {
	WriteSignedBinaryReferences(ctx context.Context, b signedbinary.Binary) error
	ReadSignedBinaryReferences(ctx context.Context, typ signedbinary.Type, path string) (signedbinary.Binary, error)
	ReadIDsForAllSignedBinaries(ctx context.Context) ([]signedbinary.Binary, error)
}

// MessageHandlerQueue persists and leases MessageHandlerRequest rows for
// well-known server-side handlers.
type MessageHandlerQueue interface {
	WriteMessageHandlerRequests(ctx context.Context, reqs []message.HandlerRequest) error
	LeaseMessageHandlerRequests(ctx context.Context, handlerName, owner string, leaseDuration time.Duration, limit int, now time.Time) ([]message.HandlerRequest, error)
	DeleteMessageHandlerRequests(ctx context.Context, reqs []message.HandlerRequest) error
}

// Store is the full Data Store contract (spec.md §4.1), composed of the
// per-record-family interfaces above. Both the memory and postgres packages
// implement Store in full.
type Store interface {
	ClientStore
	FlowStore
	FlowRequestStore
	FlowResultStore
	ClientMessageStore
	FlowProcessingQueue
	ApprovalStore
	HuntStore
	BlobMetadataStore
	SignedBinaryStore
	MessageHandlerQueue
}
