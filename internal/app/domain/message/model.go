// Package message models the wire-level unit exchanged between agent and
// server (GrrMessage, spec.md §6) and the server-side MessageHandlerRequest
// queue entry for well-known, Flow-bypassing side effects (spec.md §3).
package message

import "time"

// Type distinguishes a regular action payload from a terminal Status or an
// iterator continuation, mirroring flow.ResponseKind at the wire level.
type Type string

const (
	TypeMessage  Type = "MESSAGE"
	TypeStatus   Type = "STATUS"
	TypeIterator Type = "ITERATOR"
)

// AuthState is the authentication outcome of a decoded Message, assigned by
// the Cipher Layer (spec.md §4.3).
type AuthState string

const (
	Authenticated   AuthState = "AUTHENTICATED"
	Unauthenticated AuthState = "UNAUTHENTICATED"
)

// Priority mirrors the wire-level scheduling hint carried on a Message.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// Message is the GrrMessage wire record (spec.md §6).
type Message struct {
	SessionID        string    `json:"session_id"`
	RequestID        uint64    `json:"request_id"`
	ResponseID       uint64    `json:"response_id"`
	Name             string    `json:"name"`
	ArgsRDFName      string    `json:"args_rdf_name"`
	Payload          []byte    `json:"payload"`
	Source           string    `json:"source"`
	AuthState        AuthState `json:"auth_state"`
	Type             Type      `json:"type"`
	TaskID           uint64    `json:"task_id"`
	CPULimit         uint64    `json:"cpu_limit"`
	NetworkBytesLimit uint64   `json:"network_bytes_limit"`
	RequireFastPoll  bool      `json:"require_fastpoll"`
	Priority         Priority  `json:"priority"`
}

// HandlerRequest is the inbound record for well-known, server-side side
// effects (blob upload, enrollment, stats) that bypass Flow state (spec.md
// §3 MessageHandlerRequest).
type HandlerRequest struct {
	HandlerName string `json:"handler_name"`
	RequestID   string `json:"request_id"`

	ClientID string `json:"client_id"`
	Message  Message `json:"message"`

	LeaseOwner    string    `json:"lease_owner,omitempty"`
	LeaseDeadline time.Time `json:"lease_deadline,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// WellKnownEnrollmentSession is the single whitelisted session id allowed to
// carry UNAUTHENTICATED messages (spec.md §4.3, §9: "do not widen the
// whitelist without policy review").
const WellKnownEnrollmentSession = "aff4:/flows/Enrol"
