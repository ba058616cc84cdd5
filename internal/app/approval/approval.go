// Package approval implements the Approval Subsystem (spec.md §4.8, C9):
// creation, grant, expiration and lookup of access approvals, with
// per-resource policy evaluation gating Flow/Hunt/CronJob dispatch.
// Grounded on the same golang-lru/v2 session-cache pattern the Cipher Layer
// uses (internal/app/cipher.Layer.sessions) for its 60s CheckXAccess cache.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/okapi-sec/okapi/internal/app/clock"
	"github.com/okapi-sec/okapi/internal/app/domain/approval"
	"github.com/okapi-sec/okapi/internal/app/domain/client"
	"github.com/okapi-sec/okapi/internal/app/metrics"
	"github.com/okapi-sec/okapi/internal/app/storage"
)

// CheckCacheTTL is the time a passing CheckXAccess result is cached for,
// per resource (spec.md §4.8 "caches the first that passes (TTL 60 s)").
const CheckCacheTTL = 60 * time.Second

// ErrUnauthorizedAccess is returned when no valid Approval authorizes the
// caller for the requested subject.
type ErrUnauthorizedAccess struct {
	User    string
	Type    approval.Type
	Subject string
	Reason  string
}

func (e ErrUnauthorizedAccess) Error() string {
	return fmt.Sprintf("approval: unauthorized: user %q has no valid %s approval for %q (%s)", e.User, e.Type, e.Subject, e.Reason)
}

// LabelPolicy resolves the approver policy attached to a Client's labels,
// e.g. "this client's owner label requires 2 admin approvers." A nil
// LabelPolicy means no label-based policy is active and Config's
// defaults apply uniformly.
type LabelPolicy interface {
	// RequiredApprovers returns the approvers-required count and whether
	// an admin grantor is mandated for a client carrying the given labels.
	// ok=false means no label-specific policy applies.
	RequiredApprovers(labels []client.Label) (required int, requireAdmin bool, ok bool)
}

// Config controls the default policy applied when no label-specific
// policy overrides it.
type Config struct {
	ApproversRequired int
	// RestrictedFlowClasses is the hard-coded set of flow classes (process
	// execution, binary launch, agent update) that require
	// user_type==ADMIN regardless of Approvals (spec.md §4.8 "Restricted
	// flows").
	RestrictedFlowClasses map[string]bool
}

// DefaultConfig returns sane defaults: one approver required, no
// restricted flow classes registered.
func DefaultConfig() Config {
	return Config{ApproversRequired: 1, RestrictedFlowClasses: map[string]bool{}}
}

// UserLookup resolves whether a username holds USER_TYPE_ADMIN, needed for
// the HUNT/CRON_JOB admin-grantor invariant and restricted-flow checks.
type UserLookup interface {
	IsAdmin(ctx context.Context, username string) (bool, error)
}

// Subsystem implements C9.
type Subsystem struct {
	store  storage.ApprovalStore
	users  UserLookup
	clock  clock.Clock
	cfg    Config
	labels LabelPolicy

	mu    sync.Mutex
	cache *lru.Cache[cacheKey, cacheEntry]
}

type cacheKey struct {
	user    string
	typ     approval.Type
	subject string
}

type cacheEntry struct {
	expiresAt time.Time
}

// New builds a Subsystem. labels may be nil (no label-based policy).
func New(store storage.ApprovalStore, users UserLookup, clk clock.Clock, cfg Config, labels LabelPolicy) (*Subsystem, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	cache, err := lru.New[cacheKey, cacheEntry](8192)
	if err != nil {
		return nil, fmt.Errorf("approval: new check cache: %w", err)
	}
	return &Subsystem{store: store, users: users, clock: clk, cfg: cfg, labels: labels, cache: cache}, nil
}

// CreateApproval persists a new Approval request. ID generation is left to
// the caller (the API Surface) so it can use whatever id scheme it likes;
// Subsystem only enforces the record shape.
func (s *Subsystem) CreateApproval(ctx context.Context, a approval.Approval) error {
	if a.ID == "" {
		return fmt.Errorf("approval: id is required")
	}
	return s.store.WriteApprovalRequest(ctx, a)
}

// GrantApproval records a grant from grantor against an existing Approval,
// invalidating any cached passing check for that subject so the new grant
// takes effect immediately.
func (s *Subsystem) GrantApproval(ctx context.Context, requestor string, typ approval.Type, subjectID, approvalID, grantor string) error {
	isAdmin, err := s.users.IsAdmin(ctx, grantor)
	if err != nil {
		return fmt.Errorf("approval: resolve grantor admin status: %w", err)
	}
	grant := approval.Grant{GrantorUsername: grantor, GrantorIsAdmin: isAdmin, Timestamp: s.clock.Now()}
	if err := s.store.GrantApproval(ctx, requestor, typ, subjectID, approvalID, grant); err != nil {
		return err
	}
	s.invalidate(requestor, typ, subjectID)
	return nil
}

func (s *Subsystem) invalidate(user string, typ approval.Type, subject string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Remove(cacheKey{user: user, typ: typ, subject: subject})
}

// requiredApprovers resolves the approvers-required count and admin
// requirement for a check, consulting the label policy first (spec.md
// §4.8: "for CLIENT, when client-label-based policy is active").
func (s *Subsystem) requiredApprovers(typ approval.Type, labels []client.Label) (int, bool) {
	requireAdmin := typ == approval.TypeHunt || typ == approval.TypeCronJob
	required := s.cfg.ApproversRequired
	if s.labels != nil && typ == approval.TypeClient {
		if r, reqAdmin, ok := s.labels.RequiredApprovers(labels); ok {
			required = r
			requireAdmin = requireAdmin || reqAdmin
		}
	}
	if required < 0 {
		required = 0
	}
	return required, requireAdmin
}

// check is the shared predicate evaluator behind CheckClientAccess /
// CheckHuntAccess / CheckCronJobAccess (spec.md §4.8 "Checks").
func (s *Subsystem) check(ctx context.Context, user string, typ approval.Type, subjectID string, labels []client.Label) error {
	key := cacheKey{user: user, typ: typ, subject: subjectID}
	now := s.clock.Now()

	s.mu.Lock()
	if entry, ok := s.cache.Get(key); ok {
		if now.Before(entry.expiresAt) {
			s.mu.Unlock()
			metrics.RecordApprovalCheck(string(typ), true)
			return nil
		}
		s.cache.Remove(key)
	}
	s.mu.Unlock()

	approvals, err := s.store.ReadApprovalRequests(ctx, user, typ, subjectID, false)
	if err != nil {
		return fmt.Errorf("approval: read approvals: %w", err)
	}

	required, requireAdmin := s.requiredApprovers(typ, labels)

	for _, a := range approvals {
		if a.Valid(now, required, requireAdmin) {
			s.mu.Lock()
			s.cache.Add(key, cacheEntry{expiresAt: now.Add(CheckCacheTTL)})
			s.mu.Unlock()
			metrics.RecordApprovalCheck(string(typ), true)
			return nil
		}
	}
	metrics.RecordApprovalCheck(string(typ), false)
	return ErrUnauthorizedAccess{User: user, Type: typ, Subject: subjectID, Reason: "no valid approval found"}
}

// CheckClientAccess authorizes user for subjectID (a ClientID string),
// consulting the client's labels for a per-label policy if configured.
func (s *Subsystem) CheckClientAccess(ctx context.Context, user, subjectID string, labels []client.Label) error {
	return s.check(ctx, user, approval.TypeClient, subjectID, labels)
}

// CheckHuntAccess authorizes user for a HuntID.
func (s *Subsystem) CheckHuntAccess(ctx context.Context, user, huntID string) error {
	return s.check(ctx, user, approval.TypeHunt, huntID, nil)
}

// CheckCronJobAccess authorizes user for a CronJob id.
func (s *Subsystem) CheckCronJobAccess(ctx context.Context, user, cronJobID string) error {
	return s.check(ctx, user, approval.TypeCronJob, cronJobID, nil)
}

// RequireAdminForFlowClass enforces spec.md §4.8's hard-coded restricted
// flow classes: even a passing Approval does not bypass this check.
func (s *Subsystem) RequireAdminForFlowClass(ctx context.Context, user, flowClass string) error {
	if !s.cfg.RestrictedFlowClasses[flowClass] {
		return nil
	}
	isAdmin, err := s.users.IsAdmin(ctx, user)
	if err != nil {
		return fmt.Errorf("approval: resolve admin status: %w", err)
	}
	if !isAdmin {
		return ErrUnauthorizedAccess{User: user, Subject: flowClass, Reason: "restricted flow class requires admin"}
	}
	return nil
}
