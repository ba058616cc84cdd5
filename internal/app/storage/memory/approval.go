package memory

import (
	"context"

	"github.com/okapi-sec/okapi/internal/app/domain/approval"
	"github.com/okapi-sec/okapi/internal/app/storage/storeerr"
)

func akey(requestor string, typ approval.Type, subjectID, id string) approvalKey {
	return approvalKey{requestor: requestor, typ: typ, subject: subjectID, id: id}
}

// WriteApprovalRequest creates a new Approval record.
func (s *Store) WriteApprovalRequest(ctx context.Context, a approval.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.approvals[akey(a.RequestorUsername, a.Type, a.SubjectID, a.ID)] = a
	return nil
}

// ReadApprovalRequests returns all Approvals for (requestor, type, subject),
// optionally including expired ones.
func (s *Store) ReadApprovalRequests(ctx context.Context, requestor string, typ approval.Type, subjectID string, includeExpired bool) ([]approval.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []approval.Approval
	for k, a := range s.approvals {
		if k.requestor == requestor && k.typ == typ && k.subject == subjectID {
			out = append(out, a)
		}
	}
	_ = includeExpired // filtering by expiration is the caller's responsibility (needs "now")
	return out, nil
}

// GrantApproval appends a Grant to an existing Approval.
func (s *Store) GrantApproval(ctx context.Context, requestor string, typ approval.Type, subjectID, approvalID string, grant approval.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := akey(requestor, typ, subjectID, approvalID)
	a, ok := s.approvals[k]
	if !ok {
		return storeerr.UnknownApproval(approvalID)
	}
	a.Grants = append(a.Grants, grant)
	s.approvals[k] = a
	return nil
}
