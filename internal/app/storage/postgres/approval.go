package postgres

import (
	"context"
	"encoding/json"

	"github.com/okapi-sec/okapi/internal/app/domain/approval"
	"github.com/okapi-sec/okapi/internal/app/storage/storeerr"
)

// WriteApprovalRequest creates a new Approval record.
func (s *Store) WriteApprovalRequest(ctx context.Context, a approval.Approval) error {
	data, err := json.Marshal(a)
	if err != nil {
		return storeerr.Serialization("approval", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approvals (requestor_username, type, subject_id, id, data)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (requestor_username, type, subject_id, id) DO UPDATE SET data = EXCLUDED.data
	`, a.RequestorUsername, string(a.Type), a.SubjectID, a.ID, data)
	if err != nil {
		return storeerr.Transient("approval", err)
	}
	return nil
}

// ReadApprovalRequests returns all Approvals for (requestor, type, subject).
// includeExpired is accepted for interface parity with the memory backend;
// expiration filtering needs "now" and is left to the caller, same as
// there.
func (s *Store) ReadApprovalRequests(ctx context.Context, requestor string, typ approval.Type, subjectID string, includeExpired bool) ([]approval.Approval, error) {
	_ = includeExpired
	var blobs [][]byte
	if err := s.db.SelectContext(ctx, &blobs, `
		SELECT data FROM approvals WHERE requestor_username = $1 AND type = $2 AND subject_id = $3
	`, requestor, string(typ), subjectID); err != nil {
		return nil, storeerr.Transient("approval", err)
	}
	out := make([]approval.Approval, 0, len(blobs))
	for _, b := range blobs {
		var a approval.Approval
		if err := json.Unmarshal(b, &a); err != nil {
			return nil, storeerr.Serialization("approval", err)
		}
		out = append(out, a)
	}
	return out, nil
}

// GrantApproval appends a Grant to an existing Approval.
func (s *Store) GrantApproval(ctx context.Context, requestor string, typ approval.Type, subjectID, approvalID string, grant approval.Grant) error {
	var data []byte
	err := s.db.GetContext(ctx, &data, `
		SELECT data FROM approvals WHERE requestor_username = $1 AND type = $2 AND subject_id = $3 AND id = $4
	`, requestor, string(typ), subjectID, approvalID)
	if err != nil {
		return storeerr.UnknownApproval(approvalID)
	}
	var a approval.Approval
	if err := json.Unmarshal(data, &a); err != nil {
		return storeerr.Serialization("approval", err)
	}
	a.Grants = append(a.Grants, grant)
	return s.WriteApprovalRequest(ctx, a)
}
