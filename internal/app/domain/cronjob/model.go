// Package cronjob holds the minimal addressable subject the Approval
// subsystem needs for ApprovalType CRON_JOB. A full cron scheduler is out of
// core scope (see SPEC_FULL.md §3); this is only an approval subject.
package cronjob

import "time"

// Descriptor identifies a cron job subject for approval purposes.
type Descriptor struct {
	ID      string    `json:"id"`
	Enabled bool      `json:"enabled"`
	LastRun time.Time `json:"last_run,omitempty"`
}
