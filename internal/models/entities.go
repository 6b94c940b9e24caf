package models

import "time"

// Job is a work order assigned to a field technician.
// LocalDraft and CachedDirections are client-side bookkeeping and are
// never transmitted or fingerprinted.
type Job struct {
	ScheduledAt      *time.Time `json:"scheduled_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	ID               string     `json:"id"`
	CustomerID       string     `json:"customer_id"`
	AssigneeID       string     `json:"assignee_id,omitempty"`
	Title            string     `json:"title"`
	Description      string     `json:"description,omitempty"`
	Status           string     `json:"status"`
	Notes            string     `json:"notes,omitempty"`
	CachedDirections string     `json:"cached_directions,omitempty"`
	LocalDraft       bool       `json:"local_draft,omitempty"`
}

// Job status values as used by the remote system.
const (
	JobStatusScheduled = "scheduled"
	JobStatusEnRoute   = "en_route"
	JobStatusOnSite    = "on_site"
	JobStatusDone      = "done"
	JobStatusCancelled = "cancelled"
)

// Customer is a service customer. LastViewedAt is client-side bookkeeping.
type Customer struct {
	LastViewedAt *time.Time `json:"last_viewed_at,omitempty"`
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Phone        string     `json:"phone,omitempty"`
	Email        string     `json:"email,omitempty"`
	Address      string     `json:"address,omitempty"`
	Notes        string     `json:"notes,omitempty"`
}

// Invoice is a billing document for a completed job.
// DraftPDFPath points at a locally rendered preview and is never synced.
type Invoice struct {
	IssuedAt     *time.Time `json:"issued_at,omitempty"`
	ID           string     `json:"id"`
	JobID        string     `json:"job_id"`
	CustomerID   string     `json:"customer_id"`
	Currency     string     `json:"currency"`
	Status       string     `json:"status"`
	DraftPDFPath string     `json:"draft_pdf_path,omitempty"`
	AmountCents  int64      `json:"amount_cents"`
}

// TeamMember is a technician or dispatcher in the service team.
type TeamMember struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Role     string `json:"role"`
	Phone    string `json:"phone,omitempty"`
	Inactive bool   `json:"inactive,omitempty"`
}
