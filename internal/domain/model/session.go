package model

import "time"

// Session represents a persistent conversation session. A session
// accumulates messages across jobs and carries the continuation id
// that links consecutive engine invocations.
type Session struct {
	ID             string    `json:"id"                        db:"id"`
	ProjectContext string    `json:"project_context"           db:"project_context"`
	ContinuationID *string   `json:"continuation_id,omitempty" db:"continuation_id"`
	IsWorking      bool      `json:"is_working"                db:"is_working"`
	CurrentJobID   *string   `json:"current_job_id,omitempty"  db:"current_job_id"`
	LastJobStatus  *string   `json:"last_job_status,omitempty" db:"last_job_status"`
	CreatedAt      time.Time `json:"created_at"                db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"                db:"updated_at"`
}

// SessionState is the job-visible slice of a session returned alongside
// message pages so clients can converge on the working flag.
type SessionState struct {
	ID            string  `json:"id"`
	IsWorking     bool    `json:"is_working"`
	CurrentJobID  *string `json:"current_job_id,omitempty"`
	LastJobStatus *string `json:"last_job_status,omitempty"`
}

// State projects the sync-relevant fields of a session.
func (s *Session) State() SessionState {
	return SessionState{
		ID:            s.ID,
		IsWorking:     s.IsWorking,
		CurrentJobID:  s.CurrentJobID,
		LastJobStatus: s.LastJobStatus,
	}
}
