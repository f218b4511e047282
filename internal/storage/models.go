package storage

import "time"

// ExecutionRecord is the stored trail of one user function execution.
type ExecutionRecord struct {
	ID         string    `json:"id" db:"id"`
	UserID     string    `json:"user_id" db:"user_id"`
	Function   string    `json:"function" db:"function"`
	Status     string    `json:"status" db:"status"` // success, timeout, memory, security, throttled, not_found, error
	CodeHash   string    `json:"code_hash" db:"code_hash"`
	DurationMS int64     `json:"duration_ms" db:"duration_ms"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// AuditFilter provides criteria for querying denial records.
type AuditFilter struct {
	UserID string
	Since  *time.Time
	Limit  int
}
