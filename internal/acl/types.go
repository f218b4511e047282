package acl

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Permission is one capability string a role may hold.
type Permission string

const (
	// PermExecute gates any execution of custom functions.
	PermExecute Permission = "execute_custom_functions"
	// PermAdmin gates admin-only function namespaces.
	PermAdmin Permission = "admin_functions"
	// PermCrossUser gates loading functions from another user's namespace.
	PermCrossUser Permission = "cross_user_access"
)

// RoleSuspended is the distinguished role that fails every authorization
// check unconditionally, whatever permissions it claims to carry.
const RoleSuspended = "suspended"

// Role is a named permission set with per-role resource ceilings.
type Role struct {
	Name         string        `json:"name" yaml:"name"`
	Permissions  []Permission  `json:"permissions" yaml:"permissions"`
	MaxMemoryMB  int64         `json:"max_memory_mb" yaml:"max_memory_mb"`
	MaxTimeout   time.Duration `json:"max_timeout" yaml:"max_timeout"`
	MaxFunctions int           `json:"max_functions" yaml:"max_functions"`
	Suspended    bool          `json:"suspended" yaml:"suspended"`
}

// Has reports whether the role carries p. A suspended role has no
// effective permissions.
func (r Role) Has(p Permission) bool {
	if r.IsSuspended() {
		return false
	}
	for _, held := range r.Permissions {
		if held == p {
			return true
		}
	}
	return false
}

// IsSuspended reports whether the role denies unconditionally.
func (r Role) IsSuspended() bool {
	return r.Suspended || r.Name == RoleSuspended
}

// AuditRecord is the append-only forensic trace written on every denial.
// Records are never mutated after creation.
type AuditRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Path      string    `json:"path"`
	Decision  string    `json:"decision"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditSink receives denial records. Auditing is part of the ACL
// contract: a denial that fails to audit is a bug, so sinks must not
// silently drop records.
type AuditSink interface {
	Record(ctx context.Context, rec AuditRecord)
}

// LogSink writes audit records to the structured log. It is the fallback
// sink when no database is configured, and the guaranteed secondary trace
// when one is.
type LogSink struct{}

func (LogSink) Record(_ context.Context, rec AuditRecord) {
	log.Warn().
		Str("audit_id", rec.ID).
		Str("user_id", rec.UserID).
		Str("path", rec.Path).
		Str("decision", rec.Decision).
		Str("reason", rec.Reason).
		Time("at", rec.CreatedAt).
		Msg("acl denial")
}

// MultiSink fans a record out to every sink.
type MultiSink []AuditSink

func (m MultiSink) Record(ctx context.Context, rec AuditRecord) {
	for _, s := range m {
		s.Record(ctx, rec)
	}
}
