package acl

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"signal-sandbox/internal/monitor"
	"signal-sandbox/internal/sandbox"
)

// Checker is the access control layer. Each request walks role
// resolution, then permission checks, then resource checks; the terminal
// states are granted and denied, and every denied outcome writes an
// AuditRecord before the error propagates. Authorize calls are
// independent; there is no shared mutable state beyond the injected role
// store.
type Checker struct {
	roles           RoleStore
	audit           AuditSink
	metrics         *monitor.Metrics
	adminNamespaces map[string]bool
	shares          map[string]map[string]bool // path -> role names granted shared access
}

// CheckerDeps carries the collaborators a Checker is built from.
type CheckerDeps struct {
	Roles           RoleStore
	Audit           AuditSink
	Metrics         *monitor.Metrics
	AdminNamespaces []string
	// Shares maps a shared function path to the role names allowed to
	// load it cross-user (e.g. premium-only shared indicators).
	Shares map[string][]string
}

// NewChecker wires a checker from its dependencies.
func NewChecker(deps CheckerDeps) *Checker {
	if deps.Audit == nil {
		deps.Audit = LogSink{}
	}
	admin := make(map[string]bool, len(deps.AdminNamespaces))
	for _, ns := range deps.AdminNamespaces {
		admin[ns] = true
	}
	shares := make(map[string]map[string]bool, len(deps.Shares))
	for path, roleNames := range deps.Shares {
		set := make(map[string]bool, len(roleNames))
		for _, r := range roleNames {
			set[r] = true
		}
		shares[path] = set
	}
	return &Checker{
		roles:           deps.Roles,
		audit:           deps.Audit,
		metrics:         deps.Metrics,
		adminNamespaces: admin,
		shares:          shares,
	}
}

// Authorize walks the check sequence for one (user, function) request.
// It returns nil only from the granted terminal state.
func (c *Checker) Authorize(ctx context.Context, userID string, fc sandbox.FunctionConfig) error {
	// Role resolution.
	role, err := c.roles.Resolve(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUnknownUser) {
			return c.deny(ctx, userID, fc.FilePath, "not_authorized", "user not authorized")
		}
		// Role source failure is fail-closed, not fail-open.
		log.Error().Err(err).Str("user_id", userID).Msg("role resolution failed")
		return c.deny(ctx, userID, fc.FilePath, "role_unavailable", "role could not be resolved")
	}
	if role.IsSuspended() {
		return c.deny(ctx, userID, fc.FilePath, "suspended", "user suspended")
	}

	// Permission check.
	if !role.Has(PermExecute) {
		return c.deny(ctx, userID, fc.FilePath, "missing_permission",
			"missing capability "+string(PermExecute))
	}
	owner := sandbox.Owner(fc.FilePath)
	if c.adminNamespaces[owner] && !role.Has(PermAdmin) {
		return c.deny(ctx, userID, fc.FilePath, "missing_permission",
			"missing capability "+string(PermAdmin))
	}
	if owner != "" && owner != userID && !c.adminNamespaces[owner] {
		if !role.Has(PermCrossUser) {
			return c.deny(ctx, userID, fc.FilePath, "cross_user", "access denied")
		}
		allowedRoles, shared := c.shares[fc.FilePath]
		if !shared {
			return c.deny(ctx, userID, fc.FilePath, "cross_user", "cross-user access denied")
		}
		if !allowedRoles[role.Name] {
			return c.deny(ctx, userID, fc.FilePath, "cross_user", "shared function access denied")
		}
	}

	// Resource check.
	if role.MaxMemoryMB > 0 && fc.MemoryLimitMB > role.MaxMemoryMB {
		return c.deny(ctx, userID, fc.FilePath, "resource",
			"memory limit too high for user "+userID)
	}
	if role.MaxTimeout > 0 && fc.Timeout > role.MaxTimeout {
		return c.deny(ctx, userID, fc.FilePath, "resource",
			"timeout too high for user "+userID)
	}

	log.Debug().
		Str("user_id", userID).
		Str("path", fc.FilePath).
		Str("role", role.Name).
		Msg("authorization granted")
	return nil
}

// CheckFunctionCount enforces the role's batch-size ceiling before a
// tick's functions are fanned out.
func (c *Checker) CheckFunctionCount(ctx context.Context, userID string, n int) error {
	role, err := c.roles.Resolve(ctx, userID)
	if err != nil {
		return c.deny(ctx, userID, "", "not_authorized", "user not authorized")
	}
	if role.IsSuspended() {
		return c.deny(ctx, userID, "", "suspended", "user suspended")
	}
	if role.MaxFunctions > 0 && n > role.MaxFunctions {
		return c.deny(ctx, userID, "", "resource", "too many functions for user "+userID)
	}
	return nil
}

// deny writes the audit record, bumps metrics, and returns the terminal
// SecurityError. The record is written before the error propagates.
func (c *Checker) deny(ctx context.Context, userID, path, reasonClass, reason string) error {
	c.audit.Record(ctx, AuditRecord{
		ID:        uuid.New().String(),
		UserID:    userID,
		Path:      path,
		Decision:  "denied",
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
	})
	if c.metrics != nil {
		c.metrics.RecordDenial(reasonClass)
	}
	return sandbox.NewSecurityError("%s", reason)
}
