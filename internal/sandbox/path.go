package sandbox

import (
	"path"
	"path/filepath"
	"strings"
)

// IsSafePath reports whether p is acceptable as a storage-root-relative
// location: non-empty, relative, and free of traversal segments. The raw
// path is scanned as received; traversal is rejected, never cleaned away.
// Rejection here happens before any filesystem access.
func IsSafePath(p string) bool {
	if p == "" {
		return false
	}
	if strings.ContainsRune(p, '\x00') {
		return false
	}
	// Reject both POSIX and Windows-style absolute paths on the wire.
	if path.IsAbs(p) || filepath.IsAbs(p) || strings.HasPrefix(p, `\`) {
		return false
	}
	if len(p) >= 2 && p[1] == ':' {
		return false
	}
	for _, seg := range strings.Split(strings.ReplaceAll(p, `\`, "/"), "/") {
		if seg == ".." {
			return false
		}
	}
	return true
}

// ValidateFunctionConfig enforces the invariants a config must satisfy
// before the loader may touch the filesystem. The first violation aborts;
// there is no partial validation.
func ValidateFunctionConfig(fc FunctionConfig, limits Limits) error {
	if !IsSafePath(fc.FilePath) {
		return NewSecurityError("unsafe function path: %q", fc.FilePath)
	}
	if !functionNamePattern.MatchString(fc.FunctionName) {
		return NewSecurityError("invalid function name: %q", fc.FunctionName)
	}
	if fc.Timeout <= 0 {
		return NewSecurityError("timeout must be positive")
	}
	if fc.Timeout > limits.MaxTimeout {
		return NewSecurityError("timeout %s exceeds server maximum %s", fc.Timeout, limits.MaxTimeout)
	}
	if fc.MemoryLimitMB <= 0 {
		return NewSecurityError("memory limit must be positive")
	}
	if fc.MemoryLimitMB > limits.MaxMemoryMB {
		return NewSecurityError("memory limit %dMB exceeds server maximum %dMB", fc.MemoryLimitMB, limits.MaxMemoryMB)
	}
	return nil
}

// Owner returns the namespace (first path segment) a storage-relative
// path belongs to, or "" when the path has no namespace prefix.
func Owner(p string) string {
	clean := path.Clean(strings.ReplaceAll(p, `\`, "/"))
	if i := strings.IndexByte(clean, '/'); i > 0 {
		return clean[:i]
	}
	return ""
}
