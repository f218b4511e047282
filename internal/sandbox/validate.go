package sandbox

import (
	"fmt"
	"regexp"

	"signal-sandbox/pkg/denylist"
)

// CodeValidator is the source-level scan run before compilation: a
// fail-closed deny-list filter plus required-symbol and length checks.
// It is a fast-reject heuristic, not a taint analysis; the restricted
// compiler provides the independent second gate.
type CodeValidator struct {
	deny           *denylist.List
	maxSourceChars int
}

// NewCodeValidator builds a validator over the given deny-list.
func NewCodeValidator(deny *denylist.List, maxSourceChars int) *CodeValidator {
	if deny == nil {
		deny = denylist.Default()
	}
	if maxSourceChars <= 0 {
		maxSourceChars = DefaultLimits().MaxSourceChars
	}
	return &CodeValidator{deny: deny, maxSourceChars: maxSourceChars}
}

// Validate raises a SecurityError on the first violation found in source.
func (v *CodeValidator) Validate(source string, fc FunctionConfig) error {
	if len(source) > v.maxSourceChars {
		return NewSecurityError("function code too long: %d chars (max %d)", len(source), v.maxSourceChars)
	}

	if matches := v.deny.Scan(source); len(matches) > 0 {
		m := matches[0]
		return NewSecurityError("prohibited code pattern detected: %s (line %d)", m.Pattern, m.Line)
	}

	if !definesFunction(source, fc.FunctionName) {
		return NewSecurityError("required function %q not found in source", fc.FunctionName)
	}

	return nil
}

// Scan exposes the raw deny-list matches, used by the upload API to report
// every violation rather than just the first.
func (v *CodeValidator) Scan(source string) []denylist.Match {
	return v.deny.Scan(source)
}

func definesFunction(source, name string) bool {
	pattern := regexp.MustCompile(fmt.Sprintf(`(?m)^\s*def\s+%s\s*\(`, regexp.QuoteMeta(name)))
	return pattern.MatchString(source)
}
