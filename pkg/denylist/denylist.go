// Package denylist provides the textual fast-reject filter applied to user
// function source before compilation. Matching is deliberately strict: a
// match anywhere in the source disqualifies it, including inside string
// literals and comments. This filter is necessary but not sufficient; it is
// always paired with the restricted compiler for defense in depth.
package denylist

import (
	"regexp"
	"strings"
)

// Severity levels for matched patterns.
type Severity int

const (
	SeverityMedium Severity = iota
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Pattern is one prohibited construct.
type Pattern struct {
	Name        string
	Description string
	Substring   string         // exact substring, when Regex is nil
	Regex       *regexp.Regexp // takes precedence over Substring
	Severity    Severity
}

// Match records a pattern hit with its source line.
type Match struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

// List is an ordered set of patterns scanned as a unit.
type List struct {
	patterns []Pattern
}

// New builds a list from the given patterns.
func New(patterns []Pattern) *List {
	return &List{patterns: patterns}
}

// Default returns the canonical deny-list for user trading functions.
func Default() *List {
	return New(defaultPatterns())
}

// Scan returns every pattern hit in source, in line order.
func (l *List) Scan(source string) []Match {
	var matches []Match
	lines := strings.Split(source, "\n")
	for i, line := range lines {
		for _, p := range l.patterns {
			hit := false
			if p.Regex != nil {
				hit = p.Regex.MatchString(line)
			} else if p.Substring != "" {
				hit = strings.Contains(line, p.Substring)
			}
			if hit {
				matches = append(matches, Match{
					Pattern:  p.Name,
					Severity: p.Severity.String(),
					Detail:   p.Description,
					Line:     i + 1,
				})
			}
		}
	}
	return matches
}

func defaultPatterns() []Pattern {
	return []Pattern{
		{Name: "import_os", Description: "importing the os module", Substring: "import os", Severity: SeverityCritical},
		{Name: "import_sys", Description: "importing the sys module", Substring: "import sys", Severity: SeverityCritical},
		{Name: "import_subprocess", Description: "importing the subprocess module", Substring: "import subprocess", Severity: SeverityCritical},
		{Name: "import_network", Description: "importing a network module", Regex: regexp.MustCompile(`import\s+(socket|urllib|requests|http|ftplib|telnetlib|smtplib)\b`), Severity: SeverityCritical},
		{Name: "file_open", Description: "opening a file", Substring: "open(", Severity: SeverityHigh},
		{Name: "dynamic_exec", Description: "dynamic code execution", Substring: "exec(", Severity: SeverityCritical},
		{Name: "dynamic_eval", Description: "dynamic expression evaluation", Substring: "eval(", Severity: SeverityCritical},
		{Name: "dunder_import", Description: "reflective import", Substring: "__import__", Severity: SeverityCritical},
		{Name: "globals_access", Description: "global namespace introspection", Substring: "globals()", Severity: SeverityHigh},
		{Name: "locals_access", Description: "local namespace introspection", Substring: "locals()", Severity: SeverityHigh},
		{Name: "vars_access", Description: "namespace introspection via vars", Substring: "vars()", Severity: SeverityHigh},
		{Name: "compile_call", Description: "compiling code at runtime", Substring: "compile(", Severity: SeverityCritical},
		{Name: "dunder_reflection", Description: "reflective dunder attribute access", Regex: regexp.MustCompile(`__[A-Za-z_]+__`), Severity: SeverityHigh},
		{Name: "getattr_call", Description: "reflective attribute access", Regex: regexp.MustCompile(`\b(getattr|setattr|delattr|hasattr)\s*\(`), Severity: SeverityHigh},
		{Name: "env_access", Description: "environment variable access", Regex: regexp.MustCompile(`\b(environ|getenv)\b`), Severity: SeverityHigh},
		{Name: "process_spawn", Description: "spawning a process", Regex: regexp.MustCompile(`\b(system|popen|spawn|fork)\s*\(`), Severity: SeverityCritical},
	}
}
