// Package scan detects adversarial patterns in raw request input. It is
// the default content-scanning collaborator behind the provenance
// classifier: any match forces the request's trust level to Untrusted.
package scan

import (
	"fmt"
	"regexp"
)

// Severity classifies how a matched pattern is treated downstream.
type Severity string

const (
	// SeverityHigh marks a standard injection pattern.
	SeverityHigh Severity = "high"
	// SeverityCritical marks a pattern that indicates an active persona
	// or instruction-override attack.
	SeverityCritical Severity = "critical"
)

// Standard injection patterns. Grouped by attack family; the groups
// mirror the corpus the detection tooling was trained against.
var injectionPatterns = []string{
	// Direct instruction overrides
	`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`,
	`(?i)disregard\s+(all\s+)?(previous|prior|above)`,
	`(?i)forget\s+(everything|all|your)\s+(you\s+)?know`,

	// System prompt attacks
	`(?i)system\s*prompt`,
	`(?i)reveal\s+(your\s+)?(system|initial)\s+(prompt|instructions?)`,
	`(?i)what\s+(are|is)\s+your\s+(system\s+)?instructions?`,

	// Override attempts
	`(?i)override\s+(safety|security|restrictions?)`,
	`(?i)bypass\s+(filters?|restrictions?|safety)`,
	`(?i)jailbreak`,
	`(?i)dan\s*mode`,
	`(?i)developer\s*mode`,

	// Code execution attempts
	`(?i)run\s+this\s+code`,
	`(?i)execute\s+(the\s+)?(following|this)`,
	`(?i)eval\s*\(`,
	`(?i)<script`,

	// Data exfiltration
	`(?i)exfiltrate`,
	`(?i)send\s+(data|information)\s+to`,
	`(?i)leak\s+(data|information|secrets?)`,

	// Authority impersonation
	`(?i)i\s*am\s+(the\s+)?(admin|administrator|root|substrate)`,
	`(?i)admin\s*mode`,
	`(?i)root\s*access`,

	// Encoding tricks
	`(?i)base64\s*decode`,
	`(?i)rot13`,
	`(?i)hex\s*decode`,

	// Markdown/formatting injection
	"```system",
	"```instruction",
	`\[SYSTEM\]`,
	`\[INST\]`,

	// Delimiter manipulation
	`<\|im_start\|>`,
	`<\|im_end\|>`,
	`###\s*instruction`,
	`###\s*system`,
}

// High-severity patterns: persona swaps and blanket overrides.
var criticalPatterns = []string{
	`(?i)ignore\s+all\s+previous`,
	`(?i)you\s+are\s+now\s+in`,
	`(?i)new\s+persona`,
	`(?i)roleplay\s+as`,
	`(?i)pretend\s+you\s+are`,
}

// Match describes the first pattern that matched a scanned text.
type Match struct {
	PatternID string
	Pattern   string
	Severity  Severity
}

// Scanner is a compiled pattern set. Safe for concurrent use.
type Scanner struct {
	critical []*regexp.Regexp
	standard []*regexp.Regexp
}

// New compiles the built-in pattern corpus. The patterns are constants,
// so compilation failure is a programming error.
func New() *Scanner {
	s := &Scanner{
		critical: make([]*regexp.Regexp, len(criticalPatterns)),
		standard: make([]*regexp.Regexp, len(injectionPatterns)),
	}
	for i, p := range criticalPatterns {
		s.critical[i] = regexp.MustCompile(p)
	}
	for i, p := range injectionPatterns {
		s.standard[i] = regexp.MustCompile(p)
	}
	return s
}

// Scan checks text against the pattern corpus. Critical patterns are
// checked first so a text matching both families reports the critical
// one. Returns the first match and true, or a zero Match and false.
func (s *Scanner) Scan(text string) (Match, bool) {
	for i, re := range s.critical {
		if re.MatchString(text) {
			return Match{
				PatternID: fmt.Sprintf("C%d", i+1),
				Pattern:   criticalPatterns[i],
				Severity:  SeverityCritical,
			}, true
		}
	}
	for i, re := range s.standard {
		if re.MatchString(text) {
			return Match{
				PatternID: fmt.Sprintf("S%d", i+1),
				Pattern:   injectionPatterns[i],
				Severity:  SeverityHigh,
			}, true
		}
	}
	return Match{}, false
}

// Redact replaces every pattern occurrence with a placeholder. Used when
// flagged input has to be echoed back into audit payloads or logs.
func (s *Scanner) Redact(text string) string {
	for _, re := range s.critical {
		text = re.ReplaceAllString(text, "[REDACTED]")
	}
	for _, re := range s.standard {
		text = re.ReplaceAllString(text, "[REDACTED]")
	}
	return text
}

// PatternCount returns the total number of compiled patterns.
func (s *Scanner) PatternCount() int {
	return len(s.critical) + len(s.standard)
}
