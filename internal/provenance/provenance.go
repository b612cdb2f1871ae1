// Package provenance classifies the trust level of incoming requests
// from a declared tag prefix plus an adversarial-pattern scan. It never
// returns an error: anything malformed fails closed to Untrusted.
package provenance

import (
	"log/slog"
	"strings"

	"github.com/ashita-ai/monban/internal/model"
	"github.com/ashita-ai/monban/internal/scan"
)

// ContentScanner is the collaborator that flags adversarial input.
// Redact masks matched spans so flagged input can appear in logs and
// audit payloads. The built-in implementation is internal/scan.
type ContentScanner interface {
	Scan(text string) (scan.Match, bool)
	Redact(text string) string
}

// Recognized tag prefixes. The set is closed: anything else is the
// distinct "none" variant, not an error path.
var tagLevels = []struct {
	prefix string
	level  model.TrustLevel
}{
	{"trusted:", model.TrustTrusted},
	{"attested:", model.TrustAttested},
	{"verified:", model.TrustVerified},
}

// Classification is the classifier's verdict for one request.
// RedactedInput is set only on a scanner match and carries the raw
// input with matched spans masked; the unredacted input never leaves
// the classifier through this struct.
type Classification struct {
	Level         model.TrustLevel `json:"level"`
	DeclaredTag   string           `json:"declared_tag"`
	Downgraded    bool             `json:"downgraded"`
	Detail        string           `json:"detail,omitempty"`
	PatternID     string           `json:"pattern_id,omitempty"`
	RedactedInput string           `json:"redacted_input,omitempty"`
}

// Classifier assigns trust levels. Stateless; safe for concurrent use.
type Classifier struct {
	scanner ContentScanner
	logger  *slog.Logger
}

// New returns a classifier using the given scanner.
func New(scanner ContentScanner, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{scanner: scanner, logger: logger}
}

// Classify computes the trust level for a request. The declared tag is
// parsed from a strict prefix of the raw input; a scanner match forces
// Untrusted regardless of the declared tag and records why.
func (c *Classifier) Classify(req model.Request) Classification {
	raw := req.RawInput
	if strings.TrimSpace(raw) == "" {
		return Classification{
			Level:       model.TrustUntrusted,
			DeclaredTag: "none",
			Detail:      "empty input",
		}
	}

	declared := model.TrustUntrusted
	declaredTag := "none"
	for _, t := range tagLevels {
		if strings.HasPrefix(raw, t.prefix) {
			declared = t.level
			declaredTag = strings.TrimSuffix(t.prefix, ":")
			break
		}
	}

	if m, matched := c.scanner.Scan(raw); matched {
		redacted := c.scanner.Redact(raw)
		c.logger.Warn("provenance: adversarial pattern in request input",
			"request_id", req.ID,
			"pattern_id", m.PatternID,
			"severity", m.Severity,
			"declared_tag", declaredTag,
			"redacted_input", redacted,
		)
		return Classification{
			Level:         model.TrustUntrusted,
			DeclaredTag:   declaredTag,
			Downgraded:    declared > model.TrustUntrusted,
			Detail:        "adversarial pattern matched: " + m.PatternID,
			PatternID:     m.PatternID,
			RedactedInput: redacted,
		}
	}

	if declared == model.TrustUntrusted {
		return Classification{
			Level:       model.TrustUntrusted,
			DeclaredTag: "none",
			Detail:      "no recognized trust tag",
		}
	}
	return Classification{
		Level:       declared,
		DeclaredTag: declaredTag,
	}
}
