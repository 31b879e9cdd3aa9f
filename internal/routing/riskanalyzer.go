package routing

import (
	"regexp"
	"strings"
)

// riskSignal is one pattern in a risk family. Families are evaluated in
// order from the highest level to the lowest; the first family with any
// matching signal sets the level and RiskAnalyze returns at once, so a
// lower-priority family is never evaluated after a higher level matched.
type riskSignal struct {
	pattern *regexp.Regexp
	label   string
}

func wordSignal(word string) riskSignal {
	return riskSignal{
		pattern: regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(word) + `\b`),
		label:   word,
	}
}

var ssnPattern = riskSignal{
	pattern: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	label:   "ssn-shaped pattern",
}

var regulatedSignals = append([]riskSignal{ssnPattern},
	wordSignal("HIPAA"), wordSignal("PHI"), wordSignal("PII"),
	wordSignal("GDPR"), wordSignal("SOX"), wordSignal("PCI-DSS"),
	wordSignal("medical record"), wordSignal("diagnosis"),
)

var highSignals = []riskSignal{
	wordSignal("NDA"),
	{pattern: regexp.MustCompile(`(?i)indemnif\w*`), label: "indemnif*"},
	wordSignal("board of directors"),
	wordSignal("acquisition valuation"),
	wordSignal("M&A"),
	wordSignal("term sheet"),
	wordSignal("credentials"),
}

var mediumSignals = []riskSignal{
	wordSignal("forecast"),
	wordSignal("internal pricing"),
	wordSignal("customer list"),
	wordSignal("churn rate"),
}

// RiskAnalyze is pure and side-effect free. It runs before the Classifier;
// its output is authoritative and must never be softened by a later stage.
func RiskAnalyze(messages []string, _ PreAnalysis) RiskAssessment {
	joined := strings.Join(messages, "\n")

	if sig, ok := firstMatch(joined, regulatedSignals); ok {
		return RiskAssessment{
			Level:                     RiskRegulated,
			Rationale:                 quoteSignal(joined, sig),
			TriggeredSignals:          []string{sig.label},
			AuditRequired:             true,
			DirectCommercialForbidden: true,
		}
	}
	if sig, ok := firstMatch(joined, highSignals); ok {
		return RiskAssessment{
			Level:                     RiskHigh,
			Rationale:                 quoteSignal(joined, sig),
			TriggeredSignals:          []string{sig.label},
			DirectCommercialForbidden: true,
		}
	}
	if sig, ok := firstMatch(joined, mediumSignals); ok {
		return RiskAssessment{
			Level:            RiskMedium,
			Rationale:        quoteSignal(joined, sig),
			TriggeredSignals: []string{sig.label},
		}
	}
	return RiskAssessment{Level: RiskLow, Rationale: "no elevated-risk signal matched"}
}

func firstMatch(text string, signals []riskSignal) (riskSignal, bool) {
	for _, sig := range signals {
		if sig.pattern.MatchString(text) {
			return sig, true
		}
	}
	return riskSignal{}, false
}

// quoteSignal quotes at most one matched signal, truncated, for
// explainability without leaking the full message content into logs.
func quoteSignal(text string, sig riskSignal) string {
	loc := sig.pattern.FindStringIndex(text)
	if loc == nil {
		return "matched: " + sig.label
	}
	start, end := loc[0], loc[1]
	const context = 20
	qStart := start - context
	if qStart < 0 {
		qStart = 0
	}
	qEnd := end + context
	if qEnd > len(text) {
		qEnd = len(text)
	}
	quote := text[qStart:qEnd]
	quote = strings.ReplaceAll(quote, "\n", " ")
	return "matched \"" + sig.label + "\" near: ..." + quote + "..."
}
