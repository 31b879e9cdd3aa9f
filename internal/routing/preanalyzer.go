package routing

import (
	"bufio"
	"strings"
	"unicode"
)

// keywordTags is the closed vocabulary PreAnalyze matches against
// concatenated user-message content. Matching is case-insensitive and
// whole-word (a substring inside a larger identifier does not count).
var keywordTags = []string{
	"debug", "review", "architecture", "test", "design", "tradeoff",
	"error", "algorithm", "math",
}

// maxPreAnalyzeBytes bounds PreAnalyze's input so the ≤5ms latency budget
// (§4.1) holds even for pathological inputs; content beyond this is still
// scanned for code fences but keyword matching stops at the boundary.
const maxPreAnalyzeBytes = 64 * 1024

// PreAnalyzeMessages extracts deterministic features from a request's
// flattened role/content pairs. It never fails: malformed input degrades
// the feature set and appends to ParseWarnings instead of returning an
// error. Taking roles/contents rather than router.Request keeps this
// package decoupled from the wire-format type.
func PreAnalyzeMessages(roles []string, contents []string) PreAnalysis {
	pa := PreAnalysis{}
	if len(roles) != len(contents) {
		pa.ParseWarnings = append(pa.ParseWarnings, "roles/contents length mismatch")
		n := len(roles)
		if len(contents) < n {
			n = len(contents)
		}
		roles = roles[:n]
		contents = contents[:n]
	}

	var userBuilder strings.Builder
	turns := 0
	for i, role := range roles {
		content := contents[i]
		switch role {
		case "user":
			turns++
			userBuilder.WriteString(content)
			userBuilder.WriteByte('\n')
		case "assistant":
			turns++
		case "system", "tool":
			// not counted as a conversational turn
		default:
			pa.ParseWarnings = append(pa.ParseWarnings, "unrecognized role: "+role)
		}
	}
	pa.ConversationTurns = turns

	full := userBuilder.String()
	scan := full
	if len(scan) > maxPreAnalyzeBytes {
		scan = scan[:maxPreAnalyzeBytes]
	}

	pa.EstimatedInputTokens = estimateTokens(full)
	pa.CodeBlockLangs = extractCodeBlockLangs(full)
	pa.KeywordTags = matchKeywords(scan)
	return pa
}

// estimateTokens approximates a BPE token count at roughly 4 characters
// per token, within the spec's ±10% tolerance for typical English and code
// text. This is deliberately not a real tokenizer — exactness is not
// required and a real BPE table would add a large, unjustified dependency
// for an estimate only ever used as a soft capability signal.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}

// extractCodeBlockLangs scans for fenced code blocks (```lang) and returns
// the declared language hints, lower-cased, in order of appearance.
func extractCodeBlockLangs(s string) []string {
	var langs []string
	scanner := bufio.NewScanner(strings.NewReader(s))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	inFence := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "```") {
			if !inFence {
				lang := strings.ToLower(strings.TrimPrefix(line, "```"))
				lang = strings.TrimSpace(lang)
				if lang != "" {
					langs = append(langs, lang)
				} else {
					langs = append(langs, "unknown")
				}
			}
			inFence = !inFence
		}
	}
	return langs
}

// matchKeywords performs whole-word, case-insensitive matching against the
// closed keyword vocabulary.
func matchKeywords(s string) []string {
	lower := strings.ToLower(s)
	words := splitWords(lower)
	seen := make(map[string]bool, len(keywordTags))
	var tags []string
	for _, kw := range keywordTags {
		if words[kw] && !seen[kw] {
			seen[kw] = true
			tags = append(tags, kw)
		}
	}
	return tags
}

// splitWords tokenizes on non-letter/digit runes and returns a set for O(1)
// whole-word lookup.
func splitWords(s string) map[string]bool {
	set := make(map[string]bool)
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			set[b.String()] = true
			b.Reset()
		}
	}
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return set
}
