package parser

import (
	"regexp"
	"strings"
)

// Stage names a bug workflow document for the real-content predicate.
type Stage string

const (
	StageReport       Stage = "report"
	StageAnalysis     Stage = "analysis"
	StageFix          Stage = "fix"
	StageVerification Stage = "verification"
)

var (
	headerRe      = regexp.MustCompile(`^#{1,6}(\s|$)`)
	ruleRe        = regexp.MustCompile(`^([-*_]\s*){3,}$`)
	tableSepRe    = regexp.MustCompile(`^\|?\s*:?-{2,}:?\s*(\|\s*:?-{2,}:?\s*)*\|?$`)
	checkboxRe    = regexp.MustCompile(`^(?:[-*+]|\d+[.)])\s+\[([ xX])\]\s*(.*)$`)
	listMarkerRe  = regexp.MustCompile(`^(?:[-*+]|\d+[.)])\s+`)
	labelRe       = regexp.MustCompile(`^(?:\*\*|__)?([A-Za-z][\w /()&'-]{0,40}?)(?:\*\*|__)?\s*:\s*(?:\*\*|__)?\s*(.*)$`)
	bracketOnlyRe = regexp.MustCompile(`^\[[^\]]*\](?:\s*\[[^\]]*\])*[.:]?$`)
	approvedRe    = regexp.MustCompile(`(?i)✅\s*\**approved\b|(?im)^\s*(?:[-*]\s*)?\**status\**\s*:\s*\**\s*approved\b`)
	verifiedRe    = regexp.MustCompile(`(?i)✅\s*\**(?:verified|resolved)\b|(?im)^\s*(?:[-*]\s*)?\**(?:status|verification status|resolution)\**\s*:\s*\**\s*(?:verified|resolved|closed)\b`)
)

// placeholderPhrases are boilerplate fragments of scaffolded templates. A
// line containing one of them is never real content.
var placeholderPhrases = []string{
	"to be completed",
	"to be filled",
	"to be determined",
	"to be added",
	"to be documented",
	"will be completed",
	"will be filled",
	"will be documented",
	"fill in",
	"fill this in",
	"describe here",
	"add details here",
	"placeholder",
}

// placeholderWords are whole-line values that carry no information.
var placeholderWords = map[string]bool{
	"tbd": true, "todo": true, "tba": true, "pending": true, "n/a": true, "na": true,
	"none": true, "none yet": true, "...": true, "…": true, "-": true, "?": true,
}

// HasRealContent reports whether doc holds at least one line that is not
// template scaffolding. Exceptions, applied in order:
//
//   - blank lines, headers, horizontal rules and table separators
//   - HTML comments, including multi-line blocks
//   - bracket-wrapped placeholders such as "[Describe the bug]"
//   - known "to be completed" phrases and bare filler words (TBD, N/A, ...)
//   - label lines whose value is empty or a placeholder ("**Severity**: [High/Low]")
//   - for the verification stage only: unchecked checkboxes
//
// Lines inside code fences skip the markdown rules but not the placeholder ones.
//
// A checked checkbox always counts as content.
func HasRealContent(doc string, stage Stage) bool {
	inComment := false
	inFence := false
	for _, raw := range strings.Split(doc, "\n") {
		line := strings.TrimSpace(raw)

		if isFence(line) {
			inFence = !inFence
			continue
		}
		if inFence {
			// Code is taken verbatim but placeholders still don't count.
			if isContentText(line) {
				return true
			}
			continue
		}

		line, inComment = stripComments(line, inComment)
		if isContentLine(line, stage) {
			return true
		}
	}
	return false
}

func isFence(line string) bool {
	return strings.HasPrefix(line, "```") || strings.HasPrefix(line, "~~~")
}

// stripComments removes HTML comment spans, tracking comments that cross lines.
func stripComments(line string, inComment bool) (string, bool) {
	var out strings.Builder
	for line != "" {
		if inComment {
			end := strings.Index(line, "-->")
			if end < 0 {
				return strings.TrimSpace(out.String()), true
			}
			line = line[end+3:]
			inComment = false
			continue
		}
		start := strings.Index(line, "<!--")
		if start < 0 {
			out.WriteString(line)
			break
		}
		out.WriteString(line[:start])
		line = line[start+4:]
		inComment = true
	}
	return strings.TrimSpace(out.String()), inComment
}

func isContentLine(line string, stage Stage) bool {
	if line == "" || headerRe.MatchString(line) || ruleRe.MatchString(line) || tableSepRe.MatchString(line) {
		return false
	}

	if m := checkboxRe.FindStringSubmatch(line); m != nil {
		if m[1] != " " {
			return true
		}
		if stage == StageVerification {
			return false
		}
		return isContentText(m[2])
	}

	line = listMarkerRe.ReplaceAllString(line, "")
	return isContentText(line)
}

func isContentText(text string) bool {
	text = strings.TrimSpace(text)
	if m := labelRe.FindStringSubmatch(text); m != nil {
		text = m[2]
	}
	text = trimEmphasis(text)
	if text == "" {
		return false
	}
	if bracketOnlyRe.MatchString(text) {
		return false
	}
	lower := strings.ToLower(text)
	bare := strings.TrimRight(lower, ".")
	if bare == "" || placeholderWords[lower] || placeholderWords[bare] {
		return false
	}
	for _, phrase := range placeholderPhrases {
		if strings.Contains(lower, phrase) {
			return false
		}
	}
	return true
}

func trimEmphasis(s string) string {
	s = strings.TrimSpace(s)
	for _, w := range []string{"**", "__", "*", "_", "`"} {
		if len(s) > 2*len(w) && strings.HasPrefix(s, w) && strings.HasSuffix(s, w) {
			s = strings.TrimSpace(s[len(w) : len(s)-len(w)])
		}
	}
	return s
}

// IsApproved reports whether doc carries an approval marker.
func IsApproved(doc string) bool {
	return approvedRe.MatchString(doc)
}

// hasVerificationMarker reports an explicit resolved/verified marker.
func hasVerificationMarker(doc string) bool {
	return verifiedRe.MatchString(doc)
}

// countCheckboxes returns checked and total checkbox lines.
func countCheckboxes(doc string) (checked, total int) {
	for _, raw := range strings.Split(doc, "\n") {
		m := checkboxRe.FindStringSubmatch(strings.TrimSpace(raw))
		if m == nil {
			continue
		}
		total++
		if m[1] != " " {
			checked++
		}
	}
	return checked, total
}

// section is the body of one heading.
type section struct {
	level int
	title string
	lines []string
}

// splitSections cuts doc at every heading. Text before the first heading is
// returned as a section with level 0 and an empty title.
func splitSections(doc string) []section {
	sections := []section{{}}
	for _, raw := range strings.Split(doc, "\n") {
		trimmed := strings.TrimSpace(raw)
		if headerRe.MatchString(trimmed) {
			level := len(trimmed) - len(strings.TrimLeft(trimmed, "#"))
			title := strings.TrimSpace(strings.Trim(strings.TrimSpace(trimmed[level:]), "#"))
			sections = append(sections, section{level: level, title: title})
			continue
		}
		last := &sections[len(sections)-1]
		last.lines = append(last.lines, raw)
	}
	return sections
}

// findSection returns the first section whose lowercased title contains any key.
func findSection(sections []section, keys ...string) (section, bool) {
	for _, s := range sections {
		lower := strings.ToLower(s.title)
		for _, k := range keys {
			if strings.Contains(lower, k) {
				return s, true
			}
		}
	}
	return section{}, false
}

// contentLines returns the cleaned lines of s that pass the content predicate.
func contentLines(lines []string, stage Stage) []string {
	var out []string
	inComment := false
	for _, raw := range lines {
		line, c := stripComments(strings.TrimSpace(raw), inComment)
		inComment = c
		if isFence(line) || !isContentLine(line, stage) {
			continue
		}
		out = append(out, cleanLine(line))
	}
	return out
}

// cleanLine strips list and checkbox markers.
func cleanLine(line string) string {
	if m := checkboxRe.FindStringSubmatch(line); m != nil {
		return strings.TrimSpace(m[2])
	}
	return strings.TrimSpace(listMarkerRe.ReplaceAllString(line, ""))
}

// labelValue finds "Label: value" (optionally bolded) for any of labels and
// returns the value when it is real content.
func labelValue(doc string, labels ...string) string {
	for _, raw := range strings.Split(doc, "\n") {
		line := strings.TrimSpace(listMarkerRe.ReplaceAllString(strings.TrimSpace(raw), ""))
		m := labelRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(m[1]))
		for _, l := range labels {
			if key == l && isContentText(m[2]) {
				return trimEmphasis(m[2])
			}
		}
	}
	return ""
}
