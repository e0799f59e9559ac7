package parser

import (
	"regexp"
	"strings"

	"github.com/p-blackswan/specboard/internal/models"
)

var fileRefRe = regexp.MustCompile("`([^`\\s]+\\.[A-Za-z0-9]{1,8})`|\\b((?:[\\w.-]+/)+[\\w.-]+\\.[A-Za-z0-9]{1,8})\\b")

// buildBug derives a bug record. Each stage record is populated only when its
// document has real content; status is the most advanced such stage.
func buildBug(name string, docs docSet) *models.Bug {
	bug := &models.Bug{
		Name:        name,
		DisplayName: displayName(name, docs, BugDocuments),
		Status:      models.BugReported,
	}

	if doc, ok := docs.get("report.md"); ok && HasRealContent(doc.body, StageReport) {
		bug.Report = parseReport(doc.body)
	}
	if doc, ok := docs.get("analysis.md"); ok && HasRealContent(doc.body, StageAnalysis) {
		bug.Analysis = parseAnalysis(doc.body)
	}
	if doc, ok := docs.get("fix.md"); ok && HasRealContent(doc.body, StageFix) {
		bug.Fix = parseFix(doc.body)
	}
	if doc, ok := docs.get("verification.md"); ok && HasRealContent(doc.body, StageVerification) {
		bug.Verification = parseVerification(doc.body)
	}

	switch {
	case bug.Verification != nil && bug.Verification.Verified:
		bug.Status = models.BugResolved
	case bug.Verification != nil:
		bug.Status = models.BugVerifying
	case bug.Fix != nil:
		bug.Status = models.BugFixed
	case bug.Analysis != nil && bug.Analysis.Approved:
		bug.Status = models.BugFixing
	case bug.Analysis != nil:
		bug.Status = models.BugAnalyzing
	}
	return bug
}

func parseReport(body string) *models.BugReport {
	sections := splitSections(body)
	report := &models.BugReport{
		Summary:          firstContent(sections, StageReport, "summary", "description", "bug summary"),
		Severity:         labelValue(body, "severity", "priority"),
		ExpectedBehavior: firstContent(sections, StageReport, "expected"),
		ActualBehavior:   firstContent(sections, StageReport, "actual", "current behavior"),
	}
	if s, ok := findSection(sections, "reproduc", "steps to"); ok {
		report.ReproductionSteps = contentLines(s.lines, StageReport)
	}
	if report.Severity == "" {
		if s, ok := findSection(sections, "severity", "impact"); ok {
			if lines := contentLines(s.lines, StageReport); len(lines) > 0 {
				report.Severity = lines[0]
			}
		}
	}
	return report
}

func parseAnalysis(body string) *models.BugAnalysis {
	return &models.BugAnalysis{
		RootCause: firstContent(splitSections(body), StageAnalysis, "root cause", "cause"),
		Approved:  IsApproved(body),
	}
}

func parseFix(body string) *models.BugFix {
	sections := splitSections(body)
	fix := &models.BugFix{
		Summary: firstContent(sections, StageFix, "summary", "changes made", "fix", "solution"),
	}

	scope := body
	if s, ok := findSection(sections, "files modified", "files changed", "modified files", "changed files"); ok {
		scope = strings.Join(s.lines, "\n")
	}
	seen := make(map[string]bool)
	for _, m := range fileRefRe.FindAllStringSubmatch(scope, -1) {
		path := m[1] + m[2]
		if path == "" || seen[path] || strings.Contains(path, "://") {
			continue
		}
		seen[path] = true
		fix.FilesModified = append(fix.FilesModified, path)
	}
	return fix
}

// parseVerification treats the bug as verified when an explicit marker is
// present or every checkbox in the document is checked.
func parseVerification(body string) *models.Verification {
	checked, total := countCheckboxes(body)
	return &models.Verification{
		Verified:     hasVerificationMarker(body) || (total > 0 && checked == total),
		CheckedItems: checked,
		TotalItems:   total,
	}
}

// firstContent returns the first content line among sections whose title
// matches any key, in document order.
func firstContent(sections []section, stage Stage, keys ...string) string {
	for len(sections) > 0 {
		s, ok := findSection(sections, keys...)
		if !ok {
			return ""
		}
		if lines := contentLines(s.lines, stage); len(lines) > 0 {
			return lines[0]
		}
		sections = sectionsAfter(sections, s)
	}
	return ""
}

func sectionsAfter(sections []section, s section) []section {
	for i := range sections {
		if sections[i].title == s.title && sections[i].level == s.level {
			return sections[i+1:]
		}
	}
	return nil
}
