package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasRealContent(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		stage Stage
		want  bool
	}{
		{"empty", "", StageReport, false},
		{"headers only", "# Bug Report\n\n## Summary\n\n---\n", StageReport, false},
		{"bracket placeholder", "## Summary\n[Describe the bug]\n", StageReport, false},
		{"two brackets", "[One] [Two].", StageReport, false},
		{"html comment", "<!-- fill me -->\n", StageReport, false},
		{"multi-line comment", "<!--\nLots of guidance\nacross lines\n-->\n", StageReport, false},
		{"boilerplate phrase", "To be completed during analysis.\n", StageAnalysis, false},
		{"filler word", "TBD\n- N/A\n...\n", StageFix, false},
		{"label with placeholder", "**Severity**: [High/Medium/Low]\n- **Reporter**:\n", StageReport, false},
		{"table separator", "|---|---|\n", StageReport, false},
		{"narrative", "## Root Cause\nThe cache key ignores the locale.\n", StageAnalysis, true},
		{"label with value", "**Severity**: High\n", StageReport, true},
		{"comment then content", "<!-- note --> Real text here\n", StageReport, true},
		{"code fence", "```go\nfmt.Println(1)\n```\n", StageFix, true},
		{"placeholder in fence", "## Code Changes\n```\n[code changes]\n...\n```\n", StageFix, false},
		{"filler in tilde fence", "~~~\nTBD\n~~~\n", StageFix, false},
		{"unchecked box outside verification", "- [ ] Add regression test\n", StageFix, true},
		{"unchecked boxes in verification", "- [ ] Retest\n- [ ] Review\n", StageVerification, false},
		{"checked box in verification", "- [ ] Retest\n- [x] Review\n", StageVerification, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HasRealContent(tt.doc, tt.stage))
		})
	}
}

func TestIsApproved(t *testing.T) {
	assert.True(t, IsApproved("# Doc\n\n✅ APPROVED\n"))
	assert.True(t, IsApproved("✅ **Approved** by reviewer"))
	assert.True(t, IsApproved("**Status**: Approved\n"))
	assert.True(t, IsApproved("- Status: approved"))
	assert.False(t, IsApproved("Status: Draft"))
	assert.False(t, IsApproved("This has not been approved yet."))
	assert.False(t, IsApproved(""))
}

func TestHasVerificationMarker(t *testing.T) {
	assert.True(t, hasVerificationMarker("✅ VERIFIED"))
	assert.True(t, hasVerificationMarker("✅ Resolved"))
	assert.True(t, hasVerificationMarker("**Status**: Closed"))
	assert.True(t, hasVerificationMarker("Verification Status: Verified"))
	assert.False(t, hasVerificationMarker("Status: In progress"))
	assert.False(t, hasVerificationMarker("We verified part of it."))
}

func TestCountCheckboxes(t *testing.T) {
	checked, total := countCheckboxes("- [x] a\n- [ ] b\n  * [X] c\n1. [ ] d\nplain\n")
	assert.Equal(t, 2, checked)
	assert.Equal(t, 4, total)
}

func TestLabelValue(t *testing.T) {
	doc := "**Severity**: [High/Low]\n- **Priority**: P1\n"
	assert.Equal(t, "P1", labelValue(doc, "severity", "priority"))
	assert.Equal(t, "", labelValue(doc, "owner"))
}

func TestSplitSections(t *testing.T) {
	sections := splitSections("preamble\n# Title\nbody\n## Sub ##\nmore\n")
	if assert.Len(t, sections, 3) {
		assert.Equal(t, 0, sections[0].level)
		assert.Equal(t, "Title", sections[1].title)
		assert.Equal(t, 2, sections[2].level)
		assert.Equal(t, "Sub", sections[2].title)
		assert.Equal(t, []string{"more", ""}, sections[2].lines)
	}
}
