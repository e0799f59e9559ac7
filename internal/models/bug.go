package models

import "time"

// BugStatus is the furthest workflow stage a bug has real content for.
type BugStatus string

const (
	BugReported  BugStatus = "reported"
	BugAnalyzing BugStatus = "analyzing"
	BugFixing    BugStatus = "fixing"
	BugFixed     BugStatus = "fixed"
	BugVerifying BugStatus = "verifying"
	BugResolved  BugStatus = "resolved"
)

// Terminal reports whether no further work is expected.
func (s BugStatus) Terminal() bool { return s == BugResolved }

// Working reports whether the bug is actively being worked on.
func (s BugStatus) Working() bool {
	return s == BugAnalyzing || s == BugFixing || s == BugVerifying
}

// Bug is a defect work item tracked through report, analysis, fix and
// verification documents. A stage record is nil unless its document holds
// real, non-template content.
type Bug struct {
	Name         string        `json:"name"`
	DisplayName  string        `json:"displayName"`
	Status       BugStatus     `json:"status"`
	Report       *BugReport    `json:"report,omitempty"`
	Analysis     *BugAnalysis  `json:"analysis,omitempty"`
	Fix          *BugFix       `json:"fix,omitempty"`
	Verification *Verification `json:"verification,omitempty"`
	LastModified time.Time     `json:"lastModified"`
}

// BugReport is extracted from report.md.
type BugReport struct {
	Summary           string   `json:"summary,omitempty"`
	Severity          string   `json:"severity,omitempty"`
	ReproductionSteps []string `json:"reproductionSteps,omitempty"`
	ExpectedBehavior  string   `json:"expectedBehavior,omitempty"`
	ActualBehavior    string   `json:"actualBehavior,omitempty"`
}

// BugAnalysis is extracted from analysis.md.
type BugAnalysis struct {
	RootCause string `json:"rootCause,omitempty"`
	Approved  bool   `json:"approved"`
}

// BugFix is extracted from fix.md.
type BugFix struct {
	Summary       string   `json:"summary,omitempty"`
	FilesModified []string `json:"filesModified,omitempty"`
}

// Verification is extracted from verification.md.
type Verification struct {
	Verified     bool `json:"verified"`
	CheckedItems int  `json:"checkedItems"`
	TotalItems   int  `json:"totalItems"`
}
