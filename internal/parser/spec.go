package parser

import (
	"regexp"
	"strings"

	"github.com/p-blackswan/specboard/internal/models"
)

var (
	requirementHeadingRe = regexp.MustCompile(`(?i)^(?:requirement\s+)?(\d+(?:\.\d+)*)\.?\s*(?:[:.\-–]\s*)?(.*)$`)
	userStoryRe          = regexp.MustCompile(`(?i)\*\*\s*user\s+story\s*:?\s*\*\*\s*:?\s*(.*)$|^(?:[-*]\s+)?user\s+story\s*:\s*(.*)$`)
	acceptanceHeadingRe  = regexp.MustCompile(`(?i)^(?:\*\*|#+\s*)?\s*acceptance\s+criteria\b`)
)

// buildSpec derives a spec record from its documents. The status ladder only
// advances past a stage when that stage's document is approved.
func buildSpec(name string, docs docSet) *models.Spec {
	spec := &models.Spec{
		Name:        name,
		DisplayName: displayName(name, docs, SpecDocuments),
		Status:      models.SpecNotStarted,
	}

	if doc, ok := docs.get("requirements.md"); ok {
		spec.Requirements = parseRequirements(doc.body)
	}
	if doc, ok := docs.get("design.md"); ok {
		spec.Design = parseDesign(doc.body)
	}
	if doc, ok := docs.get("tasks.md"); ok {
		spec.Tasks = parseTaskProgress(doc.body)
	}

	spec.Status = specStatus(spec)
	if spec.Tasks != nil && spec.Status != models.SpecInProgress {
		spec.Tasks.InProgress = ""
	}
	return spec
}

func specStatus(spec *models.Spec) models.SpecStatus {
	req, design, tasks := spec.Requirements, spec.Design, spec.Tasks
	switch {
	case req == nil:
		return models.SpecNotStarted
	case !req.Approved || design == nil:
		return models.SpecRequirements
	case !design.Approved || tasks == nil:
		return models.SpecDesign
	case !tasks.Approved || tasks.Total == 0 || tasks.Completed == 0:
		return models.SpecTasks
	case tasks.Completed >= tasks.Total:
		return models.SpecCompleted
	default:
		return models.SpecInProgress
	}
}

func parseRequirements(body string) *models.Requirements {
	req := &models.Requirements{
		Exists:   true,
		Approved: IsApproved(body),
	}
	for _, line := range strings.Split(body, "\n") {
		if userStoryRe.MatchString(strings.TrimSpace(line)) {
			req.UserStories++
		}
	}
	req.Content = requirementDetails(body)
	return req
}

// requirementDetails collects numbered requirement headings along with their
// user story and acceptance criteria.
func requirementDetails(body string) []models.RequirementDetail {
	var details []models.RequirementDetail
	for _, s := range splitSections(body) {
		if s.level < 2 {
			continue
		}
		m := requirementHeadingRe.FindStringSubmatch(s.title)
		if m == nil {
			if len(details) > 0 && acceptanceHeadingRe.MatchString(s.title) {
				last := &details[len(details)-1]
				last.AcceptanceCriteria = append(last.AcceptanceCriteria, listItems(s.lines)...)
			}
			continue
		}
		// "### 1. Title" inside an acceptance-criteria list is not a requirement.
		if !strings.HasPrefix(strings.ToLower(s.title), "requirement") && m[2] == "" {
			continue
		}

		d := models.RequirementDetail{ID: m[1], Title: strings.TrimSpace(trimEmphasis(m[2]))}
		inCriteria := false
		for _, raw := range s.lines {
			line := strings.TrimSpace(raw)
			if sm := userStoryRe.FindStringSubmatch(line); sm != nil {
				d.UserStory = strings.TrimSpace(sm[1] + sm[2])
				continue
			}
			if acceptanceHeadingRe.MatchString(line) {
				inCriteria = true
				continue
			}
			if inCriteria {
				d.AcceptanceCriteria = append(d.AcceptanceCriteria, listItems([]string{line})...)
			}
		}
		details = append(details, d)
	}
	return details
}

// listItems returns the cleaned list entries of lines that carry content.
func listItems(lines []string) []string {
	var items []string
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if listMarkerRe.MatchString(line) && isContentLine(line, StageReport) {
			items = append(items, cleanLine(line))
		}
	}
	return items
}

func parseDesign(body string) *models.Design {
	design := &models.Design{
		Exists:   true,
		Approved: IsApproved(body),
	}
	if s, ok := findSection(splitSections(body), "code reuse", "reuse analysis", "leverag", "existing code"); ok {
		design.CodeReuseContent = contentLines(s.lines, StageReport)
		design.HasCodeReuseAnalysis = len(design.CodeReuseContent) > 0
	}
	return design
}

func parseTaskProgress(body string) *models.TaskProgress {
	tree := ParseTasks(body)
	progress := &models.TaskProgress{
		Exists:    true,
		Approved:  IsApproved(body),
		Total:     tree.Total(),
		Completed: tree.Completed(),
		TaskList:  tree,
	}
	if progress.Completed > 0 && progress.Completed < progress.Total {
		if task, ok := tree.FirstIncomplete(); ok {
			progress.InProgress = task.ID
		}
	}
	return progress
}
