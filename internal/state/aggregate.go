package state

import (
	"sort"
	"time"

	"github.com/p-blackswan/specboard/internal/models"
)

// Candidate priorities for active-session selection.
const (
	PriorityInProgressSpec = 100
	PriorityWorkingBug     = 90
	PriorityFallback       = 10
)

type candidate struct {
	priority int
	modified time.Time
	name     string
	session  models.ActiveSession
}

// AggregateSessions selects at most one active session per project with a
// live host-agent session. Candidates are specs with an in-progress task,
// then bugs under analysis, fix or verification; when neither exists any
// non-terminal spec or bug is surfaced instead. Ties go to the most recently
// modified item. The result lists currently active work first, then sorts
// by project name.
func AggregateSessions(projects []*models.ProjectState) []models.ActiveSession {
	var sessions []models.ActiveSession
	for _, p := range projects {
		if p == nil || !p.HasActiveSession {
			continue
		}
		if s, ok := selectSession(p); ok {
			sessions = append(sessions, s)
		}
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		if a.IsCurrent != b.IsCurrent {
			return a.IsCurrent
		}
		if a.ProjectName != b.ProjectName {
			return a.ProjectName < b.ProjectName
		}
		return a.ProjectPath < b.ProjectPath
	})
	return sessions
}

func selectSession(p *models.ProjectState) (models.ActiveSession, bool) {
	var cands []candidate
	for _, spec := range p.Specs {
		if c, ok := specCandidate(p, spec); ok {
			cands = append(cands, c)
		}
	}
	for _, bug := range p.Bugs {
		if c, ok := bugCandidate(p, bug); ok {
			cands = append(cands, c)
		}
	}
	if len(cands) == 0 {
		return models.ActiveSession{}, false
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		if !a.modified.Equal(b.modified) {
			return a.modified.After(b.modified)
		}
		return a.name < b.name
	})

	best := cands[0]
	best.session.IsCurrent = best.priority > PriorityFallback
	return best.session, true
}

func specCandidate(p *models.ProjectState, spec *models.Spec) (candidate, bool) {
	if spec == nil || spec.Status.Terminal() {
		return candidate{}, false
	}
	s := baseSession(p, models.SessionSpec, spec.DisplayName, spec.LastModified)
	s.SpecName = spec.Name

	priority := PriorityFallback
	if task, ok := spec.Tasks.CurrentTask(); ok && spec.Status == models.SpecInProgress {
		priority = PriorityInProgressSpec
		s.CurrentTaskID = task.ID
		s.CurrentTaskDesc = task.Description
	}
	return candidate{priority: priority, modified: spec.LastModified, name: spec.Name, session: s}, true
}

func bugCandidate(p *models.ProjectState, bug *models.Bug) (candidate, bool) {
	if bug == nil || bug.Status.Terminal() {
		return candidate{}, false
	}
	s := baseSession(p, models.SessionBug, bug.DisplayName, bug.LastModified)
	s.BugName = bug.Name
	s.BugStatus = bug.Status

	priority := PriorityFallback
	if bug.Status.Working() {
		priority = PriorityWorkingBug
	}
	return candidate{priority: priority, modified: bug.LastModified, name: bug.Name, session: s}, true
}

func baseSession(p *models.ProjectState, typ models.SessionType, display string, modified time.Time) models.ActiveSession {
	return models.ActiveSession{
		Type:         typ,
		ProjectID:    p.ID,
		ProjectPath:  p.Path,
		ProjectName:  p.Name,
		DisplayName:  display,
		LastModified: modified,
		GitBranch:    p.Git.Branch,
		GitCommit:    p.Git.Commit,
	}
}
