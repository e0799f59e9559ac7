// Package models defines the status records derived from project documents.
package models

import "time"

// SpecStatus is the position of a spec on the requirements → completion ladder.
type SpecStatus string

const (
	SpecNotStarted   SpecStatus = "not-started"
	SpecRequirements SpecStatus = "requirements"
	SpecDesign       SpecStatus = "design"
	SpecTasks        SpecStatus = "tasks"
	SpecInProgress   SpecStatus = "in-progress"
	SpecCompleted    SpecStatus = "completed"
)

// Terminal reports whether no further work is expected.
func (s SpecStatus) Terminal() bool { return s == SpecCompleted }

// Spec is a feature work item tracked through requirements, design and tasks documents.
type Spec struct {
	Name         string        `json:"name"`
	DisplayName  string        `json:"displayName"`
	Status       SpecStatus    `json:"status"`
	Requirements *Requirements `json:"requirements,omitempty"`
	Design       *Design       `json:"design,omitempty"`
	Tasks        *TaskProgress `json:"tasks,omitempty"`
	LastModified time.Time     `json:"lastModified"`
}

// Requirements summarizes requirements.md.
type Requirements struct {
	Exists      bool                `json:"exists"`
	Approved    bool                `json:"approved"`
	UserStories int                 `json:"userStories"`
	Content     []RequirementDetail `json:"content,omitempty"`
}

// RequirementDetail is one numbered requirement with its story and criteria.
type RequirementDetail struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	UserStory          string   `json:"userStory,omitempty"`
	AcceptanceCriteria []string `json:"acceptanceCriteria,omitempty"`
}

// Design summarizes design.md.
type Design struct {
	Exists               bool     `json:"exists"`
	Approved             bool     `json:"approved"`
	HasCodeReuseAnalysis bool     `json:"hasCodeReuseAnalysis"`
	CodeReuseContent     []string `json:"codeReuseContent,omitempty"`
}

// TaskProgress summarizes tasks.md.
type TaskProgress struct {
	Exists     bool     `json:"exists"`
	Approved   bool     `json:"approved"`
	Total      int      `json:"total"`
	Completed  int      `json:"completed"`
	InProgress string   `json:"inProgress,omitempty"`
	TaskList   TaskTree `json:"taskList"`
}

// CurrentTask returns the task marked in progress, if any.
func (p *TaskProgress) CurrentTask() (*Task, bool) {
	if p == nil || p.InProgress == "" {
		return nil, false
	}
	return p.TaskList.Find(p.InProgress)
}
