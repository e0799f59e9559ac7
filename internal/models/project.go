package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// GitInfo is the checked-out branch and commit of a project repository.
type GitInfo struct {
	Branch string `json:"branch,omitempty"`
	Commit string `json:"commit,omitempty"`
}

// Empty reports whether no git information is known.
func (g GitInfo) Empty() bool { return g.Branch == "" && g.Commit == "" }

// SteeringStatus lists which steering documents a project carries.
type SteeringStatus struct {
	Exists       bool `json:"exists"`
	HasProduct   bool `json:"hasProduct"`
	HasTech      bool `json:"hasTech"`
	HasStructure bool `json:"hasStructure"`
}

// ProjectState is the derived state of one project root.
type ProjectState struct {
	ID               string         `json:"id"`
	Path             string         `json:"path"`
	Name             string         `json:"name"`
	HasActiveSession bool           `json:"hasActiveSession"`
	Git              GitInfo        `json:"git"`
	Steering         SteeringStatus `json:"steering"`
	Specs            []*Spec        `json:"specs"`
	Bugs             []*Bug         `json:"bugs"`
}

// ProjectID derives a stable identifier from an absolute project path.
func ProjectID(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:6])
}

// SessionType tags the variant of an ActiveSession.
type SessionType string

const (
	SessionSpec SessionType = "spec"
	SessionBug  SessionType = "bug"
)

// ActiveSession is the single most relevant work item of a project with a
// live agent process. Exactly one of the spec or bug fields is set, according to Type.
type ActiveSession struct {
	Type         SessionType `json:"type"`
	ProjectID    string      `json:"projectId"`
	ProjectPath  string      `json:"projectPath"`
	ProjectName  string      `json:"projectName"`
	DisplayName  string      `json:"displayName"`
	LastModified time.Time   `json:"lastModified"`
	GitBranch    string      `json:"gitBranch,omitempty"`
	GitCommit    string      `json:"gitCommit,omitempty"`
	IsCurrent    bool        `json:"isCurrentlyActive"`

	SpecName        string `json:"specName,omitempty"`
	CurrentTaskID   string `json:"currentTaskId,omitempty"`
	CurrentTaskDesc string `json:"currentTaskDescription,omitempty"`

	BugName   string    `json:"bugName,omitempty"`
	BugStatus BugStatus `json:"bugStatus,omitempty"`
}
