package models

// Task is one checkbox line of a tasks document. Tasks live in a TaskTree
// arena and refer to each other by index.
type Task struct {
	ID           string   `json:"id"`
	Description  string   `json:"description"`
	Completed    bool     `json:"completed"`
	Requirements []string `json:"requirements,omitempty"`
	Leverage     string   `json:"leverage,omitempty"`
	Details      []string `json:"details,omitempty"`
	Parent       int      `json:"parent"`
	Children     []int    `json:"children,omitempty"`
	Indent       int      `json:"-"`
}

// TaskTree stores tasks in document order. Parent is -1 for top-level tasks.
type TaskTree struct {
	Items []Task `json:"items"`
	Roots []int  `json:"roots"`
}

// Add appends a task under parent (-1 for a root) and returns its index.
func (t *TaskTree) Add(task Task, parent int) int {
	idx := len(t.Items)
	task.Parent = parent
	t.Items = append(t.Items, task)
	if parent < 0 {
		t.Roots = append(t.Roots, idx)
	} else {
		t.Items[parent].Children = append(t.Items[parent].Children, idx)
	}
	return idx
}

// Len returns the number of tasks at every depth.
func (t *TaskTree) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Items)
}

// Total counts every task in the tree, branches and leaves alike.
func (t *TaskTree) Total() int {
	n := 0
	t.Walk(func(int, *Task) bool {
		n++
		return true
	})
	return n
}

// Completed counts checked tasks at every depth.
func (t *TaskTree) Completed() int {
	n := 0
	t.Walk(func(_ int, task *Task) bool {
		if task.Completed {
			n++
		}
		return true
	})
	return n
}

// FirstIncomplete returns the first unchecked task in depth-first document order.
func (t *TaskTree) FirstIncomplete() (*Task, bool) {
	var found *Task
	t.Walk(func(_ int, task *Task) bool {
		if !task.Completed {
			found = task
			return false
		}
		return true
	})
	return found, found != nil
}

// Find returns the task with the given id.
func (t *TaskTree) Find(id string) (*Task, bool) {
	var found *Task
	t.Walk(func(_ int, task *Task) bool {
		if task.ID == id {
			found = task
			return false
		}
		return true
	})
	return found, found != nil
}

// Walk visits tasks depth-first in document order until fn returns false.
func (t *TaskTree) Walk(fn func(idx int, task *Task) bool) {
	if t == nil {
		return
	}
	for _, root := range t.Roots {
		if !t.walk(root, fn) {
			return
		}
	}
}

func (t *TaskTree) walk(idx int, fn func(int, *Task) bool) bool {
	if !fn(idx, &t.Items[idx]) {
		return false
	}
	for _, child := range t.Items[idx].Children {
		if !t.walk(child, fn) {
			return false
		}
	}
	return true
}
