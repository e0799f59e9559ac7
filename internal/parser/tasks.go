package parser

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/p-blackswan/specboard/internal/models"
)

var (
	// - [ ] 1.2. Implement the thing
	taskLineRe = regexp.MustCompile(`^(\s*)[-*+]\s+\[([ xX])\]\s+(?:(\d+(?:\.\d+)*)\.?\s+)?(.+?)\s*$`)
	// _Requirements: 1.1, 2.3_   or   - Requirements: 1.1
	requirementsMetaRe = regexp.MustCompile(`(?i)^\s*(?:[-*+]\s+)?[_*]*\s*requirements?\s*[_*]*\s*:\s*(.+?)\s*[_*]*\s*$`)
	leverageMetaRe     = regexp.MustCompile(`(?i)^\s*(?:[-*+]\s+)?[_*]*\s*leverage\s*[_*]*\s*:\s*(.+?)\s*[_*]*\s*$`)
	detailLineRe       = regexp.MustCompile(`^(\s*)[-*+]\s+(.+?)\s*$`)
)

// ParseTasks builds the task tree of a tasks document.
//
// A task is a checkbox line, optionally numbered ("1", "2.3"). Nesting
// follows indentation: each new task closes every open ancestor indented at
// least as deep, and becomes a child of the nearest shallower one.
// Requirements and leverage metadata lines attach to the most recently opened
// task; other bullets indented deeper than that task become detail lines.
func ParseTasks(doc string) models.TaskTree {
	var tree models.TaskTree

	type open struct {
		idx    int
		indent int
	}
	var stack []open
	current := -1
	auto := 0

	for _, raw := range strings.Split(strings.ReplaceAll(doc, "\t", "    "), "\n") {
		if m := taskLineRe.FindStringSubmatch(raw); m != nil {
			indent := len(m[1])
			for len(stack) > 0 && stack[len(stack)-1].indent >= indent {
				stack = stack[:len(stack)-1]
			}
			parent := -1
			if len(stack) > 0 {
				parent = stack[len(stack)-1].idx
			}

			id := m[3]
			if id == "" {
				auto++
				id = "task-" + strconv.Itoa(auto)
			}
			current = tree.Add(models.Task{
				ID:          id,
				Description: strings.TrimSpace(m[4]),
				Completed:   m[2] != " ",
				Indent:      indent,
			}, parent)
			stack = append(stack, open{idx: current, indent: indent})
			continue
		}

		if current < 0 {
			continue
		}
		task := &tree.Items[current]

		if m := requirementsMetaRe.FindStringSubmatch(raw); m != nil {
			task.Requirements = splitRefs(m[1])
			continue
		}
		if m := leverageMetaRe.FindStringSubmatch(raw); m != nil {
			task.Leverage = strings.Trim(strings.TrimSpace(m[1]), "_*")
			continue
		}
		if m := detailLineRe.FindStringSubmatch(raw); m != nil && len(m[1]) > task.Indent {
			task.Details = append(task.Details, m[2])
		}
	}
	return tree
}

func splitRefs(s string) []string {
	s = strings.Trim(s, "_* ")
	parts := strings.Split(s, ",")
	refs := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(strings.TrimSpace(p), "_*`")
		if p != "" {
			refs = append(refs, p)
		}
	}
	return refs
}
