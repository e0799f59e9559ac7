package parser

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New()

var rawHeadingRe = regexp.MustCompile(`^#{1,6}\s*(.+?)\s*#*$`)

// titlePatterns are tried in order against a document's first heading. Each
// captures the entity title with the document-kind decoration removed.
var titlePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^(?:requirements?|design|tasks?|implementation\s+plan|technical\s+design)(?:\s+document)?\s*[-:–—]\s*(.+)$`),
	regexp.MustCompile(`(?i)^(.+?)\s*[-:–—]\s*(?:requirements?|design|tasks?|implementation\s+plan)(?:\s+document)?$`),
	regexp.MustCompile(`(?i)^(.+?)\s+(?:requirements?|design|tasks?|implementation\s+plan)(?:\s+document)?$`),
	regexp.MustCompile(`(?i)^bug\s+(?:report|analysis|fix|verification)\s*[-:–—]\s*(.+)$`),
	regexp.MustCompile(`(?i)^(?:bug|issue|defect)\s*[-:#–—]\s*(.+)$`),
	regexp.MustCompile(`(?i)^(.+?)\s*[-:–—]\s*(?:bug\s+)?(?:report|analysis|fix|verification)$`),
}

// genericTitles are headings that name the document rather than the entity.
var genericTitles = map[string]bool{
	"requirements": true, "requirements document": true, "design": true, "design document": true,
	"tasks": true, "tasks document": true, "task list": true, "implementation plan": true, "technical design": true,
	"bug report": true, "bug analysis": true, "bug fix": true, "fix": true, "analysis": true,
	"report": true, "verification": true, "bug verification": true, "fix verification": true,
	"introduction": true, "overview": true, "summary": true,
}

// displayName resolves the title of an entity. Documents are consulted in
// precedence order: a frontmatter title wins for its document, otherwise the
// first heading is matched against titlePatterns and accepted verbatim when it
// is not a generic document name. The title-cased directory name is the
// fallback.
func displayName(name string, docs docSet, order []string) string {
	for _, n := range order {
		doc, ok := docs.get(n)
		if !ok {
			continue
		}
		if t := strings.TrimSpace(doc.title); t != "" && !isGenericTitle(t) {
			return t
		}
		heading := firstHeading(doc.body)
		if heading == "" {
			continue
		}
		if t, ok := matchTitle(heading); ok {
			return t
		}
	}
	return titleCase(name)
}

// firstHeading returns the text of the first heading in doc, using the
// Markdown AST and falling back to raw line matching.
func firstHeading(doc string) string {
	src := []byte(doc)
	root := markdown.Parser().Parse(text.NewReader(src))

	var heading string
	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if h, ok := n.(*ast.Heading); ok {
			heading = strings.TrimSpace(string(h.Text(src)))
			if heading != "" {
				return ast.WalkStop, nil
			}
		}
		return ast.WalkContinue, nil
	})
	if heading != "" {
		return heading
	}

	for _, line := range strings.Split(doc, "\n") {
		if m := rawHeadingRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil && m[1] != "" {
			return m[1]
		}
	}
	return ""
}

func matchTitle(heading string) (string, bool) {
	heading = strings.TrimSpace(strings.Trim(heading, "*_`"))
	for _, re := range titlePatterns {
		m := re.FindStringSubmatch(heading)
		if m == nil {
			continue
		}
		t := strings.TrimSpace(strings.Trim(m[1], `"'*_`+"`"))
		if t != "" && !isGenericTitle(t) {
			return t, true
		}
	}
	if !isGenericTitle(heading) {
		return heading, true
	}
	return "", false
}

func isGenericTitle(t string) bool {
	return genericTitles[strings.ToLower(strings.TrimSpace(t))]
}

// titleCase turns "user-auth_flow" into "User Auth Flow".
func titleCase(name string) string {
	words := strings.FieldsFunc(name, func(r rune) bool {
		return r == '-' || r == '_' || r == '.' || unicode.IsSpace(r)
	})
	for i, w := range words {
		runes := []rune(w)
		runes[0] = unicode.ToUpper(runes[0])
		words[i] = string(runes)
	}
	if len(words) == 0 {
		return name
	}
	return strings.Join(words, " ")
}
