package formatting

import (
	"regexp"
	"strings"

	"github.com/Kocoro-lab/research-orchestrator/internal/models"
)

var headingPattern = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)

// ParseSections builds a section tree from markdown headings. A section's
// content runs until the next heading of any level; deeper headings nest
// under the closest shallower one. Text before the first heading is
// dropped.
func ParseSections(markdown string) []models.DocumentSection {
	type node struct {
		section  models.DocumentSection
		children []*node
	}

	var roots []*node
	var stack []*node
	var current *node
	var body []string

	flush := func() {
		if current != nil {
			current.section.Content = strings.TrimSpace(strings.Join(body, "\n"))
		}
		body = body[:0]
	}

	for _, line := range strings.Split(markdown, "\n") {
		m := headingPattern.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			if current != nil {
				body = append(body, line)
			}
			continue
		}
		flush()

		n := &node{section: models.DocumentSection{Title: strings.TrimSpace(m[2]), Level: len(m[1])}}
		for len(stack) > 0 && stack[len(stack)-1].section.Level >= n.section.Level {
			stack = stack[:len(stack)-1]
		}
		if len(stack) == 0 {
			roots = append(roots, n)
		} else {
			parent := stack[len(stack)-1]
			parent.children = append(parent.children, n)
		}
		stack = append(stack, n)
		current = n
	}
	flush()

	var build func(nodes []*node) []models.DocumentSection
	build = func(nodes []*node) []models.DocumentSection {
		if len(nodes) == 0 {
			return nil
		}
		out := make([]models.DocumentSection, 0, len(nodes))
		for _, n := range nodes {
			s := n.section
			s.Subsections = build(n.children)
			out = append(out, s)
		}
		return out
	}
	return build(roots)
}
