// Package formatting turns merged research markdown into the pieces of a
// document: a rebuilt sources section, a section tree and a rendered
// export.
package formatting

import (
	"fmt"
	"strings"
)

const sourcesHeading = "## Sources"

// FormatReportWithSources removes any "## Sources" section the model wrote
// and appends one rebuilt from sources, numbered in order. Each entry is
// marked as used inline when its URL appears in the body.
func FormatReportWithSources(body string, sources []string) string {
	s := strings.TrimSpace(body)

	// Cut from the last heading so a mention earlier in the text survives.
	if idx := strings.LastIndex(strings.ToLower(s), strings.ToLower(sourcesHeading)); idx != -1 {
		s = strings.TrimSpace(s[:idx])
	}

	if len(sources) == 0 {
		return s
	}

	var b strings.Builder
	if s != "" {
		b.WriteString(s)
		b.WriteString("\n\n")
	}
	b.WriteString(sourcesHeading)
	b.WriteString("\n")
	for i, src := range sources {
		label := "Additional source"
		if strings.Contains(s, src) {
			label = "Used inline"
		}
		fmt.Fprintf(&b, "\n[%d] %s - %s", i+1, src, label)
	}
	return b.String()
}
