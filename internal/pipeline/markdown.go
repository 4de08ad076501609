package pipeline

import (
	"fmt"
	"strings"
)

// Markdown renders o as a short report.
func (o *Output) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Quick research: %s\n\n", o.Query)
	if o.Objective != "" && o.Objective != o.Query {
		fmt.Fprintf(&b, "_Objective: %s_\n\n", o.Objective)
	}

	b.WriteString("## Summary\n\n")
	b.WriteString(o.Summary)
	b.WriteString("\n\n")

	if len(o.Findings) > 0 {
		b.WriteString("## Findings\n\n")
		for _, f := range o.Findings {
			title := f.Metadata.Title
			if title == "" {
				title = f.Source
			}
			fmt.Fprintf(&b, "### %s\n\n", title)
			fmt.Fprintf(&b, "Source: %s (confidence %.2f)\n\n", f.Source, f.Confidence)
			for _, kp := range f.KeyPoints {
				fmt.Fprintf(&b, "- %s\n", kp.Text)
			}
			b.WriteString("\n")
		}
	}

	if len(o.Connections) > 0 {
		b.WriteString("## Connections\n\n")
		for _, c := range o.Connections {
			fmt.Fprintf(&b, "- %s: %s\n", c.Relation, c.Description)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "## Stats\n\n%d sources tried, %d loaded, %d findings kept, %d rejected, %d connections.\n",
		o.Stats.SourcesTried, o.Stats.SourcesLoaded, o.Stats.Accepted, o.Stats.Rejected, o.Stats.Connections)
	return b.String()
}
