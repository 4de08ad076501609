package formatting

import (
	"fmt"
	"strings"

	"github.com/Kocoro-lab/research-orchestrator/internal/models"
)

// RenderMarkdown exports doc as a standalone markdown file with a header
// block and a table of contents.
func RenderMarkdown(doc *models.Document) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", doc.Metadata.Title)
	if doc.Metadata.Description != "" {
		fmt.Fprintf(&b, "*%s*\n\n", doc.Metadata.Description)
	}
	if len(doc.Metadata.Authors) > 0 {
		fmt.Fprintf(&b, "Authors: %s\n\n", strings.Join(doc.Metadata.Authors, ", "))
	}
	if !doc.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "Date: %s\n\n", doc.CreatedAt.Format("2006-01-02"))
	}
	if len(doc.Metadata.Tags) > 0 {
		fmt.Fprintf(&b, "Tags: %s\n\n", strings.Join(doc.Metadata.Tags, ", "))
	}

	b.WriteString("## Contents\n\n")
	writeTOC(&b, doc.Sections, 0)
	b.WriteString("\n")

	for _, s := range doc.Sections {
		writeSection(&b, s, 1)
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

func writeTOC(b *strings.Builder, sections []models.DocumentSection, depth int) {
	for _, s := range sections {
		fmt.Fprintf(b, "%s- [%s](#%s)\n", strings.Repeat("  ", depth), s.Title, Anchor(s.Title))
		writeTOC(b, s.Subsections, depth+1)
	}
}

func writeSection(b *strings.Builder, s models.DocumentSection, level int) {
	if level > 6 {
		level = 6
	}
	fmt.Fprintf(b, "%s %s\n\n", strings.Repeat("#", level), s.Title)
	if c := strings.TrimSpace(s.Content); c != "" {
		b.WriteString(c)
		b.WriteString("\n\n")
	}
	for _, sub := range s.Subsections {
		writeSection(b, sub, level+1)
	}
}

// Anchor is the GitHub-style fragment for a heading.
func Anchor(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(title)) {
		switch {
		case r == ' ':
			b.WriteRune('-')
		case r == '-' || r == '_':
			b.WriteRune(r)
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r > 127:
			b.WriteRune(r)
		}
	}
	return b.String()
}
