package scoring

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kocoro-lab/research-orchestrator/internal/models"
)

func TestExtractMetadata(t *testing.T) {
	s := newTestScorer(t)
	text := "EU Cybersecurity Report\nBy Maria Rossi\nPublished 2023-05-10 by the agency."

	meta := s.ExtractMetadata(text, "https://enisa.europa.eu/report", nil)
	assert.Equal(t, "EU Cybersecurity Report", meta.Title)
	assert.Equal(t, "Maria Rossi", meta.Author)
	require.NotNil(t, meta.Date)
	assert.Equal(t, time.Date(2023, time.May, 10, 0, 0, 0, 0, time.UTC), *meta.Date)
	assert.Equal(t, "https://enisa.europa.eu/report", meta.URL)
	assert.Equal(t, "text", meta.ContentType)
}

func TestExtractMetadata_KeepsExistingFields(t *testing.T) {
	s := newTestScorer(t)
	existing := &models.ContentMetadata{Title: "Given title", Author: "Given Author", ContentType: "html"}

	meta := s.ExtractMetadata("Other heading\nBy Someone Else", "https://example.org", existing)
	assert.Equal(t, "Given title", meta.Title)
	assert.Equal(t, "Given Author", meta.Author)
	assert.Equal(t, "html", meta.ContentType)
	assert.Equal(t, "https://example.org", meta.URL)
	assert.Nil(t, meta.Date)
}

func TestExtractMetadata_LongTitleAndHandle(t *testing.T) {
	s := newTestScorer(t)
	text := strings.Repeat("a", 150) + "\nfollow @enisa_eu for updates"

	meta := s.ExtractMetadata(text, "", nil)
	assert.Len(t, meta.Title, 100)
	assert.True(t, strings.HasSuffix(meta.Title, "..."))
	assert.Equal(t, "enisa_eu", meta.Author)
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"released 2024-01-15", time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC)},
		{"on 5 March 2024 the council", time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC)},
		{"dated March 5, 2024.", time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC)},
		{"signed 12/03/2021", time.Date(2021, time.March, 12, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := ParseDate(tt.in)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, *got)
		})
	}

	assert.Nil(t, ParseDate("no dates in here"))
	assert.Nil(t, ParseDate("version 2024-13-45 is invalid"))
}

func TestAnalyzeContent(t *testing.T) {
	s := newTestScorer(t)

	t.Run("empty content", func(t *testing.T) {
		f := s.AnalyzeContent("https://example.org", "   ", nil)
		assert.Equal(t, "https://example.org", f.Source)
		assert.Equal(t, "error", f.Metadata.ContentType)
		assert.Equal(t, "No content available to analyze.", f.Summary)
		assert.Zero(t, f.Confidence)
		assert.Empty(t, f.KeyPoints)
	})

	t.Run("populated content", func(t *testing.T) {
		content := "NIS2 Directive Overview\nBy Anna Berg\n" +
			"The NIS2 directive is an important framework for cybersecurity across the union. " +
			"Incidents increased by 25% across member states in 2024. " +
			"Operators must implement risk management measures and report significant incidents."
		f := s.AnalyzeContent("https://eur-lex.europa.eu/nis2", content, nil)

		assert.Equal(t, "NIS2 Directive Overview", f.Metadata.Title)
		assert.Equal(t, "Anna Berg", f.Metadata.Author)
		assert.NotEmpty(t, f.KeyPoints)
		assert.LessOrEqual(t, len(f.KeyPoints), 3)
		assert.NotEmpty(t, f.Summary)
		assert.LessOrEqual(t, WordCount(f.Summary), 50)
		assert.Greater(t, f.Confidence, 0.0)
		assert.LessOrEqual(t, f.Confidence, 1.0)
		assert.Equal(t, content, f.RawContent)
	})

	t.Run("raw content is capped", func(t *testing.T) {
		content := strings.Repeat("x", 12000)
		f := s.AnalyzeContent("src", content, nil)
		assert.Len(t, f.RawContent, 10000)
	})
}
