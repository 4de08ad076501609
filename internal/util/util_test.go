package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContainsString(t *testing.T) {
	tests := []struct {
		name     string
		slice    []string
		item     string
		expected bool
	}{
		{name: "item exists in slice", slice: []string{"apple", "banana"}, item: "banana", expected: true},
		{name: "item missing", slice: []string{"apple", "banana"}, item: "grape", expected: false},
		{name: "empty slice", slice: []string{}, item: "apple", expected: false},
		{name: "case sensitive", slice: []string{"Apple"}, item: "apple", expected: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ContainsString(tt.slice, tt.item))
		})
	}
}

func TestDedupeStrings(t *testing.T) {
	in := []string{"https://a.org", "", "https://b.org", "https://a.org"}
	assert.Equal(t, []string{"https://a.org", "https://b.org"}, DedupeStrings(in))
	assert.Empty(t, DedupeStrings(nil))
}

func TestTruncateString(t *testing.T) {
	tests := []struct {
		name          string
		input         string
		maxLen        int
		preserveWords bool
		want          string
	}{
		{name: "short input untouched", input: "hello", maxLen: 10, want: "hello"},
		{name: "hard cut with ellipsis", input: "abcdefghij", maxLen: 8, want: "abcde..."},
		{name: "word boundary", input: "the quick brown fox", maxLen: 14, preserveWords: true, want: "the quick..."},
		{name: "zero length", input: "test", maxLen: 0, want: ""},
		{name: "tiny budget", input: "abcdef", maxLen: 2, want: ".."},
		{name: "multibyte safe", input: "查询中文数据库中的用户信息", maxLen: 6, want: "查询中..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateString(tt.input, tt.maxLen, tt.preserveWords)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, len([]rune(got)), max(tt.maxLen, 0))
		})
	}
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "Hel", TruncateRunes("Hello", 3))
	assert.Equal(t, "Hello", TruncateRunes("Hello", 30))
	assert.Equal(t, "👋🌍", TruncateRunes("👋🌍🎉", 2))
	assert.Equal(t, "", TruncateRunes("Hello", 0))
}

func TestIsHTTPURL(t *testing.T) {
	assert.True(t, IsHTTPURL("https://enisa.europa.eu/topics"))
	assert.True(t, IsHTTPURL(" http://example.org "))
	assert.False(t, IsHTTPURL("ftp://example.org/file"))
	assert.False(t, IsHTTPURL("file:///etc/passwd"))
	assert.False(t, IsHTTPURL("not a url"))
}

func TestExtractDomain(t *testing.T) {
	assert.Equal(t, "ec.europa.eu", ExtractDomain("https://www.ec.europa.eu/info/page"))
	assert.Equal(t, "example.org:8080", ExtractDomain("http://example.org:8080/x"))
	assert.Equal(t, "plain text", ExtractDomain("plain text"))
}
