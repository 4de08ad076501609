package executor

import (
	"regexp"
	"strings"

	"github.com/Kocoro-lab/research-orchestrator/internal/util"
)

var (
	markdownLinkPattern = regexp.MustCompile(`\[[^\]]*\]\((https?://[^\s)]+)\)`)
	bareURLPattern      = regexp.MustCompile(`https?://[^\s()<>\[\]"']+`)
)

// ExtractURLs returns the URLs cited in markdown: link targets first, then
// bare URLs, without duplicates.
func ExtractURLs(markdown string) []string {
	var urls []string
	for _, m := range markdownLinkPattern.FindAllStringSubmatch(markdown, -1) {
		urls = append(urls, m[1])
	}
	for _, u := range bareURLPattern.FindAllString(markdown, -1) {
		urls = append(urls, strings.TrimRight(u, ".,;:!?"))
	}
	return util.DedupeStrings(urls)
}
