package browser

import (
	"strings"

	"golang.org/x/net/html"
)

// Extracted is the readable part of an HTML document.
type Extracted struct {
	Title  string
	Text   string
	Author string
	Date   string
}

var skippedElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true,
	"header": true, "nav": true, "aside": true, "footer": true, "svg": true, "form": true,
}

var skippedRoles = map[string]bool{
	"banner": true, "navigation": true, "complementary": true, "contentinfo": true,
}

var skippedClasses = []string{"sidebar", "navigation", "menu", "ad", "ads", "cookie"}

// Extract parses raw HTML. Main text comes from the first <article>, then
// the first main-content container, then the whole body minus chrome.
func Extract(raw string) (Extracted, error) {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return Extracted{}, err
	}

	out := Extracted{
		Title:  strings.TrimSpace(textOf(find(doc, isTag("title")))),
		Author: findAuthor(doc),
		Date:   findDate(doc),
	}

	root := find(doc, isTag("article"))
	if root == nil {
		root = find(doc, isMainContainer)
	}
	if root == nil {
		root = find(doc, isTag("body"))
	}
	if root == nil {
		root = doc
	}
	out.Text = readableText(root)
	return out, nil
}

func isTag(name string) func(*html.Node) bool {
	return func(n *html.Node) bool { return n.Type == html.ElementNode && n.Data == name }
}

func isMainContainer(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if n.Data == "main" || attr(n, "role") == "main" || attr(n, "id") == "content" {
		return true
	}
	return hasClass(n, "content")
}

func find(n *html.Node, match func(*html.Node) bool) *html.Node {
	if match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := find(c, match); found != nil {
			return found
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func textOf(n *html.Node) string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

func isChrome(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if skippedElements[n.Data] || skippedRoles[attr(n, "role")] {
		return true
	}
	for _, c := range skippedClasses {
		if hasClass(n, c) {
			return true
		}
	}
	return false
}

var blockElements = map[string]bool{
	"p": true, "div": true, "section": true, "li": true, "br": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"blockquote": true, "pre": true, "table": true, "ul": true, "ol": true,
}

// readableText collects text below root, one line per block element.
func readableText(root *html.Node) string {
	var lines []string
	var cur strings.Builder
	flush := func() {
		if line := strings.Join(strings.Fields(cur.String()), " "); line != "" {
			lines = append(lines, line)
		}
		cur.Reset()
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if isChrome(n) {
			return
		}
		if n.Type == html.TextNode {
			cur.WriteString(n.Data)
			cur.WriteByte(' ')
			return
		}
		block := n.Type == html.ElementNode && blockElements[n.Data]
		if block {
			flush()
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if block {
			flush()
		}
	}
	walk(root)
	flush()
	return strings.Join(lines, "\n")
}

func metaContent(doc *html.Node, key, value string) string {
	n := find(doc, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == "meta" && attr(n, key) == value
	})
	if n == nil {
		return ""
	}
	return strings.TrimSpace(attr(n, "content"))
}

func findAuthor(doc *html.Node) string {
	if v := metaContent(doc, "name", "author"); v != "" {
		return v
	}
	if v := metaContent(doc, "property", "article:author"); v != "" {
		return v
	}
	n := find(doc, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data != "meta" &&
			(attr(n, "itemprop") == "author" || attr(n, "rel") == "author" ||
				hasClass(n, "author") || hasClass(n, "byline"))
	})
	return textOf(n)
}

func findDate(doc *html.Node) string {
	if v := metaContent(doc, "name", "date"); v != "" {
		return v
	}
	if v := metaContent(doc, "property", "article:published_time"); v != "" {
		return v
	}
	n := find(doc, func(n *html.Node) bool {
		return n.Type == html.ElementNode &&
			(n.Data == "time" || attr(n, "itemprop") == "datePublished" ||
				hasClass(n, "date") || hasClass(n, "published"))
	})
	if n == nil {
		return ""
	}
	if v := attr(n, "datetime"); v != "" {
		return v
	}
	if v := attr(n, "content"); v != "" {
		return v
	}
	return textOf(n)
}
