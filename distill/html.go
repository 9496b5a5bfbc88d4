package distill

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Retailer pages hide seller names, struck-through prices and A/B variants
// in styled-out nodes. Anything matching these patterns is pruned before
// the page is handed to the model.
var hiddenStylePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)display\s*:\s*none`),
	regexp.MustCompile(`(?i)visibility\s*:\s*hidden`),
	regexp.MustCompile(`(?i)font-size\s*:\s*0[^1-9]`),
	regexp.MustCompile(`(?i)opacity\s*:\s*0[^.]`),
	regexp.MustCompile(`(?i)position\s*:\s*absolute[^;]*-\d{4,}`),
}

// sanitizer strips scripts, event handlers and junk attributes after
// pruning. Policies are safe for concurrent use once built.
var sanitizer = bluemonday.UGCPolicy()

// mdConverter is shared across calls; the converter is goroutine-safe.
var mdConverter = converter.NewConverter(
	converter.WithPlugins(
		base.NewBasePlugin(),
		commonmark.NewCommonmarkPlugin(),
		table.NewTablePlugin(),
	),
)

// Markdown renders scraped page HTML as markdown for model consumption.
// Boilerplate and hidden elements are pruned and the remainder sanitized
// before conversion. Falls back to plain visible text when conversion
// yields nothing usable.
func Markdown(rawHTML, sourceURL string) string {
	if strings.TrimSpace(rawHTML) == "" {
		return ""
	}
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return VisibleText(rawHTML)
	}
	pruneNode(doc)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return VisibleText(rawHTML)
	}

	md, err := mdConverter.ConvertString(sanitizer.Sanitize(buf.String()), converter.WithDomain(sourceURL))
	if err != nil || strings.TrimSpace(md) == "" {
		return VisibleText(rawHTML)
	}
	return strings.TrimSpace(md)
}

// VisibleText extracts the visible text of an HTML document, skipping
// boilerplate and hidden elements. Block elements become line breaks.
func VisibleText(rawHTML string) string {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return strings.TrimSpace(rawHTML)
	}

	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(t)
			}
			return
		}
		if n.Type == html.ElementNode && shouldPrune(n) {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.P, atom.Div, atom.Li, atom.Tr, atom.Br,
				atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
				sb.WriteByte('\n')
			}
		}
	}
	walk(doc)

	return strings.TrimSpace(lineBreakRe.ReplaceAllString(sb.String(), "\n"))
}

var lineBreakRe = regexp.MustCompile(`[ \t]*\n[ \t\n]*`)

// pruneNode removes boilerplate and hidden subtrees in place.
func pruneNode(n *html.Node) {
	var next *html.Node
	for c := n.FirstChild; c != nil; c = next {
		next = c.NextSibling
		if shouldPrune(c) {
			n.RemoveChild(c)
			continue
		}
		pruneNode(c)
	}
}

func shouldPrune(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Noscript, atom.Nav,
		atom.Footer, atom.Header, atom.Iframe:
		return true
	}
	return hasHiddenStyle(n)
}

func hasHiddenStyle(n *html.Node) bool {
	for _, a := range n.Attr {
		if a.Key != "style" {
			continue
		}
		for _, pat := range hiddenStylePatterns {
			if pat.MatchString(a.Val) {
				return true
			}
		}
	}
	return false
}
