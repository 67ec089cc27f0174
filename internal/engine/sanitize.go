package engine

import "github.com/microcosm-cc/bluemonday"

// markdownPolicy allows the HTML subset produced by rendering markdown and
// strips everything else, so stored descriptions and comments are safe to
// render client-side.
var markdownPolicy = func() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements(
		"p", "br", "hr",
		"h1", "h2", "h3", "h4", "h5", "h6",
		"ul", "ol", "li",
		"strong", "em", "b", "i", "u", "s", "strike", "del",
		"code", "pre",
		"blockquote",
		"a",
		"table", "thead", "tbody", "tr", "th", "td",
		"span", "div",
	)
	p.AllowAttrs("href", "title", "rel").OnElements("a")
	p.AllowAttrs("class").OnElements("code", "pre", "span", "div")
	p.AllowAttrs("align").OnElements("th", "td")
	p.AllowURLSchemes("http", "https", "mailto")
	p.AddTargetBlankToFullyQualifiedLinks(true)
	return p
}()

func sanitizeMarkdown(content string) string {
	return markdownPolicy.Sanitize(content)
}
