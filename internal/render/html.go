package render

import (
	"strings"

	"golang.org/x/net/html"
)

// fragmentWrapper centers fragment content on a neutral surface and resets
// the margins the browser default stylesheet would otherwise add
const fragmentWrapper = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<style>
* { box-sizing: border-box; }
html, body { margin: 0; padding: 0; overflow: hidden; background: #ffffff; }
body { display: flex; align-items: center; justify-content: center; min-height: 100vh; }
</style>
</head>
<body>%CONTENT%</body>
</html>`

// PrepareHTML normalizes raw input for injection. Full documents pass
// through untouched; bare fragments are wrapped in a minimal centering
// document. Returns the document and whether the input was a fragment.
func PrepareHTML(raw string) (string, bool) {
	if isFullDocument(raw) {
		return raw, false
	}
	return strings.Replace(fragmentWrapper, "%CONTENT%", raw, 1), true
}

// isFullDocument tokenizes just far enough to see whether the input carries
// its own <html> or <body> envelope
func isFullDocument(raw string) bool {
	z := html.NewTokenizer(strings.NewReader(raw))
	for i := 0; i < 32; i++ {
		switch z.Next() {
		case html.ErrorToken:
			return false
		case html.DoctypeToken:
			return true
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "html", "head", "body":
				return true
			}
			// first content tag without an envelope means fragment
			return false
		}
	}
	return false
}
