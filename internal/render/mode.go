package render

import "regexp"

// Mode classification inspects the raw HTML before it ever reaches the
// browser, so the wait policy is fixed up front. Counting is intentionally
// approximate: an <img> tag or a CSS url() background in a string literal
// still counts, overcounting only costs a longer wait budget.
var (
	imgTagPattern  = regexp.MustCompile(`(?i)<img[\s>/]`)
	bgImagePattern = regexp.MustCompile(`(?i)background(?:-image)?\s*:\s*[^;}]*url\s*\(`)
)

// ClassifyMode selects the render mode from the HTML's image density:
// zero images renders ultrafast, one or two fast, three or more standard.
func ClassifyMode(html string) Mode {
	count := len(imgTagPattern.FindAllStringIndex(html, 3))
	if count < 3 {
		count += len(bgImagePattern.FindAllStringIndex(html, 3-count))
	}

	switch {
	case count == 0:
		return ModeUltrafast
	case count <= 2:
		return ModeFast
	default:
		return ModeStandard
	}
}
