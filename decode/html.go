package decode

import (
	"html"
	"regexp"
	"strings"
)

var (
	reScriptStyle = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	reLineBreak   = regexp.MustCompile(`(?i)<br\s*/?>|</(p|div|tr|li|h[1-6])>`)
	reTag         = regexp.MustCompile(`(?s)<[^>]*>`)
	reBlankRuns   = regexp.MustCompile(`\n{3,}`)
	reSpaceRuns   = regexp.MustCompile(`[ \t]{2,}`)
)

// stripHTML reduces an HTML body to readable plain text. Used only when a
// message carries no text/plain alternative, so fidelity matters less than
// never losing the content entirely.
func stripHTML(s string) string {
	s = reScriptStyle.ReplaceAllString(s, "")
	s = reLineBreak.ReplaceAllString(s, "\n")
	s = reTag.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = reSpaceRuns.ReplaceAllString(s, " ")
	s = reBlankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
