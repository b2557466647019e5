package markdown

import (
	"strings"

	"github.com/russross/blackfriday/v2"
)

// ToHTML converts markdown to HTML for the web pages
func ToHTML(markdown string) string {
	if markdown == "" {
		return ""
	}

	html := string(blackfriday.Run([]byte(markdown), blackfriday.WithExtensions(blackfriday.CommonExtensions)))

	return strings.TrimSpace(html)
}
