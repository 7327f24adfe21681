package matrix

import (
	"bytes"
	"html"
	"regexp"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

var (
	markdown = goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
	)
	replyFallback = regexp.MustCompile(`(?s)<mx-reply>.*?</mx-reply>`)
)

// renderHTML converts outgoing markdown to a formatted_body. It returns ""
// when the markup adds nothing over the plain body.
func renderHTML(text string) string {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return ""
	}
	out := strings.TrimSpace(buf.String())
	if out == "<p>"+html.EscapeString(text)+"</p>" {
		return ""
	}
	return out
}

// toMarkdown converts an inbound formatted_body to markdown, dropping the
// reply fallback quote.
func toMarkdown(formatted string) (string, error) {
	formatted = replyFallback.ReplaceAllString(formatted, "")
	md, err := htmltomarkdown.ConvertString(formatted)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(md), nil
}

// stripPlainFallback drops the "> " quote lines a reply's plain body starts
// with.
func stripPlainFallback(body string) string {
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], ">") {
		i++
	}
	if i == 0 {
		return body
	}
	return strings.TrimSpace(strings.Join(lines[i:], "\n"))
}
