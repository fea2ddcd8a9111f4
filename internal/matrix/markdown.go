// ABOUTME: Markdown to HTML rendering for Matrix formatted_body
// ABOUTME: Plain text that renders to a single bare paragraph is sent without HTML

package matrix

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// htmlEscaper mirrors the escaping goldmark applies to paragraph text.
var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

// renderMarkdown converts agent output to HTML. ok is false when the text
// has no formatting worth sending or rendering failed.
func renderMarkdown(text string) (string, bool) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf); err != nil {
		return "", false
	}
	rendered := strings.TrimSpace(buf.String())
	if rendered == "" || rendered == "<p>"+htmlEscaper.Replace(text)+"</p>" {
		return "", false
	}
	return rendered, true
}
