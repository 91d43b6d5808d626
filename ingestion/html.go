package ingestion

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/poiesic/mailkb/core"
)

const blockElements = "p, div, li, tr, blockquote, pre, table, h1, h2, h3, h4, h5, h6"

var paragraphBreak = regexp.MustCompile(`\n\s*\n`)

// HTMLText renders an HTML body as plain text.
// Script and style content is removed, block elements become paragraph
// breaks and runs of whitespace inside a paragraph collapse to one space.
func HTMLText(html string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	doc.Find("script, style, noscript, head").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find(blockElements).AfterHtml("\n\n")

	var paragraphs []string
	for _, para := range paragraphBreak.Split(doc.Text(), -1) {
		if collapsed := strings.Join(strings.Fields(para), " "); collapsed != "" {
			paragraphs = append(paragraphs, collapsed)
		}
	}
	return strings.Join(paragraphs, "\n\n")
}

// MessageText returns the text used to embed msg: the plain body when
// present, otherwise the rendered HTML body.
func MessageText(msg *core.Message) string {
	if msg == nil {
		return ""
	}
	if strings.TrimSpace(msg.BodyText) != "" {
		return msg.BodyText
	}
	return HTMLText(msg.BodyHTML)
}
