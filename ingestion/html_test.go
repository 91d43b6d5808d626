package ingestion

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/poiesic/mailkb/core"
)

func TestHTMLText(t *testing.T) {
	html := `<html><head><title>ignored</title><style>p { color: red }</style></head>
<body><script>alert("x")</script>
<p>Hello   <b>Bob</b>,</p>
<div>Line one<br>line two</div>
</body></html>`

	assert.Equal(t, "Hello Bob,\n\nLine one line two", HTMLText(html))
	assert.Empty(t, HTMLText("   "))
}

func TestMessageText(t *testing.T) {
	assert.Equal(t, "plain", MessageText(&core.Message{BodyText: "plain", BodyHTML: "<p>html</p>"}))
	assert.Equal(t, "html", MessageText(&core.Message{BodyHTML: "<p>html</p>"}))
	assert.Empty(t, MessageText(nil))
}
