package parser

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func testMessage(n int) string {
	return fmt.Sprintf("From: Sender %d <sender%d@example.com>\n"+
		"To: Recipient <rcpt@example.com>\n"+
		"Subject: Message %d\n"+
		"Date: Mon, 01 Jan 2024 10:%02d:00 +0000\n"+
		"Message-ID: <msg-%d@example.com>\n"+
		"\n"+
		"Body of message %d.\n", n, n, n, n, n, n)
}

func mboxEntry(message string) string {
	return "From sender@example.com Mon Jan  1 10:00:00 2024\n" + message + "\n"
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// writeMbox writes count messages, replacing the one at malformedAt with a
// span whose delimiter cannot be parsed. A negative malformedAt writes none.
func writeMbox(t *testing.T, count, malformedAt int) string {
	t.Helper()
	var b strings.Builder
	for i := 0; i < count; i++ {
		if i == malformedAt {
			b.WriteString("From this-line-has-no-date\nSubject: lost\n\norphaned body\n\n")
		}
		b.WriteString(mboxEntry(testMessage(i)))
	}
	return writeFile(t, t.TempDir(), "archive.mbox", b.String())
}
