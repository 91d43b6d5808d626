package parser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poiesic/mailkb/core"
)

func drain(t *testing.T, s Stream) []*Record {
	t.Helper()
	var records []*Record
	for {
		rec, err := s.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return records
		}
		require.NoError(t, err)
		records = append(records, rec)
	}
}

func TestMbox_ValidAndMalformed(t *testing.T) {
	path := writeMbox(t, 10, 5)
	p := NewMboxParser()
	require.NoError(t, p.Validate(context.Background(), path))

	stream, err := p.Parse(context.Background(), path)
	require.NoError(t, err)
	defer stream.Close()

	records := drain(t, stream)
	require.Len(t, records, 11)

	var ok, bad int
	for i, rec := range records {
		assert.Equal(t, i, rec.Position)
		if rec.Failed() {
			bad++
			assert.ErrorIs(t, rec.Err, core.ErrParse)
			assert.Contains(t, rec.Err.Error(), ErrMalformedDelimiter.Error())
			continue
		}
		ok++
		assert.Equal(t, DefaultFolder, rec.Message.FolderPath)
	}
	assert.Equal(t, 10, ok)
	assert.Equal(t, 1, bad)

	// every valid message survives in order around the malformed span
	assert.Equal(t, "Message 0", records[0].Message.Subject)
	assert.True(t, records[5].Failed())
	assert.Equal(t, "Message 5", records[6].Message.Subject)
	assert.Equal(t, "Message 9", records[10].Message.Subject)
}

func TestMbox_Empty(t *testing.T) {
	path := writeMbox(t, 0, -1)
	err := NewMboxParser().Validate(context.Background(), path)
	assert.ErrorIs(t, err, ErrNotMbox)
	assert.Equal(t, core.KindValidationFailed, core.KindOf(err))
}

func TestMbox_Validate(t *testing.T) {
	dir := t.TempDir()
	p := NewMboxParser()

	notMbox := writeFile(t, dir, "notes.txt", "Dear diary\n")
	assert.ErrorIs(t, p.Validate(context.Background(), notMbox), ErrNotMbox)

	err := p.Validate(context.Background(), dir+"/missing.mbox")
	assert.Equal(t, core.KindValidationFailed, core.KindOf(err))

	err = p.Validate(context.Background(), dir)
	assert.Equal(t, core.KindValidationFailed, core.KindOf(err), "directories are rejected")

	leadingBlank := writeFile(t, dir, "blank.mbox", "\n\n"+mboxEntry(testMessage(1)))
	assert.NoError(t, p.Validate(context.Background(), leadingBlank))
}

func TestMbox_UnescapesFromLines(t *testing.T) {
	msg := "From: a@example.com\nSubject: quoting\n\nfirst line\n>From the start\n>>From nested\n"
	path := writeFile(t, t.TempDir(), "quoted.mbox", mboxEntry(msg))

	stream, err := NewMboxParser().Parse(context.Background(), path)
	require.NoError(t, err)
	defer stream.Close()

	records := drain(t, stream)
	require.Len(t, records, 1)
	require.False(t, records[0].Failed())
	assert.Contains(t, records[0].Message.BodyText, "\nFrom the start")
	assert.Contains(t, records[0].Message.BodyText, "\n>From nested")
}

func TestMbox_Preamble(t *testing.T) {
	content := "stray bytes before the first message\n\n" + mboxEntry(testMessage(1))
	path := writeFile(t, t.TempDir(), "junk.mbox", content)

	stream, err := NewMboxParser().Parse(context.Background(), path)
	require.NoError(t, err)
	defer stream.Close()

	records := drain(t, stream)
	require.Len(t, records, 2)
	assert.ErrorIs(t, records[0].Err, ErrMissingDelimiter)
	assert.Equal(t, "Message 1", records[1].Message.Subject)
}

func TestMbox_CancelledContext(t *testing.T) {
	path := writeMbox(t, 3, -1)
	stream, err := NewMboxParser().Parse(context.Background(), path)
	require.NoError(t, err)
	defer stream.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = stream.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestValidDelimiter(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"From alice@example.com Mon Jan  1 10:00:00 2024\n", true},
		{"From - Tue Feb 13 08:30:00 2024\r\n", true},
		{"From 1789@xxx Mon Jan 01 00:00:00 +0000 2024\n", true},
		{"From alice@example.com\n", false},
		{"From someone yesterday\n", false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.line), func(t *testing.T) {
			assert.Equal(t, tt.want, validDelimiter([]byte(tt.line)))
		})
	}
}
