package parser

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poiesic/mailkb/core"
)

func TestEml_DirectoryTree(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.eml", testMessage(1))
	writeFile(t, root, "Projects/b.eml", testMessage(2))
	writeFile(t, root, "Projects/2024/c.EML", testMessage(3))
	writeFile(t, root, "Projects/readme.txt", "not mail")
	writeFile(t, root, "z-broken.eml", "\r\n\r\nno headers here\r\n")

	p := NewEmlParser()
	require.NoError(t, p.Validate(context.Background(), root))

	stream, err := p.Parse(context.Background(), root)
	require.NoError(t, err)
	defer stream.Close()

	records := drain(t, stream)
	require.Len(t, records, 4)

	// sorted by path: Projects/2024/c.EML, Projects/b.eml, a.eml, z-broken.eml
	assert.Equal(t, "/Projects/2024", records[0].Message.FolderPath)
	assert.Equal(t, "Message 3", records[0].Message.Subject)
	assert.Equal(t, "/Projects", records[1].Message.FolderPath)
	assert.Equal(t, DefaultFolder, records[2].Message.FolderPath)

	assert.True(t, records[3].Failed())
	assert.Equal(t, filepath.Join(root, "z-broken.eml"), records[3].Label)
	assert.ErrorIs(t, records[3].Err, core.ErrMissingHeaders)
}

func TestEml_SingleFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "one.eml", testMessage(7))
	p := NewEmlParser()
	require.NoError(t, p.Validate(context.Background(), path))

	stream, err := p.Parse(context.Background(), path)
	require.NoError(t, err)
	defer stream.Close()

	records := drain(t, stream)
	require.Len(t, records, 1)
	assert.Equal(t, "msg-7@example.com", records[0].Message.MessageID)
}

func TestEml_Validate(t *testing.T) {
	dir := t.TempDir()
	p := NewEmlParser()

	assert.ErrorIs(t, p.Validate(context.Background(), dir), ErrNoEmlFiles)

	txt := writeFile(t, dir, "note.txt", testMessage(1))
	assert.ErrorIs(t, p.Validate(context.Background(), txt), ErrNotEml)

	err := p.Validate(context.Background(), filepath.Join(dir, "absent"))
	assert.Equal(t, core.KindValidationFailed, core.KindOf(err))
}
