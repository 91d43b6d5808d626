package blob

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poiesic/mailkb/storage"
)

func TestSaveOpenDelete(t *testing.T) {
	store, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	ref, size, err := store.Save(ctx, "Report.PDF", strings.NewReader("%PDF-1.4"))
	require.NoError(t, err)
	assert.Equal(t, int64(8), size)
	assert.True(t, strings.HasSuffix(ref, ".pdf"))

	// <2ch>/<uuid><ext>
	parts := strings.Split(ref, "/")
	require.Len(t, parts, 2)
	assert.Equal(t, parts[0], parts[1][:2])

	rc, err := store.Open(ctx, ref)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4", string(data))

	require.NoError(t, store.Delete(ctx, ref))
	_, err = store.Open(ctx, ref)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// deleting twice is fine
	assert.NoError(t, store.Delete(ctx, ref))
}

func TestExtension(t *testing.T) {
	tests := []struct {
		filename string
		want     string
	}{
		{"a.txt", ".txt"},
		{"archive.MBOX", ".mbox"},
		{"virus.exe", ".bin"},
		{"noext", ""},
		{"weird.ext with spaces", ""},
		{"../../etc/passwd", ""},
	}
	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			assert.Equal(t, tt.want, Extension(tt.filename))
		})
	}
	assert.True(t, IsBlocked("setup.EXE"))
	assert.False(t, IsBlocked("notes.txt"))
}

func TestPath_Traversal(t *testing.T) {
	store, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)

	for _, ref := range []string{"../etc/passwd", "../../etc/passwd", "subdir/../../../etc/passwd", "/etc/passwd", `..\..\windows`, "."} {
		t.Run(ref, func(t *testing.T) {
			_, err := store.Path(ref)
			assert.ErrorIs(t, err, storage.ErrPathTraversal)
		})
	}

	p, err := store.Path("ab/ab123456.pdf")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(store.Root(), "ab", "ab123456.pdf"), p)
}

func TestSave_MaxSize(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStorage(dir, WithMaxSize(4))
	require.NoError(t, err)

	_, _, err = store.Save(context.Background(), "big.bin", bytes.NewReader(make([]byte, 5)))
	assert.ErrorIs(t, err, storage.ErrFileTooLarge)

	// the partial file is removed
	var files int
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			files++
		}
		return nil
	})
	assert.Zero(t, files)

	_, size, err := store.Save(context.Background(), "ok.bin", bytes.NewReader(make([]byte, 4)))
	require.NoError(t, err)
	assert.Equal(t, int64(4), size)
}

func TestSave_CancelledContext(t *testing.T) {
	store, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = store.Save(ctx, "a.txt", strings.NewReader("data"))
	assert.ErrorIs(t, err, context.Canceled)
}
