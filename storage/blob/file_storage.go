// Package blob stores attachment and upload bodies on the local filesystem.
//
// Blobs are written under <root>/<first two chars of a UUID>/<uuid><ext>.
// References are the path relative to the root and are validated against
// traversal on every read.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/poiesic/mailkb/storage"
)

// BlockedExtensions are stored with a neutral .bin extension so nothing
// under the blob root is directly executable.
var BlockedExtensions = map[string]bool{
	".exe": true, ".bat": true, ".cmd": true, ".com": true,
	".pif": true, ".scr": true, ".vbs": true, ".js": true,
	".jar": true, ".ps1": true, ".sh": true, ".bash": true,
	".msi": true, ".dll": true, ".sys": true,
}

var cleanExt = regexp.MustCompile(`^\.[A-Za-z0-9]{1,10}$`)

// FileStorage implements storage.BlobStore using the local filesystem.
type FileStorage struct {
	basePath string
	maxSize  int64
}

var _ storage.BlobStore = (*FileStorage)(nil)

// Option configures a FileStorage.
type Option func(*FileStorage)

// WithMaxSize rejects blobs larger than n bytes. Zero means unlimited.
func WithMaxSize(n int64) Option {
	return func(s *FileStorage) {
		s.maxSize = n
	}
}

// NewFileStorage creates the base directory if needed.
func NewFileStorage(basePath string, opts ...Option) (*FileStorage, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("invalid base path: %w", err)
	}
	s := &FileStorage{basePath: abs}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the absolute base directory.
func (s *FileStorage) Root() string {
	return s.basePath
}

// Extension returns the extension a blob for filename is stored with.
func Extension(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if !cleanExt.MatchString(ext) {
		return ""
	}
	if BlockedExtensions[ext] {
		return ".bin"
	}
	return ext
}

// IsBlocked reports whether filename has an executable extension.
func IsBlocked(filename string) bool {
	return BlockedExtensions[strings.ToLower(filepath.Ext(filename))]
}

// Save stores content under a generated name and returns the relative reference.
func (s *FileStorage) Save(ctx context.Context, filename string, content io.Reader) (string, int64, error) {
	uniqueName := uuid.NewString() + Extension(filename)

	// first 2 chars of the UUID spread files over 256 directories
	subDir := uniqueName[:2]
	if err := os.MkdirAll(filepath.Join(s.basePath, subDir), 0o755); err != nil {
		return "", 0, fmt.Errorf("failed to create subdirectory: %w", err)
	}

	ref := filepath.Join(subDir, uniqueName)
	fullPath := filepath.Join(s.basePath, ref)
	file, err := os.Create(fullPath)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	reader := content
	if s.maxSize > 0 {
		reader = io.LimitReader(content, s.maxSize+1)
	}
	size, err := io.Copy(file, &contextReader{ctx: ctx, r: reader})
	if err == nil && s.maxSize > 0 && size > s.maxSize {
		err = storage.ErrFileTooLarge
	}
	if err != nil {
		// Clean up on error
		os.Remove(fullPath)
		if errors.Is(err, storage.ErrFileTooLarge) {
			return "", 0, err
		}
		return "", 0, fmt.Errorf("failed to write file: %w", err)
	}
	return filepath.ToSlash(ref), size, nil
}

// Path validates ref and returns its absolute path.
func (s *FileStorage) Path(ref string) (string, error) {
	cleanPath := filepath.Clean(filepath.FromSlash(ref))
	if filepath.IsAbs(cleanPath) || strings.Contains(cleanPath, "..") || strings.Contains(ref, `\`) {
		return "", storage.ErrPathTraversal
	}

	absPath := filepath.Join(s.basePath, cleanPath)
	if !strings.HasPrefix(absPath, s.basePath+string(filepath.Separator)) {
		return "", storage.ErrPathTraversal
	}
	return absPath, nil
}

// Open retrieves a blob by its reference.
func (s *FileStorage) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	fullPath, err := s.Path(ref)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

// Delete removes a blob by its reference.
func (s *FileStorage) Delete(ctx context.Context, ref string) error {
	fullPath, err := s.Path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
