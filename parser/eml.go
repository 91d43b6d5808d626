package parser

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/poiesic/mailkb/core"
)

// EmlParser reads a single .eml file or a directory tree of them.
// Sub-directories become folder paths; files at the root land in DefaultFolder.
type EmlParser struct{}

// NewEmlParser creates an eml parser.
func NewEmlParser() *EmlParser {
	return &EmlParser{}
}

func (p *EmlParser) Format() core.Format {
	return core.FormatEML
}

func isEml(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".eml")
}

// Validate checks location is an .eml file or a directory holding at least one.
func (p *EmlParser) Validate(ctx context.Context, location string) error {
	const op = "validate eml"
	info, err := os.Stat(location)
	if err != nil {
		return core.E(core.KindValidationFailed, op, err)
	}
	if !info.IsDir() {
		if !isEml(location) {
			return core.E(core.KindValidationFailed, op, ErrNotEml)
		}
		return nil
	}

	found := false
	err = filepath.WalkDir(location, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && isEml(d.Name()) {
			found = true
			return fs.SkipAll
		}
		return ctx.Err()
	})
	if err != nil {
		return core.E(core.KindValidationFailed, op, err)
	}
	if !found {
		return core.E(core.KindValidationFailed, op, ErrNoEmlFiles)
	}
	return nil
}

type emlEntry struct {
	path   string
	folder string
	err    error
}

// Parse lists the .eml files in sorted order and streams them one at a time.
func (p *EmlParser) Parse(ctx context.Context, location string) (Stream, error) {
	info, err := os.Stat(location)
	if err != nil {
		return nil, core.E(core.KindValidationFailed, "open eml", err)
	}
	if !info.IsDir() {
		return &emlStream{entries: []emlEntry{{path: location, folder: DefaultFolder}}}, nil
	}

	var entries []emlEntry
	err = filepath.WalkDir(location, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// unreadable sub-trees become per-file failures
			entries = append(entries, emlEntry{path: path, err: err})
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !isEml(d.Name()) {
			return nil
		}
		entries = append(entries, emlEntry{path: path, folder: folderFor(location, path)})
		return ctx.Err()
	})
	if err != nil {
		return nil, core.E(core.KindInfrastructure, "list eml", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].path < entries[j].path })
	return &emlStream{entries: entries}, nil
}

func folderFor(root, path string) string {
	rel, err := filepath.Rel(root, filepath.Dir(path))
	if err != nil || rel == "." {
		return DefaultFolder
	}
	return "/" + filepath.ToSlash(rel)
}

type emlStream struct {
	entries []emlEntry
	next    int
}

func (s *emlStream) Next(ctx context.Context) (*Record, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if s.next >= len(s.entries) {
		return nil, io.EOF
	}
	pos := s.next
	entry := s.entries[pos]
	s.next++

	if entry.err != nil {
		return failed(pos, entry.path, entry.err), nil
	}
	raw, err := readAll(entry.path)
	if err != nil {
		return failed(pos, entry.path, err), nil
	}
	msg, attachments, err := DecodeMessage(raw, entry.folder)
	if err != nil {
		return failed(pos, entry.path, err), nil
	}
	return &Record{Position: pos, Label: entry.path, Message: msg, Attachments: attachments}, nil
}

func (s *emlStream) Close() error {
	s.entries = nil
	return nil
}
