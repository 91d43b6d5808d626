package parser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/poiesic/mailkb/core"
)

// PSTRemediation is shown whenever PST support is unavailable.
const PSTRemediation = "PST support is not installed in this deployment; convert the archive first, " +
	"e.g. `readpst -o /uploads/export/ /uploads/mailbox.pst`, then register the resulting MBOX as a new source"

// Parser validates and streams one archive format.
type Parser interface {
	// Format is the archive format handled by this parser.
	Format() core.Format

	// Validate performs a cheap structural check of location without parsing it.
	Validate(ctx context.Context, location string) error

	// Parse opens location and returns a stream positioned before the first message.
	Parse(ctx context.Context, location string) (Stream, error)
}

// Stream is a lazy, forward-only sequence of records.
// Restarting requires a new call to Parse.
type Stream interface {
	// Next returns the next record, or io.EOF once the archive is exhausted.
	// Any other error means the stream itself broke and cannot continue.
	Next(ctx context.Context) (*Record, error)

	Close() error
}

// AttachmentData is an attachment body extracted by a parser.
// Content is nil when the capability could not recover the body.
type AttachmentData struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Record is one entry of a Stream: either a decoded message or a failure.
type Record struct {
	// Position is the 0-based ordinal of the record in its stream.
	Position    int
	Label       string // file path or line number, for diagnostics
	Message     *core.Message
	Attachments []AttachmentData
	Err         error
}

// Failed reports whether the record carries a message-level failure.
func (r *Record) Failed() bool {
	return r.Err != nil
}

// Set is the capability registration table mapping formats to parsers.
type Set struct {
	parsers map[core.Format]Parser
}

// Option configures a Set.
type Option func(*Set)

// WithPST registers the PST capability backed by backend.
func WithPST(backend PSTBackend) Option {
	return func(s *Set) {
		if backend != nil {
			s.parsers[core.FormatPST] = NewPSTParser(backend)
		}
	}
}

// WithParser registers or replaces the parser for p.Format().
func WithParser(p Parser) Option {
	return func(s *Set) {
		s.parsers[p.Format()] = p
	}
}

// NewSet builds the parser table. MBOX and EML are always present.
func NewSet(opts ...Option) *Set {
	s := &Set{parsers: map[core.Format]Parser{
		core.FormatMBOX: NewMboxParser(),
		core.FormatEML:  NewEmlParser(),
	}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Lookup returns the parser for format.
// Fails with InvalidFormat for unknown formats and MissingCapability when
// the format is known but not available in this deployment.
func (s *Set) Lookup(format core.Format) (Parser, error) {
	if _, err := core.ParseFormat(string(format)); err != nil {
		return nil, err
	}
	p, ok := s.parsers[format]
	if !ok {
		err := core.Errorf(core.KindMissingCapability, "lookup parser", "no %s parser available", format)
		if format == core.FormatPST {
			err = err.WithHint(PSTRemediation)
		}
		return nil, err
	}
	return p, nil
}

// Capabilities lists the formats this deployment can parse, sorted.
func (s *Set) Capabilities() []core.Format {
	formats := make([]core.Format, 0, len(s.parsers))
	for f := range s.parsers {
		formats = append(formats, f)
	}
	slices.Sort(formats)
	return formats
}

// Validate looks up the parser for format and validates location with it.
func (s *Set) Validate(ctx context.Context, format core.Format, location string) error {
	p, err := s.Lookup(format)
	if err != nil {
		return err
	}
	return p.Validate(ctx, location)
}

// statFile checks location is an existing regular file.
func statFile(op, location string) (os.FileInfo, error) {
	info, err := os.Stat(location)
	if err != nil {
		return nil, core.E(core.KindValidationFailed, op, err)
	}
	if !info.Mode().IsRegular() {
		return nil, core.Errorf(core.KindValidationFailed, op, "%s is not a regular file", location)
	}
	return info, nil
}

// failed builds a failed record with a parse error kind.
func failed(position int, label string, err error) *Record {
	var ce *core.Error
	if !errors.As(err, &ce) {
		err = core.E(core.KindParseError, label, err)
	}
	return &Record{Position: position, Label: label, Err: err}
}

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// readAll reads a file fully; used for single message files only.
func readAll(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
