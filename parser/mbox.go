package parser

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/poiesic/mailkb/core"
)

var delimiterDateLayouts = []string{
	"Mon Jan 2 15:04:05 2006",
	"Mon Jan 2 15:04:05 MST 2006",
	"Mon Jan 2 15:04:05 -0700 2006",
	"Mon Jan 2 15:04 2006",
	"Mon, 2 Jan 2006 15:04:05 -0700",
}

// MboxParser reads mboxo/mboxrd files.
type MboxParser struct {
	// Folder assigned to every message; defaults to DefaultFolder.
	Folder string
}

// NewMboxParser creates an mbox parser.
func NewMboxParser() *MboxParser {
	return &MboxParser{Folder: DefaultFolder}
}

func (p *MboxParser) Format() core.Format {
	return core.FormatMBOX
}

// Validate checks the file exists and its first non-blank line is a "From " line.
func (p *MboxParser) Validate(ctx context.Context, location string) error {
	const op = "validate mbox"
	if _, err := statFile(op, location); err != nil {
		return err
	}
	f, err := os.Open(location)
	if err != nil {
		return core.E(core.KindValidationFailed, op, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if strings.TrimSpace(line) != "" {
			if isFromLine([]byte(line)) {
				return nil
			}
			return core.E(core.KindValidationFailed, op, ErrNotMbox)
		}
		if err != nil {
			// empty or whitespace-only file
			return core.E(core.KindValidationFailed, op, ErrNotMbox)
		}
	}
}

// Parse opens an mbox stream.
func (p *MboxParser) Parse(ctx context.Context, location string) (Stream, error) {
	f, err := os.Open(location)
	if err != nil {
		return nil, core.E(core.KindValidationFailed, "open mbox", err)
	}
	folder := p.Folder
	if folder == "" {
		folder = DefaultFolder
	}
	return &mboxStream{
		file:      f,
		reader:    bufio.NewReaderSize(f, 64*1024),
		folder:    folder,
		prevBlank: true,
	}, nil
}

type mboxStream struct {
	file   *os.File
	reader *bufio.Reader
	folder string

	line      int    // lines consumed so far
	prevBlank bool   // previous line was blank or start of file
	pending   []byte // delimiter line opening the next span
	pendingAt int
	started   bool
	eof       bool
	position  int
}

// Next returns the next message span as a record.
func (s *mboxStream) Next(ctx context.Context) (*Record, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	if !s.started {
		s.started = true
		preamble, err := s.readSpan()
		if err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(preamble)) > 0 {
			return s.emit(failed(s.position, "line 1", core.E(core.KindParseError, "read mbox", ErrMissingDelimiter))), nil
		}
	}

	if s.pending == nil {
		return nil, io.EOF
	}

	delim, delimAt := s.pending, s.pendingAt
	body, err := s.readSpan()
	if err != nil {
		return nil, err
	}
	label := fmt.Sprintf("line %d", delimAt)

	if !validDelimiter(delim) {
		// the span cannot be attributed to any message; report it whole
		return s.emit(failed(s.position, label,
			core.Errorf(core.KindParseError, "read mbox", "%v at %s: %q", ErrMalformedDelimiter, label, trimEOL(delim)))), nil
	}

	raw := unescapeFrom(trimSeparator(body))
	msg, attachments, err := DecodeMessage(raw, s.folder)
	if err != nil {
		return s.emit(failed(s.position, label, err)), nil
	}
	return s.emit(&Record{Position: s.position, Label: label, Message: msg, Attachments: attachments}), nil
}

func (s *mboxStream) emit(r *Record) *Record {
	s.position++
	return r
}

// readSpan consumes lines up to the next delimiter, which becomes pending.
func (s *mboxStream) readSpan() ([]byte, error) {
	s.pending = nil
	if s.eof {
		return nil, nil
	}
	var buf bytes.Buffer
	for {
		line, err := s.reader.ReadBytes('\n')
		if len(line) > 0 {
			s.line++
			if s.prevBlank && isFromLine(line) {
				s.pending = line
				s.pendingAt = s.line
				s.prevBlank = false
				return buf.Bytes(), nil
			}
			s.prevBlank = len(bytes.TrimSpace(line)) == 0
			buf.Write(line)
		}
		if errors.Is(err, io.EOF) {
			s.eof = true
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, core.E(core.KindInfrastructure, "read mbox", err)
		}
	}
}

func (s *mboxStream) Close() error {
	return s.file.Close()
}

func isFromLine(line []byte) bool {
	return bytes.HasPrefix(line, []byte("From "))
}

// validDelimiter accepts "From <sender> <asctime date>".
func validDelimiter(line []byte) bool {
	fields := strings.Fields(string(trimEOL(line)))
	if len(fields) < 3 || fields[0] != "From" {
		return false
	}
	date := strings.Join(fields[2:], " ")
	for _, layout := range delimiterDateLayouts {
		if _, err := time.Parse(layout, date); err == nil {
			return true
		}
	}
	return false
}

func trimEOL(line []byte) []byte {
	return bytes.TrimRight(line, "\r\n")
}

// trimSeparator drops the blank line written before the next delimiter.
func trimSeparator(body []byte) []byte {
	switch {
	case bytes.HasSuffix(body, []byte("\r\n\r\n")):
		return body[:len(body)-2]
	case bytes.HasSuffix(body, []byte("\n\n")):
		return body[:len(body)-1]
	}
	return body
}

// unescapeFrom reverses mboxrd quoting: ">From " becomes "From " and
// ">>From " becomes ">From ".
func unescapeFrom(body []byte) []byte {
	if !bytes.Contains(body, []byte(">From ")) {
		return body
	}
	lines := bytes.SplitAfter(body, []byte("\n"))
	for i, line := range lines {
		trimmed := bytes.TrimLeft(line, ">")
		if len(trimmed) < len(line) && bytes.HasPrefix(trimmed, []byte("From ")) {
			lines[i] = line[1:]
		}
	}
	return bytes.Join(lines, nil)
}
