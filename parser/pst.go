package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"os"
	"strings"
	"time"

	"github.com/poiesic/mailkb/core"
)

// pstMagic is the signature of Outlook personal folder files.
var pstMagic = []byte("!BDN")

// PSTBackend opens PST files. Implementations wrap a native PST library and
// are registered at startup with WithPST.
type PSTBackend interface {
	Open(ctx context.Context, path string) (PSTStore, error)
}

// PSTStore iterates the message items of an opened PST file.
type PSTStore interface {
	// Next returns the next item, or io.EOF when every folder was visited.
	Next(ctx context.Context) (*PSTItem, error)
	Close() error
}

// PSTItem is one message item read from a PST folder.
type PSTItem struct {
	ID         string
	FolderPath string
	Subject    string
	From       string
	To         []string
	Cc         []string
	Date       time.Time
	Body       string
	HTMLBody   string

	Attachments []AttachmentData

	// Partial is set when the backend could not decode part of the item.
	Partial bool
	Err     error
}

// PSTParser adapts a PSTBackend to the Parser interface.
type PSTParser struct {
	backend PSTBackend
}

// NewPSTParser creates a PST parser over backend.
func NewPSTParser(backend PSTBackend) *PSTParser {
	return &PSTParser{backend: backend}
}

func (p *PSTParser) Format() core.Format {
	return core.FormatPST
}

// Validate checks the file exists and starts with the PST signature.
func (p *PSTParser) Validate(ctx context.Context, location string) error {
	const op = "validate pst"
	if _, err := statFile(op, location); err != nil {
		return err
	}
	f, err := os.Open(location)
	if err != nil {
		return core.E(core.KindValidationFailed, op, err)
	}
	defer f.Close()

	head := make([]byte, len(pstMagic))
	if _, err := io.ReadFull(f, head); err != nil || !bytes.Equal(head, pstMagic) {
		return core.E(core.KindValidationFailed, op, ErrNotPST)
	}
	return nil
}

func (p *PSTParser) Parse(ctx context.Context, location string) (Stream, error) {
	store, err := p.backend.Open(ctx, location)
	if err != nil {
		return nil, core.E(core.KindValidationFailed, "open pst", err)
	}
	return &pstStream{store: store}, nil
}

type pstStream struct {
	store    PSTStore
	position int
}

func (s *pstStream) Next(ctx context.Context) (*Record, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	item, err := s.store.Next(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, core.E(core.KindInfrastructure, "read pst", err)
	}

	pos := s.position
	s.position++
	label := fmt.Sprintf("pst item %s", item.ID)
	if item.Err != nil {
		return failed(pos, label, item.Err), nil
	}

	folder := item.FolderPath
	if folder == "" {
		folder = DefaultFolder
	}
	msg, _, err := DecodeMessage(synthesizeRFC2822(item), folder)
	if err != nil {
		return failed(pos, label, err), nil
	}
	msg.Degraded = item.Partial
	for _, a := range item.Attachments {
		if a.Content == nil {
			msg.Degraded = true
		}
	}
	return &Record{Position: pos, Label: label, Message: msg, Attachments: item.Attachments}, nil
}

func (s *pstStream) Close() error {
	return s.store.Close()
}

// headerBreaks flattens line breaks so backend values cannot start new headers.
var headerBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

// synthesizeRFC2822 renders a PST item as a message so it goes through the
// same decoding path as MBOX and EML input. Items carrying both bodies
// become multipart/alternative.
func synthesizeRFC2822(item *PSTItem) []byte {
	var b bytes.Buffer
	header := func(name, value string) {
		value = strings.TrimSpace(headerBreaks.Replace(value))
		if value != "" {
			fmt.Fprintf(&b, "%s: %s\r\n", name, value)
		}
	}
	header("Message-ID", fmt.Sprintf("<pst-%s@local>", item.ID))
	header("From", item.From)
	header("To", strings.Join(item.To, ", "))
	header("Cc", strings.Join(item.Cc, ", "))
	header("Subject", mime.QEncoding.Encode("utf-8", headerBreaks.Replace(item.Subject)))
	if !item.Date.IsZero() {
		header("Date", item.Date.UTC().Format(time.RFC1123Z))
	}
	header("MIME-Version", "1.0")

	if item.Body != "" && item.HTMLBody != "" {
		var parts bytes.Buffer
		mw := multipart.NewWriter(&parts)
		writeTextPart(mw, "text/plain", item.Body)
		writeTextPart(mw, "text/html", item.HTMLBody)
		mw.Close()
		header("Content-Type", "multipart/alternative; boundary="+mw.Boundary())
		b.WriteString("\r\n")
		b.Write(parts.Bytes())
		return b.Bytes()
	}

	body, ctype := item.Body, "text/plain"
	if body == "" && item.HTMLBody != "" {
		body, ctype = item.HTMLBody, "text/html"
	}
	header("Content-Type", ctype+"; charset=utf-8")
	header("Content-Transfer-Encoding", "8bit")
	b.WriteString("\r\n")
	b.WriteString(body)
	return b.Bytes()
}

// writeTextPart cannot fail: mw writes to a bytes.Buffer.
func writeTextPart(mw *multipart.Writer, ctype, body string) {
	w, _ := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {ctype + "; charset=utf-8"},
		"Content-Transfer-Encoding": {"8bit"},
	})
	io.WriteString(w, body)
}
