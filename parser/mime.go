package parser

import (
	"bytes"
	"net/mail"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"

	"github.com/poiesic/mailkb/core"
)

// DefaultFolder is used when the archive carries no folder structure.
const DefaultFolder = "/INBOX"

// headers kept out of Message.Headers because they describe MIME structure
var structuralHeaders = map[string]bool{
	"content-type":              true,
	"content-transfer-encoding": true,
	"content-disposition":       true,
	"mime-version":              true,
}

// unzoned date layouts tried after net/mail; parsed as UTC
var fallbackDateLayouts = []string{
	"Mon, 2 Jan 2006 15:04:05",
	"2 Jan 2006 15:04:05",
	"Mon, 2 Jan 2006 15:04",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// DecodeMessage decodes one RFC 2822 message with its MIME tree.
// The returned message has no ID, SourceID or JobID assigned.
func DecodeMessage(raw []byte, folder string) (*core.Message, []AttachmentData, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, core.E(core.KindParseError, "decode message", err)
	}

	if folder == "" {
		folder = DefaultFolder
	}
	msg := &core.Message{
		FolderPath: folder,
		MessageID:  strings.Trim(strings.TrimSpace(env.GetHeader("Message-ID")), "<>"),
		Subject:    strings.TrimSpace(env.GetHeader("Subject")),
		From:       strings.TrimSpace(env.GetHeader("From")),
		To:         addressList(env, "To"),
		Cc:         addressList(env, "Cc"),
		Bcc:        addressList(env, "Bcc"),
		Date:       parseDate(env.GetHeader("Date")),
		BodyText:   env.Text,
		BodyHTML:   env.HTML,
		Headers:    collectHeaders(env),
		RawSize:    int64(len(raw)),
	}
	if err := core.ValidateMessage(msg); err != nil {
		return nil, nil, err
	}
	msg.ContentHash = core.ContentHash(msg.From, msg.Subject, msg.BodyText)

	var attachments []AttachmentData
	for _, part := range env.Attachments {
		attachments = append(attachments, attachmentFromPart(part))
	}
	// inline parts with a filename are user visible files, e.g. pasted images
	for _, part := range env.Inlines {
		if part.FileName != "" {
			attachments = append(attachments, attachmentFromPart(part))
		}
	}
	return msg, attachments, nil
}

func attachmentFromPart(part *enmime.Part) AttachmentData {
	name := part.FileName
	if name == "" {
		name = "attachment"
	}
	ct := part.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	return AttachmentData{Filename: name, ContentType: ct, Content: part.Content}
}

func addressList(env *enmime.Envelope, header string) []string {
	addrs, err := env.AddressList(header)
	if err == nil {
		out := make([]string, 0, len(addrs))
		for _, a := range addrs {
			if a.Name != "" {
				out = append(out, a.Name+" <"+a.Address+">")
			} else {
				out = append(out, a.Address)
			}
		}
		return out
	}

	// malformed lists are kept verbatim, split on commas
	value := env.GetHeader(header)
	if strings.TrimSpace(value) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseDate returns the zero time when value cannot be parsed.
func parseDate(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	if t, err := mail.ParseDate(value); err == nil {
		return t.UTC()
	}
	for _, layout := range fallbackDateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func collectHeaders(env *enmime.Envelope) map[string]string {
	headers := make(map[string]string)
	for _, key := range env.GetHeaderKeys() {
		if structuralHeaders[strings.ToLower(key)] {
			continue
		}
		values := env.GetHeaderValues(key)
		if len(values) == 0 {
			continue
		}
		headers[key] = strings.Join(values, ", ")
	}
	return headers
}
