package ingestion

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/poiesic/mailkb/core"
)

// Default chunking parameters, in bytes.
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 100
)

// Chunker splits text into bounded, overlapping spans.
// Splitting prefers paragraph boundaries, then sentence boundaries, and
// falls back to cutting on the last space inside the budget.
// The same input always yields the same chunks.
type Chunker struct {
	size    int
	overlap int
}

// NewChunker creates a Chunker producing chunks of at most size bytes,
// each starting with up to overlap bytes taken from the end of its predecessor.
func NewChunker(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, ErrInvalidChunkSize
	}
	if overlap < 0 || overlap >= size {
		return nil, ErrInvalidOverlap
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Size returns the chunk budget in bytes.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the overlap budget in bytes.
func (c *Chunker) Overlap() int { return c.overlap }

// Chunk splits text into chunks belonging to messageID.
// Empty or whitespace-only text yields no chunks.
func (c *Chunker) Chunk(messageID, text string) []core.Chunk {
	spans := c.Split(text)
	if len(spans) == 0 {
		return nil
	}
	chunks := make([]core.Chunk, len(spans))
	for i, span := range spans {
		chunks[i] = core.Chunk{
			ID:            core.ChunkID(messageID, i, span),
			MessageID:     messageID,
			SequenceIndex: i,
			Text:          span,
			TokenCount:    len(strings.Fields(span)),
		}
	}
	return chunks
}

// piece is an indivisible unit of packing plus the separator used to join
// it to the piece before it.
type piece struct {
	text string
	sep  string
}

// Split returns the raw chunk texts for text.
func (c *Chunker) Split(text string) []string {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
	if text == "" {
		return nil
	}

	// room left for the overlap prefix and its joining space
	budget := c.size - c.overlap

	var pieces []piece
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if len(para) <= budget {
			pieces = append(pieces, piece{text: para, sep: "\n\n"})
			continue
		}
		sep := "\n\n"
		for _, sentence := range splitSentences(para) {
			sentence = strings.TrimSpace(sentence)
			if sentence == "" {
				continue
			}
			for _, part := range hardSplit(sentence, budget) {
				pieces = append(pieces, piece{text: part, sep: sep})
				sep = " "
			}
		}
	}

	var spans []string
	var current strings.Builder
	for _, p := range pieces {
		if current.Len() > 0 && current.Len()+len(p.sep)+len(p.text) > budget {
			spans = append(spans, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString(p.sep)
		}
		current.WriteString(p.text)
	}
	if current.Len() > 0 {
		spans = append(spans, current.String())
	}

	return c.applyOverlap(spans)
}

func (c *Chunker) applyOverlap(spans []string) []string {
	if c.overlap <= 1 || len(spans) <= 1 {
		return spans
	}
	result := make([]string, len(spans))
	result[0] = spans[0]
	for i := 1; i < len(spans); i++ {
		tail := overlapTail(spans[i-1], c.overlap-1)
		if tail == "" {
			result[i] = spans[i]
			continue
		}
		result[i] = tail + " " + spans[i]
	}
	return result
}

// overlapTail returns at most n trailing bytes of s, starting on a word boundary.
func overlapTail(s string, n int) string {
	if len(s) <= n {
		return strings.TrimSpace(s)
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	tail := s[start:]
	// drop the partial word at the front
	if idx := strings.IndexFunc(tail, unicode.IsSpace); idx >= 0 {
		tail = tail[idx:]
	} else {
		return ""
	}
	return strings.TrimSpace(tail)
}

// hardSplit cuts s into parts of at most limit bytes, on the last space
// inside the limit when there is one.
func hardSplit(s string, limit int) []string {
	var parts []string
	for len(s) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if idx := strings.LastIndexFunc(s[:cut], unicode.IsSpace); idx > 0 {
			cut = idx
		}
		if cut == 0 {
			_, cut = utf8.DecodeRuneInString(s)
		}
		if part := strings.TrimSpace(s[:cut]); part != "" {
			parts = append(parts, part)
		}
		s = strings.TrimSpace(s[cut:])
	}
	if s != "" {
		parts = append(parts, s)
	}
	return parts
}

// splitSentences splits text after '.', '!' or '?' followed by whitespace.
// A terminator preceded by an upper case letter is taken as an abbreviation.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		current.WriteRune(r)

		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i+1 < len(runes) && !unicode.IsSpace(runes[i+1]) {
			continue
		}
		if i > 1 && unicode.IsUpper(runes[i-1]) {
			continue
		}
		sentences = append(sentences, current.String())
		current.Reset()
	}

	if current.Len() > 0 {
		sentences = append(sentences, current.String())
	}
	return sentences
}
