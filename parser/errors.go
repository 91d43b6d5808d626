package parser

import "errors"

var (
	// ErrMalformedDelimiter indicates an mbox "From " boundary line that cannot be parsed.
	ErrMalformedDelimiter = errors.New("malformed mbox delimiter")

	// ErrMissingDelimiter indicates mbox content before the first "From " line.
	ErrMissingDelimiter = errors.New("content before first mbox delimiter")

	// ErrNotMbox indicates the file does not start with an mbox delimiter.
	ErrNotMbox = errors.New("not an mbox file")

	// ErrNoEmlFiles indicates a directory without any .eml file.
	ErrNoEmlFiles = errors.New("no .eml files found")

	// ErrNotEml indicates a single file without the .eml extension.
	ErrNotEml = errors.New("not an .eml file")

	// ErrNotPST indicates the file lacks the PST signature.
	ErrNotPST = errors.New("not a PST file")
)
