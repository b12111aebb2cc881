package opds

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const maxSnippet = 160

// FeedParseError reports a catalog document that could not be parsed.
type FeedParseError struct {
	Format  string
	Snippet string
	Err     error
}

func (e *FeedParseError) Error() string {
	return fmt.Sprintf("parse %s feed: %v (near %q)", e.Format, e.Err, e.Snippet)
}

func (e *FeedParseError) Unwrap() error {
	return e.Err
}

// IsFeedParseError reports whether err wraps a FeedParseError.
func IsFeedParseError(err error) bool {
	var pe *FeedParseError
	return errors.As(err, &pe)
}

func newParseError(format string, data []byte, err error) *FeedParseError {
	return &FeedParseError{Format: format, Snippet: snippetFor(data, err), Err: err}
}

// snippetFor returns the line an XML syntax error points at, or the start of
// the document otherwise.
func snippetFor(data []byte, err error) string {
	text := string(data)
	var se *xml.SyntaxError
	if errors.As(err, &se) && se.Line > 0 {
		lines := strings.Split(text, "\n")
		if se.Line <= len(lines) {
			text = lines[se.Line-1]
		}
	}
	return truncate(strings.TrimSpace(text), maxSnippet)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
