package opds

import (
	"bytes"
	"fmt"
	"strings"
)

// Version selects the parser used for a catalog document.
type Version int

const (
	VersionAuto Version = iota
	Version1
	Version2
)

func (v Version) String() string {
	switch v {
	case Version1:
		return "1"
	case Version2:
		return "2"
	}
	return "auto"
}

// ParseVersion accepts "auto", "1" or "2" (and the "opds1"/"opds2" spellings).
func ParseVersion(s string) (Version, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return VersionAuto, nil
	case "1", "opds1", "v1":
		return Version1, nil
	case "2", "opds2", "v2":
		return Version2, nil
	}
	return VersionAuto, fmt.Errorf("unknown OPDS version %q", s)
}

// DetectVersion picks the document version from its content type, falling
// back to the first non-space byte of the body.
func DetectVersion(contentType string, body []byte) Version {
	switch {
	case IsOPDS2Type(contentType):
		return Version2
	case IsOPDS1Type(contentType):
		return Version1
	}
	trimmed := bytes.TrimPrefix(body, []byte("\xef\xbb\xbf"))
	trimmed = bytes.TrimLeft(trimmed, " \t\r\n")
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return Version2
	}
	return Version1
}

// Parse normalizes body with the parser for v, detecting the version from
// contentType and the body when v is VersionAuto.
func Parse(body []byte, contentType, baseURL string, v Version) (*Feed, error) {
	if v == VersionAuto {
		v = DetectVersion(contentType, body)
	}
	if v == Version2 {
		return ParseOPDS2(body, baseURL)
	}
	return ParseOPDS1(body, baseURL)
}
