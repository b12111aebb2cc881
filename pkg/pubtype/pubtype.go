// Package pubtype classifies catalog entries by their schema.org type.
package pubtype

import (
	"strings"
	"unicode"

	"github.com/shelfsync/opdsacq/pkg/opds"
)

// Option is a selectable publication type.
type Option struct {
	Key   string `json:"key" yaml:"key"`
	Label string `json:"label" yaml:"label"`
}

// Key maps a schema.org type (a URL, a prefixed name such as "schema:Book" or
// a bare name) to a lowercase hyphenated key: ImageObject becomes image-object.
func Key(schemaType string) string {
	s := strings.TrimSpace(schemaType)
	s = strings.TrimRight(s, "/#")
	if i := strings.LastIndexAny(s, "/#:"); i >= 0 {
		s = s[i+1:]
	}
	if s == "" {
		return ""
	}

	runes := []rune(s)
	var b strings.Builder
	lastHyphen := true
	for i, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
			continue
		}
		if unicode.IsUpper(r) && i > 0 && !lastHyphen {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				b.WriteByte('-')
			}
		}
		b.WriteRune(unicode.ToLower(r))
		lastHyphen = false
	}
	return strings.Trim(b.String(), "-")
}

// Label title-cases a key: image-object becomes "Image Object".
func Label(key string) string {
	parts := strings.Split(key, "-")
	for i, p := range parts {
		if p == "" {
			continue
		}
		r := []rune(p)
		r[0] = unicode.ToUpper(r[0])
		parts[i] = string(r)
	}
	return strings.Join(parts, " ")
}

// EntryKey returns the classification key of e, or "" when it has none.
func EntryKey(e opds.CatalogEntry) string {
	return Key(e.SchemaOrgType)
}

// AvailableTypes lists each distinct type among entries once, in the order
// first seen. Unclassified entries contribute nothing.
func AvailableTypes(entries []opds.CatalogEntry) []Option {
	opts := []Option{}
	seen := make(map[string]bool)
	for _, e := range entries {
		key := EntryKey(e)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		label := strings.TrimSpace(e.PublicationTypeLabel)
		if label == "" {
			label = Label(key)
		}
		opts = append(opts, Option{Key: key, Label: label})
	}
	return opts
}

// Filter returns the entries classified as key. An empty key returns every
// entry.
func Filter(entries []opds.CatalogEntry, key string) []opds.CatalogEntry {
	if key == "" {
		return entries
	}
	out := []opds.CatalogEntry{}
	for _, e := range entries {
		if EntryKey(e) == key {
			out = append(out, e)
		}
	}
	return out
}
