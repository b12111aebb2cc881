package pubtype

import (
	"bytes"
	"encoding/json"
	"reflect"
	"testing"

	"github.com/shelfsync/opdsacq/pkg/opds"
)

func TestKey(t *testing.T) {
	tests := map[string]string{
		"https://schema.org/Book":        "book",
		"http://schema.org/Audiobook":    "audiobook",
		"https://schema.org/ImageObject": "image-object",
		"http://schema.org/EBook":        "e-book",
		"schema:Periodical":              "periodical",
		"http://schema.org/#MusicAlbum":  "music-album",
		"https://schema.org/Book/":       "book",
		"PDFDocument":                    "pdf-document",
		"":                               "",
		"  ":                             "",
	}
	for in, want := range tests {
		if got := Key(in); got != want {
			t.Errorf("Key(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLabel(t *testing.T) {
	if got := Label("image-object"); got != "Image Object" {
		t.Errorf("Label = %q", got)
	}
	if got := Label("book"); got != "Book" {
		t.Errorf("Label = %q", got)
	}
}

func entries() []opds.CatalogEntry {
	return []opds.CatalogEntry{
		{Title: "A", SchemaOrgType: "https://schema.org/Book"},
		{Title: "B", SchemaOrgType: "https://schema.org/Audiobook", PublicationTypeLabel: "Audio book"},
		{Title: "C"},
		{Title: "D", SchemaOrgType: "https://schema.org/ImageObject"},
		{Title: "E", SchemaOrgType: "http://schema.org/Audiobook"},
		{Title: "F", SchemaOrgType: "https://schema.org/Book"},
	}
}

func TestAvailableTypes(t *testing.T) {
	got := AvailableTypes(entries())
	want := []Option{
		{Key: "book", Label: "Book"},
		{Key: "audiobook", Label: "Audio book"},
		{Key: "image-object", Label: "Image Object"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("AvailableTypes = %+v, want %+v", got, want)
	}

	if got := AvailableTypes(nil); len(got) != 0 {
		t.Errorf("expected no options, got %+v", got)
	}
}

func TestFilter(t *testing.T) {
	got := Filter(entries(), "audiobook")
	if len(got) != 2 || got[0].Title != "B" || got[1].Title != "E" {
		t.Fatalf("Filter(audiobook) = %+v", got)
	}

	if got := Filter(entries(), ""); len(got) != 6 {
		t.Errorf("empty key should keep everything, got %d", len(got))
	}
	if got := Filter(entries(), "map"); len(got) != 0 {
		t.Errorf("unknown key should match nothing, got %+v", got)
	}
	for _, e := range Filter(entries(), "book") {
		if e.Title == "C" {
			t.Error("unclassified entry matched a filter")
		}
	}
}

func TestPipelineIsIdempotent(t *testing.T) {
	feed := []byte(`<feed xmlns="http://www.w3.org/2005/Atom" xmlns:schema="http://schema.org/">
  <entry schema:additionalType="http://schema.org/Audiobook">
    <id>urn:1</id><title>Listen</title>
    <link rel="http://opds-spec.org/acquisition" href="/1.epub" type="application/epub+zip"/>
  </entry>
  <entry schema:additionalType="http://schema.org/Book">
    <id>urn:2</id><title>Read</title>
    <link rel="http://opds-spec.org/acquisition" href="/2.epub" type="application/epub+zip"/>
  </entry>
</feed>`)

	run := func() []byte {
		f, err := opds.ParseOPDS1(feed, "https://lib.example/")
		if err != nil {
			t.Fatal(err)
		}
		out, err := json.Marshal(struct {
			Feed  *opds.Feed `json:"feed"`
			Types []Option   `json:"types"`
		}{f, AvailableTypes(f.Books)})
		if err != nil {
			t.Fatal(err)
		}
		return out
	}
	if a, b := run(), run(); !bytes.Equal(a, b) {
		t.Errorf("pipeline output differs:\n%s\n%s", a, b)
	}
}
