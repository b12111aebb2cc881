package opds

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

const atomHeader = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom"
      xmlns:opds="http://opds-spec.org/2010/catalog"
      xmlns:dc="http://purl.org/dc/terms/"
      xmlns:bibframe="http://bibframe.org/vocab/"
      xmlns:schema="http://schema.org/">
  <id>urn:catalog</id>
  <title>Test Catalog</title>
`

func atomFeed(body string) []byte {
	return []byte(atomHeader + body + "\n</feed>")
}

func mustParseOPDS1(t *testing.T, data []byte) *Feed {
	t.Helper()
	f, err := ParseOPDS1(data, "https://lib.example/opds/root.xml")
	if err != nil {
		t.Fatalf("ParseOPDS1: %v", err)
	}
	return f
}

func TestParseOPDS1_MergesDuplicateIDs(t *testing.T) {
	f := mustParseOPDS1(t, atomFeed(`
  <entry>
    <id>urn:book:1</id>
    <title>Moby Dick</title>
    <author><name>Herman Melville</name></author>
    <link rel="collection" href="/c/classics" title="Classics"/>
    <link rel="http://opds-spec.org/acquisition/open-access" href="/b/1.epub" type="application/epub+zip"/>
  </entry>
  <entry>
    <id>urn:book:1</id>
    <title>Moby Dick (again)</title>
    <link rel="collection" href="/c/sea" title="Sea Stories"/>
    <link rel="http://opds-spec.org/acquisition/open-access" href="/b/1.epub" type="application/epub+zip"/>
  </entry>`))

	if len(f.Books) != 1 {
		t.Fatalf("expected 1 book, got %d", len(f.Books))
	}
	b := f.Books[0]
	if b.Title != "Moby Dick" {
		t.Errorf("first occurrence should win, got title %q", b.Title)
	}
	want := []Collection{
		{Title: "Classics", Href: "https://lib.example/c/classics"},
		{Title: "Sea Stories", Href: "https://lib.example/c/sea"},
	}
	if len(b.Collections) != len(want) {
		t.Fatalf("collections = %+v, want %+v", b.Collections, want)
	}
	for i := range want {
		if b.Collections[i] != want[i] {
			t.Errorf("collections[%d] = %+v, want %+v", i, b.Collections[i], want[i])
		}
	}
	if !b.IsOpenAccess || b.Format != FormatEPUB {
		t.Errorf("unexpected primary fields: open=%v format=%q", b.IsOpenAccess, b.Format)
	}
	if b.DownloadURL != "https://lib.example/b/1.epub" {
		t.Errorf("downloadUrl = %q", b.DownloadURL)
	}
}

func TestParseOPDS1_NavigationEntryIsNotABook(t *testing.T) {
	f := mustParseOPDS1(t, atomFeed(`
  <entry>
    <id>urn:nav:new</id>
    <title>New Arrivals</title>
    <link rel="subsection" href="new.xml" type="application/atom+xml;profile=opds-catalog;kind=navigation"/>
  </entry>`))

	if len(f.Books) != 0 {
		t.Fatalf("expected no books, got %d", len(f.Books))
	}
	if len(f.NavLinks) != 1 {
		t.Fatalf("expected 1 nav link, got %+v", f.NavLinks)
	}
	nl := f.NavLinks[0]
	if nl.Title != "New Arrivals" || nl.URL != "https://lib.example/opds/new.xml" || nl.Source != SourceNavigation {
		t.Errorf("unexpected nav link %+v", nl)
	}
}

func TestParseOPDS1_AcquisitionFeedLinkIsNavigation(t *testing.T) {
	f := mustParseOPDS1(t, atomFeed(`
  <entry>
    <title>Popular</title>
    <link href="popular.xml" type="application/atom+xml;profile=opds-catalog;kind=acquisition"/>
  </entry>`))

	if len(f.Books) != 0 || len(f.NavLinks) != 1 {
		t.Fatalf("books=%d navLinks=%d", len(f.Books), len(f.NavLinks))
	}
	if f.NavLinks[0].Rel != "acquisition" {
		t.Errorf("rel = %q, want acquisition", f.NavLinks[0].Rel)
	}
}

func TestParseOPDS1_DistributorCollectionStaysOffNavigation(t *testing.T) {
	f := mustParseOPDS1(t, atomFeed(`
  <entry>
    <id>urn:book:2</id>
    <title>Persuasion</title>
    <bibframe:distribution bibframe:ProviderName="Gutenberg"/>
    <link rel="collection" href="/c/gutenberg" title="Gutenberg"/>
    <link rel="collection" href="/c/romance" title="Romance"/>
    <link rel="http://opds-spec.org/acquisition" href="/b/2.pdf" type="application/pdf"/>
  </entry>`))

	b := f.Books[0]
	if b.Distributor != "Gutenberg" {
		t.Fatalf("distributor = %q", b.Distributor)
	}
	if len(b.Collections) != 2 {
		t.Fatalf("expected both collections on the entry, got %+v", b.Collections)
	}
	for _, nl := range f.NavLinks {
		if nl.Title == "Gutenberg" {
			t.Errorf("distributor collection leaked into navigation: %+v", nl)
		}
	}
	found := false
	for _, nl := range f.NavLinks {
		if nl.Title == "Romance" && nl.Source == SourceCollection {
			found = true
		}
	}
	if !found {
		t.Errorf("expected Romance collection link, got %+v", f.NavLinks)
	}
}

func TestParseOPDS1_FeedLinks(t *testing.T) {
	f := mustParseOPDS1(t, atomFeed(`
  <link rel="start" href="/opds" title="Root Catalog"/>
  <link rel="up" href="/opds/parent" title="Fiction"/>
  <link rel="next" href="?page=2"/>
  <link rel="search" href="/opds/search.xml" type="application/opensearchdescription+xml" title="Search"/>`))

	byRel := map[string]NavigationLink{}
	for _, nl := range f.NavLinks {
		byRel[nl.Rel] = nl
	}
	if byRel[RelStart].Title != "Home" {
		t.Errorf("start title = %q, want Home", byRel[RelStart].Title)
	}
	if byRel[RelUp].Title != "Fiction" {
		t.Errorf("up title = %q, want Fiction", byRel[RelUp].Title)
	}
	if byRel[RelNext].URL != "https://lib.example/opds/root.xml?page=2" {
		t.Errorf("next url = %q", byRel[RelNext].URL)
	}
	if _, ok := byRel[RelSearch]; ok {
		t.Errorf("search link must not appear in navigation")
	}
	if f.Search == nil || f.Search.Kind != SearchOpenSearch || f.Search.DescriptionURL != "https://lib.example/opds/search.xml" {
		t.Errorf("unexpected search descriptor %+v", f.Search)
	}
}

func TestParseOPDS1_SearchTemplate(t *testing.T) {
	f := mustParseOPDS1(t, atomFeed(`
  <link rel="search" href="/search?q={searchTerms}" type="application/atom+xml"/>`))

	if f.Search == nil || f.Search.Kind != SearchTemplate {
		t.Fatalf("unexpected search %+v", f.Search)
	}
	if f.Search.DescriptionURL != "https://lib.example/search?q={searchTerms}" {
		t.Errorf("template = %q", f.Search.DescriptionURL)
	}
}

func TestParseOPDS1_AuthorsAndMetadata(t *testing.T) {
	f := mustParseOPDS1(t, atomFeed(`
  <entry schema:additionalType="http://schema.org/EBook">
    <id>urn:book:3</id>
    <title>Good Omens</title>
    <author><name>Terry Pratchett</name></author>
    <author><name>Neil Gaiman</name></author>
    <contributor><name>Someone Else</name></contributor>
    <summary>An apocalypse.</summary>
    <dc:identifier>urn:isbn:9780060853983</dc:identifier>
    <dc:publisher>Gollancz</dc:publisher>
    <dc:issued>1990</dc:issued>
    <dc:language>en</dc:language>
    <category term="Fantasy" label="Fantasy" scheme="http://example.org/genres"/>
    <link rel="http://opds-spec.org/image" href="/covers/3.jpg" type="image/jpeg"/>
    <link rel="http://opds-spec.org/image/thumbnail" href="/covers/3-thumb.jpg" type="image/jpeg"/>
    <link rel="http://opds-spec.org/acquisition/borrow" href="/b/3" type="application/epub+zip"/>
  </entry>`))

	b := f.Books[0]
	if b.Author != "Terry Pratchett" {
		t.Errorf("author = %q", b.Author)
	}
	if strings.Join(b.Contributors, ",") != "Neil Gaiman,Someone Else" {
		t.Errorf("contributors = %v", b.Contributors)
	}
	if b.CoverImage != "https://lib.example/covers/3.jpg" {
		t.Errorf("cover = %q", b.CoverImage)
	}
	if b.ProviderID != "urn:isbn:9780060853983" {
		t.Errorf("providerId = %q", b.ProviderID)
	}
	if b.SchemaOrgType != "http://schema.org/EBook" {
		t.Errorf("schemaOrgType = %q", b.SchemaOrgType)
	}
	if b.Publisher != "Gollancz" || b.PublicationDate != "1990" || b.Language != "en" {
		t.Errorf("unexpected metadata %+v", b)
	}
	if len(b.Categories) != 1 || b.Categories[0] != "Fantasy" {
		t.Errorf("categories = %v", b.Categories)
	}
	if b.IsOpenAccess {
		t.Errorf("borrow link should not be open access")
	}
}

func TestParseOPDS1_PrefersOpenAccessAndEPUB(t *testing.T) {
	f := mustParseOPDS1(t, atomFeed(`
  <entry>
    <id>urn:book:4</id>
    <title>Dracula</title>
    <link rel="http://opds-spec.org/acquisition/buy" href="/buy/4" type="text/html"/>
    <link rel="http://opds-spec.org/acquisition/open-access" href="/b/4.pdf" type="application/pdf"/>
    <link rel="http://opds-spec.org/acquisition/open-access" href="/b/4.epub" type="application/epub+zip"/>
  </entry>`))

	b := f.Books[0]
	if b.DownloadURL != "https://lib.example/b/4.epub" {
		t.Errorf("downloadUrl = %q", b.DownloadURL)
	}
	if len(b.Acquisitions) != 3 {
		t.Errorf("expected all acquisitions kept, got %d", len(b.Acquisitions))
	}
}

func TestParseOPDS1_SupportedTypeBeatsRelation(t *testing.T) {
	f := mustParseOPDS1(t, atomFeed(`
  <entry>
    <id>urn:book:9</id>
    <title>Kidnapped</title>
    <link rel="http://opds-spec.org/acquisition/open-access" href="/b/9.mobi" type="application/x-mobipocket-ebook"/>
    <link rel="http://opds-spec.org/acquisition" href="/b/9.epub" type="application/epub+zip"/>
  </entry>`))

	b := f.Books[0]
	if b.DownloadURL != "https://lib.example/b/9.epub" || b.Format != FormatEPUB {
		t.Errorf("downloadUrl = %q format = %q", b.DownloadURL, b.Format)
	}
	if b.IsOpenAccess {
		t.Errorf("the chosen link is not open access")
	}
}

func TestChooseHop(t *testing.T) {
	license := Acquisition{Href: "/loan.acsm", Rel: RelAcquisition, Type: "application/vnd.adobe.adept+xml",
		Indirect: []IndirectAcquisition{{Type: TypeEPUB}}}
	direct := Acquisition{Href: "/b.epub", Rel: RelAcquisition, Type: TypeEPUB}
	mobi := Acquisition{Href: "/b.mobi", Rel: RelAcquisitionOpenAccess, Type: "application/x-mobipocket-ebook"}
	borrow := Acquisition{Href: "/borrow", Rel: RelAcquisitionBorrow, Type: TypeAtom,
		Indirect: []IndirectAcquisition{{Type: TypePDF}}}
	feedOnly := Acquisition{Href: "/feed", Rel: RelAcquisitionOpenAccess, Type: TypeAtom}
	sample := Acquisition{Href: "/sample.epub", Rel: RelAcquisitionSample, Type: TypeEPUB}

	tests := []struct {
		name string
		in   []Acquisition
		want string
	}{
		{"direct over license", []Acquisition{license, direct}, "/b.epub"},
		{"epub over open-access mobi", []Acquisition{mobi, direct}, "/b.epub"},
		{"chain ending in a supported type", []Acquisition{feedOnly, borrow}, "/borrow"},
		{"relation breaks ties", []Acquisition{borrow, {Href: "/other", Rel: RelAcquisition, Type: TypeAtom, Indirect: borrow.Indirect}}, "/other"},
		{"samples last", []Acquisition{sample, license}, "/loan.acsm"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ChooseHop(tt.in)
			if !ok || got.Href != tt.want {
				t.Errorf("ChooseHop = %q, want %q", got.Href, tt.want)
			}
		})
	}
	if _, ok := ChooseHop(nil); ok {
		t.Error("no acquisitions means no hop")
	}
}

func TestParseOPDS1_IndirectAcquisition(t *testing.T) {
	f := mustParseOPDS1(t, atomFeed(`
  <entry>
    <id>urn:book:5</id>
    <title>Emma</title>
    <link rel="http://opds-spec.org/acquisition/borrow" href="/borrow/5" type="application/atom+xml;type=entry;profile=opds-catalog">
      <opds:indirectAcquisition type="application/vnd.adobe.adept+xml">
        <opds:indirectAcquisition type="application/epub+zip"/>
      </opds:indirectAcquisition>
      <opds:availability status="available"/>
    </link>
  </entry>`))

	b := f.Books[0]
	if b.AcquisitionMediaType != TypeEPUB || b.Format != FormatEPUB {
		t.Errorf("acquisitionMediaType = %q format = %q", b.AcquisitionMediaType, b.Format)
	}
	if b.AvailabilityStatus != Available {
		t.Errorf("availability = %q", b.AvailabilityStatus)
	}
	if !strings.HasPrefix(b.MediaType, TypeAtom) {
		t.Errorf("mediaType = %q", b.MediaType)
	}
}

func TestParseOPDS1_DropsEmptyEntries(t *testing.T) {
	f := mustParseOPDS1(t, atomFeed(`
  <entry><id>urn:empty</id></entry>
  <entry><title>Only a title</title></entry>`))

	if len(f.Books) != 0 || len(f.NavLinks) != 0 {
		t.Fatalf("expected nothing, got books=%+v nav=%+v", f.Books, f.NavLinks)
	}
}

func TestParseOPDS1_HTMLEntities(t *testing.T) {
	f := mustParseOPDS1(t, atomFeed(`
  <entry>
    <title>Caf&eacute; &amp; Co</title>
    <link rel="http://opds-spec.org/acquisition" href="/b/6.epub" type="application/epub+zip"/>
  </entry>`))

	if f.Books[0].Title != "Café & Co" {
		t.Errorf("title = %q", f.Books[0].Title)
	}
}

func TestParseOPDS1_StandaloneEntry(t *testing.T) {
	doc := `<entry xmlns="http://www.w3.org/2005/Atom">
  <id>urn:book:7</id>
  <title>Ivanhoe</title>
  <link rel="http://opds-spec.org/acquisition" href="7.epub" type="application/epub+zip"/>
</entry>`
	f := mustParseOPDS1(t, []byte(doc))
	if len(f.Books) != 1 || f.Books[0].DownloadURL != "https://lib.example/opds/7.epub" {
		t.Fatalf("unexpected books %+v", f.Books)
	}
}

func TestParseOPDS1_MalformedReportsSnippet(t *testing.T) {
	_, err := ParseOPDS1([]byte("<feed>\n<entry><title>Broken</entry>\n</feed>"), "")
	if err == nil {
		t.Fatal("expected an error")
	}
	if !IsFeedParseError(err) {
		t.Fatalf("expected FeedParseError, got %T", err)
	}
	pe := err.(*FeedParseError)
	if pe.Format != "opds1" || pe.Snippet == "" {
		t.Errorf("unexpected error fields %+v", pe)
	}

	if _, err := ParseOPDS1([]byte(`<html><body>nope</body></html>`), ""); !IsFeedParseError(err) {
		t.Errorf("expected FeedParseError for wrong root, got %v", err)
	}
}

func TestParseOPDS1_Idempotent(t *testing.T) {
	data := atomFeed(`
  <link rel="start" href="/opds"/>
  <entry>
    <id>urn:book:8</id>
    <title>Kim</title>
    <link rel="collection" href="/c/india" title="India"/>
    <link rel="http://opds-spec.org/acquisition/open-access" href="/b/8.epub" type="application/epub+zip"/>
  </entry>`)

	a, _ := json.Marshal(mustParseOPDS1(t, data))
	b, _ := json.Marshal(mustParseOPDS1(t, data))
	if !bytes.Equal(a, b) {
		t.Errorf("parsing twice produced different output:\n%s\n%s", a, b)
	}
}
