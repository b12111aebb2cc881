package opds

import (
	"strings"
	"testing"
)

const opds2Base = "https://lib.example/opds2/catalog.json"

func mustParseOPDS2(t *testing.T, doc string) *Feed {
	t.Helper()
	f, err := ParseOPDS2([]byte(doc), opds2Base)
	if err != nil {
		t.Fatalf("ParseOPDS2: %v", err)
	}
	return f
}

func TestParseOPDS2_PublicationsAndAuthorShapes(t *testing.T) {
	f := mustParseOPDS2(t, `{
  "metadata": {"title": "Shelf"},
  "links": [
    {"rel": "self", "href": "catalog.json", "type": "application/opds+json"},
    {"rel": "start", "href": "/opds2/", "type": "application/opds+json"},
    {"rel": "search", "href": "/opds2/search{?query}", "type": "application/opds+json", "templated": true}
  ],
  "publications": [
    {
      "metadata": {
        "@type": "http://schema.org/Book",
        "identifier": "urn:uuid:1",
        "title": "Frankenstein",
        "author": "Mary Shelley",
        "subject": [{"name": "Horror"}, "Gothic"]
      },
      "links": [
        {"rel": "http://opds-spec.org/acquisition/open-access", "href": "/books/1.epub", "type": "application/epub+zip"}
      ],
      "images": [{"href": "/covers/1.jpg", "type": "image/jpeg"}]
    },
    {
      "metadata": {
        "identifier": "urn:uuid:2",
        "title": {"en": "The Iliad", "fr": "L'Iliade"},
        "author": {"name": "Homer"},
        "contributor": [{"name": "Samuel Butler"}, "Unknown Editor"]
      },
      "links": [
        {"rel": "http://opds-spec.org/acquisition", "href": "/books/2.pdf", "type": "application/pdf"}
      ]
    },
    {
      "metadata": {
        "identifier": "urn:uuid:3",
        "title": "Beowulf",
        "author": [{"name": "Anonymous"}, {"name": "Seamus Heaney"}]
      },
      "links": [
        {"rel": ["http://opds-spec.org/acquisition/borrow"], "href": "/books/3", "type": "application/epub+zip"}
      ]
    }
  ]
}`)

	if f.Version != "2" || f.Title != "Shelf" {
		t.Fatalf("unexpected header %q %q", f.Version, f.Title)
	}
	if len(f.Books) != 3 {
		t.Fatalf("expected 3 books, got %d", len(f.Books))
	}

	b := f.Books[0]
	if b.Author != "Mary Shelley" || b.CoverImage != "https://lib.example/covers/1.jpg" || !b.IsOpenAccess {
		t.Errorf("unexpected first book %+v", b)
	}
	if b.SchemaOrgType != "http://schema.org/Book" {
		t.Errorf("schemaOrgType = %q", b.SchemaOrgType)
	}
	if strings.Join(b.Categories, ",") != "Horror,Gothic" {
		t.Errorf("categories = %v", b.Categories)
	}

	b = f.Books[1]
	if b.Title != "The Iliad" || b.Author != "Homer" {
		t.Errorf("unexpected second book %q by %q", b.Title, b.Author)
	}
	if strings.Join(b.Contributors, ",") != "Samuel Butler,Unknown Editor" {
		t.Errorf("contributors = %v", b.Contributors)
	}
	if b.Format != FormatPDF {
		t.Errorf("format = %q", b.Format)
	}

	b = f.Books[2]
	if b.Author != "Anonymous" || len(b.Contributors) != 1 || b.Contributors[0] != "Seamus Heaney" {
		t.Errorf("unexpected third book authors %q %v", b.Author, b.Contributors)
	}

	if f.Search == nil || f.Search.Kind != SearchTemplate || f.Search.DescriptionURL != "https://lib.example/opds2/search{?query}" {
		t.Errorf("unexpected search %+v", f.Search)
	}
	if len(f.NavLinks) != 1 || f.NavLinks[0].Title != "Home" {
		t.Errorf("unexpected nav links %+v", f.NavLinks)
	}
}

func TestParseOPDS2_NavigationFacetsAndGroups(t *testing.T) {
	f := mustParseOPDS2(t, `{
  "metadata": {"title": "Root"},
  "links": [{"rel": "next", "href": "?page=2", "type": "application/opds+json"}],
  "navigation": [
    {"href": "/new", "title": "New", "type": "application/opds+json", "rel": "current"}
  ],
  "facets": [
    {"metadata": {"title": "Language"}, "links": [{"href": "?lang=en", "title": "English", "type": "application/opds+json"}]}
  ],
  "groups": [
    {
      "metadata": {"title": "Featured"},
      "links": [{"rel": "self", "href": "/featured", "type": "application/opds+json"}],
      "publications": [
        {"metadata": {"identifier": "urn:g:1", "title": "Walden"},
         "links": [{"rel": "http://opds-spec.org/acquisition/open-access", "href": "/w.epub", "type": "application/epub+zip"}]}
      ]
    }
  ]
}`)

	if len(f.Books) != 1 || f.Books[0].Title != "Walden" {
		t.Fatalf("unexpected books %+v", f.Books)
	}
	sources := map[string]NavigationLink{}
	for _, nl := range f.NavLinks {
		sources[nl.Source+":"+nl.Title] = nl
	}
	if _, ok := sources["navigation:New"]; !ok {
		t.Errorf("missing navigation link: %+v", f.NavLinks)
	}
	if fl, ok := sources["facet:English"]; !ok || fl.URL != "https://lib.example/opds2/catalog.json?lang=en" {
		t.Errorf("missing facet link: %+v", f.NavLinks)
	}
	if gl, ok := sources["navigation:Featured"]; !ok || gl.Rel != RelCollection {
		t.Errorf("missing group link: %+v", f.NavLinks)
	}
	if _, ok := sources["feed:Next"]; !ok {
		t.Errorf("missing pagination link: %+v", f.NavLinks)
	}
}

func TestParseOPDS2_IndirectChainAndAvailability(t *testing.T) {
	f := mustParseOPDS2(t, `{
  "metadata": {"title": "Loans"},
  "publications": [{
    "metadata": {"identifier": "urn:l:1", "title": "Middlemarch"},
    "links": [{
      "rel": "http://opds-spec.org/acquisition/borrow",
      "href": "/borrow/1",
      "type": "application/opds-publication+json",
      "properties": {
        "availability": {"state": "unavailable"},
        "indirectAcquisition": [
          {"type": "application/vnd.readium.lcp.license.v1.0+json",
           "child": [{"type": "application/epub+zip"}]}
        ]
      }
    }]
  }]
}`)

	b := f.Books[0]
	if b.AcquisitionMediaType != TypeEPUB {
		t.Errorf("acquisitionMediaType = %q", b.AcquisitionMediaType)
	}
	if b.AvailabilityStatus != Unavailable {
		t.Errorf("availability = %q", b.AvailabilityStatus)
	}
	if b.MediaType != TypeOPDS2Publication {
		t.Errorf("mediaType = %q", b.MediaType)
	}
}

func TestParseOPDS2_BelongsToAndDistributorFilter(t *testing.T) {
	f := mustParseOPDS2(t, `{
  "metadata": {"title": "Series"},
  "publications": [
    {"metadata": {"identifier": "urn:s:1", "title": "Dune",
                  "belongsTo": {"series": {"name": "Dune Chronicles", "links": [{"href": "/series/dune"}]},
                                "collection": ["Sci-Fi"]}},
     "links": [{"rel": "http://opds-spec.org/acquisition", "href": "/dune.epub", "type": "application/epub+zip"},
               {"rel": "collection", "href": "/c/more", "title": "More Herbert"}]},
    {"metadata": {"identifier": "urn:s:1", "title": "Dune",
                  "belongsTo": {"collection": [{"name": "Classics", "links": [{"href": "/c/classics"}]}]}},
     "links": [{"rel": "http://opds-spec.org/acquisition", "href": "/dune.epub", "type": "application/epub+zip"}]}
  ]
}`)

	if len(f.Books) != 1 {
		t.Fatalf("expected merged book, got %d", len(f.Books))
	}
	var titles []string
	for _, c := range f.Books[0].Collections {
		titles = append(titles, c.Title)
	}
	if got := strings.Join(titles, ","); got != "Sci-Fi,Dune Chronicles,More Herbert,Classics" {
		t.Errorf("collections = %s", got)
	}
	navTitles := map[string]bool{}
	for _, nl := range f.NavLinks {
		navTitles[nl.Title] = true
	}
	if !navTitles["Dune Chronicles"] || !navTitles["Classics"] || navTitles["Sci-Fi"] {
		t.Errorf("unexpected navigation %+v", f.NavLinks)
	}
}

func TestParseOPDS2_StandalonePublication(t *testing.T) {
	f := mustParseOPDS2(t, `{
  "metadata": {"title": "Odyssey", "identifier": "urn:p:1", "author": "Homer"},
  "links": [{"rel": "http://opds-spec.org/acquisition/open-access", "href": "odyssey.epub", "type": "application/epub+zip"}]
}`)
	if len(f.Books) != 1 || f.Books[0].DownloadURL != "https://lib.example/opds2/odyssey.epub" {
		t.Fatalf("unexpected books %+v", f.Books)
	}
}

func TestParseOPDS2_Malformed(t *testing.T) {
	_, err := ParseOPDS2([]byte(`{"metadata": `), opds2Base)
	if !IsFeedParseError(err) {
		t.Fatalf("expected FeedParseError, got %v", err)
	}
	if _, err := ParseOPDS2([]byte(`[1,2,3]`), opds2Base); !IsFeedParseError(err) {
		t.Errorf("expected FeedParseError for array root, got %v", err)
	}
}

func TestParse_DetectsVersion(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		want        Version
	}{
		{"opds2 content type", "application/opds+json", "{}", Version2},
		{"atom content type", "application/atom+xml;profile=opds-catalog", "<feed/>", Version1},
		{"sniff json", "text/plain", "  \n{\"metadata\":{}}", Version2},
		{"sniff xml", "", "<?xml version=\"1.0\"?><feed/>", Version1},
		{"bom json", "", "\xef\xbb\xbf{}", Version2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectVersion(tt.contentType, []byte(tt.body)); got != tt.want {
				t.Errorf("DetectVersion = %v, want %v", got, tt.want)
			}
		})
	}

	f, err := Parse([]byte(`{"metadata":{"title":"J"}}`), "", "", VersionAuto)
	if err != nil || f.Version != "2" {
		t.Fatalf("Parse = %+v, %v", f, err)
	}
}

func TestParseVersion(t *testing.T) {
	for in, want := range map[string]Version{"": VersionAuto, "auto": VersionAuto, "1": Version1, "OPDS2": Version2} {
		got, err := ParseVersion(in)
		if err != nil || got != want {
			t.Errorf("ParseVersion(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseVersion("3"); err == nil {
		t.Error("expected error for version 3")
	}
}

func TestParseAuthDocument(t *testing.T) {
	doc, err := ParseAuthDocument([]byte(`{
  "id": "https://lib.example/auth",
  "title": "Library Login",
  "authentication": [
    {"type": "http://opds-spec.org/auth/basic", "labels": {"login": "Card", "password": "PIN"}},
    {"type": "http://opds-spec.org/auth/oauth/implicit",
     "links": [{"rel": "authenticate", "href": "/oauth/authorize", "type": "text/html"}]}
  ],
  "links": [{"rel": "help", "href": "https://lib.example/help"}]
}`), "https://lib.example/opds")
	if err != nil {
		t.Fatal(err)
	}
	if !doc.SupportsBasic() {
		t.Error("expected basic auth support")
	}
	if got := doc.LoginURL(); got != "https://lib.example/oauth/authorize" {
		t.Errorf("LoginURL = %q", got)
	}

	basicOnly, err := ParseAuthDocument([]byte(`{"authentication":[{"type":"http://opds-spec.org/auth/basic"}],
  "links":[{"rel":"register","href":"/signup"}]}`), "https://lib.example/")
	if err != nil {
		t.Fatal(err)
	}
	if got := basicOnly.LoginURL(); got != "https://lib.example/signup" {
		t.Errorf("LoginURL fallback = %q", got)
	}

	if _, err := ParseAuthDocument([]byte(`{"title":"x"}`), ""); err == nil {
		t.Error("expected error without authentication array")
	}
	var nilDoc *AuthDocument
	if nilDoc.SupportsBasic() || nilDoc.LoginURL() != "" {
		t.Error("nil document should offer nothing")
	}
}
