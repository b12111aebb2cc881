package opds

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"

	"golang.org/x/net/html/charset"
)

// Atom documents are decoded without namespaces in the struct tags, so
// vendor elements (opds:, bibframe:, dc:, schema:) match on local name.

type atomDocument struct {
	XMLName xml.Name
	ID      string      `xml:"id"`
	Title   string      `xml:"title"`
	Links   []atomLink  `xml:"link"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID             string             `xml:"id"`
	Title          string             `xml:"title"`
	Authors        []atomPerson       `xml:"author"`
	Contributors   []atomPerson       `xml:"contributor"`
	Summary        atomText           `xml:"summary"`
	Content        atomText           `xml:"content"`
	Links          []atomLink         `xml:"link"`
	Categories     []atomCategory     `xml:"category"`
	Identifiers    []string           `xml:"identifier"`
	Publisher      string             `xml:"publisher"`
	Issued         string             `xml:"issued"`
	Published      string             `xml:"published"`
	Language       string             `xml:"language"`
	AdditionalType string             `xml:"additionalType,attr"`
	Distributions  []atomDistribution `xml:"distribution"`
}

type atomPerson struct {
	Name string `xml:"name"`
	URI  string `xml:"uri"`
}

type atomText struct {
	Type string `xml:"type,attr"`
	Body string `xml:",chardata"`
}

type atomCategory struct {
	Term   string `xml:"term,attr"`
	Label  string `xml:"label,attr"`
	Scheme string `xml:"scheme,attr"`
}

type atomLink struct {
	Rel           string             `xml:"rel,attr"`
	Href          string             `xml:"href,attr"`
	Type          string             `xml:"type,attr"`
	Title         string             `xml:"title,attr"`
	Distributions []atomDistribution `xml:"distribution"`
	Availability  []atomAvailability `xml:"availability"`
	Indirect      []atomIndirect     `xml:"indirectAcquisition"`
}

type atomDistribution struct {
	ProviderName      string `xml:"ProviderName,attr"`
	ProviderNameLower string `xml:"providerName,attr"`
}

func (d atomDistribution) name() string {
	if d.ProviderName != "" {
		return strings.TrimSpace(d.ProviderName)
	}
	return strings.TrimSpace(d.ProviderNameLower)
}

type atomAvailability struct {
	Status string `xml:"status,attr"`
}

type atomIndirect struct {
	Type     string         `xml:"type,attr"`
	Children []atomIndirect `xml:"indirectAcquisition"`
}

// ParseOPDS1 normalizes an OPDS 1 Atom feed, or a standalone Atom entry
// document, resolving every link against baseURL.
func ParseOPDS1(data []byte, baseURL string) (*Feed, error) {
	doc, err := decodeAtom(data)
	if err != nil {
		return nil, err
	}

	b := newFeedBuilder("1")
	b.feed.ID = strings.TrimSpace(doc.ID)
	b.feed.Title = strings.TrimSpace(doc.Title)

	for _, l := range doc.Links {
		addAtomFeedLink(b, l, baseURL)
	}

	for _, e := range doc.Entries {
		addAtomEntry(b, e, baseURL)
	}

	return b.feed, nil
}

func decodeAtom(data []byte) (*atomDocument, error) {
	var doc atomDocument
	if err := newAtomDecoder(data).Decode(&doc); err != nil {
		return nil, newParseError("opds1", data, err)
	}

	switch doc.XMLName.Local {
	case "feed":
		return &doc, nil
	case "entry":
		var entry atomEntry
		if err := newAtomDecoder(data).Decode(&entry); err != nil {
			return nil, newParseError("opds1", data, err)
		}
		return &atomDocument{XMLName: doc.XMLName, Entries: []atomEntry{entry}}, nil
	}
	return nil, newParseError("opds1", data, fmt.Errorf("unexpected root element <%s>", doc.XMLName.Local))
}

func newAtomDecoder(data []byte) *xml.Decoder {
	d := xml.NewDecoder(bytes.NewReader(data))
	d.CharsetReader = charset.NewReaderLabel
	d.Entity = xml.HTMLEntity
	return d
}

func addAtomFeedLink(b *feedBuilder, l atomLink, baseURL string) {
	rel := strings.TrimSpace(l.Rel)
	href := ResolveURL(baseURL, l.Href)
	title := strings.TrimSpace(l.Title)

	switch rel {
	case RelStart:
		b.addNav(NavigationLink{Title: "Home", URL: href, Rel: RelStart, Type: l.Type, Source: SourceFeed})
	case RelUp:
		b.addNav(NavigationLink{Title: orDefault(title, "Up"), URL: href, Rel: RelUp, Type: l.Type, Source: SourceFeed})
	case RelNext, RelPrevious, "prev", RelFirst, RelLast:
		if rel == "prev" {
			rel = RelPrevious
		}
		b.addNav(NavigationLink{Title: orDefault(title, pageTitle(rel)), URL: href, Rel: rel, Type: l.Type, Source: SourceFeed})
	case RelFacet:
		b.addNav(NavigationLink{Title: title, URL: href, Rel: "facet", Type: l.Type, Source: SourceFacet})
	case RelShelf:
		b.addNav(NavigationLink{Title: orDefault(title, "Bookshelf"), URL: href, Rel: "shelf", Type: l.Type, Source: SourceFeed})
	case RelSearch:
		kind := SearchOpenSearch
		if strings.Contains(l.Href, "{searchTerms}") {
			kind = SearchTemplate
			href = ResolveTemplate(baseURL, l.Href)
		}
		b.setSearch(SearchDescriptor{Kind: kind, DescriptionURL: href, Type: l.Type, Title: title, Rel: RelSearch})
	}
}

func addAtomEntry(b *feedBuilder, e atomEntry, baseURL string) {
	title := strings.TrimSpace(e.Title)
	if title == "" && len(e.Links) == 0 {
		return
	}

	if !isAtomBook(e) {
		if nav, ok := atomNavigation(e, baseURL); ok {
			b.addNav(nav)
		}
		return
	}

	b.addBook(atomCatalogEntry(e, baseURL))
}

// isAtomBook reports whether an entry is a publication rather than a pointer
// to another feed: it needs a standard acquisition relation, or a link typed
// as directly downloadable content.
func isAtomBook(e atomEntry) bool {
	for _, l := range e.Links {
		if IsAcquisitionRel(l.Rel) {
			return true
		}
	}
	for _, l := range e.Links {
		if IsTerminalType(l.Type) && !IsImageRel(l.Rel) {
			return true
		}
	}
	return false
}

func atomNavigation(e atomEntry, baseURL string) (NavigationLink, bool) {
	var chosen *atomLink
	for i := range e.Links {
		l := &e.Links[i]
		if l.Href == "" || IsImageRel(l.Rel) {
			continue
		}
		if IsFeedType(l.Type) {
			chosen = l
			break
		}
		if chosen == nil && l.Rel != RelSelf && l.Rel != RelCollection {
			chosen = l
		}
	}
	if chosen == nil {
		return NavigationLink{}, false
	}

	rel := RelNavigation
	if FeedKind(chosen.Type) == "acquisition" {
		rel = "acquisition"
	}
	return NavigationLink{
		Title:  orDefault(strings.TrimSpace(e.Title), strings.TrimSpace(chosen.Title)),
		URL:    ResolveURL(baseURL, chosen.Href),
		Rel:    rel,
		Type:   chosen.Type,
		Source: SourceNavigation,
	}, true
}

func atomCatalogEntry(e atomEntry, baseURL string) CatalogEntry {
	entry := CatalogEntry{
		ID:           strings.TrimSpace(e.ID),
		Title:        strings.TrimSpace(e.Title),
		Contributors: []string{},
		Collections:  []Collection{},
		Summary:      strings.TrimSpace(e.Summary.Body),
		Publisher:    strings.TrimSpace(e.Publisher),
		Language:     strings.TrimSpace(e.Language),
	}
	if entry.Summary == "" {
		entry.Summary = strings.TrimSpace(e.Content.Body)
	}

	entry.PublicationDate = strings.TrimSpace(e.Issued)
	if entry.PublicationDate == "" {
		entry.PublicationDate = strings.TrimSpace(e.Published)
	}

	for _, a := range e.Authors {
		name := strings.TrimSpace(a.Name)
		if name == "" {
			continue
		}
		if entry.Author == "" {
			entry.Author = name
			continue
		}
		entry.Contributors = appendUnique(entry.Contributors, name)
	}
	for _, c := range e.Contributors {
		entry.Contributors = appendUnique(entry.Contributors, c.Name)
	}

	entry.ProviderID = entry.ID
	for _, id := range e.Identifiers {
		if id = strings.TrimSpace(id); id != "" {
			entry.ProviderID = id
			break
		}
	}

	for _, d := range e.Distributions {
		if n := d.name(); n != "" {
			entry.Distributor = n
			break
		}
	}

	entry.SchemaOrgType = strings.TrimSpace(e.AdditionalType)
	for _, c := range e.Categories {
		if strings.Contains(c.Scheme, "schema.org") {
			if entry.SchemaOrgType == "" {
				entry.SchemaOrgType = c.Term
			}
			if entry.PublicationTypeLabel == "" {
				entry.PublicationTypeLabel = strings.TrimSpace(c.Label)
			}
			continue
		}
		entry.Categories = appendUnique(entry.Categories, orDefault(strings.TrimSpace(c.Label), c.Term))
	}

	for _, l := range e.Links {
		href := ResolveURL(baseURL, l.Href)
		rel := strings.TrimSpace(l.Rel)
		switch {
		case href == "":
		case IsImageRel(rel):
			if entry.CoverImage == "" {
				entry.CoverImage = href
			}
		case rel == RelCollection:
			entry.Collections = append(entry.Collections, Collection{Title: strings.TrimSpace(l.Title), Href: href})
		case IsAcquisitionRel(rel), IsTerminalType(l.Type):
			if !IsAcquisitionRel(rel) {
				rel = RelAcquisition
			}
			entry.Acquisitions = append(entry.Acquisitions, atomAcquisition(l, rel, href))
		}
	}

	applyPrimary(&entry)
	return entry
}

func atomAcquisition(l atomLink, rel, href string) Acquisition {
	a := Acquisition{
		Href:     href,
		Rel:      rel,
		Type:     strings.TrimSpace(l.Type),
		Title:    strings.TrimSpace(l.Title),
		Indirect: convertAtomIndirect(l.Indirect),
	}
	for _, av := range l.Availability {
		if s := normalizeAvailability(av.Status); s != AvailabilityUnset {
			a.Availability = s
			break
		}
	}
	for _, d := range l.Distributions {
		if n := d.name(); n != "" {
			a.Distributor = n
			break
		}
	}
	return a
}

func convertAtomIndirect(in []atomIndirect) []IndirectAcquisition {
	if len(in) == 0 {
		return nil
	}
	out := make([]IndirectAcquisition, 0, len(in))
	for _, ia := range in {
		out = append(out, IndirectAcquisition{
			Type:     strings.TrimSpace(ia.Type),
			Children: convertAtomIndirect(ia.Children),
		})
	}
	return out
}

func pageTitle(rel string) string {
	switch rel {
	case RelNext:
		return "Next"
	case RelPrevious:
		return "Previous"
	case RelFirst:
		return "First"
	case RelLast:
		return "Last"
	}
	return rel
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
