package opds

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// ParseOPDS2 normalizes an OPDS 2 feed, or a standalone publication
// document, resolving every link against baseURL.
func ParseOPDS2(data []byte, baseURL string) (*Feed, error) {
	if !gjson.ValidBytes(data) {
		return nil, newParseError("opds2", data, errors.New("invalid JSON"))
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, newParseError("opds2", data, errors.New("expected a JSON object"))
	}

	b := newFeedBuilder("2")
	b.feed.Title = localizedString(root.Get("metadata.title"))
	b.feed.ID = root.Get("metadata.identifier").String()

	for _, l := range root.Get("links").Array() {
		addOPDS2FeedLink(b, l, baseURL)
	}
	for _, l := range root.Get("navigation").Array() {
		b.addNav(opds2NavLink(l, baseURL, RelNavigation, SourceNavigation))
	}
	for _, facet := range root.Get("facets").Array() {
		for _, l := range facet.Get("links").Array() {
			b.addNav(opds2NavLink(l, baseURL, "facet", SourceFacet))
		}
	}
	for _, p := range root.Get("publications").Array() {
		addOPDS2Publication(b, p, baseURL)
	}
	for _, g := range root.Get("groups").Array() {
		addOPDS2Group(b, g, baseURL)
	}

	if isStandalonePublication(root) {
		addOPDS2Publication(b, root, baseURL)
	}

	return b.feed, nil
}

// isStandalonePublication reports whether the document is itself a
// publication rather than a feed.
func isStandalonePublication(root gjson.Result) bool {
	if root.Get("publications").Exists() || root.Get("navigation").Exists() || root.Get("groups").Exists() {
		return false
	}
	if !root.Get("metadata").Exists() {
		return false
	}
	for _, l := range root.Get("links").Array() {
		for _, rel := range linkRels(l) {
			if IsAcquisitionRel(rel) {
				return true
			}
		}
	}
	return false
}

func addOPDS2FeedLink(b *feedBuilder, l gjson.Result, baseURL string) {
	title := strings.TrimSpace(l.Get("title").String())
	typ := l.Get("type").String()
	rawHref := l.Get("href").String()
	href := ResolveURL(baseURL, rawHref)

	for _, rel := range linkRels(l) {
		switch rel {
		case RelStart:
			b.addNav(NavigationLink{Title: "Home", URL: href, Rel: RelStart, Type: typ, Source: SourceFeed})
		case RelUp:
			b.addNav(NavigationLink{Title: orDefault(title, "Up"), URL: href, Rel: RelUp, Type: typ, Source: SourceFeed})
		case RelNext, RelPrevious, RelFirst, RelLast:
			b.addNav(NavigationLink{Title: orDefault(title, pageTitle(rel)), URL: href, Rel: rel, Type: typ, Source: SourceFeed})
		case RelShelf:
			b.addNav(NavigationLink{Title: orDefault(title, "Bookshelf"), URL: href, Rel: "shelf", Type: typ, Source: SourceFeed})
		case RelSearch:
			d := SearchDescriptor{Kind: SearchOpenSearch, DescriptionURL: href, Type: typ, Title: title, Rel: RelSearch}
			if l.Get("templated").Bool() || strings.Contains(rawHref, "{") {
				d.Kind = SearchTemplate
				d.DescriptionURL = ResolveTemplate(baseURL, rawHref)
			}
			b.setSearch(d)
		}
	}
}

func addOPDS2Group(b *feedBuilder, g gjson.Result, baseURL string) {
	title := localizedString(g.Get("metadata.title"))
	for _, l := range g.Get("links").Array() {
		if hasRel(l, RelSelf) {
			b.addNav(NavigationLink{
				Title:  orDefault(title, l.Get("title").String()),
				URL:    ResolveURL(baseURL, l.Get("href").String()),
				Rel:    RelCollection,
				Type:   l.Get("type").String(),
				Source: SourceNavigation,
			})
		}
	}
	for _, l := range g.Get("navigation").Array() {
		b.addNav(opds2NavLink(l, baseURL, RelNavigation, SourceNavigation))
	}
	for _, p := range g.Get("publications").Array() {
		addOPDS2Publication(b, p, baseURL)
	}
}

func opds2NavLink(l gjson.Result, baseURL, defaultRel, source string) NavigationLink {
	rel := defaultRel
	if rels := linkRels(l); len(rels) > 0 && source != SourceFacet {
		rel = rels[0]
	}
	return NavigationLink{
		Title:  strings.TrimSpace(l.Get("title").String()),
		URL:    ResolveURL(baseURL, l.Get("href").String()),
		Rel:    rel,
		Type:   l.Get("type").String(),
		Source: source,
	}
}

func addOPDS2Publication(b *feedBuilder, p gjson.Result, baseURL string) {
	md := p.Get("metadata")
	title := localizedString(md.Get("title"))
	links := p.Get("links").Array()
	if title == "" && len(links) == 0 {
		return
	}

	entry := CatalogEntry{
		ID:              md.Get("identifier").String(),
		Title:           title,
		Contributors:    []string{},
		Collections:     []Collection{},
		Summary:         strings.TrimSpace(md.Get("description").String()),
		PublicationDate: md.Get("published").String(),
		Language:        firstString(md.Get("language")),
	}
	entry.ProviderID = entry.ID

	authors := contributorNames(md.Get("author"))
	if len(authors) > 0 {
		entry.Author = authors[0]
		entry.Contributors = appendUnique(entry.Contributors, authors[1:]...)
	}
	entry.Contributors = appendUnique(entry.Contributors, contributorNames(md.Get("contributor"))...)

	if pubs := contributorNames(md.Get("publisher")); len(pubs) > 0 {
		entry.Publisher = pubs[0]
	}
	entry.Categories = appendUnique(nil, contributorNames(md.Get("subject"))...)
	entry.SchemaOrgType, entry.PublicationTypeLabel = opds2Type(md)

	for _, key := range []string{"collection", "series"} {
		for _, c := range asList(md.Get("belongsTo." + key)) {
			if col, ok := opds2Collection(c, baseURL); ok {
				entry.Collections = append(entry.Collections, col)
			}
		}
	}

	for _, l := range links {
		href := ResolveURL(baseURL, l.Get("href").String())
		if href == "" {
			continue
		}
		rels := linkRels(l)
		switch {
		case anyRel(rels, IsImageRel):
			if entry.CoverImage == "" {
				entry.CoverImage = href
			}
		case hasRel(l, RelCollection):
			entry.Collections = append(entry.Collections, Collection{Title: strings.TrimSpace(l.Get("title").String()), Href: href})
		case anyRel(rels, IsAcquisitionRel):
			for _, rel := range rels {
				if IsAcquisitionRel(rel) {
					entry.Acquisitions = append(entry.Acquisitions, opds2Acquisition(l, rel, href))
					break
				}
			}
		}
	}

	if cover := firstImage(p, md, baseURL); cover != "" {
		entry.CoverImage = cover
	}

	if len(entry.Acquisitions) == 0 {
		if nav, ok := opds2PublicationNav(title, links, baseURL); ok {
			b.addNav(nav)
		}
		return
	}

	applyPrimary(&entry)
	b.addBook(entry)
}

// opds2PublicationNav turns a publication without acquisitions into a
// navigation link when it points at another feed.
func opds2PublicationNav(title string, links []gjson.Result, baseURL string) (NavigationLink, bool) {
	for _, l := range links {
		if IsFeedType(l.Get("type").String()) {
			return NavigationLink{
				Title:  title,
				URL:    ResolveURL(baseURL, l.Get("href").String()),
				Rel:    RelNavigation,
				Type:   l.Get("type").String(),
				Source: SourceNavigation,
			}, true
		}
	}
	return NavigationLink{}, false
}

func opds2Acquisition(l gjson.Result, rel, href string) Acquisition {
	props := l.Get("properties")
	a := Acquisition{
		Href:         href,
		Rel:          rel,
		Type:         l.Get("type").String(),
		Title:        strings.TrimSpace(l.Get("title").String()),
		Availability: normalizeAvailability(props.Get("availability.state").String()),
	}
	for _, key := range []string{"indirectAcquisition", "acquisitions", "link"} {
		if chain := props.Get(key); chain.Exists() {
			a.Indirect = opds2Indirect(chain)
			break
		}
	}
	return a
}

func opds2Indirect(r gjson.Result) []IndirectAcquisition {
	var out []IndirectAcquisition
	for _, ia := range asList(r) {
		t := ia.Get("type").String()
		if t == "" {
			continue
		}
		children := ia.Get("child")
		if !children.Exists() {
			children = ia.Get("children")
		}
		out = append(out, IndirectAcquisition{Type: t, Children: opds2Indirect(children)})
	}
	return out
}

func opds2Collection(c gjson.Result, baseURL string) (Collection, bool) {
	if c.Type == gjson.String {
		name := strings.TrimSpace(c.String())
		return Collection{Title: name}, name != ""
	}
	name := localizedString(c.Get("name"))
	href := ""
	for _, l := range c.Get("links").Array() {
		if h := l.Get("href").String(); h != "" {
			href = ResolveURL(baseURL, h)
			break
		}
	}
	return Collection{Title: name, Href: href}, name != "" || href != ""
}

// opds2Type finds the schema.org type of a publication. "@type" is looked up
// by key because gjson treats a leading '@' as a modifier.
func opds2Type(md gjson.Result) (string, string) {
	var typ string
	md.ForEach(func(k, v gjson.Result) bool {
		if k.String() == "@type" {
			typ = firstString(v)
			return false
		}
		return true
	})
	return typ, strings.TrimSpace(md.Get("typeLabel").String())
}

func firstImage(p, md gjson.Result, baseURL string) string {
	for _, img := range p.Get("images").Array() {
		if h := img.Get("href").String(); h != "" {
			return ResolveURL(baseURL, h)
		}
	}
	img := md.Get("image")
	switch {
	case img.Type == gjson.String:
		return ResolveURL(baseURL, img.String())
	case img.IsObject():
		return ResolveURL(baseURL, img.Get("href").String())
	case img.IsArray():
		for _, i := range img.Array() {
			if h := i.Get("href").String(); h != "" {
				return ResolveURL(baseURL, h)
			}
		}
	}
	return ""
}

// contributorNames flattens the string | {name} | array shapes OPDS 2 allows
// for contributor-like fields into plain names, in document order.
func contributorNames(r gjson.Result) []string {
	switch {
	case !r.Exists():
		return nil
	case r.IsArray():
		var names []string
		for _, v := range r.Array() {
			names = append(names, contributorNames(v)...)
		}
		return names
	case r.IsObject():
		if n := localizedString(r.Get("name")); n != "" {
			return []string{n}
		}
		return nil
	case r.Type == gjson.String:
		if n := strings.TrimSpace(r.String()); n != "" {
			return []string{n}
		}
	}
	return nil
}

// localizedString reads a plain string or a language map, preferring English.
func localizedString(r gjson.Result) string {
	if r.IsObject() {
		if en := r.Get("en"); en.Exists() {
			return strings.TrimSpace(en.String())
		}
		var first string
		r.ForEach(func(_, v gjson.Result) bool {
			first = v.String()
			return false
		})
		return strings.TrimSpace(first)
	}
	return strings.TrimSpace(r.String())
}

func firstString(r gjson.Result) string {
	if r.IsArray() {
		for _, v := range r.Array() {
			if s := strings.TrimSpace(v.String()); s != "" {
				return s
			}
		}
		return ""
	}
	return strings.TrimSpace(r.String())
}

func asList(r gjson.Result) []gjson.Result {
	if !r.Exists() {
		return nil
	}
	if r.IsArray() {
		return r.Array()
	}
	return []gjson.Result{r}
}

func linkRels(l gjson.Result) []string {
	var rels []string
	for _, r := range asList(l.Get("rel")) {
		rels = append(rels, strings.Fields(r.String())...)
	}
	return rels
}

func hasRel(l gjson.Result, rel string) bool {
	for _, r := range linkRels(l) {
		if r == rel {
			return true
		}
	}
	return false
}

func anyRel(rels []string, pred func(string) bool) bool {
	for _, r := range rels {
		if pred(r) {
			return true
		}
	}
	return false
}
