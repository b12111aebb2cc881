package opds

import (
	"sort"
	"strings"
)

// feedBuilder accumulates books and navigation links for one document,
// merging entries that share an identifier.
type feedBuilder struct {
	feed      *Feed
	bookIndex map[string]int
	navSeen   map[string]bool
}

func newFeedBuilder(version string) *feedBuilder {
	return &feedBuilder{
		feed: &Feed{
			Version:  version,
			Books:    []CatalogEntry{},
			NavLinks: []NavigationLink{},
		},
		bookIndex: make(map[string]int),
		navSeen:   make(map[string]bool),
	}
}

func entryKey(e CatalogEntry) string {
	if e.ID != "" {
		return "id:" + e.ID
	}
	if e.DownloadURL != "" {
		return "href:" + e.DownloadURL
	}
	return ""
}

// addBook appends e, or folds its collections into an earlier entry with the
// same identifier. Scalar fields of the first occurrence win.
func (b *feedBuilder) addBook(e CatalogEntry) {
	if e.Contributors == nil {
		e.Contributors = []string{}
	}
	if e.Collections == nil {
		e.Collections = []Collection{}
	}

	key := entryKey(e)
	if i, ok := b.bookIndex[key]; ok && key != "" {
		existing := &b.feed.Books[i]
		existing.Collections = unionCollections(existing.Collections, e.Collections)
		b.addCollectionLinks(existing.Collections, existing.Distributor)
		return
	}

	e.Collections = unionCollections(nil, e.Collections)
	if key != "" {
		b.bookIndex[key] = len(b.feed.Books)
	}
	b.feed.Books = append(b.feed.Books, e)
	b.addCollectionLinks(e.Collections, e.Distributor)
}

// addCollectionLinks promotes membership links to navigation, except the
// one that only mirrors the distributor's branding.
func (b *feedBuilder) addCollectionLinks(cols []Collection, distributor string) {
	for _, c := range cols {
		if c.Href == "" {
			continue
		}
		if distributor != "" && strings.EqualFold(strings.TrimSpace(c.Title), strings.TrimSpace(distributor)) {
			continue
		}
		b.addNav(NavigationLink{
			Title:  c.Title,
			URL:    c.Href,
			Rel:    RelCollection,
			Source: SourceCollection,
		})
	}
}

func (b *feedBuilder) addNav(l NavigationLink) {
	if l.URL == "" {
		return
	}
	key := l.Rel + "|" + l.URL
	if b.navSeen[key] {
		return
	}
	b.navSeen[key] = true
	b.feed.NavLinks = append(b.feed.NavLinks, l)
}

func (b *feedBuilder) setSearch(d SearchDescriptor) {
	if b.feed.Search != nil || d.DescriptionURL == "" {
		return
	}
	b.feed.Search = &d
}

func unionCollections(dst, src []Collection) []Collection {
	if dst == nil {
		dst = []Collection{}
	}
	seen := make(map[Collection]bool, len(dst)+len(src))
	for _, c := range dst {
		seen[c] = true
	}
	for _, c := range src {
		if seen[c] {
			continue
		}
		seen[c] = true
		dst = append(dst, c)
	}
	return dst
}

// choosePrimary picks the acquisition an entry downloads from: previews and
// samples last, then the type that best matches a supported terminal format,
// then the most preferred relation. The sort is stable so document order
// breaks ties.
func choosePrimary(acqs []Acquisition) (Acquisition, bool) {
	return bestAcquisition(acqs, func(a, b Acquisition) int {
		return TypeScore(effectiveType(a)) - TypeScore(effectiveType(b))
	})
}

// ChooseHop picks the acquisition to follow when resolving an entry one hop
// at a time. A link whose own type is EPUB or PDF beats a link whose
// indirect chain ends in one, so a direct download wins over a license or
// fulfilment document. Relation only breaks ties.
func ChooseHop(acqs []Acquisition) (Acquisition, bool) {
	return bestAcquisition(acqs, func(a, b Acquisition) int {
		if d := TypeScore(a.Type) - TypeScore(b.Type); d != 0 {
			return d
		}
		return TypeScore(TerminalType(a.Indirect)) - TypeScore(TerminalType(b.Indirect))
	})
}

// bestAcquisition orders acqs by preview relations last, then by typeCmp
// (positive when the first argument is better), then by relation rank.
func bestAcquisition(acqs []Acquisition, typeCmp func(a, b Acquisition) int) (Acquisition, bool) {
	if len(acqs) == 0 {
		return Acquisition{}, false
	}
	ordered := append([]Acquisition(nil), acqs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		pi, pj := isPreviewRel(ordered[i].Rel), isPreviewRel(ordered[j].Rel)
		if pi != pj {
			return pj
		}
		if d := typeCmp(ordered[i], ordered[j]); d != 0 {
			return d > 0
		}
		return acquisitionRank(ordered[i].Rel) < acquisitionRank(ordered[j].Rel)
	})
	return ordered[0], true
}

func isPreviewRel(rel string) bool {
	return rel == RelAcquisitionSample || rel == RelAcquisitionPreview
}

// effectiveType is the content type an acquisition ultimately yields.
func effectiveType(a Acquisition) string {
	if t := TerminalType(a.Indirect); t != "" {
		return t
	}
	return a.Type
}

// applyPrimary fills the acquisition-derived fields of e.
func applyPrimary(e *CatalogEntry) {
	primary, ok := choosePrimary(e.Acquisitions)
	if !ok {
		return
	}
	e.DownloadURL = primary.Href
	e.MediaType = primary.Type
	e.AcquisitionMediaType = effectiveType(primary)
	e.Format = FormatOf(e.AcquisitionMediaType)
	e.IsOpenAccess = primary.Rel == RelAcquisitionOpenAccess
	if primary.Distributor != "" {
		e.Distributor = primary.Distributor
	}
	if primary.Availability != AvailabilityUnset {
		e.AvailabilityStatus = primary.Availability
	}
}

// normalizeAvailability maps catalog status words onto Availability.
func normalizeAvailability(status string) Availability {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "available", "ready":
		return Available
	case "unavailable", "reserved":
		return Unavailable
	}
	return AvailabilityUnset
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		dup := false
		for _, d := range dst {
			if d == v {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, v)
		}
	}
	return dst
}
