// Package opds normalizes OPDS 1 (Atom/XML) and OPDS 2 (JSON) catalog
// documents into one model of catalog entries, navigation links and a search
// descriptor. Nothing in this package performs I/O.
package opds

// Format is the coarse file format of an entry's acquisition.
type Format string

const (
	FormatEPUB  Format = "EPUB"
	FormatPDF   Format = "PDF"
	FormatOther Format = "OTHER"
)

// Availability mirrors a catalog's availability flag for an entry.
type Availability string

const (
	AvailabilityUnset Availability = ""
	Available         Availability = "available"
	Unavailable       Availability = "unavailable"
)

// Link sources.
const (
	SourceFeed       = "feed"
	SourceNavigation = "navigation"
	SourceCollection = "collection"
	SourceFacet      = "facet"
)

// Search descriptor kinds.
const (
	SearchOpenSearch = "opensearch"
	SearchTemplate   = "template"
)

// Collection is a named grouping an entry belongs to.
type Collection struct {
	Title string `json:"title"`
	Href  string `json:"href"`
}

// IndirectAcquisition describes one level of an indirection chain: the
// resource at the link has Type and, once followed, yields Children.
type IndirectAcquisition struct {
	Type     string                `json:"type"`
	Children []IndirectAcquisition `json:"children,omitempty"`
}

// Acquisition is a single acquisition link carried by an entry.
type Acquisition struct {
	Href         string                `json:"href"`
	Rel          string                `json:"rel"`
	Type         string                `json:"type,omitempty"`
	Title        string                `json:"title,omitempty"`
	Indirect     []IndirectAcquisition `json:"indirect,omitempty"`
	Availability Availability          `json:"availability,omitempty"`
	Distributor  string                `json:"distributor,omitempty"`
}

// CatalogEntry is a publication as seen in a catalog.
type CatalogEntry struct {
	ID                   string        `json:"id,omitempty"`
	Title                string        `json:"title"`
	Author               string        `json:"author"`
	Contributors         []string      `json:"contributors"`
	CoverImage           string        `json:"coverImage,omitempty"`
	DownloadURL          string        `json:"downloadUrl"`
	Summary              string        `json:"summary,omitempty"`
	Format               Format        `json:"format,omitempty"`
	MediaType            string        `json:"mediaType,omitempty"`
	AcquisitionMediaType string        `json:"acquisitionMediaType,omitempty"`
	ProviderID           string        `json:"providerId,omitempty"`
	IsOpenAccess         bool          `json:"isOpenAccess"`
	Distributor          string        `json:"distributor,omitempty"`
	AvailabilityStatus   Availability  `json:"availabilityStatus,omitempty"`
	Collections          []Collection  `json:"collections"`
	Categories           []string      `json:"categories,omitempty"`
	Publisher            string        `json:"publisher,omitempty"`
	PublicationDate      string        `json:"publicationDate,omitempty"`
	Language             string        `json:"language,omitempty"`
	SchemaOrgType        string        `json:"schemaOrgType,omitempty"`
	PublicationTypeLabel string        `json:"publicationTypeLabel,omitempty"`
	Acquisitions         []Acquisition `json:"acquisitions,omitempty"`
}

// PrimaryAcquisition returns the acquisition DownloadURL was taken from.
func (e *CatalogEntry) PrimaryAcquisition() (Acquisition, bool) {
	for _, a := range e.Acquisitions {
		if a.Href == e.DownloadURL {
			return a, true
		}
	}
	return Acquisition{}, false
}

// NavigationLink leads to another feed, group, facet or page.
type NavigationLink struct {
	Title  string `json:"title"`
	URL    string `json:"url"`
	Rel    string `json:"rel"`
	Type   string `json:"type,omitempty"`
	Source string `json:"source"`
}

// SearchDescriptor is derived from a feed-level search link.
type SearchDescriptor struct {
	Kind           string `json:"kind"`
	DescriptionURL string `json:"descriptionUrl"`
	Type           string `json:"type,omitempty"`
	Title          string `json:"title,omitempty"`
	Rel            string `json:"rel"`
}

// Feed is the normalized form of one catalog document.
type Feed struct {
	Version  string            `json:"version"`
	ID       string            `json:"id,omitempty"`
	Title    string            `json:"title,omitempty"`
	Books    []CatalogEntry    `json:"books"`
	NavLinks []NavigationLink  `json:"navLinks"`
	Search   *SearchDescriptor `json:"search,omitempty"`
}
