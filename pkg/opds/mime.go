package opds

import (
	"mime"
	"net/url"
	"strings"
)

const (
	RelAcquisition           = "http://opds-spec.org/acquisition"
	RelAcquisitionOpenAccess = "http://opds-spec.org/acquisition/open-access"
	RelAcquisitionBorrow     = "http://opds-spec.org/acquisition/borrow"
	RelAcquisitionBuy        = "http://opds-spec.org/acquisition/buy"
	RelAcquisitionSample     = "http://opds-spec.org/acquisition/sample"
	RelAcquisitionPreview    = "http://opds-spec.org/acquisition/preview"
	RelAcquisitionSubscribe  = "http://opds-spec.org/acquisition/subscribe"

	RelImage     = "http://opds-spec.org/image"
	RelThumbnail = "http://opds-spec.org/image/thumbnail"
	RelFacet     = "http://opds-spec.org/facet"
	RelShelf     = "http://opds-spec.org/shelf"

	RelStart      = "start"
	RelUp         = "up"
	RelSearch     = "search"
	RelSelf       = "self"
	RelNext       = "next"
	RelPrevious   = "previous"
	RelFirst      = "first"
	RelLast       = "last"
	RelCollection = "collection"
	RelNavigation = "navigation"
	RelAuthLink   = "authenticate"

	TypeEPUB             = "application/epub+zip"
	TypePDF              = "application/pdf"
	TypeAtom             = "application/atom+xml"
	TypeOPDS2            = "application/opds+json"
	TypeOPDS2Publication = "application/opds-publication+json"
	TypeAuthDocument     = "application/vnd.opds.authentication.v1.0+json"
	TypeOpenSearch       = "application/opensearchdescription+xml"
)

var imageRels = map[string]bool{
	RelImage:                         true,
	RelThumbnail:                     true,
	"http://opds-spec.org/cover":     true,
	"http://opds-spec.org/thumbnail": true,
	"thumbnail":                      true,
	"cover":                          true,
	"x-stanza-cover-image":           true,
	"x-stanza-cover-image-thumbnail": true,
}

// IsAcquisitionRel reports whether rel is a standard OPDS acquisition relation.
func IsAcquisitionRel(rel string) bool {
	rel = strings.TrimSpace(rel)
	return rel == RelAcquisition || strings.HasPrefix(rel, RelAcquisition+"/")
}

// IsImageRel reports whether rel points at a cover or thumbnail.
func IsImageRel(rel string) bool {
	return imageRels[strings.TrimSpace(rel)]
}

// acquisitionRank orders acquisition relations; lower is preferred.
func acquisitionRank(rel string) int {
	switch rel {
	case RelAcquisitionOpenAccess:
		return 0
	case RelAcquisition:
		return 1
	case RelAcquisitionBorrow:
		return 2
	case RelAcquisitionBuy, RelAcquisitionSubscribe:
		return 3
	case RelAcquisitionSample, RelAcquisitionPreview:
		return 5
	}
	if IsAcquisitionRel(rel) {
		return 4
	}
	return 6
}

// MediaType returns the lowercased type/subtype of t without parameters.
func MediaType(t string) string {
	t = strings.TrimSpace(t)
	if t == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(t); err == nil {
		return strings.ToLower(mt)
	}
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = t[:i]
	}
	return strings.ToLower(strings.TrimSpace(t))
}

// mediaParam returns a lowercased parameter of a media type.
func mediaParam(t, name string) string {
	if _, params, err := mime.ParseMediaType(t); err == nil {
		return strings.ToLower(params[name])
	}
	for _, part := range strings.Split(t, ";")[1:] {
		k, v, ok := strings.Cut(part, "=")
		if ok && strings.EqualFold(strings.TrimSpace(k), name) {
			return strings.ToLower(strings.Trim(strings.TrimSpace(v), `"`))
		}
	}
	return ""
}

// FeedKind returns the "kind" parameter of an Atom feed type
// ("navigation" or "acquisition"), or "" when t carries none.
func FeedKind(t string) string {
	return mediaParam(t, "kind")
}

// IsFeedType reports whether t describes another catalog document.
func IsFeedType(t string) bool {
	switch MediaType(t) {
	case TypeAtom, TypeOPDS2, "application/opds+json+ld":
		return true
	}
	return false
}

// IsOPDS2Type reports whether t is an OPDS 2 or JSON media type.
func IsOPDS2Type(t string) bool {
	mt := MediaType(t)
	return mt == TypeOPDS2 || mt == TypeOPDS2Publication || mt == "application/json" || strings.HasSuffix(mt, "+json")
}

// IsOPDS1Type reports whether t is an Atom or generic XML media type.
func IsOPDS1Type(t string) bool {
	mt := MediaType(t)
	return mt == TypeAtom || mt == "application/xml" || mt == "text/xml" || (strings.HasSuffix(mt, "+xml") && mt != TypeOpenSearch)
}

// IsAuthDocumentType reports whether t is an OPDS authentication document.
func IsAuthDocumentType(t string) bool {
	return MediaType(t) == TypeAuthDocument
}

// IsTerminalType reports whether t is directly downloadable content.
func IsTerminalType(t string) bool {
	mt := MediaType(t)
	return mt == TypeEPUB || mt == TypePDF
}

// FormatOf maps a media type to a Format.
func FormatOf(t string) Format {
	switch MediaType(t) {
	case TypeEPUB:
		return FormatEPUB
	case TypePDF:
		return FormatPDF
	case "":
		return ""
	}
	return FormatOther
}

// TypeScore ranks how well t matches a supported terminal type: an exact
// EPUB beats an exact PDF, which beats a wildcard, which beats anything else.
func TypeScore(t string) int {
	switch mt := MediaType(t); {
	case mt == TypeEPUB:
		return 4
	case mt == TypePDF:
		return 3
	case mt == "*/*" || mt == "application/*":
		return 1
	}
	return 0
}

// TerminalType walks an indirection chain and returns the best-scoring leaf
// type. It returns "" for an empty chain.
func TerminalType(chain []IndirectAcquisition) string {
	best, bestScore := "", -1
	var walk func([]IndirectAcquisition)
	walk = func(level []IndirectAcquisition) {
		for _, ia := range level {
			if len(ia.Children) > 0 {
				walk(ia.Children)
				continue
			}
			if s := TypeScore(ia.Type); s > bestScore {
				best, bestScore = ia.Type, s
			}
		}
	}
	walk(chain)
	return best
}

// ResolveTemplate resolves a URI template against base, leaving the
// template expressions untouched.
func ResolveTemplate(base, tmpl string) string {
	i := strings.IndexByte(tmpl, '{')
	if i < 0 {
		return ResolveURL(base, tmpl)
	}
	if i == 0 {
		return base + tmpl
	}
	return ResolveURL(base, tmpl[:i]) + tmpl[i:]
}

// ResolveURL resolves ref against base. It returns ref unchanged when either
// side does not parse.
func ResolveURL(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if base == "" {
		return r.String()
	}
	b, err := url.Parse(base)
	if err != nil {
		return r.String()
	}
	return b.ResolveReference(r).String()
}
