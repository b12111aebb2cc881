package storage

import (
	"net/url"
	"strings"

	"github.com/shelfsync/opdsacq/pkg/opds"
)

// NormalizeCatalogURL canonicalizes a catalog URL for identity: lowercase
// host, no default port, no trailing slash, https when the scheme is missing.
func NormalizeCatalogURL(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return strings.TrimSpace(s)
	}
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" && u.Port() == "80" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && u.Port() == "443" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	if strings.HasSuffix(u.Path, "/") && len(u.Path) > 1 {
		u.Path = strings.TrimRight(u.Path, "/")
	}
	u.Fragment = ""
	return u.String()
}

// EntryKey is the identity of a harvested entry: its catalog identifier, or
// its download URL when it has none.
func EntryKey(e opds.CatalogEntry) string {
	if id := strings.TrimSpace(e.ID); id != "" {
		return "id:" + id
	}
	if e.DownloadURL != "" {
		return "href:" + e.DownloadURL
	}
	return ""
}

// BuildEntries converts normalized catalog entries into storable ones,
// skipping entries without an identity.
func BuildEntries(catalog string, books []opds.CatalogEntry) []Entry {
	out := make([]Entry, 0, len(books))
	for _, b := range books {
		key := EntryKey(b)
		if key == "" {
			continue
		}
		out = append(out, Entry{
			Catalog:      catalog,
			Key:          key,
			Title:        b.Title,
			Author:       b.Author,
			DownloadURL:  b.DownloadURL,
			Format:       string(b.Format),
			MediaType:    b.AcquisitionMediaType,
			IsOpenAccess: b.IsOpenAccess,
			Availability: string(b.AvailabilityStatus),
			SchemaType:   b.SchemaOrgType,
		})
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
