package catalog

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"strings"

	"github.com/shelfsync/opdsacq/pkg/opds"
	"golang.org/x/net/html/charset"
)

type openSearchDescription struct {
	XMLName   xml.Name        `xml:"OpenSearchDescription"`
	ShortName string          `xml:"ShortName"`
	URLs      []openSearchURL `xml:"Url"`
}

type openSearchURL struct {
	Type     string `xml:"type,attr"`
	Template string `xml:"template,attr"`
	Rel      string `xml:"rel,attr"`
}

// Search runs terms against the catalog's search descriptor and returns the
// result feed.
func (c *Client) Search(ctx context.Context, desc *opds.SearchDescriptor, terms string, v opds.Version) (*opds.Feed, error) {
	u, err := c.SearchURL(ctx, desc, terms)
	if err != nil {
		return nil, err
	}
	return c.Fetch(ctx, u, v)
}

// SearchURL returns the URL of the result feed for terms. An OpenSearch
// description is fetched once per descriptor URL.
func (c *Client) SearchURL(ctx context.Context, desc *opds.SearchDescriptor, terms string) (string, error) {
	if desc == nil || desc.DescriptionURL == "" {
		return "", ErrNoSearch
	}
	if desc.Kind != opds.SearchOpenSearch {
		return ExpandTemplate(desc.DescriptionURL, terms), nil
	}

	c.mu.Lock()
	tmpl, ok := c.templates[desc.DescriptionURL]
	c.mu.Unlock()
	if !ok {
		res, base, err := c.get(ctx, desc.DescriptionURL, opds.TypeOpenSearch+", application/xml;q=0.9, */*;q=0.1")
		if err != nil {
			return "", err
		}
		tmpl, err = parseOpenSearch([]byte(res.BodyString), base)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.templates[desc.DescriptionURL] = tmpl
		c.mu.Unlock()
	}
	return ExpandTemplate(tmpl, terms), nil
}

// parseOpenSearch picks the catalog result template from an OpenSearch
// description: OPDS acquisition feeds first, then any Atom feed.
func parseOpenSearch(data []byte, base string) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = charset.NewReaderLabel
	dec.Strict = false

	var osd openSearchDescription
	if err := dec.Decode(&osd); err != nil {
		return "", &opds.FeedParseError{Format: "opensearch", Err: err}
	}

	best, bestScore := "", 0
	for _, u := range osd.URLs {
		if u.Template == "" || (u.Rel != "" && u.Rel != "results") {
			continue
		}
		score := 1
		t := strings.ToLower(u.Type)
		switch {
		case opds.IsOPDS1Type(t) && opds.FeedKind(t) == "acquisition":
			score = 4
		case opds.IsOPDS1Type(t) || opds.IsOPDS2Type(t):
			score = 3
		case strings.Contains(t, "xml"):
			score = 2
		}
		if score > bestScore {
			best, bestScore = u.Template, score
		}
	}
	if best == "" {
		return "", &opds.FeedParseError{Format: "opensearch", Snippet: osd.ShortName, Err: fmt.Errorf("no result template")}
	}
	return opds.ResolveTemplate(base, best), nil
}

var searchVars = map[string]bool{"searchTerms": true, "query": true, "q": true}

// ExpandTemplate fills the search variables of an OpenSearch or RFC 6570
// template with terms. Other variables expand to nothing.
func ExpandTemplate(tmpl, terms string) string {
	var b strings.Builder
	for {
		open := strings.IndexByte(tmpl, '{')
		if open < 0 {
			b.WriteString(tmpl)
			break
		}
		end := strings.IndexByte(tmpl[open:], '}')
		if end < 0 {
			b.WriteString(tmpl)
			break
		}
		b.WriteString(tmpl[:open])
		b.WriteString(expandExpr(tmpl[open+1:open+end], terms, strings.Contains(b.String(), "?")))
		tmpl = tmpl[open+end+1:]
	}
	return b.String()
}

func expandExpr(expr, terms string, hasQuery bool) string {
	escaped := url.QueryEscape(terms)
	if expr == "" {
		return ""
	}

	switch op := expr[0]; op {
	case '?', '&':
		var pairs []string
		for _, name := range strings.Split(expr[1:], ",") {
			name = strings.TrimSpace(name)
			if searchVars[name] {
				pairs = append(pairs, name+"="+escaped)
			}
		}
		if len(pairs) == 0 {
			return ""
		}
		prefix := "?"
		if op == '&' || hasQuery {
			prefix = "&"
		}
		return prefix + strings.Join(pairs, "&")
	}

	// OpenSearch marks optional parameters with a trailing "?" and may use
	// namespace prefixes.
	name := strings.TrimSuffix(expr, "?")
	if i := strings.LastIndexByte(name, ':'); i >= 0 {
		name = name[i+1:]
	}
	if searchVars[name] {
		return escaped
	}
	return ""
}
