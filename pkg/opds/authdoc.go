package opds

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	AuthTypeBasic         = "http://opds-spec.org/auth/basic"
	AuthTypeOAuthImplicit = "http://opds-spec.org/auth/oauth/implicit"
	AuthTypeOAuthPassword = "http://opds-spec.org/auth/oauth/password"

	relRegister = "register"
	relHelp     = "help"
)

// AuthLink is a link declared by an authentication document.
type AuthLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
	Type string `json:"type,omitempty"`
}

// AuthMethod is one authentication flow a server offers.
type AuthMethod struct {
	Type        string     `json:"type"`
	Description string     `json:"description,omitempty"`
	Links       []AuthLink `json:"links,omitempty"`
}

// AuthDocument is an OPDS authentication document.
type AuthDocument struct {
	ID          string       `json:"id,omitempty"`
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Methods     []AuthMethod `json:"authentication"`
	Links       []AuthLink   `json:"links,omitempty"`
}

// ParseAuthDocument parses an authentication document, resolving its links
// against baseURL.
func ParseAuthDocument(data []byte, baseURL string) (*AuthDocument, error) {
	if !gjson.ValidBytes(data) {
		return nil, newParseError("auth", data, errors.New("invalid JSON"))
	}
	root := gjson.ParseBytes(data)
	methods := root.Get("authentication")
	if !methods.IsArray() {
		return nil, newParseError("auth", data, errors.New("missing authentication array"))
	}

	doc := &AuthDocument{
		ID:          root.Get("id").String(),
		Title:       localizedString(root.Get("title")),
		Description: localizedString(root.Get("description")),
		Methods:     []AuthMethod{},
		Links:       authLinks(root.Get("links"), baseURL),
	}
	for _, m := range methods.Array() {
		doc.Methods = append(doc.Methods, AuthMethod{
			Type:        m.Get("type").String(),
			Description: localizedString(m.Get("description")),
			Links:       authLinks(m.Get("links"), baseURL),
		})
	}
	return doc, nil
}

func authLinks(r gjson.Result, baseURL string) []AuthLink {
	var out []AuthLink
	for _, l := range r.Array() {
		href := ResolveURL(baseURL, l.Get("href").String())
		if href == "" {
			continue
		}
		out = append(out, AuthLink{Rel: strings.Join(linkRels(l), " "), Href: href, Type: l.Get("type").String()})
	}
	return out
}

// SupportsBasic reports whether the server accepts username/password auth.
func (d *AuthDocument) SupportsBasic() bool {
	if d == nil {
		return false
	}
	for _, m := range d.Methods {
		if m.Type == AuthTypeBasic {
			return true
		}
	}
	return false
}

// LoginURL returns the page a user should open to sign in outside the app,
// or "" when the document offers none. An OAuth authenticate link wins over
// document-level register or help links.
func (d *AuthDocument) LoginURL() string {
	if d == nil {
		return ""
	}
	for _, m := range d.Methods {
		if m.Type == AuthTypeBasic {
			continue
		}
		for _, l := range m.Links {
			if l.Rel == RelAuthLink {
				return l.Href
			}
		}
	}
	for _, rel := range []string{RelAuthLink, relRegister, relHelp} {
		for _, l := range d.Links {
			if l.Rel == rel {
				return l.Href
			}
		}
	}
	return ""
}
