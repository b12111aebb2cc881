// Package acquire turns an acquisition link into the URL of a downloadable
// EPUB or PDF, following indirect acquisitions one hop at a time.
package acquire

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/shelfsync/opdsacq/pkg/cors"
	"github.com/shelfsync/opdsacq/pkg/credentials"
	"github.com/shelfsync/opdsacq/pkg/opds"
	"github.com/shelfsync/opdsacq/pkg/whttp"
)

const (
	DefaultMaxHops    = 5
	DefaultHopTimeout = 20 * time.Second
)

// Logger abstracts logging so callers can use logrus or any other logger
// with the same methods.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Debugf(string, ...interface{}) {}

// Router picks the route for each hop. *cors.Decider satisfies it.
type Router interface {
	Decide(ctx context.Context, target string, openAccess bool) cors.Route
}

type directRouter struct{}

func (directRouter) Decide(_ context.Context, target string, _ bool) cors.Route {
	return cors.Route{URL: target, Via: cors.Direct}
}

// Credential is a username/password pair sent as HTTP Basic auth.
type Credential struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CredentialSource finds the saved login for a URL. *credentials.Store
// satisfies it.
type CredentialSource interface {
	FindForURL(rawURL string) (credentials.StoredCredential, bool)
}

// Session carries proof of a login performed outside the resolver.
type Session struct {
	BearerToken string
	Cookies     []*http.Cookie
}

// Request describes one resolution attempt.
type Request struct {
	// Href is the acquisition link. When empty, Entry.DownloadURL is used.
	Href    string
	Version opds.Version

	// Credential is only sent to hops on CredentialHost, which defaults to
	// the host of Href.
	Credential     *Credential
	CredentialHost string

	// Credentials supplies saved logins for the other hops.
	Credentials CredentialSource

	Session *Session

	// Entry is the catalog entry Href came from, if known. Its availability
	// and open-access flag are honored.
	Entry *opds.CatalogEntry
}

// Result is a successful resolution.
type Result struct {
	URL       string     `json:"url"`
	Route     cors.Route `json:"route"`
	MediaType string     `json:"mediaType"`
	Hops      []string   `json:"hops"`
}

type Config struct {
	Client     *retryablehttp.Client
	Router     Router
	MaxHops    int
	HopTimeout time.Duration
	Log        Logger
}

// Resolver follows acquisition links. It holds no per-resolution state and
// never retries on its own; every Resolve call is a single attempt.
type Resolver struct {
	client     *retryablehttp.Client
	router     Router
	maxHops    int
	hopTimeout time.Duration
	log        Logger
}

func NewResolver(cfg Config) *Resolver {
	r := &Resolver{
		client:     cfg.Client,
		router:     cfg.Router,
		maxHops:    cfg.MaxHops,
		hopTimeout: cfg.HopTimeout,
		log:        cfg.Log,
	}
	if r.client == nil {
		r.client = whttp.DefaultClient()
	}
	if r.router == nil {
		r.router = directRouter{}
	}
	if r.maxHops <= 0 {
		r.maxHops = DefaultMaxHops
	}
	if r.hopTimeout <= 0 {
		r.hopTimeout = DefaultHopTimeout
	}
	if r.log == nil {
		r.log = nopLogger{}
	}
	return r
}

// Router returns the router used for each hop.
func (r *Resolver) Router() Router {
	return r.router
}

// Resolve follows req until it reaches EPUB or PDF content. Failures are
// always returned as *Error.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Result, error) {
	href := strings.TrimSpace(req.Href)
	openAccess := false
	if req.Entry != nil {
		if href == "" {
			href = req.Entry.DownloadURL
		}
		openAccess = req.Entry.IsOpenAccess
		if req.Entry.AvailabilityStatus == opds.Unavailable {
			return nil, newError(KindUnavailable, 0, href, errors.New("entry is not available for acquisition"))
		}
	}
	if href == "" {
		return nil, newError(KindInvalidResponse, 0, "", errors.New("no acquisition link"))
	}

	if req.Credential != nil {
		req.CredentialHost = credentials.NormalizeHost(req.CredentialHost)
		if req.CredentialHost == "" {
			req.CredentialHost = credentials.NormalizeHost(href)
		}
	}

	visited := make(map[string]bool)
	var hops []string

	for hop := 0; ; hop++ {
		if err := ctx.Err(); err != nil {
			return nil, newError(KindCanceled, 0, href, err)
		}
		if hop >= r.maxHops {
			return nil, newError(KindTooManyHops, 0, href, errors.New("hop limit reached"))
		}
		if visited[href] {
			return nil, newError(KindTooManyHops, 0, href, errors.New("acquisition chain loops"))
		}
		visited[href] = true
		hops = append(hops, href)

		route := r.router.Decide(ctx, href, openAccess)
		r.log.Debugf("hop %d: %s via %s", hop+1, href, route.Via)

		res, err := r.fetch(ctx, route, href, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, newError(KindCanceled, 0, href, ctx.Err())
			}
			return nil, newError(KindNetwork, 0, href, err)
		}

		base := ResponseBase(res, href, route)
		if err := checkResponse(res, href, base, r.log); err != nil {
			return nil, err
		}

		ct := opds.MediaType(res.ContentType)
		if terminal := terminalType(res, base); terminal != "" {
			final := route.URL
			if !route.Proxied() {
				final = base
			}
			r.log.Infof("resolved %s to %s (%s)", hops[0], final, terminal)
			return &Result{URL: final, Route: route, MediaType: terminal, Hops: hops}, nil
		}

		var next string
		switch {
		case opds.IsAuthDocumentType(ct):
			return nil, authRequired(res, href, base, r.log)
		case isHTML(ct):
			next, err = nextFromHTML(res.BodyString, base)
		case opds.IsOPDS1Type(ct) || opds.IsOPDS2Type(ct):
			next, err = r.nextFromFeed(res, base, req)
		default:
			return nil, newError(KindUnsupportedFormat, res.StatusCode, href, errors.New("content type "+strconv.Quote(ct)+" is neither EPUB nor PDF"))
		}
		if err != nil {
			return nil, err
		}
		href = next
	}
}

func (r *Resolver) fetch(ctx context.Context, route cors.Route, href string, req Request) (*whttp.WHTTPRes, error) {
	ctx, cancel := context.WithTimeout(ctx, r.hopTimeout)
	defer cancel()

	headers := []whttp.WHTTPHeader{{Name: "Accept", Value: acceptHeader}}
	if cred := credentialFor(href, req); cred != nil {
		if route.Via == cors.Public {
			r.log.Warnf("sending credentials for %s through a public proxy", hostOf(href))
		}
		headers = append(headers, whttp.BasicAuthHeader(cred.Username, cred.Password))
	}
	if s := req.Session; s != nil {
		if s.BearerToken != "" {
			headers = append(headers, whttp.WHTTPHeader{Name: "Authorization", Value: "Bearer " + s.BearerToken})
		}
		if len(s.Cookies) > 0 {
			parts := make([]string, 0, len(s.Cookies))
			for _, c := range s.Cookies {
				parts = append(parts, c.Name+"="+c.Value)
			}
			headers = append(headers, whttp.WHTTPHeader{Name: "Cookie", Value: strings.Join(parts, "; ")})
		}
	}

	return whttp.SendHTTPRequest(ctx, &whttp.WHTTPReq{
		URL:      route.URL,
		Method:   http.MethodGet,
		Headers:  headers,
		ReadBody: wantsBody,
	}, r.client)
}

// credentialFor returns the login to send to href: the request credential
// when href is on its host, else a saved one for href's host.
func credentialFor(href string, req Request) *Credential {
	host := credentials.NormalizeHost(href)
	if req.Credential != nil && host == req.CredentialHost {
		return req.Credential
	}
	if req.Credentials != nil {
		if stored, ok := req.Credentials.FindForURL(href); ok {
			return &Credential{Username: stored.Username, Password: stored.Password}
		}
	}
	return nil
}

// ResponseBase is the URL relative links in res resolve against: the URL
// after redirects, as reported by the owned proxy for proxied routes.
func ResponseBase(res *whttp.WHTTPRes, href string, route cors.Route) string {
	if route.Proxied() {
		if final := strings.TrimSpace(res.Header.Get(whttp.FinalURLHeader)); final != "" {
			return final
		}
		return href
	}
	if res.FinalURL != "" {
		return res.FinalURL
	}
	return href
}

const acceptHeader = "application/epub+zip, application/pdf, application/atom+xml;q=0.9, application/opds+json;q=0.9, application/opds-publication+json;q=0.9, application/vnd.opds.authentication.v1.0+json;q=0.8, text/html;q=0.5, */*;q=0.1"

// wantsBody keeps downloadable content unread; only documents that can lead
// to another hop are buffered.
func wantsBody(contentType string) bool {
	ct := opds.MediaType(contentType)
	return opds.IsOPDS1Type(ct) || opds.IsOPDS2Type(ct) || isHTML(ct) || strings.HasPrefix(ct, "text/")
}

// CheckResponse classifies an error status of a response fetched from href
// the way Resolve does, and returns nil for non-error statuses. base resolves
// links in an authentication document.
func CheckResponse(res *whttp.WHTTPRes, href, base string) error {
	return checkResponse(res, href, base, nopLogger{})
}

func checkResponse(res *whttp.WHTTPRes, href, base string, log Logger) error {
	switch s := res.StatusCode; {
	case s == http.StatusUnauthorized || s == http.StatusForbidden:
		return authRequired(res, href, base, log)
	case s == http.StatusTooManyRequests:
		e := newError(KindRateLimited, s, href, nil)
		e.Host = hostOf(href)
		e.RetryAfter = parseRetryAfter(res.Header.Get("Retry-After"))
		return e
	case s == http.StatusNotFound || s == http.StatusGone:
		return newError(KindUnavailable, s, href, nil)
	case s >= 500:
		return newError(KindNetwork, s, href, nil)
	case s >= 400:
		return newError(KindInvalidResponse, s, href, nil)
	}
	return nil
}

func authRequired(res *whttp.WHTTPRes, href, base string, log Logger) *Error {
	e := newError(KindAuthRequired, res.StatusCode, href, nil)
	e.Host = hostOf(href)
	if opds.IsAuthDocumentType(res.ContentType) && res.BodyString != "" {
		doc, err := opds.ParseAuthDocument([]byte(res.BodyString), base)
		if err != nil {
			log.Debugf("ignoring unreadable authentication document from %s: %v", href, err)
		} else {
			e.AuthDocument = doc
		}
	}
	return e
}

func (r *Resolver) nextFromFeed(res *whttp.WHTTPRes, base string, req Request) (string, error) {
	v := req.Version
	if v != opds.VersionAuto && opds.DetectVersion(res.ContentType, []byte(res.BodyString)) != v {
		r.log.Debugf("version hint %s does not match %s, detecting", v, res.ContentType)
		v = opds.VersionAuto
	}
	feed, err := opds.Parse([]byte(res.BodyString), res.ContentType, base, v)
	if err != nil {
		return "", newError(KindInvalidResponse, res.StatusCode, base, err)
	}

	book, ok := pickBook(feed.Books, req.Entry)
	if !ok {
		return "", newError(KindInvalidResponse, res.StatusCode, base, errors.New("feed offers no acquisition"))
	}
	if book.AvailabilityStatus == opds.Unavailable {
		return "", newError(KindUnavailable, res.StatusCode, base, errors.New("publication is not available"))
	}
	hop, ok := opds.ChooseHop(book.Acquisitions)
	if !ok {
		return book.DownloadURL, nil
	}
	if hop.Availability == opds.Unavailable {
		return "", newError(KindUnavailable, res.StatusCode, base, errors.New("publication is not available"))
	}
	return hop.Href, nil
}

// pickBook prefers the entry the resolution started from, then the first
// acquirable one.
func pickBook(books []opds.CatalogEntry, entry *opds.CatalogEntry) (opds.CatalogEntry, bool) {
	if entry != nil && entry.ID != "" {
		for _, b := range books {
			if b.ID == entry.ID && b.DownloadURL != "" {
				return b, true
			}
		}
	}
	for _, b := range books {
		if b.DownloadURL != "" {
			return b, true
		}
	}
	return opds.CatalogEntry{}, false
}

// nextFromHTML scans a landing page for the best download link.
func nextFromHTML(body, base string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return "", newError(KindInvalidResponse, 0, base, err)
	}

	best, bestScore := "", 0
	doc.Find("a[href], link[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		typ, _ := s.Attr("type")
		score := opds.TypeScore(typ)
		if score < 3 {
			score = extensionScore(href)
		}
		if score > bestScore {
			best, bestScore = opds.ResolveURL(base, href), score
		}
	})
	if best == "" {
		return "", newError(KindUnsupportedFormat, 0, base, errors.New("page has no EPUB or PDF link"))
	}
	return best, nil
}

// terminalType returns the media type of a downloadable response, or "".
// Generic binary types count when the file name says EPUB or PDF.
func terminalType(res *whttp.WHTTPRes, base string) string {
	ct := opds.MediaType(res.ContentType)
	if opds.IsTerminalType(ct) {
		return ct
	}
	if ct != "application/octet-stream" && ct != "binary/octet-stream" && ct != "" {
		return ""
	}
	name := ""
	if cd := res.Header.Get("Content-Disposition"); cd != "" {
		if i := strings.Index(strings.ToLower(cd), "filename="); i >= 0 {
			name = strings.Trim(strings.TrimSpace(strings.SplitN(cd[i+len("filename="):], ";", 2)[0]), `"`)
		}
	}
	if name == "" {
		if u, err := url.Parse(base); err == nil {
			name = u.Path
		}
	}
	switch extensionScore(name) {
	case 4:
		return opds.TypeEPUB
	case 3:
		return opds.TypePDF
	}
	return ""
}

func extensionScore(name string) int {
	if u, err := url.Parse(name); err == nil && u.Path != "" {
		name = u.Path
	}
	switch strings.ToLower(path.Ext(name)) {
	case ".epub":
		return 4
	case ".pdf":
		return 3
	}
	return 0
}

func isHTML(ct string) bool {
	return ct == "text/html" || ct == "application/xhtml+xml"
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
