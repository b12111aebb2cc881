// Package cors decides whether a URL can be fetched directly from the
// configured browser origin or has to go through a CORS proxy.
package cors

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shelfsync/opdsacq/pkg/whttp"
)

// Via names the path a request takes.
type Via string

const (
	Direct Via = "direct"
	Owned  Via = "owned"
	Public Via = "public"
)

const (
	DefaultFallbackProxy = "https://corsproxy.io/?url={url}"
	DefaultProbeTimeout  = 5 * time.Second
)

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

// Route is the outcome of a routing decision. URL equals the input URL
// exactly when Via is Direct.
type Route struct {
	URL string `json:"url"`
	Via Via    `json:"via"`
}

// Proxied reports whether the route goes through any proxy.
func (r Route) Proxied() bool {
	return r.Via != Direct
}

type Config struct {
	// Origin is the origin requests are made from. Empty means the caller is
	// not subject to CORS and every URL is fetched directly.
	Origin string

	// OwnedProxy and FallbackProxy are URL templates. "{url}" is replaced by
	// the escaped target; without it the escaped target is appended.
	OwnedProxy    string
	FallbackProxy string

	ProbeTimeout time.Duration
	Client       *retryablehttp.Client
	Log          Logger
}

// Decider routes URLs and remembers the CORS posture of each host it has
// probed. It is safe for concurrent use.
type Decider struct {
	cfg Config

	mu    sync.Mutex
	hosts map[string]bool
}

func NewDecider(cfg Config) *Decider {
	if cfg.FallbackProxy == "" {
		cfg.FallbackProxy = DefaultFallbackProxy
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Log == nil {
		cfg.Log = nopLogger{}
	}
	cfg.Origin = strings.TrimRight(cfg.Origin, "/")
	return &Decider{cfg: cfg, hosts: make(map[string]bool)}
}

// Decide returns the route for target. An open-access hint skips the probe.
// Probe failures never surface: they are treated as "proxy required".
func (d *Decider) Decide(ctx context.Context, target string, openAccess bool) Route {
	if d.cfg.Origin == "" || openAccess {
		return Route{URL: target, Via: Direct}
	}

	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return d.Proxy(target)
	}
	if sameOrigin(u, d.cfg.Origin) {
		return Route{URL: target, Via: Direct}
	}

	host := strings.ToLower(u.Host)
	d.mu.Lock()
	allowed, cached := d.hosts[host]
	d.mu.Unlock()

	if !cached {
		allowed = d.probe(ctx, target)
		// A probe cut short by the caller says nothing about the host.
		if ctx.Err() == nil {
			d.mu.Lock()
			d.hosts[host] = allowed
			d.mu.Unlock()
		}
	}

	if allowed {
		return Route{URL: target, Via: Direct}
	}
	return d.Proxy(target)
}

// DecideURL is Decide reduced to the final URL.
func (d *Decider) DecideURL(ctx context.Context, target string, openAccess bool) string {
	return d.Decide(ctx, target, openAccess).URL
}

// Proxy routes target through the owned proxy when one is configured, else
// the public fallback.
func (d *Decider) Proxy(target string) Route {
	if d.cfg.OwnedProxy != "" {
		return Route{URL: expand(d.cfg.OwnedProxy, target), Via: Owned}
	}
	return Route{URL: expand(d.cfg.FallbackProxy, target), Via: Public}
}

// Forget drops the cached posture of host, or of every host when host is "".
func (d *Decider) Forget(host string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if host == "" {
		d.hosts = make(map[string]bool)
		return
	}
	delete(d.hosts, strings.ToLower(host))
}

func (d *Decider) probe(ctx context.Context, target string) bool {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ProbeTimeout)
	defer cancel()

	headers := []whttp.WHTTPHeader{{Name: "Origin", Value: d.cfg.Origin}}
	skipBody := func(string) bool { return false }

	res, err := whttp.SendHTTPRequest(ctx, &whttp.WHTTPReq{URL: target, Method: http.MethodHead, Headers: headers}, d.cfg.Client)
	if err == nil && res.StatusCode == http.StatusMethodNotAllowed {
		res, err = whttp.SendHTTPRequest(ctx, &whttp.WHTTPReq{URL: target, Method: http.MethodGet, Headers: headers, ReadBody: skipBody}, d.cfg.Client)
	}
	if err != nil {
		d.cfg.Log.Debugf("CORS probe for %s failed: %v", target, err)
		return false
	}

	allowed := allowsOrigin(res.Header, d.cfg.Origin)
	d.cfg.Log.Debugf("CORS probe for %s: status %d, direct=%v", target, res.StatusCode, allowed)
	return allowed
}

// allowsOrigin reports whether a response lets origin read it. A wildcard
// paired with Allow-Credentials is rejected by browsers, so it does not count.
func allowsOrigin(h http.Header, origin string) bool {
	acao := strings.TrimSpace(h.Get("Access-Control-Allow-Origin"))
	creds := strings.EqualFold(strings.TrimSpace(h.Get("Access-Control-Allow-Credentials")), "true")
	switch {
	case acao == "":
		return false
	case acao == "*":
		return !creds
	}
	return strings.EqualFold(strings.TrimRight(acao, "/"), origin)
}

func sameOrigin(u *url.URL, origin string) bool {
	o, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, o.Scheme) && strings.EqualFold(u.Host, o.Host)
}

func expand(tmpl, target string) string {
	escaped := url.QueryEscape(target)
	if strings.Contains(tmpl, "{url}") {
		return strings.ReplaceAll(tmpl, "{url}", escaped)
	}
	return tmpl + escaped
}
