// Package catalog fetches OPDS catalog pages and runs catalog searches.
package catalog

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shelfsync/opdsacq/pkg/acquire"
	"github.com/shelfsync/opdsacq/pkg/cors"
	"github.com/shelfsync/opdsacq/pkg/credentials"
	"github.com/shelfsync/opdsacq/pkg/opds"
	"github.com/shelfsync/opdsacq/pkg/whttp"
)

const DefaultTimeout = 20 * time.Second

var ErrNoSearch = errors.New("catalog does not offer search")

const feedAccept = "application/opds+json, application/atom+xml;profile=opds-catalog;q=0.9, application/atom+xml;q=0.8, application/xml;q=0.5, */*;q=0.1"

type Config struct {
	Client      *retryablehttp.Client
	Router      acquire.Router
	Credentials *credentials.Store
	Timeout     time.Duration
	Log         acquire.Logger
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Debugf(string, ...interface{}) {}

// Client fetches and normalizes catalog documents. It is safe for concurrent
// use.
type Client struct {
	client  *retryablehttp.Client
	router  acquire.Router
	creds   *credentials.Store
	timeout time.Duration
	log     acquire.Logger

	mu        sync.Mutex
	templates map[string]string
}

func NewClient(cfg Config) *Client {
	c := &Client{
		client:    cfg.Client,
		router:    cfg.Router,
		creds:     cfg.Credentials,
		timeout:   cfg.Timeout,
		log:       cfg.Log,
		templates: make(map[string]string),
	}
	if c.client == nil {
		c.client = whttp.DefaultClient()
	}
	if c.router == nil {
		c.router = cors.NewDecider(cors.Config{})
	}
	if c.creds == nil {
		c.creds = credentials.NewMemoryStore()
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.log == nil {
		c.log = nopLogger{}
	}
	return c
}

// Fetch downloads the catalog document at rawURL and normalizes it. HTTP
// failures are returned as *acquire.Error, malformed documents as
// *opds.FeedParseError.
func (c *Client) Fetch(ctx context.Context, rawURL string, v opds.Version) (*opds.Feed, error) {
	res, base, err := c.get(ctx, rawURL, feedAccept)
	if err != nil {
		return nil, err
	}

	feed, err := opds.Parse([]byte(res.BodyString), res.ContentType, base, v)
	if err != nil {
		return nil, err
	}
	c.log.Debugf("fetched %s: %d books, %d navigation links", base, len(feed.Books), len(feed.NavLinks))
	return feed, nil
}

// get fetches rawURL through the router with the stored credential for its
// host. base is the URL relative links in the body resolve against.
func (c *Client) get(ctx context.Context, rawURL, accept string) (*whttp.WHTTPRes, string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, "", errors.New("empty catalog URL")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	route := c.router.Decide(ctx, rawURL, false)
	headers := []whttp.WHTTPHeader{{Name: "Accept", Value: accept}}
	if cred, ok := c.creds.FindForURL(rawURL); ok {
		if route.Via == cors.Public {
			c.log.Warnf("sending credentials for %s through a public proxy", cred.Host)
		}
		headers = append(headers, whttp.BasicAuthHeader(cred.Username, cred.Password))
	}

	res, err := whttp.SendHTTPRequest(ctx, &whttp.WHTTPReq{
		URL:     route.URL,
		Method:  http.MethodGet,
		Headers: headers,
	}, c.client)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", &acquire.Error{Kind: acquire.KindCanceled, URL: rawURL, Err: ctx.Err()}
		}
		return nil, "", &acquire.Error{Kind: acquire.KindNetwork, URL: rawURL, Err: err}
	}

	base := acquire.ResponseBase(res, rawURL, route)
	if err := acquire.CheckResponse(res, rawURL, base); err != nil {
		return nil, "", err
	}
	return res, base, nil
}
