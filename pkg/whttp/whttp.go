package whttp

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/net/html"
	"golang.org/x/net/publicsuffix"
)

const (
	DefaultUserAgent = "opdsacq/1.0 (+https://github.com/shelfsync/opdsacq)"
	DefaultTimeout   = 20 * time.Second

	// MaxBodySize caps how much of a response body is buffered.
	MaxBodySize = 8 << 20

	// FinalURLHeader carries the upstream URL a proxied response came from,
	// after redirects.
	FinalURLHeader = "X-Final-Url"
)

// UserAgent is sent with every request unless a header overrides it.
var UserAgent = DefaultUserAgent

type WHTTPHeader struct {
	Name  string
	Value string
}

type WHTTPReq struct {
	URL     string
	Method  string
	Headers []WHTTPHeader
	Body    string

	// ReadBody is consulted with the response Content-Type. When it returns
	// false the body is closed unread. Nil reads every body.
	ReadBody func(contentType string) bool
}

type WHTTPRes struct {
	StatusCode     int
	Header         http.Header
	ContentType    string
	FinalURL       string
	ResponseLength int
	HTTPTitle      string
	BodyString     string
}

// ClientConfig controls the retryable client built by NewClient.
type ClientConfig struct {
	Timeout   time.Duration
	RetryMax  int
	Proxy     string
	Jar       http.CookieJar
	Transport http.RoundTripper
}

var (
	defaultOnce   sync.Once
	defaultClient *retryablehttp.Client
)

// DefaultClient returns a shared client with the default timeout and no retries.
func DefaultClient() *retryablehttp.Client {
	defaultOnce.Do(func() {
		c, err := NewClient(ClientConfig{})
		if err != nil {
			panic(err)
		}
		defaultClient = c
	})
	return defaultClient
}

// NewClient builds a retryable client that only retries connection-level
// failures. HTTP statuses are always handed back to the caller, so a 401 or a
// 429 is never retried behind its back.
func NewClient(cfg ClientConfig) (*retryablehttp.Client, error) {
	client := retryablehttp.NewClient()
	client.Logger = log.New(io.Discard, "", 0)
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.CheckRetry = connectionErrorsOnly
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client.HTTPClient.Timeout = timeout

	jar := cfg.Jar
	if jar == nil {
		var err error
		jar, err = cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, err
		}
	}
	client.HTTPClient.Jar = jar

	if cfg.Transport != nil {
		client.HTTPClient.Transport = cfg.Transport
	}

	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		client.HTTPClient.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	return client, nil
}

func connectionErrorsOnly(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	return false, nil
}

func SendHTTPRequest(ctx context.Context, wReq *WHTTPReq, client *retryablehttp.Client) (wRes *WHTTPRes, err error) {
	if client == nil {
		client = DefaultClient()
	}

	method := wReq.Method
	if method == "" {
		method = http.MethodGet
	}

	var body interface{}
	if wReq.Body != "" {
		body = strings.NewReader(wReq.Body)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, wReq.URL, body)
	if err != nil {
		return nil, err
	}

	// Set common headers
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept-Language", "en")

	// Custom headers replace the common ones
	for _, h := range wReq.Headers {
		req.Header.Set(h.Name, h.Value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	wRes = &WHTTPRes{
		StatusCode:  resp.StatusCode,
		Header:      resp.Header,
		ContentType: resp.Header.Get("Content-Type"),
		FinalURL:    wReq.URL,
	}
	if resp.Request != nil && resp.Request.URL != nil {
		wRes.FinalURL = resp.Request.URL.String()
	}

	if method == http.MethodHead || (wReq.ReadBody != nil && !wReq.ReadBody(wRes.ContentType)) {
		return wRes, nil
	}

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize))
	if err != nil {
		return nil, err
	}

	wRes.BodyString = string(bodyBytes)
	wRes.ResponseLength = utf8.RuneCountInString(wRes.BodyString)

	if strings.Contains(strings.ToLower(wRes.ContentType), "html") {
		if title, ok := getHTMLTitle(wRes.BodyString); ok {
			wRes.HTTPTitle = strings.ToValidUTF8(strings.TrimSpace(strings.ReplaceAll(strings.ReplaceAll(title, "\n", ""), "\r", "")), "")
		}
	}

	return wRes, nil
}

// BasicAuthHeader builds the Authorization header for a username/password pair.
func BasicAuthHeader(username, password string) WHTTPHeader {
	req := http.Request{Header: http.Header{}}
	req.SetBasicAuth(username, password)
	return WHTTPHeader{Name: "Authorization", Value: req.Header.Get("Authorization")}
}

func isTitleElement(n *html.Node) bool {
	return n.Type == html.ElementNode && n.Data == "title"
}

func traverse(n *html.Node) (string, bool) {
	if isTitleElement(n) {
		if n.FirstChild != nil {
			return n.FirstChild.Data, true
		}
		return "", true
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		result, ok := traverse(c)
		if ok {
			return result, ok
		}
	}

	return "", false
}

func getHTMLTitle(requestBody string) (string, bool) {
	doc, err := html.Parse(strings.NewReader(requestBody))
	if err != nil {
		return "", false
	}

	return traverse(doc)
}
