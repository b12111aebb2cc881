package server

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shelfsync/opdsacq/internal/utils"
	"github.com/shelfsync/opdsacq/pkg/whttp"
)

const FinalURLHeader = whttp.FinalURLHeader

var forwardedRequestHeaders = []string{
	"Accept",
	"Accept-Language",
	"Authorization",
	"If-Modified-Since",
	"If-None-Match",
	"Range",
}

var copiedResponseHeaders = []string{
	"Accept-Ranges",
	"Cache-Control",
	"Content-Disposition",
	"Content-Length",
	"Content-Range",
	"Content-Type",
	"ETag",
	"Last-Modified",
	"Retry-After",
	"WWW-Authenticate",
}

var exposedHeaders = append([]string{FinalURLHeader}, copiedResponseHeaders...)

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	target, err := proxyTarget(r.URL.Query().Get("url"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	req, err := retryablehttp.NewRequestWithContext(r.Context(), r.Method, target.String(), nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req.Header.Set("User-Agent", whttp.UserAgent)
	for _, name := range forwardedRequestHeaders {
		if v := r.Header.Get(name); v != "" {
			req.Header.Set(name, v)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		utils.Log.Debugf("proxy fetch of %s failed: %v", target, err)
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	h := w.Header()
	for _, name := range copiedResponseHeaders {
		if v := resp.Header.Get(name); v != "" {
			h.Set(name, v)
		}
	}
	final := target.String()
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}
	h.Set(FinalURLHeader, final)

	utils.Log.Debugf("proxy %s %s -> %d", r.Method, target, resp.StatusCode)
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		utils.Log.Debugf("proxy copy of %s interrupted: %v", target, err)
	}
}

func proxyTarget(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("missing url parameter")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.New("invalid url parameter")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("only http and https URLs can be proxied")
	}
	if u.Host == "" {
		return nil, errors.New("url parameter has no host")
	}
	u.User = nil
	return u, nil
}
