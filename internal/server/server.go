// Package server runs the owned CORS proxy and a small read-only API over
// harvested catalogs.
package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/shelfsync/opdsacq/internal/utils"
	"github.com/shelfsync/opdsacq/pkg/storage"
	"github.com/shelfsync/opdsacq/pkg/whttp"
)

type Config struct {
	// Origins may read proxied responses. "*" allows any origin.
	Origins []string

	// Username and Password protect the proxy when set. Clients send them
	// as Basic credentials in X-Proxy-Authorization or Proxy-Authorization,
	// leaving Authorization for the upstream server.
	Username string
	Password string

	// DB enables the /api routes.
	DB *storage.DB

	Client *retryablehttp.Client
}

type Server struct {
	DB       *storage.DB
	Username string
	Password string

	origins   map[string]bool
	anyOrigin bool
	client    *retryablehttp.Client
}

func New(cfg Config) (*Server, error) {
	s := &Server{
		DB:       cfg.DB,
		Username: cfg.Username,
		Password: cfg.Password,
		origins:  make(map[string]bool),
		client:   cfg.Client,
	}
	for _, o := range cfg.Origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		switch o {
		case "":
		case "*":
			s.anyOrigin = true
		default:
			s.origins[o] = true
		}
	}
	if s.client == nil {
		c, err := whttp.NewClient(whttp.ClientConfig{Timeout: 2 * time.Minute})
		if err != nil {
			return nil, err
		}
		// Upstream cookies must not leak between proxy clients.
		c.HTTPClient.Jar = nil
		s.client = c
	}
	return s, nil
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Group(func(r chi.Router) {
		r.Use(s.proxyAuth)
		r.Get("/proxy", s.handleProxy)
		r.Head("/proxy", s.handleProxy)
	})

	if s.DB != nil {
		r.Route("/api", func(r chi.Router) {
			r.Use(s.basicAuth)
			r.Get("/stats", s.handleStats)
			r.Get("/entries", s.handleEntries)
			r.Get("/changes", s.handleChanges)
			r.Get("/catalogs", s.handleCatalogs)
		})
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func (s *Server) Start(addr string) error {
	utils.Log.Infof("Starting proxy on %s", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

func (s *Server) allowedOrigin(origin string) bool {
	if origin == "" {
		return false
	}
	return s.anyOrigin || s.origins[strings.TrimRight(origin, "/")]
}

// cors answers preflights and marks responses readable by allowed origins.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if s.allowedOrigin(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Accept, Authorization, Range, X-Proxy-Authorization")
			h.Set("Access-Control-Expose-Headers", strings.Join(exposedHeaders, ", "))
			h.Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) proxyAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Username == "" && s.Password == "" {
			next.ServeHTTP(w, r)
			return
		}
		value := r.Header.Get("X-Proxy-Authorization")
		if value == "" {
			value = r.Header.Get("Proxy-Authorization")
		}
		user, pass, ok := parseBasic(value)
		if !ok || user != s.Username || pass != s.Password {
			w.Header().Set("Proxy-Authenticate", `Basic realm="opdsacq proxy"`)
			http.Error(w, "Proxy authentication required", http.StatusProxyAuthRequired)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Username == "" && s.Password == "" {
			next.ServeHTTP(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.Username || pass != s.Password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func parseBasic(value string) (string, string, bool) {
	if value == "" {
		return "", "", false
	}
	r := http.Request{Header: http.Header{"Authorization": {value}}}
	return r.BasicAuth()
}
