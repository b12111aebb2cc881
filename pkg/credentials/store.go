// Package credentials keeps username/password pairs keyed by host.
package credentials

import (
	"context"
	"errors"
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/weppos/publicsuffix-go/publicsuffix"
)

// StoredCredential is a saved login for every URL on Host.
type StoredCredential struct {
	Host      string    `json:"host" yaml:"host"`
	Username  string    `json:"username" yaml:"username"`
	Password  string    `json:"-" yaml:"-"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updatedAt"`
}

// Backend persists credentials. storage.DB implements it.
type Backend interface {
	ListCredentials(ctx context.Context) ([]StoredCredential, error)
	UpsertCredential(ctx context.Context, c StoredCredential) error
	DeleteCredential(ctx context.Context, host string) error
}

var ErrInvalidHost = errors.New("invalid host")

// Store is an in-memory view of the saved credentials, written through to an
// optional Backend. It is safe for concurrent use.
type Store struct {
	backend Backend

	mu     sync.RWMutex
	byHost map[string]StoredCredential
}

// NewStore loads every credential from backend.
func NewStore(ctx context.Context, backend Backend) (*Store, error) {
	s := &Store{backend: backend, byHost: make(map[string]StoredCredential)}
	if backend == nil {
		return s, nil
	}
	creds, err := backend.ListCredentials(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range creds {
		if h := NormalizeHost(c.Host); h != "" {
			c.Host = h
			s.byHost[h] = c
		}
	}
	return s, nil
}

// NewMemoryStore returns a store that persists nothing.
func NewMemoryStore() *Store {
	s, _ := NewStore(context.Background(), nil)
	return s
}

// NormalizeHost reduces a URL or host[:port] to a lowercase hostname without
// port or trailing dot. It returns "" when nothing usable remains.
func NormalizeHost(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	host := raw
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return ""
		}
		host = u.Hostname()
	} else if h, _, err := net.SplitHostPort(raw); err == nil {
		host = h
	} else if i := strings.IndexAny(raw, "/?#"); i >= 0 {
		host = raw[:i]
	}
	host = strings.Trim(strings.ToLower(host), "[]")
	return strings.TrimSuffix(host, ".")
}

// FindForURL returns the credential for the URL's host: an exact match, or
// the longest saved parent domain. A public suffix such as "co.uk" never covers
// its subdomains, and IP addresses only match exactly.
func (s *Store) FindForURL(rawURL string) (StoredCredential, bool) {
	host := NormalizeHost(rawURL)
	if host == "" {
		return StoredCredential{}, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if c, ok := s.byHost[host]; ok {
		return c, true
	}
	if !isDomainName(host) {
		return StoredCredential{}, false
	}

	var best StoredCredential
	for h, c := range s.byHost {
		if len(h) <= len(best.Host) || !strings.HasSuffix(host, "."+h) {
			continue
		}
		if !canCoverSubdomains(h) {
			continue
		}
		best = c
	}
	return best, best.Host != ""
}

// Save stores or replaces the credential for host.
func (s *Store) Save(ctx context.Context, host, username, password string) error {
	h := NormalizeHost(host)
	if h == "" {
		return ErrInvalidHost
	}
	c := StoredCredential{Host: h, Username: username, Password: password, UpdatedAt: time.Now().UTC()}
	if s.backend != nil {
		if err := s.backend.UpsertCredential(ctx, c); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.byHost[h] = c
	s.mu.Unlock()
	return nil
}

// Delete forgets the credential for host. Deleting an unknown host is not an
// error.
func (s *Store) Delete(ctx context.Context, host string) error {
	h := NormalizeHost(host)
	if h == "" {
		return ErrInvalidHost
	}
	if s.backend != nil {
		if err := s.backend.DeleteCredential(ctx, h); err != nil {
			return err
		}
	}
	s.mu.Lock()
	delete(s.byHost, h)
	s.mu.Unlock()
	return nil
}

// List returns every credential sorted by host.
func (s *Store) List() []StoredCredential {
	s.mu.RLock()
	out := make([]StoredCredential, 0, len(s.byHost))
	for _, c := range s.byHost {
		out = append(out, c)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

func isDomainName(host string) bool {
	return net.ParseIP(host) == nil && host != "localhost" && strings.Contains(host, ".")
}

// canCoverSubdomains reports whether a saved host may match its subdomains.
func canCoverSubdomains(host string) bool {
	if !isDomainName(host) {
		return false
	}
	_, err := publicsuffix.Domain(host)
	return err == nil
}
