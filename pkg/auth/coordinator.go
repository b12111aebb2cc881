// Package auth coordinates credential challenges around acquisition: it opens
// a challenge when a resolution needs a login, and retries the pending
// acquisition once the user supplies credentials or signs in elsewhere.
package auth

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shelfsync/opdsacq/pkg/acquire"
	"github.com/shelfsync/opdsacq/pkg/cors"
	"github.com/shelfsync/opdsacq/pkg/credentials"
	"github.com/shelfsync/opdsacq/pkg/opds"
)

var ErrNoChallenge = errors.New("no credential challenge is open")

// UI is notified when a challenge opens or closes.
type UI interface {
	OpenChallenge(p Prompt)
	CloseChallenge()
}

// Prompt is an open credential challenge.
type Prompt struct {
	ID                 string             `json:"id"`
	Host               string             `json:"host"`
	PendingHref        string             `json:"pendingHref"`
	PendingEntry       *opds.CatalogEntry `json:"pendingEntry,omitempty"`
	PendingCatalogName string             `json:"pendingCatalogName,omitempty"`
	AuthDocument       *opds.AuthDocument `json:"authDocument,omitempty"`
	Version            opds.Version       `json:"-"`
}

// LoginURL is where the user can sign in outside the app, if the server
// said so.
func (p Prompt) LoginURL() string {
	return p.AuthDocument.LoginURL()
}

type Config struct {
	Resolver *acquire.Resolver
	Store    *credentials.Store
	UI       UI
	Log      acquire.Logger
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Debugf(string, ...interface{}) {}

// Coordinator owns at most one open challenge at a time.
type Coordinator struct {
	resolver *acquire.Resolver
	store    *credentials.Store
	ui       UI
	log      acquire.Logger

	mu     sync.Mutex
	prompt *Prompt
}

func NewCoordinator(cfg Config) *Coordinator {
	c := &Coordinator{resolver: cfg.Resolver, store: cfg.Store, ui: cfg.UI, log: cfg.Log}
	if c.resolver == nil {
		c.resolver = acquire.NewResolver(acquire.Config{})
	}
	if c.store == nil {
		c.store = credentials.NewMemoryStore()
	}
	if c.log == nil {
		c.log = nopLogger{}
	}
	return c
}

// AcquireRequest names what to acquire and where it was found.
type AcquireRequest struct {
	Href        string
	Entry       *opds.CatalogEntry
	CatalogName string
	Version     opds.Version
}

// Acquire resolves a link, sending each hop the stored credential for that
// hop's host, if any. When the server asks for a login a challenge is opened
// for the host that asked and the auth_required error is returned.
func (c *Coordinator) Acquire(ctx context.Context, req AcquireRequest) (*acquire.Result, error) {
	href := req.Href
	if href == "" && req.Entry != nil {
		href = req.Entry.DownloadURL
	}

	res, err := c.resolver.Resolve(ctx, acquire.Request{
		Href:        href,
		Version:     req.Version,
		Entry:       req.Entry,
		Credentials: c.store,
	})
	if err == nil {
		return res, nil
	}

	var aerr *acquire.Error
	if errors.As(err, &aerr) && aerr.Kind == acquire.KindAuthRequired {
		c.openChallenge(Prompt{
			Host:               hostOrURL(aerr.Host, href),
			PendingHref:        href,
			PendingEntry:       req.Entry,
			PendingCatalogName: req.CatalogName,
			AuthDocument:       aerr.AuthDocument,
			Version:            req.Version,
		})
	}
	return nil, err
}

// OpenChallenge opens a challenge for a pending acquisition, replacing any
// open one.
func (c *Coordinator) OpenChallenge(host, pendingHref string, pendingEntry *opds.CatalogEntry, doc *opds.AuthDocument) Prompt {
	return c.openChallenge(Prompt{
		Host:         hostOrURL(host, pendingHref),
		PendingHref:  pendingHref,
		PendingEntry: pendingEntry,
		AuthDocument: doc,
	})
}

func (c *Coordinator) openChallenge(p Prompt) Prompt {
	p.ID = uuid.NewString()
	c.mu.Lock()
	c.prompt = &p
	c.mu.Unlock()

	c.log.Infof("login required for %s", p.Host)
	if c.ui != nil {
		c.ui.OpenChallenge(p)
	}
	return p
}

// Prompt returns the open challenge.
func (c *Coordinator) Prompt() (Prompt, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prompt == nil {
		return Prompt{}, false
	}
	return *c.prompt, true
}

// Cancel closes the open challenge without retrying.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	open := c.prompt != nil
	c.prompt = nil
	c.mu.Unlock()
	if open && c.ui != nil {
		c.ui.CloseChallenge()
	}
}

// Submit retries the pending acquisition with username and password, sent
// only to the challenge host. On success the challenge closes and, when save
// is set, the credential is stored for the challenge host. A rejected
// credential leaves the challenge open.
func (c *Coordinator) Submit(ctx context.Context, username, password string, save bool) (*acquire.Result, error) {
	p, ok := c.Prompt()
	if !ok {
		return nil, ErrNoChallenge
	}

	res, err := c.resolver.Resolve(ctx, acquire.Request{
		Href:           p.PendingHref,
		Version:        p.Version,
		Entry:          p.PendingEntry,
		Credential:     &acquire.Credential{Username: username, Password: password},
		CredentialHost: p.Host,
		Credentials:    c.store,
	})
	if err != nil {
		c.afterFailedRetry(p, err)
		return nil, err
	}

	if save {
		if serr := c.store.Save(ctx, p.Host, username, password); serr != nil {
			c.log.Warnf("could not save credential for %s: %v", p.Host, serr)
		}
	}
	c.closeIfCurrent(p.ID)
	return res, nil
}

// RetryAfterExternalLogin retries the pending acquisition without a
// credential, relying on a login the user completed elsewhere: the session
// when given, otherwise the resolver's cookie jar. It refuses with
// retry_aborted when the pending URL would be routed through a public
// proxy, which cannot carry the provider's session.
func (c *Coordinator) RetryAfterExternalLogin(ctx context.Context, session *acquire.Session) (*acquire.Result, error) {
	p, ok := c.Prompt()
	if !ok {
		return nil, ErrNoChallenge
	}

	openAccess := p.PendingEntry != nil && p.PendingEntry.IsOpenAccess
	if route := c.resolver.Router().Decide(ctx, p.PendingHref, openAccess); route.Via == cors.Public {
		return nil, &acquire.Error{
			Kind: acquire.KindRetryAborted,
			URL:  p.PendingHref,
			Host: p.Host,
			Err:  errors.New("pending URL is routed through a public proxy that cannot carry the login session"),
		}
	}

	res, err := c.resolver.Resolve(ctx, acquire.Request{
		Href:        p.PendingHref,
		Version:     p.Version,
		Entry:       p.PendingEntry,
		Session:     session,
		Credentials: c.store,
	})
	if err != nil {
		c.afterFailedRetry(p, err)
		return nil, err
	}
	c.closeIfCurrent(p.ID)
	return res, nil
}

// afterFailedRetry keeps the challenge open for another login attempt, and
// closes it when the failure has nothing to do with credentials.
func (c *Coordinator) afterFailedRetry(p Prompt, err error) {
	var aerr *acquire.Error
	if errors.As(err, &aerr) && aerr.Kind == acquire.KindAuthRequired {
		if aerr.AuthDocument != nil {
			c.mu.Lock()
			if c.prompt != nil && c.prompt.ID == p.ID {
				c.prompt.AuthDocument = aerr.AuthDocument
			}
			c.mu.Unlock()
		}
		return
	}
	if acquire.IsRecoverable(err) {
		return
	}
	c.closeIfCurrent(p.ID)
}

func (c *Coordinator) closeIfCurrent(id string) {
	c.mu.Lock()
	current := c.prompt != nil && c.prompt.ID == id
	if current {
		c.prompt = nil
	}
	c.mu.Unlock()
	if current && c.ui != nil {
		c.ui.CloseChallenge()
	}
}

func hostOrURL(host, rawURL string) string {
	if host != "" {
		return host
	}
	if u, err := url.Parse(rawURL); err == nil {
		return strings.ToLower(u.Hostname())
	}
	return ""
}
