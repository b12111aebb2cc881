// Package crawl harvests a catalog by walking its navigation links
// breadth-first and collecting every publication it finds.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/shelfsync/opdsacq/pkg/opds"
	"github.com/shelfsync/opdsacq/pkg/storage"
)

const (
	DefaultMaxDepth    = 3
	DefaultMaxPages    = 200
	DefaultConcurrency = 5
)

// Logger abstracts logging so callers can use logrus, stdlib log, or any
// other logger that satisfies this interface.
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

// Fetcher loads one catalog page. *catalog.Client satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, v opds.Version) (*opds.Feed, error)
}

// Config holds everything Harvest needs for one catalog.
type Config struct {
	Fetcher Fetcher
	Version opds.Version

	// DB and Catalog are optional. When both are set the harvested entries
	// replace the catalog's stored ones.
	DB      *storage.DB
	Catalog string

	MaxDepth    int // defaults to DefaultMaxDepth if <= 0
	MaxPages    int // defaults to DefaultMaxPages if <= 0
	Concurrency int // defaults to DefaultConcurrency if <= 0

	// AllHosts follows navigation links to other hosts too.
	AllHosts bool

	Log Logger

	// OnPage is called from worker goroutines after each page is fetched.
	OnPage func(pageURL string, feed *opds.Feed)
}

// Result is the outcome of a harvest.
type Result struct {
	Pages   []string
	Books   []opds.CatalogEntry
	Changes []storage.Change
	Errors  []error // non-fatal, one per failed page
}

// PageError reports a page that failed during a harvest.
type PageError struct {
	URL string
	Err error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("%s: %v", e.URL, e.Err)
}

func (e *PageError) Unwrap() error {
	return e.Err
}

// Harvest fetches root and follows navigation and next-page links level by
// level up to MaxDepth. Publications are de-duplicated by provider ID and
// entry key in the order they were found. Only a failure on root aborts.
func Harvest(ctx context.Context, root string, cfg Config) (*Result, error) {
	if cfg.Fetcher == nil {
		return nil, errors.New("crawl: no fetcher")
	}
	log := cfg.Log
	if log == nil {
		log = nopLogger{}
	}
	maxDepth := cfg.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	rootFeed, err := cfg.Fetcher.Fetch(ctx, root, cfg.Version)
	if err != nil {
		return nil, err
	}
	if cfg.OnPage != nil {
		cfg.OnPage(root, rootFeed)
	}

	result := &Result{Pages: []string{root}}
	books := newBookSet()
	books.add(rootFeed.Books)

	visited := map[string]bool{root: true}
	rootHost := hostOf(root)
	level := followLinks(rootFeed, visited, rootHost, cfg.AllHosts)

	for depth := 1; depth <= maxDepth && len(level) > 0; depth++ {
		if ctx.Err() != nil {
			break
		}
		if room := maxPages - len(result.Pages); len(level) > room {
			log.Debugf("page limit reached, dropping %d links", len(level)-room)
			level = level[:room]
		}
		if len(level) == 0 {
			break
		}
		log.Debugf("harvest depth %d: %d pages", depth, len(level))

		feeds, errs := fetchConcurrently(ctx, cfg, level, concurrency, log)
		result.Errors = append(result.Errors, errs...)

		var next []string
		for i, feed := range feeds {
			if feed == nil {
				continue
			}
			result.Pages = append(result.Pages, level[i])
			books.add(feed.Books)
			next = append(next, followLinks(feed, visited, rootHost, cfg.AllHosts)...)
		}
		level = next
	}
	result.Books = books.list

	if err := ctx.Err(); err != nil {
		return result, err
	}

	if cfg.DB != nil && cfg.Catalog != "" {
		changes, err := store(ctx, cfg.DB, cfg.Catalog, result.Books, log)
		if err != nil {
			return result, err
		}
		result.Changes = changes
	}

	log.Infof("harvested %d books from %d pages of %s", len(result.Books), len(result.Pages), root)
	return result, nil
}

// fetchConcurrently fetches urls with a worker pool. feeds[i] is nil when
// urls[i] failed.
func fetchConcurrently(ctx context.Context, cfg Config, urls []string, concurrency int, log Logger) ([]*opds.Feed, []error) {
	type job struct {
		i   int
		url string
	}
	jobs := make(chan job, len(urls))

	feeds := make([]*opds.Feed, len(urls))
	var mu sync.Mutex
	var allErrors []error

	var wg sync.WaitGroup
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				if ctx.Err() != nil {
					continue
				}
				feed, err := cfg.Fetcher.Fetch(ctx, j.url, cfg.Version)
				if err != nil {
					log.Warnf("Failed to fetch %s: %v", j.url, err)
					mu.Lock()
					allErrors = append(allErrors, &PageError{URL: j.url, Err: err})
					mu.Unlock()
					continue
				}
				feeds[j.i] = feed
				if cfg.OnPage != nil {
					cfg.OnPage(j.url, feed)
				}
			}
		}()
	}

	for i, u := range urls {
		jobs <- job{i: i, url: u}
	}
	close(jobs)
	wg.Wait()

	return feeds, allErrors
}

// followLinks returns the unvisited links of feed worth harvesting and marks
// them visited.
func followLinks(feed *opds.Feed, visited map[string]bool, rootHost string, allHosts bool) []string {
	var out []string
	for _, l := range feed.NavLinks {
		switch {
		case l.Source == opds.SourceNavigation, l.Source == opds.SourceCollection:
		case l.Source == opds.SourceFeed && l.Rel == opds.RelNext:
		default:
			continue
		}
		u := strings.TrimSpace(l.URL)
		if u == "" || visited[u] {
			continue
		}
		if !allHosts && hostOf(u) != rootHost {
			continue
		}
		visited[u] = true
		out = append(out, u)
	}
	return out
}

func store(ctx context.Context, db *storage.DB, catalog string, books []opds.CatalogEntry, log Logger) ([]storage.Change, error) {
	existing := 0
	if stats, err := db.GetStats(ctx); err != nil {
		log.Warnf("Could not get entry count for %s: %v", catalog, err)
	} else {
		for _, s := range stats {
			if s.Catalog == catalog {
				existing = s.EntryCount
			}
		}
	}

	// Safety check: an empty harvest must not wipe a populated catalog.
	if len(books) == 0 && existing > 10 {
		log.Errorf("Harvest of %s returned 0 books, but database has %d. Skipping update to prevent data loss.", catalog, existing)
		return nil, nil
	}

	changes, err := db.UpsertCatalogEntries(ctx, catalog, storage.BuildEntries(catalog, books))
	if err != nil {
		return nil, fmt.Errorf("store harvest of %s: %w", catalog, err)
	}
	return changes, nil
}

// bookSet keeps the first occurrence of each publication.
type bookSet struct {
	seen map[string]bool
	list []opds.CatalogEntry
}

func newBookSet() *bookSet {
	return &bookSet{seen: make(map[string]bool)}
}

func (s *bookSet) add(books []opds.CatalogEntry) {
	for _, b := range books {
		keys := []string{storage.EntryKey(b)}
		if b.ProviderID != "" {
			keys = append(keys, "provider:"+b.ProviderID)
		}
		dup := false
		for _, k := range keys {
			if k != "" && s.seen[k] {
				dup = true
			}
		}
		if dup {
			continue
		}
		for _, k := range keys {
			if k != "" {
				s.seen[k] = true
			}
		}
		s.list = append(s.list, b)
	}
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}
