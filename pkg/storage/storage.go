package storage

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/shelfsync/opdsacq/pkg/credentials"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
  host       TEXT PRIMARY KEY,
  username   TEXT NOT NULL,
  password   TEXT NOT NULL,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS catalogs (
  name       TEXT PRIMARY KEY,
  url        TEXT NOT NULL,
  version    TEXT NOT NULL DEFAULT 'auto',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS catalog_entries (
  id             INTEGER PRIMARY KEY,
  catalog        TEXT NOT NULL,
  entry_key      TEXT NOT NULL,
  title          TEXT NOT NULL,
  author         TEXT,
  download_url   TEXT NOT NULL,
  format         TEXT,
  media_type     TEXT,
  is_open_access INTEGER NOT NULL CHECK (is_open_access IN (0,1)),
  availability   TEXT,
  schema_type    TEXT,
  run_id         INTEGER NOT NULL DEFAULT 0,
  first_seen_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  last_seen_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE(catalog, entry_key)
);
CREATE INDEX IF NOT EXISTS idx_entries_catalog ON catalog_entries(catalog);
CREATE TABLE IF NOT EXISTS catalog_changes (
  id          INTEGER PRIMARY KEY,
  occurred_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  catalog     TEXT NOT NULL,
  entry_key   TEXT NOT NULL,
  title       TEXT NOT NULL,
  change_type TEXT NOT NULL CHECK (change_type IN ('added','updated','removed'))
);
CREATE INDEX IF NOT EXISTS idx_changes_time ON catalog_changes(occurred_at);
`

type DB struct {
	sql *sql.DB
}

// Open opens (creating if needed) the sqlite database at path.
func Open(path string) (*DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{sql: db}, nil
}

// New wraps an already open database whose schema is in place.
func New(db *sql.DB) *DB {
	return &DB{sql: db}
}

func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

// Credentials

func (d *DB) ListCredentials(ctx context.Context) ([]credentials.StoredCredential, error) {
	q, args, err := sq.Select("host", "username", "password", "updated_at").
		From("credentials").
		OrderBy("host").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := d.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []credentials.StoredCredential
	for rows.Next() {
		var c credentials.StoredCredential
		var updated string
		if err := rows.Scan(&c.Host, &c.Username, &c.Password, &updated); err != nil {
			return nil, err
		}
		c.UpdatedAt = parseTimestamp(updated)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (d *DB) UpsertCredential(ctx context.Context, c credentials.StoredCredential) error {
	updated := c.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	q, args, err := sq.Insert("credentials").
		Columns("host", "username", "password", "updated_at").
		Values(c.Host, c.Username, c.Password, formatTimestamp(updated)).
		Suffix("ON CONFLICT(host) DO UPDATE SET username = excluded.username, password = excluded.password, updated_at = excluded.updated_at").
		ToSql()
	if err != nil {
		return err
	}
	_, err = d.sql.ExecContext(ctx, q, args...)
	return err
}

func (d *DB) DeleteCredential(ctx context.Context, host string) error {
	q, args, err := sq.Delete("credentials").Where(sq.Eq{"host": host}).ToSql()
	if err != nil {
		return err
	}
	_, err = d.sql.ExecContext(ctx, q, args...)
	return err
}

// Catalogs

func (d *DB) SaveCatalog(ctx context.Context, c Catalog) error {
	if c.Name == "" || c.URL == "" {
		return errors.New("catalog name and url are required")
	}
	if c.Version == "" {
		c.Version = "auto"
	}
	q, args, err := sq.Insert("catalogs").
		Columns("name", "url", "version").
		Values(c.Name, NormalizeCatalogURL(c.URL), c.Version).
		Suffix("ON CONFLICT(name) DO UPDATE SET url = excluded.url, version = excluded.version").
		ToSql()
	if err != nil {
		return err
	}
	_, err = d.sql.ExecContext(ctx, q, args...)
	return err
}

func (d *DB) GetCatalog(ctx context.Context, name string) (*Catalog, error) {
	q, args, err := sq.Select("name", "url", "version", "created_at").
		From("catalogs").
		Where(sq.Eq{"name": name}).
		ToSql()
	if err != nil {
		return nil, err
	}
	var c Catalog
	var created string
	err = d.sql.QueryRowContext(ctx, q, args...).Scan(&c.Name, &c.URL, &c.Version, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.CreatedAt = parseTimestamp(created)
	return &c, nil
}

func (d *DB) ListCatalogs(ctx context.Context) ([]Catalog, error) {
	q, args, err := sq.Select("name", "url", "version", "created_at").
		From("catalogs").
		OrderBy("name").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := d.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Catalog{}
	for rows.Next() {
		var c Catalog
		var created string
		if err := rows.Scan(&c.Name, &c.URL, &c.Version, &created); err != nil {
			return nil, err
		}
		c.CreatedAt = parseTimestamp(created)
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteCatalog removes a saved catalog together with its harvested entries.
func (d *DB) DeleteCatalog(ctx context.Context, name string) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	q, args, err := sq.Delete("catalogs").Where(sq.Eq{"name": name}).ToSql()
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	q, args, err = sq.Delete("catalog_entries").Where(sq.Eq{"catalog": name}).ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return err
	}
	return tx.Commit()
}

// Harvested entries

// UpsertCatalogEntries records one harvest of catalog. Entries not seen in
// this harvest are removed. Every addition, update and removal is logged and
// returned.
func (d *DB) UpsertCatalogEntries(ctx context.Context, catalog string, entries []Entry) (changes []Change, err error) {
	now := time.Now().UTC()
	runID := now.UnixNano()

	tx, err := d.sql.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	q, args, err := sq.Select("entry_key", "title", "author", "download_url", "availability").
		From("catalog_entries").
		Where(sq.Eq{"catalog": catalog}).
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}

	type existing struct{ Title, Author, DownloadURL, Availability string }
	existingMap := make(map[string]existing)
	for rows.Next() {
		var key, title, href string
		var author, avail sql.NullString
		if err = rows.Scan(&key, &title, &author, &href, &avail); err != nil {
			rows.Close()
			return nil, err
		}
		existingMap[key] = existing{Title: title, Author: author.String, DownloadURL: href, Availability: avail.String}
	}
	if err = rows.Close(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.Key == "" || seen[e.Key] {
			continue
		}
		seen[e.Key] = true

		ex, existed := existingMap[e.Key]
		switch {
		case !existed:
			q, args, err = sq.Insert("catalog_entries").
				Columns("catalog", "entry_key", "title", "author", "download_url", "format", "media_type", "is_open_access", "availability", "schema_type", "run_id").
				Values(catalog, e.Key, e.Title, nullIfEmpty(e.Author), e.DownloadURL, nullIfEmpty(e.Format), nullIfEmpty(e.MediaType), boolToInt(e.IsOpenAccess), nullIfEmpty(e.Availability), nullIfEmpty(e.SchemaType), runID).
				ToSql()
			if err == nil {
				_, err = tx.ExecContext(ctx, q, args...)
			}
			if err != nil {
				return nil, err
			}
			changes = append(changes, Change{OccurredAt: now, Catalog: catalog, Key: e.Key, Title: e.Title, ChangeType: "added"})

		case ex.Title != e.Title || ex.Author != e.Author || ex.DownloadURL != e.DownloadURL || ex.Availability != e.Availability:
			q, args, err = sq.Update("catalog_entries").
				Set("title", e.Title).
				Set("author", nullIfEmpty(e.Author)).
				Set("download_url", e.DownloadURL).
				Set("format", nullIfEmpty(e.Format)).
				Set("media_type", nullIfEmpty(e.MediaType)).
				Set("is_open_access", boolToInt(e.IsOpenAccess)).
				Set("availability", nullIfEmpty(e.Availability)).
				Set("schema_type", nullIfEmpty(e.SchemaType)).
				Set("run_id", runID).
				Set("last_seen_at", sq.Expr("CURRENT_TIMESTAMP")).
				Where(sq.Eq{"catalog": catalog, "entry_key": e.Key}).
				ToSql()
			if err == nil {
				_, err = tx.ExecContext(ctx, q, args...)
			}
			if err != nil {
				return nil, err
			}
			changes = append(changes, Change{OccurredAt: now, Catalog: catalog, Key: e.Key, Title: e.Title, ChangeType: "updated"})

		default:
			q, args, err = sq.Update("catalog_entries").
				Set("run_id", runID).
				Set("last_seen_at", sq.Expr("CURRENT_TIMESTAMP")).
				Where(sq.Eq{"catalog": catalog, "entry_key": e.Key}).
				ToSql()
			if err == nil {
				_, err = tx.ExecContext(ctx, q, args...)
			}
			if err != nil {
				return nil, err
			}
		}
	}

	// Sweep: entries not touched in this run are gone from the catalog
	var removed []string
	for key := range existingMap {
		if !seen[key] {
			removed = append(removed, key)
		}
	}
	sort.Strings(removed)
	for _, key := range removed {
		changes = append(changes, Change{OccurredAt: now, Catalog: catalog, Key: key, Title: existingMap[key].Title, ChangeType: "removed"})
	}
	q, args, err = sq.Delete("catalog_entries").
		Where(sq.And{sq.Eq{"catalog": catalog}, sq.NotEq{"run_id": runID}}).
		ToSql()
	if err == nil {
		_, err = tx.ExecContext(ctx, q, args...)
	}
	if err != nil {
		return nil, err
	}

	for _, c := range changes {
		q, args, err = sq.Insert("catalog_changes").
			Columns("catalog", "entry_key", "title", "change_type").
			Values(c.Catalog, c.Key, c.Title, c.ChangeType).
			ToSql()
		if err == nil {
			_, err = tx.ExecContext(ctx, q, args...)
		}
		if err != nil {
			return nil, err
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return changes, nil
}

// ListOptions controls selection when listing harvested entries.
type ListOptions struct {
	Catalog        string
	TitleFilter    string
	OpenAccessOnly bool
}

func (d *DB) ListEntries(ctx context.Context, opts ListOptions) ([]Entry, error) {
	b := sq.Select("catalog", "entry_key", "title", "author", "download_url", "format", "media_type", "is_open_access", "availability", "schema_type").
		From("catalog_entries").
		OrderBy("catalog", "title")
	if opts.Catalog != "" {
		b = b.Where(sq.Eq{"catalog": opts.Catalog})
	}
	if opts.TitleFilter != "" {
		b = b.Where(sq.Like{"title": "%" + opts.TitleFilter + "%"})
	}
	if opts.OpenAccessOnly {
		b = b.Where(sq.Eq{"is_open_access": 1})
	}
	q, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := d.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		var e Entry
		var openAccess int
		var author, format, mediaType, avail, schemaType sql.NullString
		if err := rows.Scan(&e.Catalog, &e.Key, &e.Title, &author, &e.DownloadURL, &format, &mediaType, &openAccess, &avail, &schemaType); err != nil {
			return nil, err
		}
		e.Author = author.String
		e.Format = format.String
		e.MediaType = mediaType.String
		e.IsOpenAccess = openAccess == 1
		e.Availability = avail.String
		e.SchemaType = schemaType.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListRecentChanges returns the most recent N changes across all catalogs.
func (d *DB) ListRecentChanges(ctx context.Context, limit int) ([]Change, error) {
	if limit <= 0 {
		limit = 50
	}
	q, args, err := sq.Select("occurred_at", "catalog", "entry_key", "title", "change_type").
		From("catalog_changes").
		OrderBy("occurred_at DESC", "id DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := d.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	changes := []Change{}
	for rows.Next() {
		var c Change
		var occurred string
		if err := rows.Scan(&occurred, &c.Catalog, &c.Key, &c.Title, &c.ChangeType); err != nil {
			return nil, err
		}
		c.OccurredAt = parseTimestamp(occurred)
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

func (d *DB) GetStats(ctx context.Context) ([]CatalogStats, error) {
	q, args, err := sq.Select("catalog", "COUNT(*)", "SUM(is_open_access)").
		From("catalog_entries").
		GroupBy("catalog").
		OrderBy("catalog").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := d.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []CatalogStats
	for rows.Next() {
		var s CatalogStats
		if err := rows.Scan(&s.Catalog, &s.EntryCount, &s.OpenAccessCount); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

const timestampLayout = "2006-01-02 15:04:05"

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// parseTimestamp reads SQLite CURRENT_TIMESTAMP values, and the RFC 3339
// form some drivers hand back for DATETIME columns.
func parseTimestamp(s string) time.Time {
	if t, err := time.Parse(timestampLayout, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return time.Time{}
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
