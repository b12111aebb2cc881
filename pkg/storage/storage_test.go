package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shelfsync/opdsacq/pkg/credentials"
	"github.com/shelfsync/opdsacq/pkg/opds"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCredentialsRoundTripThroughStore(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	store, err := credentials.NewStore(ctx, db)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, "https://lib.example.org/opds", "reader", "s3cret"))
	require.NoError(t, store.Save(ctx, "other.example", "x", "y"))
	require.NoError(t, store.Save(ctx, "lib.example.org", "reader2", "n3w"))

	reopened, err := credentials.NewStore(ctx, db)
	require.NoError(t, err)
	c, ok := reopened.FindForURL("https://cdn.lib.example.org/a.epub")
	require.True(t, ok)
	assert.Equal(t, "reader2", c.Username)
	assert.Equal(t, "n3w", c.Password)
	assert.False(t, c.UpdatedAt.IsZero())

	require.NoError(t, reopened.Delete(ctx, "other.example"))
	creds, err := db.ListCredentials(ctx)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, "lib.example.org", creds[0].Host)
}

func TestCatalogs(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, db.SaveCatalog(ctx, Catalog{Name: "gutenberg", URL: "HTTPS://www.Gutenberg.org:443/ebooks.opds/"}))
	require.NoError(t, db.SaveCatalog(ctx, Catalog{Name: "feedbooks", URL: "https://catalog.feedbooks.com/catalog/public_domain.json", Version: "2"}))
	require.Error(t, db.SaveCatalog(ctx, Catalog{Name: "empty"}))

	c, err := db.GetCatalog(ctx, "gutenberg")
	require.NoError(t, err)
	assert.Equal(t, "https://www.gutenberg.org/ebooks.opds", c.URL)
	assert.Equal(t, "auto", c.Version)

	list, err := db.ListCatalogs(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "feedbooks", list[0].Name)

	require.NoError(t, db.DeleteCatalog(ctx, "feedbooks"))
	assert.ErrorIs(t, db.DeleteCatalog(ctx, "feedbooks"), ErrNotFound)
	_, err = db.GetCatalog(ctx, "feedbooks")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertCatalogEntriesTracksChanges(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	first := BuildEntries("shelf", []opds.CatalogEntry{
		{ID: "urn:1", Title: "Emma", DownloadURL: "https://x/1.epub", IsOpenAccess: true, Format: opds.FormatEPUB},
		{ID: "urn:2", Title: "Persuasion", DownloadURL: "https://x/2.epub"},
		{Title: "No identity"},
	})
	require.Len(t, first, 2)

	changes, err := db.UpsertCatalogEntries(ctx, "shelf", first)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	for _, c := range changes {
		assert.Equal(t, "added", c.ChangeType)
	}

	second := BuildEntries("shelf", []opds.CatalogEntry{
		{ID: "urn:1", Title: "Emma", DownloadURL: "https://x/1.epub", IsOpenAccess: true, Format: opds.FormatEPUB},
		{ID: "urn:2", Title: "Persuasion", DownloadURL: "https://x/2-new.epub"},
		{DownloadURL: "https://x/3.pdf", Title: "Sanditon"},
	})
	changes, err = db.UpsertCatalogEntries(ctx, "shelf", second)
	require.NoError(t, err)
	types := map[string]string{}
	for _, c := range changes {
		types[c.Key] = c.ChangeType
	}
	assert.Equal(t, map[string]string{"id:urn:2": "updated", "href:https://x/3.pdf": "added"}, types)

	changes, err = db.UpsertCatalogEntries(ctx, "shelf", second[:1])
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "removed", changes[0].ChangeType)
	assert.Equal(t, "href:https://x/3.pdf", changes[0].Key)
	assert.Equal(t, "id:urn:2", changes[1].Key)

	entries, err := db.ListEntries(ctx, ListOptions{Catalog: "shelf"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Emma", entries[0].Title)
	assert.True(t, entries[0].IsOpenAccess)
	assert.Equal(t, "EPUB", entries[0].Format)

	recent, err := db.ListRecentChanges(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, recent, 6)

	stats, err := db.GetStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, CatalogStats{Catalog: "shelf", EntryCount: 1, OpenAccessCount: 1}, stats[0])
}

func TestListEntriesFilters(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	_, err := db.UpsertCatalogEntries(ctx, "a", []Entry{
		{Key: "id:1", Title: "Moby Dick", DownloadURL: "u1", IsOpenAccess: true},
		{Key: "id:2", Title: "Dick Tracy", DownloadURL: "u2"},
	})
	require.NoError(t, err)
	_, err = db.UpsertCatalogEntries(ctx, "b", []Entry{{Key: "id:3", Title: "Walden", DownloadURL: "u3"}})
	require.NoError(t, err)

	got, err := db.ListEntries(ctx, ListOptions{TitleFilter: "Dick"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = db.ListEntries(ctx, ListOptions{TitleFilter: "Dick", OpenAccessOnly: true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Moby Dick", got[0].Title)

	got, err = db.ListEntries(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func setupMock(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	sqldb, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock database: %v", err)
	}
	t.Cleanup(func() { sqldb.Close() })
	return New(sqldb), mock
}

func TestUpsertCredential_SQL(t *testing.T) {
	db, mock := setupMock(t)

	mock.ExpectExec(`INSERT INTO credentials \(host,username,password,updated_at\) VALUES \(\?,\?,\?,\?\) ON CONFLICT\(host\) DO UPDATE`).
		WithArgs("lib.example", "u", "p", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := db.UpsertCredential(context.Background(), credentials.StoredCredential{Host: "lib.example", Username: "u", Password: "p"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListCredentials_QueryError(t *testing.T) {
	db, mock := setupMock(t)

	mock.ExpectQuery(`SELECT host, username, password, updated_at FROM credentials ORDER BY host`).
		WillReturnError(errors.New("query failed"))

	_, err := db.ListCredentials(context.Background())
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertCatalogEntries_RollsBackOnError(t *testing.T) {
	db, mock := setupMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT entry_key, title, author, download_url, availability FROM catalog_entries WHERE catalog = \?`).
		WithArgs("shelf").
		WillReturnRows(sqlmock.NewRows([]string{"entry_key", "title", "author", "download_url", "availability"}))
	mock.ExpectExec(`INSERT INTO catalog_entries`).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	_, err := db.UpsertCatalogEntries(context.Background(), "shelf", []Entry{{Key: "id:1", Title: "T", DownloadURL: "u"}})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNormalizeCatalogURL(t *testing.T) {
	tests := map[string]string{
		"example.org/opds/":             "https://example.org/opds",
		"HTTP://Example.org:80/catalog": "http://example.org/catalog",
		"https://example.org/feed#frag": "https://example.org/feed",
		"https://example.org/":          "https://example.org/",
		"":                              "",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeCatalogURL(in), in)
	}
}
