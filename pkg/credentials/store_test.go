package credentials

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeHost(t *testing.T) {
	tests := map[string]string{
		"https://Lib.Example.org/opds/borrow?id=1": "lib.example.org",
		"lib.example.org:8443":                     "lib.example.org",
		"lib.example.org/path":                     "lib.example.org",
		"http://[::1]:8080/x":                      "::1",
		"Example.COM.":                             "example.com",
		"   ":                                      "",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeHost(in), "NormalizeHost(%q)", in)
	}
}

func TestFindForURL(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Save(ctx, "example.org", "parent", "p1"))
	require.NoError(t, s.Save(ctx, "https://books.example.org/opds", "child", "p2"))
	require.NoError(t, s.Save(ctx, "co.uk", "suffix", "p3"))
	require.NoError(t, s.Save(ctx, "127.0.0.1:9000", "ip", "p4"))

	c, ok := s.FindForURL("https://books.example.org/loans/42")
	require.True(t, ok)
	assert.Equal(t, "child", c.Username, "exact host wins")

	c, ok = s.FindForURL("https://cdn.books.example.org/file.epub")
	require.True(t, ok)
	assert.Equal(t, "child", c.Username, "longest parent wins")

	c, ok = s.FindForURL("http://www.example.org/")
	require.True(t, ok)
	assert.Equal(t, "parent", c.Username)

	_, ok = s.FindForURL("https://library.co.uk/opds")
	assert.False(t, ok, "public suffix must not cover subdomains")

	c, ok = s.FindForURL("http://127.0.0.1:8080/feed")
	require.True(t, ok, "port is ignored")
	assert.Equal(t, "ip", c.Username)

	_, ok = s.FindForURL("https://notexample.org/")
	assert.False(t, ok, "suffix match must stop at a label boundary")

	_, ok = s.FindForURL("")
	assert.False(t, ok)
}

func TestSaveOverwritesAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Save(ctx, "lib.example", "a", "1"))
	require.NoError(t, s.Save(ctx, "LIB.example", "b", "2"))

	list := s.List()
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].Username)
	assert.Equal(t, "2", list[0].Password)
	assert.False(t, list[0].UpdatedAt.IsZero())

	require.NoError(t, s.Delete(ctx, "https://lib.example/anything"))
	assert.Empty(t, s.List())
	require.NoError(t, s.Delete(ctx, "lib.example"), "deleting twice is fine")

	assert.ErrorIs(t, s.Save(ctx, "", "u", "p"), ErrInvalidHost)
}

type fakeBackend struct {
	creds   map[string]StoredCredential
	failure error
}

func (f *fakeBackend) ListCredentials(context.Context) ([]StoredCredential, error) {
	if f.failure != nil {
		return nil, f.failure
	}
	var out []StoredCredential
	for _, c := range f.creds {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeBackend) UpsertCredential(_ context.Context, c StoredCredential) error {
	if f.failure != nil {
		return f.failure
	}
	f.creds[c.Host] = c
	return nil
}

func (f *fakeBackend) DeleteCredential(_ context.Context, host string) error {
	if f.failure != nil {
		return f.failure
	}
	delete(f.creds, host)
	return nil
}

func TestStoreWritesThroughBackend(t *testing.T) {
	ctx := context.Background()
	b := &fakeBackend{creds: map[string]StoredCredential{
		"Saved.Example": {Host: "Saved.Example", Username: "old", Password: "x"},
	}}
	s, err := NewStore(ctx, b)
	require.NoError(t, err)

	c, ok := s.FindForURL("https://saved.example/feed")
	require.True(t, ok, "loaded credentials are normalized")
	assert.Equal(t, "old", c.Username)

	require.NoError(t, s.Save(ctx, "new.example", "u", "p"))
	assert.Contains(t, b.creds, "new.example")

	b.failure = errors.New("disk full")
	assert.Error(t, s.Save(ctx, "other.example", "u", "p"))
	_, ok = s.FindForURL("https://other.example")
	assert.False(t, ok, "failed writes are not cached")

	_, err = NewStore(ctx, b)
	assert.Error(t, err)
}
