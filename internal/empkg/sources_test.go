package empkg

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAcquirer(start string) *SourceAcquirer {
	a := NewSourceAcquirer(start, NewExecutor(context.Background()), S3Settings{})
	a.Progress = nil
	return a
}

func TestParseSource(t *testing.T) {
	assert.Equal(t, SourceSpec{Raw: "foo.tar.gz", Location: "foo.tar.gz"}, ParseSource("foo.tar.gz"))
	assert.Equal(t,
		SourceSpec{Raw: "app.tgz::https://h/dl?id=3", Name: "app.tgz", Location: "https://h/dl?id=3"},
		ParseSource("app.tgz::https://h/dl?id=3"))
}

func TestSourceSpecsFlags(t *testing.T) {
	ctx := testContext(map[string]any{
		"source":    []any{"a.tar.gz", "b.conf", "c.tar.gz"},
		"noextract": []any{"c.tar.gz", "b.conf"},
		"template":  []any{"b.conf"},
	})
	specs := SourceSpecs(ctx)
	require.Len(t, specs, 3)
	assert.False(t, specs[0].NoExtract)
	assert.True(t, specs[1].NoExtract)
	assert.True(t, specs[1].IsTemplate)
	assert.True(t, specs[2].NoExtract)
	assert.False(t, specs[2].IsTemplate)
}

func TestResolveLocalFile(t *testing.T) {
	start := t.TempDir()
	dest := t.TempDir()
	src := filepath.Join(start, "patches", "fix.patch")
	writeFile(t, src, "diff", 0o640)
	mtime := time.Date(2019, 5, 6, 7, 8, 9, 0, time.UTC)
	require.NoError(t, os.Chtimes(src, mtime, mtime))

	name, err := newTestAcquirer(start).Resolve(context.Background(), ParseSource("patches/fix.patch"), dest)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("patches", "fix.patch"), name)

	info, err := os.Stat(filepath.Join(dest, name))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
	assert.True(t, info.ModTime().Equal(mtime))
}

func TestResolveLocalMissing(t *testing.T) {
	_, err := newTestAcquirer(t.TempDir()).Resolve(context.Background(), ParseSource("nope.tar.gz"), t.TempDir())
	require.Error(t, err)
	assert.True(t, IsKind(err, SourceFetchError))
}

func TestResolveHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/download":
			w.Header().Set("Content-Disposition", `attachment; filename="tool-2.1.tar.gz"`)
			_, _ = w.Write([]byte("disposition"))
		case "/evil":
			w.Header().Set("Content-Disposition", `attachment; filename="../../escape.sh"`)
			_, _ = w.Write([]byte("evil"))
		case "/files/pkg-1.0.tar.gz":
			_, _ = w.Write([]byte("segment"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	tests := []struct {
		name    string
		source  string
		file    string
		content string
	}{
		{"content disposition", srv.URL + "/download", "tool-2.1.tar.gz", "disposition"},
		{"disposition is reduced to a base name", srv.URL + "/evil", "escape.sh", "evil"},
		{"url path segment", srv.URL + "/files/pkg-1.0.tar.gz", "pkg-1.0.tar.gz", "segment"},
		{"explicit name wins", "mine.tgz::" + srv.URL + "/download", "mine.tgz", "disposition"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dest := t.TempDir()
			name, err := newTestAcquirer(t.TempDir()).Resolve(context.Background(), ParseSource(tt.source), dest)
			require.NoError(t, err)
			assert.Equal(t, tt.file, name)

			data, err := os.ReadFile(filepath.Join(dest, name))
			require.NoError(t, err)
			assert.Equal(t, tt.content, string(data))
			assert.NoFileExists(t, filepath.Join(dest, name+".part"))
		})
	}
}

func TestResolveHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	dest := t.TempDir()
	_, err := newTestAcquirer(t.TempDir()).Resolve(context.Background(), ParseSource(srv.URL+"/missing.tar.gz"), dest)
	require.Error(t, err)
	assert.True(t, IsKind(err, SourceFetchError))

	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestResolveUnreachableHost(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestAcquirer(t.TempDir()).Resolve(context.Background(), ParseSource(url+"/a.tar.gz"), t.TempDir())
	require.Error(t, err)
	assert.True(t, IsKind(err, SourceFetchError))
}

func TestHTTPClientDoesNotCapDownloads(t *testing.T) {
	c := newHTTPClient()
	assert.Zero(t, c.Timeout)
	transport, ok := c.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, transport.TLSHandshakeTimeout)
}

func TestResolveHTTPStalledBodyFollowsContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1024")
		_, _ = w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	dest := t.TempDir()
	_, err := newTestAcquirer(t.TempDir()).Resolve(ctx, ParseSource(srv.URL+"/big.tar.gz"), dest)
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dest, "big.tar.gz"))
	assert.NoFileExists(t, filepath.Join(dest, "big.tar.gz.part"))
}

func TestResolveUnsupportedSchemes(t *testing.T) {
	for _, src := range []string{
		"git+https://github.com/example/repo.git",
		"hg+https://hg.example.org/repo",
		"svn://svn.example.org/trunk",
		"gopher://example.org/file",
	} {
		_, err := newTestAcquirer(t.TempDir()).Resolve(context.Background(), ParseSource(src), t.TempDir())
		require.Error(t, err, src)
		assert.True(t, IsKind(err, UnsupportedSourceError), src)
	}
}

func TestDispositionFilename(t *testing.T) {
	assert.Equal(t, "a.tar.gz", dispositionFilename(`attachment; filename="a.tar.gz"`))
	assert.Equal(t, "", dispositionFilename("inline"))
	assert.Equal(t, "", dispositionFilename(""))
	assert.Equal(t, "", dispositionFilename(`attachment; filename=".."`))
}

func TestParseS3URL(t *testing.T) {
	bucket, key, err := ParseS3URL("s3://artifacts/releases/foo.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, "artifacts", bucket)
	assert.Equal(t, "releases/foo.tar.gz", key)

	_, _, err = ParseS3URL("https://artifacts/foo")
	assert.True(t, IsKind(err, ConfigError))
}
