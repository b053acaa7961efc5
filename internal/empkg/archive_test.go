package empkg

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

func TestExtractTarGz(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "foo.tar.gz")
	writeTar(t, archive, []tarEntry{
		{Name: "foo/", Type: tar.TypeDir},
		{Name: "foo/hello.txt", Body: "hello\n"},
		{Name: "foo/run.sh", Body: "#!/bin/sh\n", Mode: 0o755},
		{Name: "foo/link", Type: tar.TypeSymlink, Linkname: "hello.txt"},
		{Name: "foo/hard", Type: tar.TypeLink, Linkname: "foo/hello.txt"},
	}, gzipWriter)

	require.NoError(t, Extract(archive, dir))

	data, err := os.ReadFile(filepath.Join(dir, "foo", "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))

	info, err := os.Stat(filepath.Join(dir, "foo", "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
	assert.True(t, info.ModTime().Equal(testModTime))

	target, err := os.Readlink(filepath.Join(dir, "foo", "link"))
	require.NoError(t, err)
	assert.Equal(t, "hello.txt", target)

	hard, err := os.ReadFile(filepath.Join(dir, "foo", "hard"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(hard))

	assert.FileExists(t, archive, "the archive stays next to its contents")
}

func TestExtractOtherCompressions(t *testing.T) {
	entries := []tarEntry{{Name: "data.txt", Body: "payload"}}
	tests := []struct {
		name string
		wrap func(io.Writer) io.WriteCloser
	}{
		{"plain.tar", nil},
		{"pkg.tgz", gzipWriter},
		{"pkg.tar.xz", func(w io.Writer) io.WriteCloser {
			x, err := xz.NewWriter(w)
			if err != nil {
				panic(err)
			}
			return x
		}},
		{"pkg.tar.zst", func(w io.Writer) io.WriteCloser {
			z, err := zstd.NewWriter(w)
			if err != nil {
				panic(err)
			}
			return z
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			archive := filepath.Join(dir, tt.name)
			writeTar(t, archive, entries, tt.wrap)

			require.NoError(t, Extract(archive, dir))
			data, err := os.ReadFile(filepath.Join(dir, "data.txt"))
			require.NoError(t, err)
			assert.Equal(t, "payload", string(data))
		})
	}
}

func TestExtractRejectsEscapingMembers(t *testing.T) {
	tests := []struct {
		name    string
		entries []tarEntry
		escaped string // path relative to root that must not exist
	}{
		{
			name:    "dot-dot traversal",
			entries: []tarEntry{{Name: "ok.txt", Body: "fine"}, {Name: "../../etc/passwd", Body: "root::0:0"}},
			escaped: "x/etc/passwd",
		},
		{
			name:    "absolute path",
			entries: []tarEntry{{Name: "ok.txt", Body: "fine"}, {Name: "/etc/evil", Body: "x"}},
		},
		{
			name:    "symlink out",
			entries: []tarEntry{{Name: "ok.txt", Body: "fine"}, {Name: "link", Type: tar.TypeSymlink, Linkname: "../../outside"}},
			escaped: "x/y/src/link",
		},
		{
			name:    "absolute symlink",
			entries: []tarEntry{{Name: "ok.txt", Body: "fine"}, {Name: "link", Type: tar.TypeSymlink, Linkname: "/etc/shadow"}},
			escaped: "x/y/src/link",
		},
		{
			name:    "hardlink out",
			entries: []tarEntry{{Name: "ok.txt", Body: "fine"}, {Name: "hl", Type: tar.TypeLink, Linkname: "../secret"}},
			escaped: "x/y/src/hl",
		},
		{
			name: "symlink chain",
			entries: []tarEntry{
				{Name: "ok.txt", Body: "fine"},
				{Name: "s/", Type: tar.TypeDir},
				{Name: "s/l", Type: tar.TypeSymlink, Linkname: ".."},
				{Name: "up", Type: tar.TypeSymlink, Linkname: "s/l/.."},
				{Name: "up/pwned.txt", Body: "x"},
			},
			escaped: "x/y/pwned.txt",
		},
		{
			name: "hardlink through a symlink",
			entries: []tarEntry{
				{Name: "ok.txt", Body: "fine"},
				{Name: "s/", Type: tar.TypeDir},
				{Name: "s/l", Type: tar.TypeSymlink, Linkname: ".."},
				{Name: "h", Type: tar.TypeLink, Linkname: "s/l/../secret"},
			},
			escaped: "x/y/src/h",
		},
		{
			name: "file below a symlink to the parent",
			entries: []tarEntry{
				{Name: "ok.txt", Body: "fine"},
				{Name: "s/", Type: tar.TypeDir},
				{Name: "s/l", Type: tar.TypeSymlink, Linkname: ".."},
				{Name: "s/l/../../pwned.txt", Body: "x"},
			},
			escaped: "x/y/pwned.txt",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			dest := filepath.Join(root, "x", "y", "src")
			require.NoError(t, os.MkdirAll(dest, 0o755))
			writeFile(t, filepath.Join(root, "x", "y", "secret"), "s", 0o600)
			archive := filepath.Join(dest, "evil.tar.gz")
			writeTar(t, archive, tt.entries, gzipWriter)

			err := Extract(archive, dest)
			require.Error(t, err)
			assert.True(t, IsKind(err, PathTraversalError), err.Error())

			assert.NoFileExists(t, filepath.Join(dest, "ok.txt"), "nothing is written when any member is unsafe")
			if tt.escaped != "" {
				_, statErr := os.Lstat(filepath.Join(root, tt.escaped))
				assert.True(t, os.IsNotExist(statErr))
			}
		})
	}
}

func TestExtractFollowsLinksInsideDest(t *testing.T) {
	dest := t.TempDir()
	archive := filepath.Join(dest, "links.tar")
	writeTar(t, archive, []tarEntry{
		{Name: "real/", Type: tar.TypeDir},
		{Name: "lib", Type: tar.TypeSymlink, Linkname: "real"},
		{Name: "lib/file.txt", Body: "through the link"},
		{Name: "real/sub/", Type: tar.TypeDir},
		{Name: "real/sub/back", Type: tar.TypeSymlink, Linkname: "../../lib"},
		{Name: "real/sub/back/second.txt", Body: "second"},
	}, nil)

	require.NoError(t, Extract(archive, dest))

	data, err := os.ReadFile(filepath.Join(dest, "real", "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, "through the link", string(data))
	data, err = os.ReadFile(filepath.Join(dest, "real", "second.txt"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestExtractSingleCompressedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := pgzip.NewWriter(f)
	_, err = zw.Write([]byte("just text\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	require.NoError(t, Extract(path, dir))
	data, err := os.ReadFile(filepath.Join(dir, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "just text\n", string(data))
}

func TestExtractZipIsUnsupported(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bundle.zip")
	writeFile(t, path, "PK\x03\x04", 0o644)

	err := Extract(path, dir)
	require.Error(t, err)
	assert.True(t, IsKind(err, UnsupportedSourceError))
	assert.Contains(t, err.Error(), "not implemented")
}

func TestExtractLeavesUnknownFilesAlone(t *testing.T) {
	dir := t.TempDir()
	names := []string{"README", "patch.diff", "app.conf"}
	for i, name := range names {
		path := filepath.Join(dir, name)
		writeFile(t, path, "content", 0o644)
		require.NoError(t, Extract(path, dir), name)

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Len(t, entries, i+1, "no files appear next to %s", name)
	}
}

func TestExtractRejectsNonTarWithTarExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.tar")
	writeFile(t, path, "this is not a tar archive", 0o644)

	err := Extract(path, dir)
	require.Error(t, err)
	assert.True(t, IsKind(err, SourceFetchError))
}

func TestMemberCheckerResolve(t *testing.T) {
	c := newMemberChecker("/dest")
	c.links["s/l"] = ".."
	c.links["up"] = "s/l/.."
	c.links["loop"] = "loop"
	c.links["lib"] = "real"

	tests := []struct {
		rel  string
		want string
		ok   bool
	}{
		{"a/b", "a/b", true},
		{"a/../b", "b", true},
		{"s/l", "", true},
		{"s/l/x", "x", true},
		{"lib/file", "real/file", true},
		{"up", "", false},
		{"up/pwned.txt", "", false},
		{"s/l/..", "", false},
		{"loop/x", "", false},
		{"..", "", false},
	}
	for _, tt := range tests {
		got, ok := c.resolve(tt.rel)
		assert.Equal(t, tt.ok, ok, tt.rel)
		if tt.ok {
			assert.Equal(t, tt.want, got, tt.rel)
		}
	}
}
