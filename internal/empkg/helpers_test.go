package empkg

import (
	"archive/tar"
	"io"
	"maps"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/require"
)

// testContext merges values over the defaults.
func testContext(values map[string]any) *BuildContext {
	merged := BaseConfig()
	maps.Copy(merged, values)
	return NewBuildContext(merged)
}

func writeFile(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
}

type tarEntry struct {
	Name     string
	Body     string
	Type     byte
	Linkname string
	Mode     int64
}

var testModTime = time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)

// writeTar writes entries to path, compressed by wrap when non-nil.
func writeTar(t *testing.T, path string, entries []tarEntry, wrap func(io.Writer) io.WriteCloser) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	var w io.Writer = f
	var zw io.WriteCloser
	if wrap != nil {
		zw = wrap(f)
		w = zw
	}
	tw := tar.NewWriter(w)
	for _, e := range entries {
		typ := e.Type
		if typ == 0 {
			typ = tar.TypeReg
		}
		mode := e.Mode
		if mode == 0 {
			mode = 0o644
			if typ == tar.TypeDir {
				mode = 0o755
			}
		}
		hdr := &tar.Header{
			Name:     e.Name,
			Typeflag: typ,
			Linkname: e.Linkname,
			Mode:     mode,
			ModTime:  testModTime,
		}
		if typ == tar.TypeReg {
			hdr.Size = int64(len(e.Body))
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if typ == tar.TypeReg {
			_, err := tw.Write([]byte(e.Body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	if zw != nil {
		require.NoError(t, zw.Close())
	}
}

func gzipWriter(w io.Writer) io.WriteCloser { return pgzip.NewWriter(w) }

// fakePackager installs a script standing in for fpm. It records its
// arguments in $startdir/fpm.args and prints fpm's success line.
func fakePackager(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-fpm")
	script := `#!/bin/sh
printf '%s\n' "$@" > "$startdir/fpm.args"
echo "{:timestamp=>\"2020-01-02T03:04:05\", :message=>\"Created package\", :path=>\"${pkgname}_${pkgver}_all.deb\"}"
`
	writeFile(t, path, script, 0o755)
	return path
}
