package empkg

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mvdan.cc/sh/v3/syntax"
)

func newTestRenderer(t *testing.T) (*ScriptRenderer, WorkingDirectories) {
	t.Helper()
	start := t.TempDir()
	dirs := WorkingDirectories{
		Start:  start,
		Src:    filepath.Join(start, "src"),
		Pkg:    filepath.Join(start, "pkg"),
		Script: filepath.Join(start, "script"),
	}
	require.NoError(t, dirs.Reset())
	return NewScriptRenderer(dirs), dirs
}

func TestRenderBareAndDottedKeys(t *testing.T) {
	r, dirs := newTestRenderer(t)
	ctx := testContext(map[string]any{"pkgname": "foo", "pkgver": "1.0"})

	out, err := r.Render("t", "{{ pkgname }}-{{ .pkgver }} in {{ srcdir }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "foo-1.0 in "+dirs.Src, out)
}

func TestRenderErrors(t *testing.T) {
	r, _ := newTestRenderer(t)
	ctx := testContext(map[string]any{"pkgname": "foo"})

	tests := []struct {
		name string
		text string
	}{
		{"unknown function", "{{ nosuchkey }}"},
		{"missing key", "{{ .nosuchkey }}"},
		{"unclosed action", "{{ pkgname "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Render("t", tt.text, ctx)
			require.Error(t, err)
			assert.True(t, IsKind(err, ConfigError))
		})
	}
}

func TestWriteScript(t *testing.T) {
	r, dirs := newTestRenderer(t)
	ctx := testContext(map[string]any{"pkgname": "foo"})

	path, err := r.WriteScript("build", "echo building {{ pkgname }}\n", ctx)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dirs.Script, "build"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho building foo\n", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestWriteScriptKeepsShebang(t *testing.T) {
	r, _ := newTestRenderer(t)
	path, err := r.WriteScript("check", "#!/bin/bash\n[[ -n x ]] && echo ok\n", testContext(nil))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "#!/bin/bash\n"))
}

func TestWriteScriptRejectsSyntaxErrors(t *testing.T) {
	r, dirs := newTestRenderer(t)
	_, err := r.WriteScript("prepare", "if true; then\necho unterminated\n", testContext(nil))
	require.Error(t, err)
	assert.True(t, IsKind(err, ConfigError))
	assert.NoFileExists(t, filepath.Join(dirs.Script, "prepare"))
}

func TestLoadBody(t *testing.T) {
	r, dirs := newTestRenderer(t)
	writeFile(t, filepath.Join(dirs.Start, "build.sh"), "make -j4\n", 0o644)

	body, err := r.LoadBody("build.sh")
	require.NoError(t, err)
	assert.Equal(t, "make -j4\n", body)

	body, err = r.LoadBody("make install")
	require.NoError(t, err)
	assert.Equal(t, "make install", body)

	long := strings.Repeat("x", maxScriptPath)
	body, err = r.LoadBody(long)
	require.NoError(t, err)
	assert.Equal(t, long, body)
}

func TestRenderFile(t *testing.T) {
	r, dirs := newTestRenderer(t)
	path := filepath.Join(dirs.Src, "app.conf")
	writeFile(t, path, "name={{ pkgname }}\n", 0o640)

	require.NoError(t, r.RenderFile(path, testContext(map[string]any{"pkgname": "foo"})))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "name=foo\n", string(data))
}

func TestShellVariant(t *testing.T) {
	tests := []struct {
		text    string
		variant syntax.LangVariant
		ok      bool
	}{
		{"#!/bin/sh\n", syntax.LangPOSIX, true},
		{"#!/usr/bin/env bash\n", syntax.LangBash, true},
		{"#!/bin/mksh\n", syntax.LangMirBSDKorn, true},
		{"#!/usr/bin/python3\n", 0, false},
	}
	for _, tt := range tests {
		v, ok := shellVariant(tt.text)
		assert.Equal(t, tt.ok, ok, tt.text)
		if tt.ok {
			assert.Equal(t, tt.variant, v, tt.text)
		}
	}
}
