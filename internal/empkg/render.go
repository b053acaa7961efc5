package empkg

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"mvdan.cc/sh/v3/syntax"
)

// Words text/template reserves; a context key with one of these names is
// only reachable as {{ .key }}.
var templateReserved = map[string]bool{
	"and": true, "block": true, "break": true, "call": true, "continue": true,
	"define": true, "else": true, "end": true, "eq": true, "false": true,
	"ge": true, "gt": true, "html": true, "if": true, "index": true, "js": true,
	"le": true, "len": true, "lt": true, "ne": true, "nil": true, "not": true,
	"or": true, "print": true, "printf": true, "println": true, "range": true,
	"slice": true, "template": true, "true": true, "urlquery": true, "with": true,
}

// ScriptRenderer owns every template-to-text conversion of a run.
type ScriptRenderer struct {
	dirs WorkingDirectories
}

// NewScriptRenderer creates a renderer writing scripts into dirs.Script.
func NewScriptRenderer(dirs WorkingDirectories) *ScriptRenderer {
	return &ScriptRenderer{dirs: dirs}
}

// Render expands text against the context. Keys are reachable both as
// {{ .pkgname }} and {{ pkgname }}.
func (r *ScriptRenderer) Render(name, text string, ctx *BuildContext) (string, error) {
	data := ctx.TemplateData(r.dirs)
	funcs := template.FuncMap{}
	for key, val := range data {
		if !isIdentifier(key) || templateReserved[key] {
			continue
		}
		funcs[key] = func() any { return val }
	}
	tmpl, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", WrapError(err, ConfigError, "invalid template in %s", name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", WrapError(err, ConfigError, "failed to render %s", name)
	}
	return buf.String(), nil
}

// LoadBody returns the script text for a configured body. A short body
// naming an existing regular file is read from that file.
func (r *ScriptRenderer) LoadBody(body string) (string, error) {
	if len(body) >= maxScriptPath || strings.ContainsAny(body, "\n") {
		return body, nil
	}
	path := body
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.dirs.Start, path)
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return body, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read script %s: %w", path, err)
	}
	return string(data), nil
}

// WriteScript renders body and writes it executable into the script
// directory under name. It returns the script path.
func (r *ScriptRenderer) WriteScript(name, body string, ctx *BuildContext) (string, error) {
	text, err := r.LoadBody(body)
	if err != nil {
		return "", err
	}
	text, err = r.Render(name, text, ctx)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(text, "#!") {
		text = "#!/bin/sh\n" + text
	}
	if err := checkShellSyntax(name, text); err != nil {
		return "", err
	}
	dest := filepath.Join(r.dirs.Script, name)
	if err := os.WriteFile(dest, []byte(text), 0o755); err != nil {
		return "", fmt.Errorf("failed to write script %s: %w", dest, err)
	}
	// WriteFile keeps the mode of an existing file and honours the umask.
	if err := os.Chmod(dest, 0o755); err != nil {
		return "", fmt.Errorf("failed to chmod script %s: %w", dest, err)
	}
	return dest, nil
}

// RenderFile re-renders a fetched source file in place.
func (r *ScriptRenderer) RenderFile(path string, ctx *BuildContext) error {
	info, err := os.Stat(path)
	if err != nil {
		return WrapError(err, SourceFetchError, "template source %s missing", filepath.Base(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return WrapError(err, SourceFetchError, "failed to read template source %s", filepath.Base(path))
	}
	out, err := r.Render(filepath.Base(path), string(data), ctx)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(out), info.Mode().Perm())
}

// checkShellSyntax parses POSIX/bash scripts before they are written so a
// broken stage fails before anything runs. Other interpreters are skipped.
func checkShellSyntax(name, text string) error {
	variant, ok := shellVariant(text)
	if !ok {
		return nil
	}
	parser := syntax.NewParser(syntax.Variant(variant))
	if _, err := parser.Parse(strings.NewReader(text), name); err != nil {
		return WrapError(err, ConfigError, "script %s has a syntax error", name)
	}
	return nil
}

func shellVariant(text string) (syntax.LangVariant, bool) {
	line, _, _ := strings.Cut(text, "\n")
	fields := strings.Fields(strings.TrimPrefix(line, "#!"))
	if len(fields) == 0 {
		return 0, false
	}
	interp := filepath.Base(fields[0])
	if interp == "env" && len(fields) > 1 {
		interp = fields[1]
	}
	switch interp {
	case "sh", "dash":
		return syntax.LangPOSIX, true
	case "bash":
		return syntax.LangBash, true
	case "mksh":
		return syntax.LangMirBSDKorn, true
	}
	return 0, false
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case i > 0 && c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}
