package empkg

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
)

// mutableKeys may still change after the context is frozen.
var mutableKeys = map[string]bool{
	"pkgver": true,
}

// BuildContext is the merged PKGBUILD mapping used to render templates and
// build the packager command. It lives for one pipeline run.
type BuildContext struct {
	values      map[string]any
	sourceFiles []string
	frozen      bool
}

// NewBuildContext copies values into a new context.
func NewBuildContext(values map[string]any) *BuildContext {
	c := &BuildContext{values: make(map[string]any, len(values))}
	maps.Copy(c.values, values)
	return c
}

// Value returns the raw value for key.
func (c *BuildContext) Value(key string) any {
	return c.values[key]
}

// String returns key as a string; absent and null values are "".
func (c *BuildContext) String(key string) string {
	return scalarString(c.values[key])
}

// List returns key as a list of strings. A lone scalar is a one-element list.
func (c *BuildContext) List(key string) []string {
	switch v := c.values[key].(type) {
	case nil:
		return nil
	case []string:
		return slices.Clone(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, scalarString(item))
		}
		return out
	default:
		if s := scalarString(v); s != "" {
			return []string{s}
		}
		return nil
	}
}

// Has reports whether key holds a non-empty value.
func (c *BuildContext) Has(key string) bool {
	switch v := c.values[key].(type) {
	case nil:
		return false
	case string:
		return v != ""
	case []any:
		return len(v) > 0
	case []string:
		return len(v) > 0
	default:
		return true
	}
}

func (c *BuildContext) Name() string    { return c.String("pkgname") }
func (c *BuildContext) Version() string { return c.String("pkgver") }
func (c *BuildContext) Arch() string    { return c.String("arch") }
func (c *BuildContext) PkgType() string { return c.String("pkgtype") }

// Set replaces key. Once frozen only the package version may change.
func (c *BuildContext) Set(key string, value any) error {
	if c.frozen && !mutableKeys[key] {
		return Errorf(ConfigError, "context is read-only, cannot set %q", key)
	}
	c.values[key] = value
	return nil
}

// SetVersion records a derived package version.
func (c *BuildContext) SetVersion(v string) {
	c.values["pkgver"] = v
}

// Freeze marks the context read-only for everything but the version and
// the fetched source file list.
func (c *BuildContext) Freeze() { c.frozen = true }

// Frozen reports whether Freeze was called.
func (c *BuildContext) Frozen() bool { return c.frozen }

// SourceFiles lists the file names fetched into srcdir, in source order.
func (c *BuildContext) SourceFiles() []string {
	return slices.Clone(c.sourceFiles)
}

func (c *BuildContext) resetSourceFiles() { c.sourceFiles = nil }

func (c *BuildContext) addSourceFile(name string) {
	c.sourceFiles = append(c.sourceFiles, name)
}

// TemplateData returns the values templates see: the configuration plus
// absolute working directories and the fetched source files.
func (c *BuildContext) TemplateData(dirs WorkingDirectories) map[string]any {
	data := make(map[string]any, len(c.values)+6)
	maps.Copy(data, c.values)
	data["startdir"] = dirs.Start
	data["srcdir"] = dirs.Src
	data["pkgdir"] = dirs.Pkg
	data["scriptdir"] = dirs.Script
	data["sources"] = c.SourceFiles()
	return data
}

// Environ returns the variables exported to stage scripts.
func (c *BuildContext) Environ(dirs WorkingDirectories) []string {
	return []string{
		"pkgname=" + c.Name(),
		"pkgver=" + c.Version(),
		"startdir=" + dirs.Start,
		"srcdir=" + dirs.Src,
		"pkgdir=" + dirs.Pkg,
		"scriptdir=" + dirs.Script,
	}
}

func scalarString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	default:
		return fmt.Sprint(t)
	}
}
