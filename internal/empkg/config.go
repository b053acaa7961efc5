package empkg

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"empkg/internal/empkg/schemas"
)

// listKeys hold sequences. Environment overrides for them are split on
// whitespace.
var listKeys = map[string]bool{
	"license": true, "source": true, "noextract": true, "template": true,
	"backup": true, "depends": true, "makedepends": true, "conflicts": true,
	"provides": true, "replaces": true, "paths": true,
	"sha256sums": true, "sha512sums": true, "b3sums": true,
}

// BaseConfig returns the default value of every optional key.
func BaseConfig() map[string]any {
	cfg := map[string]any{
		"pkgver":     "",
		"pkgver_fcn": "",
		"pkgrel":     "",
		"epoch":      "0",
		"pkgtype":    "",
		"makepkgman": "",
		"pkgdesc":    "",
		"url":        "",
		"maintainer": "",
		"vendor":     "",
		"changelog":  "",
		"prepare":    "",
		"build":      "",
		"check":      "",
		"package":    "",
		"srcdir":     DefaultSrcDir,
		"pkgdir":     DefaultPkgDir,
		"scriptdir":  DefaultScriptDir,
		"fpm":        DefaultPackager,
		"paths":      []any{"."},
	}
	for _, h := range HookTable {
		cfg[h.Slot] = ""
	}
	for k := range listKeys {
		if _, ok := cfg[k]; !ok {
			cfg[k] = []any{}
		}
	}
	return cfg
}

// LoadConfig merges defaults, the PKGBUILD file, EMPKG_* environment
// variables and overrides, then validates the result. Packaging type and
// package manager are detected from the host when left empty.
func LoadConfig(path string, overrides map[string]any) (*BuildContext, error) {
	k, err := loadLayers(path, overrides)
	if err != nil {
		return nil, err
	}
	values := k.Raw()
	fillHostDefaults(values, DetectHostDistro)
	if err := ValidateConfig(values); err != nil {
		return nil, err
	}
	return NewBuildContext(values), nil
}

func loadLayers(path string, overrides map[string]any) (*koanf.Koanf, error) {
	k := koanf.New(".")

	// 1. Built-in defaults
	if err := k.Load(confmap.Provider(BaseConfig(), "."), nil); err != nil {
		return nil, WrapError(err, ConfigError, "failed to load defaults")
	}

	// 2. The PKGBUILD itself
	if _, err := os.Stat(path); err != nil {
		return nil, WrapError(err, ConfigError, "cannot read %s", path)
	}
	if err := k.Load(file.Provider(path), parserFor(path)); err != nil {
		return nil, WrapError(err, ConfigError, "failed to parse %s", path)
	}

	// 3. EMPKG_* environment overrides
	envProvider := env.ProviderWithValue(envPrefix, ".", func(key, value string) (string, any) {
		key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
		if listKeys[key] {
			return key, fieldsAny(value)
		}
		return key, value
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, WrapError(err, ConfigError, "failed to load environment overrides")
	}

	// 4. Command-line overrides
	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, WrapError(err, ConfigError, "failed to apply overrides")
		}
	}
	debugf("Loaded configuration keys: %v\n", k.Keys())
	return k, nil
}

func parserFor(path string) koanf.Parser {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return toml.Parser()
	}
	return yamlParser{}
}

func fieldsAny(s string) []any {
	fields := strings.Fields(s)
	out := make([]any, len(fields))
	for i, f := range fields {
		out[i] = f
	}
	return out
}

// fillHostDefaults sets pkgtype and makepkgman from the host distribution
// when the configuration leaves them empty.
func fillHostDefaults(values map[string]any, detect func() (Distro, error)) {
	pkgtype := scalarString(values["pkgtype"])
	manager := scalarString(values["makepkgman"])
	if pkgtype != "" && manager != "" {
		return
	}
	distro, err := detect()
	if err != nil {
		debugf("Host distribution detection failed: %v\n", err)
		return
	}
	if pkgtype == "" {
		if t, ok := distro.PkgType(); ok {
			values["pkgtype"] = t
		}
	}
	if manager == "" {
		if m, ok := distro.Manager(); ok {
			values["makepkgman"] = m.String()
		}
	}
}

var (
	compiledSchema *gojsonschema.Schema
	compileOnce    sync.Once
	compileErr     error
)

func getSchema() (*gojsonschema.Schema, error) {
	compileOnce.Do(func() {
		loader := gojsonschema.NewBytesLoader(schemas.PkgbuildSchema)
		compiledSchema, compileErr = gojsonschema.NewSchema(loader)
	})
	return compiledSchema, compileErr
}

// ValidateConfig checks a merged mapping against the PKGBUILD schema.
func ValidateConfig(values map[string]any) error {
	schema, err := getSchema()
	if err != nil {
		return fmt.Errorf("compiling PKGBUILD schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(values))
	if err != nil {
		return WrapError(err, ConfigError, "validating PKGBUILD")
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	sort.Strings(msgs)
	if scalarString(values["pkgver"]) == "" && scalarString(values["pkgver_fcn"]) == "" {
		msgs = append([]string{"pkgver is required unless pkgver_fcn is set"}, msgs...)
	}
	return Errorf(ConfigError, "invalid PKGBUILD: %s", strings.Join(msgs, "; ")).
		WithDetail("errors", msgs)
}

// yamlParser decodes YAML keeping numeric scalars as written, so a version
// such as 1.10 is not turned into the float 1.1.
type yamlParser struct{}

func (yamlParser) Unmarshal(b []byte) (map[string]any, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(b, &root); err != nil {
		return nil, err
	}
	if len(root.Content) == 0 {
		return map[string]any{}, nil
	}
	v, err := nodeValue(root.Content[0])
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("top level of a PKGBUILD must be a mapping")
	}
	return m, nil
}

func (yamlParser) Marshal(m map[string]any) ([]byte, error) {
	return yaml.Marshal(m)
}

func nodeValue(n *yaml.Node) (any, error) {
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil, nil
		}
		return nodeValue(n.Content[0])
	case yaml.AliasNode:
		return nodeValue(n.Alias)
	case yaml.MappingNode:
		m := make(map[string]any, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			v, err := nodeValue(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			m[n.Content[i].Value] = v
		}
		return m, nil
	case yaml.SequenceNode:
		s := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := nodeValue(c)
			if err != nil {
				return nil, err
			}
			s = append(s, v)
		}
		return s, nil
	case yaml.ScalarNode:
		switch n.ShortTag() {
		case "!!null":
			return nil, nil
		case "!!bool":
			var b bool
			if err := n.Decode(&b); err != nil {
				return nil, err
			}
			return b, nil
		}
		return n.Value, nil
	}
	return nil, fmt.Errorf("unsupported YAML node at line %d", n.Line)
}
