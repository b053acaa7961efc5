package empkg

import (
	"path/filepath"
	"regexp"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// HookSpec binds an install-time hook slot to the packager flag that
// embeds it.
type HookSpec struct {
	Slot string
	Flag string
}

// HookTable is the fixed slot to flag mapping, in emission order.
var HookTable = []HookSpec{
	{Slot: "pre_install", Flag: "--before-install"},
	{Slot: "post_install", Flag: "--after-install"},
	{Slot: "pre_upgrade", Flag: "--before-upgrade"},
	{Slot: "post_upgrade", Flag: "--after-upgrade"},
	{Slot: "pre_remove", Flag: "--before-remove"},
	{Slot: "post_remove", Flag: "--after-remove"},
}

// Payload patterns never shipped in a package.
var excludeGlobs = []string{"**/*.bak", "**/*.orig", "**/.git*", "**/.hg*"}

// Package types fpm can attach a changelog to.
var changelogTypes = map[string]bool{"deb": true, "rpm": true}

// HookPath is where the hook for slot is rendered.
func HookPath(dirs WorkingDirectories, slot string) string {
	return filepath.Join(dirs.Script, slot)
}

// ConfiguredHooks maps every slot with a body to its rendered path,
// without touching the filesystem.
func ConfiguredHooks(ctx *BuildContext, dirs WorkingDirectories) map[string]string {
	hooks := make(map[string]string)
	for _, h := range HookTable {
		if ctx.Has(h.Slot) {
			hooks[h.Slot] = HookPath(dirs, h.Slot)
		}
	}
	return hooks
}

// PackagerArgs translates the context into the packager's argument list.
// hooks maps slot names to rendered script paths; slots missing from it get
// no flag. Nothing is executed and the filesystem is not consulted.
func PackagerArgs(ctx *BuildContext, dirs WorkingDirectories, hooks map[string]string) ([]string, error) {
	for _, key := range []string{"pkgname", "pkgver", "arch", "pkgtype"} {
		if ctx.String(key) == "" {
			return nil, Errorf(ConfigError, "%s is required to build the package", key)
		}
	}
	pkgtype := ctx.PkgType()

	packager := ctx.String("fpm")
	if packager == "" {
		packager = DefaultPackager
	}
	args := []string{packager,
		"-s", "dir",
		"-n", ctx.Name(),
		"-v", ctx.Version(),
		"-a", ctx.Arch(),
		"-t", pkgtype,
		"--description", ctx.String("pkgdesc"),
	}
	for _, g := range excludeGlobs {
		args = append(args, "-x", g)
	}

	for _, f := range ctx.List("backup") {
		args = append(args, "--config-files", f)
	}
	if cl := ctx.String("changelog"); cl != "" && changelogTypes[pkgtype] {
		if !filepath.IsAbs(cl) {
			cl = filepath.Join(dirs.Start, cl)
		}
		args = append(args, "--"+pkgtype+"-changelog", cl)
	}
	for _, d := range ctx.List("depends") {
		args = append(args, "-d", d)
	}
	for _, h := range HookTable {
		if p, ok := hooks[h.Slot]; ok && p != "" {
			args = append(args, h.Flag, p)
		}
	}
	if lic := ctx.List("license"); len(lic) > 0 {
		args = append(args, "--license", strings.Join(lic, ", "))
	}
	if m := ctx.String("maintainer"); m != "" {
		args = append(args, "-m", m)
	}
	if u := ctx.String("url"); u != "" {
		args = append(args, "--url", u)
	}
	if v := ctx.String("vendor"); v != "" {
		args = append(args, "--vendor", v)
	}
	if rel := ctx.String("pkgrel"); rel != "" {
		args = append(args, "--iteration", rel)
	}
	if ep := ctx.String("epoch"); ep != "" && ep != "0" {
		args = append(args, "--epoch", ep)
	}
	for _, key := range []string{"conflicts", "provides", "replaces"} {
		for _, v := range ctx.List(key) {
			args = append(args, "--"+key, v)
		}
	}

	paths := ctx.List("paths")
	if len(paths) == 0 {
		paths = []string{"."}
	}
	return append(args, paths...), nil
}

// BuildPackagerCommand renders PackagerArgs as one shell command line.
// Equal inputs always give byte-identical output.
func BuildPackagerCommand(ctx *BuildContext, dirs WorkingDirectories, hooks map[string]string) (string, error) {
	args, err := PackagerArgs(ctx, dirs, hooks)
	if err != nil {
		return "", err
	}
	npaths := len(ctx.List("paths"))
	if npaths == 0 {
		npaths = 1
	}
	quoted := make([]string, len(args))
	for i, a := range args {
		if i >= len(args)-npaths {
			quoted[i] = quotePath(a)
		} else {
			quoted[i] = shellQuote(a)
		}
	}
	return strings.Join(quoted, " "), nil
}

func shellQuote(s string) string {
	q, err := syntax.Quote(s, syntax.LangBash)
	if err != nil {
		return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
	}
	return q
}

var globSafe = regexp.MustCompile(`^[A-Za-z0-9@%_+=:,./*?\[\]-]+$`)

// quotePath leaves glob patterns unquoted so the shell expands them in
// pkgdir.
func quotePath(s string) string {
	if strings.ContainsAny(s, "*?[") && globSafe.MatchString(s) {
		return s
	}
	return shellQuote(s)
}

var artifactPathRe = regexp.MustCompile(`:path=>"([^"]+)"`)

// ParseArtifact extracts the produced package file name from fpm's output.
func ParseArtifact(output string) (string, error) {
	if m := artifactPathRe.FindAllStringSubmatch(output, -1); len(m) > 0 {
		return filepath.Base(m[len(m)-1][1]), nil
	}
	parts := strings.Split(strings.TrimSpace(output), `"`)
	if len(parts) >= 3 {
		if name := filepath.Base(parts[len(parts)-2]); name != "" && name != "." && name != "/" {
			return name, nil
		}
	}
	return "", Errorf(PackagerInvocationError, "cannot find the package file name in packager output").
		WithDetail("output", output)
}
