package empkg

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
)

// Keys of the configuration rendered by the apply_context stage.
var contextKeys = []string{"source", "noextract", "template", "backup"}

type cleanStage struct{}

func (cleanStage) Name() string { return "clean" }

func (cleanStage) Execute(_ context.Context, b *Build) error {
	step("Cleaning working directories...")
	return b.Dirs.Reset()
}

// applyContextStage renders list fields against the context in a single
// pass. A field referencing another rendered field sees its raw value.
type applyContextStage struct{}

func (applyContextStage) Name() string { return "apply_context" }

func (applyContextStage) Execute(_ context.Context, b *Build) error {
	if b.Context.Frozen() {
		return nil
	}
	rendered := make(map[string][]any, len(contextKeys))
	for _, key := range contextKeys {
		items := b.Context.List(key)
		out := make([]any, 0, len(items))
		for i, item := range items {
			s, err := b.Renderer.Render(key+"["+strconv.Itoa(i)+"]", item, b.Context)
			if err != nil {
				return err
			}
			out = append(out, s)
		}
		rendered[key] = out
	}
	for _, key := range contextKeys {
		if err := b.Context.Set(key, rendered[key]); err != nil {
			return err
		}
	}
	b.Context.Freeze()
	return nil
}

type makeDependsStage struct{}

func (makeDependsStage) Name() string { return "fetch_makedepends" }

func (makeDependsStage) Execute(_ context.Context, b *Build) error {
	deps := b.Context.List("makedepends")
	if len(deps) == 0 {
		return nil
	}
	if b.Options.SkipMakeDepends {
		colArrow.Print("-> ")
		cPrintf(colWarn, "Skipping makedepends: %s\n", strings.Join(deps, " "))
		return nil
	}
	manager, err := ParseManager(b.Context.String("makepkgman"))
	if err != nil {
		return err
	}
	step("Installing makedepends with %s: %s", manager, strings.Join(deps, " "))
	return manager.Install(b.exec, deps)
}

// fetchSourcesStage fetches every source, verifies checksums, then
// extracts and templates each file in source order. With fetchOnly the
// files are only downloaded.
type fetchSourcesStage struct {
	fetchOnly bool
}

func (fetchSourcesStage) Name() string { return "fetch_sources" }

func (s fetchSourcesStage) Execute(ctx context.Context, b *Build) error {
	specs := SourceSpecs(b.Context)
	if len(specs) == 0 {
		return nil
	}
	step("Fetching sources...")
	b.Context.resetSourceFiles()

	files := make([]string, 0, len(specs))
	for _, spec := range specs {
		name, err := b.Acquirer.Resolve(ctx, spec, b.Dirs.Src)
		if err != nil {
			return err
		}
		b.log.Info().Str("source", spec.Raw).Str("file", name).Msg("fetched source")
		b.Context.addSourceFile(name)
		files = append(files, name)
	}
	if s.fetchOnly {
		return nil
	}

	if err := VerifyChecksums(b.Context, b.Dirs.Src, files); err != nil {
		return err
	}

	for i, spec := range specs {
		path := filepath.Join(b.Dirs.Src, files[i])
		if !spec.NoExtract {
			if err := Extract(path, b.Dirs.Src); err != nil {
				return err
			}
		}
		if spec.IsTemplate {
			if err := b.Renderer.RenderFile(path, b.Context); err != nil {
				return err
			}
		}
	}
	return nil
}

// scriptStage renders a configured body into scriptdir and runs it.
type scriptStage struct {
	name    string
	key     string
	workdir func(WorkingDirectories) string
	after   func(b *Build, out Captured) error
}

func (s scriptStage) Name() string { return s.name }

func (s scriptStage) Execute(_ context.Context, b *Build) error {
	body := b.Context.String(s.key)
	if body == "" {
		return nil
	}
	step("Running %s...", s.key)
	path, err := b.Renderer.WriteScript(s.key, body, b.Context)
	if err != nil {
		return err
	}
	out, err := b.runner().RunScript(s.name, path, s.workdir(b.Dirs))
	if err != nil {
		return err
	}
	if s.after != nil {
		return s.after(b, out)
	}
	echoOutput(out)
	return nil
}

func srcdirScript(name string) scriptStage {
	return scriptStage{name: name, key: name, workdir: func(d WorkingDirectories) string { return d.Src }}
}

// versionStage replaces pkgver with the trimmed output of pkgver_fcn.
func versionStage() scriptStage {
	return scriptStage{
		name:    "derive_version",
		key:     "pkgver_fcn",
		workdir: func(d WorkingDirectories) string { return d.Src },
		after: func(b *Build, out Captured) error {
			v := strings.TrimSpace(out.Stdout)
			if v == "" {
				return StageFailed("derive_version", "pkgver_fcn", out.Stdout, out.Stderr, nil).
					WithDetail("reason", "empty version")
			}
			b.Context.SetVersion(v)
			step("Package version is %s", v)
			return nil
		},
	}
}

// packageStage runs in startdir so paths relative to the PKGBUILD work.
func packageStage() scriptStage {
	return scriptStage{name: "package", key: "package", workdir: func(d WorkingDirectories) string { return d.Start }}
}

// renderHooksStage writes a script for every configured hook slot. An
// unconfigured slot has no file.
type renderHooksStage struct{}

func (renderHooksStage) Name() string { return "render_hooks" }

func (renderHooksStage) Execute(_ context.Context, b *Build) error {
	for _, h := range HookTable {
		body := b.Context.String(h.Slot)
		if body == "" {
			continue
		}
		if len(b.Hooks) == 0 {
			step("Generating install hooks...")
		}
		path, err := b.Renderer.WriteScript(h.Slot, body, b.Context)
		if err != nil {
			return err
		}
		b.Hooks[h.Slot] = path
	}
	return nil
}

// invokePackagerStage runs the packager in pkgdir and records the
// artifact name.
type invokePackagerStage struct{}

func (invokePackagerStage) Name() string { return "invoke_packager" }

func (invokePackagerStage) Execute(_ context.Context, b *Build) error {
	cmd, err := BuildPackagerCommand(b.Context, b.Dirs, b.Hooks)
	if err != nil {
		return err
	}
	b.Command = cmd
	step("Running %s...", b.Context.String("fpm"))
	b.log.Debug().Str("command", cmd).Msg("packager command")

	out, err := b.runner().RunCommand("invoke_packager", cmd, b.Dirs.Pkg)
	if err != nil {
		cause := err
		var se *Error
		if errors.As(err, &se) {
			cause = se.Wrapped
		}
		return &Error{
			Kind:    PackagerInvocationError,
			Message: "packager failed",
			Stage:   "invoke_packager",
			Command: cmd,
			Stdout:  out.Stdout,
			Stderr:  out.Stderr,
			Wrapped: cause,
		}
	}
	name, err := ParseArtifact(out.Stdout)
	if err != nil {
		if name, err = ParseArtifact(out.Stderr); err != nil {
			var e *Error
			if errors.As(err, &e) {
				e.Command = cmd
				e.Stdout = out.Stdout
				e.Stderr = out.Stderr
			}
			return err
		}
	}
	b.Artifact = name
	return nil
}
