package empkg

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Stage is a single step of the build pipeline.
type Stage interface {
	Name() string
	Execute(ctx context.Context, b *Build) error
}

// Pipeline executes a sequence of stages in order.
type Pipeline struct {
	stages []Stage
}

// NewPipeline creates a Pipeline from the given stages.
func NewPipeline(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

// DefaultPipeline is clean, apply_context, fetch_makedepends,
// fetch_sources, derive_version, prepare, build, check, package,
// render_hooks, invoke_packager.
func DefaultPipeline() *Pipeline {
	return NewPipeline(
		cleanStage{},
		applyContextStage{},
		makeDependsStage{},
		fetchSourcesStage{},
		versionStage(),
		srcdirScript("prepare"),
		srcdirScript("build"),
		srcdirScript("check"),
		packageStage(),
		renderHooksStage{},
		invokePackagerStage{},
	)
}

// Names lists the stage names in execution order.
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Run executes each stage sequentially. It stops on the first error.
func (p *Pipeline) Run(ctx context.Context, b *Build) error {
	for _, s := range p.stages {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("pipeline cancelled before stage %s: %w", s.Name(), err)
		}
		b.log.Debug().Str("stage", s.Name()).Msg("starting stage")
		if err := s.Execute(ctx, b); err != nil {
			var e *Error
			if errors.As(err, &e) {
				if e.Stage == "" {
					e.Stage = s.Name()
				}
				return err
			}
			return fmt.Errorf("stage %s: %w", s.Name(), err)
		}
	}
	return nil
}

// BuildOptions tune one pipeline run.
type BuildOptions struct {
	SkipMakeDepends bool
}

// Build owns the state of one pipeline run: the context, the working
// directories and what the stages produce.
type Build struct {
	Context  *BuildContext
	Dirs     WorkingDirectories
	Renderer *ScriptRenderer
	Acquirer *SourceAcquirer
	Options  BuildOptions

	// Produced by the run.
	Hooks    map[string]string // hook slot -> rendered script path
	Command  string            // packager command line
	Artifact string            // package file name inside Dirs.Pkg

	exec *Executor
	log  zerolog.Logger
}

// NewBuild computes the working directories once, relative to start.
func NewBuild(bc *BuildContext, start string, opts BuildOptions) (*Build, error) {
	dirs, err := NewWorkingDirectories(bc, start)
	if err != nil {
		return nil, err
	}
	return &Build{
		Context:  bc,
		Dirs:     dirs,
		Renderer: NewScriptRenderer(dirs),
		Acquirer: NewSourceAcquirer(dirs.Start, nil, S3SettingsFrom(bc)),
		Options:  opts,
		Hooks:    make(map[string]string),
		log:      GetLogger("pipeline"),
	}, nil
}

// Run takes the run lock, executes the default pipeline and returns the
// artifact file name.
func (b *Build) Run(ctx context.Context) (string, error) {
	return b.RunPipeline(ctx, DefaultPipeline())
}

// RunPipeline runs p under the run lock.
func (b *Build) RunPipeline(ctx context.Context, p *Pipeline) (string, error) {
	lock, err := b.Dirs.Lock()
	if err != nil {
		return "", err
	}
	defer lock.Release()

	b.exec = NewExecutor(ctx)
	b.Acquirer.Exec = b.exec
	done := LogOperationStart(b.log.With().Str("pkgname", b.Context.Name()).Logger(), "build")
	defer done()
	if err := p.Run(ctx, b); err != nil {
		return "", err
	}
	return b.Artifact, nil
}

// runner returns a script runner exporting the current stage environment.
func (b *Build) runner() *ScriptRunner {
	e := b.exec
	if e == nil {
		e = NewExecutor(context.Background())
	}
	return NewScriptRunner(e, b.Context.Environ(b.Dirs))
}

// ArtifactPath is the absolute path of the produced package.
func (b *Build) ArtifactPath() string {
	if b.Artifact == "" {
		return ""
	}
	return filepath.Join(b.Dirs.Pkg, b.Artifact)
}
