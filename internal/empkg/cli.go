package empkg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gookit/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// buildFlags are the options of the build command.
type buildFlags struct {
	target          string
	pkgtype         string
	makepkgman      string
	skipMakeDepends bool
	upload          string
	provision       bool
}

func (f buildFlags) overrides() map[string]any {
	o := map[string]any{}
	if f.pkgtype != "" {
		o["pkgtype"] = f.pkgtype
	}
	if f.makepkgman != "" {
		o["makepkgman"] = f.makepkgman
	}
	return o
}

// remoteArgs is the build command line replayed on a remote target.
func (f buildFlags) remoteArgs(pkgbuild string) []string {
	args := []string{"build", filepath.Base(pkgbuild)}
	if f.pkgtype != "" {
		args = append(args, "--pkgtype", f.pkgtype)
	}
	if f.makepkgman != "" {
		args = append(args, "--makepkgman", f.makepkgman)
	}
	if f.skipMakeDepends {
		args = append(args, "--skip-makedepends")
	}
	return args
}

// NewRootCommand assembles the empkg command tree.
func NewRootCommand() *cobra.Command {
	var verbosity int
	root := &cobra.Command{
		Use:   "empkg",
		Short: "Build native packages from a PKGBUILD description",
		Long: `empkg builds deb, rpm and pacman packages from a declarative PKGBUILD.
Sources are fetched into a clean tree, the prepare/build/check/package
scripts run in order and fpm assembles the result.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			SetupLogger(verbosity)
			log.Debug().Str("command", cmd.Name()).Msg("Command started")
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "Increase verbosity (-v INFO, -vv DEBUG, -vvv TRACE)")

	root.AddCommand(
		newBuildCommand(),
		newCleanCommand(),
		newChecksumCommand(),
		newCommandCommand(),
		newVersionCommand(),
	)
	return root
}

func pkgbuildArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return DefaultPkgbuild
}

func newBuildCommand() *cobra.Command {
	var flags buildFlags
	cmd := &cobra.Command{
		Use:   "build [PKGBUILD]",
		Short: "Run the full pipeline and print the package file name",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd.Context(), pkgbuildArg(args), flags)
		},
	}
	cmd.Flags().StringVar(&flags.target, "target", "", "Build on this ssh host instead of locally")
	cmd.Flags().StringVar(&flags.pkgtype, "pkgtype", "", "Package type to produce (deb, rpm, pacman)")
	cmd.Flags().StringVar(&flags.makepkgman, "makepkgman", "", "Package manager for makedepends (pacman, apt-get, yum)")
	cmd.Flags().BoolVar(&flags.skipMakeDepends, "skip-makedepends", false, "Do not install makedepends")
	cmd.Flags().StringVar(&flags.upload, "upload", "", "Upload the package to s3://bucket/prefix")
	cmd.Flags().BoolVar(&flags.provision, "provision", false, "Install the build toolchain and fpm on the --target host first")
	return cmd
}

func runBuild(ctx context.Context, pkgbuild string, flags buildFlags) error {
	bc, err := LoadConfig(pkgbuild, flags.overrides())
	if err != nil {
		return err
	}
	start, err := os.Getwd()
	if err != nil {
		return err
	}
	opts := BuildOptions{SkipMakeDepends: flags.skipMakeDepends}

	if flags.provision && flags.target == "" {
		return Errorf(ConfigError, "--provision needs --target")
	}

	var artifact, artifactPath string
	if flags.target != "" {
		target := NewSSHTarget(flags.target)
		if flags.provision {
			if err := RemoteProvision(ctx, target); err != nil {
				return err
			}
		}
		artifact, err = RemoteBuild(ctx, target, bc, start, flags.remoteArgs(pkgbuild))
		if err != nil {
			return err
		}
		artifactPath = filepath.Join(start, artifact)
	} else {
		if needsRootPrivileges(bc, opts) {
			if err := authenticateOnce(ctx); err != nil {
				return WrapError(err, DependencyInstallError, "cannot install makedepends")
			}
		}
		b, err := NewBuild(bc, start, opts)
		if err != nil {
			return err
		}
		if artifact, err = b.Run(ctx); err != nil {
			return err
		}
		artifactPath = b.ArtifactPath()
	}

	if flags.upload != "" {
		dest, err := UploadArtifact(ctx, S3SettingsFrom(bc), flags.upload, artifactPath)
		if err != nil {
			return err
		}
		colArrow.Print("-> ")
		cPrintln(colNote, "Uploaded "+dest)
	}
	colSuccess.Printf("Built %s\n", artifactPath)
	fmt.Println(artifact)
	return nil
}

func newCleanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clean [PKGBUILD]",
		Short: "Remove srcdir, pkgdir and scriptdir",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bc, err := LoadConfig(pkgbuildArg(args), nil)
			if err != nil {
				return err
			}
			start, err := os.Getwd()
			if err != nil {
				return err
			}
			return Clean(bc, start)
		},
	}
}

func newChecksumCommand() *cobra.Command {
	var sums []string
	cmd := &cobra.Command{
		Use:   "checksum [PKGBUILD]",
		Short: "Fetch the sources and print their checksums as YAML",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bc, err := LoadConfig(pkgbuildArg(args), nil)
			if err != nil {
				return err
			}
			start, err := os.Getwd()
			if err != nil {
				return err
			}
			out, err := Checksums(cmd.Context(), bc, start, sums)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&sums, "sums", []string{"sha256sums"}, "Checksum lists to generate (sha256sums, sha512sums, b3sums)")
	return cmd
}

// Checksums fetches the sources of bc and renders the requested sums lists
// as a YAML snippet for the PKGBUILD.
func Checksums(ctx context.Context, bc *BuildContext, start string, keys []string) (string, error) {
	b, err := NewBuild(bc, start, BuildOptions{})
	if err != nil {
		return "", err
	}
	p := NewPipeline(cleanStage{}, applyContextStage{}, fetchSourcesStage{fetchOnly: true})
	if _, err := b.RunPipeline(ctx, p); err != nil {
		return "", err
	}

	doc := &yaml.Node{Kind: yaml.MappingNode}
	for _, key := range keys {
		values, err := SumsFor(key, b.Dirs.Src, bc.SourceFiles())
		if err != nil {
			return "", err
		}
		seq := &yaml.Node{Kind: yaml.SequenceNode}
		for _, v := range values {
			seq.Content = append(seq.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: v})
		}
		doc.Content = append(doc.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: key}, seq)
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func newCommandCommand() *cobra.Command {
	var pkgtype string
	cmd := &cobra.Command{
		Use:   "command [PKGBUILD]",
		Short: "Print the packager command line without building",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides := map[string]any{}
			if pkgtype != "" {
				overrides["pkgtype"] = pkgtype
			}
			bc, err := LoadConfig(pkgbuildArg(args), overrides)
			if err != nil {
				return err
			}
			start, err := os.Getwd()
			if err != nil {
				return err
			}
			dirs, err := NewWorkingDirectories(bc, start)
			if err != nil {
				return err
			}
			line, err := BuildPackagerCommand(bc, dirs, ConfiguredHooks(bc, dirs))
			if err != nil {
				return err
			}
			fmt.Println(line)
			return nil
		},
	}
	cmd.Flags().StringVar(&pkgtype, "pkgtype", "", "Package type to produce (deb, rpm, pacman)")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("empkg version %s\n", version)
			fmt.Printf("  built: %s\n", buildDate)
		},
	}
}

// reportError prints err for a human, including captured stage output.
func reportError(err error) {
	var e *Error
	msg := err.Error()
	if errors.As(err, &e) {
		msg = e.Diagnostic()
	}
	fmt.Fprintln(os.Stderr, colError.Sprint("Error: ")+msg)
}

// Main runs the CLI and exits the process.
func Main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigs:
			colArrow.Print("\n-> ")
			color.Danger.Printf("Received %v. Cancelling build\n", sig)
			cancel()
			select {
			case <-sigs:
				colArrow.Print("\n-> ")
				color.Danger.Println("Second interrupt received. Forcing immediate exit.")
				os.Exit(130)
			case <-time.After(5 * time.Second):
				colArrow.Print("\n-> ")
				color.Danger.Println("Graceful shutdown timeout. Exiting.")
				os.Exit(130)
			}
		case <-ctx.Done():
		}
	}()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		reportError(err)
		cancel()
		os.Exit(1)
	}
}
