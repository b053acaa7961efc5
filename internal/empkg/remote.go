package empkg

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// Target is a host a build can be delegated to.
type Target interface {
	// Execute runs shell steps in order and returns the output of the last.
	Execute(ctx context.Context, steps ...string) (string, error)
	// Put copies local paths into remoteDir.
	Put(ctx context.Context, localPaths []string, remoteDir string) error
	// Get copies remotePath into localDir.
	Get(ctx context.Context, remotePath, localDir string) error
}

// SSHTarget reaches a host through the ssh and scp binaries, so the user's
// ssh configuration applies.
type SSHTarget struct {
	Host string
	SSH  string
	SCP  string
}

// NewSSHTarget returns a target for host.
func NewSSHTarget(host string) *SSHTarget {
	return &SSHTarget{Host: host, SSH: "ssh", SCP: "scp"}
}

func (t *SSHTarget) Execute(ctx context.Context, steps ...string) (string, error) {
	var last string
	for _, s := range steps {
		debugf("[%s] %s\n", t.Host, s)
		cmd := exec.Command(t.SSH, "-o", "BatchMode=yes", t.Host, "--", s)
		out, err := NewExecutor(ctx).Capture(cmd)
		if err != nil {
			return out.Stdout, StageFailed("remote", s, out.Stdout, out.Stderr, err).
				WithDetail("host", t.Host)
		}
		last = out.Stdout
	}
	return last, nil
}

func (t *SSHTarget) Put(ctx context.Context, localPaths []string, remoteDir string) error {
	if len(localPaths) == 0 {
		return nil
	}
	args := append([]string{"-r", "-p", "-o", "BatchMode=yes"}, localPaths...)
	args = append(args, t.Host+":"+remoteDir+"/")
	return t.scp(ctx, args)
}

func (t *SSHTarget) Get(ctx context.Context, remotePath, localDir string) error {
	return t.scp(ctx, []string{"-p", "-o", "BatchMode=yes", t.Host + ":" + remotePath, localDir})
}

func (t *SSHTarget) scp(ctx context.Context, args []string) error {
	cmd := exec.Command(t.SCP, args...)
	out, err := NewExecutor(ctx).Capture(cmd)
	if err != nil {
		return StageFailed("remote", t.SCP+" "+strings.Join(args, " "), out.Stdout, out.Stderr, err).
			WithDetail("host", t.Host)
	}
	return nil
}

// RemoteBuild runs empkg with args on target inside /tmp/<pkgname>, then
// copies the produced artifact back into start. It returns the artifact
// file name.
func RemoteBuild(ctx context.Context, target Target, bc *BuildContext, start string, args []string) (string, error) {
	remoteDir := path.Join("/tmp", bc.Name())
	q := shellQuote(remoteDir)

	step("Preparing %s on the build host...", remoteDir)
	if _, err := target.Execute(ctx, "rm -rf "+q, "mkdir -p "+q); err != nil {
		return "", err
	}

	files, err := remoteUploadSet(bc, start)
	if err != nil {
		return "", err
	}
	if err := target.Put(ctx, files, remoteDir); err != nil {
		return "", err
	}

	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	colArrow.Print("-> ")
	cPrintf(colInfo, "Building on %s\n", remoteDir)
	out, err := target.Execute(ctx, "cd "+q+" && empkg "+strings.Join(quoted, " "))
	if err != nil {
		return "", err
	}
	artifact := lastLine(out)
	if artifact == "" {
		return "", Errorf(PackagerInvocationError, "remote build printed no artifact name").
			WithDetail("output", out)
	}
	artifact = filepath.Base(artifact)

	pkgdir := bc.String("pkgdir")
	if pkgdir == "" {
		pkgdir = DefaultPkgDir
	}
	if !path.IsAbs(pkgdir) {
		pkgdir = path.Join(remoteDir, pkgdir)
	}
	remoteArtifact := path.Join(pkgdir, artifact)
	if err := target.Get(ctx, remoteArtifact, start); err != nil {
		return "", err
	}
	return artifact, nil
}

// provisionPackages are what a fresh host of each family needs to compile
// sources and run fpm.
var provisionPackages = map[Manager][]string{
	AptGet: {"build-essential", "openssl", "libssl-dev", "ruby", "ruby-dev"},
	Yum:    {"gcc", "gcc-c++", "make", "openssl", "openssl-devel", "ruby", "ruby-devel", "rubygems", "rpm-build"},
	Pacman: {"base-devel", "openssl", "ruby"},
}

var fpmGemRe = regexp.MustCompile(`(?m)^fpm `)

// RemoteProvision installs the build toolchain and fpm on target. The
// distribution is read from the host's os-release; empkg itself must
// already be on the host's PATH.
func RemoteProvision(ctx context.Context, target Target) error {
	step("Provisioning the build host...")
	release, err := target.Execute(ctx, "cat /etc/os-release")
	if err != nil {
		return err
	}
	values, err := ParseOSRelease(strings.NewReader(release))
	if err != nil {
		return WrapError(err, ConfigError, "cannot read the build host's os-release")
	}
	distro := DistroFromOSRelease(values)
	manager, ok := distro.Manager()
	if !ok {
		return Errorf(ConfigError, "unsupported build host distribution %q", distro.ID)
	}

	uid, err := target.Execute(ctx, "id -u")
	if err != nil {
		return err
	}
	sudo := "sudo "
	if strings.TrimSpace(uid) == "0" {
		sudo = ""
	}

	args := manager.InstallArgs(provisionPackages[manager])
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	install := sudo + strings.Join(quoted, " ")
	if _, err := target.Execute(ctx, install); err != nil {
		var e *Error
		if errors.As(err, &e) {
			e.Kind = DependencyInstallError
			e.Message = "failed to install the build toolchain"
		}
		return err
	}

	gems, err := target.Execute(ctx, "gem list")
	if err != nil {
		return err
	}
	if !fpmGemRe.MatchString(gems) {
		if _, err := target.Execute(ctx, sudo+"gem install fpm"); err != nil {
			return err
		}
	}

	if _, err := target.Execute(ctx, "command -v empkg"); err != nil {
		return WrapError(err, ConfigError, "empkg is not installed on the build host")
	}
	return nil
}

// remoteUploadSet lists the entries of start to copy, leaving out the
// working directories and lock files of earlier local runs.
func remoteUploadSet(bc *BuildContext, start string) ([]string, error) {
	dirs, err := NewWorkingDirectories(bc, start)
	if err != nil {
		return nil, err
	}
	skip := map[string]bool{dirs.Src: true, dirs.Pkg: true, dirs.Script: true}

	entries, err := os.ReadDir(dirs.Start)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		p := filepath.Join(dirs.Start, e.Name())
		if skip[p] || strings.HasSuffix(e.Name(), ".lock") {
			continue
		}
		files = append(files, p)
	}
	return files, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\r\n"), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
