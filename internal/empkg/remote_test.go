package empkg

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTarget struct {
	steps  []string
	puts   []string
	putDir string
	got    string
	gotDir string
	output  string
	outputs map[string]string // per-step output, overriding output
	failOn  string
}

func (f *fakeTarget) Execute(_ context.Context, steps ...string) (string, error) {
	last := f.output
	for _, s := range steps {
		f.steps = append(f.steps, s)
		if f.failOn != "" && s == f.failOn {
			return "", StageFailed("remote", s, "", "boom", errors.New("exit status 1"))
		}
		if out, ok := f.outputs[s]; ok {
			last = out
		}
	}
	return last, nil
}

func (f *fakeTarget) Put(_ context.Context, localPaths []string, remoteDir string) error {
	f.puts = append(f.puts, localPaths...)
	f.putDir = remoteDir
	return nil
}

func (f *fakeTarget) Get(_ context.Context, remotePath, localDir string) error {
	f.got = remotePath
	f.gotDir = localDir
	return nil
}

func TestRemoteBuild(t *testing.T) {
	start := t.TempDir()
	writeFile(t, filepath.Join(start, DefaultPkgbuild), "pkgname: foo\n", 0o644)
	writeFile(t, filepath.Join(start, "foo.patch"), "diff", 0o644)
	writeFile(t, filepath.Join(start, ".src.lock"), "", 0o644)
	require.NoError(t, os.MkdirAll(filepath.Join(start, "src"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(start, "pkg"), 0o755))

	target := &fakeTarget{output: "-> Running fpm...\nBuilt /tmp/foo/pkg/foo_1.0_all.deb\nfoo_1.0_all.deb\n"}
	bc := testContext(map[string]any{"pkgname": "foo", "pkgver": "1.0"})

	artifact, err := RemoteBuild(context.Background(), target, bc, start, []string{"build", DefaultPkgbuild, "--pkgtype", "deb"})
	require.NoError(t, err)
	assert.Equal(t, "foo_1.0_all.deb", artifact)

	assert.Equal(t, []string{
		"rm -rf /tmp/foo",
		"mkdir -p /tmp/foo",
		"cd /tmp/foo && empkg build PKGBUILD.yml --pkgtype deb",
	}, target.steps)

	sort.Strings(target.puts)
	assert.Equal(t, []string{
		filepath.Join(start, DefaultPkgbuild),
		filepath.Join(start, "foo.patch"),
	}, target.puts)
	assert.Equal(t, "/tmp/foo", target.putDir)

	assert.Equal(t, "/tmp/foo/pkg/foo_1.0_all.deb", target.got)
	assert.Equal(t, start, target.gotDir)
}

func TestRemoteBuildAbsolutePkgdir(t *testing.T) {
	target := &fakeTarget{output: "bar_2.0_amd64.deb"}
	bc := testContext(map[string]any{"pkgname": "bar", "pkgdir": "/srv/out"})

	_, err := RemoteBuild(context.Background(), target, bc, t.TempDir(), []string{"build"})
	require.NoError(t, err)
	assert.Equal(t, "/srv/out/bar_2.0_amd64.deb", target.got)
}

func TestRemoteBuildFailure(t *testing.T) {
	target := &fakeTarget{failOn: "cd /tmp/foo && empkg build"}
	bc := testContext(map[string]any{"pkgname": "foo"})

	_, err := RemoteBuild(context.Background(), target, bc, t.TempDir(), []string{"build"})
	require.Error(t, err)
	assert.True(t, IsKind(err, StageExecutionError))
	assert.Empty(t, target.got)
}

func TestRemoteBuildNoArtifact(t *testing.T) {
	target := &fakeTarget{output: "\n"}
	bc := testContext(map[string]any{"pkgname": "foo"})

	_, err := RemoteBuild(context.Background(), target, bc, t.TempDir(), []string{"build"})
	require.Error(t, err)
	assert.True(t, IsKind(err, PackagerInvocationError))
}

func TestBuildFlagsRemoteArgs(t *testing.T) {
	f := buildFlags{pkgtype: "rpm", makepkgman: "yum", skipMakeDepends: true, target: "builder", provision: true}
	assert.Equal(t,
		[]string{"build", "PKGBUILD.yml", "--pkgtype", "rpm", "--makepkgman", "yum", "--skip-makedepends"},
		f.remoteArgs("/home/me/pkgs/PKGBUILD.yml"))
	assert.Equal(t, map[string]any{"pkgtype": "rpm", "makepkgman": "yum"}, f.overrides())
	assert.Empty(t, buildFlags{}.overrides())
}

func TestRemoteProvision(t *testing.T) {
	target := &fakeTarget{outputs: map[string]string{
		"cat /etc/os-release": "NAME=\"Ubuntu\"\nID=ubuntu\nID_LIKE=debian\n",
		"id -u":               "1000\n",
		"gem list":            "bundler (2.4.10)\nfpm-cookery (0.37.0)\n",
	}}

	require.NoError(t, RemoteProvision(context.Background(), target))
	assert.Equal(t, []string{
		"cat /etc/os-release",
		"id -u",
		"sudo apt-get install -qq build-essential openssl libssl-dev ruby ruby-dev",
		"gem list",
		"sudo gem install fpm",
		"command -v empkg",
	}, target.steps)
}

func TestRemoteProvisionAsRootWithFpm(t *testing.T) {
	target := &fakeTarget{outputs: map[string]string{
		"cat /etc/os-release": "ID=\"rocky\"\nID_LIKE=\"rhel centos fedora\"\n",
		"id -u":               "0\n",
		"gem list":            "fpm (1.15.1)\n",
	}}

	require.NoError(t, RemoteProvision(context.Background(), target))
	require.Len(t, target.steps, 5)
	install := target.steps[2]
	assert.True(t, strings.HasPrefix(install, "yum install -y -q "), install)
	assert.Contains(t, install, "rpm-build")
	assert.NotContains(t, strings.Join(target.steps, "\n"), "sudo")
	assert.NotContains(t, target.steps, "gem install fpm")
}

func TestRemoteProvisionUnknownDistro(t *testing.T) {
	target := &fakeTarget{outputs: map[string]string{"cat /etc/os-release": "ID=gentoo\n"}}

	err := RemoteProvision(context.Background(), target)
	require.Error(t, err)
	assert.True(t, IsKind(err, ConfigError))
	assert.Equal(t, []string{"cat /etc/os-release"}, target.steps)
}

func TestRemoteProvisionInstallFailure(t *testing.T) {
	install := "sudo pacman -Sq --noconfirm base-devel openssl ruby"
	target := &fakeTarget{
		outputs: map[string]string{"cat /etc/os-release": "ID=arch\n", "id -u": "1000"},
		failOn:  install,
	}

	err := RemoteProvision(context.Background(), target)
	require.Error(t, err)
	assert.True(t, IsKind(err, DependencyInstallError))

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, install, e.Command)
	assert.Equal(t, "boom", e.Stderr)
	assert.NotContains(t, target.steps, "gem list")
}

func TestRemoteProvisionMissingEmpkg(t *testing.T) {
	target := &fakeTarget{
		outputs: map[string]string{"cat /etc/os-release": "ID=debian\n", "id -u": "0", "gem list": "fpm (1.15.1)"},
		failOn:  "command -v empkg",
	}

	err := RemoteProvision(context.Background(), target)
	require.Error(t, err)
	assert.True(t, IsKind(err, ConfigError))
}
