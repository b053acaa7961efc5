package empkg

import (
	"os/exec"
	"strings"
)

// Manager is a native package manager used to install makedepends.
type Manager int

const (
	Pacman Manager = iota + 1
	AptGet
	Yum
)

// ParseManager maps a makepkgman value onto a Manager.
func ParseManager(name string) (Manager, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "pacman":
		return Pacman, nil
	case "apt-get", "apt":
		return AptGet, nil
	case "yum", "dnf":
		return Yum, nil
	}
	return 0, Errorf(ConfigError, "unknown package manager %q", name)
}

func (m Manager) String() string {
	switch m {
	case Pacman:
		return "pacman"
	case AptGet:
		return "apt-get"
	case Yum:
		return "yum"
	}
	return "unknown"
}

// InstallArgs returns the batch-install command line for names.
func (m Manager) InstallArgs(names []string) []string {
	var args []string
	switch m {
	case Pacman:
		args = []string{"pacman", "-Sq", "--noconfirm"}
	case AptGet:
		args = []string{"apt-get", "install", "-qq"}
	case Yum:
		args = []string{"yum", "install", "-y", "-q"}
	default:
		return nil
	}
	return append(args, names...)
}

// Install runs one privileged batch install of names. A non-zero exit is a
// DependencyInstallError; nothing is retried.
func (m Manager) Install(e *Executor, names []string) error {
	if len(names) == 0 {
		return nil
	}
	args := m.InstallArgs(names)
	if args == nil {
		return Errorf(ConfigError, "unknown package manager %d", int(m))
	}
	cmd := exec.Command(args[0], args[1:]...)
	out, err := e.Privileged().Capture(cmd)
	if err != nil {
		return &Error{
			Kind:    DependencyInstallError,
			Message: "failed to install " + strings.Join(names, " "),
			Command: strings.Join(args, " "),
			Stdout:  out.Stdout,
			Stderr:  out.Stderr,
			Wrapped: err,
		}
	}
	return nil
}
