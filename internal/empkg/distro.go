package empkg

import (
	"bufio"
	"io"
	"os"
	"strings"
)

// Files consulted to identify the host distribution.
var (
	osReleasePaths  = []string{"/etc/os-release", "/usr/lib/os-release"}
	archReleasePath = "/etc/arch-release"
)

// Distro identifies a Linux distribution by its os-release ID and ID_LIKE.
type Distro struct {
	ID     string
	IDLike []string
}

type distroFamily struct {
	pkgtype string
	manager Manager
}

var distroFamilies = map[string]distroFamily{
	"arch":        {"pacman", Pacman},
	"manjaro":     {"pacman", Pacman},
	"endeavouros": {"pacman", Pacman},
	"debian":      {"deb", AptGet},
	"ubuntu":      {"deb", AptGet},
	"linuxmint":   {"deb", AptGet},
	"pop":         {"deb", AptGet},
	"centos":      {"rpm", Yum},
	"rhel":        {"rpm", Yum},
	"fedora":      {"rpm", Yum},
	"rocky":       {"rpm", Yum},
	"almalinux":   {"rpm", Yum},
	"amzn":        {"rpm", Yum},
}

// family finds the first known distribution in ID, then ID_LIKE.
func (d Distro) family() (distroFamily, bool) {
	for _, id := range append([]string{d.ID}, d.IDLike...) {
		if f, ok := distroFamilies[id]; ok {
			return f, true
		}
	}
	return distroFamily{}, false
}

// PkgType returns the native package format of the distribution.
func (d Distro) PkgType() (string, bool) {
	f, ok := d.family()
	return f.pkgtype, ok
}

// Manager returns the native package manager of the distribution.
func (d Distro) Manager() (Manager, bool) {
	f, ok := d.family()
	return f.manager, ok
}

// ParseOSRelease reads KEY=value lines, dropping comments and quotes.
func ParseOSRelease(r io.Reader) (map[string]string, error) {
	values := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		values[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(val), `"'`)
	}
	return values, scanner.Err()
}

// DistroFromOSRelease builds a Distro from parsed os-release values.
func DistroFromOSRelease(values map[string]string) Distro {
	return Distro{
		ID:     strings.ToLower(values["ID"]),
		IDLike: strings.Fields(strings.ToLower(values["ID_LIKE"])),
	}
}

// DetectHostDistro identifies the running system.
func DetectHostDistro() (Distro, error) {
	for _, p := range osReleasePaths {
		f, err := os.Open(p)
		if err != nil {
			continue
		}
		values, err := ParseOSRelease(f)
		f.Close()
		if err != nil {
			return Distro{}, err
		}
		if d := DistroFromOSRelease(values); d.ID != "" {
			return d, nil
		}
	}
	if _, err := os.Stat(archReleasePath); err == nil {
		return Distro{ID: "arch"}, nil
	}
	return Distro{}, Errorf(ConfigError, "cannot identify the host distribution; set pkgtype and makepkgman")
}
