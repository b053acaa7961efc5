package empkg

import (
	"path/filepath"
	"strings"
)

// Directories the Clean stage must never remove, even when a PKGBUILD points
// srcdir, pkgdir or scriptdir at them.
var forbiddenSystemDirs = map[string]struct{}{
	"/":      {},
	"/bin":   {},
	"/boot":  {},
	"/dev":   {},
	"/etc":   {},
	"/home":  {},
	"/lib":   {},
	"/lib32": {},
	"/lib64": {},
	"/mnt":   {},
	"/opt":   {},
	"/proc":  {},
	"/root":  {},
	"/run":   {},
	"/sbin":  {},
	"/srv":   {},
	"/sys":   {},
	"/tmp":   {},
	"/usr":   {},
	"/var":   {},
	// Common subdirectories
	"/usr/bin":     {},
	"/usr/include": {},
	"/usr/lib":     {},
	"/usr/lib64":   {},
	"/usr/local":   {},
	"/usr/sbin":    {},
	"/usr/share":   {},
	"/usr/src":     {},
	"/var/cache":   {},
	"/var/lib":     {},
	"/var/log":     {},
	"/var/tmp":     {},
}

// isProtectedPath reports whether removing p would wipe a system directory
// or the user's home.
func isProtectedPath(p string) bool {
	clean := filepath.Clean(p)
	if _, ok := forbiddenSystemDirs[clean]; ok {
		return true
	}
	if home, ok := homeDir(); ok && clean == home {
		return true
	}
	return false
}

// withinDir reports whether target resolves inside dir (dir itself excluded).
func withinDir(dir, target string) bool {
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return false
	}
	if rel == "." || filepath.IsAbs(rel) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
