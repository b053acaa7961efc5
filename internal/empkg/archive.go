package empkg

import (
	"archive/tar"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"os"
	pathpkg "path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
	"golang.org/x/sys/unix"
)

// archiveKind is the extraction strategy picked from a file's final extension.
type archiveKind int

const (
	archiveNone archiveKind = iota
	archiveTar
	archiveGzip
	archiveBzip2
	archiveXz
	archiveZstd
	archiveZip
)

var archiveExtensions = map[string]archiveKind{
	"tar": archiveTar,
	"tgz": archiveGzip,
	"gz":  archiveGzip,
	"bz2": archiveBzip2,
	"xz":  archiveXz,
	"zst": archiveZstd,
	"zip": archiveZip,
}

func kindOf(name string) archiveKind {
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	return archiveExtensions[strings.ToLower(ext)]
}

// Extract unpacks the archive at path into dest, keyed off its final
// extension. Unknown extensions are left untouched. Every member is
// validated before anything is written.
func Extract(path, dest string) error {
	kind := kindOf(path)
	switch kind {
	case archiveNone:
		debugf("Not extracting %s: unknown extension\n", filepath.Base(path))
		return nil
	case archiveZip:
		return Errorf(UnsupportedSourceError, "zip extraction is not implemented: %s", filepath.Base(path)).
			WithDetail("file", path)
	}

	dest, err := filepath.Abs(dest)
	if err != nil {
		return err
	}

	isTar, err := validateArchive(path, kind, dest)
	if err != nil {
		return err
	}
	if !isTar {
		if kind == archiveTar || strings.HasSuffix(path, ".tgz") {
			return Errorf(SourceFetchError, "%s is not a tar archive", filepath.Base(path))
		}
		return decompressFile(path, kind, dest)
	}
	return unpackTar(path, kind, dest)
}

// openStream opens path and wraps it in the decompressor for kind.
func openStream(path string, kind archiveKind) (io.Reader, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, WrapError(err, SourceFetchError, "failed to open archive %s", filepath.Base(path))
	}
	closers := []func(){func() { f.Close() }}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var r io.Reader = f
	switch kind {
	case archiveGzip:
		gz, err := pgzip.NewReader(f)
		if err != nil {
			closeAll()
			return nil, nil, WrapError(err, SourceFetchError, "failed to create gzip reader for %s", filepath.Base(path))
		}
		closers = append(closers, func() { gz.Close() })
		r = gz
	case archiveBzip2:
		r = bzip2.NewReader(f)
	case archiveXz:
		x, err := xz.NewReader(f)
		if err != nil {
			closeAll()
			return nil, nil, WrapError(err, SourceFetchError, "failed to create xz reader for %s", filepath.Base(path))
		}
		r = x
	case archiveZstd:
		zst, err := zstd.NewReader(f)
		if err != nil {
			closeAll()
			return nil, nil, WrapError(err, SourceFetchError, "failed to create zstd reader for %s", filepath.Base(path))
		}
		closers = append(closers, zst.Close)
		r = zst
	}
	return r, closeAll, nil
}

// validateArchive walks every member without writing and reports whether the
// stream is a tar archive at all.
func validateArchive(path string, kind archiveKind, dest string) (bool, error) {
	r, closeAll, err := openStream(path, kind)
	if err != nil {
		return false, err
	}
	defer closeAll()

	tr := tar.NewReader(r)
	checker := newMemberChecker(dest)
	first := true
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return true, nil
		}
		if err != nil {
			if first && (errors.Is(err, tar.ErrHeader) || errors.Is(err, io.ErrUnexpectedEOF)) {
				return false, nil
			}
			return false, WrapError(err, SourceFetchError, "error reading tar header in %s", filepath.Base(path))
		}
		first = false
		if err := checker.check(hdr); err != nil {
			return false, err.WithDetail("archive", path)
		}
	}
}

// maxLinkHops bounds symlink resolution inside one archive.
const maxLinkHops = 255

// memberChecker validates members in archive order. It remembers the
// symlinks earlier members create, so a path or link target that walks
// through one of them is resolved the way the filesystem will resolve it.
type memberChecker struct {
	dest  string
	links map[string]string // resolved member path -> link target
}

func newMemberChecker(dest string) *memberChecker {
	return &memberChecker{dest: dest, links: make(map[string]string)}
}

// resolve follows recorded symlinks along rel, a slash-separated path
// relative to dest. It returns the real path relative to dest ("" is dest
// itself) and false when the path leaves dest.
func (c *memberChecker) resolve(rel string) (string, bool) {
	var parts []string
	pending := strings.Split(rel, "/")
	hops := 0
	for len(pending) > 0 {
		elem := pending[0]
		pending = pending[1:]
		switch elem {
		case "", ".":
			continue
		case "..":
			if len(parts) == 0 {
				return "", false
			}
			parts = parts[:len(parts)-1]
			continue
		}
		cur := pathpkg.Join(pathpkg.Join(parts...), elem)
		target, isLink := c.links[cur]
		if !isLink {
			parts = append(parts, elem)
			continue
		}
		hops++
		if hops > maxLinkHops || pathpkg.IsAbs(target) {
			return "", false
		}
		// The target is relative to the directory holding the link.
		pending = append(strings.Split(target, "/"), pending...)
	}
	return pathpkg.Join(parts...), true
}

// check rejects any member whose path, or link target, resolves outside
// dest, and records symlinks for the members that follow.
func (c *memberChecker) check(hdr *tar.Header) *Error {
	if hdr.Typeflag == tar.TypeXHeader || hdr.Typeflag == tar.TypeXGlobalHeader {
		return nil
	}
	name := filepath.ToSlash(hdr.Name)
	if pathpkg.IsAbs(name) {
		return Errorf(PathTraversalError, "archive member %q has an absolute path", hdr.Name)
	}
	dir, base := pathpkg.Split(pathpkg.Clean(name))
	parent, ok := c.resolve(dir)
	if !ok {
		return Errorf(PathTraversalError, "archive member %q escapes %s", hdr.Name, c.dest)
	}
	if base == ".." {
		return Errorf(PathTraversalError, "archive member %q escapes %s", hdr.Name, c.dest)
	}
	self := pathpkg.Join(parent, base)
	if base == "." {
		self = parent
	}

	switch hdr.Typeflag {
	case tar.TypeSymlink:
		if pathpkg.IsAbs(hdr.Linkname) {
			return Errorf(PathTraversalError, "symlink %q points to absolute path %q", hdr.Name, hdr.Linkname)
		}
		// Joined without cleaning: "a/.." through a link is not "".
		if _, ok := c.resolve(parent + "/" + filepath.ToSlash(hdr.Linkname)); !ok {
			return Errorf(PathTraversalError, "symlink %q points outside %s", hdr.Name, c.dest)
		}
		// An existing path is not replaced on disk, so the first link wins.
		if _, seen := c.links[self]; !seen {
			c.links[self] = filepath.ToSlash(hdr.Linkname)
		}
	case tar.TypeLink:
		if pathpkg.IsAbs(hdr.Linkname) {
			return Errorf(PathTraversalError, "hardlink %q points to absolute path %q", hdr.Name, hdr.Linkname)
		}
		target, ok := c.resolve(filepath.ToSlash(hdr.Linkname))
		if !ok || target == "" {
			return Errorf(PathTraversalError, "hardlink %q points outside %s", hdr.Name, c.dest)
		}
		delete(c.links, self)
	default:
		// A later member replacing a link path is written through the link.
		if _, ok := c.resolve(self); !ok {
			return Errorf(PathTraversalError, "archive member %q escapes %s", hdr.Name, c.dest)
		}
	}
	return nil
}

func unpackTar(path string, kind archiveKind, dest string) error {
	r, closeAll, err := openStream(path, kind)
	if err != nil {
		return err
	}
	defer closeAll()

	root, err := os.OpenRoot(dest)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", dest, err)
	}
	defer root.Close()

	tr := tar.NewReader(r)
	checker := newMemberChecker(dest)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return WrapError(err, SourceFetchError, "error reading tar header in %s", filepath.Base(path))
		}
		// The stream is read twice; recheck in case it changed underneath us.
		if cerr := checker.check(hdr); cerr != nil {
			return cerr
		}
		if err := writeMember(root, tr, hdr); err != nil {
			return err
		}
	}
	return nil
}

// writeMember creates one member below root. Every operation goes through
// root, so nothing resolves outside it even if the checks above missed a
// case.
func writeMember(root *os.Root, tr *tar.Reader, hdr *tar.Header) error {
	name := filepath.Clean(hdr.Name)
	if name == "." {
		return nil
	}
	if parent := filepath.Dir(name); parent != "." {
		if err := ensureDir(root, parent, 0o755); err != nil {
			return wrapWriteError(err, hdr, "failed to create parent dir for %s", name)
		}
	}

	mode := os.FileMode(hdr.Mode).Perm()
	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := ensureDir(root, name, mode|0o700); err != nil {
			return wrapWriteError(err, hdr, "failed to create dir %s", name)
		}
		_ = root.Chtimes(name, hdr.AccessTime, hdr.ModTime)
		restoreOwner(root, name, hdr, false)
	case tar.TypeReg:
		out, err := root.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
		if err != nil {
			return wrapWriteError(err, hdr, "failed to create file %s", name)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return fmt.Errorf("failed to write file %s: %w", name, err)
		}
		out.Close()
		if err := root.Chtimes(name, hdr.AccessTime, hdr.ModTime); err != nil {
			return fmt.Errorf("failed to set times for file %s: %w", name, err)
		}
		restoreOwner(root, name, hdr, false)
	case tar.TypeSymlink:
		if err := root.Symlink(hdr.Linkname, name); err != nil && !os.IsExist(err) {
			return wrapWriteError(err, hdr, "failed to create symlink %s -> %s", name, hdr.Linkname)
		}
		restoreOwner(root, name, hdr, true)
		// The parent was created through root above, so only the link itself
		// is touched here.
		atime := unix.NsecToTimeval(hdr.AccessTime.UnixNano())
		mtime := unix.NsecToTimeval(hdr.ModTime.UnixNano())
		if err := unix.Lutimes(filepath.Join(root.Name(), name), []unix.Timeval{atime, mtime}); err != nil {
			debugf("Warning: failed to set times for symlink %s: %v (continuing)\n", name, err)
		}
	case tar.TypeLink:
		if err := root.Link(filepath.Clean(hdr.Linkname), name); err != nil && !os.IsExist(err) {
			return wrapWriteError(err, hdr, "failed to create hardlink %s", name)
		}
	case tar.TypeXHeader, tar.TypeXGlobalHeader:
	default:
		debugf("Skipping unsupported tar entry type %c: %s\n", hdr.Typeflag, hdr.Name)
	}
	return nil
}

// ensureDir creates dir below root unless it already resolves to a
// directory, which may be through a symlink an earlier member created.
func ensureDir(root *os.Root, dir string, perm os.FileMode) error {
	if info, err := root.Stat(dir); err == nil && info.IsDir() {
		return nil
	}
	return root.MkdirAll(dir, perm)
}

// wrapWriteError reports an operation os.Root refused because the path
// escapes the destination as a traversal, anything else as is.
func wrapWriteError(err error, hdr *tar.Header, format string, args ...any) error {
	if strings.Contains(err.Error(), "path escapes from parent") {
		return WrapError(err, PathTraversalError, "archive member %q escapes the destination", hdr.Name)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// restoreOwner applies the recorded uid/gid when running as root.
func restoreOwner(root *os.Root, name string, hdr *tar.Header, link bool) {
	if os.Geteuid() != 0 {
		return
	}
	if link {
		_ = root.Lchown(name, hdr.Uid, hdr.Gid)
		return
	}
	_ = root.Chown(name, hdr.Uid, hdr.Gid)
}

// decompressFile writes the payload of a single compressed file next to it,
// without the compression suffix.
func decompressFile(path string, kind archiveKind, dest string) error {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if !withinDir(dest, filepath.Join(dest, name)) {
		return Errorf(PathTraversalError, "decompressed file %q escapes %s", name, dest)
	}

	r, closeAll, err := openStream(path, kind)
	if err != nil {
		return err
	}
	defer closeAll()

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	root, err := os.OpenRoot(dest)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", dest, err)
	}
	defer root.Close()

	out, err := root.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", name, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return WrapError(err, SourceFetchError, "failed to decompress %s", filepath.Base(path))
	}
	if err := out.Close(); err != nil {
		return err
	}
	return root.Chtimes(name, info.ModTime(), info.ModTime())
}
