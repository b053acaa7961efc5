package empkg

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// WorkingDirectories is the per-run directory layout. It is computed once
// when the pipeline is built and never recomputed.
type WorkingDirectories struct {
	Start  string // directory the build was started from
	Src    string // fetched and extracted sources
	Pkg    string // staging root that becomes the package payload
	Script string // generated stage scripts and hooks
}

// NewWorkingDirectories resolves srcdir, pkgdir and scriptdir against start.
func NewWorkingDirectories(ctx *BuildContext, start string) (WorkingDirectories, error) {
	start, err := filepath.Abs(start)
	if err != nil {
		return WorkingDirectories{}, fmt.Errorf("failed to resolve start directory: %w", err)
	}
	resolve := func(key, def string) string {
		p := ctx.String(key)
		if p == "" {
			p = def
		}
		if filepath.IsAbs(p) {
			return filepath.Clean(p)
		}
		return filepath.Join(start, p)
	}
	dirs := WorkingDirectories{
		Start:  start,
		Src:    resolve("srcdir", DefaultSrcDir),
		Pkg:    resolve("pkgdir", DefaultPkgDir),
		Script: resolve("scriptdir", DefaultScriptDir),
	}
	if dirs.Src == dirs.Pkg || dirs.Src == dirs.Script || dirs.Pkg == dirs.Script {
		return WorkingDirectories{}, Errorf(ConfigError, "srcdir, pkgdir and scriptdir must be distinct")
	}
	return dirs, nil
}

func (d WorkingDirectories) all() []string {
	return []string{d.Src, d.Pkg, d.Script}
}

// Reset removes and recreates the three working directories.
func (d WorkingDirectories) Reset() error {
	for _, dir := range d.all() {
		if isProtectedPath(dir) || dir == d.Start {
			return Errorf(ConfigError, "refusing to remove protected directory %s", dir)
		}
	}
	for _, dir := range d.all() {
		debugf("Resetting %s\n", dir)
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove %s: %w", dir, err)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// Remove deletes the three working directories without recreating them.
func (d WorkingDirectories) Remove() error {
	for _, dir := range d.all() {
		if isProtectedPath(dir) || dir == d.Start {
			return Errorf(ConfigError, "refusing to remove protected directory %s", dir)
		}
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove %s: %w", dir, err)
		}
	}
	return nil
}

// RunLock is a set of exclusive flocks held for the duration of one run.
type RunLock struct {
	files []*os.File
}

// lockPath names the lock file for dir, next to it.
func lockPath(dir string) string {
	return filepath.Join(filepath.Dir(dir), "."+filepath.Base(dir)+".lock")
}

// Lock takes one lock per working directory without blocking. A second run
// sharing any of the directories fails immediately, whatever package it
// builds.
func (d WorkingDirectories) Lock() (*RunLock, error) {
	l := &RunLock{}
	for _, dir := range d.all() {
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			l.Release()
			return nil, fmt.Errorf("failed to create lock directory: %w", err)
		}
		f, err := os.OpenFile(lockPath(dir), os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			l.Release()
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			f.Close()
			l.Release()
			return nil, fmt.Errorf("another build is using %s: %w", dir, err)
		}
		l.files = append(l.files, f)
	}
	return l, nil
}

// Release drops the locks. The lock files stay so every run locks the same
// inode.
func (l *RunLock) Release() {
	if l == nil {
		return
	}
	for _, f := range l.files {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}
	l.files = nil
}

func homeDir() (string, bool) {
	h, err := os.UserHomeDir()
	if err != nil || h == "" {
		return "", false
	}
	return filepath.Clean(h), true
}
