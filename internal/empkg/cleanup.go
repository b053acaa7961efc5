package empkg

// Clean removes the working directories of the PKGBUILD at start.
func Clean(bc *BuildContext, start string) error {
	dirs, err := NewWorkingDirectories(bc, start)
	if err != nil {
		return err
	}
	lock, err := dirs.Lock()
	if err != nil {
		return err
	}
	defer lock.Release()

	for _, d := range dirs.all() {
		debugf("Removing %s\n", d)
	}
	if err := dirs.Remove(); err != nil {
		return err
	}
	step("Removed %s, %s and %s", dirs.Src, dirs.Pkg, dirs.Script)
	return nil
}
