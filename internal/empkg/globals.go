package empkg

import (
	"github.com/gookit/color"
)

// Build metadata, overridden at link time.
var (
	version   = "dev"
	buildDate = "unknown"
)

// Defaults applied when the PKGBUILD does not say otherwise.
const (
	DefaultPkgbuild  = "PKGBUILD.yml"
	DefaultSrcDir    = "src"
	DefaultPkgDir    = "pkg"
	DefaultScriptDir = "script"
	DefaultPackager  = "fpm"

	// maxScriptPath is the longest body still considered a file reference.
	maxScriptPath = 255

	envPrefix = "EMPKG_"
)

// color helpers
var (
	colInfo    = color.Info // style provided by gookit/color
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
	colNote    = color.Tag("notice")
)
