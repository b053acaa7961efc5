// Package schemas holds the JSON schemas embedded in the binary.
package schemas

import _ "embed"

// PkgbuildSchema validates a merged PKGBUILD mapping.
//
//go:embed pkgbuild.schema.json
var PkgbuildSchema []byte
