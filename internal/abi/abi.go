// Package abi holds the target CPU/ABI tags this farm builds for, mirroring
// the small fixed lookup table the teacher keeps for its own architecture
// identifiers (archs.go).
package abi

import "strings"

// Tags contains one entry for each platform tag this farm accepts builds
// for, as they appear in wheel filenames (e.g.
// foo-1.0-cp34-cp34m-linux_armv7l.whl).
var Tags = map[string]bool{
	"linux_armv6l": true,
	"linux_armv7l": true,
}

// HasTag reports whether filename ends in one of the recognized platform
// tags (ignoring the .whl suffix).
func HasTag(filename string) (tag string, ok bool) {
	name := strings.TrimSuffix(filename, ".whl")
	for t := range Tags {
		if strings.HasSuffix(name, "-"+t) {
			return t, true
		}
	}
	return "", false
}
