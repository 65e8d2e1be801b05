package scribe

import (
	"embed"
	"io/fs"
)

//go:embed static
var staticFS embed.FS

// staticAssets is the bundled static file set (stylesheet, favicon) copied
// into the output root on Once; an index.html in the set would be skipped,
// since the homepage is rendered from HOME requests instead. Grounded on cmd/distri-repobrowser's embedded static
// asset handling, adapted here to a plain map since the Scribe only ever
// needs whole-file contents, never an http.FileSystem.
var staticAssets = mustReadStatic()

func mustReadStatic() map[string][]byte {
	out := make(map[string][]byte)
	entries, err := fs.ReadDir(staticFS, "static")
	if err != nil {
		panic(err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		b, err := fs.ReadFile(staticFS, "static/"+entry.Name())
		if err != nil {
			panic(err)
		}
		out[entry.Name()] = b
	}
	return out
}
