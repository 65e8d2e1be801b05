// Package scribe implements the Index Scribe (spec.md section 4.7): it
// owns index.html files and packages.json in the published tree, writing
// each one atomically, and renders the root/per-package/homepage pages
// from html/template, grounded on cmd/distri-repobrowser/index.go's
// template.Must(template.New...).Parse(...) pattern.
package scribe

import (
	"context"
	"encoding/json"
	"html/template"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/renameio"

	"github.com/piwheels/farm/internal/config"
	"github.com/piwheels/farm/internal/farmerr"
	"github.com/piwheels/farm/internal/mesh"
	"github.com/piwheels/farm/internal/model"
	"github.com/piwheels/farm/internal/oracle"
)

// Request is the exhaustive set of verbs the Scribe's push queue carries
// (spec.md section 4.7): PKG, HOME, SEARCH. One concrete type per verb,
// the same "Dynamic verb dispatch" idiom internal/oracle uses.
type Request interface {
	isScribeRequest()
}

// Pkg asks the Scribe to rewrite simple/<package>/index.html from the
// Oracle's current PKGFILES for Package, adding Package to the root index
// if it wasn't already listed.
type Pkg struct{ Package string }

// Home asks the Scribe to render the homepage from Stats; a missing field
// is impossible in Go (Stats is a concrete struct), but a zero Stats that
// was never populated is treated the same as the original's KeyError:
// Valid must be set by the caller once real figures are available.
type Home struct {
	Stats oracle.Stats
	Valid bool
}

// PkgCount is one row of the search index.
type PkgCount struct {
	Package string
	Count   int
}

// Search asks the Scribe to rewrite packages.json from Entries.
type Search struct{ Entries []PkgCount }

func (Pkg) isScribeRequest()    {}
func (Home) isScribeRequest()   {}
func (Search) isScribeRequest() {}

// Scribe owns index.html and packages.json under the published tree.
type Scribe struct {
	oracle *oracle.Client
	cfg    config.Config
	queue  *mesh.PushPull[Request]

	knownPkgs map[string]bool
}

// New creates a Scribe. Call Once before Run to perform the startup pass
// spec.md section 4.7 describes.
func New(oracleClient *oracle.Client, cfg config.Config, queue *mesh.PushPull[Request]) *Scribe {
	return &Scribe{oracle: oracleClient, cfg: cfg, queue: queue, knownPkgs: make(map[string]bool)}
}

var rootIndexTmpl = template.Must(template.New("root").Parse(`<!doctype html>
<html><head><title>Simple index</title></head>
<body>
{{- range .Packages }}
<a href="{{ . }}">{{ . }}</a><br>
{{- end }}
</body></html>
`))

var pkgIndexTmpl = template.Must(template.New("pkg").Parse(`<!doctype html>
<html><head><title>Links for {{ .Package }}</title></head>
<body>
<h1>Links for {{ .Package }}</h1>
{{- range .Files }}
<a href="{{ .Filename }}#sha256={{ .Filehash }}">{{ .Filename }}</a><br>
{{- end }}
</body></html>
`))

var homeTmpl = template.Must(template.New("home").Parse(`<!doctype html>
<html><head><title>piwheels</title></head>
<body>
<p>{{ .PackagesBuilt }} packages built</p>
<p>{{ .FilesCount }} files</p>
<p>{{ .DownloadsLastMonth }} downloads in the last month</p>
</body></html>
`))

// Once performs the startup pass (spec.md section 4.7): ensures the output
// root and simple/ subtree exist, lists every known package in the root
// index, and copies bundled static assets into the root.
func (s *Scribe) Once(ctx context.Context) error {
	pkgs, err := s.oracle.AllPkgs(ctx)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(pkgs))
	for name := range pkgs {
		names = append(names, name)
		s.knownPkgs[name] = true
	}
	sort.Strings(names)

	if err := os.MkdirAll(filepath.Join(s.cfg.OutputPath, "simple"), 0o755); err != nil {
		return farmerr.NewStorage(err)
	}
	if err := s.writeRootIndex(names); err != nil {
		return err
	}
	return s.copyStaticAssets()
}

func (s *Scribe) writeRootIndex(names []string) error {
	return renderAtomic(filepath.Join(s.cfg.OutputPath, "simple", "index.html"), rootIndexTmpl, struct{ Packages []string }{names})
}

func (s *Scribe) copyStaticAssets() error {
	for name, content := range staticAssets {
		if name == "index.html" {
			continue
		}
		if err := renameio.WriteFile(filepath.Join(s.cfg.OutputPath, name), content, 0o644); err != nil {
			return farmerr.NewStorage(err)
		}
	}
	return nil
}

// Run drains the push queue until ctx is canceled.
func (s *Scribe) Run(ctx context.Context) error {
	for {
		req, err := s.queue.Pull(ctx)
		if err != nil {
			return err
		}
		if err := s.handle(ctx, req); err != nil {
			return err
		}
	}
}

func (s *Scribe) handle(ctx context.Context, req Request) error {
	switch r := req.(type) {
	case Pkg:
		return s.writePkgIndex(ctx, r)
	case Home:
		return s.writeHomepage(r)
	case Search:
		return s.writeSearchIndex(r)
	default:
		return farmerr.NewProtocol("scribe", "unexpected request %T", req)
	}
}

// writePkgIndex rewrites simple/<package>/index.html and, if Package is
// new, rewrites the root index too (spec.md section 4.7 "PKG pkg").
func (s *Scribe) writePkgIndex(ctx context.Context, r Pkg) error {
	files, err := s.oracle.PkgFiles(ctx, r.Package)
	if err != nil {
		return err
	}

	dir := filepath.Join(s.cfg.OutputPath, "simple", r.Package)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return farmerr.NewStorage(err)
	}
	if err := renderAtomic(filepath.Join(dir, "index.html"), pkgIndexTmpl, struct {
		Package string
		Files   []model.File
	}{r.Package, files}); err != nil {
		return err
	}

	if !s.knownPkgs[r.Package] {
		s.knownPkgs[r.Package] = true
		names := make([]string, 0, len(s.knownPkgs))
		for name := range s.knownPkgs {
			names = append(names, name)
		}
		sort.Strings(names)
		if err := s.writeRootIndex(names); err != nil {
			return err
		}
	}
	return nil
}

// writeHomepage renders index.html from Stats (spec.md section 4.7 "HOME
// stats"). An invalid Stats value (the original's missing-field case)
// aborts without writing.
func (s *Scribe) writeHomepage(r Home) error {
	if !r.Valid {
		return farmerr.NewIntegrity("HOME request missing required stats fields")
	}
	return renderAtomic(filepath.Join(s.cfg.OutputPath, "index.html"), homeTmpl, r.Stats)
}

// writeSearchIndex writes packages.json (spec.md section 4.7 "SEARCH").
func (s *Scribe) writeSearchIndex(r Search) error {
	rows := make([][2]interface{}, len(r.Entries))
	for i, e := range r.Entries {
		rows[i] = [2]interface{}{e.Package, e.Count}
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return farmerr.NewIntegrity("marshaling packages.json: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(s.cfg.OutputPath, "packages.json"), b, 0o644); err != nil {
		return farmerr.NewStorage(err)
	}
	return nil
}

func renderAtomic(path string, tmpl *template.Template, data interface{}) error {
	t, err := renameio.TempFile(filepath.Dir(path), path)
	if err != nil {
		return farmerr.NewStorage(err)
	}
	defer t.Cleanup()
	if err := tmpl.Execute(t, data); err != nil {
		return farmerr.NewIntegrity("rendering %s: %w", path, err)
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return farmerr.NewStorage(err)
	}
	return nil
}
