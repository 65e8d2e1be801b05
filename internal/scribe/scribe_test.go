package scribe

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/piwheels/farm/internal/config"
	"github.com/piwheels/farm/internal/mesh"
	"github.com/piwheels/farm/internal/model"
	"github.com/piwheels/farm/internal/oracle"
	"github.com/piwheels/farm/internal/seraph"
)

// fakeOracle answers ALLPKGS and PKGFILES from fixed fixtures, mirroring
// the db_queue.expect/send fixture the original test_index_scribe.py uses.
func fakeOracle(t *testing.T, pkgs map[string]bool, files map[string][]model.File) (*oracle.Client, func()) {
	t.Helper()
	router := seraph.NewRouter[oracle.Request, oracle.Result](10)
	ctx, cancel := context.WithCancel(context.Background())
	go router.Run(ctx)
	go func() {
		for {
			env, err := router.Ready(ctx)
			if err != nil {
				return
			}
			switch r := env.Req.(type) {
			case oracle.AllPkgs:
				env.Reply <- oracle.Result{Value: pkgs}
			case oracle.PkgFiles:
				env.Reply <- oracle.Result{Value: files[r.Pkg]}
			default:
				env.Reply <- oracle.Result{}
			}
		}
	}()
	return oracle.NewClient(router), cancel
}

func newTestScribe(t *testing.T, pkgs map[string]bool, files map[string][]model.File) (*Scribe, string) {
	t.Helper()
	root := t.TempDir()
	client, cancel := fakeOracle(t, pkgs, files)
	t.Cleanup(cancel)
	cfg := config.Defaults()
	cfg.OutputPath = root
	s := New(client, cfg, mesh.NewPushPull[Request](10))
	return s, root
}

func TestOnceColdStart(t *testing.T) {
	s, root := newTestScribe(t, map[string]bool{"foo": false}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Once(ctx); err != nil {
		t.Fatalf("Once: %v", err)
	}

	indexPath := filepath.Join(root, "simple", "index.html")
	b, err := os.ReadFile(indexPath)
	if err != nil {
		t.Fatalf("reading root index: %v", err)
	}
	if !strings.Contains(string(b), `href="foo"`) {
		t.Fatalf("root index missing foo anchor: %s", b)
	}
	if _, err := os.Stat(filepath.Join(root, "style.css")); err != nil {
		t.Fatalf("static asset not copied: %v", err)
	}
}

func TestOncePreExistingFiles(t *testing.T) {
	s, root := newTestScribe(t, map[string]bool{"foo": false}, nil)
	if err := os.MkdirAll(filepath.Join(root, "simple"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "simple", "index.html"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Once(ctx); err != nil {
		t.Fatalf("Once did not overwrite pre-existing files: %v", err)
	}
}

func TestWritePkgIndexAddsNewPackageToRoot(t *testing.T) {
	files := map[string][]model.File{
		"bar": {
			{Filename: "bar-1.0-cp34-cp34m-linux_armv7l.whl", Filehash: "123456abcdef"},
			{Filename: "bar-1.0-cp34-cp34m-linux_armv6l.whl", Filehash: "123456abcdef"},
		},
	}
	s, root := newTestScribe(t, map[string]bool{"foo": false}, files)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Once(ctx); err != nil {
		t.Fatalf("Once: %v", err)
	}
	if err := s.handle(ctx, Pkg{Package: "bar"}); err != nil {
		t.Fatalf("handle(Pkg bar): %v", err)
	}

	rootIndex, err := os.ReadFile(filepath.Join(root, "simple", "index.html"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(rootIndex), `href="bar"`) {
		t.Fatalf("root index missing new bar anchor: %s", rootIndex)
	}

	pkgIndex, err := os.ReadFile(filepath.Join(root, "simple", "bar", "index.html"))
	if err != nil {
		t.Fatal(err)
	}
	want := `href="bar-1.0-cp34-cp34m-linux_armv7l.whl#sha256=123456abcdef"`
	if !strings.Contains(string(pkgIndex), want) {
		t.Fatalf("pkg index missing anchor %s: %s", want, pkgIndex)
	}
}

func TestWriteHomepageFailsWhenInvalid(t *testing.T) {
	s, root := newTestScribe(t, map[string]bool{"foo": false}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Once(ctx); err != nil {
		t.Fatalf("Once: %v", err)
	}
	if err := s.handle(ctx, Home{Valid: false}); err == nil {
		t.Fatal("handle(Home{Valid:false}): want error")
	}
	if _, err := os.Stat(filepath.Join(root, "index.html")); !os.IsNotExist(err) {
		t.Fatalf("index.html should not exist after a failed HOME write, stat err = %v", err)
	}
}

func TestWriteSearchIndex(t *testing.T) {
	s, root := newTestScribe(t, map[string]bool{"foo": false, "bar": false}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Once(ctx); err != nil {
		t.Fatalf("Once: %v", err)
	}
	entries := []PkgCount{{Package: "foo", Count: 10}, {Package: "bar", Count: 1}}
	if err := s.handle(ctx, Search{Entries: entries}); err != nil {
		t.Fatalf("handle(Search): %v", err)
	}

	b, err := os.ReadFile(filepath.Join(root, "packages.json"))
	if err != nil {
		t.Fatal(err)
	}
	var got [][2]interface{}
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("unmarshal packages.json: %v", err)
	}
	if len(got) != 2 || got[0][0] != "foo" {
		t.Fatalf("packages.json = %v, want [[foo 10] [bar 1]]", got)
	}
}
