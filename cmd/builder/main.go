// Command builder is the reference, out-of-scope build executor: a CLI
// that shells out to "pip wheel" for a single (package, version) and
// prints the filenames of the wheels it produced, one per line. It does
// not report status, duration, log or file tags the way cmd/slave's
// BuildResult does, and cmd/slave does not invoke it (its reference
// Builder is nullBuilder).
//
// The actual ARM cross-compilation toolchain (spec.md's explicit
// Non-goal) is not implemented.
//
// Grounded on cmd/distri/builder.go's buildsrv, distri's own remote build
// server — the closest existing analogue to "the slave-side build
// executor" this command stands in for.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

var (
	pkg     = flag.String("package", "", "package name to build")
	version = flag.String("version", "", "version to build")
	outDir  = flag.String("out", ".", "directory pip wheel writes artifacts into")
)

func main() {
	flag.Parse()
	if *pkg == "" || *version == "" {
		fmt.Fprintln(os.Stderr, "usage: builder -package NAME -version VERSION [-out DIR]")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
	defer cancel()

	started := time.Now()
	files, buildErr := build(ctx, *pkg, *version, *outDir)
	duration := time.Since(started)

	if buildErr != nil {
		log.Printf("builder: %s %s failed after %s: %v", *pkg, *version, duration, buildErr)
		os.Exit(1)
	}
	log.Printf("builder: %s %s succeeded after %s, produced %d file(s)", *pkg, *version, duration, len(files))
	for _, f := range files {
		fmt.Println(f)
	}
}

// build invokes pip wheel for pkg==version, writing artifacts into outDir,
// and returns the wheel filenames it produced. This only succeeds for
// pure-Python packages; anything requiring a C/Fortran toolchain is the
// out-of-scope work a real build executor would need to implement.
func build(ctx context.Context, pkg, version, outDir string) ([]string, error) {
	before, err := wheelsIn(outDir)
	if err != nil {
		return nil, err
	}

	spec := fmt.Sprintf("%s==%s", pkg, version)
	cmd := exec.CommandContext(ctx, "pip", "wheel", "--no-deps", "--wheel-dir", outDir, spec)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("pip wheel %s: %w", spec, err)
	}

	after, err := wheelsIn(outDir)
	if err != nil {
		return nil, err
	}
	return diff(before, after), nil
}

func wheelsIn(dir string) (map[string]bool, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.whl"))
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(matches))
	for _, m := range matches {
		out[filepath.Base(m)] = true
	}
	return out, nil
}

func diff(before, after map[string]bool) []string {
	var out []string
	for name := range after {
		if !before[name] {
			out = append(out, name)
		}
	}
	return out
}
