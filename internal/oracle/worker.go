// Package oracle implements the Database Oracle (spec.md section 4.2): a
// single-writer facade over the relational store. Every verb runs inside
// exactly one transaction, committed on success and rolled back on error,
// matching "every verb is a single transaction" verbatim. The store driver
// is github.com/jackc/pgx/v5, grounded on
// other_examples/...melange2...postgres.go (a build system's own
// pgxpool-backed Postgres store) and on the shape of queries in
// original_source/piwheels/db.py.
package oracle

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/piwheels/farm/internal/farmerr"
	"github.com/piwheels/farm/internal/model"
	"github.com/piwheels/farm/internal/seraph"
)

// Worker answers Requests handed to it by a seraph.Router, running each one
// in its own transaction on a connection taken from the shared pool. Multiple Workers may share one Router (spec.md's "M oracle
// workers"); each still serializes its own SQL calls onto pool.Begin/Commit
// per request, and the pool itself ensures no two workers interleave writes
// on the same physical connection.
type Worker struct {
	pool   *pgxpool.Pool
	router *seraph.Router[Request, Result]

	// statsDescribed remembers whether this worker has already prepared the
	// GETSTATS query, mirroring the row-descriptor cache the
	// original DbClient/Oracle keep for GETSTATS (spec.md section 4.2
	// "Caching").
	statsDescribed bool
}

// NewWorker creates an Oracle worker backed by pool, registered with router.
func NewWorker(pool *pgxpool.Pool, router *seraph.Router[Request, Result]) *Worker {
	return &Worker{pool: pool, router: router}
}

// Run answers requests until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		env, err := w.router.Ready(ctx)
		if err != nil {
			return err
		}
		env.Reply <- w.handle(ctx, env.Req)
	}
}

func (w *Worker) handle(ctx context.Context, req Request) Result {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return Result{Err: farmerr.NewStorage(err)}
	}
	defer tx.Rollback(ctx) // no-op if already committed

	var result Result
	switch r := req.(type) {
	case AllPkgs:
		result = w.allPkgs(ctx, tx)
	case AllVers:
		result = w.allVers(ctx, tx)
	case NewPkg:
		result = w.newPkg(ctx, tx, r)
	case NewVer:
		result = w.newVer(ctx, tx, r)
	case SkipPkg:
		result = w.skipPkg(ctx, tx, r)
	case SkipVer:
		result = w.skipVer(ctx, tx, r)
	case PkgExists:
		result = w.pkgExists(ctx, tx, r)
	case LogDownload:
		result = w.logDownload(ctx, tx, r)
	case LogBuild:
		result = w.logBuild(ctx, tx, r)
	case DelBuild:
		result = w.delBuild(ctx, tx, r)
	case PkgFiles:
		result = w.pkgFiles(ctx, tx, r)
	case VerFiles:
		result = w.verFiles(ctx, tx, r)
	case GetABIs:
		result = w.getABIs(ctx, tx)
	case GetPyPI:
		result = w.getPyPI(ctx, tx)
	case SetPyPI:
		result = w.setPyPI(ctx, tx, r)
	case GetStats:
		result = w.getStats(ctx, tx)
	case PkgDownloadCounts:
		result = w.pkgDownloadCounts(ctx, tx)
	default:
		return Result{Err: farmerr.NewProtocol("oracle", "unknown verb %T", req)}
	}

	if result.Err != nil {
		return result
	}
	if err := tx.Commit(ctx); err != nil {
		return Result{Err: farmerr.NewStorage(err)}
	}
	return result
}

// allPkgs answers ALLPKGS: every known package name, with its skip flag, so
// the Architect can exclude skipped packages from candidate selection
// without a second round trip.
func (w *Worker) allPkgs(ctx context.Context, tx pgx.Tx) Result {
	rows, err := tx.Query(ctx, `SELECT package, skip FROM packages`)
	if err != nil {
		return Result{Err: farmerr.NewStorage(err)}
	}
	defer rows.Close()
	set := make(map[string]bool)
	for rows.Next() {
		var pkg string
		var skip bool
		if err := rows.Scan(&pkg, &skip); err != nil {
			return Result{Err: farmerr.NewStorage(err)}
		}
		set[pkg] = skip
	}
	if err := rows.Err(); err != nil {
		return Result{Err: farmerr.NewStorage(err)}
	}
	return Result{Value: set}
}

// allVers answers ALLVERS: every (package, version), its skip flag, and
// whether a successful build currently exists for it — everything the
// Architect needs to pick build candidates (spec.md section 4.4) without a
// verb per version.
func (w *Worker) allVers(ctx context.Context, tx pgx.Tx) Result {
	rows, err := tx.Query(ctx, `
		SELECT v.package, v.version, v.skip,
			EXISTS(
				SELECT 1 FROM builds b
				WHERE b.package = v.package AND b.version = v.version AND b.status = true
			)
		FROM versions v`)
	if err != nil {
		return Result{Err: farmerr.NewStorage(err)}
	}
	defer rows.Close()
	var out []model.Version
	for rows.Next() {
		var v model.Version
		if err := rows.Scan(&v.Package, &v.Version, &v.Skip, &v.Built); err != nil {
			return Result{Err: farmerr.NewStorage(err)}
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return Result{Err: farmerr.NewStorage(err)}
	}
	return Result{Value: out}
}

func (w *Worker) newPkg(ctx context.Context, tx pgx.Tx, r NewPkg) Result {
	_, err := tx.Exec(ctx, `
		INSERT INTO packages (package, skip)
		VALUES ($1, false)
		ON CONFLICT (package) DO NOTHING`, r.Pkg)
	if err != nil {
		return Result{Err: farmerr.NewStorage(err)}
	}
	return Result{}
}

func (w *Worker) newVer(ctx context.Context, tx pgx.Tx, r NewVer) Result {
	_, err := tx.Exec(ctx, `
		INSERT INTO versions (package, version, skip)
		VALUES ($1, $2, false)
		ON CONFLICT (package, version) DO NOTHING`, r.Pkg, r.Ver)
	if err != nil {
		return Result{Err: farmerr.NewStorage(err)}
	}
	return Result{}
}

func (w *Worker) skipPkg(ctx context.Context, tx pgx.Tx, r SkipPkg) Result {
	_, err := tx.Exec(ctx, `UPDATE packages SET skip = true WHERE package = $1`, r.Pkg)
	if err != nil {
		return Result{Err: farmerr.NewStorage(err)}
	}
	return Result{}
}

func (w *Worker) skipVer(ctx context.Context, tx pgx.Tx, r SkipVer) Result {
	_, err := tx.Exec(ctx, `
		UPDATE versions SET skip = true WHERE package = $1 AND version = $2`, r.Pkg, r.Ver)
	if err != nil {
		return Result{Err: farmerr.NewStorage(err)}
	}
	return Result{}
}

func (w *Worker) pkgExists(ctx context.Context, tx pgx.Tx, r PkgExists) Result {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM versions WHERE package = $1 AND version = $2)`,
		r.Pkg, r.Ver).Scan(&exists)
	if err != nil {
		return Result{Err: farmerr.NewStorage(err)}
	}
	return Result{Value: exists}
}

func (w *Worker) logDownload(ctx context.Context, tx pgx.Tx, r LogDownload) Result {
	dl := r.Download
	if dl.AccessedAt.IsZero() {
		dl.AccessedAt = time.Now()
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO downloads (filename, accessed_at, host)
		VALUES ($1, $2, $3)`, dl.Filename, dl.AccessedAt, dl.Host)
	if err != nil {
		return Result{Err: farmerr.NewStorage(err)}
	}
	return Result{}
}

// logBuild implements invariant 1: recording a new successful build
// supersedes and deletes the prior successful build (and its files, via
// ON DELETE CASCADE) for the same (package, version).
func (w *Worker) logBuild(ctx context.Context, tx pgx.Tx, r LogBuild) Result {
	b := r.Build
	if b.Status {
		if _, err := tx.Exec(ctx, `
			DELETE FROM builds WHERE package = $1 AND version = $2 AND status = true`,
			b.Package, b.Version); err != nil {
			return Result{Err: farmerr.NewStorage(err)}
		}
	}

	output, err := gzipCompress(b.Output)
	if err != nil {
		return Result{Err: farmerr.NewIntegrity("compressing build output: %w", err)}
	}

	var buildID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO builds (package, version, status, duration, output, built_by, built_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING build_id`,
		b.Package, b.Version, b.Status, b.Duration, output, b.BuiltBy, buildTime(b)).Scan(&buildID)
	if err != nil {
		return Result{Err: farmerr.NewStorage(err)}
	}

	for _, f := range r.Files {
		_, err := tx.Exec(ctx, `
			INSERT INTO files (filename, build_id, filesize, filehash,
				package_version_tag, py_version_tag, abi_tag, platform_tag)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (filename) DO UPDATE SET
				build_id = EXCLUDED.build_id,
				filesize = EXCLUDED.filesize,
				filehash = EXCLUDED.filehash`,
			f.Filename, buildID, f.Filesize, f.Filehash,
			f.PackageVersionTag, f.PyVersionTag, f.ABITag, f.PlatformTag)
		if err != nil {
			return Result{Err: farmerr.NewStorage(err)}
		}
	}

	return Result{Value: buildID}
}

func buildTime(b model.Build) time.Time {
	if b.BuiltAt.IsZero() {
		return time.Now()
	}
	return b.BuiltAt
}

func (w *Worker) delBuild(ctx context.Context, tx pgx.Tx, r DelBuild) Result {
	_, err := tx.Exec(ctx, `
		DELETE FROM builds WHERE package = $1 AND version = $2 AND status = true`,
		r.Pkg, r.Ver)
	if err != nil {
		return Result{Err: farmerr.NewStorage(err)}
	}
	return Result{}
}

func (w *Worker) pkgFiles(ctx context.Context, tx pgx.Tx, r PkgFiles) Result {
	rows, err := tx.Query(ctx, `
		SELECT f.filename, f.filesize, f.filehash, f.build_id,
			f.package_version_tag, f.py_version_tag, f.abi_tag, f.platform_tag
		FROM files f
		JOIN builds b ON b.build_id = f.build_id
		WHERE b.package = $1 AND b.status = true
		ORDER BY f.filename`, r.Pkg)
	if err != nil {
		return Result{Err: farmerr.NewStorage(err)}
	}
	defer rows.Close()
	var out []model.File
	for rows.Next() {
		var f model.File
		if err := rows.Scan(&f.Filename, &f.Filesize, &f.Filehash, &f.BuildID,
			&f.PackageVersionTag, &f.PyVersionTag, &f.ABITag, &f.PlatformTag); err != nil {
			return Result{Err: farmerr.NewStorage(err)}
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return Result{Err: farmerr.NewStorage(err)}
	}
	return Result{Value: out}
}

func (w *Worker) verFiles(ctx context.Context, tx pgx.Tx, r VerFiles) Result {
	rows, err := tx.Query(ctx, `
		SELECT f.filename
		FROM files f
		JOIN builds b ON b.build_id = f.build_id
		WHERE b.package = $1 AND b.version = $2 AND b.status = true
		ORDER BY f.filename`, r.Pkg, r.Ver)
	if err != nil {
		return Result{Err: farmerr.NewStorage(err)}
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return Result{Err: farmerr.NewStorage(err)}
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return Result{Err: farmerr.NewStorage(err)}
	}
	return Result{Value: out}
}

func (w *Worker) getABIs(ctx context.Context, tx pgx.Tx) Result {
	rows, err := tx.Query(ctx, `SELECT DISTINCT abi_tag FROM files`)
	if err != nil {
		return Result{Err: farmerr.NewStorage(err)}
	}
	defer rows.Close()
	set := make(map[string]bool)
	for rows.Next() {
		var abi string
		if err := rows.Scan(&abi); err != nil {
			return Result{Err: farmerr.NewStorage(err)}
		}
		set[abi] = true
	}
	if err := rows.Err(); err != nil {
		return Result{Err: farmerr.NewStorage(err)}
	}
	return Result{Value: set}
}

const pypiSerialKey = "pypi_serial"

func (w *Worker) getPyPI(ctx context.Context, tx pgx.Tx) Result {
	var value string
	err := tx.QueryRow(ctx, `SELECT value FROM metadata WHERE key = $1`, pypiSerialKey).Scan(&value)
	if err == pgx.ErrNoRows {
		return Result{Value: 0}
	}
	if err != nil {
		return Result{Err: farmerr.NewStorage(err)}
	}
	serial, err := parseSerial(value)
	if err != nil {
		return Result{Err: farmerr.NewStorage(err)}
	}
	return Result{Value: serial}
}

func (w *Worker) setPyPI(ctx context.Context, tx pgx.Tx, r SetPyPI) Result {
	_, err := tx.Exec(ctx, `
		INSERT INTO metadata (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		pypiSerialKey, formatSerial(r.Serial))
	if err != nil {
		return Result{Err: farmerr.NewStorage(err)}
	}
	return Result{}
}

// getStats answers GETSTATS. On first call per worker it prepares the
// statement explicitly so the server caches its row descriptor; later calls
// reuse that plan, mirroring the row-descriptor cache spec.md section 4.2
// describes.
func (w *Worker) getStats(ctx context.Context, tx pgx.Tx) Result {
	const query = `
		SELECT
			(SELECT COUNT(*) FROM builds WHERE status = true),
			(SELECT COUNT(*) FROM files),
			(SELECT COUNT(*) FROM downloads WHERE accessed_at > now() - interval '30 days')`
	if !w.statsDescribed {
		if _, err := tx.Prepare(ctx, query, query); err == nil {
			w.statsDescribed = true
		}
	}
	var s Stats
	err := tx.QueryRow(ctx, query).Scan(&s.PackagesBuilt, &s.FilesCount, &s.DownloadsLastMonth)
	if err != nil {
		return Result{Err: farmerr.NewStorage(err)}
	}
	return Result{Value: s}
}

// pkgDownloadCounts answers PkgDownloadCounts: one row per package with at
// least one row in files, counting every download logged against a filename
// that is currently in files for that package; downloads of filenames that
// are not in files are not counted. This is packages.json's per-package total
// in spec.md section 4.7's SEARCH payload.
func (w *Worker) pkgDownloadCounts(ctx context.Context, tx pgx.Tx) Result {
	rows, err := tx.Query(ctx, `
		SELECT b.package, COUNT(d.filename)
		FROM files f
		JOIN builds b ON b.build_id = f.build_id
		LEFT JOIN downloads d ON d.filename = f.filename
		GROUP BY b.package
		ORDER BY b.package`)
	if err != nil {
		return Result{Err: farmerr.NewStorage(err)}
	}
	defer rows.Close()
	var out []model.PackageDownloadCount
	for rows.Next() {
		var c model.PackageDownloadCount
		if err := rows.Scan(&c.Package, &c.Count); err != nil {
			return Result{Err: farmerr.NewStorage(err)}
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return Result{Err: farmerr.NewStorage(err)}
	}
	return Result{Value: out}
}

func gzipCompress(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(p); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// gzipDecompress reverses gzipCompress; used when a caller needs to read
// back a build's captured log text.
func gzipDecompress(p []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(p))
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	return io.ReadAll(gr)
}
